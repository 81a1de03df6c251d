package pagelog

import (
	"testing"

	"github.com/pkg/errors"
	assertion "github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Empty log with a stable checkpoint: nothing to replay, markers
// untouched.
func TestRecoverFromLogEmptyLog(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	markers := &memMarkers{}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))
	assert.Empty(applier.batches)
	assert.Empty(markers.appliedThroughSets)
	assert.False(InRecovery())
}

// Stable checkpoint at 100 with top of log at 100: the replay
// short-circuits with no writes.
func TestRecoverFromLogStableAtTop(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))
	assert.Empty(applier.batches)
	assert.Empty(markers.appliedThroughSets)
}

// Stable checkpoint behind the top: replay covers (stable, top] and
// advances appliedThrough to the top.
func TestRecoverFromLogStableReplay(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100), entry(110), entry(120)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))

	applied := applier.applied()
	require.Len(t, applied, 2)
	assert.Equal(ts(110), applied[0].TS)
	assert.Equal(ts(120), applied[1].TS)
	assert.Equal(OpTime{TS: 120, Term: 1}, markers.appliedThrough)
}

// Unstable checkpoint with appliedThrough=50 and top=70: the oldest
// timestamp moves back to 50, [50,70] replays, initialDataTimestamp
// and appliedThrough land on 70, and the durability barrier runs.
func TestRecoverFromLogUnstableCheckpoint(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(50), entry(60), entry(70)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 50, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: nil}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))

	require.Len(t, hooks.oldestSets, 1)
	assert.Equal(ts(50), hooks.oldestSets[0])

	applied := applier.applied()
	require.Len(t, applied, 2)
	assert.Equal(ts(60), applied[0].TS)
	assert.Equal(ts(70), applied[1].TS)

	require.Len(t, hooks.initialDataSets, 1)
	assert.Equal(ts(70), hooks.initialDataSets[0])
	assert.Equal(OpTime{TS: 70, Term: 1}, markers.appliedThrough)
	assert.Equal(1, hooks.unjournaledCalls)
}

// Unstable checkpoint with null appliedThrough: consistent at the top
// already, but the marker is still pinned to the top and made durable.
func TestRecoverFromLogUnstableNullAppliedThrough(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(50), entry(70)))
	markers := &memMarkers{}
	hooks := &fakeHooks{supports: true}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))
	assert.Empty(applier.batches)
	assert.Empty(hooks.oldestSets)
	assert.Equal(OpTime{TS: 70, Term: 1}, markers.appliedThrough)
	assert.Equal(1, hooks.unjournaledCalls)
}

// Ragged tail: truncateAfterPoint=80 with stable=60 cuts at 60, the
// smaller, then clears the point and flushes durably.
func TestRecoverFromLogRaggedTail(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(50), entry(60), entry(70), entry(90)))
	markers := &memMarkers{
		appliedThrough: OpTime{TS: 60, Term: 1},
		truncateAfter:  80,
	}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(60)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))

	assert.Equal([]Timestamp{50, 60}, logTimestamps(t, store))
	assert.Equal(ts(0), markers.truncateAfter)
	assert.Equal(1, hooks.durableCalls)
	assert.Empty(applier.batches)
}

// A truncate point at the stable timestamp is used as the cut point.
func TestRecoverFromLogTruncatePointAtStable(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(50), entry(60), entry(70)))
	markers := &memMarkers{truncateAfter: 50}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(50)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))
	assert.Equal([]Timestamp{50}, logTimestamps(t, store))
	assert.Equal(ts(0), markers.truncateAfter)
}

// Initial sync flag short-circuits recovery entirely.
func TestRecoverFromLogInitialSync(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(10), entry(20)))
	markers := &memMarkers{initialSync: true, truncateAfter: 15}
	hooks := &fakeHooks{supports: true}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))
	assert.Empty(applier.batches)
	assert.Equal([]Timestamp{10, 20}, logTimestamps(t, store))
}

// The stable timestamp must agree with appliedThrough when both exist.
func TestRecoverFromLogStableMismatchFatal(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 90, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})

	site := captureFatal(t, func() { _ = rec.RecoverFromLog(nil) })
	assert.Equal(siteStableMismatch, site)
	assert.Empty(markers.appliedThroughSets)
}

// Replay start beyond the top of the log is fatal and leaves the
// marker alone.
func TestRecoverFromLogStartBeyondTop(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(120)}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})

	site := captureFatal(t, func() { _ = rec.RecoverFromLog(nil) })
	assert.Equal(siteStartBeyondTop, site)
	assert.Empty(markers.appliedThroughSets)
}

// A failing applier is fatal mid-replay.
func TestRecoverFromLogApplierFailureFatal(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100), entry(110)))
	markers := &memMarkers{}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{failAt: 1})

	site := captureFatal(t, func() { _ = rec.RecoverFromLog(nil) })
	assert.Equal(siteReplayFailed, site)
	assert.Empty(markers.appliedThroughSets)
}

// Running recovery twice without intervening writes is a no-op the
// second time, and appliedThrough never moves backward.
func TestRecoverFromLogIdempotent(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100), entry(110), entry(120)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))
	first := markers.appliedThrough
	assert.Equal(OpTime{TS: 120, Term: 1}, first)

	// The next startup checkpoints at the new appliedThrough.
	hooks.recoveryTS = tsp(120)
	assert.NoError(rec.RecoverFromLog(nil))
	assert.Equal(first, markers.appliedThrough)
	assert.Len(applier.applied(), 2)

	for i := 1; i < len(markers.appliedThroughSets); i++ {
		assert.False(markers.appliedThroughSets[i].Less(markers.appliedThroughSets[i-1]))
	}
}

// An explicit stable timestamp (rollback recovery) is honored without
// consulting the engine.
func TestRecoverFromLogExplicitStable(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(80), entry(90)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 80, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(999)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(tsp(80)))
	applied := applier.applied()
	require.Len(t, applied, 1)
	assert.Equal(ts(90), applied[0].TS)
}

func TestRecoverUpTo(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100), entry(110), entry(120), entry(130)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverUpTo(120))
	applied := applier.applied()
	require.Len(t, applied, 2)
	assert.Equal(ts(110), applied[0].TS)
	assert.Equal(ts(120), applied[1].TS)
	assert.Equal(OpTime{TS: 120, Term: 1}, markers.appliedThrough)
}

func TestRecoverUpToEqualPoints(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverUpTo(100))
	assert.Empty(applier.batches)
}

func TestRecoverUpToStartBeyondEnd(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})

	err := rec.RecoverUpTo(90)
	assert.True(errors.Is(err, ErrBadValue))
}

func TestRecoverUpToInitialSync(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	markers := &memMarkers{initialSync: true}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})

	err := rec.RecoverUpTo(120)
	assert.True(errors.Is(err, ErrInitialSyncActive))
}

func TestRecoverUpToNeedsStable(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	markers := &memMarkers{}
	hooks := &fakeHooks{supports: true}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})

	site := captureFatal(t, func() { _ = rec.RecoverUpTo(120) })
	assert.Equal(siteUpToNeedsStable, site)
}

// Standalone recovery with a stable checkpoint replays and flips the
// engine read-only.
func TestRecoverStandaloneStable(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100), entry(110)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)

	readOnly := false
	rec.MarkReadOnly = func() { readOnly = true }

	assert.NoError(rec.RecoverStandalone())
	assert.Len(applier.applied(), 1)
	assert.True(readOnly)
}

func TestRecoverStandaloneNeedsStable(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	markers := &memMarkers{}
	hooks := &fakeHooks{supports: true}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})

	site := captureFatal(t, func() { _ = rec.RecoverStandalone() })
	assert.Equal(siteStandaloneNeedsStable, site)
}

func TestRecoverStandaloneNoSupport(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	rec := newTestRecovery(&memMarkers{}, &fakeHooks{}, store, &recordingApplier{})
	site := captureFatal(t, func() { _ = rec.RecoverStandalone() })
	assert.Equal(siteStableSupportRequired, site)
}

func TestRecoverStandaloneNullRecoveryTimestamp(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	hooks := &fakeHooks{supports: true, recoveryTS: tsp(0)}
	rec := newTestRecovery(&memMarkers{}, hooks, store, &recordingApplier{})
	site := captureFatal(t, func() { _ = rec.RecoverStandalone() })
	assert.Equal(siteNullRecoveryTimestamp, site)
}

// Unstable-checkpoint standalone mode verifies that nothing needs
// recovery, condition by condition.
func TestRecoverStandaloneUnstableOK(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{
		appliedThrough: OpTime{TS: 100, Term: 1},
		minValid:       100,
	}
	hooks := &fakeHooks{supports: true}
	applier := &recordingApplier{}
	rec := newTestRecovery(markers, hooks, store, applier)
	rec.TakeUnstableCheckpointOnShutdown = true

	readOnly := false
	rec.MarkReadOnly = func() { readOnly = true }

	assert.NoError(rec.RecoverStandalone())
	assert.Empty(applier.batches)
	assert.True(readOnly)
}

func TestRecoverStandaloneUnstableNeedsRecovery(t *testing.T) {
	cases := []struct {
		name    string
		prepare func(*memMarkers, *boltLogStore)
		site    int
	}{
		{
			name:    "truncate point set",
			prepare: func(m *memMarkers, s *boltLogStore) { m.truncateAfter = 50 },
			site:    siteUnexpectedTruncatePoint,
		},
		{
			name:    "empty log",
			prepare: func(m *memMarkers, s *boltLogStore) {},
			site:    siteUnexpectedEmptyLog,
		},
		{
			name: "appliedThrough behind top",
			prepare: func(m *memMarkers, s *boltLogStore) {
				_ = s.Append(entry(100), entry(110))
				m.appliedThrough = OpTime{TS: 100, Term: 1}
			},
			site: siteUnexpectedAppliedThrough,
		},
		{
			name: "minValid beyond top",
			prepare: func(m *memMarkers, s *boltLogStore) {
				_ = s.Append(entry(100))
				m.minValid = 200
			},
			site: siteUnexpectedMinValid,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert := assertion.New(t)
			store, cleanup := newTestLogStore(t)
			defer cleanup()

			markers := &memMarkers{}
			tc.prepare(markers, store)

			hooks := &fakeHooks{supports: true}
			rec := newTestRecovery(markers, hooks, store, &recordingApplier{})
			rec.TakeUnstableCheckpointOnShutdown = true

			site := captureFatal(t, func() { _ = rec.RecoverStandalone() })
			assert.Equal(tc.site, site)
		})
	}
}

// The in-recovery flag is set during replay and guaranteed clear on
// every exit path.
func TestInRecoveryFlag(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100), entry(110)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}

	var sawFlag bool
	applier := applierFunc(func(batch []LogEntry) (OpTime, error) {
		sawFlag = InRecovery()
		return batch[len(batch)-1].OpTime(), nil
	})
	rec := newTestRecovery(markers, hooks, store, applier)

	assert.NoError(rec.RecoverFromLog(nil))
	assert.True(sawFlag)
	assert.False(InRecovery())
}

type applierFunc func([]LogEntry) (OpTime, error)

func (f applierFunc) Apply(batch []LogEntry) (OpTime, error) { return f(batch) }

// Prepared transactions are reconstructed after the main replay in
// recovering mode.
func TestReconstructPreparedTxns(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})
	rec.TakeUnstableCheckpointOnShutdown = false

	var modes []string
	rec.SetPreparedTxnReconstructor(reconstructorFunc(func(mode string) error {
		modes = append(modes, mode)
		return nil
	}))

	assert.NoError(rec.RecoverStandalone())
	assert.Equal([]string{ModeRecovering}, modes)
}

type reconstructorFunc func(string) error

func (f reconstructorFunc) ReconstructPreparedTxns(mode string) error { return f(mode) }

// A violated invariant inside the orchestrator exits at the panic
// conversion site instead of unwinding into the caller.
func TestRecoverUpToPanicConverted(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})

	// A null end point trips the orchestrator's own invariant.
	site := captureFatal(t, func() { _ = rec.RecoverUpTo(0) })
	assert.Equal(siteRecoveryPanic, site)
}

// A collaborator panicking during standalone recovery is converted the
// same way.
func TestRecoverStandalonePanicConverted(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	rec := newTestRecovery(markers, hooks, store, &recordingApplier{})
	rec.SetPreparedTxnReconstructor(reconstructorFunc(func(string) error {
		panic("reconstructor wedged")
	}))

	site := captureFatal(t, func() { _ = rec.RecoverStandalone() })
	assert.Equal(siteRecoveryPanic, site)
}

// A panic escaping the applier during RecoverFromLog exits at the
// panic conversion site, and the in-recovery flag is still cleared.
func TestRecoverFromLogPanicConverted(t *testing.T) {
	assert := assertion.New(t)
	store, cleanup := newTestLogStore(t)
	defer cleanup()

	require.NoError(t, store.Append(entry(100), entry(110)))
	markers := &memMarkers{appliedThrough: OpTime{TS: 100, Term: 1}}
	hooks := &fakeHooks{supports: true, recoveryTS: tsp(100)}
	applier := applierFunc(func([]LogEntry) (OpTime, error) {
		panic("applier wedged")
	})
	rec := newTestRecovery(markers, hooks, store, applier)

	site := captureFatal(t, func() { _ = rec.RecoverFromLog(nil) })
	assert.Equal(siteRecoveryPanic, site)
	assert.False(InRecovery())
}
