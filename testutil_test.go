package pagelog

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/pkg/errors"
	bolt "go.etcd.io/bbolt"
)

// newSideDB opens a scratch bbolt database for store tests.
func newSideDB(t *testing.T) (*bolt.DB, func()) {
	t.Helper()
	dir, err := ioutil.TempDir("", "pagelog-test")
	if err != nil {
		t.Fatal(err)
	}
	db, err := bolt.Open(filepath.Join(dir, "side.db"), 0600, nil)
	if err != nil {
		os.RemoveAll(dir)
		t.Fatal(err)
	}
	return db, func() {
		db.Close()
		os.RemoveAll(dir)
	}
}

func newTestLogStore(t *testing.T) (*boltLogStore, func()) {
	t.Helper()
	db, cleanup := newSideDB(t)
	store, err := newBoltLogStore(db)
	if err != nil {
		cleanup()
		t.Fatal(err)
	}
	return store, cleanup
}

// captureFatal runs fn with the process-exit hook stubbed out and
// returns the fatal site code, or 0 when fn did not hit a fatal site.
func captureFatal(t *testing.T, fn func()) (site int) {
	t.Helper()
	old := exitFunc
	exitFunc = func(code int) { panic(fatalExit{site: code}) }
	defer func() {
		exitFunc = old
		if p := recover(); p != nil {
			fe, ok := p.(fatalExit)
			if !ok {
				panic(p)
			}
			site = fe.site
		}
	}()
	fn()
	return 0
}

// memMarkers is an in-memory ConsistencyMarkers recording every
// appliedThrough set.
type memMarkers struct {
	mu sync.Mutex

	appliedThrough OpTime
	minValid       Timestamp
	truncateAfter  Timestamp
	initialSync    bool

	appliedThroughSets []OpTime
}

func (m *memMarkers) AppliedThrough() (OpTime, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.appliedThrough, nil
}

func (m *memMarkers) SetAppliedThrough(ot OpTime) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.appliedThrough = ot
	m.appliedThroughSets = append(m.appliedThroughSets, ot)
	return nil
}

func (m *memMarkers) MinValid() (Timestamp, error) { return m.minValid, nil }

func (m *memMarkers) SetMinValid(ts Timestamp) error {
	m.minValid = ts
	return nil
}

func (m *memMarkers) TruncateAfterPoint() (Timestamp, error) { return m.truncateAfter, nil }

func (m *memMarkers) SetTruncateAfterPoint(ts Timestamp) error {
	m.truncateAfter = ts
	return nil
}

func (m *memMarkers) InitialSyncFlag() (bool, error) { return m.initialSync, nil }

func (m *memMarkers) SetInitialSyncFlag(set bool) error {
	m.initialSync = set
	return nil
}

// fakeHooks records the storage calls recovery makes.
type fakeHooks struct {
	supports   bool
	recoveryTS *Timestamp

	oldestSets       []Timestamp
	initialDataSets  []Timestamp
	durableCalls     int
	unjournaledCalls int
}

func (h *fakeHooks) SupportsRecoveryTimestamp() bool { return h.supports }

func (h *fakeHooks) RecoveryTimestamp() (*Timestamp, error) {
	if h.recoveryTS == nil {
		return nil, nil
	}
	ts := *h.recoveryTS
	return &ts, nil
}

func (h *fakeHooks) SetOldestTimestamp(ts Timestamp) error {
	h.oldestSets = append(h.oldestSets, ts)
	return nil
}

func (h *fakeHooks) SetInitialDataTimestamp(ts Timestamp) error {
	h.initialDataSets = append(h.initialDataSets, ts)
	return nil
}

func (h *fakeHooks) WaitUntilDurable() error {
	h.durableCalls++
	return nil
}

func (h *fakeHooks) WaitUntilUnjournaledWritesDurable() error {
	h.unjournaledCalls++
	return nil
}

// recordingApplier captures batches and answers with the last entry's
// OpTime.
type recordingApplier struct {
	batches [][]LogEntry
	failAt  int // 1-based batch index to fail on, 0 disables
}

func (a *recordingApplier) Apply(batch []LogEntry) (OpTime, error) {
	a.batches = append(a.batches, batch)
	if a.failAt != 0 && len(a.batches) == a.failAt {
		return NullOpTime, errors.New("injected apply failure")
	}
	return batch[len(batch)-1].OpTime(), nil
}

func (a *recordingApplier) applied() []LogEntry {
	var all []LogEntry
	for _, b := range a.batches {
		all = append(all, b...)
	}
	return all
}

// memBlockReader serves page images from a map, optionally failing.
type memBlockReader struct {
	pages map[PageAddr][]byte
	fail  error
}

func (r *memBlockReader) ReadBlock(addr PageAddr) (*DiskBuffer, error) {
	if r.fail != nil {
		return nil, r.fail
	}
	data, ok := r.pages[addr]
	if !ok {
		return nil, errors.Wrapf(ErrIo, "no block at %d/%d", addr.Offset, addr.Size)
	}
	return &DiskBuffer{data: data}, nil
}

func ts(v uint64) Timestamp { return Timestamp(v) }

func tsp(v uint64) *Timestamp {
	t := Timestamp(v)
	return &t
}

func entry(tsv uint64) LogEntry {
	return LogEntry{TS: Timestamp(tsv), Term: 1, Payload: []byte("op")}
}

func newTestRecovery(markers ConsistencyMarkers, hooks StorageHooks, store LogStore,
	applier Applier) *Recovery {
	return NewRecovery(markers, hooks, store, applier, BatchLimits{Bytes: 1 << 20, Entries: 100})
}
