package pagelog

import (
	"sync/atomic"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// StorageHooks is the narrow engine surface recovery depends on.
type StorageHooks interface {
	// SupportsRecoveryTimestamp reports whether the engine can recover
	// to a stable timestamp.
	SupportsRecoveryTimestamp() bool
	// RecoveryTimestamp returns the stable checkpoint's timestamp, or
	// nil when the last checkpoint was unstable.
	RecoveryTimestamp() (*Timestamp, error)
	// SetOldestTimestamp moves the engine's oldest timestamp so replay
	// writes are not rejected as pre-oldest. Startup-exclusive: the
	// orchestrator assumes no concurrent callers.
	SetOldestTimestamp(Timestamp) error
	SetInitialDataTimestamp(Timestamp) error
	// WaitUntilDurable blocks until journaled writes are durable.
	WaitUntilDurable() error
	// WaitUntilUnjournaledWritesDurable forces a durability barrier for
	// unjournaled writes, degrading to an unstable checkpoint when no
	// stable timestamp exists.
	WaitUntilUnjournaledWritesDurable() error
}

// PreparedTxnReconstructor rebuilds in-flight prepared transactions
// after the main replay.
type PreparedTxnReconstructor interface {
	ReconstructPreparedTxns(mode string) error
}

// ModeRecovering is the application mode handed to collaborators
// during recovery.
const ModeRecovering = "recovering"

var inRecoveryFlag int32

// InRecovery reports whether log recovery is running in this process.
func InRecovery() bool { return atomic.LoadInt32(&inRecoveryFlag) != 0 }

func enterRecovery() func() {
	atomic.StoreInt32(&inRecoveryFlag, 1)
	return func() {
		invariantf(InRecovery(), "recovery flag unexpectedly clear on exit")
		atomic.StoreInt32(&inRecoveryFlag, 0)
	}
}

// convertPanics is deferred by every orchestrator entry point (in
// RecoverFromLog, once the initial-sync check has passed): a panic escaping recovery — a violated invariant, a wedged
// collaborator — must exit at its fatal site, never unwind into the
// caller. Panics that are already fatal exits pass through.
func convertPanics() {
	p := recover()
	if p == nil {
		return
	}
	if _, ok := p.(fatalExit); ok {
		panic(p)
	}
	fatalf(siteRecoveryPanic, "caught exception during log recovery: %v", p)
}

// Recovery drives the durable log's committed prefix back into the
// materialized data on startup or after rollback.
type Recovery struct {
	markers  ConsistencyMarkers
	hooks    StorageHooks
	log      LogStore
	applier  Applier
	prepared PreparedTxnReconstructor // optional
	limits   BatchLimits

	// TakeUnstableCheckpointOnShutdown permits standalone recovery
	// from an up-to-date unstable checkpoint.
	TakeUnstableCheckpointOnShutdown bool

	// MarkReadOnly, when set, flips the engine read-only after
	// standalone recovery.
	MarkReadOnly func()
}

func NewRecovery(markers ConsistencyMarkers, hooks StorageHooks, logStore LogStore,
	applier Applier, limits BatchLimits) *Recovery {

	return &Recovery{
		markers: markers,
		hooks:   hooks,
		log:     logStore,
		applier: applier,
		limits:  limits,
	}
}

// SetPreparedTxnReconstructor wires the collaborator that rebuilds
// prepared transactions post-replay.
func (r *Recovery) SetPreparedTxnReconstructor(p PreparedTxnReconstructor) { r.prepared = p }

// RecoverFromLog is the primary recovery path. A non-nil stableTS
// means rollback recovery from that stable timestamp; nil means
// startup, where the engine is asked for its recovery timestamp and an
// absent one selects the unstable-checkpoint path. Replay failures are
// not recoverable: any inconsistency is fatal.
func (r *Recovery) RecoverFromLog(stableTS *Timestamp) error {
	initialSync, err := r.markers.InitialSyncFlag()
	if err != nil {
		return err
	}
	if initialSync {
		// Initial sync owns cleanup from here.
		log.Info("no recovery needed, initial sync flag set")
		return nil
	}

	leave := enterRecovery()
	defer leave()
	defer convertPanics()

	if stableTS == nil && r.hooks.SupportsRecoveryTimestamp() {
		if stableTS, err = r.hooks.RecoveryTimestamp(); err != nil {
			return err
		}
	}

	appliedThrough, err := r.markers.AppliedThrough()
	if err != nil {
		return err
	}
	if stableTS != nil && !stableTS.IsNull() && !appliedThrough.IsNull() &&
		*stableTS != appliedThrough.TS {
		fatalf(siteStableMismatch,
			"stable timestamp %s does not equal appliedThrough timestamp %s",
			stableTS, appliedThrough)
	}

	if err := r.truncateIfNeeded(stableTS); err != nil {
		return err
	}

	top, err := r.log.TopOfLog()
	if errors.Is(err, ErrNotFound) {
		// Nothing to replay; initial sync will populate the node.
		log.Info("no log entries to apply for recovery, log is empty")
		return nil
	}
	if err != nil {
		fatalf(siteTopOfLogUnreadable, "cannot read top of log: %v", err)
	}

	if stableTS != nil {
		invariantf(r.hooks.SupportsRecoveryTimestamp(),
			"stable timestamp without recovery-timestamp support")
		r.recoverFromStableTimestamp(*stableTS, appliedThrough, top.OpTime())
	} else {
		r.recoverFromUnstableCheckpoint(appliedThrough, top.OpTime())
	}
	return nil
}

// RecoverStandalone recovers a node started outside its replica
// configuration, then flips it read-only. Requires a stable checkpoint
// unless TakeUnstableCheckpointOnShutdown vouches that the unstable
// checkpoint is already complete.
func (r *Recovery) RecoverStandalone() error {
	defer convertPanics()

	recoveryTS := r.recoverPrecursor()

	if recoveryTS != nil {
		// Pass nil so RecoverFromLog asks the engine for the recovery
		// timestamp, exactly as replica-set recovery does.
		if err := r.RecoverFromLog(nil); err != nil {
			return err
		}
	} else if r.TakeUnstableCheckpointOnShutdown {
		// Safely idempotent when it succeeds.
		log.Info("recovering from an unstable checkpoint; confirming that no log recovery is needed")
		r.assertNoRecoveryNeededOnUnstableCheckpoint()
		log.Info("not doing any log recovery, the unstable checkpoint is up to date")
	} else {
		fatalf(siteStandaloneNeedsStable,
			"cannot recover standalone without a stable checkpoint")
	}

	if err := r.reconstructPrepared(); err != nil {
		return err
	}

	log.Warn("setting engine to read-only mode after standalone recovery")
	if r.MarkReadOnly != nil {
		r.MarkReadOnly()
	}
	return nil
}

// RecoverUpTo replays from appliedThrough up to endPoint inclusive.
func (r *Recovery) RecoverUpTo(endPoint Timestamp) error {
	defer convertPanics()

	initialSync, err := r.markers.InitialSyncFlag()
	if err != nil {
		return err
	}
	if initialSync {
		return errors.Wrap(ErrInitialSyncActive, "recover up to a timestamp")
	}

	recoveryTS := r.recoverPrecursor()
	if recoveryTS == nil {
		fatalf(siteUpToNeedsStable,
			"cannot recover to a timestamp without a stable checkpoint")
	}

	if err := r.truncateIfNeeded(recoveryTS); err != nil {
		return err
	}

	appliedThrough, err := r.markers.AppliedThrough()
	if err != nil {
		return err
	}
	startPoint := appliedThrough.TS
	if startPoint.IsNull() {
		log.Info("no stored log entries to apply for recovery")
		return nil
	}

	invariantf(!endPoint.IsNull(), "recover up to a null timestamp")

	if startPoint == endPoint {
		log.WithFields(log.Fields{
			"startPoint": startPoint.String(),
			"endPoint":   endPoint.String(),
		}).Info("no log entries to apply, start point is at the end point")
		return nil
	} else if startPoint > endPoint {
		return errors.Wrapf(ErrBadValue,
			"no log entries to apply: start point %s is beyond the end point %s",
			startPoint, endPoint)
	}

	appliedUpTo := r.applyLogEntries(startPoint, endPoint)
	if appliedUpTo.IsNull() {
		log.WithFields(log.Fields{
			"startPoint": startPoint.String(),
			"endPoint":   endPoint.String(),
		}).Info("no stored log entries to apply between the start and end points")
	} else {
		invariantf(appliedUpTo <= endPoint,
			"applied %s beyond the end point %s", appliedUpTo, endPoint)
	}

	return r.reconstructPrepared()
}

// recoverPrecursor verifies the engine can anchor recovery and returns
// its recovery timestamp, nil when the checkpoint is unstable. A
// present-but-null recovery timestamp is a stable checkpoint taken at
// a null timestamp, which should never happen.
func (r *Recovery) recoverPrecursor() *Timestamp {
	if !r.hooks.SupportsRecoveryTimestamp() {
		fatalf(siteStableSupportRequired,
			"cannot recover from the log with an engine that does not support recovery timestamps")
	}
	recoveryTS, err := r.hooks.RecoveryTimestamp()
	if err != nil {
		fatalf(siteStableSupportRequired, "cannot read the recovery timestamp: %v", err)
	}
	if recoveryTS != nil && recoveryTS.IsNull() {
		fatalf(siteNullRecoveryTimestamp,
			"cannot recover from a stable checkpoint at a null timestamp")
	}
	return recoveryTS
}

// assertNoRecoveryNeededOnUnstableCheckpoint checks that a standalone
// start from an unstable checkpoint has nothing to replay. Any
// recovery work needed here is fatal, each condition at its own site.
func (r *Recovery) assertNoRecoveryNeededOnUnstableCheckpoint() {
	initialSync, err := r.markers.InitialSyncFlag()
	if err != nil || initialSync {
		fatalf(siteUnexpectedInitialSync, "unexpected recovery needed, initial sync flag set")
	}

	truncateAfter, err := r.markers.TruncateAfterPoint()
	if err != nil {
		fatalf(siteUnexpectedTruncatePoint, "cannot read truncate-after point: %v", err)
	}
	if !truncateAfter.IsNull() {
		fatalf(siteUnexpectedTruncatePoint,
			"unexpected recovery needed, log requires truncation after %s", truncateAfter)
	}

	top, err := r.log.TopOfLog()
	if err != nil {
		fatalf(siteUnexpectedEmptyLog, "recovery not possible, no log found: %v", err)
	}

	appliedThrough, err := r.markers.AppliedThrough()
	if err != nil {
		fatalf(siteUnexpectedAppliedThrough, "cannot read appliedThrough: %v", err)
	}
	if !appliedThrough.IsNull() && appliedThrough != top.OpTime() {
		fatalf(siteUnexpectedAppliedThrough,
			"unexpected recovery needed, appliedThrough %s is not at the top of the log %s",
			appliedThrough, top.OpTime())
	}

	minValid, err := r.markers.MinValid()
	if err != nil {
		fatalf(siteUnexpectedMinValid, "cannot read minValid: %v", err)
	}
	if minValid > top.TS {
		fatalf(siteUnexpectedMinValid,
			"unexpected recovery needed, top of log %s is before minValid %s", top.TS, minValid)
	}
}

func (r *Recovery) recoverFromStableTimestamp(stableTS Timestamp, appliedThrough, top OpTime) {
	invariantf(!stableTS.IsNull(), "stable recovery from a null timestamp")
	invariantf(!top.IsNull(), "stable recovery with a null top of log")

	truncateAfter, _ := r.markers.TruncateAfterPoint()
	log.WithFields(log.Fields{
		"stableTimestamp": stableTS.String(),
		"topOfLog":        top.String(),
		"appliedThrough":  appliedThrough.String(),
		"truncateAfter":   truncateAfter.String(),
	}).Info("recovering from stable timestamp")

	r.applyToEndOfLog(stableTS, top.TS)
}

func (r *Recovery) recoverFromUnstableCheckpoint(appliedThrough, top OpTime) {
	invariantf(!top.IsNull(), "unstable recovery with a null top of log")
	log.WithFields(log.Fields{
		"topOfLog":       top.String(),
		"appliedThrough": appliedThrough.String(),
	}).Info("recovering from an unstable checkpoint")

	if appliedThrough.IsNull() {
		// Clean shutdown or crash as primary; consistent at the top of
		// the log already.
		log.Info("no log entries to apply for recovery, appliedThrough is null")
	} else {
		// Unclean shutdown during secondary log application. Replay
		// writes older than the engine's oldest timestamp would be
		// rejected as pre-oldest, so move it back to the start point
		// first.
		if err := r.hooks.SetOldestTimestamp(appliedThrough.TS); err != nil {
			fatalf(siteReplayFailed, "cannot move oldest timestamp to %s: %v",
				appliedThrough.TS, err)
		}
		r.applyToEndOfLog(appliedThrough.TS, top.TS)
	}

	// Only reachable at startup.
	if err := r.hooks.SetInitialDataTimestamp(top.TS); err != nil {
		fatalf(siteReplayFailed, "cannot set initial data timestamp: %v", err)
	}

	// Pin appliedThrough to the top of the log so a crash before the
	// first stable checkpoint still knows where replay must resume.
	if err := r.markers.SetAppliedThrough(top); err != nil {
		fatalf(siteReplayFailed, "cannot set appliedThrough: %v", err)
	}

	// The marker must survive a second crash; without a stable
	// timestamp the checkpoint this forces degrades to unstable.
	if err := r.hooks.WaitUntilUnjournaledWritesDurable(); err != nil {
		fatalf(siteReplayFailed, "durability barrier failed: %v", err)
	}
}

func (r *Recovery) applyToEndOfLog(startPoint, topOfLog Timestamp) {
	invariantf(!startPoint.IsNull(), "replay from a null start point")
	invariantf(!topOfLog.IsNull(), "replay to a null top of log")

	// Checked after the ragged tail is gone.
	if startPoint == topOfLog {
		log.Info("no log entries to apply, start point is at the top of the log")
		return
	} else if startPoint > topOfLog {
		fatalf(siteStartBeyondTop,
			"applied entry %s not found, top of log is %s", startPoint, topOfLog)
	}

	appliedUpTo := r.applyLogEntries(startPoint, topOfLog)
	invariantf(!appliedUpTo.IsNull(), "replay applied nothing over a non-empty range")
	invariantf(appliedUpTo == topOfLog,
		"did not apply to the top of the log: applied through %s, top %s",
		appliedUpTo, topOfLog)
}

// applyLogEntries replays [startPoint, endPoint] through the batching
// applier and returns the timestamp applied through, null when the
// range held nothing beyond the start entry. appliedThrough is
// advanced after the loop; failures anywhere are fatal.
func (r *Recovery) applyLogEntries(startPoint, endPoint Timestamp) Timestamp {
	log.WithFields(log.Fields{
		"startPoint": startPoint.String(),
		"endPoint":   endPoint.String(),
	}).Info("replaying stored log entries")

	source := newLogReplaySource(r.log, startPoint, &endPoint)
	source.Startup()
	defer source.Shutdown()

	stats := &recoveryStats{}
	var appliedThrough OpTime
	for {
		batch := nextApplierBatch(source, r.limits)
		if len(batch) == 0 {
			break
		}
		stats.OnBatchBegin(batch)
		opTime, err := r.applier.Apply(batch)
		if err != nil {
			fatalf(siteReplayFailed, "batch application failed at %s: %v",
				batch[0].OpTime(), err)
		}
		stats.OnBatchEnd(opTime, batch)
		appliedThrough = opTime
	}
	stats.complete(appliedThrough)
	invariantf(source.IsEmpty(),
		"replay source not empty after applying through %s", appliedThrough)
	// Release the replay cursor before writing the marker to the same store.
	source.Shutdown()

	if appliedThrough.IsNull() {
		return 0
	}

	// A crash before this set leaves appliedThrough at its previous
	// value, so the next recovery replays the same range again.
	if err := r.markers.SetAppliedThrough(appliedThrough); err != nil {
		fatalf(siteReplayFailed, "cannot set appliedThrough to %s: %v", appliedThrough, err)
	}
	return appliedThrough.TS
}

// truncateIfNeeded trims the ragged log tail when truncateAfterPoint
// is set, then clears the point durably so future entries are not
// truncated by mistake. When a stable timestamp exists and is earlier
// than the point, the cut happens at the stable timestamp: everything
// after it is replayed anyway, and the earlier cut removes any holes
// between the two.
func (r *Recovery) truncateIfNeeded(stableTS *Timestamp) error {
	truncatePoint, err := r.markers.TruncateAfterPoint()
	if err != nil {
		return err
	}
	if truncatePoint.IsNull() {
		// No holes in the log necessitate truncation.
		return nil
	}

	if stableTS != nil && !stableTS.IsNull() && *stableTS < truncatePoint {
		log.WithFields(log.Fields{
			"truncatePoint":   truncatePoint.String(),
			"stableTimestamp": stableTS.String(),
		}).Info("truncate point is later than the stable timestamp, truncating at the stable timestamp instead")
		truncatePoint = *stableTS
	}

	log.WithField("truncatePoint", truncatePoint.String()).
		Info("removing unapplied log entries")
	if err := truncateLogTo(r.log, truncatePoint); err != nil {
		return err
	}

	if err := r.markers.SetTruncateAfterPoint(0); err != nil {
		return err
	}
	return r.hooks.WaitUntilDurable()
}

func (r *Recovery) reconstructPrepared() error {
	if r.prepared == nil {
		return nil
	}
	return r.prepared.ReconstructPreparedTxns(ModeRecovering)
}
