package pagelog

import (
	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// BatchLimits bounds one applier batch.
type BatchLimits struct {
	Bytes   int
	Entries int
}

// Applier commits a batch of log entries to the data files and
// returns the OpTime of the last entry applied. Within a batch the
// applier may parallelize; its effects must be visible before the
// next batch begins.
type Applier interface {
	Apply(batch []LogEntry) (OpTime, error)
}

// ApplyObserver receives batch lifecycle callbacks during replay.
type ApplyObserver interface {
	OnBatchBegin(batch []LogEntry)
	OnBatchEnd(applied OpTime, batch []LogEntry)
}

// nextApplierBatch drains the replay source up to the limits. The
// first entry always fits; after that the batch closes when either
// limit would be exceeded.
func nextApplierBatch(src *logReplaySource, limits BatchLimits) []LogEntry {
	var (
		batch []LogEntry
		size  int
	)
	for {
		entry, ok := src.Peek()
		if !ok {
			return batch
		}
		entrySize := len(entry.Payload) + 16
		if len(batch) > 0 &&
			((limits.Bytes > 0 && size+entrySize > limits.Bytes) ||
				(limits.Entries > 0 && len(batch) >= limits.Entries)) {
			return batch
		}
		src.Pop()
		batch = append(batch, entry)
		size += entrySize
	}
}

// recoveryStats tracks and logs operations applied during recovery.
type recoveryStats struct {
	numBatches int
	numOps     int
}

func (s *recoveryStats) OnBatchBegin(batch []LogEntry) {
	s.numBatches++
	log.WithFields(log.Fields{
		"batch": s.numBatches,
		"ops":   len(batch),
		"first": batch[0].OpTime().String(),
		"last":  batch[len(batch)-1].OpTime().String(),
		"total": s.numOps,
	}).Debug("applying log batch")
	s.numOps += len(batch)

	if log.IsLevelEnabled(log.TraceLevel) {
		for i, entry := range batch {
			log.WithFields(log.Fields{
				"op":    i + 1,
				"of":    len(batch),
				"batch": s.numBatches,
				"ts":    entry.TS.String(),
			}).Trace("applying log entry during recovery")
		}
	}
}

func (s *recoveryStats) OnBatchEnd(OpTime, []LogEntry) {}

func (s *recoveryStats) complete(appliedThrough OpTime) {
	log.WithFields(log.Fields{
		"ops":            s.numOps,
		"batches":        s.numBatches,
		"appliedThrough": appliedThrough.String(),
	}).Info("log application complete")
}

// ParallelApplier fans each batch out over a fixed worker pool. The
// group wait is the barrier between batches.
type ParallelApplier struct {
	Workers    int
	ApplyEntry func(LogEntry) error
}

func (a *ParallelApplier) Apply(batch []LogEntry) (OpTime, error) {
	if len(batch) == 0 {
		return NullOpTime, nil
	}
	workers := a.Workers
	if workers < 1 {
		workers = 1
	}
	if workers > len(batch) {
		workers = len(batch)
	}

	var g errgroup.Group
	chunk := (len(batch) + workers - 1) / workers
	for off := 0; off < len(batch); off += chunk {
		end := off + chunk
		if end > len(batch) {
			end = len(batch)
		}
		part := batch[off:end]
		g.Go(func() error {
			for _, entry := range part {
				if err := a.ApplyEntry(entry); err != nil {
					return err
				}
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return NullOpTime, err
	}
	return batch[len(batch)-1].OpTime(), nil
}
