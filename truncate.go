package pagelog

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// truncateLogTo removes every log entry strictly newer than
// truncateTS. The scan runs newest-first; the first entry at or before
// truncateTS bounds the cut, and truncation is inclusive of the oldest
// entry strictly greater than the bound. truncateTS need not match an
// entry exactly. Finding no entry at or before truncateTS is fatal:
// the log would be all ragged tail.
func truncateLogTo(store LogStore, truncateTS Timestamp) error {
	start := time.Now()
	cursor, err := store.NewReverseCursor()
	if err != nil {
		return err
	}
	defer cursor.Close()

	var (
		previousID LogRecordID
		topOfLog   Timestamp
		count      int
	)
	for {
		entry, id, nerr := cursor.Next()
		if nerr != nil {
			if !errors.Is(nerr, ErrNotFound) {
				return nerr
			}
			break
		}
		count++
		if count == 1 {
			topOfLog = entry.TS
			log.WithField("ts", entry.TS.String()).Debug("log tail entry")
		}

		if entry.TS <= truncateTS {
			// count == 1 means everything in the log is already at or
			// before the truncate point.
			if count != 1 {
				log.WithFields(log.Fields{
					"from":          Timestamp(previousID).String(),
					"to":            topOfLog.String(),
					"truncateAfter": truncateTS.String(),
				}).Info("truncating log")
				invariantf(previousID != 0, "truncating with no previous record")
				if cerr := cursor.Close(); cerr != nil {
					return cerr
				}
				if terr := store.TruncateAfter(previousID, true); terr != nil {
					return terr
				}
			} else {
				log.WithFields(log.Fields{
					"truncateAfter": truncateTS.String(),
					"topOfLog":      topOfLog.String(),
				}).Info("no log entries after the truncate point")
			}
			log.WithField("took", time.Since(start).String()).Info("log truncation finished")
			return nil
		}

		previousID = id
	}

	fatalf(siteTruncateNoBound,
		"reached end of log looking for an entry at or before %s but found none in %d entries",
		truncateTS, count)
	return nil
}
