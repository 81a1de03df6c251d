package pagelog

import (
	"github.com/pkg/errors"
)

// logReplaySource adapts a bounded log range into the replay buffer
// the batching applier consumes. It is strictly a replay source: only
// Peek, Pop and IsEmpty are supported, everything else fails loudly.
type logReplaySource struct {
	store LogStore
	start Timestamp
	end   *Timestamp

	cursor LogRangeCursor
	next   *LogEntry
}

func newLogReplaySource(store LogStore, start Timestamp, end *Timestamp) *logReplaySource {
	return &logReplaySource{store: store, start: start, end: end}
}

// Startup opens the range and verifies the checkpoint contract: the
// first entry must exist and carry exactly the declared start
// timestamp, and it is consumed here because it is already applied. A
// hole at the start means the durable log disagrees with the
// checkpoint, which is fatal.
func (s *logReplaySource) Startup() {
	cursor, err := s.store.NewRangeCursor(s.start, s.end)
	if err != nil {
		fatalf(siteReplayFailed, "cannot open log range for replay: %v", err)
	}
	s.cursor = cursor

	first, err := s.advance()
	if err != nil {
		// The caller checked that top-of-log is at or past the start
		// point, so an empty range should be impossible.
		s.Shutdown()
		fatalf(siteEmptyReplayRange,
			"no log entries at or after %s, which should be impossible", s.start)
	}
	if first.TS != s.start {
		s.Shutdown()
		fatalf(siteMissingStartEntry,
			"log entry at %s is missing; first entry found is %s", s.start, first.TS)
	}

	if e, err := s.advance(); err == nil {
		s.next = &e
	}
}

func (s *logReplaySource) advance() (LogEntry, error) {
	e, err := s.cursor.Next()
	if err != nil && !errors.Is(err, ErrNotFound) {
		fatalf(siteReplayFailed, "log read failed during replay: %v", err)
	}
	return e, err
}

func (s *logReplaySource) IsEmpty() bool { return s.next == nil }

func (s *logReplaySource) Peek() (LogEntry, bool) {
	if s.next == nil {
		return LogEntry{}, false
	}
	return *s.next, true
}

func (s *logReplaySource) Pop() (LogEntry, bool) {
	if s.next == nil {
		return LogEntry{}, false
	}
	e := *s.next
	if n, err := s.advance(); err == nil {
		s.next = &n
	} else {
		s.next = nil
	}
	return e, true
}

func (s *logReplaySource) Shutdown() {
	if s.cursor != nil {
		_ = s.cursor.Close()
		s.cursor = nil
	}
	s.next = nil
}

// The remaining buffer surface is unreachable for a replay source.

func (s *logReplaySource) Push(...LogEntry) { panic("log replay source: push unsupported") }
func (s *logReplaySource) Clear()           { panic("log replay source: clear unsupported") }
func (s *logReplaySource) WaitForSpace(int) { panic("log replay source: waitForSpace unsupported") }
func (s *logReplaySource) MaxSize() int     { panic("log replay source: maxSize unsupported") }
func (s *logReplaySource) Size() int        { panic("log replay source: size unsupported") }
func (s *logReplaySource) Count() int       { panic("log replay source: count unsupported") }
