package pagelog

import (
	"fmt"
	"os"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

var (
	// ErrNotFound is returned at the end of a cursor scan and when a
	// looked-up record does not exist. Callers recover from it.
	ErrNotFound = errors.New("record not found")

	// ErrStateRaceLost reports that another actor already holds a page
	// reference. It is benign; the loser observes and proceeds.
	ErrStateRaceLost = errors.New("page reference held by another actor")

	ErrIo         = errors.New("i/o error")
	ErrFormat     = errors.New("page format error")
	ErrVisibility = errors.New("visibility error")

	ErrBadValue          = errors.New("bad value")
	ErrInitialSyncActive = errors.New("cannot recover from the log while an initial sync is active")
	ErrReadOnly          = errors.New("engine is read-only")
)

// Fatal site codes. Each fatal condition has its own stable code; the
// process exits with that code and no stack unwinding.
const (
	siteTopOfLogUnreadable       = 40290
	siteMissingStartEntry        = 40292
	siteEmptyReplayRange         = 40293
	siteTruncateNoBound          = 40296
	siteStableMismatch           = 40100
	siteStartBeyondTop           = 40313
	siteReplayFailed             = 50763
	siteStableSupportRequired    = 50805
	siteNullRecoveryTimestamp    = 50806
	siteStandaloneNeedsStable    = 31229
	siteUpToNeedsStable          = 31399
	siteUnexpectedInitialSync    = 31362
	siteUnexpectedTruncatePoint  = 31363
	siteUnexpectedEmptyLog       = 31364
	siteUnexpectedAppliedThrough = 31365
	siteUnexpectedMinValid       = 31366
	siteRecoveryPanic            = 21570
)

type fatalExit struct {
	site int
}

// exitFunc terminates the process. Tests swap it for a panicking stub.
var exitFunc func(int) = os.Exit

// fatalf logs the fatal condition with its stable site code and
// terminates immediately. It never returns to the caller; the trailing
// panic only fires when exitFunc has been stubbed out.
func fatalf(site int, format string, args ...interface{}) {
	log.WithField("site", site).Errorf(format, args...)
	exitFunc(site)
	panic(fatalExit{site})
}

// invariantf panics when cond is false. The recovery orchestrator
// converts escaped panics to a fatal exit.
func invariantf(cond bool, format string, args ...interface{}) {
	if !cond {
		panic(fmt.Sprintf(format, args...))
	}
}
