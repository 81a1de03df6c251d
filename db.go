package pagelog

import (
	"os"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	bolt "go.etcd.io/bbolt"
)

// sideSuffix names the bbolt sidecar holding the lookaside table,
// consistency markers, and operation log next to the data file.
const sideSuffix = ".side"

// Options represents the options that can be set when opening an
// engine.
type Options struct {
	// Timeout is the amount of time to wait to obtain a file lock.
	// When set to zero, a data file locked by another process fails
	// Open at once with ErrWriteByOther.
	Timeout time.Duration

	// Open the engine in read-only mode. Uses flock(..., LOCK_SH) to
	// grab a shared lock (UNIX).
	ReadOnly bool

	// Sets the mmap flags before memory mapping the data file.
	MmapFlags int

	// Compression selects the page-image codec.
	Compression CompressAlgorithm

	// Applier batch limits for recovery replay.
	BatchLimitBytes   int
	BatchLimitEntries int

	// ApplierWorkers sizes the worker pool of the default applier.
	ApplierWorkers int

	// TakeUnstableCheckpointOnShutdown permits standalone recovery
	// from an up-to-date unstable checkpoint.
	TakeUnstableCheckpointOnShutdown bool
}

var DefaultOptions = &Options{
	Compression:       CompSnappy,
	BatchLimitBytes:   100 * 1024 * 1024,
	BatchLimitEntries: 5000,
}

// Stats counts engine work since open.
type Stats struct {
	PagesRead      uint64
	LookasideReads uint64
}

// DB ties the crash-recovery core together: the flock'd data file the
// block reader serves pages from, and the bbolt sidecar backing the
// lookaside table, consistency markers, and operation log.
type DB struct {
	path    string
	file    *os.File
	dataref []byte // mmap'ed readonly, write throws SEGV
	side    *bolt.DB
	opts    Options
	opened  bool

	blocks     BlockReader
	lookaside  LookasideStore
	markers    ConsistencyMarkers
	logStore   LogStore
	oracle     VisibilityOracle
	compress   Compressor
	decompress DeCompressor

	readOnlyFlag int32

	supportsRecoveryTS bool
	recoveryTS         *Timestamp
	oldestTS           uint64
	initialDataTS      uint64

	appliedEntries uint64
	lastAppliedTS  uint64

	stats Stats
}

// Open opens (creating if necessary) an engine at path.
func Open(path string, mode os.FileMode, options *Options) (*DB, error) {
	var db = &DB{opened: true, supportsRecoveryTS: true}

	if options == nil {
		options = DefaultOptions
	}
	db.opts = *options
	db.path = path
	if options.ReadOnly {
		db.readOnlyFlag = 1
	}

	var err error
	if db.compress, db.decompress, err = compressorFor(options.Compression); err != nil {
		return nil, err
	}

	flag := os.O_RDWR
	if options.ReadOnly {
		flag = os.O_RDONLY
	}
	if db.file, err = os.OpenFile(db.path, flag, mode); err != nil {
		if os.IsNotExist(err) && options.ReadOnly {
			_ = db.close()
			return nil, err
		}
		if db.file, err = os.OpenFile(db.path, flag|os.O_CREATE, mode); err != nil {
			_ = db.close()
			return nil, err
		}
	}

	// Lock the data file so a second read-write process cannot corrupt
	// it: exclusive unless read-only.
	if options.Timeout > 0 {
		err = waitflock(db, options.Timeout)
	} else {
		err = flock(db)
	}
	if err != nil {
		_ = db.close()
		return nil, err
	}

	if info, serr := db.file.Stat(); serr == nil && info.Size() > 0 {
		if err = mmap(db, int(info.Size())); err != nil {
			_ = db.close()
			return nil, errors.Wrap(err, "mmap data file")
		}
	}
	db.blocks = &fileBlockReader{file: db.file, data: db.dataref}

	sideOpts := &bolt.Options{Timeout: options.Timeout, ReadOnly: false}
	if db.side, err = bolt.Open(path+sideSuffix, mode, sideOpts); err != nil {
		_ = db.close()
		return nil, errors.Wrap(err, "open sidecar")
	}

	var lookaside *boltLookaside
	if lookaside, err = newBoltLookaside(db.side); err != nil {
		_ = db.close()
		return nil, err
	}
	db.lookaside = lookaside
	var markers *boltMarkers
	if markers, err = newBoltMarkers(db.side); err != nil {
		_ = db.close()
		return nil, err
	}
	db.markers = markers
	var logStore *boltLogStore
	if logStore, err = newBoltLogStore(db.side); err != nil {
		_ = db.close()
		return nil, err
	}
	db.logStore = logStore

	db.oracle = &TxnWatermark{}
	return db, nil
}

func (db *DB) Close() error { return db.close() }

func (db *DB) close() error {
	if !db.opened {
		return nil
	}
	db.opened = false

	if db.side != nil {
		if err := db.side.Close(); err != nil {
			return errors.Wrap(err, "close sidecar")
		}
		db.side = nil
	}

	if err := munmap(db); err != nil {
		return errors.Wrap(err, "munmap data file")
	}

	if db.file != nil {
		if !db.readOnly() {
			if err := funlock(db); err != nil {
				log.Errorf("pagelog.Close(): funlock error: %s", err)
			}
		}
		if err := db.file.Close(); err != nil {
			return errors.Wrap(err, "data file closed")
		}
		db.file = nil
	}

	db.path = ""
	return nil
}

func (db *DB) readOnly() bool { return atomic.LoadInt32(&db.readOnlyFlag) != 0 }

// ReadOnly reports whether the engine rejects writes.
func (db *DB) ReadOnly() bool { return db.readOnly() }

// SetReadOnly flips the engine read-only, as standalone recovery does
// when it finishes.
func (db *DB) SetReadOnly() { atomic.StoreInt32(&db.readOnlyFlag, 1) }

func (db *DB) Lookaside() LookasideStore     { return db.lookaside }
func (db *DB) Markers() ConsistencyMarkers   { return db.markers }
func (db *DB) Log() LogStore                 { return db.logStore }
func (db *DB) Oracle() VisibilityOracle      { return db.oracle }
func (db *DB) SetOracle(o VisibilityOracle)  { db.oracle = o }
func (db *DB) SetLookaside(l LookasideStore) { db.lookaside = l }
func (db *DB) SetBlockReader(r BlockReader)  { db.blocks = r }

// Stats returns a snapshot of the engine counters.
func (db *DB) Stats() Stats {
	return Stats{
		PagesRead:      atomic.LoadUint64(&db.stats.PagesRead),
		LookasideReads: atomic.LoadUint64(&db.stats.LookasideReads),
	}
}

// StorageHooks implementation. The sidecar's commit fsyncs give the
// durability barriers.

func (db *DB) SupportsRecoveryTimestamp() bool { return db.supportsRecoveryTS }

func (db *DB) RecoveryTimestamp() (*Timestamp, error) {
	if db.recoveryTS == nil {
		return nil, nil
	}
	ts := *db.recoveryTS
	return &ts, nil
}

// SetRecoveryTimestamp records the stable checkpoint's timestamp; the
// checkpointing subsystem owns calling it.
func (db *DB) SetRecoveryTimestamp(ts Timestamp) { db.recoveryTS = &ts }

func (db *DB) SetOldestTimestamp(ts Timestamp) error {
	atomic.StoreUint64(&db.oldestTS, uint64(ts))
	log.WithField("oldest", ts.String()).Debug("oldest timestamp moved")
	return nil
}

func (db *DB) OldestTimestamp() Timestamp {
	return Timestamp(atomic.LoadUint64(&db.oldestTS))
}

func (db *DB) SetInitialDataTimestamp(ts Timestamp) error {
	atomic.StoreUint64(&db.initialDataTS, uint64(ts))
	return nil
}

func (db *DB) InitialDataTimestamp() Timestamp {
	return Timestamp(atomic.LoadUint64(&db.initialDataTS))
}

func (db *DB) WaitUntilDurable() error {
	return errors.Wrap(db.side.Sync(), "durability barrier")
}

func (db *DB) WaitUntilUnjournaledWritesDurable() error {
	return errors.Wrap(db.side.Sync(), "unjournaled durability barrier")
}

// ApplyLogEntry commits one replayed entry's effects. The write path
// proper lives outside this core; here the entry is validated and
// accounted so replay invariants hold.
func (db *DB) ApplyLogEntry(e LogEntry) error {
	if e.TS.IsNull() {
		return errors.Wrap(ErrBadValue, "log entry with null timestamp")
	}
	atomic.AddUint64(&db.appliedEntries, 1)
	for {
		cur := atomic.LoadUint64(&db.lastAppliedTS)
		if uint64(e.TS) <= cur || atomic.CompareAndSwapUint64(&db.lastAppliedTS, cur, uint64(e.TS)) {
			return nil
		}
	}
}

// AppliedEntries reports how many entries ApplyLogEntry has committed.
func (db *DB) AppliedEntries() uint64 { return atomic.LoadUint64(&db.appliedEntries) }

// Recovery builds the recovery orchestrator for this engine. A nil
// applier selects the engine's own parallel applier.
func (db *DB) Recovery(applier Applier) *Recovery {
	if applier == nil {
		applier = &ParallelApplier{Workers: db.opts.ApplierWorkers, ApplyEntry: db.ApplyLogEntry}
	}
	limits := BatchLimits{Bytes: db.opts.BatchLimitBytes, Entries: db.opts.BatchLimitEntries}
	rec := NewRecovery(db.markers, db, db.logStore, applier, limits)
	rec.TakeUnstableCheckpointOnShutdown = db.opts.TakeUnstableCheckpointOnShutdown
	rec.MarkReadOnly = db.SetReadOnly
	return rec
}
