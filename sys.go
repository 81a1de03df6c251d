package pagelog

import (
	"syscall"
	"time"
	"unsafe"

	"github.com/pkg/errors"
)

var ErrWriteByOther = errors.New("data file opened with write mode by another process")

// flock acquires an advisory lock on the data file: exclusive for
// read-write handles, shared for read-only ones.
func flock(db *DB) error {
	flag := syscall.LOCK_SH
	if !db.readOnly() {
		flag = syscall.LOCK_EX
	}

	err := syscall.Flock(int(db.file.Fd()), flag|syscall.LOCK_NB)
	if err == nil {
		return nil
	} else if err.(syscall.Errno) == syscall.EWOULDBLOCK || err.(syscall.Errno) == syscall.EAGAIN { // linux & unix
		return ErrWriteByOther
	} else {
		return errors.Wrap(err, "flock failed: unknown error")
	}
}

// waitflock retries flock until it succeeds or the timeout elapses.
func waitflock(db *DB, timeout time.Duration) error {
	var t time.Time
	for {
		if t.IsZero() {
			t = time.Now()
		} else if timeout > 0 && time.Since(t) > timeout {
			return errors.New("timeout")
		}
		err := flock(db)
		if !errors.Is(err, ErrWriteByOther) {
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// funlock releases the advisory lock.
func funlock(db *DB) error {
	return syscall.Flock(int(db.file.Fd()), syscall.LOCK_UN)
}

// mmap maps the data file read-only so block reads can borrow pages
// instead of copying them.
func mmap(db *DB, sz int) error {
	b, err := syscall.Mmap(int(db.file.Fd()), 0, sz, syscall.PROT_READ, syscall.MAP_SHARED|db.opts.MmapFlags)
	if err != nil {
		return err
	}

	// Advise the kernel that the mmap is accessed randomly.
	if err := madvise(b, syscall.MADV_RANDOM); err != nil {
		return errors.Wrap(err, "madvise error")
	}

	db.dataref = b
	return nil
}

// munmap unmaps the data file.
func munmap(db *DB) error {
	if db.dataref == nil {
		return nil
	}
	err := syscall.Munmap(db.dataref)
	db.dataref = nil
	return err
}

// NOTE: This function is copied from stdlib because it is not available on darwin.
func madvise(b []byte, advice int) (err error) {
	_, _, e1 := syscall.Syscall(syscall.SYS_MADVISE, uintptr(unsafe.Pointer(&b[0])), uintptr(len(b)), uintptr(advice))
	if e1 != 0 {
		err = e1
	}
	return
}
