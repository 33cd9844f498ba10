//go:build unix

package capture

import (
	"os"
	"syscall"
)

// lockExclusive takes a non-blocking advisory lock so a second livepush
// process cannot share the device. SyscallConn keeps the descriptor in
// non-blocking mode, so Close can still interrupt a pending read.
func lockExclusive(f *os.File) error {
	return flock(f, syscall.LOCK_EX|syscall.LOCK_NB)
}

func unlock(f *os.File) {
	_ = flock(f, syscall.LOCK_UN)
}

func flock(f *os.File, how int) error {
	rc, err := f.SyscallConn()
	if err != nil {
		return err
	}
	var lerr error
	if err := rc.Control(func(fd uintptr) {
		lerr = syscall.Flock(int(fd), how)
	}); err != nil {
		return err
	}
	return lerr
}
