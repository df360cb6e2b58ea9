//go:build !windows

package dirdb

import (
	"os"

	"golang.org/x/sys/unix"
)

// Lock takes an exclusive advisory lock on path, creating it if needed.
// The returned function releases the lock.
func Lock(path string) (func(), error) {
	// #nosec G304
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0o640)
	if err != nil {
		return nil, err
	}
	for {
		err = unix.Flock(int(f.Fd()), unix.LOCK_EX)
		if err != unix.EINTR {
			break
		}
	}
	if err != nil {
		_ = f.Close()
		return nil, err
	}
	return func() {
		_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
		_ = f.Close()
	}, nil
}
