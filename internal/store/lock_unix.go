//go:build !windows

package store

import (
	"os"

	"golang.org/x/sys/unix"
)

// flockProber probes with a non-blocking exclusive flock. EWOULDBLOCK means
// another process holds the lock; on success the lock is released at once.
type flockProber struct{}

func defaultProber() LockProber { return flockProber{} }

func (flockProber) Locked(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		// Unreadable counts as locked for fallback purposes.
		return true, nil
	}
	defer f.Close()

	err = unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
	if err != nil {
		if err == unix.EWOULDBLOCK || err == unix.EAGAIN {
			return true, nil
		}
		return false, err
	}

	_ = unix.Flock(int(f.Fd()), unix.LOCK_UN)
	return false, nil
}
