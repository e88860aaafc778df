//go:build windows

package store

import (
	"os"

	"golang.org/x/sys/windows"
)

// lockFileExProber probes with LockFileEx in fail-immediately mode; a held
// exclusive lock surfaces as ERROR_LOCK_VIOLATION. On success the region is
// unlocked at once.
type lockFileExProber struct{}

func defaultProber() LockProber { return lockFileExProber{} }

func (lockFileExProber) Locked(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		// Windows writers typically open with a deny-share mode, which
		// fails our open: treat as locked.
		return true, nil
	}
	defer f.Close()

	h := windows.Handle(f.Fd())
	ol := new(windows.Overlapped)

	err = windows.LockFileEx(h, windows.LOCKFILE_EXCLUSIVE_LOCK|windows.LOCKFILE_FAIL_IMMEDIATELY, 0, 1, 0, ol)
	if err != nil {
		if err == windows.ERROR_LOCK_VIOLATION {
			return true, nil
		}
		return false, err
	}

	_ = windows.UnlockFileEx(h, 0, 1, 0, ol)
	return false, nil
}
