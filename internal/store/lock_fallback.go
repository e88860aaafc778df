package store

import "os"

// OpenProber is the portable fallback when neither flock nor LockFileEx is
// usable (network filesystems that reject advisory locks, for example): a
// plain open-for-read probe. It only detects writers that hold the file
// open in a deny-read mode, which is the best available signal there.
type OpenProber struct{}

// Locked implements LockProber.
func (OpenProber) Locked(path string) (bool, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return true, nil
	}
	_ = f.Close()
	return false, nil
}
