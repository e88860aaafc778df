package store

// LockProber reports whether another process currently holds an exclusive
// advisory lock on a file. Probes are non-blocking: a free file may be
// locked and immediately released to test it, but a held lock is never
// waited on.
type LockProber interface {
	Locked(path string) (bool, error)
}

// ProberFunc adapts a function to the LockProber interface.
type ProberFunc func(path string) (bool, error)

// Locked implements LockProber.
func (f ProberFunc) Locked(path string) (bool, error) { return f(path) }
