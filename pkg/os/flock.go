package os

import (
	"os"
	"path/filepath"

	"github.com/gofrs/flock"
)

// Flock is an inter-process lock kept in a sidecar file.
type Flock struct {
	f *flock.Flock
}

// NewFileLock makes a lock for the file at path, the lock itself lives in path.lock.
// An empty path locks a shared file in the temp dir.
func NewFileLock(path string) (*Flock, error) {
	lock := path + ".lock"
	if path == "" {
		lock = filepath.Join(os.TempDir(), "cloud_relay.lock")
	}
	if err := CheckCreateDir(filepath.Dir(lock)); err != nil {
		return nil, err
	}
	return &Flock{f: flock.New(lock)}, nil
}

func (f *Flock) Lock() error   { return f.f.Lock() }
func (f *Flock) Unlock() error { return f.f.Unlock() }
