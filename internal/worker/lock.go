package worker

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/gofrs/flock"
)

// ErrLocked means another process holds an exclusive lock on the disk.
var ErrLocked = errors.New("device is locked")

// DiskLock is a shared advisory lock on a whole-disk device node.
type DiskLock struct {
	fl *flock.Flock
}

// LockDisk takes a non-blocking shared lock on node. Tools that repartition
// or format a disk hold an exclusive lock; a worker that cannot get the shared
// lock must retry later. A node that does not exist yields a nil lock.
func LockDisk(node string) (*DiskLock, error) {
	fl := flock.New(node, flock.SetFlag(os.O_RDONLY))
	ok, err := fl.TryRLock()
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("lock %s: %w", node, err)
	}
	if !ok {
		return nil, ErrLocked
	}
	return &DiskLock{fl: fl}, nil
}

// Unlock releases the lock and closes the node.
func (l *DiskLock) Unlock() error {
	if l == nil {
		return nil
	}
	return l.fl.Close()
}
