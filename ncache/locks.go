package ncache

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

type LockClass int

const (
	LockShared LockClass = iota
	LockExclusive
	LockUnsynch
)

func (l LockClass) String() string {
	switch l {
	case LockShared:
		return "shared"
	case LockExclusive:
		return "exclusive"
	case LockUnsynch:
		return "unsynch"
	}
	return "unknown"
}

// fileLocks is the open-mode lock state of one node. Shared holders may
// coexist with each other, as may unsynchronised holders; an exclusive
// holder excludes everything.
type fileLocks struct {
	m         sync.Mutex
	shared    int
	unsynch   int
	exclusive bool
}

func (l *fileLocks) acquire(class LockClass) error {
	l.m.Lock()
	defer l.m.Unlock()

	if l.exclusive {
		return errors.Wrap(common.ErrLocked, "file is held exclusively")
	}
	switch class {
	case LockShared:
		if l.unsynch > 0 {
			return errors.Wrap(common.ErrLocked, "file is held unsynchronised")
		}
		l.shared++
	case LockExclusive:
		if l.shared > 0 || l.unsynch > 0 {
			return errors.Wrap(common.ErrLocked, "file is in use")
		}
		l.exclusive = true
	case LockUnsynch:
		if l.shared > 0 {
			return errors.Wrap(common.ErrLocked, "file is held shared")
		}
		l.unsynch++
	}
	return nil
}

func (l *fileLocks) release(class LockClass) {
	l.m.Lock()
	defer l.m.Unlock()

	switch class {
	case LockShared:
		l.shared--
	case LockExclusive:
		l.exclusive = false
	case LockUnsynch:
		l.unsynch--
	}
	if l.shared < 0 || l.unsynch < 0 {
		panic("ncache: file lock released more often than taken")
	}
}

// Lock takes an open-mode lock on the node, failing with ErrLocked if it
// conflicts with a lock already held through another handle.
func (h *Handle) Lock(class LockClass) error {
	return h.e.locks.acquire(class)
}

func (h *Handle) Unlock(class LockClass) {
	h.e.locks.release(class)
}
