package handle

import (
	"fmt"

	"github.com/thepowersgang/vfs/ncache"
)

// Mode is the way a file is opened. It decides which lock the open takes and
// which operations the handle allows.
type Mode int

const (
	// SharedRO reads; any number of shared opens may coexist.
	SharedRO Mode = iota
	// Execute is SharedRO for program images.
	Execute
	// ExclRW reads and writes with no other opens allowed.
	ExclRW
	// UniqueRW reads the shared file and writes to a private copy that is
	// thrown away on close.
	UniqueRW
	// Append writes only at the end of the file.
	Append
	// Unsynch reads and writes with no synchronisation between holders.
	Unsynch
)

var modeNames = [...]string{
	SharedRO: "SharedRO",
	Execute:  "Execute",
	ExclRW:   "ExclRW",
	UniqueRW: "UniqueRW",
	Append:   "Append",
	Unsynch:  "Unsynch",
}

func (m Mode) String() string {
	if m.valid() {
		return modeNames[m]
	}
	return fmt.Sprintf("Mode(%d)", int(m))
}

func (m Mode) valid() bool {
	return m >= SharedRO && m <= Unsynch
}

func (m Mode) lockClass() ncache.LockClass {
	switch m {
	case ExclRW:
		return ncache.LockExclusive
	case Unsynch:
		return ncache.LockUnsynch
	}
	return ncache.LockShared
}

// writable reports whether the mode can change the underlying node. A
// UniqueRW open never does, but it is still refused on read-only mounts so
// that callers learn early that their writes will not persist.
func (m Mode) writable() bool {
	switch m {
	case ExclRW, UniqueRW, Append, Unsynch:
		return true
	}
	return false
}

// canWrite reports whether Write is allowed at all.
func (m Mode) canWrite() bool {
	return m != SharedRO && m != Execute
}

// canResize reports whether Truncate and Clear are allowed.
func (m Mode) canResize() bool {
	return m == ExclRW || m == UniqueRW || m == Unsynch
}
