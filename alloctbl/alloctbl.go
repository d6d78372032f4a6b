package alloctbl

import (
	"math/bits"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// Map selects one of the two bitmaps kept per group.
type Map int

const (
	IMAP Map = iota // inode bitmap
	BMAP            // block bitmap
)

func (m Map) String() string {
	if m == IMAP {
		return "inode"
	}
	return "block"
}

// Bitmaps is the on-disk state an allocation table works over. Bits are
// numbered from zero across all groups: bit b lives in group b/PerGroup.
type Bitmaps interface {
	Groups() int
	PerGroup(which Map) uint64
	// Limit is the total number of valid bits; the last group may be short.
	Limit(which Map) uint64
	// Free reports the free counter kept for group, used to skip full groups.
	Free(which Map, group int) uint32
	// EditBitmap runs fn over the bitmap of group. If fn fails nothing is
	// written.
	EditBitmap(which Map, group int, fn func(bitmap []byte) error) error
	// Account adjusts the free counters after a bit of group changed state.
	Account(which Map, group int, delta int) error
}

var errNoBit = errors.New("no free bit in group")

// AllocTbl serialises every allocation of a filesystem through one
// goroutine so the bitmaps and their counters never disagree.
type AllocTbl struct {
	maps   Bitmaps
	search [2]uint64 // start searching for free bits here

	in  chan reqAllocTbl
	out chan resAllocTbl
}

func NewAllocTbl(maps Bitmaps) *AllocTbl {
	alloc := &AllocTbl{
		maps: maps,
		in:   make(chan reqAllocTbl),
		out:  make(chan resAllocTbl),
	}

	go alloc.loop()
	return alloc
}

func (alloc *AllocTbl) loop() {
	alive := true
	for alive {
		req := <-alloc.in
		switch req := req.(type) {
		case req_AllocTbl_Alloc:
			origin := req.origin
			if origin == NO_ORIGIN {
				origin = alloc.search[req.which]
			}
			bit, err := alloc.alloc_bit(req.which, origin)
			if err != nil {
				if errors.Is(err, common.ErrOutOfSpace) {
					common.GetLogger().Warn("allocation table exhausted", "component", "alloctbl", "map", req.which.String())
				}
				alloc.out <- res_AllocTbl_Alloc{0, err}
				continue
			}
			alloc.search[req.which] = bit + 1 // next time start here
			alloc.out <- res_AllocTbl_Alloc{bit, nil}
		case req_AllocTbl_Free:
			if req.bit >= alloc.maps.Limit(req.which) {
				alloc.out <- res_AllocTbl_Free{errors.Wrapf(common.ErrInvalidParameter,
					"%s bit %d out of range", req.which, req.bit)}
				continue
			}
			err := alloc.free_bit(req.which, req.bit)
			if err == nil && req.bit < alloc.search[req.which] {
				alloc.search[req.which] = req.bit
			}
			alloc.out <- res_AllocTbl_Free{err}
		case req_AllocTbl_Shutdown:
			// This is always successful
			alive = false
			alloc.out <- res_AllocTbl_Shutdown{nil}
		}
	}
}

// Allocate a bit from a bit map, preferring the first free bit at or after
// origin, and return its bit number.
func (alloc *AllocTbl) alloc_bit(which Map, origin uint64) (uint64, error) {
	per := alloc.maps.PerGroup(which)
	limit := alloc.maps.Limit(which)
	groups := alloc.maps.Groups()

	// Figure out where to start the bit search (depends on 'origin')
	if origin >= limit {
		origin = 0 // for robustness
	}
	first := int(origin / per)

	// Iterate over all groups plus one, because we start in the middle
	for i := 0; i <= groups; i++ {
		group := (first + i) % groups
		var from uint64
		if i == 0 {
			from = origin % per
		}
		if alloc.maps.Free(which, group) == 0 {
			continue
		}
		nbits := per
		if rem := limit - uint64(group)*per; rem < nbits {
			nbits = rem
		}

		var found uint64
		err := alloc.maps.EditBitmap(which, group, func(bitmap []byte) error {
			b, ok := findClear(bitmap, from, nbits)
			if !ok {
				return errNoBit
			}
			bitmap[b/8] |= 1 << (b % 8)
			found = b
			return nil
		})
		if errors.Is(err, errNoBit) {
			continue
		}
		if err != nil {
			return 0, err
		}
		if err := alloc.maps.Account(which, group, -1); err != nil {
			// Put the bit back so the bitmap matches the counters again.
			alloc.maps.EditBitmap(which, group, func(bitmap []byte) error {
				bitmap[found/8] &^= 1 << (found % 8)
				return nil
			})
			return 0, err
		}
		return uint64(group)*per + found, nil
	}

	return 0, errors.Wrapf(common.ErrOutOfSpace, "no free %s", which)
}

// findClear returns the first clear bit in [from, limit).
func findClear(bitmap []byte, from, limit uint64) (uint64, bool) {
	if n := uint64(len(bitmap)) * 8; limit > n {
		limit = n
	}
	for i := from / 8; i*8 < limit; i++ {
		num := bitmap[i]
		if i == from/8 {
			// Treat the bits below the start as taken
			num |= byte(1<<(from%8)) - 1
		}
		// Does this byte contain a free bit?
		if num == 0xFF {
			continue
		}
		b := i*8 + uint64(bits.TrailingZeros8(^num))
		if b >= limit {
			break
		}
		return b, true
	}
	return 0, false
}

// Deallocate an inode/block in the table, freeing it up for re-use
func (alloc *AllocTbl) free_bit(which Map, bit_returned uint64) error {
	per := alloc.maps.PerGroup(which)
	group := int(bit_returned / per)
	bit := bit_returned % per

	err := alloc.maps.EditBitmap(which, group, func(bitmap []byte) error {
		mask := byte(1) << (bit % 8)
		if bitmap[bit/8]&mask == 0 {
			return common.Inconsistent("tried to free unused %s bit %d", which, bit_returned)
		}
		bitmap[bit/8] &^= mask
		return nil
	})
	if err != nil {
		return err
	}
	return alloc.maps.Account(which, group, 1)
}
