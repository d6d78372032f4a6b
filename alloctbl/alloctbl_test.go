package alloctbl

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/thepowersgang/vfs/common"
	. "github.com/thepowersgang/vfs/testutils"
)

// memMaps keeps both bitmaps of every group in memory.
type memMaps struct {
	mu     sync.Mutex
	per    uint64
	limit  uint64
	groups int
	bits   [2][][]byte
	free   [2][]uint32
}

func newMemMaps(groups int, per, limit uint64) *memMaps {
	m := &memMaps{per: per, limit: limit, groups: groups}
	for w := range m.bits {
		for g := 0; g < groups; g++ {
			m.bits[w] = append(m.bits[w], make([]byte, per/8))
			n := per
			if rem := limit - uint64(g)*per; rem < n {
				n = rem
			}
			m.free[w] = append(m.free[w], uint32(n))
		}
	}
	return m
}

func (m *memMaps) Groups() int                { return m.groups }
func (m *memMaps) PerGroup(Map) uint64        { return m.per }
func (m *memMaps) Limit(Map) uint64           { return m.limit }
func (m *memMaps) Free(w Map, g int) uint32   { return m.free[w][g] }
func (m *memMaps) set(w Map, bit uint64)      { m.bits[w][bit/m.per][(bit%m.per)/8] |= 1 << (bit % 8) }
func (m *memMaps) isSet(w Map, b uint64) bool { return m.bits[w][b/m.per][(b%m.per)/8]&(1<<(b%8)) != 0 }

func (m *memMaps) EditBitmap(w Map, g int, fn func([]byte) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	buf := append([]byte(nil), m.bits[w][g]...)
	if err := fn(buf); err != nil {
		return err
	}
	m.bits[w][g] = buf
	return nil
}

func (m *memMaps) Account(w Map, g int, delta int) error {
	m.free[w][g] = uint32(int(m.free[w][g]) + delta)
	return nil
}

func TestAllocSequential(test *testing.T) {
	maps := newMemMaps(2, 16, 32)
	alloc := NewAllocTbl(maps)
	defer alloc.Shutdown()

	for want := uint64(0); want < 4; want++ {
		bit, err := alloc.AllocBit(BMAP, NO_ORIGIN)
		if err != nil {
			FatalHere(test, "alloc failed: %s", err)
		}
		if bit != want {
			ErrorHere(test, "expected bit %d, got %d", want, bit)
		}
	}
	assert.Equal(test, uint32(12), maps.Free(BMAP, 0))
	assert.Equal(test, uint32(16), maps.Free(IMAP, 0), "inode map untouched")
}

func TestAllocPrefersOrigin(test *testing.T) {
	maps := newMemMaps(2, 16, 32)
	maps.set(BMAP, 20)
	alloc := NewAllocTbl(maps)
	defer alloc.Shutdown()

	bit, err := alloc.AllocBit(BMAP, 20)
	require.NoError(test, err)
	assert.Equal(test, uint64(21), bit, "first free bit after the origin")

	// Origin in a group with no free bits moves on to the next group.
	for b := uint64(0); b < 16; b++ {
		maps.set(IMAP, b)
	}
	maps.free[IMAP][0] = 0
	bit, err = alloc.AllocBit(IMAP, 3)
	require.NoError(test, err)
	assert.Equal(test, uint64(16), bit)
}

func TestAllocWrapsAround(test *testing.T) {
	maps := newMemMaps(2, 16, 32)
	alloc := NewAllocTbl(maps)
	defer alloc.Shutdown()

	for b := uint64(10); b < 32; b++ {
		maps.set(BMAP, b)
	}
	maps.free[BMAP][1] = 0
	bit, err := alloc.AllocBit(BMAP, 12)
	require.NoError(test, err)
	assert.Equal(test, uint64(0), bit)
}

func TestShortLastGroup(test *testing.T) {
	maps := newMemMaps(2, 16, 20)
	alloc := NewAllocTbl(maps)
	defer alloc.Shutdown()

	seen := map[uint64]bool{}
	for i := 0; i < 20; i++ {
		bit, err := alloc.AllocBit(BMAP, NO_ORIGIN)
		require.NoError(test, err)
		require.Less(test, bit, uint64(20))
		seen[bit] = true
	}
	assert.Len(test, seen, 20)

	_, err := alloc.AllocBit(BMAP, NO_ORIGIN)
	assert.ErrorIs(test, err, common.ErrOutOfSpace)
}

func TestFreeBit(test *testing.T) {
	maps := newMemMaps(1, 16, 16)
	alloc := NewAllocTbl(maps)
	defer alloc.Shutdown()

	for i := 0; i < 5; i++ {
		_, err := alloc.AllocBit(IMAP, NO_ORIGIN)
		require.NoError(test, err)
	}
	require.NoError(test, alloc.FreeBit(IMAP, 2))
	assert.False(test, maps.isSet(IMAP, 2))
	assert.Equal(test, uint32(12), maps.Free(IMAP, 0))

	// The freed bit is handed out again first.
	bit, err := alloc.AllocBit(IMAP, NO_ORIGIN)
	require.NoError(test, err)
	assert.Equal(test, uint64(2), bit)

	err = alloc.FreeBit(IMAP, 9)
	assert.ErrorIs(test, err, common.ErrInconsistentFilesystem, "double free")
	err = alloc.FreeBit(IMAP, 99)
	assert.ErrorIs(test, err, common.ErrInvalidParameter)
}

func TestConcurrentAllocUnique(test *testing.T) {
	maps := newMemMaps(4, 64, 256)
	alloc := NewAllocTbl(maps)
	defer alloc.Shutdown()

	var mu sync.Mutex
	seen := map[uint64]bool{}
	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 32; j++ {
				bit, err := alloc.AllocBit(BMAP, NO_ORIGIN)
				if err != nil {
					return err
				}
				mu.Lock()
				if seen[bit] {
					ErrorHere(test, "bit %d handed out twice", bit)
				}
				seen[bit] = true
				mu.Unlock()
			}
			return nil
		})
	}
	require.NoError(test, g.Wait())
	assert.Len(test, seen, 256)
}
