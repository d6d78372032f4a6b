package bcache

import (
	"bytes"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/device"
	"github.com/thepowersgang/vfs/testutils"
)

// 512 byte blocks, so eight blocks to a page
func openTestCache(test *testing.T, pages int, vol common.Volume) (*Cache, *Handle) {
	cache := NewCache(common.BlockCacheConfig{Pages: pages}, nil)
	h, err := cache.Attach(vol)
	if err != nil {
		testutils.FatalHere(test, "Failed when attaching volume to cache: %s", err)
	}
	return cache, h
}

func closeTestCache(test *testing.T, cache *Cache, h *Handle) {
	if err := h.Flush(); err != nil {
		testutils.ErrorHere(test, "Failed when flushing: %s", err)
	}
	if err := h.Detach(); err != nil {
		testutils.ErrorHere(test, "Failed when detaching volume: %s", err)
	}
	if err := cache.Shutdown(); err != nil {
		testutils.ErrorHere(test, "Failed when shutting down cache: %s", err)
	}
}

func getAndRelease(test *testing.T, h *Handle, block uint64) {
	ref, err := h.GetBlock(block)
	if err != nil {
		testutils.FatalHere(test, "GetBlock(%d) failed: %s", block, err)
	}
	ref.Release()
}

// Idle pages are evicted in least-recently-released order.
func TestLRUOrder(test *testing.T) {
	vol := testutils.NewCountingVolume(testutils.NewTestVolume(test, 512, 128))
	cache, h := openTestCache(test, 4, vol)

	for i := uint64(0); i < 4; i++ {
		getAndRelease(test, h, i*8)
	}
	assert.Equal(test, int64(4), vol.Reads.Load())

	// a fifth page pushes out the page of block 0
	getAndRelease(test, h, 32)
	assert.Equal(test, int64(5), vol.Reads.Load())

	getAndRelease(test, h, 8)
	assert.Equal(test, int64(5), vol.Reads.Load(), "page of block 8 should still be cached")

	getAndRelease(test, h, 0)
	assert.Equal(test, int64(6), vol.Reads.Load(), "page of block 0 should have been evicted")

	closeTestCache(test, cache, h)
}

// When every page is pinned the cache grows past its soft limit.
func TestCacheGrowsWhenFull(test *testing.T) {
	cache, h := openTestCache(test, 2, testutils.NewTestVolume(test, 512, 64))

	var refs []*BlockRef
	for i := uint64(0); i < 3; i++ {
		ref, err := h.GetBlock(i * 8)
		require.NoError(test, err)
		refs = append(refs, ref)
	}
	assert.Equal(test, 3, cache.Stats().Pages)

	for _, ref := range refs {
		ref.Release()
	}
	assert.Equal(test, 2, cache.Stats().Pages)
	closeTestCache(test, cache, h)
}

func TestGetConcurrency(test *testing.T) {
	cache, h := openTestCache(test, 16, testutils.NewTestVolume(test, 512, 64))
	bvol := testutils.NewBlockingVolume(testutils.NewTestVolume(test, 512, 64))
	bh, err := cache.Attach(bvol)
	require.NoError(test, err)

	// Reads from a normal volume are not blocked by reads from a stuck one.
	wg := new(sync.WaitGroup)
	wg.Add(2)
	go func() {
		defer wg.Done()
		ref, err := bh.GetBlock(0)
		if err != nil {
			testutils.ErrorHere(test, "GetBlock on blocking volume failed: %s", err)
			return
		}
		ref.Release()
	}()

	go func() {
		defer wg.Done()
		<-bvol.HasBlocked
		ref, err := h.GetBlock(0)
		bvol.Unblock <- true
		if err != nil {
			testutils.ErrorHere(test, "GetBlock failed: %s", err)
			return
		}
		ref.Release()
	}()

	wg.Wait()
	if err := bh.Detach(); err != nil {
		testutils.ErrorHere(test, "Failed when detaching volume: %s", err)
	}
	closeTestCache(test, cache, h)
}

// Blocks are cached. This test will deadlock if more than one read is
// attempted from the underlying volume.
func TestDoesCache(test *testing.T) {
	vol := testutils.NewBlockingVolume(testutils.NewTestVolume(test, 512, 64))
	cache, h := openTestCache(test, 16, vol)

	wg := new(sync.WaitGroup)
	wg.Add(2)

	go func() {
		// Allow a single page to be read
		<-vol.HasBlocked
		vol.Unblock <- true
		wg.Done()
	}()

	go func() {
		defer wg.Done()
		ref1, err := h.GetBlock(5)
		if err != nil {
			testutils.ErrorHere(test, "GetBlock failed: %s", err)
			return
		}
		if ref1.First() != 0 {
			testutils.ErrorHere(test, "Page should start at block 0, got %d", ref1.First())
		}
		if data := ref1.Block(5); data[0] != 5 {
			testutils.ErrorHere(test, "Data in block did not match, expected %x, got %x", 5, data[0])
		}

		// this should be pulled from the cache, not from the volume
		ref2, err := h.GetBlock(7)
		if err != nil {
			testutils.ErrorHere(test, "GetBlock failed: %s", err)
			return
		}
		if &ref1.Data()[0] != &ref2.Data()[0] {
			testutils.ErrorHere(test, "Cache page mismatch for blocks in the same page")
		}
		if data := ref2.Block(7); data[0] != 7 {
			testutils.ErrorHere(test, "Data in block did not match, expected %x, got %x", 7, data[0])
		}
		ref1.Release()
		ref2.Release()
	}()

	wg.Wait()
	closeTestCache(test, cache, h)
}

// Concurrent misses on the same page produce one volume read and one page.
func TestPageUniqueness(test *testing.T) {
	vol := testutils.NewCountingVolume(testutils.NewTestVolume(test, 512, 64))
	cache, h := openTestCache(test, 16, vol)

	refs := make([]*BlockRef, 32)
	g := new(errgroup.Group)
	for i := range refs {
		i := i
		g.Go(func() error {
			ref, err := h.GetBlock(uint64(8 + i%8))
			refs[i] = ref
			return err
		})
	}
	require.NoError(test, g.Wait())

	assert.Equal(test, int64(1), vol.Reads.Load())
	want := &refs[0].Data()[0]
	for _, ref := range refs {
		assert.Equal(test, uint64(8), ref.First())
		assert.Same(test, want, &ref.Data()[0])
	}
	for _, ref := range refs {
		ref.Release()
	}
	assert.Equal(test, 1, cache.Stats().Pages)
	closeTestCache(test, cache, h)
}

func TestInnerBounds(test *testing.T) {
	cache, h := openTestCache(test, 4, testutils.NewTestVolume(test, 512, 64))

	err := h.ReadInner(0, 500, make([]byte, 20))
	assert.ErrorIs(test, err, common.ErrInvalidParameter)
	err = h.WriteInner(0, 510, []byte("abc"))
	assert.ErrorIs(test, err, common.ErrInvalidParameter)
	err = h.ReadInner(64, 0, make([]byte, 4))
	assert.ErrorIs(test, err, common.ErrBlockIo)

	buf := make([]byte, 12)
	require.NoError(test, h.ReadInner(9, 500, buf))
	for _, b := range buf {
		assert.Equal(test, byte(9), b)
	}
	closeTestCache(test, cache, h)
}

func TestWriteInnerAndFlush(test *testing.T) {
	reg := prometheus.NewRegistry()
	rd := testutils.NewTestVolume(test, 512, 64)
	cache := NewCache(common.BlockCacheConfig{Pages: 4}, reg)
	h, err := cache.Attach(rd)
	require.NoError(test, err)

	require.NoError(test, h.WriteInner(3, 10, []byte("abc")))
	assert.Equal(test, byte(3), rd.Bytes()[3*512+10], "write must not reach the volume before a flush")
	assert.Equal(test, 1, cache.Stats().Dirty)

	// unbuffered reads see the dirty page
	buf := make([]byte, 512)
	require.NoError(test, h.ReadBlocks(3, buf))
	assert.Equal(test, "abc", string(buf[10:13]))

	require.NoError(test, h.Flush())
	assert.Equal(test, "abc", string(rd.Bytes()[3*512+10:3*512+13]))
	assert.Equal(test, 0, cache.Stats().Dirty)
	assert.Equal(test, 1.0, testutil.ToFloat64(cache.metrics.writebacks))

	// writing identical bytes leaves the page clean
	require.NoError(test, h.WriteInner(3, 10, []byte("abc")))
	assert.Equal(test, 0, cache.Stats().Dirty)
	closeTestCache(test, cache, h)
}

func TestWriteBlocksUpdatesCache(test *testing.T) {
	rd := testutils.NewTestVolume(test, 512, 64)
	cache, h := openTestCache(test, 4, rd)
	getAndRelease(test, h, 0)

	// blocks 6 to 8 span the pages at 0 and 8
	data := bytes.Repeat([]byte{0xAA}, 3*512)
	require.NoError(test, h.WriteBlocks(6, data))
	assert.Equal(test, data, rd.Bytes()[6*512:9*512], "write must reach the volume")
	assert.Equal(test, 0, cache.Stats().Dirty)

	buf := make([]byte, 4)
	for _, block := range []uint64{6, 7, 8} {
		require.NoError(test, h.ReadInner(block, 0, buf))
		assert.Equal(test, []byte{0xAA, 0xAA, 0xAA, 0xAA}, buf, "block %d", block)
	}
	require.NoError(test, h.ReadInner(9, 0, buf))
	assert.Equal(test, []byte{9, 9, 9, 9}, buf)

	err := h.WriteBlocks(63, make([]byte, 1024))
	assert.ErrorIs(test, err, common.ErrBlockIo)
	closeTestCache(test, cache, h)
}

// An edit of a neighbouring block must not put the old contents of a
// written block back on the volume.
func TestWriteBlocksAgainstEdit(test *testing.T) {
	rd := testutils.NewTestVolume(test, 512, 64)
	vol := testutils.NewHookVolume(rd)
	cache, h := openTestCache(test, 4, vol)
	getAndRelease(test, h, 0)

	edited := make(chan error, 1)
	var once sync.Once
	vol.AfterWrite = func(first uint64, buf []byte) {
		if first != 1 {
			return
		}
		once.Do(func() {
			go func() {
				edited <- h.Edit(2, 1, func(data []byte) error {
					data[0] = 0x55
					return nil
				})
			}()
			// the page is locked until the write is complete
			select {
			case err := <-edited:
				edited <- err
				testutils.ErrorHere(test, "Edit finished inside WriteBlocks")
			case <-time.After(50 * time.Millisecond):
			}
		})
	}

	require.NoError(test, h.WriteBlocks(1, bytes.Repeat([]byte{0xAA}, 512)))
	require.NoError(test, <-edited)
	require.NoError(test, h.Detach())
	require.NoError(test, cache.Shutdown())

	assert.Equal(test, bytes.Repeat([]byte{0xAA}, 512), rd.Bytes()[512:1024])
	assert.Equal(test, byte(0x55), rd.Bytes()[2*512])
}

// A flush between the volume read and the merge of cached pages must not
// hide a completed WriteInner.
func TestReadBlocksAgainstFlush(test *testing.T) {
	vol := testutils.NewHookVolume(testutils.NewTestVolume(test, 512, 64))
	cache, h := openTestCache(test, 4, vol)

	require.NoError(test, h.WriteInner(1, 0, []byte{0xAA}))
	var once sync.Once
	vol.AfterRead = func(first uint64, buf []byte) {
		once.Do(func() {
			if err := h.Flush(); err != nil {
				testutils.ErrorHere(test, "Flush failed: %s", err)
			}
		})
	}

	buf := make([]byte, 512)
	require.NoError(test, h.ReadBlocks(1, buf))
	assert.Equal(test, byte(0xAA), buf[0])
	assert.Equal(test, byte(1), buf[1])
	assert.Equal(test, 0, cache.Stats().Dirty)
	closeTestCache(test, cache, h)
}

func TestEdit(test *testing.T) {
	rd := testutils.NewTestVolume(test, 512, 64)
	cache, h := openTestCache(test, 4, rd)

	err := h.Edit(7, 2, func([]byte) error { return nil })
	assert.ErrorIs(test, err, common.ErrInvalidParameter)

	err = h.Edit(2, 2, func(data []byte) error {
		assert.Len(test, data, 1024)
		copy(data[512:], "edited")
		return nil
	})
	require.NoError(test, err)
	assert.Equal(test, "edited", string(rd.Bytes()[3*512:3*512+6]), "edit must write through")
	assert.Equal(test, 0, cache.Stats().Dirty)

	failure := common.Unknown("callback failed")
	err = h.Edit(4, 1, func(data []byte) error {
		data[0] = 0xFF
		return failure
	})
	assert.ErrorIs(test, err, common.ErrUnknown)
	buf := make([]byte, 1)
	require.NoError(test, h.ReadInner(4, 0, buf))
	assert.Equal(test, byte(4), buf[0], "failed edit must be rolled back")
	assert.Equal(test, 0, cache.Stats().Dirty)
	closeTestCache(test, cache, h)
}

func TestFailedWriteStaysDirty(test *testing.T) {
	vol := testutils.NewFaultyVolume(testutils.NewTestVolume(test, 512, 64))
	cache, h := openTestCache(test, 4, vol)

	require.NoError(test, h.WriteInner(1, 0, []byte{0x42}))
	vol.SetBad(0, true)
	err := h.Flush()
	assert.ErrorIs(test, err, common.ErrBlockIo)
	assert.Equal(test, 1, cache.Stats().Dirty)

	vol.SetBad(0, false)
	require.NoError(test, h.Flush())
	assert.Equal(test, 0, cache.Stats().Dirty)
	closeTestCache(test, cache, h)
}

func TestLoadFailure(test *testing.T) {
	vol := testutils.NewFaultyVolume(testutils.NewTestVolume(test, 512, 64), 17)
	cache, h := openTestCache(test, 4, vol)

	_, err := h.GetBlock(20)
	assert.ErrorIs(test, err, common.ErrBlockIo)
	assert.Equal(test, 0, cache.Stats().Pages)

	vol.SetBad(17, false)
	getAndRelease(test, h, 20)
	closeTestCache(test, cache, h)
}

func TestEvictionWritesBack(test *testing.T) {
	rd := testutils.NewTestVolume(test, 512, 64)
	cache, h := openTestCache(test, 1, rd)

	require.NoError(test, h.WriteInner(0, 0, []byte("dirty")))
	getAndRelease(test, h, 8)
	assert.Equal(test, "dirty", string(rd.Bytes()[:5]))
	assert.Equal(test, 1, cache.Stats().Pages)
	assert.Equal(test, 1.0, testutil.ToFloat64(cache.metrics.evictions))
	closeTestCache(test, cache, h)
}

func TestDetachBusy(test *testing.T) {
	cache, h := openTestCache(test, 4, testutils.NewTestVolume(test, 512, 64))

	ref, err := h.GetBlock(0)
	require.NoError(test, err)
	assert.ErrorIs(test, h.Detach(), common.ErrLocked)
	assert.ErrorIs(test, cache.Shutdown(), common.ErrLocked)
	ref.Release()

	closeTestCache(test, cache, h)
}

func TestAttachRejectsLargeBlocks(test *testing.T) {
	cache := NewCache(common.BlockCacheConfig{}, nil)
	rd, err := device.NewRamdisk("big", 8192, make([]byte, 8192*2))
	require.NoError(test, err)
	_, err = cache.Attach(rd)
	assert.ErrorIs(test, err, common.ErrInvalidParameter)
	require.NoError(test, cache.Shutdown())
}
