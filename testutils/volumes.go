package testutils

import (
	"sync"
	"sync/atomic"
	"testing"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/device"
)

//////////////////////////////////////////////////////////////////////////////
// A ramdisk with a certain number of blocks of a given block size. Each
// block is filled with the low byte of its block number, so every byte of
// block 0 is 0, every byte of block 1 is 1, and so on.
//////////////////////////////////////////////////////////////////////////////

func NewTestVolume(test testing.TB, bsize, blocks int) *device.Ramdisk {
	data := make([]byte, bsize*blocks)
	for i := 0; i < blocks; i++ {
		for j := 0; j < bsize; j++ {
			data[(i*bsize)+j] = byte(i)
		}
	}
	vol, err := device.NewRamdisk("test", bsize, data)
	if err != nil {
		FatalHere(test, "Failed when creating ramdisk: %s", err)
	}
	return vol
}

//////////////////////////////////////////////////////////////////////////////
// A volume that blocks on every read. It announces the block on HasBlocked
// and waits to be released on Unblock.
//////////////////////////////////////////////////////////////////////////////

type BlockingVolume struct {
	common.Volume
	HasBlocked chan bool
	Unblock    chan bool
}

func NewBlockingVolume(vol common.Volume) *BlockingVolume {
	return &BlockingVolume{
		vol,
		make(chan bool),
		make(chan bool),
	}
}

func (v *BlockingVolume) ReadBlocks(first uint64, buf []byte) error {
	v.HasBlocked <- true
	<-v.Unblock
	return v.Volume.ReadBlocks(first, buf)
}

//////////////////////////////////////////////////////////////////////////////
// A volume that counts the calls made on it.
//////////////////////////////////////////////////////////////////////////////

type CountingVolume struct {
	common.Volume
	Reads  atomic.Int64
	Writes atomic.Int64
}

func NewCountingVolume(vol common.Volume) *CountingVolume {
	return &CountingVolume{Volume: vol}
}

func (v *CountingVolume) ReadBlocks(first uint64, buf []byte) error {
	v.Reads.Add(1)
	return v.Volume.ReadBlocks(first, buf)
}

func (v *CountingVolume) WriteBlocks(first uint64, buf []byte) error {
	v.Writes.Add(1)
	return v.Volume.WriteBlocks(first, buf)
}

//////////////////////////////////////////////////////////////////////////////
// A volume that fails transfers touching chosen blocks.
//////////////////////////////////////////////////////////////////////////////

type FaultyVolume struct {
	common.Volume
	mu  sync.Mutex
	bad map[uint64]bool
}

func NewFaultyVolume(vol common.Volume, bad ...uint64) *FaultyVolume {
	v := &FaultyVolume{Volume: vol, bad: make(map[uint64]bool)}
	for _, b := range bad {
		v.bad[b] = true
	}
	return v
}

func (v *FaultyVolume) SetBad(block uint64, bad bool) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.bad[block] = bad
}

func (v *FaultyVolume) check(first uint64, n int) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	count := uint64(n / v.BlockSize())
	for b := first; b < first+count; b++ {
		if v.bad[b] {
			return common.NewIoError(common.IoBadBlock, b, nil)
		}
	}
	return nil
}

func (v *FaultyVolume) ReadBlocks(first uint64, buf []byte) error {
	if err := v.check(first, len(buf)); err != nil {
		return err
	}
	return v.Volume.ReadBlocks(first, buf)
}

func (v *FaultyVolume) WriteBlocks(first uint64, buf []byte) error {
	if err := v.check(first, len(buf)); err != nil {
		return err
	}
	return v.Volume.WriteBlocks(first, buf)
}

//////////////////////////////////////////////////////////////////////////////
// A volume that calls back after each completed transfer. Hooks are set
// before the volume is shared.
//////////////////////////////////////////////////////////////////////////////

type HookVolume struct {
	common.Volume
	AfterRead  func(first uint64, buf []byte)
	AfterWrite func(first uint64, buf []byte)
}

func NewHookVolume(vol common.Volume) *HookVolume {
	return &HookVolume{Volume: vol}
}

func (v *HookVolume) ReadBlocks(first uint64, buf []byte) error {
	if err := v.Volume.ReadBlocks(first, buf); err != nil {
		return err
	}
	if v.AfterRead != nil {
		v.AfterRead(first, buf)
	}
	return nil
}

func (v *HookVolume) WriteBlocks(first uint64, buf []byte) error {
	if err := v.Volume.WriteBlocks(first, buf); err != nil {
		return err
	}
	if v.AfterWrite != nil {
		v.AfterWrite(first, buf)
	}
	return nil
}
