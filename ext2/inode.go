package ext2

import (
	"encoding/binary"
	"sync"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// node is the in-memory copy of an inode. The node cache guarantees there is
// at most one per inode, so od is authoritative while the node lives.
type node struct {
	fs  *FS
	ino uint32

	mu    sync.RWMutex // guards od, dirty and the block map
	od    Inode
	dirty bool
	freed bool
	goal  uint32 // last block allocated, where the next search starts
}

func (n *node) base() *node {
	return n
}

func (n *node) Inode() common.InodeId {
	return common.InodeId(n.ino)
}

// Flush writes the inode back if it changed.
func (n *node) Flush() error {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.flushLocked()
}

func (n *node) flushLocked() error {
	if !n.dirty || n.freed {
		return nil
	}
	if err := n.fs.writeInode(n.ino, &n.od); err != nil {
		return err
	}
	n.dirty = false
	return nil
}

// Dropped is consulted once the last handle is gone. An inode without links
// is released on disk at that point and the node must leave the cache.
func (n *node) Dropped() bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.freed {
		return true
	}
	if n.od.LinksCount > 0 {
		return false
	}
	if err := n.releaseLocked(); err != nil {
		n.fs.log.Error("releasing unlinked inode failed", "inode", n.ino, "error", err)
	}
	return true
}

// releaseLocked frees the blocks and the inode itself.
func (n *node) releaseLocked() error {
	if err := n.truncateBlocks(0); err != nil {
		return err
	}
	n.od.Dtime = now()
	n.od.SetFileSize(0)
	if err := n.fs.writeInode(n.ino, &n.od); err != nil {
		return err
	}
	n.freed = true
	n.dirty = false
	return n.fs.freeInode(n.ino, n.od.Format() == S_IFDIR)
}

func (n *node) touch() {
	n.od.Mtime = now()
	n.od.Ctime = n.od.Mtime
	n.dirty = true
}

// blockPath splits file block idx into the slot of i_block it hangs off and
// the index within each level of indirect block below that slot.
func (fs *FS) blockPath(idx uint64) (int, []uint64, error) {
	p := fs.ptrs
	orig := idx
	if idx < N_DIRECT {
		return int(idx), nil, nil
	}
	idx -= N_DIRECT
	if idx < p {
		return IND_BLOCK, []uint64{idx}, nil
	}
	idx -= p
	if idx < p*p {
		return DIND, []uint64{idx / p, idx % p}, nil
	}
	idx -= p * p
	if idx < p*p*p {
		return TIND, []uint64{idx / (p * p), (idx / p) % p, idx % p}, nil
	}
	return 0, nil, errors.Wrapf(common.ErrInvalidParameter, "file block %d beyond the block map", orig)
}

// maxBlocks is the number of file blocks the block map can address.
func (fs *FS) maxBlocks() uint64 {
	p := fs.ptrs
	return N_DIRECT + p + p*p + p*p*p
}

func (fs *FS) readPtr(blk uint32, idx uint64) (uint32, error) {
	if err := fs.checkBlock(blk); err != nil {
		return 0, err
	}
	var buf [4]byte
	if err := readBytes(fs.vol, uint64(blk)*uint64(fs.bs)+idx*4, buf[:]); err != nil {
		return 0, err
	}
	ptr := binary.LittleEndian.Uint32(buf[:])
	if ptr != 0 {
		if err := fs.checkBlock(ptr); err != nil {
			return 0, errors.Wrapf(err, "entry %d of indirect block %d", idx, blk)
		}
	}
	return ptr, nil
}

func (fs *FS) writePtr(blk uint32, idx uint64, ptr uint32) error {
	if err := fs.checkBlock(blk); err != nil {
		return err
	}
	return editBytes(fs.vol, uint64(blk)*uint64(fs.bs)+idx*4, 4, func(data []byte) error {
		binary.LittleEndian.PutUint32(data, ptr)
		return nil
	})
}

// getBlockAddr returns the filesystem block holding file block idx, or zero
// for a hole.
func (n *node) getBlockAddr(idx uint64) (uint32, error) {
	return n.bmap(idx, false)
}

// getExtent returns the filesystem block holding file block idx and how many
// of the following file blocks, up to want, continue the run on disk. A hole
// is returned as block zero with the length of the hole.
func (n *node) getExtent(idx uint64, want uint64) (uint32, uint64, error) {
	start, err := n.bmap(idx, false)
	if err != nil {
		return 0, 0, err
	}
	limit := n.fs.maxBlocks()
	count := uint64(1)
	for count < want && idx+count < limit {
		next, err := n.bmap(idx+count, false)
		if err != nil {
			return 0, 0, err
		}
		if start == 0 && next != 0 || start != 0 && next != start+uint32(count) {
			break
		}
		count++
	}
	return start, count, nil
}

// bmap maps file block idx to a filesystem block. With create set, missing
// data and indirect blocks are allocated and zeroed.
func (n *node) bmap(idx uint64, create bool) (uint32, error) {
	slot, path, err := n.fs.blockPath(idx)
	if err != nil {
		return 0, err
	}
	blk := n.od.Block[slot]
	if blk == 0 {
		if !create {
			return 0, nil
		}
		if blk, err = n.newBlock(); err != nil {
			return 0, err
		}
		n.od.Block[slot] = blk
		n.dirty = true
	} else if err := n.fs.checkBlock(blk); err != nil {
		return 0, errors.Wrapf(err, "inode %d slot %d", n.ino, slot)
	}
	for _, i := range path {
		ptr, err := n.fs.readPtr(blk, i)
		if err != nil {
			return 0, err
		}
		if ptr == 0 {
			if !create {
				return 0, nil
			}
			if ptr, err = n.newBlock(); err != nil {
				return 0, err
			}
			if err := n.fs.writePtr(blk, i, ptr); err != nil {
				n.dropBlock(ptr)
				return 0, err
			}
		}
		blk = ptr
	}
	return blk, nil
}

// newBlock allocates a zeroed block and charges it to the inode.
func (n *node) newBlock() (uint32, error) {
	goal := n.goal
	if goal == 0 {
		goal = n.fs.fdb + (n.ino-1)/n.fs.ipg*n.fs.bpg
	}
	b, err := n.fs.allocBlock(goal)
	if err != nil {
		return 0, err
	}
	if err := n.fs.zeroBlock(b); err != nil {
		n.fs.freeBlock(b)
		return 0, err
	}
	n.goal = b
	n.od.Blocks += uint32(n.fs.bs / 512)
	n.dirty = true
	return b, nil
}

func (n *node) dropBlock(b uint32) error {
	if err := n.fs.freeBlock(b); err != nil {
		return err
	}
	n.od.Blocks -= uint32(n.fs.bs / 512)
	n.dirty = true
	return nil
}

// truncateBlocks frees every block at file index keep and above, including
// indirect blocks left empty.
func (n *node) truncateBlocks(keep uint64) error {
	for i := keep; i < N_DIRECT; i++ {
		if b := n.od.Block[i]; b != 0 {
			if err := n.dropBlock(b); err != nil {
				return err
			}
			n.od.Block[i] = 0
		}
	}
	p := n.fs.ptrs
	base := uint64(N_DIRECT)
	span := p
	for depth, slot := 1, IND_BLOCK; slot <= TIND; depth, slot = depth+1, slot+1 {
		if b := n.od.Block[slot]; b != 0 && base+span > keep {
			empty, err := n.truncateTree(b, depth, base, keep)
			if err != nil {
				return err
			}
			if empty {
				if err := n.dropBlock(b); err != nil {
					return err
				}
				n.od.Block[slot] = 0
			}
		}
		base += span
		span *= p
	}
	n.dirty = true
	return nil
}

// truncateTree frees the blocks below indirect block blk, which maps file
// blocks from base on, whose index is keep or above. It reports whether blk
// no longer points anywhere.
func (n *node) truncateTree(blk uint32, depth int, base, keep uint64) (bool, error) {
	if err := n.fs.checkBlock(blk); err != nil {
		return false, err
	}
	buf := make([]byte, n.fs.bs)
	if err := n.fs.readBlock(blk, buf); err != nil {
		return false, err
	}
	span := uint64(1)
	for i := 1; i < depth; i++ {
		span *= n.fs.ptrs
	}
	empty := true
	changed := false
	for i := uint64(0); i < n.fs.ptrs; i++ {
		ptr := binary.LittleEndian.Uint32(buf[i*4:])
		if ptr == 0 {
			continue
		}
		child := base + i*span
		if child+span <= keep {
			empty = false
			continue
		}
		free := true
		if depth > 1 {
			var err error
			if free, err = n.truncateTree(ptr, depth-1, child, keep); err != nil {
				return false, err
			}
		}
		if !free {
			empty = false
			continue
		}
		if err := n.dropBlock(ptr); err != nil {
			return false, err
		}
		binary.LittleEndian.PutUint32(buf[i*4:], 0)
		changed = true
	}
	if changed && !empty {
		err := n.fs.editBlock(blk, func(data []byte) error {
			copy(data, buf)
			return nil
		})
		if err != nil {
			return false, err
		}
	}
	return empty, nil
}
