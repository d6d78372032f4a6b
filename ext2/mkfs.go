package ext2

import (
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

const LOST_FOUND_INO = GOOD_OLD_FIRST_INO

// FormatOptions control the layout written by Format. Zero values pick the
// defaults.
type FormatOptions struct {
	BlockSize      int    // 1024, 2048 or 4096; default 1024
	BlocksPerGroup uint32 // default and maximum 8 * BlockSize
	InodesPerGroup uint32 // default one inode per 8 KiB of group
	InodeSize      int    // default 128
	Label          string
	UUID           uuid.UUID // a random one when nil
}

func (o *FormatOptions) setDefaults() error {
	if o.BlockSize == 0 {
		o.BlockSize = 1024
	}
	switch o.BlockSize {
	case 1024, 2048, 4096:
	default:
		return errors.Wrapf(common.ErrInvalidParameter, "unsupported block size %d", o.BlockSize)
	}
	maxPerGroup := uint32(o.BlockSize * 8)
	if o.BlocksPerGroup == 0 {
		o.BlocksPerGroup = maxPerGroup
	}
	if o.BlocksPerGroup > maxPerGroup || o.BlocksPerGroup%8 != 0 {
		return errors.Wrapf(common.ErrInvalidParameter, "bad blocks per group %d", o.BlocksPerGroup)
	}
	if o.InodeSize == 0 {
		o.InodeSize = GOOD_OLD_INODE_SIZE
	}
	if o.InodeSize < GOOD_OLD_INODE_SIZE || o.InodeSize > o.BlockSize || o.InodeSize&(o.InodeSize-1) != 0 {
		return errors.Wrapf(common.ErrInvalidParameter, "bad inode size %d", o.InodeSize)
	}
	perBlock := uint32(o.BlockSize / o.InodeSize)
	if o.InodesPerGroup == 0 {
		o.InodesPerGroup = uint32(uint64(o.BlocksPerGroup) * uint64(o.BlockSize) / 8192)
	}
	// Group 0 must hold the reserved inodes and lost+found.
	o.InodesPerGroup = max(o.InodesPerGroup, 16)
	// Round up to whole inode table blocks and a whole bitmap byte.
	unit := perBlock
	if unit%8 != 0 {
		unit *= 8 / gcd(unit, 8)
	}
	o.InodesPerGroup = (o.InodesPerGroup + unit - 1) / unit * unit
	if o.InodesPerGroup > maxPerGroup {
		return errors.Wrapf(common.ErrInvalidParameter, "%d inodes per group exceed the bitmap", o.InodesPerGroup)
	}
	if len(o.Label) > 16 {
		return errors.Wrap(common.ErrInvalidParameter, "label longer than 16 bytes")
	}
	if o.UUID == uuid.Nil {
		o.UUID = uuid.New()
	}
	return nil
}

func gcd(a, b uint32) uint32 {
	for b != 0 {
		a, b = b, a%b
	}
	return a
}

// hasSuper reports whether group g carries a backup superblock under the
// sparse superblock layout: groups 0, 1 and powers of 3, 5 and 7.
func hasSuper(g int) bool {
	if g <= 1 {
		return true
	}
	for _, base := range []int{3, 5, 7} {
		n := base
		for n < g {
			n *= base
		}
		if n == g {
			return true
		}
	}
	return false
}

// formatter lays out a fresh filesystem in memory, one block at a time, and
// writes it to the volume.
type formatter struct {
	vol    common.Volume
	opts   FormatOptions
	bs     int
	sb     Superblock
	groups []GroupDesc
	blocks map[uint32][]byte
}

func (f *formatter) block(b uint32) []byte {
	buf, ok := f.blocks[b]
	if !ok {
		buf = make([]byte, f.bs)
		f.blocks[b] = buf
	}
	return buf
}

func (f *formatter) setBit(b uint32, bit uint32) {
	buf := f.block(b)
	buf[bit/8] |= 1 << (bit % 8)
}

// Format writes an empty ext2 filesystem, with a root directory and
// lost+found, over the whole of vol.
func Format(vol common.Volume, opts FormatOptions) error {
	if err := opts.setDefaults(); err != nil {
		return err
	}
	bs := opts.BlockSize
	if bs%vol.BlockSize() != 0 {
		return errors.Wrapf(common.ErrInvalidParameter, "block size %d is not a multiple of volume block size %d", bs, vol.BlockSize())
	}
	total := vol.Capacity() * uint64(vol.BlockSize()) / uint64(bs)
	if total > uint64(^uint32(0)) {
		return errors.Wrap(common.ErrInvalidParameter, "volume too large")
	}

	f := &formatter{
		vol:    vol,
		opts:   opts,
		bs:     bs,
		blocks: make(map[uint32][]byte),
	}
	var fdb uint32
	if bs == 1024 {
		fdb = 1
	}
	bpg := opts.BlocksPerGroup
	ipg := opts.InodesPerGroup
	itBlocks := ipg * uint32(opts.InodeSize) / uint32(bs)
	blocks := uint32(total)

	// Drop a trailing group too small to hold its own metadata.
	ngroups := int((blocks - fdb + bpg - 1) / bpg)
	gdtBlocks := uint32((ngroups*GROUP_DESC_SIZE + bs - 1) / bs)
	for ngroups > 0 {
		last := ngroups - 1
		overhead := 2 + itBlocks
		if hasSuper(last) {
			overhead += 1 + gdtBlocks
		}
		if last == 0 {
			overhead += 2
		}
		if blocks-fdb-uint32(last)*bpg > overhead+1 {
			break
		}
		blocks = fdb + uint32(last)*bpg
		ngroups--
	}
	if ngroups == 0 {
		return errors.Wrapf(common.ErrOutOfSpace, "volume of %d blocks is too small", total)
	}

	sb := &f.sb
	sb.InodesCount = uint32(ngroups) * ipg
	sb.BlocksCount = blocks
	sb.FirstDataBlock = fdb
	for 1024<<sb.LogBlockSize < bs {
		sb.LogBlockSize++
	}
	sb.LogFragSize = sb.LogBlockSize
	sb.BlocksPerGroup = bpg
	sb.FragsPerGroup = bpg
	sb.InodesPerGroup = ipg
	sb.Wtime = now()
	sb.MaxMntCount = ^uint16(0)
	sb.Magic = EXT2_MAGIC
	sb.State = STATE_VALID
	sb.Errors = ERRORS_CONT
	sb.RevLevel = DYNAMIC_REV
	sb.FirstIno = GOOD_OLD_FIRST_INO
	sb.InodeSize = uint16(opts.InodeSize)
	sb.FeatureIncompat = FEAT_INCOMPAT_FILETYPE
	sb.FeatureRoCompat = FEAT_RO_COMPAT_SPARSE_SUPER | FEAT_RO_COMPAT_LARGE_FILE
	copy(sb.Uuid[:], opts.UUID[:])
	copy(sb.VolumeName[:], opts.Label)

	var dataStart uint32
	for g := 0; g < ngroups; g++ {
		start := fdb + uint32(g)*bpg
		size := min(bpg, blocks-start)
		next := start
		if hasSuper(g) {
			next += 1 + gdtBlocks
		}
		gd := GroupDesc{
			BlockBitmap: next,
			InodeBitmap: next + 1,
			InodeTable:  next + 2,
		}
		used := next + 2 + itBlocks - start
		if g == 0 {
			dataStart = start + used
			used += 2 // root and lost+found directory blocks
		}
		for bit := uint32(0); bit < used; bit++ {
			f.setBit(gd.BlockBitmap, bit)
		}
		// Padding past the end of a short group is marked in use.
		for bit := size; bit < uint32(bs*8); bit++ {
			f.setBit(gd.BlockBitmap, bit)
		}
		for bit := ipg; bit < uint32(bs*8); bit++ {
			f.setBit(gd.InodeBitmap, bit)
		}
		f.block(gd.InodeBitmap)
		for b := gd.InodeTable; b < gd.InodeTable+itBlocks; b++ {
			f.block(b)
		}
		gd.FreeBlocksCount = uint16(size - used)
		gd.FreeInodesCount = uint16(ipg)
		f.groups = append(f.groups, gd)
		sb.FreeBlocksCount += size - used
	}
	sb.FreeInodesCount = sb.InodesCount

	// Reserved inodes, then the two directories.
	g0 := &f.groups[0]
	for ino := uint32(1); ino < GOOD_OLD_FIRST_INO+1; ino++ {
		f.setBit(g0.InodeBitmap, ino-1)
	}
	g0.FreeInodesCount -= GOOD_OLD_FIRST_INO
	g0.UsedDirsCount = 2
	sb.FreeInodesCount -= GOOD_OLD_FIRST_INO

	rootBlk, lfBlk := dataStart, dataStart+1
	t := now()
	dirInode := func(links uint16, blk uint32) Inode {
		od := Inode{
			Mode:       S_IFDIR | 0755,
			Atime:      t,
			Ctime:      t,
			Mtime:      t,
			LinksCount: links,
			Blocks:     uint32(bs / 512),
		}
		od.Block[0] = blk
		od.SetFileSize(uint64(bs))
		return od
	}
	if err := f.putInode(ROOT_INO, dirInode(3, rootBlk)); err != nil {
		return err
	}
	lf := dirInode(2, lfBlk)
	lf.Mode = S_IFDIR | 0700
	if err := f.putInode(LOST_FOUND_INO, lf); err != nil {
		return err
	}

	root := f.block(rootBlk)
	putDirent(root, 0, ROOT_INO, 12, []byte("."), FT_DIR)
	putDirent(root, 12, ROOT_INO, 12, []byte(".."), FT_DIR)
	putDirent(root, 24, LOST_FOUND_INO, bs-24, []byte("lost+found"), FT_DIR)
	lfData := f.block(lfBlk)
	putDirent(lfData, 0, LOST_FOUND_INO, 12, []byte("."), FT_DIR)
	putDirent(lfData, 12, ROOT_INO, bs-12, []byte(".."), FT_DIR)

	for g := 0; g < ngroups; g++ {
		if !hasSuper(g) {
			continue
		}
		if err := f.putSuper(g, gdtBlocks); err != nil {
			return err
		}
	}
	return f.flush()
}

func (f *formatter) putInode(ino uint32, od Inode) error {
	ipg := f.sb.InodesPerGroup
	gd := f.groups[(ino-1)/ipg]
	ofs := uint64((ino-1)%ipg) * uint64(f.opts.InodeSize)
	b := gd.InodeTable + uint32(ofs/uint64(f.bs))
	return encode(f.block(b)[ofs%uint64(f.bs):], &od)
}

// putSuper writes the superblock and group descriptor table copies of group
// g.
func (f *formatter) putSuper(g int, gdtBlocks uint32) error {
	start := f.sb.FirstDataBlock + uint32(g)*f.sb.BlocksPerGroup
	sb := f.sb
	sb.BlockGroupNr = uint16(g)
	if g == 0 {
		// The primary superblock sits 1024 bytes into the volume, which is
		// inside block 0 for larger block sizes.
		buf := f.block(SUPERBLOCK_OFFSET / uint32(f.bs))
		if err := encode(buf[SUPERBLOCK_OFFSET%f.bs:], &sb); err != nil {
			return err
		}
	} else if err := encode(f.block(start), &sb); err != nil {
		return err
	}
	for i, gd := range f.groups {
		ofs := i * GROUP_DESC_SIZE
		b := start + 1 + uint32(ofs/f.bs)
		if err := encode(f.block(b)[ofs%f.bs:], &gd); err != nil {
			return err
		}
	}
	return nil
}

func (f *formatter) flush() error {
	ratio := uint64(f.bs / f.vol.BlockSize())
	for b, data := range f.blocks {
		if err := f.vol.WriteBlocks(uint64(b)*ratio, data); err != nil {
			return errors.Wrapf(err, "writing block %d", b)
		}
	}
	return nil
}
