package ext2

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/alloctbl"
	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
)

type logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// FS is a mounted ext2/3 filesystem.
type FS struct {
	vol  *bcache.Handle
	self common.MountSelf
	log  logger

	bs        int    // filesystem block size
	vbs       int    // volume block size
	ptrs      uint64 // block pointers per indirect block
	inodeSize int
	firstIno  uint32
	ngroups   int
	blocks    uint32 // geometry copied out of the superblock
	inodes    uint32
	fdb       uint32
	bpg       uint32
	ipg       uint32
	fileType  bool // directory entries carry a file type
	largeFile bool
	readOnly  bool

	mu     sync.Mutex // guards sb and groups
	sb     Superblock
	groups []GroupDesc

	alloc *alloctbl.AllocTbl
}

// Stat summarises the allocation state of the filesystem.
type Stat struct {
	BlockSize    int
	Blocks       uint32
	FreeBlocks   uint32
	Inodes       uint32
	FreeInodes   uint32
	Groups       int
	ReadOnly     bool
	Label        string
	UUID         uuid.UUID
	MountCount   uint16
	CleanUnmount bool
}

func readSuperblock(vol *bcache.Handle) (*Superblock, error) {
	buf := make([]byte, SUPERBLOCK_SIZE)
	if err := readBytes(vol, SUPERBLOCK_OFFSET, buf); err != nil {
		return nil, err
	}
	sb := new(Superblock)
	if err := decode(buf, sb); err != nil {
		return nil, errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
	}
	return sb, nil
}

type featureCheck int

const (
	featuresOk featureCheck = iota
	featuresReduced
	featuresReadOnly
	featuresIncompatible
)

func checkFeatures(sb *Superblock, log logger) featureCheck {
	if sb.RevLevel == GOOD_OLD_REV {
		return featuresOk
	}
	if bad := sb.FeatureIncompat &^ SUPPORTED_INCOMPAT; bad != 0 {
		log.Warn("volume uses incompatible required features", "unsupported", featureNames(bad, incompatNames))
		return featuresIncompatible
	}
	if bad := sb.FeatureRoCompat &^ SUPPORTED_RO_COMPAT; bad != 0 {
		log.Warn("volume uses features unsupported for writing, mounting read-only", "unsupported", featureNames(bad, roCompatNames))
		return featuresReadOnly
	}
	if bad := sb.FeatureCompat &^ SUPPORTED_COMPAT; bad != 0 {
		log.Warn("volume uses unsupported optional features", "unsupported", featureNames(bad, compatNames))
		return featuresReduced
	}
	return featuresOk
}

// Open mounts the ext2 filesystem on vol. self is how the filesystem reaches
// its own nodes through the node cache.
func Open(vol *bcache.Handle, self common.MountSelf) (*FS, error) {
	log := common.GetLogger().With("component", "ext2", "volume", vol.Volume().Name())

	sb, err := readSuperblock(vol)
	if err != nil {
		return nil, err
	}
	if sb.Magic != EXT2_MAGIC {
		return nil, errors.Wrapf(common.ErrTypeMismatch, "bad superblock magic %#x", sb.Magic)
	}
	if sb.LogBlockSize > MAX_LOG_SIZE {
		return nil, common.Unknown("filesystem block size out of range")
	}
	bs := sb.BlockSize()
	if bs > common.PAGE_SIZE {
		return nil, errors.Wrapf(common.ErrTypeMismatch, "block size %d is larger than a page", bs)
	}
	if bs%vol.BlockSize() != 0 {
		return nil, common.Inconsistent("filesystem block size %d is not a multiple of volume block size %d", bs, vol.BlockSize())
	}

	fs := &FS{
		vol:  vol,
		self: self,
		log:  log,
		bs:   bs,
		vbs:  vol.BlockSize(),
		ptrs: uint64(bs / 4),
		sb:   *sb,
	}
	switch checkFeatures(sb, log) {
	case featuresIncompatible:
		return nil, errors.Wrap(common.ErrTypeMismatch, "unsupported incompatible features")
	case featuresReadOnly:
		fs.readOnly = true
	}
	if !fs.readOnly && common.VolumeReadOnly(vol.Volume()) {
		log.Info("volume refuses writes, mounting read-only")
		fs.readOnly = true
	}
	if sb.RevLevel != GOOD_OLD_REV {
		fs.fileType = sb.FeatureIncompat&FEAT_INCOMPAT_FILETYPE != 0
		fs.largeFile = sb.FeatureRoCompat&FEAT_RO_COMPAT_LARGE_FILE != 0
	}
	if err := fs.checkGeometry(); err != nil {
		return nil, err
	}
	if err := fs.loadGroups(); err != nil {
		return nil, err
	}
	fs.alloc = alloctbl.NewAllocTbl(bitmaps{fs})

	if !fs.readOnly {
		err := fs.editSuper(func(sb *Superblock) {
			sb.MntCount++
			sb.Mtime = now()
			sb.State &^= STATE_VALID
		})
		if err != nil {
			fs.alloc.Shutdown()
			return nil, err
		}
	}
	log.Info("mounted", "block_size", bs, "groups", fs.ngroups, "read_only", fs.readOnly)
	return fs, nil
}

func (fs *FS) checkGeometry() error {
	sb := &fs.sb
	if sb.BlocksPerGroup == 0 || sb.InodesPerGroup == 0 || sb.FirstDataBlock >= sb.BlocksCount {
		return common.Inconsistent("bad group geometry")
	}
	if sb.InodesPerGroup > uint32(fs.bs*8) || sb.BlocksPerGroup > uint32(fs.bs*8) {
		return common.Inconsistent("group larger than its bitmap")
	}
	fs.ngroups = sb.Groups()
	fs.blocks = sb.BlocksCount
	fs.inodes = sb.InodesCount
	fs.fdb = sb.FirstDataBlock
	fs.bpg = sb.BlocksPerGroup
	fs.ipg = sb.InodesPerGroup
	if uint64(sb.InodesCount) > uint64(fs.ngroups)*uint64(sb.InodesPerGroup) {
		return common.Inconsistent("%d inodes do not fit %d groups", sb.InodesCount, fs.ngroups)
	}
	fs.inodeSize = sb.InodeSizeBytes()
	if fs.inodeSize < GOOD_OLD_INODE_SIZE || fs.inodeSize > fs.bs || fs.inodeSize&(fs.inodeSize-1) != 0 {
		return common.Inconsistent("bad inode size %d", fs.inodeSize)
	}
	fs.firstIno = sb.FirstInode()
	need := uint64(sb.BlocksCount) * uint64(fs.bs/fs.vbs)
	if need > fs.vol.Capacity() {
		return common.Inconsistent("volume holds %d blocks, filesystem needs %d", fs.vol.Capacity(), need)
	}
	return nil
}

// gdtOffset is the byte offset of the group descriptor table, which starts
// in the block after the superblock.
func (fs *FS) gdtOffset() uint64 {
	return uint64(fs.fdb+1) * uint64(fs.bs)
}

func (fs *FS) loadGroups() error {
	buf := make([]byte, fs.ngroups*GROUP_DESC_SIZE)
	if err := readBytes(fs.vol, fs.gdtOffset(), buf); err != nil {
		return err
	}
	fs.groups = make([]GroupDesc, fs.ngroups)
	for i := range fs.groups {
		if err := decode(buf[i*GROUP_DESC_SIZE:], &fs.groups[i]); err != nil {
			return errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
		}
		gd := &fs.groups[i]
		for _, b := range []uint32{gd.BlockBitmap, gd.InodeBitmap, gd.InodeTable} {
			if b == 0 || b >= fs.blocks {
				return common.Inconsistent("group %d points at block %d", i, b)
			}
		}
	}
	return nil
}

func now() uint32 {
	return uint32(time.Now().Unix())
}

// editSuper applies fn to the superblock and writes it through.
func (fs *FS) editSuper(fn func(sb *Superblock)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	sb := fs.sb
	fn(&sb)
	err := editBytes(fs.vol, SUPERBLOCK_OFFSET, SUPERBLOCK_SIZE, func(data []byte) error {
		return encode(data, &sb)
	})
	if err != nil {
		return err
	}
	fs.sb = sb
	return nil
}

// editGroup applies fn to the descriptor of group g and writes it through.
func (fs *FS) editGroup(g int, fn func(gd *GroupDesc)) error {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	gd := fs.groups[g]
	fn(&gd)
	ofs := fs.gdtOffset() + uint64(g*GROUP_DESC_SIZE)
	err := editBytes(fs.vol, ofs, GROUP_DESC_SIZE, func(data []byte) error {
		return encode(data, &gd)
	})
	if err != nil {
		return err
	}
	fs.groups[g] = gd
	return nil
}

func (fs *FS) group(g int) GroupDesc {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	return fs.groups[g]
}

func (fs *FS) checkBlock(b uint32) error {
	if b == 0 || b >= fs.blocks {
		return common.Inconsistent("block %d out of range", b)
	}
	return nil
}

// readBlock copies filesystem block b into dst, which holds one block.
func (fs *FS) readBlock(b uint32, dst []byte) error {
	if err := fs.checkBlock(b); err != nil {
		return err
	}
	return readBytes(fs.vol, uint64(b)*uint64(fs.bs), dst[:fs.bs])
}

// editBlock passes filesystem block b to fn and writes it through if fn
// succeeds.
func (fs *FS) editBlock(b uint32, fn func(data []byte) error) error {
	if err := fs.checkBlock(b); err != nil {
		return err
	}
	return editBytes(fs.vol, uint64(b)*uint64(fs.bs), fs.bs, fn)
}

// readBlocks reads count whole filesystem blocks starting at b, bypassing
// the page cache for the bulk of file data.
func (fs *FS) readBlocks(b uint32, dst []byte) error {
	if err := fs.checkBlock(b); err != nil {
		return err
	}
	count := len(dst) / fs.bs
	if uint64(b)+uint64(count) > uint64(fs.blocks) {
		return common.Inconsistent("run of %d blocks at %d out of range", count, b)
	}
	return fs.vol.ReadBlocks(uint64(b)*uint64(fs.bs/fs.vbs), dst)
}

func (fs *FS) writeBlocks(b uint32, src []byte) error {
	if err := fs.checkBlock(b); err != nil {
		return err
	}
	return fs.vol.WriteBlocks(uint64(b)*uint64(fs.bs/fs.vbs), src)
}

func (fs *FS) zeroBlock(b uint32) error {
	return fs.editBlock(b, func(data []byte) error {
		clear(data)
		return nil
	})
}

// readBytes copies from the volume at a byte offset through the block cache.
func readBytes(vol *bcache.Handle, ofs uint64, dst []byte) error {
	vbs := uint64(vol.BlockSize())
	for len(dst) > 0 {
		inner := ofs % vbs
		n := min(vbs-inner, uint64(len(dst)))
		if err := vol.ReadInner(ofs/vbs, int(inner), dst[:n]); err != nil {
			return err
		}
		dst = dst[n:]
		ofs += n
	}
	return nil
}

// editBytes edits n bytes at a byte offset. The range must not cross a page.
func editBytes(vol *bcache.Handle, ofs uint64, n int, fn func(data []byte) error) error {
	vbs := uint64(vol.BlockSize())
	first := ofs / vbs
	last := (ofs + uint64(n) - 1) / vbs
	inner := int(ofs % vbs)
	return vol.Edit(first, int(last-first+1), func(data []byte) error {
		return fn(data[inner : inner+n])
	})
}

// inodeOffset is the byte offset of inode ino in its group's inode table.
func (fs *FS) inodeOffset(ino uint32) (uint64, error) {
	if ino == 0 || ino > fs.inodes {
		return 0, errors.Wrapf(common.ErrNotFound, "inode %d out of range", ino)
	}
	gd := fs.group(int((ino - 1) / fs.ipg))
	idx := uint64((ino - 1) % fs.ipg)
	return uint64(gd.InodeTable)*uint64(fs.bs) + idx*uint64(fs.inodeSize), nil
}

func (fs *FS) readInode(ino uint32) (Inode, error) {
	var od Inode
	ofs, err := fs.inodeOffset(ino)
	if err != nil {
		return od, err
	}
	buf := make([]byte, GOOD_OLD_INODE_SIZE)
	if err := readBytes(fs.vol, ofs, buf); err != nil {
		return od, err
	}
	if err := decode(buf, &od); err != nil {
		return od, errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
	}
	return od, nil
}

// writeInode stores the fixed part of an inode; any extra bytes of a large
// inode are left as they are.
func (fs *FS) writeInode(ino uint32, od *Inode) error {
	ofs, err := fs.inodeOffset(ino)
	if err != nil {
		return err
	}
	return editBytes(fs.vol, ofs, GOOD_OLD_INODE_SIZE, func(data []byte) error {
		return encode(data, od)
	})
}

// allocInode takes a free inode near parent and writes a fresh inode of the
// given mode into it.
func (fs *FS) allocInode(parent uint32, mode uint16) (uint32, Inode, error) {
	origin := uint64((parent-1)/fs.ipg) * uint64(fs.ipg)
	bit, err := fs.alloc.AllocBit(alloctbl.IMAP, origin)
	if err != nil {
		return 0, Inode{}, err
	}
	ino := uint32(bit + 1)
	t := now()
	od := Inode{
		Mode:       mode,
		LinksCount: 1,
		Atime:      t,
		Ctime:      t,
		Mtime:      t,
	}
	if err := fs.writeInode(ino, &od); err != nil {
		fs.alloc.FreeBit(alloctbl.IMAP, bit)
		return 0, Inode{}, err
	}
	if mode&S_IFMT == S_IFDIR {
		fs.countDir(ino, 1)
	}
	return ino, od, nil
}

func (fs *FS) freeInode(ino uint32, dir bool) error {
	if err := fs.alloc.FreeBit(alloctbl.IMAP, uint64(ino-1)); err != nil {
		return err
	}
	if dir {
		fs.countDir(ino, -1)
	}
	return nil
}

func (fs *FS) countDir(ino uint32, delta int) {
	g := int((ino - 1) / fs.ipg)
	err := fs.editGroup(g, func(gd *GroupDesc) {
		gd.UsedDirsCount = uint16(int(gd.UsedDirsCount) + delta)
	})
	if err != nil {
		fs.log.Warn("updating used directory count failed", "group", g, "error", err)
	}
}

// allocBlock takes a free block, preferring the one after goal.
func (fs *FS) allocBlock(goal uint32) (uint32, error) {
	origin := alloctbl.NO_ORIGIN
	if goal >= fs.fdb && goal < fs.blocks {
		origin = uint64(goal+1-fs.fdb) % uint64(fs.blocks-fs.fdb)
	}
	bit, err := fs.alloc.AllocBit(alloctbl.BMAP, origin)
	if err != nil {
		return 0, err
	}
	return uint32(bit) + fs.fdb, nil
}

func (fs *FS) freeBlock(b uint32) error {
	if err := fs.checkBlock(b); err != nil {
		return err
	}
	return fs.alloc.FreeBit(alloctbl.BMAP, uint64(b-fs.fdb))
}

// bitmaps exposes the group bitmaps and counters to the allocation table.
type bitmaps struct {
	fs *FS
}

func (m bitmaps) Groups() int {
	return m.fs.ngroups
}

func (m bitmaps) PerGroup(which alloctbl.Map) uint64 {
	if which == alloctbl.IMAP {
		return uint64(m.fs.ipg)
	}
	return uint64(m.fs.bpg)
}

func (m bitmaps) Limit(which alloctbl.Map) uint64 {
	if which == alloctbl.IMAP {
		return uint64(m.fs.inodes)
	}
	return uint64(m.fs.blocks - m.fs.fdb)
}

func (m bitmaps) Free(which alloctbl.Map, group int) uint32 {
	gd := m.fs.group(group)
	if which == alloctbl.IMAP {
		return uint32(gd.FreeInodesCount)
	}
	return uint32(gd.FreeBlocksCount)
}

func (m bitmaps) EditBitmap(which alloctbl.Map, group int, fn func(bitmap []byte) error) error {
	gd := m.fs.group(group)
	b := gd.BlockBitmap
	if which == alloctbl.IMAP {
		b = gd.InodeBitmap
	}
	return m.fs.editBlock(b, fn)
}

func (m bitmaps) Account(which alloctbl.Map, group int, delta int) error {
	err := m.fs.editGroup(group, func(gd *GroupDesc) {
		if which == alloctbl.IMAP {
			gd.FreeInodesCount = uint16(int(gd.FreeInodesCount) + delta)
		} else {
			gd.FreeBlocksCount = uint16(int(gd.FreeBlocksCount) + delta)
		}
	})
	if err != nil {
		return err
	}
	return m.fs.editSuper(func(sb *Superblock) {
		if which == alloctbl.IMAP {
			sb.FreeInodesCount = uint32(int64(sb.FreeInodesCount) + int64(delta))
		} else {
			sb.FreeBlocksCount = uint32(int64(sb.FreeBlocksCount) + int64(delta))
		}
	})
}

func (fs *FS) RootInode() common.InodeId {
	return ROOT_INO
}

func (fs *FS) ReadOnly() bool {
	return fs.readOnly
}

func (fs *FS) BlockSize() int {
	return fs.bs
}

// GetNode loads inode ino. Free inodes are reported as not found.
func (fs *FS) GetNode(inode common.InodeId) (*common.Node, error) {
	if inode > common.InodeId(^uint32(0)) {
		return nil, errors.Wrapf(common.ErrNotFound, "inode %d out of range", inode)
	}
	ino := uint32(inode)
	od, err := fs.readInode(ino)
	if err != nil {
		return nil, err
	}
	if od.Mode == 0 || (od.LinksCount == 0 && od.Dtime != 0) {
		return nil, errors.Wrapf(common.ErrNotFound, "inode %d is free", ino)
	}
	n := &node{fs: fs, ino: ino, od: od}
	switch od.Format() {
	case S_IFREG:
		return common.NewFileNode(file{n}), nil
	case S_IFDIR:
		return common.NewDirNode(dir{n}), nil
	case S_IFLNK:
		return common.NewSymlinkNode(symlink{n}), nil
	case S_IFCHR, S_IFBLK, S_IFIFO, S_IFSOCK:
		return common.NewSpecialNode(special{n}), nil
	}
	return nil, common.Inconsistent("inode %d has unknown mode %#o", ino, od.Mode)
}

// Sync has nothing to do: the superblock and group descriptors are written
// through on every change and inodes are flushed by the node cache.
func (fs *FS) Sync() error {
	return nil
}

func (fs *FS) Unmount() error {
	var err error
	if !fs.readOnly {
		err = fs.editSuper(func(sb *Superblock) {
			sb.Wtime = now()
			sb.State |= STATE_VALID
		})
	}
	fs.alloc.Shutdown()
	fs.log.Info("unmounted")
	return err
}

func (fs *FS) Stat() Stat {
	fs.mu.Lock()
	defer fs.mu.Unlock()
	st := statOf(&fs.sb)
	st.ReadOnly = fs.readOnly
	return st
}

func statOf(sb *Superblock) Stat {
	id, _ := uuid.FromBytes(sb.Uuid[:])
	return Stat{
		BlockSize:    sb.BlockSize(),
		Blocks:       sb.BlocksCount,
		FreeBlocks:   sb.FreeBlocksCount,
		Inodes:       sb.InodesCount,
		FreeInodes:   sb.FreeInodesCount,
		Groups:       sb.Groups(),
		Label:        cString(sb.VolumeName[:]),
		UUID:         id,
		MountCount:   sb.MntCount,
		CleanUnmount: sb.State&STATE_VALID != 0,
	}
}

// Probe reads the superblock of an unmounted volume without going through
// the block cache.
func Probe(vol common.Volume) (Stat, error) {
	vbs := uint64(vol.BlockSize())
	first := SUPERBLOCK_OFFSET / vbs
	end := (SUPERBLOCK_OFFSET + SUPERBLOCK_SIZE + vbs - 1) / vbs
	if end > vol.Capacity() {
		return Stat{}, errors.Wrapf(common.ErrTypeMismatch, "%s is too small for ext2", vol.Name())
	}
	buf := make([]byte, (end-first)*vbs)
	if err := vol.ReadBlocks(first, buf); err != nil {
		return Stat{}, err
	}
	ofs := SUPERBLOCK_OFFSET - first*vbs
	sb := new(Superblock)
	if err := decode(buf[ofs:ofs+SUPERBLOCK_SIZE], sb); err != nil {
		return Stat{}, errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
	}
	if sb.Magic != EXT2_MAGIC {
		return Stat{}, errors.Wrapf(common.ErrTypeMismatch, "bad superblock magic %#x", sb.Magic)
	}
	if sb.LogBlockSize > MAX_LOG_SIZE || sb.BlocksPerGroup == 0 {
		return Stat{}, common.Inconsistent("bad geometry in superblock of %s", vol.Name())
	}
	st := statOf(sb)
	log := common.GetLogger().With("component", "ext2", "volume", vol.Name())
	st.ReadOnly = checkFeatures(sb, log) >= featuresReadOnly
	return st, nil
}

func cString(b []byte) string {
	for i, c := range b {
		if c == 0 {
			return string(b[:i])
		}
	}
	return string(b)
}

// maxFileSize is bounded by the block map and, without the large file
// feature, by a signed 32 bit size.
func (fs *FS) maxFileSize() uint64 {
	p := fs.ptrs
	limit := (N_DIRECT + p + p*p + p*p*p) * uint64(fs.bs)
	if !fs.largeFile && limit > 1<<31-1 {
		limit = 1<<31 - 1
	}
	return limit
}

var _ common.Filesystem = (*FS)(nil)
