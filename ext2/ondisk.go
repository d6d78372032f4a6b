package ext2

import (
	"bytes"
	"encoding/binary"
	"sort"

	mapset "github.com/deckarep/golang-set/v2"
)

const (
	SUPERBLOCK_OFFSET = 1024
	SUPERBLOCK_SIZE   = 1024
	EXT2_MAGIC        = 0xEF53

	ROOT_INO           = 2  // root directory
	GOOD_OLD_FIRST_INO = 11 // first non-reserved inode of revision 0
	GOOD_OLD_REV       = 0
	DYNAMIC_REV        = 1

	GOOD_OLD_INODE_SIZE = 128
	GROUP_DESC_SIZE     = 32

	N_DIRECT  = 12 // direct block pointers in an inode
	IND_BLOCK = 12
	DIND      = 13
	TIND      = 14
	N_BLOCKS  = 15

	DIRENT_HEADER = 8
	MAX_NAME_LEN  = 255

	// Symlink targets shorter than this live in i_block.
	FAST_SYMLINK_MAX = 60

	STATE_VALID  = 1
	ERRORS_CONT  = 1
	MAX_LOG_SIZE = 10
)

// Mode format bits
const (
	S_IFMT   = 0xF000
	S_IFSOCK = 0xC000
	S_IFLNK  = 0xA000
	S_IFREG  = 0x8000
	S_IFBLK  = 0x6000
	S_IFDIR  = 0x4000
	S_IFCHR  = 0x2000
	S_IFIFO  = 0x1000
)

// Directory entry file types, written when FEAT_INCOMPAT_FILETYPE is set.
const (
	FT_UNKNOWN = 0
	FT_REG     = 1
	FT_DIR     = 2
	FT_SYMLINK = 7
)

const (
	FEAT_COMPAT_DIR_PREALLOC = 0x0001
	FEAT_COMPAT_IMAGIC       = 0x0002
	FEAT_COMPAT_HAS_JOURNAL  = 0x0004
	FEAT_COMPAT_EXT_ATTR     = 0x0008
	FEAT_COMPAT_RESIZE_INODE = 0x0010
	FEAT_COMPAT_DIR_INDEX    = 0x0020

	FEAT_INCOMPAT_COMPRESSION = 0x0001
	FEAT_INCOMPAT_FILETYPE    = 0x0002
	FEAT_INCOMPAT_RECOVER     = 0x0004
	FEAT_INCOMPAT_JOURNAL_DEV = 0x0008
	FEAT_INCOMPAT_META_BG     = 0x0010
	FEAT_INCOMPAT_EXTENTS     = 0x0040
	FEAT_INCOMPAT_64BIT       = 0x0080
	FEAT_INCOMPAT_FLEX_BG     = 0x0200

	FEAT_RO_COMPAT_SPARSE_SUPER = 0x0001
	FEAT_RO_COMPAT_LARGE_FILE   = 0x0002
	FEAT_RO_COMPAT_BTREE_DIR    = 0x0004
	FEAT_RO_COMPAT_HUGE_FILE    = 0x0008
	FEAT_RO_COMPAT_GDT_CSUM     = 0x0010
	FEAT_RO_COMPAT_DIR_NLINK    = 0x0020
	FEAT_RO_COMPAT_EXTRA_ISIZE  = 0x0040
)

const (
	SUPPORTED_COMPAT    = 0
	SUPPORTED_INCOMPAT  = FEAT_INCOMPAT_FILETYPE
	SUPPORTED_RO_COMPAT = FEAT_RO_COMPAT_SPARSE_SUPER | FEAT_RO_COMPAT_LARGE_FILE
)

var compatNames = map[uint32]string{
	FEAT_COMPAT_DIR_PREALLOC: "dir_prealloc",
	FEAT_COMPAT_IMAGIC:       "imagic_inodes",
	FEAT_COMPAT_HAS_JOURNAL:  "has_journal",
	FEAT_COMPAT_EXT_ATTR:     "ext_attr",
	FEAT_COMPAT_RESIZE_INODE: "resize_inode",
	FEAT_COMPAT_DIR_INDEX:    "dir_index",
}

var incompatNames = map[uint32]string{
	FEAT_INCOMPAT_COMPRESSION: "compression",
	FEAT_INCOMPAT_FILETYPE:    "filetype",
	FEAT_INCOMPAT_RECOVER:     "needs_recovery",
	FEAT_INCOMPAT_JOURNAL_DEV: "journal_dev",
	FEAT_INCOMPAT_META_BG:     "meta_bg",
	FEAT_INCOMPAT_EXTENTS:     "extent",
	FEAT_INCOMPAT_64BIT:       "64bit",
	FEAT_INCOMPAT_FLEX_BG:     "flex_bg",
}

var roCompatNames = map[uint32]string{
	FEAT_RO_COMPAT_SPARSE_SUPER: "sparse_super",
	FEAT_RO_COMPAT_LARGE_FILE:   "large_file",
	FEAT_RO_COMPAT_BTREE_DIR:    "btree_dir",
	FEAT_RO_COMPAT_HUGE_FILE:    "huge_file",
	FEAT_RO_COMPAT_GDT_CSUM:     "uninit_bg",
	FEAT_RO_COMPAT_DIR_NLINK:    "dir_nlink",
	FEAT_RO_COMPAT_EXTRA_ISIZE:  "extra_isize",
}

// featureNames lists the names of the bits set in mask, for log messages.
func featureNames(mask uint32, names map[uint32]string) []string {
	set := mapset.NewSet[string]()
	for bit := uint32(1); bit != 0; bit <<= 1 {
		if mask&bit == 0 {
			continue
		}
		if name, ok := names[bit]; ok {
			set.Add(name)
		} else {
			set.Add("unknown")
		}
	}
	out := set.ToSlice()
	sort.Strings(out)
	return out
}

// Superblock is the on-disk superblock. Fields after DefResgid are only
// meaningful for DYNAMIC_REV filesystems.
type Superblock struct {
	InodesCount     uint32
	BlocksCount     uint32
	RBlocksCount    uint32
	FreeBlocksCount uint32
	FreeInodesCount uint32
	FirstDataBlock  uint32
	LogBlockSize    uint32
	LogFragSize     uint32
	BlocksPerGroup  uint32
	FragsPerGroup   uint32
	InodesPerGroup  uint32
	Mtime           uint32
	Wtime           uint32
	MntCount        uint16
	MaxMntCount     uint16
	Magic           uint16
	State           uint16
	Errors          uint16
	MinorRevLevel   uint16
	Lastcheck       uint32
	Checkinterval   uint32
	CreatorOs       uint32
	RevLevel        uint32
	DefResuid       uint16
	DefResgid       uint16

	FirstIno        uint32
	InodeSize       uint16
	BlockGroupNr    uint16
	FeatureCompat   uint32
	FeatureIncompat uint32
	FeatureRoCompat uint32
	Uuid            [16]byte
	VolumeName      [16]byte
	LastMounted     [64]byte
	AlgoBitmap      uint32
	Reserved        [820]byte
}

func (sb *Superblock) BlockSize() int {
	return 1024 << sb.LogBlockSize
}

// FirstInode is the first inode that is not reserved.
func (sb *Superblock) FirstInode() uint32 {
	if sb.RevLevel == GOOD_OLD_REV {
		return GOOD_OLD_FIRST_INO
	}
	return sb.FirstIno
}

func (sb *Superblock) InodeSizeBytes() int {
	if sb.RevLevel == GOOD_OLD_REV {
		return GOOD_OLD_INODE_SIZE
	}
	return int(sb.InodeSize)
}

func (sb *Superblock) Groups() int {
	return int((sb.BlocksCount - sb.FirstDataBlock + sb.BlocksPerGroup - 1) / sb.BlocksPerGroup)
}

type GroupDesc struct {
	BlockBitmap     uint32
	InodeBitmap     uint32
	InodeTable      uint32
	FreeBlocksCount uint16
	FreeInodesCount uint16
	UsedDirsCount   uint16
	Pad             uint16
	Reserved        [12]byte
}

// Inode is the fixed 128 byte part of an on-disk inode. Larger inodes keep
// their trailing bytes untouched.
type Inode struct {
	Mode       uint16
	Uid        uint16
	Size       uint32
	Atime      uint32
	Ctime      uint32
	Mtime      uint32
	Dtime      uint32
	Gid        uint16
	LinksCount uint16
	Blocks     uint32 // in 512 byte sectors
	Flags      uint32
	Osd1       uint32
	Block      [N_BLOCKS]uint32
	Generation uint32
	FileAcl    uint32
	DirAcl     uint32 // high 32 bits of the size for regular files
	Faddr      uint32
	Osd2       [12]byte
}

func (ino *Inode) Format() uint16 {
	return ino.Mode & S_IFMT
}

func (ino *Inode) FileSize() uint64 {
	if ino.Format() == S_IFREG {
		return uint64(ino.DirAcl)<<32 | uint64(ino.Size)
	}
	return uint64(ino.Size)
}

func (ino *Inode) SetFileSize(size uint64) {
	ino.Size = uint32(size)
	if ino.Format() == S_IFREG {
		ino.DirAcl = uint32(size >> 32)
	}
}

// blockBytes is i_block viewed as raw bytes, where fast symlinks keep their
// target.
func (ino *Inode) blockBytes() []byte {
	buf := make([]byte, N_BLOCKS*4)
	for i, b := range ino.Block {
		binary.LittleEndian.PutUint32(buf[i*4:], b)
	}
	return buf
}

func (ino *Inode) setBlockBytes(data []byte) {
	var buf [N_BLOCKS * 4]byte
	copy(buf[:], data)
	for i := range ino.Block {
		ino.Block[i] = binary.LittleEndian.Uint32(buf[i*4:])
	}
}

func decode(buf []byte, v any) error {
	return binary.Read(bytes.NewReader(buf), binary.LittleEndian, v)
}

func encode(dst []byte, v any) error {
	var b bytes.Buffer
	if err := binary.Write(&b, binary.LittleEndian, v); err != nil {
		return err
	}
	copy(dst, b.Bytes())
	return nil
}

// dirent is one record of a directory block.
type dirent struct {
	ofs     int
	inode   uint32
	recLen  int
	nameLen int
	ftype   uint8
}

// direntLen is the space a record with a name of n bytes needs.
func direntLen(n int) int {
	return (DIRENT_HEADER + n + 3) &^ 3
}

func (d dirent) name(blk []byte) []byte {
	return blk[d.ofs+DIRENT_HEADER : d.ofs+DIRENT_HEADER+d.nameLen]
}

func (d dirent) isDot(blk []byte) bool {
	name := d.name(blk)
	return bytes.Equal(name, []byte(".")) || bytes.Equal(name, []byte(".."))
}

func putDirent(blk []byte, ofs int, inode uint32, recLen int, name []byte, ftype uint8) {
	binary.LittleEndian.PutUint32(blk[ofs:], inode)
	binary.LittleEndian.PutUint16(blk[ofs+4:], uint16(recLen))
	blk[ofs+6] = uint8(len(name))
	blk[ofs+7] = ftype
	copy(blk[ofs+DIRENT_HEADER:], name)
}

// walkBlock decodes the records of a directory block starting at byte from
// and passes them to fn until it returns false.
func walkBlock(blk []byte, from int, fn func(d dirent) bool) error {
	for ofs := from; ofs < len(blk); {
		if ofs+DIRENT_HEADER > len(blk) {
			return errShortDirent(ofs)
		}
		d := dirent{
			ofs:     ofs,
			inode:   binary.LittleEndian.Uint32(blk[ofs:]),
			recLen:  int(binary.LittleEndian.Uint16(blk[ofs+4:])),
			nameLen: int(blk[ofs+6]),
			ftype:   blk[ofs+7],
		}
		if d.recLen < DIRENT_HEADER || d.recLen%4 != 0 || ofs+d.recLen > len(blk) ||
			DIRENT_HEADER+d.nameLen > d.recLen {
			return errBadDirent(ofs, d.recLen, d.nameLen)
		}
		if !fn(d) {
			return nil
		}
		ofs += d.recLen
	}
	return nil
}
