package ntfs

import (
	"bytes"
	"encoding/binary"
	"strings"
	stdunicode "unicode"

	"golang.org/x/text/encoding/unicode"

	"github.com/thepowersgang/vfs/common"
)

const (
	SECTOR_SIZE = 512 // update sequence stride, independent of the volume

	MFT_RECORD_MFT    = 0
	MFT_RECORD_VOLUME = 3
	MFT_RECORD_ROOT   = 5
	FIRST_USER_RECORD = 16

	MFT_REF_MASK = 1<<48 - 1

	FILE_MAGIC = 0x454C4946 // "FILE"
	INDX_MAGIC = 0x58444E49 // "INDX"

	MFT_FLAG_IN_USE    = 0x0001
	MFT_FLAG_DIRECTORY = 0x0002

	IO_REPARSE_TAG_SYMLINK = 0xA000000C
	SYMLINK_FLAG_RELATIVE  = 0x00000001
)

// Attribute types
const (
	ATTR_STANDARD_INFORMATION = 0x10
	ATTR_ATTRIBUTE_LIST       = 0x20
	ATTR_FILE_NAME            = 0x30
	ATTR_VOLUME_NAME          = 0x60
	ATTR_DATA                 = 0x80
	ATTR_INDEX_ROOT           = 0x90
	ATTR_INDEX_ALLOCATION     = 0xA0
	ATTR_BITMAP               = 0xB0
	ATTR_REPARSE_POINT        = 0xC0
	ATTR_END                  = 0xFFFFFFFF
)

const (
	ATTR_FLAG_COMPRESSED = 0x0001
	ATTR_FLAG_ENCRYPTED  = 0x4000
	ATTR_FLAG_SPARSE     = 0x8000
)

// Index entry flags
const (
	INDEX_ENTRY_NODE = 0x01 // a subnode VCN ends the entry
	INDEX_ENTRY_END  = 0x02 // last entry of the node, carries no key
)

const (
	NAMESPACE_POSIX     = 0
	NAMESPACE_WIN32     = 1
	NAMESPACE_DOS       = 2
	NAMESPACE_WIN32_DOS = 3
)

const I30 = "$I30"

// BootSector is the NTFS BIOS parameter block in sector 0.
type BootSector struct {
	Jump              [3]byte
	SystemId          [8]byte
	BytesPerSector    uint16
	SectorsPerCluster uint8
	_                 [7]byte
	MediaDescriptor   uint8
	_                 [2]byte
	SectorsPerTrack   uint16
	Heads             uint16
	_                 [12]byte
	TotalSectors      uint64
	MftStart          uint64 // in clusters
	MftMirrorStart    uint64
	MftRecordSize     int8 // see recordSize
	_                 [3]byte
	IndexRecordSize   int8
	_                 [3]byte
	SerialNumber      uint64
	Checksum          uint32
	_                 [426]byte
	Signature         uint16
}

const BOOT_SIGNATURE = 0xAA55

var ntfsSystemId = [8]byte{'N', 'T', 'F', 'S', ' ', ' ', ' ', ' '}

func (b *BootSector) ClusterSize() uint64 {
	return uint64(b.BytesPerSector) * uint64(b.SectorsPerCluster)
}

func (b *BootSector) Clusters() uint64 {
	return b.TotalSectors / uint64(max(b.SectorsPerCluster, 1))
}

// recordSize decodes the record size fields: positive values count clusters,
// negative ones are the log2 of a byte count.
func (b *BootSector) recordSize(v int8) uint64 {
	if v > 0 {
		return uint64(v) * b.ClusterSize()
	}
	if v < -31 {
		return 0
	}
	return 1 << uint(-int(v))
}

func (b *BootSector) MftRecordBytes() uint64 {
	return b.recordSize(b.MftRecordSize)
}

func (b *BootSector) IndexRecordBytes() uint64 {
	return b.recordSize(b.IndexRecordSize)
}

// Valid reports whether the boot sector describes a usable NTFS volume.
func (b *BootSector) Valid() bool {
	if b.SystemId != ntfsSystemId {
		return false
	}
	bps := b.BytesPerSector
	if bps < SECTOR_SIZE || bps&(bps-1) != 0 {
		return false
	}
	if b.SectorsPerCluster == 0 {
		return false
	}
	if b.MftRecordSize == 0 || b.IndexRecordSize == 0 {
		return false
	}
	rs := b.MftRecordBytes()
	if rs < SECTOR_SIZE || rs%SECTOR_SIZE != 0 || rs > 64*1024 {
		return false
	}
	clusters := b.Clusters()
	return b.MftStart < clusters && b.MftMirrorStart < clusters
}

// RecordHeader starts every MFT record.
type RecordHeader struct {
	Magic        uint32
	UsaOffset    uint16
	UsaCount     uint16
	Lsn          uint64
	Sequence     uint16
	Links        uint16
	AttrsOffset  uint16
	Flags        uint16
	BytesUsed    uint32
	BytesAlloc   uint32
	BaseRecord   uint64
	NextAttrId   uint16
	_            uint16
	RecordNumber uint32
}

const RECORD_HEADER_SIZE = 0x30

// IndexBlockHeader starts every block of an $INDEX_ALLOCATION.
type IndexBlockHeader struct {
	Magic     uint32
	UsaOffset uint16
	UsaCount  uint16
	Lsn       uint64
	Vcn       uint64
}

const INDEX_BLOCK_HEADER_SIZE = 0x18

// IndexHeader precedes the entries of an index node, both in $INDEX_ROOT
// and in index blocks. Offsets are relative to the header itself.
type IndexHeader struct {
	EntriesOffset uint32
	IndexLength   uint32
	AllocLength   uint32
	Flags         uint8
	_             [3]byte
}

const (
	INDEX_HEADER_SIZE  = 16
	INDEX_HEADER_LARGE = 0x01 // the node has subnodes
)

// IndexRootHeader is the start of the $INDEX_ROOT value.
type IndexRootHeader struct {
	AttrType         uint32
	Collation        uint32
	IndexBlockSize   uint32
	ClustersPerBlock uint8
	_                [3]byte
}

const (
	INDEX_ROOT_HEADER_SIZE = 16
	COLLATION_FILE_NAME    = 1
)

// FileNameHeader is the fixed part of a $FILE_NAME value, the key of
// directory index entries. The UTF-16 name follows it.
type FileNameHeader struct {
	ParentRef   uint64
	Created     uint64
	Modified    uint64
	MftModified uint64
	Accessed    uint64
	AllocSize   uint64
	RealSize    uint64
	Flags       uint32
	Reparse     uint32
	NameLength  uint8
	NameSpace   uint8
}

const (
	FILE_NAME_HEADER_SIZE = 0x42
	FILE_ATTR_DIRECTORY   = 0x10000000
)

// ReparseHeader is the fixed part of a symbolic link reparse point.
type ReparseHeader struct {
	Tag         uint32
	DataLength  uint16
	_           uint16
	SubstOffset uint16
	SubstLength uint16
	PrintOffset uint16
	PrintLength uint16
	Flags       uint32
}

const REPARSE_SYMLINK_HEADER_SIZE = 20

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

// Fixup checks the update sequence of a multi-sector record and restores the
// bytes it replaced at the end of every 512-byte stride. A stride whose tail
// does not carry the update sequence number was torn on write.
func Fixup(rec []byte) error {
	ofs, count, err := usaBounds(rec)
	if err != nil {
		return err
	}
	usn := rec[ofs : ofs+2]
	for i := 1; i < count; i++ {
		end := i*SECTOR_SIZE - 2
		if rec[end] != usn[0] || rec[end+1] != usn[1] {
			return common.Inconsistent("update sequence mismatch in sector %d", i-1)
		}
		copy(rec[end:end+2], rec[ofs+2*i:ofs+2*i+2])
	}
	return nil
}

// Protect is the inverse of Fixup: it saves the tail of every stride into
// the update sequence array and stamps the strides with usn.
func Protect(rec []byte, usn uint16) error {
	ofs, count, err := usaBounds(rec)
	if err != nil {
		return err
	}
	binary.LittleEndian.PutUint16(rec[ofs:], usn)
	for i := 1; i < count; i++ {
		end := i*SECTOR_SIZE - 2
		copy(rec[ofs+2*i:ofs+2*i+2], rec[end:end+2])
		binary.LittleEndian.PutUint16(rec[end:], usn)
	}
	return nil
}

func usaBounds(rec []byte) (int, int, error) {
	if len(rec) < SECTOR_SIZE {
		return 0, 0, common.Inconsistent("record of %d bytes is shorter than a sector", len(rec))
	}
	ofs := int(binary.LittleEndian.Uint16(rec[4:]))
	count := int(binary.LittleEndian.Uint16(rec[6:]))
	if count == 0 || ofs < 8 || ofs+2*count > len(rec) {
		return 0, 0, common.Inconsistent("update sequence array at %d (%d entries) out of bounds", ofs, count)
	}
	if (count-1)*SECTOR_SIZE > len(rec) {
		return 0, 0, common.Inconsistent("update sequence covers %d sectors of a %d byte record", count-1, len(rec))
	}
	return ofs, count, nil
}

// run is one extent of a non-resident attribute. Sparse runs have no LCN.
type run struct {
	vcn    uint64
	lcn    uint64
	length uint64
	sparse bool
}

// decodeRuns parses a mapping pairs array starting at startVcn.
func decodeRuns(buf []byte, startVcn uint64) ([]run, error) {
	var runs []run
	vcn := startVcn
	var lcn int64
	for pos := 0; ; {
		if pos >= len(buf) {
			return nil, common.Inconsistent("unterminated run list")
		}
		hdr := buf[pos]
		if hdr == 0 {
			return runs, nil
		}
		lenSize, ofsSize := int(hdr&0xF), int(hdr>>4)
		if lenSize == 0 || lenSize > 8 || ofsSize > 8 {
			return nil, common.Inconsistent("bad run header %#x", hdr)
		}
		pos++
		if pos+lenSize+ofsSize > len(buf) {
			return nil, common.Inconsistent("run overruns the attribute")
		}
		var length uint64
		for i := lenSize - 1; i >= 0; i-- {
			length = length<<8 | uint64(buf[pos+i])
		}
		pos += lenSize
		if length == 0 {
			return nil, common.Inconsistent("zero-length run")
		}
		r := run{vcn: vcn, length: length}
		if ofsSize == 0 {
			r.sparse = true
		} else {
			// Sign-extend from the top byte.
			delta := int64(int8(buf[pos+ofsSize-1]))
			for i := ofsSize - 2; i >= 0; i-- {
				delta = delta<<8 | int64(buf[pos+i])
			}
			lcn += delta
			if lcn < 0 {
				return nil, common.Inconsistent("run starts at negative cluster %d", lcn)
			}
			r.lcn = uint64(lcn)
		}
		pos += ofsSize
		runs = append(runs, r)
		vcn += length
	}
}

// EncodeRun appends the mapping pair for a run of length clusters starting
// delta clusters after the previous run. Sparse runs carry no offset.
func EncodeRun(dst []byte, length uint64, delta int64, sparse bool) []byte {
	var lb, ob []byte
	for v := length; v != 0; v >>= 8 {
		lb = append(lb, byte(v))
	}
	if !sparse {
		v := delta
		for {
			ob = append(ob, byte(v))
			v >>= 8
			// Stop once the remaining bits are only sign extension.
			if (v == 0 && ob[len(ob)-1]&0x80 == 0) || (v == -1 && ob[len(ob)-1]&0x80 != 0) {
				break
			}
		}
	}
	dst = append(dst, byte(len(ob)<<4|len(lb)))
	dst = append(dst, lb...)
	return append(dst, ob...)
}

// utf16Units turns little-endian UTF-16 bytes into code units.
func utf16Units(b []byte) []uint16 {
	u := make([]uint16, len(b)/2)
	for i := range u {
		u[i] = binary.LittleEndian.Uint16(b[2*i:])
	}
	return u
}

// DecodeName converts an on-disk UTF-16LE name to UTF-8.
func DecodeName(b []byte) (string, error) {
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewDecoder().Bytes(b)
	if err != nil {
		return "", common.Inconsistent("undecodable name: %v", err)
	}
	return string(out), nil
}

// EncodeName converts a UTF-8 name to UTF-16LE.
func EncodeName(s string) ([]byte, error) {
	out, err := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM).NewEncoder().Bytes([]byte(s))
	if err != nil {
		return nil, err
	}
	return out, nil
}

// upcase folds code units the way the volume's upcase table does for the
// Basic Multilingual Plane. Surrogates are left alone.
func upcase(u []uint16) []uint16 {
	out := make([]uint16, len(u))
	for i, c := range u {
		if c >= 0xD800 && c < 0xE000 {
			out[i] = c
			continue
		}
		if up := stdunicode.ToUpper(rune(c)); up <= 0xFFFF {
			out[i] = uint16(up)
		} else {
			out[i] = c
		}
	}
	return out
}

// CompareNames orders names the way $I30 indexes collate them: by upcased
// code unit, shorter names first on a shared prefix.
func CompareNames(a, b []uint16) int {
	for i := 0; i < len(a) && i < len(b); i++ {
		if a[i] != b[i] {
			if a[i] < b[i] {
				return -1
			}
			return 1
		}
	}
	switch {
	case len(a) < len(b):
		return -1
	case len(a) > len(b):
		return 1
	}
	return 0
}

// UpcaseName encodes and case-folds a UTF-8 name for index comparisons.
func UpcaseName(s string) ([]uint16, error) {
	b, err := EncodeName(s)
	if err != nil {
		return nil, err
	}
	return upcase(utf16Units(b)), nil
}

// symlinkTarget converts a Windows substitute name into a VFS path.
func symlinkTarget(subst string, relative bool) string {
	p := subst
	if !relative {
		p = strings.TrimPrefix(p, `\??\`)
		if len(p) >= 2 && p[1] == ':' {
			p = p[2:]
		}
	}
	p = strings.ReplaceAll(p, `\`, "/")
	if !relative && !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	return p
}
