package ntfs

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

const maxIndexDepth = 32

// dir is a directory, read through its $I30 index.
type dir struct {
	*node
	root      []byte // index header of $INDEX_ROOT and the entries after it
	alloc     *attr  // $INDEX_ALLOCATION, nil for small directories
	blockSize uint64
	vcnUnit   uint64 // bytes per index VCN
}

func (fs *FS) newDir(n *node) (dir, error) {
	ir := n.rec.find(ATTR_INDEX_ROOT, I30)
	if ir == nil || !ir.resident {
		return dir{}, common.Inconsistent("directory record %d has no resident $INDEX_ROOT", n.rec.num)
	}
	if len(ir.value) < INDEX_ROOT_HEADER_SIZE+INDEX_HEADER_SIZE {
		return dir{}, common.Inconsistent("directory record %d: $INDEX_ROOT of %d bytes", n.rec.num, len(ir.value))
	}
	var rh IndexRootHeader
	if err := decode(ir.value, &rh); err != nil {
		return dir{}, errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
	}
	if rh.AttrType != ATTR_FILE_NAME {
		return dir{}, common.Inconsistent("directory record %d indexes attribute %#x", n.rec.num, rh.AttrType)
	}
	d := dir{
		node:      n,
		root:      ir.value[INDEX_ROOT_HEADER_SIZE:],
		blockSize: uint64(rh.IndexBlockSize),
		vcnUnit:   SECTOR_SIZE,
	}
	if d.blockSize >= fs.clusterSize {
		d.vcnUnit = fs.clusterSize
	}
	if a := n.rec.find(ATTR_INDEX_ALLOCATION, I30); a != nil {
		if a.resident {
			return dir{}, common.Inconsistent("directory record %d has a resident $INDEX_ALLOCATION", n.rec.num)
		}
		if d.blockSize < SECTOR_SIZE || d.blockSize%SECTOR_SIZE != 0 {
			return dir{}, common.Inconsistent("directory record %d: index block size %d", n.rec.num, d.blockSize)
		}
		d.alloc = a
	}
	return d, nil
}

// indexEntry is one entry of an index node. The end entry of a node has no
// key and only matters for its subnode.
type indexEntry struct {
	ref     uint64
	name    []byte // UTF-16LE
	ns      uint8
	subnode uint64
	hasSub  bool
	last    bool
}

// visible reports whether the entry is listed: DOS aliases, "." and the
// metadata files are not.
func (e *indexEntry) visible() bool {
	return !e.last && e.ns != NAMESPACE_DOS && e.ref >= FIRST_USER_RECORD
}

// parseIndexNode decodes the entries following an index header.
func parseIndexNode(buf []byte) ([]indexEntry, error) {
	if len(buf) < INDEX_HEADER_SIZE {
		return nil, common.Inconsistent("index header truncated")
	}
	var h IndexHeader
	if err := decode(buf, &h); err != nil {
		return nil, errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
	}
	start, end := int(h.EntriesOffset), int(h.IndexLength)
	if start < INDEX_HEADER_SIZE || end > len(buf) || start > end {
		return nil, common.Inconsistent("index entries %d..%d outside a %d byte node", start, end, len(buf))
	}
	var entries []indexEntry
	for ofs := start; ; {
		if ofs+16 > end {
			return nil, common.Inconsistent("index node has no end entry")
		}
		e := buf[ofs:]
		elen := int(binary.LittleEndian.Uint16(e[8:]))
		klen := int(binary.LittleEndian.Uint16(e[10:]))
		flags := binary.LittleEndian.Uint16(e[12:])
		if elen < 16 || elen%8 != 0 || ofs+elen > end {
			return nil, common.Inconsistent("index entry at %d has length %d", ofs, elen)
		}
		ent := indexEntry{
			ref:  binary.LittleEndian.Uint64(e) & MFT_REF_MASK,
			last: flags&INDEX_ENTRY_END != 0,
		}
		body := elen
		if flags&INDEX_ENTRY_NODE != 0 {
			if elen < 24 {
				return nil, common.Inconsistent("index entry at %d too short for a subnode", ofs)
			}
			ent.hasSub = true
			ent.subnode = binary.LittleEndian.Uint64(e[elen-8:])
			body -= 8
		}
		if !ent.last {
			if klen < FILE_NAME_HEADER_SIZE || 16+klen > body {
				return nil, common.Inconsistent("index entry at %d has key length %d", ofs, klen)
			}
			key := e[16 : 16+klen]
			nlen := int(key[0x40])
			if FILE_NAME_HEADER_SIZE+2*nlen > klen {
				return nil, common.Inconsistent("index entry at %d: name overruns the key", ofs)
			}
			ent.ns = key[0x41]
			ent.name = key[FILE_NAME_HEADER_SIZE : FILE_NAME_HEADER_SIZE+2*nlen]
		}
		entries = append(entries, ent)
		if ent.last {
			return entries, nil
		}
		ofs += elen
	}
}

// loadBlock reads, fixes up and decodes the index block at vcn.
func (d dir) loadBlock(vcn uint64) ([]indexEntry, error) {
	if d.alloc == nil {
		return nil, common.Inconsistent("directory %d: subnode %d without an index allocation", d.rec.num, vcn)
	}
	buf := make([]byte, d.blockSize)
	n, err := d.fs.readAttr(d.alloc, vcn*d.vcnUnit, buf)
	if err != nil {
		if errors.Is(err, common.ErrInvalidParameter) {
			return nil, common.Inconsistent("directory %d: subnode %d past the index allocation", d.rec.num, vcn)
		}
		return nil, err
	}
	if uint64(n) != d.blockSize {
		return nil, common.Inconsistent("directory %d: index block %d truncated", d.rec.num, vcn)
	}
	if binary.LittleEndian.Uint32(buf) != INDX_MAGIC {
		return nil, common.Inconsistent("directory %d: index block %d has bad magic", d.rec.num, vcn)
	}
	if err := Fixup(buf); err != nil {
		return nil, errors.Wrapf(err, "directory %d index block %d", d.rec.num, vcn)
	}
	var h IndexBlockHeader
	if err := decode(buf, &h); err != nil {
		return nil, errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
	}
	if h.Vcn != vcn {
		return nil, common.Inconsistent("directory %d: index block %d claims VCN %d", d.rec.num, vcn, h.Vcn)
	}
	return parseIndexNode(buf[INDEX_BLOCK_HEADER_SIZE:])
}

// Lookup descends the B-tree comparing upcased names: an entry greater than
// the name, or the end entry, leads to the subnode holding smaller keys.
func (d dir) Lookup(name []byte) (common.InodeId, error) {
	if len(name) == 0 {
		return 0, errors.Wrap(common.ErrInvalidParameter, "empty name")
	}
	want, err := UpcaseName(string(name))
	if err != nil {
		return 0, errors.Wrap(common.ErrInvalidParameter, err.Error())
	}
	entries, err := parseIndexNode(d.root)
	if err != nil {
		return 0, err
	}
	for depth := 0; depth < maxIndexDepth; depth++ {
		var next *indexEntry
		for i := range entries {
			e := &entries[i]
			if !e.last {
				switch CompareNames(want, upcase(utf16Units(e.name))) {
				case 0:
					return common.InodeId(e.ref), nil
				case 1:
					continue
				}
			}
			next = e
			break
		}
		if next == nil || !next.hasSub {
			return 0, errors.Wrapf(common.ErrNotFound, "%q", name)
		}
		if entries, err = d.loadBlock(next.subnode); err != nil {
			return 0, err
		}
	}
	return 0, common.Inconsistent("directory %d: index deeper than %d levels", d.rec.num, maxIndexDepth)
}

// Read lists the directory in collation order. Offsets count listed
// entries.
func (d dir) Read(start int, cb common.ReadDirFunc) (int, error) {
	entries, err := parseIndexNode(d.root)
	if err != nil {
		return start, err
	}
	pos := 0
	if _, err := d.walk(entries, 0, &pos, start, cb); err != nil {
		return start, err
	}
	return pos, nil
}

// walk visits entries in order, each subnode before the entry that owns it.
// It returns false once cb has asked to stop.
func (d dir) walk(entries []indexEntry, depth int, pos *int, start int, cb common.ReadDirFunc) (bool, error) {
	if depth > maxIndexDepth {
		return false, common.Inconsistent("directory %d: index deeper than %d levels", d.rec.num, maxIndexDepth)
	}
	for i := range entries {
		e := &entries[i]
		if e.hasSub {
			child, err := d.loadBlock(e.subnode)
			if err != nil {
				return false, err
			}
			more, err := d.walk(child, depth+1, pos, start, cb)
			if err != nil || !more {
				return more, err
			}
		}
		if !e.visible() {
			continue
		}
		*pos++
		if *pos <= start {
			continue
		}
		name, err := DecodeName(e.name)
		if err != nil {
			return false, err
		}
		if !cb(common.InodeId(e.ref), []byte(name)) {
			return false, nil
		}
	}
	return true, nil
}

func (d dir) Create([]byte, common.NodeType) (common.InodeId, error) {
	return 0, common.ErrReadOnlyFilesystem
}

func (d dir) Link([]byte, common.NodeBase) error {
	return common.ErrReadOnlyFilesystem
}

func (d dir) Unlink([]byte) error {
	return common.ErrReadOnlyFilesystem
}

var _ common.Dir = dir{}
