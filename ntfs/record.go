package ntfs

import (
	"encoding/binary"

	"github.com/thepowersgang/vfs/common"
)

// attr is a decoded attribute of an MFT record. Resident attributes carry
// their value; non-resident ones carry the run list and sizes.
type attr struct {
	typ      uint32
	name     string
	flags    uint16
	resident bool
	value    []byte

	startVcn  uint64
	lastVcn   uint64
	allocSize uint64
	realSize  uint64
	initSize  uint64
	runs      []run
}

func (a *attr) size() uint64 {
	if a.resident {
		return uint64(len(a.value))
	}
	return a.realSize
}

// record is an MFT record after fixup, with its attributes decoded. Records
// are shared through the cache and never modified after loading.
type record struct {
	num   uint64
	hdr   RecordHeader
	attrs []attr
}

func (r *record) inUse() bool { return r.hdr.Flags&MFT_FLAG_IN_USE != 0 }
func (r *record) isDir() bool { return r.hdr.Flags&MFT_FLAG_DIRECTORY != 0 }

// find returns the first attribute of the given type and name.
func (r *record) find(typ uint32, name string) *attr {
	for i := range r.attrs {
		if a := &r.attrs[i]; a.typ == typ && a.name == name {
			return a
		}
	}
	return nil
}

// parseRecord validates and decodes the raw record buf, which is modified by
// the fixup.
func parseRecord(num uint64, buf []byte) (*record, error) {
	if binary.LittleEndian.Uint32(buf) != FILE_MAGIC {
		return nil, common.Inconsistent("MFT record %d has bad magic %#x", num, binary.LittleEndian.Uint32(buf))
	}
	if err := Fixup(buf); err != nil {
		return nil, common.Inconsistent("MFT record %d: %v", num, err)
	}
	r := &record{num: num}
	if err := decode(buf, &r.hdr); err != nil {
		return nil, common.Inconsistent("MFT record %d: %v", num, err)
	}
	if !r.inUse() {
		return r, nil
	}
	used := int(r.hdr.BytesUsed)
	if used > len(buf) || used < RECORD_HEADER_SIZE {
		return nil, common.Inconsistent("MFT record %d claims %d bytes in use", num, used)
	}
	buf = buf[:used]
	ofs := int(r.hdr.AttrsOffset)
	for {
		if ofs+4 > len(buf) {
			return nil, common.Inconsistent("MFT record %d: attribute list runs off the record", num)
		}
		typ := binary.LittleEndian.Uint32(buf[ofs:])
		if typ == ATTR_END {
			return r, nil
		}
		a, length, err := parseAttr(buf[ofs:])
		if err != nil {
			return nil, common.Inconsistent("MFT record %d attribute at %#x: %v", num, ofs, err)
		}
		r.attrs = append(r.attrs, a)
		ofs += length
	}
}

func parseAttr(buf []byte) (attr, int, error) {
	var a attr
	if len(buf) < 16 {
		return a, 0, common.Inconsistent("truncated header")
	}
	a.typ = binary.LittleEndian.Uint32(buf)
	length := int(binary.LittleEndian.Uint32(buf[4:]))
	if length < 16 || length > len(buf) || length%8 != 0 {
		return a, 0, common.Inconsistent("bad length %d", length)
	}
	buf = buf[:length]
	a.resident = buf[8] == 0
	nameLen := int(buf[9])
	nameOfs := int(binary.LittleEndian.Uint16(buf[10:]))
	a.flags = binary.LittleEndian.Uint16(buf[12:])
	if nameLen > 0 {
		if nameOfs+2*nameLen > length {
			return a, 0, common.Inconsistent("name out of bounds")
		}
		name, err := DecodeName(buf[nameOfs : nameOfs+2*nameLen])
		if err != nil {
			return a, 0, err
		}
		a.name = name
	}

	if a.resident {
		if length < 0x18 {
			return a, 0, common.Inconsistent("resident header too short")
		}
		vlen := int(binary.LittleEndian.Uint32(buf[0x10:]))
		vofs := int(binary.LittleEndian.Uint16(buf[0x14:]))
		if vofs > length || vlen > length-vofs {
			return a, 0, common.Inconsistent("value of %d bytes at %d out of bounds", vlen, vofs)
		}
		a.value = buf[vofs : vofs+vlen]
		return a, length, nil
	}

	if length < 0x40 {
		return a, 0, common.Inconsistent("non-resident header too short")
	}
	a.startVcn = binary.LittleEndian.Uint64(buf[0x10:])
	a.lastVcn = binary.LittleEndian.Uint64(buf[0x18:])
	runsOfs := int(binary.LittleEndian.Uint16(buf[0x20:]))
	a.allocSize = binary.LittleEndian.Uint64(buf[0x28:])
	a.realSize = binary.LittleEndian.Uint64(buf[0x30:])
	a.initSize = binary.LittleEndian.Uint64(buf[0x38:])
	if runsOfs < 0x40 || runsOfs >= length {
		return a, 0, common.Inconsistent("run list offset %d out of bounds", runsOfs)
	}
	if a.initSize > a.realSize || a.realSize > a.allocSize {
		return a, 0, common.Inconsistent("sizes out of order: init %d real %d alloc %d", a.initSize, a.realSize, a.allocSize)
	}
	runs, err := decodeRuns(buf[runsOfs:], a.startVcn)
	if err != nil {
		return a, 0, err
	}
	a.runs = runs
	return a, length, nil
}
