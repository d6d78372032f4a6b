package ntfs

import (
	"encoding/binary"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// node is the part shared by every NTFS node. Records are immutable, so
// nodes need no locking.
type node struct {
	fs  *FS
	rec *record
}

func (n *node) Inode() common.InodeId {
	return common.InodeId(n.rec.num)
}

func (n *node) Flush() error {
	return nil
}

type file struct {
	*node
	data *attr
}

func (f file) Size() uint64 {
	return f.data.size()
}

func (f file) Read(ofs uint64, buf []byte) (int, error) {
	return f.fs.readAttr(f.data, ofs, buf)
}

func (f file) Write(uint64, []byte) (int, error) {
	return 0, common.ErrReadOnlyFilesystem
}

func (f file) Truncate(uint64) (uint64, error) {
	return 0, common.ErrReadOnlyFilesystem
}

func (f file) Clear(uint64, uint64) error {
	return common.ErrReadOnlyFilesystem
}

type symlink struct {
	*node
	reparse *attr
}

func (fs *FS) readReparse(a *attr) ([]byte, error) {
	buf := make([]byte, a.size())
	n, err := fs.readAttr(a, 0, buf)
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

func (fs *FS) reparseTag(a *attr) (uint32, error) {
	data, err := fs.readReparse(a)
	if err != nil {
		return 0, err
	}
	if len(data) < 8 {
		return 0, common.Inconsistent("reparse point of %d bytes", len(data))
	}
	return binary.LittleEndian.Uint32(data), nil
}

// Read returns the link target. Absolute targets lose their NT namespace
// prefix and drive letter; backslashes become slashes.
func (s symlink) Read() ([]byte, error) {
	data, err := s.fs.readReparse(s.reparse)
	if err != nil {
		return nil, err
	}
	var hdr ReparseHeader
	if len(data) < REPARSE_SYMLINK_HEADER_SIZE {
		return nil, common.Inconsistent("symlink reparse data of %d bytes", len(data))
	}
	if err := decode(data, &hdr); err != nil {
		return nil, errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
	}
	names := data[REPARSE_SYMLINK_HEADER_SIZE:]
	ofs, length := int(hdr.SubstOffset), int(hdr.SubstLength)
	if ofs+length > len(names) || length%2 != 0 {
		return nil, common.Inconsistent("symlink substitute name out of bounds")
	}
	subst, err := DecodeName(names[ofs : ofs+length])
	if err != nil {
		return nil, err
	}
	return []byte(symlinkTarget(subst, hdr.Flags&SYMLINK_FLAG_RELATIVE != 0)), nil
}

var (
	_ common.File    = file{}
	_ common.Symlink = symlink{}
)
