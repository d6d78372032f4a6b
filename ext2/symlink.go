package ext2

import (
	"github.com/thepowersgang/vfs/common"
)

type symlink struct {
	*node
}

// fast reports whether the target lives in i_block rather than a data
// block. Only an extended attribute block may be charged to a fast symlink.
func (s symlink) fast() bool {
	var acl uint32
	if s.od.FileAcl != 0 {
		acl = uint32(s.fs.bs / 512)
	}
	return s.od.Blocks == acl
}

func (s symlink) Read() ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	size := s.od.FileSize()
	if s.fast() {
		if size >= FAST_SYMLINK_MAX {
			return nil, common.Inconsistent("fast symlink %d claims %d bytes", s.ino, size)
		}
		return s.od.blockBytes()[:size], nil
	}
	if size > uint64(s.fs.bs) {
		return nil, common.Inconsistent("symlink %d claims %d bytes", s.ino, size)
	}
	buf := make([]byte, size)
	n, err := s.readData(0, buf)
	return buf[:n], err
}

// special is a device, fifo or socket inode. Its contents are not
// interpreted.
type special struct {
	*node
}

func (s special) TypeName() string {
	switch s.od.Format() {
	case S_IFCHR:
		return "character device"
	case S_IFBLK:
		return "block device"
	case S_IFIFO:
		return "fifo"
	case S_IFSOCK:
		return "socket"
	}
	return "unknown"
}

var _ common.Symlink = symlink{}
var _ common.Special = special{}
