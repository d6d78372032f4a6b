package common

import "fmt"

// InodeId is interpreted only by the driver that owns it. Zero is never valid.
type InodeId uint64

// MountId identifies a mounted filesystem instance. Mount 0 is the root.
type MountId uint32

type NodeClass int

const (
	ClassFile NodeClass = iota
	ClassDir
	ClassSymlink
	ClassSpecial
)

func (c NodeClass) String() string {
	switch c {
	case ClassFile:
		return "file"
	case ClassDir:
		return "dir"
	case ClassSymlink:
		return "symlink"
	case ClassSpecial:
		return "special"
	}
	return fmt.Sprintf("NodeClass(%d)", int(c))
}

// NodeType describes the node a Dir.Create call should make.
type NodeType struct {
	Class  NodeClass
	Target []byte // link target, only for ClassSymlink
}

var (
	TypeFile = NodeType{Class: ClassFile}
	TypeDir  = NodeType{Class: ClassDir}
)

func TypeSymlink(target []byte) NodeType {
	return NodeType{Class: ClassSymlink, Target: target}
}
