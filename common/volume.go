package common

// Volume is a block device supplied by the storage layer. Buffers passed to
// ReadBlocks and WriteBlocks are an exact multiple of BlockSize; blocks are
// addressed in the volume's own units.
type Volume interface {
	Name() string
	BlockSize() int
	Capacity() uint64 // in blocks
	ReadBlocks(first uint64, buf []byte) error
	WriteBlocks(first uint64, buf []byte) error
}

// ReadOnlyVolume is implemented by volumes that may refuse every write.
// Drivers mount such volumes read-only.
type ReadOnlyVolume interface {
	ReadOnly() bool
}

func VolumeReadOnly(v Volume) bool {
	ro, ok := v.(ReadOnlyVolume)
	return ok && ro.ReadOnly()
}
