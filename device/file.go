package device

import (
	"os"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

type callNumber int

const (
	devRead callNumber = iota
	devWrite
	devClose
)

type devReq struct {
	call  callNumber
	first uint64
	buf   []byte
}

type devRes struct {
	err error
}

// FileVolume is a volume backed by a disk image. All I/O is serialised
// through a single goroutine that owns the *os.File.
type FileVolume struct {
	file      *os.File
	filename  string
	blockSize int
	blocks    uint64
	readOnly  bool
	in        chan devReq
	out       chan devRes
}

// OpenFile opens a disk image as a volume with the given block size. A
// trailing partial block is ignored.
func OpenFile(filename string, blockSize int, readOnly bool) (*FileVolume, error) {
	flags := os.O_RDWR
	if readOnly {
		flags = os.O_RDONLY
	}
	file, err := os.OpenFile(filename, flags, 0)
	if err != nil {
		return nil, errors.Wrapf(err, "open %s", filename)
	}
	fi, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.Wrapf(err, "stat %s", filename)
	}

	dev := &FileVolume{
		file:      file,
		filename:  filename,
		blockSize: blockSize,
		blocks:    uint64(fi.Size()) / uint64(blockSize),
		readOnly:  readOnly,
		in:        make(chan devReq),
		out:       make(chan devRes),
	}

	go dev.loop()
	return dev, nil
}

func (dev *FileVolume) loop() {
	var in <-chan devReq = dev.in
	var out chan<- devRes = dev.out

	for req := range in {
		pos := int64(req.first) * int64(dev.blockSize)
		switch req.call {
		case devRead:
			_, err := dev.file.ReadAt(req.buf, pos)
			if err != nil {
				err = common.NewIoError(common.IoBadBlock, req.first, err)
			}
			out <- devRes{err}
		case devWrite:
			_, err := dev.file.WriteAt(req.buf, pos)
			if err != nil {
				err = common.NewIoError(common.IoUnknown, req.first, err)
			}
			out <- devRes{err}
		case devClose:
			err := dev.file.Close()
			out <- devRes{err}
			close(dev.in)
			close(dev.out)
		default:
			out <- devRes{ErrBadCall}
		}
	}
}

func (dev *FileVolume) Name() string {
	return dev.filename
}

func (dev *FileVolume) BlockSize() int {
	return dev.blockSize
}

func (dev *FileVolume) Capacity() uint64 {
	return dev.blocks
}

func (dev *FileVolume) ReadOnly() bool {
	return dev.readOnly
}

func (dev *FileVolume) ReadBlocks(first uint64, buf []byte) error {
	if err := checkRange(dev, first, buf); err != nil {
		return err
	}
	dev.in <- devReq{devRead, first, buf}
	res := <-dev.out
	return res.err
}

func (dev *FileVolume) WriteBlocks(first uint64, buf []byte) error {
	if err := checkRange(dev, first, buf); err != nil {
		return err
	}
	if dev.readOnly {
		return common.NewIoError(common.IoReadOnly, first, ErrReadOnly)
	}
	dev.in <- devReq{devWrite, first, buf}
	res := <-dev.out
	return res.err
}

func (dev *FileVolume) Close() error {
	dev.in <- devReq{devClose, 0, nil}
	res := <-dev.out
	return res.err
}

var _ common.Volume = (*FileVolume)(nil)
var _ common.ReadOnlyVolume = (*FileVolume)(nil)
