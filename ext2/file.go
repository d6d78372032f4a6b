package ext2

import (
	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// file is a regular file.
type file struct {
	*node
}

func (f file) Size() uint64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.od.FileSize()
}

func (f file) Read(ofs uint64, buf []byte) (int, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	return f.readData(ofs, buf)
}

func (f file) Write(ofs uint64, buf []byte) (int, error) {
	if f.fs.readOnly {
		return 0, common.ErrReadOnlyFilesystem
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeData(ofs, buf)
}

// Truncate frees the blocks past the new end and zeroes the tail of the last
// one, so that growing the file again reads zeroes.
func (f file) Truncate(size uint64) (uint64, error) {
	if f.fs.readOnly {
		return 0, common.ErrReadOnlyFilesystem
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	size = min(size, f.fs.maxFileSize())
	old := f.od.FileSize()
	if size == old {
		return size, nil
	}
	if size < old {
		bs := uint64(f.fs.bs)
		if err := f.truncateBlocks((size + bs - 1) / bs); err != nil {
			return 0, err
		}
		if inner := int(size % bs); inner != 0 {
			addr, err := f.getBlockAddr(size / bs)
			if err != nil {
				return 0, err
			}
			if addr != 0 {
				err := f.fs.editBlock(addr, func(data []byte) error {
					clear(data[inner:])
					return nil
				})
				if err != nil {
					return 0, err
				}
			}
		}
	}
	f.od.SetFileSize(size)
	f.touch()
	return size, nil
}

// Clear zeroes a range inside the file. Holes are left alone.
func (f file) Clear(ofs, size uint64) error {
	if f.fs.readOnly {
		return common.ErrReadOnlyFilesystem
	}
	f.mu.Lock()
	defer f.mu.Unlock()

	fsize := f.od.FileSize()
	if ofs > fsize || size > fsize-ofs {
		return errors.Wrapf(common.ErrInvalidParameter, "clear of %d bytes at %d past end of file", size, ofs)
	}
	bs := uint64(f.fs.bs)
	end := ofs + size
	for pos := ofs; pos < end; {
		inner := pos % bs
		m := min(bs-inner, end-pos)
		addr, err := f.getBlockAddr(pos / bs)
		if err != nil {
			return err
		}
		if addr != 0 {
			err := f.fs.editBlock(addr, func(data []byte) error {
				clear(data[inner : inner+m])
				return nil
			})
			if err != nil {
				return err
			}
		}
		pos += m
	}
	f.touch()
	return nil
}

// readData reads file content, clamped to the file size. Whole-block runs
// are read in one volume request per extent.
func (n *node) readData(ofs uint64, buf []byte) (int, error) {
	size := n.od.FileSize()
	if ofs > size {
		return 0, errors.Wrapf(common.ErrInvalidParameter, "read at %d past end of file (%d)", ofs, size)
	}
	if uint64(len(buf)) > size-ofs {
		buf = buf[:size-ofs]
	}
	bs := uint64(n.fs.bs)
	var tmp []byte
	done := 0
	for done < len(buf) {
		pos := ofs + uint64(done)
		idx, inner := pos/bs, pos%bs
		rest := buf[done:]

		if inner == 0 && uint64(len(rest)) >= bs {
			start, count, err := n.getExtent(idx, uint64(len(rest))/bs)
			if err != nil {
				return done, err
			}
			span := rest[:count*bs]
			if start == 0 {
				clear(span)
			} else if err := n.fs.readBlocks(start, span); err != nil {
				return done, err
			}
			done += len(span)
			continue
		}

		if tmp == nil {
			tmp = make([]byte, bs)
		}
		addr, err := n.getBlockAddr(idx)
		if err != nil {
			return done, err
		}
		if addr == 0 {
			clear(tmp)
		} else if err := n.fs.readBlock(addr, tmp); err != nil {
			return done, err
		}
		done += copy(rest, tmp[inner:])
	}
	return done, nil
}

// writeData writes file content, allocating blocks as needed and extending
// the size. Writing past the end leaves a hole.
func (n *node) writeData(ofs uint64, buf []byte) (int, error) {
	limit := n.fs.maxFileSize()
	if len(buf) == 0 {
		return 0, nil
	}
	if ofs >= limit {
		return 0, errors.Wrapf(common.ErrOutOfSpace, "offset %d beyond the maximum file size", ofs)
	}
	if uint64(len(buf)) > limit-ofs {
		buf = buf[:limit-ofs]
	}
	bs := uint64(n.fs.bs)
	done := 0
	var err error
	for done < len(buf) {
		pos := ofs + uint64(done)
		idx, inner := pos/bs, pos%bs
		rest := buf[done:]

		var addr uint32
		if addr, err = n.bmap(idx, true); err != nil {
			break
		}
		if inner == 0 && uint64(len(rest)) >= bs {
			// Extend the run while the allocator keeps handing out the next block.
			run := uint64(1)
			for (run+1)*bs <= uint64(len(rest)) {
				next, berr := n.bmap(idx+run, true)
				if berr != nil {
					err = berr
					break
				}
				if next != addr+uint32(run) {
					break
				}
				run++
			}
			if werr := n.fs.writeBlocks(addr, rest[:run*bs]); werr != nil {
				err = werr
				break
			}
			done += int(run * bs)
			if err != nil {
				break
			}
			continue
		}

		m := min(bs-inner, uint64(len(rest)))
		err = n.fs.editBlock(addr, func(data []byte) error {
			copy(data[inner:], rest[:m])
			return nil
		})
		if err != nil {
			break
		}
		done += int(m)
	}
	if done > 0 {
		if end := ofs + uint64(done); end > n.od.FileSize() {
			n.od.SetFileSize(end)
		}
		n.touch()
	}
	return done, err
}

var _ common.File = file{}
