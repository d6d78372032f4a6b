package handle

import (
	"sync"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// overlay is the private view of a UniqueRW open. Pages are copied from the
// underlying file the first time they are written. Everything at or past
// floor reads as zero: that part of the base was cut off by a truncate.
type overlay struct {
	m     sync.Mutex
	base  common.File
	pages map[uint64][]byte
	size  uint64
	floor uint64
}

func newOverlay(base common.File) *overlay {
	size := base.Size()
	return &overlay{
		base:  base,
		pages: make(map[uint64][]byte),
		size:  size,
		floor: size,
	}
}

func (o *overlay) copy() *overlay {
	o.m.Lock()
	defer o.m.Unlock()

	c := &overlay{
		base:  o.base,
		pages: make(map[uint64][]byte, len(o.pages)),
		size:  o.size,
		floor: o.floor,
	}
	for n, p := range o.pages {
		c.pages[n] = append([]byte(nil), p...)
	}
	return c
}

func (o *overlay) Size() uint64 {
	o.m.Lock()
	defer o.m.Unlock()
	return o.size
}

// readBase fills buf from the underlying file, zeroing what lies past the
// floor or past the file's current end.
func (o *overlay) readBase(ofs uint64, buf []byte) error {
	clear(buf)
	limit := min(o.floor, o.base.Size())
	if ofs >= limit {
		return nil
	}
	want := buf[:min(uint64(len(buf)), limit-ofs)]
	for len(want) > 0 {
		n, err := o.base.Read(ofs, want)
		if err != nil {
			return err
		}
		if n == 0 {
			// the file shrank under us; the rest stays zero
			return nil
		}
		want = want[n:]
		ofs += uint64(n)
	}
	return nil
}

// page returns the private copy of page n, making it if needed.
func (o *overlay) page(n uint64) ([]byte, error) {
	if p, ok := o.pages[n]; ok {
		return p, nil
	}
	p := make([]byte, common.PAGE_SIZE)
	if err := o.readBase(n*common.PAGE_SIZE, p); err != nil {
		return nil, err
	}
	o.pages[n] = p
	return p, nil
}

func (o *overlay) Read(ofs uint64, buf []byte) (int, error) {
	o.m.Lock()
	defer o.m.Unlock()

	if ofs > o.size {
		return 0, errors.Wrapf(common.ErrInvalidParameter, "read at %d past end of file (%d)", ofs, o.size)
	}
	buf = buf[:min(uint64(len(buf)), o.size-ofs)]
	done := 0
	for done < len(buf) {
		pos := ofs + uint64(done)
		n, inner := pos/common.PAGE_SIZE, pos%common.PAGE_SIZE
		chunk := buf[done:min(len(buf), done+int(common.PAGE_SIZE-inner))]
		if p, ok := o.pages[n]; ok {
			copy(chunk, p[inner:])
		} else if err := o.readBase(pos, chunk); err != nil {
			return done, err
		}
		done += len(chunk)
	}
	return done, nil
}

// modify runs fn over the private copy of [ofs, ofs+length), page by page.
func (o *overlay) modify(ofs, length uint64, fn func(dst []byte, done int)) error {
	done := uint64(0)
	for done < length {
		pos := ofs + done
		n, inner := pos/common.PAGE_SIZE, pos%common.PAGE_SIZE
		p, err := o.page(n)
		if err != nil {
			return err
		}
		dst := p[inner:min(common.PAGE_SIZE, inner+length-done)]
		fn(dst, int(done))
		done += uint64(len(dst))
	}
	return nil
}

func (o *overlay) Write(ofs uint64, buf []byte) (int, error) {
	o.m.Lock()
	defer o.m.Unlock()

	err := o.modify(ofs, uint64(len(buf)), func(dst []byte, done int) {
		copy(dst, buf[done:])
	})
	if err != nil {
		return 0, err
	}
	o.size = max(o.size, ofs+uint64(len(buf)))
	return len(buf), nil
}

func (o *overlay) Clear(ofs, size uint64) error {
	o.m.Lock()
	defer o.m.Unlock()

	if ofs+size > o.size || ofs+size < ofs {
		return errors.Wrapf(common.ErrInvalidParameter, "clear of %d bytes at %d past end of file (%d)", size, ofs, o.size)
	}
	return o.modify(ofs, size, func(dst []byte, _ int) {
		clear(dst)
	})
}

func (o *overlay) Truncate(size uint64) uint64 {
	o.m.Lock()
	defer o.m.Unlock()

	if size < o.size {
		o.floor = min(o.floor, size)
		last := size / common.PAGE_SIZE
		for n, p := range o.pages {
			switch {
			case n > last:
				delete(o.pages, n)
			case n == last:
				clear(p[size%common.PAGE_SIZE:])
			}
		}
	}
	o.size = size
	return size
}
