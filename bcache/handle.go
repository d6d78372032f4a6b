package bcache

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// Handle is a volume attached to a cache. Block numbers passed to a handle
// are device blocks of the volume.
type Handle struct {
	cache *Cache
	id    uint32
	vol   common.Volume
	bs    int
	bpp   uint64
}

// Attach registers vol with the cache. Volumes whose block size does not
// divide the page size are rejected.
func (c *Cache) Attach(vol common.Volume) (*Handle, error) {
	bs := vol.BlockSize()
	if bs <= 0 || bs > common.PAGE_SIZE || common.PAGE_SIZE%bs != 0 {
		return nil, errors.Wrapf(common.ErrInvalidParameter,
			"volume %s: block size %d does not fit a %d byte page", vol.Name(), bs, common.PAGE_SIZE)
	}
	h := &Handle{
		cache: c,
		vol:   vol,
		bs:    bs,
		bpp:   uint64(common.PAGE_SIZE / bs),
	}
	if err := c.attach(h); err != nil {
		return nil, err
	}
	return h, nil
}

func (h *Handle) Volume() common.Volume {
	return h.vol
}

func (h *Handle) BlockSize() int {
	return h.bs
}

func (h *Handle) BlocksPerPage() uint64 {
	return h.bpp
}

func (h *Handle) Capacity() uint64 {
	return h.vol.Capacity()
}

func (h *Handle) checkBlock(block uint64) error {
	if block >= h.vol.Capacity() {
		return common.NewIoError(common.IoBadBlock, block,
			errors.Errorf("block past end of %s", h.vol.Name()))
	}
	return nil
}

// ReadBlocks reads straight from the volume. Resident pages are read-locked
// across the read and copied over the result, so a page that is written back
// and dropped meanwhile cannot leave the result stale. The caller must not
// hold a BlockRef in the range.
func (h *Handle) ReadBlocks(first uint64, buf []byte) error {
	last := first + uint64(len(buf)/h.bs)
	pages := h.cache.peek(h, first, last)
	for _, p := range pages {
		p.lock.RLock()
	}
	defer func() {
		for _, p := range pages {
			p.lock.RUnlock()
			h.cache.putPage(p)
		}
	}()

	if err := h.vol.ReadBlocks(first, buf); err != nil {
		return err
	}
	for _, p := range pages {
		overlay(h, p, first, buf, func(pageBytes, bufBytes []byte) { copy(bufBytes, pageBytes) })
	}
	return nil
}

// WriteBlocks writes through the cache: each page in the range is loaded,
// write-locked, updated and then written to the volume before the lock is
// dropped. The written blocks are on the volume when it returns.
func (h *Handle) WriteBlocks(first uint64, buf []byte) error {
	if len(buf)%h.bs != 0 {
		return errors.Wrapf(common.ErrInvalidParameter, "write of %d bytes is not a multiple of %d", len(buf), h.bs)
	}
	if len(buf) == 0 {
		return nil
	}
	if err := h.checkBlock(first + uint64(len(buf)/h.bs) - 1); err != nil {
		return err
	}
	for len(buf) > 0 {
		n := min(h.bpp-first%h.bpp, uint64(len(buf)/h.bs))
		if err := h.writeThrough(first, buf[:n*uint64(h.bs)]); err != nil {
			return err
		}
		first += n
		buf = buf[n*uint64(h.bs):]
	}
	return nil
}

// writeThrough writes blocks that lie in a single page. The page keeps its
// dirty state: the blocks written match the volume afterwards, and other
// blocks of the page are as dirty as they were.
func (h *Handle) writeThrough(first uint64, buf []byte) error {
	p, err := h.cache.getPage(h, first-first%h.bpp)
	if err != nil {
		return err
	}
	defer h.cache.putPage(p)

	p.lock.Lock()
	defer p.lock.Unlock()
	ofs := int(first-p.key.first) * h.bs
	span := p.data[ofs : ofs+len(buf)]
	saved := bytes.Clone(span)
	copy(span, buf)
	if err := h.vol.WriteBlocks(first, buf); err != nil {
		copy(span, saved)
		return err
	}
	return nil
}

// overlay calls fn with the overlapping byte ranges of page p and buf, which
// starts at block first. The page range is passed first.
func overlay(h *Handle, p *page, first uint64, buf []byte, fn func(a, b []byte)) {
	bufEnd := first + uint64(len(buf)/h.bs)
	lo := max(first, p.key.first)
	hi := min(bufEnd, p.key.first+h.bpp)
	if lo >= hi {
		return
	}
	pOfs := int(lo-p.key.first) * h.bs
	bOfs := int(lo-first) * h.bs
	n := int(hi-lo) * h.bs
	fn(p.data[pOfs:pOfs+n], buf[bOfs:bOfs+n])
}

// BlockRef is a read-locked reference to a cached page. The page cannot be
// modified or evicted until Release is called.
type BlockRef struct {
	h *Handle
	p *page
}

// GetBlock returns the page containing block, read-locked.
func (h *Handle) GetBlock(block uint64) (*BlockRef, error) {
	if err := h.checkBlock(block); err != nil {
		return nil, err
	}
	p, err := h.cache.getPage(h, block-block%h.bpp)
	if err != nil {
		return nil, err
	}
	p.lock.RLock()
	return &BlockRef{h, p}, nil
}

// First is the device block at which the page starts.
func (r *BlockRef) First() uint64 {
	return r.p.key.first
}

// Data is the whole page. It must not be modified.
func (r *BlockRef) Data() []byte {
	return r.p.data
}

// Block returns the bytes of one device block within the page.
func (r *BlockRef) Block(block uint64) []byte {
	if block < r.p.key.first || block >= r.p.key.first+r.h.bpp {
		panic("bcache: block outside of referenced page")
	}
	ofs := int(block-r.p.key.first) * r.h.bs
	return r.p.data[ofs : ofs+r.h.bs]
}

func (r *BlockRef) Release() {
	if r.p == nil {
		panic("bcache: BlockRef released twice")
	}
	p := r.p
	r.p = nil
	p.lock.RUnlock()
	r.h.cache.putPage(p)
}

// ReadInner copies out of the cached copy of block, starting offset bytes
// into the block.
func (h *Handle) ReadInner(block uint64, offset int, dst []byte) error {
	if offset < 0 || offset+len(dst) > h.bs {
		return errors.Wrapf(common.ErrInvalidParameter, "read of %d bytes at %d overruns block", len(dst), offset)
	}
	ref, err := h.GetBlock(block)
	if err != nil {
		return err
	}
	defer ref.Release()
	copy(dst, ref.Block(block)[offset:])
	return nil
}

// WriteInner modifies the cached copy of block in place and marks it dirty.
// The change reaches the volume on the next Flush or eviction.
func (h *Handle) WriteInner(block uint64, offset int, src []byte) error {
	if offset < 0 || offset+len(src) > h.bs {
		return errors.Wrapf(common.ErrInvalidParameter, "write of %d bytes at %d overruns block", len(src), offset)
	}
	if err := h.checkBlock(block); err != nil {
		return err
	}
	p, err := h.cache.getPage(h, block-block%h.bpp)
	if err != nil {
		return err
	}
	defer h.cache.putPage(p)

	p.lock.Lock()
	defer p.lock.Unlock()
	ofs := int(block-p.key.first)*h.bs + offset
	if !bytes.Equal(p.data[ofs:ofs+len(src)], src) {
		copy(p.data[ofs:], src)
		p.dirty.Store(true)
	}
	return nil
}

// Edit write-locks the page holding blocks [first, first+count) and passes
// that span to fn. If fn succeeds the page is written back before Edit
// returns; if it fails the span is restored and nothing is marked dirty.
func (h *Handle) Edit(first uint64, count int, fn func(data []byte) error) error {
	if count <= 0 || first%h.bpp+uint64(count) > h.bpp {
		return errors.Wrapf(common.ErrInvalidParameter, "edit of %d blocks at %d crosses a page", count, first)
	}
	if err := h.checkBlock(first + uint64(count) - 1); err != nil {
		return err
	}
	p, err := h.cache.getPage(h, first-first%h.bpp)
	if err != nil {
		return err
	}
	defer h.cache.putPage(p)

	p.lock.Lock()
	defer p.lock.Unlock()
	ofs := int(first-p.key.first) * h.bs
	span := p.data[ofs : ofs+count*h.bs]
	saved := bytes.Clone(span)
	if err := fn(span); err != nil {
		copy(span, saved)
		return err
	}
	if bytes.Equal(span, saved) && !p.dirty.Load() {
		return nil
	}
	p.dirty.Store(true)
	if err := p.writeback(); err != nil {
		return err
	}
	h.cache.metrics.writebacks.Inc()
	return nil
}

// Flush writes every dirty page of the volume back. A page whose write fails
// stays dirty; the first error is returned after all pages were tried.
func (h *Handle) Flush() error {
	var firstErr error
	for _, p := range h.cache.dirty(h) {
		p.lock.RLock()
		if p.dirty.Load() {
			if err := p.writeback(); err != nil {
				h.cache.log.Warn("flush failed", "volume", h.vol.Name(), "block", p.key.first, "error", err)
				if firstErr == nil {
					firstErr = err
				}
			} else {
				h.cache.metrics.writebacks.Inc()
			}
		}
		p.lock.RUnlock()
		h.cache.putPage(p)
	}
	return firstErr
}

// Detach writes back and drops all pages of the volume. It fails with
// ErrLocked while any page is referenced.
func (h *Handle) Detach() error {
	return h.cache.detach(h)
}
