// Package bcache memoizes page-sized regions of attached volumes. A single
// server goroutine owns the page registry and the idle LRU chain; page
// contents are guarded by a per-page RW lock taken by the clients, so that
// the server never blocks on a lock held by a client.
package bcache

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thepowersgang/vfs/common"
)

type pageKey struct {
	vol   uint32
	first uint64 // device block, a multiple of blocks-per-page
}

// A cached page. The fields below lock are owned by the server loop.
type page struct {
	key  pageKey
	h    *Handle
	lock sync.RWMutex // guards data
	data []byte

	dirty atomic.Bool

	count   int                  // number of pins held by clients
	loaded  bool                 // data has been read from the volume
	atime   uint64               // cache tick of the last pin
	next    *page                // idle chain, towards the rear
	prev    *page                // idle chain, towards the front
	waiting []chan resBlockCache // get requests waiting for the load
}

// validLen is the number of page bytes backed by the volume. Only the final
// page of a volume can be short.
func (p *page) validLen() int {
	h := p.h
	n := h.bpp
	if rem := h.vol.Capacity() - p.key.first; rem < n {
		n = rem
	}
	return int(n) * h.bs
}

// writeback writes the valid part of the page to the volume and clears the
// dirty flag on success. The caller holds at least the read lock, or owns
// the page outright.
func (p *page) writeback() error {
	if err := p.h.vol.WriteBlocks(p.key.first, p.data[:p.validLen()]); err != nil {
		return err
	}
	p.dirty.Store(false)
	return nil
}

type Stats struct {
	Pages int
	Idle  int
	Dirty int
}

type Cache struct {
	capacity int

	pages   map[pageKey]*page
	handles map[uint32]*Handle
	nextVol uint32
	front   *page // least recently used idle page
	rear    *page // most recently used idle page
	nidle   int
	tick    uint64

	in  chan reqBlockCache
	out chan resBlockCache

	metrics *metrics
	log     logger
}

// NewCache starts a block cache server. The page count in cfg is a soft
// limit: when every page is pinned the cache grows rather than failing.
// Metrics are registered with reg when it is non-nil.
func NewCache(cfg common.BlockCacheConfig, reg prometheus.Registerer) *Cache {
	capacity := cfg.Pages
	if capacity <= 0 {
		capacity = common.NR_PAGES
	}
	c := &Cache{
		capacity: capacity,
		pages:    make(map[pageKey]*page),
		handles:  make(map[uint32]*Handle),
		nextVol:  1,
		in:       make(chan reqBlockCache),
		out:      make(chan resBlockCache),
		metrics:  newMetrics(reg),
		log:      common.GetLogger().With("component", "bcache"),
	}

	go c.loop()
	return c
}

type logger interface {
	Debug(msg string, fields ...any)
	Warn(msg string, fields ...any)
}

func (c *Cache) loop() {
	alive := true
	for alive {
		req := <-c.in
		switch req := req.(type) {
		case req_BlockCache_Attach:
			req.h.id = c.nextVol
			c.nextVol++
			c.handles[req.h.id] = req.h
			c.out <- res_BlockCache_Attach{nil}
		case req_BlockCache_Detach:
			c.out <- res_BlockCache_Detach{c.detach_(req.h)}
		case req_BlockCache_GetPage:
			callback := make(chan resBlockCache, 1)
			c.out <- res_BlockCache_Async{callback}

			if c.handles[req.h.id] != req.h {
				callback <- res_BlockCache_GetPage{nil, errors.Wrap(common.ErrInvalidParameter, "volume not attached")}
				continue
			}

			key := pageKey{req.h.id, req.first}
			if p, ok := c.pages[key]; ok {
				c.pin(p)
				if !p.loaded {
					// being loaded asynchronously, join the waiting list
					p.waiting = append(p.waiting, callback)
				} else {
					c.metrics.hits.Inc()
					callback <- res_BlockCache_GetPage{p, nil}
				}
				continue
			}

			// Miss. Make room if we can, then load asynchronously so that
			// requests for other pages are not held up behind the read.
			c.metrics.misses.Inc()
			c.trim(c.capacity - 1)
			p := &page{key: key, h: req.h, count: 1, atime: c.tick}
			p.waiting = append(p.waiting, callback)
			c.pages[key] = p
			go func() {
				data := make([]byte, common.PAGE_SIZE)
				err := p.h.vol.ReadBlocks(p.key.first, data[:p.validLen()])
				c.loadDone(p, data, err)
			}()
		case req_BlockCache_LoadDone:
			p := req.p
			if req.err != nil {
				c.log.Warn("page load failed", "volume", p.h.vol.Name(), "block", p.key.first, "error", req.err)
				delete(c.pages, p.key)
				for _, callback := range p.waiting {
					callback <- res_BlockCache_GetPage{nil, req.err}
				}
				p.waiting = nil
				continue
			}
			p.data = req.data
			p.loaded = true
			for _, callback := range p.waiting {
				callback <- res_BlockCache_GetPage{p, nil}
			}
			p.waiting = nil
		case req_BlockCache_PutPage:
			c.unpin(req.p)
			c.trim(c.capacity)
			c.out <- res_BlockCache_PutPage{}
		case req_BlockCache_Peek:
			var found []*page
			h := req.h
			for first := req.first - req.first%h.bpp; first < req.last; first += h.bpp {
				p, ok := c.pages[pageKey{h.id, first}]
				if !ok || !p.loaded {
					continue
				}
				c.pin(p)
				found = append(found, p)
			}
			c.out <- res_BlockCache_Peek{found}
		case req_BlockCache_Dirty:
			var found []*page
			for _, p := range c.pages {
				if p.h == req.h && p.loaded && p.dirty.Load() {
					c.pin(p)
					found = append(found, p)
				}
			}
			c.out <- res_BlockCache_Dirty{found}
		case req_BlockCache_Stats:
			st := Stats{Pages: len(c.pages), Idle: c.nidle}
			for _, p := range c.pages {
				if p.dirty.Load() {
					st.Dirty++
				}
			}
			c.out <- res_BlockCache_Stats{st}
		case req_BlockCache_Shutdown:
			if len(c.handles) > 0 {
				c.out <- res_BlockCache_Shutdown{errors.Wrapf(common.ErrLocked, "%d volumes attached", len(c.handles))}
				continue
			}
			c.out <- res_BlockCache_Shutdown{nil}
			alive = false
		}
	}
}

// pin takes a client reference on p, removing it from the idle chain.
func (c *Cache) pin(p *page) {
	if p.count == 0 && p.loaded {
		c.rm_lru(p)
	}
	p.count++
	c.tick++
	p.atime = c.tick
}

func (c *Cache) unpin(p *page) {
	p.count--
	if p.count > 0 {
		return
	}
	if p.count < 0 {
		panic("bcache: page released more often than pinned")
	}

	// Put the page on the rear of the idle chain, it will be the last
	// candidate for eviction.
	p.prev = c.rear
	p.next = nil
	if c.rear == nil {
		c.front = p
	} else {
		c.rear.next = p
	}
	c.rear = p
	c.nidle++
}

// trim evicts idle pages, oldest first, until at most limit pages remain.
// A dirty page is written back before it is dropped; if that fails the page
// stays cached and trimming stops.
func (c *Cache) trim(limit int) {
	for len(c.pages) > limit && c.front != nil {
		p := c.front
		if p.dirty.Load() {
			// Idle pages have no lock holders, so the loop may write them.
			if err := p.writeback(); err != nil {
				c.log.Warn("eviction writeback failed", "volume", p.h.vol.Name(), "block", p.key.first, "error", err)
				return
			}
			c.metrics.writebacks.Inc()
		}
		c.rm_lru(p)
		delete(c.pages, p.key)
		c.metrics.evictions.Inc()
	}
}

func (c *Cache) detach_(h *Handle) error {
	if c.handles[h.id] != h {
		return errors.Wrap(common.ErrInvalidParameter, "volume not attached")
	}
	var mine []*page
	for _, p := range c.pages {
		if p.h != h {
			continue
		}
		if p.count > 0 {
			return errors.Wrapf(common.ErrLocked, "page %d of %s is in use", p.key.first, h.vol.Name())
		}
		mine = append(mine, p)
	}
	for _, p := range mine {
		if p.dirty.Load() {
			if err := p.writeback(); err != nil {
				return err
			}
			c.metrics.writebacks.Inc()
		}
	}
	for _, p := range mine {
		c.rm_lru(p)
		delete(c.pages, p.key)
	}
	delete(c.handles, h.id)
	return nil
}

// Remove a page from the idle chain
func (c *Cache) rm_lru(p *page) {
	nextp := p.next
	prevp := p.prev
	if prevp != nil {
		prevp.next = nextp
	} else {
		c.front = nextp
	}

	if nextp != nil {
		nextp.prev = prevp
	} else {
		c.rear = prevp
	}
	p.next = nil
	p.prev = nil
	c.nidle--
}
