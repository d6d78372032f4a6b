// Package ncache holds at most one in-memory node per (mount, inode). The
// server goroutine owns the entry map and the idle chain; drivers are only
// ever called from client goroutines.
package ncache

import (
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/thepowersgang/vfs/common"
)

// Mounts resolves a mount id to its filesystem.
type Mounts interface {
	Filesystem(id common.MountId) (common.Filesystem, error)
}

type key struct {
	mount common.MountId
	inode common.InodeId
}

type entry struct {
	key       key
	node      *common.Node // immutable once loaded
	mountHere atomic.Uint32

	locks   fileLocks
	appendM sync.Mutex

	// owned by the server loop
	count    int
	loaded   bool
	idle     bool
	dropping bool // claimed by a release that is asking the driver
	next    *entry
	prev    *entry
	waiting []chan resNodeCache
}

type Cache struct {
	mounts   Mounts
	capacity int

	entries map[key]*entry
	front   *entry // least recently released idle entry
	rear    *entry
	nidle   int

	in  chan reqNodeCache
	out chan resNodeCache

	metrics *metrics
}

// NewCache starts a node cache server. Up to cfg.Capacity unreferenced nodes
// are retained; referenced nodes never count against it.
func NewCache(mounts Mounts, cfg common.NodeCacheConfig, reg prometheus.Registerer) *Cache {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = common.NR_IDLE_NODE
	}
	c := &Cache{
		mounts:   mounts,
		capacity: capacity,
		entries:  make(map[key]*entry),
		in:       make(chan reqNodeCache),
		out:      make(chan resNodeCache),
		metrics:  newMetrics(reg),
	}

	go c.loop()
	return c
}

func (c *Cache) loop() {
	alive := true
	for alive {
		req := <-c.in
		switch req := req.(type) {
		case req_NodeCache_Get:
			callback := make(chan resNodeCache, 1)
			c.out <- res_NodeCache_Async{callback}

			if e, ok := c.entries[req.key]; ok {
				if e.idle {
					c.rm_lru(e)
				}
				e.count++
				if e.loaded && !e.dropping {
					callback <- res_NodeCache_Get{e, nil}
				} else {
					e.waiting = append(e.waiting, callback)
				}
				continue
			}

			e := &entry{key: req.key, count: 1}
			e.waiting = append(e.waiting, callback)
			c.load(e)
		case req_NodeCache_LoadDone:
			e := req.e
			if req.err != nil {
				delete(c.entries, e.key)
				c.metrics.entries.Set(float64(len(c.entries)))
				for _, callback := range e.waiting {
					callback <- res_NodeCache_Get{nil, req.err}
				}
				e.waiting = nil
				continue
			}
			e.node = req.node
			e.loaded = true
			for _, callback := range e.waiting {
				callback <- res_NodeCache_Get{e, nil}
			}
			e.waiting = nil
		case req_NodeCache_Dup:
			req.e.count++
			c.out <- res_NodeCache_Dup{}
		case req_NodeCache_Put:
			e := req.e
			e.count--
			if e.count < 0 {
				panic("ncache: node released more often than referenced")
			}
			c.out <- res_NodeCache_Put{e.count == 0}
		case req_NodeCache_Claim:
			e := req.e
			ok := e.count == 0 && !e.idle && !e.dropping && c.entries[e.key] == e
			if ok {
				e.dropping = true
			}
			c.out <- res_NodeCache_Claim{ok}
		case req_NodeCache_Idle:
			e := req.e
			if e.dropping {
				c.dropped(e, req.drop)
				c.out <- res_NodeCache_Idle{}
				continue
			}
			// The entry may have been picked up again while its node was
			// being flushed.
			if e.count == 0 && !e.idle && c.entries[e.key] == e {
				if req.drop {
					delete(c.entries, e.key)
				} else {
					c.push_lru(e)
				}
				c.trim()
				c.metrics.entries.Set(float64(len(c.entries)))
			}
			c.out <- res_NodeCache_Idle{}
		case req_NodeCache_RefCount:
			count := 0
			if e, ok := c.entries[req.key]; ok {
				count = e.count
			}
			c.out <- res_NodeCache_RefCount{count}
		case req_NodeCache_Busy:
			count := 0
			for k, e := range c.entries {
				if k.mount == req.mount {
					count += e.count
					if e.dropping {
						count++
					}
				}
			}
			c.out <- res_NodeCache_Busy{count}
		case req_NodeCache_Live:
			var live []*entry
			for k, e := range c.entries {
				if k.mount == req.mount && e.loaded && !e.dropping {
					if e.idle {
						c.rm_lru(e)
					}
					e.count++
					live = append(live, e)
				}
			}
			c.out <- res_NodeCache_Live{live}
		case req_NodeCache_Purge:
			var err error
			for k, e := range c.entries {
				if k.mount == req.mount && (e.count > 0 || e.dropping) {
					err = errors.Wrapf(common.ErrLocked, "inode %d of mount %d is referenced", k.inode, k.mount)
					break
				}
			}
			if err == nil {
				for k, e := range c.entries {
					if k.mount == req.mount {
						if e.idle {
							c.rm_lru(e)
						}
						delete(c.entries, k)
					}
				}
				c.metrics.entries.Set(float64(len(c.entries)))
			}
			c.out <- res_NodeCache_Purge{err}
		case req_NodeCache_Len:
			c.out <- res_NodeCache_Len{len(c.entries)}
		case req_NodeCache_Shutdown:
			busy := 0
			for _, e := range c.entries {
				busy += e.count
				if e.dropping {
					busy++
				}
			}
			if busy > 0 {
				c.out <- res_NodeCache_Shutdown{errors.Wrapf(common.ErrLocked, "%d node references outstanding", busy)}
				continue
			}
			c.out <- res_NodeCache_Shutdown{nil}
			alive = false
		}
	}
}

// load enters e in the map and asks the driver for its node asynchronously,
// so that concurrent requests join e's waiting list.
func (c *Cache) load(e *entry) {
	c.entries[e.key] = e
	c.metrics.loads.Inc()
	c.metrics.entries.Set(float64(len(c.entries)))
	go func() {
		node, err := c.loadNode(e.key)
		c.loadDone(e, node, err)
	}()
}

// dropped ends the claim on e. Requests that arrived meanwhile get e back if
// the driver kept the node, or a fresh load of the inode if it did not.
func (c *Cache) dropped(e *entry, drop bool) {
	e.dropping = false
	waiting := e.waiting
	e.waiting = nil
	if drop {
		delete(c.entries, e.key)
		c.metrics.entries.Set(float64(len(c.entries)))
		if len(waiting) > 0 {
			c.load(&entry{key: e.key, count: e.count, waiting: waiting})
		}
		return
	}
	for _, callback := range waiting {
		callback <- res_NodeCache_Get{e, nil}
	}
	if e.count == 0 {
		c.push_lru(e)
		c.trim()
	}
}

func (c *Cache) loadNode(k key) (*common.Node, error) {
	fs, err := c.mounts.Filesystem(k.mount)
	if err != nil {
		return nil, err
	}
	node, err := fs.GetNode(k.inode)
	if err != nil {
		return nil, err
	}
	if node == nil {
		return nil, errors.Wrapf(common.ErrNotFound, "inode %d", k.inode)
	}
	return node, nil
}

// trim drops idle entries, oldest first, beyond the retention capacity.
func (c *Cache) trim() {
	for c.nidle > c.capacity {
		e := c.front
		c.rm_lru(e)
		delete(c.entries, e.key)
	}
}

func (c *Cache) push_lru(e *entry) {
	e.prev = c.rear
	e.next = nil
	if c.rear == nil {
		c.front = e
	} else {
		c.rear.next = e
	}
	c.rear = e
	e.idle = true
	c.nidle++
}

func (c *Cache) rm_lru(e *entry) {
	nextp := e.next
	prevp := e.prev
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
	e.next = nil
	e.prev = nil
	e.idle = false
	c.nidle--
}
