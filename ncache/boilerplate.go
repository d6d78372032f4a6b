package ncache

import "github.com/thepowersgang/vfs/common"

type req_NodeCache_Get struct {
	key key
}
type res_NodeCache_Get struct {
	Arg0 *entry
	Arg1 error
}
type req_NodeCache_LoadDone struct {
	e    *entry
	node *common.Node
	err  error
}
type req_NodeCache_Dup struct {
	e *entry
}
type res_NodeCache_Dup struct{}
type req_NodeCache_Put struct {
	e *entry
}
type res_NodeCache_Put struct {
	Arg0 bool // the last reference went away
}
type req_NodeCache_Claim struct {
	e *entry
}
type res_NodeCache_Claim struct {
	Arg0 bool // the caller may ask the driver to drop the node
}
type req_NodeCache_Idle struct {
	e    *entry
	drop bool
}
type res_NodeCache_Idle struct{}
type req_NodeCache_RefCount struct {
	key key
}
type res_NodeCache_RefCount struct {
	Arg0 int
}
type req_NodeCache_Busy struct {
	mount common.MountId
}
type res_NodeCache_Busy struct {
	Arg0 int
}
type req_NodeCache_Live struct {
	mount common.MountId
}
type res_NodeCache_Live struct {
	Arg0 []*entry
}
type req_NodeCache_Purge struct {
	mount common.MountId
}
type res_NodeCache_Purge struct {
	Arg0 error
}
type req_NodeCache_Len struct{}
type res_NodeCache_Len struct {
	Arg0 int
}
type req_NodeCache_Shutdown struct{}
type res_NodeCache_Shutdown struct {
	Arg0 error
}
type res_NodeCache_Async struct {
	ch chan resNodeCache
}

// Interface types and implementations
type reqNodeCache interface {
	is_reqNodeCache()
}
type resNodeCache interface {
	is_resNodeCache()
}

func (r req_NodeCache_Get) is_reqNodeCache()      {}
func (r res_NodeCache_Get) is_resNodeCache()      {}
func (r req_NodeCache_LoadDone) is_reqNodeCache() {}
func (r req_NodeCache_Dup) is_reqNodeCache()      {}
func (r res_NodeCache_Dup) is_resNodeCache()      {}
func (r req_NodeCache_Put) is_reqNodeCache()      {}
func (r res_NodeCache_Put) is_resNodeCache()      {}
func (r req_NodeCache_Claim) is_reqNodeCache()    {}
func (r res_NodeCache_Claim) is_resNodeCache()    {}
func (r req_NodeCache_Idle) is_reqNodeCache()     {}
func (r res_NodeCache_Idle) is_resNodeCache()     {}
func (r req_NodeCache_RefCount) is_reqNodeCache() {}
func (r res_NodeCache_RefCount) is_resNodeCache() {}
func (r req_NodeCache_Busy) is_reqNodeCache()     {}
func (r res_NodeCache_Busy) is_resNodeCache()     {}
func (r req_NodeCache_Live) is_reqNodeCache()     {}
func (r res_NodeCache_Live) is_resNodeCache()     {}
func (r req_NodeCache_Purge) is_reqNodeCache()    {}
func (r res_NodeCache_Purge) is_resNodeCache()    {}
func (r req_NodeCache_Len) is_reqNodeCache()      {}
func (r res_NodeCache_Len) is_resNodeCache()      {}
func (r req_NodeCache_Shutdown) is_reqNodeCache() {}
func (r res_NodeCache_Shutdown) is_resNodeCache() {}
func (r res_NodeCache_Async) is_resNodeCache()    {}

// Type check request/response types
var _ reqNodeCache = req_NodeCache_Get{}
var _ resNodeCache = res_NodeCache_Get{}
var _ reqNodeCache = req_NodeCache_LoadDone{}
var _ reqNodeCache = req_NodeCache_Dup{}
var _ resNodeCache = res_NodeCache_Dup{}
var _ reqNodeCache = req_NodeCache_Put{}
var _ resNodeCache = res_NodeCache_Put{}
var _ reqNodeCache = req_NodeCache_Claim{}
var _ resNodeCache = res_NodeCache_Claim{}
var _ reqNodeCache = req_NodeCache_Idle{}
var _ resNodeCache = res_NodeCache_Idle{}
var _ reqNodeCache = req_NodeCache_RefCount{}
var _ resNodeCache = res_NodeCache_RefCount{}
var _ reqNodeCache = req_NodeCache_Busy{}
var _ resNodeCache = res_NodeCache_Busy{}
var _ reqNodeCache = req_NodeCache_Live{}
var _ resNodeCache = res_NodeCache_Live{}
var _ reqNodeCache = req_NodeCache_Purge{}
var _ resNodeCache = res_NodeCache_Purge{}
var _ reqNodeCache = req_NodeCache_Len{}
var _ resNodeCache = res_NodeCache_Len{}
var _ reqNodeCache = req_NodeCache_Shutdown{}
var _ resNodeCache = res_NodeCache_Shutdown{}
var _ resNodeCache = res_NodeCache_Async{}

func (c *Cache) get(k key) (*entry, error) {
	c.in <- req_NodeCache_Get{k}
	ares := (<-c.out).(res_NodeCache_Async)
	result := (<-ares.ch).(res_NodeCache_Get)
	return result.Arg0, result.Arg1
}
func (c *Cache) loadDone(e *entry, node *common.Node, err error) {
	c.in <- req_NodeCache_LoadDone{e, node, err}
}
func (c *Cache) dup(e *entry) {
	c.in <- req_NodeCache_Dup{e}
	<-c.out
}
func (c *Cache) put(e *entry) bool {
	c.in <- req_NodeCache_Put{e}
	result := (<-c.out).(res_NodeCache_Put)
	return result.Arg0
}
// claim marks an unreferenced entry as being dropped. Requests for it wait
// until idle is called.
func (c *Cache) claim(e *entry) bool {
	c.in <- req_NodeCache_Claim{e}
	result := (<-c.out).(res_NodeCache_Claim)
	return result.Arg0
}
func (c *Cache) idle(e *entry, drop bool) {
	c.in <- req_NodeCache_Idle{e, drop}
	<-c.out
}

// RefCount returns the number of live handles to a node, or zero if the node
// is not cached.
func (c *Cache) RefCount(mount common.MountId, inode common.InodeId) int {
	c.in <- req_NodeCache_RefCount{key{mount, inode}}
	result := (<-c.out).(res_NodeCache_RefCount)
	return result.Arg0
}

// Busy returns the number of live handles to nodes of a mount.
func (c *Cache) Busy(mount common.MountId) int {
	c.in <- req_NodeCache_Busy{mount}
	result := (<-c.out).(res_NodeCache_Busy)
	return result.Arg0
}
func (c *Cache) live(mount common.MountId) []*entry {
	c.in <- req_NodeCache_Live{mount}
	result := (<-c.out).(res_NodeCache_Live)
	return result.Arg0
}

// Purge drops every cached node of a mount. It fails with ErrLocked while
// any of them is referenced.
func (c *Cache) Purge(mount common.MountId) error {
	c.in <- req_NodeCache_Purge{mount}
	result := (<-c.out).(res_NodeCache_Purge)
	return result.Arg0
}

// Len is the number of cached nodes, referenced or idle.
func (c *Cache) Len() int {
	c.in <- req_NodeCache_Len{}
	result := (<-c.out).(res_NodeCache_Len)
	return result.Arg0
}
func (c *Cache) Shutdown() error {
	c.in <- req_NodeCache_Shutdown{}
	result := (<-c.out).(res_NodeCache_Shutdown)
	return result.Arg0
}
