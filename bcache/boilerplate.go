package bcache

type req_BlockCache_Attach struct {
	h *Handle
}
type res_BlockCache_Attach struct {
	Arg0 error
}
type req_BlockCache_Detach struct {
	h *Handle
}
type res_BlockCache_Detach struct {
	Arg0 error
}
type req_BlockCache_GetPage struct {
	h     *Handle
	first uint64
}
type res_BlockCache_GetPage struct {
	Arg0 *page
	Arg1 error
}
type req_BlockCache_PutPage struct {
	p *page
}
type res_BlockCache_PutPage struct{}
type req_BlockCache_LoadDone struct {
	p    *page
	data []byte
	err  error
}
type req_BlockCache_Peek struct {
	h           *Handle
	first, last uint64
}
type res_BlockCache_Peek struct {
	Arg0 []*page
}
type req_BlockCache_Dirty struct {
	h *Handle
}
type res_BlockCache_Dirty struct {
	Arg0 []*page
}
type req_BlockCache_Stats struct{}
type res_BlockCache_Stats struct {
	Arg0 Stats
}
type req_BlockCache_Shutdown struct{}
type res_BlockCache_Shutdown struct {
	Arg0 error
}
type res_BlockCache_Async struct {
	ch chan resBlockCache
}

// Interface types and implementations
type reqBlockCache interface {
	is_reqBlockCache()
}
type resBlockCache interface {
	is_resBlockCache()
}

func (r req_BlockCache_Attach) is_reqBlockCache()   {}
func (r res_BlockCache_Attach) is_resBlockCache()   {}
func (r req_BlockCache_Detach) is_reqBlockCache()   {}
func (r res_BlockCache_Detach) is_resBlockCache()   {}
func (r req_BlockCache_GetPage) is_reqBlockCache()  {}
func (r res_BlockCache_GetPage) is_resBlockCache()  {}
func (r req_BlockCache_PutPage) is_reqBlockCache()  {}
func (r res_BlockCache_PutPage) is_resBlockCache()  {}
func (r req_BlockCache_LoadDone) is_reqBlockCache() {}
func (r req_BlockCache_Peek) is_reqBlockCache()     {}
func (r res_BlockCache_Peek) is_resBlockCache()     {}
func (r req_BlockCache_Dirty) is_reqBlockCache()    {}
func (r res_BlockCache_Dirty) is_resBlockCache()    {}
func (r req_BlockCache_Stats) is_reqBlockCache()    {}
func (r res_BlockCache_Stats) is_resBlockCache()    {}
func (r req_BlockCache_Shutdown) is_reqBlockCache() {}
func (r res_BlockCache_Shutdown) is_resBlockCache() {}
func (r res_BlockCache_Async) is_resBlockCache()    {}

// Type check request/response types
var _ reqBlockCache = req_BlockCache_Attach{}
var _ resBlockCache = res_BlockCache_Attach{}
var _ reqBlockCache = req_BlockCache_Detach{}
var _ resBlockCache = res_BlockCache_Detach{}
var _ reqBlockCache = req_BlockCache_GetPage{}
var _ resBlockCache = res_BlockCache_GetPage{}
var _ reqBlockCache = req_BlockCache_PutPage{}
var _ resBlockCache = res_BlockCache_PutPage{}
var _ reqBlockCache = req_BlockCache_LoadDone{}
var _ reqBlockCache = req_BlockCache_Peek{}
var _ resBlockCache = res_BlockCache_Peek{}
var _ reqBlockCache = req_BlockCache_Dirty{}
var _ resBlockCache = res_BlockCache_Dirty{}
var _ reqBlockCache = req_BlockCache_Stats{}
var _ resBlockCache = res_BlockCache_Stats{}
var _ reqBlockCache = req_BlockCache_Shutdown{}
var _ resBlockCache = res_BlockCache_Shutdown{}
var _ resBlockCache = res_BlockCache_Async{}

func (c *Cache) attach(h *Handle) error {
	c.in <- req_BlockCache_Attach{h}
	result := (<-c.out).(res_BlockCache_Attach)
	return result.Arg0
}
func (c *Cache) detach(h *Handle) error {
	c.in <- req_BlockCache_Detach{h}
	result := (<-c.out).(res_BlockCache_Detach)
	return result.Arg0
}

// getPage pins the page starting at first. The page is not locked.
func (c *Cache) getPage(h *Handle, first uint64) (*page, error) {
	c.in <- req_BlockCache_GetPage{h, first}
	ares := (<-c.out).(res_BlockCache_Async)
	result := (<-ares.ch).(res_BlockCache_GetPage)
	return result.Arg0, result.Arg1
}
func (c *Cache) putPage(p *page) {
	c.in <- req_BlockCache_PutPage{p}
	<-c.out
}
func (c *Cache) loadDone(p *page, data []byte, err error) {
	c.in <- req_BlockCache_LoadDone{p, data, err}
}

// peek pins the loaded pages of h overlapping blocks [first, last), in
// ascending order.
func (c *Cache) peek(h *Handle, first, last uint64) []*page {
	c.in <- req_BlockCache_Peek{h, first, last}
	result := (<-c.out).(res_BlockCache_Peek)
	return result.Arg0
}

// dirty pins every dirty page of h.
func (c *Cache) dirty(h *Handle) []*page {
	c.in <- req_BlockCache_Dirty{h}
	result := (<-c.out).(res_BlockCache_Dirty)
	return result.Arg0
}
func (c *Cache) Stats() Stats {
	c.in <- req_BlockCache_Stats{}
	result := (<-c.out).(res_BlockCache_Stats)
	return result.Arg0
}

// Shutdown stops the cache server. It fails with ErrLocked while volumes are
// still attached.
func (c *Cache) Shutdown() error {
	c.in <- req_BlockCache_Shutdown{}
	result := (<-c.out).(res_BlockCache_Shutdown)
	return result.Arg0
}
