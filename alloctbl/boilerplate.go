package alloctbl

// NO_ORIGIN asks the table to continue from where the previous allocation
// of the same map left off.
const NO_ORIGIN = ^uint64(0)

//////////////////////////////////////////////////////////////////////////////
// Interface and message types
//////////////////////////////////////////////////////////////////////////////

type reqAllocTbl interface {
	is_reqAllocTbl()
}

type resAllocTbl interface {
	is_resAllocTbl()
}

// Request types
type req_AllocTbl_Alloc struct {
	which  Map
	origin uint64
}
type req_AllocTbl_Free struct {
	which Map
	bit   uint64
}
type req_AllocTbl_Shutdown struct{}

// Response types
type res_AllocTbl_Alloc struct {
	bit uint64
	err error
}
type res_AllocTbl_Free struct {
	err error
}
type res_AllocTbl_Shutdown struct {
	err error
}

// For type-checking
func (r req_AllocTbl_Alloc) is_reqAllocTbl()    {}
func (r req_AllocTbl_Free) is_reqAllocTbl()     {}
func (r req_AllocTbl_Shutdown) is_reqAllocTbl() {}

func (r res_AllocTbl_Alloc) is_resAllocTbl()    {}
func (r res_AllocTbl_Free) is_resAllocTbl()     {}
func (r res_AllocTbl_Shutdown) is_resAllocTbl() {}

// Check interface implementation
var _ reqAllocTbl = req_AllocTbl_Alloc{}
var _ reqAllocTbl = req_AllocTbl_Free{}
var _ reqAllocTbl = req_AllocTbl_Shutdown{}

var _ resAllocTbl = res_AllocTbl_Alloc{}
var _ resAllocTbl = res_AllocTbl_Free{}
var _ resAllocTbl = res_AllocTbl_Shutdown{}

//////////////////////////////////////////////////////////////////////////////
// Client methods
//////////////////////////////////////////////////////////////////////////////

// AllocBit marks a free bit of the given map as used and returns its number.
// The search starts at origin, or at the last allocation for NO_ORIGIN.
func (alloc *AllocTbl) AllocBit(which Map, origin uint64) (uint64, error) {
	alloc.in <- req_AllocTbl_Alloc{which, origin}
	res := (<-alloc.out).(res_AllocTbl_Alloc)
	return res.bit, res.err
}

func (alloc *AllocTbl) FreeBit(which Map, bit uint64) error {
	alloc.in <- req_AllocTbl_Free{which, bit}
	res := (<-alloc.out).(res_AllocTbl_Free)
	return res.err
}

func (alloc *AllocTbl) Shutdown() error {
	alloc.in <- req_AllocTbl_Shutdown{}
	res := (<-alloc.out).(res_AllocTbl_Shutdown)
	return res.err
}
