package fs

import "github.com/thepowersgang/vfs/common"

type req_VFS_Mount struct {
	path   string
	vol    common.Volume
	driver string
	opts   mountOptions
}
type res_VFS_Mount struct {
	Arg0 common.MountId
	Arg1 error
}
type req_VFS_Unmount struct {
	path string
}
type res_VFS_Unmount struct {
	Arg0 error
}
type req_VFS_Sync struct{}
type res_VFS_Sync struct {
	Arg0 error
}
type req_VFS_Shutdown struct{}
type res_VFS_Shutdown struct {
	Arg0 error
}

type reqVFS interface {
	is_reqVFS()
}
type resVFS interface {
	is_resVFS()
}

func (r req_VFS_Mount) is_reqVFS()    {}
func (r res_VFS_Mount) is_resVFS()    {}
func (r req_VFS_Unmount) is_reqVFS()  {}
func (r res_VFS_Unmount) is_resVFS()  {}
func (r req_VFS_Sync) is_reqVFS()     {}
func (r res_VFS_Sync) is_resVFS()     {}
func (r req_VFS_Shutdown) is_reqVFS() {}
func (r res_VFS_Shutdown) is_resVFS() {}

// Type check request/response types
var _ reqVFS = req_VFS_Mount{}
var _ resVFS = res_VFS_Mount{}
var _ reqVFS = req_VFS_Unmount{}
var _ resVFS = res_VFS_Unmount{}
var _ reqVFS = req_VFS_Sync{}
var _ resVFS = res_VFS_Sync{}
var _ reqVFS = req_VFS_Shutdown{}
var _ resVFS = res_VFS_Shutdown{}

// Mount attaches vol at path using the named driver, or the best-scoring
// driver when driver is empty, and returns the new mount's id.
func (v *VFS) Mount(path string, vol common.Volume, driver string, opts ...MountOption) (common.MountId, error) {
	var o mountOptions
	for _, opt := range opts {
		opt(&o)
	}
	v.in <- req_VFS_Mount{path, vol, driver, o}
	result := (<-v.out).(res_VFS_Mount)
	return result.Arg0, result.Arg1
}

// Unmount detaches the filesystem mounted at path. It fails with ErrLocked
// while nodes of the mount are referenced or other mounts sit below it.
func (v *VFS) Unmount(path string) error {
	v.in <- req_VFS_Unmount{path}
	result := (<-v.out).(res_VFS_Unmount)
	return result.Arg0
}

// Sync writes back every mounted filesystem.
func (v *VFS) Sync() error {
	v.in <- req_VFS_Sync{}
	result := (<-v.out).(res_VFS_Sync)
	return result.Arg0
}

// Shutdown unmounts everything and stops the caches. On failure the VFS
// stays usable.
func (v *VFS) Shutdown() error {
	v.in <- req_VFS_Shutdown{}
	result := (<-v.out).(res_VFS_Shutdown)
	return result.Arg0
}
