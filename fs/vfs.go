// Package fs is the front of the VFS. It boots the caches with an in-memory
// root filesystem, mounts volumes on directories of the tree and resolves
// paths to typed handles.
package fs

import (
	"sort"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"

	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/device"
	"github.com/thepowersgang/vfs/handle"
	"github.com/thepowersgang/vfs/mount"
	"github.com/thepowersgang/vfs/ncache"
	"github.com/thepowersgang/vfs/ramfs"

	// drivers register themselves
	_ "github.com/thepowersgang/vfs/ext2"
	_ "github.com/thepowersgang/vfs/ntfs"
)

type logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

type mountOptions struct {
	readOnly bool
}

type MountOption func(*mountOptions)

// ReadOnly mounts the filesystem without allowing any modification through
// the VFS, whatever the driver supports.
func ReadOnly() MountOption {
	return func(o *mountOptions) { o.readOnly = true }
}

// Directories created in the root filesystem at boot.
var bootDirs = []string{"system", "volumes", "temp"}

type VFS struct {
	cfg    common.Config
	log    logger
	reg    *prometheus.Registry
	bcache *bcache.Cache
	ncache *ncache.Cache
	mounts *mount.Table
	env    *handle.Env

	in  chan reqVFS
	out chan resVFS
}

// New boots a VFS: the caches are started and mount 0, an empty ramfs
// holding the boot directories, is installed at "/".
func New(cfg common.Config) (*VFS, error) {
	common.InitLogger(cfg.DebugMode, cfg.PrettyLogs)
	if cfg.Path.SymlinkDepth <= 0 {
		cfg.Path.SymlinkDepth = common.MAX_SYMLINK_DEPTH
	}

	v := &VFS{
		cfg:    cfg,
		log:    common.GetLogger().With("component", "vfs"),
		reg:    prometheus.NewRegistry(),
		mounts: mount.NewTable(),
		in:     make(chan reqVFS),
		out:    make(chan resVFS),
	}
	var reg prometheus.Registerer
	if cfg.Metrics.Enabled {
		reg = v.reg
	}
	v.bcache = bcache.NewCache(cfg.BlockCache, reg)
	v.ncache = ncache.NewCache(v.mounts, cfg.NodeCache, reg)
	v.env = handle.NewEnv(v.ncache, v.mounts)

	if err := v.boot(); err != nil {
		v.ncache.Shutdown()
		v.bcache.Shutdown()
		return nil, err
	}

	go v.loop()
	return v, nil
}

func (v *VFS) boot() error {
	if err := v.mounts.SetRoot("ramfs", ramfs.New()); err != nil {
		return err
	}
	root, err := v.rootDir()
	if err != nil {
		return err
	}
	defer root.Close()
	for _, name := range bootDirs {
		d, err := root.Mkdir([]byte(name))
		if err != nil {
			return errors.Wrapf(err, "creating /%s", name)
		}
		d.Close()
	}
	v.log.Info("root filesystem ready", "dirs", bootDirs)
	return nil
}

func (v *VFS) rootDir() (*handle.Dir, error) {
	fs, err := v.mounts.Filesystem(common.ROOT_MOUNT)
	if err != nil {
		return nil, err
	}
	a, err := v.env.FromIds(common.ROOT_MOUNT, fs.RootInode())
	if err != nil {
		return nil, err
	}
	d, err := a.Dir()
	if err != nil {
		a.Close()
		return nil, err
	}
	return d, nil
}

func (v *VFS) loop() {
	alive := true
	for alive {
		req := <-v.in
		switch req := req.(type) {
		case req_VFS_Mount:
			id, err := v.do_mount(req.path, req.vol, req.driver, req.opts)
			v.out <- res_VFS_Mount{id, err}
		case req_VFS_Unmount:
			err := v.do_unmount(req.path)
			v.out <- res_VFS_Unmount{err}
		case req_VFS_Sync:
			err := v.do_sync()
			v.out <- res_VFS_Sync{err}
		case req_VFS_Shutdown:
			stopped, err := v.do_shutdown()
			alive = !stopped
			v.out <- res_VFS_Shutdown{err}
		}
	}
}

// Registry holds the cache metrics of this VFS.
func (v *VFS) Registry() *prometheus.Registry {
	return v.reg
}

// Mounts lists the mounted filesystems in id order.
func (v *VFS) Mounts() []*mount.Mount {
	return v.mounts.Mounts()
}

func (v *VFS) CacheStats() bcache.Stats {
	return v.bcache.Stats()
}

// Env gives access to nodes by id.
func (v *VFS) Env() *handle.Env {
	return v.env
}

func (v *VFS) do_mount(path string, vol common.Volume, driverName string, opts mountOptions) (common.MountId, error) {
	if vol == nil {
		return 0, errors.Wrap(common.ErrInvalidParameter, "no volume")
	}
	path, err := mount.CleanPath(path)
	if err != nil {
		return 0, err
	}

	// The mountpoint is looked up without following symlinks so that the
	// mount table's path is where the filesystem actually appears.
	mp, err := v.resolve([]byte(path), resolveNoLinks)
	if err != nil {
		return 0, errors.Wrapf(err, "mountpoint %s", path)
	}
	if mp.Class() != common.ClassDir {
		mp.Close()
		return 0, errors.Wrapf(common.ErrTypeMismatch, "mountpoint %s is a %s", path, mp.Class())
	}

	if opts.readOnly && !common.VolumeReadOnly(vol) {
		vol = device.ReadOnly(vol)
	}
	id, err := v.mounts.Reserve(path)
	if err != nil {
		mp.Close()
		return 0, err
	}
	m, err := v.attach(id, path, vol, driverName)
	if err != nil {
		v.mounts.Remove(id)
		mp.Close()
		return 0, err
	}
	m.Mountpoint = mp.Cache()
	m.ForceReadOnly = opts.readOnly
	v.mounts.Complete(m)
	if err := m.Mountpoint.SetMountHere(id); err != nil {
		v.mounts.Remove(id)
		m.Mountpoint = nil
		mp.Close()
		if terr := v.teardown(m); terr != nil {
			v.log.Error("releasing failed mount", "path", path, "error", terr)
		}
		return 0, err
	}
	v.log.Info("mounted", "path", path, "mount", id, "driver", m.Driver,
		"volume", vol.Name(), "readOnly", m.ReadOnly())
	return id, nil
}

// attach puts the volume in the block cache and mounts a driver on it.
func (v *VFS) attach(id common.MountId, path string, vol common.Volume, driverName string) (*mount.Mount, error) {
	bh, err := v.bcache.Attach(vol)
	if err != nil {
		return nil, err
	}
	var drv mount.Driver
	if driverName == "" {
		driverName, drv, err = mount.Detect(bh)
	} else {
		drv, err = mount.GetDriver(driverName)
		if err == nil {
			var score int
			score, err = drv.Detect(bh)
			if err == nil && score == 0 {
				err = errors.Wrapf(common.ErrTypeMismatch, "driver %s does not handle volume %s", driverName, vol.Name())
			}
		}
	}
	if err == nil {
		var fs common.Filesystem
		fs, err = drv.Mount(bh, v.ncache.MountSelf(id), v.cfg)
		if err == nil {
			return &mount.Mount{ID: id, Path: path, Driver: driverName, FS: fs, Volume: bh}, nil
		}
	}
	if derr := bh.Detach(); derr != nil {
		v.log.Error("detaching volume after failed mount", "volume", vol.Name(), "error", derr)
	}
	return nil, err
}

// teardown undoes a mount that nothing references any more.
func (v *VFS) teardown(m *mount.Mount) error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	keep(m.FS.Unmount())
	if m.Mountpoint != nil {
		keep(m.Mountpoint.SetMountHere(common.NO_MOUNT))
		m.Mountpoint.Release()
	}
	if m.Volume != nil {
		keep(m.Volume.Detach())
	}
	return firstErr
}

func (v *VFS) do_unmount(path string) error {
	path, err := mount.CleanPath(path)
	if err != nil {
		return err
	}
	m, ok := v.mounts.ByPath(path)
	if !ok {
		return errors.Wrapf(common.ErrNotFound, "nothing mounted on %s", path)
	}
	return v.unmount(m)
}

func (v *VFS) unmount(m *mount.Mount) error {
	if m.ID == common.ROOT_MOUNT {
		return errors.Wrap(common.ErrInvalidParameter, "the root filesystem is only released by Shutdown")
	}
	if v.mounts.Nested(m.Path) {
		return errors.Wrapf(common.ErrLocked, "other filesystems are mounted below %s", m.Path)
	}
	if n := v.ncache.Busy(m.ID); n > 0 {
		return errors.Wrapf(common.ErrLocked, "%s has %d node references", m.Path, n)
	}
	if err := v.flush(m); err != nil {
		return err
	}

	// Hide the mount so no new node can be loaded from it, then make sure
	// none slipped in since the check above.
	if _, err := v.mounts.Retire(m.ID); err != nil {
		return err
	}
	if err := v.ncache.Purge(m.ID); err != nil {
		v.mounts.Complete(m)
		return err
	}
	v.mounts.Remove(m.ID)
	if err := v.teardown(m); err != nil {
		v.log.Error("unmount incomplete", "path", m.Path, "mount", m.ID, "error", err)
		return err
	}
	v.log.Info("unmounted", "path", m.Path, "mount", m.ID)
	return nil
}

// flush writes back the cached nodes of a mount, then the driver's own
// metadata, then the volume's dirty pages.
func (v *VFS) flush(m *mount.Mount) error {
	if err := v.ncache.Sync(m.ID); err != nil {
		return errors.Wrapf(err, "syncing nodes of %s", m.Path)
	}
	if err := m.FS.Sync(); err != nil {
		return errors.Wrapf(err, "syncing %s", m.Path)
	}
	if m.Volume != nil {
		if err := m.Volume.Flush(); err != nil {
			return errors.Wrapf(err, "flushing volume of %s", m.Path)
		}
	}
	return nil
}

func (v *VFS) do_sync() error {
	var g errgroup.Group
	for _, m := range v.mounts.Mounts() {
		g.Go(func() error { return v.flush(m) })
	}
	return g.Wait()
}

// do_shutdown reports whether the caches were stopped, which may be the case
// even when it fails.
func (v *VFS) do_shutdown() (bool, error) {
	mounts := v.mounts.Mounts()
	// deepest mounts first
	sort.Slice(mounts, func(i, j int) bool { return len(mounts[i].Path) > len(mounts[j].Path) })
	for _, m := range mounts {
		if m.ID == common.ROOT_MOUNT {
			continue
		}
		if err := v.unmount(m); err != nil {
			return false, errors.Wrapf(err, "unmounting %s", m.Path)
		}
	}
	if err := v.ncache.Shutdown(); err != nil {
		return false, err
	}
	if err := v.bcache.Shutdown(); err != nil {
		return true, errors.Wrap(err, "stopping block cache")
	}
	v.log.Info("shut down")
	return true, nil
}
