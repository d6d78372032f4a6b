package mount

import (
	"sort"
	"strings"
	"sync"

	mapset "github.com/deckarep/golang-set/v2"
	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/ncache"
)

type Mount struct {
	ID     common.MountId
	Path   string
	Driver string
	FS     common.Filesystem
	Volume *bcache.Handle // nil for volume-less filesystems

	// ForceReadOnly is set when the mount was asked to be read-only even
	// though the filesystem could be written.
	ForceReadOnly bool

	// Mountpoint is held for the lifetime of the mount so that the
	// directory keeps its mount-here mark. It is nil for the root mount.
	Mountpoint *ncache.Handle
}

// Table is the set of mounted filesystems of one VFS.
type Table struct {
	mu     sync.RWMutex
	mounts map[common.MountId]*Mount
	paths  mapset.Set[string]
	next   common.MountId
}

func NewTable() *Table {
	return &Table{
		mounts: make(map[common.MountId]*Mount),
		paths:  mapset.NewSet[string](),
		next:   common.ROOT_MOUNT + 1,
	}
}

// SetRoot installs the filesystem of mount 0 at "/".
func (t *Table) SetRoot(driver string, fs common.Filesystem) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.mounts[common.ROOT_MOUNT]; ok {
		return errors.Wrap(common.ErrAlreadyExists, "root already mounted")
	}
	t.mounts[common.ROOT_MOUNT] = &Mount{ID: common.ROOT_MOUNT, Path: "/", Driver: driver, FS: fs}
	t.paths.Add("/")
	return nil
}

// Reserve claims a fresh mount id for path. The mount is invisible to
// Filesystem until Complete is called.
func (t *Table) Reserve(path string) (common.MountId, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.paths.Contains(path) {
		return 0, errors.Wrapf(common.ErrAlreadyExists, "%s is already a mountpoint", path)
	}
	id := t.next
	t.next++
	t.paths.Add(path)
	t.mounts[id] = &Mount{ID: id, Path: path}
	return id, nil
}

func (t *Table) Complete(m *Mount) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.mounts[m.ID] = m
}

// Retire hides a completed mount while it is being torn down. Its path stays
// reserved, and Complete with the returned mount undoes the retirement.
func (t *Table) Retire(id common.MountId) (*Mount, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.mounts[id]
	if !ok || m.FS == nil {
		return nil, errors.Wrapf(common.ErrNotFound, "mount %d", id)
	}
	t.mounts[id] = &Mount{ID: id, Path: m.Path}
	return m, nil
}

func (t *Table) Remove(id common.MountId) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if m, ok := t.mounts[id]; ok {
		t.paths.Remove(m.Path)
		delete(t.mounts, id)
	}
}

func (t *Table) Get(id common.MountId) (*Mount, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	m, ok := t.mounts[id]
	return m, ok && m.FS != nil
}

// Filesystem implements ncache.Mounts.
func (t *Table) Filesystem(id common.MountId) (common.Filesystem, error) {
	m, ok := t.Get(id)
	if !ok {
		return nil, errors.Wrapf(common.ErrNotFound, "mount %d", id)
	}
	return m.FS, nil
}

// ReadOnly reports whether the mount refuses modification. Unknown mounts
// count as read-only.
func (t *Table) ReadOnly(id common.MountId) bool {
	m, ok := t.Get(id)
	return !ok || m.ReadOnly()
}

func (m *Mount) ReadOnly() bool {
	return m.ForceReadOnly || m.FS.ReadOnly()
}

// ByPath returns the mount whose mountpoint is exactly path.
func (t *Table) ByPath(path string) (*Mount, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, m := range t.mounts {
		if m.Path == path && m.FS != nil {
			return m, true
		}
	}
	return nil, false
}

// ForPath finds the mount with the longest mountpoint prefix of p, matching
// on component boundaries, and returns it with the remaining components.
func (t *Table) ForPath(p []byte) (*Mount, [][]byte, error) {
	comps, err := SplitPath(p)
	if err != nil {
		return nil, nil, err
	}

	t.mu.RLock()
	defer t.mu.RUnlock()
	var best *Mount
	bestLen := -1
	for _, m := range t.mounts {
		if m.FS == nil {
			continue
		}
		mcomps, _ := SplitPath([]byte(m.Path))
		if len(mcomps) <= bestLen || len(mcomps) > len(comps) {
			continue
		}
		match := true
		for i, c := range mcomps {
			if string(c) != string(comps[i]) {
				match = false
				break
			}
		}
		if match {
			best, bestLen = m, len(mcomps)
		}
	}
	if best == nil {
		return nil, nil, errors.Wrap(common.ErrNotFound, "no root mount")
	}
	return best, comps[bestLen:], nil
}

// Nested reports whether any other mount lives below path.
func (t *Table) Nested(path string) bool {
	prefix := strings.TrimSuffix(path, "/") + "/"
	nested := false
	t.paths.Each(func(p string) bool {
		if p != path && strings.HasPrefix(p, prefix) {
			nested = true
			return true
		}
		return false
	})
	return nested
}

// Mounts lists completed mounts in id order.
func (t *Table) Mounts() []*Mount {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := make([]*Mount, 0, len(t.mounts))
	for _, m := range t.mounts {
		if m.FS != nil {
			list = append(list, m)
		}
	}
	sort.Slice(list, func(i, j int) bool { return list[i].ID < list[j].ID })
	return list
}

var _ ncache.Mounts = (*Table)(nil)
