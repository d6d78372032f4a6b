package handle

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/ncache"
	"github.com/thepowersgang/vfs/ramfs"
)

// testMounts serves two ramfs instances: mount 0 is writable, mount 1 is
// flagged read-only.
type testMounts struct {
	fs map[common.MountId]*ramfs.FS
	ro map[common.MountId]bool
}

func (m *testMounts) Filesystem(id common.MountId) (common.Filesystem, error) {
	if fs, ok := m.fs[id]; ok {
		return fs, nil
	}
	return nil, errors.Wrapf(common.ErrNotFound, "mount %d", id)
}

func (m *testMounts) ReadOnly(id common.MountId) bool { return m.ro[id] }

func setup(t *testing.T) *Env {
	m := &testMounts{
		fs: map[common.MountId]*ramfs.FS{0: ramfs.New(), 1: ramfs.New()},
		ro: map[common.MountId]bool{1: true},
	}
	cache := ncache.NewCache(m, common.NodeCacheConfig{Capacity: 16}, prometheus.NewRegistry())
	t.Cleanup(func() { cache.Shutdown() })
	return NewEnv(cache, m)
}

func rootDir(t *testing.T, env *Env, mount common.MountId) *Dir {
	a, err := env.FromIds(mount, ramfs.RootInode)
	require.NoError(t, err)
	d, err := a.Dir()
	require.NoError(t, err)
	return d
}

// newFile creates name in mount 0's root holding data.
func newFile(t *testing.T, env *Env, name string, data []byte) *Any {
	root := rootDir(t, env, 0)
	defer root.Close()
	a, err := root.Create([]byte(name), common.TypeFile)
	require.NoError(t, err)
	if len(data) > 0 {
		_, err = a.Cache().Node().File().Write(0, data)
		require.NoError(t, err)
	}
	return a
}

// tryOpen opens a in mode through its own reference.
func tryOpen(a *Any, mode Mode) (*File, error) {
	c := a.Clone()
	f, err := c.File(mode)
	if err != nil {
		c.Close()
	}
	return f, err
}

func open(t *testing.T, a *Any, mode Mode) *File {
	f, err := tryOpen(a, mode)
	require.NoError(t, err, "opening %s", mode)
	return f
}

func readAll(t *testing.T, f *File) []byte {
	buf := make([]byte, f.Size())
	n, err := f.Read(0, buf)
	require.NoError(t, err)
	return buf[:n]
}

func TestTypedConversions(t *testing.T) {
	env := setup(t)
	root := rootDir(t, env, 0)
	defer root.Close()

	require.NoError(t, root.Symlink([]byte("link"), []byte("target")))
	a := root.Any()
	_, err := a.File(SharedRO)
	assert.ErrorIs(t, err, common.ErrTypeMismatch)
	_, err = a.Symlink()
	assert.ErrorIs(t, err, common.ErrTypeMismatch)
	a.Close()

	a, err = root.Lookup([]byte("link"))
	require.NoError(t, err)
	assert.Equal(t, common.ClassSymlink, a.Class())
	_, err = a.Dir()
	assert.ErrorIs(t, err, common.ErrTypeMismatch)
	s, err := a.Symlink()
	require.NoError(t, err)
	target, err := s.Read()
	require.NoError(t, err)
	assert.Equal(t, "target", string(target))
	s.Close()

	_, err = root.Lookup([]byte("missing"))
	assert.ErrorIs(t, err, common.ErrNotFound)

	f := newFile(t, env, "f", nil)
	defer f.Close()
	_, err = f.File(Mode(42))
	assert.ErrorIs(t, err, common.ErrInvalidParameter)
}

func TestModeConflicts(t *testing.T) {
	tests := []struct {
		first, second Mode
		ok            bool
	}{
		{SharedRO, SharedRO, true},
		{SharedRO, Execute, true},
		{SharedRO, Append, true},
		{Append, UniqueRW, true},
		{UniqueRW, UniqueRW, true},
		{Unsynch, Unsynch, true},
		{SharedRO, ExclRW, false},
		{ExclRW, SharedRO, false},
		{ExclRW, ExclRW, false},
		{ExclRW, Unsynch, false},
		{Unsynch, SharedRO, false},
		{Unsynch, UniqueRW, false},
		{Append, Unsynch, false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s-%s", tt.first, tt.second), func(t *testing.T) {
			env := setup(t)
			a := newFile(t, env, "f", []byte("data"))
			defer a.Close()

			first := open(t, a, tt.first)
			second, err := tryOpen(a, tt.second)
			if tt.ok {
				require.NoError(t, err)
				second.Close()
			} else {
				assert.ErrorIs(t, err, common.ErrLocked)
			}
			first.Close()

			// once the first open is gone the second mode is always free
			open(t, a, tt.second).Close()
		})
	}
}

func TestModePermissions(t *testing.T) {
	env := setup(t)
	a := newFile(t, env, "f", []byte("data"))
	defer a.Close()

	for _, mode := range []Mode{SharedRO, Execute} {
		f := open(t, a, mode)
		_, err := f.Write(0, []byte("x"))
		assert.ErrorIs(t, err, common.ErrPermissionDenied, mode.String())
		_, err = f.Truncate(0)
		assert.ErrorIs(t, err, common.ErrPermissionDenied, mode.String())
		f.Close()
	}

	f := open(t, a, Append)
	_, err := f.Truncate(0)
	assert.ErrorIs(t, err, common.ErrPermissionDenied)
	assert.ErrorIs(t, f.Clear(0, 1), common.ErrPermissionDenied)
	f.Close()

	f = open(t, a, ExclRW)
	_, err = f.Clone()
	assert.ErrorIs(t, err, common.ErrLocked)
	_, err = f.Write(4, []byte("!"))
	require.NoError(t, err)
	assert.Equal(t, "data!", string(readAll(t, f)))
	f.Close()

	f = open(t, a, SharedRO)
	c, err := f.Clone()
	require.NoError(t, err)
	f.Close()
	assert.Equal(t, "data!", string(readAll(t, c)))
	c.Close()
}

func TestReadOnlyMount(t *testing.T) {
	env := setup(t)
	rw := rootDir(t, env, 0)
	defer rw.Close()
	ro := rootDir(t, env, 1)
	defer ro.Close()

	_, err := ro.Create([]byte("new"), common.TypeFile)
	assert.ErrorIs(t, err, common.ErrReadOnlyFilesystem)
	assert.ErrorIs(t, ro.Symlink([]byte("l"), []byte("t")), common.ErrReadOnlyFilesystem)
	assert.ErrorIs(t, ro.Unlink([]byte("anything")), common.ErrReadOnlyFilesystem)

	// put a file on the read-only mount behind the flag's back
	roRoot, err := env.mounts.(*testMounts).fs[1].GetNode(ramfs.RootInode)
	require.NoError(t, err)
	_, err = roRoot.Dir().Create([]byte("readonly"), common.TypeFile)
	require.NoError(t, err)

	a, err := ro.Lookup([]byte("readonly"))
	require.NoError(t, err)
	defer a.Close()
	for _, mode := range []Mode{ExclRW, UniqueRW, Append, Unsynch} {
		_, err := tryOpen(a, mode)
		assert.ErrorIs(t, err, common.ErrReadOnlyFilesystem, mode.String())
	}
	open(t, a, SharedRO).Close()
	open(t, a, Execute).Close()

	assert.ErrorIs(t, rw.Link([]byte("x"), a), common.ErrInvalidParameter)
}

func TestUniqueRWOverlay(t *testing.T) {
	env := setup(t)
	a := newFile(t, env, "f", []byte("hello world"))
	defer a.Close()

	u := open(t, a, UniqueRW)
	shared := open(t, a, SharedRO)
	defer shared.Close()

	_, err := u.Write(0, []byte("HELLO"))
	require.NoError(t, err)
	assert.Equal(t, "HELLO world", string(readAll(t, u)))
	assert.Equal(t, "hello world", string(readAll(t, shared)))

	size, err := u.Truncate(3)
	require.NoError(t, err)
	assert.EqualValues(t, 3, size)
	_, err = u.Write(8, []byte("x"))
	require.NoError(t, err)
	assert.Equal(t, "HEL\x00\x00\x00\x00\x00x", string(readAll(t, u)))

	// growing by truncation exposes zeros, not the old base contents
	_, err = u.Truncate(2)
	require.NoError(t, err)
	_, err = u.Truncate(11)
	require.NoError(t, err)
	assert.Equal(t, "HE"+string(make([]byte, 9)), string(readAll(t, u)))

	require.NoError(t, u.Clear(0, 1))
	n, err := u.Read(11, make([]byte, 4))
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = u.Read(12, make([]byte, 4))
	assert.ErrorIs(t, err, common.ErrInvalidParameter)

	c, err := u.Clone()
	require.NoError(t, err)
	_, err = c.Write(0, []byte("C"))
	require.NoError(t, err)
	assert.Equal(t, byte(0), readAll(t, u)[0])
	c.Close()
	u.Close()

	assert.Equal(t, "hello world", string(readAll(t, shared)))
	assert.EqualValues(t, 11, shared.Size())
}

func TestUniqueRWLargeWrite(t *testing.T) {
	env := setup(t)
	base := bytes.Repeat([]byte("0123456789abcdef"), 1000)
	a := newFile(t, env, "big", base)
	defer a.Close()

	u := open(t, a, UniqueRW)
	defer u.Close()
	patch := bytes.Repeat([]byte{'#'}, 3*common.PAGE_SIZE)
	_, err := u.Write(100, patch)
	require.NoError(t, err)

	want := append([]byte(nil), base...)
	copy(want[100:], patch)
	got := readAll(t, u)
	assert.Equal(t, len(want), len(got))
	assert.True(t, bytes.Equal(want, got))
}

func TestConcurrentAppend(t *testing.T) {
	env := setup(t)
	a := newFile(t, env, "log", nil)
	defer a.Close()

	const writers, records = 8, 50
	var g errgroup.Group
	for w := 0; w < writers; w++ {
		rec := bytes.Repeat([]byte{byte('a' + w)}, 4)
		g.Go(func() error {
			f, err := tryOpen(a, Append)
			if err != nil {
				return err
			}
			defer f.Close()
			for i := 0; i < records; i++ {
				// the offset is ignored in append mode
				if _, err := f.Write(0, rec); err != nil {
					return err
				}
			}
			return nil
		})
	}
	require.NoError(t, g.Wait())

	f := open(t, a, SharedRO)
	defer f.Close()
	data := readAll(t, f)
	require.Len(t, data, writers*records*4)
	counts := map[byte]int{}
	for i := 0; i < len(data); i += 4 {
		rec := data[i : i+4]
		require.Equal(t, bytes.Repeat(rec[:1], 4), rec, "record at %d is torn", i)
		counts[rec[0]]++
	}
	for w := 0; w < writers; w++ {
		assert.Equal(t, records, counts[byte('a'+w)])
	}
}

func TestEntryNames(t *testing.T) {
	env := setup(t)
	root := rootDir(t, env, 0)
	defer root.Close()

	for _, name := range []string{"", ".", "..", "a/b", "nul\x00"} {
		_, err := root.Create([]byte(name), common.TypeFile)
		assert.ErrorIs(t, err, common.ErrInvalidParameter, "%q", name)
	}
	assert.ErrorIs(t, root.Symlink([]byte("l"), nil), common.ErrInvalidParameter)

	sub, err := root.Mkdir([]byte("sub"))
	require.NoError(t, err)
	_, err = root.Mkdir([]byte("sub"))
	assert.ErrorIs(t, err, common.ErrAlreadyExists)

	f := newFile(t, env, "f", []byte("x"))
	require.NoError(t, sub.Link([]byte("alias"), f))
	f.Close()
	sub.Close()

	var names []string
	_, err = root.Read(0, func(_ common.InodeId, name []byte) bool {
		names = append(names, string(name))
		return true
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"sub", "f"}, names)
}

func TestUnlinkMountpoint(t *testing.T) {
	env := setup(t)
	root := rootDir(t, env, 0)
	defer root.Close()

	mp, err := root.Create([]byte("mnt"), common.TypeDir)
	require.NoError(t, err)
	require.NoError(t, mp.Cache().SetMountHere(1))

	assert.ErrorIs(t, root.Unlink([]byte("mnt")), common.ErrLocked)

	crossed, err := root.Lookup([]byte("mnt"))
	require.NoError(t, err)
	assert.EqualValues(t, 1, crossed.MountId())
	assert.Equal(t, ramfs.RootInode, crossed.Inode())
	crossed.Close()

	require.NoError(t, mp.Cache().SetMountHere(common.NO_MOUNT))
	mp.Close()
	require.NoError(t, root.Unlink([]byte("mnt")))
	_, err = root.Lookup([]byte("mnt"))
	assert.ErrorIs(t, err, common.ErrNotFound)
}
