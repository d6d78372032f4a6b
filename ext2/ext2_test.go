package ext2

import (
	"bytes"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/device"
	"github.com/thepowersgang/vfs/ncache"
	"github.com/thepowersgang/vfs/testutils"
)

const testMount common.MountId = 1

type oneMount struct {
	fs common.Filesystem
}

func (m *oneMount) Filesystem(common.MountId) (common.Filesystem, error) {
	if m.fs == nil {
		return nil, common.ErrNotFound
	}
	return m.fs, nil
}

type testVolume struct {
	bc     *bcache.Cache
	vol    *bcache.Handle
	nc     *ncache.Cache
	mounts *oneMount
	fs     *FS
}

func formatTestDisk(t *testing.T, size, vbs int, opts FormatOptions) *device.Ramdisk {
	disk, err := device.NewRamdisk("ext2-test", vbs, make([]byte, size))
	require.NoError(t, err)
	require.NoError(t, Format(disk, opts))
	return disk
}

func attachTestDisk(t *testing.T, disk common.Volume) *testVolume {
	tv := &testVolume{mounts: &oneMount{}}
	tv.bc = bcache.NewCache(common.BlockCacheConfig{Pages: 64}, nil)
	vol, err := tv.bc.Attach(disk)
	require.NoError(t, err)
	tv.vol = vol
	tv.nc = ncache.NewCache(tv.mounts, common.NodeCacheConfig{Capacity: 32}, nil)
	return tv
}

func mountTestDisk(t *testing.T, disk common.Volume) *testVolume {
	tv := attachTestDisk(t, disk)
	fs, err := Open(tv.vol, tv.nc.MountSelf(testMount))
	require.NoError(t, err)
	tv.fs = fs
	tv.mounts.fs = fs
	return tv
}

func (tv *testVolume) get(t *testing.T, ino common.InodeId) *ncache.Handle {
	h, err := tv.nc.FromIds(testMount, ino)
	if err != nil {
		testutils.FatalHere(t, "loading inode %d: %v", ino, err)
	}
	return h
}

func (tv *testVolume) root(t *testing.T) (*ncache.Handle, common.Dir) {
	h := tv.get(t, ROOT_INO)
	return h, h.Node().Dir()
}

func (tv *testVolume) create(t *testing.T, parent common.Dir, name string, nt common.NodeType) *ncache.Handle {
	ino, err := parent.Create([]byte(name), nt)
	if err != nil {
		testutils.FatalHere(t, "creating %q: %v", name, err)
	}
	return tv.get(t, ino)
}

func (tv *testVolume) unmount(t *testing.T) {
	require.NoError(t, tv.nc.Sync(testMount))
	require.NoError(t, tv.nc.Purge(testMount))
	if tv.fs != nil {
		require.NoError(t, tv.fs.Unmount())
	}
	require.NoError(t, tv.vol.Detach())
	require.NoError(t, tv.nc.Shutdown())
	require.NoError(t, tv.bc.Shutdown())
}

func rawSuperblock(t *testing.T, disk *device.Ramdisk) Superblock {
	var sb Superblock
	require.NoError(t, decode(disk.Bytes()[SUPERBLOCK_OFFSET:], &sb))
	return sb
}

func patchSuperblock(t *testing.T, disk *device.Ramdisk, fn func(sb *Superblock)) {
	sb := rawSuperblock(t, disk)
	fn(&sb)
	require.NoError(t, encode(disk.Bytes()[SUPERBLOCK_OFFSET:], &sb))
}

func listDir(t *testing.T, d common.Dir) map[string]common.InodeId {
	entries := map[string]common.InodeId{}
	_, err := d.Read(0, func(ino common.InodeId, name []byte) bool {
		entries[string(name)] = ino
		return true
	})
	require.NoError(t, err)
	return entries
}

func readAll(t *testing.T, f common.File) []byte {
	buf := make([]byte, f.Size())
	n, err := f.Read(0, buf)
	require.NoError(t, err)
	return buf[:n]
}

var smallLayout = FormatOptions{BlockSize: 1024, BlocksPerGroup: 8192, InodesPerGroup: 2048}

func TestFormatLayout(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)

	sb := rawSuperblock(t, disk)
	assert.Equal(t, uint16(EXT2_MAGIC), sb.Magic)
	assert.Equal(t, 1024, sb.BlockSize())
	assert.Equal(t, uint32(8192), sb.BlocksPerGroup)
	assert.Equal(t, uint32(2048), sb.InodesPerGroup)
	assert.Equal(t, uint32(1), sb.FirstDataBlock)
	assert.Equal(t, 1, sb.Groups())

	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	assert.Equal(t, common.InodeId(ROOT_INO), tv.fs.RootInode())

	rh, root := tv.root(t)
	defer rh.Release()
	assert.Equal(t, map[string]common.InodeId{"lost+found": LOST_FOUND_INO}, listDir(t, root))

	for name, want := range map[string]common.InodeId{".": ROOT_INO, "..": ROOT_INO, "lost+found": LOST_FOUND_INO} {
		ino, err := root.Lookup([]byte(name))
		require.NoError(t, err, name)
		assert.Equal(t, want, ino, name)
	}

	lf := tv.get(t, LOST_FOUND_INO)
	defer lf.Release()
	require.True(t, lf.Node().IsDir())
	assert.Empty(t, listDir(t, lf.Node().Dir()))
	parent, err := lf.Node().Dir().Lookup([]byte(".."))
	require.NoError(t, err)
	assert.Equal(t, common.InodeId(ROOT_INO), parent)

	st := tv.fs.Stat()
	assert.Equal(t, uint32(2048), st.Inodes)
	assert.Equal(t, uint32(2048-GOOD_OLD_FIRST_INO), st.FreeInodes)
	assert.False(t, st.CleanUnmount)
	assert.Equal(t, uint16(1), st.MountCount)
}

func TestFormatMultipleGroups(t *testing.T) {
	// 4 KiB blocks on a 512 byte sector volume, with several groups.
	disk := formatTestDisk(t, 16<<20, 512, FormatOptions{BlockSize: 4096, BlocksPerGroup: 1024})
	sb := rawSuperblock(t, disk)
	assert.Equal(t, uint32(0), sb.FirstDataBlock)
	assert.Equal(t, 4, sb.Groups())

	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()

	fh := tv.create(t, root, "big", common.TypeFile)
	defer fh.Release()
	data := bytes.Repeat([]byte("0123456789abcdef"), 4096*3000/16)
	n, err := fh.Node().File().Write(0, data)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
	assert.True(t, bytes.Equal(data, readAll(t, fh.Node().File())))
}

func TestHelloWorld(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)

	rh, root := tv.root(t)
	fh := tv.create(t, root, "hello", common.TypeFile)
	f := fh.Node().File()
	n, err := f.Write(0, []byte("Hello"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.Equal(t, uint64(5), f.Size())
	assert.Equal(t, []byte("Hello"), readAll(t, f))
	fh.Release()
	rh.Release()
	tv.unmount(t)

	assert.NotZero(t, rawSuperblock(t, disk).State&STATE_VALID)

	tv = mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root = tv.root(t)
	defer rh.Release()
	ino, err := root.Lookup([]byte("hello"))
	require.NoError(t, err)
	fh = tv.get(t, ino)
	defer fh.Release()
	assert.Equal(t, []byte("Hello"), readAll(t, fh.Node().File()))

	buf := make([]byte, 4)
	n, err = fh.Node().File().Read(5, buf)
	require.NoError(t, err)
	assert.Zero(t, n)
	_, err = fh.Node().File().Read(6, buf)
	assert.ErrorIs(t, err, common.ErrInvalidParameter)
}

func TestSymlinks(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)

	long := bytes.Repeat([]byte("deep/"), 40)
	rh, root := tv.root(t)
	tv.create(t, root, "fast", common.TypeSymlink([]byte("hello"))).Release()
	tv.create(t, root, "slow", common.TypeSymlink(long)).Release()

	_, err := root.Create([]byte("empty"), common.TypeSymlink(nil))
	assert.ErrorIs(t, err, common.ErrInvalidParameter)
	rh.Release()
	tv.unmount(t)

	tv = mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root = tv.root(t)
	defer rh.Release()
	for name, want := range map[string][]byte{"fast": []byte("hello"), "slow": long} {
		ino, err := root.Lookup([]byte(name))
		require.NoError(t, err)
		h := tv.get(t, ino)
		require.Equal(t, common.ClassSymlink, h.Node().Class())
		got, err := h.Node().Symlink().Read()
		require.NoError(t, err)
		assert.Equal(t, want, got, name)
		assert.Equal(t, name == "fast", symlink{baseOf(h.Node().Base())}.fast())
		h.Release()
	}
}

func TestWriteReadRoundTrip(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 512, smallLayout)
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()
	fh := tv.create(t, root, "data", common.TypeFile)
	defer fh.Release()
	f := fh.Node().File()

	const bs = 1024
	ind := uint64(N_DIRECT * bs)
	dind := ind + 256*bs
	writes := []struct {
		ofs  uint64
		size int
	}{
		{0, 10},
		{7, 3000},
		{ind - 100, 200},            // into the single indirect block
		{ind + 5*bs, 4 * bs},        // whole blocks
		{dind - 3*bs - 1, 5*bs + 2}, // across into double indirection
		{dind + 300*bs + 17, 99},    // leaves a hole behind it
	}
	rnd := rand.New(rand.NewSource(1))
	var model []byte
	for _, w := range writes {
		data := make([]byte, w.size)
		rnd.Read(data)
		n, err := f.Write(w.ofs, data)
		require.NoError(t, err)
		require.Equal(t, w.size, n)
		if end := int(w.ofs) + w.size; end > len(model) {
			model = append(model, make([]byte, end-len(model))...)
		}
		copy(model[w.ofs:], data)

		got := make([]byte, w.size)
		n, err = f.Read(w.ofs, got)
		require.NoError(t, err)
		require.Equal(t, w.size, n)
		assert.True(t, bytes.Equal(data, got), "write of %d at %d", w.size, w.ofs)
	}
	assert.Equal(t, uint64(len(model)), f.Size())
	assert.True(t, bytes.Equal(model, readAll(t, f)))

	// A read crossing the end is clamped.
	tail := make([]byte, 500)
	n, err := f.Read(uint64(len(model)-50), tail)
	require.NoError(t, err)
	assert.Equal(t, 50, n)
}

func TestTruncateIdempotent(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()

	before := tv.fs.Stat().FreeBlocks
	fh := tv.create(t, root, "t", common.TypeFile)
	defer fh.Release()
	f := fh.Node().File()

	data := bytes.Repeat([]byte{0xA5}, 20*1024)
	_, err := f.Write(0, data)
	require.NoError(t, err)

	size, err := f.Truncate(1500)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), size)
	free := tv.fs.Stat().FreeBlocks
	size, err = f.Truncate(1500)
	require.NoError(t, err)
	assert.Equal(t, uint64(1500), size)
	assert.Equal(t, free, tv.fs.Stat().FreeBlocks)
	assert.True(t, bytes.Equal(data[:1500], readAll(t, f)))

	// Growing again exposes zeroes, not the old contents.
	_, err = f.Truncate(3000)
	require.NoError(t, err)
	got := readAll(t, f)
	assert.True(t, bytes.Equal(data[:1500], got[:1500]))
	assert.Equal(t, make([]byte, 1500), got[1500:])

	size, err = f.Truncate(^uint64(0))
	require.NoError(t, err)
	assert.Equal(t, tv.fs.maxFileSize(), size)

	_, err = f.Truncate(0)
	require.NoError(t, err)
	assert.Equal(t, before, tv.fs.Stat().FreeBlocks)
	assert.Equal(t, uint32(0), baseOf(fh.Node().Base()).od.Blocks)
}

func TestClear(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()
	fh := tv.create(t, root, "c", common.TypeFile)
	defer fh.Release()
	f := fh.Node().File()

	data := bytes.Repeat([]byte{1}, 4000)
	_, err := f.Write(0, data)
	require.NoError(t, err)
	require.NoError(t, f.Clear(1000, 2000))
	got := readAll(t, f)
	assert.Equal(t, uint64(4000), f.Size())
	assert.Equal(t, data[:1000], got[:1000])
	assert.Equal(t, make([]byte, 2000), got[1000:3000])
	assert.Equal(t, data[3000:], got[3000:])

	assert.ErrorIs(t, f.Clear(3500, 1000), common.ErrInvalidParameter)
}

func TestLookupConsistency(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()

	// Enough entries to spill over several directory blocks.
	want := map[string]common.InodeId{"lost+found": LOST_FOUND_INO}
	for i := 0; i < 120; i++ {
		name := fmt.Sprintf("file-%03d-%s", i, bytes.Repeat([]byte("x"), i%17))
		ino, err := root.Create([]byte(name), common.TypeFile)
		require.NoError(t, err)
		want[name] = ino
	}
	assert.Greater(t, baseOf(rh.Node().Base()).od.FileSize(), uint64(1024))

	got := listDir(t, root)
	assert.Equal(t, want, got)
	for name, ino := range got {
		found, err := root.Lookup([]byte(name))
		require.NoError(t, err)
		assert.Equal(t, ino, found)
	}

	// Resuming one entry at a time visits every entry once.
	seen := map[string]int{}
	for ofs := 0; ; {
		called := false
		next, err := root.Read(ofs, func(ino common.InodeId, name []byte) bool {
			called = true
			seen[string(name)]++
			return false
		})
		require.NoError(t, err)
		if !called {
			break
		}
		ofs = next
	}
	assert.Len(t, seen, len(want))
	for name, count := range seen {
		assert.Equal(t, 1, count, name)
	}

	_, err := root.Create([]byte("file-000-"), common.TypeFile)
	assert.ErrorIs(t, err, common.ErrAlreadyExists)
	for _, bad := range []string{"", ".", "..", "a/b", string(bytes.Repeat([]byte("n"), 256))} {
		_, err := root.Create([]byte(bad), common.TypeFile)
		assert.ErrorIs(t, err, common.ErrInvalidParameter, "%q", bad)
	}
}

func TestExtents(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()
	fh := tv.create(t, root, "e", common.TypeFile)
	defer fh.Release()

	const nblocks = 40
	_, err := fh.Node().File().Write(0, make([]byte, 20*1024))
	require.NoError(t, err)
	_, err = fh.Node().File().Write(30*1024, make([]byte, 10*1024))
	require.NoError(t, err)
	n := baseOf(fh.Node().Base())

	for idx := uint64(0); idx < nblocks; idx++ {
		start, count, err := n.getExtent(idx, nblocks-idx)
		require.NoError(t, err)
		require.NotZero(t, count)
		for k := uint64(0); k < count; k++ {
			addr, err := n.getBlockAddr(idx + k)
			require.NoError(t, err)
			if start == 0 {
				assert.Zero(t, addr, "block %d inside a hole", idx+k)
			} else {
				assert.Equal(t, start+uint32(k), addr, "block %d", idx+k)
			}
		}
		if idx+count < nblocks {
			addr, err := n.getBlockAddr(idx + count)
			require.NoError(t, err)
			if start == 0 {
				assert.NotZero(t, addr)
			} else {
				assert.NotEqual(t, start+uint32(count), addr)
			}
		}
	}

	start, count, err := n.getExtent(22, 8)
	require.NoError(t, err)
	assert.Zero(t, start)
	assert.Equal(t, uint64(8), count)
}

func TestMkdirUnlink(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()
	rootNode := baseOf(rh.Node().Base())

	before := tv.fs.Stat()
	dh := tv.create(t, root, "d", common.TypeDir)
	assert.Equal(t, uint16(4), rootNode.od.LinksCount)
	assert.Equal(t, uint16(2), baseOf(dh.Node().Base()).od.LinksCount)
	parent, err := dh.Node().Dir().Lookup([]byte(".."))
	require.NoError(t, err)
	assert.Equal(t, common.InodeId(ROOT_INO), parent)
	assert.Equal(t, uint16(3), tv.fs.group(0).UsedDirsCount)

	fh := tv.create(t, dh.Node().Dir(), "f", common.TypeFile)
	_, err = fh.Node().File().Write(0, make([]byte, 5000))
	require.NoError(t, err)
	fh.Release()

	assert.ErrorIs(t, root.Unlink([]byte("d")), common.ErrNotEmpty)
	require.NoError(t, dh.Node().Dir().Unlink([]byte("f")))
	_, err = dh.Node().Dir().Lookup([]byte("f"))
	assert.ErrorIs(t, err, common.ErrNotFound)
	require.NoError(t, root.Unlink([]byte("d")))
	dh.Release()

	assert.Equal(t, uint16(3), rootNode.od.LinksCount)
	_, err = root.Lookup([]byte("d"))
	assert.ErrorIs(t, err, common.ErrNotFound)
	after := tv.fs.Stat()
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks)
	assert.Equal(t, before.FreeInodes, after.FreeInodes)
	assert.Equal(t, uint16(2), tv.fs.group(0).UsedDirsCount)

	// The freed inode number is handed out again.
	ino, err := root.Create([]byte("again"), common.TypeFile)
	require.NoError(t, err)
	assert.Less(t, uint32(ino), uint32(GOOD_OLD_FIRST_INO+3))
}

func TestDeferredDeletion(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()

	before := tv.fs.Stat()
	fh := tv.create(t, root, "victim", common.TypeFile)
	data := bytes.Repeat([]byte("v"), 10*1024)
	_, err := fh.Node().File().Write(0, data)
	require.NoError(t, err)
	written := tv.fs.Stat()
	require.Less(t, written.FreeBlocks, before.FreeBlocks)

	require.NoError(t, root.Unlink([]byte("victim")))
	_, err = root.Lookup([]byte("victim"))
	assert.ErrorIs(t, err, common.ErrNotFound)

	// Still readable while the handle is open.
	assert.Equal(t, written.FreeBlocks, tv.fs.Stat().FreeBlocks)
	assert.True(t, bytes.Equal(data, readAll(t, fh.Node().File())))

	ino := fh.Inode()
	fh.Release()
	after := tv.fs.Stat()
	assert.Equal(t, before.FreeBlocks, after.FreeBlocks)
	assert.Equal(t, before.FreeInodes, after.FreeInodes)
	assert.Zero(t, tv.nc.RefCount(testMount, ino))
	_, err = tv.nc.FromIds(testMount, ino)
	assert.ErrorIs(t, err, common.ErrNotFound)
}

func TestHardLinks(t *testing.T) {
	disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()

	before := tv.fs.Stat()
	fh := tv.create(t, root, "a", common.TypeFile)
	_, err := fh.Node().File().Write(0, []byte("shared"))
	require.NoError(t, err)
	require.NoError(t, root.Link([]byte("b"), fh.Node().Base()))
	assert.Equal(t, uint16(2), baseOf(fh.Node().Base()).od.LinksCount)
	assert.ErrorIs(t, root.Link([]byte("b"), fh.Node().Base()), common.ErrAlreadyExists)
	assert.ErrorIs(t, root.Link([]byte("c"), rh.Node().Base()), common.ErrTypeMismatch)
	fh.Release()

	require.NoError(t, root.Unlink([]byte("a")))
	ino, err := root.Lookup([]byte("b"))
	require.NoError(t, err)
	bh := tv.get(t, ino)
	assert.Equal(t, []byte("shared"), readAll(t, bh.Node().File()))
	bh.Release()

	require.NoError(t, root.Unlink([]byte("b")))
	assert.Equal(t, before.FreeInodes, tv.fs.Stat().FreeInodes)
}

// Writers on separate files share the bitmaps and, with 1k blocks, cache
// pages. Whole-block chunks go straight to the volume, partial ones through
// cached pages; the mixed case interleaves both on the same pages.
func TestConcurrentWriters(t *testing.T) {
	cases := []struct {
		name  string
		chunk func(writer int) int
	}{
		{"partial", func(int) int { return 700 }},
		{"whole blocks", func(int) int { return 1024 }},
		{"mixed", func(w int) int {
			if w%2 == 0 {
				return 1024
			}
			return 100
		}},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			const writers = 6
			contents := func(i int) []byte {
				return bytes.Repeat([]byte{byte('a' + i)}, 30*1024+i)
			}
			check := func(tv *testVolume) {
				rh, root := tv.root(t)
				defer rh.Release()
				for i := 0; i < writers; i++ {
					ino, err := root.Lookup([]byte(fmt.Sprintf("w%d", i)))
					require.NoError(t, err)
					h := tv.get(t, ino)
					assert.True(t, bytes.Equal(contents(i), readAll(t, h.Node().File())), "writer %d", i)
					h.Release()
				}
			}

			disk := formatTestDisk(t, 8<<20, 1024, smallLayout)
			tv := mountTestDisk(t, disk)
			rh, root := tv.root(t)
			var g errgroup.Group
			for i := 0; i < writers; i++ {
				i := i
				g.Go(func() error {
					ino, err := root.Create([]byte(fmt.Sprintf("w%d", i)), common.TypeFile)
					if err != nil {
						return err
					}
					h, err := tv.nc.FromIds(testMount, ino)
					if err != nil {
						return err
					}
					defer h.Release()
					data, chunk := contents(i), c.chunk(i)
					for ofs := 0; ofs < len(data); ofs += chunk {
						end := min(ofs+chunk, len(data))
						if _, err := h.Node().File().Write(uint64(ofs), data[ofs:end]); err != nil {
							return err
						}
					}
					return nil
				})
			}
			require.NoError(t, g.Wait())
			rh.Release()
			check(tv)
			tv.unmount(t)

			tv = mountTestDisk(t, disk)
			check(tv)
			tv.unmount(t)
		})
	}
}

func TestFeatureChecks(t *testing.T) {
	cases := []struct {
		name     string
		patch    func(sb *Superblock)
		score    int
		readOnly bool
		mismatch bool
	}{
		{"plain", func(*Superblock) {}, 3, false, false},
		{"journal", func(sb *Superblock) { sb.FeatureCompat |= FEAT_COMPAT_HAS_JOURNAL }, 2, false, false},
		{"btree", func(sb *Superblock) { sb.FeatureRoCompat |= FEAT_RO_COMPAT_BTREE_DIR }, 2, true, false},
		{"extents", func(sb *Superblock) { sb.FeatureIncompat |= FEAT_INCOMPAT_EXTENTS }, 0, false, true},
		{"not ext2", func(sb *Superblock) { sb.Magic = 0 }, 0, false, true},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			disk := formatTestDisk(t, 2<<20, 1024, FormatOptions{})
			patchSuperblock(t, disk, c.patch)

			tv := attachTestDisk(t, disk)
			defer tv.unmount(t)
			score, err := driver{}.Detect(tv.vol)
			require.NoError(t, err)
			assert.Equal(t, c.score, score)

			fs, err := Open(tv.vol, tv.nc.MountSelf(testMount))
			if c.mismatch {
				assert.ErrorIs(t, err, common.ErrTypeMismatch)
				return
			}
			require.NoError(t, err)
			tv.fs = fs
			tv.mounts.fs = fs
			assert.Equal(t, c.readOnly, fs.ReadOnly())

			rh, root := tv.root(t)
			defer rh.Release()
			_, err = root.Create([]byte("x"), common.TypeFile)
			if c.readOnly {
				assert.ErrorIs(t, err, common.ErrReadOnlyFilesystem)
				assert.ErrorIs(t, root.Unlink([]byte("lost+found")), common.ErrReadOnlyFilesystem)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestDetectTinyVolume(t *testing.T) {
	disk, err := device.NewRamdisk("tiny", 512, make([]byte, 1024))
	require.NoError(t, err)
	tv := attachTestDisk(t, disk)
	defer tv.unmount(t)
	score, err := driver{}.Detect(tv.vol)
	require.NoError(t, err)
	assert.Zero(t, score)
}

func TestOutOfSpace(t *testing.T) {
	disk := formatTestDisk(t, 512<<10, 1024, FormatOptions{InodesPerGroup: 16})
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	rh, root := tv.root(t)
	defer rh.Release()

	fh := tv.create(t, root, "fill", common.TypeFile)
	defer fh.Release()
	n, err := fh.Node().File().Write(0, make([]byte, 1<<20))
	assert.ErrorIs(t, err, common.ErrOutOfSpace)
	assert.Greater(t, n, 0)
	assert.Equal(t, uint64(n), fh.Node().File().Size())
	assert.Zero(t, tv.fs.Stat().FreeBlocks)

	// Freeing the data makes room again.
	_, err = fh.Node().File().Truncate(0)
	require.NoError(t, err)
	_, err = fh.Node().File().Write(0, []byte("ok"))
	assert.NoError(t, err)
}

func TestFormatOptions(t *testing.T) {
	disk, err := device.NewRamdisk("opts", 1024, make([]byte, 1<<20))
	require.NoError(t, err)
	assert.ErrorIs(t, Format(disk, FormatOptions{BlockSize: 3000}), common.ErrInvalidParameter)
	assert.ErrorIs(t, Format(disk, FormatOptions{BlocksPerGroup: 9000}), common.ErrInvalidParameter)
	assert.ErrorIs(t, Format(disk, FormatOptions{Label: "a label that is far too long"}), common.ErrInvalidParameter)

	tiny, err := device.NewRamdisk("tiny", 1024, make([]byte, 8*1024))
	require.NoError(t, err)
	assert.ErrorIs(t, Format(tiny, FormatOptions{}), common.ErrOutOfSpace)

	require.NoError(t, Format(disk, FormatOptions{Label: "data"}))
	tv := mountTestDisk(t, disk)
	defer tv.unmount(t)
	assert.Equal(t, "data", tv.fs.Stat().Label)
}

func TestHasSuper(t *testing.T) {
	var groups []int
	for g := 0; g < 130; g++ {
		if hasSuper(g) {
			groups = append(groups, g)
		}
	}
	assert.Equal(t, []int{0, 1, 3, 5, 7, 9, 25, 27, 49, 81, 125}, groups)
}

func TestProbe(t *testing.T) {
	id := uuid.MustParse("6d4b3f1e-8f6a-4c55-9b1d-2a7e0c9f4b11")
	disk := formatTestDisk(t, 4<<20, 512, FormatOptions{BlockSize: 2048, Label: "probe", UUID: id})

	st, err := Probe(disk)
	require.NoError(t, err)
	assert.Equal(t, 2048, st.BlockSize)
	assert.Equal(t, uint32(2048), st.Blocks)
	assert.Equal(t, "probe", st.Label)
	assert.Equal(t, id, st.UUID)
	assert.True(t, st.CleanUnmount)
	assert.False(t, st.ReadOnly)
	assert.Zero(t, st.MountCount)

	tv := mountTestDisk(t, disk)
	mounted := tv.fs.Stat()
	tv.unmount(t)
	st, err = Probe(disk)
	require.NoError(t, err)
	assert.Equal(t, uint16(1), st.MountCount)
	assert.Equal(t, mounted.FreeBlocks, st.FreeBlocks)

	patchSuperblock(t, disk, func(sb *Superblock) { sb.FeatureRoCompat |= FEAT_RO_COMPAT_BTREE_DIR })
	st, err = Probe(disk)
	require.NoError(t, err)
	assert.True(t, st.ReadOnly)

	blank, err := device.NewRamdisk("blank", 512, make([]byte, 64<<10))
	require.NoError(t, err)
	_, err = Probe(blank)
	assert.ErrorIs(t, err, common.ErrTypeMismatch)
}
