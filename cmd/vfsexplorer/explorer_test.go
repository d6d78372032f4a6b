package main

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/device"
	"github.com/thepowersgang/vfs/ext2"
	"github.com/thepowersgang/vfs/fs"
	"github.com/thepowersgang/vfs/handle"
)

func newTestExplorer(t *testing.T) (*explorer, *bytes.Buffer) {
	v, err := fs.New(common.DefaultConfig())
	require.NoError(t, err)
	out := &bytes.Buffer{}
	ex := newExplorer(v, out)

	disk, err := device.NewRamdisk("hd0", 512, make([]byte, 2<<20))
	require.NoError(t, err)
	require.NoError(t, ext2.Format(disk, ext2.FormatOptions{Label: "explore"}))
	p, err := ex.mountAt("hd0", disk, "")
	require.NoError(t, err)
	require.Equal(t, "/volumes/hd0", p)

	d, err := v.OpenDir(p)
	require.NoError(t, err)
	a, err := d.Create([]byte("notes.txt"), common.TypeFile)
	require.NoError(t, err)
	f, err := a.File(handle.ExclRW)
	require.NoError(t, err)
	_, err = f.Write(0, []byte("remember the milk"))
	require.NoError(t, err)
	f.Close()
	require.NoError(t, d.Symlink([]byte("todo"), []byte("notes.txt")))
	d.Close()
	return ex, out
}

func do(t *testing.T, ex *explorer, out *bytes.Buffer, line string) string {
	out.Reset()
	require.NoError(t, ex.exec(line), line)
	return out.String()
}

func TestExplorerCommands(t *testing.T) {
	ex, out := newTestExplorer(t)

	assert.Contains(t, do(t, ex, out, "ls"), `"volumes"`)
	do(t, ex, out, "cd volumes/hd0")
	assert.Equal(t, "/volumes/hd0\n", do(t, ex, out, "pwd"))

	listing := do(t, ex, out, "ls")
	assert.Contains(t, listing, `"lost+found"`)
	assert.Contains(t, listing, `"notes.txt"`)

	assert.Equal(t, "remember the milk\n", do(t, ex, out, "cat todo"))
	assert.Equal(t, "notes.txt\n", do(t, ex, out, "readlink todo"))
	assert.Contains(t, do(t, ex, out, "stat notes.txt"), "file size 17")
	assert.Contains(t, do(t, ex, out, "stat ."), "inode 2 dir")

	mounts := do(t, ex, out, "mounts")
	assert.Contains(t, mounts, "0\t/\tramfs")
	assert.Contains(t, mounts, "1\t/volumes/hd0\textN")

	// the superblock starts at byte 1024, the label at 0x78 within it
	dump := do(t, ex, out, "block /volumes/hd0 2")
	assert.True(t, strings.HasPrefix(dump, "00000400 "), dump)
	assert.Contains(t, dump, "explore")
	assert.Contains(t, do(t, ex, out, "cache"), "pages")

	do(t, ex, out, "cd ..")
	assert.Equal(t, "/volumes\n", do(t, ex, out, "pwd"))
	require.NoError(t, ex.v.Shutdown())
}

func TestExplorerErrors(t *testing.T) {
	ex, _ := newTestExplorer(t)

	assert.Error(t, ex.exec("frobnicate"))
	assert.Error(t, ex.exec("cat"))
	assert.ErrorIs(t, ex.exec("cd /volumes/hd0/notes.txt"), common.ErrTypeMismatch)
	assert.ErrorIs(t, ex.exec("cat /volumes/missing"), common.ErrNotFound)
	assert.ErrorIs(t, ex.exec("block /temp 0"), common.ErrNotFound)
	assert.ErrorIs(t, ex.exec("block /volumes/hd0 x"), common.ErrInvalidParameter)
	assert.ErrorIs(t, ex.exec("block / 0"), common.ErrInvalidParameter)
	assert.Equal(t, "/", ex.cwd)
	assert.NoError(t, ex.exec("   "))
	require.NoError(t, ex.v.Shutdown())
}
