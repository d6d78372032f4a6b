package device

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/thepowersgang/vfs/common"
)

func TestRamdiskReadWrite(t *testing.T) {
	rd, err := NewRamdisk("rd0", 512, make([]byte, 512*8))
	require.NoError(t, err)
	assert.Equal(t, uint64(8), rd.Capacity())

	buf := make([]byte, 1024)
	for i := range buf {
		buf[i] = byte(i)
	}
	require.NoError(t, rd.WriteBlocks(2, buf))

	out := make([]byte, 1024)
	require.NoError(t, rd.ReadBlocks(2, out))
	assert.Equal(t, buf, out)
	assert.Equal(t, buf, rd.Bytes()[1024:2048])
}

func TestRamdiskBounds(t *testing.T) {
	rd, err := NewRamdisk("rd0", 512, make([]byte, 512*4))
	require.NoError(t, err)

	err = rd.ReadBlocks(3, make([]byte, 1024))
	assert.ErrorIs(t, err, common.ErrBlockIo)

	err = rd.ReadBlocks(0, make([]byte, 100))
	var ioErr *common.IoError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, common.IoInvalidParameter, ioErr.Kind)

	_, err = NewRamdisk("bad", 512, make([]byte, 100))
	assert.Error(t, err)
}

func TestReadOnlyWrapper(t *testing.T) {
	rd, err := NewRamdisk("rd0", 512, make([]byte, 512*4))
	require.NoError(t, err)
	ro := ReadOnly(rd)

	err = ro.WriteBlocks(0, make([]byte, 512))
	var ioErr *common.IoError
	require.ErrorAs(t, err, &ioErr)
	assert.Equal(t, common.IoReadOnly, ioErr.Kind)
	assert.NoError(t, ro.ReadBlocks(0, make([]byte, 512)))
	assert.True(t, common.VolumeReadOnly(ro))
	assert.False(t, common.VolumeReadOnly(rd))
}

func TestFileVolume(t *testing.T) {
	path := filepath.Join(t.TempDir(), "disk.img")
	require.NoError(t, os.WriteFile(path, make([]byte, 4096+100), 0o644))

	vol, err := OpenFile(path, 1024, false)
	require.NoError(t, err)
	assert.Equal(t, uint64(4), vol.Capacity())

	data := make([]byte, 1024)
	copy(data, "hello volume")
	require.NoError(t, vol.WriteBlocks(3, data))

	out := make([]byte, 2048)
	require.NoError(t, vol.ReadBlocks(2, out))
	assert.Equal(t, data, out[1024:])
	assert.Error(t, vol.ReadBlocks(4, make([]byte, 1024)))
	require.NoError(t, vol.Close())

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, "hello volume", string(raw[3072:3072+12]))

	ro, err := OpenFile(path, 1024, true)
	require.NoError(t, err)
	assert.True(t, common.VolumeReadOnly(ro))
	assert.ErrorIs(t, ro.WriteBlocks(0, data), common.ErrBlockIo)
	require.NoError(t, ro.ReadBlocks(3, out[:1024]))
	assert.Equal(t, data, out[:1024])
	require.NoError(t, ro.Close())
}
