package ext2

import (
	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/mount"
)

const DriverName = "extN"

func init() {
	mount.MustRegisterDriver(DriverName, driver{})
}

type driver struct{}

// Detect scores 3 for volumes this driver fully supports, 2 for ones it can
// only mount read-only or with optional features ignored, and 0 otherwise.
func (driver) Detect(vol *bcache.Handle) (int, error) {
	if vol.Capacity()*uint64(vol.BlockSize()) < SUPERBLOCK_OFFSET+SUPERBLOCK_SIZE {
		return 0, nil
	}
	sb, err := readSuperblock(vol)
	if err != nil {
		return 0, err
	}
	if sb.Magic != EXT2_MAGIC {
		return 0, nil
	}
	log := common.GetLogger().With("component", "ext2", "volume", vol.Volume().Name())
	switch checkFeatures(sb, log) {
	case featuresOk:
		return 3, nil
	case featuresReduced, featuresReadOnly:
		return 2, nil
	}
	return 0, nil
}

func (driver) Mount(vol *bcache.Handle, self common.MountSelf, _ common.Config) (common.Filesystem, error) {
	return Open(vol, self)
}
