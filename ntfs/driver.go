package ntfs

import (
	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/mount"
)

const DriverName = "ntfs"

func init() {
	mount.MustRegisterDriver(DriverName, driver{})
}

type driver struct{}

// Detect scores 1 for a valid NTFS boot sector. The driver is read-only, so
// any writable driver claiming the volume wins.
func (driver) Detect(vol *bcache.Handle) (int, error) {
	if vol.Capacity()*uint64(vol.BlockSize()) < SECTOR_SIZE {
		return 0, nil
	}
	boot, err := readBootSector(vol)
	if err != nil {
		return 0, err
	}
	if !boot.Valid() {
		return 0, nil
	}
	return 1, nil
}

func (driver) Mount(vol *bcache.Handle, self common.MountSelf, cfg common.Config) (common.Filesystem, error) {
	return Open(vol, self, cfg.NTFS)
}
