// Package mount keeps the registered filesystem drivers and the table of
// mounted filesystems.
package mount

import (
	"sort"
	"sync"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
)

// Driver is a filesystem implementation.
type Driver interface {
	// Detect returns how well the driver handles the volume, where 0 means
	// not at all. extN reports 2 or 3 depending on feature support.
	Detect(vol *bcache.Handle) (int, error)
	// Mount creates a filesystem instance. self is not usable for node
	// lookups until Mount has returned. cfg is the configuration of the VFS
	// doing the mount; drivers keep no global settings.
	Mount(vol *bcache.Handle, self common.MountSelf, cfg common.Config) (common.Filesystem, error)
}

var (
	driversMu sync.RWMutex
	drivers   = make(map[string]Driver)
)

// RegisterDriver makes a driver available under name. Drivers register
// themselves from init.
func RegisterDriver(name string, d Driver) error {
	driversMu.Lock()
	defer driversMu.Unlock()
	if _, ok := drivers[name]; ok {
		return errors.Wrapf(common.ErrAlreadyExists, "driver %q", name)
	}
	drivers[name] = d
	return nil
}

func MustRegisterDriver(name string, d Driver) {
	if err := RegisterDriver(name, d); err != nil {
		panic(err)
	}
}

func GetDriver(name string) (Driver, error) {
	driversMu.RLock()
	defer driversMu.RUnlock()
	d, ok := drivers[name]
	if !ok {
		return nil, errors.Wrapf(common.ErrNotFound, "filesystem driver %q not registered", name)
	}
	return d, nil
}

func DriverNames() []string {
	driversMu.RLock()
	defer driversMu.RUnlock()
	names := make([]string, 0, len(drivers))
	for name := range drivers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Detect probes every registered driver and returns the one with the
// highest non-zero score. Probe errors count as a score of zero.
func Detect(vol *bcache.Handle) (string, Driver, error) {
	log := common.GetLogger()
	bestName, bestScore := "", 0
	var best Driver
	for _, name := range DriverNames() {
		d, _ := GetDriver(name)
		score, err := d.Detect(vol)
		if err != nil {
			log.Debug("driver probe failed", "component", "mount", "driver", name, "volume", vol.Volume().Name(), "error", err)
			continue
		}
		if score > bestScore {
			bestName, bestScore, best = name, score, d
		}
	}
	if best == nil {
		return "", nil, errors.Wrapf(common.ErrTypeMismatch, "no driver handles volume %s", vol.Volume().Name())
	}
	return bestName, best, nil
}
