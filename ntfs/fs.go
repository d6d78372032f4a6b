// Package ntfs is a read-only NTFS driver. It reads directories through
// their $I30 B-tree index, file data from resident and non-resident $DATA
// attributes, and symbolic links from reparse points.
package ntfs

import (
	"strconv"

	"github.com/dgraph-io/ristretto"
	"github.com/pkg/errors"
	"golang.org/x/sync/singleflight"

	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
)

type logger interface {
	Debug(msg string, fields ...any)
	Info(msg string, fields ...any)
	Warn(msg string, fields ...any)
	Error(msg string, fields ...any)
}

// Record cache defaults for zero config fields.
const (
	DefaultMftCacheCounters = 10000
	DefaultMftCacheCost     = 1024
)

func withDefaults(cfg common.NTFSConfig) common.NTFSConfig {
	if cfg.MftCacheCounters <= 0 {
		cfg.MftCacheCounters = DefaultMftCacheCounters
	}
	if cfg.MftCacheCost <= 0 {
		cfg.MftCacheCost = DefaultMftCacheCost
	}
	return cfg
}

// FS is a mounted NTFS volume.
type FS struct {
	vol  *bcache.Handle
	self common.MountSelf
	log  logger
	cfg  common.NTFSConfig

	boot        BootSector
	clusterSize uint64
	clusters    uint64
	recordSize  uint64
	indexSize   uint64 // index block size from the boot sector
	mft         *attr  // $DATA of $MFT, through which records are found

	// Decoded records by number; each costs 1, so MftCacheCost is a count.
	records *ristretto.Cache[uint64, *record]
	loads   singleflight.Group
}

func readBootSector(vol *bcache.Handle) (*BootSector, error) {
	buf := make([]byte, SECTOR_SIZE)
	if err := readBytes(vol, 0, buf); err != nil {
		return nil, err
	}
	bs := new(BootSector)
	if err := decode(buf, bs); err != nil {
		return nil, errors.Wrap(common.ErrInconsistentFilesystem, err.Error())
	}
	return bs, nil
}

// Open mounts the NTFS volume on vol. Zero fields of cfg take the defaults.
func Open(vol *bcache.Handle, self common.MountSelf, cfg common.NTFSConfig) (*FS, error) {
	log := common.GetLogger().With("component", "ntfs", "volume", vol.Volume().Name())

	boot, err := readBootSector(vol)
	if err != nil {
		return nil, err
	}
	if !boot.Valid() {
		return nil, errors.Wrap(common.ErrTypeMismatch, "not an NTFS boot sector")
	}
	fs := &FS{
		vol:         vol,
		self:        self,
		cfg:         withDefaults(cfg),
		log:         log,
		boot:        *boot,
		clusterSize: boot.ClusterSize(),
		clusters:    boot.Clusters(),
		recordSize:  boot.MftRecordBytes(),
		indexSize:   boot.IndexRecordBytes(),
	}
	if fs.clusterSize%uint64(vol.BlockSize()) != 0 {
		return nil, common.Inconsistent("cluster size %d is not a multiple of volume block size %d", fs.clusterSize, vol.BlockSize())
	}
	if need := fs.clusters * fs.clusterSize; need > vol.Capacity()*uint64(vol.BlockSize()) {
		return nil, common.Inconsistent("volume holds %d bytes, filesystem needs %d", vol.Capacity()*uint64(vol.BlockSize()), need)
	}

	fs.records, err = ristretto.NewCache(&ristretto.Config[uint64, *record]{
		NumCounters:        fs.cfg.MftCacheCounters,
		MaxCost:            fs.cfg.MftCacheCost,
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, errors.Wrap(err, "creating MFT record cache")
	}

	// $MFT describes itself; its first record sits at the start of the MFT.
	buf := make([]byte, fs.recordSize)
	if err := readBytes(vol, boot.MftStart*fs.clusterSize, buf); err != nil {
		fs.records.Close()
		return nil, err
	}
	mftRec, err := parseRecord(MFT_RECORD_MFT, buf)
	if err != nil {
		fs.records.Close()
		return nil, err
	}
	if fs.mft = mftRec.find(ATTR_DATA, ""); fs.mft == nil || fs.mft.resident {
		fs.records.Close()
		return nil, common.Inconsistent("$MFT has no non-resident $DATA")
	}

	root, err := fs.record(MFT_RECORD_ROOT)
	if err != nil {
		fs.records.Close()
		return nil, err
	}
	if !root.inUse() || !root.isDir() {
		fs.records.Close()
		return nil, common.Inconsistent("root record is not a directory")
	}
	log.Info("mounted", "cluster_size", fs.clusterSize, "record_size", fs.recordSize, "clusters", fs.clusters)
	return fs, nil
}

// record returns MFT record num, decoding it at most once while cached.
// Concurrent loads of the same record share one read.
func (fs *FS) record(num uint64) (*record, error) {
	if r, ok := fs.records.Get(num); ok {
		return r, nil
	}
	v, err, _ := fs.loads.Do(strconv.FormatUint(num, 10), func() (interface{}, error) {
		if r, ok := fs.records.Get(num); ok {
			return r, nil
		}
		r, err := fs.loadRecord(num)
		if err != nil {
			return nil, err
		}
		fs.records.Set(num, r, 1)
		fs.records.Wait()
		return r, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*record), nil
}

func (fs *FS) loadRecord(num uint64) (*record, error) {
	if num >= fs.mft.realSize/fs.recordSize {
		return nil, errors.Wrapf(common.ErrNotFound, "MFT record %d beyond the MFT", num)
	}
	buf := make([]byte, fs.recordSize)
	n, err := fs.readAttr(fs.mft, num*fs.recordSize, buf)
	if err != nil {
		return nil, err
	}
	if uint64(n) != fs.recordSize {
		return nil, common.Inconsistent("short read of MFT record %d", num)
	}
	fs.log.Debug("loaded MFT record", "record", num)
	return parseRecord(num, buf)
}

// readAttr reads attribute content at ofs into dst, clamped to the
// attribute's size. Content past the initialized size reads as zeroes, as
// do sparse runs.
func (fs *FS) readAttr(a *attr, ofs uint64, dst []byte) (int, error) {
	size := a.size()
	if ofs > size {
		return 0, errors.Wrapf(common.ErrInvalidParameter, "read at %d past end of attribute (%d)", ofs, size)
	}
	if uint64(len(dst)) > size-ofs {
		dst = dst[:size-ofs]
	}
	if a.resident {
		return copy(dst, a.value[ofs:]), nil
	}
	if a.flags&(ATTR_FLAG_COMPRESSED|ATTR_FLAG_ENCRYPTED) != 0 {
		return 0, common.Unknown("compressed or encrypted attributes are not supported")
	}

	done := 0
	for done < len(dst) {
		pos := ofs + uint64(done)
		rest := dst[done:]
		if pos >= a.initSize {
			clear(rest)
			done = len(dst)
			break
		}
		if uint64(len(rest)) > a.initSize-pos {
			rest = rest[:a.initSize-pos]
		}
		vcn, inner := pos/fs.clusterSize, pos%fs.clusterSize
		r := a.lookupRun(vcn)
		if r == nil {
			return done, common.Inconsistent("no run maps cluster %d", vcn)
		}
		avail := (r.vcn+r.length-vcn)*fs.clusterSize - inner
		if uint64(len(rest)) > avail {
			rest = rest[:avail]
		}
		if r.sparse {
			clear(rest)
		} else {
			lcn := r.lcn + (vcn - r.vcn)
			if r.lcn+r.length > fs.clusters {
				return done, common.Inconsistent("run at cluster %d of %d clusters is past the volume end", r.lcn, r.length)
			}
			if err := readBytes(fs.vol, lcn*fs.clusterSize+inner, rest); err != nil {
				return done, err
			}
		}
		done += len(rest)
	}
	return done, nil
}

func (a *attr) lookupRun(vcn uint64) *run {
	for i := range a.runs {
		if r := &a.runs[i]; vcn >= r.vcn && vcn < r.vcn+r.length {
			return r
		}
	}
	return nil
}

// readBytes reads at a byte offset through the block cache. Whole aligned
// blocks go through ReadBlocks in one request.
func readBytes(vol *bcache.Handle, ofs uint64, dst []byte) error {
	vbs := uint64(vol.BlockSize())
	for len(dst) > 0 {
		inner := ofs % vbs
		if inner == 0 && uint64(len(dst)) >= vbs {
			n := uint64(len(dst)) / vbs * vbs
			if err := vol.ReadBlocks(ofs/vbs, dst[:n]); err != nil {
				return err
			}
			dst = dst[n:]
			ofs += n
			continue
		}
		n := min(vbs-inner, uint64(len(dst)))
		if err := vol.ReadInner(ofs/vbs, int(inner), dst[:n]); err != nil {
			return err
		}
		dst = dst[n:]
		ofs += n
	}
	return nil
}

func (fs *FS) RootInode() common.InodeId {
	return MFT_RECORD_ROOT
}

func (fs *FS) ReadOnly() bool {
	return true
}

// Config is the record cache configuration in effect, defaults applied.
func (fs *FS) Config() common.NTFSConfig {
	return fs.cfg
}

func (fs *FS) Sync() error {
	return nil
}

func (fs *FS) Unmount() error {
	fs.records.Close()
	fs.log.Info("unmounted")
	return nil
}

// GetNode classifies record inode as a directory, symbolic link or file.
func (fs *FS) GetNode(inode common.InodeId) (*common.Node, error) {
	num := uint64(inode) & MFT_REF_MASK
	r, err := fs.record(num)
	if err != nil {
		return nil, err
	}
	if !r.inUse() {
		return nil, errors.Wrapf(common.ErrNotFound, "MFT record %d not in use", num)
	}
	if r.hdr.BaseRecord != 0 {
		return nil, errors.Wrapf(common.ErrNotFound, "MFT record %d is an extension record", num)
	}
	if r.find(ATTR_ATTRIBUTE_LIST, "") != nil {
		return nil, common.Unknown("attribute lists are not supported")
	}
	n := &node{fs: fs, rec: r}

	if rp := r.find(ATTR_REPARSE_POINT, ""); rp != nil {
		tag, err := fs.reparseTag(rp)
		if err != nil {
			return nil, err
		}
		if tag == IO_REPARSE_TAG_SYMLINK {
			return common.NewSymlinkNode(symlink{n, rp}), nil
		}
		fs.log.Debug("ignoring reparse point", "record", num, "tag", tag)
	}
	if r.isDir() {
		d, err := fs.newDir(n)
		if err != nil {
			return nil, err
		}
		return common.NewDirNode(d), nil
	}
	data := r.find(ATTR_DATA, "")
	if data == nil {
		return nil, common.Inconsistent("file record %d has no $DATA", num)
	}
	return common.NewFileNode(file{n, data}), nil
}

// VolumeLabel returns the name stored in the $Volume record.
func (fs *FS) VolumeLabel() (string, error) {
	r, err := fs.record(MFT_RECORD_VOLUME)
	if err != nil {
		return "", err
	}
	a := r.find(ATTR_VOLUME_NAME, "")
	if a == nil || !a.resident {
		return "", nil
	}
	return DecodeName(a.value)
}

// Geometry reports the cluster and MFT record sizes.
func (fs *FS) Geometry() (clusterSize, recordSize, clusters uint64) {
	return fs.clusterSize, fs.recordSize, fs.clusters
}

var _ common.Filesystem = (*FS)(nil)
