// Package ntfstest lays out small NTFS images for tests. The images carry
// the structures the ntfs driver reads: a self-describing $MFT, $I30 B-tree
// indexes that spill into index blocks, resident and non-resident data, and
// symbolic link reparse points.
package ntfstest

import (
	"bytes"
	"encoding/binary"
	"math/bits"
	"sort"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/ntfs"
)

// Entry is one node of the tree Build writes.
type Entry struct {
	Name     string
	Dir      bool
	Children []Entry

	Data []byte
	// Sparse turns all-zero clusters of non-resident Data into sparse runs.
	Sparse bool
	// ValidLength, when non-zero, is the initialized size. The bytes of Data
	// past it are still written to disk.
	ValidLength int

	// Symlink is the substitute name of a symbolic link in Windows form,
	// such as `\??\C:\Data\x` or `..\x`.
	Symlink  string
	Relative bool

	// ShortName adds a DOS-namespace alias for the entry.
	ShortName string
}

type Options struct {
	ClusterSize    int // default 4096
	RecordSize     int // default 1024
	IndexBlockSize int // default 4096
	IndexFanout    int // most keys per index node, at least 2; default 4
	ResidentLimit  int // largest resident $DATA; default 256
	Label          string
}

func (o *Options) setDefaults() error {
	if o.ClusterSize == 0 {
		o.ClusterSize = 4096
	}
	if o.RecordSize == 0 {
		o.RecordSize = 1024
	}
	if o.IndexBlockSize == 0 {
		o.IndexBlockSize = 4096
	}
	if o.IndexFanout == 0 {
		o.IndexFanout = 4
	}
	if o.ResidentLimit == 0 {
		o.ResidentLimit = 256
	}
	for _, v := range []int{o.ClusterSize, o.RecordSize, o.IndexBlockSize} {
		if v < ntfs.SECTOR_SIZE || v&(v-1) != 0 {
			return errors.Errorf("size %d is not a power of two of at least a sector", v)
		}
	}
	if o.ClusterSize > 128*ntfs.SECTOR_SIZE {
		return errors.Errorf("cluster size %d too large", o.ClusterSize)
	}
	if o.IndexFanout < 2 {
		return errors.Errorf("index fanout %d below 2", o.IndexFanout)
	}
	return nil
}

// IndexBlock locates one index block of a directory in the image.
type IndexBlock struct {
	Offset int64 // byte offset in Image.Data
	Vcn    uint64
	Names  []string // keys held by the block itself
}

type Image struct {
	Data        []byte
	ClusterSize int
	// Records maps absolute paths to MFT record numbers; "/" is the root.
	Records map[string]uint64
	// Blocks lists the index blocks of each directory by path.
	Blocks map[string][]IndexBlock
}

const (
	mftMirrorCluster = 1
	mftCluster       = 4
	sequence         = 1
	usn              = 1
)

type builder struct {
	opts   Options
	cs     uint64
	rs     int
	next   uint64 // next free record
	nrecs  uint64
	lcn    uint64 // next free cluster
	recs   map[uint64][]byte
	writes []span
	img    *Image
}

type span struct {
	ofs  uint64
	data []byte
}

// Build writes an image whose root directory holds root.
func Build(root []Entry, opts Options) (*Image, error) {
	if err := opts.setDefaults(); err != nil {
		return nil, err
	}
	b := &builder{
		opts: opts,
		cs:   uint64(opts.ClusterSize),
		rs:   opts.RecordSize,
		next: ntfs.FIRST_USER_RECORD,
		recs: make(map[uint64][]byte),
		img: &Image{
			ClusterSize: opts.ClusterSize,
			Records:     map[string]uint64{"/": ntfs.MFT_RECORD_ROOT},
			Blocks:      make(map[string][]IndexBlock),
		},
	}
	b.nrecs = ntfs.FIRST_USER_RECORD + countEntries(root)
	mftClusters := (b.nrecs*uint64(b.rs) + b.cs - 1) / b.cs
	b.lcn = mftCluster + mftClusters

	if err := b.systemRecords(root, mftClusters); err != nil {
		return nil, err
	}
	total := b.lcn + 8
	data := make([]byte, total*b.cs)
	if err := b.bootSector(data, total); err != nil {
		return nil, err
	}
	for _, w := range b.writes {
		copy(data[w.ofs:], w.data)
	}
	for num, rec := range b.recs {
		copy(data[mftCluster*b.cs+num*uint64(b.rs):], rec)
	}
	b.img.Data = data
	return b.img, nil
}

func countEntries(entries []Entry) uint64 {
	n := uint64(len(entries))
	for _, e := range entries {
		n += countEntries(e.Children)
	}
	return n
}

func (b *builder) bootSector(data []byte, clusters uint64) error {
	spc := b.cs / ntfs.SECTOR_SIZE
	bs := ntfs.BootSector{
		Jump:              [3]byte{0xEB, 0x52, 0x90},
		BytesPerSector:    ntfs.SECTOR_SIZE,
		SectorsPerCluster: uint8(spc),
		MediaDescriptor:   0xF8,
		TotalSectors:      clusters * spc,
		MftStart:          mftCluster,
		MftMirrorStart:    mftMirrorCluster,
		MftRecordSize:     sizeField(b.rs, int(b.cs)),
		IndexRecordSize:   sizeField(b.opts.IndexBlockSize, int(b.cs)),
		SerialNumber:      0x5eed5eed5eed5eed,
		Signature:         ntfs.BOOT_SIGNATURE,
	}
	copy(bs.SystemId[:], "NTFS    ")
	return put(data, &bs)
}

// sizeField encodes a record size as a cluster count or, when smaller than
// a cluster, as a negative log2.
func sizeField(size, cluster int) int8 {
	if size >= cluster {
		return int8(size / cluster)
	}
	return -int8(bits.TrailingZeros(uint(size)))
}

func put(dst []byte, v any) error {
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, v); err != nil {
		return err
	}
	copy(dst, buf.Bytes())
	return nil
}

func align8(n int) int {
	return (n + 7) &^ 7
}

func ref(num uint64) uint64 {
	return num | sequence<<48
}

// alloc reserves n clusters and returns the first.
func (b *builder) alloc(n uint64) uint64 {
	lcn := b.lcn
	b.lcn += n
	return lcn
}

func (b *builder) write(lcn uint64, data []byte) {
	b.writes = append(b.writes, span{ofs: lcn * b.cs, data: data})
}

type runSpec struct {
	lcn    uint64
	length uint64
	sparse bool
}

// attrSpec is an attribute about to be encoded into a record.
type attrSpec struct {
	typ   uint32
	name  string
	flags uint16
	value []byte // resident when runs is nil

	runs      []runSpec
	allocSize uint64
	realSize  uint64
	initSize  uint64
}

func resident(typ uint32, name string, value []byte) attrSpec {
	return attrSpec{typ: typ, name: name, value: value}
}

func (a *attrSpec) encode(id uint16) ([]byte, error) {
	name, err := ntfs.EncodeName(a.name)
	if err != nil {
		return nil, err
	}
	if a.runs == nil {
		valueOfs := align8(0x18 + len(name))
		length := align8(valueOfs + len(a.value))
		buf := make([]byte, length)
		a.header(buf, length, false, len(name), 0x18, id)
		binary.LittleEndian.PutUint32(buf[0x10:], uint32(len(a.value)))
		binary.LittleEndian.PutUint16(buf[0x14:], uint16(valueOfs))
		copy(buf[0x18:], name)
		copy(buf[valueOfs:], a.value)
		return buf, nil
	}

	var pairs []byte
	var prev, vcns uint64
	for _, r := range a.runs {
		pairs = ntfs.EncodeRun(pairs, r.length, int64(r.lcn)-int64(prev), r.sparse)
		if !r.sparse {
			prev = r.lcn
		}
		vcns += r.length
	}
	pairs = append(pairs, 0)
	runsOfs := align8(0x40 + len(name))
	length := align8(runsOfs + len(pairs))
	buf := make([]byte, length)
	a.header(buf, length, true, len(name), 0x40, id)
	binary.LittleEndian.PutUint64(buf[0x18:], vcns-1)
	binary.LittleEndian.PutUint16(buf[0x20:], uint16(runsOfs))
	binary.LittleEndian.PutUint64(buf[0x28:], a.allocSize)
	binary.LittleEndian.PutUint64(buf[0x30:], a.realSize)
	binary.LittleEndian.PutUint64(buf[0x38:], a.initSize)
	copy(buf[0x40:], name)
	copy(buf[runsOfs:], pairs)
	return buf, nil
}

func (a *attrSpec) header(buf []byte, length int, nonResident bool, nameBytes, nameOfs int, id uint16) {
	binary.LittleEndian.PutUint32(buf, a.typ)
	binary.LittleEndian.PutUint32(buf[4:], uint32(length))
	if nonResident {
		buf[8] = 1
	}
	buf[9] = uint8(nameBytes / 2)
	binary.LittleEndian.PutUint16(buf[10:], uint16(nameOfs))
	binary.LittleEndian.PutUint16(buf[12:], a.flags)
	binary.LittleEndian.PutUint16(buf[14:], id)
}

// record encodes and protects MFT record num.
func (b *builder) record(num uint64, flags uint16, attrs []attrSpec) error {
	buf := make([]byte, b.rs)
	usaOfs := ntfs.RECORD_HEADER_SIZE
	usaCount := b.rs/ntfs.SECTOR_SIZE + 1
	ofs := align8(usaOfs + 2*usaCount)
	hdr := ntfs.RecordHeader{
		Magic:        ntfs.FILE_MAGIC,
		UsaOffset:    uint16(usaOfs),
		UsaCount:     uint16(usaCount),
		Sequence:     sequence,
		Links:        1,
		AttrsOffset:  uint16(ofs),
		Flags:        flags,
		BytesAlloc:   uint32(b.rs),
		NextAttrId:   uint16(len(attrs)),
		RecordNumber: uint32(num),
	}
	for i := range attrs {
		enc, err := attrs[i].encode(uint16(i))
		if err != nil {
			return err
		}
		if ofs+len(enc)+8 > b.rs {
			return errors.Errorf("MFT record %d overflows %d bytes", num, b.rs)
		}
		copy(buf[ofs:], enc)
		ofs += len(enc)
	}
	binary.LittleEndian.PutUint32(buf[ofs:], ntfs.ATTR_END)
	hdr.BytesUsed = uint32(ofs + 8)
	if err := put(buf, &hdr); err != nil {
		return err
	}
	if err := ntfs.Protect(buf, usn); err != nil {
		return err
	}
	b.recs[num] = buf
	return nil
}

func fileName(parent uint64, name string, ns uint8, size uint64, dir bool) ([]byte, error) {
	u, err := ntfs.EncodeName(name)
	if err != nil {
		return nil, err
	}
	if len(u)/2 > 255 {
		return nil, errors.Errorf("name %q too long", name)
	}
	hdr := ntfs.FileNameHeader{
		ParentRef:  ref(parent),
		AllocSize:  size,
		RealSize:   size,
		NameLength: uint8(len(u) / 2),
		NameSpace:  ns,
	}
	if dir {
		hdr.Flags = ntfs.FILE_ATTR_DIRECTORY
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	buf.Write(u)
	return buf.Bytes(), nil
}

// item is a key of a directory index together with the subnode holding the
// keys that sort before it.
type item struct {
	num   uint64
	name  string
	key   []byte
	upper []uint16
	child *indexNode
}

type indexNode struct {
	items []item
	last  *indexNode // subnode of the end entry
	vcn   uint64
}

// buildTree arranges sorted keys into a B-tree with at most fanout keys per
// node. Each pass groups runs of keys into nodes, promoting the key after
// each run to the level above.
func buildTree(items []item, fanout int) *indexNode {
	var tail *indexNode
	for len(items) > fanout {
		var up []item
		rest := items
		for {
			if len(rest) <= fanout {
				tail = &indexNode{items: rest, last: tail}
				break
			}
			n := fanout
			if len(rest)-n-1 < 1 {
				n = len(rest) - 2
			}
			sep := rest[n]
			node := &indexNode{items: rest[:n], last: sep.child}
			sep.child = node
			up = append(up, sep)
			rest = rest[n+1:]
		}
		items = up
	}
	return &indexNode{items: items, last: tail}
}

func (n *indexNode) large() bool {
	return n.last != nil
}

func (n *indexNode) entries() []byte {
	var out []byte
	for _, it := range n.items {
		out = append(out, indexEntry(it.num, it.key, it.child, 0)...)
	}
	return append(out, indexEntry(0, nil, n.last, ntfs.INDEX_ENTRY_END)...)
}

func indexEntry(num uint64, key []byte, child *indexNode, flags uint16) []byte {
	length := align8(16 + len(key))
	if child != nil {
		length += 8
		flags |= ntfs.INDEX_ENTRY_NODE
	}
	e := make([]byte, length)
	if key != nil {
		binary.LittleEndian.PutUint64(e, ref(num))
	}
	binary.LittleEndian.PutUint16(e[8:], uint16(length))
	binary.LittleEndian.PutUint16(e[10:], uint16(len(key)))
	binary.LittleEndian.PutUint16(e[12:], flags)
	copy(e[16:], key)
	if child != nil {
		binary.LittleEndian.PutUint64(e[length-8:], child.vcn)
	}
	return e
}

// blocks lists the nodes below the root in pre-order.
func (n *indexNode) blocks(out []*indexNode) []*indexNode {
	for _, it := range n.items {
		if it.child != nil {
			out = append(out, it.child)
			out = it.child.blocks(out)
		}
	}
	if n.last != nil {
		out = append(out, n.last)
		out = n.last.blocks(out)
	}
	return out
}

// index builds the $I30 attributes of the directory at path from its keys.
func (b *builder) index(path string, items []item) ([]attrSpec, error) {
	sort.Slice(items, func(i, j int) bool {
		return ntfs.CompareNames(items[i].upper, items[j].upper) < 0
	})
	for i := 1; i < len(items); i++ {
		if ntfs.CompareNames(items[i-1].upper, items[i].upper) == 0 {
			return nil, errors.Errorf("%s: duplicate name %q", path, items[i].name)
		}
	}
	root := buildTree(items, b.opts.IndexFanout)
	bsz := b.opts.IndexBlockSize
	unit := ntfs.SECTOR_SIZE
	if uint64(bsz) >= b.cs {
		unit = int(b.cs)
	}
	blocks := root.blocks(nil)
	for i, n := range blocks {
		n.vcn = uint64(i * bsz / unit)
	}

	rootEntries := root.entries()
	value := make([]byte, ntfs.INDEX_ROOT_HEADER_SIZE+ntfs.INDEX_HEADER_SIZE+len(rootEntries))
	rh := ntfs.IndexRootHeader{
		AttrType:       ntfs.ATTR_FILE_NAME,
		Collation:      ntfs.COLLATION_FILE_NAME,
		IndexBlockSize: uint32(bsz),
	}
	if uint64(bsz) >= b.cs {
		rh.ClustersPerBlock = uint8(uint64(bsz) / b.cs)
	} else {
		rh.ClustersPerBlock = uint8(bsz / ntfs.SECTOR_SIZE)
	}
	ih := ntfs.IndexHeader{
		EntriesOffset: ntfs.INDEX_HEADER_SIZE,
		IndexLength:   uint32(ntfs.INDEX_HEADER_SIZE + len(rootEntries)),
		AllocLength:   uint32(ntfs.INDEX_HEADER_SIZE + len(rootEntries)),
	}
	if root.large() {
		ih.Flags = ntfs.INDEX_HEADER_LARGE
	}
	if err := put(value, &rh); err != nil {
		return nil, err
	}
	if err := put(value[ntfs.INDEX_ROOT_HEADER_SIZE:], &ih); err != nil {
		return nil, err
	}
	copy(value[ntfs.INDEX_ROOT_HEADER_SIZE+ntfs.INDEX_HEADER_SIZE:], rootEntries)
	attrs := []attrSpec{resident(ntfs.ATTR_INDEX_ROOT, ntfs.I30, value)}
	if len(blocks) == 0 {
		return attrs, nil
	}

	size := uint64(len(blocks) * bsz)
	clusters := (size + b.cs - 1) / b.cs
	lcn := b.alloc(clusters)
	alloc := make([]byte, clusters*b.cs)
	for i, n := range blocks {
		blk := alloc[i*bsz : (i+1)*bsz]
		if err := b.indexBlock(blk, n); err != nil {
			return nil, errors.Wrapf(err, "%s", path)
		}
		ib := IndexBlock{Offset: int64(lcn*b.cs) + int64(i*bsz), Vcn: n.vcn}
		for _, it := range n.items {
			ib.Names = append(ib.Names, it.name)
		}
		b.img.Blocks[path] = append(b.img.Blocks[path], ib)
	}
	b.write(lcn, alloc)

	bitmap := make([]byte, align8((len(blocks)+7)/8))
	for i := range blocks {
		bitmap[i/8] |= 1 << (i % 8)
	}
	return append(attrs,
		attrSpec{
			typ:       ntfs.ATTR_INDEX_ALLOCATION,
			name:      ntfs.I30,
			runs:      []runSpec{{lcn: lcn, length: clusters}},
			allocSize: clusters * b.cs,
			realSize:  size,
			initSize:  size,
		},
		resident(ntfs.ATTR_BITMAP, ntfs.I30, bitmap),
	), nil
}

func (b *builder) indexBlock(blk []byte, n *indexNode) error {
	bsz := len(blk)
	usaOfs := 0x28
	usaCount := bsz/ntfs.SECTOR_SIZE + 1
	start := align8(usaOfs + 2*usaCount)
	entries := n.entries()
	if start+len(entries) > bsz {
		return errors.Errorf("%d index keys overflow a %d byte block", len(n.items), bsz)
	}
	hdr := ntfs.IndexBlockHeader{
		Magic:     ntfs.INDX_MAGIC,
		UsaOffset: uint16(usaOfs),
		UsaCount:  uint16(usaCount),
		Vcn:       n.vcn,
	}
	ih := ntfs.IndexHeader{
		EntriesOffset: uint32(start - ntfs.INDEX_BLOCK_HEADER_SIZE),
		IndexLength:   uint32(start - ntfs.INDEX_BLOCK_HEADER_SIZE + len(entries)),
		AllocLength:   uint32(bsz - ntfs.INDEX_BLOCK_HEADER_SIZE),
	}
	if n.large() {
		ih.Flags = ntfs.INDEX_HEADER_LARGE
	}
	if err := put(blk, &hdr); err != nil {
		return err
	}
	if err := put(blk[ntfs.INDEX_BLOCK_HEADER_SIZE:], &ih); err != nil {
		return err
	}
	copy(blk[start:], entries)
	return ntfs.Protect(blk, usn)
}

// data builds the unnamed $DATA attribute for content.
func (b *builder) data(e *Entry) attrSpec {
	content := e.Data
	if len(content) <= b.opts.ResidentLimit && e.ValidLength == 0 && !e.Sparse {
		return resident(ntfs.ATTR_DATA, "", content)
	}
	clusters := (uint64(len(content)) + b.cs - 1) / b.cs
	a := attrSpec{
		typ:       ntfs.ATTR_DATA,
		allocSize: clusters * b.cs,
		realSize:  uint64(len(content)),
		initSize:  uint64(len(content)),
	}
	if e.ValidLength != 0 {
		a.initSize = uint64(e.ValidLength)
	}
	if e.Sparse {
		a.flags = ntfs.ATTR_FLAG_SPARSE
	}
	if clusters == 0 {
		// An empty non-resident attribute still needs one run.
		a.allocSize = b.cs
		a.runs = []runSpec{{length: 1, sparse: true}}
		return a
	}
	padded := make([]byte, clusters*b.cs)
	copy(padded, content)
	for c := uint64(0); c < clusters; {
		zero := e.Sparse && allZero(padded[c*b.cs:(c+1)*b.cs])
		n := uint64(1)
		for c+n < clusters && (e.Sparse && allZero(padded[(c+n)*b.cs:(c+n+1)*b.cs])) == zero {
			n++
		}
		if zero {
			a.runs = append(a.runs, runSpec{length: n, sparse: true})
		} else {
			lcn := b.alloc(n)
			b.write(lcn, padded[c*b.cs:(c+n)*b.cs])
			a.runs = append(a.runs, runSpec{lcn: lcn, length: n})
		}
		c += n
	}
	return a
}

func allZero(p []byte) bool {
	for _, c := range p {
		if c != 0 {
			return false
		}
	}
	return true
}

func reparse(e *Entry) ([]byte, error) {
	subst, err := ntfs.EncodeName(e.Symlink)
	if err != nil {
		return nil, err
	}
	printName := e.Symlink
	if len(printName) > 4 && printName[:4] == `\??\` {
		printName = printName[4:]
	}
	pn, err := ntfs.EncodeName(printName)
	if err != nil {
		return nil, err
	}
	hdr := ntfs.ReparseHeader{
		Tag:         ntfs.IO_REPARSE_TAG_SYMLINK,
		DataLength:  uint16(ntfs.REPARSE_SYMLINK_HEADER_SIZE - 8 + len(subst) + len(pn)),
		SubstLength: uint16(len(subst)),
		PrintOffset: uint16(len(subst)),
		PrintLength: uint16(len(pn)),
	}
	if e.Relative {
		hdr.Flags = ntfs.SYMLINK_FLAG_RELATIVE
	}
	var buf bytes.Buffer
	if err := binary.Write(&buf, binary.LittleEndian, &hdr); err != nil {
		return nil, err
	}
	buf.Write(subst)
	buf.Write(pn)
	return buf.Bytes(), nil
}

var stdInfo = make([]byte, 48)

// entry writes the record of e, numbered num, and the records below it.
func (b *builder) entry(path string, num, parent uint64, e *Entry) error {
	b.img.Records[path] = num
	fn, err := fileName(parent, e.Name, ntfs.NAMESPACE_WIN32, uint64(len(e.Data)), e.Dir)
	if err != nil {
		return err
	}
	attrs := []attrSpec{
		resident(ntfs.ATTR_STANDARD_INFORMATION, "", stdInfo),
		resident(ntfs.ATTR_FILE_NAME, "", fn),
	}
	flags := uint16(ntfs.MFT_FLAG_IN_USE)
	switch {
	case e.Symlink != "":
		rp, err := reparse(e)
		if err != nil {
			return err
		}
		attrs = append(attrs,
			resident(ntfs.ATTR_DATA, "", nil),
			resident(ntfs.ATTR_REPARSE_POINT, "", rp),
		)
	case e.Dir:
		flags |= ntfs.MFT_FLAG_DIRECTORY
		ix, err := b.children(path, num, e.Children)
		if err != nil {
			return err
		}
		attrs = append(attrs, ix...)
	default:
		attrs = append(attrs, b.data(e))
	}
	return b.record(num, flags, attrs)
}

// children numbers the entries of a directory, writes their records and
// returns the directory's index attributes.
func (b *builder) children(path string, num uint64, entries []Entry) ([]attrSpec, error) {
	return b.childrenWith(path, num, entries, nil)
}

func (b *builder) childrenWith(path string, num uint64, entries []Entry, extra []item) ([]attrSpec, error) {
	items := extra
	for i := range entries {
		e := &entries[i]
		child := b.next
		b.next++
		childPath := path + "/" + e.Name
		if path == "/" {
			childPath = "/" + e.Name
		}
		if err := b.entry(childPath, child, num, e); err != nil {
			return nil, err
		}
		it, err := newItem(child, num, e.Name, ntfs.NAMESPACE_WIN32, uint64(len(e.Data)), e.Dir)
		if err != nil {
			return nil, err
		}
		items = append(items, it)
		if e.ShortName != "" {
			it, err := newItem(child, num, e.ShortName, ntfs.NAMESPACE_DOS, uint64(len(e.Data)), e.Dir)
			if err != nil {
				return nil, err
			}
			items = append(items, it)
		}
	}
	return b.index(path, items)
}

func newItem(num, parent uint64, name string, ns uint8, size uint64, dir bool) (item, error) {
	key, err := fileName(parent, name, ns, size, dir)
	if err != nil {
		return item{}, err
	}
	upper, err := ntfs.UpcaseName(name)
	if err != nil {
		return item{}, err
	}
	return item{num: num, name: name, key: key, upper: upper}, nil
}

var systemFiles = []struct {
	num  uint64
	name string
}{
	{0, "$MFT"},
	{1, "$MFTMirr"},
	{2, "$LogFile"},
	{3, "$Volume"},
	{4, "$AttrDef"},
	{6, "$Bitmap"},
	{7, "$Boot"},
	{8, "$BadClus"},
	{9, "$Secure"},
	{10, "$UpCase"},
	{11, "$Extend"},
}

// systemRecords writes records 0 to 15, and through the root directory
// every user record.
func (b *builder) systemRecords(root []Entry, mftClusters uint64) error {
	var rootItems []item
	for _, sf := range systemFiles {
		it, err := newItem(sf.num, ntfs.MFT_RECORD_ROOT, sf.name, ntfs.NAMESPACE_WIN32_DOS, 0, sf.num == 11)
		if err != nil {
			return err
		}
		rootItems = append(rootItems, it)
		fn := it.key

		attrs := []attrSpec{
			resident(ntfs.ATTR_STANDARD_INFORMATION, "", stdInfo),
			resident(ntfs.ATTR_FILE_NAME, "", fn),
		}
		flags := uint16(ntfs.MFT_FLAG_IN_USE)
		switch sf.num {
		case ntfs.MFT_RECORD_MFT:
			size := b.nrecs * uint64(b.rs)
			bitmap := make([]byte, align8(int(b.nrecs+7)/8))
			for i := uint64(0); i < b.nrecs; i++ {
				bitmap[i/8] |= 1 << (i % 8)
			}
			attrs = append(attrs,
				attrSpec{
					typ:       ntfs.ATTR_DATA,
					runs:      []runSpec{{lcn: mftCluster, length: mftClusters}},
					allocSize: mftClusters * b.cs,
					realSize:  size,
					initSize:  size,
				},
				resident(ntfs.ATTR_BITMAP, "", bitmap),
			)
		case ntfs.MFT_RECORD_VOLUME:
			label, err := ntfs.EncodeName(b.opts.Label)
			if err != nil {
				return err
			}
			attrs = append(attrs, resident(ntfs.ATTR_VOLUME_NAME, "", label))
		case 11:
			flags |= ntfs.MFT_FLAG_DIRECTORY
			ix, err := b.index("/$Extend", nil)
			if err != nil {
				return err
			}
			attrs = append(attrs, ix...)
		default:
			attrs = append(attrs, resident(ntfs.ATTR_DATA, "", nil))
		}
		if err := b.record(sf.num, flags, attrs); err != nil {
			return errors.Wrapf(err, "system file %s", sf.name)
		}
	}
	for num := uint64(12); num < ntfs.FIRST_USER_RECORD; num++ {
		if err := b.record(num, 0, nil); err != nil {
			return err
		}
	}

	dot, err := newItem(ntfs.MFT_RECORD_ROOT, ntfs.MFT_RECORD_ROOT, ".", ntfs.NAMESPACE_WIN32_DOS, 0, true)
	if err != nil {
		return err
	}
	rootItems = append(rootItems, dot)
	ix, err := b.childrenWith("/", ntfs.MFT_RECORD_ROOT, root, rootItems)
	if err != nil {
		return err
	}
	attrs := append([]attrSpec{
		resident(ntfs.ATTR_STANDARD_INFORMATION, "", stdInfo),
		resident(ntfs.ATTR_FILE_NAME, "", dot.key),
	}, ix...)
	if err := b.record(ntfs.MFT_RECORD_ROOT, ntfs.MFT_FLAG_IN_USE|ntfs.MFT_FLAG_DIRECTORY, attrs); err != nil {
		return errors.Wrap(err, "root directory")
	}
	return nil
}
