// Package debug formats cache and directory contents for humans. The Print
// functions send the same text to the debug log.
package debug

import (
	"bytes"
	"fmt"

	"github.com/thepowersgang/vfs/bcache"
	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/handle"
)

const bytesPerLine = 16

func logger() interface{ Debug(string, ...any) } {
	return common.GetLogger().With("component", "debug")
}

// FormatBlock renders one device block as a hex dump. Runs of identical
// lines are folded into a single "*" like hexdump(1) does.
func FormatBlock(vol *bcache.Handle, block uint64) (string, error) {
	ref, err := vol.GetBlock(block)
	if err != nil {
		return "", err
	}
	defer ref.Release()
	return HexDump(ref.Block(block), block*uint64(vol.BlockSize())), nil
}

func HexDump(data []byte, base uint64) string {
	buf := bytes.NewBuffer(nil)
	var prev []byte
	folded := false
	for ofs := 0; ofs < len(data); ofs += bytesPerLine {
		line := data[ofs:min(ofs+bytesPerLine, len(data))]
		if prev != nil && bytes.Equal(line, prev) {
			if !folded {
				buf.WriteString("*\n")
				folded = true
			}
			continue
		}
		prev, folded = line, false

		fmt.Fprintf(buf, "%08x ", base+uint64(ofs))
		for i := 0; i < bytesPerLine; i++ {
			if i%8 == 0 {
				buf.WriteByte(' ')
			}
			if i < len(line) {
				fmt.Fprintf(buf, "%02x ", line[i])
			} else {
				buf.WriteString("   ")
			}
		}
		buf.WriteString(" |")
		for _, c := range line {
			if c < 0x20 || c > 0x7e {
				c = '.'
			}
			buf.WriteByte(c)
		}
		buf.WriteString("|\n")
	}
	fmt.Fprintf(buf, "%08x\n", base+uint64(len(data)))
	return buf.String()
}

func PrintBlock(vol *bcache.Handle, block uint64) error {
	s, err := FormatBlock(vol, block)
	if err != nil {
		return err
	}
	logger().Debug("block data follows", "volume", vol.Volume().Name(), "block", block, "data", s)
	return nil
}

// FormatDir lists a directory with the class of each entry.
func FormatDir(d *handle.Dir) (string, error) {
	type entry struct {
		ino  common.InodeId
		name []byte
	}
	var entries []entry
	_, err := d.Read(0, func(ino common.InodeId, name []byte) bool {
		entries = append(entries, entry{ino, append([]byte(nil), name...)})
		return true
	})
	if err != nil {
		return "", err
	}

	buf := bytes.NewBuffer(nil)
	fmt.Fprintf(buf, "%8s %-8s %s\n", "INODE #", "CLASS", "NAME")
	for _, e := range entries {
		class := "?"
		if a, err := d.Lookup(e.name); err == nil {
			class = a.Class().String()
			a.Close()
		}
		fmt.Fprintf(buf, "%8d %-8s %q\n", e.ino, class, e.name)
	}
	return buf.String(), nil
}

func PrintDir(d *handle.Dir) error {
	s, err := FormatDir(d)
	if err != nil {
		return err
	}
	logger().Debug("directory entries follow", "mount", d.MountId(), "inode", d.Inode(), "data", s)
	return nil
}

// FormatStats summarises the block cache.
func FormatStats(s bcache.Stats) string {
	return fmt.Sprintf("pages %d (idle %d, dirty %d)\n", s.Pages, s.Idle, s.Dirty)
}
