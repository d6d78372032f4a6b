package main

import (
	"bufio"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/debug"
	"github.com/thepowersgang/vfs/fs"
	"github.com/thepowersgang/vfs/handle"
)

type explorer struct {
	v   *fs.VFS
	out io.Writer
	cwd string
}

func newExplorer(v *fs.VFS, out io.Writer) *explorer {
	return &explorer{v: v, out: out, cwd: "/"}
}

type command struct {
	help string
	args int // -1 for any
	run  func(ex *explorer, args []string) error
}

var commands map[string]command

func init() {
	commands = map[string]command{
		"?":        {"list commands", 0, (*explorer).help},
		"cat":      {"show file contents", 1, (*explorer).cat},
		"cd":       {"change directory", 1, (*explorer).cd},
		"ls":       {"show directory listing", -1, (*explorer).ls},
		"pwd":      {"show current directory", 0, (*explorer).pwd},
		"stat":     {"describe a node", 1, (*explorer).stat},
		"readlink": {"show a symlink's target", 1, (*explorer).readlink},
		"mounts":   {"list mounted filesystems", 0, (*explorer).mounts},
		"block":    {"hex dump a block of a mounted volume: block MOUNTPOINT N", 2, (*explorer).block},
		"cache":    {"show block cache usage", 0, (*explorer).cache},
	}
}

func (ex *explorer) repl(in io.Reader) {
	fmt.Fprintln(ex.out, "Enter '?' for a list of commands.")
	buf := bufio.NewReader(in)
	for {
		fmt.Fprintf(ex.out, "%s> ", ex.cwd)
		line, err := buf.ReadString('\n')
		if err != nil {
			fmt.Fprint(ex.out, "\n")
			return
		}
		if err := ex.exec(line); err != nil {
			fmt.Fprintf(ex.out, "error: %v\n", err)
		}
	}
}

func (ex *explorer) exec(line string) error {
	tokens := strings.Fields(line)
	if len(tokens) == 0 {
		return nil
	}
	cmd, ok := commands[tokens[0]]
	if !ok {
		return errors.Errorf("%s is not a valid command", tokens[0])
	}
	args := tokens[1:]
	if cmd.args >= 0 && len(args) != cmd.args {
		return errors.Errorf("%s takes %d argument(s)", tokens[0], cmd.args)
	}
	return cmd.run(ex, args)
}

// abs makes p absolute against the current directory. The result is only
// cleaned lexically, symlinks are left to the VFS.
func (ex *explorer) abs(p string) string {
	if !strings.HasPrefix(p, "/") {
		p = ex.cwd + "/" + p
	}
	return path.Clean(p)
}

// mountAt creates /volumes/name and mounts vol on it.
func (ex *explorer) mountAt(name string, vol common.Volume, driver string, opts ...fs.MountOption) (string, error) {
	d, err := ex.v.OpenDir("/volumes")
	if err != nil {
		return "", err
	}
	mp, err := d.Mkdir([]byte(name))
	d.Close()
	if err != nil {
		return "", err
	}
	mp.Close()
	p := "/volumes/" + name
	if _, err := ex.v.Mount(p, vol, driver, opts...); err != nil {
		return "", err
	}
	return p, nil
}

func (ex *explorer) help(args []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	sort.Strings(names)
	fmt.Fprintln(ex.out, "Commands:")
	for _, name := range names {
		fmt.Fprintf(ex.out, "\t%s\t%s\n", name, commands[name].help)
	}
	return nil
}

func (ex *explorer) cd(args []string) error {
	p := ex.abs(args[0])
	d, err := ex.v.OpenDir(p)
	if err != nil {
		return err
	}
	d.Close()
	ex.cwd = p
	return nil
}

func (ex *explorer) pwd(args []string) error {
	fmt.Fprintln(ex.out, ex.cwd)
	return nil
}

func (ex *explorer) ls(args []string) error {
	p := ex.cwd
	if len(args) > 0 {
		p = ex.abs(args[0])
	}
	d, err := ex.v.OpenDir(p)
	if err != nil {
		return err
	}
	defer d.Close()
	s, err := debug.FormatDir(d)
	if err != nil {
		return err
	}
	fmt.Fprint(ex.out, s)
	return nil
}

func (ex *explorer) cat(args []string) error {
	f, err := ex.v.OpenFile(ex.abs(args[0]), handle.SharedRO)
	if err != nil {
		return err
	}
	defer f.Close()
	buf := make([]byte, common.PAGE_SIZE)
	for ofs := uint64(0); ofs < f.Size(); {
		n, err := f.Read(ofs, buf)
		if err != nil {
			return err
		}
		if n == 0 {
			break
		}
		ex.out.Write(buf[:n])
		ofs += uint64(n)
	}
	fmt.Fprint(ex.out, "\n")
	return nil
}

func (ex *explorer) stat(args []string) error {
	p := ex.abs(args[0])
	a, err := ex.v.OpenNode(p)
	if err != nil {
		return err
	}
	defer a.Close()
	fmt.Fprintf(ex.out, "%s: mount %d inode %d %s", p, a.MountId(), a.Inode(), a.Class())
	if a.Class() == common.ClassFile {
		c := a.Clone()
		f, err := c.File(handle.SharedRO)
		if err != nil {
			c.Close()
			return err
		}
		fmt.Fprintf(ex.out, " size %d", f.Size())
		f.Close()
	}
	fmt.Fprint(ex.out, "\n")
	return nil
}

func (ex *explorer) readlink(args []string) error {
	s, err := ex.v.OpenSymlink(ex.abs(args[0]))
	if err != nil {
		return err
	}
	defer s.Close()
	target, err := s.Read()
	if err != nil {
		return err
	}
	fmt.Fprintf(ex.out, "%s\n", target)
	return nil
}

func (ex *explorer) mounts(args []string) error {
	for _, m := range ex.v.Mounts() {
		ro := ""
		if m.ReadOnly() {
			ro = " (read-only)"
		}
		fmt.Fprintf(ex.out, "%d\t%s\t%s%s\n", m.ID, m.Path, m.Driver, ro)
	}
	return nil
}

func (ex *explorer) block(args []string) error {
	p := ex.abs(args[0])
	n, err := strconv.ParseUint(args[1], 0, 64)
	if err != nil {
		return errors.Wrapf(common.ErrInvalidParameter, "block number %q", args[1])
	}
	for _, m := range ex.v.Mounts() {
		if m.Path != p {
			continue
		}
		if m.Volume == nil {
			return errors.Wrapf(common.ErrInvalidParameter, "%s has no volume", p)
		}
		s, err := debug.FormatBlock(m.Volume, n)
		if err != nil {
			return err
		}
		fmt.Fprint(ex.out, s)
		return nil
	}
	return errors.Wrapf(common.ErrNotFound, "nothing mounted on %s", p)
}

func (ex *explorer) cache(args []string) error {
	fmt.Fprint(ex.out, debug.FormatStats(ex.v.CacheStats()))
	return nil
}
