package fs

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
	"github.com/thepowersgang/vfs/handle"
	"github.com/thepowersgang/vfs/mount"
)

type resolveMode int

const (
	resolveFollow resolveMode = iota
	// leave a symlink in the last component alone
	resolveNoFollow
	// fail on any symlink
	resolveNoLinks
)

// resolve walks p from the mount with the longest matching prefix. A
// symlink met on the way is spliced into the remaining path, which is then
// resolved again from the top.
func (v *VFS) resolve(p []byte, mode resolveMode) (*handle.Any, error) {
	links := 0
restart:
	for {
		m, tail, err := v.mounts.ForPath(p)
		if err != nil {
			return nil, err
		}
		walked, _ := mount.SplitPath([]byte(m.Path))
		cur, err := v.env.FromIds(m.ID, m.FS.RootInode())
		if err != nil {
			return nil, err
		}

		for i := 0; ; i++ {
			last := i == len(tail)
			if cur.Class() == common.ClassSymlink && !(last && mode == resolveNoFollow) {
				if mode == resolveNoLinks {
					cur.Close()
					return nil, errors.Wrapf(common.ErrTypeMismatch, "%s is a symlink", mount.JoinPath(walked))
				}
				links++
				if links > v.cfg.Path.SymlinkDepth {
					cur.Close()
					return nil, errors.Wrapf(common.ErrRecursionDepthExceeded, "more than %d symlinks in %q", v.cfg.Path.SymlinkDepth, p)
				}
				target, err := readLink(cur)
				if err != nil {
					return nil, err
				}
				if p, err = splice(walked, target, tail[i:]); err != nil {
					return nil, err
				}
				v.log.Debug("following symlink", "target", string(target), "path", string(p))
				continue restart
			}
			if last {
				return cur, nil
			}

			d, err := cur.Dir()
			if err != nil {
				cur.Close()
				if errors.Is(err, common.ErrTypeMismatch) {
					return nil, errors.Wrapf(common.ErrNonDirComponent, "%s", mount.JoinPath(walked))
				}
				return nil, err
			}
			next, err := d.Lookup(tail[i])
			d.Close()
			if err != nil {
				return nil, errors.Wrapf(err, "%s", mount.JoinPath(append(walked, tail[i])))
			}
			walked = append(walked, tail[i])
			cur = next
		}
	}
}

// readLink reads the target of a symlink and gives up the handle.
func readLink(a *handle.Any) ([]byte, error) {
	s, err := a.Symlink()
	if err != nil {
		a.Close()
		return nil, err
	}
	defer s.Close()
	return s.Read()
}

// splice replaces the last component of walked, which is a symlink, with
// target and appends rest. "." and ".." in the target are applied to the
// path lexically.
func splice(walked [][]byte, target []byte, rest [][]byte) ([]byte, error) {
	if len(target) == 0 {
		return nil, errors.Wrapf(common.ErrMalformedPath, "empty symlink target at %s", mount.JoinPath(walked))
	}
	var comps [][]byte
	if target[0] != '/' && len(walked) > 0 {
		comps = append(comps, walked[:len(walked)-1]...)
	}
	for _, c := range bytes.Split(target, []byte{'/'}) {
		switch string(c) {
		case "", ".":
		case "..":
			if len(comps) > 0 {
				comps = comps[:len(comps)-1]
			}
		default:
			comps = append(comps, c)
		}
	}
	comps = append(comps, rest...)
	return mount.JoinPath(comps), nil
}

// FromPath resolves an absolute path, following symlinks.
func (v *VFS) FromPath(p []byte) (*handle.Any, error) {
	return v.resolve(p, resolveFollow)
}

// OpenNode is FromPath for string paths.
func (v *VFS) OpenNode(path string) (*handle.Any, error) {
	return v.resolve([]byte(path), resolveFollow)
}

func (v *VFS) OpenFile(path string, mode handle.Mode) (*handle.File, error) {
	a, err := v.resolve([]byte(path), resolveFollow)
	if err != nil {
		return nil, err
	}
	f, err := a.File(mode)
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, path)
	}
	return f, nil
}

func (v *VFS) OpenDir(path string) (*handle.Dir, error) {
	a, err := v.resolve([]byte(path), resolveFollow)
	if err != nil {
		return nil, err
	}
	d, err := a.Dir()
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, path)
	}
	return d, nil
}

// OpenSymlink opens the symlink named by path itself, not its target.
func (v *VFS) OpenSymlink(path string) (*handle.Symlink, error) {
	a, err := v.resolve([]byte(path), resolveNoFollow)
	if err != nil {
		return nil, err
	}
	s, err := a.Symlink()
	if err != nil {
		a.Close()
		return nil, errors.Wrap(err, path)
	}
	return s, nil
}
