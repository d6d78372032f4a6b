package mount

import (
	"bytes"

	"github.com/pkg/errors"

	"github.com/thepowersgang/vfs/common"
)

// SplitPath breaks an absolute path into its components. Repeated and
// trailing separators are ignored; "." and ".." are ordinary names here.
func SplitPath(p []byte) ([][]byte, error) {
	if len(p) == 0 || p[0] != '/' {
		return nil, errors.Wrapf(common.ErrMalformedPath, "%q is not absolute", p)
	}
	if bytes.IndexByte(p, 0) >= 0 {
		return nil, errors.Wrapf(common.ErrMalformedPath, "%q contains a NUL byte", p)
	}
	var comps [][]byte
	for _, c := range bytes.Split(p[1:], []byte{'/'}) {
		if len(c) > 0 {
			comps = append(comps, c)
		}
	}
	return comps, nil
}

// JoinPath is the inverse of SplitPath.
func JoinPath(comps [][]byte) []byte {
	if len(comps) == 0 {
		return []byte{'/'}
	}
	var buf bytes.Buffer
	for _, c := range comps {
		buf.WriteByte('/')
		buf.Write(c)
	}
	return buf.Bytes()
}

// CleanPath normalises p to the form mount paths are stored in.
func CleanPath(p string) (string, error) {
	comps, err := SplitPath([]byte(p))
	if err != nil {
		return "", err
	}
	return string(JoinPath(comps)), nil
}
