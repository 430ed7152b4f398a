//go:build go1.23

package fleet

import (
	"io/fs"
	"os"
)

// copyFS delegates to os.CopyFS on toolchains that have it.
func copyFS(dir string, fsys fs.FS) error {
	return os.CopyFS(dir, fsys)
}
