//go:build unix

package walk

import (
	"io/fs"
	"syscall"
)

func inode(i fs.FileInfo) (uint64, bool) {
	if t, ok := i.Sys().(*syscall.Stat_t); ok {
		return uint64(t.Ino), true
	}
	return 0, false
}
