//go:build unix

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// lock takes an advisory lock so that two rewrites of one archive cannot interleave.
func lock(f *os.File) error {
	return unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB)
}

func unlock(f *os.File) {
	unix.Flock(int(f.Fd()), unix.LOCK_UN)
}
