//go:build unix && !linux

package wal

import "golang.org/x/sys/unix"

func fdatasync(fd int) error {
	for {
		err := unix.Fsync(fd)
		if err != unix.EINTR {
			return err
		}
	}
}
