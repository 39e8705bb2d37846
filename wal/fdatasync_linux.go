//go:build linux

package wal

import "golang.org/x/sys/unix"

func fdatasync(fd int) error {
	for {
		err := unix.Fdatasync(fd)
		if err != unix.EINTR {
			return err
		}
	}
}
