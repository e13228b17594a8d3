//go:build darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd
// +build darwin dragonfly freebsd linux openbsd solaris netbsd

package mmap

import (
	"os"

	"golang.org/x/sys/unix"
)

func mmapData(size int) ([]byte, error) {
	data, err := unix.Mmap(-1, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_PRIVATE|unix.MAP_ANON)
	if err != nil {
		err = os.NewSyscallError("unix.Mmap", err)
	}
	return data, err
}

func munmapData(b []byte) error {
	if err := unix.Munmap(b); err != nil {
		return os.NewSyscallError("unix.Munmap", err)
	}
	return nil
}

func mprotectData(b []byte, writable bool) error {
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	if err := unix.Mprotect(b, prot); err != nil {
		return os.NewSyscallError("unix.Mprotect", err)
	}
	return nil
}
