//go:build !(darwin || dragonfly || freebsd || linux || openbsd || solaris || netbsd)
// +build !darwin,!dragonfly,!freebsd,!linux,!openbsd,!solaris,!netbsd

package mmap

import (
	"unsafe"
)

// The Go heap never moves objects, so a word slice viewed as bytes is as
// stable as an anonymous mapping and keeps 8 byte alignment.
func mmapData(size int) ([]byte, error) {
	words := make([]uint64, (size+7)/8)
	return unsafe.Slice((*byte)(unsafe.Pointer(&words[0])), len(words)*8), nil
}

func munmapData(b []byte) error {
	return nil
}

// Heap memory cannot be protected; mem enforces read-only regions itself.
func mprotectData(b []byte, writable bool) error {
	return nil
}
