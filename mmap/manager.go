// Package mmap hands out page-granular, zeroed, never-moving storage used to
// back the regions of a simulated address space.
package mmap

import (
	"errors"
	"sync"
	"unsafe"

	"github.com/pkujhd/rtld/constants"
)

var ErrInvalidMapping = errors.New("mmap: invalid mapping")

var pageSize = uintptr(constants.PageSize)

func roundPageUp(p uintptr) uintptr {
	return (p + pageSize - 1) &^ (pageSize - 1)
}

type mmapper struct {
	sync.Mutex
	active   map[*byte][]byte // active mappings; key is last byte in mapping
	bytes    uintptr
	mmap     func(length int) ([]byte, error)
	munmap   func(b []byte) error
	mprotect func(b []byte, writable bool) error
}

var mapper = &mmapper{
	active:   make(map[*byte][]byte),
	mmap:     mmapData,
	munmap:   munmapData,
	mprotect: mprotectData,
}

func (m *mmapper) Mmap(size int) (data []byte, err error) {
	if size <= 0 {
		return nil, ErrInvalidMapping
	}
	length := int(roundPageUp(uintptr(size)))
	b, err := m.mmap(length)
	if err != nil {
		return nil, err
	}
	b = b[:length:length]

	p := &b[cap(b)-1]
	m.Lock()
	defer m.Unlock()
	m.active[p] = b
	m.bytes += uintptr(length)
	return b, nil
}

func (m *mmapper) Munmap(data []byte) (err error) {
	if len(data) == 0 || len(data) != cap(data) {
		return ErrInvalidMapping
	}

	p := &data[cap(data)-1]
	m.Lock()
	defer m.Unlock()
	b := m.active[p]
	if b == nil || &b[0] != &data[0] {
		return ErrInvalidMapping
	}
	if err = m.munmap(b); err != nil {
		return err
	}
	delete(m.active, p)
	m.bytes -= uintptr(len(b))
	return nil
}

func (m *mmapper) Protect(data []byte, writable bool) error {
	if len(data) == 0 || len(data) != cap(data) {
		return ErrInvalidMapping
	}
	m.Lock()
	defer m.Unlock()
	b := m.active[&data[cap(data)-1]]
	if b == nil || &b[0] != &data[0] {
		return ErrInvalidMapping
	}
	return m.mprotect(b, writable)
}

// Mmap returns at least size bytes of zeroed, page aligned memory.
func Mmap(size int) ([]byte, error) {
	return mapper.Mmap(size)
}

// Munmap releases a mapping previously returned by Mmap.
func Munmap(b []byte) error {
	return mapper.Munmap(b)
}

// Protect makes a whole mapping read-only, or writable again. Mappings are
// never executable.
func Protect(b []byte, writable bool) error {
	return mapper.Protect(b, writable)
}

// Mapped reports the bytes currently held by live mappings.
func Mapped() uintptr {
	mapper.Lock()
	defer mapper.Unlock()
	return mapper.bytes
}

// Addr is the host address of the first byte of a mapping.
func Addr(b []byte) uintptr {
	if len(b) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&b[0]))
}
