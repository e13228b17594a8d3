// Package mem models the address space a loader relocates into: fixed
// address regions backed by pinned storage, byte-oriented word accessors that
// do not care about alignment, and aligned atomic accessors plus a full fence
// for the words other threads may be reading while they are patched.
package mem

import (
	"encoding/binary"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/pkg/errors"
	uatomic "go.uber.org/atomic"

	"github.com/pkujhd/rtld/constants"
	"github.com/pkujhd/rtld/mmap"
)

var (
	ErrUnmapped   = errors.New("address not mapped")
	ErrMisaligned = errors.New("misaligned atomic access")
	ErrOverlap    = errors.New("region overlaps an existing mapping")
	ErrReadOnly   = errors.New("write to read-only region")
)

// words are stored in host byte order
var byteOrder = binary.NativeEndian

type Region struct {
	Name     string
	Base     uint64
	data     []byte
	readOnly bool
}

func (r *Region) Size() uint64 {
	return uint64(len(r.data))
}

func (r *Region) End() uint64 {
	return r.Base + r.Size()
}

func (r *Region) ReadOnly() bool {
	return r.readOnly
}

func (r *Region) contains(addr, n uint64) bool {
	return addr >= r.Base && addr+n >= addr && addr+n <= r.End()
}

// Tracer observes stores and fences, in program order per goroutine.
type Tracer interface {
	Store(addr, val uint64)
	Fence()
}

type Space struct {
	mu      sync.RWMutex
	regions []*Region // sorted by Base
	tracer  Tracer
	fences  uatomic.Uint64
}

func NewSpace() *Space {
	return &Space{}
}

// SetTracer installs t, or removes the tracer when t is nil.
func (s *Space) SetTracer(t Tracer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracer = t
}

// Map creates a zero filled region of size bytes at base.
func (s *Space) Map(name string, base, size uint64) (*Region, error) {
	if size == 0 || base+size < base {
		return nil, errors.Errorf("map %s: invalid range 0x%x+0x%x", name, base, size)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		if base < r.End() && r.Base < base+size {
			return nil, errors.Wrapf(ErrOverlap, "map %s at 0x%x (%s at 0x%x-0x%x)", name, base, r.Name, r.Base, r.End())
		}
	}
	data, err := mmap.Mmap(int(size))
	if err != nil {
		return nil, errors.Wrapf(err, "map %s", name)
	}
	region := &Region{Name: name, Base: base, data: data[:size]}
	s.regions = append(s.regions, region)
	sort.Slice(s.regions, func(i, j int) bool {
		return s.regions[i].Base < s.regions[j].Base
	})
	return region, nil
}

// Unmap removes the region starting at base and releases its storage.
func (s *Space) Unmap(base uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, r := range s.regions {
		if r.Base == base {
			s.regions = append(s.regions[:i], s.regions[i+1:]...)
			return mmap.Munmap(r.data[:cap(r.data)])
		}
	}
	return errors.Wrapf(ErrUnmapped, "unmap 0x%x", base)
}

// Close unmaps every region.
func (s *Space) Close() error {
	s.mu.Lock()
	regions := s.regions
	s.regions = nil
	s.mu.Unlock()
	var firstErr error
	for _, r := range regions {
		if err := mmap.Munmap(r.data[:cap(r.data)]); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (s *Space) Regions() []*Region {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*Region(nil), s.regions...)
}

func (s *Space) lookup(addr, n uint64) (*Region, error) {
	i := sort.Search(len(s.regions), func(i int) bool {
		return s.regions[i].End() > addr
	})
	if i < len(s.regions) && s.regions[i].contains(addr, n) {
		return s.regions[i], nil
	}
	return nil, errors.Wrapf(ErrUnmapped, "access 0x%x+%d", addr, n)
}

// Region returns the region containing addr.
func (s *Space) Region(addr uint64) (*Region, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lookup(addr, 1)
}

// Bytes returns a view of n bytes at addr. Writes through the view bypass the
// tracer and the region's protection.
func (s *Space) Bytes(addr, n uint64) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookup(addr, n)
	if err != nil {
		return nil, err
	}
	off := addr - r.Base
	return r.data[off : off+n : off+n], nil
}

// write runs store on the n bytes at addr of a writable region. The read
// lock is held throughout so Protect cannot revoke access mid-store.
func (s *Space) write(addr, n, val uint64, store func(b []byte)) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, err := s.lookup(addr, n)
	if err != nil {
		return err
	}
	if r.readOnly {
		return errors.Wrapf(ErrReadOnly, "store to 0x%x in %s", addr, r.Name)
	}
	off := addr - r.Base
	store(r.data[off : off+n])
	if s.tracer != nil {
		s.tracer.Store(addr, val)
	}
	return nil
}

// ReadWord loads a word from any byte address.
func (s *Space) ReadWord(addr uint64) (uint64, error) {
	b, err := s.Bytes(addr, constants.WordSize)
	if err != nil {
		return 0, err
	}
	return byteOrder.Uint64(b), nil
}

// WriteWord stores a word at any byte address.
func (s *Space) WriteWord(addr, val uint64) error {
	return s.write(addr, constants.WordSize, val, func(b []byte) {
		byteOrder.PutUint64(b, val)
	})
}

// region storage is page aligned, so an aligned address is an aligned host word
func wordPtr(b []byte) *uint64 {
	return (*uint64)(unsafe.Pointer(&b[0]))
}

// LoadWord atomically loads the aligned word at addr.
func (s *Space) LoadWord(addr uint64) (uint64, error) {
	if addr%constants.WordSize != 0 {
		return 0, errors.Wrapf(ErrMisaligned, "word at 0x%x", addr)
	}
	b, err := s.Bytes(addr, constants.WordSize)
	if err != nil {
		return 0, err
	}
	return atomic.LoadUint64(wordPtr(b)), nil
}

// StoreWord atomically stores the aligned word at addr.
func (s *Space) StoreWord(addr, val uint64) error {
	if addr%constants.WordSize != 0 {
		return errors.Wrapf(ErrMisaligned, "word at 0x%x", addr)
	}
	return s.write(addr, constants.WordSize, val, func(b []byte) {
		atomic.StoreUint64(wordPtr(b), val)
	})
}

// Protect makes the region at base read-only, or writable again. Stores into
// a read-only region fail with ErrReadOnly; the backing pages are protected
// as well, so writes through Bytes views fault.
func (s *Space) Protect(base uint64, writable bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.regions {
		if r.Base != base {
			continue
		}
		if err := mmap.Protect(r.data[:cap(r.data)], writable); err != nil {
			return errors.Wrapf(err, "protect %s", r.Name)
		}
		r.readOnly = !writable
		return nil
	}
	return errors.Wrapf(ErrUnmapped, "protect 0x%x", base)
}

// Fence is a full memory barrier: every store issued before it is visible to
// any goroutine that observes a store issued after it.
func (s *Space) Fence() {
	// sync/atomic operations are sequentially consistent; the read-modify-write
	// on the shared counter orders this goroutine's earlier and later stores.
	s.fences.Inc()
	s.mu.RLock()
	tracer := s.tracer
	s.mu.RUnlock()
	if tracer != nil {
		tracer.Fence()
	}
}

// Fences counts barriers issued since the space was created.
func (s *Space) Fences() uint64 {
	return s.fences.Load()
}

func (s *Space) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := ""
	for _, r := range s.regions {
		out += fmt.Sprintf("0x%016x - 0x%016x  %s\n", r.Base, r.End(), r.Name)
	}
	return out
}
