package rtld

import (
	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"go.uber.org/atomic"

	"github.com/pkujhd/rtld/constants"
	"github.com/pkujhd/rtld/mem"
)

// Fptr is a function descriptor: the entry point and the global pointer the
// callee expects. A descriptor is never modified once written, and its
// address is what function pointers compare by.
type Fptr struct {
	Target uint64
	GP     uint64
}

type chunkSource interface {
	acquire(size uint64) (uint64, error)
	name() string
}

// staticChunk is storage reserved inside the loader image, usable before any
// allocator is.
type staticChunk struct {
	base uint64
	used bool
}

func (s *staticChunk) acquire(size uint64) (uint64, error) {
	if s.used {
		return 0, errors.Wrap(ErrAllocation, "static descriptor chunk exhausted before bootstrap completed")
	}
	s.used = true
	return s.base, nil
}

func (s *staticChunk) name() string { return "static" }

type heapChunks struct {
	alloc mem.Allocator
}

func (h *heapChunks) acquire(size uint64) (uint64, error) {
	if h.alloc == nil {
		return 0, errors.Wrap(ErrAllocation, "no allocator for descriptor chunks")
	}
	addr, err := h.alloc.Allocate(size)
	if err != nil {
		return 0, errors.Wrapf(ErrAllocation, "descriptor chunk: %v", err)
	}
	return addr, nil
}

func (h *heapChunks) name() string { return "heap" }

type ArenaStats struct {
	Descriptors  uint64
	StaticChunks uint64
	HeapChunks   uint64
}

// Arena hands out descriptors from fixed size chunks with a bump cursor. The
// first chunk is static; further chunks come from the allocator, but only
// after the owner has called CompleteBootstrap. The arena does no locking:
// callers serialize relocation passes.
type Arena struct {
	space     *mem.Space
	chunkSize uint64
	static    *staticChunk
	heap      *heapChunks
	bootDone  bool

	next uint64
	last uint64

	descriptors  atomic.Uint64
	staticChunks atomic.Uint64
	heapChunks   atomic.Uint64

	logger  log.Logger
	metrics *Metrics
}

// NewArena creates an arena whose first chunk of chunkSize descriptors lives
// at static, which must be mapped, zeroed and word aligned.
func NewArena(space *mem.Space, static uint64, alloc mem.Allocator, chunkSize int) *Arena {
	if chunkSize <= 0 {
		chunkSize = constants.FptrChunkSize
	}
	return &Arena{
		space:     space,
		chunkSize: uint64(chunkSize),
		static:    &staticChunk{base: static},
		heap:      &heapChunks{alloc: alloc},
		logger:    log.NewNopLogger(),
		metrics:   NewMetrics(nil),
	}
}

// CompleteBootstrap switches chunk acquisition to the general allocator.
func (a *Arena) CompleteBootstrap() {
	a.bootDone = true
}

func (a *Arena) Bootstrapped() bool {
	return a.bootDone
}

func (a *Arena) source() chunkSource {
	if !a.static.used || !a.bootDone {
		return a.static
	}
	return a.heap
}

func (a *Arena) grow() error {
	src := a.source()
	size := a.chunkSize * constants.FptrSize
	base, err := src.acquire(size)
	if err != nil {
		return err
	}
	a.next = base
	a.last = base + size
	switch src.(type) {
	case *staticChunk:
		a.staticChunks.Inc()
	default:
		a.heapChunks.Inc()
	}
	a.metrics.DescriptorChunks.WithLabelValues(src.name()).Inc()
	_ = level.Debug(a.logger).Log("msg", "descriptor chunk", "source", src.name(), "base", hex(base), "descriptors", a.chunkSize)
	return nil
}

// Alloc stores a new descriptor and returns its permanent address.
func (a *Arena) Alloc(target, gp uint64) (uint64, error) {
	if a.next == a.last {
		if err := a.grow(); err != nil {
			return 0, err
		}
	}
	fptr := a.next
	if err := a.space.StoreWord(fptr, target); err != nil {
		return 0, errors.Wrapf(ErrAllocation, "descriptor at 0x%x: %v", fptr, err)
	}
	if err := a.space.StoreWord(fptr+constants.WordSize, gp); err != nil {
		return 0, errors.Wrapf(ErrAllocation, "descriptor at 0x%x: %v", fptr, err)
	}
	a.next += constants.FptrSize
	a.descriptors.Inc()
	a.metrics.DescriptorsAllocated.Inc()
	return fptr, nil
}

func (a *Arena) Stats() ArenaStats {
	return ArenaStats{
		Descriptors:  a.descriptors.Load(),
		StaticChunks: a.staticChunks.Load(),
		HeapChunks:   a.heapChunks.Load(),
	}
}

// ReadFptr loads the descriptor stored at addr.
func ReadFptr(space *mem.Space, addr uint64) (Fptr, error) {
	target, err := space.LoadWord(addr)
	if err != nil {
		return Fptr{}, err
	}
	gp, err := space.LoadWord(addr + constants.WordSize)
	if err != nil {
		return Fptr{}, err
	}
	return Fptr{Target: target, GP: gp}, nil
}
