package mem

import (
	"fmt"
	"sync"

	"github.com/pkg/errors"
	"github.com/samber/lo"
)

var ErrHeapExhausted = errors.New("heap exhausted")

// Allocator is the general purpose allocator the loader can only use once its
// own image has been relocated.
type Allocator interface {
	Allocate(size uint64) (uint64, error)
}

const heapAlign = 16

// Heap is a bump allocator mapping one region per allocation inside
// [base, limit). Nothing is ever returned to it.
type Heap struct {
	mu     sync.Mutex
	space  *Space
	base   uint64
	next   uint64
	limit  uint64
	calls  int
	blocks []uint64
}

func NewHeap(space *Space, base, limit uint64) *Heap {
	return &Heap{space: space, base: base, next: base, limit: limit}
}

func (h *Heap) Allocate(size uint64) (uint64, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.calls++
	size = (size + heapAlign - 1) &^ (heapAlign - 1)
	if size == 0 || h.next+size > h.limit || h.next+size < h.next {
		return 0, errors.Wrapf(ErrHeapExhausted, "allocate %d bytes at 0x%x (limit 0x%x)", size, h.next, h.limit)
	}
	addr := h.next
	if _, err := h.space.Map(fmt.Sprintf("heap#%d", len(h.blocks)), addr, size); err != nil {
		return 0, err
	}
	h.next += size
	h.blocks = append(h.blocks, addr)
	return addr, nil
}

// Calls counts Allocate invocations, failed ones included.
func (h *Heap) Calls() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.calls
}

// InUse is the number of bytes handed out.
func (h *Heap) InUse() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.next - h.base
}

// Owns reports whether addr was handed out by this heap.
func (h *Heap) Owns(addr uint64) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return addr >= h.base && addr < h.next && lo.ContainsBy(h.blocks, func(b uint64) bool {
		r, err := h.space.Region(b)
		return err == nil && r.contains(addr, 1)
	})
}
