package rtld

import (
	"sync"

	"github.com/pkg/errors"
)

// Machine performs a call through a function descriptor: branch to Target
// with the global pointer register set to GP.
type Machine interface {
	CallIndirect(fptr Fptr) error
}

// Func is code reachable through a descriptor; it receives the global
// pointer it was called with.
type Func func(gp uint64) error

// FuncTable is a Machine whose code is a table of Go functions keyed by entry address.
type FuncTable struct {
	mu    sync.RWMutex
	funcs map[uint64]Func
}

func NewFuncTable() *FuncTable {
	return &FuncTable{funcs: make(map[uint64]Func)}
}

func (t *FuncTable) Define(entry uint64, fn Func) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.funcs[entry] = fn
}

func (t *FuncTable) CallIndirect(fptr Fptr) error {
	t.mu.RLock()
	fn, ok := t.funcs[fptr.Target]
	t.mu.RUnlock()
	if !ok {
		return errors.Wrapf(ErrNoCode, "entry 0x%x", fptr.Target)
	}
	return fn(fptr.GP)
}
