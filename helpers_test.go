package rtld

import (
	"debug/elf"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pkujhd/rtld/mem"
	"github.com/pkujhd/rtld/objabi/reloctype"
	"github.com/pkujhd/rtld/objabi/symkind"
)

const (
	rtldBase        = 0x10000
	rtldSize        = 0x2000
	staticChunkBase = rtldBase + 0x1000
	heapBase        = 0x1000000
	heapLimit       = 0x1100000
)

type countingAlloc struct {
	heap  *mem.Heap
	calls int
}

func (c *countingAlloc) Allocate(size uint64) (uint64, error) {
	c.calls++
	return c.heap.Allocate(size)
}

// testResolver finds the first defined, named, non-local symbol in load order.
type testResolver struct {
	mu      sync.Mutex
	objects []*Object
	calls   int
	zero    elf.Symbol
}

func (r *testResolver) ResolveSymbol(symnum uint32, refobj *Object, inPLT bool) (*elf.Symbol, *Object, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	ref := refobj.symbol(symnum)
	if ref == nil {
		return nil, nil, false
	}
	if ref.Name != "" {
		for _, obj := range r.objects {
			for i := range obj.Symtab {
				s := &obj.Symtab[i]
				if s.Name == ref.Name && !symkind.IsUndefined(s) && !symkind.IsLocal(s) {
					return s, obj, true
				}
			}
		}
	}
	if symkind.IsWeak(ref) {
		return &r.zero, refobj, true
	}
	return nil, nil, false
}

func (r *testResolver) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type world struct {
	t        *testing.T
	space    *mem.Space
	alloc    *countingAlloc
	resolver *testResolver
	funcs    *FuncTable
	rtld     *Object
	ctx      *Context
}

func newWorld(t *testing.T, opts Options) *world {
	t.Helper()
	space := mem.NewSpace()
	t.Cleanup(func() { require.NoError(t, space.Close()) })

	w := &world{
		t:        t,
		space:    space,
		alloc:    &countingAlloc{heap: mem.NewHeap(space, heapBase, heapLimit)},
		resolver: &testResolver{},
		funcs:    NewFuncTable(),
	}
	w.rtld = w.object("ld-elf.so.1", rtldBase, rtldSize, []elf.Symbol{
		{},
		funcSym("_rtld_bind_start", 0x100),
		funcSym("dlopen", 0x200),
	})
	w.rtld.PLTGOT = rtldBase + 0x1800

	opts.StaticChunk = staticChunkBase
	if opts.Machine == nil {
		opts.Machine = w.funcs
	}
	if opts.BindStart == (Fptr{}) {
		opts.BindStart = Fptr{Target: rtldBase + 0x100, GP: w.rtld.PLTGOT}
	}
	ctx, err := NewContext(space, w.alloc, w.resolver, w.rtld, opts)
	require.NoError(t, err)
	w.ctx = ctx
	return w
}

// object maps an image and makes its symbols visible to the resolver.
func (w *world) object(path string, base, size uint64, symtab []elf.Symbol) *Object {
	w.t.Helper()
	_, err := w.space.Map(path, base, size)
	require.NoError(w.t, err)
	obj := &Object{Path: path, RelocBase: base, Symtab: symtab}
	w.resolver.objects = append(w.resolver.objects, obj)
	return obj
}

func (w *world) word(addr uint64) uint64 {
	w.t.Helper()
	v, err := w.space.ReadWord(addr)
	require.NoError(w.t, err)
	return v
}

func (w *world) setWord(addr, v uint64) {
	w.t.Helper()
	require.NoError(w.t, w.space.WriteWord(addr, v))
}

func (w *world) fptr(addr uint64) Fptr {
	w.t.Helper()
	fp, err := ReadFptr(w.space, addr)
	require.NoError(w.t, err)
	return fp
}

func funcSym(name string, value uint64) elf.Symbol {
	return elf.Symbol{Name: name, Info: symkind.Info(elf.STB_GLOBAL, elf.STT_FUNC), Section: 1, Value: value}
}

func undefSym(name string) elf.Symbol {
	return elf.Symbol{Name: name, Info: symkind.Info(elf.STB_GLOBAL, elf.STT_FUNC), Section: elf.SHN_UNDEF}
}

func weakUndefSym(name string) elf.Symbol {
	return elf.Symbol{Name: name, Info: symkind.Info(elf.STB_WEAK, elf.STT_FUNC), Section: elf.SHN_UNDEF}
}

func localSym(value uint64) elf.Symbol {
	return elf.Symbol{Info: symkind.Info(elf.STB_LOCAL, elf.STT_FUNC), Section: 1, Value: value}
}

func rela(off uint64, symnum uint32, typ reloctype.Type, addend int64) elf.Rela64 {
	return elf.Rela64{Off: off, Info: elf.R_INFO(symnum, uint32(typ)), Addend: addend}
}

func rel(off uint64, symnum uint32, typ reloctype.Type) elf.Rel64 {
	return elf.Rel64{Off: off, Info: elf.R_INFO(symnum, uint32(typ))}
}

type traceEvent struct {
	fence bool
	addr  uint64
	val   uint64
}

type recordingTracer struct {
	mu     sync.Mutex
	events []traceEvent
}

func (r *recordingTracer) Store(addr, val uint64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, traceEvent{addr: addr, val: val})
}

func (r *recordingTracer) Fence() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, traceEvent{fence: true})
}

func (r *recordingTracer) Events() []traceEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]traceEvent(nil), r.events...)
}
