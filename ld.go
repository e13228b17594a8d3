package rtld

import (
	"io"
	"sync"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/pkujhd/rtld/constants"
	"github.com/pkujhd/rtld/mem"
)

type Options struct {
	// Arch selects the relocation handlers, ArchIA64 when nil.
	Arch *Arch
	// StaticChunk is the address of storage for the first descriptor chunk,
	// reserved inside the loader image. Required.
	StaticChunk uint64
	// ChunkSize is the number of descriptors per chunk.
	ChunkSize int
	// BindStart describes the lazy binding trampoline entry point.
	BindStart Fptr
	// Machine performs indirect calls through descriptors.
	Machine Machine

	Logger                log.Logger
	Registerer            prometheus.Registerer
	RelocationDebugWriter io.Writer
}

// Context is the load-wide state relocation runs against. Relocation passes
// must be serialized by the caller (the loader's bind lock); only LazyBind
// and RelocJumpSlot may run concurrently with each other.
type Context struct {
	arch     *Arch
	space    *mem.Space
	arena    *Arena
	resolver Resolver
	machine  Machine
	rtld     *Object
	debug    io.Writer

	bindStart Fptr

	logger  log.Logger
	metrics *Metrics

	objMu      sync.RWMutex
	objects    map[uint64]*Object
	nextHandle uint64

	errMu   sync.Mutex
	lastErr string
}

// NewContext creates the context for a process whose loader image is rtld.
// alloc is the general purpose allocator, not used before CompleteBootstrap.
func NewContext(space *mem.Space, alloc mem.Allocator, resolver Resolver, rtld *Object, opts Options) (*Context, error) {
	if space == nil || resolver == nil || rtld == nil {
		return nil, errors.New("rtld: space, resolver and loader object are required")
	}
	if opts.StaticChunk == 0 || opts.StaticChunk%constants.FptrSize != 0 {
		return nil, errors.Errorf("rtld: static descriptor chunk 0x%x must be non-zero and %d byte aligned", opts.StaticChunk, constants.FptrSize)
	}
	if opts.Arch == nil {
		opts.Arch = ArchIA64
	}
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	if opts.Machine == nil {
		opts.Machine = NewFuncTable()
	}
	metrics := NewMetrics(opts.Registerer)
	arena := NewArena(space, opts.StaticChunk, alloc, opts.ChunkSize)
	arena.logger = opts.Logger
	arena.metrics = metrics

	ctx := &Context{
		arch:      opts.Arch,
		space:     space,
		arena:     arena,
		resolver:  resolver,
		machine:   opts.Machine,
		rtld:      rtld,
		debug:     opts.RelocationDebugWriter,
		bindStart: opts.BindStart,
		logger:    opts.Logger,
		metrics:   metrics,
		objects:   make(map[uint64]*Object),
	}
	ctx.Register(rtld)
	return ctx, nil
}

func (ctx *Context) Arena() *Arena         { return ctx.arena }
func (ctx *Context) Space() *mem.Space     { return ctx.space }
func (ctx *Context) Arch() *Arch           { return ctx.arch }
func (ctx *Context) Rtld() *Object         { return ctx.rtld }
func (ctx *Context) Metrics() *Metrics     { return ctx.metrics }
func (ctx *Context) Logger() log.Logger    { return ctx.logger }
func (ctx *Context) Machine() Machine      { return ctx.machine }
func (ctx *Context) Resolver() Resolver    { return ctx.resolver }
func (ctx *Context) IsRtld(o *Object) bool { return o == ctx.rtld }

// CompleteBootstrap is called once the loader image is relocated and the
// general allocator is usable.
func (ctx *Context) CompleteBootstrap() {
	ctx.arena.CompleteBootstrap()
	_ = level.Debug(ctx.logger).Log("msg", "bootstrap complete", "descriptors", ctx.arena.Stats().Descriptors)
}

// Register gives obj a handle if it has none and returns it.
func (ctx *Context) Register(obj *Object) uint64 {
	ctx.objMu.Lock()
	defer ctx.objMu.Unlock()
	if obj.handle != 0 {
		return obj.handle
	}
	ctx.nextHandle++
	obj.handle = ctx.nextHandle
	ctx.objects[obj.handle] = obj
	return obj.handle
}

// Unregister forgets obj; the loader calls it on unload.
func (ctx *Context) Unregister(obj *Object) {
	ctx.objMu.Lock()
	defer ctx.objMu.Unlock()
	delete(ctx.objects, obj.handle)
	obj.handle = 0
}

// Object returns the registered object with the given handle.
func (ctx *Context) Object(handle uint64) (*Object, bool) {
	ctx.objMu.RLock()
	defer ctx.objMu.RUnlock()
	obj, ok := ctx.objects[handle]
	return obj, ok
}
