// Package sim runs the relocation core over a load graph mapped into a
// simulated address space, in the order a loader would at program start.
package sim

import (
	"debug/elf"
	"io"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/samber/lo"

	"github.com/pkujhd/rtld"
	"github.com/pkujhd/rtld/config"
	"github.com/pkujhd/rtld/mem"
	"github.com/pkujhd/rtld/resolve"
)

type Options struct {
	Logger                log.Logger
	Registerer            prometheus.Registerer
	RelocationDebugWriter io.Writer
}

// Call is one init or fini routine run through its descriptor.
type Call struct {
	Object string
	Kind   string
	Target uint64
	GP     uint64
}

type Process struct {
	Space   *mem.Space
	Heap    *mem.Heap
	Scope   *resolve.Scope
	Funcs   *rtld.FuncTable
	Ctx     *rtld.Context
	Loader  *rtld.Object
	Objects []*rtld.Object
	Calls   []Call

	relro   map[*rtld.Object]bool
	calling string
	logger  log.Logger
}

// New maps the loader and every object of cfg and creates the relocation
// context. Nothing is relocated yet.
func New(cfg *config.Config, opts Options) (*Process, error) {
	if opts.Logger == nil {
		opts.Logger = log.NewNopLogger()
	}
	scope, err := resolve.NewScope(cfg.CacheSize)
	if err != nil {
		return nil, err
	}
	p := &Process{
		Space:  mem.NewSpace(),
		Scope:  scope,
		Funcs:  rtld.NewFuncTable(),
		relro:  make(map[*rtld.Object]bool),
		logger: opts.Logger,
	}
	p.Heap = mem.NewHeap(p.Space, cfg.HeapBase, cfg.HeapLimit)

	p.Loader, err = p.mapObject(&cfg.Loader.Object)
	if err != nil {
		p.Space.Close()
		return nil, err
	}
	for i := range cfg.Objects {
		obj, err := p.mapObject(&cfg.Objects[i])
		if err != nil {
			p.Space.Close()
			return nil, err
		}
		p.Objects = append(p.Objects, obj)
		scope.Add(obj)
	}
	// the loader comes last in the global scope
	scope.Add(p.Loader)

	bindStart, _ := lo.Find(p.Loader.Symtab, func(sym elf.Symbol) bool {
		return sym.Name == cfg.Loader.BindStart
	})
	p.Ctx, err = rtld.NewContext(p.Space, p.Heap, scope, p.Loader, rtld.Options{
		StaticChunk:           p.Loader.RelocBase + cfg.Loader.StaticChunk,
		ChunkSize:             cfg.ChunkSize,
		BindStart:             rtld.Fptr{Target: p.Loader.RelocBase + bindStart.Value, GP: p.Loader.PLTGOT},
		Machine:               p.Funcs,
		Logger:                opts.Logger,
		Registerer:            opts.Registerer,
		RelocationDebugWriter: opts.RelocationDebugWriter,
	})
	if err != nil {
		p.Space.Close()
		return nil, err
	}
	return p, nil
}

func (p *Process) mapObject(desc *config.Object) (*rtld.Object, error) {
	if _, err := p.Space.Map(desc.Path, desc.Base, desc.Size); err != nil {
		return nil, err
	}
	for _, w := range desc.Words {
		if err := p.Space.WriteWord(desc.Base+w.Offset, w.Value); err != nil {
			return nil, errors.Wrapf(err, "%s: initial contents", desc.Path)
		}
	}
	obj := desc.Build()
	p.relro[obj] = desc.RELRO
	for _, entry := range lo.Uniq([]uint64{obj.Init, obj.Fini}) {
		if entry == 0 {
			continue
		}
		entry := entry
		p.Funcs.Define(entry, func(gp uint64) error {
			p.Calls = append(p.Calls, Call{Object: obj.Path, Kind: p.calling, Target: entry, GP: gp})
			return nil
		})
	}
	_ = level.Debug(p.logger).Log("msg", "mapped", "obj", obj.Path, "base", obj.RelocBase, "symbols", len(obj.Symtab))
	return obj, nil
}

// Relocate relocates the loader's own image, switches descriptor storage to
// the heap and then relocates every object in load order. Jump slots are
// bound now unless lazy is set, in which case the first call through each
// stub binds it. Init routines run last, dependencies first.
func (p *Process) Relocate(lazy bool) error {
	if err := p.Ctx.ProcessNonPLTRelocations(p.Loader); err != nil {
		return errors.Wrap(err, "relocating loader")
	}
	p.Ctx.CompleteBootstrap()

	for _, obj := range p.Objects {
		if err := p.relocateObject(obj, lazy); err != nil {
			return err
		}
	}
	for i := len(p.Objects) - 1; i >= 0; i-- {
		obj := p.Objects[i]
		if obj.Init == 0 {
			continue
		}
		if err := p.invoke(obj, "init", obj.Init); err != nil {
			return err
		}
	}
	return nil
}

func (p *Process) relocateObject(obj *rtld.Object, lazy bool) error {
	_ = level.Debug(p.logger).Log("msg", "relocating object", "obj", obj.Path, "lazy", lazy)
	steps := []func(*rtld.Object) error{
		p.Ctx.ProcessNonPLTRelocations,
		p.Ctx.CopyRelocations,
		p.Ctx.RebasePLT,
		p.Ctx.InstallPLTBootstrap,
	}
	if !lazy {
		steps = append(steps, p.Ctx.BindJumpSlots)
	}
	for _, step := range steps {
		if err := step(obj); err != nil {
			return err
		}
	}
	if p.relro[obj] {
		if lazy {
			_ = level.Warn(p.logger).Log("msg", "lazy binding, leaving image writable", "obj", obj.Path)
			return nil
		}
		return p.Space.Protect(obj.RelocBase, false)
	}
	return nil
}

// CallPLT simulates the first call through PLT entry relocIndex of obj: the
// stub enters the trampoline, which asks the loader to bind the slot. It
// returns the descriptor the call ends up going through.
func (p *Process) CallPLT(obj *rtld.Object, relocIndex int) (rtld.Fptr, error) {
	reserve, ok := lo.Find(obj.Dynamic, func(dyn elf.Dyn64) bool {
		return elf.DynTag(dyn.Tag) == p.Ctx.Arch().PLTReserveTag
	})
	if !ok {
		return rtld.Fptr{}, errors.Wrapf(rtld.ErrMissingBootstrapSlot, "%s", obj.Path)
	}
	fptr, err := p.Ctx.LazyBind(obj.RelocBase+reserve.Val, relocIndex)
	if err != nil {
		return rtld.Fptr{}, err
	}
	return rtld.ReadFptr(p.Space, fptr)
}

// Finalize runs fini routines in load order and releases the address space.
func (p *Process) Finalize() error {
	for _, obj := range p.Objects {
		if obj.Fini == 0 {
			continue
		}
		if err := p.invoke(obj, "fini", obj.Fini); err != nil {
			return err
		}
	}
	return p.Close()
}

// invoke calls entry through a descriptor for obj and records the Call under kind.
func (p *Process) invoke(obj *rtld.Object, kind string, entry uint64) error {
	p.calling = kind
	defer func() { p.calling = "" }()
	return p.Ctx.Invoke(obj, entry)
}

func (p *Process) Close() error {
	return p.Space.Close()
}

func (p *Process) Object(path string) (*rtld.Object, bool) {
	if path == p.Loader.Path {
		return p.Loader, true
	}
	return lo.Find(p.Objects, func(obj *rtld.Object) bool { return obj.Path == path })
}
