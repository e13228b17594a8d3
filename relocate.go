package rtld

import (
	"debug/elf"
	"fmt"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/pkujhd/rtld/mem"
	"github.com/pkujhd/rtld/objabi/symkind"
)

// Pass is the state of one non-PLT relocation pass over one object.
type Pass struct {
	ctx   *Context
	obj   *Object
	rtld  bool
	cache *SymCache
	// fptrs maps symbol index to descriptor address, making every
	// descriptor relocation of a symbol in this object store the same value.
	fptrs []uint64
}

func (p *Pass) Object() *Object      { return p.obj }
func (p *Pass) Space() *mem.Space    { return p.ctx.space }
func (p *Pass) Cache() *SymCache     { return p.cache }
func (p *Pass) Context() *Context    { return p.ctx }
func (p *Pass) RelocatingRtld() bool { return p.rtld }

// Fptr returns the descriptor of symbol symnum for this object, allocating
// it with the given contents the first time.
func (p *Pass) Fptr(symnum uint32, target, gp uint64) (uint64, error) {
	return fptrFor(p.ctx.arena, p.fptrs, symnum, target, gp)
}

func fptrFor(arena *Arena, fptrs []uint64, symnum uint32, target, gp uint64) (uint64, error) {
	if int(symnum) < len(fptrs) && fptrs[symnum] != 0 {
		return fptrs[symnum], nil
	}
	fptr, err := arena.Alloc(target, gp)
	if err != nil {
		return 0, err
	}
	if int(symnum) < len(fptrs) {
		fptrs[symnum] = fptr
	}
	_ = level.Debug(arena.logger).Log("msg", "alloc fptr", "symnum", symnum, "fptr", hex(fptr), "target", hex(target), "gp", hex(gp))
	return fptr, nil
}

func (p *Pass) apply(rela *elf.Rela64) error {
	typ := relocType(rela)
	handler, ok := p.ctx.arch.Handlers[typ]
	if !ok {
		return errors.Wrapf(ErrUnsupportedRelocation, "%s: %s in non-PLT relocations", p.obj.Path, typ)
	}
	where := p.obj.RelocBase + rela.Off
	if err := handler(p, rela, where); err != nil {
		return err
	}
	p.ctx.metrics.Relocations.WithLabelValues(typ.String()).Inc()
	if p.ctx.debug != nil {
		value := "<unreadable>"
		if v, err := p.ctx.space.ReadWord(where); err == nil {
			value = fmt.Sprintf("0x%016x", v)
		}
		_, _ = fmt.Fprintf(p.ctx.debug, "RELOCATING %-18s %s Where: 0x%016x Value: %s Sym: %d (%s) Addend: %d\n",
			typ, p.obj.Path, where, value, relocSym(rela), p.obj.symbolName(relocSym(rela)), rela.Addend)
	}
	return nil
}

// ProcessNonPLTRelocations applies the Rel and then the Rela stream of obj.
// The first failing entry aborts the pass; entries already applied stay.
func (ctx *Context) ProcessNonPLTRelocations(obj *Object) error {
	pass := &Pass{
		ctx:   ctx,
		obj:   obj,
		rtld:  ctx.IsRtld(obj),
		cache: newSymCache(ctx.resolver, obj),
		// for the loader itself this table only lives for the pass
		fptrs: make([]uint64, obj.nchains()),
	}
	_ = level.Debug(ctx.logger).Log("msg", "relocating", "obj", obj.Path, "rel", len(obj.Rel), "rela", len(obj.Rela), "rtld", pass.rtld)

	for _, rel := range obj.Rel {
		rela := elf.Rela64{Off: rel.Off, Info: rel.Info, Addend: 0}
		if err := pass.apply(&rela); err != nil {
			return ctx.fail("non-PLT relocation", err)
		}
	}
	for i := range obj.Rela {
		if err := pass.apply(&obj.Rela[i]); err != nil {
			return ctx.fail("non-PLT relocation", err)
		}
	}

	ctx.metrics.SymCacheHits.Add(float64(pass.cache.Hits()))
	ctx.metrics.SymCacheMisses.Add(float64(pass.cache.Misses()))

	// Keep the table for later descriptor lookups by symbol. The loader's
	// own table is dropped: it will be rebuilt on demand once allocation is safe.
	if !pass.rtld {
		obj.Priv = pass.fptrs
	} else {
		obj.Priv = nil
	}
	return nil
}

func relocateREL64(p *Pass, rela *elf.Rela64, where uint64) error {
	// the loader's startup code has already done these for its own image
	if p.rtld {
		return nil
	}
	space := p.Space()
	value, err := space.ReadWord(where)
	if err != nil {
		return errors.Wrapf(err, "%s: R_IA64_REL64LSB at 0x%x", p.obj.Path, rela.Off)
	}
	return space.WriteWord(where, value+p.obj.RelocBase)
}

func relocateDIR64(p *Pass, rela *elf.Rela64, where uint64) error {
	symnum := relocSym(rela)
	def, defobj, ok := p.cache.Lookup(symnum)
	if !ok {
		return errors.Wrapf(ErrSymbolNotFound, "%s: %s", p.obj.Path, p.obj.symbolName(symnum))
	}
	target := defobj.RelocBase + def.Value
	return p.Space().WriteWord(where, target+uint64(rela.Addend))
}

func relocateFPTR64(p *Pass, rela *elf.Rela64, where uint64) error {
	obj := p.obj
	symnum := relocSym(rela)
	ref := obj.symbol(symnum)
	if ref == nil {
		return errors.Wrapf(ErrSymbolNotFound, "%s: symbol index %d out of range", obj.Path, symnum)
	}
	def, defobj, ok := p.cache.Lookup(symnum)
	if !ok {
		// Resolution fails for local symbols; use the object's own entry.
		def, defobj = ref, obj
	}

	var target, gp uint64
	// an undefined weak reference gets a null descriptor, not one at relocbase
	if def.Value == 0 && symkind.IsWeak(ref) {
		target, gp = 0, 0
	} else {
		target = defobj.RelocBase + def.Value
		gp = defobj.PLTGOT
	}

	fptr, err := p.Fptr(symnum, target, gp)
	if err != nil {
		return err
	}
	return p.Space().WriteWord(where, fptr)
}
