package rtld

import (
	"debug/elf"

	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/pkujhd/rtld/constants"
	"github.com/pkujhd/rtld/objabi/dyntag"
)

func (ctx *Context) checkPLTType(obj *Object, rela *elf.Rela64) error {
	if typ := relocType(rela); typ != ctx.arch.PLTType {
		return errors.Wrapf(ErrUnsupportedRelocation, "%s: %s in PLT relocations", obj.Path, typ)
	}
	return nil
}

// RebasePLT relocates the descriptors living in the PLT of obj, which the
// static linker laid out relative to zero.
func (ctx *Context) RebasePLT(obj *Object) error {
	relocs := obj.pltRelocs()
	for i := range relocs {
		if err := ctx.checkPLTType(obj, &relocs[i]); err != nil {
			return ctx.fail("PLT relocation", err)
		}
		where := obj.RelocBase + relocs[i].Off
		value, err := ctx.space.ReadWord(where)
		if err != nil {
			return ctx.fail("PLT relocation", errors.Wrapf(err, "%s: PLT entry %d", obj.Path, i))
		}
		if err := ctx.space.WriteWord(where, value+obj.RelocBase); err != nil {
			return ctx.fail("PLT relocation", errors.Wrapf(err, "%s: PLT entry %d", obj.Path, i))
		}
	}
	return nil
}

// BindJumpSlots resolves every jump slot of obj now instead of on first call.
// It runs once per object; later calls do nothing.
func (ctx *Context) BindJumpSlots(obj *Object) error {
	if obj.JmpslotsDone {
		return nil
	}
	relocs := obj.pltRelocs()
	for i := range relocs {
		if _, err := ctx.bindJumpSlot(obj, &relocs[i]); err != nil {
			return ctx.fail("jump slot binding", err)
		}
	}
	obj.JmpslotsDone = true
	return nil
}

func (ctx *Context) bindJumpSlot(obj *Object, rela *elf.Rela64) (uint64, error) {
	if err := ctx.checkPLTType(obj, rela); err != nil {
		return 0, err
	}
	symnum := relocSym(rela)
	def, defobj, ok := ctx.resolver.ResolveSymbol(symnum, obj, true)
	if !ok {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%s: %s", obj.Path, obj.symbolName(symnum))
	}
	where := obj.RelocBase + rela.Off
	return ctx.RelocJumpSlot(where, defobj.RelocBase+def.Value, defobj)
}

// RelocJumpSlot points the jump slot at where to target in defobj and returns
// the slot address, which is itself a valid descriptor for the target.
//
// Other threads may be calling through the slot while it is rewritten. The
// gp word is stored first and fenced, so a reader that sees the new target
// also sees the matching gp.
func (ctx *Context) RelocJumpSlot(where, target uint64, defobj *Object) (uint64, error) {
	_ = level.Debug(ctx.logger).Log("msg", "reloc_jmpslot", "where", hex(where), "target", hex(target), "gp", hex(defobj.PLTGOT))
	space := ctx.space
	stub, err := space.LoadWord(where)
	if err != nil {
		return 0, errors.Wrapf(err, "jump slot 0x%x", where)
	}
	if stub == target {
		ctx.metrics.JmpslotsSkipped.Inc()
		return where, nil
	}
	if err := space.StoreWord(where+constants.WordSize, defobj.PLTGOT); err != nil {
		return 0, errors.Wrapf(err, "jump slot 0x%x", where)
	}
	space.Fence()
	if err := space.StoreWord(where, target); err != nil {
		return 0, errors.Wrapf(err, "jump slot 0x%x", where)
	}
	space.Fence()
	ctx.metrics.JmpslotsPatched.Inc()
	return where, nil
}

// LazyBind is entered from the trampoline on the first call through an
// unbound PLT stub: reserve is the PLT reserve of the calling object and
// relocIndex the PLT relocation of the stub. It returns the descriptor to
// call. Safe for concurrent use.
func (ctx *Context) LazyBind(reserve uint64, relocIndex int) (uint64, error) {
	handle, err := ctx.space.LoadWord(reserve)
	if err != nil {
		return 0, ctx.fail("lazy binding", errors.Wrapf(err, "PLT reserve 0x%x", reserve))
	}
	obj, ok := ctx.Object(handle)
	if !ok {
		return 0, ctx.fail("lazy binding", errors.Errorf("PLT reserve 0x%x: no object with handle %d", reserve, handle))
	}
	relocs := obj.pltRelocs()
	if relocIndex < 0 || relocIndex >= len(relocs) {
		return 0, ctx.fail("lazy binding", errors.Errorf("%s: PLT relocation %d out of range", obj.Path, relocIndex))
	}
	fptr, err := ctx.bindJumpSlot(obj, &relocs[relocIndex])
	if err != nil {
		return 0, ctx.fail("lazy binding", err)
	}
	return fptr, nil
}

// InstallPLTBootstrap fills the PLT reserve of obj with the object handle and
// the trampoline descriptor. Without a reserve entry nothing is written and
// the object cannot be used: lazy binding would have nowhere to go.
func (ctx *Context) InstallPLTBootstrap(obj *Object) error {
	var pltres uint64
	found := false
	for _, dyn := range obj.Dynamic {
		tag := elf.DynTag(dyn.Tag)
		if tag == elf.DT_NULL {
			break
		}
		if tag == ctx.arch.PLTReserveTag {
			pltres = obj.RelocBase + dyn.Val
			found = true
		}
	}
	if !found {
		return ctx.fail("PLT bootstrap", errors.Wrapf(ErrMissingBootstrapSlot, "%s: can't find %s entry", obj.Path, dyntag.Name(ctx.arch.PLTReserveTag)))
	}

	if _, err := ctx.space.Bytes(pltres, constants.PLTReserveSize); err != nil {
		return ctx.fail("PLT bootstrap", errors.Wrapf(err, "%s: PLT reserve", obj.Path))
	}
	words := []uint64{ctx.Register(obj), ctx.bindStart.Target, ctx.bindStart.GP}
	for i, w := range words {
		if err := ctx.space.WriteWord(pltres+uint64(i)*constants.WordSize, w); err != nil {
			return ctx.fail("PLT bootstrap", errors.Wrapf(err, "%s: PLT reserve", obj.Path))
		}
	}
	return nil
}
