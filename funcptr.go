package rtld

import (
	"debug/elf"
)

// MaterializeDescriptor returns the descriptor for sym, an entry of
// obj.Symtab, as used by symbol lookups after load. Repeated calls, and
// descriptor relocations processed earlier, yield the same address.
func (ctx *Context) MaterializeDescriptor(sym *elf.Symbol, obj *Object) (uint64, error) {
	index, err := obj.symbolIndex(sym)
	if err != nil {
		return 0, ctx.fail("descriptor lookup", err)
	}
	fptrs, _ := obj.Priv.([]uint64)
	if fptrs == nil {
		// Only reached for objects relocated without keeping a table, i.e.
		// the loader itself, and only after bootstrap.
		fptrs = make([]uint64, obj.nchains())
		obj.Priv = fptrs
	}
	fptr, err := fptrFor(ctx.arena, fptrs, index, obj.RelocBase+sym.Value, obj.PLTGOT)
	if err != nil {
		return 0, ctx.fail("descriptor lookup", err)
	}
	return fptr, nil
}

// LookupDescriptor is MaterializeDescriptor by symbol name.
func (ctx *Context) LookupDescriptor(name string, obj *Object) (uint64, error) {
	for i := range obj.Symtab {
		if obj.Symtab[i].Name == name && obj.Symtab[i].Section != elf.SHN_UNDEF {
			return ctx.MaterializeDescriptor(&obj.Symtab[i], obj)
		}
	}
	return 0, ctx.fail("descriptor lookup", errSymbolNamed(obj, name))
}
