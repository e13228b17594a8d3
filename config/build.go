package config

import (
	"debug/elf"

	"github.com/pkujhd/rtld"
	"github.com/pkujhd/rtld/objabi/dyntag"
	"github.com/pkujhd/rtld/objabi/reloctype"
	"github.com/pkujhd/rtld/objabi/symkind"
)

// Build converts the description into the loader's object model. Addresses
// come out absolute; symbol values and relocation offsets stay image relative.
func (o *Object) Build() *rtld.Object {
	obj := &rtld.Object{
		Path:      o.Path,
		RelocBase: o.Base,
		Symtab:    make([]elf.Symbol, 0, len(o.Symbols)+1),
		PLTGOT:    o.Base + o.PLTGOT,
	}
	obj.Symtab = append(obj.Symtab, elf.Symbol{})
	for _, s := range o.Symbols {
		sym := elf.Symbol{
			Name:    s.Name,
			Info:    symkind.Info(binds[s.Bind], types[s.Type]),
			Section: elf.SHN_UNDEF,
			Value:   s.Value,
		}
		if !s.Undefined {
			sym.Section = elf.SHN_UNDEF + 1
		}
		obj.Symtab = append(obj.Symtab, sym)
	}

	for _, r := range o.Rel {
		obj.Rel = append(obj.Rel, elf.Rel64{Off: r.Offset, Info: o.info(r)})
	}
	for _, r := range o.Rela {
		obj.Rela = append(obj.Rela, elf.Rela64{Off: r.Offset, Info: o.info(r), Addend: r.Addend})
	}
	for _, r := range o.PLTRel {
		obj.PLTRel = append(obj.PLTRel, elf.Rel64{Off: r.Offset, Info: o.info(r)})
	}
	for _, r := range o.PLTRela {
		obj.PLTRela = append(obj.PLTRela, elf.Rela64{Off: r.Offset, Info: o.info(r), Addend: r.Addend})
	}

	obj.Dynamic = append(obj.Dynamic, elf.Dyn64{Tag: int64(elf.DT_PLTGOT), Val: o.PLTGOT})
	if o.PLTReserve != 0 {
		obj.Dynamic = append(obj.Dynamic, elf.Dyn64{Tag: int64(dyntag.DT_IA64_PLT_RESERVE), Val: o.PLTReserve})
	}
	obj.Dynamic = append(obj.Dynamic, elf.Dyn64{Tag: int64(elf.DT_NULL)})

	if idx, ok := o.symbolIndex(o.Init); ok && o.Init != "" {
		obj.Init = o.Base + obj.Symtab[idx].Value
	}
	if idx, ok := o.symbolIndex(o.Fini); ok && o.Fini != "" {
		obj.Fini = o.Base + obj.Symtab[idx].Value
	}
	return obj
}

func (o *Object) info(r Reloc) uint64 {
	typ, _ := reloctype.Parse(r.Type)
	var symnum uint32
	if r.Symbol != "" {
		symnum, _ = o.symbolIndex(r.Symbol)
	}
	return elf.R_INFO(symnum, uint32(typ))
}
