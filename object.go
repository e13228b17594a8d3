package rtld

import (
	"debug/elf"
	"unsafe"

	"github.com/pkg/errors"
)

// Object is the loader's view of one loaded image. It is built and mapped by
// the surrounding loader; relocation only touches Priv and JmpslotsDone.
type Object struct {
	Path      string
	RelocBase uint64
	Symtab    []elf.Symbol
	// NChains is the number of symbol hash chains, the size of every per
	// symbol table. Zero means len(Symtab).
	NChains int

	Rel     []elf.Rel64
	Rela    []elf.Rela64
	PLTRel  []elf.Rel64
	PLTRela []elf.Rela64
	Dynamic []elf.Dyn64

	// PLTGOT is the global pointer of the object.
	PLTGOT uint64
	Init   uint64
	Fini   uint64

	Priv         interface{}
	JmpslotsDone bool

	handle uint64
}

// Handle is the value stored as the object back-reference in the PLT reserve,
// zero until the object is registered with a Context.
func (obj *Object) Handle() uint64 {
	return obj.handle
}

func (obj *Object) nchains() int {
	if obj.NChains > 0 {
		return obj.NChains
	}
	return len(obj.Symtab)
}

func (obj *Object) symbol(symnum uint32) *elf.Symbol {
	if int(symnum) < len(obj.Symtab) {
		return &obj.Symtab[symnum]
	}
	return nil
}

func (obj *Object) symbolName(symnum uint32) string {
	if sym := obj.symbol(symnum); sym != nil {
		return sym.Name
	}
	return "<bad symbol index>"
}

// symbolIndex recovers the table index of sym, which must point into obj.Symtab.
func (obj *Object) symbolIndex(sym *elf.Symbol) (uint32, error) {
	if len(obj.Symtab) == 0 || sym == nil {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%s: symbol not in symbol table", obj.Path)
	}
	first := uintptr(unsafe.Pointer(&obj.Symtab[0]))
	p := uintptr(unsafe.Pointer(sym))
	size := unsafe.Sizeof(obj.Symtab[0])
	if p < first || (p-first)%size != 0 || int((p-first)/size) >= len(obj.Symtab) {
		return 0, errors.Wrapf(ErrSymbolNotFound, "%s: %s not in symbol table", obj.Path, sym.Name)
	}
	return uint32((p - first) / size), nil
}

// pltRelocs returns the PLT relocations with explicit addends. An object uses
// either the Rel or the Rela form for its PLT, never both.
func (obj *Object) pltRelocs() []elf.Rela64 {
	if len(obj.PLTRel) != 0 {
		return relToRela(obj.PLTRel)
	}
	return obj.PLTRela
}

func relToRela(rels []elf.Rel64) []elf.Rela64 {
	relas := make([]elf.Rela64, len(rels))
	for i, rel := range rels {
		relas[i] = elf.Rela64{Off: rel.Off, Info: rel.Info, Addend: 0}
	}
	return relas
}
