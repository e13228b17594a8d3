// Package symkind classifies ELF symbol table entries.
package symkind

import "debug/elf"

//go:inline
func IsWeak(sym *elf.Symbol) bool {
	return elf.ST_BIND(sym.Info) == elf.STB_WEAK
}

//go:inline
func IsFunc(sym *elf.Symbol) bool {
	return elf.ST_TYPE(sym.Info) == elf.STT_FUNC
}

//go:inline
func IsUndefined(sym *elf.Symbol) bool {
	return sym.Section == elf.SHN_UNDEF
}

//go:inline
func IsLocal(sym *elf.Symbol) bool {
	return elf.ST_BIND(sym.Info) == elf.STB_LOCAL
}

// Info packs binding and type the way the symbol table stores them.
func Info(bind elf.SymBind, typ elf.SymType) uint8 {
	return elf.ST_INFO(bind, typ)
}
