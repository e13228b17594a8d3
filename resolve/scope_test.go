package resolve

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/pkujhd/rtld"
	"github.com/pkujhd/rtld/objabi/symkind"
)

func sym(name string, bind elf.SymBind, typ elf.SymType, section elf.SectionIndex, value uint64) elf.Symbol {
	return elf.Symbol{Name: name, Info: symkind.Info(bind, typ), Section: section, Value: value}
}

func TestScopeFirstDefinitionWins(t *testing.T) {
	main := &rtld.Object{Path: "main", Symtab: []elf.Symbol{
		{},
		sym("puts", elf.STB_GLOBAL, elf.STT_FUNC, elf.SHN_UNDEF, 0),
		sym("weakref", elf.STB_WEAK, elf.STT_FUNC, elf.SHN_UNDEF, 0),
		sym("missing", elf.STB_GLOBAL, elf.STT_FUNC, elf.SHN_UNDEF, 0),
		sym("", elf.STB_LOCAL, elf.STT_SECTION, 1, 0x40),
	}}
	libc := &rtld.Object{Path: "libc.so", RelocBase: 0x200000, Symtab: []elf.Symbol{
		{},
		sym("puts", elf.STB_GLOBAL, elf.STT_FUNC, 1, 0x100),
	}}
	libfoo := &rtld.Object{Path: "libfoo.so", RelocBase: 0x300000, Symtab: []elf.Symbol{
		{},
		sym("puts", elf.STB_WEAK, elf.STT_FUNC, 1, 0x900),
	}}

	s, err := NewScope(0)
	require.NoError(t, err)
	s.Add(main)
	s.Add(libc)
	s.Add(libfoo)

	def, defobj, ok := s.ResolveSymbol(1, main, false)
	require.True(t, ok)
	require.Equal(t, libc, defobj)
	require.Equal(t, uint64(0x100), def.Value)
	require.Same(t, &libc.Symtab[1], def)

	// cached answer is identical
	def2, defobj2, ok := s.ResolveSymbol(1, main, false)
	require.True(t, ok)
	require.Same(t, def, def2)
	require.Equal(t, defobj, defobj2)

	def, defobj, ok = s.ResolveSymbol(2, main, false)
	require.True(t, ok)
	require.Zero(t, def.Value)
	require.Equal(t, main, defobj)

	_, _, ok = s.ResolveSymbol(3, main, false)
	require.False(t, ok)

	// section symbols have no name and are never found
	_, _, ok = s.ResolveSymbol(4, main, false)
	require.False(t, ok)

	_, _, ok = s.ResolveSymbol(99, main, false)
	require.False(t, ok)

	s.Remove(libc)
	_, defobj, ok = s.ResolveSymbol(1, main, false)
	require.True(t, ok)
	require.Equal(t, libfoo, defobj)
	require.Len(t, s.Objects(), 2)
}

func TestScopePLTStub(t *testing.T) {
	// the executable's undefined function with a value is its PLT stub
	main := &rtld.Object{Path: "main", Symtab: []elf.Symbol{
		{},
		sym("memcpy", elf.STB_GLOBAL, elf.STT_FUNC, elf.SHN_UNDEF, 0x4010),
	}}
	libc := &rtld.Object{Path: "libc.so", RelocBase: 0x200000, Symtab: []elf.Symbol{
		{},
		sym("memcpy", elf.STB_GLOBAL, elf.STT_FUNC, 2, 0x700),
	}}
	s, err := NewScope(16)
	require.NoError(t, err)
	s.Add(main)
	s.Add(libc)

	_, defobj, ok := s.ResolveSymbol(1, libc, false)
	require.True(t, ok)
	require.Equal(t, main, defobj)

	def, defobj, ok := s.ResolveSymbol(1, libc, true)
	require.True(t, ok)
	require.Equal(t, libc, defobj)
	require.Equal(t, uint64(0x700), def.Value)
}
