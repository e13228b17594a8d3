package rtld

import "debug/elf"

// Resolver searches the load graph for the definition of symbol symnum of
// refobj. inPLT asks for the binding a jump slot needs, which may differ
// from the one data references get (e.g. for protected or interposed
// symbols). Implementations used with LazyBind must be safe for concurrent use.
type Resolver interface {
	ResolveSymbol(symnum uint32, refobj *Object, inPLT bool) (def *elf.Symbol, defobj *Object, ok bool)
}

type ResolverFunc func(symnum uint32, refobj *Object, inPLT bool) (*elf.Symbol, *Object, bool)

func (f ResolverFunc) ResolveSymbol(symnum uint32, refobj *Object, inPLT bool) (*elf.Symbol, *Object, bool) {
	return f(symnum, refobj, inPLT)
}
