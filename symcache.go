package rtld

import "debug/elf"

type symCacheEntry struct {
	sym *elf.Symbol
	obj *Object
}

// SymCache memoizes successful resolutions for one relocation pass over one
// object. Misses are not remembered.
type SymCache struct {
	resolver Resolver
	obj      *Object
	entries  []symCacheEntry
	hits     int
	misses   int
}

func newSymCache(resolver Resolver, obj *Object) *SymCache {
	return &SymCache{
		resolver: resolver,
		obj:      obj,
		entries:  make([]symCacheEntry, obj.nchains()),
	}
}

// Lookup resolves symbol symnum of the cached object.
func (c *SymCache) Lookup(symnum uint32) (*elf.Symbol, *Object, bool) {
	if int(symnum) < len(c.entries) && c.entries[symnum].sym != nil {
		c.hits++
		e := c.entries[symnum]
		return e.sym, e.obj, true
	}
	c.misses++
	def, defobj, ok := c.resolver.ResolveSymbol(symnum, c.obj, false)
	if ok && int(symnum) < len(c.entries) {
		c.entries[symnum] = symCacheEntry{sym: def, obj: defobj}
	}
	return def, defobj, ok
}

func (c *SymCache) Hits() int   { return c.hits }
func (c *SymCache) Misses() int { return c.misses }
