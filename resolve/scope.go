// Package resolve searches a load graph for symbol definitions. It provides
// the rtld.Resolver the relocation core consumes.
package resolve

import (
	"debug/elf"
	"strconv"
	"sync"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/samber/lo"

	"github.com/pkujhd/rtld"
	"github.com/pkujhd/rtld/objabi/symkind"
)

const DefaultCacheSize = 4096

type entry struct {
	obj *rtld.Object
	idx int
	// pltStub marks an undefined function whose value is the address of the
	// defining object's PLT stub, the canonical address of an imported function.
	pltStub bool
}

// Scope is the global symbol scope: objects in load order, first definition wins.
// Scope is safe for concurrent use.
type Scope struct {
	mu      sync.RWMutex
	objects []*rtld.Object
	index   map[uint64][]entry
	cache   *lru.Cache[string, entry]
	// zero is the definition of undefined weak references.
	zero elf.Symbol
}

func NewScope(cacheSize int) (*Scope, error) {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, entry](cacheSize)
	if err != nil {
		return nil, err
	}
	return &Scope{
		index: make(map[uint64][]entry),
		cache: cache,
		zero:  elf.Symbol{Name: "", Info: symkind.Info(elf.STB_GLOBAL, elf.STT_NOTYPE), Section: elf.SHN_ABS},
	}, nil
}

func exported(sym *elf.Symbol) bool {
	bind := elf.ST_BIND(sym.Info)
	return sym.Name != "" && (bind == elf.STB_GLOBAL || bind == elf.STB_WEAK)
}

// Add appends obj to the search order.
func (s *Scope) Add(obj *rtld.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = append(s.objects, obj)
	for i := range obj.Symtab {
		sym := &obj.Symtab[i]
		if !exported(sym) {
			continue
		}
		stub := symkind.IsUndefined(sym) && symkind.IsFunc(sym) && sym.Value != 0
		if symkind.IsUndefined(sym) && !stub {
			continue
		}
		h := xxhash.Sum64String(sym.Name)
		s.index[h] = append(s.index[h], entry{obj: obj, idx: i, pltStub: stub})
	}
	s.cache.Purge()
}

// Remove drops obj from the search order.
func (s *Scope) Remove(obj *rtld.Object) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects = lo.Without(s.objects, obj)
	for h, entries := range s.index {
		entries = lo.Reject(entries, func(e entry, _ int) bool { return e.obj == obj })
		if len(entries) == 0 {
			delete(s.index, h)
		} else {
			s.index[h] = entries
		}
	}
	s.cache.Purge()
}

func (s *Scope) Objects() []*rtld.Object {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]*rtld.Object(nil), s.objects...)
}

// Lookup finds the first definition of name in load order.
func (s *Scope) Lookup(name string, inPLT bool) (*elf.Symbol, *rtld.Object, bool) {
	key := name + "/" + strconv.FormatBool(inPLT)
	if e, ok := s.cache.Get(key); ok {
		return &e.obj.Symtab[e.idx], e.obj, true
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, obj := range s.objects {
		for _, e := range s.index[xxhash.Sum64String(name)] {
			if e.obj != obj || e.obj.Symtab[e.idx].Name != name {
				continue
			}
			// a jump slot must reach the real code, not the caller's own stub
			if e.pltStub && inPLT {
				continue
			}
			s.cache.Add(key, e)
			return &obj.Symtab[e.idx], obj, true
		}
	}
	return nil, nil, false
}

// ResolveSymbol implements rtld.Resolver. Undefined weak references resolve
// to a zero valued symbol of the first object in the scope.
func (s *Scope) ResolveSymbol(symnum uint32, refobj *rtld.Object, inPLT bool) (*elf.Symbol, *rtld.Object, bool) {
	if int(symnum) >= len(refobj.Symtab) {
		return nil, nil, false
	}
	ref := &refobj.Symtab[symnum]
	if def, defobj, ok := s.Lookup(ref.Name, inPLT); ok {
		return def, defobj, true
	}
	if symkind.IsWeak(ref) {
		s.mu.RLock()
		defer s.mu.RUnlock()
		defobj := refobj
		if len(s.objects) > 0 {
			defobj = s.objects[0]
		}
		return &s.zero, defobj, true
	}
	return nil, nil, false
}

var _ rtld.Resolver = (*Scope)(nil)
