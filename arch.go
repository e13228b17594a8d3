package rtld

import (
	"debug/elf"

	"github.com/pkujhd/rtld/objabi/dyntag"
	"github.com/pkujhd/rtld/objabi/reloctype"
)

// RelocHandler applies one non-PLT relocation; where is the absolute address
// of the word being fixed up.
type RelocHandler func(p *Pass, rela *elf.Rela64, where uint64) error

// Arch is a relocation profile. Adding an architecture means adding an Arch,
// the dispatcher itself does not change.
type Arch struct {
	Name    string
	Machine elf.Machine
	// Handlers is the closed set of non-PLT relocation kinds this profile
	// understands. Anything else fails the pass.
	Handlers map[reloctype.Type]RelocHandler
	// PLTType is the one relocation kind allowed in the PLT streams.
	PLTType reloctype.Type
	// PLTReserveTag locates the words read by the lazy binding trampoline.
	PLTReserveTag elf.DynTag
	// CopyRelocations copies data symbols into dst; nil means the ABI has no
	// copy relocations.
	CopyRelocations func(ctx *Context, dst *Object) error
}

var ArchIA64 = &Arch{
	Name:    "ia64",
	Machine: elf.EM_IA_64,
	Handlers: map[reloctype.Type]RelocHandler{
		reloctype.R_IA64_REL64LSB:  relocateREL64,
		reloctype.R_IA64_DIR64LSB:  relocateDIR64,
		reloctype.R_IA64_FPTR64LSB: relocateFPTR64,
	},
	PLTType:       reloctype.R_IA64_IPLTLSB,
	PLTReserveTag: dyntag.DT_IA64_PLT_RESERVE,
}

// WithHandlers returns a copy of arch with extra or replaced handlers.
func (arch *Arch) WithHandlers(name string, handlers map[reloctype.Type]RelocHandler) *Arch {
	derived := *arch
	derived.Name = name
	derived.Handlers = make(map[reloctype.Type]RelocHandler, len(arch.Handlers)+len(handlers))
	for t, h := range arch.Handlers {
		derived.Handlers[t] = h
	}
	for t, h := range handlers {
		derived.Handlers[t] = h
	}
	return &derived
}
