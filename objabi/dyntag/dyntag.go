// Package dyntag holds the processor-specific dynamic section tags the loader
// core consumes.
package dyntag

import "debug/elf"

const (
	// DT_IA64_PLT_RESERVE points at the three reserved words at the start of
	// the PLT: object handle, then the lazy binding trampoline descriptor.
	DT_IA64_PLT_RESERVE = elf.DT_LOPROC + 0
)

// Name is elf.DynTag.String with knowledge of the processor-specific tags.
func Name(tag elf.DynTag) string {
	if tag == DT_IA64_PLT_RESERVE {
		return "DT_IA64_PLT_RESERVE"
	}
	return tag.String()
}
