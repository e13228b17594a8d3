// Package reloctype enumerates the relocation kinds of the descriptor-based
// ABI family. Values follow the processor supplement numbering.
package reloctype

import "fmt"

type Type uint32

// copy from the IA-64 processor-specific ELF supplement
//
// R_IA64_DIR64LSB stores S + A, the absolute address of the referenced symbol.
// R_IA64_FPTR64LSB stores the address of the official function descriptor of
// the referenced symbol. R_IA64_REL64LSB stores BD + A, relative to the load
// base. R_IA64_IPLTLSB is the only PLT relocation kind: a two word function
// descriptor living in the PLT, patched at bind time.
const (
	R_IA64_NONE      Type = 0x00
	R_IA64_DIR32MSB  Type = 0x24
	R_IA64_DIR32LSB  Type = 0x25
	R_IA64_DIR64MSB  Type = 0x26
	R_IA64_DIR64LSB  Type = 0x27
	R_IA64_FPTR64I   Type = 0x43
	R_IA64_FPTR32MSB Type = 0x44
	R_IA64_FPTR32LSB Type = 0x45
	R_IA64_FPTR64MSB Type = 0x46
	R_IA64_FPTR64LSB Type = 0x47
	R_IA64_REL32MSB  Type = 0x6c
	R_IA64_REL32LSB  Type = 0x6d
	R_IA64_REL64MSB  Type = 0x6e
	R_IA64_REL64LSB  Type = 0x6f
	R_IA64_IPLTMSB   Type = 0x80
	R_IA64_IPLTLSB   Type = 0x81
	R_IA64_COPY      Type = 0x84
)

var names = map[Type]string{
	R_IA64_NONE:      "R_IA64_NONE",
	R_IA64_DIR32MSB:  "R_IA64_DIR32MSB",
	R_IA64_DIR32LSB:  "R_IA64_DIR32LSB",
	R_IA64_DIR64MSB:  "R_IA64_DIR64MSB",
	R_IA64_DIR64LSB:  "R_IA64_DIR64LSB",
	R_IA64_FPTR64I:   "R_IA64_FPTR64I",
	R_IA64_FPTR32MSB: "R_IA64_FPTR32MSB",
	R_IA64_FPTR32LSB: "R_IA64_FPTR32LSB",
	R_IA64_FPTR64MSB: "R_IA64_FPTR64MSB",
	R_IA64_FPTR64LSB: "R_IA64_FPTR64LSB",
	R_IA64_REL32MSB:  "R_IA64_REL32MSB",
	R_IA64_REL32LSB:  "R_IA64_REL32LSB",
	R_IA64_REL64MSB:  "R_IA64_REL64MSB",
	R_IA64_REL64LSB:  "R_IA64_REL64LSB",
	R_IA64_IPLTMSB:   "R_IA64_IPLTMSB",
	R_IA64_IPLTLSB:   "R_IA64_IPLTLSB",
	R_IA64_COPY:      "R_IA64_COPY",
}

func (t Type) String() string {
	if name, ok := names[t]; ok {
		return name
	}
	return fmt.Sprintf("R_IA64_UNKNOWN(%d)", uint32(t))
}

// Parse maps a relocation name back to its code.
func Parse(name string) (Type, bool) {
	for t, n := range names {
		if n == name {
			return t, true
		}
	}
	return R_IA64_NONE, false
}
