package rtld

import (
	"debug/elf"
	"fmt"

	"github.com/pkujhd/rtld/objabi/reloctype"
)

func hex(v uint64) string {
	return fmt.Sprintf("0x%x", v)
}

func relocType(rela *elf.Rela64) reloctype.Type {
	return reloctype.Type(elf.R_TYPE64(rela.Info))
}

func relocSym(rela *elf.Rela64) uint32 {
	return elf.R_SYM64(rela.Info)
}
