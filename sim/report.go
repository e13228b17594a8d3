package sim

import (
	"debug/elf"
	"fmt"
	"io"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/samber/lo"

	"github.com/pkujhd/rtld"
	"github.com/pkujhd/rtld/constants"
)

// SlotState is the current contents of one jump slot.
type SlotState struct {
	Object string
	Where  uint64
	Symbol string
	rtld.Fptr
}

// JumpSlots reads back every jump slot of obj.
func (p *Process) JumpSlots(obj *rtld.Object) ([]SlotState, error) {
	relocs := obj.PLTRela
	if len(obj.PLTRel) != 0 {
		relocs = lo.Map(obj.PLTRel, func(rel elf.Rel64, _ int) elf.Rela64 {
			return elf.Rela64{Off: rel.Off, Info: rel.Info}
		})
	}
	slots := make([]SlotState, 0, len(relocs))
	for _, r := range relocs {
		where := obj.RelocBase + r.Off
		fptr, err := rtld.ReadFptr(p.Space, where)
		if err != nil {
			return nil, err
		}
		name := ""
		if sym := int(elf.R_SYM64(r.Info)); sym < len(obj.Symtab) {
			name = obj.Symtab[sym].Name
		}
		slots = append(slots, SlotState{Object: obj.Path, Where: where, Symbol: name, Fptr: fptr})
	}
	return slots, nil
}

func descriptorCount(obj *rtld.Object) int {
	table, _ := obj.Priv.([]uint64)
	return lo.CountBy(table, func(fptr uint64) bool { return fptr != 0 })
}

// Report writes a summary of the relocated objects, their jump slots and
// the descriptor arena.
func (p *Process) Report(w io.Writer) error {
	table := tablewriter.NewWriter(w)
	table.SetHeader([]string{"Object", "Base", "GP", "Handle", "Descriptors", "Jump slots", "Bound"})
	for _, obj := range append([]*rtld.Object{p.Loader}, p.Objects...) {
		slots, err := p.JumpSlots(obj)
		if err != nil {
			return err
		}
		table.Append([]string{
			obj.Path,
			fmt.Sprintf("0x%x", obj.RelocBase),
			fmt.Sprintf("0x%x", obj.PLTGOT),
			fmt.Sprint(obj.Handle()),
			fmt.Sprint(descriptorCount(obj)),
			fmt.Sprint(len(slots)),
			fmt.Sprint(obj.JmpslotsDone),
		})
	}
	table.Render()

	var slots []SlotState
	for _, obj := range p.Objects {
		s, err := p.JumpSlots(obj)
		if err != nil {
			return err
		}
		slots = append(slots, s...)
	}
	if len(slots) > 0 {
		table = tablewriter.NewWriter(w)
		table.SetHeader([]string{"Object", "Slot", "Symbol", "Target", "GP"})
		for _, s := range slots {
			table.Append([]string{s.Object, fmt.Sprintf("0x%x", s.Where), s.Symbol, fmt.Sprintf("0x%x", s.Target), fmt.Sprintf("0x%x", s.GP)})
		}
		table.Render()
	}

	stats := p.Ctx.Arena().Stats()
	_, err := fmt.Fprintf(w, "descriptors: %d (%s) in %d static and %d heap chunks, heap in use: %s\n",
		stats.Descriptors,
		humanize.IBytes(stats.Descriptors*constants.FptrSize),
		stats.StaticChunks,
		stats.HeapChunks,
		humanize.IBytes(p.Heap.InUse()),
	)
	if err != nil {
		return err
	}
	for _, c := range p.Calls {
		if _, err := fmt.Fprintf(w, "%s %s: call 0x%x gp=0x%x\n", c.Kind, c.Object, c.Target, c.GP); err != nil {
			return err
		}
	}
	return nil
}
