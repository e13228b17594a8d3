package rtld

import (
	"debug/elf"
	"fmt"
	"sync"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/atomic"

	"github.com/pkujhd/rtld/constants"
	"github.com/pkujhd/rtld/objabi/dyntag"
	"github.com/pkujhd/rtld/objabi/reloctype"
)

const (
	slot0      = 0x1900
	slot1      = 0x1910
	pltReserve = 0x1980
	stubValue  = 0x500
)

// newPLTWorld gives libfoo.so two jump slots, one importing puts from libc.so
// and one bound to its own function a.
func newPLTWorld(t *testing.T, opts Options) (*world, *Object, *Object) {
	w, foo, libc := newFooWorld(t, opts)
	foo.PLTRela = []elf.Rela64{
		rela(slot0, symPuts, reloctype.R_IA64_IPLTLSB, 0),
		rela(slot1, symA, reloctype.R_IA64_IPLTLSB, 0),
	}
	foo.Dynamic = []elf.Dyn64{
		{Tag: int64(elf.DT_PLTGOT), Val: 0x1800},
		{Tag: int64(dyntag.DT_IA64_PLT_RESERVE), Val: pltReserve},
		{Tag: int64(elf.DT_NULL)},
	}
	w.setWord(fooBase+slot0, stubValue)
	w.setWord(fooBase+slot1, stubValue+0x20)
	return w, foo, libc
}

func TestRebasePLT(t *testing.T) {
	w, foo, _ := newPLTWorld(t, Options{})
	require.NoError(t, w.ctx.RebasePLT(foo))
	require.Equal(t, uint64(fooBase+stubValue), w.word(fooBase+slot0))
	require.Equal(t, uint64(fooBase+stubValue+0x20), w.word(fooBase+slot1))
	// gp words are left alone
	require.Zero(t, w.word(fooBase+slot0+constants.WordSize))
}

func TestRebasePLTPrefersRelStream(t *testing.T) {
	w, foo, _ := newPLTWorld(t, Options{})
	foo.PLTRel = []elf.Rel64{rel(slot1, symA, reloctype.R_IA64_IPLTLSB)}
	require.NoError(t, w.ctx.RebasePLT(foo))
	require.Equal(t, uint64(stubValue), w.word(fooBase+slot0))
	require.Equal(t, uint64(fooBase+stubValue+0x20), w.word(fooBase+slot1))
}

func TestPLTRejectsOtherTypes(t *testing.T) {
	w, foo, _ := newPLTWorld(t, Options{})
	foo.PLTRela = append(foo.PLTRela, rela(0x1920, symB, reloctype.R_IA64_FPTR64LSB, 0))

	err := w.ctx.RebasePLT(foo)
	require.ErrorIs(t, err, ErrUnsupportedRelocation)
	require.Contains(t, w.ctx.LastError(), "PLT relocations")

	err = w.ctx.BindJumpSlots(foo)
	require.ErrorIs(t, err, ErrUnsupportedRelocation)
	require.False(t, foo.JmpslotsDone)
}

func TestBindJumpSlots(t *testing.T) {
	w, foo, libc := newPLTWorld(t, Options{})
	require.NoError(t, w.ctx.RebasePLT(foo))
	require.NoError(t, w.ctx.BindJumpSlots(foo))
	require.True(t, foo.JmpslotsDone)

	require.Equal(t, Fptr{Target: libcBase + 0x40, GP: libc.PLTGOT}, w.fptr(fooBase+slot0))
	require.Equal(t, Fptr{Target: fooBase + 0x100, GP: foo.PLTGOT}, w.fptr(fooBase+slot1))
	require.Equal(t, 2.0, testutil.ToFloat64(w.ctx.Metrics().JmpslotsPatched))

	// a second call is a no-op
	tracer := &recordingTracer{}
	w.space.SetTracer(tracer)
	calls := w.resolver.Calls()
	require.NoError(t, w.ctx.BindJumpSlots(foo))
	require.Equal(t, calls, w.resolver.Calls())
	require.Empty(t, tracer.Events())
}

func TestJumpSlotUpdateOrder(t *testing.T) {
	w, foo, libc := newPLTWorld(t, Options{})
	require.NoError(t, w.ctx.RebasePLT(foo))
	tracer := &recordingTracer{}
	w.space.SetTracer(tracer)

	require.NoError(t, w.ctx.BindJumpSlots(foo))
	where := uint64(fooBase + slot0)
	events := tracer.Events()
	require.Len(t, events, 8)
	require.Equal(t, []traceEvent{
		{addr: where + constants.WordSize, val: libc.PLTGOT},
		{fence: true},
		{addr: where, val: libcBase + 0x40},
		{fence: true},
	}, events[:4])
}

func TestRelocJumpSlotAlreadyBound(t *testing.T) {
	w, foo, _ := newPLTWorld(t, Options{})
	where := uint64(fooBase + slot1)
	w.setWord(where, fooBase+0x100)
	tracer := &recordingTracer{}
	w.space.SetTracer(tracer)
	fences := w.space.Fences()

	fptr, err := w.ctx.RelocJumpSlot(where, fooBase+0x100, foo)
	require.NoError(t, err)
	require.Equal(t, where, fptr)
	require.Empty(t, tracer.Events())
	require.Equal(t, fences, w.space.Fences())
	require.Zero(t, w.word(where+constants.WordSize))
	require.Equal(t, 1.0, testutil.ToFloat64(w.ctx.Metrics().JmpslotsSkipped))
}

func TestRelocJumpSlotMisaligned(t *testing.T) {
	w, foo, _ := newPLTWorld(t, Options{})
	_, err := w.ctx.RelocJumpSlot(fooBase+slot0+4, fooBase+0x100, foo)
	require.Error(t, err)
}

func TestBindJumpSlotsUnresolved(t *testing.T) {
	w, foo, libc := newPLTWorld(t, Options{})
	foo.PLTRela = append(foo.PLTRela, rela(0x1920, symNowhere, reloctype.R_IA64_IPLTLSB, 0))
	require.NoError(t, w.ctx.RebasePLT(foo))

	err := w.ctx.BindJumpSlots(foo)
	require.ErrorIs(t, err, ErrSymbolNotFound)
	require.Contains(t, w.ctx.LastError(), "nowhere")
	require.False(t, foo.JmpslotsDone)
	require.Equal(t, Fptr{Target: libcBase + 0x40, GP: libc.PLTGOT}, w.fptr(fooBase+slot0))
}

func TestInstallPLTBootstrap(t *testing.T) {
	w, foo, _ := newPLTWorld(t, Options{})
	require.NoError(t, w.ctx.InstallPLTBootstrap(foo))

	handle := w.word(fooBase + pltReserve)
	require.NotZero(t, handle)
	require.Equal(t, foo.Handle(), handle)
	require.NotEqual(t, w.rtld.Handle(), handle)
	require.Equal(t, uint64(rtldBase+0x100), w.word(fooBase+pltReserve+8))
	require.Equal(t, w.rtld.PLTGOT, w.word(fooBase+pltReserve+16))

	obj, ok := w.ctx.Object(handle)
	require.True(t, ok)
	require.Same(t, foo, obj)

	// installing again keeps the handle
	require.NoError(t, w.ctx.InstallPLTBootstrap(foo))
	require.Equal(t, handle, w.word(fooBase+pltReserve))
}

func TestInstallPLTBootstrapMissingReserve(t *testing.T) {
	for name, dynamic := range map[string][]elf.Dyn64{
		"absent": {
			{Tag: int64(elf.DT_PLTGOT), Val: 0x1800},
			{Tag: int64(elf.DT_NULL)},
		},
		"after terminator": {
			{Tag: int64(elf.DT_NULL)},
			{Tag: int64(dyntag.DT_IA64_PLT_RESERVE), Val: pltReserve},
		},
		"empty": nil,
	} {
		t.Run(name, func(t *testing.T) {
			w, foo, _ := newPLTWorld(t, Options{})
			foo.Dynamic = dynamic
			tracer := &recordingTracer{}
			w.space.SetTracer(tracer)

			err := w.ctx.InstallPLTBootstrap(foo)
			require.ErrorIs(t, err, ErrMissingBootstrapSlot)
			require.Contains(t, w.ctx.LastError(), "DT_IA64_PLT_RESERVE")
			require.Empty(t, tracer.Events())
			require.Zero(t, w.word(fooBase+pltReserve))
		})
	}
}

func TestInstallPLTBootstrapUnmappedReserve(t *testing.T) {
	w, foo, _ := newPLTWorld(t, Options{})
	// the last two words would fall past the end of the image
	foo.Dynamic = []elf.Dyn64{{Tag: int64(dyntag.DT_IA64_PLT_RESERVE), Val: objSize - 8}}
	tracer := &recordingTracer{}
	w.space.SetTracer(tracer)
	require.Error(t, w.ctx.InstallPLTBootstrap(foo))
	require.Empty(t, tracer.Events())
}

func TestLazyBind(t *testing.T) {
	w, foo, libc := newPLTWorld(t, Options{})
	require.NoError(t, w.ctx.RebasePLT(foo))
	require.NoError(t, w.ctx.InstallPLTBootstrap(foo))

	fptr, err := w.ctx.LazyBind(fooBase+pltReserve, 0)
	require.NoError(t, err)
	require.Equal(t, uint64(fooBase+slot0), fptr)
	require.Equal(t, Fptr{Target: libcBase + 0x40, GP: libc.PLTGOT}, w.fptr(fptr))
	// only the called slot is bound
	require.Equal(t, uint64(fooBase+stubValue+0x20), w.word(fooBase+slot1))
	require.False(t, foo.JmpslotsDone)

	_, err = w.ctx.LazyBind(fooBase+pltReserve, 2)
	require.Error(t, err)
	_, err = w.ctx.LazyBind(fooBase+0x1000, 0)
	require.Error(t, err)
	require.Contains(t, w.ctx.LastError(), "no object with handle")

	w.ctx.Unregister(foo)
	_, err = w.ctx.LazyBind(fooBase+pltReserve, 0)
	require.Error(t, err)
}

func TestLazyBindConcurrentCallers(t *testing.T) {
	const slots = 64
	w := newWorld(t, Options{})
	libcSyms := []elf.Symbol{{}}
	fooSyms := []elf.Symbol{{}}
	for i := 0; i < slots; i++ {
		name := fmt.Sprintf("f%d", i)
		libcSyms = append(libcSyms, funcSym(name, uint64(0x100+i*0x10)))
		fooSyms = append(fooSyms, undefSym(name))
	}
	foo := w.object("libfoo.so", fooBase, objSize, fooSyms)
	foo.PLTGOT = fooBase + 0x1800
	libc := w.object("libc.so", libcBase, objSize, libcSyms)
	libc.PLTGOT = libcBase + 0x1800
	foo.Dynamic = []elf.Dyn64{{Tag: int64(dyntag.DT_IA64_PLT_RESERVE), Val: pltReserve}}
	for i := 0; i < slots; i++ {
		off := uint64(0x1000 + i*constants.JmpslotSize)
		foo.PLTRela = append(foo.PLTRela, rela(off, uint32(i+1), reloctype.R_IA64_IPLTLSB, 0))
		w.setWord(fooBase+off, fooBase+stubValue)
		w.setWord(fooBase+off+constants.WordSize, foo.PLTGOT)
	}
	w.ctx.CompleteBootstrap()
	require.NoError(t, w.ctx.InstallPLTBootstrap(foo))

	var (
		done     atomic.Bool
		torn     atomic.Int64
		bindErrs atomic.Int64
		readers  sync.WaitGroup
		callers  sync.WaitGroup
	)
	for r := 0; r < 4; r++ {
		readers.Add(1)
		go func() {
			defer readers.Done()
			for !done.Load() {
				for i := 0; i < slots; i++ {
					where := uint64(fooBase + 0x1000 + i*constants.JmpslotSize)
					target, _ := w.space.LoadWord(where)
					gp, _ := w.space.LoadWord(where + constants.WordSize)
					if target != fooBase+stubValue && gp != libc.PLTGOT {
						torn.Inc()
					}
				}
			}
		}()
	}
	for c := 0; c < 8; c++ {
		callers.Add(1)
		go func(c int) {
			defer callers.Done()
			for i := 0; i < slots; i++ {
				idx := (i + c*7) % slots
				if _, err := w.ctx.LazyBind(fooBase+pltReserve, idx); err != nil {
					bindErrs.Inc()
				}
			}
		}(c)
	}
	callers.Wait()
	done.Store(true)
	readers.Wait()

	require.Zero(t, bindErrs.Load())
	require.Zero(t, torn.Load())
	for i := 0; i < slots; i++ {
		where := uint64(fooBase + 0x1000 + i*constants.JmpslotSize)
		require.Equal(t, Fptr{Target: libcBase + uint64(0x100+i*0x10), GP: libc.PLTGOT}, w.fptr(where))
	}
}
