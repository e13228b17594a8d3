package rtld

import (
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"
)

// Invoke calls the init or fini routine at target in obj. Indirect calls go
// through a descriptor, so one is built for the duration of the call.
func (ctx *Context) Invoke(obj *Object, target uint64) error {
	fptr := Fptr{Target: target, GP: obj.PLTGOT}
	_ = level.Debug(ctx.logger).Log("msg", "initfini", "obj", obj.Path, "target", hex(fptr.Target), "gp", hex(fptr.GP))
	if err := ctx.machine.CallIndirect(fptr); err != nil {
		return ctx.fail("init/fini call", errors.Wrapf(err, "%s: call 0x%x", obj.Path, target))
	}
	return nil
}

// CopyRelocations performs the copy relocations of dst, if the ABI has any.
func (ctx *Context) CopyRelocations(dst *Object) error {
	if ctx.arch.CopyRelocations == nil {
		return nil
	}
	return ctx.fail("copy relocation", ctx.arch.CopyRelocations(ctx, dst))
}
