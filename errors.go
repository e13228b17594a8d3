package rtld

import (
	"github.com/go-kit/log/level"
	"github.com/pkg/errors"

	"github.com/pkujhd/rtld/mem"
)

var (
	ErrUnsupportedRelocation = errors.New("unsupported relocation type")
	ErrSymbolNotFound        = errors.New("undefined symbol")
	ErrAllocation            = errors.New("allocation failed")
	ErrMissingBootstrapSlot  = errors.New("missing PLT reserve entry")
	ErrNoCode                = errors.New("no code at descriptor target")
)

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrUnsupportedRelocation):
		return "unsupported_relocation"
	case errors.Is(err, ErrSymbolNotFound):
		return "symbol_not_found"
	case errors.Is(err, ErrAllocation), errors.Is(err, mem.ErrHeapExhausted):
		return "allocation"
	case errors.Is(err, ErrMissingBootstrapSlot):
		return "missing_bootstrap_slot"
	case errors.Is(err, mem.ErrUnmapped), errors.Is(err, mem.ErrMisaligned):
		return "memory"
	default:
		return "other"
	}
}

func errSymbolNamed(obj *Object, name string) error {
	return errors.Wrapf(ErrSymbolNotFound, "%s: %s", obj.Path, name)
}

// fail records err as the last error of the context and hands it back.
func (ctx *Context) fail(op string, err error) error {
	if err == nil {
		return nil
	}
	ctx.errMu.Lock()
	ctx.lastErr = err.Error()
	ctx.errMu.Unlock()
	ctx.metrics.RelocationFailures.WithLabelValues(errorKind(err)).Inc()
	_ = level.Error(ctx.logger).Log("msg", op+" failed", "err", err)
	return err
}

// LastError is the message of the most recent failure, for diagnostics.
func (ctx *Context) LastError() string {
	ctx.errMu.Lock()
	defer ctx.errMu.Unlock()
	return ctx.lastErr
}
