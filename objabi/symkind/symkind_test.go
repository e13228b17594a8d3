package symkind

import (
	"debug/elf"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestClassify(t *testing.T) {
	weak := &elf.Symbol{Name: "w", Info: Info(elf.STB_WEAK, elf.STT_FUNC), Section: elf.SHN_UNDEF}
	require.True(t, IsWeak(weak))
	require.True(t, IsFunc(weak))
	require.True(t, IsUndefined(weak))
	require.False(t, IsLocal(weak))

	local := &elf.Symbol{Name: "l", Info: Info(elf.STB_LOCAL, elf.STT_OBJECT), Section: 3}
	require.True(t, IsLocal(local))
	require.False(t, IsWeak(local))
	require.False(t, IsUndefined(local))
}
