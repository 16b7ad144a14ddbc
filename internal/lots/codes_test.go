package lots

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestDeterministicLotCode(t *testing.T) {
	code, ok := deterministicLotCode(SourcePurchase, "7f3c", 2)
	require.True(t, ok)
	require.Equal(t, "LOT-PUR-7f3c-2", code)

	code, ok = deterministicLotCode(SourceTransfer, "t-1", 1)
	require.True(t, ok)
	require.Equal(t, "LOT-TRF-t-1-1", code)

	_, ok = deterministicLotCode(SourcePurchase, "", 1)
	require.False(t, ok)

	_, ok = deterministicLotCode(SourceType("UNKNOWN"), "x", 1)
	require.False(t, ok)
}

func TestSequenceLotCode(t *testing.T) {
	require.Equal(t, "LOT-SEQ-00000042", sequenceLotCode(42))
}
