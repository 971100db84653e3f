package chipdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guiperry/fonecore/pkg/flasherr"
)

func TestLookupKnownChip(t *testing.T) {
	info, err := Lookup(0x0717)
	require.NoError(t, err)
	require.Equal(t, "MT6797", info.ChipName)
	require.Equal(t, uint32(0x200000), info.DAPayloadAddr)
}

func TestLookupUnknownChip(t *testing.T) {
	_, err := Lookup(0xFFFF)
	require.True(t, errors.Is(err, flasherr.ErrUnknownChip))
}

func TestLegacyWatchdogSet(t *testing.T) {
	require.True(t, NeedsLegacyWatchdogWrite16(0x6261))
	require.True(t, NeedsLegacyWatchdogWrite16(0x2523))
	require.True(t, NeedsLegacyWatchdogWrite16(0x7682))
	require.True(t, NeedsLegacyWatchdogWrite16(0x7686))
	require.False(t, NeedsLegacyWatchdogWrite16(0x0717))
}

func TestRegisterOverride(t *testing.T) {
	Register(ChipInfo{HWCode: 0xABCD, ChipName: "TEST", DAPayloadAddr: 0x1000})
	info, err := Lookup(0xABCD)
	require.NoError(t, err)
	require.Equal(t, "TEST", info.ChipName)
}
