// Package chipdb is the static table mapping MediaTek hardware identifiers
// to the per-SoC addresses the BROM/Preloader client needs: watchdog,
// UART, and default DA load addresses. Register adds or replaces entries
// at runtime. hw_ver is not stored here; the BROM client reads it from
// the device at connect time into its session (see pkg/brom).
package chipdb

import "github.com/guiperry/fonecore/pkg/flasherr"

// ChipInfo is an immutable record keyed by 16-bit hw_code.
type ChipInfo struct {
	HWCode        uint16
	ChipName      string
	Description   string
	WatchdogAddr  uint32
	UARTAddr      uint32
	BromPayloadAddr uint32
	DAPayloadAddr uint32
	// CQDMABase is optional; zero means "not applicable for this chip".
	CQDMABase uint32
}

// legacyWatchdogSixteenBit is the small fixed set of SoCs whose
// watchdog must be disabled with WRITE16(0xA2050000, 0x2200) instead of the
// generic WRITE32(wdt_addr, wdt_value) path.
var legacyWatchdogSixteenBit = map[uint16]bool{
	0x6261: true, // MT6261
	0x2523: true, // MT2523
	0x7682: true, // MT7682
	0x7686: true, // MT7686
}

// NeedsLegacyWatchdogWrite16 reports whether hwCode is one of the legacy
// SoCs that require the fixed WRITE16 watchdog-disable sequence.
func NeedsLegacyWatchdogWrite16(hwCode uint16) bool {
	return legacyWatchdogSixteenBit[hwCode]
}

// table is the embedded chip database. Entries are illustrative of the
// shape a production table carries; real offsets are reverse-engineered
// per SoC and supplied by the caller's build when this module is vendored
// into a larger tool.
var table = map[uint16]ChipInfo{
	0x0717: {
		HWCode:          0x0717,
		ChipName:        "MT6797",
		Description:     "Helio X20",
		WatchdogAddr:    0x10007000,
		UARTAddr:        0x11002000,
		BromPayloadAddr: 0x100000,
		DAPayloadAddr:   0x200000,
	},
	0x0326: {
		HWCode:          0x0326,
		ChipName:        "MT6735",
		Description:     "MT6735",
		WatchdogAddr:    0x10007000,
		UARTAddr:        0x11002000,
		BromPayloadAddr: 0x100000,
		DAPayloadAddr:   0x200000,
	},
	0x6261: {
		HWCode:          0x6261,
		ChipName:        "MT6261",
		Description:     "Feature-phone SoC",
		WatchdogAddr:    0xA0030000,
		UARTAddr:        0xA0080000,
		BromPayloadAddr: 0x0,
		DAPayloadAddr:   0x200000,
	},
	0x8163: {
		HWCode:          0x8163,
		ChipName:        "MT8163",
		Description:     "MT8163 tablet SoC",
		WatchdogAddr:    0x10007000,
		UARTAddr:        0x11005000,
		BromPayloadAddr: 0x100000,
		DAPayloadAddr:   0x40000000,
		CQDMABase:       0x10212c00,
	},
}

// Lookup returns the ChipInfo for hwCode. If hwCode has no table entry it
// returns a zero-value ChipInfo and flasherr.ErrUnknownChip: callers may
// still proceed with caller-supplied addresses obtained from the
// LoaderSource collaborator, which may know a chip this embedded table
// does not.
func Lookup(hwCode uint16) (ChipInfo, error) {
	info, ok := table[hwCode]
	if !ok {
		return ChipInfo{}, flasherr.ErrUnknownChip
	}
	return info, nil
}

// Register adds or overrides a table entry at runtime, letting a caller
// extend the embedded database (e.g. from a cloud chip-ID lookup service)
// without rebuilding this module.
func Register(info ChipInfo) {
	table[info.HWCode] = info
}

// KnownChips returns the hw_codes currently in the table, sorted is not
// guaranteed; callers that need deterministic order should sort the result.
func KnownChips() []uint16 {
	codes := make([]uint16, 0, len(table))
	for code := range table {
		codes = append(codes, code)
	}
	return codes
}
