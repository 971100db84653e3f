package daloader

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/guiperry/fonecore/pkg/codec"
)

func TestParseLegacy(t *testing.T) {
	data := append([]byte("MMMM"), make([]byte, 0x300)...)
	da1, da2, err := Parse(data, 0x0717)
	require.NoError(t, err)
	require.Nil(t, da2)
	require.Equal(t, uint32(legacyDefaultLoadAddr), da1.LoadAddr)
	require.Equal(t, SigLenLegacy, da1.SignatureLen)
	require.Equal(t, DaTypeLegacy, da1.DaType)
}

// buildV6 constructs a minimal V6 "hvea" archive with one entry matching
// hwCode scenario 2.
func buildV6(hwCode uint16, da1Size uint32) []byte {
	const tableOff = 0x10
	buf := make([]byte, tableOff+v6EntrySize+int(da1Size))
	copy(buf[0:4], v6Magic)
	codec.PutU32LE(buf[8:12], 1)
	codec.PutU32LE(buf[12:16], tableOff)

	entry := buf[tableOff : tableOff+v6EntrySize]
	codec.PutU16LE(entry[0:2], hwCode)
	codec.PutU32LE(entry[v6Da1OffsetOff:v6Da1OffsetOff+4], tableOff+v6EntrySize)
	codec.PutU32LE(entry[v6Da1SizeOff:v6Da1SizeOff+4], da1Size)
	codec.PutU32LE(entry[v6Da1LoadOff:v6Da1LoadOff+4], 0x200000)

	return buf
}

func TestParseV6Scenario(t *testing.T) {
	// scenario 2: da1_size=0x200, load_addr=0x200000, sig_len=0x30.
	data := buildV6(0x0717, 0x200)
	da1, da2, err := Parse(data, 0x0717)
	require.NoError(t, err)
	require.Nil(t, da2)
	require.Equal(t, uint32(0x200000), da1.LoadAddr)
	require.Len(t, da1.Data, 0x200)
	require.Equal(t, SigLenV6, da1.SignatureLen)
	require.Equal(t, DaTypeXml, da1.DaType)
}

func TestParseV6NoMatchingEntry(t *testing.T) {
	data := buildV6(0x0717, 0x200)
	_, _, err := Parse(data, 0x9999)
	require.Error(t, err)
}

func TestFindDa2HashPositionAndPatchRoundTrip(t *testing.T) {
	da2Body := bytes.Repeat([]byte{0xCD}, 256)
	da2Sig := bytes.Repeat([]byte{0x00}, SigLenV6)
	da2 := DaEntry{Data: append(append([]byte{}, da2Body...), da2Sig...), SignatureLen: SigLenV6}

	da1SigLen := SigLenV6
	hashPos := FindDa2HashPosition(make([]byte, 512), da1SigLen)
	da1 := make([]byte, 512)

	patched, err := PatchDa1Hash(da1, da1SigLen, da2)
	require.NoError(t, err)

	want := codec.SHA256Sum(da2Body)
	require.Equal(t, want[:], patched[hashPos:hashPos+32])

	// Deterministic: same inputs, byte-equal outputs.
	patchedAgain, err := PatchDa1Hash(da1, da1SigLen, da2)
	require.NoError(t, err)
	require.Equal(t, patched, patchedAgain)

	// Original da1 untouched.
	require.Equal(t, make([]byte, 512), da1)
}

func TestApplyBytePatchSuccess(t *testing.T) {
	image := []byte{0x01, 0x02, 0x03, 0x04, 0x05}
	patched, err := ApplyBytePatch(image, []byte{0x02, 0x03}, []byte{0xAA, 0xBB}, 1)
	require.NoError(t, err)
	require.Equal(t, []byte{0x01, 0xAA, 0xBB, 0x04, 0x05}, patched)
	// original untouched
	require.Equal(t, []byte{0x01, 0x02, 0x03, 0x04, 0x05}, image)
}

func TestApplyBytePatchMismatch(t *testing.T) {
	image := []byte{0x01, 0x02, 0x03}
	_, err := ApplyBytePatch(image, []byte{0xFF}, []byte{0xAA}, 1)
	require.Error(t, err)
}
