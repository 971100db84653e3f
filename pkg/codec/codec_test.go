package codec

import (
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestXorChecksum16Even(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03, 0x04}
	// windows: 0x0201, 0x0403 -> xor = 0x0602
	require.Equal(t, uint16(0x0201^0x0403), XorChecksum16(data))
}

func TestXorChecksum16OddTrailing(t *testing.T) {
	data := []byte{0x01, 0x02, 0x03}
	want := uint16(0x0201) ^ uint16(0x03)
	require.Equal(t, want, XorChecksum16(data))
}

func TestXorChecksum16Empty(t *testing.T) {
	require.Equal(t, uint16(0), XorChecksum16(nil))
}

func TestBigEndianRoundTrip(t *testing.T) {
	b := make([]byte, 4)
	PutU32BE(b, 0x0717_0001)
	require.Equal(t, uint32(0x0717_0001), U32BE(b))
}

func TestLittleEndianRoundTrip(t *testing.T) {
	b := make([]byte, 8)
	PutU64LE(b, 0x1122334455667788)
	require.Equal(t, uint64(0x1122334455667788), U64LE(b))
}

func TestSHA256Sum(t *testing.T) {
	sum := SHA256Sum([]byte("abc"))
	require.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", hex.EncodeToString(sum[:]))
}
