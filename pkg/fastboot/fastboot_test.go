package fastboot

import (
	"testing"

	"github.com/stretchr/testify/require"
)

// TestParsePSID covers scenario 5.
func TestParsePSID(t *testing.T) {
	reply := "(bootloader) IMEI:123456789012345\r\n(bootloader) IMEI1:543210987654321\r\n(bootloader) MEID:A0000012345678\r\nOKAY\x00"
	imei1, imei2, meid, err := ParsePSID(reply)
	require.NoError(t, err)
	require.Equal(t, "123456789012345", imei1)
	require.Equal(t, "543210987654321", imei2)
	require.Equal(t, "A0000012345678", meid)
}

// TestClassifyBrandHonorPrefixWins covers the brand-classifier
// property: a model starting with HRA- is Honor, never Huawei, even
// when other fields would otherwise look like a Huawei device.
func TestClassifyBrandHonorPrefixWins(t *testing.T) {
	brand := ClassifyBrand("HRA-LX9", "huawei-internal-codename", "")
	require.Equal(t, BrandHonor, brand)
}

func TestClassifyBrandHuawei(t *testing.T) {
	brand := ClassifyBrand("VOG-L29", "", "")
	require.Equal(t, BrandHuawei, brand)
}

func TestClassifyBrandUnknown(t *testing.T) {
	brand := ClassifyBrand("Pixel 8", "", "")
	require.Equal(t, BrandUnknown, brand)
}

// TestParseBootloaderValueDotted covers the "dotted bootloader" format.
func TestParseBootloaderValueDotted(t *testing.T) {
	reply := "some preamble...\r\n(bootloader) ELS-AN00\r\nOKAY"
	require.Equal(t, "ELS-AN00", ParseBootloaderValue(reply))
}

// TestParseBootloaderValueColon covers the "colon bootloader" format.
func TestParseBootloaderValueColon(t *testing.T) {
	reply := "(bootloader) :8.0.0.123(C00E120R1P1)\r\n(bootloader) okay\r\nOKAY"
	require.Equal(t, "8.0.0.123(C00E120R1P1)", ParseBootloaderValue(reply))
}

func TestParseBootloaderValueSkipsFinished(t *testing.T) {
	reply := "(bootloader) finished.\r\n(bootloader) PRODUCT-MODEL\r\nOKAY"
	require.Equal(t, "PRODUCT-MODEL", ParseBootloaderValue(reply))
}
