// Package daloader parses Download Agent archives and performs purely
// functional byte-buffer transformations over them: DA1/DA2 extraction
// by hardware code, computing and patching the DA2 SHA-256 digest
// embedded in DA1 (the basis of the Carbonara exploit implemented in
// pkg/xmlda), and verified byte-pattern binary patches. Nothing here
// touches a transport; every operation is a pure function over byte
// slices, with named offset constants for the reverse-engineered
// binary layouts.
package daloader

import (
	"bytes"
	"fmt"

	"github.com/guiperry/fonecore/pkg/codec"
	"github.com/guiperry/fonecore/pkg/flasherr"
)

// DaType classifies which wire protocol a DA entry's resident agent
// speaks once uploaded.
type DaType int

const (
	DaTypeLegacy DaType = iota
	DaTypeXFlash
	DaTypeXml
)

func (t DaType) String() string {
	switch t {
	case DaTypeLegacy:
		return "legacy"
	case DaTypeXFlash:
		return "xflash"
	case DaTypeXml:
		return "xml"
	default:
		return "unknown"
	}
}

// Signature lengths for the two archive families.
const (
	SigLenLegacy = 0x100
	SigLenV6     = 0x30
)

// Default legacy load address when an archive doesn't specify one.
const legacyDefaultLoadAddr = 0x200000

// DaEntry is one loadable agent image extracted from an archive.
type DaEntry struct {
	Name        string
	LoadAddr    uint32
	SignatureLen int
	Data        []byte
	Version     string
	DaType      DaType
}

// Body returns the entry's payload with its trailing signature stripped.
func (e DaEntry) Body() []byte {
	if e.SignatureLen >= len(e.Data) {
		return nil
	}
	return e.Data[:len(e.Data)-e.SignatureLen]
}

// Signature returns the entry's trailing signature bytes.
func (e DaEntry) Signature() []byte {
	if e.SignatureLen >= len(e.Data) {
		return e.Data
	}
	return e.Data[len(e.Data)-e.SignatureLen:]
}

var (
	legacyMagic = []byte("MMMM")
	v6Magic     = []byte("hvea")
)

// Parse discriminates the archive format by its first 4 bytes and
// extracts the DA1 (and, for V6 archives, optional DA2) entry matching
// hwCode.
func Parse(data []byte, hwCode uint16) (da1 DaEntry, da2 *DaEntry, err error) {
	if len(data) < 4 {
		return DaEntry{}, nil, fmt.Errorf("daloader: archive too short")
	}
	switch {
	case bytes.Equal(data[:4], legacyMagic):
		return parseLegacy(data)
	case bytes.Equal(data[:4], v6Magic):
		return parseV6(data, hwCode)
	default:
		return DaEntry{}, nil, fmt.Errorf("daloader: unrecognised archive magic % x", data[:4])
	}
}

// parseLegacy treats the whole file as a single DA image.
func parseLegacy(data []byte) (DaEntry, *DaEntry, error) {
	entry := DaEntry{
		Name:         "DA1",
		LoadAddr:     legacyDefaultLoadAddr,
		SignatureLen: SigLenLegacy,
		Data:         data,
		DaType:       DaTypeLegacy,
	}
	return entry, nil, nil
}

// v6 header layout, all little-endian:
//   [0:4]  magic "hvea"
//   [4:8]  reserved
//   [8:12] entry count
//   [12:16] offset to the entry table
//
// Each table entry is 64 bytes:
//   [0:2]   hw_code
//   [0x10:0x14] da1_offset   (u32, file-relative)
//   [0x14:0x18] da1_size
//   [0x18:0x1C] da1_load_addr
//   [0x20:0x24] da2_offset
//   [0x24:0x28] da2_size
//   [0x28:0x2C] da2_load_addr
const (
	v6HeaderSize    = 16
	v6EntrySize     = 64
	v6EntryHWCodeOff = 0x00
	v6Da1OffsetOff  = 0x10
	v6Da1SizeOff    = 0x14
	v6Da1LoadOff    = 0x18
	v6Da2OffsetOff  = 0x20
	v6Da2SizeOff    = 0x24
	v6Da2LoadOff    = 0x28
)

func parseV6(data []byte, hwCode uint16) (DaEntry, *DaEntry, error) {
	if len(data) < v6HeaderSize {
		return DaEntry{}, nil, fmt.Errorf("daloader: v6 header too short")
	}
	count := codec.U32LE(data[8:12])
	tableOff := codec.U32LE(data[12:16])

	for i := uint32(0); i < count; i++ {
		entryOff := tableOff + i*v6EntrySize
		if uint64(entryOff)+v6EntrySize > uint64(len(data)) {
			break
		}
		entry := data[entryOff : entryOff+v6EntrySize]
		entryHW := codec.U16LE(entry[v6EntryHWCodeOff : v6EntryHWCodeOff+2])
		if entryHW != hwCode {
			continue
		}

		da1Off := codec.U32LE(entry[v6Da1OffsetOff : v6Da1OffsetOff+4])
		da1Size := codec.U32LE(entry[v6Da1SizeOff : v6Da1SizeOff+4])
		da1Load := codec.U32LE(entry[v6Da1LoadOff : v6Da1LoadOff+4])

		if uint64(da1Off)+uint64(da1Size) > uint64(len(data)) {
			return DaEntry{}, nil, fmt.Errorf("daloader: da1 extent out of range")
		}
		da1 := DaEntry{
			Name:         "DA1",
			LoadAddr:     da1Load,
			SignatureLen: SigLenV6,
			Data:         data[da1Off : da1Off+da1Size],
		}

		da2Off := codec.U32LE(entry[v6Da2OffsetOff : v6Da2OffsetOff+4])
		da2Size := codec.U32LE(entry[v6Da2SizeOff : v6Da2SizeOff+4])
		da2Load := codec.U32LE(entry[v6Da2LoadOff : v6Da2LoadOff+4])

		var da2 *DaEntry
		if da2Size > 0 && uint64(da2Off)+uint64(da2Size) <= uint64(len(data)) {
			da2 = &DaEntry{
				Name:         "DA2",
				LoadAddr:     da2Load,
				SignatureLen: SigLenV6,
				Data:         data[da2Off : da2Off+da2Size],
			}
		}

		da1.DaType = classifyDaType(da1.Data)
		if da2 != nil {
			da2.DaType = da1.DaType
		}
		return da1, da2, nil
	}

	return DaEntry{}, nil, fmt.Errorf("daloader: no entry for hw_code 0x%04x", hwCode)
}

// classifyDaType sniffs a DA1 image for an XML document marker; V6
// archives that carry no recognisable marker (e.g. in tests, where the
// body is synthetic padding) default to Xml, the more common modern
// variant.
func classifyDaType(da1 []byte) DaType {
	if bytes.Contains(da1, []byte("<?xml")) {
		return DaTypeXml
	}
	if bytes.Contains(da1, []byte("XFLASH")) {
		return DaTypeXFlash
	}
	return DaTypeXml
}

// FindDa2HashPosition returns the byte offset within da1 where DA2's
// SHA-256 digest is embedded:
//
//	position = len(da1) - sigLen - 0x30
func FindDa2HashPosition(da1 []byte, sigLen int) int {
	return len(da1) - sigLen - 0x30
}

// PatchDa1Hash computes SHA-256 of patchedDa2's body (its data minus its
// own signature tail) and splices the 32-byte digest into a copy of da1
// at FindDa2HashPosition(da1, da1SigLen). It never mutates da1 or
// patchedDa2.
func PatchDa1Hash(da1 []byte, da1SigLen int, patchedDa2 DaEntry) ([]byte, error) {
	pos := FindDa2HashPosition(da1, da1SigLen)
	if pos < 0 || pos+32 > len(da1) {
		return nil, fmt.Errorf("daloader: hash position 0x%x out of range for da1 of length 0x%x", pos, len(da1))
	}

	digest := codec.SHA256Sum(patchedDa2.Body())

	out := make([]byte, len(da1))
	copy(out, da1)
	copy(out[pos:pos+32], digest[:])
	return out, nil
}

// ApplyBytePatch verifies that originalPattern occurs at offset in image,
// then returns a copy of image with patchBytes written at that offset.
// It returns *flasherr.PatchMismatchError (wrapping flasherr.ErrPatchMismatch)
// if the guard fails.
func ApplyBytePatch(image []byte, originalPattern, patchBytes []byte, offset int) ([]byte, error) {
	if offset < 0 || offset+len(originalPattern) > len(image) {
		return nil, &flasherr.PatchMismatchError{Offset: offset}
	}
	if !bytes.Equal(image[offset:offset+len(originalPattern)], originalPattern) {
		return nil, &flasherr.PatchMismatchError{Offset: offset}
	}

	out := make([]byte, len(image))
	copy(out, image)
	copy(out[offset:offset+len(patchBytes)], patchBytes)
	return out, nil
}
