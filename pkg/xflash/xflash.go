// Package xflash implements the binary XFlash client: used on download
// agents that expose their command set as packed 24-bit numeric codes
// instead of XML. It shares the exact frame shape
// pkg/xmlda defines (magic, data_type, length), so this package is a thin
// command layer over that framing rather than a reimplementation of it.
package xflash

import (
	"context"
	"fmt"
	"time"

	"github.com/guiperry/fonecore/pkg/codec"
	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/transport"
	"github.com/guiperry/fonecore/pkg/xmlda"
)

// ChecksumLevel selects the trailing integrity check on flow frames.
// sendCommand appends a CRC32 trailer at ChecksumCRC32 and no trailer at
// the other levels, ChecksumMD5 included.
type ChecksumLevel uint32

const (
	ChecksumNone  ChecksumLevel = 0
	ChecksumCRC32 ChecksumLevel = 1
	ChecksumMD5   ChecksumLevel = 2
)

// Command codes, packed as 24-bit values carried in a 4-byte LE command
// frame.
const (
	cmdSetChecksumLevel uint32 = 0x010002
	cmdGetPacketLength  uint32 = 0x010003
	cmdGetEMMCInfo      uint32 = 0x010004
	cmdGetUFSInfo       uint32 = 0x010005
	cmdGetNANDInfo      uint32 = 0x010006
	cmdReadPartition    uint32 = 0x010010
	cmdWritePartition   uint32 = 0x010011
)

// StorageType identifies which detect_storage probe succeeded.
type StorageType uint32

const (
	StorageUnknown StorageType = iota
	StorageEMMC
	StorageUFS
	StorageNAND
)

func (s StorageType) String() string {
	switch s {
	case StorageEMMC:
		return "emmc"
	case StorageUFS:
		return "ufs"
	case StorageNAND:
		return "nand"
	default:
		return "unknown"
	}
}

const defaultTimeout = 5 * time.Second

// Client drives one XFlash binary session, borrowing the same
// DeviceHandle pkg/xmlda and pkg/brom borrow.
type Client struct {
	handle        *transport.DeviceHandle
	sink          eventlog.Sink
	checksumLevel ChecksumLevel
	packetLength  uint32
	storage       StorageType
}

type Option func(*Client)

func WithEventSink(sink eventlog.Sink) Option {
	return func(c *Client) { c.sink = sink }
}

func NewClient(handle *transport.DeviceHandle, opts ...Option) *Client {
	c := &Client{handle: handle, sink: eventlog.Discard, checksumLevel: ChecksumNone}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) logf(level eventlog.Level, msg string, meta map[string]any) {
	c.sink.Emit(eventlog.Record{Level: level, Category: eventlog.ComponentXFlash, Message: msg, Metadata: meta})
}

// sendCommand writes cmd as a 4-byte LE value, appending a CRC32 trailer
// when checksum_level is CRC32.
func (c *Client) sendCommand(cmd uint32, payload []byte) error {
	body := make([]byte, 4, 4+len(payload)+4)
	codec.PutU32LE(body, cmd)
	body = append(body, payload...)
	if c.checksumLevel == ChecksumCRC32 {
		crc := make([]byte, 4)
		codec.PutU32BE(crc, codec.CRC32IEEE(body))
		body = append(body, crc...)
	}
	return xmlda.SendFrame(c.handle, xmlda.DataTypeProtocolFlow, body)
}

func (c *Client) recvStatus(ctx context.Context) (uint32, error) {
	_, payload, err := xmlda.RecvFrame(ctx, c.handle, c.sink, defaultTimeout)
	if err != nil {
		return 0, err
	}
	if len(payload) < 4 {
		return 0, fmt.Errorf("xflash: status frame shorter than 4 bytes")
	}
	return codec.U32LE(payload[:4]), nil
}

// SetChecksumLevel implements set_checksum_level.
func (c *Client) SetChecksumLevel(ctx context.Context, level ChecksumLevel) error {
	if err := c.sendCommand(cmdSetChecksumLevel, []byte{byte(level), 0, 0, 0}); err != nil {
		return err
	}
	status, err := c.recvStatus(ctx)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("xflash: set_checksum_level rejected: status 0x%x", status)
	}
	c.checksumLevel = level
	return nil
}

// GetPacketLength implements get_packet_length, the negotiated maximum
// chunk size for subsequent reads/writes.
func (c *Client) GetPacketLength(ctx context.Context) (uint32, error) {
	if err := c.sendCommand(cmdGetPacketLength, nil); err != nil {
		return 0, err
	}
	_, payload, err := xmlda.RecvFrame(ctx, c.handle, c.sink, defaultTimeout)
	if err != nil {
		return 0, err
	}
	if len(payload) < 4 {
		return 0, fmt.Errorf("xflash: get_packet_length reply too short")
	}
	c.packetLength = codec.U32LE(payload[:4])
	return c.packetLength, nil
}

// DetectStorage issues GET_EMMC_INFO, GET_UFS_INFO, GET_NAND_INFO in
// turn; the first to return status 0 defines the storage type.
func (c *Client) DetectStorage(ctx context.Context) (StorageType, error) {
	probes := []struct {
		cmd uint32
		typ StorageType
	}{
		{cmdGetEMMCInfo, StorageEMMC},
		{cmdGetUFSInfo, StorageUFS},
		{cmdGetNANDInfo, StorageNAND},
	}
	for _, p := range probes {
		if err := c.sendCommand(p.cmd, nil); err != nil {
			return StorageUnknown, err
		}
		status, err := c.recvStatus(ctx)
		if err != nil {
			return StorageUnknown, err
		}
		if status == 0 {
			c.storage = p.typ
			c.logf(eventlog.LevelInfo, "storage detected", map[string]any{"type": p.typ.String()})
			return p.typ, nil
		}
	}
	return StorageUnknown, fmt.Errorf("xflash: no storage probe returned status 0")
}

// partitionParams packs the fixed little-endian struct {part_type u32,
// offset u64, size u64, storage_type u32} documents for
// read_partition/write_partition.
func partitionParams(partType uint32, offset, size uint64, storage StorageType) []byte {
	buf := make([]byte, 24)
	codec.PutU32LE(buf[0:4], partType)
	codec.PutU64LE(buf[4:12], offset)
	codec.PutU64LE(buf[12:20], size)
	codec.PutU32LE(buf[20:24], uint32(storage))
	return buf
}

// ReadPartition implements read_partition: it packs the fixed parameter
// struct, then reads payload frames until size bytes are assembled.
func (c *Client) ReadPartition(ctx context.Context, partType uint32, offset, size uint64) ([]byte, error) {
	params := partitionParams(partType, offset, size, c.storage)
	if err := c.sendCommand(cmdReadPartition, params); err != nil {
		return nil, err
	}
	status, err := c.recvStatus(ctx)
	if err != nil {
		return nil, err
	}
	if status != 0 {
		return nil, fmt.Errorf("xflash: read_partition rejected: status 0x%x", status)
	}

	out := make([]byte, 0, size)
	for uint64(len(out)) < size {
		_, payload, err := xmlda.RecvFrame(ctx, c.handle, c.sink, defaultTimeout)
		if err != nil {
			return nil, err
		}
		out = append(out, payload...)
	}
	return out[:size], nil
}

// WritePartition implements write_partition: packs the parameter struct,
// waits for the initial status, then streams data in packetLength-sized
// frames (GetPacketLength's negotiated value, or 0x10000 if it was never
// called).
func (c *Client) WritePartition(ctx context.Context, partType uint32, offset uint64, data []byte) error {
	params := partitionParams(partType, offset, uint64(len(data)), c.storage)
	if err := c.sendCommand(cmdWritePartition, params); err != nil {
		return err
	}
	status, err := c.recvStatus(ctx)
	if err != nil {
		return err
	}
	if status != 0 {
		return fmt.Errorf("xflash: write_partition rejected: status 0x%x", status)
	}

	chunkSize := int(c.packetLength)
	if chunkSize == 0 {
		chunkSize = 0x10000
	}
	for sent := 0; sent < len(data); sent += chunkSize {
		end := sent + chunkSize
		if end > len(data) {
			end = len(data)
		}
		if err := xmlda.SendFrame(c.handle, xmlda.DataTypeMessage, data[sent:end]); err != nil {
			return err
		}
	}

	final, err := c.recvStatus(ctx)
	if err != nil {
		return err
	}
	if final != 0 {
		return fmt.Errorf("xflash: write_partition final status: 0x%x", final)
	}
	return nil
}
