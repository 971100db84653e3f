// Package xmlda implements the XML DA framed-packet protocol: a 12-byte
// little-endian header (magic, data_type, length)
// wrapping either XML command documents, textual OK/OK@<hex> control
// replies, or raw payload bytes. It also implements the BOOT_TO
// primitive and the two-step Carbonara DA2-authentication bypass that is
// built entirely out of that primitive, the negotiated DA2 download
// handshake, and the partition/flash XML command set. Framing is
// grounded the same way pkg/brom's wire helpers are: byte-exact,
// reverse-engineered offsets with named constants, no implicit parsing.
package xmlda

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/guiperry/fonecore/pkg/codec"
	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/flasherr"
	"github.com/guiperry/fonecore/pkg/transport"
)

// Magic is the fixed 32-bit little-endian frame marker.
const Magic uint32 = 0xFEEEEEEF

// DataType discriminates a frame's payload interpretation.
type DataType uint32

const (
	// DataTypeProtocolFlow carries XML command documents and textual
	// OK/OK@<hex> control replies.
	DataTypeProtocolFlow DataType = 1
	// DataTypeMessage carries raw payload bytes or device-originated
	// messages.
	DataTypeMessage DataType = 2
)

const (
	headerSize = 12

	// maxSafePayload is the compile-time safety cap imposed on any frame
	// from a source that hasn't opted into streaming larger buffers.
	maxSafePayload = 65536

	// resyncWindow bounds how many bytes recv_frame will scan looking for
	// a lost magic before giving up with ProtocolDesync.
	resyncWindow = 1024
)

// Frame is one (data_type, payload) pair, the in-memory shape of an
// XmlDaFrame. It is never persisted.
type Frame struct {
	DataType DataType
	Payload  []byte
}

// Encode serialises f as the 12-byte header followed by its payload.
func Encode(f Frame) []byte {
	buf := make([]byte, headerSize+len(f.Payload))
	codec.PutU32LE(buf[0:4], Magic)
	codec.PutU32LE(buf[4:8], uint32(f.DataType))
	codec.PutU32LE(buf[8:12], uint32(len(f.Payload)))
	copy(buf[headerSize:], f.Payload)
	return buf
}

// Decode parses a 12-byte header plus trailing payload. It is the pure
// inverse of Encode and performs no I/O; SendFrame/RecvFrame below are
// the I/O-driving counterparts used against a live transport.
func Decode(buf []byte) (Frame, error) {
	if len(buf) < headerSize {
		return Frame{}, fmt.Errorf("xmlda: frame shorter than header")
	}
	magic := codec.U32LE(buf[0:4])
	if magic != Magic {
		return Frame{}, flasherr.ErrProtocolDesync
	}
	dataType := DataType(codec.U32LE(buf[4:8]))
	length := codec.U32LE(buf[8:12])
	if uint64(headerSize)+uint64(length) > uint64(len(buf)) {
		return Frame{}, fmt.Errorf("xmlda: declared length 0x%x exceeds buffer", length)
	}
	return Frame{DataType: dataType, Payload: buf[headerSize : headerSize+length]}, nil
}

// SendFrame emits a single frame atomically: header then payload, under
// the transport's fair mutex.
func SendFrame(h *transport.DeviceHandle, dataType DataType, payload []byte) error {
	return h.WithLock(func() error {
		return h.Write(Encode(Frame{DataType: dataType, Payload: payload}))
	})
}

// SendXML is send_xml = send_frame(1, utf8(xml)).
func SendXML(h *transport.DeviceHandle, xml string) error {
	return SendFrame(h, DataTypeProtocolFlow, []byte(xml))
}

// SendAck is send_ack = send_frame(1, "OK\0").
func SendAck(h *transport.DeviceHandle) error {
	return SendFrame(h, DataTypeProtocolFlow, []byte("OK\x00"))
}

// SendAckValue is send_ack_value(n) = send_frame(1, "OK@0x<hex(n)>\0").
func SendAckValue(h *transport.DeviceHandle, n uint64) error {
	return SendFrame(h, DataTypeProtocolFlow, []byte(fmt.Sprintf("OK@0x%x\x00", n)))
}

// SendRaw is send_raw(bytes) = send_frame(1, bytes): despite the name
// these are framed exactly like control frames — the DA
// distinguishes them by context, not by data_type.
func SendRaw(h *transport.DeviceHandle, payload []byte) error {
	return SendFrame(h, DataTypeProtocolFlow, payload)
}

// RecvFrame reads one frame, honouring deadline. On a magic mismatch it
// enters resync: scan up to resyncWindow bytes for the magic; if found,
// align and reread the frame once; if not, fail with ErrProtocolDesync.
func RecvFrame(ctx context.Context, h *transport.DeviceHandle, sink eventlog.Sink, timeout time.Duration) (DataType, []byte, error) {
	if sink == nil {
		sink = eventlog.Discard
	}
	deadline := time.Now().Add(timeout)

	header, err := h.ReadExact(ctx, headerSize, timeout)
	if err != nil {
		return 0, nil, err
	}

	if codec.U32LE(header[0:4]) != Magic {
		recovered, discarded, err := resyncHeader(ctx, h, header, deadline)
		if err != nil {
			return 0, nil, err
		}
		eventlog.Warn(sink, eventlog.ComponentXMLDA, "xml da frame resynced", map[string]any{"discarded_bytes": discarded})
		header = recovered
	}

	dataType := DataType(codec.U32LE(header[4:8]))
	length := codec.U32LE(header[8:12])
	if length > maxSafePayload {
		return 0, nil, fmt.Errorf("xmlda: frame length 0x%x exceeds safety cap: %w", length, flasherr.ErrProtocolDesync)
	}
	if length == 0 {
		return dataType, nil, nil
	}

	payload, err := h.ReadExact(ctx, int(length), time.Until(deadline))
	if err != nil {
		return 0, nil, err
	}
	return dataType, payload, nil
}

// resyncHeader scans up to resyncWindow bytes, starting from already
// (the header just read that failed to match), for the 4-byte magic
// sequence, then reads whatever additional bytes are needed to complete
// a full header from that point. It returns the recovered header and
// the number of bytes discarded in front of it, or ErrProtocolDesync if
// the window is exhausted without finding the magic.
func resyncHeader(ctx context.Context, h *transport.DeviceHandle, already []byte, deadline time.Time) (header []byte, discarded int, err error) {
	magicBytes := make([]byte, 4)
	codec.PutU32LE(magicBytes, Magic)

	window := append([]byte{}, already...)
	for {
		if idx := bytes.Index(window, magicBytes); idx >= 0 {
			header := append([]byte{}, window[idx:]...)
			for len(header) < headerSize {
				b, err := h.ReadExact(ctx, 1, time.Until(deadline))
				if err != nil {
					return nil, discarded, err
				}
				header = append(header, b...)
			}
			return header[:headerSize], discarded + idx, nil
		}

		keep := 3
		if len(window) < keep {
			keep = len(window)
		}
		discarded += len(window) - keep
		window = append([]byte{}, window[len(window)-keep:]...)

		if discarded >= resyncWindow {
			return nil, discarded, flasherr.ErrProtocolDesync
		}

		b, err := h.ReadExact(ctx, 1, time.Until(deadline))
		if err != nil {
			return nil, discarded, err
		}
		window = append(window, b...)
	}
}
