// Package brom implements the BROM/Preloader command/response state
// machine: handshake, device-info readout, 16/32-bit memory I/O,
// watchdog disable, DA upload, jump-to-DA, the SEND_CERT exploit-payload
// primitive, and SLA authentication. It is the first protocol client
// built on pkg/transport, using a fixed opcode-dispatch style with
// explicit echo verification and status classification per command.
package brom

import (
	"context"
	"fmt"

	"github.com/guiperry/fonecore/pkg/collab"
	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/flasherr"
	"github.com/guiperry/fonecore/pkg/transport"
)

// Client drives one BromSession over a DeviceHandle. It never owns the
// endpoint directly: the handle is shared, reference-counted by
// its caller, and every compound wire operation acquires the handle's
// fair mutex for its duration.
type Client struct {
	handle   *transport.DeviceHandle
	sink     eventlog.Sink
	progress collab.ProgressSink
	session  *Session
	slaAuth  collab.SlaAuthenticator
}

// Option configures a Client at construction.
type Option func(*Client)

func WithEventSink(sink eventlog.Sink) Option {
	return func(c *Client) { c.sink = sink }
}

func WithProgressSink(p collab.ProgressSink) Option {
	return func(c *Client) { c.progress = p }
}

// WithSlaAuthenticator attaches the collaborator SendDA invokes when the
// device's initial SEND_DA status demands SLA authentication (the
// 0x1D0D outcome). Without one, SendDA fails fast with
// flasherr.ErrSlaRequired rather than blocking on a challenge it cannot
// answer.
func WithSlaAuthenticator(auth collab.SlaAuthenticator) Option {
	return func(c *Client) { c.slaAuth = auth }
}

// NewClient returns a Client bound to handle, with a fresh Disconnected
// Session.
func NewClient(handle *transport.DeviceHandle, opts ...Option) *Client {
	c := &Client{
		handle:   handle,
		sink:     eventlog.Discard,
		progress: collab.NoopProgress,
		session:  NewSession(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Session returns the client's current session state. Callers should
// treat the returned pointer as read-only; Client methods are the only
// legal mutators.
func (c *Client) Session() *Session { return c.session }

func (c *Client) logf(level eventlog.Level, msg string, meta map[string]any) {
	c.sink.Emit(eventlog.Record{Level: level, Category: eventlog.ComponentBrom, Message: msg, Metadata: meta})
}

func (c *Client) fail(err error) error {
	c.session.State = StateError{Cause: err}
	return err
}

// echoByte writes b and expects the device to echo it back as a single
// byte within the default command timeout.
func (c *Client) echoByte(ctx context.Context, op string, b byte) error {
	if err := c.handle.Write([]byte{b}); err != nil {
		return err
	}
	got, err := c.handle.ReadExact(ctx, 1, defaultCommandTimeout)
	if err != nil {
		return err
	}
	if got[0] != b {
		return &flasherr.EchoMismatchError{Op: op, Expected: []byte{b}, Got: got}
	}
	return nil
}

// echoBytes writes data and expects it echoed back verbatim.
func (c *Client) echoBytes(ctx context.Context, op string, data []byte) error {
	if err := c.handle.Write(data); err != nil {
		return err
	}
	got, err := c.handle.ReadExact(ctx, len(data), defaultCommandTimeout)
	if err != nil {
		return err
	}
	for i := range data {
		if got[i] != data[i] {
			return &flasherr.EchoMismatchError{Op: op, Expected: data, Got: got}
		}
	}
	return nil
}

func (c *Client) readStatus16BE(ctx context.Context, op string) (uint16, error) {
	b, err := c.handle.ReadExact(ctx, 2, defaultCommandTimeout)
	if err != nil {
		return 0, err
	}
	return be16(b), nil
}

// readStatus16LE reads a 2-byte status in little-endian: the ME_ID/SOC_ID
// quirk from ("this is not a bug, it mirrors the device").
func (c *Client) readStatus16LE(ctx context.Context, op string) (uint16, error) {
	b, err := c.handle.ReadExact(ctx, 2, defaultCommandTimeout)
	if err != nil {
		return 0, err
	}
	return le16(b), nil
}

func be16(b []byte) uint16 { return uint16(b[0])<<8 | uint16(b[1]) }
func le16(b []byte) uint16 { return uint16(b[1])<<8 | uint16(b[0]) }
func be32(b []byte) uint32 {
	return uint32(b[0])<<24 | uint32(b[1])<<16 | uint32(b[2])<<8 | uint32(b[3])
}

func putBE32(v uint32) []byte {
	return []byte{byte(v >> 24), byte(v >> 16), byte(v >> 8), byte(v)}
}

func putBE16(v uint16) []byte {
	return []byte{byte(v >> 8), byte(v)}
}

func statusErr(op string, status uint16) error {
	return fmt.Errorf("%s: %w", op, &flasherr.StatusError{Op: op, Code: uint32(status)})
}
