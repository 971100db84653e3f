package brom

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guiperry/fonecore/pkg/daloader"
	"github.com/guiperry/fonecore/pkg/flasherr"
	"github.com/guiperry/fonecore/pkg/transport"
)

// scriptedEndpoint is a fake transport.Endpoint preloaded with the exact
// byte stream a scripted device would reply with, mirroring other
// scripted-device end-to-end scenarios. Because every BROM exchange is
// strictly request-then-response, the whole reply stream can be queued
// up front; writes are only recorded for later inspection, never used to
// gate what gets replied.
type scriptedEndpoint struct {
	mu        sync.Mutex
	toHost    bytes.Buffer
	written   bytes.Buffer
	writeLens []int
	closed    bool
}

func newScriptedEndpoint(reply []byte) *scriptedEndpoint {
	ep := &scriptedEndpoint{}
	ep.toHost.Write(reply)
	return ep
}

func (s *scriptedEndpoint) Read(b []byte) (int, error) {
	for {
		s.mu.Lock()
		if s.toHost.Len() > 0 {
			n, _ := s.toHost.Read(b)
			s.mu.Unlock()
			return n, nil
		}
		closed := s.closed
		s.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		time.Sleep(time.Millisecond)
	}
}

func (s *scriptedEndpoint) Write(b []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeLens = append(s.writeLens, len(b))
	return s.written.Write(b)
}

func (s *scriptedEndpoint) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *scriptedEndpoint) feed(b []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toHost.Write(b)
}

func newTestClient(reply []byte) (*Client, *scriptedEndpoint) {
	ep := newScriptedEndpoint(reply)
	handle := transport.NewDeviceHandle(ep)
	return NewClient(handle), ep
}

// TestHandshakeCanonicalExchange covers scenario 1: the device
// replies 0x5F to the first probe and echoes the canonical exchange.
func TestHandshakeCanonicalExchange(t *testing.T) {
	reply := []byte{handshakeSync, 0xF5, 0xAF, 0xFA}
	c, _ := newTestClient(reply)
	defer c.handle.Close()

	err := c.Handshake(context.Background())
	require.NoError(t, err)
	require.IsType(t, StateBrom{}, c.session.State)
}

// TestHandshakeRetriesOnMismatchThenSucceeds covers the retry/backoff
// property from: a device that ignores the first two probes
// still lets the handshake succeed once it starts replying.
func TestHandshakeRetriesOnMismatchThenSucceeds(t *testing.T) {
	reply := []byte{0x00, 0x00, handshakeSync, 0xF5, 0xAF, 0xFA}
	c, _ := newTestClient(reply)
	defer c.handle.Close()

	err := c.Handshake(context.Background())
	require.NoError(t, err)
}

// TestHandshakeCancelledByContext covers the cancellation property:
// a caller that cancels ctx before handshake starts gets
// flasherr.ErrCancelled without waiting out any retry budget.
func TestHandshakeCancelledByContext(t *testing.T) {
	c, _ := newTestClient(nil)
	defer c.handle.Close()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.Handshake(ctx)
	require.ErrorIs(t, err, flasherr.ErrCancelled)
	require.IsType(t, StateError{}, c.session.State)
}

// TestReadHWCode covers the mandatory first initialize step: echo the
// command byte, then read the 4-byte big-endian (hw_code, hw_ver) pair.
func TestReadHWCode(t *testing.T) {
	reply := []byte{cmdGetHWCode, 0x07, 0x17, 0x00, 0x01}
	c, _ := newTestClient(reply)
	defer c.handle.Close()

	require.NoError(t, c.readHWCode(context.Background()))
	require.Equal(t, uint16(0x0717), c.session.HWCode)
	require.Equal(t, uint16(0x0001), c.session.HWVer)
}

// TestEchoMismatchReturnsTypedError covers the echo-mismatch property
// from: any command whose echo doesn't match what was sent
// surfaces *flasherr.EchoMismatchError, never a generic error.
func TestEchoMismatchReturnsTypedError(t *testing.T) {
	c, _ := newTestClient([]byte{0xFF})
	defer c.handle.Close()

	err := c.echoByte(context.Background(), "read32", cmdRead32)
	require.Error(t, err)
	var mismatch *flasherr.EchoMismatchError
	require.ErrorAs(t, err, &mismatch)
}

// TestReadMem32RoundTrip covers READ32's echo-command, echo-address,
// echo-count, status, data, final-status sequence.
func TestReadMem32RoundTrip(t *testing.T) {
	var reply []byte
	reply = append(reply, cmdRead32)
	reply = append(reply, putBE32(0x10007000)...)
	reply = append(reply, putBE32(1)...)
	reply = append(reply, 0x00, 0x00) // status OK
	reply = append(reply, 0xDE, 0xAD, 0xBE, 0xEF) // data
	reply = append(reply, 0x00, 0x00) // final status OK

	c, _ := newTestClient(reply)
	defer c.handle.Close()

	val, err := c.ReadMem32(context.Background(), 0x10007000)
	require.NoError(t, err)
	require.Equal(t, uint32(0xDEADBEEF), val)
}

// TestSendDADaaProtectedReturnsReconnect covers the requirement that a
// DAA-protected final status never surfaces as a plain error.
func TestSendDADaaProtectedReturnsReconnect(t *testing.T) {
	entry := daloader.DaEntry{LoadAddr: 0x200000, Data: []byte{0x01, 0x02, 0x03, 0x04}, SignatureLen: 0}

	var reply []byte
	reply = append(reply, cmdSendDA)                         // probe echo
	reply = append(reply, putBE32(entry.LoadAddr)...)        // addr echo
	reply = append(reply, putBE32(uint32(len(entry.Data)))...) // size echo
	reply = append(reply, putBE32(0)...)                     // sig_len echo
	reply = append(reply, 0x00, 0x00)                        // initial status OK
	reply = append(reply, 0x06, 0x02)                        // chunk checksum: XorChecksum16(entry.Data)
	reply = append(reply, 0x70, 0x15)                        // final status: DAA protected

	c, _ := newTestClient(reply)
	defer c.handle.Close()

	err := c.SendDA(context.Background(), entry)
	reconnect, ok := flasherr.IsReconnect(err)
	require.True(t, ok)
	require.Equal(t, uint32(0x7015), reconnect.Code)
	require.Equal(t, uint16(0x7015), c.session.LastUploadStatus)
}

// TestSendDAStripsSignatureTail covers the requirement that SEND_DA's
// size parameter, checksum, and chunk stream cover only the body
// (len(Data) - SignatureLen), never the trailing signature: an entry
// whose SignatureLen is nonzero must report and stream the shorter
// length, not len(entry.Data).
func TestSendDAStripsSignatureTail(t *testing.T) {
	body := []byte{0x01, 0x02, 0x03, 0x04}
	signature := []byte{0xAA, 0xAA, 0xAA, 0xAA}
	entry := daloader.DaEntry{
		LoadAddr:     0x200000,
		Data:         append(append([]byte{}, body...), signature...),
		SignatureLen: len(signature),
	}

	var reply []byte
	reply = append(reply, cmdSendDA)                          // probe echo
	reply = append(reply, putBE32(entry.LoadAddr)...)         // addr echo
	reply = append(reply, putBE32(uint32(len(body)))...)      // size echo: body length, not len(entry.Data)
	reply = append(reply, putBE32(uint32(len(signature)))...) // sig_len echo
	reply = append(reply, 0x00, 0x00)                         // initial status OK
	reply = append(reply, 0x06, 0x02)                         // chunk checksum: XorChecksum16(body)
	reply = append(reply, 0x00, 0x00)                         // final status OK

	c, ep := newTestClient(reply)
	defer c.handle.Close()

	err := c.SendDA(context.Background(), entry)
	require.NoError(t, err)
	require.IsType(t, StateDa1Loaded{}, c.session.State)

	written := ep.written.Bytes()
	require.NotContains(t, string(written), string(signature))
}

// TestReadBLVerSetsBromState covers step 4: a GET_BL_VER reply of 0xFE
// means BROM.
func TestReadBLVerSetsBromState(t *testing.T) {
	c, _ := newTestClient([]byte{cmdGetBLVer})
	defer c.handle.Close()

	require.NoError(t, c.readBLVer(context.Background()))
	require.Equal(t, cmdGetBLVer, c.session.BLVer)
	require.IsType(t, StateBrom{}, c.session.State)
}

// TestReadBLVerSetsPreloaderState covers the complementary case: any
// other reply byte means Preloader.
func TestReadBLVerSetsPreloaderState(t *testing.T) {
	c, _ := newTestClient([]byte{0x01})
	defer c.handle.Close()

	require.NoError(t, c.readBLVer(context.Background()))
	require.Equal(t, byte(0x01), c.session.BLVer)
	require.IsType(t, StatePreloader{}, c.session.State)
}

// TestSendDAFlushesPeriodicallyAndSurvivesChecksumMismatch covers the
// body-upload framing for a payload spanning more than one
// uploadFlushEvery window: a zero-length flush write must appear at the
// 0x2000 boundary and once more at completion, and a mismatching device
// checksum in the trailer must be a logged warning, never a failure.
func TestSendDAFlushesPeriodicallyAndSurvivesChecksumMismatch(t *testing.T) {
	body := make([]byte, uploadFlushEvery+0x10)
	for i := range body {
		body[i] = byte(i)
	}
	entry := daloader.DaEntry{LoadAddr: 0x200000, Data: body, SignatureLen: 0}

	var reply []byte
	reply = append(reply, cmdSendDA)
	reply = append(reply, putBE32(entry.LoadAddr)...)
	reply = append(reply, putBE32(uint32(len(body)))...)
	reply = append(reply, putBE32(0)...)
	reply = append(reply, 0x00, 0x00) // initial status OK
	reply = append(reply, 0xFF, 0xFF) // deliberately wrong device checksum
	reply = append(reply, 0x00, 0x00) // final status OK

	c, ep := newTestClient(reply)
	defer c.handle.Close()

	err := c.SendDA(context.Background(), entry)
	require.NoError(t, err)
	require.IsType(t, StateDa1Loaded{}, c.session.State)

	zeroLenWrites := 0
	for _, n := range ep.writeLens {
		if n == 0 {
			zeroLenWrites++
		}
	}
	require.GreaterOrEqual(t, zeroLenWrites, 2, "expected a mid-upload flush at the 0x2000 boundary plus a final flush")
}

// TestSendDAMuteVariant covers the alternative/"mute" SEND_DA path: the
// command byte is not echoed back but instead the device replies with
// 0xE7/0x00 followed by status-0x0000; parameters stream without
// expecting echoes, and a single 4-byte (checksum, final_status)
// trailer closes the upload.
func TestSendDAMuteVariant(t *testing.T) {
	entry := daloader.DaEntry{LoadAddr: 0x200000, Data: []byte{0x01, 0x02, 0x03, 0x04}, SignatureLen: 0}

	var reply []byte
	reply = append(reply, muteStatusMarker1) // non-echo marker in place of cmdSendDA
	reply = append(reply, 0x00, 0x00)        // mute-detection status OK
	reply = append(reply, 0x06, 0x02, 0x00, 0x00) // trailer: (checksum, final_status=OK)

	c, ep := newTestClient(reply)
	defer c.handle.Close()

	err := c.SendDA(context.Background(), entry)
	require.NoError(t, err)
	require.IsType(t, StateDa1Loaded{}, c.session.State)
	require.Equal(t, VariantMute, c.session.Variant)

	written := ep.written.Bytes()
	require.Equal(t, cmdSendDA, written[0])
	require.Equal(t, entry.Data, written[1+4+4+4:1+4+4+4+len(entry.Data)])
}
