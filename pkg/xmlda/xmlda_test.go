package xmlda

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/guiperry/fonecore/pkg/codec"
	"github.com/guiperry/fonecore/pkg/transport"
)

// scriptedEndpoint is a fake transport.Endpoint preloaded with a reply
// byte stream, the same pattern pkg/brom's tests use for scripted-device
// scenarios.
type scriptedEndpoint struct {
	mu      sync.Mutex
	toHost  bytes.Buffer
	written bytes.Buffer
	closed  bool
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

// TestFrameRoundTrip covers the XML frame round-trip property:
// parse(serialize((t, p))) = (t, p).
func TestFrameRoundTrip(t *testing.T) {
	for _, dt := range []DataType{DataTypeProtocolFlow, DataTypeMessage} {
		payload := bytes.Repeat([]byte{0xAB}, 37)
		encoded := Encode(Frame{DataType: dt, Payload: payload})
		decoded, err := Decode(encoded)
		require.NoError(t, err)
		require.Equal(t, dt, decoded.DataType)
		require.Equal(t, payload, decoded.Payload)
	}
}

// TestRecvFrameResyncsPastGarbage covers scenario 3: a garbage
// prefix never loses the valid frame behind it.
func TestRecvFrameResyncsPastGarbage(t *testing.T) {
	valid := Encode(Frame{DataType: DataTypeProtocolFlow, Payload: []byte("OK\x00")})
	stream := append([]byte("GARBAGE\n"), valid...)

	ep := newScriptedEndpoint(stream)
	handle := transport.NewDeviceHandle(ep)
	defer handle.Close()

	dt, payload, err := RecvFrame(context.Background(), handle, nil, 2*time.Second)
	require.NoError(t, err)
	require.Equal(t, DataTypeProtocolFlow, dt)
	require.Equal(t, []byte("OK\x00"), payload)
}

// TestRecvFrameDesyncsWhenMagicNeverFound covers the failure side of the
// resync property: no magic anywhere in the window fails closed.
func TestRecvFrameDesyncsWhenMagicNeverFound(t *testing.T) {
	garbage := bytes.Repeat([]byte{0x00}, resyncWindow+64)
	ep := newScriptedEndpoint(garbage)
	handle := transport.NewDeviceHandle(ep)
	defer handle.Close()

	_, _, err := RecvFrame(context.Background(), handle, nil, 2*time.Second)
	require.Error(t, err)
}

// TestExecuteCarbonaraTwoStep covers scenario 4: two BOOT_TO
// calls against a scripted device that accepts both with status 0,
// producing the documented two frame sequences and ending Da2Loaded.
func TestExecuteCarbonaraTwoStep(t *testing.T) {
	newHash := bytes.Repeat([]byte{0xAA}, 32)
	patchedDA2 := bytes.Repeat([]byte{0xBB}, 128)

	statusOK := Encode(Frame{DataType: DataTypeProtocolFlow, Payload: []byte{0x00, 0x00, 0x00, 0x00}})
	var reply []byte
	reply = append(reply, statusOK...) // step 1 initial status
	reply = append(reply, statusOK...) // step 1 final status
	reply = append(reply, statusOK...) // step 2 initial status
	reply = append(reply, statusOK...) // step 2 final status

	ep := newScriptedEndpoint(reply)
	handle := transport.NewDeviceHandle(ep)
	defer handle.Close()

	c := NewClient(handle)
	err := c.ExecuteCarbonara(context.Background(), 0x200000, 0x1D0, newHash, 0x40000000, patchedDA2, time.Millisecond, nil)
	require.NoError(t, err)
	require.IsType(t, StateDa2Loaded{}, c.session.State)

	written := ep.written.Bytes()

	cmdFrame := Encode(Frame{DataType: DataTypeProtocolFlow, Payload: le32(bootToCommand)})
	param1 := make([]byte, 16)
	codec.PutU64LE(param1[0:8], 0x200000+0x1D0)
	codec.PutU64LE(param1[8:16], 32)
	paramFrame1 := Encode(Frame{DataType: DataTypeProtocolFlow, Payload: param1})
	dataFrame1 := Encode(Frame{DataType: DataTypeProtocolFlow, Payload: newHash})

	param2 := make([]byte, 16)
	codec.PutU64LE(param2[0:8], 0x40000000)
	codec.PutU64LE(param2[8:16], 128)
	paramFrame2 := Encode(Frame{DataType: DataTypeProtocolFlow, Payload: param2})
	dataFrame2 := Encode(Frame{DataType: DataTypeProtocolFlow, Payload: patchedDA2})

	var want []byte
	want = append(want, cmdFrame...)
	want = append(want, paramFrame1...)
	want = append(want, dataFrame1...)
	want = append(want, cmdFrame...)
	want = append(want, paramFrame2...)
	want = append(want, dataFrame2...)

	require.Equal(t, want, written)
}

func le32(v uint32) []byte {
	b := make([]byte, 4)
	codec.PutU32LE(b, v)
	return b
}
