package xflash

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
	"github.com/guiperry/fonecore/pkg/xmlda"
)

// scriptedEndpoint preloads the entire reply stream up front, the same
// pattern pkg/brom and pkg/xmlda use for their scripted-device tests.
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

func statusFrame(status uint32) []byte {
	payload := make([]byte, 4)
	codec.PutU32LE(payload, status)
	return xmlda.Encode(xmlda.Frame{DataType: xmlda.DataTypeProtocolFlow, Payload: payload})
}

// TestDetectStorageFirstSuccessWins covers detect_storage: EMMC fails,
// UFS succeeds, NAND must never be probed.
func TestDetectStorageFirstSuccessWins(t *testing.T) {
	var reply []byte
	reply = append(reply, statusFrame(1)...) // GET_EMMC_INFO fails
	reply = append(reply, statusFrame(0)...) // GET_UFS_INFO succeeds

	ep := newScriptedEndpoint(reply)
	handle := transport.NewDeviceHandle(ep)
	defer handle.Close()

	c := NewClient(handle)
	storage, err := c.DetectStorage(context.Background())
	require.NoError(t, err)
	require.Equal(t, StorageUFS, storage)
}

// TestSetChecksumLevelAddsCRC32Trailer covers the requirement
// that every subsequent flow frame carries a CRC32 trailer once checksum
// level is set to CRC32.
func TestSetChecksumLevelAddsCRC32Trailer(t *testing.T) {
	var reply []byte
	reply = append(reply, statusFrame(0)...)        // set_checksum_level ack
	lengthReply := make([]byte, 4)
	codec.PutU32LE(lengthReply, 0x400)
	reply = append(reply, xmlda.Encode(xmlda.Frame{DataType: xmlda.DataTypeProtocolFlow, Payload: lengthReply})...)

	ep := newScriptedEndpoint(reply)
	handle := transport.NewDeviceHandle(ep)
	defer handle.Close()

	c := NewClient(handle)
	require.NoError(t, c.SetChecksumLevel(context.Background(), ChecksumCRC32))

	ep.written.Reset()

	length, err := c.GetPacketLength(context.Background())
	require.NoError(t, err)
	require.Equal(t, uint32(0x400), length)

	frame, err := xmlda.Decode(ep.written.Bytes())
	require.NoError(t, err)
	payload := frame.Payload
	require.True(t, len(payload) >= 8)

	body := payload[:len(payload)-4]
	wantCRC := make([]byte, 4)
	codec.PutU32BE(wantCRC, codec.CRC32IEEE(body))
	require.Equal(t, wantCRC, payload[len(payload)-4:])
}
