package transport

import (
	"bytes"
	"context"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// pipeEndpoint is an in-memory Endpoint backed by two byte buffers,
// standing in for a scripted device in tests ('s "scripted
// device" end-to-end scenarios).
type pipeEndpoint struct {
	mu      sync.Mutex
	toHost  *bytes.Buffer
	closed  bool
	written bytes.Buffer
}

func newPipeEndpoint() *pipeEndpoint {
	return &pipeEndpoint{toHost: &bytes.Buffer{}}
}

func (p *pipeEndpoint) Read(b []byte) (int, error) {
	for {
		p.mu.Lock()
		if p.toHost.Len() > 0 {
			n, _ := p.toHost.Read(b)
			p.mu.Unlock()
			return n, nil
		}
		closed := p.closed
		p.mu.Unlock()
		if closed {
			return 0, io.EOF
		}
		time.Sleep(time.Millisecond)
	}
}

func (p *pipeEndpoint) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.Write(b)
}

func (p *pipeEndpoint) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *pipeEndpoint) feed(b []byte) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.toHost.Write(b)
}

func TestReadExactReturnsAsSoonAsBytesArrive(t *testing.T) {
	ep := newPipeEndpoint()
	h := NewDeviceHandle(ep)
	defer h.Close()

	go func() {
		time.Sleep(15 * time.Millisecond)
		ep.feed([]byte{0xAA, 0xBB, 0xCC})
	}()

	got, err := h.ReadExact(context.Background(), 3, time.Second)
	require.NoError(t, err)
	require.Equal(t, []byte{0xAA, 0xBB, 0xCC}, got)
}

func TestReadExactTimesOut(t *testing.T) {
	ep := newPipeEndpoint()
	h := NewDeviceHandle(ep)
	defer h.Close()

	_, err := h.ReadExact(context.Background(), 4, 30*time.Millisecond)
	require.Error(t, err)
}

func TestCancelUnblocksReadExact(t *testing.T) {
	ep := newPipeEndpoint()
	h := NewDeviceHandle(ep)
	defer h.Close()

	go func() {
		time.Sleep(10 * time.Millisecond)
		h.Cancel()
	}()

	_, err := h.ReadExact(context.Background(), 10, 5*time.Second)
	require.Error(t, err)
}

func TestWriteIsObservedByEndpoint(t *testing.T) {
	ep := newPipeEndpoint()
	h := NewDeviceHandle(ep)
	defer h.Close()

	require.NoError(t, h.Write([]byte{0x01, 0x02}))
	require.Equal(t, []byte{0x01, 0x02}, ep.written.Bytes())
}

func TestDiscardInDropsBufferedBytes(t *testing.T) {
	ep := newPipeEndpoint()
	h := NewDeviceHandle(ep)
	defer h.Close()

	ep.feed([]byte{0x01, 0x02, 0x03})
	time.Sleep(20 * time.Millisecond)
	h.DiscardIn()

	_, err := h.ReadExact(context.Background(), 1, 30*time.Millisecond)
	require.Error(t, err)
}

// fakeTracer is a minimal Tracer stand-in for internal/trace.Tracer,
// recording whether Run and Close were invoked and blocking Run until
// Close unblocks it, mirroring the real tracer's "blocks until Close".
type fakeTracer struct {
	ran    chan struct{}
	closed chan struct{}
}

func newFakeTracer() *fakeTracer {
	return &fakeTracer{ran: make(chan struct{}), closed: make(chan struct{})}
}

func (f *fakeTracer) Run() error {
	close(f.ran)
	<-f.closed
	return nil
}

func (f *fakeTracer) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}
	return nil
}

// TestWithTracerRunsAndStopsAlongsideHandle covers the DeviceHandle/
// Tracer wiring: NewDeviceHandle starts an attached Tracer in the
// background, and Close stops it together with the endpoint.
func TestWithTracerRunsAndStopsAlongsideHandle(t *testing.T) {
	ep := newPipeEndpoint()
	tracer := newFakeTracer()
	h := NewDeviceHandle(ep, WithTracer(tracer))

	select {
	case <-tracer.ran:
	case <-time.After(time.Second):
		t.Fatal("tracer was never started")
	}

	require.NoError(t, h.Close())

	select {
	case <-tracer.closed:
	case <-time.After(time.Second):
		t.Fatal("tracer was never closed")
	}
}

func TestLockUnlockSerialisesCompoundOps(t *testing.T) {
	ep := newPipeEndpoint()
	h := NewDeviceHandle(ep)
	defer h.Close()

	var order []int
	var wg sync.WaitGroup
	var mu sync.Mutex

	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			h.Lock()
			defer h.Unlock()
			mu.Lock()
			order = append(order, i)
			mu.Unlock()
		}(i)
	}
	wg.Wait()
	require.Len(t, order, 5)
}
