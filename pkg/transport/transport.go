// Package transport implements the framed transport: a single-threaded
// cooperative byte pump over a serial/USB endpoint, with a fair mutex
// so several protocol layers (BROM, XML DA, XFlash, Fastboot) can share
// one DeviceHandle safely. It is the bottom layer every protocol client
// in this module is built on: a mutex-guarded buffered reader/writer
// pair over the endpoint.
package transport

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/flasherr"
)

// pollInterval is the slice size read_exact polls the input queue at,
// ("≤10 ms slices").
const pollInterval = 10 * time.Millisecond

// inboundHint is the buffered-byte-channel size hint from
// (DeviceHandle "carries ... a buffered byte channel in each direction
// (16 MiB hint)"). It sizes the inbound queue's initial buffer only; the
// pump never blocks on it, and the queue grows past it if unread data
// piles up.
const inboundHint = 16 * 1024 * 1024

// Endpoint is the minimal byte-stream contract a concrete serial/USB
// backend must satisfy. Read should block until at least one byte is
// available or the endpoint errors; Write should block until bytes are
// handed to the device (: "write ... always blocking").
type Endpoint interface {
	io.ReadWriteCloser
}

// Tracer is the minimal contract an optional diagnostic USB-transfer
// stream must satisfy to attach to a DeviceHandle; internal/trace.Tracer
// implements it. Run blocks, emitting events, until Close stops it.
type Tracer interface {
	Run() error
	Close() error
}

// DeviceHandle is the exclusive owner of one open Endpoint.
// Its lifetime is the connection: once Close is called the endpoint is
// never reopened by this handle. Every protocol client (BROM, XML DA,
// XFlash, Fastboot) references a DeviceHandle by shared ownership; only
// the handle's mutex actually serialises I/O.
type DeviceHandle struct {
	endpoint Endpoint
	sink     eventlog.Sink

	baud     int
	inQueue  *byteQueue
	outMu    sync.Mutex // serialises Write calls independent of lock()/unlock()
	pumpDone chan struct{}
	pumpErr  error
	pumpOnce sync.Once

	fair fairMutex

	cancel   chan struct{}
	cancelMu sync.Mutex

	tracer Tracer
}

// Option configures a DeviceHandle at construction.
type Option func(*DeviceHandle)

// WithBaud records the configured baud rate for diagnostics; it has no
// effect on a already-open Endpoint (baud is set when the endpoint itself
// is opened, outside this package's scope).
func WithBaud(baud int) Option {
	return func(h *DeviceHandle) { h.baud = baud }
}

// WithEventSink attaches an EventSink for transport-level diagnostics
// (resync events, pump errors, cancellations).
func WithEventSink(sink eventlog.Sink) Option {
	return func(h *DeviceHandle) { h.sink = sink }
}

// WithTracer attaches an optional diagnostic Tracer (internal/trace.Tracer
// satisfies this interface). NewDeviceHandle starts it in a background
// goroutine alongside the pump, and Close stops it together with the
// endpoint. A tracer is purely diagnostic: its failure is logged, never
// propagated, since a stuck USB analyzer must never block flashing.
func WithTracer(t Tracer) Option {
	return func(h *DeviceHandle) { h.tracer = t }
}

// NewDeviceHandle wraps an already-open Endpoint. The caller retains
// ownership of port enumeration, hotplug, and driver selection (
// Non-goals); this package only drives bytes once a connection exists.
func NewDeviceHandle(endpoint Endpoint, opts ...Option) *DeviceHandle {
	h := &DeviceHandle{
		endpoint: endpoint,
		sink:     eventlog.Discard,
		inQueue:  newByteQueue(inboundHint),
		pumpDone: make(chan struct{}),
		cancel:   make(chan struct{}),
		fair:     newFairMutex(),
	}
	for _, opt := range opts {
		opt(h)
	}
	go h.pump()
	if h.tracer != nil {
		go h.runTracer()
	}
	return h
}

// runTracer drives an attached Tracer until it stops on its own or Close
// tears it down; a tracer error is logged, never fatal to the handle.
func (h *DeviceHandle) runTracer() {
	if err := h.tracer.Run(); err != nil {
		eventlog.Warn(h.sink, eventlog.ComponentTrace, "tracer stopped", map[string]any{"error": err.Error()})
	}
}

// pump continuously reads from the endpoint into the inbound queue. It is
// the only goroutine ever reading the endpoint; read_exact only drains
// the queue.
func (h *DeviceHandle) pump() {
	defer close(h.pumpDone)
	buf := make([]byte, 4096)
	for {
		n, err := h.endpoint.Read(buf)
		if n > 0 {
			h.inQueue.Append(buf[:n])
		}
		if err != nil {
			h.pumpErr = err
			return
		}
	}
}

// ReadExact blocks until exactly n bytes have been read or the deadline
// elapses, polling the inbound queue in pollInterval slices.
// It returns flasherr.ErrCancelled if Cancel was called at any poll point,
// and a *flasherr.TimeoutError if the deadline elapses first.
func (h *DeviceHandle) ReadExact(ctx context.Context, n int, timeout time.Duration) ([]byte, error) {
	if n == 0 {
		return nil, nil
	}
	deadline := time.Now().Add(timeout)

	for {
		if data, ok := h.inQueue.TryTake(n); ok {
			return data, nil
		}
		if h.pumpErr != nil && h.inQueue.Len() < n {
			return nil, h.pumpErr
		}
		select {
		case <-h.cancelSignal():
			return nil, flasherr.ErrCancelled
		case <-ctx.Done():
			return nil, flasherr.ErrCancelled
		default:
		}
		if time.Now().After(deadline) {
			return nil, &flasherr.TimeoutError{Op: "read_exact"}
		}
		time.Sleep(pollInterval)
	}
}

// ReadUpTo returns whatever is available in the inbound queue right now,
// up to maxN bytes, waiting only until the queue stops growing for one
// poll interval (or the deadline elapses). It exists for protocols like
// Fastboot whose replies are not length-prefixed: the device sends one
// short packet and nothing more, so waiting for a fixed byte count would
// block forever on a reply shorter than the ceiling.
func (h *DeviceHandle) ReadUpTo(ctx context.Context, maxN int, timeout time.Duration) ([]byte, error) {
	deadline := time.Now().Add(timeout)
	lastLen := -1
	for {
		curLen := h.inQueue.Len()
		if curLen > 0 && curLen == lastLen {
			n := curLen
			if n > maxN {
				n = maxN
			}
			data, _ := h.inQueue.TryTake(n)
			return data, nil
		}
		lastLen = curLen
		if h.pumpErr != nil && curLen > 0 {
			n := curLen
			if n > maxN {
				n = maxN
			}
			data, _ := h.inQueue.TryTake(n)
			return data, nil
		}
		if h.pumpErr != nil {
			return nil, h.pumpErr
		}
		select {
		case <-h.cancelSignal():
			return nil, flasherr.ErrCancelled
		case <-ctx.Done():
			return nil, flasherr.ErrCancelled
		default:
		}
		if time.Now().After(deadline) {
			if curLen > 0 {
				data, _ := h.inQueue.TryTake(curLen)
				return data, nil
			}
			return nil, &flasherr.TimeoutError{Op: "read_up_to"}
		}
		time.Sleep(pollInterval)
	}
}

// Write blocks until all of data has been handed to the endpoint. No
// chunk size is imposed here; callers that need chunked
// streaming with flush boundaries implement that above this layer.
func (h *DeviceHandle) Write(data []byte) error {
	h.outMu.Lock()
	defer h.outMu.Unlock()
	_, err := h.endpoint.Write(data)
	return err
}

// DiscardIn drops any buffered, unread inbound bytes.
func (h *DeviceHandle) DiscardIn() {
	h.inQueue.DiscardAll()
}

// DiscardOut is a no-op in this implementation: Write is always
// synchronous and unbuffered beyond the single in-flight call, so there
// is nothing queued to discard. Kept for API symmetry with.
func (h *DeviceHandle) DiscardOut() {}

// Lock acquires the handle's fair mutex. Hold it across any compound
// operation whose atomicity matters: command + parameter + status,
// chunk + ACK. The lock is not re-acquired per chunk: pkg/brom's SendDA
// and SendCertExploit hold it from the command byte through the final
// status of the whole upload.
func (h *DeviceHandle) Lock() { h.fair.Lock() }

// Unlock releases the fair mutex acquired by Lock.
func (h *DeviceHandle) Unlock() { h.fair.Unlock() }

// WithLock runs fn with the handle's mutex held, guaranteeing it is
// released even if fn panics or returns an error.
func (h *DeviceHandle) WithLock(fn func() error) error {
	h.Lock()
	defer h.Unlock()
	return fn()
}

// Cancel signals every suspension point (every ReadExact, every inter-byte
// delay) to abort with flasherr.ErrCancelled. It is
// idempotent.
func (h *DeviceHandle) Cancel() {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	select {
	case <-h.cancel:
		// already cancelled
	default:
		close(h.cancel)
	}
}

func (h *DeviceHandle) cancelSignal() <-chan struct{} {
	h.cancelMu.Lock()
	defer h.cancelMu.Unlock()
	return h.cancel
}

// Close closes the underlying endpoint and waits for the pump goroutine
// to exit. A DeviceHandle's endpoint is open iff the handle has not been
// closed ( invariant).
func (h *DeviceHandle) Close() error {
	if h.tracer != nil {
		_ = h.tracer.Close()
	}
	err := h.endpoint.Close()
	<-h.pumpDone
	return err
}

// Sink returns the EventSink attached to this handle (eventlog.Discard if
// none was configured).
func (h *DeviceHandle) Sink() eventlog.Sink { return h.sink }
