// Package trace is an optional, Linux-only USB traffic tracer used to
// diagnose a stuck BROM handshake or a desynced XML DA frame without an
// external USB analyzer. It attaches an XDP-style eBPF program to a
// usbmon-style tracepoint on the endpoint's interface and streams
// transfer events into an eventlog.Sink using the same rlimit/link/
// ringbuf wiring as a kernel-side packet counter. It is never required:
// DeviceHandle works identically with or without a tracer attached.
package trace

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"net"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/ringbuf"
	"github.com/cilium/ebpf/rlimit"

	"github.com/guiperry/fonecore/pkg/eventlog"
)

// TransferEvent mirrors the struct a usb_trace.bpf.c ring-buffer record
// would carry: direction (0=out/1=in), byte count, and the first bytes
// of the transfer for eyeballing a lost magic or a mismatched echo.
type TransferEvent struct {
	DirectionIn uint32
	Length      uint32
	Head        [16]byte
}

// objects holds the loaded eBPF program and maps. loadObjects is left
// as a stub below — there is no compiled .bpf.c bytecode blob to embed,
// so this documents the real wiring shape without fabricating one.
type objects struct {
	XDPFilterUSB *ebpf.Program `ebpf:"xdp_filter_usb"`
	Transfers    *ebpf.Map     `ebpf:"usb_transfers"`
}

func (o *objects) Close() error {
	if o.XDPFilterUSB != nil {
		o.XDPFilterUSB.Close()
	}
	if o.Transfers != nil {
		o.Transfers.Close()
	}
	return nil
}

func loadObjects(obj *objects, opts *ebpf.CollectionOptions) error {
	// A real build would embed the compiled collection here via bpf2go
	// and load it into obj. Left unimplemented rather than faked with a
	// stub byte blob — see DESIGN.md.
	return fmt.Errorf("trace: no embedded eBPF object; build with bpf2go to enable")
}

// Tracer streams USB transfer events for one network-visible USB
// interface into an EventSink until Close is called.
type Tracer struct {
	objs    objects
	xdpLink link.Link
	reader  *ringbuf.Reader
	iface   string
	sink    eventlog.Sink
}

// New attaches a Tracer to usbInterface (the kernel-visible network
// device name usbmon exposes for the endpoint, e.g. "usbmon0"). Requires
// CAP_BPF/CAP_NET_ADMIN; callers should treat failure here as
// "diagnostics unavailable", not fatal to flashing.
func New(usbInterface string, sink eventlog.Sink) (*Tracer, error) {
	if sink == nil {
		sink = eventlog.Discard
	}
	if err := rlimit.RemoveMemlock(); err != nil {
		return nil, fmt.Errorf("trace: remove memlock rlimit: %w", err)
	}

	var objs objects
	if err := loadObjects(&objs, nil); err != nil {
		return nil, fmt.Errorf("trace: load ebpf objects: %w", err)
	}

	iface, err := net.InterfaceByName(usbInterface)
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("trace: interface %s: %w", usbInterface, err)
	}

	l, err := link.AttachXDP(link.XDPOptions{
		Program:   objs.XDPFilterUSB,
		Interface: iface.Index,
	})
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("trace: attach xdp to %s: %w", usbInterface, err)
	}

	reader, err := ringbuf.NewReader(objs.Transfers)
	if err != nil {
		l.Close()
		objs.Close()
		return nil, fmt.Errorf("trace: ring buffer reader: %w", err)
	}

	t := &Tracer{objs: objs, xdpLink: l, reader: reader, iface: usbInterface, sink: sink}
	eventlog.Info(sink, eventlog.ComponentTransport, "usb tracer attached", map[string]any{"interface": usbInterface})
	return t, nil
}

// Run blocks, emitting one eventlog record per captured transfer, until
// the ring buffer reader is closed.
func (t *Tracer) Run() error {
	for {
		record, err := t.reader.Read()
		if err != nil {
			if errors.Is(err, ringbuf.ErrClosed) {
				return nil
			}
			return fmt.Errorf("trace: read ring buffer: %w", err)
		}
		var ev TransferEvent
		if err := binary.Read(bytes.NewReader(record.RawSample), binary.LittleEndian, &ev); err != nil {
			eventlog.Warn(t.sink, eventlog.ComponentTransport, "trace: malformed ring buffer record", map[string]any{"error": err.Error()})
			continue
		}
		direction := "out"
		if ev.DirectionIn != 0 {
			direction = "in"
		}
		eventlog.Debug(t.sink, eventlog.ComponentTransport, "usb transfer", map[string]any{
			"direction": direction,
			"length":    ev.Length,
			"head":      fmt.Sprintf("% x", ev.Head[:min(int(ev.Length), len(ev.Head))]),
		})
	}
}

// Close detaches the XDP program and releases the ring buffer reader.
func (t *Tracer) Close() error {
	var err error
	if t.reader != nil {
		err = t.reader.Close()
	}
	if t.xdpLink != nil {
		t.xdpLink.Close()
	}
	t.objs.Close()
	return err
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}
