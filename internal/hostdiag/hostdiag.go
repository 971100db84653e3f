// Package hostdiag samples host resources and emits them as their own
// EventSink records around an operation (it does not add them to other
// records), so a support bundle can show whether the host (not the
// device) was starved of CPU when a chunked upload stalled.
package hostdiag

import (
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/guiperry/fonecore/pkg/eventlog"
)

// Snapshot is a point-in-time host resource reading.
type Snapshot struct {
	CPUPercent   float64
	MemUsedBytes uint64
	MemTotalBytes uint64
}

// Capture samples host CPU (over a near-instant window) and memory. It
// never returns an error to the caller: diagnostics that fail to sample
// are logged and zero-valued rather than aborting the caller's operation.
func Capture(sink eventlog.Sink) Snapshot {
	if sink == nil {
		sink = eventlog.Discard
	}
	var snap Snapshot

	percents, err := cpu.Percent(0, false)
	if err != nil {
		eventlog.Warn(sink, eventlog.ComponentTransport, "hostdiag: cpu sample failed", map[string]any{"error": err.Error()})
	} else if len(percents) > 0 {
		snap.CPUPercent = percents[0]
	}

	vm, err := mem.VirtualMemory()
	if err != nil {
		eventlog.Warn(sink, eventlog.ComponentTransport, "hostdiag: mem sample failed", map[string]any{"error": err.Error()})
	} else {
		snap.MemUsedBytes = vm.Used
		snap.MemTotalBytes = vm.Total
	}

	return snap
}

// Annotate captures a host snapshot and emits it through sink at the
// given category as one "host snapshot" record whose metadata holds stage,
// cpu_percent, mem_used_bytes and mem_total_bytes, used to bracket a long
// operation with "before" / "after" support-bundle entries.
func Annotate(sink eventlog.Sink, category eventlog.Component, stage string) {
	if sink == nil {
		sink = eventlog.Discard
	}
	snap := Capture(sink)
	eventlog.Info(sink, category, "host snapshot", map[string]any{
		"stage":           stage,
		"cpu_percent":     snap.CPUPercent,
		"mem_used_bytes":  snap.MemUsedBytes,
		"mem_total_bytes": snap.MemTotalBytes,
	})
}
