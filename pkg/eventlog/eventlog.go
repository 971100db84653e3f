// Package eventlog provides the structured EventSink implementation used
// across the protocol engine. Every client accepts the EventSink interface
// (never a concrete logger), so tests can substitute a recording sink and
// production wiring can substitute a different backend without touching
// client code.
package eventlog

import (
	"io"
	"log/slog"
	"os"
	"sync"
)

// Component tags a subsystem for log filtering, mirroring the category
// field of the EventSink interface in.
type Component string

// Known component identifiers.
const (
	ComponentTransport Component = "transport"
	ComponentBrom       Component = "brom"
	ComponentDALoader   Component = "daloader"
	ComponentXMLDA      Component = "xmlda"
	ComponentXFlash     Component = "xflash"
	ComponentFastboot   Component = "fastboot"
	ComponentVendor     Component = "vendor"
	ComponentChipDB     Component = "chipdb"
	ComponentTrace      Component = "trace"
)

// Level mirrors the four levels's EventSink carries.
type Level int

const (
	LevelDebug Level = iota
	LevelInfo
	LevelWarn
	LevelError
)

// Record is a single structured event: (level, category, message, metadata).
type Record struct {
	Level    Level
	Category Component
	Message  string
	Metadata map[string]any
}

// Sink is the EventSink collaborator from.
type Sink interface {
	Emit(Record)
}

// SlogSink adapts Sink onto log/slog, the way ardnew-softusb's USB stack
// logs by component: a shared *slog.Logger behind a mutex, swappable
// format and level at runtime.
type SlogSink struct {
	mu     sync.RWMutex
	logger *slog.Logger
	level  *slog.LevelVar
}

// LogFormat selects the slog handler used by NewSlogSink.
type LogFormat int

const (
	FormatText LogFormat = iota
	FormatJSON
)

// NewSlogSink creates a sink writing to w in the given format, with level
// as the initial minimum level (messages below it are dropped).
func NewSlogSink(w io.Writer, format LogFormat, level Level) *SlogSink {
	lv := new(slog.LevelVar)
	lv.Set(toSlogLevel(level))
	opts := &slog.HandlerOptions{Level: lv}

	var handler slog.Handler
	switch format {
	case FormatJSON:
		handler = slog.NewJSONHandler(w, opts)
	default:
		handler = slog.NewTextHandler(w, opts)
	}

	return &SlogSink{logger: slog.New(handler), level: lv}
}

// NewDefaultSlogSink creates a text sink writing to stderr at Info level,
// the default used when no EventSink is configured explicitly.
func NewDefaultSlogSink() *SlogSink {
	return NewSlogSink(os.Stderr, FormatText, LevelInfo)
}

// SetLevel adjusts the minimum level without replacing the logger.
func (s *SlogSink) SetLevel(level Level) {
	s.level.Set(toSlogLevel(level))
}

// SetLogger swaps the underlying *slog.Logger, e.g. to attach additional
// handlers (multi-writer, OTel bridge) without changing the Sink interface.
func (s *SlogSink) SetLogger(logger *slog.Logger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.logger = logger
}

// Emit implements Sink.
func (s *SlogSink) Emit(r Record) {
	s.mu.RLock()
	logger := s.logger
	s.mu.RUnlock()

	args := make([]any, 0, 2+2*len(r.Metadata))
	args = append(args, "category", string(r.Category))
	for k, v := range r.Metadata {
		args = append(args, k, v)
	}

	switch r.Level {
	case LevelDebug:
		logger.Debug(r.Message, args...)
	case LevelWarn:
		logger.Warn(r.Message, args...)
	case LevelError:
		logger.Error(r.Message, args...)
	default:
		logger.Info(r.Message, args...)
	}
}

func toSlogLevel(l Level) slog.Level {
	switch l {
	case LevelDebug:
		return slog.LevelDebug
	case LevelWarn:
		return slog.LevelWarn
	case LevelError:
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Discard is a Sink that drops every record; used as the zero-value default
// for clients constructed without an explicit sink (tests, fuzz harnesses).
var Discard Sink = discardSink{}

type discardSink struct{}

func (discardSink) Emit(Record) {}

// helpers below mirror the component-scoped LogDebug/Info/Warn/Error
// convenience wrappers from ardnew-softusb/pkg/log.go, adapted onto Sink.

func Debug(s Sink, c Component, msg string, metadata map[string]any) {
	s.Emit(Record{Level: LevelDebug, Category: c, Message: msg, Metadata: metadata})
}

func Info(s Sink, c Component, msg string, metadata map[string]any) {
	s.Emit(Record{Level: LevelInfo, Category: c, Message: msg, Metadata: metadata})
}

func Warn(s Sink, c Component, msg string, metadata map[string]any) {
	s.Emit(Record{Level: LevelWarn, Category: c, Message: msg, Metadata: metadata})
}

func Error(s Sink, c Component, msg string, metadata map[string]any) {
	s.Emit(Record{Level: LevelError, Category: c, Message: msg, Metadata: metadata})
}
