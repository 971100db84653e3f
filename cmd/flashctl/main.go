// Command flashctl is a thin bubbletea driver over the core protocol
// engine (Model/Update/View, lipgloss panel styling, a clipboard action
// for the last-read device identifier), taking a connect / identify
// flow; it does not upload a DA. It contains no protocol logic of its
// own; every state transition below calls into pkg/brom or pkg/chipdb.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/atotto/clipboard"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/gousb"

	"github.com/guiperry/fonecore/internal/config"
	"github.com/guiperry/fonecore/internal/hostdiag"
	"github.com/guiperry/fonecore/internal/trace"
	"github.com/guiperry/fonecore/pkg/brom"
	"github.com/guiperry/fonecore/pkg/chipdb"
	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/transport"
)

// parseUSBDescriptor accepts "vid:pid" (hex, no 0x prefix), the shape a
// `lsusb`-style identifier takes; endpoint/interface numbers use the
// boot-ROM CDC defaults most MediaTek devices enumerate.
func parseUSBDescriptor(spec string) (transport.USBDescriptor, error) {
	parts := strings.SplitN(spec, ":", 2)
	if len(parts) != 2 {
		return transport.USBDescriptor{}, fmt.Errorf("expected vid:pid, got %q", spec)
	}
	vid, err := strconv.ParseUint(parts[0], 16, 16)
	if err != nil {
		return transport.USBDescriptor{}, fmt.Errorf("bad vendor id %q: %w", parts[0], err)
	}
	pid, err := strconv.ParseUint(parts[1], 16, 16)
	if err != nil {
		return transport.USBDescriptor{}, fmt.Errorf("bad product id %q: %w", parts[1], err)
	}
	return transport.USBDescriptor{
		VendorID:     gousb.ID(vid),
		ProductID:    gousb.ID(pid),
		ConfigNum:    1,
		InterfaceNum: 1,
		EndpointIn:   1,
		EndpointOut:  1,
	}, nil
}

var (
	headerStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#2563EB")).
			Padding(0, 1)

	panelStyle = lipgloss.NewStyle().
			Border(lipgloss.RoundedBorder()).
			BorderForeground(lipgloss.Color("#3B3B3B")).
			Padding(0, 1)

	labelStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#9CA3AF"))
	valueStyle = lipgloss.NewStyle().Bold(true)
	errorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#EF4444")).Bold(true)
	okStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("#22C55E"))
	footerStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("#6B7280"))
)

// stage tracks where the connect/identify flow has reached; it mirrors
// the core's brom.State one level up, for display only.
type stage int

const (
	stageIdle stage = iota
	stageHandshaking
	stageIdentified
	stageFailed
)

type connectResultMsg struct {
	client *brom.Client
	chip   chipdb.ChipInfo
	err    error
}

type model struct {
	cfg        config.Config
	sink       eventlog.Sink
	traceIface string
	client     *brom.Client
	chip       chipdb.ChipInfo
	stage      stage
	err        error
	copied     string
	width      int
}

func initialModel(cfg config.Config, sink eventlog.Sink, traceIface string) model {
	return model{cfg: cfg, sink: sink, traceIface: traceIface, stage: stageIdle}
}

func (m model) Init() tea.Cmd {
	return m.connectCmd()
}

// connectCmd runs the handshake/initialize sequence against the
// configured serial endpoint on a worker goroutine, per bubbletea's
// tea.Cmd convention (the UI loop never blocks on device I/O).
func (m model) connectCmd() tea.Cmd {
	return func() tea.Msg {
		if m.cfg.SerialPort == "" {
			return connectResultMsg{err: fmt.Errorf("no device configured (set FLASHCORE_SERIAL_PORT to vid:pid)")}
		}
		desc, err := parseUSBDescriptor(m.cfg.SerialPort)
		if err != nil {
			return connectResultMsg{err: err}
		}
		ep, err := transport.OpenUSBEndpoint(desc)
		if err != nil {
			return connectResultMsg{err: err}
		}
		opts := []transport.Option{transport.WithBaud(m.cfg.BaudMediaTek), transport.WithEventSink(m.sink)}
		if m.traceIface != "" {
			if tracer, err := trace.New(m.traceIface, m.sink); err != nil {
				eventlog.Warn(m.sink, eventlog.ComponentTrace, "usb tracer unavailable, continuing without it", map[string]any{"error": err.Error()})
			} else {
				opts = append(opts, transport.WithTracer(tracer))
			}
		}
		handle := transport.NewDeviceHandle(ep, opts...)
		client := brom.NewClient(handle, brom.WithEventSink(m.sink))

		ctx, cancel := context.WithTimeout(context.Background(), m.cfg.HandshakeBudget)
		defer cancel()

		hostdiag.Annotate(m.sink, eventlog.ComponentBrom, "before_handshake")
		if err := client.Handshake(ctx); err != nil {
			return connectResultMsg{err: err}
		}
		if err := client.Initialize(ctx); err != nil {
			return connectResultMsg{err: err}
		}
		hostdiag.Annotate(m.sink, eventlog.ComponentBrom, "after_identify")

		chip, _ := chipdb.Lookup(client.Session().HWCode)
		return connectResultMsg{client: client, chip: chip}
	}
}

func (m model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "c":
			if m.client != nil && m.client.Session().MeID != nil {
				_ = clipboard.WriteAll(fmt.Sprintf("% x", m.client.Session().MeID))
				m.copied = "me_id copied to clipboard"
			}
			return m, nil
		case "r":
			m.stage = stageHandshaking
			m.err = nil
			return m, m.connectCmd()
		}

	case connectResultMsg:
		if msg.err != nil {
			m.stage = stageFailed
			m.err = msg.err
			return m, nil
		}
		m.client = msg.client
		m.chip = msg.chip
		m.stage = stageIdentified
		return m, nil
	}
	return m, nil
}

func (m model) View() string {
	header := headerStyle.Render("flashctl — device recovery console")

	var body string
	switch m.stage {
	case stageIdle, stageHandshaking:
		body = panelStyle.Render("handshaking...")
	case stageFailed:
		body = panelStyle.Render(errorStyle.Render("connect failed: " + m.err.Error()))
	case stageIdentified:
		sess := m.client.Session()
		body = panelStyle.Render(fmt.Sprintf(
			"%s %s\n%s %s (%s)\n%s %04x\n%s %v\n%s %s",
			labelStyle.Render("state:"), okStyle.Render(sess.State.String()),
			labelStyle.Render("hw_code:"), valueStyle.Render(fmt.Sprintf("0x%04x", sess.HWCode)), m.chip.ChipName,
			labelStyle.Render("hw_ver:"), sess.HWVer,
			labelStyle.Render("target_config:"), sess.TargetConfig,
			labelStyle.Render("me_id:"), fmt.Sprintf("% x", sess.MeID),
		))
	}

	footer := footerStyle.Render("[q] quit  [c] copy me_id  [r] reconnect")
	if m.copied != "" {
		footer = okStyle.Render(m.copied) + "  " + footer
	}

	return header + "\n\n" + body + "\n\n" + footer
}

func main() {
	var port string
	var timeout time.Duration
	var traceIface string
	flag.StringVar(&port, "port", "", "serial port (overrides FLASHCORE_SERIAL_PORT)")
	flag.DurationVar(&timeout, "handshake-timeout", 0, "override handshake budget")
	flag.StringVar(&traceIface, "trace-iface", "", "usbmon-style interface name to attach a diagnostic USB tracer to (Linux, requires CAP_BPF/CAP_NET_ADMIN)")
	flag.Parse()

	cfg := config.Load()
	if port != "" {
		cfg.SerialPort = port
	}
	if timeout > 0 {
		cfg.HandshakeBudget = timeout
	}

	sink := eventlog.NewDefaultSlogSink()

	p := tea.NewProgram(initialModel(cfg, sink, traceIface))
	if _, err := p.Run(); err != nil {
		fmt.Fprintln(os.Stderr, "flashctl:", err)
		os.Exit(1)
	}
}
