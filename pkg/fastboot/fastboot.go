// Package fastboot implements the standard Android fastboot client:
// ASCII commands over a bulk endpoint, replies
// framed as a 4-byte prefix (OKAY/FAIL/DATA/INFO) followed by up to 60
// bytes of text. The vendor-specific Huawei/Honor layer lives in
// vendor.go, built on top of this package's GetVar/OEM primitives.
package fastboot

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/transport"
)

const (
	prefixLen       = 4
	maxReplyText    = 60
	defaultTimeout  = 5 * time.Second
	downloadFloor   = 1 << 20 // 1 MiB/s assumed floor for download's scaled timeout
)

const (
	prefixOKAY = "OKAY"
	prefixFAIL = "FAIL"
	prefixDATA = "DATA"
	prefixINFO = "INFO"
)

// Client drives one fastboot session over a shared DeviceHandle.
type Client struct {
	handle *transport.DeviceHandle
	sink   eventlog.Sink
}

type Option func(*Client)

func WithEventSink(sink eventlog.Sink) Option {
	return func(c *Client) { c.sink = sink }
}

func NewClient(handle *transport.DeviceHandle, opts ...Option) *Client {
	c := &Client{handle: handle, sink: eventlog.Discard}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) logf(level eventlog.Level, msg string, meta map[string]any) {
	c.sink.Emit(eventlog.Record{Level: level, Category: eventlog.ComponentFastboot, Message: msg, Metadata: meta})
}

// reply is one decoded fastboot response line.
type reply struct {
	prefix string
	text   string
}

// sendCommand writes cmd as a single ASCII command frame; fastboot
// commands are not length-prefixed, unlike the BROM/XML DA framings.
func (c *Client) sendCommand(cmd string) error {
	return c.handle.Write([]byte(cmd))
}

// readReply reads one 4-byte-prefix + up to 60-byte-text reply.
func (c *Client) readReply(ctx context.Context, timeout time.Duration) (reply, error) {
	header, err := c.handle.ReadExact(ctx, prefixLen, timeout)
	if err != nil {
		return reply{}, err
	}
	prefix := string(header)
	switch prefix {
	case prefixOKAY, prefixFAIL, prefixDATA, prefixINFO:
	default:
		return reply{}, fmt.Errorf("fastboot: unrecognized reply prefix %q", prefix)
	}

	// The device only sends as much text as it has; fastboot framing has
	// no explicit text length, so this relies on the transport returning
	// whatever is immediately available up to the 60-byte ceiling.
	text, err := c.handle.ReadUpTo(ctx, maxReplyText, timeout)
	if err != nil {
		return reply{}, err
	}
	return reply{prefix: prefix, text: string(text)}, nil
}

// runCommand sends cmd and collects INFO lines until a terminal OKAY or
// FAIL, returning the terminal reply and any INFO text collected along
// the way. It holds the handle's lock for the whole exchange, so
// concurrent callers never interleave a command with another's replies.
func (c *Client) runCommand(ctx context.Context, cmd string, timeout time.Duration) (reply, []string, error) {
	c.handle.Lock()
	defer c.handle.Unlock()
	if err := c.sendCommand(cmd); err != nil {
		return reply{}, nil, err
	}
	var info []string
	for {
		r, err := c.readReply(ctx, timeout)
		if err != nil {
			return reply{}, info, err
		}
		switch r.prefix {
		case prefixINFO:
			info = append(info, strings.TrimRight(r.text, "\x00"))
			continue
		case prefixFAIL:
			return r, info, fmt.Errorf("fastboot: %s failed: %s", cmd, strings.TrimRight(r.text, "\x00"))
		default:
			return r, info, nil
		}
	}
}

// GetVar implements get_var(name).
func (c *Client) GetVar(ctx context.Context, name string) (string, error) {
	r, _, err := c.runCommand(ctx, "getvar:"+name, defaultTimeout)
	if err != nil {
		return "", err
	}
	return strings.TrimRight(r.text, "\x00"), nil
}

// OEM implements oem(command_line): vendor replies are line-based with
// a "(bootloader) " prefix per data line, collected from INFO frames
//.
func (c *Client) OEM(ctx context.Context, commandLine string) (string, error) {
	_, info, err := c.runCommand(ctx, "oem "+commandLine, defaultTimeout)
	if err != nil {
		return "", err
	}
	return strings.Join(info, "\r\n"), nil
}

// Download implements download(bytes): announce the size, wait for the
// DATA go-ahead, stream the payload, then await the terminal OKAY. The
// round-trip timeout scales with payload size at downloadFloor
// bytes/sec.
func (c *Client) Download(ctx context.Context, data []byte) error {
	timeout := scaledTimeout(len(data))
	cmd := fmt.Sprintf("download:%08x", len(data))
	if err := c.sendCommand(cmd); err != nil {
		return err
	}
	r, err := c.readReply(ctx, timeout)
	if err != nil {
		return err
	}
	if r.prefix != prefixDATA {
		return fmt.Errorf("fastboot: download not granted: %s %q", r.prefix, r.text)
	}
	if err := c.handle.Write(data); err != nil {
		return err
	}
	final, err := c.readReply(ctx, timeout)
	if err != nil {
		return err
	}
	if final.prefix != prefixOKAY {
		return fmt.Errorf("fastboot: download failed: %s %q", final.prefix, final.text)
	}
	return nil
}

// Upload implements upload(): the device announces DATA with a size,
// then streams that many bytes.
func (c *Client) Upload(ctx context.Context) ([]byte, error) {
	if err := c.sendCommand("upload"); err != nil {
		return nil, err
	}
	r, err := c.readReply(ctx, defaultTimeout)
	if err != nil {
		return nil, err
	}
	if r.prefix != prefixDATA {
		return nil, fmt.Errorf("fastboot: upload not offered: %s %q", r.prefix, r.text)
	}
	size, err := parseHexSize(r.text)
	if err != nil {
		return nil, err
	}
	timeout := scaledTimeout(size)
	data, err := c.handle.ReadExact(ctx, size, timeout)
	if err != nil {
		return nil, err
	}
	final, err := c.readReply(ctx, timeout)
	if err != nil {
		return nil, err
	}
	if final.prefix != prefixOKAY {
		return nil, fmt.Errorf("fastboot: upload terminator: %s %q", final.prefix, final.text)
	}
	return data, nil
}

func parseHexSize(text string) (int, error) {
	text = strings.TrimSpace(text)
	var size int
	if _, err := fmt.Sscanf(text, "%x", &size); err != nil {
		return 0, fmt.Errorf("fastboot: bad upload size %q: %w", text, err)
	}
	return size, nil
}

func scaledTimeout(size int) time.Duration {
	floor := defaultTimeout
	scaled := time.Duration(size) * time.Second / downloadFloor
	if scaled > floor {
		return scaled
	}
	return floor
}
