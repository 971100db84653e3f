package xmlda

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// chunkAckWait and maxChunkRetransmits are the DA2 chunk ACK budget:
// each chunk gets up to 5s for an ACK, with up to 3 retries
// before the transfer is declared fatal.
const (
	chunkAckWait        = 5 * time.Second
	maxChunkRetransmits = 3
)

var downloadFileRe = regexp.MustCompile(`CMD:DOWNLOAD-FILE.*?packet_length["=:]?\s*(?:0x)?([0-9a-fA-F]+)`)

// AwaitDA2Download implements the ChimeraTool-style negotiated DA2
// upload: DA1 drives the handshake by sending an unsolicited
// CMD:DOWNLOAD-FILE frame carrying a hex packet_length. The host replies
// OK, declares the total size via an OK@<decimal> frame, then streams
// da2 in packet_length-sized chunks, each awaiting its own ACK before the
// next is sent. The device signals completion with CMD:END; the session
// moves to StateDa2Loaded.
func (c *Client) AwaitDA2Download(ctx context.Context, da2 []byte, timeout time.Duration) error {
	_, payload, err := RecvFrame(ctx, c.handle, c.sink, timeout)
	if err != nil {
		return c.fail(err)
	}
	text := string(payload)
	if !strings.Contains(text, "CMD:DOWNLOAD-FILE") {
		return c.fail(fmt.Errorf("xmlda: expected CMD:DOWNLOAD-FILE, got %q", text))
	}

	match := downloadFileRe.FindStringSubmatch(text)
	if match == nil {
		return c.fail(fmt.Errorf("xmlda: CMD:DOWNLOAD-FILE missing packet_length: %q", text))
	}
	packetLength, err := strconv.ParseUint(match[1], 16, 32)
	if err != nil {
		return c.fail(fmt.Errorf("xmlda: bad packet_length %q: %w", match[1], err))
	}
	if packetLength == 0 {
		return c.fail(fmt.Errorf("xmlda: packet_length is zero"))
	}

	if err := SendAck(c.handle); err != nil {
		return c.fail(err)
	}
	if err := SendRaw(c.handle, []byte(fmt.Sprintf("OK@%d ", len(da2)))); err != nil {
		return c.fail(err)
	}

	if err := c.streamDA2Chunks(ctx, da2, int(packetLength)); err != nil {
		return c.fail(err)
	}

	_, final, err := RecvFrame(ctx, c.handle, c.sink, timeout)
	if err != nil {
		return c.fail(err)
	}
	if !strings.Contains(string(final), "CMD:END") {
		return c.fail(fmt.Errorf("xmlda: expected CMD:END, got %q", string(final)))
	}
	if err := SendAck(c.handle); err != nil {
		return c.fail(err)
	}

	c.session.State = StateDa2Loaded{}
	return nil
}

// streamDA2Chunks sends data in packetLength-sized frames, retrying an
// un-ACKed chunk up to maxChunkRetransmits times before giving up.
func (c *Client) streamDA2Chunks(ctx context.Context, data []byte, packetLength int) error {
	sent := 0
	for sent < len(data) {
		end := sent + packetLength
		if end > len(data) {
			end = len(data)
		}
		chunk := data[sent:end]

		var lastErr error
		acked := false
		for attempt := 0; attempt <= maxChunkRetransmits; attempt++ {
			if err := SendRaw(c.handle, chunk); err != nil {
				lastErr = err
				continue
			}
			_, ack, err := RecvFrame(ctx, c.handle, c.sink, chunkAckWait)
			if err != nil {
				lastErr = err
				continue
			}
			if !strings.Contains(string(ack), "OK") {
				lastErr = fmt.Errorf("xmlda: chunk not acked: %q", string(ack))
				continue
			}
			acked = true
			break
		}
		if !acked {
			return fmt.Errorf("xmlda: chunk at offset 0x%x failed after %d retries: %w", sent, maxChunkRetransmits, lastErr)
		}

		sent = end
		c.progress.Progress("da2_download", int64(sent), int64(len(data)))
	}
	return nil
}
