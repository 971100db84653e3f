package brom

import (
	"context"
	"time"

	"github.com/guiperry/fonecore/pkg/codec"
	"github.com/guiperry/fonecore/pkg/daloader"
	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/flasherr"
)

// muteStatusMarker1/muteStatusMarker2 are the two device-reply bytes the
// alternative/"mute" SEND_DA path announces itself with in place of an
// echo of the command byte: "0xE7 or 0x00 followed by status-0x0000".
const (
	muteStatusMarker1 byte = 0xE7
	muteStatusMarker2 byte = 0x00
)

// SendDA uploads entry to the device via SEND_DA, chunking the payload in
// uploadChunkSize pieces and flushing every uploadFlushEvery bytes. It
// probes the echoing wire variant first; if the command byte itself isn't
// echoed it falls back to the mute variant and remembers the choice on
// the session for subsequent calls.
//
// On success the session moves to StateDa1Loaded. If the device's final
// status is one of the DAA-protected codes (0x7015, 0x7017), SendDA
// returns a *flasherr.Reconnect instead of an error: the upload succeeded
// but the device is about to re-enumerate.
func (c *Client) SendDA(ctx context.Context, entry daloader.DaEntry) error {
	return c.handle.WithLock(func() error {
		body := daBody(entry)

		if err := c.sendDAHeaderWithAuth(ctx, entry, body); err != nil {
			return c.fail(err)
		}

		if err := c.streamChunks(ctx, body); err != nil {
			return c.fail(err)
		}

		final, err := c.readUploadTrailer(ctx, body, "send_da")
		if err != nil {
			return c.fail(err)
		}
		c.session.LastUploadStatus = final

		if final == finalStatusDaaProtected1 || final == finalStatusDaaProtected2 {
			c.logf(eventlog.LevelInfo, "send_da completed, device requires reconnect", map[string]any{"status": final})
			return &flasherr.Reconnect{Reason: "daa_protected", Code: uint32(final)}
		}
		if final != sendDaStatusOK {
			return statusErr("send_da", final)
		}

		c.session.State = StateDa1Loaded{Entry: entry}
		return nil
	})
}

// probeCommandVariant writes cmd once and classifies the session's
// ProtocolVariant from the device's reply the normal echoing
// wire shape, or the "alternative path" some reverse-engineered
// preloaders use that never echoes the command byte but instead replies
// with 0xE7 or 0x00 followed by a 2-byte big-endian status-0x0000. Once
// classified the variant sticks for the rest of the session.
func (c *Client) probeCommandVariant(ctx context.Context, cmd byte) error {
	switch c.session.Variant {
	case VariantEchoing:
		return c.echoByte(ctx, "send_da_cmd", cmd)
	case VariantMute:
		return c.handle.Write([]byte{cmd})
	}

	if err := c.handle.Write([]byte{cmd}); err != nil {
		return err
	}
	b, err := c.handle.ReadExact(ctx, 1, handshakeByteTimeout)
	if err != nil {
		return err
	}
	if b[0] == cmd {
		c.session.Variant = VariantEchoing
		return nil
	}
	if b[0] != muteStatusMarker1 && b[0] != muteStatusMarker2 {
		return &flasherr.EchoMismatchError{Op: "send_da_cmd", Expected: []byte{cmd}, Got: b}
	}
	status, err := c.readStatus16BE(ctx, "send_da_mute_status")
	if err != nil {
		return err
	}
	if status != sendDaStatusOK {
		return &flasherr.EchoMismatchError{Op: "send_da_cmd", Expected: []byte{cmd}, Got: b}
	}
	c.session.Variant = VariantMute
	return nil
}

// daBody splits entry.Data into the uploadable body, stripping the
// trailing signature: SEND_DA's size parameter, transport checksum, and
// chunk stream all cover only this slice, never the signature tail.
func daBody(entry daloader.DaEntry) []byte {
	return entry.Data[:len(entry.Data)-entry.SignatureLen]
}

// sendDAHeader writes the command byte, load address, body length, and
// signature length, then reads the initial SEND_DA status. In the mute
// variant that status was already confirmed by probeCommandVariant's
// 0xE7/0x00 + 0x0000 detection, so no further status is read here.
func (c *Client) sendDAHeader(ctx context.Context, entry daloader.DaEntry, body []byte) (uint16, error) {
	if err := c.probeCommandVariant(ctx, cmdSendDA); err != nil {
		return 0, err
	}

	if err := c.writeParam(ctx, "send_da_addr", putBE32(entry.LoadAddr)); err != nil {
		return 0, err
	}
	if err := c.writeParam(ctx, "send_da_size", putBE32(uint32(len(body)))); err != nil {
		return 0, err
	}
	if err := c.writeParam(ctx, "send_da_sig_len", putBE32(uint32(entry.SignatureLen))); err != nil {
		return 0, err
	}

	if c.session.Variant == VariantMute {
		return sendDaStatusOK, nil
	}
	return c.readStatus16BE(ctx, "send_da_status")
}

// sendDAHeaderWithAuth sends the SEND_DA header and classifies the
// initial status: 0x0000 proceeds straight to the body,
// 0x0010/0x0011 is fatal for this attempt (the caller must supply a
// signed DA), 0x1D0D runs the SLA sub-protocol and then proceeds without
// re-sending the header, and anything above 0xFF is a fatal rejection.
func (c *Client) sendDAHeaderWithAuth(ctx context.Context, entry daloader.DaEntry, body []byte) error {
	status, err := c.sendDAHeader(ctx, entry, body)
	if err != nil {
		return err
	}
	switch status {
	case sendDaStatusOK:
		return nil
	case sendDaStatusPreloaderAuth1, sendDaStatusPreloaderAuth2:
		return &flasherr.PreloaderAuthError{Code: uint32(status)}
	case sendDaStatusSlaRequired:
		if c.slaAuth == nil {
			return flasherr.ErrSlaRequired
		}
		if err := c.satisfySLALocked(ctx); err != nil {
			return err
		}
		return nil
	default:
		if status > 0xFF {
			return flasherr.ErrSendDaRejected
		}
		return statusErr("send_da", status)
	}
}

// writeParam writes data, echoing it back first when the session's
// protocol variant requires an echo.
func (c *Client) writeParam(ctx context.Context, op string, data []byte) error {
	if c.session.Variant == VariantEchoing {
		return c.echoBytes(ctx, op, data)
	}
	return c.handle.Write(data)
}

// streamChunks writes payload in uploadChunkSize pieces, emitting a
// zero-length flush write every uploadFlushEvery bytes and once more at
// completion, then waiting uploadFlushSettle for the device to
// settle. It never reads from the wire: the final checksum/status
// trailer's shape differs by protocol variant, so readUploadTrailer
// reads it separately once streaming is done.
func (c *Client) streamChunks(ctx context.Context, payload []byte) error {
	sent := 0
	sinceFlush := 0

	for sent < len(payload) {
		end := sent + uploadChunkSize
		if end > len(payload) {
			end = len(payload)
		}
		chunk := payload[sent:end]
		if err := c.handle.Write(chunk); err != nil {
			return err
		}
		sent = end
		sinceFlush += len(chunk)

		c.progress.Progress("send_da", int64(sent), int64(len(payload)))

		if sinceFlush >= uploadFlushEvery {
			if err := c.handle.Write(nil); err != nil {
				return err
			}
			sinceFlush = 0
		}
	}

	if err := c.handle.Write(nil); err != nil {
		return err
	}
	time.Sleep(uploadFlushSettle)
	return nil
}

// readUploadTrailer reads whatever trailer shape the session's protocol
// variant expects once streamChunks has finished, and returns the final
// status. The echoing path reads a 2-byte device checksum, then a
// separate 2-byte final status; the mute path reads both in one 4-byte
// (checksum, final_status) trailer. In both cases a checksum mismatch
// against the locally computed XOR checksum over body is logged, not
// failed: "a mismatch is a warning, not a failure".
func (c *Client) readUploadTrailer(ctx context.Context, body []byte, op string) (uint16, error) {
	want := codec.XorChecksum16(body)

	if c.session.Variant == VariantMute {
		trailer, err := c.handle.ReadExact(ctx, 4, defaultCommandTimeout)
		if err != nil {
			return 0, err
		}
		got := be16(trailer[0:2])
		final := be16(trailer[2:4])
		c.warnOnChecksumMismatch(op, want, got)
		return final, nil
	}

	got, err := c.readStatus16BE(ctx, op+"_checksum")
	if err != nil {
		return 0, err
	}
	c.warnOnChecksumMismatch(op, want, got)
	return c.readStatus16BE(ctx, op+"_final")
}

func (c *Client) warnOnChecksumMismatch(op string, want, got uint16) {
	if want != got {
		c.logf(eventlog.LevelWarn, op+" checksum mismatch (diagnostic only)", map[string]any{"want": want, "got": got})
	}
}

// JumpDA issues JUMP_DA for addr. On success the device begins executing
// the uploaded agent; the caller is expected to rebind its transport to
// the agent's own protocol (XML DA, XFlash, or legacy) afterward.
func (c *Client) JumpDA(ctx context.Context, addr uint32) error {
	return c.handle.WithLock(func() error {
		if err := c.echoByte(ctx, "jump_da", cmdJumpDA); err != nil {
			return c.fail(err)
		}
		if err := c.writeParam(ctx, "jump_da_addr", putBE32(addr)); err != nil {
			return c.fail(err)
		}
		status, err := c.readStatus16BE(ctx, "jump_da_status")
		if err != nil {
			return c.fail(err)
		}
		if status != sendDaStatusOK {
			return c.fail(statusErr("jump_da", status))
		}
		return nil
	})
}

// SendCertExploit uploads payload via SEND_CERT, used to ship a
// BROM-resident exploit payload. It shares SEND_DA's chunking protocol;
// unlike SendDA it never changes session state. (The Carbonara DA2
// bypass in pkg/xmlda does not use it; it is built on BOOT_TO.) The
// trailing checksum is diagnostic-only, per
// spec's "information only" wording for this command.
func (c *Client) SendCertExploit(ctx context.Context, payload []byte) error {
	return c.handle.WithLock(func() error {
		if err := c.echoByte(ctx, "send_cert", cmdSendCert); err != nil {
			return err
		}
		if err := c.writeParam(ctx, "send_cert_size", putBE32(uint32(len(payload)))); err != nil {
			return err
		}
		status, err := c.readStatus16BE(ctx, "send_cert_status")
		if err != nil {
			return err
		}
		if status != sendDaStatusOK {
			return statusErr("send_cert", status)
		}
		if err := c.streamChunks(ctx, payload); err != nil {
			return err
		}

		got, err := c.readStatus16BE(ctx, "send_cert_checksum")
		if err != nil {
			return err
		}
		c.warnOnChecksumMismatch("send_cert", codec.XorChecksum16(payload), got)

		final, err := c.readStatus16BE(ctx, "send_cert_final")
		if err != nil {
			return err
		}
		if final != sendDaStatusOK {
			return statusErr("send_cert", final)
		}
		return nil
	})
}
