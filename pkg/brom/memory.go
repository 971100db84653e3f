package brom

import (
	"context"

	"github.com/guiperry/fonecore/pkg/chipdb"
	"github.com/guiperry/fonecore/pkg/eventlog"
)

// ReadMem32 issues READ32 for one big-endian 32-bit word at addr. The
// command byte, address, and a count of 1 are all echoed by the device
// before it replies with the word itself.
func (c *Client) ReadMem32(ctx context.Context, addr uint32) (uint32, error) {
	var val uint32
	err := c.handle.WithLock(func() error {
		if err := c.echoByte(ctx, "read32", cmdRead32); err != nil {
			return err
		}
		if err := c.echoBytes(ctx, "read32_addr", putBE32(addr)); err != nil {
			return err
		}
		if err := c.echoBytes(ctx, "read32_count", putBE32(1)); err != nil {
			return err
		}
		status, err := c.readStatus16BE(ctx, "read32_status")
		if err != nil {
			return err
		}
		if status != sendDaStatusOK {
			return statusErr("read32", status)
		}
		b, err := c.handle.ReadExact(ctx, 4, defaultCommandTimeout)
		if err != nil {
			return err
		}
		val = be32(b)
		finalStatus, err := c.readStatus16BE(ctx, "read32_final")
		if err != nil {
			return err
		}
		if finalStatus != sendDaStatusOK {
			return statusErr("read32", finalStatus)
		}
		return nil
	})
	return val, err
}

// WriteMem32 issues WRITE32 for one big-endian 32-bit word at addr.
func (c *Client) WriteMem32(ctx context.Context, addr, value uint32) error {
	return c.handle.WithLock(func() error {
		if err := c.echoByte(ctx, "write32", cmdWrite32); err != nil {
			return err
		}
		if err := c.echoBytes(ctx, "write32_addr", putBE32(addr)); err != nil {
			return err
		}
		if err := c.echoBytes(ctx, "write32_count", putBE32(1)); err != nil {
			return err
		}
		status, err := c.readStatus16BE(ctx, "write32_status")
		if err != nil {
			return err
		}
		if status != sendDaStatusOK {
			return statusErr("write32", status)
		}
		if err := c.echoBytes(ctx, "write32_value", putBE32(value)); err != nil {
			return err
		}
		finalStatus, err := c.readStatus16BE(ctx, "write32_final")
		if err != nil {
			return err
		}
		if finalStatus != sendDaStatusOK {
			return statusErr("write32", finalStatus)
		}
		return nil
	})
}

// WriteMem16 issues WRITE16 for one big-endian 16-bit halfword at addr;
// used by DisableWatchdog on the small set of SoCs chipdb flags as needing
// the legacy 16-bit watchdog write rather than the 32-bit form.
func (c *Client) WriteMem16(ctx context.Context, addr uint32, value uint16) error {
	return c.handle.WithLock(func() error {
		if err := c.echoByte(ctx, "write16", cmdWrite16); err != nil {
			return err
		}
		if err := c.echoBytes(ctx, "write16_addr", putBE32(addr)); err != nil {
			return err
		}
		if err := c.echoBytes(ctx, "write16_count", putBE32(1)); err != nil {
			return err
		}
		status, err := c.readStatus16BE(ctx, "write16_status")
		if err != nil {
			return err
		}
		if status != sendDaStatusOK {
			return statusErr("write16", status)
		}
		if err := c.echoBytes(ctx, "write16_value", putBE16(value)); err != nil {
			return err
		}
		finalStatus, err := c.readStatus16BE(ctx, "write16_final")
		if err != nil {
			return err
		}
		if finalStatus != sendDaStatusOK {
			return statusErr("write16", finalStatus)
		}
		return nil
	})
}

// DisableWatchdog writes the watchdog-disable value. Chips
// chipdb.NeedsLegacyWatchdogWrite16 flags get WriteMem16 at the fixed
// legacy address; everything else gets WriteMem32 at the session's
// chip-specific watchdog address. If hw_code has no chipdb entry the
// WriteMem32 path falls back to the fixed legacy address ('s documented
// default).
func (c *Client) DisableWatchdog(ctx context.Context) error {
	if chipdb.NeedsLegacyWatchdogWrite16(c.session.HWCode) {
		c.logf(eventlog.LevelDebug, "disabling watchdog via legacy write16", map[string]any{"hw_code": c.session.HWCode, "addr": legacyWatchdogAddr})
		return c.WriteMem16(ctx, legacyWatchdogAddr, legacyWatchdogValue)
	}

	addr := legacyWatchdogAddr
	if info, err := chipdb.Lookup(c.session.HWCode); err == nil {
		addr = info.WatchdogAddr
	}
	c.logf(eventlog.LevelDebug, "disabling watchdog via write32", map[string]any{"hw_code": c.session.HWCode, "addr": addr})
	return c.WriteMem32(ctx, addr, uint32(legacyWatchdogValue))
}
