package brom

import (
	"context"
	"fmt"
	"time"

	"github.com/guiperry/fonecore/pkg/eventlog"
)

// Initialize runs the post-handshake device-info readout sequence from
// step 2: GET_HW_CODE, a burst of heartbeat probes, then a
// best-effort pass over GET_TARGET_CONFIG / GET_BL_VER / GET_ME_ID /
// GET_SOC_ID / GET_VERSION / GET_HW_SW_VER. Each sub-step's error is caught
// and logged independently rather than aborting the whole sequence: older
// BROM/Preloader revisions simply don't implement some of these commands,
// and requires the session to still become usable in that case.
func (c *Client) Initialize(ctx context.Context) error {
	if err := c.readHWCode(ctx); err != nil {
		return c.fail(err)
	}

	c.sendHeartbeats(ctx)

	c.tryStep(ctx, "get_target_config", c.readTargetConfig)
	c.tryStep(ctx, "get_bl_ver", c.readBLVer)
	c.tryStep(ctx, "get_me_id", c.readMeID)
	c.tryStep(ctx, "get_soc_id", c.readSocID)
	c.tryStep(ctx, "get_version", c.readVersion)
	c.tryStep(ctx, "get_hw_sw_ver", c.readHWSWVer)

	return nil
}

// tryStep runs fn and logs (rather than propagates) any error, per the
// "best-effort, independently swallowed" contract documented above.
func (c *Client) tryStep(ctx context.Context, name string, fn func(context.Context) error) {
	if err := fn(ctx); err != nil {
		c.logf(eventlog.LevelWarn, "initialize step failed, continuing", map[string]any{
			"step": name, "error": err.Error(),
		})
	}
}

// readHWCode sends GET_HW_CODE, echoes the command byte, and reads the
// 4-byte big-endian (hw_code, hw_ver) pair that follows. Unlike the
// best-effort steps below, a failure here is fatal: nothing downstream
// (chip lookup, DA selection) can proceed without it.
func (c *Client) readHWCode(ctx context.Context) error {
	if err := c.echoByte(ctx, "get_hw_code", cmdGetHWCode); err != nil {
		return err
	}
	b, err := c.handle.ReadExact(ctx, 4, defaultCommandTimeout)
	if err != nil {
		return err
	}
	c.session.HWCode = be16(b[0:2])
	c.session.HWVer = be16(b[2:4])
	c.logf(eventlog.LevelInfo, "hw_code read", map[string]any{"hw_code": c.session.HWCode, "hw_ver": c.session.HWVer})
	return nil
}

// sendHeartbeats issues heartbeatCount single-byte probes spaced
// heartbeatSpacing apart step 2. Heartbeat failures are
// never fatal: some BROM revisions don't reply to them at all.
func (c *Client) sendHeartbeats(ctx context.Context) {
	for i := 0; i < heartbeatCount; i++ {
		_ = c.handle.Write([]byte{handshakeProbe})
		_, _ = c.handle.ReadExact(ctx, 2, handshakeByteTimeout)
		time.Sleep(heartbeatSpacing)
	}
	c.handle.DiscardIn()
}

// readTargetConfig echoes GET_TARGET_CONFIG, then reads the 4-byte
// big-endian config bitset and the 2-byte big-endian status that follow
// it. A status above 0xFF aborts the step.
func (c *Client) readTargetConfig(ctx context.Context) error {
	if err := c.echoByte(ctx, "get_target_config", cmdGetTargetConfig); err != nil {
		return err
	}
	b, err := c.handle.ReadExact(ctx, 6, defaultCommandTimeout)
	if err != nil {
		return err
	}
	bits := be32(b[0:4])
	status := be16(b[4:6])
	if status > 0xFF {
		return statusErr("get_target_config", status)
	}
	c.session.TargetConfig = TargetConfig{
		SBC: bits&0x1 != 0,
		SLA: bits&0x2 != 0,
		DAA: bits&0x4 != 0,
	}
	return nil
}

// readBLVer sends GET_BL_VER with no echo expected and reads one reply
// byte. A reply of 0xFE means the session is talking to BROM; anything
// else means Preloader step 4.
func (c *Client) readBLVer(ctx context.Context) error {
	if err := c.handle.Write([]byte{cmdGetBLVer}); err != nil {
		return err
	}
	b, err := c.handle.ReadExact(ctx, 1, defaultCommandTimeout)
	if err != nil {
		return err
	}
	c.session.BLVer = b[0]
	if b[0] == cmdGetBLVer {
		c.session.State = StateBrom{}
	} else {
		c.session.State = StatePreloader{}
	}
	return nil
}

// readMeID runs the documented six-part ME_ID sequence: send GET_BL_VER
// and read its one-byte reply (an undocumented quirk some BROM revisions
// require before they'll answer GET_ME_ID), send GET_ME_ID and echo it,
// read a 4-byte big-endian length that must fall in (0, 64], read that
// many bytes, then read a 2-byte little-endian status that must be 0.
func (c *Client) readMeID(ctx context.Context) error {
	if err := c.handle.Write([]byte{cmdGetBLVer}); err != nil {
		return err
	}
	if _, err := c.handle.ReadExact(ctx, 1, defaultCommandTimeout); err != nil {
		return err
	}

	if err := c.echoByte(ctx, "get_me_id", cmdGetMeID); err != nil {
		return err
	}

	lenBytes, err := c.handle.ReadExact(ctx, 4, defaultCommandTimeout)
	if err != nil {
		return err
	}
	n := be32(lenBytes)
	if n == 0 || n > 64 {
		return fmt.Errorf("get_me_id: length 0x%x out of range (0,64]", n)
	}
	data, err := c.handle.ReadExact(ctx, int(n), defaultCommandTimeout)
	if err != nil {
		return err
	}

	status, err := c.readStatus16LE(ctx, "get_me_id")
	if err != nil {
		return err
	}
	if status != 0 {
		return statusErr("get_me_id", status)
	}

	c.session.MeID = data
	return nil
}

// readSocID runs the same six-part sequence as readMeID. Devices that
// don't implement GET_SOC_ID reply to it with a non-matching first byte
// instead of the echo; that's treated as "absent", not an error: any
// residue is drained and the field is left empty.
func (c *Client) readSocID(ctx context.Context) error {
	if err := c.handle.Write([]byte{cmdGetBLVer}); err != nil {
		return err
	}
	if _, err := c.handle.ReadExact(ctx, 1, defaultCommandTimeout); err != nil {
		return err
	}

	if err := c.handle.Write([]byte{cmdGetSocID}); err != nil {
		return err
	}
	echo, err := c.handle.ReadExact(ctx, 1, defaultCommandTimeout)
	if err != nil {
		return err
	}
	if echo[0] != cmdGetSocID {
		c.handle.DiscardIn()
		c.session.SocID = []byte{}
		return nil
	}

	lenBytes, err := c.handle.ReadExact(ctx, 4, defaultCommandTimeout)
	if err != nil {
		return err
	}
	n := be32(lenBytes)
	if n == 0 || n > 64 {
		return fmt.Errorf("get_soc_id: length 0x%x out of range (0,64]", n)
	}
	data, err := c.handle.ReadExact(ctx, int(n), defaultCommandTimeout)
	if err != nil {
		return err
	}

	status, err := c.readStatus16LE(ctx, "get_soc_id")
	if err != nil {
		return err
	}
	if status != 0 {
		return statusErr("get_soc_id", status)
	}

	c.session.SocID = data
	return nil
}

func (c *Client) readVersion(ctx context.Context) error {
	if err := c.handle.Write([]byte{cmdGetVersion}); err != nil {
		return err
	}
	b, err := c.handle.ReadExact(ctx, 1, defaultCommandTimeout)
	if err != nil {
		return err
	}
	c.session.BromVer = uint16(b[0])
	return nil
}

func (c *Client) readHWSWVer(ctx context.Context) error {
	if err := c.handle.Write([]byte{cmdGetHWSWVer}); err != nil {
		return err
	}
	b, err := c.handle.ReadExact(ctx, 2, defaultCommandTimeout)
	if err != nil {
		return err
	}
	c.session.HWVer = be16(b)
	return nil
}
