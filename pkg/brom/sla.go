package brom

import (
	"context"
	"fmt"

	"github.com/guiperry/fonecore/pkg/flasherr"
)

// slaChallengeLen is the fixed challenge size documents for the
// SLA sub-protocol: "a challenge (obtained with command byte 0xB4
// followed by 16 bytes read)" — unlike ME_ID/SOC_ID, the challenge is not
// length-prefixed.
const slaChallengeLen = 16

// SatisfySLA runs the challenge/response sub-protocol describes
// for devices whose GET_TARGET_CONFIG reply set the SLA bit, or whose
// SEND_DA attempt came back with the 0x1D0D status: the device sends a
// challenge, the Client's configured collab.SlaAuthenticator signs it with
// vendor RSA key material this package never holds, and the signature is
// written back. Call WithSlaAuthenticator to configure one; without it
// this returns flasherr.ErrSlaRequired.
func (c *Client) SatisfySLA(ctx context.Context) error {
	if !c.session.TargetConfig.SLA {
		return nil
	}
	return c.handle.WithLock(func() error {
		return c.satisfySLALocked(ctx)
	})
}

// satisfySLALocked is the body of SatisfySLA, callable from sites (like
// SendDA's 0x1D0D branch) that already hold the handle's mutex.
func (c *Client) satisfySLALocked(ctx context.Context) error {
	if c.slaAuth == nil {
		return fmt.Errorf("brom: no SlaAuthenticator supplied: %w", flasherr.ErrSlaRequired)
	}

	if err := c.echoByte(ctx, "sla_get_challenge", cmdSlaGetChallenge); err != nil {
		return c.fail(err)
	}
	challenge, err := c.handle.ReadExact(ctx, slaChallengeLen, defaultCommandTimeout)
	if err != nil {
		return c.fail(err)
	}

	sig, err := c.slaAuth.Sign(ctx, challenge)
	if err != nil {
		return c.fail(fmt.Errorf("brom: sla sign: %w", err))
	}

	if err := c.echoByte(ctx, "sla_send_sig", cmdSlaSendSig); err != nil {
		return c.fail(err)
	}
	if err := c.writeParam(ctx, "sla_sig", sig); err != nil {
		return c.fail(err)
	}

	status, err := c.readStatus16BE(ctx, "sla_status")
	if err != nil {
		return c.fail(err)
	}
	if status != sendDaStatusOK {
		return c.fail(statusErr("sla", status))
	}
	return nil
}
