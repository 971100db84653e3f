package brom

import (
	"context"
	"fmt"
	"time"

	"github.com/guiperry/fonecore/pkg/eventlog"
	"github.com/guiperry/fonecore/pkg/flasherr"
)

// Handshake drives the BROM sync sequence: the host
// sends repeated 0xA0 probes until it reads back 0x5F, then completes the
// canonical exchange 0x0A->0xF5, 0x50->0xAF, 0x05->0xFA. It retries the
// whole probe/exchange pair up to handshakeMaxAttempts times, backing off
// per handshakeBackoff, and gives up once the attempts or
// handshakeTotalBudget run out with an error that matches both
// flasherr.ErrHandshakeFailed and *flasherr.TimeoutError.
func (c *Client) Handshake(ctx context.Context) error {
	c.session.State = StateHandshaking{}
	c.handle.DiscardIn()

	deadline := time.Now().Add(handshakeTotalBudget)

	for attempt := 0; attempt < handshakeMaxAttempts; attempt++ {
		if time.Now().After(deadline) {
			break
		}
		select {
		case <-ctx.Done():
			return c.fail(flasherr.ErrCancelled)
		default:
		}

		if err := c.handle.Write([]byte{handshakeProbe}); err != nil {
			return c.fail(err)
		}
		b, err := c.handle.ReadExact(ctx, 1, handshakeByteTimeout)
		if err != nil {
			c.handle.DiscardIn()
			c.sleepBackoff(attempt)
			continue
		}
		if b[0] != handshakeSync {
			c.sleepBackoff(attempt)
			continue
		}

		if err := c.completeExchange(ctx); err != nil {
			c.handle.DiscardIn()
			c.sleepBackoff(attempt)
			continue
		}

		c.handle.DiscardIn()
		c.session.State = StateBrom{}
		c.logf(eventlog.LevelInfo, "handshake succeeded", map[string]any{"attempt": attempt})
		return nil
	}

	err := fmt.Errorf("%w: %w", flasherr.ErrHandshakeFailed, &flasherr.TimeoutError{Op: "handshake"})
	c.logf(eventlog.LevelError, "handshake exhausted retry budget", nil)
	return c.fail(err)
}

// completeExchange runs the three fixed (send, expect) pairs once 0x5F has
// been observed. Any echo mismatch aborts the exchange so Handshake can
// retry from the top.
func (c *Client) completeExchange(ctx context.Context) error {
	for _, pair := range handshakeExchange {
		send, want := pair[0], pair[1]
		if err := c.handle.Write([]byte{send}); err != nil {
			return err
		}
		got, err := c.handle.ReadExact(ctx, 1, handshakeByteTimeout)
		if err != nil {
			return err
		}
		if got[0] != want {
			return &flasherr.EchoMismatchError{Op: "handshake_exchange", Expected: []byte{want}, Got: got}
		}
	}
	return nil
}

func (c *Client) sleepBackoff(attempt int) {
	time.Sleep(handshakeBackoff(attempt))
}
