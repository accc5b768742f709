package app

import (
	"context"

	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

// Disconnect ends the current conversation and returns to Idle. The channel
// and the cached identity stay up for the next Start.
func (c *Client) Disconnect(ctx context.Context) error {
	c.teardown(ctx, false, nil)
	return nil
}

// Close tears the whole client down, identity and channel included. Used on
// process exit.
func (c *Client) Close(ctx context.Context) {
	c.teardown(ctx, true, nil)
}

// teardown releases conversation resources in a fixed order: capture first,
// then the peer link, then the service is told, then local state clears. It is
// idempotent and concurrency-safe; overlapping callers collapse into one run.
// A non-nil cause is reported after the client is back in Idle.
func (c *Client) teardown(ctx context.Context, full bool, cause error) {
	c.mu.Lock()
	if c.tearingDown {
		c.mu.Unlock()
		return
	}
	c.tearingDown = true

	media := c.media
	c.media = nil
	link := c.link
	c.link = nil
	sess := c.session
	waitSID := c.waitSID
	c.stopReconcileLocked()
	c.stopQualityReportsLocked()
	c.mu.Unlock()

	c.setState(domain.StateDisconnecting)

	if media != nil {
		media.Stop()
	}
	if link != nil {
		link.Close()
	}

	// Tell the service. The session may already be gone server-side, so a
	// failure here only logs.
	sid := waitSID
	if sess != nil {
		sid = sess.ID
	}
	if sid != "" {
		_ = c.ch.Emit(core.EvLeaveSession, core.SessionRef{SessionID: string(sid)})
		if user := c.identity.Current(); user != "" {
			if err := c.api.Disconnect(ctx, sid, user); err != nil {
				log.Warn().Str("module", "app").Str("sid", string(sid)).Err(err).Msg("disconnect notify failed")
			}
		}
	}

	c.mu.Lock()
	c.session = nil
	c.waitSID = ""
	c.pairing = nil
	c.messages = nil
	c.mu.Unlock()

	if full {
		c.identity.Invalidate()
		c.ch.UnsubscribeAll()
		c.ch.Disconnect()
	} else {
		c.unsubscribeSessionEvents()
	}

	c.mu.Lock()
	c.tearingDown = false
	c.mu.Unlock()
	c.setState(domain.StateIdle)

	log.Info().Str("module", "app").Str("sid", string(sid)).Bool("full", full).Msg("teardown complete")
	if cause != nil {
		c.notifyError(cause)
	}
}
