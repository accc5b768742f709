package app

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

const identityHandlerID = "identity.acquire"

// IdentityManager obtains and caches the per-connection identity exactly once
// per connection lifetime. The cache is keyed to the channel generation, so a
// reconnect invalidates it implicitly.
type IdentityManager struct {
	ch      core.EventChannel
	timeout time.Duration

	mu      sync.Mutex
	cached  domain.Identity
	gen     uint64
	pending bool
}

func NewIdentityManager(ch core.EventChannel, timeout time.Duration) *IdentityManager {
	return &IdentityManager{ch: ch, timeout: timeout}
}

// Current returns the cached identity, or "" when none is valid for the
// present connection.
func (m *IdentityManager) Current() domain.Identity {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cached != "" && m.gen == m.ch.Generation() && m.ch.Connected() {
		return m.cached
	}
	return ""
}

// Invalidate drops the cache; the next Acquire performs a fresh handshake.
func (m *IdentityManager) Invalidate() {
	m.mu.Lock()
	m.cached = ""
	m.mu.Unlock()
}

// Acquire returns the identity for the current connection. The announcement
// subscription is installed before the connect so an eager announce cannot be
// missed; if nothing arrives by half the bound, one identity-request retry is
// emitted. A second concurrent acquisition is refused, never duplicated.
func (m *IdentityManager) Acquire(ctx context.Context) (domain.Identity, error) {
	m.mu.Lock()
	if m.cached != "" && m.gen == m.ch.Generation() && m.ch.Connected() {
		id := m.cached
		m.mu.Unlock()
		return id, nil
	}
	if m.pending {
		m.mu.Unlock()
		return "", core.ErrHandshakeInFlight
	}
	m.pending = true
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		m.pending = false
		m.mu.Unlock()
	}()

	// Buffered one-slot channel with a non-blocking send: later duplicate
	// announcements for this acquisition are ignored.
	announce := make(chan domain.Identity, 1)
	m.ch.Subscribe(core.EvIdentityAnnounce, identityHandlerID, func(data json.RawMessage) {
		var p core.IdentityAnnounce
		if err := json.Unmarshal(data, &p); err != nil || p.UserID == "" {
			return
		}
		select {
		case announce <- domain.Identity(p.UserID):
		default:
		}
	})
	defer m.ch.Unsubscribe(core.EvIdentityAnnounce, identityHandlerID)

	if err := m.ch.Connect(ctx); err != nil {
		return "", err
	}

	retry := time.NewTimer(m.timeout / 2)
	defer retry.Stop()
	deadline := time.NewTimer(m.timeout)
	defer deadline.Stop()

	requested := false
	for {
		select {
		case id := <-announce:
			m.mu.Lock()
			m.cached = id
			m.gen = m.ch.Generation()
			m.mu.Unlock()
			log.Info().Str("module", "app.identity").Str("user", string(id)).Msg("identity acquired")
			return id, nil

		case <-retry.C:
			if !requested {
				requested = true
				log.Debug().Str("module", "app.identity").Msg("no announcement yet, requesting identity")
				_ = m.ch.Emit(core.EvIdentityRequest, struct{}{})
			}

		case <-deadline.C:
			return "", fmt.Errorf("identity handshake: %w", core.ErrTimeout)

		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}
