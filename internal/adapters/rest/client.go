// Package rest is the request/response face of the pairing service.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/roulette-chat/roulette/internal/core"
	"github.com/roulette-chat/roulette/internal/domain"
)

// Client calls the pairing REST endpoints. Start is retried a bounded number
// of times, only for the "not yet registered" condition: the service learns
// about a visitor from the channel connect, and the REST call can race it.
type Client struct {
	base    string
	http    *http.Client
	retries int
	backoff time.Duration
}

var _ core.PairingAPI = (*Client)(nil)

func New(baseURL string, retries int, backoff time.Duration) *Client {
	return &Client{
		base:    strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 15 * time.Second},
		retries: retries,
		backoff: backoff,
	}
}

type startReply struct {
	SessionID         string          `json:"session_id"`
	Status            string          `json:"status"`
	PartnerID         string          `json:"partner_id"`
	IsInitiator       bool            `json:"is_initiator"`
	PartnerProfile    *domain.Profile `json:"partner_profile"`
	EstimatedWaitTime int             `json:"estimated_wait_time"`
	Error             string          `json:"error"`
}

func (r *startReply) toResult() (*core.PairingResult, error) {
	if r.Status != "waiting" && r.Status != "matched" {
		return nil, &core.APIError{Status: http.StatusOK, Reason: "malformed status " + r.Status}
	}
	if r.SessionID == "" {
		return nil, &core.APIError{Status: http.StatusOK, Reason: "missing session_id"}
	}
	return &core.PairingResult{
		SessionID:         domain.SessionID(r.SessionID),
		Status:            r.Status,
		PartnerID:         domain.Identity(r.PartnerID),
		IsInitiator:       r.IsInitiator,
		PartnerProfile:    r.PartnerProfile,
		EstimatedWaitTime: r.EstimatedWaitTime,
	}, nil
}

func (c *Client) Start(ctx context.Context, user domain.Identity, mode domain.ChatMode) (*core.PairingResult, error) {
	path := "/start"
	if mode == domain.ModeVideo {
		path = "/start_video"
	}
	body := map[string]string{"user_id": string(user)}

	for attempt := 0; ; attempt++ {
		var reply startReply
		err := c.post(ctx, path, body, &reply)
		if err == nil {
			return reply.toResult()
		}

		apiErr, ok := err.(*core.APIError)
		if !ok || !apiErr.NotRegistered() || attempt >= c.retries {
			return nil, err
		}
		log.Debug().Str("module", "rest").Int("attempt", attempt+1).Msg("not registered yet, retrying start")
		select {
		case <-time.After(c.backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

func (c *Client) SendMessage(ctx context.Context, sid domain.SessionID, user domain.Identity, text string) error {
	body := map[string]string{"session_id": string(sid), "user_id": string(user), "text": text}
	return c.post(ctx, "/send_message", body, nil)
}

func (c *Client) Disconnect(ctx context.Context, sid domain.SessionID, user domain.Identity) error {
	body := map[string]string{"session_id": string(sid), "user_id": string(user)}
	return c.post(ctx, "/disconnect", body, nil)
}

// Lookup asks the service for the caller's current session, if any. It is the
// reconciliation read used while Waiting; absence is not an error to act on.
func (c *Client) Lookup(ctx context.Context, user domain.Identity) (*core.PairingResult, error) {
	u := fmt.Sprintf("%s/session?user_id=%s", c.base, url.QueryEscape(string(user)))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	var reply startReply
	if err := c.do(req, &reply); err != nil {
		return nil, err
	}
	return reply.toResult()
}

func (c *Client) Block(ctx context.Context, user, blocked domain.Identity) error {
	body := map[string]string{"user_id": string(user), "blocked_user_id": string(blocked)}
	return c.post(ctx, "/block", body, nil)
}

func (c *Client) Report(ctx context.Context, reporter, reported domain.Identity, reason string) error {
	body := map[string]string{
		"reporter_id":      string(reporter),
		"reported_user_id": string(reported),
		"reason":           reason,
	}
	return c.post(ctx, "/report", body, nil)
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	buf, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+path, bytes.NewReader(buf))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.http.Do(req)
	if err != nil {
		return &core.APIError{Status: 0, Reason: err.Error()}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return &core.APIError{Status: resp.StatusCode, Reason: err.Error()}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var body struct {
			Error string `json:"error"`
		}
		reason := http.StatusText(resp.StatusCode)
		if json.Unmarshal(data, &body) == nil && body.Error != "" {
			reason = body.Error
		}
		return &core.APIError{Status: resp.StatusCode, Reason: reason}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return &core.APIError{Status: resp.StatusCode, Reason: "malformed body: " + err.Error()}
	}
	return nil
}
