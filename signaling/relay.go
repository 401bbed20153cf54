package signaling

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/opd-ai/peerlink/crypto"
)

// RelayError is a failure reported by the relay itself (success=false).
type RelayError struct {
	Action  string
	Message string
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("relay %s failed: %s", e.Action, e.Message)
}

// apiResponse is the relay's uniform response envelope.
type apiResponse struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data,omitempty"`
	Error   string          `json:"error,omitempty"`
}

// RelayClient speaks the relay's JSON-over-HTTP wire contract, one action
// per method. The relay only ever sees opaque envelopes and public keys.
type RelayClient struct {
	mu      sync.RWMutex
	baseURL string

	// The client itself carries no Timeout: a long poll legitimately stays
	// open far past the per-action request timeout, so every request is
	// bounded by its own context instead.
	http           *http.Client
	requestTimeout time.Duration
	pollTimeout    time.Duration
}

// NewRelayClient creates a client for the given relay base URL.
func NewRelayClient(baseURL string, requestTimeout, pollTimeout time.Duration) (*RelayClient, error) {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid relay URL: %w", err)
	}
	if requestTimeout <= 0 {
		requestTimeout = 15 * time.Second
	}
	if pollTimeout <= 0 {
		pollTimeout = 65 * time.Second
	}
	return &RelayClient{
		baseURL:        baseURL,
		http:           &http.Client{},
		requestTimeout: requestTimeout,
		pollTimeout:    pollTimeout,
	}, nil
}

// BaseURL returns the relay URL currently in use.
func (c *RelayClient) BaseURL() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.baseURL
}

// SetBaseURL switches the client to a different relay. In-flight requests
// finish against the old relay.
func (c *RelayClient) SetBaseURL(baseURL string) error {
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return fmt.Errorf("invalid relay URL: %w", err)
	}
	c.mu.Lock()
	c.baseURL = baseURL
	c.mu.Unlock()

	logrus.WithFields(logrus.Fields{
		"function": "SetBaseURL",
		"relay":    baseURL,
	}).Info("Relay server changed")
	return nil
}

// Register announces the local user ID and exchange public key to the relay.
func (c *RelayClient) Register(ctx context.Context, userID string, publicKey crypto.PublicKeyJWK) error {
	_, err := c.post(ctx, "register", map[string]interface{}{
		"userId":    userID,
		"publicKey": publicKey,
	})
	return err
}

// Heartbeat signals liveness for the registered user.
func (c *RelayClient) Heartbeat(ctx context.Context, userID string) error {
	_, err := c.post(ctx, "heartbeat", map[string]interface{}{
		"userId": userID,
	})
	return err
}

// Poll issues one long-lived retrieval request and returns any delivered
// events in arrival order. A context cancellation is returned as-is so the
// caller can distinguish clean shutdown from transport failure; a poll window
// that elapses with nothing to deliver is an empty poll, not a failure.
func (c *RelayClient) Poll(ctx context.Context, userID string) ([]Event, error) {
	pollCtx, cancel := context.WithTimeout(ctx, c.pollTimeout)
	defer cancel()

	endpoint, err := c.endpoint("poll")
	if err != nil {
		return nil, err
	}
	endpoint += "?userId=" + url.QueryEscape(userID)

	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build poll request: %w", err)
	}
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		// Surface the caller's cancellation untouched; the session treats
		// it as a clean stop, not a transport failure.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		// The window elapsed on a quiet relay. Nothing was delivered, but
		// nothing failed either.
		if errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, fmt.Errorf("poll request failed: %w", err)
	}
	defer resp.Body.Close()

	data, err := c.decode("poll", resp)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if errors.Is(pollCtx.Err(), context.DeadlineExceeded) {
			return nil, nil
		}
		return nil, err
	}

	var events []Event
	if len(data) > 0 {
		if err := json.Unmarshal(data, &events); err != nil {
			return nil, fmt.Errorf("malformed poll response: %w", err)
		}
	}
	return events, nil
}

// InviteRequest carries an invitation or invitation response.
type InviteRequest struct {
	From      string              `json:"from"`
	FromName  string              `json:"fromName"`
	To        string              `json:"to"`
	PublicKey crypto.PublicKeyJWK `json:"publicKey"`
	Avatar    string              `json:"avatar,omitempty"`
	Bio       string              `json:"bio,omitempty"`
}

// SendInvite proposes a contact relationship.
func (c *RelayClient) SendInvite(ctx context.Context, req InviteRequest) error {
	_, err := c.post(ctx, "invite", req)
	return err
}

// AcceptInvite answers an invitation positively.
func (c *RelayClient) AcceptInvite(ctx context.Context, req InviteRequest) error {
	_, err := c.post(ctx, "accept_invite", req)
	return err
}

// RejectInvite answers an invitation negatively.
func (c *RelayClient) RejectInvite(ctx context.Context, from, fromName, to string) error {
	_, err := c.post(ctx, "reject_invite", map[string]interface{}{
		"from":     from,
		"fromName": fromName,
		"to":       to,
	})
	return err
}

// SendMessage routes an opaque encrypted envelope to a peer.
func (c *RelayClient) SendMessage(ctx context.Context, from, to, messageID string, envelope *crypto.Envelope) error {
	_, err := c.post(ctx, "send_message", map[string]interface{}{
		"from":      from,
		"to":        to,
		"messageId": messageID,
		"envelope":  envelope,
	})
	return err
}

// SendProfile shares profile fields with one peer.
func (c *RelayClient) SendProfile(ctx context.Context, from, to, name, avatar, bio string) error {
	_, err := c.post(ctx, "send_profile", map[string]interface{}{
		"from":   from,
		"to":     to,
		"name":   name,
		"avatar": avatar,
		"bio":    bio,
	})
	return err
}

// UpdateCachedProfile refreshes the profile the relay caches for the local
// user and attaches to invitations it delivers on the user's behalf.
func (c *RelayClient) UpdateCachedProfile(ctx context.Context, userID, name, avatar, bio string) error {
	_, err := c.post(ctx, "update_profile", map[string]interface{}{
		"userId": userID,
		"name":   name,
		"avatar": avatar,
		"bio":    bio,
	})
	return err
}

// NotifyContactDeleted tells a peer the relationship was removed.
func (c *RelayClient) NotifyContactDeleted(ctx context.Context, from, to string) error {
	_, err := c.post(ctx, "contact_deleted", map[string]interface{}{
		"from": from,
		"to":   to,
	})
	return err
}

// BlockContact tells a peer it has been blocked.
func (c *RelayClient) BlockContact(ctx context.Context, from, to string) error {
	_, err := c.post(ctx, "contact_blocked", map[string]interface{}{
		"from": from,
		"to":   to,
	})
	return err
}

func (c *RelayClient) endpoint(action string) (string, error) {
	c.mu.RLock()
	base := c.baseURL
	c.mu.RUnlock()
	return url.JoinPath(base, action)
}

func (c *RelayClient) post(ctx context.Context, action string, body interface{}) (json.RawMessage, error) {
	endpoint, err := c.endpoint(action)
	if err != nil {
		return nil, err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s request: %w", action, err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.requestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Request-Id", uuid.NewString())

	resp, err := c.http.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%s request failed: %w", action, err)
	}
	defer resp.Body.Close()

	return c.decode(action, resp)
}

func (c *RelayClient) decode(action string, resp *http.Response) (json.RawMessage, error) {
	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, fmt.Errorf("failed to read %s response: %w", action, err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%s returned HTTP %d", action, resp.StatusCode)
	}

	var envelope apiResponse
	if err := json.Unmarshal(body, &envelope); err != nil {
		return nil, fmt.Errorf("malformed %s response: %w", action, err)
	}
	if !envelope.Success {
		message := envelope.Error
		if message == "" {
			message = "unspecified error"
		}
		return nil, &RelayError{Action: action, Message: message}
	}
	return envelope.Data, nil
}

// IsClean reports whether a poll error is a clean cancellation (the session
// is stopping) rather than a transport failure.
func IsClean(err error) bool {
	return errors.Is(err, context.Canceled)
}
