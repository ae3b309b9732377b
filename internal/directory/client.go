package directory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"waveos/go-presence/internal/model"
)

// UserHeader carries the caller identity on every directory request.
const UserHeader = "X-Waveos-User"

// ClientOptions configures a Client.
type ClientOptions struct {
	BaseURL string
	UserID  string
	Timeout time.Duration
	// HTTPClient overrides the default client; Timeout is ignored when set.
	HTTPClient *http.Client
	// Live delivers chat messages pushed by the directory. Without it
	// SubscribeMessages fails with ErrUnavailable.
	Live *LiveFeed
}

// Client talks to the directory's JSON HTTP API.
type Client struct {
	baseURL string
	userID  string
	http    *http.Client
	live    *LiveFeed
}

var _ Directory = (*Client)(nil)

// NewClient validates opts and returns a client acting as opts.UserID.
func NewClient(opts ClientOptions) (*Client, error) {
	if strings.TrimSpace(opts.UserID) == "" {
		return nil, fmt.Errorf("directory client: user id required")
	}
	u, err := url.Parse(opts.BaseURL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("directory client: invalid base url %q", opts.BaseURL)
	}

	hc := opts.HTTPClient
	if hc == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		hc = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(opts.BaseURL, "/"),
		userID:  opts.UserID,
		http:    hc,
		live:    opts.Live,
	}, nil
}

// UserID returns the identity the client acts as.
func (c *Client) UserID() string { return c.userID }

func (c *Client) RegisterBeacon(ctx context.Context) (model.BeaconRegistration, error) {
	var out model.BeaconRegistration
	err := c.do(ctx, "register beacon", http.MethodPost, "/v1/beacons", struct{}{}, &out)
	return out, err
}

func (c *Client) ResolveBeacon(ctx context.Context, beaconID string) (model.Resolution, error) {
	var out model.Resolution
	in := struct {
		BeaconID string `json:"beacon_id"`
	}{beaconID}
	err := c.do(ctx, "resolve beacon", http.MethodPost, "/v1/beacons/resolve", in, &out)
	return out, err
}

func (c *Client) CreateWave(ctx context.Context, receiverID string) (model.WaveResult, error) {
	var out model.WaveResult
	in := struct {
		ReceiverID string `json:"receiver_id"`
	}{receiverID}
	err := c.do(ctx, "create wave", http.MethodPost, "/v1/waves", in, &out)
	return out, err
}

// DeclineWave rejects a pending wave addressed to the caller.
func (c *Client) DeclineWave(ctx context.Context, waveID string) (model.Wave, error) {
	var out model.Wave
	err := c.do(ctx, "decline wave", http.MethodPost, "/v1/waves/"+url.PathEscape(waveID)+"/decline", struct{}{}, &out)
	return out, err
}

func (c *Client) GetProfile(ctx context.Context, userID string) (model.Profile, error) {
	var out model.Profile
	err := c.do(ctx, "get profile", http.MethodGet, "/v1/profiles/"+url.PathEscape(userID), nil, &out)
	return out, err
}

// UpsertProfile creates or updates the caller's own profile.
func (c *Client) UpsertProfile(ctx context.Context, username, displayName string) (model.Profile, error) {
	var out model.Profile
	in := struct {
		Username    string `json:"username"`
		DisplayName string `json:"display_name,omitempty"`
	}{username, displayName}
	err := c.do(ctx, "upsert profile", http.MethodPost, "/v1/profiles", in, &out)
	return out, err
}

// Block prevents userID and the caller from resolving or waving at each other.
func (c *Client) Block(ctx context.Context, userID string) error {
	in := struct {
		UserID string `json:"user_id"`
	}{userID}
	return c.do(ctx, "block", http.MethodPost, "/v1/blocks", in, nil)
}

func (c *Client) GetGhostZones(ctx context.Context) ([]model.GhostZone, error) {
	var out struct {
		Zones []model.GhostZone `json:"zones"`
	}
	err := c.do(ctx, "get ghost zones", http.MethodGet, "/v1/ghost-zones", nil, &out)
	return out.Zones, err
}

func (c *Client) CreateGhostZone(ctx context.Context, req model.GhostZoneRequest) (model.GhostZone, error) {
	var out model.GhostZone
	err := c.do(ctx, "create ghost zone", http.MethodPost, "/v1/ghost-zones", req, &out)
	return out, err
}

func (c *Client) GetActiveChats(ctx context.Context) ([]model.ChatSession, error) {
	var out struct {
		Chats []model.ChatSession `json:"chats"`
	}
	err := c.do(ctx, "get active chats", http.MethodGet, "/v1/chats", nil, &out)
	return out.Chats, err
}

func (c *Client) GetChatMessages(ctx context.Context, chatID string) ([]model.ChatMessage, error) {
	var out struct {
		Messages []model.ChatMessage `json:"messages"`
	}
	err := c.do(ctx, "get chat messages", http.MethodGet, "/v1/chats/"+url.PathEscape(chatID)+"/messages", nil, &out)
	return out.Messages, err
}

func (c *Client) SendChatMessage(ctx context.Context, chatID, content string) (model.ChatMessage, error) {
	var out model.ChatMessage
	in := struct {
		Content string `json:"content"`
	}{content}
	err := c.do(ctx, "send chat message", http.MethodPost, "/v1/chats/"+url.PathEscape(chatID)+"/messages", in, &out)
	return out, err
}

func (c *Client) SubscribeMessages(ctx context.Context, chatID string) (Subscription, error) {
	if c.live == nil {
		return nil, &ServiceError{Op: "subscribe messages", Err: ErrUnavailable, Message: "no live feed configured"}
	}
	return c.live.Subscribe(ctx, chatID)
}

// Cleanup asks the directory to expire stale presence, beacons, chats and waves.
func (c *Client) Cleanup(ctx context.Context) (model.CleanupReport, error) {
	var out model.CleanupReport
	err := c.do(ctx, "cleanup", http.MethodPost, "/v1/admin/cleanup", struct{}{}, &out)
	return out, err
}

func (c *Client) do(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("directory %s: encode request: %w", op, err)
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("directory %s: build request: %w", op, err)
	}
	req.Header.Set(UserHeader, c.userID)
	req.Header.Set("Accept", "application/json")
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return &ServiceError{Op: op, Err: ErrUnavailable, Cause: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var payload struct {
			Error string `json:"error"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		if json.Unmarshal(raw, &payload) != nil || payload.Error == "" {
			payload.Error = strings.TrimSpace(string(raw))
		}
		return &ServiceError{Op: op, Status: resp.StatusCode, Message: payload.Error, Err: sentinelFor(resp.StatusCode)}
	}

	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil && !errors.Is(err, io.EOF) {
		return &ServiceError{Op: op, Status: resp.StatusCode, Err: ErrUnavailable, Cause: fmt.Errorf("decode response: %w", err)}
	}
	return nil
}
