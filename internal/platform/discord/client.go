// Package discord implements platform.Client against the Discord REST API.
//
// Only the handful of endpoints the orchestrator needs are covered: guild
// channel create/list, channel delete, and message posting. Gateway/websocket
// features are out of scope; the orchestrator is purely poll-driven.
package discord

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"pairbot/internal/platform"
	logx "pairbot/pkg/logx"
)

const defaultBaseURL = "https://discord.com/api/v10"

const (
	channelTypeText  = 0
	channelTypeVoice = 2

	// Permission bits we care about: VIEW_CHANNEL | CONNECT | SEND_MESSAGES.
	permView    = 1 << 10
	permSend    = 1 << 11
	permConnect = 1 << 20
)

type Config struct {
	Token   string
	GuildID string
	BaseURL string // override for tests
	Timeout time.Duration
}

type Client struct {
	cfg  Config
	http *http.Client
	log  logx.Logger
}

func New(cfg Config, log logx.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Token) == "" {
		return nil, fmt.Errorf("discord: token is required")
	}
	if strings.TrimSpace(cfg.GuildID) == "" {
		return nil, fmt.Errorf("discord: guild id is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: timeout},
		log:  log,
	}, nil
}

type permissionOverwrite struct {
	ID    string `json:"id"`
	Type  int    `json:"type"` // 0 role, 1 member
	Allow string `json:"allow,omitempty"`
	Deny  string `json:"deny,omitempty"`
}

type channelPayload struct {
	Name       string                `json:"name"`
	Type       int                   `json:"type"`
	ParentID   string                `json:"parent_id,omitempty"`
	UserLimit  int                   `json:"user_limit,omitempty"`
	Overwrites []permissionOverwrite `json:"permission_overwrites,omitempty"`
}

type channelResponse struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	Type     int    `json:"type"`
	ParentID string `json:"parent_id"`
}

func (c *Client) CreateTextChannel(ctx context.Context, name string, allow []string, parent string) (platform.Channel, error) {
	return c.createChannel(ctx, channelPayload{
		Name:       name,
		Type:       channelTypeText,
		ParentID:   parent,
		Overwrites: c.overwrites(allow),
	})
}

func (c *Client) CreateVoiceChannel(ctx context.Context, name string, allow []string, parent string, capacity int) (platform.Channel, error) {
	return c.createChannel(ctx, channelPayload{
		Name:       name,
		Type:       channelTypeVoice,
		ParentID:   parent,
		UserLimit:  capacity,
		Overwrites: c.overwrites(allow),
	})
}

// overwrites hides the channel from @everyone and grants the participants.
// The guild id doubles as the @everyone role id.
func (c *Client) overwrites(allow []string) []permissionOverwrite {
	out := make([]permissionOverwrite, 0, 1+len(allow))
	out = append(out, permissionOverwrite{
		ID:   c.cfg.GuildID,
		Type: 0,
		Deny: strconv.Itoa(permView),
	})
	grant := strconv.Itoa(permView | permSend | permConnect)
	for _, id := range allow {
		if id == "" {
			continue
		}
		out = append(out, permissionOverwrite{ID: id, Type: 1, Allow: grant})
	}
	return out
}

func (c *Client) createChannel(ctx context.Context, p channelPayload) (platform.Channel, error) {
	var resp channelResponse
	path := fmt.Sprintf("/guilds/%s/channels", c.cfg.GuildID)
	if err := c.do(ctx, http.MethodPost, path, p, &resp); err != nil {
		return platform.Channel{}, err
	}
	return toChannel(resp), nil
}

func (c *Client) DeleteChannel(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/channels/"+id, nil, nil)
}

func (c *Client) PostMessage(ctx context.Context, channelID string, msg platform.Message) (string, error) {
	type embedField struct {
		Name  string `json:"name"`
		Value string `json:"value"`
	}
	type embed struct {
		Title       string       `json:"title,omitempty"`
		Description string       `json:"description,omitempty"`
		Fields      []embedField `json:"fields,omitempty"`
	}
	payload := struct {
		Embeds []embed `json:"embeds"`
	}{}
	e := embed{Title: msg.Title, Description: msg.Body}
	for _, f := range msg.Fields {
		e.Fields = append(e.Fields, embedField{Name: f.Name, Value: f.Value})
	}
	payload.Embeds = append(payload.Embeds, e)

	var resp struct {
		ID string `json:"id"`
	}
	if err := c.do(ctx, http.MethodPost, "/channels/"+channelID+"/messages", payload, &resp); err != nil {
		return "", err
	}
	return resp.ID, nil
}

func (c *Client) FindChannelByName(ctx context.Context, parent, name string) (platform.Channel, bool, error) {
	var chans []channelResponse
	path := fmt.Sprintf("/guilds/%s/channels", c.cfg.GuildID)
	if err := c.do(ctx, http.MethodGet, path, nil, &chans); err != nil {
		return platform.Channel{}, false, err
	}
	for _, ch := range chans {
		if ch.Name != name {
			continue
		}
		if parent != "" && ch.ParentID != parent {
			continue
		}
		return toChannel(ch), true, nil
	}
	return platform.Channel{}, false, nil
}

func toChannel(r channelResponse) platform.Channel {
	kind := platform.KindText
	if r.Type == channelTypeVoice {
		kind = platform.KindVoice
	}
	return platform.Channel{ID: r.ID, Name: r.Name, Kind: kind, ParentID: r.ParentID}
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("discord: marshal %s %s: %w", method, path, err)
		}
		body = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bot "+c.cfg.Token)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("discord: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return &platform.RateLimitError{RetryAfter: retryAfter(resp)}
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("discord: %s %s: %w", method, path, platform.ErrNotFound)
	case resp.StatusCode >= 400:
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		return fmt.Errorf("discord: %s %s: status %d: %s", method, path, resp.StatusCode, strings.TrimSpace(string(b)))
	}

	if out == nil {
		// Drain so the connection can be reused.
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("discord: decode %s %s: %w", method, path, err)
	}
	return nil
}

// retryAfter prefers the JSON body's retry_after (fractional seconds) and
// falls back to the Retry-After header.
func retryAfter(resp *http.Response) time.Duration {
	var body struct {
		RetryAfter float64 `json:"retry_after"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err == nil && body.RetryAfter > 0 {
		return time.Duration(body.RetryAfter * float64(time.Second))
	}
	if h := resp.Header.Get("Retry-After"); h != "" {
		if secs, err := strconv.ParseFloat(h, 64); err == nil && secs > 0 {
			return time.Duration(secs * float64(time.Second))
		}
	}
	return time.Second
}
