// Package sfu is the thin surface onto the external media server: join
// token issuance and room-existence probes. The media pipeline itself
// lives entirely in the SFU; no bytes pass through this process.
package sfu

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const probeTimeout = 5 * time.Second

// Client issues room tokens and checks room existence against one SFU
// deployment.
type Client struct {
	baseURL   string
	apiKey    string
	apiSecret []byte
	tokenTTL  time.Duration
	http      *http.Client
}

// Config describes the SFU deployment this process fronts.
type Config struct {
	BaseURL   string
	APIKey    string
	APISecret string
	TokenTTL  time.Duration
}

// New creates an SFU client.
func New(cfg Config) (*Client, error) {
	base := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if base == "" {
		return nil, fmt.Errorf("sfu base url is required")
	}
	if strings.TrimSpace(cfg.APIKey) == "" || strings.TrimSpace(cfg.APISecret) == "" {
		return nil, fmt.Errorf("sfu api key and secret are required")
	}
	ttl := cfg.TokenTTL
	if ttl <= 0 {
		ttl = 6 * time.Hour
	}
	return &Client{
		baseURL:   base,
		apiKey:    cfg.APIKey,
		apiSecret: []byte(cfg.APISecret),
		tokenTTL:  ttl,
		http:      &http.Client{Timeout: probeTimeout},
	}, nil
}

// URL returns the websocket URL clients use to reach the SFU directly.
func (c *Client) URL() string {
	return c.baseURL
}

type videoGrant struct {
	Room     string `json:"room"`
	RoomJoin bool   `json:"roomJoin"`
}

type roomClaims struct {
	Name  string     `json:"name,omitempty"`
	Video videoGrant `json:"video"`
	jwt.RegisteredClaims
}

// RoomToken signs a join token for one identity in one room. The room
// name is the server id; the SFU creates the room on first join.
func (c *Client) RoomToken(userID, username, room string) (string, error) {
	if strings.TrimSpace(userID) == "" || strings.TrimSpace(room) == "" {
		return "", fmt.Errorf("user id and room are required")
	}

	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, roomClaims{
		Name:  username,
		Video: videoGrant{Room: room, RoomJoin: true},
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    c.apiKey,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(c.tokenTTL)),
		},
	})
	signed, err := token.SignedString(c.apiSecret)
	if err != nil {
		return "", fmt.Errorf("sign room token: %w", err)
	}
	return signed, nil
}

// RoomExists probes the SFU for an active room. 200 means the room has
// live participants, 404 means it does not exist yet; anything else is
// an error.
func (c *Client) RoomExists(ctx context.Context, room string) (bool, error) {
	room = strings.TrimSpace(room)
	if room == "" {
		return false, fmt.Errorf("room is required")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/rooms/"+url.PathEscape(room), nil)
	if err != nil {
		return false, fmt.Errorf("build room probe: %w", err)
	}
	adminToken, err := c.RoomToken("admin", "", room)
	if err != nil {
		return false, err
	}
	req.Header.Set("Authorization", "Bearer "+adminToken)

	resp, err := c.http.Do(req)
	if err != nil {
		return false, fmt.Errorf("probe room %q: %w", room, err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		return true, nil
	case http.StatusNotFound:
		return false, nil
	default:
		return false, fmt.Errorf("probe room %q: unexpected status %d", room, resp.StatusCode)
	}
}
