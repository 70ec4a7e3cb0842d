package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Client talks to the match/karma/room REST endpoints. Every call is
// best-effort and eventually consistent; callers log failures and move
// on, since the peer-to-peer signal path stays authoritative.
type Client struct {
	baseURL string
	token   string
	userID  string
	http    *http.Client
}

func NewClient(baseURL, token, userID string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		userID:  userID,
		http:    &http.Client{Timeout: 5 * time.Second},
	}
}

type intentRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	Match  string `json:"match"`
}

type confirmResponse struct {
	Matched bool `json:"matched"`
}

type karmaRequest struct {
	UserID string `json:"user_id"`
	RoomID string `json:"room_id"`
	Karma  int    `json:"karma"`
}

type createRoomRequest struct {
	Topic     string `json:"topic"`
	Duration  int    `json:"duration"`
	MaxClient int    `json:"max_client"`
}

type createRoomResponse struct {
	RoomID string `json:"room_id"`
}

// Room is a relay room listing entry.
type Room struct {
	RoomID    string `json:"room_id"`
	Topic     string `json:"topic"`
	MaxClient int    `json:"max_client"`
}

// RecordIntent records "this side wants to reveal" for the pair.
func (c *Client) RecordIntent(ctx context.Context, roomID string) error {
	return c.post(ctx, "/api/match/intent", intentRequest{UserID: c.userID, RoomID: roomID, Match: "yes"}, nil)
}

// Confirmed polls the authoritative match flag for the pair.
func (c *Client) Confirmed(ctx context.Context, roomID string) (bool, error) {
	var out confirmResponse
	path := fmt.Sprintf("/api/match/confirm?user_id=%s&room_id=%s", c.userID, roomID)
	if err := c.get(ctx, path, &out); err != nil {
		return false, err
	}
	return out.Matched, nil
}

// SubmitKarma posts the numeric vibe rating for a room.
func (c *Client) SubmitKarma(ctx context.Context, roomID string, karma int) error {
	return c.post(ctx, "/api/karma", karmaRequest{UserID: c.userID, RoomID: roomID, Karma: karma}, nil)
}

// CreateRoom allocates a dedicated room; the producer side calls this
// during handshake promotion.
func (c *Client) CreateRoom(ctx context.Context, topic string, duration time.Duration, maxClients int) (string, error) {
	var out createRoomResponse
	req := createRoomRequest{Topic: topic, Duration: int(duration.Seconds()), MaxClient: maxClients}
	if err := c.post(ctx, "/api/rooms", req, &out); err != nil {
		return "", err
	}
	return out.RoomID, nil
}

// ListRooms returns the currently open rooms.
func (c *Client) ListRooms(ctx context.Context) ([]Room, error) {
	var out []Room
	if err := c.get(ctx, "/api/rooms", &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Client) post(ctx context.Context, path string, body, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) do(req *http.Request, out any) error {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("%s %s: status %d", req.Method, req.URL.Path, resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
