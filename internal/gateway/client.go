package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Client talks to a running daemon's gateway. It serves the status
// subcommand and the TUI.
type Client struct {
	baseURL string
	token   string
	hc      *http.Client
}

// NewClient builds a client for the gateway at addr (host:port or a full
// http URL).
func NewClient(addr, token string) *Client {
	base := addr
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{
		baseURL: strings.TrimRight(base, "/"),
		token:   token,
		hc:      &http.Client{Timeout: 10 * time.Second},
	}
}

// Health fetches /healthz. It works without a token.
func (c *Client) Health(ctx context.Context) (Health, error) {
	var h Health
	if err := c.getJSON(ctx, "/healthz", &h); err != nil {
		return Health{}, err
	}
	return h, nil
}

// Status fetches /api/status.
func (c *Client) Status(ctx context.Context) (StatusSnapshot, error) {
	var snap StatusSnapshot
	if err := c.getJSON(ctx, "/api/status", &snap); err != nil {
		return StatusSnapshot{}, err
	}
	return snap, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("gateway unreachable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusUnauthorized {
		return fmt.Errorf("gateway rejected the auth token")
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return fmt.Errorf("gateway returned %s", resp.Status)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode gateway response: %w", err)
	}
	return nil
}

// Stream opens the /ws feed and delivers events until ctx is cancelled or
// the connection drops, after which the channel closes. The returned stop
// function closes the connection early.
func (c *Client) Stream(ctx context.Context) (<-chan StreamEvent, func(), error) {
	wsURL := "ws" + strings.TrimPrefix(c.baseURL, "http") + "/ws"
	opts := &websocket.DialOptions{}
	if c.token != "" {
		opts.HTTPHeader = http.Header{
			"Authorization": []string{"Bearer " + c.token},
		}
	}
	conn, _, err := websocket.Dial(ctx, wsURL, opts)
	if err != nil {
		return nil, nil, fmt.Errorf("dial gateway stream: %w", err)
	}

	events := make(chan StreamEvent, 16)
	streamCtx, cancel := context.WithCancel(ctx)
	go func() {
		defer close(events)
		defer conn.Close(websocket.StatusNormalClosure, "done")
		for {
			var ev StreamEvent
			if err := wsjson.Read(streamCtx, conn, &ev); err != nil {
				return
			}
			select {
			case events <- ev:
			case <-streamCtx.Done():
				return
			}
		}
	}()
	return events, cancel, nil
}
