package browserd

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

// ErrCodeInvalid is returned when the driver rejects a one-time code.
var ErrCodeInvalid = errors.New("browserd: code invalid")

// Provider supplies an interactive login input (one-time code or password)
// when the driver asks for it. It blocks until the input is available or the
// context ends.
type Provider func(ctx context.Context) (string, error)

// Client talks to the browser driver sidecar. The driver keeps one browser
// session per account name, backed by the account's profile directory.
type Client struct {
	baseURL string
	http    *http.Client
	logger  *slog.Logger
}

func NewClient(addr string, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = 3 * time.Minute // browser steps are slow
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		baseURL: "http://" + addr,
		http:    &http.Client{Timeout: timeout},
		logger:  logger.With("component", "browserd"),
	}
}

type driverReply struct {
	LoggedIn bool   `json:"logged_in"`
	Created  bool   `json:"created"`
	State    string `json:"state"`
	Error    string `json:"error"`
}

func (c *Client) do(ctx context.Context, method, path string, payload any) (driverReply, int, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return driverReply{}, 0, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return driverReply{}, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return driverReply{}, 0, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	var reply driverReply
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &reply)
	}
	if resp.StatusCode >= 500 {
		return reply, resp.StatusCode, fmt.Errorf("driver %s: %s", resp.Status, string(raw))
	}
	return reply, resp.StatusCode, nil
}

// Ping checks that the driver answers at all.
func (c *Client) Ping(ctx context.Context) error {
	_, status, err := c.do(ctx, http.MethodGet, "/status", nil)
	if err != nil {
		return err
	}
	if status != http.StatusOK {
		return fmt.Errorf("driver status %d", status)
	}
	return nil
}

// IsLoggedIn reports whether the account's profile holds a live login.
func (c *Client) IsLoggedIn(ctx context.Context, acct string) (bool, error) {
	reply, status, err := c.do(ctx, http.MethodGet, "/session/"+acct, nil)
	if err != nil {
		return false, err
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("driver status %d", status)
	}
	return reply.LoggedIn, nil
}

// Login walks the driver through the platform's login form. The driver
// answers 202 while it needs another input; code and password supply them.
// The call blocks for as long as the providers block.
func (c *Client) Login(ctx context.Context, acct, identifier string, code, password Provider) (bool, error) {
	reply, status, err := c.do(ctx, http.MethodPost, "/session/"+acct+"/login", map[string]string{"identifier": identifier})
	if err != nil {
		return false, fmt.Errorf("begin login: %w", err)
	}

	// The driver may ask for a code and then a password, either, or neither.
	for status == http.StatusAccepted {
		switch reply.State {
		case "awaiting_code":
			if code == nil {
				return false, fmt.Errorf("driver asked for a code but no provider given")
			}
			input, err := code(ctx)
			if err != nil {
				return false, err
			}
			reply, status, err = c.do(ctx, http.MethodPost, "/session/"+acct+"/code", map[string]string{"code": input})
			if err != nil {
				return false, fmt.Errorf("submit code: %w", err)
			}
		case "awaiting_password":
			if password == nil {
				return false, fmt.Errorf("driver asked for a password but no provider given")
			}
			input, err := password(ctx)
			if err != nil {
				return false, err
			}
			reply, status, err = c.do(ctx, http.MethodPost, "/session/"+acct+"/password", map[string]string{"password": input})
			if err != nil {
				return false, fmt.Errorf("submit password: %w", err)
			}
		default:
			return false, fmt.Errorf("driver in unexpected login state %q", reply.State)
		}
	}

	if status == http.StatusUnauthorized {
		if reply.Error == "code_invalid" {
			return false, ErrCodeInvalid
		}
		return false, nil
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("driver status %d: %s", status, reply.Error)
	}
	return reply.LoggedIn, nil
}

// CreateResource asks the driver to create one named resource and invite the
// target member. The bool mirrors the driver's own success verdict.
func (c *Client) CreateResource(ctx context.Context, acct, name, member string) (bool, error) {
	reply, status, err := c.do(ctx, http.MethodPost, "/session/"+acct+"/resources",
		map[string]string{"name": name, "member": member})
	if err != nil {
		return false, fmt.Errorf("create resource %q: %w", name, err)
	}
	if status != http.StatusOK {
		return false, fmt.Errorf("driver status %d: %s", status, reply.Error)
	}
	return reply.Created, nil
}

// Close tears down the account's browser session. It is the only recovery
// path for a driver stuck outside a cooperative checkpoint, so it uses its
// own deadline instead of the caller's possibly-cancelled context.
func (c *Client) Close(acct string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	_, status, err := c.do(ctx, http.MethodDelete, "/session/"+acct, nil)
	if err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	if status != http.StatusOK && status != http.StatusNotFound {
		return fmt.Errorf("driver status %d", status)
	}
	return nil
}
