package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// Protocol-level sentinels. The backend adapter maps these onto the engine's
// error taxonomy.
var (
	// ErrUnauthorized means the stored session is no longer valid.
	ErrUnauthorized = errors.New("remote: session unauthorized")
	// ErrCodeInvalid means the submitted one-time code was rejected.
	ErrCodeInvalid = errors.New("remote: code invalid")
	// ErrPasswordNeeded means code verification succeeded but the account
	// requires its secondary password.
	ErrPasswordNeeded = errors.New("remote: password needed")
)

// Options configures a Client. Proxy and UserAgent usually come from the
// configured pools; both are optional.
type Options struct {
	BaseURL   string
	Timeout   time.Duration
	Proxy     string
	UserAgent string
	Logger    *slog.Logger
}

// Client talks the platform's direct protocol API. One Client serves one
// account session; it is not safe for concurrent use across workers.
type Client struct {
	baseURL   string
	userAgent string
	http      *http.Client
	logger    *slog.Logger
	session   []byte
}

func New(opts Options) (*Client, error) {
	if opts.BaseURL == "" {
		return nil, fmt.Errorf("remote base URL not configured")
	}
	if opts.Timeout <= 0 {
		opts.Timeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	transport := http.DefaultTransport.(*http.Transport).Clone()
	if opts.Proxy != "" {
		proxyURL, err := url.Parse(opts.Proxy)
		if err != nil {
			return nil, fmt.Errorf("parse proxy %q: %w", opts.Proxy, err)
		}
		transport.Proxy = http.ProxyURL(proxyURL)
	}

	return &Client{
		baseURL:   opts.BaseURL,
		userAgent: opts.UserAgent,
		http:      &http.Client{Timeout: opts.Timeout, Transport: transport},
		logger:    logger.With("component", "remote"),
	}, nil
}

// SetSession installs stored session material for subsequent calls.
func (c *Client) SetSession(material []byte) { c.session = material }

// Session returns the current session material (set by SetSession or by a
// completed auth flow).
func (c *Client) Session() []byte { return c.session }

type apiError struct {
	Code    string `json:"error"`
	Message string `json:"message"`
}

func (c *Client) do(ctx context.Context, method, path string, payload, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.userAgent != "" {
		req.Header.Set("User-Agent", c.userAgent)
	}
	if len(c.session) > 0 {
		req.Header.Set("Authorization", "Bearer "+string(c.session))
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		var ae apiError
		_ = json.Unmarshal(raw, &ae)
		switch {
		case resp.StatusCode == http.StatusUnauthorized && ae.Code == "code_invalid":
			return ErrCodeInvalid
		case resp.StatusCode == http.StatusUnauthorized:
			return ErrUnauthorized
		case resp.StatusCode == http.StatusForbidden && ae.Code == "password_required":
			return ErrPasswordNeeded
		}
		if ae.Message != "" {
			return fmt.Errorf("remote API %s: %s", resp.Status, ae.Message)
		}
		return fmt.Errorf("remote API %s: %s", resp.Status, string(raw))
	}

	if out != nil {
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if err != nil {
			return err
		}
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("parse response: %w", err)
		}
	}
	return nil
}

// Connect opens the protocol session using the installed session material.
func (c *Client) Connect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/v1/session/connect", nil, nil)
}

// IsAuthorized checks whether the session is still accepted by the platform.
func (c *Client) IsAuthorized(ctx context.Context) bool {
	err := c.do(ctx, http.MethodGet, "/v1/session/me", nil, nil)
	return err == nil
}

// PerformAction creates one remote resource with the given title.
func (c *Client) PerformAction(ctx context.Context, title string) error {
	payload := map[string]string{"title": title}
	if err := c.do(ctx, http.MethodPost, "/v1/resources", payload, nil); err != nil {
		return fmt.Errorf("create resource %q: %w", title, err)
	}
	return nil
}

// Disconnect closes the protocol session. Safe to call after failures.
func (c *Client) Disconnect() error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := c.do(ctx, http.MethodPost, "/v1/session/disconnect", nil, nil); err != nil {
		return fmt.Errorf("disconnect: %w", err)
	}
	return nil
}

// RequestCode asks the platform to send a one-time code to the identifier.
// The returned challenge token must accompany the code submission.
func (c *Client) RequestCode(ctx context.Context, identifier string) (string, error) {
	var out struct {
		Challenge string `json:"challenge"`
	}
	payload := map[string]string{"identifier": identifier}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/code/request", payload, &out); err != nil {
		return "", err
	}
	if out.Challenge == "" {
		return "", fmt.Errorf("remote API returned empty challenge")
	}
	return out.Challenge, nil
}

// SubmitCode exchanges challenge+code for session material. It returns
// ErrCodeInvalid for a wrong code and ErrPasswordNeeded when the account has
// a secondary password.
func (c *Client) SubmitCode(ctx context.Context, challenge, code string) ([]byte, error) {
	var out struct {
		Session string `json:"session"`
	}
	payload := map[string]string{"challenge": challenge, "code": code}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/code/verify", payload, &out); err != nil {
		return nil, err
	}
	c.session = []byte(out.Session)
	return c.session, nil
}

// SubmitPassword completes auth for accounts that require the secondary
// password after code verification.
func (c *Client) SubmitPassword(ctx context.Context, challenge, password string) ([]byte, error) {
	var out struct {
		Session string `json:"session"`
	}
	payload := map[string]string{"challenge": challenge, "password": password}
	if err := c.do(ctx, http.MethodPost, "/v1/auth/password", payload, &out); err != nil {
		return nil, err
	}
	c.session = []byte(out.Session)
	return c.session, nil
}
