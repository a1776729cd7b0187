// Package api is the REST client for the dispatch server.
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"cosmossdk.io/log"

	"driverlink/internal/buildinfo"
)

// TokenSource yields the bearer token for each request.
type TokenSource interface {
	Token() string
}

// StaticToken is a fixed bearer token.
type StaticToken string

func (t StaticToken) Token() string { return string(t) }

type Client struct {
	base   string
	http   *http.Client
	tokens TokenSource
	secret string
	logger log.Logger
}

type Option func(*Client)

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

func WithTokenSource(ts TokenSource) Option { return func(c *Client) { c.tokens = ts } }

// WithSigningSecret signs notification requests with an HMAC-SHA256
// X-Signature header.
func WithSigningSecret(secret string) Option { return func(c *Client) { c.secret = secret } }

func WithLogger(l log.Logger) Option { return func(c *Client) { c.logger = l } }

func New(base string, opts ...Option) *Client {
	c := &Client{
		base:   strings.TrimRight(base, "/"),
		http:   &http.Client{Timeout: 10 * time.Second},
		tokens: StaticToken(""),
		logger: log.NewNopLogger(),
	}
	for _, o := range opts {
		o(c)
	}
	c.logger = c.logger.With("module", "api")
	return c
}

// UserDetails resolves the authenticated worker.
func (c *Client) UserDetails(ctx context.Context) (UserDetails, error) {
	var out UserDetails
	err := c.do(ctx, http.MethodGet, "/api/v1/rider/user-details", nil, &out, false)
	return out, err
}

// PollRides fetches offers still open for driverID.
func (c *Client) PollRides(ctx context.Context, driverID string) (PollResponse, error) {
	var out PollResponse
	err := c.do(ctx, http.MethodPost, "/api/v1/rides/driver/poll-rides", pollRequest{DriverID: driverID}, &out, false)
	return out, err
}

// AcceptFallback claims rideID over REST when the channel is down.
func (c *Client) AcceptFallback(ctx context.Context, rideID, userID string) error {
	path := "/api/v1/rider/rider-end-fallback/" + url.PathEscape(rideID)
	return c.do(ctx, http.MethodPost, path, fallbackRequest{RideID: rideID, UserID: userID}, nil, false)
}

func (c *Client) PostLocation(ctx context.Context, loc Location) error {
	return c.do(ctx, http.MethodPost, "/webhook/cab-receive-location", loc, nil, false)
}

func (c *Client) RegisterToken(ctx context.Context, req RegisterToken) error {
	return c.do(ctx, http.MethodPost, "/register-token", req, nil, true)
}

func (c *Client) SendNotification(ctx context.Context, n Notification) error {
	return c.do(ctx, http.MethodPost, "/send-notification", n, nil, true)
}

// Sign returns lowercase hex of HMAC-SHA256 over body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a Sign signature in constant time.
func Verify(secret string, body []byte, provided string) bool {
	b, err := hex.DecodeString(provided)
	if err != nil {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return hmac.Equal(mac.Sum(nil), b)
}

func (c *Client) do(ctx context.Context, method, path string, in, out any, signed bool) error {
	var body []byte
	if in != nil {
		b, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode %s: %w", path, err)
		}
		body = b
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", buildinfo.UserAgent())
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if tok := c.tokens.Token(); tok != "" {
		req.Header.Set("Authorization", "Bearer "+tok)
	}
	if signed && c.secret != "" {
		req.Header.Set("X-Signature", Sign(c.secret, body))
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read body: %w", method, path, err)
	}
	c.logger.Debug("request", "method", method, "path", path, "status", resp.StatusCode, "ms", time.Since(start).Milliseconds())

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &APIError{Method: method, Path: path, Status: resp.StatusCode, Message: errorMessage(raw)}
	}
	if out == nil || len(bytes.TrimSpace(raw)) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%s %s: decode: %w", method, path, err)
	}
	return nil
}
