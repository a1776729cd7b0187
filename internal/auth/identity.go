// Package auth resolves the worker identity a session is opened for.
package auth

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"driverlink/internal/api"
	"driverlink/internal/model"
)

var (
	ErrNoToken      = errors.New("auth: no token configured")
	ErrTokenExpired = errors.New("auth: token expired")
	ErrRejected     = errors.New("auth: credentials rejected by server")
)

// Claims are the fields the client reads from the worker's access token.
// The signature is verified by the server, never here.
type Claims struct {
	UserID   string `json:"id,omitempty"`
	UserType string `json:"userType,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Worker returns the worker id carried by the token, if any.
func (c *Claims) Worker() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.Subject
}

// ParseClaims decodes token without verifying its signature.
func ParseClaims(token string) (*Claims, error) {
	claims := &Claims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, fmt.Errorf("auth: parse token: %w", err)
	}
	return claims, nil
}

// CheckExpiry fails with ErrTokenExpired when a JWT's exp is behind now.
// Opaque (non-JWT) tokens pass unchecked.
func CheckExpiry(token string, now time.Time) error {
	claims, err := ParseClaims(token)
	if err != nil {
		return nil
	}
	if claims.ExpiresAt != nil && !claims.ExpiresAt.After(now) {
		return fmt.Errorf("%w at %s", ErrTokenExpired, claims.ExpiresAt.Time.Format(time.RFC3339))
	}
	return nil
}

// LoadToken returns token, or the trimmed contents of file when token is empty.
func LoadToken(token, file string) (string, error) {
	if t := strings.TrimSpace(token); t != "" {
		return t, nil
	}
	if file == "" {
		return "", ErrNoToken
	}
	b, err := os.ReadFile(file)
	if err != nil {
		return "", fmt.Errorf("auth: read token file: %w", err)
	}
	t := strings.TrimSpace(string(b))
	if t == "" {
		return "", ErrNoToken
	}
	return t, nil
}

// Holder is a swappable bearer token shared by the REST client and the
// channel dialer.
type Holder struct {
	mu  sync.RWMutex
	raw string
}

func NewHolder(token string) *Holder { return &Holder{raw: token} }

func (h *Holder) Token() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.raw
}

func (h *Holder) Set(token string) {
	h.mu.Lock()
	h.raw = token
	h.mu.Unlock()
}

// ProfileFetcher is the user-details endpoint.
type ProfileFetcher interface {
	UserDetails(ctx context.Context) (api.UserDetails, error)
}

// Resolve builds the session identity. A configured workerID wins; otherwise
// the server profile is asked and the token's subject is the last resort.
func Resolve(ctx context.Context, token, workerID, userType string, profiles ProfileFetcher) (model.Identity, error) {
	if err := CheckExpiry(token, time.Now()); err != nil {
		return model.Identity{}, err
	}
	id := model.Identity{UserID: workerID, UserType: userType, Token: token}
	if id.UserType == "" {
		id.UserType = "driver"
	}
	if id.UserID != "" {
		return id, nil
	}

	details, err := profiles.UserDetails(ctx)
	if err == nil && details.Partner.ID != "" {
		id.UserID = details.Partner.ID
		id.Name = details.Partner.Name
		return id, nil
	}
	var apiErr *api.APIError
	if errors.As(err, &apiErr) && apiErr.Unauthorized() {
		return model.Identity{}, fmt.Errorf("%w: %v", ErrRejected, apiErr)
	}
	if claims, cerr := ParseClaims(token); cerr == nil && claims.Worker() != "" {
		id.UserID = claims.Worker()
		return id, nil
	}
	if err == nil {
		err = errors.New("profile has no worker id")
	}
	return model.Identity{}, fmt.Errorf("auth: resolve worker: %w", err)
}
