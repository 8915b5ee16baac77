package shiprocket

import (
	"context"
	"sync"
	"time"

	"github.com/BearBump/FulfillBox/internal/apperr"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	// Shiprocket tokens live 24h (240h on newer accounts); stay well inside.
	tokenTTL = 23 * time.Hour

	loginBaseCooldown = 60 * time.Second
	loginMaxCooldown  = 5 * time.Minute
	rateLimitWindow   = 5 * time.Minute
)

// LoginFunc performs the carrier login call. It must classify failures into
// the apperr taxonomy (RateLimitedError for 429 and so on).
type LoginFunc func(ctx context.Context) (string, error)

// TokenCache holds the process-wide bearer token. It is the only writer of
// that state; concurrent callers that find no valid token share one login.
type TokenCache struct {
	login  LoginFunc
	now    func() time.Time
	logger *zap.Logger

	mu          sync.Mutex
	token       string
	expiry      time.Time
	failures    int
	lastAttempt time.Time
	rateLimited bool
	resetAt     time.Time

	flight singleflight.Group
}

func NewTokenCache(login LoginFunc, logger *zap.Logger) *TokenCache {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TokenCache{login: login, now: time.Now, logger: logger}
}

// WithClock replaces the time source.
func (c *TokenCache) WithClock(now func() time.Time) *TokenCache {
	c.now = now
	return c
}

// Token returns a valid cached token or performs a login.
func (c *TokenCache) Token(ctx context.Context) (string, error) {
	c.mu.Lock()
	tok, err := c.peekLocked()
	c.mu.Unlock()
	if tok != "" || err != nil {
		return tok, err
	}

	// The shared login outlives any single caller; a caller that gives up
	// only stops waiting for it.
	ch := c.flight.DoChan("login", func() (any, error) {
		return c.refresh(context.WithoutCancel(ctx))
	})
	select {
	case <-ctx.Done():
		return "", &apperr.ConnectivityError{Op: "carrier login", Err: ctx.Err()}
	case res := <-ch:
		if res.Shared {
			c.logger.Debug("shared in-flight carrier login")
		}
		if res.Err != nil {
			return "", res.Err
		}
		return res.Val.(string), nil
	}
}

// Invalidate drops tok if it is still the cached token. Callers pass the
// token the carrier rejected so a token refreshed meanwhile survives.
func (c *TokenCache) Invalidate(tok string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tok == "" || c.token == tok {
		c.token = ""
		c.expiry = time.Time{}
	}
}

// State is a snapshot for diagnostics.
type State struct {
	HasToken            bool       `json:"hasToken"`
	ExpiresAt           *time.Time `json:"expiresAt,omitempty"`
	ConsecutiveFailures int        `json:"consecutiveFailures"`
	LastAttemptAt       *time.Time `json:"lastAttemptAt,omitempty"`
	RateLimited         bool       `json:"rateLimited"`
	RateLimitResetAt    *time.Time `json:"rateLimitResetAt,omitempty"`
}

func (c *TokenCache) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	st := State{
		HasToken:            c.token != "" && c.now().Before(c.expiry),
		ConsecutiveFailures: c.failures,
		RateLimited:         c.rateLimited && c.now().Before(c.resetAt),
	}
	if st.HasToken {
		t := c.expiry
		st.ExpiresAt = &t
	}
	if !c.lastAttempt.IsZero() {
		t := c.lastAttempt
		st.LastAttemptAt = &t
	}
	if st.RateLimited {
		t := c.resetAt
		st.RateLimitResetAt = &t
	}
	return st
}

// peekLocked returns the cached token, a refusal, or neither when a login
// may proceed.
func (c *TokenCache) peekLocked() (string, error) {
	now := c.now()

	if c.rateLimited {
		if now.Before(c.resetAt) {
			return "", &apperr.RateLimitedError{RetryAfter: c.resetAt.Sub(now)}
		}
		c.rateLimited = false
	}

	if c.token != "" && now.Before(c.expiry) {
		return c.token, nil
	}

	// Cooldown only applies after a failed attempt; a token the carrier
	// revoked right after a good login must be replaceable at once.
	if c.failures > 0 && !c.lastAttempt.IsZero() {
		if wait := loginCooldown(c.failures) - now.Sub(c.lastAttempt); wait > 0 {
			return "", &apperr.AuthenticationError{Msg: "carrier login attempted too soon", RetryAfter: wait}
		}
	}
	return "", nil
}

func (c *TokenCache) refresh(ctx context.Context) (string, error) {
	c.mu.Lock()
	if tok, err := c.peekLocked(); tok != "" || err != nil {
		c.mu.Unlock()
		return tok, err
	}
	c.lastAttempt = c.now()
	c.mu.Unlock()

	tok, err := c.login(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()

	if err == nil && tok == "" {
		err = &apperr.AuthenticationError{Msg: "carrier login returned an empty token"}
	}
	if err != nil {
		c.failures++
		c.token = ""
		c.expiry = time.Time{}
		if apperr.IsRateLimited(err) {
			c.rateLimited = true
			c.resetAt = now.Add(rateLimitWindow)
			c.logger.Warn("carrier login rate limited",
				zap.Time("reset_at", c.resetAt), zap.Int("consecutive_failures", c.failures))
			return "", &apperr.RateLimitedError{RetryAfter: rateLimitWindow}
		}
		c.logger.Error("carrier login failed",
			zap.String("kind", apperr.Kind(err)),
			zap.Int("consecutive_failures", c.failures),
			zap.Duration("next_attempt_in", loginCooldown(c.failures)),
			zap.Error(err))
		return "", err
	}

	c.token = tok
	c.expiry = now.Add(tokenTTL)
	c.failures = 0
	c.rateLimited = false
	c.resetAt = time.Time{}
	c.logger.Info("carrier login ok", zap.Time("expires_at", c.expiry))
	return tok, nil
}

// loginCooldown is min(60s * 2^failures, 5m).
func loginCooldown(failures int) time.Duration {
	d := loginBaseCooldown
	for i := 0; i < failures; i++ {
		d *= 2
		if d >= loginMaxCooldown {
			return loginMaxCooldown
		}
	}
	return d
}
