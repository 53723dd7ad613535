package client

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Token is the gateway access token held by TokenCache. Never persisted.
type Token struct {
	AccessToken  string
	RefreshToken string
	ExpiresAt    time.Time
}

// ValidAt reports whether the token is still usable at now, leaving margin
// headroom for clock skew and the request that is about to carry it.
func (t Token) ValidAt(now time.Time, margin time.Duration) bool {
	if t.AccessToken == "" {
		return false
	}
	return now.Before(t.ExpiresAt.Add(-margin))
}

// GrantFunc performs the actual grant call against the gateway.
type GrantFunc func(ctx context.Context) (Token, error)

// TokenCache holds at most one gateway token and refreshes it on demand.
// Concurrent cache misses share a single grant call.
type TokenCache struct {
	grant  GrantFunc
	margin time.Duration

	mu  sync.RWMutex
	tok Token
	sf  singleflight.Group
}

func NewTokenCache(grant GrantFunc, margin time.Duration) *TokenCache {
	return &TokenCache{
		grant:  grant,
		margin: margin,
	}
}

// Token returns a valid access token, performing a grant call only when the
// cached token is missing or inside the safety margin. A failed grant leaves
// the cache empty.
func (c *TokenCache) Token(ctx context.Context) (Token, error) {
	c.mu.RLock()
	tok := c.tok
	c.mu.RUnlock()

	if tok.ValidAt(time.Now(), c.margin) {
		return tok, nil
	}

	v, err, _ := c.sf.Do("grant", func() (interface{}, error) {
		// A waiter may arrive after the winning flight already stored a
		// fresh token.
		c.mu.RLock()
		tok := c.tok
		c.mu.RUnlock()
		if tok.ValidAt(time.Now(), c.margin) {
			return tok, nil
		}

		// The flight is shared by every waiter, so the grant must not die
		// with the winning caller's context.
		fresh, err := c.grant(context.WithoutCancel(ctx))
		if err != nil {
			return Token{}, err
		}

		c.mu.Lock()
		c.tok = fresh
		c.mu.Unlock()
		return fresh, nil
	})
	if err != nil {
		return Token{}, err
	}

	return v.(Token), nil
}
