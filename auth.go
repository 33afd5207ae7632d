// auth.go
// Opaque bearer-token cache shared with the ordinary request path. The
// realtime subsystem only reads it; issuing happens on login, outside
// this transport.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"sync"
	"time"
)

// TokenValidator maps a bearer token to a user id. The second return is
// false for unknown or expired tokens.
type TokenValidator interface {
	Lookup(token string) (int64, bool)
}

// TokenCache is an in-memory token -> user binding with a fixed validity
// window (24h in production).
type TokenCache struct {
	mu      sync.RWMutex
	ttl     time.Duration
	entries map[string]tokenEntry
}

type tokenEntry struct {
	userID    int64
	expiresAt time.Time
}

func NewTokenCache(ttl time.Duration) *TokenCache {
	return &TokenCache{
		ttl:     ttl,
		entries: make(map[string]tokenEntry),
	}
}

// Issue creates a new opaque token bound to userID. Expired entries are
// pruned here so Lookup stays write-free.
func (c *TokenCache) Issue(userID int64) (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate token: %w", err)
	}
	token := hex.EncodeToString(buf)

	c.mu.Lock()
	defer c.mu.Unlock()
	now := time.Now()
	for t, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, t)
		}
	}
	c.entries[token] = tokenEntry{userID: userID, expiresAt: now.Add(c.ttl)}
	return token, nil
}

func (c *TokenCache) Lookup(token string) (int64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[token]
	if !ok || time.Now().After(e.expiresAt) {
		return 0, false
	}
	return e.userID, true
}
