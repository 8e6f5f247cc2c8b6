// Package limiter defines interfaces and implementations for login rate limiting.
package limiter

import (
	"context"
	"crypto/sha256"
	"net"
	"sync"
	"time"
)

// Limiter controls login attempts and temporary lockouts per (subject, client address).
type Limiter interface {
	// Allow reports whether login is currently allowed and optional retry-after.
	Allow(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error)
	// Success resets counters after a successful login.
	Success(ctx context.Context, subject string, ipHash []byte) error
	// Failure records a failed attempt; may place a temporary block.
	Failure(ctx context.Context, subject string, ipHash []byte) (bool, time.Duration, error)
}

// Subject builds the limiter key for a login attempt.
func Subject(firmHandle, username string) string { return firmHandle + "/" + username }

// HashIP returns a stable hash of the host part of addr so raw addresses are never stored.
// Ports are dropped so reconnects from one host share a counter.
func HashIP(addr string) []byte {
	host := addr
	if h, _, err := net.SplitHostPort(addr); err == nil {
		host = h
	}
	h := sha256.Sum256([]byte(host))
	return h[:]
}

type memEntry struct {
	fails        int
	first        time.Time
	blockedUntil time.Time
}

// Memory is an in-process Limiter for single-node setups and tests.
type Memory struct {
	mu       sync.Mutex
	window   time.Duration
	maxFails int
	blockFor time.Duration
	now      func() time.Time
	m        map[string]*memEntry
}

// NewMemory constructs an in-memory limiter.
func NewMemory(window time.Duration, maxFails int, blockFor time.Duration) *Memory {
	return &Memory{window: window, maxFails: maxFails, blockFor: blockFor, now: time.Now, m: map[string]*memEntry{}}
}

func memKey(subject string, ipHash []byte) string { return subject + "\x00" + string(ipHash) }

func (l *Memory) Allow(_ context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	e, ok := l.m[memKey(subject, ipHash)]
	if !ok {
		return true, 0, nil
	}
	if now := l.now(); e.blockedUntil.After(now) {
		return false, e.blockedUntil.Sub(now), nil
	}
	return true, 0, nil
}

func (l *Memory) Success(_ context.Context, subject string, ipHash []byte) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.m, memKey(subject, ipHash))
	return nil
}

func (l *Memory) Failure(_ context.Context, subject string, ipHash []byte) (bool, time.Duration, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	now := l.now()
	k := memKey(subject, ipHash)
	e, ok := l.m[k]
	if !ok || now.Sub(e.first) > l.window {
		e = &memEntry{first: now}
		l.m[k] = e
	}
	e.fails++
	if e.fails >= l.maxFails {
		e.blockedUntil = now.Add(l.blockFor)
		return true, l.blockFor, nil
	}
	return false, 0, nil
}
