// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit throttles new connections per client IP.
package ratelimit

import (
	"net"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

const defaultCleanupInterval = 5 * time.Minute

// Config holds per-IP connection rate limiting settings.
type Config struct {
	// Rate is accepted connections per second per IP.
	Rate            float64
	Burst           int
	CleanupInterval time.Duration
}

// IPRateLimiter limits connection attempts per remote IP.
type IPRateLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ipEntry
	rate     rate.Limit
	burst    int
	cleanup  time.Duration
	stopCh   chan struct{}
	stopOnce sync.Once
}

type ipEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// New creates a limiter and starts its stale entry cleanup.
func New(cfg Config) *IPRateLimiter {
	if cfg.CleanupInterval <= 0 {
		cfg.CleanupInterval = defaultCleanupInterval
	}
	if cfg.Burst <= 0 {
		cfg.Burst = 1
	}
	l := &IPRateLimiter{
		limiters: make(map[string]*ipEntry),
		rate:     rate.Limit(cfg.Rate),
		burst:    cfg.Burst,
		cleanup:  cfg.CleanupInterval,
		stopCh:   make(chan struct{}),
	}
	go l.cleanupLoop()
	return l
}

// Allow reports whether a connection from addr may be accepted now.
// Addresses without an IP are always allowed.
func (l *IPRateLimiter) Allow(addr net.Addr) bool {
	ip := extractIP(addr)
	if ip == "" {
		return true
	}

	now := time.Now()
	l.mu.Lock()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ipEntry{limiter: rate.NewLimiter(l.rate, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	limiter := entry.limiter
	l.mu.Unlock()

	return limiter.AllowN(now, 1)
}

// Len returns the number of tracked IPs.
func (l *IPRateLimiter) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

func (l *IPRateLimiter) cleanupLoop() {
	ticker := time.NewTicker(l.cleanup)
	defer ticker.Stop()

	for {
		select {
		case now := <-ticker.C:
			l.removeStale(now)
		case <-l.stopCh:
			return
		}
	}
}

// removeStale drops IPs idle for two cleanup intervals.
func (l *IPRateLimiter) removeStale(now time.Time) {
	l.mu.Lock()
	defer l.mu.Unlock()

	threshold := now.Add(-2 * l.cleanup)
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(threshold) {
			delete(l.limiters, ip)
		}
	}
}

// Stop stops the cleanup goroutine.
func (l *IPRateLimiter) Stop() {
	l.stopOnce.Do(func() { close(l.stopCh) })
}

func extractIP(addr net.Addr) string {
	if addr == nil {
		return ""
	}

	switch a := addr.(type) {
	case *net.TCPAddr:
		return a.IP.String()
	case *net.UDPAddr:
		return a.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
