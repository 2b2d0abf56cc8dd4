// Package auth tracks the device's backend session. The Session is the
// authentication oracle the queue engine consults synchronously, plus an
// asynchronous lost-signal so the engine can lock the queue the moment the
// session becomes invalid instead of discovering it via a rejected call.
package auth

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"fieldsync/internal/logging"
)

// Session holds the current bearer token and its expiry.
type Session struct {
	logger *slog.Logger

	mu        sync.Mutex
	token     string
	expiresAt time.Time
	expired   bool

	lost chan string
}

// NewSession constructs an unauthenticated session.
func NewSession(logger *slog.Logger) *Session {
	return &Session{
		logger: logging.NewComponentLogger(logger, "auth"),
		lost:   make(chan string, 4),
	}
}

// Renew installs a fresh token. A zero expiry means the token does not expire
// locally (the backend may still reject it).
func (s *Session) Renew(token string, expiresAt time.Time) {
	s.mu.Lock()
	s.token = strings.TrimSpace(token)
	s.expiresAt = expiresAt
	s.expired = false
	s.mu.Unlock()
	s.logger.Info("session renewed")
}

// Token returns the current bearer token, empty when unauthenticated.
func (s *Session) Token() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// IsAuthenticated reports whether a usable token is present. Local expiry
// invalidates the session and fires the lost signal once.
func (s *Session) IsAuthenticated(_ context.Context) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.token == "" {
		return false
	}
	if !s.expiresAt.IsZero() && !time.Now().Before(s.expiresAt) {
		s.invalidateLocked("token expired")
		return false
	}
	return true
}

// Invalidate drops the session and notifies the lost-signal subscribers.
// Safe to call repeatedly; only the first call per session fires the signal.
func (s *Session) Invalidate(reason string) {
	s.mu.Lock()
	s.invalidateLocked(reason)
	s.mu.Unlock()
}

func (s *Session) invalidateLocked(reason string) {
	if s.expired && s.token == "" {
		return
	}
	s.token = ""
	s.expired = true
	if strings.TrimSpace(reason) == "" {
		reason = "session invalidated"
	}
	select {
	case s.lost <- reason:
	default:
		// Signal already pending; the queue locks once either way.
	}
	s.logger.Warn("session lost", logging.String("reason", reason))
}

// Lost returns the asynchronous "authentication lost" signal channel.
func (s *Session) Lost() <-chan string {
	return s.lost
}

// LoadTokenFile reads a bearer token from path and installs it on the
// session. A missing file leaves the session unauthenticated without error.
func (s *Session) LoadTokenFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("read token file: %w", err)
	}
	token := strings.TrimSpace(string(data))
	if token == "" {
		return nil
	}
	s.Renew(token, time.Time{})
	return nil
}
