package lti

import (
	"strings"
	"time"
)

// DefaultNonceWindow matches the maximum accepted "iat" age; a token old
// enough for its nonce to be forgotten is already rejected on "iat".
const DefaultNonceWindow = time.Hour

// NonceTracker records nonces seen within a session.
type NonceTracker struct {
	Window time.Duration
	Now    func() time.Time
}

// CheckAndRecord returns true and remembers nonce if it has not been seen in
// the session during the retention window; false for a replay or an empty value.
func (t NonceTracker) CheckAndRecord(s *LoginSession, nonce string) bool {
	if s == nil || strings.TrimSpace(nonce) == "" {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return t.checkLocked(s, nonce)
}

func (t NonceTracker) checkLocked(s *LoginSession, nonce string) bool {
	now := t.now()
	if s.nonces == nil {
		s.nonces = make(map[string]time.Time)
	}
	for n, seen := range s.nonces {
		if now.Sub(seen) > t.window() {
			delete(s.nonces, n)
		}
	}
	if _, ok := s.nonces[nonce]; ok {
		return false
	}
	s.nonces[nonce] = now
	return true
}

func (t NonceTracker) window() time.Duration {
	if t.Window > 0 {
		return t.Window
	}
	return DefaultNonceWindow
}

func (t NonceTracker) now() time.Time {
	if t.Now != nil {
		return t.Now()
	}
	return time.Now()
}
