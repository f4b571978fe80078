package lti

import (
	"context"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"
)

// LoginRequest is the third-party-initiated login as received from the Platform.
type LoginRequest struct {
	Issuer         string `json:"iss"`
	LoginHint      string `json:"login_hint"`
	TargetLinkURI  string `json:"target_link_uri"`
	LTIMessageHint string `json:"lti_message_hint,omitempty"`
	ClientID       string `json:"client_id,omitempty"`
	DeploymentID   string `json:"lti_deployment_id,omitempty"`
}

// LoginResponse is what the Tool sent back in the authorization redirect.
type LoginResponse struct {
	State  string     `json:"state"`
	Nonce  string     `json:"nonce"`
	Params url.Values `json:"params"`
}

// LoginSession is the per-user-agent state threaded through login, launch
// and score reporting. Fields are read and written under the session lock.
type LoginSession struct {
	ID        string
	CreatedAt time.Time

	Login    *LoginRequest
	Response *LoginResponse
	Platform *platforms.Platform
	Launch   *LaunchClaims

	// PKCE leg of the score flow.
	CodeVerifier string
	ScoreState   string

	pending *PendingScore

	mu     sync.Mutex
	nonces map[string]time.Time
}

// NewLoginSession returns an empty session with a random id.
func NewLoginSession(now time.Time) *LoginSession {
	return &LoginSession{ID: uuid.NewString(), CreatedAt: now}
}

// Claims returns the accepted launch claims, or nil before a successful launch.
func (s *LoginSession) Claims() *LaunchClaims {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Launch
}

// Registration returns the Platform snapshot taken at login.
func (s *LoginSession) Registration() *platforms.Platform {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.Platform
}

// SessionStore keeps sessions between requests.
type SessionStore interface {
	Create(ctx context.Context) (*LoginSession, error)
	Get(ctx context.Context, id string) (*LoginSession, error)
	Delete(ctx context.Context, id string) error
}

// MemorySessionStore is a process-local SessionStore with a fixed TTL.
// Expired sessions are purged opportunistically on Create.
type MemorySessionStore struct {
	TTL time.Duration
	Now func() time.Time

	mu       sync.Mutex
	sessions map[string]*LoginSession
	creates  uint64
}

func NewMemorySessionStore(ttl time.Duration) *MemorySessionStore {
	return &MemorySessionStore{TTL: ttl, sessions: make(map[string]*LoginSession)}
}

func (m *MemorySessionStore) Create(_ context.Context) (*LoginSession, error) {
	now := m.now()
	s := NewLoginSession(now)

	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sessions == nil {
		m.sessions = make(map[string]*LoginSession)
	}
	m.creates++
	if m.creates%256 == 0 {
		m.purgeLocked(now)
	}
	m.sessions[s.ID] = s
	return s, nil
}

func (m *MemorySessionStore) Get(_ context.Context, id string) (*LoginSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, ErrSessionNotFound
	}
	if m.expired(s, m.now()) {
		delete(m.sessions, id)
		return nil, ErrSessionNotFound
	}
	return s, nil
}

func (m *MemorySessionStore) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
	return nil
}

func (m *MemorySessionStore) purgeLocked(now time.Time) {
	for id, s := range m.sessions {
		if m.expired(s, now) {
			delete(m.sessions, id)
		}
	}
}

func (m *MemorySessionStore) expired(s *LoginSession, now time.Time) bool {
	return now.Sub(s.CreatedAt) > m.ttl()
}

func (m *MemorySessionStore) ttl() time.Duration {
	if m.TTL > 0 {
		return m.TTL
	}
	return 2 * time.Hour
}

func (m *MemorySessionStore) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}
