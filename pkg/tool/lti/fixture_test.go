package lti_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"
)

const (
	testIssuer   = "https://lms.example.edu"
	testClientID = "tool-client-1"
	testTarget   = "https://tool.example.com/activity/1"
	testKID      = "platform-key-1"
	learnerRole  = "http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"
)

var (
	platformKey = sync.OnceValue(func() *rsa.PrivateKey {
		k, err := rsa.GenerateKey(rand.Reader, 2048)
		if err != nil {
			panic(err)
		}
		return k
	})
	toolIdentity = sync.OnceValue(func() keys.KeyMaterial {
		km, err := keys.Generator{Bits: 2048}.Generate()
		if err != nil {
			panic(err)
		}
		return km
	})
)

// fixture is a registered fake Platform plus the Tool components under test.
type fixture struct {
	t        *testing.T
	srv      *httptest.Server
	mux      *http.ServeMux
	jwksHits atomic.Int32
	lastKID  atomic.Value

	store     *platforms.MemoryStore
	platform  platforms.Platform
	resolver  *lti.KeyResolver
	login     *lti.LoginInitiator
	validator *lti.LaunchValidator
	now       time.Time
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{t: t, mux: http.NewServeMux(), now: time.Now()}
	f.srv = httptest.NewServer(f.mux)
	t.Cleanup(f.srv.Close)

	f.mux.HandleFunc("/jwks", func(w http.ResponseWriter, r *http.Request) {
		f.jwksHits.Add(1)
		f.lastKID.Store(r.URL.Query().Get("kid"))
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(publicSet(t, &platformKey().PublicKey, testKID))
	})

	f.platform = platforms.Platform{
		Issuer:      testIssuer,
		Name:        "Example LMS",
		ClientID:    testClientID,
		AuthURL:     f.srv.URL + "/authorize",
		TokenURL:    f.srv.URL + "/token",
		RedirectURI: "https://tool.example.com/lti/launch",
		AuthConfig:  platforms.AuthConfig{Method: platforms.AuthJWKSet, Key: f.srv.URL + "/jwks"},
		Keys:        toolIdentity(),
	}
	f.store = platforms.NewMemoryStore()
	require.NoError(t, f.store.Insert(context.Background(), f.platform))

	f.resolver = lti.NewKeyResolver(f.srv.Client(), time.Minute, zerolog.Nop())
	f.login = &lti.LoginInitiator{Registry: f.store, Logger: zerolog.Nop()}
	f.validator = &lti.LaunchValidator{
		Keys:       f.resolver,
		Nonces:     lti.NonceTracker{Now: f.clock},
		PathSuffix: "?launched=1",
		Now:        f.clock,
		Logger:     zerolog.Nop(),
	}
	return f
}

func (f *fixture) clock() time.Time { return f.now }

func publicSet(t *testing.T, pub *rsa.PublicKey, kid string) jwk.Set {
	t.Helper()
	key, err := jwk.Import(pub)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, kid))
	require.NoError(t, key.Set(jwk.AlgorithmKey, "RS256"))
	set := jwk.NewSet()
	require.NoError(t, set.AddKey(key))
	return set
}

// startLogin runs the login leg on s (a new session when nil).
func (f *fixture) startLogin(s *lti.LoginSession) (*lti.LoginSession, *lti.RedirectInstruction) {
	f.t.Helper()
	if s == nil {
		s = lti.NewLoginSession(f.now)
	}
	redirect, err := f.login.InitiateLogin(context.Background(), s, lti.LoginRequest{
		Issuer:        testIssuer,
		LoginHint:     "user-42",
		TargetLinkURI: testTarget,
	})
	require.NoError(f.t, err)
	return s, redirect
}

func (f *fixture) validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss":                  testIssuer,
		"aud":                  testClientID,
		"sub":                  "user-42",
		"exp":                  f.now.Add(5 * time.Minute).Unix(),
		"iat":                  f.now.Unix(),
		"nonce":                uuid.NewString(),
		"given_name":           "Ada",
		lti.ClaimMessageType:   lti.MessageTypeResourceLink,
		lti.ClaimVersion:       lti.LTIVersion,
		lti.ClaimDeploymentID:  "deployment-1",
		lti.ClaimTargetLinkURI: testTarget,
		lti.ClaimResourceLink:  map[string]any{"id": "rl-1"},
		lti.ClaimRoles:         []any{learnerRole},
		lti.ClaimContext: map[string]any{
			"id":    "ctx-1",
			"label": "CS101",
			"type":  []any{"http://purl.imsglobal.org/vocab/lis/v2/course#CourseOffering"},
		},
		lti.ClaimAGSEndpoint: map[string]any{
			"scope":    []any{lti.ScoreScope},
			"lineitem": f.srv.URL + "/lineitems/1",
		},
	}
}

func signRS256(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(key)
	require.NoError(t, err)
	return s
}

func (f *fixture) sign(claims jwt.MapClaims) string {
	return signRS256(f.t, platformKey(), testKID, claims)
}

// launch signs claims and posts them back on s with the state issued at login.
func (f *fixture) launch(s *lti.LoginSession, redirect *lti.RedirectInstruction, claims jwt.MapClaims) (*lti.LaunchResult, error) {
	return f.validator.Validate(context.Background(), s, lti.LaunchRequest{
		Method:  http.MethodPost,
		IDToken: f.sign(claims),
		State:   redirect.Params.Get("state"),
	})
}

// decode mimics what claims look like after a JWT round trip.
func decode(t *testing.T, claims jwt.MapClaims) *lti.LaunchClaims {
	t.Helper()
	b, err := json.Marshal(claims)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	c, err := lti.DecodeClaims(m)
	require.NoError(t, err)
	return c
}

func messages(err error) []string {
	return lti.Messages(err)
}

func repeat(n int) string { return strings.Repeat("x", n) }
