package http_test

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/cookiejar"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	api "github.com/mind-engage/mindengage-lti-tool/internal/api/http"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/lti"
	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"
)

const (
	issuer   = "https://lms.example.edu"
	clientID = "tool-client-1"
	kid      = "platform-key-1"
)

type harness struct {
	t         *testing.T
	key       *rsa.PrivateKey
	platform  *httptest.Server
	tool      *httptest.Server
	client    *http.Client
	target    string
	scoreHits atomic.Int32
}

func newHarness(t *testing.T, mutate func(*api.Server)) *harness {
	t.Helper()
	h := &harness{t: t}
	var err error
	h.key, err = rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	mux := http.NewServeMux()
	mux.HandleFunc("/jwks", func(w http.ResponseWriter, _ *http.Request) {
		k, err := jwk.Import(&h.key.PublicKey)
		require.NoError(t, err)
		require.NoError(t, k.Set(jwk.KeyIDKey, kid))
		set := jwk.NewSet()
		require.NoError(t, set.AddKey(k))
		_ = json.NewEncoder(w).Encode(set)
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"at-1","token_type":"Bearer","expires_in":3600}`))
	})
	mux.HandleFunc("/lineitems/1/scores", func(w http.ResponseWriter, _ *http.Request) {
		h.scoreHits.Add(1)
		w.WriteHeader(http.StatusOK)
	})
	h.platform = httptest.NewServer(mux)
	t.Cleanup(h.platform.Close)

	id, err := keys.Generator{Bits: 2048}.Generate()
	require.NoError(t, err)
	registry := platforms.NewMemoryStore()
	require.NoError(t, registry.Insert(context.Background(), platforms.Platform{
		Issuer:      issuer,
		Name:        "Example",
		ClientID:    clientID,
		AuthURL:     h.platform.URL + "/authorize",
		TokenURL:    h.platform.URL + "/token",
		RedirectURI: "https://tool.example.com/lti/launch",
		AuthConfig:  platforms.AuthConfig{Method: platforms.AuthJWKSet, Key: h.platform.URL + "/jwks"},
		Keys:        id,
	}))

	log := zerolog.Nop()
	srv := &api.Server{
		Sessions: lti.NewMemorySessionStore(time.Hour),
		Login:    &lti.LoginInitiator{Registry: registry, Logger: log},
		Launch: &lti.LaunchValidator{
			Keys:       lti.NewKeyResolver(h.platform.Client(), time.Minute, log),
			PathSuffix: "#launched",
			Logger:     log,
		},
		Tokens:      &lti.TokenIssuer{Logger: log},
		Scores:      &lti.ScoreReporter{HTTP: h.platform.Client(), Logger: log},
		JWKS:        &keys.JWKSHandler{Source: registry},
		CORSOrigins: []string{"*"},
		Logger:      log,
	}
	if mutate != nil {
		mutate(srv)
	}
	h.tool = httptest.NewServer(srv.Router())
	t.Cleanup(h.tool.Close)
	h.target = h.tool.URL + "/activity/1"

	jar, err := cookiejar.New(nil)
	require.NoError(t, err)
	h.client = &http.Client{
		Jar: jar,
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}
	return h
}

func (h *harness) login() url.Values {
	h.t.Helper()
	q := url.Values{"iss": {issuer}, "login_hint": {"user-42"}, "target_link_uri": {h.target}}
	resp, err := h.client.Get(h.tool.URL + "/lti/login?" + q.Encode())
	require.NoError(h.t, err)
	defer resp.Body.Close()
	require.Equal(h.t, http.StatusFound, resp.StatusCode)
	loc, err := url.Parse(resp.Header.Get("Location"))
	require.NoError(h.t, err)
	return loc.Query()
}

func (h *harness) idToken(nonce string, mutate func(jwt.MapClaims)) string {
	h.t.Helper()
	now := time.Now()
	c := jwt.MapClaims{
		"iss":   issuer,
		"aud":   clientID,
		"sub":   "user-42",
		"exp":   now.Add(time.Minute).Unix(),
		"iat":   now.Unix(),
		"nonce": nonce,
		lti.ClaimMessageType:   lti.MessageTypeResourceLink,
		lti.ClaimVersion:       lti.LTIVersion,
		lti.ClaimDeploymentID:  "dep-1",
		lti.ClaimTargetLinkURI: h.target,
		lti.ClaimResourceLink:  map[string]any{"id": "rl-1"},
		lti.ClaimRoles:         []any{"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner"},
		lti.ClaimAGSEndpoint: map[string]any{
			"scope":    []any{lti.ScoreScope},
			"lineitem": h.platform.URL + "/lineitems/1",
		},
	}
	if mutate != nil {
		mutate(c)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, c)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(h.key)
	require.NoError(h.t, err)
	return s
}

func (h *harness) launch(form url.Values) *http.Response {
	h.t.Helper()
	resp, err := h.client.PostForm(h.tool.URL+"/lti/launch", form)
	require.NoError(h.t, err)
	h.t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeErrors(t *testing.T, resp *http.Response) []string {
	t.Helper()
	var body struct {
		Error  string   `json:"error"`
		Errors []string `json:"errors"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	assert.NotEmpty(t, body.Error)
	return body.Errors
}

func TestLTIFlow_LoginLaunchScore(t *testing.T) {
	h := newHarness(t, nil)

	auth := h.login()
	assert.Equal(t, clientID, auth.Get("client_id"))

	resp := h.launch(url.Values{
		"id_token": {h.idToken(auth.Get("nonce"), nil)},
		"state":    {auth.Get("state")},
	})
	require.Equal(t, http.StatusFound, resp.StatusCode)
	assert.Equal(t, h.target+"#launched", resp.Header.Get("Location"))

	sessResp, err := h.client.Get(h.tool.URL + "/lti/session")
	require.NoError(t, err)
	defer sessResp.Body.Close()
	require.Equal(t, http.StatusOK, sessResp.StatusCode)
	var sess struct {
		Payload map[string]any `json:"payload"`
	}
	require.NoError(t, json.NewDecoder(sessResp.Body).Decode(&sess))
	assert.Equal(t, "user-42", sess.Payload["sub"])

	scoreResp, err := h.client.Post(h.tool.URL+"/lti/score", "application/json", strings.NewReader(`{"score":7,"maxScore":10}`))
	require.NoError(t, err)
	defer scoreResp.Body.Close()
	require.Equal(t, http.StatusSeeOther, scoreResp.StatusCode)
	authz, err := url.Parse(scoreResp.Header.Get("Location"))
	require.NoError(t, err)
	assert.Equal(t, "S256", authz.Query().Get("code_challenge_method"))

	cb, err := h.client.Get(h.tool.URL + "/lti/auth_code?" + url.Values{
		"code":  {"code-1"},
		"state": {authz.Query().Get("state")},
	}.Encode())
	require.NoError(t, err)
	defer cb.Body.Close()
	require.Equal(t, http.StatusAccepted, cb.StatusCode)
	assert.Eventually(t, func() bool { return h.scoreHits.Load() == 1 }, 5*time.Second, 20*time.Millisecond)

	replay, err := h.client.Get(h.tool.URL + "/lti/auth_code?code=code-1&state=" + authz.Query().Get("state"))
	require.NoError(t, err)
	defer replay.Body.Close()
	assert.Equal(t, http.StatusBadRequest, replay.StatusCode)
}

func TestLTIFlow_LaunchErrors(t *testing.T) {
	h := newHarness(t, nil)

	t.Run("no session cookie", func(t *testing.T) {
		resp, err := http.PostForm(h.tool.URL+"/lti/launch", url.Values{"state": {"x"}})
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("claim violations listed", func(t *testing.T) {
		auth := h.login()
		resp := h.launch(url.Values{
			"id_token": {h.idToken(auth.Get("nonce"), func(c jwt.MapClaims) {
				delete(c, "sub")
				c["aud"] = "someone-else"
			})},
			"state": {auth.Get("state")},
		})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, []string{"Audience invalid", "Sub missing"}, decodeErrors(t, resp))
	})

	t.Run("platform error", func(t *testing.T) {
		h.login()
		resp := h.launch(url.Values{"error": {"login_required"}})
		require.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Equal(t, []string{"Login Response was rejected: login_required"}, decodeErrors(t, resp))
	})

	t.Run("session without launch", func(t *testing.T) {
		h.login()
		resp, err := h.client.Get(h.tool.URL + "/lti/session")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	})
}

func TestLTIFlow_LoginErrors(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.client.Get(h.tool.URL + "/lti/login")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, []string{"Issuer missing", "Login hint missing", "Target Link URI missing"}, decodeErrors(t, resp))

	resp2, err := h.client.PostForm(h.tool.URL+"/lti/login", url.Values{
		"iss": {"https://unknown.example"}, "login_hint": {"u"}, "target_link_uri": {h.target},
	})
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp2.StatusCode)
	assert.Equal(t, []string{"Issuer invalid: not registered"}, decodeErrors(t, resp2))
}

func TestScore_RejectsBadInput(t *testing.T) {
	h := newHarness(t, nil)

	resp, err := h.client.Post(h.tool.URL+"/lti/score", "application/json", strings.NewReader(`{"score":11,"maxScore":10}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := h.client.PostForm(h.tool.URL+"/lti/score", url.Values{"score": {"1"}, "maxScore": {"2"}})
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode, "no session")
}

func TestTokenEndpoint_RateLimited(t *testing.T) {
	h := newHarness(t, func(s *api.Server) {
		s.TokenLimiter = api.NewRateLimiter(1, 1, 0, zerolog.Nop())
	})
	form := url.Values{"grant_type": {"client_credentials"}, "client_id": {"c"}, "client_secret": {"s"}}

	first, err := http.PostForm(h.tool.URL+"/oauth2/token", form)
	require.NoError(t, err)
	defer first.Body.Close()
	assert.Equal(t, http.StatusOK, first.StatusCode)

	second, err := http.PostForm(h.tool.URL+"/oauth2/token", form)
	require.NoError(t, err)
	defer second.Body.Close()
	assert.Equal(t, http.StatusTooManyRequests, second.StatusCode)
	assert.Equal(t, "1", second.Header.Get("Retry-After"))
}

func TestHealthAndJWKS(t *testing.T) {
	ready := errors.New("db down")
	h := newHarness(t, func(s *api.Server) {
		s.Ready = func(context.Context) error { return ready }
	})

	get := func(path string) *http.Response {
		resp, err := http.Get(h.tool.URL + path)
		require.NoError(t, err)
		t.Cleanup(func() { resp.Body.Close() })
		return resp
	}

	assert.Equal(t, http.StatusOK, get("/healthz").StatusCode)
	assert.Equal(t, http.StatusServiceUnavailable, get("/readyz").StatusCode)

	jwks := get("/.well-known/jwks.json")
	require.Equal(t, http.StatusOK, jwks.StatusCode)
	var set struct {
		Keys []map[string]any `json:"keys"`
	}
	require.NoError(t, json.NewDecoder(jwks.Body).Decode(&set))
	require.Len(t, set.Keys, 1)
	assert.Equal(t, "RSA", set.Keys[0]["kty"])
}
