// pkg/tool/lti/token.go
package lti

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"
)

/*
OAuth 2.0 client-credentials token endpoint (Tool side)

Every request field is checked and all problems are collected before the
response is chosen:

  grant type invalid        -> 400 unsupported_grant_type
  any other "invalid"       -> 401 invalid_client
  only "missing" problems   -> 400 invalid_request

Tokens are signed with the caller's client_secret: RS256 when the secret is
a PEM RSA private key, HS256 otherwise.

Mount:
    issuer := &lti.TokenIssuer{...}
    r.Post("/oauth2/token", issuer.Handler())
*/

const (
	errInvalidRequest       = "invalid_request"
	errInvalidClient        = "invalid_client"
	errUnsupportedGrantType = "unsupported_grant_type"

	grantClientCredentials = "client_credentials"
	tokenTTL               = time.Hour
)

// ClientVerifier checks a client's secret. Optional on TokenIssuer.
type ClientVerifier interface {
	VerifyClient(ctx context.Context, clientID, secret string) error
}

// StaticClients maps client_id to a bcrypt hash (or plain secret for dev).
type StaticClients map[string]string

func (c StaticClients) VerifyClient(_ context.Context, clientID, secret string) error {
	stored, ok := c[clientID]
	if !ok {
		return errors.New("unknown client")
	}
	return verifySecret(stored, secret)
}

func verifySecret(storedHash, provided string) error {
	stored := strings.TrimSpace(storedHash)
	if stored == "" {
		return errors.New("no client_secret configured")
	}
	if strings.HasPrefix(stored, "$2a$") || strings.HasPrefix(stored, "$2b$") || strings.HasPrefix(stored, "$2y$") {
		return bcrypt.CompareHashAndPassword([]byte(stored), []byte(provided))
	}
	if subtle.ConstantTimeCompare([]byte(stored), []byte(provided)) != 1 {
		return errors.New("secret mismatch")
	}
	return nil
}

// TokenRequest is the parsed token request. Form is nil or empty when the
// body carried no fields.
type TokenRequest struct {
	Method string
	Form   url.Values
}

// TokenResponse is the outcome of IssueToken, ready to be written.
type TokenResponse struct {
	Status      int
	AccessToken string
	ExpiresIn   int64
	ErrorCode   string
	Errors      []string
}

type tokenBody struct {
	AccessToken string `json:"access_token"`
	JWT         string `json:"jwt"`
	TokenType   string `json:"token_type"`
	ExpiresIn   int64  `json:"expires_in"`
	Scope       string `json:"scope"`
}

type tokenErrBody struct {
	Error  string   `json:"error"`
	Errors []string `json:"errors"`
}

// Write renders the response with the no-store caching headers.
func (r TokenResponse) Write(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json;charset=UTF-8")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Pragma", "no-cache")
	w.WriteHeader(r.Status)
	if r.Status == http.StatusOK {
		_ = json.NewEncoder(w).Encode(tokenBody{
			AccessToken: r.AccessToken,
			JWT:         r.AccessToken,
			TokenType:   "bearer",
			ExpiresIn:   r.ExpiresIn,
			Scope:       "",
		})
		return
	}
	_ = json.NewEncoder(w).Encode(tokenErrBody{Error: r.ErrorCode, Errors: r.Errors})
}

// TokenIssuer issues client-credentials bearer tokens.
type TokenIssuer struct {
	// Clients, when set, verifies the secret against a registered client.
	Clients ClientVerifier
	Now     func() time.Time
	Logger  zerolog.Logger
}

// IssueToken validates req and mints a token or an error response.
func (s *TokenIssuer) IssueToken(ctx context.Context, req TokenRequest) TokenResponse {
	errs := validateTokenRequest(req)
	clientID := req.Form.Get("client_id")
	secret := req.Form.Get("client_secret")

	if len(errs) == 0 && s.Clients != nil {
		if err := s.Clients.VerifyClient(ctx, clientID, secret); err != nil {
			errs = append(errs, "client credentials invalid")
		}
	}
	if len(errs) > 0 {
		s.Logger.Info().Strs("errors", errs).Msg("token request rejected")
		return tokenError(errs)
	}

	now := s.now()
	claims := jwt.MapClaims{
		"sub":        clientID,
		"expires_in": int64(tokenTTL.Seconds()),
		"token_type": "bearer",
		"scope":      "",
		"iat":        now.Unix(),
		"exp":        now.Add(tokenTTL).Unix(),
		"jti":        uuid.NewString(),
	}
	signed, err := signWithSecret(claims, secret)
	if err != nil {
		s.Logger.Error().Err(err).Msg("token signing failed")
		return TokenResponse{Status: http.StatusInternalServerError, ErrorCode: errInvalidRequest, Errors: []string{"signing failed"}}
	}
	return TokenResponse{Status: http.StatusOK, AccessToken: signed, ExpiresIn: int64(tokenTTL.Seconds())}
}

// Handler returns http.HandlerFunc for the token endpoint.
func (s *TokenIssuer) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		req := TokenRequest{Method: r.Method}
		if err := r.ParseForm(); err == nil {
			req.Form = r.PostForm
		}
		s.IssueToken(r.Context(), req).Write(w)
	}
}

func validateTokenRequest(req TokenRequest) []string {
	var errs []string
	if req.Method != http.MethodPost {
		errs = append(errs, "Method invalid")
	}
	if len(req.Form) == 0 {
		return append(errs, "body data missing")
	}
	if _, ok := req.Form["grant_type"]; !ok {
		errs = append(errs, "grant type missing")
	} else if req.Form.Get("grant_type") != grantClientCredentials {
		errs = append(errs, "grant type invalid")
	}
	if _, ok := req.Form["client_id"]; !ok {
		errs = append(errs, "client id missing")
	} else if req.Form.Get("client_id") == "" {
		errs = append(errs, "client id invalid")
	}
	if _, ok := req.Form["client_secret"]; !ok {
		errs = append(errs, "client secret missing")
	} else if req.Form.Get("client_secret") == "" {
		errs = append(errs, "client secret invalid")
	}
	return errs
}

func tokenError(errs []string) TokenResponse {
	status, code := http.StatusBadRequest, errInvalidRequest
	for _, e := range errs {
		if strings.Contains(e, "grant type invalid") {
			return TokenResponse{Status: http.StatusBadRequest, ErrorCode: errUnsupportedGrantType, Errors: errs}
		}
		if strings.Contains(e, "invalid") {
			status, code = http.StatusUnauthorized, errInvalidClient
		}
	}
	return TokenResponse{Status: status, ErrorCode: code, Errors: errs}
}

func signWithSecret(claims jwt.MapClaims, secret string) (string, error) {
	if key, err := jwt.ParseRSAPrivateKeyFromPEM([]byte(secret)); err == nil {
		return jwt.NewWithClaims(jwt.SigningMethodRS256, claims).SignedString(key)
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

func (s *TokenIssuer) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}
