// pkg/tool/platforms/platform.go
package platforms

import (
	"context"
	"errors"
	"net/url"
	"strings"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
)

/*
Platform registry (Tool side)

A Platform (LMS) is registered once per issuer. The registration carries the
OAuth/OIDC endpoints the Tool talks to, how the Platform's signatures are
verified (AuthConfig) and the Tool's own key pair for that Platform.

Only lookup and insert are supported; registrations are immutable here.
*/

// Verification methods for Platform-signed messages.
const (
	// AuthJWKSet: AuthConfig.Key is the Platform's key-set URL.
	AuthJWKSet = "JWK_SET"
	// AuthRSAKey: AuthConfig.Key is a PEM-encoded RSA public key.
	AuthRSAKey = "RSA_KEY"
)

var (
	// NotFound is returned by Store implementations for unknown issuers.
	NotFound = errors.New("platforms: not found")
	// ErrExists is returned by Insert when the issuer is already registered.
	ErrExists = errors.New("platforms: issuer already registered")
)

// AuthConfig describes how to verify tokens signed by the Platform.
type AuthConfig struct {
	Method string `json:"method"`
	Key    string `json:"key"`
}

// Platform is one registration. Issuer is unique.
type Platform struct {
	Issuer      string           `json:"issuer"`
	Name        string           `json:"name"`
	ClientID    string           `json:"clientId"`
	AuthURL     string           `json:"authUrl"`
	TokenURL    string           `json:"tokenUrl"`
	RedirectURI string           `json:"redirectUri"`
	AuthConfig  AuthConfig       `json:"authConfig"`
	Keys        keys.KeyMaterial `json:"-"`
}

// Store persists registrations.
type Store interface {
	Lookup(ctx context.Context, issuer string) (Platform, error)
	Insert(ctx context.Context, p Platform) error
}

// PublicKey returns the Tool public key registered for issuer.
func PublicKey(ctx context.Context, store Store, issuer string) (string, error) {
	p, err := store.Lookup(ctx, issuer)
	if err != nil {
		return "", err
	}
	if p.Keys.PublicKeyPEM == "" {
		return "", keys.ErrNoPublicKey
	}
	return p.Keys.PublicKeyPEM, nil
}

// Validate reports the first problem with p, or "" when p is acceptable.
func (p Platform) Validate() string {
	switch {
	case strings.TrimSpace(p.Issuer) == "":
		return "issuer is required"
	case strings.TrimSpace(p.Name) == "":
		return "name is required"
	case strings.TrimSpace(p.ClientID) == "":
		return "clientId is required"
	case !isHTTPURL(p.AuthURL):
		return "authUrl must be http(s) URL"
	case !isHTTPURL(p.TokenURL):
		return "tokenUrl must be http(s) URL"
	case !isHTTPURL(p.RedirectURI):
		return "redirectUri must be http(s) URL"
	}
	switch p.AuthConfig.Method {
	case AuthJWKSet:
		if !isHTTPURL(p.AuthConfig.Key) {
			return "authConfig.key must be the key set URL"
		}
	case AuthRSAKey:
		if _, err := keys.ParsePublicKeyPEM([]byte(p.AuthConfig.Key)); err != nil {
			return "authConfig.key must be a PEM RSA public key"
		}
	default:
		return "authConfig.method must be JWK_SET or RSA_KEY"
	}
	return ""
}

func isHTTPURL(s string) bool {
	u, err := url.Parse(strings.TrimSpace(s))
	if err != nil {
		return false
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return false
	}
	return u.Host != ""
}
