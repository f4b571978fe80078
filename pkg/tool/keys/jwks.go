// pkg/tool/keys/jwks.go
package keys

import (
	"context"
	"crypto"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
)

/*
JWKS publication (Tool side)

Platforms that verify Tool-signed messages fetch the Tool's public keys from
  https://<tool>/.well-known/jwks.json
The handler builds the set from every registration's public key. The
published "kid" is the RFC 7638 thumbprint of that public key, never
KeyMaterial.KeyID: the key id is the passphrase of the stored private key.
*/

// PublicKeySource lists the key material whose public halves are published.
type PublicKeySource interface {
	PublicKeys(ctx context.Context) ([]KeyMaterial, error)
}

// PublicJWK converts the public half of k into a JWK with kid/alg/use set.
// The kid is PublicKeyID.
func (k KeyMaterial) PublicJWK() (jwk.Key, error) {
	key, err := k.importPublic()
	if err != nil {
		return nil, err
	}
	kid, err := thumbprintID(key)
	if err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyIDKey, kid); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.AlgorithmKey, "RS256"); err != nil {
		return nil, err
	}
	if err := key.Set(jwk.KeyUsageKey, "sig"); err != nil {
		return nil, err
	}
	return key, nil
}

// PublicKeyID is the base64url SHA-256 JWK thumbprint (RFC 7638) of the
// public key. It is safe to publish and log.
func (k KeyMaterial) PublicKeyID() (string, error) {
	key, err := k.importPublic()
	if err != nil {
		return "", err
	}
	return thumbprintID(key)
}

func (k KeyMaterial) importPublic() (jwk.Key, error) {
	pub, err := k.PublicKey()
	if err != nil {
		return nil, err
	}
	key, err := jwk.Import(pub)
	if err != nil {
		return nil, fmt.Errorf("keys: import jwk: %w", err)
	}
	return key, nil
}

func thumbprintID(key jwk.Key) (string, error) {
	tp, err := key.Thumbprint(crypto.SHA256)
	if err != nil {
		return "", fmt.Errorf("keys: thumbprint: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(tp), nil
}

// BuildSet assembles a JWK set from the given material. Unparseable entries
// are skipped; an error is returned only when none could be added.
func BuildSet(materials []KeyMaterial) (jwk.Set, error) {
	set := jwk.NewSet()
	var firstErr error
	for _, m := range materials {
		key, err := m.PublicJWK()
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		if err := set.AddKey(key); err != nil {
			return nil, err
		}
	}
	if set.Len() == 0 && firstErr != nil {
		return nil, firstErr
	}
	return set, nil
}

// JWKSHandler serves /.well-known/jwks.json for the Tool.
type JWKSHandler struct {
	Source PublicKeySource

	// Optional: cache control for responses (default: 10 minutes).
	CacheMaxAge time.Duration
	// Optional: override the clock (useful in tests).
	Now func() time.Time
}

func (h *JWKSHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Source == nil {
		http.Error(w, "jwks: not configured", http.StatusInternalServerError)
		return
	}
	materials, err := h.Source.PublicKeys(r.Context())
	if err != nil {
		http.Error(w, "jwks: "+err.Error(), http.StatusInternalServerError)
		return
	}
	set, err := BuildSet(materials)
	if err != nil {
		http.Error(w, "jwks: "+err.Error(), http.StatusInternalServerError)
		return
	}
	payload, err := json.Marshal(set)
	if err != nil {
		http.Error(w, "jwks: marshal error", http.StatusInternalServerError)
		return
	}

	etag := computeETag(payload)
	w.Header().Set("Content-Type", "application/jwk-set+json")
	w.Header().Set("Cache-Control", "public, max-age="+strconv.Itoa(int(h.cacheAge().Seconds())))
	w.Header().Set("ETag", etag)
	w.Header().Set("Last-Modified", h.now().UTC().Format(http.TimeFormat))

	if match := r.Header.Get("If-None-Match"); match != "" && match == etag {
		w.WriteHeader(http.StatusNotModified)
		return
	}
	if r.Method == http.MethodHead {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(payload)
}

func (h *JWKSHandler) now() time.Time {
	if h.Now != nil {
		return h.Now()
	}
	return time.Now()
}

func (h *JWKSHandler) cacheAge() time.Duration {
	if h.CacheMaxAge > 0 {
		return h.CacheMaxAge
	}
	return 10 * time.Minute
}

func computeETag(b []byte) string {
	sum := sha256.Sum256(b)
	return `W/"` + base64.RawURLEncoding.EncodeToString(sum[:]) + `"`
}
