// pkg/tool/lti/resolver.go
package lti

import (
	"context"
	"crypto/rsa"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
)

/*
Platform key resolution

Launch tokens name their signing key in the "kid" header. The Platform's key
set is fetched from <keySetURL>?kid=<kid>, the matching JWK is exported to an
RSA public key, and the result is cached per (URL, kid) for TTL. Concurrent
misses for the same (URL, kid) share one fetch, which runs detached from any
single caller's cancellation and is bounded by FetchTimeout.
*/

const maxKeySetBytes = 1 << 20

type keyCacheKey struct {
	url string
	kid string
}

type cachedKey struct {
	pub       *rsa.PublicKey
	expiresAt time.Time
}

// KeyResolver fetches and caches Platform verification keys.
type KeyResolver struct {
	HTTP         *http.Client
	TTL          time.Duration // default 10 minutes
	FetchTimeout time.Duration // bounds one shared key-set fetch, default 15s
	Now          func() time.Time
	Logger       zerolog.Logger

	mu    sync.RWMutex
	cache map[keyCacheKey]cachedKey
	group singleflight.Group
}

func NewKeyResolver(hc *http.Client, ttl time.Duration, logger zerolog.Logger) *KeyResolver {
	if hc == nil {
		hc = &http.Client{Timeout: 15 * time.Second}
	}
	return &KeyResolver{
		HTTP:   hc,
		TTL:    ttl,
		Logger: logger,
		cache:  make(map[keyCacheKey]cachedKey),
	}
}

// ResolveVerificationKey returns the RSA public key identified by keyID in the
// key set at keySetURL. Errors wrap ErrKeyFetchFailed or ErrKeyNotFound.
func (r *KeyResolver) ResolveVerificationKey(ctx context.Context, keySetURL, keyID string) (*rsa.PublicKey, error) {
	ck := keyCacheKey{url: keySetURL, kid: keyID}

	if pub := r.cached(ck, r.now()); pub != nil {
		return pub, nil
	}

	ch := r.group.DoChan(keySetURL+"\x00"+keyID, func() (any, error) {
		// another caller may have filled the cache while we waited
		if pub := r.cached(ck, r.now()); pub != nil {
			return pub, nil
		}
		fetchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.fetchTimeout())
		defer cancel()
		pub, err := r.load(fetchCtx, keySetURL, keyID)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		if r.cache == nil {
			r.cache = make(map[keyCacheKey]cachedKey)
		}
		r.cache[ck] = cachedKey{pub: pub, expiresAt: r.now().Add(r.ttl())}
		r.mu.Unlock()

		r.Logger.Debug().Str("jwks_url", keySetURL).Msg("platform key cached")
		return pub, nil
	})
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, ctx.Err())
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*rsa.PublicKey), nil
	}
}

func (r *KeyResolver) cached(ck keyCacheKey, now time.Time) *rsa.PublicKey {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if c, ok := r.cache[ck]; ok && now.Before(c.expiresAt) {
		return c.pub
	}
	return nil
}

func (r *KeyResolver) load(ctx context.Context, keySetURL, keyID string) (*rsa.PublicKey, error) {
	set, err := r.fetch(ctx, keySetURL, keyID)
	if err != nil {
		return nil, err
	}
	key, found := set.LookupKeyID(keyID)
	if !found {
		return nil, fmt.Errorf("%w: kid %q", ErrKeyNotFound, keyID)
	}
	var raw any
	if err := jwk.Export(key, &raw); err != nil {
		return nil, fmt.Errorf("%w: export: %v", ErrKeyNotFound, err)
	}
	pub, ok := raw.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: kid %q is not an RSA key", ErrKeyNotFound, keyID)
	}
	return pub, nil
}

// Invalidate drops every cached key for keySetURL.
func (r *KeyResolver) Invalidate(keySetURL string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for k := range r.cache {
		if k.url == keySetURL {
			delete(r.cache, k)
		}
	}
}

func (r *KeyResolver) fetch(ctx context.Context, keySetURL, keyID string) (jwk.Set, error) {
	u, err := url.Parse(keySetURL)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	q := u.Query()
	q.Set("kid", keyID)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	req.Header.Set("Accept", "application/json")
	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode/100 != 2 {
		return nil, fmt.Errorf("%w: platform returned %s", ErrKeyFetchFailed, resp.Status)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxKeySetBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrKeyFetchFailed, err)
	}
	set, err := jwk.Parse(body)
	if err != nil {
		return nil, fmt.Errorf("%w: parse: %v", ErrKeyFetchFailed, err)
	}
	return set, nil
}

func (r *KeyResolver) client() *http.Client {
	if r.HTTP != nil {
		return r.HTTP
	}
	return http.DefaultClient
}

func (r *KeyResolver) fetchTimeout() time.Duration {
	if r.FetchTimeout > 0 {
		return r.FetchTimeout
	}
	return 15 * time.Second
}

func (r *KeyResolver) ttl() time.Duration {
	if r.TTL > 0 {
		return r.TTL
	}
	return 10 * time.Minute
}

func (r *KeyResolver) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}
