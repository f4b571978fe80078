package platforms

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mind-engage/mindengage-lti-tool/pkg/tool/keys"
)

// ErrInvalid wraps validation failures from Register.
var ErrInvalid = errors.New("platforms: invalid registration")

// IdentityGenerator produces key material for new registrations.
type IdentityGenerator interface {
	Generate() (keys.KeyMaterial, error)
}

// Register inserts p with freshly generated key material unless its issuer is
// already registered, in which case the existing record is returned and
// created is false. gen may be nil (4096-bit default).
func Register(ctx context.Context, store Store, gen IdentityGenerator, p Platform) (out Platform, created bool, err error) {
	p = normalize(p)
	if msg := p.Validate(); msg != "" {
		return Platform{}, false, fmt.Errorf("%w: %s", ErrInvalid, msg)
	}

	existing, err := store.Lookup(ctx, p.Issuer)
	switch {
	case err == nil:
		return existing, false, nil
	case !errors.Is(err, NotFound):
		return Platform{}, false, err
	}

	if gen == nil {
		gen = keys.Generator{}
	}
	km, err := gen.Generate()
	if err != nil {
		return Platform{}, false, err
	}
	p.Keys = km

	if err := store.Insert(ctx, p); err != nil {
		// Lost a race with a concurrent registration of the same issuer.
		if errors.Is(err, ErrExists) {
			existing, lerr := store.Lookup(ctx, p.Issuer)
			if lerr != nil {
				return Platform{}, false, lerr
			}
			return existing, false, nil
		}
		return Platform{}, false, err
	}
	return p, true, nil
}

func normalize(p Platform) Platform {
	p.Issuer = strings.TrimSpace(p.Issuer)
	p.Name = strings.TrimSpace(p.Name)
	p.ClientID = strings.TrimSpace(p.ClientID)
	p.AuthURL = strings.TrimSpace(p.AuthURL)
	p.TokenURL = strings.TrimSpace(p.TokenURL)
	p.RedirectURI = strings.TrimSpace(p.RedirectURI)
	p.AuthConfig.Method = strings.ToUpper(strings.TrimSpace(p.AuthConfig.Method))
	p.AuthConfig.Key = strings.TrimSpace(p.AuthConfig.Key)
	return p
}
