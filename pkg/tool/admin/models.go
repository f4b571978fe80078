// pkg/tool/admin/models.go
package admin

import "github.com/mind-engage/mindengage-lti-tool/pkg/tool/platforms"

// RegisterPlatformReq is the body of POST /platforms.
type RegisterPlatformReq struct {
	Issuer      string               `json:"issuer"`
	Name        string               `json:"name"`
	ClientID    string               `json:"clientId"`
	AuthURL     string               `json:"authUrl"`
	TokenURL    string               `json:"tokenUrl"`
	RedirectURI string               `json:"redirectUri"`
	AuthConfig  platforms.AuthConfig `json:"authConfig"`
}

func (r RegisterPlatformReq) platform() platforms.Platform {
	return platforms.Platform{
		Issuer:      r.Issuer,
		Name:        r.Name,
		ClientID:    r.ClientID,
		AuthURL:     r.AuthURL,
		TokenURL:    r.TokenURL,
		RedirectURI: r.RedirectURI,
		AuthConfig:  r.AuthConfig,
	}
}

// PlatformView is a registration as returned by the API. KeyID is the kid
// the Tool publishes in its JWKS, not the secret key id.
type PlatformView struct {
	platforms.Platform
	KeyID     string `json:"kid,omitempty"`
	PublicKey string `json:"publicKey"`
}

func toView(p platforms.Platform) PlatformView {
	kid, _ := p.Keys.PublicKeyID()
	return PlatformView{Platform: p, KeyID: kid, PublicKey: p.Keys.PublicKeyPEM}
}
