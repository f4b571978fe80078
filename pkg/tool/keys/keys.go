// pkg/tool/keys/keys.go
package keys

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
)

/*
Key material for Platform registrations (Tool side)

Every registered Platform gets its own RSA key pair. The key id doubles as the
passphrase protecting the private key at rest, so a record is only usable by
someone who also holds the full KeyMaterial. The key id is secret: it is never
published or logged. Public surfaces identify the key by PublicKeyID.

    km, err := keys.GenerateIdentity()
    priv, err := km.PrivateKey()     // decrypts with km.KeyID
    jwk, err := km.PublicJWK()       // kid = km.PublicKeyID(), for /.well-known/jwks.json
*/

const (
	// DefaultRSABits is the modulus size used for new identities.
	DefaultRSABits = 4096
	// KeyIDLength is the number of alphanumeric characters in a generated key id.
	KeyIDLength = 255
	// MinKeyIDLength is the shortest key id accepted when loading material.
	MinKeyIDLength = 200
)

var (
	ErrNoPublicKey  = errors.New("keys: public key missing")
	ErrNoPrivateKey = errors.New("keys: private key missing")
	ErrShortKeyID   = errors.New("keys: key id too short")
	ErrNotRSA       = errors.New("keys: not an RSA key")
)

// KeyMaterial is the per-registration key pair. PrivateKeyPEM is always the
// encrypted form produced by EncryptPrivateKey.
type KeyMaterial struct {
	PublicKeyPEM  string `json:"publicKey"`
	PrivateKeyPEM string `json:"-"`
	KeyID         string `json:"-"`
}

// Generator creates identities. Bits defaults to DefaultRSABits.
type Generator struct {
	Bits int
}

// GenerateIdentity creates a fresh 4096-bit identity.
func GenerateIdentity() (KeyMaterial, error) {
	return Generator{}.Generate()
}

func (g Generator) Generate() (KeyMaterial, error) {
	kid, err := RandomString(KeyIDLength)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("keys: key id: %w", err)
	}
	priv, err := rsa.GenerateKey(rand.Reader, g.bits())
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("keys: generate rsa: %w", err)
	}
	pubDER, err := x509.MarshalPKIXPublicKey(&priv.PublicKey)
	if err != nil {
		return KeyMaterial{}, fmt.Errorf("keys: marshal public: %w", err)
	}
	encPEM, err := EncryptPrivateKey(priv, kid)
	if err != nil {
		return KeyMaterial{}, err
	}
	return KeyMaterial{
		PublicKeyPEM:  string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubDER})),
		PrivateKeyPEM: encPEM,
		KeyID:         kid,
	}, nil
}

func (g Generator) bits() int {
	if g.Bits > 0 {
		return g.Bits
	}
	return DefaultRSABits
}

// Validate checks that the material is complete enough to sign and publish.
func (k KeyMaterial) Validate() error {
	if len(k.KeyID) < MinKeyIDLength {
		return ErrShortKeyID
	}
	if k.PublicKeyPEM == "" {
		return ErrNoPublicKey
	}
	if k.PrivateKeyPEM == "" {
		return ErrNoPrivateKey
	}
	return nil
}

// PublicKey parses PublicKeyPEM.
func (k KeyMaterial) PublicKey() (*rsa.PublicKey, error) {
	if k.PublicKeyPEM == "" {
		return nil, ErrNoPublicKey
	}
	return ParsePublicKeyPEM([]byte(k.PublicKeyPEM))
}

// PrivateKey decrypts PrivateKeyPEM using the key id as passphrase.
func (k KeyMaterial) PrivateKey() (*rsa.PrivateKey, error) {
	if k.PrivateKeyPEM == "" {
		return nil, ErrNoPrivateKey
	}
	return DecryptPrivateKey(k.PrivateKeyPEM, k.KeyID)
}

// ParsePublicKeyPEM accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") blocks.
func ParsePublicKeyPEM(b []byte) (*rsa.PublicKey, error) {
	block, _ := pem.Decode(b)
	if block == nil {
		return nil, errors.New("keys: invalid PEM")
	}
	switch block.Type {
	case "RSA PUBLIC KEY":
		return x509.ParsePKCS1PublicKey(block.Bytes)
	default:
		pub, err := x509.ParsePKIXPublicKey(block.Bytes)
		if err != nil {
			return nil, fmt.Errorf("keys: parse public: %w", err)
		}
		rsaPub, ok := pub.(*rsa.PublicKey)
		if !ok {
			return nil, ErrNotRSA
		}
		return rsaPub, nil
	}
}
