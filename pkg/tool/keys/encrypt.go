package keys

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"

	"golang.org/x/crypto/scrypt"
)

const (
	encryptedBlockType = "ENCRYPTED PRIVATE KEY"

	scryptN      = 1 << 15
	scryptR      = 8
	scryptP      = 1
	scryptKeyLen = 32
	saltLen      = 16
)

var ErrDecrypt = errors.New("keys: unable to decrypt private key")

// EncryptPrivateKey serialises priv as PKCS#8 and seals it with AES-256-GCM
// under an scrypt-derived key. Salt and nonce travel as PEM headers.
func EncryptPrivateKey(priv *rsa.PrivateKey, passphrase string) (string, error) {
	if priv == nil {
		return "", ErrNoPrivateKey
	}
	if passphrase == "" {
		return "", errors.New("keys: empty passphrase")
	}
	der, err := x509.MarshalPKCS8PrivateKey(priv)
	if err != nil {
		return "", fmt.Errorf("keys: marshal private: %w", err)
	}

	salt := make([]byte, saltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := aead.Seal(nil, nonce, der, nil)

	block := &pem.Block{
		Type: encryptedBlockType,
		Headers: map[string]string{
			"KDF":    "scrypt",
			"Cipher": "AES-256-GCM",
			"Salt":   base64.StdEncoding.EncodeToString(salt),
			"Nonce":  base64.StdEncoding.EncodeToString(nonce),
		},
		Bytes: sealed,
	}
	return string(pem.EncodeToMemory(block)), nil
}

// DecryptPrivateKey reverses EncryptPrivateKey. A wrong passphrase yields ErrDecrypt.
func DecryptPrivateKey(pemText, passphrase string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemText))
	if block == nil || block.Type != encryptedBlockType {
		return nil, errors.New("keys: not an encrypted private key")
	}
	salt, err := base64.StdEncoding.DecodeString(block.Headers["Salt"])
	if err != nil || len(salt) == 0 {
		return nil, errors.New("keys: bad salt header")
	}
	nonce, err := base64.StdEncoding.DecodeString(block.Headers["Nonce"])
	if err != nil {
		return nil, errors.New("keys: bad nonce header")
	}
	aead, err := newAEAD(passphrase, salt)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("keys: bad nonce header")
	}
	der, err := aead.Open(nil, nonce, block.Bytes, nil)
	if err != nil {
		return nil, ErrDecrypt
	}
	k, err := x509.ParsePKCS8PrivateKey(der)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private: %w", err)
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, ErrNotRSA
	}
	return rsaKey, nil
}

// PrivateKeyPEM returns the unencrypted PKCS#1 PEM for priv, the form
// TokenIssuer accepts as an RS256 signing secret.
func PrivateKeyPEM(priv *rsa.PrivateKey) string {
	der := x509.MarshalPKCS1PrivateKey(priv)
	return string(pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}))
}

func newAEAD(passphrase string, salt []byte) (cipher.AEAD, error) {
	key, err := scrypt.Key([]byte(passphrase), salt, scryptN, scryptR, scryptP, scryptKeyLen)
	if err != nil {
		return nil, fmt.Errorf("keys: derive key: %w", err)
	}
	blk, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	return cipher.NewGCM(blk)
}
