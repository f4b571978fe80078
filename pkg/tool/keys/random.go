package keys

import (
	"crypto/rand"
	"errors"
	"math/big"
)

const alphanumeric = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// RandomString returns n characters drawn uniformly from [A-Za-z0-9] using
// crypto/rand. Used for key ids, OIDC state and nonce values.
func RandomString(n int) (string, error) {
	if n <= 0 {
		return "", errors.New("keys: length must be positive")
	}
	max := big.NewInt(int64(len(alphanumeric)))
	out := make([]byte, n)
	for i := range out {
		idx, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", err
		}
		out[i] = alphanumeric[idx.Int64()]
	}
	return string(out), nil
}
