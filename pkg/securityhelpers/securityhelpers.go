package securityhelpers

import (
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"math/big"
	"time"

	"golang.org/x/crypto/bcrypt"
)

const passwordAlphabet = "abcdefghijklmnopqrstuvwxyzABCDEFGHIJKLMNOPQRSTUVWXYZ0123456789"

// DefaultPasswordLength matches what the security plugin tooling generates.
const DefaultPasswordLength = 32

// GeneratePassword returns a random alphanumeric password of the given
// length using crypto/rand.
func GeneratePassword(length int) (string, error) {
	if length < 1 {
		return "", fmt.Errorf("password length must be positive, got [%d]", length)
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(passwordAlphabet)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			return "", fmt.Errorf("could not read random bytes: %w", err)
		}
		out[i] = passwordAlphabet[n.Int64()]
	}
	return string(out), nil
}

// HashPassword returns the bcrypt hash the security config expects.
// Plaintext never reaches the engine, only this hash does.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("could not hash password: %w", err)
	}
	return string(hash), nil
}

// VerifyPassword reports whether the plaintext matches the bcrypt hash.
func VerifyPassword(hash, password string) bool {
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}

// CertExpirationRemainingHours parses a PEM encoded certificate and
// returns the whole hours until it expires at the given time. Expired
// certificates yield zero or negative values.
func CertExpirationRemainingHours(certPEM []byte, now time.Time) (int, error) {
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return 0, fmt.Errorf("no PEM block found in certificate")
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return 0, fmt.Errorf("could not parse certificate: %w", err)
	}
	return int(cert.NotAfter.Sub(now).Hours()), nil
}
