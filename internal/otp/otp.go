package otp

import (
	"crypto/rand"
	"fmt"
	"math/big"

	"golang.org/x/crypto/bcrypt"
)

// CodeLength is the number of digits in an issued code.
const CodeLength = 6

// Issuer generates one-time codes and stores only their bcrypt hash.
type Issuer struct {
	cost int
}

func NewIssuer(cost int) *Issuer {
	if cost < bcrypt.MinCost {
		cost = bcrypt.DefaultCost
	}
	return &Issuer{cost: cost}
}

// Issue returns a fresh code and the hash to persist in its place.
func (i *Issuer) Issue() (code, hash string, err error) {
	n, err := rand.Int(rand.Reader, big.NewInt(1_000_000))
	if err != nil {
		return "", "", fmt.Errorf("generate otp: %w", err)
	}
	code = fmt.Sprintf("%0*d", CodeLength, n.Int64())

	h, err := bcrypt.GenerateFromPassword([]byte(code), i.cost)
	if err != nil {
		return "", "", fmt.Errorf("hash otp: %w", err)
	}
	return code, string(h), nil
}

// Verify reports whether code matches hash.
func (i *Issuer) Verify(hash, code string) bool {
	if len(code) != CodeLength {
		return false
	}
	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(code)) == nil
}
