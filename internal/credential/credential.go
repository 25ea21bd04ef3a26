// Package credential hands out the default device credential. The hub only
// stores the hash; verification happens elsewhere.
package credential

import (
	"fmt"

	"golang.org/x/crypto/bcrypt"
)

// Issuer returns the default credential for enrolled devices together with
// its bcrypt hash, computed once.
type Issuer struct {
	password string
	hash     string
}

// NewIssuer hashes password with the default bcrypt cost.
func NewIssuer(password string) (*Issuer, error) {
	return newIssuer(password, bcrypt.DefaultCost)
}

func newIssuer(password string, cost int) (*Issuer, error) {
	if password == "" {
		return nil, fmt.Errorf("default device password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), cost)
	if err != nil {
		return nil, fmt.Errorf("failed to hash default device password: %w", err)
	}
	return &Issuer{password: password, hash: string(hash)}, nil
}

// Password is the plaintext handed to a device on enrollment.
func (i *Issuer) Password() string { return i.password }

// Hash is the stored form of Password.
func (i *Issuer) Hash() string { return i.hash }

// Matches reports whether candidate hashes to stored.
func Matches(stored, candidate string) bool {
	return bcrypt.CompareHashAndPassword([]byte(stored), []byte(candidate)) == nil
}
