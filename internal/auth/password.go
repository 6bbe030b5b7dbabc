package auth

import "golang.org/x/crypto/bcrypt"

// PasswordHasher turns plaintext passwords into opaque digests and checks them.
type PasswordHasher interface {
	Hash(plaintext string) (string, error)
	Verify(plaintext, digest string) bool
}

type BcryptHasher struct {
	cost int
}

// NewBcryptHasher returns a bcrypt hasher. A cost of 0 selects bcrypt.DefaultCost.
func NewBcryptHasher(cost int) *BcryptHasher {
	if cost == 0 {
		cost = bcrypt.DefaultCost
	}
	return &BcryptHasher{cost: cost}
}

func (h *BcryptHasher) Hash(p string) (string, error) {
	b, err := bcrypt.GenerateFromPassword([]byte(p), h.cost)
	return string(b), err
}

func (h *BcryptHasher) Verify(p, digest string) bool {
	return bcrypt.CompareHashAndPassword([]byte(digest), []byte(p)) == nil
}
