package password

import (
	"errors"
	"fmt"

	"github.com/tech-arch1tect/otpauth/config"
	"go.uber.org/fx"
	"golang.org/x/crypto/bcrypt"
)

var Module = fx.Options(
	fx.Provide(NewBcryptFromConfig),
	fx.Provide(func(b *Bcrypt) Hasher { return b }),
)

type Hasher interface {
	Hash(plaintext string) (string, error)
	Matches(plaintext, hash string) (bool, error)
}

type Bcrypt struct {
	cost int
}

func NewBcrypt(cost int) *Bcrypt {
	if cost < bcrypt.MinCost || cost > bcrypt.MaxCost {
		cost = bcrypt.DefaultCost
	}
	return &Bcrypt{cost: cost}
}

func NewBcryptFromConfig(cfg *config.Config) *Bcrypt {
	return NewBcrypt(cfg.Auth.BcryptCost)
}

func (b *Bcrypt) Hash(plaintext string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(plaintext), b.cost)
	if err != nil {
		return "", fmt.Errorf("failed to hash password: %w", err)
	}
	return string(hash), nil
}

// Matches returns false without error on a plain mismatch; an error means the
// stored hash itself is unusable.
func (b *Bcrypt) Matches(plaintext, hash string) (bool, error) {
	err := bcrypt.CompareHashAndPassword([]byte(hash), []byte(plaintext))
	switch {
	case err == nil:
		return true, nil
	case errors.Is(err, bcrypt.ErrMismatchedHashAndPassword):
		return false, nil
	default:
		return false, fmt.Errorf("failed to verify password: %w", err)
	}
}
