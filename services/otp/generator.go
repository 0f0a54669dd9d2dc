package otp

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"math/big"

	"github.com/tech-arch1tect/otpauth/config"
	"go.uber.org/fx"
)

var ErrInvalidLength = errors.New("otp length must be positive")

var Module = fx.Options(
	fx.Provide(NewGeneratorFromConfig),
)

// Generator produces fixed-length numeric codes, each digit drawn uniformly
// from a cryptographic source.
type Generator struct {
	length int
	source io.Reader
}

func NewGenerator(length int) (*Generator, error) {
	if length <= 0 {
		return nil, ErrInvalidLength
	}
	return &Generator{length: length, source: rand.Reader}, nil
}

func NewGeneratorFromConfig(cfg *config.Config) (*Generator, error) {
	return NewGenerator(cfg.OTP.Length)
}

func (g *Generator) Generate() (string, error) {
	ten := big.NewInt(10)
	code := make([]byte, g.length)

	for i := range code {
		n, err := rand.Int(g.source, ten)
		if err != nil {
			return "", fmt.Errorf("failed to generate otp: %w", err)
		}
		code[i] = byte('0' + n.Int64())
	}

	return string(code), nil
}

// ValidFormat reports whether code has the generator's length and only digits.
func (g *Generator) ValidFormat(code string) bool {
	if len(code) != g.length {
		return false
	}
	for i := 0; i < len(code); i++ {
		if code[i] < '0' || code[i] > '9' {
			return false
		}
	}
	return true
}
