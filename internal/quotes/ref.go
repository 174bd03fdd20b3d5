package quotes

import (
	"crypto/rand"
	"math/big"
)

const (
	refPrefix   = "Q-"
	refLength   = 8
	refAlphabet = "0123456789ABCDEFGHJKMNPQRSTVWXYZ"
)

// RefGenerator issues human-readable quote references. Uniqueness is enforced by the
// database; callers retry on collision.
type RefGenerator interface {
	NewRef() (string, error)
}

type randomRefGenerator struct{}

// NewRandomRefGenerator returns a generator of codes like "Q-7K3M9XQ2".
func NewRandomRefGenerator() RefGenerator {
	return randomRefGenerator{}
}

func (randomRefGenerator) NewRef() (string, error) {
	alphabetSize := big.NewInt(int64(len(refAlphabet)))
	code := make([]byte, refLength)
	for index := range code {
		position, err := rand.Int(rand.Reader, alphabetSize)
		if err != nil {
			return "", err
		}
		code[index] = refAlphabet[position.Int64()]
	}
	return refPrefix + string(code), nil
}
