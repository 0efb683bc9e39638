// Package idgen issues short, URL-safe job identifiers.
package idgen

import (
	"crypto/rand"
	"fmt"
	"io"
)

// Alphabet excludes the visually ambiguous 0 O o 1 l I.
const Alphabet = "23456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnpqrstuvwxyz"

// Length gives 56^12 (about 2^69.7) possible ids, which keeps the birthday
// collision probability below 1e-7 at 10^7 ids.
const Length = 12

// Generator draws ids from an entropy source
type Generator struct {
	entropy io.Reader
	length  int
}

// New returns a generator backed by crypto/rand
func New() *Generator {
	return &Generator{entropy: rand.Reader, length: Length}
}

// NewWithReader returns a generator reading entropy from r
func NewWithReader(r io.Reader, length int) *Generator {
	if length <= 0 {
		length = Length
	}
	return &Generator{entropy: r, length: length}
}

// Generate returns a fresh id. An error means the entropy source is exhausted.
func (g *Generator) Generate() (string, error) {
	// Largest multiple of len(Alphabet) that fits in a byte; bytes at or above
	// it are rejected so every symbol is equally likely.
	const limit = 256 - 256%len(Alphabet)

	id := make([]byte, 0, g.length)
	buf := make([]byte, g.length*2)
	for len(id) < g.length {
		if _, err := io.ReadFull(g.entropy, buf); err != nil {
			return "", fmt.Errorf("read entropy: %w", err)
		}
		for _, b := range buf {
			if int(b) >= limit {
				continue
			}
			id = append(id, Alphabet[int(b)%len(Alphabet)])
			if len(id) == g.length {
				break
			}
		}
	}
	return string(id), nil
}

// MustGenerate is Generate for callers that treat entropy failure as fatal
func (g *Generator) MustGenerate() string {
	id, err := g.Generate()
	if err != nil {
		panic(err)
	}
	return id
}

// Valid reports whether s looks like an id this package produced
func Valid(s string) bool {
	if len(s) == 0 || len(s) > 64 {
		return false
	}
	for i := 0; i < len(s); i++ {
		if !inAlphabet(s[i]) {
			return false
		}
	}
	return true
}

func inAlphabet(c byte) bool {
	for i := 0; i < len(Alphabet); i++ {
		if Alphabet[i] == c {
			return true
		}
	}
	return false
}
