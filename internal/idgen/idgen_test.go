package idgen

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerate_LengthAndAlphabet(t *testing.T) {
	g := New()

	for i := 0; i < 1000; i++ {
		id, err := g.Generate()
		require.NoError(t, err)
		assert.Len(t, id, Length)
		assert.True(t, Valid(id), "id %q has characters outside the alphabet", id)
		assert.False(t, strings.ContainsAny(id, "0O1lIo"))
	}
}

func TestGenerate_Unique(t *testing.T) {
	g := New()
	seen := make(map[string]struct{}, 50000)

	for i := 0; i < 50000; i++ {
		id := g.MustGenerate()
		_, dup := seen[id]
		require.False(t, dup, "duplicate id %s", id)
		seen[id] = struct{}{}
	}
}

func TestGenerate_RejectsBiasedBytes(t *testing.T) {
	// 255 is above the rejection limit and must be skipped.
	src := bytes.NewReader(append(bytes.Repeat([]byte{255}, 8), bytes.Repeat([]byte{0}, 16)...))
	g := NewWithReader(src, 4)

	id, err := g.Generate()
	require.NoError(t, err)
	assert.Equal(t, strings.Repeat(string(Alphabet[0]), 4), id)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("entropy exhausted") }

func TestGenerate_EntropyFailure(t *testing.T) {
	g := NewWithReader(failingReader{}, 0)

	_, err := g.Generate()
	assert.Error(t, err)
	assert.Panics(t, func() { g.MustGenerate() })
}

func TestValid(t *testing.T) {
	assert.True(t, Valid("abcDEF234"))
	assert.False(t, Valid(""))
	assert.False(t, Valid("../etc"))
	assert.False(t, Valid("abc0"))
}
