package idmask

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRoundTrip(t *testing.T) {
	for _, id := range []uint64{0, 1, 2, 42, 1000, 1 << 32, math.MaxUint64} {
		tok := Encode(id)
		assert.GreaterOrEqual(t, len(tok), minLength)
		got, err := Decode(tok)
		require.NoError(t, err, "id %d token %q", id, tok)
		assert.Equal(t, id, got)
	}
}

func TestSequentialIDsDoNotLookSequential(t *testing.T) {
	assert.NotEqual(t, Encode(1), Encode(2))
	assert.NotEqual(t, "1", Encode(1))
	assert.Equal(t, Encode(1), Encode(1))
}

func TestDecodeRejectsGarbage(t *testing.T) {
	for _, tok := range []string{"", "abc-def", "ünïcode", "!!!", "a b"} {
		_, err := Decode(tok)
		assert.ErrorIs(t, err, ErrInvalidToken, tok)
	}
}

func TestDecodeRejectsNonCanonicalTokens(t *testing.T) {
	tok := Encode(12345)
	for _, alt := range []string{tok + tok[:1], tok[1:], tok[:len(tok)-1]} {
		if id, err := Decode(alt); err == nil {
			assert.Equal(t, alt, Encode(id), "accepted token must be canonical")
		}
	}
	got, err := Decode(tok)
	require.NoError(t, err)
	assert.Equal(t, uint64(12345), got)
}

func TestSessionMemoizes(t *testing.T) {
	s := NewSession()
	a := s.Encode(77)
	assert.Equal(t, a, s.Encode(77))
	assert.Equal(t, 1, s.Len())

	id, err := s.Decode(a)
	require.NoError(t, err)
	assert.Equal(t, uint64(77), id)

	other := Encode(78)
	id, err = s.Decode(other)
	require.NoError(t, err)
	assert.Equal(t, uint64(78), id)
	assert.Equal(t, 2, s.Len())

	_, err = s.Decode("!")
	assert.Error(t, err)
}
