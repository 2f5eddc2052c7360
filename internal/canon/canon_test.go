package canon

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCanonicalizeOrdersAndStripsNulls(t *testing.T) {
	input := map[string]any{
		"b": "value",
		"a": 1,
		"c": nil,
		"d": map[string]any{"z": nil, "y": true},
	}

	got, err := Canonicalize(input)
	require.NoError(t, err)
	assert.Equal(t, `{"a":1,"b":"value","d":{"y":true}}`, string(got))
}

func TestCanonicalizeRejectsFloats(t *testing.T) {
	_, err := Canonicalize(1.25)
	assert.ErrorIs(t, err, ErrFloatNotAllowed)

	_, err = Canonicalize(json.Number("1.25"))
	assert.ErrorIs(t, err, ErrFloatNotAllowed)

	got, err := Canonicalize(json.Number("42"))
	require.NoError(t, err)
	assert.Equal(t, "42", string(got))
}

func TestCanonicalizeNormalizesNFC(t *testing.T) {
	got, err := Canonicalize(map[string]any{"text": "e\u0301"})
	require.NoError(t, err)
	assert.Equal(t, "{\"text\":\"\u00e9\"}", string(got))

	_, err = Canonicalize(map[string]any{"e\u0301": 1, "\u00e9": 2})
	assert.ErrorIs(t, err, ErrKeyCollision)
}

func TestCanonicalizeRejectsUnsupported(t *testing.T) {
	_, err := Canonicalize(map[int]any{1: "a"})
	assert.ErrorIs(t, err, ErrNonStringMapKey)

	type payload struct{ A int }
	_, err = Canonicalize(payload{A: 1})
	assert.ErrorIs(t, err, ErrUnsupportedType)
}

func TestCanonicalizeTypedStringsAndSlices(t *testing.T) {
	type label string
	got, err := Canonicalize([]any{label("x"), nil, []string{"b", "a"}})
	require.NoError(t, err)
	assert.Equal(t, `["x",null,["b","a"]]`, string(got))

	var nilSlice []string
	got, err = Canonicalize(nilSlice)
	require.NoError(t, err)
	assert.Equal(t, "null", string(got))
}

func TestDigestIsOrderIndependentForMaps(t *testing.T) {
	a, err := Digest(map[string]any{"x": "1", "y": "2"})
	require.NoError(t, err)
	b, err := Digest(map[string]any{"y": "2", "x": "1"})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	assert.Len(t, a, len("sha256:")+64)
}

func TestShortDigest(t *testing.T) {
	s, err := ShortDigest([]string{"a"}, 12)
	require.NoError(t, err)
	assert.Len(t, s, 12)

	full, err := ShortDigest([]string{"a"}, 0)
	require.NoError(t, err)
	assert.Len(t, full, 64)
	assert.Equal(t, s, full[:12])
}

func BenchmarkCanonicalize(b *testing.B) {
	input := map[string]any{
		"error_class": "MISSING_SECRET",
		"signature":   []any{"aws::lambda::function", "secrets manager cannot find the specified secret"},
		"nested":      map[string]any{"b": "two", "a": "one", "n": 123},
	}
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		if _, err := Canonicalize(input); err != nil {
			b.Fatalf("canonicalize: %v", err)
		}
	}
}
