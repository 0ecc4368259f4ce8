package tracker

import (
	"bytes"
	"encoding/base64"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testCodec(t *testing.T) *Codec {
	t.Helper()
	c, err := NewCodec(bytes.Repeat([]byte{0x42}, KeySize))
	require.NoError(t, err)
	return c
}

func TestRoundTrip(t *testing.T) {
	c := testCodec(t)
	payloads := []Payload{
		{AttemptID: "a1", IssuedAt: 1, Nonce: "00"},
		{AttemptID: "6f1c2d8e-7f55-4c4e-9d7a-0b0c8c4a2f11", IssuedAt: time.Now().UnixMilli(), Nonce: strings.Repeat("ab", 16)},
		{AttemptID: strings.Repeat("x", 200), IssuedAt: -5},
		{AttemptID: "ünïcødé/路径?&="},
	}

	for _, p := range payloads {
		tok, err := c.Encode(p)
		require.NoError(t, err)
		assert.NotContains(t, tok, "/")
		assert.NotContains(t, tok, "+")
		assert.NotContains(t, tok, "=")

		got, err := c.Decode(tok)
		require.NoError(t, err)
		assert.Equal(t, p, got)
	}
}

func TestEncodeIsNonDeterministic(t *testing.T) {
	c := testCodec(t)
	p := Payload{AttemptID: "a1", IssuedAt: 42, Nonce: "n"}

	a, err := c.Encode(p)
	require.NoError(t, err)
	b, err := c.Encode(p)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
}

func TestIssue(t *testing.T) {
	c := testCodec(t)
	now := time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC)

	a, err := c.Issue("a1", now)
	require.NoError(t, err)
	b, err := c.Issue("a1", now)
	require.NoError(t, err)
	assert.NotEqual(t, a, b)

	p, err := c.Decode(a)
	require.NoError(t, err)
	assert.Equal(t, "a1", p.AttemptID)
	assert.Equal(t, now.UnixMilli(), p.IssuedAt)
	assert.Len(t, p.Nonce, 32)
}

func TestTamperedTokensFail(t *testing.T) {
	c := testCodec(t)
	tok, err := c.Issue("a1", time.Now())
	require.NoError(t, err)
	raw, err := base64.RawURLEncoding.DecodeString(tok)
	require.NoError(t, err)

	for i := range raw {
		flipped := bytes.Clone(raw)
		flipped[i] ^= 0x01
		_, err := c.Decode(base64.RawURLEncoding.EncodeToString(flipped))
		require.Error(t, err, "byte %d", i)
		assert.ErrorIs(t, err, ErrInvalidToken)
	}
}

func TestDecodeFailures(t *testing.T) {
	c := testCodec(t)
	other, err := NewCodec(bytes.Repeat([]byte{0x07}, KeySize))
	require.NoError(t, err)
	foreign, err := other.Issue("a1", time.Now())
	require.NoError(t, err)
	valid, err := c.Issue("a1", time.Now())
	require.NoError(t, err)
	emptyID, err := c.Encode(Payload{})
	require.NoError(t, err)

	tests := []struct {
		name   string
		token  string
		reason string
	}{
		{"empty", "", "invalid length"},
		{"not base64", "%%%not-base64%%%", "malformed encoding"},
		{"too short", base64.RawURLEncoding.EncodeToString(make([]byte, 20)), "invalid length"},
		{"misaligned", base64.RawURLEncoding.EncodeToString(make([]byte, ivSize+tagSize+17)), "invalid length"},
		{"wrong key", foreign, "authentication failed"},
		{"truncated", valid[:len(valid)-4], ""},
		{"missing attempt id", emptyID, "missing attempt id"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.Decode(tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidToken)

			var de *DecodeError
			require.True(t, errors.As(err, &de))
			if tt.reason != "" {
				assert.Equal(t, tt.reason, de.Reason)
			}
		})
	}
}

func TestKeyValidation(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33, 64} {
		_, err := NewCodec(make([]byte, n))
		assert.ErrorIs(t, err, ErrKeyLength, "len %d", n)
	}

	key, err := ParseKey(strings.Repeat("0f", KeySize))
	require.NoError(t, err)
	assert.Len(t, key, KeySize)

	_, err = ParseKey(strings.Repeat("0f", 16))
	assert.ErrorIs(t, err, ErrKeyLength)

	_, err = ParseKey("not hex at all")
	assert.Error(t, err)
}

func TestPadding(t *testing.T) {
	for n := 0; n <= 33; n++ {
		in := bytes.Repeat([]byte{'a'}, n)
		padded := pad(bytes.Clone(in))
		assert.Zero(t, len(padded)%16)
		out, err := unpad(padded)
		require.NoError(t, err)
		assert.Equal(t, in, out)
	}

	_, err := unpad(append(bytes.Repeat([]byte{'a'}, 15), 0))
	assert.Error(t, err)
	_, err = unpad(append(bytes.Repeat([]byte{'a'}, 14), 2, 3))
	assert.Error(t, err)
}
