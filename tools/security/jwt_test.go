package security

import (
	"testing"
	"time"

	jwtlib "github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var secret = []byte("test-secret-0123456789")

func TestGenerateVerify(t *testing.T) {
	opts := Options{Secret: secret, Alg: "HS256", Issuer: "csms", TTL: time.Minute}
	tok, exp, err := Generate(opts, "42", map[string]any{"role": "driver"})
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Minute), exp, 2*time.Second)

	claims, err := Verify(opts, tok)
	require.NoError(t, err)
	assert.Equal(t, "42", claims["sub"])
	assert.Equal(t, "driver", claims["role"])
}

func TestVerifyRejects(t *testing.T) {
	opts := Options{Secret: secret, Alg: "HS256"}

	t.Run("wrong secret", func(t *testing.T) {
		tok, _, err := Generate(Options{Secret: []byte("other"), Alg: "HS256"}, "1", nil)
		require.NoError(t, err)
		_, err = Verify(opts, tok)
		assert.Error(t, err)
	})

	t.Run("alg mismatch", func(t *testing.T) {
		tok, _, err := Generate(Options{Secret: secret, Alg: "HS512"}, "1", nil)
		require.NoError(t, err)
		_, err = Verify(opts, tok)
		assert.Error(t, err)
	})

	t.Run("issuer mismatch", func(t *testing.T) {
		tok, _, err := Generate(Options{Secret: secret, Issuer: "someone-else"}, "1", nil)
		require.NoError(t, err)
		_, err = Verify(Options{Secret: secret, Issuer: "csms"}, tok)
		assert.Error(t, err)
	})

	t.Run("expired", func(t *testing.T) {
		tok, _, err := Generate(Options{Secret: secret, TTL: -time.Minute}, "1", nil)
		require.NoError(t, err)
		_, err = Verify(opts, tok)
		assert.ErrorIs(t, err, jwtlib.ErrTokenExpired)
	})

	t.Run("alg none", func(t *testing.T) {
		tok, err := jwtlib.NewWithClaims(jwtlib.SigningMethodNone, jwtlib.MapClaims{"sub": "1", "exp": time.Now().Add(time.Hour).Unix()}).
			SignedString(jwtlib.UnsafeAllowNoneSignatureType)
		require.NoError(t, err)
		_, err = Verify(opts, tok)
		assert.Error(t, err)
	})

	t.Run("unsupported alg option", func(t *testing.T) {
		_, err := Verify(Options{Secret: secret, Alg: "RS256"}, "x.y.z")
		assert.Error(t, err)
		assert.False(t, ValidAlg("RS256"))
	})
}
