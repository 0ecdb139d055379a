package tokenverify

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"testing"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
	"github.com/stretchr/testify/require"
)

const testIssuer = "https://id.example.com"

type staticKeys struct {
	set *keyfunc.JWKS
}

func (s staticKeys) Keys(ctx context.Context) (*keyfunc.JWKS, error) {
	return s.set, nil
}

func newSigningKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	return key
}

func keySetFor(t *testing.T, keys map[string]*rsa.PrivateKey) *keyfunc.JWKS {
	t.Helper()
	var entries []map[string]string
	for kid, key := range keys {
		entries = append(entries, map[string]string{
			"kty": "RSA",
			"use": "sig",
			"kid": kid,
			"alg": "RS256",
			"n":   base64.RawURLEncoding.EncodeToString(key.PublicKey.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.PublicKey.E)).Bytes()),
		})
	}
	raw, err := json.Marshal(map[string]any{"keys": entries})
	require.NoError(t, err)
	set, err := keyfunc.NewJSON(raw)
	require.NoError(t, err)
	return set
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.Claims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if kid != "" {
		token.Header["kid"] = kid
	}
	raw, err := token.SignedString(key)
	require.NoError(t, err)
	return raw
}

func validClaims(issuer string) *tokenClaims {
	return &tokenClaims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    issuer,
			Subject:   "user-42",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
		User: &UserInfo{ID: "user-42", Email: "dev@example.com", Name: "Dev"},
	}
}

func TestVerifyValidToken(t *testing.T) {
	key := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}, testIssuer)

	raw := signToken(t, key, "k1", validClaims(testIssuer))
	claims, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "user-42", claims.Subject)
	require.Equal(t, testIssuer, claims.Issuer)
	require.Equal(t, "k1", claims.KeyID)
	require.NotNil(t, claims.User)
	require.Equal(t, "dev@example.com", claims.User.Email)
	require.WithinDuration(t, time.Now().Add(time.Hour), claims.ExpiresAt, time.Minute)
}

func TestVerifyUnknownKey(t *testing.T) {
	key := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}, testIssuer)

	raw := signToken(t, key, "other-kid", validClaims(testIssuer))
	_, err := v.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrNoMatchingKey)
}

func TestVerifyWrongSigningKey(t *testing.T) {
	trusted := newSigningKey(t)
	rogue := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": trusted})}, testIssuer)

	raw := signToken(t, rogue, "k1", validClaims(testIssuer))
	_, err := v.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyExpiredToken(t *testing.T) {
	key := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}, testIssuer)

	claims := validClaims(testIssuer)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	raw := signToken(t, key, "k1", claims)

	_, err := v.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrExpired)
}

func TestVerifyIssuerNormalization(t *testing.T) {
	key := newSigningKey(t)
	set := staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}

	// Trailing slash on either side must not matter.
	raw := signToken(t, key, "k1", validClaims(testIssuer+"/"))
	_, err := New(set, testIssuer).Verify(context.Background(), raw)
	require.NoError(t, err)

	raw = signToken(t, key, "k1", validClaims(testIssuer))
	_, err = New(set, testIssuer+"/").Verify(context.Background(), raw)
	require.NoError(t, err)
}

func TestVerifyIssuerMismatch(t *testing.T) {
	key := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}, testIssuer)

	raw := signToken(t, key, "k1", validClaims("https://rogue.example.com"))
	_, err := v.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrIssuerMismatch)
}

func TestVerifyRejectsSymmetricAlgorithm(t *testing.T) {
	key := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}, testIssuer)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, validClaims(testIssuer))
	raw, err := token.SignedString([]byte("secret"))
	require.NoError(t, err)

	_, err = v.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrUnsupportedAlgorithm)
}

func TestVerifyKidFallbacks(t *testing.T) {
	key := newSigningKey(t)
	set := staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}
	v := New(set, testIssuer)

	// No kid anywhere: first RSA key in the set is used.
	raw := signToken(t, key, "", validClaims(testIssuer))
	claims, err := v.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.Empty(t, claims.KeyID)

	// kid only in the payload is honored.
	withPayloadKid := validClaims(testIssuer)
	withPayloadKid.KeyID = "k1"
	raw = signToken(t, key, "", withPayloadKid)
	claims, err = v.Verify(context.Background(), raw)
	require.NoError(t, err)
	require.Equal(t, "k1", claims.KeyID)
}

func TestVerifyKidlessTokenInMultiKeySet(t *testing.T) {
	keyA := newSigningKey(t)
	keyB := newSigningKey(t)
	set := staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"ka": keyA, "kb": keyB})}
	v := New(set, testIssuer)

	// Either key must verify its own kid-less token, on every call.
	for _, key := range []*rsa.PrivateKey{keyA, keyB} {
		raw := signToken(t, key, "", validClaims(testIssuer))
		for range 25 {
			claims, err := v.Verify(context.Background(), raw)
			require.NoError(t, err)
			require.Equal(t, "user-42", claims.Subject)
		}
	}
}

func TestVerifyKidlessExpiredTokenInMultiKeySet(t *testing.T) {
	keyA := newSigningKey(t)
	keyB := newSigningKey(t)
	set := staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"ka": keyA, "kb": keyB})}
	v := New(set, testIssuer)

	claims := validClaims(testIssuer)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	// The claim failure must surface, not a signature mismatch against the
	// other key in the set.
	for _, key := range []*rsa.PrivateKey{keyA, keyB} {
		raw := signToken(t, key, "", claims)
		_, err := v.Verify(context.Background(), raw)
		require.ErrorIs(t, err, ErrExpired)
	}
}

func TestVerifyForgedAndExpiredToken(t *testing.T) {
	trusted := newSigningKey(t)
	rogue := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": trusted})}, testIssuer)

	claims := validClaims(testIssuer)
	claims.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))
	raw := signToken(t, rogue, "k1", claims)

	// The bad signature wins over the lapsed expiry.
	_, err := v.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrBadSignature)
}

func TestVerifyMissingSubject(t *testing.T) {
	key := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}, testIssuer)

	claims := validClaims(testIssuer)
	claims.Subject = ""
	raw := signToken(t, key, "k1", claims)

	_, err := v.Verify(context.Background(), raw)
	require.ErrorIs(t, err, ErrMalformed)
}

func TestVerifyGarbageToken(t *testing.T) {
	key := newSigningKey(t)
	v := New(staticKeys{keySetFor(t, map[string]*rsa.PrivateKey{"k1": key})}, testIssuer)

	_, err := v.Verify(context.Background(), "not-a-token")
	require.ErrorIs(t, err, ErrMalformed)
}

func TestNormalizeIssuer(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"https://id.example.com", "https://id.example.com"},
		{"https://id.example.com/", "https://id.example.com"},
		{"http://id.example.com:8000", "http://id.example.com:8000"},
		{"https://id.example.com/api/some/path", "https://id.example.com"},
		{"not a url/", "not a url"},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, normalizeIssuer(tt.in), "input %q", tt.in)
	}
}
