// Package tokenverify validates Crosswind Cloud access tokens offline using
// the published signing keys. Only the RS256 family is accepted; symmetric
// algorithms are rejected outright to rule out key-confusion attacks.
package tokenverify

import (
	"context"
	"crypto/rsa"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc"
	"github.com/golang-jwt/jwt/v4"
)

// Typed verification failures. Commands map these to actionable messages.
var (
	ErrMalformed            = errors.New("token is malformed")
	ErrUnsupportedAlgorithm = errors.New("token uses an unsupported signing algorithm")
	ErrNoMatchingKey        = errors.New("no signing key matches the token")
	ErrBadSignature         = errors.New("token signature is invalid")
	ErrExpired              = errors.New("token is expired")
	ErrIssuerMismatch       = errors.New("token issuer does not match the configured API")
)

// UserInfo carries the user attributes embedded in a token.
type UserInfo struct {
	ID    string `json:"id"`
	Email string `json:"email"`
	Name  string `json:"name"`
}

// TeamInfo carries the team attributes embedded in a token.
type TeamInfo struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Claims are the verified claims of a token. They must not be trusted unless
// returned by Verifier.Verify.
type Claims struct {
	Issuer    string
	Subject   string
	Audience  string
	ExpiresAt time.Time
	IssuedAt  time.Time
	KeyID     string
	User      *UserInfo
	Team      *TeamInfo
}

// tokenClaims is the wire shape of the token payload.
type tokenClaims struct {
	jwt.RegisteredClaims
	// Some issuers place the key identifier in the payload instead of the
	// header; it is honored as a fallback during key resolution.
	KeyID string    `json:"kid,omitempty"`
	User  *UserInfo `json:"user,omitempty"`
	Team  *TeamInfo `json:"team,omitempty"`
}

// KeySource supplies the active verification key set.
type KeySource interface {
	Keys(ctx context.Context) (*keyfunc.JWKS, error)
}

// Verifier checks token signatures, issuer, and expiry.
type Verifier struct {
	keys   KeySource
	issuer string
	parser *jwt.Parser
}

// New creates a Verifier that accepts tokens issued by expectedIssuer and
// signed by a key from the given source.
func New(keys KeySource, expectedIssuer string) *Verifier {
	return &Verifier{
		keys:   keys,
		issuer: expectedIssuer,
		parser: jwt.NewParser(jwt.WithValidMethods([]string{"RS256", "RS384", "RS512"})),
	}
}

// Verify validates the raw token and returns its claims. The only side effect
// is a possible key set refresh through the KeySource.
func (v *Verifier) Verify(ctx context.Context, raw string) (*Claims, error) {
	// First pass: read header and payload without trusting either, to learn
	// the declared algorithm and the key identifier.
	unverified := &tokenClaims{}
	unverifiedToken, _, err := jwt.NewParser().ParseUnverified(raw, unverified)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	alg, _ := unverifiedToken.Header["alg"].(string)
	if !strings.HasPrefix(alg, "RS") {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedAlgorithm, alg)
	}

	kid, _ := unverifiedToken.Header["kid"].(string)
	if kid == "" {
		kid = unverified.KeyID
	}

	set, err := v.keys.Keys(ctx)
	if err != nil {
		return nil, fmt.Errorf("resolving signing keys: %w", err)
	}

	claims, err := v.parseAgainstSet(raw, set, kid)
	if err != nil {
		return nil, err
	}

	if claims.ExpiresAt == nil {
		return nil, fmt.Errorf("%w: missing expiry claim", ErrMalformed)
	}
	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject claim", ErrMalformed)
	}

	// Issuer comparison is normalization-insensitive so that trailing slashes
	// and path suffixes on either side do not break verification.
	if normalizeIssuer(claims.Issuer) != normalizeIssuer(v.issuer) {
		return nil, fmt.Errorf("%w: expected %q, got %q", ErrIssuerMismatch, v.issuer, claims.Issuer)
	}

	out := &Claims{
		Issuer:    claims.Issuer,
		Subject:   claims.Subject,
		ExpiresAt: claims.ExpiresAt.Time,
		KeyID:     kid,
		User:      claims.User,
		Team:      claims.Team,
	}
	if len(claims.Audience) > 0 {
		out.Audience = claims.Audience[0]
	}
	if claims.IssuedAt != nil {
		out.IssuedAt = claims.IssuedAt.Time
	}
	return out, nil
}

// parseAgainstSet verifies the signature against the key set. With a key
// identifier the lookup is exact; without one every RSA key is tried in
// stable sorted-identifier order until the signature verifies, so a multi-key
// set resolves the same key on every invocation.
func (v *Verifier) parseAgainstSet(raw string, set *keyfunc.JWKS, kid string) (*tokenClaims, error) {
	if kid != "" {
		key, err := keyByID(set, kid)
		if err != nil {
			return nil, err
		}
		claims := &tokenClaims{}
		if _, err := v.parser.ParseWithClaims(raw, claims, staticKey(key)); err != nil {
			return nil, mapParseError(err)
		}
		return claims, nil
	}

	candidates := rsaKeys(set)
	if len(candidates) == 0 {
		return nil, fmt.Errorf("%w: key set has no RSA keys", ErrNoMatchingKey)
	}

	var lastErr error
	for _, key := range candidates {
		claims := &tokenClaims{}
		_, err := v.parser.ParseWithClaims(raw, claims, staticKey(key))
		if err == nil {
			return claims, nil
		}
		lastErr = err
		if !signatureFailed(err) {
			// The signature matched this key; the failure is a claim problem,
			// so trying further keys cannot succeed.
			break
		}
	}
	return nil, mapParseError(lastErr)
}

// keyByID looks up the RSA verification key for the given identifier.
func keyByID(set *keyfunc.JWKS, kid string) (*rsa.PublicKey, error) {
	key, ok := set.ReadOnlyKeys()[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %q", ErrNoMatchingKey, kid)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, fmt.Errorf("%w: key %q is not an RSA key", ErrNoMatchingKey, kid)
	}
	return pub, nil
}

// rsaKeys returns the set's RSA keys ordered by key identifier.
func rsaKeys(set *keyfunc.JWKS) []*rsa.PublicKey {
	keys := set.ReadOnlyKeys()
	kids := make([]string, 0, len(keys))
	for kid := range keys {
		kids = append(kids, kid)
	}
	sort.Strings(kids)

	out := make([]*rsa.PublicKey, 0, len(kids))
	for _, kid := range kids {
		if pub, ok := keys[kid].(*rsa.PublicKey); ok {
			out = append(out, pub)
		}
	}
	return out
}

func staticKey(key *rsa.PublicKey) jwt.Keyfunc {
	return func(*jwt.Token) (any, error) { return key, nil }
}

func signatureFailed(err error) bool {
	var valErr *jwt.ValidationError
	return errors.As(err, &valErr) && valErr.Errors&jwt.ValidationErrorSignatureInvalid != 0
}

func mapParseError(err error) error {
	var valErr *jwt.ValidationError
	if errors.As(err, &valErr) {
		switch {
		// Signature before expiry: a forged token is reported as forged even
		// when its claims have also lapsed.
		case valErr.Errors&jwt.ValidationErrorSignatureInvalid != 0:
			return ErrBadSignature
		case valErr.Errors&jwt.ValidationErrorExpired != 0:
			return ErrExpired
		case valErr.Errors&jwt.ValidationErrorMalformed != 0:
			return fmt.Errorf("%w: %v", ErrMalformed, err)
		}
	}
	return fmt.Errorf("validating token: %w", err)
}

// normalizeIssuer reduces an issuer URL to scheme://host[:port] so that a
// trailing slash or path suffix does not defeat the comparison.
func normalizeIssuer(issuer string) string {
	u, err := url.Parse(issuer)
	if err != nil || u.Host == "" {
		return strings.TrimRight(issuer, "/")
	}
	return u.Scheme + "://" + u.Host
}
