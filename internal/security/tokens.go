package security

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/rand"
	"crypto/rsa"
	"encoding/hex"
	"errors"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrInvalidToken is returned when a token is malformed or invalid.
	ErrInvalidToken = errors.New("invalid token")
)

// API scopes carried in the scope claim.
const (
	ScopeSessionsRead  = "sessions:read"
	ScopeSessionsWrite = "sessions:write"
)

// Claims are the claims of an API bearer token. Scope is space separated.
type Claims struct {
	jwt.RegisteredClaims
	Scope string `json:"scope,omitempty"`
}

// HasScope reports whether the token grants scope.
func (c *Claims) HasScope(scope string) bool {
	return slices.Contains(strings.Fields(c.Scope), scope)
}

// TokenVerifier validates API bearer tokens signed with RS256 or ES256.
type TokenVerifier struct {
	publicKey crypto.PublicKey
	issuer    string
	audience  string
}

// NewTokenVerifier returns a verifier that accepts tokens signed by the key pair of publicKey
// with the given issuer and audience.
func NewTokenVerifier(publicKey crypto.PublicKey, issuer, audience string) *TokenVerifier {
	return &TokenVerifier{publicKey: publicKey, issuer: issuer, audience: audience}
}

// Verify parses and validates tokenString (signature, exp, iss, aud).
func (v *TokenVerifier) Verify(tokenString string) (*Claims, error) {
	alg := KeyAlg(v.publicKey)
	if alg == "" {
		return nil, ErrInvalidKey
	}
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(*jwt.Token) (interface{}, error) {
		return v.publicKey, nil
	},
		jwt.WithValidMethods([]string{alg}),
		jwt.WithIssuer(v.issuer),
		jwt.WithAudience(v.audience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return nil, ErrInvalidToken
	}
	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid || claims.Subject == "" {
		return nil, ErrInvalidToken
	}
	return claims, nil
}

// TokenIssuer signs API bearer tokens. Used by operator tooling; the API only verifies.
type TokenIssuer struct {
	privateKey crypto.Signer
	issuer     string
	audience   string
	ttl        time.Duration
}

// NewTokenIssuer returns an issuer signing with privateKey (RSA or ECDSA P-256).
func NewTokenIssuer(privateKey crypto.Signer, issuer, audience string, ttl time.Duration) *TokenIssuer {
	return &TokenIssuer{privateKey: privateKey, issuer: issuer, audience: audience, ttl: ttl}
}

// Issue returns a token for subject granting scopes, and its expiry.
func (i *TokenIssuer) Issue(subject string, scopes []string) (token string, expiresAt time.Time, err error) {
	jti, err := generateJTI()
	if err != nil {
		return "", time.Time{}, err
	}
	now := time.Now().UTC()
	expiresAt = now.Add(i.ttl)
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			ID:        jti,
			Subject:   subject,
			Issuer:    i.issuer,
			Audience:  jwt.ClaimStrings{i.audience},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
		},
		Scope: strings.Join(scopes, " "),
	}
	var method jwt.SigningMethod
	switch i.privateKey.Public().(type) {
	case *rsa.PublicKey:
		method = jwt.SigningMethodRS256
	case *ecdsa.PublicKey:
		method = jwt.SigningMethodES256
	default:
		return "", time.Time{}, ErrInvalidKey
	}
	token, err = jwt.NewWithClaims(method, claims).SignedString(i.privateKey)
	return token, expiresAt, err
}

func generateJTI() (string, error) {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
