package broker

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	// accessTTL is the lifetime of a signed access token.
	accessTTL = time.Hour

	// rotationTTL is the lifetime of an opaque rotation token.
	rotationTTL = 30 * 24 * time.Hour
)

// ErrTokenInvalid is returned by Verify for an unparsable, forged, or
// expired access token.
var ErrTokenInvalid = errors.New("broker: invalid access token")

// accessClaims are the JWT claims carried by an access token.
type accessClaims struct {
	Email string `json:"email"`
	jwt.RegisteredClaims
}

// TokenIssuer mints and verifies the broker's two token kinds: signed
// short-lived access tokens and opaque single-use rotation tokens.
type TokenIssuer struct {
	secret []byte
	now    func() time.Time
}

// NewTokenIssuer creates an issuer signing with the given HMAC secret.
func NewTokenIssuer(secret []byte) *TokenIssuer {
	return &TokenIssuer{secret: secret, now: time.Now}
}

// IssuedPair is a freshly minted credential pair.
type IssuedPair struct {
	AccessToken   string
	RotationToken string
	Expiry        time.Time
}

// Issue mints a credential pair for the user. The caller is responsible for
// registering the rotation token with the store.
func (t *TokenIssuer) Issue(u *User) (IssuedPair, error) {
	now := t.now()
	expiry := now.Add(accessTTL)

	claims := accessClaims{
		Email: u.Email,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   u.ID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(expiry),
		},
	}
	access, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(t.secret)
	if err != nil {
		return IssuedPair{}, fmt.Errorf("broker: sign access token: %w", err)
	}

	rotation, err := opaqueToken()
	if err != nil {
		return IssuedPair{}, err
	}
	return IssuedPair{AccessToken: access, RotationToken: rotation, Expiry: expiry}, nil
}

// RotationExpiry returns when a rotation token minted now should expire.
func (t *TokenIssuer) RotationExpiry() time.Time {
	return t.now().Add(rotationTTL)
}

// Verify parses and validates an access token, returning the user ID.
func (t *TokenIssuer) Verify(token string) (userID string, err error) {
	parsed, err := jwt.ParseWithClaims(token, &accessClaims{}, func(tok *jwt.Token) (any, error) {
		if _, ok := tok.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", tok.Header["alg"])
		}
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithTimeFunc(t.now))
	if err != nil {
		return "", fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}
	claims, ok := parsed.Claims.(*accessClaims)
	if !ok || claims.Subject == "" {
		return "", ErrTokenInvalid
	}
	return claims.Subject, nil
}

// opaqueToken returns 32 bytes of randomness, hex-encoded.
func opaqueToken() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("broker: generate rotation token: %w", err)
	}
	return hex.EncodeToString(buf), nil
}
