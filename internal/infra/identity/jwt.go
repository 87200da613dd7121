package identity

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var ErrUnauthenticated = errors.New("unauthenticated")

// Claims are the identity provider's token claims. Subject is the user id.
type Claims struct {
	Email string `json:"email,omitempty"`
	jwt.RegisteredClaims
}

// Verifier checks HS256 bearer tokens issued by the identity provider.
type Verifier struct {
	secret []byte
	issuer string
}

// NewVerifier builds a verifier. An empty issuer accepts any issuer.
func NewVerifier(secret, issuer string) *Verifier {
	return &Verifier{secret: []byte(secret), issuer: issuer}
}

// Mint signs a token for userID. Used by the CLI's dev login and by tests.
func (v *Verifier) Mint(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify returns the user id carried by tok.
func (v *Verifier) Verify(tok string) (string, error) {
	if len(v.secret) == 0 {
		return "", ErrUnauthenticated
	}
	opts := []jwt.ParserOption{jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()})}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	claims := &Claims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid {
		return "", ErrUnauthenticated
	}
	sub := strings.TrimSpace(claims.Subject)
	if sub == "" {
		return "", ErrUnauthenticated
	}
	return sub, nil
}

// BearerToken extracts "Authorization: Bearer <jwt>".
func BearerToken(r *http.Request) (string, bool) {
	hdr := r.Header.Get("Authorization")
	if len(hdr) < 7 || !strings.EqualFold(hdr[:7], "bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(hdr[7:])
	return tok, tok != ""
}
