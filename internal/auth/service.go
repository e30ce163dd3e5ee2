package auth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/invoicely/invoicely/internal/shared"
)

// Verifier issues and checks HS256 bearer tokens.
type Verifier struct {
	secret []byte
	issuer string
	now    func() time.Time
}

// NewVerifier constructs a Verifier. An empty issuer disables the issuer check.
func NewVerifier(secret, issuer string) (*Verifier, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: jwt secret must be at least 16 bytes")
	}
	return &Verifier{secret: []byte(secret), issuer: issuer, now: time.Now}, nil
}

// Issue signs a token for the given principal.
func (v *Verifier) Issue(actor shared.Actor, ttl time.Duration) (string, error) {
	if actor.AccountID == "" || actor.UserID == "" {
		return "", fmt.Errorf("%w: token requires user and account", shared.ErrValidation)
	}
	now := v.now()
	claims := Claims{
		AccountID: actor.AccountID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   actor.UserID,
			Issuer:    v.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(v.secret)
}

// Verify parses a raw token and returns the principal it names.
func (v *Verifier) Verify(raw string) (shared.Actor, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(v.now),
	}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}
	var claims Claims
	if _, err := jwt.ParseWithClaims(raw, &claims, func(*jwt.Token) (any, error) {
		return v.secret, nil
	}, opts...); err != nil {
		return shared.Actor{}, fmt.Errorf("%w: %v", shared.ErrUnauthenticated, err)
	}
	if claims.Subject == "" || claims.AccountID == "" {
		return shared.Actor{}, fmt.Errorf("%w: token missing subject or account", shared.ErrUnauthenticated)
	}
	return shared.Actor{UserID: claims.Subject, AccountID: claims.AccountID}, nil
}

func bearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}
