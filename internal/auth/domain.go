package auth

import "github.com/golang-jwt/jwt/v5"

// Claims is the bearer token payload. Subject carries the user id.
type Claims struct {
	AccountID string `json:"account"`
	jwt.RegisteredClaims
}
