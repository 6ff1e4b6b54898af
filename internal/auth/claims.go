package auth

import "github.com/golang-jwt/jwt/v5"

type TokenType string

const (
	TokenTypeAccess  TokenType = "access"
	TokenTypeRefresh TokenType = "refresh"
)

// Claims are the only supported JWT claims shape for this service.
// Tokens are minted by the identity service that shares JWT_SECRET; this
// process only verifies them.
type Claims struct {
	jwt.RegisteredClaims

	UserID    string    `json:"user_id"`
	Username  string    `json:"username,omitempty"`
	Role      string    `json:"role"`
	TokenType TokenType `json:"token_type"`
}
