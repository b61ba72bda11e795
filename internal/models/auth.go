package models

import "github.com/golang-jwt/jwt/v5"

// JWTClaims represents the access-token payload carried on every
// authenticated request.
type JWTClaims struct {
	UserID   string `json:"user_id"`
	Role     Role   `json:"role"`
	Email    string `json:"email"`
	FullName string `json:"full_name"`
	jwt.RegisteredClaims
}
