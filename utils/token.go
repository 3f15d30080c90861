package utils

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/dgrijalva/jwt-go"
)

// TokenAudience is the audience the identity provider stamps on user tokens.
const TokenAudience = "authenticated"

// SupabaseClaims mirrors the claims of the hosted-auth access tokens:
// sub carries the user id, plus email and role.
type SupabaseClaims struct {
	Email string `json:"email"`
	Role  string `json:"role"`
	jwt.StandardClaims
}

var jwtSecret = []byte(getJwtSecret())

func getJwtSecret() string {
	secret := os.Getenv("SUPABASE_JWT_SECRET")
	if secret == "" {
		// Dev fallback only; server startup refuses to run production without the real secret.
		return "ledgerlink-dev-secret"
	}
	return secret
}

func JwtGenerate(userID, email, role string) (string, error) {
	lifespanHours := 24
	if v := os.Getenv("TOKEN_HOUR_LIFESPAN"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return "", err
		}
		lifespanHours = n
	}

	if role == "" {
		role = TokenAudience
	}

	t := jwt.NewWithClaims(jwt.SigningMethodHS256, &SupabaseClaims{
		Email: email,
		Role:  role,
		StandardClaims: jwt.StandardClaims{
			Subject:   userID,
			Audience:  TokenAudience,
			ExpiresAt: time.Now().Add(time.Hour * time.Duration(lifespanHours)).Unix(),
			IssuedAt:  time.Now().Unix(),
		},
	})

	return t.SignedString(jwtSecret)
}

// JwtValidate parses and verifies a bearer token and returns its claims.
// Tokens must be HS256-signed with the shared secret and carry the
// "authenticated" audience.
func JwtValidate(token string) (*SupabaseClaims, error) {
	parsed, err := jwt.ParseWithClaims(token, &SupabaseClaims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return jwtSecret, nil
	})
	if err != nil {
		return nil, err
	}
	if !parsed.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := parsed.Claims.(*SupabaseClaims)
	if !ok {
		return nil, errors.New("unexpected token claims")
	}
	if !claims.VerifyAudience(TokenAudience, true) {
		return nil, errors.New("invalid token audience")
	}
	if claims.Subject == "" {
		return nil, errors.New("token is missing a subject")
	}
	return claims, nil
}
