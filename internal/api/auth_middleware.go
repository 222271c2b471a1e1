package api

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type contextKey string

const accountIDContextKey contextKey = "accountID"

const accessTokenTTL = 24 * time.Hour

// AccessTokenIssuer signs and validates the access tokens handed out at the
// end of a successful registration.
type AccessTokenIssuer struct {
	secret []byte
}

// NewAccessTokenIssuer creates an AccessTokenIssuer with the given HMAC secret.
func NewAccessTokenIssuer(secret string) *AccessTokenIssuer {
	return &AccessTokenIssuer{secret: []byte(secret)}
}

// Issue signs an access token for the account.
func (a *AccessTokenIssuer) Issue(accountID string) (string, error) {
	now := time.Now()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "shebn-identity-service",
		Subject:   accountID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(accessTokenTTL)),
	})
	return token.SignedString(a.secret)
}

// Validate parses an access token and returns the account ID it carries.
func (a *AccessTokenIssuer) Validate(tokenString string) (string, error) {
	var claims jwt.RegisteredClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	})
	if err != nil {
		return "", err
	}
	if claims.Subject == "" {
		return "", errors.New("access token missing subject")
	}
	return claims.Subject, nil
}

// AuthMiddleware validates the Bearer token and injects the account ID into
// the request context.
func AuthMiddleware(issuer *AccessTokenIssuer) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := strings.TrimSpace(r.Header.Get("Authorization"))
			if authHeader == "" {
				http.Error(w, "Authorization required", http.StatusUnauthorized)
				return
			}

			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || !strings.EqualFold(parts[0], "bearer") {
				http.Error(w, "Invalid Authorization header format", http.StatusUnauthorized)
				return
			}

			accountID, err := issuer.Validate(parts[1])
			if err != nil {
				http.Error(w, "Invalid token", http.StatusUnauthorized)
				return
			}

			ctx := context.WithValue(r.Context(), accountIDContextKey, accountID)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// AccountIDFromContext retrieves the authenticated account ID from the
// request context. It returns an empty string if no account is present.
func AccountIDFromContext(ctx context.Context) string {
	accountID, _ := ctx.Value(accountIDContextKey).(string)
	return accountID
}
