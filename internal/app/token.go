/**
 * @description
 * This file implements the registration token: the client-held transient
 * state bridging "form filled" and "account created". Instead of parking the
 * submitted profile fields in server-side storage (or loose browser storage),
 * the service signs them into a short-lived JWT that the client presents back
 * when completing registration. Completion or expiry discards it; no
 * server-side pending state exists.
 *
 * @dependencies
 * - github.com/golang-jwt/jwt/v5: For signing and parsing the token.
 *
 * @notes
 * - The password never enters the token; it is only submitted at completion
 *   time, directly over TLS.
 */
package app

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/shebn/identity-service/internal/domain"
)

// PendingRegistration is the transient state of one registration attempt,
// held by the client inside the signed registration token.
type PendingRegistration struct {
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Username  string `json:"user_name"`
}

type registrationClaims struct {
	SessionID string `json:"session_id"`
	Email     string `json:"email"`
	FullName  string `json:"full_name"`
	Username  string `json:"user_name"`
	jwt.RegisteredClaims
}

// registrationTokenTTL bounds one registration attempt. The provider's
// document flow plus webhook delivery comfortably fits inside it.
const registrationTokenTTL = 30 * time.Minute

// TokenIssuer signs and parses registration tokens.
type TokenIssuer struct {
	secret []byte
}

// NewTokenIssuer creates a TokenIssuer with the given HMAC secret.
func NewTokenIssuer(secret string) *TokenIssuer {
	return &TokenIssuer{secret: []byte(secret)}
}

// Issue signs a registration token for the pending registration.
func (t *TokenIssuer) Issue(pending PendingRegistration) (string, error) {
	now := time.Now()
	claims := registrationClaims{
		SessionID: pending.SessionID,
		Email:     pending.Email,
		FullName:  pending.FullName,
		Username:  pending.Username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "shebn-identity-service",
			Subject:   pending.SessionID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(registrationTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(t.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign registration token: %w", err)
	}
	return signed, nil
}

// Parse validates a registration token and returns the pending registration
// it carries. An expired token maps to domain.ErrRegistrationExpired so the
// caller can tell the user to restart the flow.
func (t *TokenIssuer) Parse(tokenString string) (PendingRegistration, error) {
	var claims registrationClaims
	_, err := jwt.ParseWithClaims(tokenString, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return t.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return PendingRegistration{}, domain.ErrRegistrationExpired
		}
		return PendingRegistration{}, fmt.Errorf("invalid registration token: %w", err)
	}
	if claims.SessionID == "" {
		return PendingRegistration{}, errors.New("registration token missing session id")
	}

	return PendingRegistration{
		SessionID: claims.SessionID,
		Email:     claims.Email,
		FullName:  claims.FullName,
		Username:  claims.Username,
	}, nil
}
