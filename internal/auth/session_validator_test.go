package auth

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testSessionSigningSecret = "secret"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func signTestToken(t *testing.T, claims SessionClaims, secret string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func newTestValidator(t *testing.T, now time.Time) *SessionValidator {
	t.Helper()
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock:         func() time.Time { return now },
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	return validator
}

func validClaims(now time.Time) SessionClaims {
	return SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(now.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(now.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
		},
	}
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	claims, err := validator.ValidateToken(signTestToken(t, validClaims(clockNow), testSessionSigningSecret))
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.CanonicalUserID() != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.CanonicalUserID())
	}
}

func TestSessionValidatorRejections(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator := newTestValidator(t, clockNow)

	expired := validClaims(clockNow)
	expired.ExpiresAt = jwt.NewNumericDate(clockNow.Add(-time.Hour))
	wrongIssuer := validClaims(clockNow)
	wrongIssuer.Issuer = "someone-else"
	noSubject := validClaims(clockNow)
	noSubject.UserID = ""
	noSubject.Subject = ""

	testCases := []struct {
		name     string
		token    string
		expected error
	}{
		{name: "empty", token: "", expected: ErrMissingSessionToken},
		{name: "expired", token: signTestToken(t, expired, testSessionSigningSecret), expected: ErrExpiredSessionToken},
		{name: "wrong secret", token: signTestToken(t, validClaims(clockNow), "other"), expected: ErrInvalidSessionToken},
		{name: "wrong issuer", token: signTestToken(t, wrongIssuer, testSessionSigningSecret), expected: ErrInvalidSessionToken},
		{name: "no subject", token: signTestToken(t, noSubject, testSessionSigningSecret), expected: ErrMissingSessionSubject},
	}
	for _, testCase := range testCases {
		t.Run(testCase.name, func(t *testing.T) {
			_, err := validator.ValidateToken(testCase.token)
			if !errors.Is(err, testCase.expected) {
				t.Fatalf("expected %v, got %v", testCase.expected, err)
			}
		})
	}
}

func TestSessionValidatorValidateRequestSources(t *testing.T) {
	clockNow := time.Now()
	validator := newTestValidator(t, clockNow)
	signed := signTestToken(t, validClaims(clockNow), testSessionSigningSecret)

	headerRequest := httptest.NewRequest(http.MethodGet, "/documents", http.NoBody)
	headerRequest.Header.Set("Authorization", "Bearer "+signed)
	if _, err := validator.ValidateRequest(headerRequest); err != nil {
		t.Fatalf("header validation failed: %v", err)
	}

	queryRequest := httptest.NewRequest(http.MethodGet, "/ws?token="+signed, http.NoBody)
	claims, err := validator.ValidateRequest(queryRequest)
	if err != nil {
		t.Fatalf("query validation failed: %v", err)
	}
	if claims.UserEmail != testSessionUserEmail {
		t.Fatalf("unexpected email: %s", claims.UserEmail)
	}
}
