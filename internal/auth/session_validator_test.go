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
	testSessionCookieName    = "flowz_session"
	testSessionUserID        = "user-123"
	testSessionUserEmail     = "user@example.com"
)

func signTestToken(t *testing.T, claims SessionClaims) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(testSessionSigningSecret))
	if err != nil {
		t.Fatalf("failed to sign token: %v", err)
	}
	return signed
}

func TestSessionValidatorValidateToken(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	signed := signTestToken(t, SessionClaims{
		UserID:    testSessionUserID,
		UserEmail: testSessionUserEmail,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(clockNow.Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(time.Hour)),
		},
	})

	claims, err := validator.ValidateToken(signed)
	if err != nil {
		t.Fatalf("unexpected validation failure: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
	if validator.CookieName() != defaultSessionCookieName {
		t.Fatalf("unexpected default cookie name %q", validator.CookieName())
	}
}

func TestSessionValidatorValidateTokenExpired(t *testing.T) {
	clockNow := time.Date(2024, 9, 1, 12, 0, 0, 0, time.UTC)
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		Clock: func() time.Time {
			return clockNow
		},
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	signed := signTestToken(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(clockNow.Add(-2 * time.Hour)),
			ExpiresAt: jwt.NewNumericDate(clockNow.Add(-time.Hour)),
		},
	})

	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrExpiredSessionToken) {
		t.Fatalf("expected expired token error, got %v", err)
	}
}

func TestSessionValidatorRejectsForeignIssuer(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	signed := signTestToken(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    "someone-else",
			Subject:   testSessionUserID,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}

func TestSessionValidatorValidateRequestUsesCookie(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{
		SigningSecret: []byte(testSessionSigningSecret),
		CookieName:    testSessionCookieName,
	})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}

	signed := signTestToken(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    defaultSessionIssuer,
			Subject:   testSessionUserID,
			IssuedAt:  jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			NotBefore: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	})

	request := httptest.NewRequest(http.MethodGet, "/products", http.NoBody)
	request.AddCookie(&http.Cookie{
		Name:  testSessionCookieName,
		Value: signed,
	})

	claims, err := validator.ValidateRequest(request)
	if err != nil {
		t.Fatalf("validation failed: %v", err)
	}
	if claims.UserID != testSessionUserID {
		t.Fatalf("unexpected user id: %s", claims.UserID)
	}
}

func TestSessionValidatorValidateRequestRejectsNonBearerHeader(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	request := httptest.NewRequest(http.MethodGet, "/products", http.NoBody)
	request.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
	if _, err := validator.ValidateRequest(request); !errors.Is(err, ErrMissingSessionToken) {
		t.Fatalf("expected missing token error, got %v", err)
	}
}

func TestSessionClaimsStoreScoping(t *testing.T) {
	unscoped := SessionClaims{UserID: testSessionUserID}
	if !unscoped.CanAccessStore("store-1") {
		t.Fatalf("expected unscoped session to access every store")
	}
	scoped := SessionClaims{UserID: testSessionUserID, StoreIDs: []string{"store-1"}}
	if !scoped.CanAccessStore("store-1") || scoped.CanAccessStore("store-2") {
		t.Fatalf("unexpected store scoping for %v", scoped.StoreIDs)
	}
}

func TestSessionValidatorRequiresExpiry(t *testing.T) {
	validator, err := NewSessionValidator(SessionValidatorConfig{SigningSecret: []byte(testSessionSigningSecret)})
	if err != nil {
		t.Fatalf("failed to construct validator: %v", err)
	}
	signed := signTestToken(t, SessionClaims{
		UserID: testSessionUserID,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:  defaultSessionIssuer,
			Subject: testSessionUserID,
		},
	})
	if _, err := validator.ValidateToken(signed); !errors.Is(err, ErrInvalidSessionToken) {
		t.Fatalf("expected invalid token error, got %v", err)
	}
}
