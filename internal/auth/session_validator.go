package auth

import (
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	defaultSessionIssuer     = "flowz-auth"
	defaultSessionCookieName = "flowz_session"

	bearerPrefix = "Bearer "
)

var (
	ErrMissingSessionSigningKey = errors.New("session: signing key required")
	ErrMissingSessionToken      = errors.New("session: token required")
	ErrInvalidSessionToken      = errors.New("session: invalid token")
	ErrExpiredSessionToken      = errors.New("session: token expired")
	ErrMissingSessionSubject    = errors.New("session: subject required")
)

// SessionClaims is the JWT payload carried by editor sessions.
type SessionClaims struct {
	UserID          string   `json:"user_id"`
	UserEmail       string   `json:"user_email"`
	UserDisplayName string   `json:"user_display_name"`
	StoreIDs        []string `json:"store_ids"`
	jwt.RegisteredClaims
}

// CanAccessStore reports whether the session may act on the store. A session without
// store scoping may access every store.
func (claims SessionClaims) CanAccessStore(storeID string) bool {
	return len(claims.StoreIDs) == 0 || slices.Contains(claims.StoreIDs, storeID)
}

func (claims SessionClaims) identified() bool {
	return strings.TrimSpace(claims.Subject) != "" && strings.TrimSpace(claims.UserID) != ""
}

// SessionValidatorConfig describes how to validate session JWTs.
type SessionValidatorConfig struct {
	SigningSecret []byte
	Issuer        string
	CookieName    string
	Clock         func() time.Time
}

// SessionValidator checks HS256 session tokens presented by editor clients.
type SessionValidator struct {
	parser     *jwt.Parser
	secret     []byte
	cookieName string
}

// NewSessionValidator constructs a validator with the provided configuration.
func NewSessionValidator(cfg SessionValidatorConfig) (*SessionValidator, error) {
	if len(cfg.SigningSecret) == 0 {
		return nil, ErrMissingSessionSigningKey
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(firstNonEmpty(cfg.Issuer, defaultSessionIssuer)),
		jwt.WithExpirationRequired(),
		jwt.WithTimeFunc(clock),
	)
	return &SessionValidator{
		parser:     parser,
		secret:     slices.Clone(cfg.SigningSecret),
		cookieName: firstNonEmpty(cfg.CookieName, defaultSessionCookieName),
	}, nil
}

// CookieName returns the cookie consulted when no Authorization header is present.
func (v *SessionValidator) CookieName() string {
	return v.cookieName
}

// ValidateToken parses a raw session token and returns its claims.
func (v *SessionValidator) ValidateToken(raw string) (SessionClaims, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return SessionClaims{}, ErrMissingSessionToken
	}

	var claims SessionClaims
	if _, err := v.parser.ParseWithClaims(raw, &claims, v.signingKey); err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return SessionClaims{}, ErrExpiredSessionToken
		}
		return SessionClaims{}, fmt.Errorf("%w: %v", ErrInvalidSessionToken, err)
	}
	if !claims.identified() {
		return SessionClaims{}, ErrMissingSessionSubject
	}
	return claims, nil
}

// ValidateRequest validates the token carried by the request. A present Authorization
// header must use the bearer scheme; otherwise the session cookie is used.
func (v *SessionValidator) ValidateRequest(r *http.Request) (SessionClaims, error) {
	raw, err := v.requestToken(r)
	if err != nil {
		return SessionClaims{}, err
	}
	return v.ValidateToken(raw)
}

func (v *SessionValidator) requestToken(r *http.Request) (string, error) {
	if r == nil {
		return "", ErrMissingSessionToken
	}
	if header := r.Header.Get("Authorization"); header != "" {
		token, found := strings.CutPrefix(header, bearerPrefix)
		if !found {
			return "", ErrMissingSessionToken
		}
		return token, nil
	}
	cookie, err := r.Cookie(v.cookieName)
	if err != nil {
		return "", ErrMissingSessionToken
	}
	return cookie.Value, nil
}

func (v *SessionValidator) signingKey(*jwt.Token) (any, error) {
	return v.secret, nil
}

func firstNonEmpty(value, fallback string) string {
	if trimmed := strings.TrimSpace(value); trimmed != "" {
		return trimmed
	}
	return fallback
}
