package auth

import (
	"crypto/subtle"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/SCSIExpress/pacsync/pkg/errdefs"
)

// Claims is the JWT payload issued to endpoints at registration. The
// endpoint id in the subject claim is duplicated in a named field so
// handlers never have to parse it back out of RegisteredClaims.
type Claims struct {
	EndpointID   string `json:"endpoint_id"`
	EndpointName string `json:"endpoint_name"`
	jwt.RegisteredClaims
}

// TokenProvider issues and validates endpoint credentials.
type TokenProvider interface {
	// Issue mints a signed token for the endpoint, valid for the
	// configured expiry window.
	Issue(endpointID, endpointName string) (string, error)

	// Validate parses and verifies a bearer token, returning its claims.
	// Expired or tampered tokens fail with an authentication error.
	Validate(token string) (*Claims, error)

	// IsAdminToken reports whether the raw token matches a statically
	// configured admin credential.
	IsAdminToken(token string) bool
}

// TokenManager signs endpoint tokens with an HMAC-SHA256 secret and holds
// the static admin token list.
type TokenManager struct {
	secret      []byte
	expiry      time.Duration
	adminTokens []string
	now         func() time.Time
}

// Option customizes a TokenManager.
type Option func(*TokenManager)

// WithClock overrides the time source, used by expiry tests.
func WithClock(now func() time.Time) Option {
	return func(m *TokenManager) {
		m.now = now
	}
}

// NewTokenManager builds a TokenManager from the configured secret, token
// lifetime, and admin token list.
func NewTokenManager(secret string, expiry time.Duration, adminTokens []string, opts ...Option) *TokenManager {
	m := &TokenManager{
		secret:      []byte(secret),
		expiry:      expiry,
		adminTokens: adminTokens,
		now:         time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Issue mints a signed HS256 token for the endpoint.
func (m *TokenManager) Issue(endpointID, endpointName string) (string, error) {
	now := m.now()
	claims := &Claims{
		EndpointID:   endpointID,
		EndpointName: endpointName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   endpointID,
			Issuer:    "pacsync",
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.expiry)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", errdefs.Internal(err, "sign endpoint token")
	}
	return signed, nil
}

// Validate verifies the token signature and expiry and returns the claims.
func (m *TokenManager) Validate(raw string) (*Claims, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errdefs.Authentication("unexpected signing method %v", t.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithTimeFunc(m.now), jwt.WithValidMethods([]string{"HS256"}))
	if err != nil {
		return nil, errdefs.Authentication("invalid token: %v", err)
	}
	if !token.Valid || claims.EndpointID == "" {
		return nil, errdefs.Authentication("invalid token")
	}
	return claims, nil
}

// IsAdminToken compares the raw token against each configured admin
// credential in constant time.
func (m *TokenManager) IsAdminToken(raw string) bool {
	if raw == "" {
		return false
	}
	for _, admin := range m.adminTokens {
		if subtle.ConstantTimeCompare([]byte(raw), []byte(admin)) == 1 {
			return true
		}
	}
	return false
}
