// Package issuer is a small auth server speaking both protocols the client
// package understands. It backs the demo command and the integration tests.
package issuer

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"golang.org/x/crypto/bcrypt"
)

const (
	DefaultAccessTokenExpiry  = 15 * time.Minute
	DefaultRefreshTokenExpiry = 7 * 24 * time.Hour
)

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrTokenRevoked       = errors.New("token has been revoked")
	ErrUnknownAppKey      = errors.New("unknown app key")
)

// Issuer signs HS256 access tokens for a fixed set of users.
type Issuer struct {
	// JWT configuration
	SecretKey []byte
	Issuer    string
	Audience  []string // accepted app keys; the token carries the one used

	AccessTokenExpiry  time.Duration
	RefreshTokenExpiry time.Duration

	Clock  clockwork.Clock
	Logger *slog.Logger

	mu      sync.Mutex
	users   map[string][]byte // email -> bcrypt hash
	refresh map[string]refreshGrant
	revoked map[string]time.Time // jti -> exp
	calls   map[string]int
}

type refreshGrant struct {
	Subject   string
	Audience  string
	ExpiresAt time.Time
}

// New creates an issuer accepting the given audiences.
func New(secret string, audience ...string) *Issuer {
	return &Issuer{
		SecretKey: []byte(secret),
		Audience:  audience,
		Clock:     clockwork.NewRealClock(),
		Logger:    slog.Default(),
		users:     map[string][]byte{},
		refresh:   map[string]refreshGrant{},
		revoked:   map[string]time.Time{},
		calls:     map[string]int{},
	}
}

func (is *Issuer) accessExpiry() time.Duration {
	if is.AccessTokenExpiry > 0 {
		return is.AccessTokenExpiry
	}
	return DefaultAccessTokenExpiry
}

func (is *Issuer) refreshExpiry() time.Duration {
	if is.RefreshTokenExpiry > 0 {
		return is.RefreshTokenExpiry
	}
	return DefaultRefreshTokenExpiry
}

// AddUser registers a user with a bcrypt hashed password.
func (is *Issuer) AddUser(email, password string) error {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		return err
	}
	is.mu.Lock()
	defer is.mu.Unlock()
	is.users[strings.ToLower(email)] = hash
	return nil
}

func (is *Issuer) checkPassword(email, password string) error {
	is.mu.Lock()
	hash, ok := is.users[strings.ToLower(email)]
	is.mu.Unlock()
	if !ok {
		return ErrInvalidCredentials
	}
	if bcrypt.CompareHashAndPassword(hash, []byte(password)) != nil {
		return ErrInvalidCredentials
	}
	return nil
}

func (is *Issuer) audienceFor(appKey string) (string, error) {
	if appKey == "" && len(is.Audience) > 0 {
		return is.Audience[0], nil
	}
	if !slices.Contains(is.Audience, appKey) {
		return "", ErrUnknownAppKey
	}
	return appKey, nil
}

// CreateAccessToken signs a token for subject and audience.
func (is *Issuer) CreateAccessToken(subject, audience string) (string, int64, error) {
	expiry := is.accessExpiry()
	now := is.Clock.Now()

	claims := jwt.MapClaims{
		"sub": subject,
		"aud": audience,
		"jti": uuid.NewString(),
		"iat": now.Unix(),
		"exp": now.Add(expiry).Unix(),
	}
	if is.Issuer != "" {
		claims["iss"] = is.Issuer
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	tokenString, err := token.SignedString(is.SecretKey)
	if err != nil {
		return "", 0, fmt.Errorf("failed to sign token: %w", err)
	}
	return tokenString, int64(expiry.Seconds()), nil
}

// ValidateAccessToken verifies signature, expiry, audience and revocation.
func (is *Issuer) ValidateAccessToken(tokenString string) (jwt.MapClaims, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (any, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return is.SecretKey, nil
	}, jwt.WithTimeFunc(is.Clock.Now), jwt.WithExpirationRequired())
	if err != nil {
		return nil, err
	}

	aud, err := claims.GetAudience()
	if err != nil || !slices.ContainsFunc(aud, func(a string) bool { return slices.Contains(is.Audience, a) }) {
		return nil, jwt.ErrTokenInvalidAudience
	}
	jti, _ := claims["jti"].(string)
	is.mu.Lock()
	_, revoked := is.revoked[jti]
	is.mu.Unlock()
	if revoked {
		return nil, ErrTokenRevoked
	}
	return claims, nil
}

// revoke blocks jti until the token would have expired anyway.
func (is *Issuer) revoke(claims jwt.MapClaims) {
	jti, _ := claims["jti"].(string)
	if jti == "" {
		return
	}
	exp, _ := claims.GetExpirationTime()
	is.mu.Lock()
	defer is.mu.Unlock()
	now := is.Clock.Now()
	for k, until := range is.revoked {
		if until.Before(now) {
			delete(is.revoked, k)
		}
	}
	if exp != nil {
		is.revoked[jti] = exp.Time
	} else {
		is.revoked[jti] = now.Add(is.accessExpiry())
	}
}

func (is *Issuer) createRefreshToken(subject, audience string) string {
	rt := uuid.NewString()
	is.mu.Lock()
	defer is.mu.Unlock()
	is.refresh[rt] = refreshGrant{Subject: subject, Audience: audience, ExpiresAt: is.Clock.Now().Add(is.refreshExpiry())}
	return rt
}

// rotateRefreshToken consumes rt. A token can only be used once.
func (is *Issuer) rotateRefreshToken(rt string) (refreshGrant, bool) {
	is.mu.Lock()
	defer is.mu.Unlock()
	g, ok := is.refresh[rt]
	delete(is.refresh, rt)
	if !ok || is.Clock.Now().After(g.ExpiresAt) {
		return refreshGrant{}, false
	}
	return g, true
}

func (is *Issuer) revokeRefreshToken(rt string) {
	is.mu.Lock()
	defer is.mu.Unlock()
	delete(is.refresh, rt)
}

// Calls returns how often the named route was hit.
func (is *Issuer) Calls(route string) int {
	is.mu.Lock()
	defer is.mu.Unlock()
	return is.calls[route]
}

func (is *Issuer) count(route string) {
	is.mu.Lock()
	defer is.mu.Unlock()
	is.calls[route]++
}

func bearer(r *http.Request) string {
	h := r.Header.Get("Authorization")
	if after, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(after)
	}
	return ""
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
