package tokensync

import (
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"math"
	"slices"
	"strings"
	"sync"

	"github.com/golang-jwt/jwt/v5"
	"github.com/jonboulle/clockwork"
)

// NoExpiry is returned by Token.ExpiresAt when the claims carry no usable exp.
const NoExpiry int64 = -1

// TokenState is the stored state of a Token.
type TokenState int

const (
	// TokenEmpty means no raw value is held.
	TokenEmpty TokenState = iota
	// TokenParsed means a structurally valid token with decoded claims is held.
	TokenParsed
)

// TokenStatus classifies a token at query time. It is never stored.
type TokenStatus int

const (
	StatusEmpty TokenStatus = iota
	StatusValid
	StatusInvalid
)

func (s TokenStatus) String() string {
	switch s {
	case StatusValid:
		return "valid"
	case StatusInvalid:
		return "invalid"
	default:
		return "empty"
	}
}

// segmentParser only decodes segments; signatures are the server's concern.
var segmentParser = jwt.NewParser(jwt.WithPaddingAllowed())

// TokenOptions configures a Token. Audience is fixed for the token's life.
type TokenOptions struct {
	Audience   []string
	StorageKey string
	Store      Store
	Clock      clockwork.Clock
	Logger     *slog.Logger
}

// Token holds a raw bearer credential and its decoded claims.
//
// A structurally invalid input never surfaces as an error: the token simply
// becomes empty and IsValid reports false.
type Token struct {
	mu         sync.RWMutex
	raw        string
	claims     jwt.MapClaims
	generation uint64

	audience   []string
	storageKey string
	store      Store
	clock      clockwork.Clock
	logger     *slog.Logger
}

// NewToken creates a token and parses raw, which may be empty.
func NewToken(raw string, opts TokenOptions) *Token {
	t := &Token{
		claims:     jwt.MapClaims{},
		audience:   slices.Clone(opts.Audience),
		storageKey: opts.StorageKey,
		store:      opts.Store,
		clock:      opts.Clock,
		logger:     opts.Logger,
	}
	if t.clock == nil {
		t.clock = clockwork.NewRealClock()
	}
	if t.logger == nil {
		t.logger = slog.Default()
	}
	if raw != "" {
		t.Update(raw)
	}
	return t
}

// Update replaces the token with raw. Anything that is not three
// dot-separated segments with a JSON object payload leaves the token empty.
func (t *Token) Update(raw string) {
	claims, ok := decodeClaims(raw)
	if !ok && raw != "" {
		t.logger.Debug("Token: discarding malformed token")
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.generation++
	if !ok {
		t.raw = ""
		t.claims = jwt.MapClaims{}
		return
	}
	t.raw = raw
	t.claims = claims
}

// Clear empties the token.
func (t *Token) Clear() {
	t.Update("")
}

func decodeClaims(raw string) (jwt.MapClaims, bool) {
	if raw == "" {
		return nil, false
	}
	parts := strings.Split(raw, ".")
	if len(parts) != 3 {
		return nil, false
	}
	payload, err := segmentParser.DecodeSegment(parts[1])
	if err != nil {
		return nil, false
	}
	var claims jwt.MapClaims
	if err := json.Unmarshal(payload, &claims); err != nil || claims == nil {
		return nil, false
	}
	return claims, true
}

// Raw returns the original token string, or "" when empty.
func (t *Token) Raw() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.raw
}

// Claims returns a copy of the decoded payload.
func (t *Token) Claims() map[string]any {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return maps.Clone(map[string]any(t.claims))
}

// Subject returns the "sub" claim, if any.
func (t *Token) Subject() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	sub, _ := t.claims.GetSubject()
	return sub
}

// Generation increases on every Update, Load and Clear.
func (t *Token) Generation() uint64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.generation
}

// Audience returns the configured audience values.
func (t *Token) Audience() []string {
	return slices.Clone(t.audience)
}

// ExpiresAt returns exp in epoch seconds, or NoExpiry.
func (t *Token) ExpiresAt() int64 {
	t.mu.RLock()
	defer t.mu.RUnlock()
	exp, ok := expiry(t.claims)
	if !ok {
		return NoExpiry
	}
	switch {
	case exp >= math.MaxInt64:
		return math.MaxInt64
	case exp <= math.MinInt64:
		return math.MinInt64
	}
	return int64(exp)
}

// State reports whether a parsed token is held.
func (t *Token) State() TokenState {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if t.raw == "" {
		return TokenEmpty
	}
	return TokenParsed
}

// Status classifies the token right now.
func (t *Token) Status() TokenStatus {
	if t.State() == TokenEmpty {
		return StatusEmpty
	}
	if t.IsValid() {
		return StatusValid
	}
	return StatusInvalid
}

// IsValid reports whether the claims are non-empty, unexpired and meant for
// one of the configured audiences. It is recomputed on every call.
func (t *Token) IsValid() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	if len(t.claims) == 0 {
		return false
	}
	return !t.hasExpired() && t.audienceMatches()
}

func (t *Token) hasExpired() bool {
	exp, ok := expiry(t.claims)
	if !ok {
		return true
	}
	return exp <= float64(t.clock.Now().Unix())
}

func (t *Token) audienceMatches() bool {
	if len(t.audience) == 0 {
		return false
	}
	target, err := t.claims.GetAudience()
	if err != nil || len(target) == 0 {
		return false
	}
	for _, aud := range target {
		if slices.Contains(t.audience, aud) {
			return true
		}
	}
	return false
}

func expiry(claims jwt.MapClaims) (float64, bool) {
	switch v := claims["exp"].(type) {
	case float64:
		return v, true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

// Write persists the raw token under the storage key. An empty token
// removes the key.
func (t *Token) Write(ctx context.Context) error {
	if t.store == nil || t.storageKey == "" {
		t.logger.Warn("Token - write: " + ErrStorageUnavailable.Error())
		return ErrStorageUnavailable
	}
	raw := t.Raw()
	var err error
	if raw == "" {
		err = t.store.RemoveItem(ctx, t.storageKey)
	} else {
		err = t.store.SetItem(ctx, t.storageKey, raw)
	}
	if err != nil {
		t.logger.Warn("Token - write failed", "key", t.storageKey, "err", err)
	}
	return err
}

// Load replaces the token with the stored value through the same path as
// Update. A missing key empties the token.
func (t *Token) Load(ctx context.Context) error {
	if t.store == nil || t.storageKey == "" {
		t.logger.Warn("Token - load: " + ErrStorageUnavailable.Error())
		return ErrStorageUnavailable
	}
	raw, ok, err := t.store.GetItem(ctx, t.storageKey)
	if err != nil {
		t.logger.Warn("Token - load failed", "key", t.storageKey, "err", err)
		return err
	}
	if !ok {
		raw = ""
	}
	t.Update(raw)
	return nil
}
