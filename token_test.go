package tokensync

import (
	"context"
	"encoding/base64"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToken_Status(t *testing.T) {
	clock := newFakeClock()
	opts := TokenOptions{Audience: []string{"app-1", "app-2"}, Clock: clock}
	now := clock.Now().Unix()

	tests := []struct {
		name   string
		raw    string
		status TokenStatus
		state  TokenState
		exp    int64
	}{
		{"empty", "", StatusEmpty, TokenEmpty, NoExpiry},
		{"valid string aud", makeJWT(t, map[string]any{"aud": "app-1", "exp": now + 60}), StatusValid, TokenParsed, now + 60},
		{"valid aud list", makeJWT(t, map[string]any{"aud": []string{"other", "app-2"}, "exp": now + 60}), StatusValid, TokenParsed, now + 60},
		{"wrong aud", makeJWT(t, map[string]any{"aud": "other", "exp": now + 60}), StatusInvalid, TokenParsed, now + 60},
		{"no aud", makeJWT(t, map[string]any{"exp": now + 60}), StatusInvalid, TokenParsed, now + 60},
		{"expired", makeJWT(t, map[string]any{"aud": "app-1", "exp": now - 1}), StatusInvalid, TokenParsed, now - 1},
		{"expires now", makeJWT(t, map[string]any{"aud": "app-1", "exp": now}), StatusInvalid, TokenParsed, now},
		{"no exp", makeJWT(t, map[string]any{"aud": "app-1"}), StatusInvalid, TokenParsed, NoExpiry},
		{"empty claims", makeJWT(t, map[string]any{}), StatusInvalid, TokenParsed, NoExpiry},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tok := NewToken(tt.raw, opts)
			assert.Equal(t, tt.status, tok.Status())
			assert.Equal(t, tt.state, tok.State())
			assert.Equal(t, tt.status == StatusValid, tok.IsValid())
			assert.Equal(t, tt.exp, tok.ExpiresAt())
			assert.Equal(t, tt.raw, tok.Raw())
		})
	}
}

func TestToken_MalformedInputEmptiesToken(t *testing.T) {
	enc := base64.RawURLEncoding
	inputs := map[string]string{
		"one part":       "abc",
		"two parts":      "a.b",
		"four parts":     "a.b.c.d",
		"bad base64":     "a.!!!.c",
		"not json":       "a." + enc.EncodeToString([]byte("hello")) + ".c",
		"json null":      "a." + enc.EncodeToString([]byte("null")) + ".c",
		"json array":     "a." + enc.EncodeToString([]byte("[1,2]")) + ".c",
		"json string":    "a." + enc.EncodeToString([]byte(`"x"`)) + ".c",
		"truncated json": "a." + enc.EncodeToString([]byte(`{"aud":`)) + ".c",
	}

	for name, raw := range inputs {
		t.Run(name, func(t *testing.T) {
			tok := NewToken(makeJWT(t, map[string]any{"aud": "app", "exp": time.Now().Add(time.Hour).Unix()}), TokenOptions{Audience: []string{"app"}})
			require.True(t, tok.IsValid())

			tok.Update(raw)
			assert.Equal(t, TokenEmpty, tok.State())
			assert.Equal(t, "", tok.Raw())
			assert.Empty(t, tok.Claims())
			assert.False(t, tok.IsValid())
		})
	}
}

func TestToken_OnlyPayloadIsDecoded(t *testing.T) {
	clock := newFakeClock()
	enc := base64.RawURLEncoding
	header := enc.EncodeToString([]byte(`{"alg":"HS256"}`))
	payload := enc.EncodeToString([]byte(`{"aud":"app","exp":1700000300,"sub":"42"}`))
	tok := NewToken(header+"."+payload+".not-a-signature", TokenOptions{Audience: []string{"app"}, Clock: clock})

	assert.True(t, tok.IsValid())
	assert.Equal(t, "42", tok.Subject())
	assert.Equal(t, int64(1700000300), tok.ExpiresAt())

	// Extra dots in the header make it more than three segments.
	tok.Update("eyJ...hdr." + payload + ".sig")
	assert.Equal(t, TokenEmpty, tok.State())
}

func TestToken_ExpiryBeyondInt64IsClamped(t *testing.T) {
	tok := NewToken(makeJWT(t, map[string]any{"aud": "app", "exp": 1e30}), TokenOptions{Audience: []string{"app"}})
	assert.Equal(t, int64(math.MaxInt64), tok.ExpiresAt())
	assert.True(t, tok.IsValid())
}

func TestToken_PaddedPayload(t *testing.T) {
	clock := newFakeClock()
	payload := base64.URLEncoding.EncodeToString([]byte(`{"aud":"app","exp":1700000300}`))
	tok := NewToken("h."+payload+".s", TokenOptions{Audience: []string{"app"}, Clock: clock})
	assert.True(t, tok.IsValid())
}

func TestToken_FractionalExpiry(t *testing.T) {
	clock := newFakeClock()
	tok := NewToken(makeJWT(t, map[string]any{"aud": "app", "exp": float64(epoch) + 0.5}), TokenOptions{Audience: []string{"app"}, Clock: clock})
	assert.True(t, tok.IsValid(), "exp half a second in the future is still valid")
}

func TestToken_ValidityFollowsClock(t *testing.T) {
	clock := newFakeClock()
	tok := NewToken(tokenFor(t, clock, "app", time.Minute), TokenOptions{Audience: []string{"app"}, Clock: clock})
	assert.True(t, tok.IsValid())
	clock.Advance(time.Minute)
	assert.False(t, tok.IsValid())
	assert.Equal(t, StatusInvalid, tok.Status())
}

func TestToken_NoAudienceConfigured(t *testing.T) {
	tok := NewToken(makeJWT(t, map[string]any{"aud": "app", "exp": time.Now().Add(time.Hour).Unix()}), TokenOptions{})
	assert.False(t, tok.IsValid())
}

func TestToken_GenerationIncreases(t *testing.T) {
	tok := NewToken("", TokenOptions{})
	g0 := tok.Generation()
	tok.Update("garbage")
	g1 := tok.Generation()
	tok.Clear()
	g2 := tok.Generation()
	assert.Less(t, g0, g1)
	assert.Less(t, g1, g2)
}

func TestToken_ClaimsAreCopied(t *testing.T) {
	tok := NewToken(makeJWT(t, map[string]any{"sub": "a"}), TokenOptions{})
	claims := tok.Claims()
	claims["sub"] = "mutated"
	assert.Equal(t, "a", tok.Subject())
}

func TestToken_WriteAndLoad(t *testing.T) {
	ctx := context.Background()
	clock := newFakeClock()
	shared := newSharedStore()
	store := shared.view()
	raw := tokenFor(t, clock, "app", time.Hour)

	tok := NewToken(raw, TokenOptions{Audience: []string{"app"}, StorageKey: DefaultStorageKey, Store: store, Clock: clock})
	require.NoError(t, tok.Write(ctx))
	v, ok := shared.value(DefaultStorageKey)
	assert.True(t, ok)
	assert.Equal(t, raw, v)

	other := NewToken("", TokenOptions{Audience: []string{"app"}, StorageKey: DefaultStorageKey, Store: store, Clock: clock})
	require.NoError(t, other.Load(ctx))
	assert.Equal(t, raw, other.Raw())
	assert.True(t, other.IsValid())

	// Writing an empty token removes the key; loading a missing key empties.
	tok.Clear()
	require.NoError(t, tok.Write(ctx))
	_, ok = shared.value(DefaultStorageKey)
	assert.False(t, ok)
	require.NoError(t, other.Load(ctx))
	assert.Equal(t, TokenEmpty, other.State())
}

func TestToken_LoadMalformedStoredValue(t *testing.T) {
	shared := newSharedStore()
	shared.items[DefaultStorageKey] = "not-a-jwt"
	tok := NewToken("", TokenOptions{StorageKey: DefaultStorageKey, Store: shared.view()})
	require.NoError(t, tok.Load(context.Background()))
	assert.Equal(t, TokenEmpty, tok.State())
}

func TestToken_StorageUnavailable(t *testing.T) {
	tok := NewToken("", TokenOptions{})
	assert.ErrorIs(t, tok.Write(context.Background()), ErrStorageUnavailable)
	assert.ErrorIs(t, tok.Load(context.Background()), ErrStorageUnavailable)

	tok = NewToken("", TokenOptions{Store: newSharedStore().view()})
	assert.ErrorIs(t, tok.Write(context.Background()), ErrStorageUnavailable, "store without key")
}

func TestToken_LoadErrorKeepsState(t *testing.T) {
	clock := newFakeClock()
	shared := newSharedStore()
	raw := tokenFor(t, clock, "app", time.Hour)
	tok := NewToken(raw, TokenOptions{Audience: []string{"app"}, StorageKey: DefaultStorageKey, Store: shared.view(), Clock: clock})
	gen := tok.Generation()

	shared.failGet = errors.New("disk on fire")
	assert.Error(t, tok.Load(context.Background()))
	assert.Equal(t, raw, tok.Raw())
	assert.Equal(t, gen, tok.Generation())
}

func TestTokenStatus_String(t *testing.T) {
	assert.Equal(t, "empty", StatusEmpty.String())
	assert.Equal(t, "valid", StatusValid.String())
	assert.Equal(t, "invalid", StatusInvalid.String())
}
