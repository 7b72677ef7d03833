package tokensync

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func signedCoordinator(t *testing.T, ttl time.Duration) (*Coordinator, string) {
	t.Helper()
	clock := newFakeClock()
	shared := newSharedStore()
	raw := tokenFor(t, clock, "app", ttl)
	shared.items[DefaultStorageKey] = raw
	tr := &fakeTransport{refresh: func(ctx context.Context) (string, error) { return raw, nil }}
	c, _ := newTestCoordinator(t, testConfig(), tr, shared.view(), clock)
	return c, raw
}

func TestSignRequest(t *testing.T) {
	c, raw := signedCoordinator(t, time.Hour)

	req := httptest.NewRequest(http.MethodGet, "/api/me", nil)
	c.SignRequest(req, RequestOptions{})
	assert.Equal(t, "Bearer "+raw, req.Header.Get(HeaderAuthorization))

	req = httptest.NewRequest(http.MethodGet, "/api/me", nil)
	c.SignRequest(req, RequestOptions{SkipJWTAuthentication: true})
	assert.Empty(t, req.Header.Get(HeaderAuthorization))
}

func TestSignRequest_EmptyTokenAddsNoHeader(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig(), &fakeTransport{}, nil, newFakeClock())
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c.SignRequest(req, RequestOptions{})
	_, present := req.Header[HeaderAuthorization]
	assert.False(t, present)
}

func TestSignRequest_ExpiredTokenIsStillSent(t *testing.T) {
	clock := newFakeClock()
	shared := newSharedStore()
	raw := tokenFor(t, clock, "app", -time.Minute)
	shared.items[DefaultStorageKey] = raw
	c, _ := newTestCoordinator(t, testConfig(), &fakeTransport{}, shared.view(), clock)
	require.False(t, c.IsAuthenticated())

	req := httptest.NewRequest(http.MethodGet, "/", nil)
	c.SignRequest(req, RequestOptions{})
	assert.Equal(t, "Bearer "+raw, req.Header.Get(HeaderAuthorization))
}

func TestRequestOptionsFromContext(t *testing.T) {
	assert.False(t, RequestOptionsFromContext(context.Background()).SkipJWTAuthentication)
	assert.True(t, RequestOptionsFromContext(WithoutJWTAuthentication(context.Background())).SkipJWTAuthentication)
}

func TestHTTPClient_SignsRequests(t *testing.T) {
	c, raw := signedCoordinator(t, time.Hour)

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, r.Header.Get(HeaderAuthorization))
	}))
	defer server.Close()

	client := c.HTTPClient(nil)
	get := func(ctx context.Context) string {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, server.URL, nil)
		require.NoError(t, err)
		resp, err := client.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		body, _ := io.ReadAll(resp.Body)
		return string(body)
	}

	assert.Equal(t, "Bearer "+raw, get(context.Background()))
	assert.Empty(t, get(WithoutJWTAuthentication(context.Background())))
}

func TestSigningTransport_DoesNotMutateRequest(t *testing.T) {
	c, _ := signedCoordinator(t, time.Hour)
	base := roundTripFunc(func(r *http.Request) (*http.Response, error) {
		assert.NotEmpty(t, r.Header.Get(HeaderAuthorization))
		return &http.Response{StatusCode: http.StatusNoContent, Body: http.NoBody, Request: r}, nil
	})

	req := httptest.NewRequest(http.MethodGet, "http://example.com/", nil)
	resp, err := c.RoundTripper(base).RoundTrip(req)
	require.NoError(t, err)
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)
	assert.Empty(t, req.Header.Get(HeaderAuthorization))
}

func TestDo(t *testing.T) {
	var got string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get(HeaderAuthorization)
	}))
	defer server.Close()

	clock := newFakeClock()
	raw := tokenFor(t, clock, "app", time.Hour)
	tr := &fakeTransport{login: func(ctx context.Context, creds Credentials) (string, error) { return raw, nil }}
	c, err := NewCoordinator(context.Background(), testConfig(), tr, nil, WithClock(clock), WithHTTPClient(server.Client()))
	require.NoError(t, err)
	defer c.Close()
	require.NoError(t, c.Login(context.Background(), testCreds))

	req, err := http.NewRequest(http.MethodGet, server.URL, nil)
	require.NoError(t, err)
	resp, err := c.Do(req, RequestOptions{})
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, "Bearer "+raw, got)
}

func TestTokenSource(t *testing.T) {
	c, _ := newTestCoordinator(t, testConfig(), &fakeTransport{}, nil, newFakeClock())
	_, err := c.TokenSource().Token()
	assert.ErrorIs(t, err, ErrNoToken)

	c, raw := signedCoordinator(t, time.Hour)
	tok, err := c.TokenSource().Token()
	require.NoError(t, err)
	assert.Equal(t, raw, tok.AccessToken)
	assert.Equal(t, "Bearer", tok.TokenType)
	assert.Equal(t, time.Unix(epoch+3600, 0), tok.Expiry)
}

type roundTripFunc func(*http.Request) (*http.Response, error)

func (f roundTripFunc) RoundTrip(r *http.Request) (*http.Response, error) { return f(r) }
