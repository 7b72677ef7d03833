package client

import (
	"context"
	"errors"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"

	ts "github.com/panyam/tokensync"
)

// DefaultRefreshTokenKey is where OAuth2Transport keeps the refresh token
// when given a store.
const DefaultRefreshTokenKey = "refresh_token"

// ErrNoRefreshToken is returned by OAuth2Transport.Refresh before any login.
var ErrNoRefreshToken = errors.New("no refresh token available")

// OAuth2Option configures an OAuth2Transport
type OAuth2Option func(*OAuth2Transport)

// WithRefreshTokenStore keeps the refresh token in store so every context
// sharing the store can refresh.
func WithRefreshTokenStore(store ts.Store, key string) OAuth2Option {
	return func(t *OAuth2Transport) {
		t.store = store
		if key != "" {
			t.refreshKey = key
		}
	}
}

// WithRevokeURL sets an endpoint that receives the refresh token on logout.
func WithRevokeURL(revokeURL string) OAuth2Option {
	return func(t *OAuth2Transport) {
		t.revokeURL = strings.TrimRight(revokeURL, "/")
	}
}

// WithOAuth2HTTPClient sets the client used for token requests.
func WithOAuth2HTTPClient(client *http.Client) OAuth2Option {
	return func(t *OAuth2Transport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// OAuth2Transport uses the resource owner password grant for login and the
// refresh_token grant for refresh.
type OAuth2Transport struct {
	mu           sync.Mutex
	oauth        oauth2.Config
	httpClient   *http.Client
	revokeURL    string
	signer       ts.RequestSigner
	store        ts.Store
	refreshKey   string
	refreshToken string
}

// NewOAuth2Transport creates a transport for the given token endpoint.
func NewOAuth2Transport(tokenURL, clientID string, scopes []string, opts ...OAuth2Option) *OAuth2Transport {
	t := &OAuth2Transport{
		oauth: oauth2.Config{
			ClientID: clientID,
			Scopes:   scopes,
			Endpoint: oauth2.Endpoint{
				TokenURL:  strings.TrimRight(tokenURL, "/"),
				AuthStyle: oauth2.AuthStyleInParams,
			},
		},
		httpClient: &http.Client{},
		refreshKey: DefaultRefreshTokenKey,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Configure picks up the signer. Endpoints come from the constructor.
func (t *OAuth2Transport) Configure(cfg ts.TransportConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.Signer != nil {
		t.signer = cfg.Signer
	}
	if t.oauth.ClientID == "" {
		t.oauth.ClientID = cfg.AppKey
	}
}

func (t *OAuth2Transport) ctx(ctx context.Context) context.Context {
	return context.WithValue(ctx, oauth2.HTTPClient, t.httpClient)
}

// Login runs the password grant.
func (t *OAuth2Transport) Login(ctx context.Context, creds ts.Credentials) (string, error) {
	t.mu.Lock()
	cfg := t.oauth
	t.mu.Unlock()

	tok, err := cfg.PasswordCredentialsToken(t.ctx(ctx), creds.Username, creds.Password)
	if err != nil {
		return "", oauthError("login", err)
	}
	if err := t.keepRefreshToken(ctx, tok.RefreshToken); err != nil {
		return "", &ts.TransportError{Op: "login", Err: err}
	}
	return tok.AccessToken, nil
}

// Refresh runs the refresh_token grant with the last refresh token.
func (t *OAuth2Transport) Refresh(ctx context.Context) (string, error) {
	rt, err := t.currentRefreshToken(ctx)
	if err != nil {
		return "", &ts.TransportError{Op: "refresh", Err: err}
	}

	t.mu.Lock()
	cfg := t.oauth
	t.mu.Unlock()

	// An already expired token forces the source to hit the endpoint.
	src := cfg.TokenSource(t.ctx(ctx), &oauth2.Token{RefreshToken: rt, Expiry: time.Unix(1, 0)})
	tok, err := src.Token()
	if err != nil {
		return "", oauthError("refresh", err)
	}
	if tok.RefreshToken != rt {
		if err := t.keepRefreshToken(ctx, tok.RefreshToken); err != nil {
			return "", &ts.TransportError{Op: "refresh", Err: err}
		}
	}
	return tok.AccessToken, nil
}

// Logout revokes the refresh token when a revoke URL is set, then forgets it.
func (t *OAuth2Transport) Logout(ctx context.Context) error {
	rt, _ := t.currentRefreshToken(ctx)
	if t.revokeURL != "" && rt != "" {
		form := url.Values{"token": {rt}, "token_type_hint": {"refresh_token"}}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.revokeURL, strings.NewReader(form.Encode()))
		if err != nil {
			return &ts.TransportError{Op: "logout", Err: err}
		}
		req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
		t.mu.Lock()
		signer := t.signer
		t.mu.Unlock()
		if signer != nil {
			signer.SignRequest(req, ts.RequestOptions{})
		}
		resp, err := t.httpClient.Do(req)
		if err != nil {
			return &ts.TransportError{Op: "logout", Err: err}
		}
		resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return &ts.TransportError{Op: "logout", StatusCode: resp.StatusCode}
		}
	}
	return t.keepRefreshToken(ctx, "")
}

func (t *OAuth2Transport) currentRefreshToken(ctx context.Context) (string, error) {
	if t.store != nil {
		rt, ok, err := t.store.GetItem(ctx, t.refreshKey)
		if err != nil {
			return "", err
		}
		if ok && rt != "" {
			return rt, nil
		}
		return "", ErrNoRefreshToken
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.refreshToken == "" {
		return "", ErrNoRefreshToken
	}
	return t.refreshToken, nil
}

func (t *OAuth2Transport) keepRefreshToken(ctx context.Context, rt string) error {
	if t.store != nil {
		if rt == "" {
			return t.store.RemoveItem(ctx, t.refreshKey)
		}
		return t.store.SetItem(ctx, t.refreshKey, rt)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.refreshToken = rt
	return nil
}

// oauthError maps token endpoint failures onto TransportError.
func oauthError(op string, err error) error {
	var re *oauth2.RetrieveError
	if errors.As(err, &re) {
		out := &ts.TransportError{Op: op, Code: re.ErrorCode, Message: re.ErrorDescription, Err: err}
		if re.Response != nil {
			out.StatusCode = re.Response.StatusCode
		}
		return out
	}
	return &ts.TransportError{Op: op, Err: err}
}
