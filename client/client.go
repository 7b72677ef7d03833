// Package client provides tokensync.AuthTransport implementations: one for
// servers speaking the {"data":{"jwt":...}} envelope protocol and one for
// OAuth 2.0 token endpoints.
package client

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"

	ts "github.com/panyam/tokensync"
)

// Default endpoint paths, relative to the server URL.
const (
	DefaultLoginEndpoint   = "/auth/login"
	DefaultLogoutEndpoint  = "/auth/logout"
	DefaultRefreshEndpoint = "/auth/refresh"
)

// HeaderAppKey identifies the application on login requests.
const HeaderAppKey = "APP_KEY"

// envelope is the response body of every auth endpoint
type envelope struct {
	Data *struct {
		JWT string `json:"jwt"`
	} `json:"data,omitempty"`
	Errors []struct {
		Msg  string `json:"msg"`
		Code any    `json:"code"`
	} `json:"errors,omitempty"`
}

// Option configures an HTTPTransport
type Option func(*HTTPTransport)

// WithHTTPClient sets a custom HTTP client (for timeouts, TLS config, etc.)
func WithHTTPClient(client *http.Client) Option {
	return func(t *HTTPTransport) {
		if client != nil {
			t.httpClient = client
		}
	}
}

// WithTransport sets a custom base transport (for connection pooling, proxies, etc.)
func WithTransport(transport http.RoundTripper) Option {
	return func(t *HTTPTransport) {
		t.httpClient = &http.Client{Transport: transport}
	}
}

// HTTPTransport talks to an auth server that wraps tokens in a JSON envelope.
// Login posts the credentials form-encoded; logout and refresh are GETs
// signed with the current token.
type HTTPTransport struct {
	mu         sync.RWMutex
	serverURL  string
	httpClient *http.Client
	cfg        ts.TransportConfig
}

// NewHTTPTransport creates a transport for serverURL. Endpoints set through
// Configure may be absolute URLs or paths relative to serverURL.
func NewHTTPTransport(serverURL string, opts ...Option) *HTTPTransport {
	t := &HTTPTransport{
		serverURL:  strings.TrimRight(serverURL, "/"),
		httpClient: &http.Client{},
		cfg: ts.TransportConfig{
			LoginEndpoint:   DefaultLoginEndpoint,
			LogoutEndpoint:  DefaultLogoutEndpoint,
			RefreshEndpoint: DefaultRefreshEndpoint,
		},
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Configure applies the non-empty fields of cfg.
func (t *HTTPTransport) Configure(cfg ts.TransportConfig) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cfg.AppKey != "" {
		t.cfg.AppKey = cfg.AppKey
	}
	if cfg.LoginEndpoint != "" {
		t.cfg.LoginEndpoint = cfg.LoginEndpoint
	}
	if cfg.LogoutEndpoint != "" {
		t.cfg.LogoutEndpoint = cfg.LogoutEndpoint
	}
	if cfg.RefreshEndpoint != "" {
		t.cfg.RefreshEndpoint = cfg.RefreshEndpoint
	}
	if cfg.Signer != nil {
		t.cfg.Signer = cfg.Signer
	}
}

func (t *HTTPTransport) config() ts.TransportConfig {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.cfg
}

// endpointURL resolves ep against the server URL and drops a trailing slash.
func (t *HTTPTransport) endpointURL(ep string) string {
	ep = strings.TrimRight(ep, "/")
	if u, err := url.Parse(ep); err == nil && u.IsAbs() {
		return ep
	}
	if ep != "" && !strings.HasPrefix(ep, "/") {
		ep = "/" + ep
	}
	return t.serverURL + ep
}

// Login posts the credentials and returns the issued token.
func (t *HTTPTransport) Login(ctx context.Context, creds ts.Credentials) (string, error) {
	cfg := t.config()

	form := url.Values{}
	for k, v := range creds.Extra {
		form.Set(k, v)
	}
	form.Set("email", creds.Username)
	form.Set("password", creds.Password)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.endpointURL(cfg.LoginEndpoint), strings.NewReader(form.Encode()))
	if err != nil {
		return "", &ts.TransportError{Op: "login", Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	if cfg.AppKey != "" {
		req.Header.Set(HeaderAppKey, cfg.AppKey)
	}
	// Login never carries a bearer token.
	if cfg.Signer != nil {
		cfg.Signer.SignRequest(req, ts.RequestOptions{SkipJWTAuthentication: true})
	}
	return t.tokenRequest("login", req)
}

// Logout tells the server to end the session. The response body is ignored.
func (t *HTTPTransport) Logout(ctx context.Context) error {
	cfg := t.config()
	req, err := t.signedGet(ctx, cfg, cfg.LogoutEndpoint)
	if err != nil {
		return &ts.TransportError{Op: "logout", Err: err}
	}
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return &ts.TransportError{Op: "logout", Err: err}
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return statusError("logout", resp.StatusCode, body)
	}
	return nil
}

// Refresh exchanges the current token for a new one.
func (t *HTTPTransport) Refresh(ctx context.Context) (string, error) {
	cfg := t.config()
	req, err := t.signedGet(ctx, cfg, cfg.RefreshEndpoint)
	if err != nil {
		return "", &ts.TransportError{Op: "refresh", Err: err}
	}
	return t.tokenRequest("refresh", req)
}

func (t *HTTPTransport) signedGet(ctx context.Context, cfg ts.TransportConfig, ep string) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, t.endpointURL(ep), nil)
	if err != nil {
		return nil, err
	}
	if cfg.Signer != nil {
		cfg.Signer.SignRequest(req, ts.RequestOptions{})
	}
	return req, nil
}

func (t *HTTPTransport) tokenRequest(op string, req *http.Request) (string, error) {
	resp, err := t.httpClient.Do(req)
	if err != nil {
		return "", &ts.TransportError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", &ts.TransportError{Op: op, StatusCode: resp.StatusCode, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", statusError(op, resp.StatusCode, body)
	}

	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return "", &ts.TransportError{Op: op, StatusCode: resp.StatusCode, Message: "invalid response from server", Err: err}
	}
	if env.Data == nil || env.Data.JWT == "" {
		return "", &ts.TransportError{Op: op, StatusCode: resp.StatusCode, Err: ts.ErrMissingJWT}
	}
	return env.Data.JWT, nil
}

// statusError builds an error from a non-2xx response, using the first
// application error when the body has one.
func statusError(op string, status int, body []byte) error {
	out := &ts.TransportError{Op: op, StatusCode: status}
	var env envelope
	if json.Unmarshal(body, &env) == nil && len(env.Errors) > 0 {
		out.Message = env.Errors[0].Msg
		if env.Errors[0].Code != nil {
			out.Code = fmt.Sprint(env.Errors[0].Code)
		}
	}
	return out
}
