package tokensync

import (
	"context"
	"net/http"
	"time"

	"golang.org/x/oauth2"
)

// HeaderAuthorization carries the bearer token on signed requests.
const HeaderAuthorization = "Authorization"

type skipJWTKey struct{}

// WithoutJWTAuthentication marks ctx so requests made with it are not signed.
func WithoutJWTAuthentication(ctx context.Context) context.Context {
	return context.WithValue(ctx, skipJWTKey{}, true)
}

// RequestOptionsFromContext reads the options set by WithoutJWTAuthentication.
func RequestOptionsFromContext(ctx context.Context) RequestOptions {
	skip, _ := ctx.Value(skipJWTKey{}).(bool)
	return RequestOptions{SkipJWTAuthentication: skip}
}

// SignRequest adds "Authorization: Bearer <raw>" to req unless the caller
// opted out or no token is held. An expired token is still attached; the
// server decides what to do with it.
func (c *Coordinator) SignRequest(req *http.Request, opts RequestOptions) {
	if opts.SkipJWTAuthentication {
		return
	}
	raw := c.token.Raw()
	if raw == "" {
		return
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	req.Header.Set(HeaderAuthorization, "Bearer "+raw)
}

// Do signs req and sends it with the coordinator's HTTP client.
func (c *Coordinator) Do(req *http.Request, opts RequestOptions) (*http.Response, error) {
	c.SignRequest(req, opts)
	return c.httpClient.Do(req)
}

// RoundTripper wraps base so every request is signed with the current token.
func (c *Coordinator) RoundTripper(base http.RoundTripper) http.RoundTripper {
	return &SigningTransport{Base: base, Signer: c}
}

// HTTPClient returns a copy of base (or a new client) whose transport signs
// requests.
func (c *Coordinator) HTTPClient(base *http.Client) *http.Client {
	out := &http.Client{}
	if base != nil {
		*out = *base
	}
	out.Transport = c.RoundTripper(out.Transport)
	return out
}

// SigningTransport wraps an http.RoundTripper to add Authorization headers.
// The request context decides whether a request is signed.
type SigningTransport struct {
	Base   http.RoundTripper
	Signer RequestSigner
}

// RoundTrip implements http.RoundTripper
func (t *SigningTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	if t.Signer != nil {
		// Clone the request to avoid mutating the original
		req2 := req.Clone(req.Context())
		t.Signer.SignRequest(req2, RequestOptionsFromContext(req.Context()))
		req = req2
	}

	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}
	return base.RoundTrip(req)
}

// TokenSource exposes the current token as an oauth2.TokenSource. It never
// refreshes on its own; the scheduler does that.
func (c *Coordinator) TokenSource() oauth2.TokenSource {
	return coordinatorTokenSource{c: c}
}

type coordinatorTokenSource struct {
	c *Coordinator
}

func (s coordinatorTokenSource) Token() (*oauth2.Token, error) {
	tok := s.c.token
	raw := tok.Raw()
	if raw == "" {
		return nil, ErrNoToken
	}
	out := &oauth2.Token{AccessToken: raw, TokenType: "Bearer"}
	if exp := tok.ExpiresAt(); exp != NoExpiry {
		out.Expiry = time.Unix(exp, 0)
	}
	return out, nil
}
