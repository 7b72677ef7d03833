package tokensync

import (
	"context"
	"net/http"
)

// Credentials are passed through to the auth server on login.
type Credentials struct {
	Username string // email, phone or username, whatever the server accepts
	Password string

	// Extra holds additional form fields some servers expect.
	Extra map[string]string
}

// AuthTransport performs the network side of login, logout and refresh.
// Implementations return the raw token string on success.
type AuthTransport interface {
	Login(ctx context.Context, creds Credentials) (string, error)
	Logout(ctx context.Context) error
	Refresh(ctx context.Context) (string, error)
}

// TransportConfig is what a Coordinator hands to its transport on startup.
type TransportConfig struct {
	AppKey          string
	LoginEndpoint   string
	LogoutEndpoint  string
	RefreshEndpoint string

	// Signer attaches the current bearer token to logout and refresh calls.
	Signer RequestSigner
}

// ConfigurableTransport is implemented by transports that accept endpoint
// and signing configuration from the coordinator.
type ConfigurableTransport interface {
	Configure(cfg TransportConfig)
}

// RequestSigner attaches credentials to an outgoing request.
type RequestSigner interface {
	SignRequest(req *http.Request, opts RequestOptions)
}

// RequestOptions controls signing of a single request.
type RequestOptions struct {
	// SkipJWTAuthentication leaves the Authorization header untouched.
	SkipJWTAuthentication bool
}
