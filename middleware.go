package tokensync

import (
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
)

// Authenticator reports whether the current context holds a valid token.
type Authenticator interface {
	IsAuthenticated() bool
}

// Authorize is the route guard check: a route that needs authentication is
// refused with ErrInvalidToken unless the current token is valid.
func (c *Coordinator) Authorize(needAuthentication bool) error {
	return authorize(c, needAuthentication)
}

func authorize(a Authenticator, needAuthentication bool) error {
	if needAuthentication && !a.IsAuthenticated() {
		return ErrInvalidToken
	}
	return nil
}

// Guard protects http handlers with an Authenticator.
type Guard struct {
	Auth Authenticator

	// LoginURL is where unauthenticated users are redirected. Empty means
	// reply 401 instead.
	LoginURL string

	// CallbackURLParam names the query parameter carrying the original path.
	CallbackURLParam string
}

// Guard returns a Guard bound to the coordinator, redirecting to the
// configured login URL.
func (c *Coordinator) Guard() *Guard {
	return &Guard{Auth: c, LoginURL: c.cfg.LoginURL}
}

// EnsureReasonableDefaults fills in unset fields.
func (g *Guard) EnsureReasonableDefaults() {
	if g.CallbackURLParam == "" {
		g.CallbackURLParam = "callbackURL"
	}
}

// Check runs the route guard for a single navigation.
func (g *Guard) Check(needAuthentication bool) error {
	return authorize(g.Auth, needAuthentication)
}

// EnsureAuthenticated only lets requests through while the token is valid.
func (g *Guard) EnsureAuthenticated(next http.Handler) http.Handler {
	g.EnsureReasonableDefaults()
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := g.Check(true); err == nil {
			next.ServeHTTP(w, r)
			return
		}
		slog.Debug("Guard: rejecting request", "path", r.URL.Path)
		if g.LoginURL == "" {
			http.Error(w, ErrInvalidToken.Error(), http.StatusUnauthorized)
			return
		}
		encoded := strings.ReplaceAll(url.QueryEscape(r.URL.Path), "+", "%20")
		http.Redirect(w, r, fmt.Sprintf("%s?%s=%s", g.LoginURL, g.CallbackURLParam, encoded), http.StatusFound)
	})
}
