package issuer

import (
	"net/http"
	"strings"

	"github.com/gorilla/mux"
)

type envelopeError struct {
	Msg  string `json:"msg"`
	Code string `json:"code"`
}

type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
	RefreshToken string `json:"refresh_token,omitempty"`
}

type oauthError struct {
	Error            string `json:"error"`
	ErrorDescription string `json:"error_description,omitempty"`
}

// Handler returns the issuer's routes:
//
//	POST /auth/login     form email, password; APP_KEY header
//	GET  /auth/refresh   bearer
//	GET  /auth/logout    bearer
//	POST /oauth/token    grant_type=password|refresh_token
//	POST /oauth/revoke   token
//	GET  /api/me         bearer
func (is *Issuer) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/auth/login", is.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/auth/refresh", is.handleRefresh).Methods(http.MethodGet)
	r.HandleFunc("/auth/logout", is.handleLogout).Methods(http.MethodGet)
	r.HandleFunc("/oauth/token", is.handleToken).Methods(http.MethodPost)
	r.HandleFunc("/oauth/revoke", is.handleRevoke).Methods(http.MethodPost)
	r.HandleFunc("/api/me", is.handleMe).Methods(http.MethodGet)
	return r
}

func (is *Issuer) envelopeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, map[string]any{"errors": []envelopeError{{Msg: msg, Code: code}}})
}

func (is *Issuer) envelopeToken(w http.ResponseWriter, jwt string) {
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"jwt": jwt}})
}

func (is *Issuer) handleLogin(w http.ResponseWriter, r *http.Request) {
	is.count("login")
	if err := r.ParseForm(); err != nil {
		is.envelopeError(w, http.StatusBadRequest, "invalid_request", "Invalid request body")
		return
	}
	aud, err := is.audienceFor(r.Header.Get("APP_KEY"))
	if err != nil {
		is.envelopeError(w, http.StatusForbidden, "unknown_app", err.Error())
		return
	}
	email := r.PostForm.Get("email")
	if err := is.checkPassword(email, r.PostForm.Get("password")); err != nil {
		is.Logger.Info("issuer: login failed", "email", email)
		is.envelopeError(w, http.StatusUnauthorized, "invalid_grant", "Invalid credentials")
		return
	}
	tok, _, err := is.CreateAccessToken(strings.ToLower(email), aud)
	if err != nil {
		is.envelopeError(w, http.StatusInternalServerError, "server_error", "Failed to create token")
		return
	}
	is.envelopeToken(w, tok)
}

func (is *Issuer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	is.count("refresh")
	claims, err := is.ValidateAccessToken(bearer(r))
	if err != nil {
		is.envelopeError(w, http.StatusUnauthorized, "invalid_token", "Token invalid")
		return
	}
	sub, _ := claims.GetSubject()
	aud, _ := claims.GetAudience()
	tok, _, err := is.CreateAccessToken(sub, aud[0])
	if err != nil {
		is.envelopeError(w, http.StatusInternalServerError, "server_error", "Failed to create token")
		return
	}
	is.revoke(claims)
	is.envelopeToken(w, tok)
}

func (is *Issuer) handleLogout(w http.ResponseWriter, r *http.Request) {
	is.count("logout")
	// Logging out with an expired or unknown token still succeeds.
	if claims, err := is.ValidateAccessToken(bearer(r)); err == nil {
		is.revoke(claims)
	}
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]any{}})
}

func (is *Issuer) handleToken(w http.ResponseWriter, r *http.Request) {
	is.count("token")
	if err := r.ParseForm(); err != nil {
		writeJSON(w, http.StatusBadRequest, oauthError{"invalid_request", "Invalid request body"})
		return
	}

	var sub, aud string
	switch r.PostForm.Get("grant_type") {
	case "password":
		a, err := is.audienceFor(r.PostForm.Get("client_id"))
		if err != nil {
			writeJSON(w, http.StatusUnauthorized, oauthError{"invalid_client", err.Error()})
			return
		}
		username := r.PostForm.Get("username")
		if err := is.checkPassword(username, r.PostForm.Get("password")); err != nil {
			writeJSON(w, http.StatusUnauthorized, oauthError{"invalid_grant", "Invalid credentials"})
			return
		}
		sub, aud = strings.ToLower(username), a
	case "refresh_token":
		g, ok := is.rotateRefreshToken(r.PostForm.Get("refresh_token"))
		if !ok {
			writeJSON(w, http.StatusUnauthorized, oauthError{"invalid_grant", "Invalid refresh token"})
			return
		}
		sub, aud = g.Subject, g.Audience
	default:
		writeJSON(w, http.StatusBadRequest, oauthError{"unsupported_grant_type", "Grant type not supported"})
		return
	}

	tok, expiresIn, err := is.CreateAccessToken(sub, aud)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, oauthError{"server_error", "Failed to create token"})
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse{
		AccessToken:  tok,
		TokenType:    "Bearer",
		ExpiresIn:    expiresIn,
		RefreshToken: is.createRefreshToken(sub, aud),
	})
}

func (is *Issuer) handleRevoke(w http.ResponseWriter, r *http.Request) {
	is.count("revoke")
	if err := r.ParseForm(); err == nil {
		is.revokeRefreshToken(r.PostForm.Get("token"))
	}
	if claims, err := is.ValidateAccessToken(bearer(r)); err == nil {
		is.revoke(claims)
	}
	w.WriteHeader(http.StatusOK)
}

func (is *Issuer) handleMe(w http.ResponseWriter, r *http.Request) {
	is.count("me")
	claims, err := is.ValidateAccessToken(bearer(r))
	if err != nil {
		is.envelopeError(w, http.StatusUnauthorized, "invalid_token", "Token invalid")
		return
	}
	sub, _ := claims.GetSubject()
	writeJSON(w, http.StatusOK, map[string]any{"data": map[string]string{"sub": sub}})
}
