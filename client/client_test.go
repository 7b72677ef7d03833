package client

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	ts "github.com/panyam/tokensync"
)

// staticSigner signs with a fixed token.
type staticSigner string

func (s staticSigner) SignRequest(req *http.Request, opts ts.RequestOptions) {
	if !opts.SkipJWTAuthentication && s != "" {
		req.Header.Set("Authorization", "Bearer "+string(s))
	}
}

func TestHTTPTransport_Login_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/auth/login" {
			t.Errorf("unexpected request: %s %s", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/x-www-form-urlencoded" {
			t.Errorf("Content-Type = %q", ct)
		}
		if got := r.Header.Get(HeaderAppKey); got != "app-1" {
			t.Errorf("APP_KEY = %q, want app-1", got)
		}
		if got := r.Header.Get("Authorization"); got != "" {
			t.Errorf("login must not be signed, got %q", got)
		}
		r.ParseForm()
		if r.PostForm.Get("email") != "user@example.com" || r.PostForm.Get("password") != "pw" {
			t.Errorf("unexpected form: %v", r.PostForm)
		}
		if r.PostForm.Get("remember") != "1" {
			t.Errorf("extra field missing: %v", r.PostForm)
		}
		w.Write([]byte(`{"data":{"jwt":"h.p.s"}}`))
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL + "/")
	tr.Configure(ts.TransportConfig{AppKey: "app-1", Signer: staticSigner("old")})

	tok, err := tr.Login(context.Background(), ts.Credentials{
		Username: "user@example.com",
		Password: "pw",
		Extra:    map[string]string{"remember": "1"},
	})
	if err != nil {
		t.Fatalf("Login() error = %v", err)
	}
	if tok != "h.p.s" {
		t.Errorf("Login() = %q, want h.p.s", tok)
	}
}

func TestHTTPTransport_Errors(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantStatus int
		wantCode   string
		wantMsg    string
		wantErr    error
	}{
		{"app error", http.StatusUnauthorized, `{"errors":[{"msg":"Invalid credentials","code":401}]}`, 401, "401", "Invalid credentials", nil},
		{"string code", http.StatusForbidden, `{"errors":[{"msg":"nope","code":"forbidden"}]}`, 403, "forbidden", "nope", nil},
		{"no body", http.StatusInternalServerError, ``, 500, "", "", nil},
		{"missing jwt", http.StatusOK, `{"data":{}}`, 200, "", "", ts.ErrMissingJWT},
		{"no data", http.StatusOK, `{}`, 200, "", "", ts.ErrMissingJWT},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(tt.status)
				w.Write([]byte(tt.body))
			}))
			defer server.Close()

			_, err := NewHTTPTransport(server.URL).Login(context.Background(), ts.Credentials{})
			var te *ts.TransportError
			if !errors.As(err, &te) {
				t.Fatalf("expected TransportError, got %v", err)
			}
			if te.Op != "login" || te.StatusCode != tt.wantStatus || te.Code != tt.wantCode || te.Message != tt.wantMsg {
				t.Errorf("got %+v", te)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Errorf("expected %v in chain, got %v", tt.wantErr, err)
			}
		})
	}
}

func TestHTTPTransport_RefreshAndLogoutAreSigned(t *testing.T) {
	var refreshes, logouts int32
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			t.Errorf("method = %s, want GET", r.Method)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer cur.tok.en" {
			t.Errorf("Authorization = %q", got)
		}
		switch r.URL.Path {
		case "/api/refresh":
			atomic.AddInt32(&refreshes, 1)
			w.Write([]byte(`{"data":{"jwt":"new.tok.en"}}`))
		case "/api/logout":
			atomic.AddInt32(&logouts, 1)
			w.Write([]byte(`not even json`))
		default:
			t.Errorf("unexpected path %s", r.URL.Path)
		}
	}))
	defer server.Close()

	tr := NewHTTPTransport(server.URL)
	tr.Configure(ts.TransportConfig{
		RefreshEndpoint: "/api/refresh/",
		LogoutEndpoint:  server.URL + "/api/logout/",
		Signer:          staticSigner("cur.tok.en"),
	})

	tok, err := tr.Refresh(context.Background())
	if err != nil || tok != "new.tok.en" {
		t.Errorf("Refresh() = %q, %v", tok, err)
	}
	if err := tr.Logout(context.Background()); err != nil {
		t.Errorf("Logout() error = %v", err)
	}
	if r, l := atomic.LoadInt32(&refreshes), atomic.LoadInt32(&logouts); r != 1 || l != 1 {
		t.Errorf("refreshes=%d logouts=%d", r, l)
	}
}

func TestHTTPTransport_NetworkError(t *testing.T) {
	server := httptest.NewServer(http.NotFoundHandler())
	url := server.URL
	server.Close()

	_, err := NewHTTPTransport(url).Refresh(context.Background())
	var te *ts.TransportError
	if !errors.As(err, &te) || te.Op != "refresh" || te.StatusCode != 0 || te.Err == nil {
		t.Errorf("unexpected error %v", err)
	}
}

func TestHTTPTransport_EndpointURL(t *testing.T) {
	tr := NewHTTPTransport("https://auth.example.com/")
	tests := map[string]string{
		"/auth/login":                     "https://auth.example.com/auth/login",
		"auth/login/":                     "https://auth.example.com/auth/login",
		"https://other.example.com/in/":   "https://other.example.com/in",
		"https://other.example.com/in?x=": "https://other.example.com/in?x=",
	}
	for in, want := range tests {
		if got := tr.endpointURL(in); got != want {
			t.Errorf("endpointURL(%q) = %q, want %q", in, got, want)
		}
	}
	if !strings.HasPrefix(tr.endpointURL(""), "https://auth.example.com") {
		t.Error("empty endpoint should resolve to the server URL")
	}
}
