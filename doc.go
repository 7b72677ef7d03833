// Package tokensync keeps a client's bearer token alive and in step across
// every context that shares it.
//
// A client holds one JWT issued by an auth server. tokensync decodes its
// payload (the signature is the server's business), decides whether it is
// valid for the configured audiences, refreshes it shortly before it
// expires and keeps it in a Store so that other tabs, processes or
// replicas pick up logins, refreshes and logouts without calling the
// server themselves.
//
// # Pieces
//
// Token: the raw JWT plus its decoded claims. Status is derived from "aud"
// and "exp" on every read, so a token becomes invalid as the clock moves.
//
// RefreshScheduler: a single timer that fires LeadTime before expiry and
// publishes a RefreshSignal. Long lived tokens re-check themselves at the
// lead boundary.
//
// Coordinator: owns the Token and the scheduler, applies login, refresh,
// logout and cross-context sync one at a time, and drops results that were
// issued against a token generation that has since moved on.
//
// Store: shared key/value persistence with change notification for changes
// made by other contexts. Implementations live under stores/ (memory, fs,
// redis, gorm).
//
// AuthTransport: the network side. client.HTTPTransport speaks the JSON
// envelope protocol of the auth server; client.OAuth2Transport uses the
// OAuth2 password and refresh_token grants.
//
// # Basic Usage
//
//	store, _ := fs.NewStore("", "myapp")
//	transport := client.NewHTTPTransport("https://auth.example.com")
//	coord, err := tokensync.NewCoordinator(ctx, tokensync.Config{
//	    Audience: []string{"myapp"},
//	}, transport, store)
//	if err != nil {
//	    return err
//	}
//	defer coord.Close()
//
//	if err := coord.Login(ctx, tokensync.Credentials{Username: email, Password: pw}); err != nil {
//	    return err
//	}
//
//	// Requests made through this client carry "Authorization: Bearer <jwt>".
//	httpClient := coord.HTTPClient(nil)
//
// Call sites that must not be signed use WithoutJWTAuthentication on the
// request context. The grpc subpackage offers the same for gRPC clients and
// a matching server side interceptor.
package tokensync
