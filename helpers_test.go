package tokensync

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
)

// epoch is the "now" used by fake clocks throughout the tests.
const epoch int64 = 1700000000

func newFakeClock() *clockwork.FakeClock {
	return clockwork.NewFakeClockAt(time.Unix(epoch, 0))
}

// makeJWT builds an unsigned token with the given claims. Signatures are
// never checked client side.
func makeJWT(t testing.TB, claims map[string]any) string {
	t.Helper()
	payload, err := json.Marshal(claims)
	if err != nil {
		t.Fatal(err)
	}
	enc := base64.RawURLEncoding
	return enc.EncodeToString([]byte(`{"alg":"HS256","typ":"JWT"}`)) + "." + enc.EncodeToString(payload) + ".sig"
}

// tokenFor returns a token for aud expiring ttl after now.
func tokenFor(t testing.TB, clock clockwork.Clock, aud string, ttl time.Duration) string {
	return makeJWT(t, map[string]any{
		"sub": "user-1",
		"aud": aud,
		"exp": clock.Now().Add(ttl).Unix(),
	})
}

// sharedStore is a minimal shared backend; each view is one context.
type sharedStore struct {
	mu      sync.Mutex
	items   map[string]string
	views   []*storeView
	failGet error
}

func newSharedStore() *sharedStore {
	return &sharedStore{items: map[string]string{}}
}

func (s *sharedStore) view() *storeView {
	s.mu.Lock()
	defer s.mu.Unlock()
	v := &storeView{shared: s}
	s.views = append(s.views, v)
	return v
}

func (s *sharedStore) value(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.items[key]
	return v, ok
}

type storeView struct {
	shared   *sharedStore
	watchers Broadcaster[StoreEvent]
}

func (v *storeView) GetItem(ctx context.Context, key string) (string, bool, error) {
	v.shared.mu.Lock()
	defer v.shared.mu.Unlock()
	if v.shared.failGet != nil {
		return "", false, v.shared.failGet
	}
	val, ok := v.shared.items[key]
	return val, ok, nil
}

func (v *storeView) SetItem(ctx context.Context, key, value string) error {
	v.shared.mu.Lock()
	v.shared.items[key] = value
	views := append([]*storeView(nil), v.shared.views...)
	v.shared.mu.Unlock()
	v.announce(views, StoreEvent{Key: key, NewValue: value})
	return nil
}

func (v *storeView) RemoveItem(ctx context.Context, key string) error {
	v.shared.mu.Lock()
	delete(v.shared.items, key)
	views := append([]*storeView(nil), v.shared.views...)
	v.shared.mu.Unlock()
	v.announce(views, StoreEvent{Key: key, Removed: true})
	return nil
}

func (v *storeView) announce(views []*storeView, ev StoreEvent) {
	for _, other := range views {
		if other != v {
			go other.watchers.Notify(ev)
		}
	}
}

func (v *storeView) Watch(fn func(StoreEvent)) func() {
	return v.watchers.Subscribe(fn)
}

var errTransport = errors.New("transport failure")

// fakeTransport answers from the configured funcs and counts calls.
type fakeTransport struct {
	mu        sync.Mutex
	cfg       TransportConfig
	login     func(ctx context.Context, creds Credentials) (string, error)
	refresh   func(ctx context.Context) (string, error)
	logout    func(ctx context.Context) error
	logins    int
	refreshes int
	logouts   int
}

func (f *fakeTransport) Configure(cfg TransportConfig) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cfg = cfg
}

func (f *fakeTransport) Login(ctx context.Context, creds Credentials) (string, error) {
	f.mu.Lock()
	f.logins++
	fn := f.login
	f.mu.Unlock()
	if fn == nil {
		return "", errTransport
	}
	return fn(ctx, creds)
}

func (f *fakeTransport) Refresh(ctx context.Context) (string, error) {
	f.mu.Lock()
	f.refreshes++
	fn := f.refresh
	f.mu.Unlock()
	if fn == nil {
		return "", errTransport
	}
	return fn(ctx)
}

func (f *fakeTransport) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.logouts++
	fn := f.logout
	f.mu.Unlock()
	if fn == nil {
		return nil
	}
	return fn(ctx)
}

func (f *fakeTransport) counts() (logins, refreshes, logouts int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logins, f.refreshes, f.logouts
}

func (f *fakeTransport) setRefresh(fn func(ctx context.Context) (string, error)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.refresh = fn
}

// waitEvent returns the next event from ch or fails the test.
func waitEvent[E any](t *testing.T, ch <-chan E) E {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for event")
		var zero E
		return zero
	}
}

// expectNone fails if ch delivers within a short grace period.
func expectNone[E any](t *testing.T, ch <-chan E) {
	t.Helper()
	select {
	case ev := <-ch:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}
