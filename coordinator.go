package tokensync

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"sync"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/singleflight"
)

// ChangeSource says why the coordinator's token changed.
type ChangeSource string

const (
	SourceLogin   ChangeSource = "login"
	SourceRefresh ChangeSource = "refresh"
	SourceSync    ChangeSource = "sync"
	SourceLogout  ChangeSource = "logout"
)

// TokenEvent is published after every applied token change.
type TokenEvent struct {
	Source     ChangeSource
	Generation uint64
	Valid      bool
}

// CoordinatorOption configures a Coordinator.
type CoordinatorOption func(*Coordinator)

// WithClock sets the clock shared by the token and the scheduler.
func WithClock(clock clockwork.Clock) CoordinatorOption {
	return func(c *Coordinator) {
		if clock != nil {
			c.clock = clock
		}
	}
}

// WithLogger sets the logger for the coordinator and everything it owns.
func WithLogger(logger *slog.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		if logger != nil {
			c.logger = logger
		}
	}
}

// WithHTTPClient sets the client used by Do.
func WithHTTPClient(client *http.Client) CoordinatorOption {
	return func(c *Coordinator) {
		if client != nil {
			c.httpClient = client
		}
	}
}

// Coordinator owns the current token and its refresh scheduler, keeps both
// in step with a shared Store and talks to the auth server through an
// AuthTransport.
//
// Handlers run one at a time under mu. Transport calls run outside it, so a
// result is only applied if the token generation it was issued against is
// still current.
type Coordinator struct {
	mu         sync.Mutex
	cfg        Config
	token      *Token
	scheduler  *RefreshScheduler
	transport  AuthTransport
	store      Store
	httpClient *http.Client
	clock      clockwork.Clock
	logger     *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	closed bool

	// goMu guards wg.Add against Close.
	goMu    sync.Mutex
	closing bool
	wg      sync.WaitGroup

	refreshGroup singleflight.Group
	retry        backoff.BackOff

	unwatch      func()
	unsubRefresh func()
	changes      Broadcaster[TokenEvent]
}

// NewCoordinator loads the token from store, configures the transport,
// subscribes to store changes and arms the scheduler. store may be nil, in
// which case nothing is persisted and no cross-context sync happens.
func NewCoordinator(ctx context.Context, cfg Config, transport AuthTransport, store Store, opts ...CoordinatorOption) (*Coordinator, error) {
	cfg.EnsureDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if transport == nil {
		return nil, errors.New("transport is required")
	}

	c := &Coordinator{
		cfg:        cfg,
		transport:  transport,
		store:      store,
		httpClient: http.DefaultClient,
		clock:      clockwork.NewRealClock(),
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.ctx, c.cancel = context.WithCancel(context.Background())

	c.token = NewToken("", TokenOptions{
		Audience:   cfg.Audience,
		StorageKey: cfg.StorageKey,
		Store:      store,
		Clock:      c.clock,
		Logger:     c.logger,
	})
	if store != nil {
		_ = c.token.Load(ctx)
	}

	if cfg.RefreshRetry.Enabled() {
		c.retry = newRetryBackOff(cfg.RefreshRetry, c.clock)
	}

	c.scheduler = NewRefreshScheduler(c.token, cfg.LeadTime,
		WithSchedulerClock(c.clock), WithSchedulerLogger(c.logger))
	c.unsubRefresh = c.scheduler.OnRefresh(c.onRefreshSignal)

	if ct, ok := transport.(ConfigurableTransport); ok {
		ct.Configure(TransportConfig{
			AppKey:          cfg.AppKey(),
			LoginEndpoint:   cfg.LoginEndpoint,
			LogoutEndpoint:  cfg.LogoutEndpoint,
			RefreshEndpoint: cfg.RefreshEndpoint,
			Signer:          c,
		})
	}

	if store != nil {
		c.unwatch = store.Watch(c.onStoreEvent)
	}

	c.scheduler.Start()
	return c, nil
}

func newRetryBackOff(p RetryPolicy, clock clockwork.Clock) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialInterval
	b.MaxInterval = p.MaxInterval
	b.MaxElapsedTime = 0
	b.Clock = clock
	b.Reset()
	return backoff.WithMaxRetries(b, p.MaxRetries)
}

// Config returns the effective configuration.
func (c *Coordinator) Config() Config {
	return c.cfg
}

// Token returns the current token. Its value changes in place.
func (c *Coordinator) Token() *Token {
	return c.token
}

// Scheduler returns the refresh scheduler.
func (c *Coordinator) Scheduler() *RefreshScheduler {
	return c.scheduler
}

// IsAuthenticated reports whether the current token is valid.
func (c *Coordinator) IsAuthenticated() bool {
	return c.token.IsValid()
}

// OnTokenChange subscribes fn to applied token changes.
func (c *Coordinator) OnTokenChange(fn func(TokenEvent)) (unsubscribe func()) {
	return c.changes.Subscribe(fn)
}

// Login authenticates with the auth server. Transport errors are returned
// untouched and never retried.
func (c *Coordinator) Login(ctx context.Context, creds Credentials) error {
	gen, err := c.currentGeneration()
	if err != nil {
		return err
	}
	raw, err := c.transport.Login(ctx, creds)
	if err != nil {
		return err
	}
	c.apply(ctx, gen, raw, SourceLogin)
	return nil
}

// Logout tells the auth server to end the session, even when the local
// token is already invalid. Local state is only cleared when that succeeds.
func (c *Coordinator) Logout(ctx context.Context) error {
	if _, err := c.currentGeneration(); err != nil {
		return err
	}
	if err := c.transport.Logout(ctx); err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	c.scheduler.Stop()
	c.token.Clear()
	if c.store != nil {
		_ = c.token.Write(ctx)
	}
	c.resetRetryLocked()
	ev := c.eventLocked(SourceLogout)
	c.mu.Unlock()

	c.changes.Notify(ev)
	return nil
}

// Refresh asks the auth server for a new token. Concurrent calls share one
// request.
func (c *Coordinator) Refresh(ctx context.Context) error {
	_, err, _ := c.refreshGroup.Do("refresh", func() (any, error) {
		gen, err := c.currentGeneration()
		if err != nil {
			return nil, err
		}
		raw, err := c.transport.Refresh(ctx)
		if err != nil {
			return nil, err
		}
		c.apply(ctx, gen, raw, SourceRefresh)
		return nil, nil
	})
	return err
}

func (c *Coordinator) currentGeneration() (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return 0, ErrClosed
	}
	return c.token.Generation(), nil
}

// apply installs raw unless the token moved on since gen was captured.
func (c *Coordinator) apply(ctx context.Context, gen uint64, raw string, source ChangeSource) bool {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return false
	}
	if cur := c.token.Generation(); cur != gen {
		c.mu.Unlock()
		c.logger.Info("Coordinator: discarding stale result",
			"source", source, "issued_generation", gen, "current_generation", cur)
		return false
	}

	c.token.Update(raw)
	if c.store != nil {
		_ = c.token.Write(ctx)
	}
	c.resetRetryLocked()
	c.scheduler.Restart(c.token)
	ev := c.eventLocked(source)
	c.mu.Unlock()

	c.changes.Notify(ev)
	return true
}

// onStoreEvent reloads the token when another context changed it.
func (c *Coordinator) onStoreEvent(ev StoreEvent) {
	if ev.Key != c.cfg.StorageKey {
		return
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.logger.Info("Coordinator: new access token, updated in another context", "key", ev.Key)
	if err := c.token.Load(c.ctx); err != nil {
		c.mu.Unlock()
		return
	}
	c.resetRetryLocked()
	c.scheduler.Restart(c.token)
	out := c.eventLocked(SourceSync)
	c.mu.Unlock()

	c.changes.Notify(out)
}

// onRefreshSignal may run under mu (a synchronous fire from Restart), so it
// only hands the work to a goroutine.
func (c *Coordinator) onRefreshSignal(sig RefreshSignal) {
	c.goMu.Lock()
	if c.closing {
		c.goMu.Unlock()
		return
	}
	c.wg.Add(1)
	c.goMu.Unlock()

	go func() {
		defer c.wg.Done()
		c.scheduledRefresh(sig)
	}()
}

func (c *Coordinator) scheduledRefresh(sig RefreshSignal) {
	err := c.Refresh(c.ctx)
	if err == nil {
		return
	}
	if errors.Is(err, ErrClosed) || c.ctx.Err() != nil {
		return
	}
	c.logger.Error("Coordinator: scheduled refresh failed", "err", err, "retry", sig.Retry)
	c.scheduleRetry(sig)
}

func (c *Coordinator) scheduleRetry(sig RefreshSignal) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return
	}
	if c.retry == nil {
		c.logger.Warn("Coordinator: no refresh retry configured, waiting for the next login or sync")
		return
	}
	if c.token.Generation() != sig.Generation {
		// A newer token arrived meanwhile and already re-armed the scheduler.
		return
	}
	d := c.retry.NextBackOff()
	if d == backoff.Stop {
		c.logger.Warn("Coordinator: giving up on refresh retries")
		return
	}
	c.logger.Info("Coordinator: retrying refresh", "in", d)
	c.scheduler.RetryAfter(d)
}

func (c *Coordinator) resetRetryLocked() {
	if c.retry != nil {
		c.retry.Reset()
	}
}

func (c *Coordinator) eventLocked(source ChangeSource) TokenEvent {
	return TokenEvent{
		Source:     source,
		Generation: c.token.Generation(),
		Valid:      c.token.IsValid(),
	}
}

// Close stops the scheduler, unsubscribes from the store and waits for any
// refresh that is still running. Calling Close twice is harmless.
func (c *Coordinator) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.scheduler.Stop()
	c.unsubRefresh()
	if c.unwatch != nil {
		c.unwatch()
	}
	c.cancel()
	c.mu.Unlock()

	c.goMu.Lock()
	c.closing = true
	c.goMu.Unlock()
	c.wg.Wait()
	return nil
}
