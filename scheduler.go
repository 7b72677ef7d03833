package tokensync

import (
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

const maxRemainingSeconds = math.MaxInt64 / int64(time.Second)

// RefreshSignal is emitted when the bound token is about to expire.
type RefreshSignal struct {
	Generation uint64
	ExpiresAt  int64
	Retry      bool
}

// SchedulerOption configures a RefreshScheduler.
type SchedulerOption func(*RefreshScheduler)

// WithSchedulerClock sets the clock used for timers and "now".
func WithSchedulerClock(clock clockwork.Clock) SchedulerOption {
	return func(s *RefreshScheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithSchedulerLogger sets the scheduler's logger.
func WithSchedulerLogger(logger *slog.Logger) SchedulerOption {
	return func(s *RefreshScheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// RefreshScheduler arms a single timer that fires LeadTime before the bound
// token expires. A long lived token re-checks itself at the lead boundary
// instead of computing a fire date once.
type RefreshScheduler struct {
	mu       sync.Mutex
	token    *Token
	leadTime time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	timer  clockwork.Timer
	fireAt time.Time
	// epoch invalidates callbacks from timers that were stopped too late.
	epoch uint64

	signal Broadcaster[RefreshSignal]
}

// NewRefreshScheduler creates an idle scheduler bound to token.
func NewRefreshScheduler(token *Token, leadTime time.Duration, opts ...SchedulerOption) *RefreshScheduler {
	if leadTime <= 0 {
		leadTime = DefaultLeadTime
	}
	s := &RefreshScheduler{
		token:    token,
		leadTime: leadTime,
		clock:    clockwork.NewRealClock(),
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// OnRefresh subscribes fn to refresh signals.
func (s *RefreshScheduler) OnRefresh(fn func(RefreshSignal)) (unsubscribe func()) {
	return s.signal.Subscribe(fn)
}

// LeadTime returns the configured refresh window.
func (s *RefreshScheduler) LeadTime() time.Duration {
	return s.leadTime
}

// Token returns the bound token.
func (s *RefreshScheduler) Token() *Token {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.token
}

// Start arms the timer, or fires immediately when the token is already
// inside the lead window. An invalid token is logged and left alone.
func (s *RefreshScheduler) Start() {
	s.mu.Lock()
	sig, fire := s.armLocked()
	s.mu.Unlock()

	if fire {
		s.signal.Notify(sig)
	}
}

func (s *RefreshScheduler) armLocked() (RefreshSignal, bool) {
	tok := s.token
	if tok == nil || !tok.IsValid() {
		s.logger.Warn("RefreshScheduler: token invalid, not scheduling a refresh")
		return RefreshSignal{}, false
	}

	exp := tok.ExpiresAt()
	// Durations top out around 292 years; a farther expiry re-checks then.
	secs := min(exp-s.clock.Now().Unix(), maxRemainingSeconds)
	remaining := time.Duration(secs) * time.Second
	s.logger.Debug("RefreshScheduler: checking token", "expires_at", time.Unix(exp, 0), "remaining", remaining)

	// Whatever happens next supersedes a timer armed by an earlier Start.
	s.stopLocked()
	if remaining <= s.leadTime {
		return RefreshSignal{Generation: tok.Generation(), ExpiresAt: exp}, true
	}

	delay := remaining - s.leadTime
	epoch := s.epoch
	s.fireAt = s.clock.Now().Add(delay)
	s.timer = s.clock.AfterFunc(delay, func() { s.onTimer(epoch, false) })
	s.logger.Debug("RefreshScheduler: next validation", "in", delay)
	return RefreshSignal{}, false
}

func (s *RefreshScheduler) onTimer(epoch uint64, retry bool) {
	s.mu.Lock()
	if epoch != s.epoch || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.fireAt = time.Time{}

	var (
		sig  RefreshSignal
		fire bool
	)
	if retry {
		if tok := s.token; tok != nil && tok.IsValid() {
			sig, fire = RefreshSignal{Generation: tok.Generation(), ExpiresAt: tok.ExpiresAt(), Retry: true}, true
		} else {
			s.logger.Warn("RefreshScheduler: token invalid, dropping refresh retry")
		}
	} else {
		sig, fire = s.armLocked()
	}
	s.mu.Unlock()

	if fire {
		s.signal.Notify(sig)
	}
}

// Stop cancels any armed timer. Calling it while idle is a no-op.
func (s *RefreshScheduler) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *RefreshScheduler) stopLocked() {
	s.epoch++
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.fireAt = time.Time{}
}

// Restart rebinds to token when it is non-nil, then stops and starts again.
// At most one timer survives any sequence of restarts.
func (s *RefreshScheduler) Restart(token *Token) {
	s.mu.Lock()
	if token != nil {
		s.token = token
	}
	s.logger.Debug("RefreshScheduler: timeout stopped and restarted")
	s.stopLocked()
	sig, fire := s.armLocked()
	s.mu.Unlock()

	if fire {
		s.signal.Notify(sig)
	}
}

// RetryAfter replaces any armed timer with one that emits a retry signal
// after d, provided the token is still valid by then.
func (s *RefreshScheduler) RetryAfter(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
	epoch := s.epoch
	s.fireAt = s.clock.Now().Add(d)
	s.timer = s.clock.AfterFunc(d, func() { s.onTimer(epoch, true) })
}

// Pending reports whether a timer is armed.
func (s *RefreshScheduler) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// NextFire returns when the armed timer fires, or the zero time when idle.
func (s *RefreshScheduler) NextFire() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fireAt
}
