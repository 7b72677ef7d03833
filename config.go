package tokensync

import (
	"errors"
	"strings"
	"time"
)

const (
	// DefaultLeadTime is how long before expiry a refresh is triggered.
	DefaultLeadTime = 2 * time.Minute

	// DefaultLoginURL is where the guard middleware sends unauthenticated users.
	DefaultLoginURL = "/"
)

// Config carries everything a Coordinator needs. There are no package level
// defaults to mutate; zero fields are filled by EnsureDefaults.
type Config struct {
	// Audience lists the accepted "aud" values. The first entry doubles as
	// the app key sent to the auth server.
	Audience []string

	// StorageKey is the store key holding the raw token.
	StorageKey string

	// LeadTime is the refresh window before expiry.
	LeadTime time.Duration

	LoginEndpoint   string
	LogoutEndpoint  string
	RefreshEndpoint string

	// LoginURL is used by EnsureAuthenticated when redirecting.
	LoginURL string

	// RefreshRetry controls what happens after a failed scheduled refresh.
	// The zero value leaves the coordinator dormant until the next login,
	// refresh or cross-context sync.
	RefreshRetry RetryPolicy
}

// RetryPolicy configures exponential backoff for failed scheduled refreshes.
type RetryPolicy struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRetries      uint64
}

// Enabled reports whether failed refreshes should be retried at all.
func (p RetryPolicy) Enabled() bool {
	return p.InitialInterval > 0 && p.MaxRetries > 0
}

// AppKey returns the primary audience.
func (c *Config) AppKey() string {
	if len(c.Audience) == 0 {
		return ""
	}
	return c.Audience[0]
}

// EnsureDefaults fills in default values for any unset fields.
func (c *Config) EnsureDefaults() {
	if c.StorageKey == "" {
		c.StorageKey = DefaultStorageKey
	}
	if c.LeadTime <= 0 {
		c.LeadTime = DefaultLeadTime
	}
	if c.LoginURL == "" {
		c.LoginURL = DefaultLoginURL
	}
	if c.RefreshRetry.MaxInterval <= 0 && c.RefreshRetry.InitialInterval > 0 {
		c.RefreshRetry.MaxInterval = 10 * c.RefreshRetry.InitialInterval
	}
}

// Validate ensures the configuration is usable.
func (c Config) Validate() error {
	if len(c.Audience) == 0 {
		return errors.New("at least one audience is required")
	}
	for _, aud := range c.Audience {
		if strings.TrimSpace(aud) == "" {
			return errors.New("audience values must not be blank")
		}
	}
	if c.StorageKey == "" {
		return errors.New("storage key is required")
	}
	return nil
}

// ParseAudience splits a comma separated audience list, dropping blanks.
func ParseAudience(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
