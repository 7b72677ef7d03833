package tokensync

import (
	"testing"
	"time"
)

func TestConfig_EnsureDefaults(t *testing.T) {
	var c Config
	c.EnsureDefaults()
	if c.StorageKey != DefaultStorageKey {
		t.Errorf("StorageKey = %q, want %q", c.StorageKey, DefaultStorageKey)
	}
	if c.LeadTime != DefaultLeadTime {
		t.Errorf("LeadTime = %v, want %v", c.LeadTime, DefaultLeadTime)
	}
	if c.LoginURL != DefaultLoginURL {
		t.Errorf("LoginURL = %q, want %q", c.LoginURL, DefaultLoginURL)
	}
	if c.RefreshRetry.MaxInterval != 0 {
		t.Errorf("MaxInterval should stay unset without retries, got %v", c.RefreshRetry.MaxInterval)
	}

	c = Config{StorageKey: "tok", LeadTime: time.Minute, RefreshRetry: RetryPolicy{InitialInterval: time.Second}}
	c.EnsureDefaults()
	if c.StorageKey != "tok" || c.LeadTime != time.Minute {
		t.Errorf("explicit values overwritten: %+v", c)
	}
	if c.RefreshRetry.MaxInterval != 10*time.Second {
		t.Errorf("MaxInterval = %v, want 10s", c.RefreshRetry.MaxInterval)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"ok", Config{Audience: []string{"app"}, StorageKey: "k"}, false},
		{"no audience", Config{StorageKey: "k"}, true},
		{"blank audience", Config{Audience: []string{"app", ""}, StorageKey: "k"}, true},
		{"no key", Config{Audience: []string{"app"}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestConfig_AppKey(t *testing.T) {
	c := Config{Audience: []string{"first", "second"}}
	if got := c.AppKey(); got != "first" {
		t.Errorf("AppKey() = %q", got)
	}
	if got := (&Config{}).AppKey(); got != "" {
		t.Errorf("AppKey() on empty config = %q", got)
	}
}

func TestParseAudience(t *testing.T) {
	got := ParseAudience(" a, b ,,c ")
	want := []string{"a", "b", "c"}
	if len(got) != len(want) {
		t.Fatalf("ParseAudience = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("ParseAudience[%d] = %q, want %q", i, got[i], want[i])
		}
	}
	if ParseAudience("") != nil {
		t.Error("empty input should give nil")
	}
}

func TestRetryPolicy_Enabled(t *testing.T) {
	if (RetryPolicy{}).Enabled() {
		t.Error("zero policy should be disabled")
	}
	if (RetryPolicy{InitialInterval: time.Second}).Enabled() {
		t.Error("policy without retries should be disabled")
	}
	if !(RetryPolicy{InitialInterval: time.Second, MaxRetries: 1}).Enabled() {
		t.Error("policy should be enabled")
	}
}
