package flowgate

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestConfig_GetPolicyFallsBackToDefaults(t *testing.T) {
	config := NewConfig()
	if err := config.SetPolicy("ai", PolicyConfig{MaxRequests: 10, Window: "1m"}); err != nil {
		t.Fatalf("SetPolicy() failed: %v", err)
	}

	ai := config.GetPolicy("ai")
	if ai.MaxRequests != 10 {
		t.Errorf("ai policy MaxRequests = %d, want 10", ai.MaxRequests)
	}
	// SetPolicy fills unset fields from defaults
	if ai.MaxQueueSize != config.Defaults.MaxQueueSize {
		t.Errorf("ai policy MaxQueueSize = %d, want default %d", ai.MaxQueueSize, config.Defaults.MaxQueueSize)
	}

	unknown := config.GetPolicy("export")
	if unknown.MaxRequests != config.Defaults.MaxRequests {
		t.Errorf("unknown bucket should fall back to defaults, got MaxRequests = %d", unknown.MaxRequests)
	}
}

func TestConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name: "zero max_requests",
			mutate: func(c *Config) {
				c.Defaults.MaxRequests = 0
			},
			wantErr: true,
		},
		{
			name: "bad window",
			mutate: func(c *Config) {
				c.Defaults.Window = "sometimes"
			},
			wantErr: true,
		},
		{
			name: "negative window",
			mutate: func(c *Config) {
				c.Defaults.Window = "-1m"
			},
			wantErr: true,
		},
		{
			name: "bad bucket policy",
			mutate: func(c *Config) {
				c.Buckets["broken"] = PolicyConfig{MaxRequests: -1, Window: "1m"}
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			config := NewConfig()
			tt.mutate(config)
			err := config.Validate()
			if tt.wantErr && err == nil {
				t.Error("Validate() expected error, got nil")
			}
			if !tt.wantErr && err != nil {
				t.Errorf("Validate() unexpected error: %v", err)
			}
		})
	}
}

func TestLoadConfigFromFile(t *testing.T) {
	yaml := `
defaults:
  max_requests: 60
  window: 1m
  max_queue_size: 50
  retry_delay: 1s

buckets:
  messages:
    max_requests: 30
    window: 30s
  ai:
    max_requests: 10
    window: 1m
    max_queue_size: 5
  crm:
    max_requests: 20
    window: 1m
`
	path := filepath.Join(t.TempDir(), "flowgate.yaml")
	if err := os.WriteFile(path, []byte(yaml), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	config, err := LoadConfigFromFile(path)
	if err != nil {
		t.Fatalf("LoadConfigFromFile() failed: %v", err)
	}

	ai := config.GetPolicy("ai")
	if ai.MaxRequests != 10 || ai.MaxQueueSize != 5 {
		t.Errorf("ai policy = %+v, want max_requests=10 max_queue_size=5", ai)
	}
	// Unset fields inherit from defaults
	if ai.RetryDelay != "1s" {
		t.Errorf("ai retry_delay = %q, want inherited 1s", ai.RetryDelay)
	}

	crm := config.GetPolicy("crm")
	window, err := crm.WindowDuration()
	if err != nil {
		t.Fatalf("WindowDuration() failed: %v", err)
	}
	if window.Seconds() != 60 {
		t.Errorf("crm window = %v, want 1m", window)
	}
}

func TestLoadConfigFromFile_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{"not yaml", "{{{{"},
		{"invalid policy", "defaults:\n  max_requests: -5\n  window: 1m\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "bad.yaml")
			if err := os.WriteFile(path, []byte(tt.content), 0o644); err != nil {
				t.Fatalf("failed to write config file: %v", err)
			}
			_, err := LoadConfigFromFile(path)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("LoadConfigFromFile() error = %v, want ErrInvalidConfig", err)
			}
		})
	}

	if _, err := LoadConfigFromFile("/nonexistent/flowgate.yaml"); err == nil {
		t.Error("LoadConfigFromFile() on missing file should fail")
	}
}

func TestNewBucketFromPolicy(t *testing.T) {
	bucket, err := NewBucketFromPolicy(PolicyConfig{MaxRequests: 20, Window: "1m"})
	if err != nil {
		t.Fatalf("NewBucketFromPolicy() failed: %v", err)
	}
	if got := bucket.Capacity(); got != 20 {
		t.Errorf("Capacity() = %v, want 20", got)
	}
}
