package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Profile is a deployment-specific tuning profile. A profile trades
// latency against durability and sets the default gating posture; the
// event semantics never change across profiles.
type Profile struct {
	Name        string           `yaml:"name" json:"name"`
	Code        string           `yaml:"code" json:"code"`
	Durability  DurabilityConfig `yaml:"durability" json:"durability"`
	Snapshots   SnapshotConfig   `yaml:"snapshots" json:"snapshots"`
	Stream      StreamConfig     `yaml:"stream" json:"stream"`
	Budget      BudgetConfig     `yaml:"budget" json:"budget"`
	Tasks       TaskConfig       `yaml:"tasks" json:"tasks"`
	RateLimit   RateLimitConfig  `yaml:"rate_limit" json:"rate_limit"`
	BlobBackend string           `yaml:"blob_backend,omitempty" json:"blob_backend,omitempty"`
	// BlobThresholdBytes is the payload size above which the payload body
	// is offloaded to the blob store and the event carries only its ref.
	BlobThresholdBytes int64 `yaml:"blob_threshold_bytes,omitempty" json:"blob_threshold_bytes,omitempty"`
}

// DurabilityConfig controls the log sync policy.
type DurabilityConfig struct {
	// SyncMode is "every_record" or "batched".
	SyncMode        string `yaml:"sync_mode" json:"sync_mode"`
	BatchSize       int    `yaml:"batch_size,omitempty" json:"batch_size,omitempty"`
	BatchIntervalMs int    `yaml:"batch_interval_ms,omitempty" json:"batch_interval_ms,omitempty"`
}

// BatchInterval returns the batched-sync flush interval.
func (d DurabilityConfig) BatchInterval() time.Duration {
	return time.Duration(d.BatchIntervalMs) * time.Millisecond
}

// SnapshotConfig controls checkpoint cadence.
type SnapshotConfig struct {
	EveryEvents uint64 `yaml:"every_events" json:"every_events"`
	MaxAgeMs    int    `yaml:"max_age_ms,omitempty" json:"max_age_ms,omitempty"`
}

// MaxAge returns the age-based snapshot trigger, zero for disabled.
func (s SnapshotConfig) MaxAge() time.Duration {
	return time.Duration(s.MaxAgeMs) * time.Millisecond
}

// StreamConfig controls subscriber fan-out.
type StreamConfig struct {
	// Backpressure is "block" or "drop_subscriber".
	Backpressure string `yaml:"backpressure" json:"backpressure"`
	Buffer       int    `yaml:"buffer" json:"buffer"`
}

// BudgetConfig sets default run limits and exhaustion posture.
type BudgetConfig struct {
	MaxTokens     int64 `yaml:"max_tokens" json:"max_tokens"`
	MaxCostMicros int64 `yaml:"max_cost_micros" json:"max_cost_micros"`
	// BlockOnExceeded leaves an exhausted run resumable instead of failed.
	BlockOnExceeded bool `yaml:"block_on_exceeded" json:"block_on_exceeded"`
}

// TaskConfig sets task dispatch defaults.
type TaskConfig struct {
	DefaultTimeoutMs int `yaml:"default_timeout_ms" json:"default_timeout_ms"`
}

// DefaultTimeout returns the fallback per-task timeout.
func (t TaskConfig) DefaultTimeout() time.Duration {
	return time.Duration(t.DefaultTimeoutMs) * time.Millisecond
}

// RateLimitConfig controls the API admission limiter.
type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second" json:"requests_per_second"`
	Burst             int     `yaml:"burst" json:"burst"`
}

// LoadProfile loads a profile YAML by code. It searches the profiles
// directory for profile_<code>.yaml.
func LoadProfile(profilesDir, code string) (*Profile, error) {
	code = strings.ToLower(code)
	path := filepath.Join(profilesDir, fmt.Sprintf("profile_%s.yaml", code))

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("load profile %q: %w", code, err)
	}

	var profile Profile
	if err := yaml.Unmarshal(data, &profile); err != nil {
		return nil, fmt.Errorf("parse profile %q: %w", code, err)
	}

	if profile.Code == "" {
		profile.Code = code
	}
	profile.applyDefaults()
	return &profile, nil
}

// LoadAllProfiles loads all profile_*.yaml files from the profiles directory.
func LoadAllProfiles(profilesDir string) (map[string]*Profile, error) {
	matches, err := filepath.Glob(filepath.Join(profilesDir, "profile_*.yaml"))
	if err != nil {
		return nil, err
	}

	profiles := make(map[string]*Profile, len(matches))
	for _, path := range matches {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}

		var profile Profile
		if err := yaml.Unmarshal(data, &profile); err != nil {
			return nil, fmt.Errorf("parse %s: %w", path, err)
		}
		if profile.Code == "" {
			base := filepath.Base(path)
			profile.Code = strings.TrimSuffix(strings.TrimPrefix(base, "profile_"), ".yaml")
		}
		profile.applyDefaults()
		profiles[profile.Code] = &profile
	}
	return profiles, nil
}

// DefaultProfile is a safe local-development profile: every record synced,
// generous timeouts, no rate limiting surprises.
func DefaultProfile() *Profile {
	p := &Profile{Name: "Development", Code: "dev"}
	p.applyDefaults()
	return p
}

func (p *Profile) applyDefaults() {
	if p.Durability.SyncMode == "" {
		p.Durability.SyncMode = "every_record"
	}
	if p.Durability.SyncMode == "batched" {
		if p.Durability.BatchSize == 0 {
			p.Durability.BatchSize = 64
		}
		if p.Durability.BatchIntervalMs == 0 {
			p.Durability.BatchIntervalMs = 5
		}
	}
	if p.Snapshots.EveryEvents == 0 {
		p.Snapshots.EveryEvents = 256
	}
	if p.Stream.Backpressure == "" {
		p.Stream.Backpressure = "block"
	}
	if p.Stream.Buffer == 0 {
		p.Stream.Buffer = 64
	}
	if p.Tasks.DefaultTimeoutMs == 0 {
		p.Tasks.DefaultTimeoutMs = int((5 * time.Minute).Milliseconds())
	}
	if p.RateLimit.RequestsPerSecond == 0 {
		p.RateLimit.RequestsPerSecond = 50
	}
	if p.RateLimit.Burst == 0 {
		p.RateLimit.Burst = 100
	}
	if p.BlobThresholdBytes == 0 {
		p.BlobThresholdBytes = 256 << 10
	}
}

// Strict reports whether the profile syncs every record before
// acknowledging.
func (p *Profile) Strict() bool {
	return p.Durability.SyncMode == "every_record"
}
