package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/drover-sh/drover/internal/charset"
	"github.com/drover-sh/drover/internal/fsutil"
)

// ConfigFileName is the canonical name of the configuration file
const ConfigFileName = "drover.json"

// Config represents the drover.json configuration file
type Config struct {
	Version   string    `json:"version"`
	Execution Execution `json:"execution"`
	Timeouts  Timeouts  `json:"timeouts"`
	Encoding  Encoding  `json:"encoding"`
	Cache     Cache     `json:"cache"`
}

// Execution contains process supervision settings
type Execution struct {
	MaxConcurrent   int `json:"max_concurrent"`
	PollIntervalMs  int `json:"poll_interval_ms"`
	GracePeriodMs   int `json:"grace_period_ms"`
	KillTimeoutMs   int `json:"kill_timeout_ms"`
	MaxCaptureBytes int `json:"max_capture_bytes"`
}

// Timeouts contains the execution budget formula parameters
type Timeouts struct {
	BaseS        int  `json:"base_s"`
	MaxS         int  `json:"max_s"`
	Per10kItemsS int  `json:"per_10k_items_s"`
	PerGiBS      int  `json:"per_gib_s"`
	PreScan      bool `json:"pre_scan"`
	PreScanBoxS  int  `json:"pre_scan_box_s"`
}

// Encoding contains output decoding settings
type Encoding struct {
	Candidates []string `json:"candidates"`
	Fallback   string   `json:"fallback"`
}

// Cache contains result cache settings
type Cache struct {
	Enabled  bool   `json:"enabled"`
	TTLS     int    `json:"ttl_s"`
	MaxBytes int64  `json:"max_bytes"`
	Path     string `json:"path,omitempty"`
}

// GenerateDefault creates a new Config with default values
func GenerateDefault() *Config {
	return &Config{
		Version: "1.0",
		Execution: Execution{
			MaxConcurrent:   4,
			PollIntervalMs:  500,
			GracePeriodMs:   5000,
			KillTimeoutMs:   2000,
			MaxCaptureBytes: 10485760,
		},
		Timeouts: Timeouts{
			BaseS:        300,
			MaxS:         1800,
			Per10kItemsS: 60,
			PerGiBS:      30,
			PreScan:      true,
			PreScanBoxS:  30,
		},
		Encoding: Encoding{
			Candidates: []string{"utf-8", "windows-1252"},
			Fallback:   "iso-8859-1",
		},
		Cache: Cache{
			Enabled:  true,
			TTLS:     3600,
			MaxBytes: 67108864,
		},
	}
}

// Validate checks the configuration for errors and returns user-friendly error messages
func (c *Config) Validate() error {
	// Version is required
	if c.Version == "" {
		return fmt.Errorf("configuration error: missing required field 'version'\n\nHint: Add a version field like:\n  \"version\": \"1.0\"")
	}

	if c.Execution.MaxConcurrent < 1 {
		return fmt.Errorf("configuration error: invalid 'execution.max_concurrent' value: %d\n\nHint: At least one task must be allowed to run. Update your config:\n  \"execution\": {\n    \"max_concurrent\": 4\n  }", c.Execution.MaxConcurrent)
	}

	if c.Execution.PollIntervalMs < 1 {
		return fmt.Errorf("configuration error: invalid 'execution.poll_interval_ms' value: %d\n\nHint: The supervisor needs a positive poll interval:\n  \"execution\": {\n    \"poll_interval_ms\": 500\n  }", c.Execution.PollIntervalMs)
	}

	if c.Timeouts.BaseS < 1 {
		return fmt.Errorf("configuration error: invalid 'timeouts.base_s' value: %d\n\nHint: The base budget must be at least one second:\n  \"timeouts\": {\n    \"base_s\": 300\n  }", c.Timeouts.BaseS)
	}

	if c.Timeouts.MaxS < c.Timeouts.BaseS {
		return fmt.Errorf("configuration error: 'timeouts.max_s' (%d) is below 'timeouts.base_s' (%d)\n\nHint: The budget ceiling cannot undercut the base:\n  \"timeouts\": {\n    \"base_s\": 300,\n    \"max_s\": 1800\n  }", c.Timeouts.MaxS, c.Timeouts.BaseS)
	}

	if len(c.Encoding.Candidates) == 0 {
		return fmt.Errorf("configuration error: 'encoding.candidates' is empty\n\nHint: List the encodings to try, most likely first:\n  \"encoding\": {\n    \"candidates\": [\"utf-8\", \"windows-1252\"]\n  }")
	}

	for _, name := range c.Encoding.Candidates {
		if !charset.Supported(name) {
			return fmt.Errorf("configuration error: unknown encoding candidate '%s'\n\nHint: Use IANA names such as \"utf-8\", \"windows-1252\" or \"shift_jis\"", name)
		}
	}

	if c.Encoding.Fallback != "" && !charset.Supported(c.Encoding.Fallback) {
		return fmt.Errorf("configuration error: unknown encoding fallback '%s'\n\nHint: The fallback must be a single-byte encoding such as \"iso-8859-1\"", c.Encoding.Fallback)
	}

	if c.Cache.Enabled {
		if c.Cache.TTLS < 1 {
			return fmt.Errorf("configuration error: invalid 'cache.ttl_s' value: %d\n\nHint: Cached results need a positive lifetime:\n  \"cache\": {\n    \"ttl_s\": 3600\n  }", c.Cache.TTLS)
		}
		if c.Cache.MaxBytes < 1 {
			return fmt.Errorf("configuration error: invalid 'cache.max_bytes' value: %d\n\nHint: The cache needs a positive size cap:\n  \"cache\": {\n    \"max_bytes\": 67108864\n  }", c.Cache.MaxBytes)
		}
	}

	return nil
}

// PollInterval returns the supervisor poll interval as a duration
func (e Execution) PollInterval() time.Duration {
	return time.Duration(e.PollIntervalMs) * time.Millisecond
}

// GracePeriod returns how long a terminated tool gets to exit cleanly
func (e Execution) GracePeriod() time.Duration {
	return time.Duration(e.GracePeriodMs) * time.Millisecond
}

// KillTimeout returns how long to wait after a kill before giving up
func (e Execution) KillTimeout() time.Duration {
	return time.Duration(e.KillTimeoutMs) * time.Millisecond
}

// Base returns the base execution budget
func (t Timeouts) Base() time.Duration {
	return time.Duration(t.BaseS) * time.Second
}

// Max returns the execution budget ceiling
func (t Timeouts) Max() time.Duration {
	return time.Duration(t.MaxS) * time.Second
}

// PerItemChunk returns the budget increment per 10,000 items
func (t Timeouts) PerItemChunk() time.Duration {
	return time.Duration(t.Per10kItemsS) * time.Second
}

// PerGiB returns the budget increment per GiB of input
func (t Timeouts) PerGiB() time.Duration {
	return time.Duration(t.PerGiBS) * time.Second
}

// PreScanBox returns the time box for the workload pre-scan
func (t Timeouts) PreScanBox() time.Duration {
	return time.Duration(t.PreScanBoxS) * time.Second
}

// TTL returns the cache entry lifetime
func (ca Cache) TTL() time.Duration {
	return time.Duration(ca.TTLS) * time.Second
}

// LoadFromFile loads a configuration from a JSON file
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	return &cfg, nil
}

// SaveToFile writes the configuration to a JSON file with 0600
// permissions. The write is atomic so a crash cannot leave a torn file.
func (c *Config) SaveToFile(path string) error {
	if err := fsutil.AtomicWriteJSON(path, c); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", path, err)
	}
	return nil
}
