package oracle

import (
	"fmt"
	"math/big"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support YAML unmarshalling of human
// readable strings like "1h" or "30s".
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses human readable duration strings.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	if value == nil {
		return nil
	}
	if value.Kind != yaml.ScalarNode {
		return fmt.Errorf("duration must be string")
	}
	raw := value.Value
	if raw == "" {
		d.Duration = 0
		return nil
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("parse duration %q: %w", raw, err)
	}
	d.Duration = parsed
	return nil
}

// SourceConfig describes one upstream appraisal feed.
type SourceConfig struct {
	Name    string   `yaml:"name"`
	Type    string   `yaml:"type"` // "http" or "fixed"
	URL     string   `yaml:"url"`
	Timeout Duration `yaml:"timeout"`
	// Values seeds a fixed source: asset id -> BAS value (decimal string).
	Values map[uint64]string `yaml:"values"`
}

// FallbackConfig pins a degraded-mode valuation for one asset.
type FallbackConfig struct {
	AssetID uint64 `yaml:"assetId"`
	Value   string `yaml:"value"`
}

// Config captures the oracle section loaded from the YAML sidecar file.
type Config struct {
	MaxAge          Duration         `yaml:"maxAge"`
	FetchTimeout    Duration         `yaml:"fetchTimeout"`
	RefreshInterval Duration         `yaml:"refreshInterval"`
	Sources         []SourceConfig   `yaml:"sources"`
	Fallbacks       []FallbackConfig `yaml:"fallbacks"`
	DefaultFallback string           `yaml:"defaultFallback"`
}

// LoadConfig reads and validates the oracle configuration file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read oracle config: %w", err)
	}
	cfg := &Config{}
	if err := yaml.Unmarshal(raw, cfg); err != nil {
		return nil, fmt.Errorf("parse oracle config: %w", err)
	}
	if len(cfg.Sources) == 0 {
		return nil, fmt.Errorf("oracle config: at least one source required")
	}
	return cfg, nil
}

// Build materialises the manager described by the configuration.
func (c *Config) Build(opts ...Option) (*Manager, error) {
	sources := make([]Source, 0, len(c.Sources))
	for i, sc := range c.Sources {
		switch strings.ToLower(strings.TrimSpace(sc.Type)) {
		case "http":
			src, err := NewHTTPSource(sc.Name, sc.URL, sc.Timeout.Duration)
			if err != nil {
				return nil, fmt.Errorf("oracle config: source %d: %w", i, err)
			}
			sources = append(sources, src)
		case "fixed":
			vals := make(map[uint64]*big.Int, len(sc.Values))
			for id, raw := range sc.Values {
				value, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
				if !ok || value.Sign() <= 0 {
					return nil, fmt.Errorf("oracle config: source %d: invalid value for asset %d", i, id)
				}
				vals[id] = value
			}
			sources = append(sources, NewFixedSource(sc.Name, vals))
		default:
			return nil, fmt.Errorf("oracle config: source %d: unknown type %q", i, sc.Type)
		}
	}

	for _, fb := range c.Fallbacks {
		value, ok := new(big.Int).SetString(strings.TrimSpace(fb.Value), 10)
		if !ok || value.Sign() <= 0 {
			return nil, fmt.Errorf("oracle config: invalid fallback for asset %d", fb.AssetID)
		}
		opts = append(opts, WithFallback(fb.AssetID, value))
	}
	if trimmed := strings.TrimSpace(c.DefaultFallback); trimmed != "" {
		value, ok := new(big.Int).SetString(trimmed, 10)
		if !ok || value.Sign() <= 0 {
			return nil, fmt.Errorf("oracle config: invalid default fallback")
		}
		opts = append(opts, WithDefaultFallback(value))
	}

	return NewManager(sources, c.MaxAge.Duration, c.FetchTimeout.Duration, c.RefreshInterval.Duration, opts...)
}
