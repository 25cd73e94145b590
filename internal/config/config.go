// Package config loads offsync configuration from YAML or CUE files.
//
// Every file is checked against the embedded CUE schema (schema.cue)
// before it is applied over Default, so a config that loads is always
// in range.
package config

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/roach88/offsync/internal/cache"
	"github.com/roach88/offsync/internal/engine"
	"github.com/roach88/offsync/internal/interceptor"
	"github.com/roach88/offsync/internal/queue"
)

//go:embed schema.cue
var schemaSource string

// Config holds every tunable. Field names in files are the yaml/json tags.
type Config struct {
	Database string `yaml:"database" json:"database"`
	Listen   string `yaml:"listen" json:"listen"`
	Upstream string `yaml:"upstream" json:"upstream,omitempty"`
	Source   string `yaml:"source" json:"source"`

	MaxRetries           int      `yaml:"max_retries" json:"max_retries"`
	BaseBackoff          Duration `yaml:"base_backoff" json:"base_backoff"`
	MaxBackoff           Duration `yaml:"max_backoff" json:"max_backoff"`
	InlineRetries        int      `yaml:"inline_retries" json:"inline_retries"`
	PeriodicSyncInterval Duration `yaml:"periodic_sync_interval" json:"periodic_sync_interval"`
	BatchSize            int      `yaml:"batch_size" json:"batch_size"`
	RequestTimeout       Duration `yaml:"request_timeout" json:"request_timeout"`
	LeaseTTL             Duration `yaml:"lease_ttl" json:"lease_ttl"`
	UrgentAge            Duration `yaml:"urgent_age" json:"urgent_age"`
	UrgentEndpoint       string   `yaml:"urgent_endpoint" json:"urgent_endpoint,omitempty"`

	CacheDefaultTTL    Duration `yaml:"cache_default_ttl" json:"cache_default_ttl"`
	CacheStaticTTL     Duration `yaml:"cache_static_ttl" json:"cache_static_ttl"`
	CacheSweepInterval Duration `yaml:"cache_sweep_interval" json:"cache_sweep_interval"`
	HotTier            string   `yaml:"hot_tier" json:"hot_tier"`
	HotTierSize        int      `yaml:"hot_tier_size" json:"hot_tier_size"`
	MaxDBPages         int      `yaml:"max_db_pages" json:"max_db_pages"`

	ProbeURL      string   `yaml:"probe_url" json:"probe_url,omitempty"`
	ProbeInterval Duration `yaml:"probe_interval" json:"probe_interval"`
	Debounce      Duration `yaml:"debounce" json:"debounce"`

	Endpoints        map[string]string `yaml:"endpoints" json:"endpoints,omitempty"`
	APIPrefixes      []string          `yaml:"api_prefixes" json:"api_prefixes,omitempty"`
	APIHosts         []string          `yaml:"api_hosts" json:"api_hosts,omitempty"`
	StaticHosts      []string          `yaml:"static_hosts" json:"static_hosts,omitempty"`
	StaticExtensions []string          `yaml:"static_extensions" json:"static_extensions,omitempty"`
}

// Default returns the built-in configuration.
func Default() Config {
	q := queue.DefaultConfig()
	e := engine.DefaultConfig()
	c := cache.DefaultConfig()
	p := interceptor.DefaultPolicy()
	return Config{
		Database: "offsync.db",
		Listen:   "127.0.0.1:8787",
		Source:   e.Source,

		MaxRetries:           q.MaxRetries,
		BaseBackoff:          Duration(q.BaseBackoff),
		MaxBackoff:           Duration(q.MaxBackoff),
		InlineRetries:        e.InlineRetries,
		PeriodicSyncInterval: Duration(e.PeriodicInterval),
		RequestTimeout:       Duration(e.RequestTimeout),
		LeaseTTL:             Duration(e.LeaseTTL),
		UrgentAge:            Duration(e.UrgentAge),

		CacheDefaultTTL:    Duration(c.DefaultTTL),
		CacheStaticTTL:     Duration(24 * time.Hour),
		CacheSweepInterval: Duration(time.Hour),
		HotTier:            c.HotTier,
		HotTierSize:        c.HotTierSize,

		ProbeInterval: Duration(30 * time.Second),
		Debounce:      Duration(2 * time.Second),

		APIPrefixes:      p.APIPrefixes,
		StaticExtensions: p.StaticExtensions,
	}
}

// Load reads path over Default and validates the result. An empty path
// returns Default. The format follows the extension: .yaml, .yml or .cue.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}

	switch ext := filepath.Ext(path); ext {
	case ".yaml", ".yml":
		err = decodeYAML(data, &cfg)
	case ".cue":
		err = decodeCUE(path, data, &cfg)
	default:
		err = fmt.Errorf("unsupported config format %q (want .yaml, .yml or .cue)", ext)
	}
	if err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	return cfg, nil
}

func decodeYAML(data []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse yaml: %w", err)
	}
	return nil
}

func decodeCUE(path string, data []byte, cfg *Config) error {
	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return err
	}

	v := ctx.CompileBytes(data, cue.Filename(path))
	if err := v.Err(); err != nil {
		return fmt.Errorf("parse cue: %s", cueerrors.Details(err, nil))
	}
	v = schema.Unify(v)
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %s", cueerrors.Details(err, nil))
	}

	raw, err := v.MarshalJSON()
	if err != nil {
		return fmt.Errorf("export cue: %w", err)
	}
	if err := json.Unmarshal(raw, cfg); err != nil {
		return fmt.Errorf("decode cue: %w", err)
	}
	return nil
}

// Validate checks cfg against the schema and the cross-field rules the
// schema cannot express.
func (c Config) Validate() error {
	raw, err := json.Marshal(c)
	if err != nil {
		return fmt.Errorf("validate: %w", err)
	}

	ctx := cuecontext.New()
	schema, err := compileSchema(ctx)
	if err != nil {
		return err
	}
	v := schema.Unify(ctx.CompileBytes(raw, cue.Filename("config.json")))
	if err := v.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("schema: %s", cueerrors.Details(err, nil))
	}

	var errs []error
	positive := []struct {
		name string
		d    Duration
	}{
		{"base_backoff", c.BaseBackoff},
		{"max_backoff", c.MaxBackoff},
		{"periodic_sync_interval", c.PeriodicSyncInterval},
		{"request_timeout", c.RequestTimeout},
		{"lease_ttl", c.LeaseTTL},
		{"cache_default_ttl", c.CacheDefaultTTL},
		{"cache_sweep_interval", c.CacheSweepInterval},
		{"probe_interval", c.ProbeInterval},
	}
	for _, p := range positive {
		if p.d <= 0 {
			errs = append(errs, fmt.Errorf("%s must be positive", p.name))
		}
	}
	if c.MaxBackoff < c.BaseBackoff {
		errs = append(errs, fmt.Errorf("max_backoff (%s) is less than base_backoff (%s)", c.MaxBackoff, c.BaseBackoff))
	}
	return errors.Join(errs...)
}

func compileSchema(ctx *cue.Context) (cue.Value, error) {
	v := ctx.CompileString(schemaSource, cue.Filename("schema.cue"))
	if err := v.Err(); err != nil {
		return cue.Value{}, fmt.Errorf("compile schema: %w", err)
	}
	return v.LookupPath(cue.ParsePath("#Config")), nil
}

// Queue returns the queue settings.
func (c Config) Queue() queue.Config {
	return queue.Config{
		MaxRetries:  c.MaxRetries,
		BaseBackoff: time.Duration(c.BaseBackoff),
		MaxBackoff:  time.Duration(c.MaxBackoff),
	}
}

// Engine returns the coordinator settings.
func (c Config) Engine() engine.Config {
	return engine.Config{
		PeriodicInterval: time.Duration(c.PeriodicSyncInterval),
		RequestTimeout:   time.Duration(c.RequestTimeout),
		LeaseTTL:         time.Duration(c.LeaseTTL),
		InlineRetries:    c.InlineRetries,
		BatchSize:        c.BatchSize,
		UrgentAge:        time.Duration(c.UrgentAge),
		UrgentEndpoint:   c.UrgentEndpoint,
		Source:           c.Source,
	}
}

// Cache returns the cache settings.
func (c Config) Cache() cache.Config {
	return cache.Config{
		DefaultTTL:  time.Duration(c.CacheDefaultTTL),
		HotTier:     c.HotTier,
		HotTierSize: c.HotTierSize,
	}
}

// Policy returns the interceptor routing policy.
func (c Config) Policy() interceptor.Policy {
	return interceptor.Policy{
		StaticExtensions: c.StaticExtensions,
		StaticHosts:      c.StaticHosts,
		APIPrefixes:      c.APIPrefixes,
		APIHosts:         c.APIHosts,
	}
}
