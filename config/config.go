// Package config loads and persists the resolver configuration as JSON.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
)

// FileName is the canonical name of the configuration file.
const FileName = "resolvd.json"

// Resolution modes.
const (
	ModeRecurse = "recurse"
	ModeForward = "forward"
)

// CacheConfig bounds the response cache.
type CacheConfig struct {
	MaxEntries     int    `json:"max_entries"`
	MinTTLSeconds  int    `json:"min_ttl_seconds,omitempty"`
	MaxTTLSeconds  int    `json:"max_ttl_seconds"`
	NegTTLSeconds  int    `json:"negative_ttl_seconds"`
	File           string `json:"file,omitempty"` // persisted across restarts when set
	SweepSeconds   int    `json:"sweep_seconds,omitempty"`
}

// LogConfig holds logging destination, severity, and rotation settings.
type LogConfig struct {
	File           string `json:"file,omitempty"` // empty logs to stderr
	Severity       string `json:"severity"`
	RotationSizeMB int    `json:"rotation_size_mb,omitempty"`
	RotationDays   int    `json:"rotation_days,omitempty"`
}

// Config captures all persisted settings for resolvd.
type Config struct {
	Listen         string      `json:"listen"`
	Mode           string      `json:"mode"` // "recurse" or "forward"
	Upstreams      []string    `json:"upstreams,omitempty"`
	TimeoutSeconds int         `json:"timeout_seconds"`
	ClientSeconds  int         `json:"client_timeout_seconds"`
	ResolveSeconds int         `json:"resolve_timeout_seconds"`
	RateLimit      int         `json:"ratelimit,omitempty"`  // queries per second sent upstream, 0 disables
	RootHints      []string    `json:"root_hints,omitempty"` // overrides the built-in root server addresses
	IPv4Only       bool        `json:"ipv4_only,omitempty"`
	APIEnabled     bool        `json:"api"`
	APIListen      string      `json:"api_listen,omitempty"`
	Cache          CacheConfig `json:"cache"`
	Log            LogConfig   `json:"log"`
}

// Loaded contains the configuration together with metadata about the source file.
type Loaded struct {
	Path    string
	Created bool
	Config  Config
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Listen:         ":53",
		Mode:           ModeRecurse,
		TimeoutSeconds: 5,
		ClientSeconds:  5,
		ResolveSeconds: 30,
		APIListen:      "127.0.0.1:8053",
		Cache: CacheConfig{
			MaxEntries:    8192,
			MaxTTLSeconds: 6 * 60 * 60,
			NegTTLSeconds: 30,
			SweepSeconds:  60,
		},
		Log: LogConfig{Severity: "info"},
	}
}

// Load reads the configuration from path, creating a default file there if it
// does not exist. Path may be a directory, in which case FileName inside it
// is used.
func Load(path string) (*Loaded, error) {
	path = strings.TrimSpace(path)
	if path == "" {
		return nil, fmt.Errorf("config: path is empty")
	}
	if info, err := os.Stat(path); err == nil && info.IsDir() {
		path = filepath.Join(path, FileName)
	}
	cfg, err := readConfig(path)
	if err == nil {
		cfg.applyDefaults()
		if err = cfg.Validate(); err != nil {
			return nil, err
		}
		return &Loaded{Path: path, Config: *cfg}, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("config: failed to read %s: %w", path, err)
	}
	cfg = Default()
	if err := Save(path, *cfg); err != nil {
		return nil, err
	}
	cfg.applyDefaults()
	return &Loaded{Path: path, Created: true, Config: *cfg}, nil
}

// Save writes the supplied configuration to the given path, creating any
// missing parent directories.
func Save(path string, cfg Config) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: ensure config directory %s: %w", dir, err)
	}
	return writeConfig(path, &cfg)
}

// Validate reports configuration errors that would prevent startup.
func (c *Config) Validate() error {
	switch c.Mode {
	case ModeRecurse:
	case ModeForward:
		if len(c.Upstreams) == 0 {
			return fmt.Errorf("config: mode %q requires at least one upstream", c.Mode)
		}
	default:
		return fmt.Errorf("config: unknown mode %q", c.Mode)
	}
	if _, err := c.UpstreamAddrs(); err != nil {
		return err
	}
	if _, _, err := c.RootAddrs(); err != nil {
		return err
	}
	return nil
}

// RootAddrs parses the configured root hint overrides into IPv4 and IPv6
// address lists. Both are nil when no override is configured, which selects
// the built-in root hints.
func (c *Config) RootAddrs() (roots4, roots6 []netip.Addr, err error) {
	for _, s := range c.RootHints {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		addr, perr := netip.ParseAddr(s)
		if perr != nil {
			return nil, nil, fmt.Errorf("config: invalid root hint %q: %w", s, perr)
		}
		if addr.Is4() {
			roots4 = append(roots4, addr)
		} else {
			roots6 = append(roots6, addr)
		}
	}
	return
}

// UpstreamAddrs parses the configured upstreams into address/port pairs.
// A bare address gets port 53.
func (c *Config) UpstreamAddrs() ([]netip.AddrPort, error) {
	addrs := make([]netip.AddrPort, 0, len(c.Upstreams))
	for _, s := range c.Upstreams {
		s = strings.TrimSpace(s)
		if s == "" {
			continue
		}
		if ap, err := netip.ParseAddrPort(s); err == nil {
			addrs = append(addrs, ap)
			continue
		}
		addr, err := netip.ParseAddr(s)
		if err != nil {
			return nil, fmt.Errorf("config: invalid upstream %q: %w", s, err)
		}
		addrs = append(addrs, netip.AddrPortFrom(addr, 53))
	}
	return addrs, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	if c.Listen == "" {
		c.Listen = def.Listen
	}
	if c.Mode == "" {
		c.Mode = def.Mode
	}
	if c.TimeoutSeconds <= 0 {
		c.TimeoutSeconds = def.TimeoutSeconds
	}
	if c.ClientSeconds <= 0 {
		c.ClientSeconds = def.ClientSeconds
	}
	if c.ResolveSeconds <= 0 {
		c.ResolveSeconds = def.ResolveSeconds
	}
	if c.APIListen == "" {
		c.APIListen = def.APIListen
	}
	if c.Cache.MaxEntries == 0 {
		c.Cache.MaxEntries = def.Cache.MaxEntries
	}
	if c.Cache.MaxTTLSeconds <= 0 {
		c.Cache.MaxTTLSeconds = def.Cache.MaxTTLSeconds
	}
	if c.Cache.NegTTLSeconds <= 0 {
		c.Cache.NegTTLSeconds = def.Cache.NegTTLSeconds
	}
	if c.Log.Severity == "" {
		c.Log.Severity = def.Log.Severity
	}
}

func readConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	return &cfg, nil
}

func writeConfig(path string, cfg *Config) error {
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return fmt.Errorf("config: encode: %w", err)
	}
	data = append(data, '\n')
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("config: write %s: %w", path, err)
	}
	return nil
}
