package config

import (
	"net/netip"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCreatesDefaultConfig(t *testing.T) {
	dir := t.TempDir()
	loaded, err := Load(dir)
	if err != nil {
		t.Fatal(err)
	}
	if !loaded.Created {
		t.Error("expected a default config to be created")
	}
	if loaded.Path != filepath.Join(dir, FileName) {
		t.Error(loaded.Path)
	}
	if _, err := os.Stat(loaded.Path); err != nil {
		t.Error(err)
	}
	if loaded.Config.Mode != ModeRecurse {
		t.Error(loaded.Config.Mode)
	}

	again, err := Load(loaded.Path)
	if err != nil {
		t.Fatal(err)
	}
	if again.Created {
		t.Error("second load must read the existing file")
	}
}

func TestSaveRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "etc", "resolvd", FileName)
	cfg := Default()
	cfg.Listen = ":5353"
	if err := Save(path, *cfg); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	if loaded.Created {
		t.Error("save must have created the file already")
	}
	if loaded.Config.Listen != ":5353" {
		t.Error(loaded.Config.Listen)
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), FileName)
	if err := os.WriteFile(path, []byte(`{"mode":"recurse"}`), 0o644); err != nil {
		t.Fatal(err)
	}
	loaded, err := Load(path)
	if err != nil {
		t.Fatal(err)
	}
	cfg := loaded.Config
	if cfg.Listen != ":53" || cfg.TimeoutSeconds != 5 || cfg.Cache.MaxEntries != 8192 {
		t.Errorf("defaults not applied: %+v", cfg)
	}
}

func TestValidateForwardNeedsUpstreams(t *testing.T) {
	cfg := Default()
	cfg.Mode = ModeForward
	if err := cfg.Validate(); err == nil {
		t.Error("forward mode without upstreams must fail validation")
	}
	cfg.Upstreams = []string{"9.9.9.9"}
	if err := cfg.Validate(); err != nil {
		t.Error(err)
	}
	cfg.Mode = "bogus"
	if err := cfg.Validate(); err == nil {
		t.Error("unknown mode must fail validation")
	}
}

func TestUpstreamAddrs(t *testing.T) {
	cfg := Default()
	cfg.Upstreams = []string{"9.9.9.9", "8.8.8.8:5353", " "}
	addrs, err := cfg.UpstreamAddrs()
	if err != nil {
		t.Fatal(err)
	}
	want := []netip.AddrPort{
		netip.MustParseAddrPort("9.9.9.9:53"),
		netip.MustParseAddrPort("8.8.8.8:5353"),
	}
	if len(addrs) != len(want) {
		t.Fatalf("expected %d upstreams, got %d", len(want), len(addrs))
	}
	for i := range want {
		if addrs[i] != want[i] {
			t.Errorf("upstream %d: expected %v, got %v", i, want[i], addrs[i])
		}
	}

	cfg.Upstreams = []string{"not-an-address"}
	if _, err := cfg.UpstreamAddrs(); err == nil {
		t.Error("expected an error for a malformed upstream")
	}
}

func TestRootAddrs(t *testing.T) {
	cfg := Default()
	roots4, roots6, err := cfg.RootAddrs()
	if err != nil {
		t.Fatal(err)
	}
	if roots4 != nil || roots6 != nil {
		t.Error("no override configured, both lists must be nil")
	}

	cfg.RootHints = []string{"198.41.0.4", "2001:503:ba3e::2:30"}
	roots4, roots6, err = cfg.RootAddrs()
	if err != nil {
		t.Fatal(err)
	}
	if len(roots4) != 1 || len(roots6) != 1 {
		t.Errorf("got %d IPv4 and %d IPv6 roots", len(roots4), len(roots6))
	}

	cfg.RootHints = []string{"not-an-address"}
	if _, _, err := cfg.RootAddrs(); err == nil {
		t.Error("expected an error for a malformed root hint")
	}
}
