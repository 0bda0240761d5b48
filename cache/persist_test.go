package cache

import (
	"bytes"
	"path/filepath"
	"testing"
	"time"

	"github.com/miekg/dns"
)

func TestPersistRoundTrip(t *testing.T) {
	now := time.Now()
	c := newTestCache(&now)
	c.DnsSet(answerMsg("host.example.", 300, "192.0.2.1"))
	c.DnsSet(nxdomainMsg("missing.example.", 60))

	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	c2 := newTestCache(&now)
	if _, err := c2.ReadFrom(&buf); err != nil {
		t.Fatal(err)
	}
	if n := c2.Entries(); n != 2 {
		t.Fatalf("expected 2 restored entries, got %d", n)
	}
	if c2.DnsGet("host.example.", dns.TypeA) == nil {
		t.Error("positive entry not restored")
	}
	msg := c2.DnsGet("missing.example.", dns.TypeA)
	if msg == nil || msg.Rcode != dns.RcodeNameError {
		t.Error("negative entry not restored")
	}
}

func TestPersistSkipsExpired(t *testing.T) {
	now := time.Now()
	c := newTestCache(&now)
	c.DnsSet(answerMsg("short.example.", 10, "192.0.2.1"))
	c.DnsSet(answerMsg("long.example.", 300, "192.0.2.2"))

	now = now.Add(11 * time.Second)
	var buf bytes.Buffer
	if _, err := c.WriteTo(&buf); err != nil {
		t.Fatal(err)
	}

	c2 := newTestCache(&now)
	if _, err := c2.ReadFrom(&buf); err != nil {
		t.Fatal(err)
	}
	if n := c2.Entries(); n != 1 {
		t.Fatalf("expected expired entry to be skipped, got %d entries", n)
	}
}

func TestPersistWrongMagic(t *testing.T) {
	c := New()
	buf := bytes.NewBuffer([]byte{0, 1, 2, 3, 4, 5, 6, 7})
	if _, err := c.ReadFrom(buf); err != ErrWrongMagic {
		t.Errorf("expected ErrWrongMagic, got %v", err)
	}
}

func TestPersistFile(t *testing.T) {
	now := time.Now()
	c := newTestCache(&now)
	c.DnsSet(answerMsg("host.example.", 300, "192.0.2.1"))

	path := filepath.Join(t.TempDir(), "cache.bin")
	if err := c.SaveFile(path); err != nil {
		t.Fatal(err)
	}
	c2 := newTestCache(&now)
	if err := c2.LoadFile(path); err != nil {
		t.Fatal(err)
	}
	if c2.DnsGet("host.example.", dns.TypeA) == nil {
		t.Error("entry not restored from file")
	}
	if err := c2.LoadFile(filepath.Join(t.TempDir(), "missing.bin")); err != nil {
		t.Errorf("missing cache file should not be an error, got %v", err)
	}
}
