package discovery

import (
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"
)

type fakeRegistration struct {
	mu       sync.Mutex
	log      *[]string
	text     []string
	shutdown bool
}

func (f *fakeRegistration) SetText(text []string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.text = append([]string(nil), text...)
	*f.log = append(*f.log, "set_text")
}

func (f *fakeRegistration) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.shutdown = true
	*f.log = append(*f.log, "shutdown")
}

func testAnnouncerConfig(calls *[]string, servers *[]*fakeRegistration, gotTXT *[][]string) Config {
	return Config{
		SelfID:      "HOST-ABC123",
		Hostname:    "host",
		Port:        42000,
		AuthPort:    42001,
		SettleDelay: time.Millisecond,
		FlushDelay:  time.Millisecond,
		registerFn: func(instance, service, domain string, port int, text []string, ifaces []net.Interface) (registration, error) {
			*calls = append(*calls, "register")
			*gotTXT = append(*gotTXT, append([]string(nil), text...))
			server := &fakeRegistration{log: calls}
			*servers = append(*servers, server)
			return server, nil
		},
	}
}

func TestAnnounceRegistersFlushThenRealRecord(t *testing.T) {
	var (
		calls   []string
		servers []*fakeRegistration
		gotTXT  [][]string
	)

	announcer, err := NewAnnouncer(testAnnouncerConfig(&calls, &servers, &gotTXT))
	if err != nil {
		t.Fatalf("NewAnnouncer failed: %v", err)
	}
	if err := announcer.Announce(context.Background()); err != nil {
		t.Fatalf("Announce failed: %v", err)
	}

	if len(servers) != 1 {
		t.Fatalf("expected one registration, got %d", len(servers))
	}
	assertContainsTXT(t, gotTXT[0], "type=flush")
	assertContainsTXT(t, gotTXT[0], "hostname=host")
	assertContainsTXT(t, servers[0].text, "type=real")
	assertContainsTXT(t, servers[0].text, "api-version=2")
	assertContainsTXT(t, servers[0].text, "auth-port=42001")
	assertContainsTXT(t, servers[0].text, "hostname=host")

	if got := calls; len(got) != 2 || got[0] != "register" || got[1] != "set_text" {
		t.Fatalf("unexpected call order: %v", got)
	}
}

func TestReannounceWithdrawsPreviousRecordFirst(t *testing.T) {
	var (
		calls   []string
		servers []*fakeRegistration
		gotTXT  [][]string
	)

	announcer, err := NewAnnouncer(testAnnouncerConfig(&calls, &servers, &gotTXT))
	if err != nil {
		t.Fatalf("NewAnnouncer failed: %v", err)
	}
	if err := announcer.Announce(context.Background()); err != nil {
		t.Fatalf("first Announce failed: %v", err)
	}
	if err := announcer.Announce(context.Background()); err != nil {
		t.Fatalf("second Announce failed: %v", err)
	}

	want := []string{"register", "set_text", "shutdown", "register", "set_text"}
	if len(calls) != len(want) {
		t.Fatalf("unexpected call sequence: %v", calls)
	}
	for i := range want {
		if calls[i] != want[i] {
			t.Fatalf("unexpected call sequence: %v", calls)
		}
	}
	if !servers[0].shutdown {
		t.Fatalf("expected first registration to be shut down")
	}

	announcer.Withdraw()
	if !servers[1].shutdown {
		t.Fatalf("expected Withdraw to shut down the current registration")
	}
	// A second withdraw is a no-op.
	announcer.Withdraw()
}

func TestAnnounceFailureIsInitFailed(t *testing.T) {
	cfg := Config{
		SelfID:   "HOST-ABC123",
		Hostname: "host",
		Port:     42000,
		registerFn: func(string, string, string, int, []string, []net.Interface) (registration, error) {
			return nil, errors.New("no multicast interface")
		},
	}

	announcer, err := NewAnnouncer(cfg)
	if err != nil {
		t.Fatalf("NewAnnouncer failed: %v", err)
	}
	err = announcer.Announce(context.Background())
	if !errors.Is(err, ErrInitFailed) {
		t.Fatalf("expected ErrInitFailed, got %v", err)
	}
	announcer.Withdraw()
}

func TestNewAnnouncerValidatesConfig(t *testing.T) {
	if _, err := NewAnnouncer(Config{Hostname: "host", Port: 1}); err == nil {
		t.Fatalf("expected error for missing service ID")
	}
	if _, err := NewAnnouncer(Config{SelfID: "id", Port: 1}); err == nil {
		t.Fatalf("expected error for missing hostname")
	}
	if _, err := NewAnnouncer(Config{SelfID: "id", Hostname: "host"}); err == nil {
		t.Fatalf("expected error for missing port")
	}
}

func TestConfigWithDefaults(t *testing.T) {
	cfg := Config{RefreshInterval: 10 * time.Second}.withDefaults()
	if cfg.Service != "_warpinator._tcp" || cfg.Domain != "local." {
		t.Fatalf("unexpected service type %q %q", cfg.Service, cfg.Domain)
	}
	if cfg.StaleAfter != 30*time.Second {
		t.Fatalf("expected stale timeout of three refresh intervals, got %s", cfg.StaleAfter)
	}
	if cfg.SettleDelay != 250*time.Millisecond || cfg.FlushDelay != 500*time.Millisecond {
		t.Fatalf("unexpected announce delays %s %s", cfg.SettleDelay, cfg.FlushDelay)
	}
	if cfg.RescanDebounce != time.Second {
		t.Fatalf("unexpected rescan debounce %s", cfg.RescanDebounce)
	}
}

func assertContainsTXT(t *testing.T, txt []string, expected string) {
	t.Helper()
	for _, v := range txt {
		if v == expected {
			return
		}
	}
	t.Fatalf("missing TXT record %q in %v", expected, txt)
}
