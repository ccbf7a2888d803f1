package session

import (
	"errors"
	"math/rand"
	"reflect"
	"testing"
	"time"

	"github.com/danmuck/xprocbus/internal/testutil/testlog"
)

func TestBackoffDelayDeterministicNoJitter(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{
		InitialDelay: 250 * time.Millisecond,
		Multiplier:   2.0,
		MaxDelay:     5 * time.Second,
	}
	want := map[int]time.Duration{
		0: 250 * time.Millisecond,
		1: 250 * time.Millisecond,
		2: 500 * time.Millisecond,
		3: time.Second,
		6: 5 * time.Second,
	}
	for attempt, d := range want {
		if got := cfg.Delay(attempt, nil); got != d {
			t.Fatalf("attempt %d got=%v want=%v", attempt, got, d)
		}
	}
}

func TestBackoffDelayJitterBounds(t *testing.T) {
	testlog.Start(t)
	cfg := BackoffConfig{InitialDelay: time.Second, Multiplier: 1, Jitter: true}
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 50; i++ {
		got := cfg.Delay(3, rng)
		if got < 500*time.Millisecond || got >= 1500*time.Millisecond {
			t.Fatalf("jittered delay out of range: %v", got)
		}
	}
}

func TestIsPrivate(t *testing.T) {
	testlog.Start(t)
	if !IsPrivate("_internal") || !IsPrivate(EventNewChannelRegistered) {
		t.Fatalf("expected underscore ids to be private")
	}
	if IsPrivate("add") || IsPrivate("accounts._list") {
		t.Fatalf("only a leading underscore marks an id private")
	}
}

func TestCatalogRoundTripNormalizes(t *testing.T) {
	testlog.Start(t)
	in := Catalog{
		Commands:  []string{"sub", "add", "add", " "},
		Events:    nil,
		Processes: []string{"worker", "main"},
	}
	b, err := EncodeCatalog(in)
	if err != nil {
		t.Fatalf("encode catalog: %v", err)
	}
	out, err := DecodeCatalog(b)
	if err != nil {
		t.Fatalf("decode catalog: %v", err)
	}
	want := Catalog{
		Commands:  []string{"add", "sub"},
		Events:    []string{},
		Processes: []string{"main", "worker"},
	}
	if !reflect.DeepEqual(out, want) {
		t.Fatalf("catalog mismatch: got=%+v want=%+v", out, want)
	}
}

func TestCatalogRejectsPrivateIDs(t *testing.T) {
	testlog.Start(t)
	if _, err := EncodeCatalog(Catalog{Commands: []string{"_internal"}}); !errors.Is(err, ErrPrivateIdentifier) {
		t.Fatalf("expected ErrPrivateIdentifier for command, got %v", err)
	}
	if _, err := DecodeCatalog([]byte(`{"events":["_localOnly"]}`)); !errors.Is(err, ErrPrivateIdentifier) {
		t.Fatalf("expected ErrPrivateIdentifier for event, got %v", err)
	}
}

func TestRegistrationValidate(t *testing.T) {
	testlog.Start(t)
	if err := (Registration{}).Validate(); !errors.Is(err, ErrInvalidRegistration) {
		t.Fatalf("expected ErrInvalidRegistration, got %v", err)
	}
	if err := (Registration{ProcessID: "worker"}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestConfigWithDefaults(t *testing.T) {
	testlog.Start(t)
	cfg := Config{RequestTimeout: time.Second}.WithDefaults()
	d := DefaultConfig()
	if cfg.RequestTimeout != time.Second {
		t.Fatalf("explicit request timeout overwritten: %v", cfg.RequestTimeout)
	}
	if cfg.HandshakeTimeout != d.HandshakeTimeout || cfg.ConnectTimeout != d.ConnectTimeout {
		t.Fatalf("defaults not applied: %+v", cfg)
	}
	if cfg.Backoff != d.Backoff {
		t.Fatalf("backoff defaults not applied: %+v", cfg.Backoff)
	}
}
