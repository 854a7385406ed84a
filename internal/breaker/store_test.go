package breaker

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func newTestStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return NewStore(dir, 0, nil, zerolog.Nop()), dir
}

func TestTripAndCheck(t *testing.T) {
	s, dir := newTestStore(t)

	b, err := s.Trip("loop", "6f5185865618575f", "3 wakes in 30m", time.Hour)
	if err != nil {
		t.Fatalf("Trip: %v", err)
	}
	if b.TripCount != 1 {
		t.Errorf("TripCount = %d, want 1", b.TripCount)
	}
	if b.AutoExpireSeconds != 3600 {
		t.Errorf("AutoExpireSeconds = %d, want 3600", b.AutoExpireSeconds)
	}
	if _, err := os.Stat(filepath.Join(dir, "6f5185865618575f.json")); err != nil {
		t.Fatalf("breaker file missing: %v", err)
	}

	got := s.Check("6f5185865618575f0000aabb")
	if got == nil {
		t.Fatal("Check returned nil for tripped sender")
	}
	if got.Reason != "3 wakes in 30m" {
		t.Errorf("Reason = %q", got.Reason)
	}

	if s.Check("deadbeefdeadbeef0000") != nil {
		t.Error("Check blocked an unrelated sender")
	}
}

func TestRetripIncrementsCount(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Trip("loop", "6f5185865618575f", "first", time.Hour); err != nil {
		t.Fatalf("Trip: %v", err)
	}
	b, err := s.Trip("loop", "6f5185865618575f", "second", time.Hour)
	if err != nil {
		t.Fatalf("Trip: %v", err)
	}
	if b.TripCount != 2 {
		t.Errorf("TripCount = %d, want 2", b.TripCount)
	}
}

func TestGlobalBreakerBlocksEveryone(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Trip("manual", GlobalTarget, "maintenance", 0); err != nil {
		t.Fatalf("Trip global: %v", err)
	}
	if s.Check("deadbeefdeadbeef0000") == nil {
		t.Error("global breaker did not block sender")
	}
	if s.Check("not-a-hex-id") == nil {
		t.Error("global breaker did not block invalid sender")
	}
}

func TestInvalidTargetRejected(t *testing.T) {
	s, dir := newTestStore(t)

	targets := []string{
		"../../etc/passwd",
		"..",
		"6f51",
		"6F5185865618575F",
		"gggggggggggggggg",
		"",
	}
	for _, target := range targets {
		if _, err := s.Trip("loop", target, "r", time.Hour); err != ErrInvalidTarget {
			t.Errorf("Trip(%q) err = %v, want ErrInvalidTarget", target, err)
		}
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 0 {
		t.Errorf("invalid targets created %d files", len(entries))
	}
}

func TestExpiryBoundary(t *testing.T) {
	s, dir := newTestStore(t)

	write := func(target string, expiresAt time.Time) {
		t.Helper()
		exp := expiresAt
		b := &Breaker{Type: "loop", Target: target, Reason: "r", TrippedAt: time.Now().UTC(), TripCount: 1, AutoExpireSeconds: 3600, ExpiresAt: &exp}
		data, _ := json.Marshal(b)
		if err := os.WriteFile(filepath.Join(dir, target+".json"), data, 0600); err != nil {
			t.Fatalf("write breaker: %v", err)
		}
	}

	// Not yet expired: still blocks.
	write("6f5185865618575f", time.Now().Add(time.Second))
	if s.Check("6f5185865618575f0000") == nil {
		t.Error("breaker expiring in +1s should still block")
	}

	// Expired: releases and deletes the file.
	write("aaaaaaaaaaaaaaaa", time.Now().Add(-time.Second))
	if s.Check("aaaaaaaaaaaaaaaa0000") != nil {
		t.Error("breaker expired 1s ago should not block")
	}
	if _, err := os.Stat(filepath.Join(dir, "aaaaaaaaaaaaaaaa.json")); !os.IsNotExist(err) {
		t.Error("expired breaker file not deleted")
	}
}

func TestUnreadableFileSkippedAndLeft(t *testing.T) {
	s, dir := newTestStore(t)

	path := filepath.Join(dir, "6f5185865618575f.json")
	if err := os.WriteFile(path, []byte("{not json"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}
	if s.Check("6f5185865618575f0000") != nil {
		t.Error("unreadable breaker treated as active")
	}
	if _, err := os.Stat(path); err != nil {
		t.Error("unreadable breaker file was removed; should be left for the operator")
	}
}

func TestCheckCacheInvalidatedByTrip(t *testing.T) {
	dir := t.TempDir()
	s := NewStore(dir, 30*time.Second, nil, zerolog.Nop())

	if s.Check("6f5185865618575f0000") != nil {
		t.Fatal("unexpected breaker")
	}
	// The nil result is now cached; Trip must invalidate it.
	if _, err := s.Trip("loop", "6f5185865618575f", "r", time.Hour); err != nil {
		t.Fatalf("Trip: %v", err)
	}
	if s.Check("6f5185865618575f0000") == nil {
		t.Error("Check still nil after Trip; cache not invalidated")
	}
}

func TestList(t *testing.T) {
	s, dir := newTestStore(t)

	if _, err := s.Trip("loop", "6f5185865618575f", "r1", time.Hour); err != nil {
		t.Fatalf("Trip: %v", err)
	}
	if _, err := s.Trip("manual", GlobalTarget, "r2", 0); err != nil {
		t.Fatalf("Trip: %v", err)
	}
	// Stray file that must not be listed.
	if err := os.WriteFile(filepath.Join(dir, "README.txt"), []byte("x"), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	got, err := s.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d breakers, want 2", len(got))
	}
	if got[0].Target != "6f5185865618575f" || got[1].Target != GlobalTarget {
		t.Errorf("List order = %q, %q", got[0].Target, got[1].Target)
	}
}

func TestClear(t *testing.T) {
	s, _ := newTestStore(t)

	if _, err := s.Trip("loop", "6f5185865618575f", "r", time.Hour); err != nil {
		t.Fatalf("Trip: %v", err)
	}
	if err := s.Clear("6f5185865618575f"); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if s.Check("6f5185865618575f0000") != nil {
		t.Error("breaker still active after Clear")
	}
	if err := s.Clear("6f5185865618575f"); err != nil {
		t.Errorf("Clear on missing file: %v", err)
	}
	if err := s.Clear("../../x"); err != ErrInvalidTarget {
		t.Errorf("Clear with traversal target err = %v, want ErrInvalidTarget", err)
	}
}
