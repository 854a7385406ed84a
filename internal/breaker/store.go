// Package breaker manages circuit breaker files: per-sender or global blocks
// that suppress all pipeline work until they expire. Breakers live as JSON
// files under breakers/ so operators can inspect, create, or remove them with
// nothing but a shell.
package breaker

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/knarrhq/thrall/internal/envelope"
)

// GlobalTarget blocks every sender.
const GlobalTarget = "global"

const maxReason = 500

// ErrInvalidTarget rejects breaker targets that are neither "global" nor a
// 16-hex prefix. This is the path traversal guard: the target becomes a file
// name.
var ErrInvalidTarget = errors.New("breaker target must be \"global\" or a 16-hex prefix")

// Breaker is the on-disk record.
type Breaker struct {
	Type              string     `json:"type"`
	Target            string     `json:"target"`
	Reason            string     `json:"reason"`
	TrippedAt         time.Time  `json:"tripped_at"`
	TripCount         int        `json:"trip_count"`
	LastEvent         string     `json:"last_event"`
	AutoExpireSeconds int        `json:"auto_expire_seconds"`
	ExpiresAt         *time.Time `json:"expires_at"`
}

type eventSink interface {
	Append(action, prefix, detail string)
}

// Store reads and writes breaker files with a short read cache so the
// per-message check does not hit disk every time.
type Store struct {
	dir      string
	cacheTTL time.Duration
	events   eventSink
	log      zerolog.Logger

	mu    sync.Mutex
	cache map[string]cacheEntry
}

type cacheEntry struct {
	at time.Time
	b  *Breaker // nil means "checked, no active breaker"
}

// NewStore creates a Store rooted at dir. A cacheTTL of zero disables the
// read cache (useful in tests).
func NewStore(dir string, cacheTTL time.Duration, events eventSink, log zerolog.Logger) *Store {
	return &Store{
		dir:      dir,
		cacheTTL: cacheTTL,
		events:   events,
		log:      log,
		cache:    make(map[string]cacheEntry),
	}
}

func validTarget(target string) bool {
	return target == GlobalTarget || envelope.ValidPrefix(target)
}

func (s *Store) path(target string) string {
	return filepath.Join(s.dir, target+".json")
}

// Check returns the first breaker blocking the sender, global first, or nil.
// Expired breaker files are deleted as a side effect of being read.
func (s *Store) Check(fromNode string) *Breaker {
	prefix := envelope.SanitizePrefix(fromNode)
	for _, target := range []string{GlobalTarget, prefix} {
		if !validTarget(target) {
			continue
		}
		if b := s.getCached(target); b != nil {
			return b
		}
	}
	return nil
}

// Get loads one breaker by target, bypassing nothing: expiry handling still
// applies.
func (s *Store) Get(target string) (*Breaker, error) {
	if !validTarget(target) {
		return nil, ErrInvalidTarget
	}
	return s.load(target), nil
}

func (s *Store) getCached(target string) *Breaker {
	now := time.Now()
	if s.cacheTTL > 0 {
		s.mu.Lock()
		if e, ok := s.cache[target]; ok && now.Sub(e.at) < s.cacheTTL {
			s.mu.Unlock()
			return e.b
		}
		s.mu.Unlock()
	}

	b := s.load(target)

	if s.cacheTTL > 0 {
		s.mu.Lock()
		s.cache[target] = cacheEntry{at: now, b: b}
		s.mu.Unlock()
	}
	return b
}

// load reads one breaker file. Unreadable JSON is skipped and left in place
// for the operator; a passed expires_at deletes the file.
func (s *Store) load(target string) *Breaker {
	raw, err := os.ReadFile(s.path(target))
	if err != nil {
		return nil
	}
	var b Breaker
	if err := json.Unmarshal(raw, &b); err != nil {
		s.log.Warn().Str("target", target).Err(err).Msg("breaker file unreadable, leaving in place")
		return nil
	}
	if b.ExpiresAt != nil && time.Now().After(*b.ExpiresAt) {
		if err := os.Remove(s.path(target)); err != nil && !os.IsNotExist(err) {
			s.log.Warn().Str("target", target).Err(err).Msg("breaker expiry delete failed")
		}
		if s.events != nil {
			s.events.Append("BREAKER_EXPIRED", target, fmt.Sprintf("auto-expired after %ds", b.AutoExpireSeconds))
		}
		s.invalidate(target)
		return nil
	}
	return &b
}

// Trip writes a breaker file for target. Re-tripping an existing breaker
// increments trip_count and refreshes expires_at. autoExpire <= 0 means the
// breaker never expires on its own.
func (s *Store) Trip(breakerType, target, reason string, autoExpire time.Duration) (*Breaker, error) {
	if !validTarget(target) {
		return nil, ErrInvalidTarget
	}
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return nil, fmt.Errorf("create breaker dir: %w", err)
	}

	reason = truncate(reason, maxReason)
	now := time.Now().UTC()
	b := &Breaker{
		Type:              breakerType,
		Target:            target,
		Reason:            reason,
		TrippedAt:         now,
		TripCount:         1,
		LastEvent:         reason,
		AutoExpireSeconds: int(autoExpire / time.Second),
	}
	if autoExpire > 0 {
		exp := now.Add(autoExpire)
		b.ExpiresAt = &exp
	}

	if raw, err := os.ReadFile(s.path(target)); err == nil {
		var existing Breaker
		if json.Unmarshal(raw, &existing) == nil {
			b.TripCount = existing.TripCount + 1
		}
	}

	if err := s.writeAtomic(target, b); err != nil {
		return nil, err
	}
	s.invalidate(target)
	if s.events != nil {
		s.events.Append("BREAKER_TRIP", target, truncate(reason, 200))
	}
	return b, nil
}

// Clear removes a breaker file. Missing files are not an error.
func (s *Store) Clear(target string) error {
	if !validTarget(target) {
		return ErrInvalidTarget
	}
	if err := os.Remove(s.path(target)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove breaker: %w", err)
	}
	s.invalidate(target)
	return nil
}

// List returns all active breakers sorted by target. Expired files are
// deleted along the way; unreadable files are skipped.
func (s *Store) List() ([]*Breaker, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}

	var out []*Breaker
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		target := strings.TrimSuffix(name, ".json")
		if !validTarget(target) {
			continue
		}
		if b := s.load(target); b != nil {
			out = append(out, b)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Target < out[j].Target })
	return out, nil
}

func (s *Store) writeAtomic(target string, b *Breaker) error {
	data, err := json.MarshalIndent(b, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal breaker: %w", err)
	}
	dst := s.path(target)
	tmp := dst + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write temp breaker: %w", err)
	}
	if err := os.Rename(tmp, dst); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("rename breaker: %w", err)
	}
	return nil
}

func (s *Store) invalidate(target string) {
	s.mu.Lock()
	delete(s.cache, target)
	s.mu.Unlock()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
