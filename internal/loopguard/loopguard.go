// Package loopguard detects reply loops between nodes. It keeps bounded
// in-memory counters of recent wakes per (session, sender) and an LRU set of
// outbound sends so that replies we solicited get a doubled threshold. All
// state lives on the engine's coordination goroutine; nothing here locks.
package loopguard

import (
	"container/list"
	"fmt"
	"time"

	"github.com/knarrhq/thrall/internal/envelope"
)

// Defaults mirror the configuration surface.
const (
	DefaultThreshold            = 2
	DefaultThresholdSessionless = 5
	DefaultMaxEntries           = 10_000
	DefaultReplyWindow          = 30 * time.Minute
	DefaultSolicitedWindow      = time.Hour
)

// Config tunes the guard. Zero values take the defaults.
type Config struct {
	Threshold            int
	ThresholdSessionless int
	MaxEntries           int
	ReplyWindow          time.Duration
	SolicitedWindow      time.Duration
}

// Hit describes a detected loop.
type Hit struct {
	Count     int
	Threshold int
	Solicited bool
	Reason    string
}

// Guard tracks wake timestamps and solicited sends.
type Guard struct {
	cfg       Config
	counters  *lruMap // (sessionKey, prefix) -> []time.Time
	solicited *lruMap // (prefix, sessionID) -> time.Time
	now       func() time.Time
}

// New creates a Guard with cfg, filling in defaults for zero fields.
func New(cfg Config) *Guard {
	if cfg.Threshold <= 0 {
		cfg.Threshold = DefaultThreshold
	}
	if cfg.ThresholdSessionless <= 0 {
		cfg.ThresholdSessionless = DefaultThresholdSessionless
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = DefaultMaxEntries
	}
	if cfg.ReplyWindow <= 0 {
		cfg.ReplyWindow = DefaultReplyWindow
	}
	if cfg.SolicitedWindow <= 0 {
		cfg.SolicitedWindow = DefaultSolicitedWindow
	}
	return &Guard{
		cfg:       cfg,
		counters:  newLRUMap(cfg.MaxEntries),
		solicited: newLRUMap(cfg.MaxEntries),
		now:       time.Now,
	}
}

// RecordSend marks an outbound message so the recipient's replies in that
// session count as solicited. The responder must call this on every send or
// the exemption never applies.
func (g *Guard) RecordSend(toNode, sessionID string) {
	key := envelope.SanitizePrefix(toNode) + "\x00" + sessionID
	g.solicited.put(key, g.now())
}

// IsSolicited reports whether we sent to this node in this session within
// the solicited window.
func (g *Guard) IsSolicited(fromNode, sessionID string) bool {
	key := envelope.SanitizePrefix(fromNode) + "\x00" + sessionID
	v, ok := g.solicited.get(key)
	if !ok {
		return false
	}
	return g.now().Sub(v.(time.Time)) <= g.cfg.SolicitedWindow
}

// CheckWake records one wake-worthy event for the sender and reports whether
// that event crossed the loop threshold. Sessions starting "resp:" are
// auto-generated and share the sender's sessionless bucket. The threshold
// fires on the (threshold+1)-th event inside the window.
func (g *Guard) CheckWake(fromNode, sessionID string) *Hit {
	prefix := envelope.SanitizePrefix(fromNode)

	var key string
	threshold := g.cfg.ThresholdSessionless
	bucket := "default"
	if sessionID != "" && !isAutoSession(sessionID) {
		bucket = sessionID
		threshold = g.cfg.Threshold
	}
	key = bucket + "\x00" + prefix

	now := g.now()
	var window []time.Time
	if v, ok := g.counters.get(key); ok {
		for _, t := range v.([]time.Time) {
			if now.Sub(t) < g.cfg.ReplyWindow {
				window = append(window, t)
			}
		}
	}
	window = append(window, now)
	g.counters.put(key, window)

	solicited := g.IsSolicited(fromNode, sessionID)
	effective := threshold
	if solicited {
		effective = threshold * 2
	}

	if len(window) > effective {
		return &Hit{
			Count:     len(window),
			Threshold: effective,
			Solicited: solicited,
			Reason: fmt.Sprintf("loop detected: %d replies from %s in session '%s' (threshold: %d, solicited: %v)",
				len(window), prefix, bucket, effective, solicited),
		}
	}
	return nil
}

func isAutoSession(sessionID string) bool {
	return len(sessionID) >= 5 && sessionID[:5] == "resp:"
}

// lruMap is a bounded map with least-recently-used eviction. Touching a key
// on get or put moves it to the back of the eviction order.
type lruMap struct {
	max   int
	order *list.List
	items map[string]*list.Element
}

type lruEntry struct {
	key string
	val any
}

func newLRUMap(max int) *lruMap {
	return &lruMap{max: max, order: list.New(), items: make(map[string]*list.Element)}
}

func (m *lruMap) get(key string) (any, bool) {
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	m.order.MoveToBack(el)
	return el.Value.(*lruEntry).val, true
}

func (m *lruMap) put(key string, val any) {
	if el, ok := m.items[key]; ok {
		el.Value.(*lruEntry).val = val
		m.order.MoveToBack(el)
		return
	}
	m.items[key] = m.order.PushBack(&lruEntry{key: key, val: val})
	for len(m.items) > m.max {
		front := m.order.Front()
		m.order.Remove(front)
		delete(m.items, front.Value.(*lruEntry).key)
	}
}

func (m *lruMap) len() int { return len(m.items) }
