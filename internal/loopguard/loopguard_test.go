package loopguard

import (
	"fmt"
	"testing"
	"time"
)

const sender = "6f5185865618575f0000aabbccdd0011"

func newTestGuard() *Guard {
	return New(Config{Threshold: 2, ThresholdSessionless: 5})
}

func TestLoopFiresOnThresholdPlusOne(t *testing.T) {
	g := newTestGuard()

	// Threshold 2: first two wakes pass, the third trips.
	if hit := g.CheckWake(sender, "sess-A"); hit != nil {
		t.Fatalf("wake 1 tripped: %+v", hit)
	}
	if hit := g.CheckWake(sender, "sess-A"); hit != nil {
		t.Fatalf("wake 2 tripped: %+v", hit)
	}
	hit := g.CheckWake(sender, "sess-A")
	if hit == nil {
		t.Fatal("wake 3 did not trip")
	}
	if hit.Count != 3 || hit.Threshold != 2 || hit.Solicited {
		t.Errorf("hit = %+v", hit)
	}
}

func TestSessionlessThreshold(t *testing.T) {
	g := newTestGuard()

	for i := 0; i < 5; i++ {
		if hit := g.CheckWake(sender, "resp:6f5185865618575f"); hit != nil {
			t.Fatalf("wake %d tripped: %+v", i+1, hit)
		}
	}
	if hit := g.CheckWake(sender, "resp:6f5185865618575f"); hit == nil {
		t.Fatal("wake 6 did not trip sessionless threshold")
	}

	// Empty session uses the same bucket.
	g2 := newTestGuard()
	for i := 0; i < 5; i++ {
		if hit := g2.CheckWake(sender, ""); hit != nil {
			t.Fatalf("wake %d tripped: %+v", i+1, hit)
		}
	}
	if hit := g2.CheckWake(sender, ""); hit == nil {
		t.Fatal("wake 6 with empty session did not trip")
	}
}

func TestSolicitedDoublesThreshold(t *testing.T) {
	g := newTestGuard()
	g.RecordSend(sender, "sess-A")

	// Effective threshold 4: wakes 1-4 pass, the fifth trips.
	for i := 0; i < 4; i++ {
		if hit := g.CheckWake(sender, "sess-A"); hit != nil {
			t.Fatalf("solicited wake %d tripped: %+v", i+1, hit)
		}
	}
	hit := g.CheckWake(sender, "sess-A")
	if hit == nil {
		t.Fatal("solicited wake 5 did not trip")
	}
	if !hit.Solicited || hit.Threshold != 4 {
		t.Errorf("hit = %+v", hit)
	}
}

func TestSolicitedExpiresAfterWindow(t *testing.T) {
	g := newTestGuard()
	base := time.Now()
	g.now = func() time.Time { return base }
	g.RecordSend(sender, "sess-A")

	g.now = func() time.Time { return base.Add(time.Hour - time.Second) }
	if !g.IsSolicited(sender, "sess-A") {
		t.Error("send 59m59s ago should still be solicited")
	}

	g.now = func() time.Time { return base.Add(time.Hour + time.Second) }
	if g.IsSolicited(sender, "sess-A") {
		t.Error("send 60m01s ago should no longer be solicited")
	}
}

func TestSolicitedRequiresSameSession(t *testing.T) {
	g := newTestGuard()
	g.RecordSend(sender, "sess-A")
	if g.IsSolicited(sender, "sess-B") {
		t.Error("different session reported solicited")
	}
}

func TestWindowPrunesOldEntries(t *testing.T) {
	g := newTestGuard()
	base := time.Now()
	g.now = func() time.Time { return base }

	g.CheckWake(sender, "sess-A")
	g.CheckWake(sender, "sess-A")

	// Both entries age out of the 30-minute window.
	g.now = func() time.Time { return base.Add(31 * time.Minute) }
	if hit := g.CheckWake(sender, "sess-A"); hit != nil {
		t.Fatalf("wake after window tripped: %+v", hit)
	}
	if hit := g.CheckWake(sender, "sess-A"); hit != nil {
		t.Fatalf("second wake after window tripped: %+v", hit)
	}
	if hit := g.CheckWake(sender, "sess-A"); hit == nil {
		t.Fatal("third wake after window did not trip")
	}
}

func TestSessionsCountSeparately(t *testing.T) {
	g := newTestGuard()
	g.CheckWake(sender, "sess-A")
	g.CheckWake(sender, "sess-A")
	if hit := g.CheckWake(sender, "sess-B"); hit != nil {
		t.Fatalf("fresh session tripped: %+v", hit)
	}
}

func TestCounterEviction(t *testing.T) {
	g := New(Config{Threshold: 2, ThresholdSessionless: 5, MaxEntries: 100})

	for i := 0; i < 300; i++ {
		node := fmt.Sprintf("%016x", i)
		g.CheckWake(node+"0000", "sess-X")
	}
	if got := g.counters.len(); got > 100 {
		t.Errorf("counter entries = %d, want <= 100", got)
	}
}

func TestLRUEvictsOldest(t *testing.T) {
	m := newLRUMap(2)
	m.put("a", 1)
	m.put("b", 2)
	m.get("a") // refresh a
	m.put("c", 3)

	if _, ok := m.get("b"); ok {
		t.Error("b should have been evicted")
	}
	if _, ok := m.get("a"); !ok {
		t.Error("a should have survived (recently used)")
	}
	if _, ok := m.get("c"); !ok {
		t.Error("c should be present")
	}
}
