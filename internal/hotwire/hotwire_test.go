package hotwire

import (
	"testing"
	"time"

	"github.com/knarrhq/thrall/internal/envelope"
)

func mail(t *testing.T, body string) *envelope.Envelope {
	t.Helper()
	e, err := envelope.NewMail("text", "ad8d21d81a497993aabb", "self", body, "s1", 0, time.Now())
	if err != nil {
		t.Fatalf("NewMail: %v", err)
	}
	return e
}

func TestEvaluateFirstMatchWins(t *testing.T) {
	set, err := Compile("spamwall", []RuleSpec{
		{Field: "body_text", Pattern: `(?i)unsubscribe`, Action: "drop", Reason: "list spam"},
		{Field: "body_text", Pattern: `(?i)urgent`, Action: "wake", Reason: "flagged urgent"},
		{Field: "msg_type", Pattern: `^system$`, Action: "wake"},
	}, "pass")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}

	tests := []struct {
		body       string
		wantAction string
		wantReason string
	}{
		{"URGENT: please unsubscribe me", "drop", "list spam"},
		{"urgent: node down", "wake", "flagged urgent"},
		{"nothing special", "pass", "no hotwire rule matched"},
	}

	for _, tt := range tests {
		got := set.Evaluate(mail(t, tt.body))
		if got["action"] != tt.wantAction {
			t.Errorf("Evaluate(%q) action = %v, want %q", tt.body, got["action"], tt.wantAction)
		}
		if got["reason"] != tt.wantReason {
			t.Errorf("Evaluate(%q) reason = %v, want %q", tt.body, got["reason"], tt.wantReason)
		}
	}
}

func TestEvaluateUnknownFieldSkipsRule(t *testing.T) {
	set, err := Compile("x", []RuleSpec{
		{Field: "no_such_field", Pattern: `.*`, Action: "drop"},
		{Field: "body_text", Pattern: `ping`, Action: "reply", Reason: "ping"},
	}, "pass")
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	got := set.Evaluate(mail(t, "ping"))
	if got["action"] != "reply" {
		t.Errorf("action = %v, want reply (unknown-field rule must be skipped)", got["action"])
	}
}

func TestCompileErrors(t *testing.T) {
	tests := []struct {
		name  string
		specs []RuleSpec
	}{
		{"bad regex", []RuleSpec{{Field: "body_text", Pattern: `([`, Action: "drop"}}},
		{"missing field", []RuleSpec{{Pattern: `x`, Action: "drop"}}},
		{"missing action", []RuleSpec{{Field: "body_text", Pattern: `x`}}},
	}
	for _, tt := range tests {
		if _, err := Compile("bad", tt.specs, "pass"); err == nil {
			t.Errorf("%s: Compile accepted invalid spec", tt.name)
		}
	}
}

func BenchmarkEvaluate(b *testing.B) {
	set, err := Compile("bench", []RuleSpec{
		{Field: "body_text", Pattern: `(?i)unsubscribe`, Action: "drop"},
		{Field: "body_text", Pattern: `(?i)wire transfer`, Action: "drop"},
		{Field: "body_text", Pattern: `(?i)status`, Action: "reply"},
	}, "pass")
	if err != nil {
		b.Fatalf("Compile: %v", err)
	}
	e, _ := envelope.NewMail("text", "ad8d21d81a497993aabb", "self", "what is the current status of the digest job?", "s1", 0, time.Now())
	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		set.Evaluate(e)
	}
}
