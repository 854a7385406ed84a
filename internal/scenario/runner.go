package scenario

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/knarrhq/thrall/internal/engine"
	"github.com/knarrhq/thrall/internal/envelope"
)

// Runner pushes one envelope through the pipeline as a dry run. The engine
// satisfies it.
type Runner interface {
	DryRun(ctx context.Context, e *envelope.Envelope, pipeline string) (*engine.ReplayResult, error)
}

// Run evaluates all cases in a scenario against a live runner. Cases are
// independent; unless a case pins a session id, each gets a generated one
// so cooldown flags and stitched context from production sessions cannot
// leak into the outcome.
func Run(ctx context.Context, s *Scenario, r Runner) *RunResult {
	result := &RunResult{
		Name:  s.Name,
		Total: len(s.Cases),
	}

	for i, c := range s.Cases {
		cr := runCase(ctx, r, c, i)
		if cr.Passed {
			result.Passed++
		} else {
			result.Failed++
		}
		result.Cases = append(result.Cases, cr)
	}

	return result
}

func runCase(ctx context.Context, r Runner, c Case, i int) CaseResult {
	cr := CaseResult{
		Index:    i + 1,
		Name:     c.Name,
		Expected: c.Expect.describe(),
	}

	session := c.Envelope.Session
	if session == "" {
		session = "scenario:" + uuid.New().String()
	}
	env, err := envelope.NewMail(c.Envelope.MsgType, c.Envelope.From, c.Envelope.To,
		c.Envelope.Body, session, 0, time.Now())
	if err != nil {
		cr.Actual = "envelope: " + err.Error()
		return cr
	}

	res, err := r.DryRun(ctx, env, c.Pipeline)
	if err != nil {
		cr.Actual = "dry run: " + err.Error()
		return cr
	}

	cr.Actual = describeResult(res)
	cr.Reason = reasonOf(res)
	cr.Passed = c.Expect.match(res)
	return cr
}

// match reports whether every set expectation holds. Action and eval type
// compare case-insensitively; reason is a substring match.
func (e Expect) match(res *engine.ReplayResult) bool {
	if !res.Matched {
		return e.Action == "" && e.EvalType == "" && e.ReasonContains == ""
	}
	if e.Action != "" && !strings.EqualFold(e.Action, res.ActionName) {
		return false
	}
	if e.EvalType != "" && !strings.EqualFold(e.EvalType, res.EvalType) {
		return false
	}
	if e.ReasonContains != "" &&
		!strings.Contains(strings.ToLower(reasonOf(res)), strings.ToLower(e.ReasonContains)) {
		return false
	}
	return true
}

func (e Expect) describe() string {
	parts := make([]string, 0, 3)
	if e.Action != "" {
		parts = append(parts, "action="+e.Action)
	}
	if e.EvalType != "" {
		parts = append(parts, "eval_type="+e.EvalType)
	}
	if e.ReasonContains != "" {
		parts = append(parts, fmt.Sprintf("reason~%q", e.ReasonContains))
	}
	if len(parts) == 0 {
		return "(anything)"
	}
	return strings.Join(parts, " ")
}

func describeResult(res *engine.ReplayResult) string {
	if !res.Matched {
		return "no recipe matched"
	}
	reason := reasonOf(res)
	if len(reason) > 80 {
		reason = reason[:77] + "..."
	}
	return fmt.Sprintf("action=%s eval_type=%s reason=%q", res.ActionName, res.EvalType, reason)
}

func reasonOf(res *engine.ReplayResult) string {
	s, _ := res.Result["reason"].(string)
	return s
}

// Parse decodes one scenario document.
func Parse(data []byte) (*Scenario, error) {
	var s Scenario
	if err := yaml.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	return &s, nil
}

// LoadAndRun loads a scenario YAML file and runs it.
func LoadAndRun(ctx context.Context, path string, r Runner) (*RunResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read scenario %s: %w", path, err)
	}
	s, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("parse scenario %s: %w", path, err)
	}
	result := Run(ctx, s, r)
	result.File = path
	return result, nil
}
