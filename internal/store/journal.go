package store

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	"github.com/knarrhq/thrall/internal/envelope"
)

// Review verdicts for journal rows.
const (
	ReviewedUnset    = -1
	ReviewedPending  = 0
	ReviewedApproved = 1
)

// JournalRow is one persisted pipeline execution trace.
type JournalRow struct {
	ID              int64
	TS              time.Time
	Pipeline        string
	SessionID       string
	EnvelopeJSON    string
	FilterJSON      string
	EvalType        string
	EvalResultJSON  string
	ActionName      string
	ActionTraceJSON string
	WallMS          int64
	Mode            string
	Reviewed        int
	CorrectionJSON  string
	TTLExpires      time.Time
}

// AppendJournal inserts one row and returns its id. Each insert commits
// immediately; the journal is the audit trail.
func (s *Store) AppendJournal(r *JournalRow) (int64, error) {
	res, err := s.db.Exec(`
		INSERT INTO thrall_journal
			(ts, pipeline, session_id, envelope_json, filter_json, eval_type,
			 eval_result_json, action_name, action_trace_json, wall_ms, mode,
			 reviewed, correction_json, ttl_expires)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.TS.Unix(), r.Pipeline, r.SessionID,
		orDefault(r.EnvelopeJSON, "{}"), orDefault(r.FilterJSON, "{}"), orDefault(r.EvalType, "skip"),
		orDefault(r.EvalResultJSON, "{}"), r.ActionName, orDefault(r.ActionTraceJSON, "[]"),
		r.WallMS, r.Mode, r.Reviewed, nullIfEmpty(r.CorrectionJSON), r.TTLExpires.Unix(),
	)
	if err != nil {
		return 0, fmt.Errorf("append journal: %w", err)
	}
	return res.LastInsertId()
}

// GetJournal loads one row by id.
func (s *Store) GetJournal(id int64) (*JournalRow, error) {
	row := s.db.QueryRow(`
		SELECT id, ts, pipeline, session_id, envelope_json, filter_json, eval_type,
		       eval_result_json, action_name, action_trace_json, wall_ms, mode,
		       reviewed, correction_json, ttl_expires
		FROM thrall_journal WHERE id = ?`, id)
	return scanJournal(row)
}

// TailJournal returns the most recent rows, newest first. An empty pipeline
// matches all pipelines.
func (s *Store) TailJournal(pipeline string, limit int) ([]*JournalRow, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
		SELECT id, ts, pipeline, session_id, envelope_json, filter_json, eval_type,
		       eval_result_json, action_name, action_trace_json, wall_ms, mode,
		       reviewed, correction_json, ttl_expires
		FROM thrall_journal`
	args := []any{}
	if pipeline != "" {
		query += " WHERE pipeline = ?"
		args = append(args, pipeline)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("tail journal: %w", err)
	}
	defer rows.Close()

	var out []*JournalRow
	for rows.Next() {
		r, err := scanJournal(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// Review stamps a row's reviewed verdict and optional correction payload.
func (s *Store) Review(id int64, verdict int, correctionJSON string) error {
	res, err := s.db.Exec(
		"UPDATE thrall_journal SET reviewed = ?, correction_json = ? WHERE id = ?",
		verdict, nullIfEmpty(correctionJSON), id,
	)
	if err != nil {
		return fmt.Errorf("review journal row: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// LastField resolves {{journal.last(pipeline='X').field}} template lookups.
// Only whitelisted fields resolve; the field name never reaches SQL.
func (s *Store) LastField(pipeline, field string) (string, bool) {
	r, err := s.lastRow(pipeline)
	if err != nil {
		return "", false
	}
	switch field {
	case "id":
		return strconv.FormatInt(r.ID, 10), true
	case "ts":
		return r.TS.UTC().Format(time.RFC3339), true
	case "session_id":
		return r.SessionID, true
	case "eval_type":
		return r.EvalType, true
	case "eval_result":
		return r.EvalResultJSON, true
	case "action_name":
		return r.ActionName, true
	case "wall_ms":
		return strconv.FormatInt(r.WallMS, 10), true
	case "mode":
		return r.Mode, true
	}
	return "", false
}

func (s *Store) lastRow(pipeline string) (*JournalRow, error) {
	row := s.db.QueryRow(`
		SELECT id, ts, pipeline, session_id, envelope_json, filter_json, eval_type,
		       eval_result_json, action_name, action_trace_json, wall_ms, mode,
		       reviewed, correction_json, ttl_expires
		FROM thrall_journal WHERE pipeline = ? ORDER BY id DESC LIMIT 1`, pipeline)
	return scanJournal(row)
}

// DropsSince counts dropped classifications from a sender prefix after the
// cutoff. Exact prefix comparison via substr, never LIKE, so a hostile id
// cannot smuggle wildcards.
func (s *Store) DropsSince(prefix string, since time.Time) (int, error) {
	if !envelope.ValidPrefix(prefix) {
		return 0, nil
	}
	var n int
	err := s.db.QueryRow(`
		SELECT COUNT(*) FROM thrall_classifications
		WHERE substr(from_node, 1, 16) = ? AND action = 'drop' AND created_at > ?`,
		prefix, since.Unix(),
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count drops: %w", err)
	}
	return n, nil
}

// Classification is one row of the legacy classifications view.
type Classification struct {
	ID         int64
	MessageID  string
	FromNode   string
	Tier       string
	Action     string
	Reasoning  string
	PromptHash string
	WallMS     int64
	SessionID  string
	CreatedAt  time.Time
}

// RecentClassifications returns the newest classification rows for a sender
// prefix, newest first.
func (s *Store) RecentClassifications(prefix string, limit int) ([]*Classification, error) {
	if !envelope.ValidPrefix(prefix) {
		return nil, nil
	}
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.Query(`
		SELECT id, COALESCE(message_id, ''), COALESCE(from_node, ''), COALESCE(tier, ''),
		       action, COALESCE(reasoning, ''), COALESCE(prompt_hash, ''), wall_ms,
		       COALESCE(session_id, ''), created_at
		FROM thrall_classifications
		WHERE substr(from_node, 1, 16) = ?
		ORDER BY id DESC LIMIT ?`, prefix, limit)
	if err != nil {
		return nil, fmt.Errorf("recent classifications: %w", err)
	}
	defer rows.Close()

	var out []*Classification
	for rows.Next() {
		var c Classification
		var created int64
		if err := rows.Scan(&c.ID, &c.MessageID, &c.FromNode, &c.Tier, &c.Action,
			&c.Reasoning, &c.PromptHash, &c.WallMS, &c.SessionID, &created); err != nil {
			return nil, err
		}
		c.CreatedAt = time.Unix(created, 0).UTC()
		out = append(out, &c)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJournal(row rowScanner) (*JournalRow, error) {
	var r JournalRow
	var ts, ttl int64
	var sessionID, correction sql.NullString
	err := row.Scan(&r.ID, &ts, &r.Pipeline, &sessionID, &r.EnvelopeJSON, &r.FilterJSON,
		&r.EvalType, &r.EvalResultJSON, &r.ActionName, &r.ActionTraceJSON, &r.WallMS,
		&r.Mode, &r.Reviewed, &correction, &ttl)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan journal row: %w", err)
	}
	r.TS = time.Unix(ts, 0).UTC()
	r.TTLExpires = time.Unix(ttl, 0).UTC()
	r.SessionID = sessionID.String
	r.CorrectionJSON = correction.String
	return &r, nil
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func nullIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
