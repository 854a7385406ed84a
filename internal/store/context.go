package store

import (
	"fmt"
	"time"
)

// SetContext upserts one context value for a session. A nil expiry means the
// row lives until cleared or pruned by hand.
func (s *Store) SetContext(sessionID, key, value string, expiresAt *time.Time) error {
	var exp any
	if expiresAt != nil {
		exp = expiresAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO thrall_context (session_id, key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (session_id, key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		sessionID, key, value, time.Now().Unix(), exp,
	)
	if err != nil {
		return fmt.Errorf("set context: %w", err)
	}
	return nil
}

// GetContext returns all unexpired context rows for a session as a map.
func (s *Store) GetContext(sessionID string) (map[string]string, error) {
	rows, err := s.db.Query(`
		SELECT key, value FROM thrall_context
		WHERE session_id = ? AND (expires_at IS NULL OR expires_at > ?)`,
		sessionID, time.Now().Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("get context: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, err
		}
		out[k] = v
	}
	return out, rows.Err()
}

// ClearContext deletes all context rows for a session.
func (s *Store) ClearContext(sessionID string) error {
	if _, err := s.db.Exec("DELETE FROM thrall_context WHERE session_id = ?", sessionID); err != nil {
		return fmt.Errorf("clear context: %w", err)
	}
	return nil
}
