package store

import (
	"database/sql"
	"fmt"
	"time"
)

// SetFlag upserts a flag marker. Flags back cooldowns and alert dedup; a nil
// expiry makes the flag permanent until the pruner is told otherwise.
func (s *Store) SetFlag(key, value string, expiresAt *time.Time) error {
	var exp any
	if expiresAt != nil {
		exp = expiresAt.Unix()
	}
	_, err := s.db.Exec(`
		INSERT INTO thrall_flags (key, value, created_at, expires_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT (key) DO UPDATE SET
			value = excluded.value,
			created_at = excluded.created_at,
			expires_at = excluded.expires_at`,
		key, value, time.Now().Unix(), exp,
	)
	if err != nil {
		return fmt.Errorf("set flag: %w", err)
	}
	return nil
}

// GetFlag returns a flag's value if it exists and has not expired.
func (s *Store) GetFlag(key string) (string, bool, error) {
	row := s.db.QueryRow(`
		SELECT value FROM thrall_flags
		WHERE key = ? AND (expires_at IS NULL OR expires_at > ?)`,
		key, time.Now().Unix(),
	)
	var v string
	err := row.Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get flag: %w", err)
	}
	return v, true, nil
}

// ClearFlag removes a flag. Missing keys are not an error.
func (s *Store) ClearFlag(key string) error {
	if _, err := s.db.Exec("DELETE FROM thrall_flags WHERE key = ?", key); err != nil {
		return fmt.Errorf("clear flag: %w", err)
	}
	return nil
}
