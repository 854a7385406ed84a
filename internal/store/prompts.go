package store

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"
)

// Prompt is one stored system prompt.
type Prompt struct {
	Name     string
	Content  string
	Hash     string
	PushedBy string
	PushedAt time.Time
	Active   bool
}

// PromptHash returns the 16-char hex prefix of the SHA-256 of content. Every
// classification records the hash of the prompt that produced it.
func PromptHash(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])[:16]
}

// UpsertPrompt stores a prompt under name, recomputing its hash and marking
// it active. pushedBy records who loaded it (a validated prefix, or a
// literal like "builtin").
func (s *Store) UpsertPrompt(name, content, pushedBy string) (*Prompt, error) {
	p := &Prompt{
		Name:     name,
		Content:  content,
		Hash:     PromptHash(content),
		PushedBy: pushedBy,
		PushedAt: time.Now().UTC(),
		Active:   true,
	}
	_, err := s.db.Exec(`
		INSERT INTO thrall_prompts (name, content, hash, pushed_by, pushed_at, active)
		VALUES (?, ?, ?, ?, ?, 1)
		ON CONFLICT (name) DO UPDATE SET
			content = excluded.content,
			hash = excluded.hash,
			pushed_by = excluded.pushed_by,
			pushed_at = excluded.pushed_at,
			active = 1`,
		p.Name, p.Content, p.Hash, p.PushedBy, p.PushedAt.Unix(),
	)
	if err != nil {
		return nil, fmt.Errorf("upsert prompt: %w", err)
	}
	return p, nil
}

// EnsureDefaultPrompt inserts a prompt only if no row with that name exists,
// so a fresh database classifies out of the box without clobbering an
// operator override.
func (s *Store) EnsureDefaultPrompt(name, content string) error {
	_, err := s.db.Exec(`
		INSERT OR IGNORE INTO thrall_prompts (name, content, hash, pushed_by, pushed_at, active)
		VALUES (?, ?, ?, 'builtin', ?, 1)`,
		name, content, PromptHash(content), time.Now().Unix(),
	)
	if err != nil {
		return fmt.Errorf("ensure default prompt: %w", err)
	}
	return nil
}

// GetPrompt loads one prompt by name.
func (s *Store) GetPrompt(name string) (*Prompt, error) {
	row := s.db.QueryRow(
		"SELECT name, content, hash, pushed_by, pushed_at, active FROM thrall_prompts WHERE name = ?",
		name,
	)
	var p Prompt
	var pushedAt int64
	var active int
	err := row.Scan(&p.Name, &p.Content, &p.Hash, &p.PushedBy, &pushedAt, &active)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt: %w", err)
	}
	p.PushedAt = time.Unix(pushedAt, 0).UTC()
	p.Active = active != 0
	return &p, nil
}

// ListPrompts returns all prompts ordered by name.
func (s *Store) ListPrompts() ([]*Prompt, error) {
	rows, err := s.db.Query(
		"SELECT name, content, hash, pushed_by, pushed_at, active FROM thrall_prompts ORDER BY name",
	)
	if err != nil {
		return nil, fmt.Errorf("list prompts: %w", err)
	}
	defer rows.Close()

	var out []*Prompt
	for rows.Next() {
		var p Prompt
		var pushedAt int64
		var active int
		if err := rows.Scan(&p.Name, &p.Content, &p.Hash, &p.PushedBy, &pushedAt, &active); err != nil {
			return nil, err
		}
		p.PushedAt = time.Unix(pushedAt, 0).UTC()
		p.Active = active != 0
		out = append(out, &p)
	}
	return out, rows.Err()
}
