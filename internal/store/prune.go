package store

import (
	"fmt"
	"time"
)

// PruneResult reports how many rows each table lost.
type PruneResult struct {
	Journal int64
	Context int64
	Flags   int64
}

// Prune deletes journal rows past their TTL and expired context rows and
// flags. The engine calls this from the tick path at most once per prune
// interval.
func (s *Store) Prune(now time.Time) (PruneResult, error) {
	var out PruneResult
	unix := now.Unix()

	res, err := s.db.Exec("DELETE FROM thrall_journal WHERE ttl_expires < ?", unix)
	if err != nil {
		return out, fmt.Errorf("prune journal: %w", err)
	}
	out.Journal, _ = res.RowsAffected()

	res, err = s.db.Exec("DELETE FROM thrall_context WHERE expires_at IS NOT NULL AND expires_at < ?", unix)
	if err != nil {
		return out, fmt.Errorf("prune context: %w", err)
	}
	out.Context, _ = res.RowsAffected()

	res, err = s.db.Exec("DELETE FROM thrall_flags WHERE expires_at IS NOT NULL AND expires_at < ?", unix)
	if err != nil {
		return out, fmt.Errorf("prune flags: %w", err)
	}
	out.Flags, _ = res.RowsAffected()

	return out, nil
}
