package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"accessgate.org/internal/ratelimit"
)

// ThreatStore implements ratelimit.ThreatStore. A null banned_until is a
// permanent ban.
type ThreatStore struct {
	db *sql.DB
}

var _ ratelimit.ThreatStore = (*ThreatStore)(nil)

func NewThreatStore(db *sql.DB) *ThreatStore { return &ThreatStore{db: db} }

func (s *ThreatStore) SaveThreat(ctx context.Context, rec ratelimit.ThreatRecord) error {
	if rec.ID == "" {
		return errors.New("pg: threat record without id")
	}
	types, err := json.Marshal(rec.Types)
	if err != nil {
		return fmt.Errorf("pg: encode threat types: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		insert into threat_records(id, ip, user_id, types, severity, confidence, detected_at, banned_until, resolved, resolved_at)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)
		on conflict (id) do update set
			banned_until = excluded.banned_until,
			resolved = excluded.resolved,
			resolved_at = excluded.resolved_at
	`, rec.ID, rec.IP, rec.UserID, types, rec.Severity, rec.Confidence, rec.DetectedAt.UTC(),
		nullTime(rec.BannedUntil), rec.Resolved, nullTime(rec.ResolvedAt))
	return err
}

func (s *ThreatStore) ListActiveThreats(ctx context.Context) ([]ratelimit.ThreatRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, ip, user_id, types, severity, confidence, detected_at, banned_until
		from threat_records
		where not resolved
		order by detected_at asc
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ratelimit.ThreatRecord
	for rows.Next() {
		var (
			rec    ratelimit.ThreatRecord
			types  []byte
			banned sql.NullTime
		)
		if err := rows.Scan(&rec.ID, &rec.IP, &rec.UserID, &types, &rec.Severity, &rec.Confidence, &rec.DetectedAt, &banned); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(types, &rec.Types); err != nil {
			return nil, fmt.Errorf("pg: decode threat types of %s: %w", rec.ID, err)
		}
		rec.DetectedAt = rec.DetectedAt.UTC()
		rec.BannedUntil = timeOf(banned)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func (s *ThreatStore) ResolveThreat(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx, `
		update threat_records set resolved = true, resolved_at = $2
		where id = $1
	`, id, at.UTC())
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ratelimit.ErrThreatNotFound
	}
	return nil
}
