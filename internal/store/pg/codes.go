package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"accessgate.org/internal/codes"
	"accessgate.org/internal/secret"
)

const codeColumns = `id, institution_id, code_type, status, security_level, code_hash, lookup_sig,
	created_at, updated_at, expires_at, usage_count, max_usage, failed_attempts, risk_score,
	created_by, status_reason, tightened_at, state, metadata`

// codeState is the JSON document holding the nested parts of a code.
type codeState struct {
	Risk    codes.RiskProfile    `json:"risk"`
	Usage   codes.UsagePattern   `json:"usage"`
	History []codes.AccessRecord `json:"history,omitempty"`
}

// CodeStore implements codes.Store. Metadata is sealed at rest with the code
// ID as additional data.
type CodeStore struct {
	db     *sql.DB
	sealer secret.Sealer
}

var _ codes.Store = (*CodeStore)(nil)

func NewCodeStore(db *sql.DB, sealer secret.Sealer) (*CodeStore, error) {
	if db == nil || sealer == nil {
		return nil, errors.New("pg: db and sealer are required")
	}
	return &CodeStore{db: db, sealer: sealer}, nil
}

func (s *CodeStore) Create(ctx context.Context, c codes.AccessCode) error {
	state, meta, err := s.encode(c)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
		insert into access_codes(`+codeColumns+`)
		values ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19)
	`, c.ID, c.InstitutionID, c.Type, string(c.Status), string(c.SecurityLevel), c.Hash, c.Signature,
		c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.ExpiresAt.UTC(), c.UsageCount, c.MaxUsage, c.FailedAttempts, c.RiskScore,
		c.CreatedBy, c.StatusReason, nullTime(c.TightenedAt), state, meta)
	if isUniqueViolation(err) {
		return codes.ErrDuplicate
	}
	return err
}

func (s *CodeStore) Get(ctx context.Context, id string) (codes.AccessCode, error) {
	row := s.db.QueryRowContext(ctx, `select `+codeColumns+` from access_codes where id = $1`, id)
	c, err := s.scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return codes.AccessCode{}, codes.ErrNotFound
	}
	return c, err
}

func (s *CodeStore) FindBySignature(ctx context.Context, sig string) ([]codes.AccessCode, error) {
	return s.query(ctx, `select `+codeColumns+` from access_codes where lookup_sig = $1 order by id`, sig)
}

// Update locks the row for the duration of fn.
func (s *CodeStore) Update(ctx context.Context, id string, fn func(*codes.AccessCode) error) (codes.AccessCode, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return codes.AccessCode{}, err
	}
	defer func() { _ = tx.Rollback() }()

	cur, err := s.scan(tx.QueryRowContext(ctx, `select `+codeColumns+` from access_codes where id = $1 for update`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return codes.AccessCode{}, codes.ErrNotFound
	}
	if err != nil {
		return codes.AccessCode{}, err
	}
	next := cur.Clone()
	if err := fn(&next); err != nil {
		return cur, err
	}
	next.ID, next.Signature, next.InstitutionID = cur.ID, cur.Signature, cur.InstitutionID

	state, meta, err := s.encode(next)
	if err != nil {
		return codes.AccessCode{}, err
	}
	if _, err := tx.ExecContext(ctx, `
		update access_codes set
			status = $2, updated_at = $3, expires_at = $4, usage_count = $5, max_usage = $6,
			failed_attempts = $7, risk_score = $8, status_reason = $9, tightened_at = $10,
			state = $11, metadata = $12
		where id = $1
	`, id, string(next.Status), next.UpdatedAt.UTC(), next.ExpiresAt.UTC(), next.UsageCount, next.MaxUsage,
		next.FailedAttempts, next.RiskScore, next.StatusReason, nullTime(next.TightenedAt), state, meta); err != nil {
		return codes.AccessCode{}, err
	}
	if err := tx.Commit(); err != nil {
		return codes.AccessCode{}, err
	}
	return next, nil
}

func (s *CodeStore) Delete(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `delete from access_codes where id = $1`, id)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return codes.ErrNotFound
	}
	return nil
}

func (s *CodeStore) List(ctx context.Context, institutionID string) ([]codes.AccessCode, error) {
	if institutionID == "" {
		return s.query(ctx, `select `+codeColumns+` from access_codes order by created_at, id`)
	}
	return s.query(ctx, `select `+codeColumns+` from access_codes where institution_id = $1 order by created_at, id`, institutionID)
}

func (s *CodeStore) query(ctx context.Context, q string, args ...any) ([]codes.AccessCode, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []codes.AccessCode
	for rows.Next() {
		c, err := s.scan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *CodeStore) encode(c codes.AccessCode) (state, meta []byte, err error) {
	state, err = json.Marshal(codeState{Risk: c.Risk, Usage: c.Usage, History: c.History})
	if err != nil {
		return nil, nil, fmt.Errorf("pg: encode state: %w", err)
	}
	if len(c.Metadata) == 0 {
		return state, nil, nil
	}
	plain, err := json.Marshal(c.Metadata)
	if err != nil {
		return nil, nil, fmt.Errorf("pg: encode metadata: %w", err)
	}
	meta, err = s.sealer.Seal(plain, []byte(c.ID))
	if err != nil {
		return nil, nil, fmt.Errorf("pg: seal metadata: %w", err)
	}
	return state, meta, nil
}

func (s *CodeStore) scan(row scanner) (codes.AccessCode, error) {
	var (
		c                     codes.AccessCode
		status, level         string
		tightened             sql.NullTime
		stateBytes, metaBytes []byte
	)
	if err := row.Scan(&c.ID, &c.InstitutionID, &c.Type, &status, &level, &c.Hash, &c.Signature,
		&c.CreatedAt, &c.UpdatedAt, &c.ExpiresAt, &c.UsageCount, &c.MaxUsage, &c.FailedAttempts, &c.RiskScore,
		&c.CreatedBy, &c.StatusReason, &tightened, &stateBytes, &metaBytes); err != nil {
		return codes.AccessCode{}, err
	}
	c.Status = codes.Status(status)
	c.SecurityLevel = codes.SecurityLevel(level)
	c.CreatedAt, c.UpdatedAt, c.ExpiresAt = c.CreatedAt.UTC(), c.UpdatedAt.UTC(), c.ExpiresAt.UTC()
	c.TightenedAt = timeOf(tightened)

	var st codeState
	if len(stateBytes) > 0 {
		if err := json.Unmarshal(stateBytes, &st); err != nil {
			return codes.AccessCode{}, fmt.Errorf("pg: decode state of %s: %w", c.ID, err)
		}
	}
	c.Risk, c.Usage, c.History = st.Risk, st.Usage, st.History

	if len(metaBytes) > 0 {
		plain, err := s.sealer.Open(metaBytes, []byte(c.ID))
		if err != nil {
			return codes.AccessCode{}, fmt.Errorf("pg: open metadata of %s: %w", c.ID, err)
		}
		if err := json.Unmarshal(plain, &c.Metadata); err != nil {
			return codes.AccessCode{}, fmt.Errorf("pg: decode metadata of %s: %w", c.ID, err)
		}
	}
	return c, nil
}
