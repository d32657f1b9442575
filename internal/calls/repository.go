package calls

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: Store assumes a calls table keyed by call_id, with ended_at NULL
// until the first end-of-call report is accepted.

var (
	ErrNotFound     = errors.New("calls: not found")
	ErrInvalidInput = errors.New("calls: invalid input")
)

// Store persists call records in Postgres.
type Store struct {
	db *sql.DB
}

func NewStore(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Create(ctx context.Context, c Call) error {
	if c.CallID == "" || c.UserID == "" || c.TherapistID == "" || !c.Kind.Valid() {
		return ErrInvalidInput
	}
	const q = `
INSERT INTO calls (
  call_id, room_id, session_id, user_id, therapist_id, kind, status, created_at, updated_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$8
)
`
	_, err := s.db.ExecContext(ctx, q,
		c.CallID,
		c.RoomID,
		c.SessionID,
		c.UserID,
		c.TherapistID,
		c.Kind,
		c.Status,
		c.CreatedAt,
	)
	return err
}

func (s *Store) Get(ctx context.Context, callID string) (Call, error) {
	const q = `
SELECT call_id, room_id, session_id, user_id, therapist_id, kind, status,
       duration, duration_minutes, cost_in_coins, earnings_minor, ended_by, ended_at,
       created_at, updated_at
FROM calls
WHERE call_id = $1
`
	var (
		c       Call
		endedBy sql.NullString
		endedAt sql.NullTime
	)
	if err := s.db.QueryRowContext(ctx, q, callID).Scan(
		&c.CallID,
		&c.RoomID,
		&c.SessionID,
		&c.UserID,
		&c.TherapistID,
		&c.Kind,
		&c.Status,
		&c.DurationSeconds,
		&c.DurationMinutes,
		&c.CostInCoins,
		&c.EarningsMinor,
		&endedBy,
		&endedAt,
		&c.CreatedAt,
		&c.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Call{}, ErrNotFound
		}
		return Call{}, err
	}
	c.EndedBy = endedBy.String
	if endedAt.Valid {
		t := endedAt.Time
		c.EndedAt = &t
	}
	return c, nil
}

// MarkEnded records the outcome of a call. Only the first report is applied;
// it returns false when the call had already ended.
func (s *Store) MarkEnded(ctx context.Context, c Call, now time.Time) (bool, error) {
	if c.CallID == "" {
		return false, ErrInvalidInput
	}
	const q = `
UPDATE calls
SET status = $2, duration = $3, duration_minutes = $4, cost_in_coins = $5,
    earnings_minor = $6, ended_by = $7, ended_at = $8, updated_at = $8
WHERE call_id = $1 AND ended_at IS NULL
`
	res, err := s.db.ExecContext(ctx, q,
		c.CallID,
		c.Status,
		c.DurationSeconds,
		c.DurationMinutes,
		c.CostInCoins,
		c.EarningsMinor,
		c.EndedBy,
		now,
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}
