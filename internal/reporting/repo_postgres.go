package reporting

import (
	"context"
	"database/sql"
	"time"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/wallet"
)

// PostgresRepo reads the calls and wallet_ledger tables.
type PostgresRepo struct {
	db *sql.DB
}

func NewPostgresRepo(db *sql.DB) *PostgresRepo { return &PostgresRepo{db: db} }

func (r *PostgresRepo) ListCalls(ctx context.Context, participantID string, from, to time.Time) ([]calls.Call, error) {
	const q = `
SELECT call_id, room_id, user_id, therapist_id, kind, status,
       duration, duration_minutes, cost_in_coins, earnings_minor, created_at
FROM calls
WHERE (user_id = $1 OR therapist_id = $1)
  AND created_at >= $2 AND created_at < $3
ORDER BY created_at
`
	rows, err := r.db.QueryContext(ctx, q, participantID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []calls.Call
	for rows.Next() {
		var c calls.Call
		if err := rows.Scan(
			&c.CallID,
			&c.RoomID,
			&c.UserID,
			&c.TherapistID,
			&c.Kind,
			&c.Status,
			&c.DurationSeconds,
			&c.DurationMinutes,
			&c.CostInCoins,
			&c.EarningsMinor,
			&c.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *PostgresRepo) ListWalletLedger(ctx context.Context, ownerID string, from, to time.Time) ([]wallet.WalletLedger, error) {
	const q = `
SELECT l.id, l.wallet_id, l.type, l.amount_minor, l.external_ref, l.idempotency_key, l.created_at
FROM wallet_ledger l
JOIN wallets w ON w.id = l.wallet_id
WHERE w.owner_id = $1
  AND l.created_at >= $2 AND l.created_at < $3
ORDER BY l.created_at
`
	rows, err := r.db.QueryContext(ctx, q, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []wallet.WalletLedger
	for rows.Next() {
		var e wallet.WalletLedger
		if err := rows.Scan(
			&e.ID,
			&e.WalletID,
			&e.Type,
			&e.AmountMinor,
			&e.ExternalRef,
			&e.IdempotencyKey,
			&e.CreatedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
