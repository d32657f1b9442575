package wallet

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// NOTE: This repository assumes the following tables exist:
// - wallets (UNIQUE owner_id)
// - wallet_ledger (immutable append-only, UNIQUE (wallet_id, idempotency_key))
// - wallet_balances (projection keyed by wallet_id)
// - admin_wallet_actions

const walletColumns = `id, owner_id, owner_role, status, created_at, updated_at`

func scanWallet(row *sql.Row) (Wallet, error) {
	var w Wallet
	if err := row.Scan(
		&w.ID,
		&w.OwnerID,
		&w.OwnerRole,
		&w.Status,
		&w.CreatedAt,
		&w.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Wallet{}, ErrNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

// lockWalletByOwner locks the wallet row to serialize concurrent money
// operations per wallet.
func lockWalletByOwner(ctx context.Context, tx *sql.Tx, ownerID string) (Wallet, error) {
	const q = `SELECT ` + walletColumns + `
FROM wallets
WHERE owner_id = $1
FOR UPDATE
`
	return scanWallet(tx.QueryRowContext(ctx, q, ownerID))
}

// ensureWallet creates the owner's wallet on first use.
func ensureWallet(ctx context.Context, tx *sql.Tx, w Wallet) error {
	const q = `
INSERT INTO wallets (id, owner_id, owner_role, status, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$5)
ON CONFLICT (owner_id) DO NOTHING
`
	_, err := tx.ExecContext(ctx, q, w.ID, w.OwnerID, w.OwnerRole, w.Status, w.CreatedAt)
	return err
}

const balanceQuery = `
SELECT w.id, w.owner_id, COALESCE(b.balance_minor, 0), COALESCE(b.updated_at, w.updated_at)
FROM wallets w
LEFT JOIN wallet_balances b ON b.wallet_id = w.id
WHERE w.owner_id = $1
`

func scanBalance(row *sql.Row) (Balance, error) {
	var b Balance
	if err := row.Scan(
		&b.WalletID,
		&b.OwnerID,
		&b.BalanceMinor,
		&b.UpdatedAt,
	); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Balance{}, ErrNotFound
		}
		return Balance{}, err
	}
	return b, nil
}

func getBalance(ctx context.Context, db *sql.DB, ownerID string) (Balance, error) {
	return scanBalance(db.QueryRowContext(ctx, balanceQuery, ownerID))
}

func getBalanceTx(ctx context.Context, tx *sql.Tx, ownerID string) (Balance, error) {
	return scanBalance(tx.QueryRowContext(ctx, balanceQuery, ownerID))
}

func findLedgerByIdempotency(ctx context.Context, tx *sql.Tx, walletID, key string) (WalletLedger, bool, error) {
	const q = `
SELECT id, wallet_id, type, amount_minor, external_ref, idempotency_key, metadata, created_at
FROM wallet_ledger
WHERE wallet_id = $1 AND idempotency_key = $2
LIMIT 1
`
	var e WalletLedger
	err := tx.QueryRowContext(ctx, q, walletID, key).Scan(
		&e.ID,
		&e.WalletID,
		&e.Type,
		&e.AmountMinor,
		&e.ExternalRef,
		&e.IdempotencyKey,
		&e.Metadata,
		&e.CreatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return WalletLedger{}, false, nil
		}
		return WalletLedger{}, false, err
	}
	return e, true, nil
}

func insertLedger(ctx context.Context, tx *sql.Tx, e WalletLedger) error {
	const q = `
INSERT INTO wallet_ledger (
  id, wallet_id, type, amount_minor, external_ref, idempotency_key, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8
)
`
	_, err := tx.ExecContext(ctx, q,
		e.ID,
		e.WalletID,
		e.Type,
		e.AmountMinor,
		e.ExternalRef,
		e.IdempotencyKey,
		e.Metadata,
		e.CreatedAt,
	)
	return err
}

func applyBalanceDelta(ctx context.Context, tx *sql.Tx, w Wallet, deltaMinor int64, now time.Time) (Balance, error) {
	const q = `
INSERT INTO wallet_balances (wallet_id, balance_minor, updated_at)
VALUES ($1,$2,$3)
ON CONFLICT (wallet_id)
DO UPDATE SET balance_minor = wallet_balances.balance_minor + EXCLUDED.balance_minor,
              updated_at = EXCLUDED.updated_at
RETURNING wallet_id, balance_minor, updated_at
`
	b := Balance{OwnerID: w.OwnerID}
	if err := tx.QueryRowContext(ctx, q, w.ID, deltaMinor, now).Scan(
		&b.WalletID,
		&b.BalanceMinor,
		&b.UpdatedAt,
	); err != nil {
		return Balance{}, err
	}
	return b, nil
}

func insertAdminAction(ctx context.Context, tx *sql.Tx, a AdminWalletAction) error {
	const q = `
INSERT INTO admin_wallet_actions (
  id, wallet_id, admin_user_id, action, reason, amount_minor, related_ledger_id, metadata, created_at
) VALUES (
  $1,$2,$3,$4,$5,$6,$7,$8,$9
)
`
	_, err := tx.ExecContext(ctx, q,
		a.ID,
		a.WalletID,
		a.AdminUserID,
		a.Action,
		a.Reason,
		a.AmountMinor,
		a.RelatedLedgerID,
		a.Metadata,
		a.CreatedAt,
	)
	return err
}
