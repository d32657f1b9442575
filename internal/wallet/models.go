package wallet

import "time"

// Amounts are stored in hundredths of a coin ("minor") so that fractional
// therapist earnings stay integral. Clients see coins.

// Wallet belongs to one user or therapist.
// Invariant: available balance must be derived from immutable ledger entries.
type Wallet struct {
	ID        string `json:"id" db:"id"`
	OwnerID   string `json:"owner_id" db:"owner_id"`
	OwnerRole string `json:"owner_role" db:"owner_role"`

	// Optional operational flags (do not encode money state here).
	Status WalletStatus `json:"status" db:"status"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type WalletStatus string

const (
	WalletStatusActive   WalletStatus = "active"
	WalletStatusDisabled WalletStatus = "disabled"
)

// WalletLedger is an immutable append-only entry.
// Money invariant: any balance change MUST have a corresponding ledger entry.
type WalletLedger struct {
	ID       string `json:"id" db:"id"`
	WalletID string `json:"wallet_id" db:"wallet_id"`

	Type LedgerEntryType `json:"type" db:"type"`

	// AmountMinor is signed: credits are positive, debits are negative.
	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`

	// ExternalRef is the call id for call charges and earnings.
	ExternalRef string `json:"external_ref,omitempty" db:"external_ref"`

	// IdempotencyKey is required for safe retries of money-posting operations.
	IdempotencyKey string `json:"idempotency_key" db:"idempotency_key"`

	// Metadata is optional JSON (JSONB in Postgres).
	Metadata string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type LedgerEntryType string

const (
	LedgerEntryTypeCredit      LedgerEntryType = "credit"       // top-up, adjustment
	LedgerEntryTypeCallCharge  LedgerEntryType = "call_charge"  // user pays for a call
	LedgerEntryTypeCallEarning LedgerEntryType = "call_earning" // therapist share of a call
)

// AdminWalletAction tracks manual actions performed by admins. Any admin
// mutation of money also creates a WalletLedger entry.
type AdminWalletAction struct {
	ID       string `json:"id" db:"id"`
	WalletID string `json:"wallet_id" db:"wallet_id"`

	AdminUserID string `json:"admin_user_id" db:"admin_user_id"`

	Action AdminWalletActionType `json:"action" db:"action"`
	Reason string                `json:"reason,omitempty" db:"reason"`

	AmountMinor int64 `json:"amount_minor" db:"amount_minor"`

	RelatedLedgerID string `json:"related_ledger_id,omitempty" db:"related_ledger_id"`
	Metadata        string `json:"metadata,omitempty" db:"metadata"`

	CreatedAt time.Time `json:"created_at" db:"created_at"`
}

type AdminWalletActionType string

const (
	AdminWalletActionTypeTopUp AdminWalletActionType = "top_up"
)

type Balance struct {
	WalletID     string    `json:"wallet_id"`
	OwnerID      string    `json:"owner_id"`
	BalanceMinor int64     `json:"balance_minor"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Coins is the balance as clients see it.
func (b Balance) Coins() float64 { return float64(b.BalanceMinor) / 100 }

// CoinsToMinor converts whole coins to minor units.
func CoinsToMinor(coins int64) int64 { return coins * 100 }
