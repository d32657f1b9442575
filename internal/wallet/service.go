package wallet

import (
	"context"
	"database/sql"
	"errors"
	"sort"
	"time"

	"therapy-calls/pkg/utils"

	"github.com/google/uuid"
)

// Service provides wallet operations.
//
// Money invariants:
// - No balance updates without a ledger entry
// - Ledger is append-only (immutable)
// - All money operations must be executed in a DB transaction
//
// Balance is stored in a projection table (wallet_balances) updated atomically
// alongside ledger inserts.
type Service struct {
	db *sql.DB
	// clock is injectable for deterministic tests.
	clock func() time.Time
}

func NewService(db *sql.DB) *Service {
	return &Service{db: db, clock: time.Now}
}

var (
	ErrNotFound        = errors.New("wallet: not found")
	ErrInvalidArgument = errors.New("wallet: invalid argument")
)

// Settlement is the money movement for one finished call.
type Settlement struct {
	CallID      string
	UserID      string
	TherapistID string

	CostMinor     int64
	EarningsMinor int64
}

type SettlementResult struct {
	User      Balance
	Therapist Balance
	// Duplicate is true when every posting had already been applied.
	Duplicate bool
}

type TopUpRequest struct {
	AmountMinor    int64  `json:"amount_minor"`
	Reason         string `json:"reason"`
	IdempotencyKey string `json:"idempotency_key"`
	Metadata       string `json:"metadata,omitempty"`
}

func (s *Service) GetBalance(ctx context.Context, ownerID string) (Balance, error) {
	if ownerID == "" {
		return Balance{}, ErrInvalidArgument
	}
	return getBalance(ctx, s.db, ownerID)
}

// SettleCall debits the user and credits the therapist in one transaction.
// Each side is keyed call:<id>:debit / call:<id>:earn so both parties may
// report the same call and it is applied once.
//
// The call has already happened, so the charge may take the user's balance
// negative; the balance gate refuses the next call in that case.
func (s *Service) SettleCall(ctx context.Context, st Settlement) (SettlementResult, error) {
	postings, err := planSettlement(st)
	if err != nil {
		return SettlementResult{}, err
	}

	now := s.clock().UTC()
	var out SettlementResult

	err = utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		wallets := map[string]Wallet{}
		// Lock in a stable order so concurrent settlements cannot deadlock.
		for _, p := range partiesInLockOrder(st) {
			if err := ensureWallet(ctx, tx, Wallet{
				ID:        uuid.NewString(),
				OwnerID:   p.ownerID,
				OwnerRole: p.role,
				Status:    WalletStatusActive,
				CreatedAt: now,
			}); err != nil {
				return err
			}
			w, err := lockWalletByOwner(ctx, tx, p.ownerID)
			if err != nil {
				return err
			}
			wallets[p.ownerID] = w
		}

		applied := 0
		for _, p := range postings {
			dup, err := post(ctx, tx, wallets[p.ownerID], p, now)
			if err != nil {
				return err
			}
			if !dup {
				applied++
			}
		}
		out.Duplicate = len(postings) > 0 && applied == 0

		if out.User, err = getBalanceTx(ctx, tx, st.UserID); err != nil {
			return err
		}
		if out.Therapist, err = getBalanceTx(ctx, tx, st.TherapistID); err != nil {
			return err
		}
		return nil
	})
	return out, err
}

// AdminTopUp credits a wallet manually and records the admin action.
func (s *Service) AdminTopUp(ctx context.Context, ownerID, ownerRole, adminUserID string, req TopUpRequest) (AdminWalletAction, Balance, error) {
	if ownerID == "" || ownerRole == "" || adminUserID == "" {
		return AdminWalletAction{}, Balance{}, ErrInvalidArgument
	}
	if req.Reason == "" || req.IdempotencyKey == "" || req.AmountMinor <= 0 {
		return AdminWalletAction{}, Balance{}, ErrInvalidArgument
	}

	now := s.clock().UTC()
	var (
		outAction AdminWalletAction
		outBal    Balance
	)

	err := utils.WithTx(ctx, s.db, &sql.TxOptions{}, func(ctx context.Context, tx *sql.Tx) error {
		if err := ensureWallet(ctx, tx, Wallet{
			ID:        uuid.NewString(),
			OwnerID:   ownerID,
			OwnerRole: ownerRole,
			Status:    WalletStatusActive,
			CreatedAt: now,
		}); err != nil {
			return err
		}
		w, err := lockWalletByOwner(ctx, tx, ownerID)
		if err != nil {
			return err
		}

		p := posting{
			ownerID:     ownerID,
			typ:         LedgerEntryTypeCredit,
			amountMinor: req.AmountMinor,
			externalRef: "admin_top_up",
			key:         req.IdempotencyKey,
			metadata:    req.Metadata,
			entryID:     uuid.NewString(),
		}
		dup, err := post(ctx, tx, w, p, now)
		if err != nil {
			return err
		}
		if !dup {
			outAction = AdminWalletAction{
				ID:              uuid.NewString(),
				WalletID:        w.ID,
				AdminUserID:     adminUserID,
				Action:          AdminWalletActionTypeTopUp,
				Reason:          req.Reason,
				AmountMinor:     req.AmountMinor,
				RelatedLedgerID: p.entryID,
				Metadata:        req.Metadata,
				CreatedAt:       now,
			}
			if err := insertAdminAction(ctx, tx, outAction); err != nil {
				return err
			}
		}
		outBal, err = getBalanceTx(ctx, tx, ownerID)
		return err
	})
	return outAction, outBal, err
}

type posting struct {
	entryID     string
	ownerID     string
	typ         LedgerEntryType
	amountMinor int64
	externalRef string
	key         string
	metadata    string
}

// post applies p unless an entry with the same idempotency key exists.
func post(ctx context.Context, tx *sql.Tx, w Wallet, p posting, now time.Time) (duplicate bool, err error) {
	if _, ok, err := findLedgerByIdempotency(ctx, tx, w.ID, p.key); err != nil {
		return false, err
	} else if ok {
		return true, nil
	}
	if p.entryID == "" {
		p.entryID = uuid.NewString()
	}
	if err := insertLedger(ctx, tx, WalletLedger{
		ID:             p.entryID,
		WalletID:       w.ID,
		Type:           p.typ,
		AmountMinor:    p.amountMinor,
		ExternalRef:    p.externalRef,
		IdempotencyKey: p.key,
		Metadata:       p.metadata,
		CreatedAt:      now,
	}); err != nil {
		return false, err
	}
	_, err = applyBalanceDelta(ctx, tx, w, p.amountMinor, now)
	return false, err
}

// planSettlement turns a settlement into ledger postings. Zero amounts post
// nothing; an unconnected call only touches the call record.
func planSettlement(st Settlement) ([]posting, error) {
	if st.CallID == "" || st.UserID == "" || st.TherapistID == "" || st.UserID == st.TherapistID {
		return nil, ErrInvalidArgument
	}
	if st.CostMinor < 0 || st.EarningsMinor < 0 || st.EarningsMinor > st.CostMinor {
		return nil, ErrInvalidArgument
	}
	var out []posting
	if st.CostMinor > 0 {
		out = append(out, posting{
			ownerID:     st.UserID,
			typ:         LedgerEntryTypeCallCharge,
			amountMinor: -st.CostMinor,
			externalRef: st.CallID,
			key:         "call:" + st.CallID + ":debit",
		})
	}
	if st.EarningsMinor > 0 {
		out = append(out, posting{
			ownerID:     st.TherapistID,
			typ:         LedgerEntryTypeCallEarning,
			amountMinor: st.EarningsMinor,
			externalRef: st.CallID,
			key:         "call:" + st.CallID + ":earn",
		})
	}
	return out, nil
}

type party struct {
	ownerID string
	role    string
}

func partiesInLockOrder(st Settlement) []party {
	ps := []party{{st.UserID, "user"}, {st.TherapistID, "therapist"}}
	sort.Slice(ps, func(i, j int) bool { return ps[i].ownerID < ps[j].ownerID })
	return ps
}
