package reporting

import (
	"context"
	"errors"
	"sync"
	"time"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/wallet"
)

// MemoryRepo is a simple in-memory reporting repository for tests.
// Ledger rows are keyed by owner since WalletLedger only carries a wallet id.
type MemoryRepo struct {
	mu sync.Mutex

	Calls   []calls.Call
	Ledgers map[string][]wallet.WalletLedger
}

func NewMemoryRepo() *MemoryRepo { return &MemoryRepo{Ledgers: map[string][]wallet.WalletLedger{}} }

func (r *MemoryRepo) ListCalls(ctx context.Context, participantID string, from, to time.Time) ([]calls.Call, error) {
	if participantID == "" {
		return nil, errors.New("participant_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]calls.Call, 0)
	for _, c := range r.Calls {
		if c.UserID != participantID && c.TherapistID != participantID {
			continue
		}
		if !inRange(c.CreatedAt, from, to) {
			continue
		}
		out = append(out, c)
	}
	return out, nil
}

func (r *MemoryRepo) ListWalletLedger(ctx context.Context, ownerID string, from, to time.Time) ([]wallet.WalletLedger, error) {
	if ownerID == "" {
		return nil, errors.New("owner_id required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]wallet.WalletLedger, 0)
	for _, l := range r.Ledgers[ownerID] {
		if !inRange(l.CreatedAt, from, to) {
			continue
		}
		out = append(out, l)
	}
	return out, nil
}

func inRange(t, from, to time.Time) bool {
	if t.IsZero() {
		return true
	}
	return !t.Before(from) && t.Before(to)
}
