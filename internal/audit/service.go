package audit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// Repository is the persistence contract for audit events. It is
// append-only; there is no Update or Delete.
type Repository interface {
	Append(ctx context.Context, e Event) error
}

// Service records internal audit information. Callers treat it as
// best-effort.
type Service struct {
	repo  Repository
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, clock: time.Now}
}

var ErrInvalidEvent = errors.New("audit: invalid event")

func (s *Service) Append(ctx context.Context, e Event) error {
	if s.repo == nil {
		return errors.New("audit: repository not configured")
	}
	if e.Type == "" || e.ActorUserID == "" {
		return ErrInvalidEvent
	}

	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = s.clock().UTC()
	}
	return s.repo.Append(ctx, e)
}

// CallSettlement is what the backend recorded for one end-of-call report.
type CallSettlement struct {
	CallID          string `json:"call_id"`
	EndedBy         string `json:"ended_by"`
	Reason          string `json:"reason"`
	DurationSeconds int    `json:"duration"`
	DurationMinutes int    `json:"duration_minutes"`
	CostInCoins     int64  `json:"cost_in_coins"`
	// ClientCostInCoins is what the reporting client computed; a mismatch
	// with CostInCoins is worth a look but the server figure wins.
	ClientCostInCoins int64 `json:"client_cost_in_coins"`
	Duplicate         bool  `json:"duplicate"`
}

// LogCallSettled records an end-of-call report from either party.
func (s *Service) LogCallSettled(ctx context.Context, actorUserID, actorRole, ip string, st CallSettlement) error {
	meta, err := json.Marshal(st)
	if err != nil {
		return err
	}
	msg := "call settled"
	if st.Duplicate {
		msg = "duplicate end report"
	}
	return s.Append(ctx, Event{
		Type:        EventTypeCallSettled,
		ActorUserID: actorUserID,
		ActorRole:   actorRole,
		IPAddress:   ip,
		CallID:      st.CallID,
		Message:     msg,
		Metadata:    string(meta),
	})
}

// LogAdminTopUp records a manual wallet credit.
func (s *Service) LogAdminTopUp(ctx context.Context, adminUserID, ip, walletOwner, reason string, amountMinor int64) error {
	meta, _ := json.Marshal(map[string]any{"reason": reason, "amount_minor": amountMinor})
	return s.Append(ctx, Event{
		Type:        EventTypeAdminTopUp,
		ActorUserID: adminUserID,
		ActorRole:   "admin",
		IPAddress:   ip,
		WalletOwner: walletOwner,
		Message:     "manual top-up",
		Metadata:    string(meta),
	})
}
