// Package callstate is the call lifecycle state machine. It owns the single
// live call session on a device and reconciles its billing with the ledger
// exactly once, whichever side or failure path ends the call.
package callstate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/identity"
	"therapy-calls/internal/ledger"
	"therapy-calls/internal/media"
	"therapy-calls/internal/pricing"
	"therapy-calls/internal/signaling"
)

// Signaler is the part of the signaling adapter the machine drives.
type Signaler interface {
	Emit(event string, payload any) error
	IsConnected() bool
}

// Ledger is the billing backend.
type Ledger interface {
	InitiateCall(ctx context.Context, req ledger.InitiateRequest) (ledger.InitiateResponse, error)
	EndCall(ctx context.Context, callID string, req ledger.EndRequest) (ledger.EndResponse, error)
	Balance(ctx context.Context) (float64, error)
}

// Metrics receives lifecycle counters. Optional.
type Metrics interface {
	SessionFinalized(kind calls.Kind, reason calls.EndReason, bill calls.BillingResult)
	LedgerFailure(op string)
	PreconditionFailed(reason string)
}

type nopMetrics struct{}

func (nopMetrics) SessionFinalized(calls.Kind, calls.EndReason, calls.BillingResult) {}
func (nopMetrics) LedgerFailure(string)                                              {}
func (nopMetrics) PreconditionFailed(string)                                         {}

// Local is the identity of the signed-in party on this device.
type Local struct {
	ID   string
	Name string
	Role calls.Role
}

type Config struct {
	Local Local

	// Media credentials handed to the media controller on join.
	MediaAppID     string
	MediaAppSecret string

	RingTimeout    time.Duration
	ConnectTimeout time.Duration
	LeaveGrace     time.Duration
	LedgerTimeout  time.Duration
}

const (
	DefaultRingTimeout    = 30 * time.Second
	DefaultConnectTimeout = 15 * time.Second
	DefaultLeaveGrace     = time.Second
	DefaultLedgerTimeout  = 10 * time.Second
)

func (c Config) withDefaults() Config {
	if c.RingTimeout <= 0 {
		c.RingTimeout = DefaultRingTimeout
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = DefaultConnectTimeout
	}
	if c.LeaveGrace <= 0 {
		c.LeaveGrace = DefaultLeaveGrace
	}
	if c.LedgerTimeout <= 0 {
		c.LedgerTimeout = DefaultLedgerTimeout
	}
	return c
}

type Deps struct {
	Signaling Signaler
	Ledger    Ledger
	Media     media.Controller
	Pricing   *pricing.Table

	// SessionIDs defaults to identity.SessionID.
	SessionIDs func(localID, counterpartID string) string
	Clock      Clock
	Metrics    Metrics
	Logger     *slog.Logger
}

// session is the machine-private view of the live call.
type session struct {
	calls.Session

	finalized    bool
	mediaJoined  bool
	mediaBlocked bool

	ring    sessionTimer
	connect sessionTimer
	grace   sessionTimer

	// sigMu orders this session's outgoing signals: the call request or
	// acceptance always leaves before any termination signal.
	sigMu sync.Mutex
}

type observer struct {
	id int
	fn func(calls.Session)
}

// Machine is safe for concurrent use. Every transition runs under mu;
// network calls and observer callbacks run outside it.
type Machine struct {
	cfg     Config
	sig     Signaler
	led     Ledger
	med     media.Controller
	prices  *pricing.Table
	ids     func(localID, counterpartID string) string
	clock   Clock
	metrics Metrics
	log     *slog.Logger

	mu           sync.Mutex
	cur          *session
	balance      float64
	balanceKnown bool
	earnings     float64

	observers []observer
	nextObs   int
	queue     []calls.Session
	draining  bool
}

func New(cfg Config, deps Deps) (*Machine, error) {
	var errs []string
	if strings.TrimSpace(cfg.Local.ID) == "" {
		errs = append(errs, "local id is required")
	}
	if !cfg.Local.Role.Valid() {
		errs = append(errs, fmt.Sprintf("invalid local role %q", cfg.Local.Role))
	}
	if deps.Signaling == nil {
		errs = append(errs, "signaling is required")
	}
	if deps.Ledger == nil {
		errs = append(errs, "ledger is required")
	}
	if deps.Media == nil {
		errs = append(errs, "media controller is required")
	}
	if len(errs) > 0 {
		return nil, fmt.Errorf("callstate: %s", strings.Join(errs, "; "))
	}

	m := &Machine{
		cfg:     cfg.withDefaults(),
		sig:     deps.Signaling,
		led:     deps.Ledger,
		med:     deps.Media,
		prices:  deps.Pricing,
		ids:     deps.SessionIDs,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		log:     deps.Logger,
	}
	if m.prices == nil {
		m.prices = pricing.DefaultTable()
	}
	if m.ids == nil {
		m.ids = identity.SessionID
	}
	if m.clock == nil {
		m.clock = SystemClock
	}
	if m.metrics == nil {
		m.metrics = nopMetrics{}
	}
	if m.log == nil {
		m.log = slog.Default()
	}
	m.log = m.log.With("component", "callstate", "local_role", string(cfg.Local.Role))
	return m, nil
}

// Pricing exposes the rate table the machine bills with.
func (m *Machine) Pricing() *pricing.Table { return m.prices }

// Local returns the identity the machine was built for.
func (m *Machine) Local() Local { return m.cfg.Local }

// Snapshot returns a copy of the live session. ok is false when idle.
func (m *Machine) Snapshot() (calls.Session, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return calls.Session{State: calls.StateIdle}, false
	}
	return m.cur.Clone(), true
}

// State is the current lifecycle state, StateIdle when no call is live.
func (m *Machine) State() calls.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cur == nil {
		return calls.StateIdle
	}
	return m.cur.State
}

// Subscribe registers fn for every session transition, delivered in order.
// fn may call back into the machine.
func (m *Machine) Subscribe(fn func(calls.Session)) (unsubscribe func()) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextObs++
	id := m.nextObs
	m.observers = append(m.observers, observer{id: id, fn: fn})
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		for i, o := range m.observers {
			if o.id == id {
				m.observers = append(m.observers[:i:i], m.observers[i+1:]...)
				return
			}
		}
	}
}

// Balance is the cached coin balance. known is false until it is first set.
func (m *Machine) Balance() (balance float64, known bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.balance, m.balanceKnown
}

func (m *Machine) SetBalance(b float64) {
	m.mu.Lock()
	m.balance, m.balanceKnown = b, true
	m.mu.Unlock()
}

// Earnings is the latest earnings total reported by the ledger.
func (m *Machine) Earnings() float64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.earnings
}

// RefreshBalance pulls the authoritative balance from the ledger.
func (m *Machine) RefreshBalance(ctx context.Context) (float64, error) {
	b, err := m.led.Balance(ctx)
	if err != nil {
		m.metrics.LedgerFailure("balance")
		return 0, err
	}
	m.SetBalance(b)
	return b, nil
}

// ClearError drops the last non-fatal error on the live session.
func (m *Machine) ClearError() {
	m.mu.Lock()
	if m.cur == nil || m.cur.LastError == "" {
		m.mu.Unlock()
		return
	}
	m.cur.LastError = ""
	m.publishLocked(m.cur)
	m.mu.Unlock()
	m.flush()
}

// publishLocked queues a snapshot for observers. Caller holds mu and must
// call flush after releasing it.
func (m *Machine) publishLocked(s *session) {
	m.queue = append(m.queue, s.Clone())
}

// flush delivers queued snapshots. Only one goroutine drains at a time, so
// observers see transitions in the order they happened, and a transition
// triggered from inside an observer is delivered after the current one.
func (m *Machine) flush() {
	m.mu.Lock()
	if m.draining {
		m.mu.Unlock()
		return
	}
	m.draining = true
	for len(m.queue) > 0 {
		batch := m.queue
		m.queue = nil
		obs := append([]observer(nil), m.observers...)
		m.mu.Unlock()
		for _, snap := range batch {
			for _, o := range obs {
				o.fn(snap)
			}
		}
		m.mu.Lock()
	}
	m.draining = false
	m.mu.Unlock()
}

func (m *Machine) localParty(s *session) (userID, userName, therapistID string) {
	userID = s.UserID(m.cfg.Local.ID)
	therapistID = s.TherapistID(m.cfg.Local.ID)
	userName = s.CounterpartName
	if m.cfg.Local.Role == calls.RoleUser {
		userName = m.cfg.Local.Name
	}
	return userID, userName, therapistID
}

// controlLocked builds the call-control payload for s. Caller holds mu.
func (m *Machine) controlLocked(s *session) signaling.CallControl {
	userID, userName, therapistID := m.localParty(s)
	return signaling.CallControl{
		CallID:      s.BackendCallID,
		RoomID:      s.RoomID,
		SessionID:   s.SessionID,
		UserID:      userID,
		UserName:    userName,
		TherapistID: therapistID,
		CallType:    s.Kind,
	}
}

func preconditionLabel(err error) string {
	switch {
	case errors.Is(err, ErrInsufficientBalance):
		return "insufficient_balance"
	case errors.Is(err, ErrNotConnected):
		return "not_connected"
	case errors.Is(err, ErrMediaNotReady):
		return "media_not_ready"
	case errors.Is(err, ErrCallInProgress):
		return "call_in_progress"
	default:
		return "other"
	}
}
