// Package callmanager is the facade UI code talks to. It owns the lifecycle
// machine, feeds it signaling events and turns every intent into a Result.
package callmanager

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/callstate"
	"therapy-calls/internal/signaling"
)

// Signaling is the adapter surface the facade subscribes to.
type Signaling interface {
	On(event string, fn signaling.Handler) *signaling.Subscription
	Off(event string, subs ...*signaling.Subscription)
	IsConnected() bool
}

// Result is returned by every intent. Intents never panic or return bare
// errors across the facade.
type Result struct {
	Success   bool               `json:"success"`
	Error     string             `json:"error,omitempty"`
	Category  callstate.Category `json:"-"`
	Retryable bool               `json:"retryable,omitempty"`
	Session   calls.Session      `json:"session"`
}

// State is the observable view for the UI.
type State struct {
	Session  calls.Session       `json:"session"`
	Incoming *calls.IncomingCall `json:"incoming,omitempty"`
	Error    string              `json:"error,omitempty"`
	Balance  float64             `json:"balance"`
	Earnings float64             `json:"earnings"`
}

type Options struct {
	// DedupeWindow is how long an incoming call id is remembered so the
	// same call arriving over push and signaling is offered once.
	DedupeWindow time.Duration
	Logger       *slog.Logger
	Now          func() time.Time
}

type Manager struct {
	m   *callstate.Machine
	sig Signaling
	log *slog.Logger
	now func() time.Time

	dedupe time.Duration

	mu        sync.Mutex
	subs      []*signaling.Subscription
	unobserve func()
	incoming  *calls.IncomingCall
	seen      map[string]time.Time
	lastErr   string
	listeners map[int]func(State)
	nextID    int

	// Signaling events run in arrival order on one worker so the
	// adapter's read loop never waits on ledger or media teardown.
	events  []func()
	wake    chan struct{}
	stop    chan struct{}
	stopped chan struct{}
}

func New(machine *callstate.Machine, sig Signaling, opts Options) *Manager {
	if opts.DedupeWindow <= 0 {
		opts.DedupeWindow = 2 * time.Minute
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		m:         machine,
		sig:       sig,
		log:       opts.Logger.With("component", "callmanager"),
		now:       opts.Now,
		dedupe:    opts.DedupeWindow,
		seen:      make(map[string]time.Time),
		listeners: make(map[int]func(State)),
	}
}

// Start subscribes to signaling and to machine transitions and starts the
// event worker. Calling Start twice is a no-op.
func (mg *Manager) Start() {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	if mg.subs != nil {
		return
	}
	on := func(event string, fn func(signaling.CallControl)) {
		mg.subs = append(mg.subs, mg.sig.On(event, func(raw json.RawMessage) {
			var cc signaling.CallControl
			if len(raw) > 0 {
				if err := json.Unmarshal(raw, &cc); err != nil {
					mg.log.Warn("malformed signaling payload", "event", event, "err", err)
					return
				}
			}
			mg.enqueue(func() { fn(cc) })
		}))
	}

	on(signaling.EventIncomingCall, mg.onIncoming)
	on(signaling.EventCallAccepted, func(cc signaling.CallControl) {
		mg.m.RemoteAccepted(context.Background(), cc)
	})
	on(signaling.EventCallRejected, mg.m.RemoteRejected)
	on(signaling.EventCallTimeout, func(cc signaling.CallControl) {
		mg.clearIncoming(cc.CallID)
		mg.m.RemoteTimeout(cc)
	})
	on(signaling.EventCallCancelled, func(cc signaling.CallControl) {
		mg.clearIncoming(cc.CallID)
		mg.m.RemoteCancelled(cc)
	})
	on(signaling.EventCallEnded, mg.m.RemoteEnded)
	on(signaling.EventUserBusy, mg.m.RemoteBusy)
	on(signaling.EventCallBusy, mg.m.RemoteBusy)
	on(signaling.EventUserOffline, mg.m.RemoteOffline)
	on(signaling.EventConnectError, func(signaling.CallControl) { mg.onConnectionLost() })

	mg.unobserve = mg.m.Subscribe(mg.onTransition)

	mg.wake = make(chan struct{}, 1)
	mg.stop = make(chan struct{})
	mg.stopped = make(chan struct{})
	go mg.dispatch(mg.wake, mg.stop, mg.stopped)
}

// Stop removes every subscription made by Start and waits for the event
// worker to exit. Events still queued are dropped.
func (mg *Manager) Stop() {
	mg.mu.Lock()
	subs := mg.subs
	unobserve := mg.unobserve
	stop, stopped := mg.stop, mg.stopped
	mg.subs = nil
	mg.unobserve = nil
	mg.events = nil
	mg.wake, mg.stop, mg.stopped = nil, nil, nil
	mg.mu.Unlock()

	for _, s := range subs {
		mg.sig.Off(s.Event(), s)
	}
	if unobserve != nil {
		unobserve()
	}
	if stop != nil {
		close(stop)
		<-stopped
	}
}

func (mg *Manager) enqueue(fn func()) {
	mg.mu.Lock()
	wake := mg.wake
	if wake == nil {
		mg.mu.Unlock()
		return
	}
	mg.events = append(mg.events, fn)
	mg.mu.Unlock()
	select {
	case wake <- struct{}{}:
	default:
	}
}

func (mg *Manager) dispatch(wake, stop <-chan struct{}, stopped chan<- struct{}) {
	defer close(stopped)
	for {
		select {
		case <-stop:
			return
		case <-wake:
		}
		for {
			select {
			case <-stop:
				return
			default:
			}
			mg.mu.Lock()
			if len(mg.events) == 0 {
				mg.mu.Unlock()
				break
			}
			fn := mg.events[0]
			mg.events[0] = nil
			mg.events = mg.events[1:]
			mg.mu.Unlock()
			fn()
		}
	}
}

// Subscribe registers fn for every State change.
func (mg *Manager) Subscribe(fn func(State)) (unsubscribe func()) {
	mg.mu.Lock()
	defer mg.mu.Unlock()
	mg.nextID++
	id := mg.nextID
	mg.listeners[id] = fn
	return func() {
		mg.mu.Lock()
		delete(mg.listeners, id)
		mg.mu.Unlock()
	}
}

func (mg *Manager) State() State {
	snap, _ := mg.m.Snapshot()
	bal, _ := mg.m.Balance()
	earned := mg.m.Earnings()
	mg.mu.Lock()
	defer mg.mu.Unlock()
	st := State{
		Session:  snap,
		Error:    mg.lastErr,
		Balance:  bal,
		Earnings: earned,
	}
	if mg.incoming != nil {
		in := *mg.incoming
		st.Incoming = &in
	}
	return st
}

func (mg *Manager) InitiateCall(ctx context.Context, target calls.Participant, kind calls.Kind) Result {
	mg.setError("")
	_, err := mg.m.Initiate(ctx, target, kind)
	return mg.result(err)
}

// AcceptCall answers the pending incoming call.
func (mg *Manager) AcceptCall(ctx context.Context) Result {
	mg.mu.Lock()
	in := mg.incoming
	mg.incoming = nil
	mg.mu.Unlock()
	if in == nil {
		return mg.result(callstate.ErrNoSession)
	}
	mg.setError("")
	_, err := mg.m.AcceptIncoming(ctx, *in)
	return mg.result(err)
}

// RejectCall declines the pending incoming call.
func (mg *Manager) RejectCall(reason string) Result {
	mg.mu.Lock()
	in := mg.incoming
	mg.incoming = nil
	mg.mu.Unlock()
	if in == nil {
		return mg.result(callstate.ErrNoSession)
	}
	err := mg.m.RejectIncoming(*in, reason)
	mg.notify()
	return mg.result(err)
}

func (mg *Manager) CancelCall() Result { return mg.result(mg.m.Cancel()) }

func (mg *Manager) HangUp() Result { return mg.result(mg.m.HangUp()) }

func (mg *Manager) RetryMedia(ctx context.Context) Result {
	return mg.result(mg.m.RetryMedia(ctx))
}

func (mg *Manager) SetMuted(muted bool) Result { return mg.result(mg.m.SetMuted(muted)) }

func (mg *Manager) SetSpeaker(on bool) Result { return mg.result(mg.m.SetSpeaker(on)) }

func (mg *Manager) ClearError() {
	mg.setError("")
	mg.m.ClearError()
	mg.notify()
}

// CanMakeCall runs the initiate preconditions without side effects.
func (mg *Manager) CanMakeCall(ctx context.Context, kind calls.Kind) Result {
	err := mg.m.CanMakeCall(ctx, kind)
	if err == nil {
		return Result{Success: true}
	}
	cat := callstate.Classify(err)
	return Result{Error: Message(err), Category: cat, Retryable: cat.Retryable()}
}

// RefreshBalance pulls the ledger balance into the observable state.
func (mg *Manager) RefreshBalance(ctx context.Context) Result {
	_, err := mg.m.RefreshBalance(ctx)
	if err == nil {
		mg.notify()
	}
	return mg.result(err)
}

// HandlePush offers an incoming call delivered by the push notifier.
func (mg *Manager) HandlePush(in calls.IncomingCall) {
	mg.offer(in, "push")
}

// HandlePushCancelled drops a pending incoming call the caller gave up on.
func (mg *Manager) HandlePushCancelled(callID string) {
	mg.clearIncoming(callID)
}

func (mg *Manager) onIncoming(cc signaling.CallControl) {
	mg.offer(cc.Incoming(), "signaling")
}

func (mg *Manager) offer(in calls.IncomingCall, source string) {
	if in.CallID == "" {
		mg.log.Warn("incoming call without id", "source", source)
		return
	}
	now := mg.now()
	in.ReceivedAt = now

	mg.mu.Lock()
	for id, at := range mg.seen {
		if now.Sub(at) > mg.dedupe {
			delete(mg.seen, id)
		}
	}
	if _, dup := mg.seen[in.CallID]; dup {
		mg.mu.Unlock()
		return
	}
	mg.seen[in.CallID] = now
	busy := mg.incoming != nil || mg.m.State() != calls.StateIdle
	if !busy {
		mg.incoming = &in
	}
	mg.mu.Unlock()

	if busy {
		if err := mg.m.RejectIncoming(in, string(calls.EndReasonBusy)); err != nil {
			mg.log.Warn("busy auto-reject not delivered", "call_id", in.CallID, "err", err)
		}
		return
	}
	mg.log.Info("incoming call", "call_id", in.CallID, "caller_id", in.CallerID, "kind", string(in.Kind), "source", source)
	mg.notify()
}

func (mg *Manager) clearIncoming(callID string) {
	mg.mu.Lock()
	cleared := mg.incoming != nil && (callID == "" || mg.incoming.CallID == callID)
	if cleared {
		mg.incoming = nil
	}
	mg.mu.Unlock()
	if cleared {
		mg.notify()
	}
}

func (mg *Manager) onConnectionLost() {
	if mg.m.State() == calls.StateIdle {
		return
	}
	mg.log.Warn("signaling lost during call")
	if err := mg.m.HangUp(); err != nil && !errors.Is(err, callstate.ErrNoSession) {
		mg.log.Warn("hang up after connection loss", "err", err)
	}
}

func (mg *Manager) onTransition(s calls.Session) {
	if s.State == calls.StateEnded {
		if err := callstate.OutcomeError(s.EndReason); err != nil {
			mg.setError(err.Error())
		} else if s.LastError != "" {
			mg.setError(s.LastError)
		}
	}
	mg.notify()
}

func (mg *Manager) setError(msg string) {
	mg.mu.Lock()
	mg.lastErr = msg
	mg.mu.Unlock()
}

func (mg *Manager) notify() {
	st := mg.State()
	mg.mu.Lock()
	fns := make([]func(State), 0, len(mg.listeners))
	for _, fn := range mg.listeners {
		fns = append(fns, fn)
	}
	mg.mu.Unlock()
	for _, fn := range fns {
		fn(st)
	}
}

func (mg *Manager) result(err error) Result {
	snap, _ := mg.m.Snapshot()
	if err == nil {
		return Result{Success: true, Session: snap}
	}
	cat := callstate.Classify(err)
	msg := Message(err)
	mg.setError(msg)
	mg.notify()
	// A failed reconciliation does not undo the hang-up.
	return Result{
		Success:   cat == callstate.CategoryLedgerReconciliation,
		Error:     msg,
		Category:  cat,
		Retryable: cat.Retryable(),
		Session:   snap,
	}
}
