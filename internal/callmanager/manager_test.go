package callmanager

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/callstate"
	"therapy-calls/internal/ledger"
	"therapy-calls/internal/media"
	"therapy-calls/internal/signaling"
)

type emitted struct {
	event string
	cc    signaling.CallControl
}

// fakeBus is an in-memory signaling adapter.
type fakeBus struct {
	mu        sync.Mutex
	connected bool
	handlers  map[string][]*signaling.Subscription
	fns       map[*signaling.Subscription]signaling.Handler
	out       []emitted
	// settle waits for the manager to finish handling delivered events.
	settle func()
}

func newFakeBus() *fakeBus {
	return &fakeBus{
		connected: true,
		handlers:  map[string][]*signaling.Subscription{},
		fns:       map[*signaling.Subscription]signaling.Handler{},
	}
}

func (b *fakeBus) Emit(event string, payload any) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !b.connected {
		return signaling.ErrNotConnected
	}
	cc, _ := payload.(signaling.CallControl)
	b.out = append(b.out, emitted{event, cc})
	return nil
}

func (b *fakeBus) IsConnected() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.connected
}

func (b *fakeBus) On(event string, fn signaling.Handler) *signaling.Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := &signaling.Subscription{}
	b.handlers[event] = append(b.handlers[event], s)
	b.fns[s] = fn
	return s
}

func (b *fakeBus) Off(_ string, subs ...*signaling.Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, s := range subs {
		delete(b.fns, s)
	}
}

// deliver hands an event to subscribers and waits until it is handled.
func (b *fakeBus) deliver(t *testing.T, event string, cc signaling.CallControl) {
	t.Helper()
	b.deliverAsync(t, event, cc)
	if b.settle != nil {
		b.settle()
	}
}

// deliverAsync returns as soon as the subscribers return, like the
// adapter's read loop.
func (b *fakeBus) deliverAsync(t *testing.T, event string, cc signaling.CallControl) {
	t.Helper()
	raw, err := json.Marshal(cc)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	b.mu.Lock()
	var fns []signaling.Handler
	for _, s := range b.handlers[event] {
		if fn, ok := b.fns[s]; ok {
			fns = append(fns, fn)
		}
	}
	b.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (b *fakeBus) last() emitted {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.out) == 0 {
		return emitted{}
	}
	return b.out[len(b.out)-1]
}

func (b *fakeBus) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.out)
}

type stubLedger struct {
	mu      sync.Mutex
	balance float64
	ends    int
	// hold, when set, blocks EndCall until closed.
	hold chan struct{}
}

func (l *stubLedger) InitiateCall(context.Context, ledger.InitiateRequest) (ledger.InitiateResponse, error) {
	return ledger.InitiateResponse{CallID: "c-1", RoomID: "room-1"}, nil
}

func (l *stubLedger) EndCall(context.Context, string, ledger.EndRequest) (ledger.EndResponse, error) {
	l.mu.Lock()
	hold := l.hold
	l.mu.Unlock()
	if hold != nil {
		<-hold
	}
	l.mu.Lock()
	l.ends++
	l.mu.Unlock()
	return ledger.EndResponse{}, nil
}

func (l *stubLedger) Balance(context.Context) (float64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.balance, nil
}

type stubMedia struct{}

func (stubMedia) Ready() bool                                            { return true }
func (stubMedia) Join(context.Context, media.Params, media.Events) error { return nil }
func (stubMedia) Leave(context.Context) error                            { return nil }
func (stubMedia) SetMuted(bool) error                                    { return nil }
func (stubMedia) SetSpeaker(bool) error                                  { return nil }

func newManager(t *testing.T, role calls.Role) (*Manager, *fakeBus, *stubLedger) {
	t.Helper()
	bus := newFakeBus()
	led := &stubLedger{balance: 100}
	id := "u1"
	if role == calls.RoleTherapist {
		id = "t1"
	}
	m, err := callstate.New(callstate.Config{
		Local:          callstate.Local{ID: id, Name: "Local", Role: role},
		MediaAppID:     "app",
		MediaAppSecret: "secret",
	}, callstate.Deps{
		Signaling: bus,
		Ledger:    led,
		Media:     stubMedia{},
	})
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	mg := New(m, bus, Options{})
	mg.Start()
	bus.settle = func() { waitIdle(t, mg) }
	t.Cleanup(func() {
		_ = mg.HangUp()
		mg.Stop()
	})
	return mg, bus, led
}

// waitIdle returns once every event queued before the call has run.
func waitIdle(t *testing.T, mg *Manager) {
	t.Helper()
	done := make(chan struct{})
	mg.enqueue(func() { close(done) })
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatalf("signaling events not handled")
	}
}

func incomingPayload(callID string) signaling.CallControl {
	return signaling.CallControl{
		CallID:      callID,
		RoomID:      "room-" + callID,
		SessionID:   "call_u9_t1_1_" + callID,
		UserID:      "u9",
		UserName:    "Carol",
		TherapistID: "t1",
		CallType:    calls.KindVoice,
	}
}

func TestIncomingThenAccept(t *testing.T) {
	mg, bus, _ := newManager(t, calls.RoleTherapist)

	var states []State
	var mu sync.Mutex
	mg.Subscribe(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	bus.deliver(t, signaling.EventIncomingCall, incomingPayload("c7"))
	st := mg.State()
	if st.Incoming == nil || st.Incoming.CallID != "c7" || st.Incoming.CallerName != "Carol" {
		t.Fatalf("expected pending incoming, got %+v", st.Incoming)
	}

	res := mg.AcceptCall(context.Background())
	if !res.Success || res.Session.State != calls.StateConnecting {
		t.Fatalf("unexpected result %+v", res)
	}
	if got := bus.last(); got.event != signaling.EventCallAccepted || got.cc.CallID != "c7" {
		t.Fatalf("expected call-accepted, got %+v", got)
	}
	if mg.State().Incoming != nil {
		t.Fatalf("pending incoming must be consumed")
	}
	mu.Lock()
	defer mu.Unlock()
	if len(states) == 0 {
		t.Fatalf("listeners not notified")
	}
}

func TestIncomingWhileBusyIsAutoRejected(t *testing.T) {
	mg, bus, _ := newManager(t, calls.RoleTherapist)
	bus.deliver(t, signaling.EventIncomingCall, incomingPayload("c7"))
	if res := mg.AcceptCall(context.Background()); !res.Success {
		t.Fatalf("accept: %+v", res)
	}

	bus.deliver(t, signaling.EventIncomingCall, incomingPayload("c8"))
	got := bus.last()
	if got.event != signaling.EventCallRejected || got.cc.CallID != "c8" || got.cc.Reason != "busy" {
		t.Fatalf("expected busy rejection, got %+v", got)
	}
	if mg.State().Incoming != nil {
		t.Fatalf("second call must not be offered")
	}
}

func TestCallerCancelClearsPendingIncoming(t *testing.T) {
	mg, bus, led := newManager(t, calls.RoleTherapist)
	bus.deliver(t, signaling.EventIncomingCall, incomingPayload("c7"))
	bus.deliver(t, signaling.EventCallCancelled, signaling.CallControl{CallID: "c7"})

	if mg.State().Incoming != nil {
		t.Fatalf("cancelled call still pending")
	}
	if res := mg.AcceptCall(context.Background()); res.Success || res.Category != callstate.CategoryPrecondition {
		t.Fatalf("expected no call to accept, got %+v", res)
	}
	if led.ends != 0 {
		t.Fatalf("no billing expected")
	}
}

func TestPushAndSignalingAreDeduplicated(t *testing.T) {
	mg, bus, _ := newManager(t, calls.RoleTherapist)
	in := incomingPayload("c7").Incoming()

	mg.HandlePush(in)
	bus.deliver(t, signaling.EventIncomingCall, incomingPayload("c7"))
	mg.HandlePush(in)

	if mg.State().Incoming == nil {
		t.Fatalf("expected pending incoming")
	}
	if bus.count() != 0 {
		t.Fatalf("duplicates must be dropped silently, emitted %d", bus.count())
	}
}

func TestRejectCall(t *testing.T) {
	mg, bus, _ := newManager(t, calls.RoleTherapist)
	bus.deliver(t, signaling.EventIncomingCall, incomingPayload("c7"))

	res := mg.RejectCall("")
	if !res.Success {
		t.Fatalf("reject: %+v", res)
	}
	if got := bus.last(); got.event != signaling.EventCallRejected || got.cc.Reason != "rejected" {
		t.Fatalf("unexpected emit %+v", got)
	}
	if mg.State().Incoming != nil {
		t.Fatalf("pending incoming must be cleared")
	}
}

func TestInitiateInsufficientBalance(t *testing.T) {
	mg, bus, led := newManager(t, calls.RoleUser)
	led.balance = 3

	res := mg.InitiateCall(context.Background(), calls.Participant{ID: "t1"}, calls.KindVoice)
	if res.Success || res.Category != callstate.CategoryPrecondition || res.Retryable {
		t.Fatalf("unexpected result %+v", res)
	}
	if res.Error != "Insufficient balance. Please add coins to make a call." {
		t.Fatalf("message=%q", res.Error)
	}
	if bus.count() != 0 {
		t.Fatalf("nothing should be emitted")
	}
	if mg.State().Error == "" {
		t.Fatalf("error must be observable")
	}
	mg.ClearError()
	if mg.State().Error != "" {
		t.Fatalf("ClearError did not clear")
	}
}

func TestRemoteRejectionIsSurfaced(t *testing.T) {
	mg, bus, _ := newManager(t, calls.RoleUser)
	res := mg.InitiateCall(context.Background(), calls.Participant{ID: "t1", Name: "Dr Bob"}, calls.KindVoice)
	if !res.Success || res.Session.State != calls.StateRinging {
		t.Fatalf("initiate: %+v", res)
	}
	if got := bus.last(); got.event != signaling.EventCallRequest || got.cc.UserName != "Local" {
		t.Fatalf("expected call-request, got %+v", got)
	}

	bus.deliver(t, signaling.EventCallRejected, signaling.CallControl{CallID: "c-1", Reason: "declined"})

	st := mg.State()
	if st.Session.State != calls.StateIdle || st.Error != "The call was declined" {
		t.Fatalf("unexpected state %+v", st)
	}
}

func TestConnectErrorHangsUpLiveCall(t *testing.T) {
	mg, bus, led := newManager(t, calls.RoleUser)
	if res := mg.InitiateCall(context.Background(), calls.Participant{ID: "t1"}, calls.KindVoice); !res.Success {
		t.Fatalf("initiate: %+v", res)
	}
	bus.deliver(t, signaling.EventConnectError, signaling.CallControl{})
	if mg.State().Session.State != calls.StateIdle || led.ends != 1 {
		t.Fatalf("expected the call to be cancelled and reconciled")
	}
}

func TestRemoteEndDoesNotBlockDelivery(t *testing.T) {
	mg, bus, led := newManager(t, calls.RoleUser)
	if res := mg.InitiateCall(context.Background(), calls.Participant{ID: "t1"}, calls.KindVoice); !res.Success {
		t.Fatalf("initiate: %+v", res)
	}
	hold := make(chan struct{})
	led.mu.Lock()
	led.hold = hold
	led.mu.Unlock()

	returned := make(chan struct{})
	go func() {
		bus.deliverAsync(t, signaling.EventCallRejected, signaling.CallControl{CallID: "c-1", Reason: "declined"})
		close(returned)
	}()
	select {
	case <-returned:
	case <-time.After(time.Second):
		close(hold)
		t.Fatalf("delivery blocked on ledger reconciliation")
	}

	close(hold)
	waitIdle(t, mg)
	led.mu.Lock()
	ends := led.ends
	led.mu.Unlock()
	if ends != 1 || mg.State().Session.State != calls.StateIdle {
		t.Fatalf("expected reconciled idle session, ends=%d state=%+v", ends, mg.State().Session)
	}
}

func TestCanMakeCall(t *testing.T) {
	mg, bus, _ := newManager(t, calls.RoleUser)
	if res := mg.CanMakeCall(context.Background(), calls.KindVideo); !res.Success {
		t.Fatalf("unexpected %+v", res)
	}
	bus.mu.Lock()
	bus.connected = false
	bus.mu.Unlock()
	res := mg.CanMakeCall(context.Background(), calls.KindVideo)
	if res.Success || res.Error != "Not connected to the call service. Please check your connection." {
		t.Fatalf("unexpected %+v", res)
	}
}

func TestStopRemovesSubscriptions(t *testing.T) {
	mg, bus, _ := newManager(t, calls.RoleTherapist)
	mg.Stop()
	bus.deliverAsync(t, signaling.EventIncomingCall, incomingPayload("c7"))
	if mg.State().Incoming != nil {
		t.Fatalf("handler still subscribed after Stop")
	}
}

func TestDedupeWindowExpires(t *testing.T) {
	bus := newFakeBus()
	m, err := callstate.New(callstate.Config{
		Local: callstate.Local{ID: "t1", Name: "Dr Bob", Role: calls.RoleTherapist},
	}, callstate.Deps{Signaling: bus, Ledger: &stubLedger{}, Media: stubMedia{}})
	if err != nil {
		t.Fatalf("machine: %v", err)
	}
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	mg := New(m, bus, Options{DedupeWindow: time.Minute, Now: func() time.Time { return now }})

	in := incomingPayload("c7").Incoming()
	mg.HandlePush(in)
	mg.RejectCall("")
	mg.HandlePush(in)
	if mg.State().Incoming != nil {
		t.Fatalf("duplicate within window must be ignored")
	}
	now = now.Add(2 * time.Minute)
	mg.HandlePush(in)
	if mg.State().Incoming == nil {
		t.Fatalf("expected call offered again after window")
	}
}
