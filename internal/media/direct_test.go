package media

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/signaling"
)

type emitted struct {
	event   string
	payload any
}

type fakeRelay struct {
	mu       sync.Mutex
	handlers map[string][]*signaling.Subscription
	fns      map[*signaling.Subscription]signaling.Handler
	out      []emitted
	emitErr  error
}

func newFakeRelay() *fakeRelay {
	return &fakeRelay{
		handlers: map[string][]*signaling.Subscription{},
		fns:      map[*signaling.Subscription]signaling.Handler{},
	}
}

func (r *fakeRelay) Emit(event string, payload any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.emitErr != nil {
		return r.emitErr
	}
	r.out = append(r.out, emitted{event, payload})
	return nil
}

func (r *fakeRelay) On(event string, fn signaling.Handler) *signaling.Subscription {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := &signaling.Subscription{}
	r.handlers[event] = append(r.handlers[event], s)
	r.fns[s] = fn
	return s
}

func (r *fakeRelay) Off(_ string, subs ...*signaling.Subscription) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range subs {
		delete(r.fns, s)
		for ev, list := range r.handlers {
			kept := list[:0:0]
			for _, h := range list {
				if h != s {
					kept = append(kept, h)
				}
			}
			r.handlers[ev] = kept
		}
	}
}

func (r *fakeRelay) deliver(t *testing.T, event string, payload any) {
	t.Helper()
	raw, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	r.mu.Lock()
	var fns []signaling.Handler
	for _, s := range r.handlers[event] {
		if fn, ok := r.fns[s]; ok {
			fns = append(fns, fn)
		}
	}
	r.mu.Unlock()
	for _, fn := range fns {
		fn(raw)
	}
}

func (r *fakeRelay) events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.out {
		out = append(out, e.event)
	}
	return out
}

func (r *fakeRelay) subscribed() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.fns)
}

type fakePeer struct {
	mu      sync.Mutex
	log     []string
	onState func(ConnectionState)
	onICE   func(signaling.ICECandidate)
	closed  bool
}

func (p *fakePeer) record(s string) {
	p.mu.Lock()
	p.log = append(p.log, s)
	p.mu.Unlock()
}

func (p *fakePeer) CreateOffer() (signaling.SessionDescription, error) {
	p.record("create-offer")
	return signaling.SessionDescription{Type: "offer", SDP: "o"}, nil
}

func (p *fakePeer) CreateAnswer() (signaling.SessionDescription, error) {
	p.record("create-answer")
	return signaling.SessionDescription{Type: "answer", SDP: "a"}, nil
}

func (p *fakePeer) SetRemoteDescription(sd signaling.SessionDescription) error {
	p.record("remote:" + sd.Type)
	return nil
}

func (p *fakePeer) AddICECandidate(c signaling.ICECandidate) error {
	p.record("ice:" + c.Candidate)
	return nil
}

func (p *fakePeer) OnICECandidate(fn func(signaling.ICECandidate))   { p.onICE = fn }
func (p *fakePeer) OnConnectionStateChange(fn func(ConnectionState)) { p.onState = fn }
func (p *fakePeer) Close() error                                     { p.closed = true; return nil }

func (p *fakePeer) calls() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.log...)
}

type deniedCapture struct{}

func (deniedCapture) Acquire(context.Context, calls.Kind) (Stream, error) {
	return nil, &PermissionError{Device: "microphone"}
}

func validParams(initiator bool) Params {
	return Params{
		AppID:           "app",
		AppSecret:       "secret",
		ParticipantID:   "user_u1",
		ParticipantName: "Alice",
		SessionID:       "call_u1_t1_1_abc",
		RoomID:          "room-1",
		Kind:            calls.KindVoice,
		Initiator:       initiator,
	}
}

func newTestDirect(relay *fakeRelay, peer *fakePeer) *Direct {
	return NewDirect(relay, func(PeerConfig) (Peer, error) { return peer, nil }, HeadlessCapture{}, DirectOptions{})
}

func TestDirect_InitiatorSendsOffer(t *testing.T) {
	relay, peer := newFakeRelay(), &fakePeer{}
	d := newTestDirect(relay, peer)

	if err := d.Join(context.Background(), validParams(true), Events{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	got := relay.events()
	if len(got) != 2 || got[0] != signaling.EventJoinRoom || got[1] != signaling.EventOffer {
		t.Fatalf("unexpected emits %v", got)
	}
}

func TestDirect_QueuesCandidatesUntilRemoteDescription(t *testing.T) {
	relay, peer := newFakeRelay(), &fakePeer{}
	d := newTestDirect(relay, peer)
	if err := d.Join(context.Background(), validParams(false), Events{}); err != nil {
		t.Fatalf("join: %v", err)
	}

	relay.deliver(t, signaling.EventICECandidate, signaling.MediaSignal{RoomID: "room-1", Candidate: &signaling.ICECandidate{Candidate: "c1"}})
	relay.deliver(t, signaling.EventICECandidate, signaling.MediaSignal{RoomID: "other", Candidate: &signaling.ICECandidate{Candidate: "foreign"}})
	relay.deliver(t, signaling.EventICECandidate, signaling.MediaSignal{RoomID: "room-1", Candidate: &signaling.ICECandidate{Candidate: "c2"}})

	if len(peer.calls()) != 0 {
		t.Fatalf("candidates must not be applied before the remote description: %v", peer.calls())
	}

	relay.deliver(t, signaling.EventOffer, signaling.MediaSignal{RoomID: "room-1", Offer: &signaling.SessionDescription{Type: "offer", SDP: "x"}})
	relay.deliver(t, signaling.EventICECandidate, signaling.MediaSignal{RoomID: "room-1", Candidate: &signaling.ICECandidate{Candidate: "c3"}})

	want := []string{"remote:offer", "ice:c1", "ice:c2", "create-answer", "ice:c3"}
	got := peer.calls()
	if len(got) != len(want) {
		t.Fatalf("peer calls=%v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("peer calls=%v want %v", got, want)
		}
	}
	ev := relay.events()
	if ev[len(ev)-1] != signaling.EventAnswer {
		t.Fatalf("expected answer emitted, got %v", ev)
	}
}

func TestDirect_ConnectionStateDrivesEvents(t *testing.T) {
	relay, peer := newFakeRelay(), &fakePeer{}
	d := newTestDirect(relay, peer)

	var joins, leaves int
	var lastErr error
	ev := Events{
		OnRemoteJoin:  func(int) { joins++ },
		OnRemoteLeave: func(int) { leaves++ },
		OnError:       func(err error) { lastErr = err },
	}
	if err := d.Join(context.Background(), validParams(false), ev); err != nil {
		t.Fatalf("join: %v", err)
	}

	peer.onState(ConnectionConnecting)
	peer.onState(ConnectionConnected)
	peer.onState(ConnectionConnected)
	peer.onState(ConnectionDisconnected)
	peer.onState(ConnectionFailed)

	if joins != 1 || leaves != 1 {
		t.Fatalf("joins=%d leaves=%d", joins, leaves)
	}
	if !errors.Is(lastErr, ErrTransport) {
		t.Fatalf("expected transport error, got %v", lastErr)
	}
}

func TestDirect_LeaveTearsDown(t *testing.T) {
	relay, peer := newFakeRelay(), &fakePeer{}
	d := newTestDirect(relay, peer)
	if err := d.Join(context.Background(), validParams(false), Events{}); err != nil {
		t.Fatalf("join: %v", err)
	}
	if relay.subscribed() != 3 {
		t.Fatalf("expected 3 subscriptions, got %d", relay.subscribed())
	}
	if err := d.Leave(context.Background()); err != nil {
		t.Fatalf("leave: %v", err)
	}
	if relay.subscribed() != 0 || !peer.closed {
		t.Fatalf("expected subscriptions removed and peer closed")
	}
	if err := d.SetMuted(true); !errors.Is(err, ErrNotJoined) {
		t.Fatalf("expected ErrNotJoined, got %v", err)
	}
}

func TestDirect_PermissionDeniedIsRecoverable(t *testing.T) {
	d := NewDirect(newFakeRelay(), func(PeerConfig) (Peer, error) { return &fakePeer{}, nil }, deniedCapture{}, DirectOptions{})
	err := d.Join(context.Background(), validParams(true), Events{})
	var pe *PermissionError
	if !errors.As(err, &pe) || !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected PermissionError, got %v", err)
	}
}

func TestParamsValidate(t *testing.T) {
	if err := validParams(true).Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}

	p := validParams(true)
	p.AppSecret = ""
	err := p.Validate()
	var ce *ConfigError
	if !errors.As(err, &ce) || !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ConfigError, got %v", err)
	}

	p = validParams(true)
	p.SessionID = "call-with-dash"
	if err := p.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected charset error, got %v", err)
	}

	p = validParams(true)
	p.ParticipantID = "user 1"
	if err := p.Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected charset error, got %v", err)
	}
}
