package media

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/signaling"
)

// DefaultSTUNServers are used when no ICE servers are configured.
var DefaultSTUNServers = []string{
	"stun:stun.l.google.com:19302",
	"stun:stun1.l.google.com:19302",
	"stun:stun2.l.google.com:19302",
}

// Relay is the subset of the signaling adapter the direct strategy needs.
type Relay interface {
	Emit(event string, payload any) error
	On(event string, fn signaling.Handler) *signaling.Subscription
	Off(event string, subs ...*signaling.Subscription)
}

// Peer is one WebRTC peer connection.
type Peer interface {
	// CreateOffer creates an offer and sets it as the local description.
	CreateOffer() (signaling.SessionDescription, error)
	// CreateAnswer creates an answer and sets it as the local description.
	CreateAnswer() (signaling.SessionDescription, error)
	SetRemoteDescription(sd signaling.SessionDescription) error
	AddICECandidate(c signaling.ICECandidate) error
	OnICECandidate(fn func(signaling.ICECandidate))
	OnConnectionStateChange(fn func(ConnectionState))
	Close() error
}

type PeerConfig struct {
	ICEServers []string
	Kind       calls.Kind
}

// PeerFactory opens a peer connection.
type PeerFactory func(cfg PeerConfig) (Peer, error)

// Direct is the raw WebRTC strategy. Offer/answer/ICE are relayed over
// signaling and scoped to the session's room.
type Direct struct {
	relay      Relay
	newPeer    PeerFactory
	capture    Capture
	iceServers []string
	log        *slog.Logger

	mu        sync.Mutex
	joined    bool
	roomID    string
	peer      Peer
	stream    Stream
	events    Events
	subs      []*signaling.Subscription
	remoteSet bool
	pending   []signaling.ICECandidate
	remoteIn  bool
}

type DirectOptions struct {
	ICEServers []string
	Logger     *slog.Logger
}

func NewDirect(relay Relay, newPeer PeerFactory, capture Capture, opts DirectOptions) *Direct {
	servers := opts.ICEServers
	if len(servers) == 0 {
		servers = DefaultSTUNServers
	}
	l := opts.Logger
	if l == nil {
		l = slog.Default()
	}
	return &Direct{
		relay:      relay,
		newPeer:    newPeer,
		capture:    capture,
		iceServers: servers,
		log:        l.With("component", "media.direct"),
	}
}

func (d *Direct) Ready() bool {
	return d.relay != nil && d.newPeer != nil && d.capture != nil
}

func (d *Direct) Join(ctx context.Context, p Params, ev Events) error {
	if err := p.Validate(); err != nil {
		return err
	}
	if !d.Ready() {
		return ErrNotReady
	}
	if p.RoomID == "" {
		return &ConfigError{Reason: "roomId is required for direct media"}
	}

	d.mu.Lock()
	if d.joined {
		d.mu.Unlock()
		return ErrAlreadyJoined
	}
	d.mu.Unlock()

	stream, err := d.capture.Acquire(ctx, p.Kind)
	if err != nil {
		return err
	}

	peer, err := d.newPeer(PeerConfig{ICEServers: d.iceServers, Kind: p.Kind})
	if err != nil {
		_ = stream.Close()
		return fmt.Errorf("%w: %v", ErrTransport, err)
	}

	d.mu.Lock()
	d.joined = true
	d.roomID = p.RoomID
	d.peer = peer
	d.stream = stream
	d.events = ev
	d.remoteSet = false
	d.remoteIn = false
	d.pending = nil
	d.subs = []*signaling.Subscription{
		d.relay.On(signaling.EventOffer, d.onOffer),
		d.relay.On(signaling.EventAnswer, d.onAnswer),
		d.relay.On(signaling.EventICECandidate, d.onCandidate),
	}
	d.mu.Unlock()

	peer.OnICECandidate(func(c signaling.ICECandidate) {
		if err := d.relay.Emit(signaling.EventICECandidate, signaling.MediaSignal{RoomID: p.RoomID, Candidate: &c}); err != nil {
			d.log.Warn("ice candidate not relayed", "err", err)
		}
	})
	peer.OnConnectionStateChange(d.onState)

	if err := d.relay.Emit(signaling.EventJoinRoom, p.RoomID); err != nil {
		d.teardown()
		return fmt.Errorf("%w: join room: %v", ErrTransport, err)
	}

	if p.Initiator {
		offer, err := peer.CreateOffer()
		if err != nil {
			d.teardown()
			return fmt.Errorf("%w: create offer: %v", ErrTransport, err)
		}
		if err := d.relay.Emit(signaling.EventOffer, signaling.MediaSignal{RoomID: p.RoomID, Offer: &offer}); err != nil {
			d.teardown()
			return fmt.Errorf("%w: send offer: %v", ErrTransport, err)
		}
	}
	return nil
}

func (d *Direct) Leave(ctx context.Context) error {
	d.mu.Lock()
	joined, room := d.joined, d.roomID
	d.mu.Unlock()
	if !joined {
		return nil
	}
	if err := d.relay.Emit(signaling.EventLeaveRoom, room); err != nil {
		d.log.Debug("leave-room not delivered", "err", err)
	}
	d.teardown()
	return nil
}

func (d *Direct) SetMuted(muted bool) error {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return ErrNotJoined
	}
	return s.SetMuted(muted)
}

func (d *Direct) SetSpeaker(on bool) error {
	d.mu.Lock()
	s := d.stream
	d.mu.Unlock()
	if s == nil {
		return ErrNotJoined
	}
	return s.SetSpeaker(on)
}

func (d *Direct) teardown() {
	d.mu.Lock()
	subs := d.subs
	peer, stream := d.peer, d.stream
	d.subs = nil
	d.peer = nil
	d.stream = nil
	d.joined = false
	d.pending = nil
	d.remoteSet = false
	d.events = Events{}
	d.mu.Unlock()

	for _, s := range subs {
		d.relay.Off(s.Event(), s)
	}
	if peer != nil {
		_ = peer.Close()
	}
	if stream != nil {
		_ = stream.Close()
	}
}

func (d *Direct) onOffer(data json.RawMessage) {
	msg, peer, ok := d.decodeForRoom(data)
	if !ok || msg.Offer == nil {
		return
	}

	d.mu.Lock()
	if err := d.applyRemoteLocked(peer, *msg.Offer); err != nil {
		ev := d.events
		d.mu.Unlock()
		ev.fail(fmt.Errorf("%w: apply offer: %v", ErrTransport, err))
		return
	}
	room, ev := d.roomID, d.events
	d.mu.Unlock()

	answer, err := peer.CreateAnswer()
	if err != nil {
		ev.fail(fmt.Errorf("%w: create answer: %v", ErrTransport, err))
		return
	}
	if err := d.relay.Emit(signaling.EventAnswer, signaling.MediaSignal{RoomID: room, Answer: &answer}); err != nil {
		ev.fail(fmt.Errorf("%w: send answer: %v", ErrTransport, err))
	}
}

func (d *Direct) onAnswer(data json.RawMessage) {
	msg, peer, ok := d.decodeForRoom(data)
	if !ok || msg.Answer == nil {
		return
	}
	d.mu.Lock()
	err := d.applyRemoteLocked(peer, *msg.Answer)
	ev := d.events
	d.mu.Unlock()
	if err != nil {
		ev.fail(fmt.Errorf("%w: apply answer: %v", ErrTransport, err))
	}
}

func (d *Direct) onCandidate(data json.RawMessage) {
	msg, peer, ok := d.decodeForRoom(data)
	if !ok || msg.Candidate == nil {
		return
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.remoteSet {
		d.pending = append(d.pending, *msg.Candidate)
		return
	}
	if err := peer.AddICECandidate(*msg.Candidate); err != nil {
		d.log.Warn("ice candidate rejected", "err", err)
	}
}

// applyRemoteLocked sets the remote description and then flushes queued
// candidates in arrival order. Caller holds d.mu.
func (d *Direct) applyRemoteLocked(peer Peer, sd signaling.SessionDescription) error {
	if err := peer.SetRemoteDescription(sd); err != nil {
		return err
	}
	d.remoteSet = true
	queued := d.pending
	d.pending = nil
	for _, c := range queued {
		if err := peer.AddICECandidate(c); err != nil {
			d.log.Warn("queued ice candidate rejected", "err", err)
		}
	}
	return nil
}

func (d *Direct) decodeForRoom(data json.RawMessage) (signaling.MediaSignal, Peer, bool) {
	var msg signaling.MediaSignal
	if err := json.Unmarshal(data, &msg); err != nil {
		return msg, nil, false
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.joined || d.peer == nil || msg.RoomID != d.roomID {
		return msg, nil, false
	}
	return msg, d.peer, true
}

func (d *Direct) onState(s ConnectionState) {
	d.mu.Lock()
	ev := d.events
	wasIn := d.remoteIn
	switch s {
	case ConnectionConnected:
		d.remoteIn = true
	case ConnectionDisconnected, ConnectionFailed, ConnectionClosed:
		d.remoteIn = false
	}
	d.mu.Unlock()

	ev.stateChange(s)
	switch s {
	case ConnectionConnected:
		if !wasIn {
			ev.remoteJoin(1)
		}
	case ConnectionDisconnected:
		if wasIn {
			ev.remoteLeave(0)
		}
	case ConnectionFailed:
		ev.fail(fmt.Errorf("%w: peer connection failed", ErrTransport))
	}
}
