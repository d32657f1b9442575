package signaling

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"therapy-calls/internal/auth"
	"therapy-calls/internal/metrics"
)

// roomBacklog bounds media signals held for a peer that has not joined yet.
const roomBacklog = 64

// callRetention bounds how long a routed call's parties are remembered
// when no terminal event arrives.
const callRetention = 2 * time.Hour

const (
	outcomeDelivered = "delivered"
	outcomeOffline   = "offline"
	outcomeDropped   = "dropped"
	outcomeQueued    = "queued"
)

var errClientClosed = errors.New("signaling: connection closed")

// Hub is the server side of the signaling channel. Call-control events are
// routed between the two parties of a call by user id; offer, answer and ICE
// candidates are relayed to the other members of a room.
type Hub struct {
	upgrader     websocket.Upgrader
	log          *slog.Logger
	writeTimeout time.Duration

	mu      sync.RWMutex
	clients map[string]*hubClient
	rooms   map[string]*room
	calls   map[string]routedCall
	now     func() time.Time
}

// routedCall is who a call-request connected. Control events for the call
// are only relayed between these two ids.
type routedCall struct {
	userID      string
	therapistID string
	at          time.Time
}

type hubClient struct {
	conn   *websocket.Conn
	userID string
	name   string
	role   string

	writeTimeout time.Duration
	writeMu      sync.Mutex
	closed       atomic.Bool
}

type room struct {
	members map[*hubClient]struct{}
	backlog []queued
}

type queued struct {
	from *hubClient
	env  Envelope
}

type HubOptions struct {
	Logger       *slog.Logger
	WriteTimeout time.Duration
	// CheckOrigin defaults to allowing every origin; clients authenticate
	// with a bearer token, not cookies.
	CheckOrigin func(r *http.Request) bool
}

func NewHub(opts HubOptions) *Hub {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 10 * time.Second
	}
	if opts.CheckOrigin == nil {
		opts.CheckOrigin = func(*http.Request) bool { return true }
	}
	return &Hub{
		upgrader:     websocket.Upgrader{CheckOrigin: opts.CheckOrigin},
		log:          opts.Logger.With("component", "hub"),
		writeTimeout: opts.WriteTimeout,
		clients:      make(map[string]*hubClient),
		rooms:        make(map[string]*room),
		calls:        make(map[string]routedCall),
		now:          time.Now,
	}
}

// ServeWS upgrades an authenticated request. It must run behind
// auth.RequireAccessToken.
func (h *Hub) ServeWS(c *gin.Context) {
	ctx := c.Request.Context()
	userID, err := auth.UserID(ctx)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "user_id required"})
		return
	}
	role, _ := auth.Role(ctx)

	conn, err := h.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.log.Warn("ws upgrade failed", "user_id", userID, "err", err)
		return
	}

	client := &hubClient{conn: conn, userID: userID, name: auth.Name(ctx), role: role, writeTimeout: h.writeTimeout}
	h.register(client)
	defer h.unregister(client)

	for {
		var env Envelope
		if err := conn.ReadJSON(&env); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.log.Debug("ws read ended", "user_id", userID, "err", err)
			}
			return
		}
		if env.Event == "" {
			continue
		}
		h.route(client, env)
	}
}

// Online reports whether userID has a live connection.
func (h *Hub) Online(userID string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	_, ok := h.clients[userID]
	return ok
}

func (h *Hub) register(c *hubClient) {
	h.mu.Lock()
	prev := h.clients[c.userID]
	h.clients[c.userID] = c
	h.mu.Unlock()

	// Last connection wins; the older socket is closed so its reader exits.
	if prev != nil {
		h.log.Info("replacing connection", "user_id", c.userID)
		prev.close()
	}
	metrics.HubConnected()
	h.log.Debug("client connected", "user_id", c.userID, "role", c.role)
}

func (h *Hub) unregister(c *hubClient) {
	c.close()

	h.mu.Lock()
	if h.clients[c.userID] == c {
		delete(h.clients, c.userID)
	}
	for id, r := range h.rooms {
		delete(r.members, c)
		if len(r.members) == 0 {
			delete(h.rooms, id)
		}
	}
	h.mu.Unlock()

	metrics.HubDisconnected()
	h.log.Debug("client disconnected", "user_id", c.userID)
}

func (h *Hub) route(from *hubClient, env Envelope) {
	switch env.Event {
	case EventCallRequest, EventCallTherapist:
		h.routeCallRequest(from, env)
	case EventCallAccepted, EventCallRejected, EventCallTimeout, EventCallEnded,
		EventUserBusy, EventCallBusy:
		h.routeControl(from, env.Event, env)
	case EventCancelCall:
		// The callee learns about a caller's cancel as call-cancelled.
		h.routeControl(from, EventCallCancelled, env)
	case EventJoinRoom:
		h.joinRoom(from, env)
	case EventLeaveRoom:
		h.leaveRoom(from, env)
	case EventOffer, EventAnswer, EventICECandidate:
		h.relayMedia(from, env)
	default:
		metrics.IncHubEvent("unknown", outcomeDropped)
		h.log.Debug("dropping unknown event", "event", env.Event, "user_id", from.userID)
	}
}

// routeCallRequest delivers a call to the therapist as incoming-call. The
// caller's identity comes from its token, never from the payload.
func (h *Hub) routeCallRequest(from *hubClient, env Envelope) {
	var cc CallControl
	if err := json.Unmarshal(env.Data, &cc); err != nil || cc.CallID == "" || cc.TherapistID == "" || cc.TherapistID == from.userID {
		metrics.IncHubEvent(EventCallRequest, outcomeDropped)
		h.log.Debug("malformed call-request", "user_id", from.userID, "err", err)
		return
	}
	cc.UserID = from.userID
	if cc.UserName == "" {
		cc.UserName = from.name
	}
	if !h.trackCall(cc.CallID, cc.UserID, cc.TherapistID) {
		metrics.IncHubEvent(EventCallRequest, outcomeDropped)
		h.log.Warn("call id already routed for other parties", "call_id", cc.CallID, "user_id", from.userID)
		return
	}

	if !h.sendTo(cc.TherapistID, EventIncomingCall, cc) {
		h.forgetCall(cc.CallID)
		metrics.IncHubEvent(EventCallRequest, outcomeOffline)
		_ = from.send(EventUserOffline, CallControl{CallID: cc.CallID, UserID: cc.UserID, TherapistID: cc.TherapistID})
		return
	}
	metrics.IncHubEvent(EventCallRequest, outcomeDelivered)
}

// routeControl forwards a call-control event to the sender's counterpart
// in a call this hub routed. The parties come from the routed call, so a
// payload naming other ids cannot redirect the event.
func (h *Hub) routeControl(from *hubClient, deliverAs string, env Envelope) {
	var cc CallControl
	if err := json.Unmarshal(env.Data, &cc); err != nil || cc.CallID == "" {
		metrics.IncHubEvent(env.Event, outcomeDropped)
		return
	}
	h.mu.RLock()
	call, known := h.calls[cc.CallID]
	h.mu.RUnlock()

	var target string
	switch {
	case !known:
	case from.userID == call.userID:
		target = call.therapistID
	case from.userID == call.therapistID:
		target = call.userID
	}
	if target == "" {
		metrics.IncHubEvent(env.Event, outcomeDropped)
		h.log.Debug("sender is not a call party", "event", env.Event, "call_id", cc.CallID, "user_id", from.userID)
		return
	}
	if isTerminal(env.Event) {
		h.forgetCall(cc.CallID)
	}

	cc.UserID, cc.TherapistID = call.userID, call.therapistID
	if !h.sendTo(target, deliverAs, cc) {
		metrics.IncHubEvent(env.Event, outcomeOffline)
		return
	}
	metrics.IncHubEvent(env.Event, outcomeDelivered)
}

// trackCall records the parties of callID. It refuses a call id already
// routed between other parties.
func (h *Hub) trackCall(callID, userID, therapistID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	now := h.now()
	for id, c := range h.calls {
		if now.Sub(c.at) > callRetention {
			delete(h.calls, id)
		}
	}
	if c, ok := h.calls[callID]; ok && (c.userID != userID || c.therapistID != therapistID) {
		return false
	}
	h.calls[callID] = routedCall{userID: userID, therapistID: therapistID, at: now}
	return true
}

func (h *Hub) forgetCall(callID string) {
	h.mu.Lock()
	delete(h.calls, callID)
	h.mu.Unlock()
}

func isTerminal(event string) bool {
	switch event {
	case EventCallRejected, EventCallTimeout, EventCallEnded, EventCancelCall, EventUserBusy, EventCallBusy:
		return true
	}
	return false
}

func (h *Hub) joinRoom(from *hubClient, env Envelope) {
	roomID, ok := roomOf(env)
	if !ok {
		metrics.IncHubEvent(EventJoinRoom, outcomeDropped)
		return
	}

	h.mu.Lock()
	r := h.rooms[roomID]
	if r == nil {
		r = &room{members: make(map[*hubClient]struct{})}
		h.rooms[roomID] = r
	}
	r.members[from] = struct{}{}
	// Flush under the lock so live signals cannot overtake queued ones.
	kept := r.backlog[:0]
	for _, q := range r.backlog {
		if q.from == from {
			kept = append(kept, q)
			continue
		}
		if err := from.sendRaw(q.env.Event, q.env.Data); err != nil {
			h.log.Debug("backlog flush failed", "room_id", roomID, "err", err)
		}
	}
	r.backlog = kept
	h.mu.Unlock()
	metrics.IncHubEvent(EventJoinRoom, outcomeDelivered)
}

func (h *Hub) leaveRoom(from *hubClient, env Envelope) {
	roomID, ok := roomOf(env)
	if !ok {
		return
	}
	h.mu.Lock()
	if r := h.rooms[roomID]; r != nil {
		delete(r.members, from)
		if len(r.members) == 0 {
			delete(h.rooms, roomID)
		}
	}
	h.mu.Unlock()
	metrics.IncHubEvent(EventLeaveRoom, outcomeDelivered)
}

// relayMedia sends a media signal to the sender's room peers, or queues it
// until one joins.
func (h *Hub) relayMedia(from *hubClient, env Envelope) {
	var msg MediaSignal
	if err := json.Unmarshal(env.Data, &msg); err != nil || msg.RoomID == "" {
		metrics.IncHubEvent(env.Event, outcomeDropped)
		return
	}

	h.mu.Lock()
	r := h.rooms[msg.RoomID]
	if r == nil {
		h.mu.Unlock()
		metrics.IncHubEvent(env.Event, outcomeDropped)
		return
	}
	if _, member := r.members[from]; !member {
		h.mu.Unlock()
		metrics.IncHubEvent(env.Event, outcomeDropped)
		h.log.Debug("media signal from non-member", "room_id", msg.RoomID, "user_id", from.userID)
		return
	}
	var peers []*hubClient
	for m := range r.members {
		if m != from {
			peers = append(peers, m)
		}
	}
	if len(peers) == 0 {
		if len(r.backlog) < roomBacklog {
			r.backlog = append(r.backlog, queued{from: from, env: env})
			h.mu.Unlock()
			metrics.IncHubEvent(env.Event, outcomeQueued)
			return
		}
		h.mu.Unlock()
		metrics.IncHubEvent(env.Event, outcomeDropped)
		return
	}
	h.mu.Unlock()

	for _, p := range peers {
		if err := p.sendRaw(env.Event, env.Data); err != nil {
			metrics.IncHubEvent(env.Event, outcomeDropped)
			continue
		}
		metrics.IncHubEvent(env.Event, outcomeDelivered)
	}
}

func (h *Hub) sendTo(userID, event string, payload any) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		return false
	}
	return h.sendRaw(userID, event, data)
}

func (h *Hub) sendRaw(userID, event string, data json.RawMessage) bool {
	h.mu.RLock()
	c := h.clients[userID]
	h.mu.RUnlock()
	if c == nil {
		return false
	}
	if err := c.sendRaw(event, data); err != nil {
		h.log.Debug("send failed", "user_id", userID, "event", event, "err", err)
		return false
	}
	return true
}

// roomOf accepts a bare room id string or {"roomId": ...}.
func roomOf(env Envelope) (string, bool) {
	var id string
	if err := json.Unmarshal(env.Data, &id); err != nil {
		var msg MediaSignal
		if err := json.Unmarshal(env.Data, &msg); err != nil {
			return "", false
		}
		id = msg.RoomID
	}
	id = strings.TrimSpace(id)
	return id, id != ""
}

func (c *hubClient) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.sendRaw(event, data)
}

func (c *hubClient) sendRaw(event string, data json.RawMessage) error {
	if c.closed.Load() {
		return errClientClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	return c.conn.WriteJSON(Envelope{Event: event, Data: data})
}

func (c *hubClient) close() {
	if c.closed.CompareAndSwap(false, true) {
		_ = c.conn.Close()
	}
}
