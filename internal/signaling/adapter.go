// Package signaling is the client side of the real-time signaling channel:
// one shared connection with a bounded reconnect policy and an ordered
// event dispatcher. It knows nothing about call semantics.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
)

var (
	ErrNotConnected     = errors.New("signaling: not connected")
	ErrConnectTimeout   = errors.New("signaling: connection timeout")
	ErrConnectFailed    = errors.New("signaling: connect failed")
	ErrAdapterClosed    = errors.New("signaling: adapter closed")
	ErrInvalidEventName = errors.New("signaling: event name required")
)

// Conn is one live transport connection. ReadMessage blocks until a frame
// arrives or the connection is closed.
type Conn interface {
	ReadMessage() ([]byte, error)
	WriteMessage(data []byte) error
	Close() error
}

// Dialer opens transport connections.
type Dialer interface {
	Dial(ctx context.Context) (Conn, error)
}

// Handler receives the raw JSON payload of an event.
type Handler func(data json.RawMessage)

// Subscription identifies one registered handler for Off.
type Subscription struct {
	event string
	id    uint64
	fn    Handler
}

// Event is the event name the subscription was registered for.
func (s *Subscription) Event() string { return s.event }

type Options struct {
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Logger         *slog.Logger
}

func (o Options) withDefaults() Options {
	out := o
	if out.MaxAttempts <= 0 {
		out.MaxAttempts = 5
	}
	if out.InitialBackoff <= 0 {
		out.InitialBackoff = time.Second
	}
	if out.MaxBackoff <= 0 {
		out.MaxBackoff = 5 * time.Second
	}
	if out.Logger == nil {
		out.Logger = slog.Default()
	}
	return out
}

// Adapter owns the single shared signaling connection.
type Adapter struct {
	dialer Dialer
	opts   Options
	log    *slog.Logger

	mu         sync.Mutex
	conn       Conn
	connected  bool
	connecting bool
	closed     bool
	ctx        context.Context
	cancel     context.CancelFunc
	handlers   map[string][]*Subscription
	nextID     uint64
	waiters    []chan error

	writeMu sync.Mutex
}

func NewAdapter(d Dialer, opts Options) *Adapter {
	opts = opts.withDefaults()
	return &Adapter{
		dialer:   d,
		opts:     opts,
		log:      opts.Logger.With("component", "signaling"),
		handlers: make(map[string][]*Subscription),
		closed:   true,
	}
}

// Connect dials with the reconnect policy and starts the read loop.
// It is a no-op when already connected.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	if a.closed {
		a.closed = false
		a.ctx, a.cancel = context.WithCancel(context.Background())
	}
	a.connecting = true
	life := a.ctx
	a.mu.Unlock()

	dialCtx, stop := mergeCancel(ctx, life)
	defer stop()
	return a.dial(dialCtx)
}

// Disconnect closes the connection and stops reconnecting. Handlers stay
// registered for the next Connect.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return
	}
	a.closed = true
	wasConnected := a.connected
	a.connected = false
	conn := a.conn
	a.conn = nil
	if a.cancel != nil {
		a.cancel()
	}
	a.mu.Unlock()

	if conn != nil {
		_ = conn.Close()
	}
	a.rejectWaiters(ErrAdapterClosed)
	if wasConnected {
		a.dispatch(EventDisconnect, nil)
	}
}

func (a *Adapter) IsConnected() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.connected
}

// Emit sends one event. While disconnected it returns ErrNotConnected and
// schedules a reconnect; the message is not queued.
func (a *Adapter) Emit(event string, payload any) error {
	if event == "" {
		return ErrInvalidEventName
	}
	a.mu.Lock()
	conn, connected := a.conn, a.connected
	a.mu.Unlock()
	if !connected || conn == nil {
		a.scheduleReconnect()
		return ErrNotConnected
	}

	frame, err := encode(event, payload)
	if err != nil {
		return err
	}

	a.writeMu.Lock()
	err = conn.WriteMessage(frame)
	a.writeMu.Unlock()
	if err != nil {
		a.dropConn(conn, err)
		return fmt.Errorf("%w: %v", ErrNotConnected, err)
	}
	return nil
}

// On registers fn for event. Handlers for one event run in registration
// order on the read loop and must not block.
func (a *Adapter) On(event string, fn Handler) *Subscription {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.nextID++
	sub := &Subscription{event: event, id: a.nextID, fn: fn}
	a.handlers[event] = append(a.handlers[event], sub)
	return sub
}

// Off removes the given subscriptions for event, or every handler for
// event when none are given.
func (a *Adapter) Off(event string, subs ...*Subscription) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(subs) == 0 {
		delete(a.handlers, event)
		return
	}
	current := a.handlers[event]
	kept := current[:0:0]
	for _, h := range current {
		drop := false
		for _, s := range subs {
			if s != nil && s.id == h.id {
				drop = true
				break
			}
		}
		if !drop {
			kept = append(kept, h)
		}
	}
	if len(kept) == 0 {
		delete(a.handlers, event)
		return
	}
	a.handlers[event] = kept
}

// WaitForConnection resolves on the next successful connect, or fails with
// ErrConnectFailed on the first refused dial, or when timeout elapses.
// EventConnectError itself is dispatched only once every attempt is spent.
func (a *Adapter) WaitForConnection(ctx context.Context, timeout time.Duration) error {
	a.mu.Lock()
	if a.connected {
		a.mu.Unlock()
		return nil
	}
	ch := make(chan error, 1)
	a.waiters = append(a.waiters, ch)
	a.mu.Unlock()

	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case err := <-ch:
		return err
	case <-t.C:
		a.removeWaiter(ch)
		return ErrConnectTimeout
	case <-ctx.Done():
		a.removeWaiter(ch)
		return ctx.Err()
	}
}

// reconnectBackOff doubles from InitialBackoff and never waits longer than
// MaxBackoff. Jitter is off: backoff/v5 applies it after MaxInterval, which
// would overshoot the ceiling.
func reconnectBackOff(opts Options) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = opts.InitialBackoff
	b.MaxInterval = opts.MaxBackoff
	b.Multiplier = 2
	b.RandomizationFactor = 0
	return b
}

func (a *Adapter) dial(ctx context.Context) error {
	conn, err := backoff.Retry(ctx, func() (Conn, error) {
		return a.dialer.Dial(ctx)
	},
		backoff.WithBackOff(reconnectBackOff(a.opts)),
		backoff.WithMaxTries(uint(a.opts.MaxAttempts)),
		backoff.WithNotify(func(err error, next time.Duration) {
			a.log.Warn("signaling dial failed", "err", err, "retry_in", next)
			// Waiters learn about the first refusal; retries continue.
			a.rejectWaiters(fmt.Errorf("%w: %v", ErrConnectFailed, err))
		}),
	)

	a.mu.Lock()
	a.connecting = false
	if err != nil {
		closed := a.closed
		a.mu.Unlock()
		if closed {
			return ErrAdapterClosed
		}
		err = fmt.Errorf("%w: %v", ErrConnectFailed, err)
		a.log.Error("signaling connect failed", "err", err)
		a.rejectWaiters(err)
		a.dispatch(EventConnectError, nil)
		return err
	}
	if a.closed {
		a.mu.Unlock()
		_ = conn.Close()
		return ErrAdapterClosed
	}
	if a.connected {
		a.mu.Unlock()
		_ = conn.Close()
		return nil
	}
	a.conn = conn
	a.connected = true
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()

	go a.readLoop(conn)

	for _, w := range waiters {
		w <- nil
	}
	a.log.Info("signaling connected")
	a.dispatch(EventConnect, nil)
	return nil
}

func (a *Adapter) readLoop(conn Conn) {
	for {
		data, err := conn.ReadMessage()
		if err != nil {
			a.dropConn(conn, err)
			return
		}
		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil || env.Event == "" {
			a.log.Warn("signaling frame dropped", "err", err)
			continue
		}
		a.dispatch(env.Event, env.Data)
	}
}

// dropConn handles an unexpected transport failure on conn.
func (a *Adapter) dropConn(conn Conn, cause error) {
	a.mu.Lock()
	if a.conn != conn || a.closed {
		a.mu.Unlock()
		return
	}
	a.conn = nil
	a.connected = false
	a.mu.Unlock()

	_ = conn.Close()
	a.log.Warn("signaling disconnected", "err", cause)
	a.dispatch(EventDisconnect, nil)
	a.scheduleReconnect()
}

func (a *Adapter) scheduleReconnect() {
	a.mu.Lock()
	if a.closed || a.connected || a.connecting {
		a.mu.Unlock()
		return
	}
	a.connecting = true
	life := a.ctx
	a.mu.Unlock()

	go func() { _ = a.dial(life) }()
}

func (a *Adapter) dispatch(event string, data json.RawMessage) {
	a.mu.Lock()
	subs := append([]*Subscription(nil), a.handlers[event]...)
	a.mu.Unlock()
	for _, s := range subs {
		s.fn(data)
	}
}

func (a *Adapter) rejectWaiters(err error) {
	a.mu.Lock()
	waiters := a.waiters
	a.waiters = nil
	a.mu.Unlock()
	for _, w := range waiters {
		w <- err
	}
}

func (a *Adapter) removeWaiter(ch chan error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, w := range a.waiters {
		if w == ch {
			a.waiters = append(a.waiters[:i], a.waiters[i+1:]...)
			return
		}
	}
}

func encode(event string, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("signaling: encode %s: %w", event, err)
		}
		env.Data = raw
	}
	return json.Marshal(env)
}

// mergeCancel returns a context cancelled when either parent is done.
func mergeCancel(a, b context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(a)
	stop := context.AfterFunc(b, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
