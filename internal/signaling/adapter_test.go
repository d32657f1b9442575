package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type fakeConn struct {
	in     chan []byte
	mu     sync.Mutex
	out    []Envelope
	closed chan struct{}
	once   sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan []byte, 16), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() ([]byte, error) {
	select {
	case b := <-c.in:
		return b, nil
	case <-c.closed:
		return nil, io.EOF
	}
}

func (c *fakeConn) WriteMessage(data []byte) error {
	select {
	case <-c.closed:
		return io.ErrClosedPipe
	default:
	}
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return err
	}
	c.mu.Lock()
	c.out = append(c.out, env)
	c.mu.Unlock()
	return nil
}

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) sent() []Envelope {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Envelope(nil), c.out...)
}

func (c *fakeConn) push(t *testing.T, event string, payload any) {
	t.Helper()
	b, err := encode(event, payload)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	c.in <- b
}

type fakeDialer struct {
	mu       sync.Mutex
	failures int
	attempts int
	conns    []*fakeConn
}

func (d *fakeDialer) Dial(ctx context.Context) (Conn, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.attempts++
	if d.failures > 0 {
		d.failures--
		return nil, errors.New("dial refused")
	}
	c := newFakeConn()
	d.conns = append(d.conns, c)
	return c, nil
}

func (d *fakeDialer) last() *fakeConn {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.conns) == 0 {
		return nil
	}
	return d.conns[len(d.conns)-1]
}

func fastOpts() Options {
	return Options{InitialBackoff: time.Millisecond, MaxBackoff: 2 * time.Millisecond}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("condition not met")
}

func TestAdapter_EmitWhileDisconnectedFailsClosed(t *testing.T) {
	a := NewAdapter(&fakeDialer{}, fastOpts())
	if err := a.Emit(EventCallRequest, CallControl{CallID: "c1"}); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestAdapter_ConnectRetriesThenSucceeds(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{failures: 3}
	a := NewAdapter(d, fastOpts())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if !a.IsConnected() {
		t.Fatalf("expected connected")
	}
	if d.attempts != 4 {
		t.Fatalf("expected 4 attempts, got %d", d.attempts)
	}
	a.Disconnect()
}

func TestAdapter_ConnectGivesUpAfterFiveAttempts(t *testing.T) {
	d := &fakeDialer{failures: 10}
	a := NewAdapter(d, fastOpts())

	var gotConnectError bool
	a.On(EventConnectError, func(json.RawMessage) { gotConnectError = true })

	err := a.Connect(context.Background())
	if !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if d.attempts != 5 {
		t.Fatalf("expected 5 attempts, got %d", d.attempts)
	}
	if !gotConnectError {
		t.Fatalf("expected connect_error dispatch")
	}
}

func TestAdapter_DispatchesInOrderAndOff(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	a := NewAdapter(d, fastOpts())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Disconnect()

	var mu sync.Mutex
	var order []string
	record := func(tag string) Handler {
		return func(data json.RawMessage) {
			var p CallControl
			_ = json.Unmarshal(data, &p)
			mu.Lock()
			order = append(order, tag+":"+p.CallID)
			mu.Unlock()
		}
	}
	a.On(EventCallAccepted, record("a"))
	second := a.On(EventCallAccepted, record("b"))

	conn := d.last()
	conn.push(t, EventCallAccepted, CallControl{CallID: "1"})
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(order) == 2 })

	a.Off(EventCallAccepted, second)
	conn.push(t, EventCallAccepted, CallControl{CallID: "2"})
	waitFor(t, func() bool { mu.Lock(); defer mu.Unlock(); return len(order) == 3 })

	mu.Lock()
	defer mu.Unlock()
	want := []string{"a:1", "b:1", "a:2"}
	for i := range want {
		if order[i] != want[i] {
			t.Fatalf("order=%v want %v", order, want)
		}
	}
}

func TestAdapter_EmitWritesEnvelope(t *testing.T) {
	d := &fakeDialer{}
	a := NewAdapter(d, fastOpts())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer a.Disconnect()

	if err := a.Emit(EventCancelCall, CallControl{CallID: "c9", RoomID: "r9"}); err != nil {
		t.Fatalf("emit: %v", err)
	}
	sent := d.last().sent()
	if len(sent) != 1 || sent[0].Event != EventCancelCall {
		t.Fatalf("unexpected frames: %+v", sent)
	}
	var p CallControl
	if err := json.Unmarshal(sent[0].Data, &p); err != nil || p.CallID != "c9" || p.RoomID != "r9" {
		t.Fatalf("unexpected payload %s", sent[0].Data)
	}
}

func TestAdapter_ReconnectsAfterDrop(t *testing.T) {
	defer goleak.VerifyNone(t, goleak.IgnoreCurrent())

	d := &fakeDialer{}
	a := NewAdapter(d, fastOpts())
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}

	var drops int
	var mu sync.Mutex
	a.On(EventDisconnect, func(json.RawMessage) { mu.Lock(); drops++; mu.Unlock() })

	first := d.last()
	_ = first.Close()

	waitFor(t, func() bool { return a.IsConnected() && d.last() != first })
	mu.Lock()
	if drops != 1 {
		t.Fatalf("expected one disconnect dispatch, got %d", drops)
	}
	mu.Unlock()
	a.Disconnect()
}

func TestAdapter_WaitForConnection(t *testing.T) {
	d := &fakeDialer{}
	a := NewAdapter(d, fastOpts())

	if err := a.WaitForConnection(context.Background(), 10*time.Millisecond); !errors.Is(err, ErrConnectTimeout) {
		t.Fatalf("expected ErrConnectTimeout, got %v", err)
	}

	done := make(chan error, 1)
	go func() { done <- a.WaitForConnection(context.Background(), time.Second) }()
	waitFor(t, func() bool { a.mu.Lock(); defer a.mu.Unlock(); return len(a.waiters) == 1 })
	if err := a.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := <-done; err != nil {
		t.Fatalf("expected resolved wait, got %v", err)
	}
	a.Disconnect()

	d.mu.Lock()
	d.failures = 10
	d.mu.Unlock()
	go func() { done <- a.WaitForConnection(context.Background(), time.Second) }()
	waitFor(t, func() bool { a.mu.Lock(); defer a.mu.Unlock(); return len(a.waiters) == 1 })
	_ = a.Connect(context.Background())
	if err := <-done; !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected wait rejected by connect_error, got %v", err)
	}
}

func TestReconnectBackOff_StaysUnderCeiling(t *testing.T) {
	opts := Options{}.withDefaults()
	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 5 * time.Second, 5 * time.Second}
	for run := 0; run < 200; run++ {
		b := reconnectBackOff(opts)
		for i, w := range want {
			got := b.NextBackOff()
			if got > opts.MaxBackoff {
				t.Fatalf("delay %d = %s exceeds %s", i, got, opts.MaxBackoff)
			}
			if got != w {
				t.Fatalf("delay %d = %s, want %s", i, got, w)
			}
		}
	}
}

func TestAdapter_WaitFailsOnFirstRefusedDial(t *testing.T) {
	d := &fakeDialer{failures: 10}
	a := NewAdapter(d, Options{InitialBackoff: 300 * time.Millisecond, MaxBackoff: 300 * time.Millisecond, MaxAttempts: 3})

	var connectErrors int
	var mu sync.Mutex
	a.On(EventConnectError, func(json.RawMessage) { mu.Lock(); connectErrors++; mu.Unlock() })

	done := make(chan error, 1)
	go func() { done <- a.WaitForConnection(context.Background(), 2*time.Second) }()
	waitFor(t, func() bool { a.mu.Lock(); defer a.mu.Unlock(); return len(a.waiters) == 1 })

	connected := make(chan error, 1)
	go func() { connected <- a.Connect(context.Background()) }()

	start := time.Now()
	if err := <-done; !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected ErrConnectFailed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 250*time.Millisecond {
		t.Fatalf("waiter rejected after %s, should not wait for the retries", elapsed)
	}

	if err := <-connected; !errors.Is(err, ErrConnectFailed) {
		t.Fatalf("expected connect to give up, got %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if connectErrors != 1 {
		t.Fatalf("expected one connect_error once attempts ran out, got %d", connectErrors)
	}
}
