package callstate

import "time"

// Timer is a cancellable pending callback.
type Timer interface {
	Stop() bool
}

// Clock supplies time and timers. Tests swap in a manual clock.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type systemClock struct{}

func (systemClock) Now() time.Time { return time.Now() }

func (systemClock) AfterFunc(d time.Duration, f func()) Timer { return time.AfterFunc(d, f) }

// SystemClock is the wall clock.
var SystemClock Clock = systemClock{}

// sessionTimer is one of the per-session timers. The generation lets a
// callback that already fired detect it was disarmed while waiting for the
// machine lock. Guarded by Machine.mu.
type sessionTimer struct {
	t   Timer
	gen uint64
}

func (st *sessionTimer) arm(c Clock, d time.Duration, fire func(gen uint64)) {
	st.stop()
	g := st.gen
	st.t = c.AfterFunc(d, func() { fire(g) })
}

func (st *sessionTimer) stop() {
	if st.t != nil {
		st.t.Stop()
		st.t = nil
	}
	st.gen++
}

func (st *sessionTimer) armed() bool { return st.t != nil }

func (st *sessionTimer) current(gen uint64) bool { return st.t != nil && st.gen == gen }
