package media

import (
	"context"
	"sync"

	"therapy-calls/internal/calls"
)

// Capture acquires local audio/video devices.
type Capture interface {
	// Acquire returns a PermissionError when access is denied.
	Acquire(ctx context.Context, kind calls.Kind) (Stream, error)
}

// Stream is an acquired local capture.
type Stream interface {
	SetMuted(muted bool) error
	SetSpeaker(on bool) error
	Close() error
}

// HeadlessCapture grants access without touching devices. Used by the
// command-line client where no microphone or camera exists.
type HeadlessCapture struct{}

func (HeadlessCapture) Acquire(ctx context.Context, kind calls.Kind) (Stream, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &headlessStream{}, nil
}

type headlessStream struct {
	mu      sync.Mutex
	muted   bool
	speaker bool
}

func (s *headlessStream) SetMuted(muted bool) error {
	s.mu.Lock()
	s.muted = muted
	s.mu.Unlock()
	return nil
}

func (s *headlessStream) SetSpeaker(on bool) error {
	s.mu.Lock()
	s.speaker = on
	s.mu.Unlock()
	return nil
}

func (s *headlessStream) Close() error { return nil }
