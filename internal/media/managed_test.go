package media

import (
	"context"
	"errors"
	"testing"

	"therapy-calls/internal/calls"
)

type fakeSDK struct {
	initErr error
	joinErr error
	cfg     VendorRoomConfig
	cb      VendorCallbacks
	left    bool
	muted   bool
}

func (s *fakeSDK) Init(appID, appSecret string) error { return s.initErr }

func (s *fakeSDK) JoinRoom(ctx context.Context, cfg VendorRoomConfig, cb VendorCallbacks) error {
	s.cfg, s.cb = cfg, cb
	return s.joinErr
}

func (s *fakeSDK) LeaveRoom() error                { s.left = true; return nil }
func (s *fakeSDK) MuteMicrophone(muted bool) error { s.muted = muted; return nil }
func (s *fakeSDK) SetSpeaker(on bool) error        { return nil }

func TestManaged_TranslatesCallbacks(t *testing.T) {
	sdk := &fakeSDK{}
	m := NewManaged(sdk)

	var joined, left int
	var errs []error
	ev := Events{
		OnRemoteJoin:  func(n int) { joined = n },
		OnRemoteLeave: func(n int) { left++ },
		OnError:       func(err error) { errs = append(errs, err) },
	}
	p := validParams(true)
	p.Kind = calls.KindVideo
	if err := m.Join(context.Background(), p, ev); err != nil {
		t.Fatalf("join: %v", err)
	}
	if !sdk.cfg.Video || sdk.cfg.RoomID != "room-1" || sdk.cfg.UserID != "user_u1" {
		t.Fatalf("unexpected room config %+v", sdk.cfg)
	}

	sdk.cb.OnUserJoin(1)
	sdk.cb.OnCallEnd("UserLeft")
	sdk.cb.OnCallEnd("Busy")
	sdk.cb.OnError(VendorErrNetwork, "down")

	if joined != 1 || left != 1 {
		t.Fatalf("joined=%d left=%d", joined, left)
	}
	var re *RemoteEndedError
	if len(errs) != 2 || !errors.As(errs[0], &re) || re.Reason != calls.EndReasonBusy {
		t.Fatalf("unexpected errors %v", errs)
	}
	if !errors.Is(errs[1], ErrTransport) {
		t.Fatalf("expected transport error, got %v", errs[1])
	}

	if err := m.SetMuted(true); err != nil || !sdk.muted {
		t.Fatalf("mute not forwarded: %v", err)
	}
	if err := m.Leave(context.Background()); err != nil || !sdk.left {
		t.Fatalf("leave not forwarded: %v", err)
	}
}

func TestManaged_JoinErrorsAreClassified(t *testing.T) {
	sdk := &fakeSDK{initErr: &VendorCodeError{Code: VendorErrInvalidCredentials}}
	err := NewManaged(sdk).Join(context.Background(), validParams(true), Events{})
	if !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected configuration error, got %v", err)
	}

	sdk = &fakeSDK{joinErr: &VendorCodeError{Code: VendorErrPermissionDenied}}
	err = NewManaged(sdk).Join(context.Background(), validParams(true), Events{})
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("expected permission error, got %v", err)
	}

	if err := NewManaged(nil).Join(context.Background(), validParams(true), Events{}); !errors.Is(err, ErrNotReady) {
		t.Fatalf("expected ErrNotReady, got %v", err)
	}
}

func TestVendorMappings(t *testing.T) {
	reasons := map[string]calls.EndReason{
		"Declined":  calls.EndReasonRejected,
		"Timeout":   calls.EndReasonTimeout,
		"Cancelled": calls.EndReasonCancelled,
		"Ended":     calls.EndReasonCompleted,
		"UserLeft":  calls.EndReasonCompleted,
		"Busy":      calls.EndReasonBusy,
		"Offline":   calls.EndReasonOffline,
		"???":       calls.EndReasonError,
	}
	for in, want := range reasons {
		if got := VendorEndReason(in); got != want {
			t.Fatalf("VendorEndReason(%q)=%s want %s", in, got, want)
		}
	}
	for _, code := range []int{VendorErrNetwork, VendorErrRoomFailed, VendorErrTimeout, 42} {
		if !errors.Is(VendorError(code, ""), ErrTransport) {
			t.Fatalf("code %d should map to a transport error", code)
		}
	}
}
