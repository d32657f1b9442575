package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"therapy-calls/internal/calls"
)

func TestInitiateCall_SendsBearerAndDecodes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/call/initiate" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer tok" {
			t.Errorf("authorization=%q", got)
		}
		var req InitiateRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode: %v", err)
		}
		if req.TherapistID != "t1" || req.CallType != calls.KindVideo || req.SessionID != "call_u1_t1_1_x" {
			t.Errorf("unexpected body %+v", req)
		}
		_, _ = w.Write([]byte(`{"callId":"c-1","roomId":"r-1"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", "tok", Options{})
	out, err := c.InitiateCall(context.Background(), InitiateRequest{TherapistID: "t1", CallType: calls.KindVideo, SessionID: "call_u1_t1_1_x"})
	if err != nil {
		t.Fatalf("initiate: %v", err)
	}
	if out.CallID != "c-1" || out.RoomID != "r-1" {
		t.Fatalf("unexpected response %+v", out)
	}
}

func TestInitiateCall_InsufficientBalance(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusPaymentRequired)
		_, _ = w.Write([]byte(`{"error":"insufficient balance"}`))
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "", Options{}).InitiateCall(context.Background(), InitiateRequest{TherapistID: "t1"})
	var apiErr *APIError
	if !errors.As(err, &apiErr) || apiErr.Status != http.StatusPaymentRequired || apiErr.Message != "insufficient balance" {
		t.Fatalf("expected 402 APIError, got %v", err)
	}
}

func TestEndCall_PostsOnceWithoutRetry(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		if r.URL.Path != "/call/end/c-9" {
			t.Errorf("path=%s", r.URL.Path)
		}
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "tok", Options{}).EndCall(context.Background(), "c-9", EndRequest{Reason: "completed", CostInCoins: 5})
	if err == nil {
		t.Fatalf("expected error")
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("end call must not be retried, hits=%d", hits)
	}
}

func TestEndCall_DecodesBalances(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req EndRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		if req.DurationMinutes != 2 || req.CostInCoins != 10 || req.TherapistEarningsCoins != 5 {
			t.Errorf("unexpected body %+v", req)
		}
		_, _ = w.Write([]byte(`{"newBalance":90}`))
	}))
	defer srv.Close()

	out, err := NewClient(srv.URL, "tok", Options{}).EndCall(context.Background(), "c-1", EndRequest{
		EndedBy: "user", Duration: 61, Reason: "completed", CostInCoins: 10, DurationMinutes: 2, TherapistEarningsCoins: 5,
	})
	if err != nil {
		t.Fatalf("end: %v", err)
	}
	if out.NewBalance == nil || *out.NewBalance != 90 || out.NewEarnings != nil {
		t.Fatalf("unexpected response %+v", out)
	}

	if _, err := NewClient(srv.URL, "tok", Options{}).EndCall(context.Background(), " ", EndRequest{}); !errors.Is(err, ErrMissingCallID) {
		t.Fatalf("expected ErrMissingCallID, got %v", err)
	}
}

func TestBalance_RetriesTransientFailures(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if atomic.AddInt32(&hits, 1) < 3 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"coinBalance":42.5}`))
	}))
	defer srv.Close()

	bal, err := NewClient(srv.URL, "tok", Options{}).Balance(context.Background())
	if err != nil {
		t.Fatalf("balance: %v", err)
	}
	if bal != 42.5 || atomic.LoadInt32(&hits) != 3 {
		t.Fatalf("balance=%v hits=%d", bal, hits)
	}
}

func TestBalance_UnauthorizedIsPermanent(t *testing.T) {
	var hits int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&hits, 1)
		w.WriteHeader(http.StatusUnauthorized)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "bad", Options{}).Balance(context.Background())
	if !errors.Is(err, ErrUnauthorized) {
		t.Fatalf("expected ErrUnauthorized, got %v", err)
	}
	if atomic.LoadInt32(&hits) != 1 {
		t.Fatalf("permanent errors must not be retried, hits=%d", hits)
	}
}
