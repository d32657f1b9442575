// Command callclient is a headless call client. It connects to the
// signaling hub, registers calls with the ledger and runs the call
// lifecycle without a UI: a user can place a call, a therapist can
// auto-accept incoming ones.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"therapy-calls/internal/callmanager"
	"therapy-calls/internal/calls"
	"therapy-calls/internal/callstate"
	"therapy-calls/internal/config"
	"therapy-calls/internal/ledger"
	"therapy-calls/internal/media"
	"therapy-calls/internal/metrics"
	"therapy-calls/internal/pricing"
	"therapy-calls/internal/push"
	"therapy-calls/internal/signaling"
	"therapy-calls/pkg/logger"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var errNoVendorSDK = errors.New("managed media strategy has no vendor SDK binding in this build")

type flags struct {
	call        string
	kind        string
	hangUpAfter time.Duration
	autoAccept  bool
	metricsAddr string
}

func main() {
	var f flags
	flag.StringVar(&f.call, "call", "", "therapist id to call (user role only)")
	flag.StringVar(&f.kind, "kind", "voice", "call kind: voice or video")
	flag.DurationVar(&f.hangUpAfter, "hangup-after", 0, "hang up once the call has been active this long")
	flag.BoolVar(&f.autoAccept, "auto-accept", false, "accept incoming calls (therapist role only)")
	flag.StringVar(&f.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	flag.Parse()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := config.LoadClient()
	if err != nil {
		slog.Error("config load failed", "err", err)
		os.Exit(1)
	}
	log := logger.New(cfg.Env).With("local_id", cfg.LocalID, "role", cfg.LocalRole)
	slog.SetDefault(log)

	if err := run(ctx, cfg, f, log); err != nil {
		log.Error("call client stopped", "err", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg config.ClientConfig, f flags, log *slog.Logger) error {
	kind, err := calls.ParseKind(f.kind)
	if err != nil {
		return err
	}
	role := calls.Role(cfg.LocalRole)
	if f.call != "" && role != calls.RoleUser {
		return errors.New("-call requires LOCAL_ROLE=user")
	}

	adapter := signaling.NewAdapter(signaling.WebSocketDialer{URL: cfg.SignalingURL, Token: cfg.AuthToken}, signaling.Options{Logger: log})
	led := ledger.NewClient(cfg.LedgerBaseURL, cfg.AuthToken, ledger.Options{Logger: log})

	med, err := newMediaController(cfg, adapter, log)
	if err != nil {
		return err
	}

	machine, err := callstate.New(callstate.Config{
		Local:          callstate.Local{ID: cfg.LocalID, Name: cfg.LocalName, Role: role},
		MediaAppID:     cfg.Media.AppID,
		MediaAppSecret: cfg.Media.AppSecret,
		RingTimeout:    cfg.RingTimeout,
		ConnectTimeout: cfg.ConnectTimeout,
		LeaveGrace:     cfg.LeaveGrace,
	}, callstate.Deps{
		Signaling: adapter,
		Ledger:    led,
		Media:     med,
		Pricing:   pricing.DefaultTable(),
		Metrics:   metrics.Recorder{},
		Logger:    log,
	})
	if err != nil {
		return err
	}

	mg := callmanager.New(machine, adapter, callmanager.Options{Logger: log})
	mg.Start()
	defer mg.Stop()

	if f.metricsAddr != "" {
		srv := &http.Server{Addr: f.metricsAddr, Handler: promhttp.Handler(), ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Warn("metrics server failed", "err", err)
			}
		}()
		defer srv.Close()
	}

	if err := adapter.Connect(ctx); err != nil {
		return fmt.Errorf("connect signaling: %w", err)
	}
	defer adapter.Disconnect()

	if cfg.NATSURL != "" {
		nc, err := push.Connect(cfg.NATSURL, push.Options{Name: "therapy-calls-client", Logger: log})
		if err != nil {
			return err
		}
		defer nc.Close()
		stopPush, err := push.Listen(nc, cfg.LocalID, mg, log)
		if err != nil {
			return err
		}
		defer stopPush()
	}

	if bal := mg.RefreshBalance(ctx); !bal.Success {
		log.Warn("balance refresh failed", "err", bal.Error)
	}

	// Intents run on this goroutine, never inside a state listener.
	changes := make(chan callmanager.State, 16)
	unsubscribe := mg.Subscribe(func(st callmanager.State) {
		select {
		case changes <- st:
		default:
		}
	})
	defer unsubscribe()

	if f.call != "" {
		res := mg.InitiateCall(ctx, calls.Participant{ID: f.call, Role: calls.RoleTherapist}, kind)
		if !res.Success {
			return fmt.Errorf("call not placed: %s", res.Error)
		}
		log.Info("calling", "therapist_id", f.call, "kind", kind, "call_id", res.Session.BackendCallID)
	}

	var hangUp <-chan time.Time
	last := calls.StateIdle
	for {
		select {
		case <-ctx.Done():
			if mg.State().Session.State.Live() {
				mg.HangUp()
			}
			return nil
		case <-hangUp:
			hangUp = nil
			log.Info("hanging up", "after", f.hangUpAfter)
			mg.HangUp()
		case st := <-changes:
			s := st.Session
			if s.State != last {
				log.Info("call state", "from", last, "to", s.State, "counterpart", s.CounterpartID, "reason", s.EndReason)
				last = s.State
			}
			if st.Error != "" {
				log.Warn("call error", "message", st.Error)
			}
			if s.State == calls.StateActive && f.hangUpAfter > 0 && hangUp == nil {
				hangUp = time.After(f.hangUpAfter)
			}
			if s.State == calls.StateEnded {
				hangUp = nil
			}
			if s.State == calls.StateEnded && s.Billing != nil {
				log.Info("call billed", "minutes", s.Billing.DurationMinutes, "cost", s.Billing.CostInCoins, "balance", st.Balance, "earnings", st.Earnings)
				if f.call != "" {
					// One-shot caller.
					return nil
				}
			}
			if st.Incoming != nil && f.autoAccept && !s.State.Live() {
				if res := mg.AcceptCall(ctx); !res.Success {
					log.Warn("accept failed", "err", res.Error)
				}
			}
		}
	}
}

func newMediaController(cfg config.ClientConfig, relay media.Relay, log *slog.Logger) (media.Controller, error) {
	switch cfg.Media.Strategy {
	case "", "direct":
		return media.NewDirect(relay, media.NewPionPeer, media.HeadlessCapture{}, media.DirectOptions{
			ICEServers: cfg.Media.STUNURLs,
			Logger:     log,
		}), nil
	case "managed":
		return nil, errNoVendorSDK
	default:
		return nil, fmt.Errorf("unknown media strategy %q", cfg.Media.Strategy)
	}
}
