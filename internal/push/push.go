// Package push carries incoming-call wake-ups over NATS. The backend publishes
// to push.calls.<calleeId>; the callee's client subscribes and hands the
// notice to the call manager, which dedupes it against the signaling copy.
package push

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"therapy-calls/internal/calls"
	"therapy-calls/internal/identity"
)

const subjectPrefix = "push.calls."

type NoticeType string

const (
	NoticeIncoming  NoticeType = "incoming-call"
	NoticeCancelled NoticeType = "call-cancelled"
)

// Notice is the message body on a push subject.
type Notice struct {
	Type NoticeType         `json:"type"`
	Call calls.IncomingCall `json:"call"`
}

var ErrMissingCallee = errors.New("push: callee id required")

// Subject is the NATS subject a callee listens on.
func Subject(calleeID string) string {
	return subjectPrefix + identity.Sanitize(calleeID)
}

// Conn is the part of *nats.Conn used here.
type Conn interface {
	Publish(subject string, data []byte) error
	Subscribe(subject string, cb nats.MsgHandler) (*nats.Subscription, error)
}

type Options struct {
	Name          string
	ReconnectWait time.Duration
	MaxReconnects int
	Logger        *slog.Logger
}

// Connect dials NATS with reconnect handlers that log through slog.
func Connect(url string, opts Options) (*nats.Conn, error) {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	if opts.MaxReconnects == 0 {
		opts.MaxReconnects = -1
	}
	log := opts.Logger.With("component", "push")
	nc, err := nats.Connect(url,
		nats.Name(opts.Name),
		nats.ReconnectWait(opts.ReconnectWait),
		nats.MaxReconnects(opts.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "err", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(*nats.Conn) {
			log.Info("nats connection closed")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("push: connect nats: %w", err)
	}
	return nc, nil
}

// Publisher is used by the backend.
type Publisher struct {
	conn Conn
}

func NewPublisher(conn Conn) *Publisher { return &Publisher{conn: conn} }

func (p *Publisher) NotifyIncoming(in calls.IncomingCall) error {
	return p.publish(Notice{Type: NoticeIncoming, Call: in})
}

func (p *Publisher) NotifyCancelled(calleeID, callID string) error {
	return p.publish(Notice{Type: NoticeCancelled, Call: calls.IncomingCall{CallID: callID, CalleeID: calleeID}})
}

func (p *Publisher) publish(n Notice) error {
	if n.Call.CalleeID == "" {
		return ErrMissingCallee
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	if err := p.conn.Publish(Subject(n.Call.CalleeID), data); err != nil {
		return fmt.Errorf("push: publish %s: %w", n.Type, err)
	}
	return nil
}

// Sink receives notices on the client.
type Sink interface {
	HandlePush(in calls.IncomingCall)
	HandlePushCancelled(callID string)
}

// Listen subscribes to the callee's subject until stop is called.
func Listen(conn Conn, calleeID string, sink Sink, log *slog.Logger) (stop func(), err error) {
	if calleeID == "" {
		return nil, ErrMissingCallee
	}
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "push")
	subject := Subject(calleeID)

	sub, err := conn.Subscribe(subject, func(msg *nats.Msg) {
		var n Notice
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Warn("malformed push notice", "subject", msg.Subject, "err", err)
			return
		}
		switch n.Type {
		case NoticeIncoming:
			sink.HandlePush(n.Call)
		case NoticeCancelled:
			sink.HandlePushCancelled(n.Call.CallID)
		default:
			log.Debug("ignoring push notice", "type", string(n.Type))
		}
	})
	if err != nil {
		return nil, fmt.Errorf("push: subscribe %s: %w", subject, err)
	}
	log.Debug("listening for push notices", "subject", subject)
	return func() {
		if sub != nil {
			_ = sub.Unsubscribe()
		}
	}, nil
}
