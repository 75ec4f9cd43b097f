package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/fyrsmithlabs/neighbor/internal/session"
)

// DefaultPrefix is the root of every subject.
const DefaultPrefix = "neighbor"

// SessionSubject is where lifecycle events for one session are published:
//
//	{prefix}.sessions.{session_id}.{state}
func SessionSubject(prefix, sessionID string, state session.State) string {
	return fmt.Sprintf("%s.sessions.%s.%s", prefix, sessionID, state)
}

// IntentSubject is where user intents are received.
func IntentSubject(prefix string) string {
	return prefix + ".intents"
}

// NATSPublisher publishes session events to NATS.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// NewNATSPublisher creates a publisher. An empty prefix uses DefaultPrefix.
func NewNATSPublisher(nc *nats.Conn, prefix string) *NATSPublisher {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &NATSPublisher{nc: nc, prefix: prefix}
}

// Publish sends ev to its session subject.
func (p *NATSPublisher) Publish(ev session.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if err := p.nc.Publish(SessionSubject(p.prefix, ev.SessionID, ev.State), data); err != nil {
		return fmt.Errorf("publish %s event: %w", ev.State, err)
	}
	return nil
}

// IntentSubmitter applies intents.
type IntentSubmitter interface {
	Submit(ctx context.Context, in session.Intent) (session.Session, error)
}

// IntentReply answers an intent sent as a NATS request.
type IntentReply struct {
	Session *session.Session `json:"session,omitempty"`
	Error   string           `json:"error,omitempty"`
}

// SubscribeIntents applies intents published on IntentSubject. Requests
// get an IntentReply.
func SubscribeIntents(nc *nats.Conn, prefix string, submitter IntentSubmitter, timeout time.Duration, logger *zap.Logger) (*nats.Subscription, error) {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return nc.Subscribe(IntentSubject(prefix), func(msg *nats.Msg) {
		reply := handleIntent(msg.Data, submitter, timeout)
		if reply.Error != "" {
			logger.Info("intent refused", zap.String("error", reply.Error))
		}
		if msg.Reply == "" {
			return
		}
		data, err := json.Marshal(reply)
		if err != nil {
			logger.Warn("failed to marshal intent reply", zap.Error(err))
			return
		}
		if err := msg.Respond(data); err != nil {
			logger.Warn("failed to answer intent", zap.Error(err))
		}
	})
}

func handleIntent(data []byte, submitter IntentSubmitter, timeout time.Duration) IntentReply {
	var in session.Intent
	if err := json.Unmarshal(data, &in); err != nil {
		return IntentReply{Error: fmt.Sprintf("invalid intent: %v", err)}
	}
	if in.SessionID == "" {
		return IntentReply{Error: "invalid intent: session_id is required"}
	}
	if in.Origin == "" {
		in.Origin = "nats"
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	s, err := submitter.Submit(ctx, in)
	if errors.Is(err, session.ErrNotFound) {
		return IntentReply{Error: session.RefusalText(err)}
	}
	reply := IntentReply{Session: &s}
	if err != nil {
		reply.Error = session.RefusalText(err)
	}
	return reply
}
