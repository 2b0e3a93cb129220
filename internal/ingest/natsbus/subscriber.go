// Package natsbus feeds events published on NATS into the dispatcher.
//
// Producers (the email gateway, the document service) publish one JSON
// object per message:
//
//	{"event_type": "document_created", "organization_id": 3,
//	 "source_type": "document", "source_id": "42", "data": {...}}
//
// A queue group spreads messages across engine replicas so each event is
// dispatched once.
package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/unbracketed/zoea-collab-sub000/internal/domain"
)

// Defaults.
const (
	DefaultSubject = "zoea.events.>"
	DefaultQueue   = "zoea-engine"
)

var ErrMalformedEvent = errors.New("malformed event message")

type Dispatcher interface {
	Dispatch(ctx context.Context, ev domain.Event) ([]domain.Run, error)
}

// Message is the wire form of an inbound event.
type Message struct {
	EventType      string         `json:"event_type"`
	OrganizationID int64          `json:"organization_id"`
	ProjectID      *int64         `json:"project_id,omitempty"`
	UserID         *int64         `json:"user_id,omitempty"`
	SourceType     string         `json:"source_type"`
	SourceID       string         `json:"source_id"`
	Data           map[string]any `json:"data"`
}

// Decode parses and validates a message body.
func Decode(body []byte) (domain.Event, error) {
	var m Message
	if err := json.Unmarshal(body, &m); err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	et, err := domain.ParseEventType(m.EventType)
	if err != nil {
		return domain.Event{}, fmt.Errorf("%w: %v", ErrMalformedEvent, err)
	}
	if m.OrganizationID <= 0 {
		return domain.Event{}, fmt.Errorf("%w: missing organization_id", ErrMalformedEvent)
	}
	return domain.Event{
		Type:           et,
		SourceType:     m.SourceType,
		SourceID:       m.SourceID,
		Data:           m.Data,
		OrganizationID: m.OrganizationID,
		ProjectID:      m.ProjectID,
		UserID:         m.UserID,
	}, nil
}

type Config struct {
	Subject string
	Queue   string
	// DispatchTimeout bounds one Dispatch call.
	DispatchTimeout time.Duration
}

type Subscriber struct {
	config     Config
	conn       *nats.Conn
	dispatcher Dispatcher
	log        *zap.Logger

	mu      sync.Mutex
	handled int
	dropped int
}

func NewSubscriber(config Config, conn *nats.Conn, dispatcher Dispatcher) *Subscriber {
	if config.Subject == "" {
		config.Subject = DefaultSubject
	}
	if config.Queue == "" {
		config.Queue = DefaultQueue
	}
	if config.DispatchTimeout <= 0 {
		config.DispatchTimeout = 30 * time.Second
	}
	return &Subscriber{
		config:     config,
		conn:       conn,
		dispatcher: dispatcher,
		log:        zap.NewNop(),
	}
}

func (s *Subscriber) WithLogger(log *zap.Logger) *Subscriber {
	s.log = log
	return s
}

// Run subscribes and blocks until ctx is cancelled, then drains the
// subscription so in-flight messages finish.
func (s *Subscriber) Run(ctx context.Context) error {
	sub, err := s.conn.QueueSubscribe(s.config.Subject, s.config.Queue, func(msg *nats.Msg) {
		s.Handle(ctx, msg)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s: %w", s.config.Subject, err)
	}
	s.log.Info("natsbus: subscribed", zap.String("subject", s.config.Subject), zap.String("queue", s.config.Queue))

	<-ctx.Done()

	if err := sub.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		s.log.Warn("natsbus: drain failed", zap.Error(err))
	}
	s.log.Info("natsbus: stopped")
	return nil
}

// Handle dispatches one message. Malformed messages are logged and
// dropped; there is no redelivery.
func (s *Subscriber) Handle(ctx context.Context, msg *nats.Msg) {
	ev, err := Decode(msg.Data)
	if err != nil {
		s.count(false)
		s.log.Warn("natsbus: dropping message", zap.String("subject", msg.Subject), zap.Error(err))
		return
	}

	dctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.config.DispatchTimeout)
	defer cancel()

	runs, err := s.dispatcher.Dispatch(dctx, ev)
	if err != nil {
		s.count(false)
		s.log.Error("natsbus: dispatch failed",
			zap.String("subject", msg.Subject),
			zap.String("event_type", string(ev.Type)),
			zap.Int64("organization_id", ev.OrganizationID),
			zap.Error(err),
		)
		return
	}
	s.count(true)
	s.log.Debug("natsbus: dispatched",
		zap.String("event_type", string(ev.Type)),
		zap.Int64("organization_id", ev.OrganizationID),
		zap.Int("runs", len(runs)),
	)
}

func (s *Subscriber) count(ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if ok {
		s.handled++
	} else {
		s.dropped++
	}
}

// Stats returns how many messages were dispatched and dropped.
func (s *Subscriber) Stats() (handled, dropped int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.handled, s.dropped
}
