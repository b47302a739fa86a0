// Package events publishes scheduled-action lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/bwmarrin/snowflake"
	"go.uber.org/zap"
)

type Type string

const (
	ActionScheduled      Type = "action.scheduled"
	ActionDispatched     Type = "action.dispatched"
	ActionFailed         Type = "action.failed"
	ActionRetryScheduled Type = "action.retry_scheduled"
)

const (
	MetadataType     = "event_type"
	MetadataActionID = "action_id"
)

// ActionEvent is the payload published for every lifecycle step.
type ActionEvent struct {
	Type         Type          `json:"type"`
	ActionID     snowflake.ID  `json:"action_id"`
	OwnerID      snowflake.ID  `json:"owner_id"`
	DebtID       snowflake.ID  `json:"debt_id"`
	CampaignID   snowflake.ID  `json:"campaign_id"`
	NodeID       *snowflake.ID `json:"node_id,omitempty"`
	Channel      string        `json:"channel"`
	Attempt      int           `json:"attempt"`
	RetryOf      *snowflake.ID `json:"retry_of,omitempty"`
	ScheduledAt  time.Time     `json:"scheduled_at"`
	Outcome      string        `json:"outcome,omitempty"`
	FailureClass string        `json:"failure_class,omitempty"`
	OccurredAt   time.Time     `json:"occurred_at"`
}

type Publisher interface {
	Publish(ctx context.Context, event ActionEvent) error
}

// WatermillPublisher sends every event to one topic; consumers route on the
// event_type metadata.
type WatermillPublisher struct {
	pub   message.Publisher
	topic string
	log   *zap.Logger
}

func NewWatermillPublisher(pub message.Publisher, topic string, log *zap.Logger) *WatermillPublisher {
	return &WatermillPublisher{pub: pub, topic: topic, log: log.Named("events")}
}

func (p *WatermillPublisher) Publish(ctx context.Context, event ActionEvent) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set(MetadataType, string(event.Type))
	msg.Metadata.Set(MetadataActionID, event.ActionID.String())
	msg.SetContext(ctx)

	if err := p.pub.Publish(p.topic, msg); err != nil {
		p.log.Warn("publish action event failed",
			zap.String("event_type", string(event.Type)),
			zap.String("action_id", event.ActionID.String()),
			zap.Error(err),
		)
		return err
	}
	return nil
}

func (p *WatermillPublisher) Close() error {
	return p.pub.Close()
}

// Recorder keeps published events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []ActionEvent
}

func (r *Recorder) Publish(ctx context.Context, event ActionEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, event)
	return nil
}

func (r *Recorder) Events() []ActionEvent {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]ActionEvent, len(r.events))
	copy(out, r.events)
	return out
}

func (r *Recorder) OfType(t Type) []ActionEvent {
	var out []ActionEvent
	for _, e := range r.Events() {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}
