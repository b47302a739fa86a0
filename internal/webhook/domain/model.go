package domain

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/bwmarrin/snowflake"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

const (
	ProviderTwilioSMS   = "twilio-sms"
	ProviderTwilioVoice = "twilio-voice"
	ProviderEmail       = "email"
)

// EventRecord is the stored copy of one provider callback. (provider,
// provider_event_id) is unique, so replays are detected on insert.
type EventRecord struct {
	ID              snowflake.ID   `json:"id" gorm:"primaryKey"`
	Provider        string         `json:"provider" gorm:"type:text;not null"`
	ProviderEventID string         `json:"provider_event_id" gorm:"type:text;not null"`
	EventType       string         `json:"event_type" gorm:"type:text;not null"`
	ExternalID      string         `json:"external_id" gorm:"type:text"`
	Payload         datatypes.JSON `json:"payload" gorm:"type:jsonb;not null"`
	ReceivedAt      time.Time      `json:"received_at" gorm:"not null"`
	ProcessedAt     *time.Time     `json:"processed_at"`
}

func (EventRecord) TableName() string { return "webhook_events" }

// Inbound is a raw callback as received over HTTP.
type Inbound struct {
	Provider string
	URL      string
	Headers  http.Header
	Body     []byte
}

// DeliveryEvent is the canonical form every parser produces. Status is
// empty for progress events that carry no delivery information.
type DeliveryEvent struct {
	Provider        string
	ProviderEventID string
	Type            string
	ExternalID      string
	Status          historydomain.DeliveryStatus
	FailureClass    channeldomain.FailureClass
	Reason          string
	OccurredAt      time.Time
	Payload         []byte
}

// Failed reports whether the event ends delivery with a failure class.
func (e DeliveryEvent) Failed() bool {
	return e.Status == historydomain.DeliveryFailed
}

// Parser turns a provider callback into a DeliveryEvent.
type Parser interface {
	Provider() string
	Verify(in Inbound) error
	Parse(in Inbound) (*DeliveryEvent, error)
}

type Repository interface {
	InsertEvent(ctx context.Context, db *gorm.DB, event *EventRecord) (bool, error)
	FindEvent(ctx context.Context, db *gorm.DB, provider, providerEventID string) (*EventRecord, error)
	MarkProcessed(ctx context.Context, db *gorm.DB, id snowflake.ID, processedAt time.Time) error
}

var (
	ErrUnknownProvider       = errors.New("unknown_webhook_provider")
	ErrInvalidPayload        = errors.New("invalid_webhook_payload")
	ErrInvalidSignature      = errors.New("invalid_webhook_signature")
	ErrInvalidEvent          = errors.New("invalid_webhook_event")
	ErrEventAlreadyProcessed = errors.New("webhook_event_already_processed")
)
