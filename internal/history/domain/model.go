package domain

import (
	"context"
	"errors"
	"slices"
	"time"

	"github.com/bwmarrin/snowflake"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type Outcome string

const (
	OutcomeSent    Outcome = "sent"
	OutcomeFailed  Outcome = "failed"
	OutcomeError   Outcome = "error"
	OutcomeBlocked Outcome = "blocked"
)

// CountsAsContact reports whether the record reached, or tried to reach, the debtor.
func (o Outcome) CountsAsContact() bool {
	return o == OutcomeSent || o == OutcomeFailed
}

type DeliveryStatus string

const (
	DeliveryNone      DeliveryStatus = ""
	DeliveryQueued    DeliveryStatus = "queued"
	DeliverySent      DeliveryStatus = "sent"
	DeliveryDelivered DeliveryStatus = "delivered"
	DeliveryFailed    DeliveryStatus = "failed"
)

// AllowedFrom lists the statuses a record may move to s from. failed is terminal
// and delivered only yields to failed, so late or duplicate callbacks cannot
// move a record backwards.
func (s DeliveryStatus) AllowedFrom() []DeliveryStatus {
	switch s {
	case DeliverySent:
		return []DeliveryStatus{DeliveryNone, DeliveryQueued}
	case DeliveryDelivered:
		return []DeliveryStatus{DeliveryNone, DeliveryQueued, DeliverySent}
	case DeliveryFailed:
		return []DeliveryStatus{DeliveryNone, DeliveryQueued, DeliverySent, DeliveryDelivered}
	default:
		return nil
	}
}

func (s DeliveryStatus) CanMoveFrom(current DeliveryStatus) bool {
	return slices.Contains(s.AllowedFrom(), current)
}

type Record struct {
	ID                snowflake.ID          `json:"id" gorm:"primaryKey"`
	ScheduledActionID snowflake.ID          `json:"scheduled_action_id" gorm:"not null;index"`
	OwnerID           snowflake.ID          `json:"owner_id" gorm:"not null"`
	DebtID            snowflake.ID          `json:"debt_id" gorm:"not null;index"`
	CampaignID        snowflake.ID          `json:"campaign_id" gorm:"not null"`
	NodeID            *snowflake.ID         `json:"node_id,omitempty"`
	Channel           channeldomain.Channel `json:"channel" gorm:"type:text;not null"`
	Destination       string                `json:"destination" gorm:"type:text"`
	Outcome           Outcome               `json:"outcome" gorm:"type:text;not null"`
	DeliveryStatus    DeliveryStatus        `json:"delivery_status" gorm:"type:text"`
	FailureClass      string                `json:"failure_class,omitempty" gorm:"type:text"`
	ExternalID        *string               `json:"external_id,omitempty" gorm:"index"`
	Attempt           int                   `json:"attempt"`
	Details           datatypes.JSON        `json:"details,omitempty" gorm:"type:jsonb"`
	GuardrailBlocked  bool                  `json:"guardrail_blocked"`
	CreatedAt         time.Time             `json:"created_at"`
	UpdatedAt         time.Time             `json:"updated_at"`
}

func (Record) TableName() string { return "action_history" }

// DeliveryUpdate is a webhook-driven reconciliation of one record.
type DeliveryUpdate struct {
	Status       DeliveryStatus
	FailureClass string
	Details      datatypes.JSON
	UpdatedAt    time.Time
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, record *Record) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Record, error)
	FindByExternalID(ctx context.Context, db *gorm.DB, externalID string) (*Record, error)
	UpdateDelivery(ctx context.Context, db *gorm.DB, id snowflake.ID, update DeliveryUpdate) (bool, error)
	CountContacts(ctx context.Context, db *gorm.DB, debtID snowflake.ID, since time.Time) (int64, error)
	// ListByDebt pages newest first; beforeID 0 starts at the newest row.
	ListByDebt(ctx context.Context, db *gorm.DB, debtID, beforeID snowflake.ID, limit int) ([]Record, error)
}

var (
	ErrRecordNotFound = errors.New("history_record_not_found")
)
