package domain

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type State string

const (
	StateDraft    State = "draft"
	StateActive   State = "active"
	StatePaused   State = "paused"
	StateArchived State = "archived"
)

type Campaign struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	OwnerID   snowflake.ID `json:"owner_id" gorm:"not null;index"`
	Name      string       `json:"name" gorm:"type:text;not null"`
	State     State        `json:"state" gorm:"type:text;not null"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

func (Campaign) TableName() string { return "campaigns" }

type NodeType string

const (
	NodeEmail  NodeType = "email"
	NodeSMS    NodeType = "sms"
	NodeCall   NodeType = "call"
	NodeWait   NodeType = "wait"
	NodeFilter NodeType = "filter"
)

// Channel maps communication nodes to their outreach channel.
func (t NodeType) Channel() (channeldomain.Channel, bool) {
	switch t {
	case NodeEmail:
		return channeldomain.ChannelEmail, true
	case NodeSMS:
		return channeldomain.ChannelSMS, true
	case NodeCall:
		return channeldomain.ChannelCall, true
	default:
		return "", false
	}
}

type Node struct {
	ID         snowflake.ID   `json:"id" gorm:"primaryKey"`
	CampaignID snowflake.ID   `json:"campaign_id" gorm:"not null;index"`
	Type       NodeType       `json:"type" gorm:"type:text;not null"`
	TemplateID *snowflake.ID  `json:"template_id,omitempty"`
	AgentRef   *string        `json:"agent_ref,omitempty"`
	Filter     datatypes.JSON `json:"filter,omitempty" gorm:"type:jsonb"`
	NextNodeID *snowflake.ID  `json:"next_node_id,omitempty"`
	DeletedAt  *time.Time     `json:"deleted_at,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

func (Node) TableName() string { return "campaign_nodes" }

// FilterPredicate decodes the node filter, returning nil when none is set.
func (n Node) FilterPredicate() (*FilterPredicate, error) {
	if len(n.Filter) == 0 || string(n.Filter) == "null" {
		return nil, nil
	}
	var p FilterPredicate
	if err := json.Unmarshal(n.Filter, &p); err != nil {
		return nil, ErrInvalidFilter
	}
	return &p, nil
}

type Template struct {
	ID        snowflake.ID          `json:"id" gorm:"primaryKey"`
	OwnerID   snowflake.ID          `json:"owner_id" gorm:"not null;index"`
	Channel   channeldomain.Channel `json:"channel" gorm:"type:text;not null"`
	Subject   string                `json:"subject" gorm:"type:text"`
	Body      string                `json:"body" gorm:"type:text;not null"`
	CreatedAt time.Time             `json:"created_at"`
}

func (Template) TableName() string { return "message_templates" }

type EventKind string

const (
	EventDebtCreated       EventKind = "debt_created"
	EventDaysBeforeDue     EventKind = "days_before_due"
	EventDueDay            EventKind = "due_day"
	EventDaysAfterDue      EventKind = "days_after_due"
	EventPaymentRegistered EventKind = "payment_registered"
)

func (k EventKind) Valid() bool {
	switch k {
	case EventDebtCreated, EventDaysBeforeDue, EventDueDay, EventDaysAfterDue, EventPaymentRegistered:
		return true
	default:
		return false
	}
}

// DateBased reports whether the firing day is a pure function of the due date.
func (k EventKind) DateBased() bool {
	switch k {
	case EventDaysBeforeDue, EventDueDay, EventDaysAfterDue:
		return true
	default:
		return false
	}
}

type Trigger struct {
	ID         snowflake.ID `json:"id" gorm:"primaryKey"`
	CampaignID snowflake.ID `json:"campaign_id" gorm:"not null;index"`
	NodeID     snowflake.ID `json:"node_id" gorm:"not null;index"`
	EventKind  EventKind    `json:"event_kind" gorm:"type:text;not null"`
	OffsetDays *int         `json:"offset_days,omitempty"`
	Active     bool         `json:"active"`
}

func (Trigger) TableName() string { return "campaign_triggers" }

func (t Trigger) Offset() int {
	if t.OffsetDays == nil || *t.OffsetDays < 0 {
		return 0
	}
	return *t.OffsetDays
}

type Repository interface {
	ListEvaluable(ctx context.Context, db *gorm.DB, ownerID snowflake.ID) ([]Campaign, error)
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Campaign, error)
	FindNode(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Node, error)
	ListTriggers(ctx context.Context, db *gorm.DB, campaignID snowflake.ID) ([]Trigger, error)
	FindTemplate(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Template, error)
}

var (
	ErrCampaignNotFound = errors.New("campaign_not_found")
	ErrNodeNotFound     = errors.New("campaign_node_not_found")
	ErrTemplateNotFound = errors.New("template_not_found")
	ErrInvalidFilter    = errors.New("invalid_node_filter")
)
