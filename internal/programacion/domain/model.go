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

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusDone      Status = "done"
	StatusCancelled Status = "cancelled"
)

// InFlight reports whether the status participates in the (campaign, debt, node) uniqueness.
func (s Status) InFlight() bool {
	return s == StatusPending || s == StatusRunning
}

// Action is a durable unit of outreach work. Retries are new rows linked
// through RetryOf, each carrying its attempt number.
type Action struct {
	ID          snowflake.ID          `json:"id" gorm:"primaryKey"`
	OwnerID     snowflake.ID          `json:"owner_id" gorm:"not null;index"`
	DebtID      snowflake.ID          `json:"debt_id" gorm:"not null;index"`
	ContactID   *snowflake.ID         `json:"contact_id,omitempty"`
	CampaignID  snowflake.ID          `json:"campaign_id" gorm:"not null"`
	NodeID      *snowflake.ID         `json:"node_id,omitempty"`
	Channel     channeldomain.Channel `json:"channel" gorm:"type:text;not null"`
	Destination string                `json:"destination" gorm:"type:text"`
	TemplateID  *snowflake.ID         `json:"template_id,omitempty"`
	AgentRef    *string               `json:"agent_ref,omitempty"`
	Variables   datatypes.JSON        `json:"variables,omitempty" gorm:"type:jsonb"`
	EventKind   string                `json:"event_kind" gorm:"type:text"`
	ScheduledAt time.Time             `json:"scheduled_at" gorm:"not null"`
	Status      Status                `json:"status" gorm:"type:text;not null"`
	Attempt     int                   `json:"attempt"`
	RetryOf     *snowflake.ID         `json:"retry_of,omitempty"`
	StartedAt   *time.Time            `json:"started_at,omitempty"`
	FinishedAt  *time.Time            `json:"finished_at,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func (Action) TableName() string { return "scheduled_actions" }

func (a Action) VariableMap() map[string]any {
	out := map[string]any{}
	if len(a.Variables) == 0 {
		return out
	}
	_ = json.Unmarshal(a.Variables, &out)
	return out
}

type Repository interface {
	Insert(ctx context.Context, db *gorm.DB, action *Action) error
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Action, error)
	FindByRetryOf(ctx context.Context, db *gorm.DB, predecessorID snowflake.ID) (*Action, error)
	ExistsInFlight(ctx context.Context, db *gorm.DB, campaignID, debtID, nodeID snowflake.ID) (bool, error)
	SupersedeLegacy(ctx context.Context, db *gorm.DB, campaignID, debtID snowflake.ID, now time.Time) (int64, error)
	ClaimDue(ctx context.Context, db *gorm.DB, now time.Time, limit int) ([]Action, error)
	MarkRunning(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	Finish(ctx context.Context, db *gorm.DB, id snowflake.ID, status Status, now time.Time) (bool, error)
	RevertToPending(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
	RecoverStale(ctx context.Context, db *gorm.DB, cutoff, now time.Time) (int64, error)
	// ListByDebt pages newest first; beforeID 0 starts at the newest row.
	ListByDebt(ctx context.Context, db *gorm.DB, debtID, beforeID snowflake.ID, limit int) ([]Action, error)
}

var (
	ErrDuplicateAction  = errors.New("duplicate_scheduled_action")
	ErrActionNotFound   = errors.New("scheduled_action_not_found")
	ErrFilterNotMatched = errors.New("node_filter_not_matched")
	ErrMissingContact   = errors.New("missing_contact")
	ErrMissingTemplate  = errors.New("missing_template")
	ErrStateMismatch    = errors.New("debt_state_mismatch")
	ErrNodeNotFound     = errors.New("campaign_node_not_found")
	ErrNotCommunication = errors.New("node_not_communication")
)
