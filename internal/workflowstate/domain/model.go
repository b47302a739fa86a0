package domain

import (
	"context"
	"errors"
	"maps"
	"time"

	"github.com/bwmarrin/snowflake"
	"gorm.io/datatypes"
	"gorm.io/gorm"
)

type NodeStatus string

const (
	NodePending NodeStatus = "pending"
	NodeFired   NodeStatus = "fired"
	NodeFailed  NodeStatus = "failed"
)

// NodeEntry records the last scheduling outcome of one campaign node for one debt.
type NodeEntry struct {
	ScheduledActionID snowflake.ID `json:"scheduled_action_id,omitempty"`
	Status            NodeStatus   `json:"status"`
	EventKind         string       `json:"event_kind,omitempty"`
	EventAt           *time.Time   `json:"event_at,omitempty"`
	Offset            int          `json:"offset,omitempty"`
	UpdatedAt         time.Time    `json:"updated_at"`
}

// Ledger is keyed by node id.
type Ledger map[snowflake.ID]NodeEntry

func (l Ledger) Entry(nodeID snowflake.ID) (NodeEntry, bool) {
	if l == nil {
		return NodeEntry{}, false
	}
	entry, ok := l[nodeID]
	return entry, ok
}

// Blocks reports whether the node must not be regenerated.
func (l Ledger) Blocks(nodeID snowflake.ID) bool {
	entry, ok := l.Entry(nodeID)
	if !ok {
		return false
	}
	return entry.Status == NodePending || entry.Status == NodeFired
}

// Apply returns a copy of the ledger with the transition applied.
// fired is terminal: a later failure is ignored and a new pending is rejected.
func (l Ledger) Apply(nodeID snowflake.ID, next NodeEntry) (Ledger, error) {
	out := make(Ledger, len(l)+1)
	maps.Copy(out, l)

	current, ok := out[nodeID]
	if !ok {
		out[nodeID] = next
		return out, nil
	}

	switch current.Status {
	case NodeFired:
		switch next.Status {
		case NodePending:
			return l, ErrInvalidTransition
		case NodeFailed:
			return l, nil
		}
	case NodePending:
		if next.Status == NodePending && current.ScheduledActionID != 0 && next.ScheduledActionID != current.ScheduledActionID {
			return l, ErrInvalidTransition
		}
	}

	// Offset belongs to the firing event and travels with EventKind.
	if next.EventKind == "" {
		next.EventKind = current.EventKind
		next.Offset = current.Offset
	}
	if next.EventAt == nil {
		next.EventAt = current.EventAt
	}
	if next.ScheduledActionID == 0 {
		next.ScheduledActionID = current.ScheduledActionID
	}
	out[nodeID] = next
	return out, nil
}

// Consumed lists nodes whose ledger entry blocks regeneration.
func (l Ledger) Consumed() map[snowflake.ID]bool {
	out := make(map[snowflake.ID]bool, len(l))
	for id := range l {
		if l.Blocks(id) {
			out[id] = true
		}
	}
	return out
}

// State is the per (campaign, debt) execution context.
type State struct {
	ID                 snowflake.ID               `json:"id" gorm:"primaryKey"`
	OwnerID            snowflake.ID               `json:"owner_id" gorm:"not null;index"`
	CampaignID         snowflake.ID               `json:"campaign_id" gorm:"not null;uniqueIndex:ux_workflow_debt_state"`
	DebtID             snowflake.ID               `json:"debt_id" gorm:"not null;uniqueIndex:ux_workflow_debt_state"`
	LastNodeID         *snowflake.ID              `json:"last_node_id,omitempty"`
	NextEvaluationDate *time.Time                 `json:"next_evaluation_date,omitempty"`
	Ledger             datatypes.JSONType[Ledger] `json:"ledger" gorm:"type:jsonb"`
	CreatedAt          time.Time                  `json:"created_at"`
	UpdatedAt          time.Time                  `json:"updated_at"`
}

func (State) TableName() string { return "workflow_debt_states" }

func (s State) Nodes() Ledger {
	ledger := s.Ledger.Data()
	if ledger == nil {
		return Ledger{}
	}
	return ledger
}

// ShortCircuits reports whether the campaign can be skipped for this debt today.
// A debt edited after the state row was written always gets re-evaluated.
func (s State) ShortCircuits(today time.Time, debtUpdatedAt time.Time) bool {
	if s.NextEvaluationDate == nil {
		return false
	}
	if debtUpdatedAt.After(s.UpdatedAt) {
		return false
	}
	return s.NextEvaluationDate.After(today)
}

type Repository interface {
	Find(ctx context.Context, db *gorm.DB, campaignID, debtID snowflake.ID) (*State, error)
	FindForUpdate(ctx context.Context, db *gorm.DB, campaignID, debtID snowflake.ID) (*State, error)
	ListByDebt(ctx context.Context, db *gorm.DB, debtID snowflake.ID) ([]State, error)
	Ensure(ctx context.Context, db *gorm.DB, state State) error
	Save(ctx context.Context, db *gorm.DB, state State) error
}

var (
	ErrInvalidTransition = errors.New("invalid_node_transition")
	ErrStateNotFound     = errors.New("workflow_state_not_found")
)
