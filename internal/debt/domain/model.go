package domain

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	"gorm.io/gorm"
)

type State string

const (
	StateNew       State = "new"
	StateCurrent   State = "current"
	StateOverdue   State = "overdue"
	StatePaid      State = "paid"
	StateCancelled State = "cancelled"
)

// Open reports whether collection outreach still applies.
func (s State) Open() bool {
	switch s {
	case StateNew, StateCurrent, StateOverdue:
		return true
	default:
		return false
	}
}

type Debt struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	OwnerID   snowflake.ID    `json:"owner_id" gorm:"not null;index"`
	DebtorID  snowflake.ID    `json:"debtor_id" gorm:"not null;index"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	Currency  string          `json:"currency" gorm:"type:text;not null"`
	DueDate   time.Time       `json:"due_date" gorm:"type:date;not null"`
	State     State           `json:"state" gorm:"type:text;not null"`
	DeletedAt *time.Time      `json:"deleted_at,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (Debt) TableName() string { return "debts" }

type ContactType string

const (
	ContactEmail  ContactType = "email"
	ContactPhone  ContactType = "phone"
	ContactMobile ContactType = "mobile"
)

type Contact struct {
	ID        snowflake.ID `json:"id" gorm:"primaryKey"`
	DebtorID  snowflake.ID `json:"debtor_id" gorm:"not null;index"`
	Type      ContactType  `json:"type" gorm:"type:text;not null"`
	Value     string       `json:"value" gorm:"type:text;not null"`
	Preferred bool         `json:"preferred"`
	CreatedAt time.Time    `json:"created_at"`
}

func (Contact) TableName() string { return "debtor_contacts" }

type PaymentStatus string

const (
	PaymentPending   PaymentStatus = "pending"
	PaymentConfirmed PaymentStatus = "confirmed"
	PaymentRejected  PaymentStatus = "rejected"
)

type Payment struct {
	ID        snowflake.ID    `json:"id" gorm:"primaryKey"`
	DebtID    snowflake.ID    `json:"debt_id" gorm:"not null;index"`
	Amount    decimal.Decimal `json:"amount" gorm:"type:numeric(18,2);not null"`
	Status    PaymentStatus   `json:"status" gorm:"type:text;not null"`
	CreatedAt time.Time       `json:"created_at"`
}

func (Payment) TableName() string { return "payments" }

// Repository is read-mostly: the engine only writes the overdue transition.
type Repository interface {
	FindByID(ctx context.Context, db *gorm.DB, id snowflake.ID) (*Debt, error)
	ListOpen(ctx context.Context, db *gorm.DB, afterID snowflake.ID, limit int) ([]Debt, error)
	ListContacts(ctx context.Context, db *gorm.DB, debtorID snowflake.ID) ([]Contact, error)
	LatestConfirmedPayment(ctx context.Context, db *gorm.DB, debtID snowflake.ID, since time.Time) (*Payment, error)
	ListPastDue(ctx context.Context, db *gorm.DB, today time.Time, limit int) ([]Debt, error)
	MarkOverdue(ctx context.Context, db *gorm.DB, id snowflake.ID, now time.Time) (bool, error)
}

var (
	ErrDebtNotFound = errors.New("debt_not_found")
	ErrInvalidDebt  = errors.New("invalid_debt")
)
