package enginetest

import (
	"context"
	"testing"
	"time"

	"github.com/bwmarrin/snowflake"
	"github.com/shopspring/decimal"
	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	debtdomain "github.com/smallbiznis/dunning/internal/debt/domain"
	programaciondomain "github.com/smallbiznis/dunning/internal/programacion/domain"
	"gorm.io/gorm"
)

// Fixtures inserts engine rows with timestamps taken from Now.
type Fixtures struct {
	DB      *gorm.DB
	GenID   *snowflake.Node
	Now     time.Time
	OwnerID snowflake.ID
}

func NewFixtures(db *gorm.DB, genID *snowflake.Node, now time.Time) *Fixtures {
	return &Fixtures{DB: db, GenID: genID, Now: now.UTC(), OwnerID: genID.Generate()}
}

func (f *Fixtures) create(t testing.TB, value any) {
	t.Helper()
	if err := f.DB.Create(value).Error; err != nil {
		t.Fatalf("insert fixture %T: %v", value, err)
	}
}

// Debt inserts an open debt due on dueDate. Mutators run before the insert.
func (f *Fixtures) Debt(t testing.TB, dueDate time.Time, state debtdomain.State, mutate ...func(*debtdomain.Debt)) debtdomain.Debt {
	t.Helper()
	debt := debtdomain.Debt{
		ID:        f.GenID.Generate(),
		OwnerID:   f.OwnerID,
		DebtorID:  f.GenID.Generate(),
		Amount:    decimal.NewFromInt(1500),
		Currency:  "MXN",
		DueDate:   dueDate.UTC(),
		State:     state,
		CreatedAt: f.Now,
		UpdatedAt: f.Now,
	}
	for _, fn := range mutate {
		fn(&debt)
	}
	f.create(t, &debt)
	return debt
}

func (f *Fixtures) Contact(t testing.TB, debtorID snowflake.ID, typ debtdomain.ContactType, value string, preferred bool) debtdomain.Contact {
	t.Helper()
	contact := debtdomain.Contact{
		ID:        f.GenID.Generate(),
		DebtorID:  debtorID,
		Type:      typ,
		Value:     value,
		Preferred: preferred,
		CreatedAt: f.Now,
	}
	f.create(t, &contact)
	return contact
}

func (f *Fixtures) Payment(t testing.TB, debtID snowflake.ID, status debtdomain.PaymentStatus, at time.Time) debtdomain.Payment {
	t.Helper()
	payment := debtdomain.Payment{
		ID:        f.GenID.Generate(),
		DebtID:    debtID,
		Amount:    decimal.NewFromInt(500),
		Status:    status,
		CreatedAt: at.UTC(),
	}
	f.create(t, &payment)
	return payment
}

func (f *Fixtures) Campaign(t testing.TB, state campaigndomain.State) campaigndomain.Campaign {
	t.Helper()
	campaign := campaigndomain.Campaign{
		ID:        f.GenID.Generate(),
		OwnerID:   f.OwnerID,
		Name:      "cobranza",
		State:     state,
		CreatedAt: f.Now,
		UpdatedAt: f.Now,
	}
	f.create(t, &campaign)
	return campaign
}

func (f *Fixtures) Template(t testing.TB, channel channeldomain.Channel, subject, body string) campaigndomain.Template {
	t.Helper()
	tpl := campaigndomain.Template{
		ID:        f.GenID.Generate(),
		OwnerID:   f.OwnerID,
		Channel:   channel,
		Subject:   subject,
		Body:      body,
		CreatedAt: f.Now,
	}
	f.create(t, &tpl)
	return tpl
}

func (f *Fixtures) Node(t testing.TB, campaignID snowflake.ID, typ campaigndomain.NodeType, mutate ...func(*campaigndomain.Node)) campaigndomain.Node {
	t.Helper()
	node := campaigndomain.Node{
		ID:         f.GenID.Generate(),
		CampaignID: campaignID,
		Type:       typ,
		CreatedAt:  f.Now,
	}
	for _, fn := range mutate {
		fn(&node)
	}
	f.create(t, &node)
	return node
}

// Trigger inserts an active trigger. A negative offset stores NULL.
func (f *Fixtures) Trigger(t testing.TB, campaignID, nodeID snowflake.ID, kind campaigndomain.EventKind, offset int) campaigndomain.Trigger {
	t.Helper()
	trigger := campaigndomain.Trigger{
		ID:         f.GenID.Generate(),
		CampaignID: campaignID,
		NodeID:     nodeID,
		EventKind:  kind,
		Active:     true,
	}
	if offset >= 0 {
		trigger.OffsetDays = &offset
	}
	f.create(t, &trigger)
	return trigger
}

// EmailCampaign wires an active campaign with one email node and template.
func (f *Fixtures) EmailCampaign(t testing.TB, kind campaigndomain.EventKind, offset int) (campaigndomain.Campaign, campaigndomain.Node, campaigndomain.Trigger) {
	t.Helper()
	return f.EmailCampaignIn(t, campaigndomain.StateActive, kind, offset)
}

func (f *Fixtures) EmailCampaignIn(t testing.TB, state campaigndomain.State, kind campaigndomain.EventKind, offset int) (campaigndomain.Campaign, campaigndomain.Node, campaigndomain.Trigger) {
	t.Helper()
	campaign := f.Campaign(t, state)
	tpl := f.Template(t, channeldomain.ChannelEmail, "Recordatorio de pago", "Hola, su saldo de {{.amount}} {{.currency}} vence el {{.due_date}}.")
	node := f.Node(t, campaign.ID, campaigndomain.NodeEmail, func(n *campaigndomain.Node) {
		n.TemplateID = &tpl.ID
	})
	trigger := f.Trigger(t, campaign.ID, node.ID, kind, offset)
	return campaign, node, trigger
}

// ListActions returns every scheduled action for a debt, oldest first.
func ListActions(t testing.TB, db *gorm.DB, debtID snowflake.ID) []programaciondomain.Action {
	t.Helper()
	var items []programaciondomain.Action
	if err := db.Where("debt_id = ?", debtID).Order("id ASC").Find(&items).Error; err != nil {
		t.Fatalf("list actions: %v", err)
	}
	return items
}

// MakeDue moves every pending action's scheduled_at back to now.
func MakeDue(ctx context.Context, db *gorm.DB, now time.Time) (int64, error) {
	res := db.WithContext(ctx).Exec(
		`UPDATE scheduled_actions
		 SET scheduled_at = ?, updated_at = ?
		 WHERE status = ? AND scheduled_at > ?`,
		now.UTC(),
		now.UTC(),
		programaciondomain.StatusPending,
		now.UTC(),
	)
	if res.Error != nil {
		return 0, res.Error
	}
	return res.RowsAffected, nil
}
