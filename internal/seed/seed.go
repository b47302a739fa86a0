package seed

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/snowflake"
	campaigndomain "github.com/smallbiznis/dunning/internal/campaign/domain"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"gorm.io/gorm"
)

const DefaultCampaignName = "Recordatorio estándar"

// step is one node of the default campaign and the trigger that reaches it.
type step struct {
	nodeType campaigndomain.NodeType
	kind     campaigndomain.EventKind
	offset   *int
	subject  string
	body     string
}

func days(n int) *int { return &n }

var defaultSteps = []step{
	{
		nodeType: campaigndomain.NodeEmail,
		kind:     campaigndomain.EventDaysBeforeDue,
		offset:   days(3),
		subject:  "Su pago vence pronto",
		body:     "Hola, le recordamos que su saldo de {{.amount}} {{.currency}} vence el {{.due_date}}.",
	},
	{
		nodeType: campaigndomain.NodeSMS,
		kind:     campaigndomain.EventDueDay,
		body:     "Hoy vence su saldo de {{.amount}} {{.currency}}.",
	},
	{
		nodeType: campaigndomain.NodeEmail,
		kind:     campaigndomain.EventDaysAfterDue,
		offset:   days(2),
		subject:  "Saldo vencido",
		body:     "Su saldo de {{.amount}} {{.currency}} tiene {{.days_overdue}} días de atraso.",
	},
	{
		nodeType: campaigndomain.NodeEmail,
		kind:     campaigndomain.EventPaymentRegistered,
		subject:  "Gracias por su pago",
		body:     "Recibimos su pago. Gracias por mantenerse al corriente.",
	},
}

// EnsureDefaultCampaign seeds an active reminder campaign for ownerID unless
// one with the default name already exists.
func EnsureDefaultCampaign(ctx context.Context, db *gorm.DB, node *snowflake.Node, ownerID snowflake.ID, now time.Time) (campaigndomain.Campaign, error) {
	var campaign campaigndomain.Campaign
	if db == nil {
		return campaign, errors.New("seed database handle is required")
	}
	if ownerID == 0 {
		return campaign, errors.New("seed owner id is required")
	}

	err := db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		err := tx.WithContext(ctx).
			Where("owner_id = ? AND name = ?", ownerID, DefaultCampaignName).
			First(&campaign).Error
		if err == nil {
			return nil
		}
		if !errors.Is(err, gorm.ErrRecordNotFound) {
			return err
		}

		campaign = campaigndomain.Campaign{
			ID:        node.Generate(),
			OwnerID:   ownerID,
			Name:      DefaultCampaignName,
			State:     campaigndomain.StateActive,
			CreatedAt: now,
			UpdatedAt: now,
		}
		if err := tx.WithContext(ctx).Create(&campaign).Error; err != nil {
			return err
		}

		for _, s := range defaultSteps {
			if err := createStepTx(ctx, tx, node, campaign, s, now); err != nil {
				return err
			}
		}
		return nil
	})
	return campaign, err
}

func createStepTx(ctx context.Context, tx *gorm.DB, node *snowflake.Node, campaign campaigndomain.Campaign, s step, now time.Time) error {
	ch, ok := s.nodeType.Channel()
	if !ok {
		ch = channeldomain.ChannelEmail
	}

	tpl := campaigndomain.Template{
		ID:        node.Generate(),
		OwnerID:   campaign.OwnerID,
		Channel:   ch,
		Subject:   s.subject,
		Body:      s.body,
		CreatedAt: now,
	}
	if err := tx.WithContext(ctx).Create(&tpl).Error; err != nil {
		return err
	}

	n := campaigndomain.Node{
		ID:         node.Generate(),
		CampaignID: campaign.ID,
		Type:       s.nodeType,
		TemplateID: &tpl.ID,
		CreatedAt:  now,
	}
	if err := tx.WithContext(ctx).Create(&n).Error; err != nil {
		return err
	}

	trigger := campaigndomain.Trigger{
		ID:         node.Generate(),
		CampaignID: campaign.ID,
		NodeID:     n.ID,
		EventKind:  s.kind,
		OffsetDays: s.offset,
		Active:     true,
	}
	return tx.WithContext(ctx).Create(&trigger).Error
}
