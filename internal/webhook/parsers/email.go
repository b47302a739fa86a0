package parsers

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"strings"
	"time"

	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	"github.com/smallbiznis/dunning/internal/webhook/domain"
)

const emailSignatureHeader = "X-Dunning-Signature"

// Email parses the JSON delivery callbacks of the outbound mail relay.
type Email struct {
	secret string
}

func NewEmail(secret string) *Email {
	return &Email{secret: strings.TrimSpace(secret)}
}

func (p *Email) Provider() string { return domain.ProviderEmail }

func (p *Email) Verify(in domain.Inbound) error {
	if p.secret == "" {
		return nil
	}
	signature := strings.TrimSpace(in.Headers.Get(emailSignatureHeader))
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	if !hmac.Equal([]byte(signature), []byte(Sign(p.secret, in.Body))) {
		return domain.ErrInvalidSignature
	}
	return nil
}

// Sign returns the hex HMAC-SHA256 of payload.
func Sign(secret string, payload []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	_, _ = mac.Write(payload)
	return hex.EncodeToString(mac.Sum(nil))
}

type emailEvent struct {
	EventID    string `json:"event_id"`
	MessageID  string `json:"message_id"`
	Event      string `json:"event"`
	BounceType string `json:"bounce_type"`
	Reason     string `json:"reason"`
	Timestamp  int64  `json:"timestamp"`
}

func (p *Email) Parse(in domain.Inbound) (*domain.DeliveryEvent, error) {
	var raw emailEvent
	if err := json.Unmarshal(in.Body, &raw); err != nil {
		return nil, domain.ErrInvalidPayload
	}
	messageID := strings.Trim(strings.TrimSpace(raw.MessageID), "<>")
	kind := strings.ToLower(strings.TrimSpace(raw.Event))
	if messageID == "" || kind == "" {
		return nil, domain.ErrInvalidEvent
	}

	eventID := strings.TrimSpace(raw.EventID)
	if eventID == "" {
		eventID = messageID + ":" + kind
	}
	occurredAt := time.Now().UTC()
	if raw.Timestamp > 0 {
		occurredAt = time.Unix(raw.Timestamp, 0).UTC()
	}

	event := &domain.DeliveryEvent{
		Provider:        p.Provider(),
		ProviderEventID: eventID,
		Type:            kind,
		ExternalID:      messageID,
		Reason:          strings.TrimSpace(raw.Reason),
		OccurredAt:      occurredAt,
		Payload:         in.Body,
	}

	switch kind {
	case "sent", "processed":
		event.Status = historydomain.DeliverySent
	case "delivered", "open", "opened", "click":
		event.Status = historydomain.DeliveryDelivered
	case "bounce", "bounced":
		event.Status = historydomain.DeliveryFailed
		event.FailureClass = channeldomain.FailureBounce
		if strings.EqualFold(strings.TrimSpace(raw.BounceType), "soft") {
			event.FailureClass = channeldomain.FailureSoftBounce
		}
	case "complaint", "spamreport":
		event.Status = historydomain.DeliveryFailed
		event.FailureClass = channeldomain.FailureComplaint
	case "dropped", "failed":
		event.Status = historydomain.DeliveryFailed
		event.FailureClass = channeldomain.FailureUndelivered
	}
	return event, nil
}
