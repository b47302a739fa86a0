package parsers

import (
	"encoding/json"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/smallbiznis/dunning/internal/channel/adapters/sms"
	channeldomain "github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/config"
	historydomain "github.com/smallbiznis/dunning/internal/history/domain"
	twilioprovider "github.com/smallbiznis/dunning/internal/providers/twilio"
	"github.com/smallbiznis/dunning/internal/webhook/domain"
)

const twilioSignatureHeader = "X-Twilio-Signature"

// twilioVerifier checks X-Twilio-Signature against the public callback URL.
// Behind a proxy the request URL differs from what Twilio signed, so the
// configured callback base wins when present.
type twilioVerifier struct {
	validator *twilioprovider.SignatureValidator
	baseURL   string
}

func newTwilioVerifier(cfg config.TwilioConfig) twilioVerifier {
	return twilioVerifier{
		validator: twilioprovider.NewSignatureValidator(cfg.AuthToken, cfg.ValidateSignature),
		baseURL:   cfg.StatusCallbackURL,
	}
}

func (v twilioVerifier) verify(provider string, in domain.Inbound) error {
	if !v.validator.Enabled() {
		return nil
	}
	signature := strings.TrimSpace(in.Headers.Get(twilioSignatureHeader))
	if signature == "" {
		return domain.ErrInvalidSignature
	}
	form, err := url.ParseQuery(string(in.Body))
	if err != nil {
		return domain.ErrInvalidPayload
	}
	target := in.URL
	if v.baseURL != "" {
		target = v.baseURL + "/webhooks/" + provider
	}
	if !v.validator.Valid(target, flatten(form), signature) {
		return domain.ErrInvalidSignature
	}
	return nil
}

type TwilioSMS struct {
	verifier twilioVerifier
}

func NewTwilioSMS(cfg config.TwilioConfig) *TwilioSMS {
	return &TwilioSMS{verifier: newTwilioVerifier(cfg)}
}

func (p *TwilioSMS) Provider() string { return domain.ProviderTwilioSMS }

func (p *TwilioSMS) Verify(in domain.Inbound) error {
	return p.verifier.verify(p.Provider(), in)
}

func (p *TwilioSMS) Parse(in domain.Inbound) (*domain.DeliveryEvent, error) {
	form, err := url.ParseQuery(string(in.Body))
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}
	sid := strings.TrimSpace(form.Get("MessageSid"))
	if sid == "" {
		sid = strings.TrimSpace(form.Get("SmsSid"))
	}
	status := strings.ToLower(strings.TrimSpace(form.Get("MessageStatus")))
	if status == "" {
		status = strings.ToLower(strings.TrimSpace(form.Get("SmsStatus")))
	}
	if sid == "" || status == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.DeliveryEvent{
		Provider:        p.Provider(),
		ProviderEventID: sid + ":" + status,
		Type:            status,
		ExternalID:      sid,
		OccurredAt:      time.Now().UTC(),
		Payload:         formJSON(form),
	}

	switch status {
	case "sent":
		event.Status = historydomain.DeliverySent
	case "delivered", "read":
		event.Status = historydomain.DeliveryDelivered
	case "undelivered", "failed":
		event.Status = historydomain.DeliveryFailed
		code, _ := strconv.Atoi(strings.TrimSpace(form.Get("ErrorCode")))
		event.FailureClass = sms.ClassifyTwilioCode(code)
		if code == 0 && status == "undelivered" {
			event.FailureClass = channeldomain.FailureUndelivered
		}
		event.Reason = strings.TrimSpace(form.Get("ErrorMessage"))
		if event.Reason == "" && code != 0 {
			event.Reason = "twilio error " + strconv.Itoa(code)
		}
	}
	return event, nil
}

type TwilioVoice struct {
	verifier twilioVerifier
}

func NewTwilioVoice(cfg config.TwilioConfig) *TwilioVoice {
	return &TwilioVoice{verifier: newTwilioVerifier(cfg)}
}

func (p *TwilioVoice) Provider() string { return domain.ProviderTwilioVoice }

func (p *TwilioVoice) Verify(in domain.Inbound) error {
	return p.verifier.verify(p.Provider(), in)
}

func (p *TwilioVoice) Parse(in domain.Inbound) (*domain.DeliveryEvent, error) {
	form, err := url.ParseQuery(string(in.Body))
	if err != nil {
		return nil, domain.ErrInvalidPayload
	}
	sid := strings.TrimSpace(form.Get("CallSid"))
	status := strings.ToLower(strings.TrimSpace(form.Get("CallStatus")))
	if sid == "" || status == "" {
		return nil, domain.ErrInvalidEvent
	}

	event := &domain.DeliveryEvent{
		Provider:        p.Provider(),
		ProviderEventID: sid + ":" + status,
		Type:            status,
		ExternalID:      sid,
		OccurredAt:      time.Now().UTC(),
		Payload:         formJSON(form),
	}

	switch status {
	case "in-progress", "answered":
		event.Status = historydomain.DeliverySent
	case "completed":
		event.Status = historydomain.DeliveryDelivered
	case "no-answer":
		event.Status = historydomain.DeliveryFailed
		event.FailureClass = channeldomain.FailureNoAnswer
	case "busy":
		event.Status = historydomain.DeliveryFailed
		event.FailureClass = channeldomain.FailureBusy
	case "failed", "canceled":
		event.Status = historydomain.DeliveryFailed
		event.FailureClass = channeldomain.FailureFailedCall
	}
	if event.Failed() {
		event.Reason = status
	}
	return event, nil
}

func flatten(form url.Values) map[string]string {
	out := make(map[string]string, len(form))
	for key, values := range form {
		if len(values) > 0 {
			out[key] = values[0]
		}
	}
	return out
}

func formJSON(form url.Values) []byte {
	payload, err := json.Marshal(flatten(form))
	if err != nil {
		return []byte("{}")
	}
	return payload
}
