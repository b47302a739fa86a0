// Package twilio wraps the Twilio REST API for SMS and outbound calls.
package twilio

import (
	"errors"
	"strings"

	"github.com/smallbiznis/dunning/internal/config"
	twiliogo "github.com/twilio/twilio-go"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

// API is the subset of the Twilio REST service the adapters call.
type API interface {
	CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error)
	CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error)
}

type Client struct {
	api               API
	from              string
	voiceURL          string
	statusCallbackURL string
}

var ErrNotConfigured = errors.New("twilio_not_configured")

// NewClient returns nil when no credentials are configured.
func NewClient(cfg config.Config) *Client {
	if !cfg.Twilio.Enabled() {
		return nil
	}
	rest := twiliogo.NewRestClientWithParams(twiliogo.ClientParams{
		Username: cfg.Twilio.AccountSID,
		Password: cfg.Twilio.AuthToken,
	})
	return NewClientWithAPI(rest.Api, cfg.Twilio)
}

func NewClientWithAPI(api API, cfg config.TwilioConfig) *Client {
	return &Client{
		api:               api,
		from:              cfg.FromNumber,
		voiceURL:          cfg.VoiceURL,
		statusCallbackURL: cfg.StatusCallbackURL,
	}
}

// SendSMS returns the message SID.
func (c *Client) SendSMS(to, body string) (string, error) {
	if c == nil || c.api == nil {
		return "", ErrNotConfigured
	}
	params := &twilioapi.CreateMessageParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetBody(body)
	if c.statusCallbackURL != "" {
		params.SetStatusCallback(c.statusCallbackURL + "/webhooks/twilio-sms")
	}

	msg, err := c.api.CreateMessage(params)
	if err != nil {
		return "", err
	}
	if msg == nil || msg.Sid == nil {
		return "", errors.New("twilio: message sid missing")
	}
	return *msg.Sid, nil
}

// PlaceCall starts an outbound call whose TwiML is served for agentRef.
func (c *Client) PlaceCall(to, agentRef string) (string, error) {
	if c == nil || c.api == nil {
		return "", ErrNotConfigured
	}
	params := &twilioapi.CreateCallParams{}
	params.SetTo(to)
	params.SetFrom(c.from)
	params.SetUrl(voiceURL(c.voiceURL, agentRef))
	if c.statusCallbackURL != "" {
		params.SetStatusCallback(c.statusCallbackURL + "/webhooks/twilio-voice")
		params.SetStatusCallbackEvent([]string{"initiated", "ringing", "answered", "completed"})
	}

	call, err := c.api.CreateCall(params)
	if err != nil {
		return "", err
	}
	if call == nil || call.Sid == nil {
		return "", errors.New("twilio: call sid missing")
	}
	return *call.Sid, nil
}

func voiceURL(base, agentRef string) string {
	if base == "" {
		return ""
	}
	sep := "?"
	if strings.Contains(base, "?") {
		sep = "&"
	}
	return base + sep + "agent=" + agentRef
}

// ErrorCode extracts the Twilio error code from a REST error, or 0.
func ErrorCode(err error) int {
	var restErr *twilioclient.TwilioRestError
	if errors.As(err, &restErr) {
		return restErr.Code
	}
	return 0
}
