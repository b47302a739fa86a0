package twilio

import (
	"errors"
	"testing"

	"github.com/smallbiznis/dunning/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	twilioclient "github.com/twilio/twilio-go/client"
	twilioapi "github.com/twilio/twilio-go/rest/api/v2010"
)

type mockAPI struct {
	mock.Mock
}

func (m *mockAPI) CreateMessage(params *twilioapi.CreateMessageParams) (*twilioapi.ApiV2010Message, error) {
	args := m.Called(params)
	msg, _ := args.Get(0).(*twilioapi.ApiV2010Message)
	return msg, args.Error(1)
}

func (m *mockAPI) CreateCall(params *twilioapi.CreateCallParams) (*twilioapi.ApiV2010Call, error) {
	args := m.Called(params)
	call, _ := args.Get(0).(*twilioapi.ApiV2010Call)
	return call, args.Error(1)
}

func strPtr(s string) *string { return &s }

func TestSendSMSSetsCallback(t *testing.T) {
	api := &mockAPI{}
	api.On("CreateMessage", mock.MatchedBy(func(p *twilioapi.CreateMessageParams) bool {
		return *p.To == "+5215550000000" &&
			*p.From == "+15005550006" &&
			*p.Body == "hola" &&
			*p.StatusCallback == "https://hooks.example.com/webhooks/twilio-sms"
	})).Return(&twilioapi.ApiV2010Message{Sid: strPtr("SM123")}, nil)

	c := NewClientWithAPI(api, config.TwilioConfig{FromNumber: "+15005550006", StatusCallbackURL: "https://hooks.example.com"})
	sid, err := c.SendSMS("+5215550000000", "hola")
	require.NoError(t, err)
	assert.Equal(t, "SM123", sid)
	api.AssertExpectations(t)
}

func TestPlaceCallBuildsVoiceURL(t *testing.T) {
	api := &mockAPI{}
	api.On("CreateCall", mock.MatchedBy(func(p *twilioapi.CreateCallParams) bool {
		return *p.Url == "https://voice.example.com/twiml?agent=agente-cobranza"
	})).Return(&twilioapi.ApiV2010Call{Sid: strPtr("CA9")}, nil)

	c := NewClientWithAPI(api, config.TwilioConfig{FromNumber: "+15005550006", VoiceURL: "https://voice.example.com/twiml"})
	sid, err := c.PlaceCall("+5215550000000", "agente-cobranza")
	require.NoError(t, err)
	assert.Equal(t, "CA9", sid)
}

func TestNilClientIsNotConfigured(t *testing.T) {
	var c *Client
	_, err := c.SendSMS("+1", "x")
	assert.ErrorIs(t, err, ErrNotConfigured)
	assert.Nil(t, NewClient(config.Config{}))
}

func TestErrorCode(t *testing.T) {
	err := &twilioclient.TwilioRestError{Code: 21211, Message: "invalid To"}
	assert.Equal(t, 21211, ErrorCode(err))
	assert.Equal(t, 0, ErrorCode(errors.New("boom")))
}

func TestSignatureValidatorDisabledAcceptsAll(t *testing.T) {
	v := NewSignatureValidator("", true)
	assert.False(t, v.Enabled())
	assert.True(t, v.Valid("https://x", nil, ""))

	enabled := NewSignatureValidator("token", true)
	assert.False(t, enabled.Valid("https://x", map[string]string{"a": "b"}, ""))
	assert.False(t, enabled.Valid("https://x", map[string]string{"a": "b"}, "bogus"))
}
