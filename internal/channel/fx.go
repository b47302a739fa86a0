package channel

import (
	"net/mail"
	"strings"

	"github.com/smallbiznis/dunning/internal/channel/adapters/email"
	"github.com/smallbiznis/dunning/internal/channel/adapters/logadapter"
	"github.com/smallbiznis/dunning/internal/channel/adapters/sms"
	"github.com/smallbiznis/dunning/internal/channel/adapters/voice"
	"github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/smallbiznis/dunning/internal/config"
	emailprovider "github.com/smallbiznis/dunning/internal/providers/email"
	twilioprovider "github.com/smallbiznis/dunning/internal/providers/twilio"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

type RegistryParams struct {
	fx.In

	Config config.Config
	Log    *zap.Logger
	Email  emailprovider.Provider
	Twilio *twilioprovider.Client `optional:"true"`
}

// NewRegistryFromConfig wires the provider adapters. Without Twilio
// credentials SMS and calls are only logged outside production.
func NewRegistryFromConfig(p RegistryParams) *Registry {
	adapters := []domain.Adapter{
		email.New(p.Email, messageIDDomain(p.Config.Email.SMTPFrom)),
	}

	switch {
	case p.Twilio != nil:
		adapters = append(adapters, sms.New(p.Twilio), voice.New(p.Twilio))
	case !p.Config.IsProduction():
		p.Log.Warn("twilio not configured, sms and call actions will only be logged")
		adapters = append(adapters,
			logadapter.New(domain.ChannelSMS, p.Log),
			logadapter.New(domain.ChannelCall, p.Log),
		)
	default:
		p.Log.Error("twilio not configured, sms and call actions will fail")
		adapters = append(adapters, sms.New(p.Twilio), voice.New(p.Twilio))
	}

	return NewRegistry(adapters...)
}

func messageIDDomain(from string) string {
	addr, err := mail.ParseAddress(from)
	if err != nil {
		return ""
	}
	if at := strings.LastIndex(addr.Address, "@"); at >= 0 {
		return addr.Address[at+1:]
	}
	return ""
}

var Module = fx.Module("channel",
	fx.Provide(NewRegistryFromConfig),
)
