package webhook

import (
	"github.com/smallbiznis/dunning/internal/config"
	"github.com/smallbiznis/dunning/internal/webhook/parsers"
	"github.com/smallbiznis/dunning/internal/webhook/repository"
	"github.com/smallbiznis/dunning/internal/webhook/service"
	"go.uber.org/fx"
)

func NewParsers(cfg config.Config) *parsers.Registry {
	return parsers.NewRegistry(
		parsers.NewTwilioSMS(cfg.Twilio),
		parsers.NewTwilioVoice(cfg.Twilio),
		parsers.NewEmail(cfg.Email.WebhookSecret),
	)
}

var Module = fx.Module("webhook",
	fx.Provide(repository.Provide),
	fx.Provide(NewParsers),
	fx.Provide(service.NewIngestor),
)
