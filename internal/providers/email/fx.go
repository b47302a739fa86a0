package email

import (
	"strings"

	"github.com/smallbiznis/dunning/internal/config"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

var Module = fx.Module("providers.email",
	fx.Provide(NewFromConfig),
)

// NewFromConfig returns the SMTP provider, or an in-memory one when
// SMTP_HOST is "noop".
func NewFromConfig(cfg config.Config, log *zap.Logger) Provider {
	smtpCfg := cfg.Email
	if strings.EqualFold(strings.TrimSpace(smtpCfg.SMTPHost), "noop") {
		log.Warn("email provider disabled, messages are kept in memory")
		return &NoOpProvider{}
	}
	log.Info("email provider configured",
		zap.String("smtp_host", smtpCfg.SMTPHost),
		zap.Int("smtp_port", smtpCfg.SMTPPort),
		zap.String("from", smtpCfg.SMTPFrom),
	)
	return NewSMTP(Config{
		Host:     smtpCfg.SMTPHost,
		Port:     smtpCfg.SMTPPort,
		Username: smtpCfg.SMTPUsername,
		Password: smtpCfg.SMTPPassword,
		From:     smtpCfg.SMTPFrom,
	})
}
