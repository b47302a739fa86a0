package email

import (
	"context"
	"errors"
	"net/mail"
	"strings"

	"github.com/google/uuid"
	"github.com/smallbiznis/dunning/internal/channel/domain"
	emailprovider "github.com/smallbiznis/dunning/internal/providers/email"
)

type Adapter struct {
	provider emailprovider.Provider
	domain   string
}

// New builds the email adapter. idDomain is the right-hand side of generated Message-IDs.
func New(provider emailprovider.Provider, idDomain string) *Adapter {
	if idDomain == "" {
		idDomain = "dunning.local"
	}
	return &Adapter{provider: provider, domain: idDomain}
}

func (a *Adapter) Channel() domain.Channel {
	return domain.ChannelEmail
}

func (a *Adapter) Send(ctx context.Context, req domain.Request) (domain.Result, error) {
	addr, err := mail.ParseAddress(strings.TrimSpace(req.Destination))
	if err != nil {
		return domain.Result{}, domain.ErrInvalidDestination
	}
	if strings.TrimSpace(req.Content) == "" {
		return domain.Result{}, domain.ErrMissingContent
	}

	messageID := uuid.NewString() + "@" + a.domain
	err = a.provider.Send(ctx, emailprovider.Message{
		To:        addr.Address,
		Subject:   req.Subject,
		HTMLBody:  req.Content,
		MessageID: messageID,
		Headers: map[string]string{
			"X-Dunning-Action-ID": req.ActionID.String(),
		},
	})
	if err != nil {
		class := domain.FailureProviderError
		if errors.Is(err, context.DeadlineExceeded) {
			class = domain.FailureUndelivered
		}
		return domain.Result{Success: false, Error: err.Error(), FailureClass: class}, nil
	}
	return domain.Result{Success: true, ExternalID: messageID}, nil
}
