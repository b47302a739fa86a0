// Package logadapter stands in for a provider in development: it logs the
// request and reports success.
package logadapter

import (
	"context"

	"github.com/google/uuid"
	"github.com/smallbiznis/dunning/internal/channel/domain"
	"go.uber.org/zap"
)

type Adapter struct {
	channel domain.Channel
	log     *zap.Logger
}

func New(ch domain.Channel, log *zap.Logger) *Adapter {
	return &Adapter{channel: ch, log: log.Named("channel.log").With(zap.String("channel", string(ch)))}
}

func (a *Adapter) Channel() domain.Channel {
	return a.channel
}

func (a *Adapter) Send(ctx context.Context, req domain.Request) (domain.Result, error) {
	if req.Destination == "" && a.channel != domain.ChannelCall {
		return domain.Result{}, domain.ErrInvalidDestination
	}
	externalID := "log-" + uuid.NewString()
	a.log.Info("outreach not sent, no provider configured",
		zap.String("action_id", req.ActionID.String()),
		zap.String("external_id", externalID),
		zap.Int("content_length", len(req.Content)),
	)
	return domain.Result{Success: true, ExternalID: externalID}, nil
}
