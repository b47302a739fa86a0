package sms

import (
	"context"
	"strings"

	"github.com/smallbiznis/dunning/internal/channel/domain"
	twilioprovider "github.com/smallbiznis/dunning/internal/providers/twilio"
)

// Sender is implemented by the Twilio client.
type Sender interface {
	SendSMS(to, body string) (string, error)
}

type Adapter struct {
	sender Sender
}

func New(sender Sender) *Adapter {
	return &Adapter{sender: sender}
}

func (a *Adapter) Channel() domain.Channel {
	return domain.ChannelSMS
}

func (a *Adapter) Send(ctx context.Context, req domain.Request) (domain.Result, error) {
	to := strings.TrimSpace(req.Destination)
	if !strings.HasPrefix(to, "+") || len(to) < 8 {
		return domain.Result{}, domain.ErrInvalidDestination
	}
	if strings.TrimSpace(req.Content) == "" {
		return domain.Result{}, domain.ErrMissingContent
	}

	type outcome struct {
		sid string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sid, err := a.sender.SendSMS(to, req.Content)
		done <- outcome{sid: sid, err: err}
	}()

	select {
	case <-ctx.Done():
		return domain.Result{Success: false, Error: ctx.Err().Error(), FailureClass: domain.FailureUndelivered}, nil
	case out := <-done:
		if out.err != nil {
			return domain.Result{
				Success:      false,
				Error:        out.err.Error(),
				FailureClass: ClassifyTwilioCode(twilioprovider.ErrorCode(out.err)),
			}, nil
		}
		return domain.Result{Success: true, ExternalID: out.sid}, nil
	}
}

// ClassifyTwilioCode maps Twilio error codes to failure classes.
func ClassifyTwilioCode(code int) domain.FailureClass {
	switch code {
	case 0:
		return domain.FailureProviderError
	case 21211, 21614, 21217, 30003, 30005, 30006:
		return domain.FailureInvalidDestination
	case 21610, 30004, 30007:
		return domain.FailureComplaint
	case 20429, 30001, 14107:
		return domain.FailureRateLimited
	case 30008:
		return domain.FailureUndelivered
	default:
		return domain.FailureProviderError
	}
}
