package voice

import (
	"context"
	"strings"

	"github.com/smallbiznis/dunning/internal/channel/adapters/sms"
	"github.com/smallbiznis/dunning/internal/channel/domain"
	twilioprovider "github.com/smallbiznis/dunning/internal/providers/twilio"
)

// Caller is implemented by the Twilio client.
type Caller interface {
	PlaceCall(to, agentRef string) (string, error)
}

type Adapter struct {
	caller Caller
}

func New(caller Caller) *Adapter {
	return &Adapter{caller: caller}
}

func (a *Adapter) Channel() domain.Channel {
	return domain.ChannelCall
}

// Send places a call driven by the conversational agent named in AgentRef.
func (a *Adapter) Send(ctx context.Context, req domain.Request) (domain.Result, error) {
	to := strings.TrimSpace(req.Destination)
	if !strings.HasPrefix(to, "+") || len(to) < 8 {
		return domain.Result{}, domain.ErrInvalidDestination
	}
	agent := strings.TrimSpace(req.AgentRef)
	if agent == "" {
		return domain.Result{}, domain.ErrMissingAgent
	}

	type outcome struct {
		sid string
		err error
	}
	done := make(chan outcome, 1)
	go func() {
		sid, err := a.caller.PlaceCall(to, agent)
		done <- outcome{sid: sid, err: err}
	}()

	select {
	case <-ctx.Done():
		return domain.Result{Success: false, Error: ctx.Err().Error(), FailureClass: domain.FailureFailedCall}, nil
	case out := <-done:
		if out.err != nil {
			class := sms.ClassifyTwilioCode(twilioprovider.ErrorCode(out.err))
			if class == domain.FailureProviderError || class == domain.FailureUndelivered {
				class = domain.FailureFailedCall
			}
			return domain.Result{Success: false, Error: out.err.Error(), FailureClass: class}, nil
		}
		return domain.Result{Success: true, ExternalID: out.sid}, nil
	}
}
