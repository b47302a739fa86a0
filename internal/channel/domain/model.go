package domain

import (
	"context"
	"errors"
	"strings"

	"github.com/bwmarrin/snowflake"
)

// Channel is the outreach medium of a campaign node.
type Channel string

const (
	ChannelEmail Channel = "email"
	ChannelSMS   Channel = "sms"
	ChannelCall  Channel = "call"
)

func (c Channel) Valid() bool {
	switch c {
	case ChannelEmail, ChannelSMS, ChannelCall:
		return true
	default:
		return false
	}
}

func ParseChannel(raw string) (Channel, error) {
	ch := Channel(strings.ToLower(strings.TrimSpace(raw)))
	if !ch.Valid() {
		return "", ErrUnknownChannel
	}
	return ch, nil
}

// FailureClass labels why a provider reported a send as undelivered.
type FailureClass string

const (
	FailureNone               FailureClass = ""
	FailureBounce             FailureClass = "bounce"
	FailureSoftBounce         FailureClass = "soft_bounce"
	FailureComplaint          FailureClass = "complaint"
	FailureNoAnswer           FailureClass = "no_answer"
	FailureBusy               FailureClass = "busy"
	FailureFailedCall         FailureClass = "failed_call"
	FailureUndelivered        FailureClass = "undelivered"
	FailureInvalidDestination FailureClass = "invalid_destination"
	FailureRateLimited        FailureClass = "rate_limited"
	FailureProviderError      FailureClass = "provider_error"
)

// Permanent reports whether retrying the same destination cannot succeed.
func (c FailureClass) Permanent() bool {
	switch c {
	case FailureBounce, FailureComplaint, FailureInvalidDestination:
		return true
	default:
		return false
	}
}

// Request is what the dispatcher hands to an adapter.
type Request struct {
	ActionID    snowflake.ID
	OwnerID     snowflake.ID
	Destination string
	Subject     string
	Content     string
	AgentRef    string
	Variables   map[string]any
}

// Result is the provider's synchronous answer. ExternalID is stored on the
// history record and later used to correlate webhooks.
type Result struct {
	Success      bool
	ExternalID   string
	Error        string
	FailureClass FailureClass
}

// Adapter delivers one request through a concrete provider.
type Adapter interface {
	Channel() Channel
	Send(ctx context.Context, req Request) (Result, error)
}

var (
	ErrUnknownChannel     = errors.New("unknown_channel")
	ErrAdapterNotFound    = errors.New("channel_adapter_not_found")
	ErrInvalidDestination = errors.New("invalid_destination")
	ErrMissingContent     = errors.New("missing_content")
	ErrMissingAgent       = errors.New("missing_agent_ref")
	ErrTemplateRender     = errors.New("template_render_failed")
)
