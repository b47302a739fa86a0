package events

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestWatermillPublisherDeliversWithMetadata(t *testing.T) {
	log := zap.NewNop()
	ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 10, Persistent: true}, NewLoggerAdapter(log))
	defer ps.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	messages, err := ps.Subscribe(ctx, "dunning.actions")
	require.NoError(t, err)

	pub := NewWatermillPublisher(ps, "dunning.actions", log)
	event := ActionEvent{Type: ActionScheduled, ActionID: 42, Channel: "email", Attempt: 0}
	require.NoError(t, pub.Publish(ctx, event))

	select {
	case msg := <-messages:
		msg.Ack()
		assert.Equal(t, string(ActionScheduled), msg.Metadata.Get(MetadataType))
		assert.Equal(t, "42", msg.Metadata.Get(MetadataActionID))

		var got ActionEvent
		require.NoError(t, json.Unmarshal(msg.Payload, &got))
		assert.Equal(t, event.ActionID, got.ActionID)
		assert.Equal(t, "email", got.Channel)
	case <-ctx.Done():
		t.Fatal("message not delivered")
	}
}

func TestRecorderFiltersByType(t *testing.T) {
	r := &Recorder{}
	_ = r.Publish(context.Background(), ActionEvent{Type: ActionScheduled})
	_ = r.Publish(context.Background(), ActionEvent{Type: ActionFailed})
	assert.Len(t, r.Events(), 2)
	assert.Len(t, r.OfType(ActionFailed), 1)
}
