package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestDeliveryStatusIsMonotonic(t *testing.T) {
	assert.True(t, DeliverySent.CanMoveFrom(DeliveryQueued))
	assert.True(t, DeliveryDelivered.CanMoveFrom(DeliverySent))
	assert.True(t, DeliveryFailed.CanMoveFrom(DeliveryDelivered))

	assert.False(t, DeliverySent.CanMoveFrom(DeliveryDelivered))
	assert.False(t, DeliveryQueued.CanMoveFrom(DeliverySent))
	assert.False(t, DeliveryDelivered.CanMoveFrom(DeliveryFailed))
	assert.False(t, DeliveryFailed.CanMoveFrom(DeliveryFailed))
	assert.False(t, DeliverySent.CanMoveFrom(DeliverySent))
}

func TestOutcomeCountsAsContact(t *testing.T) {
	assert.True(t, OutcomeSent.CountsAsContact())
	assert.True(t, OutcomeFailed.CountsAsContact())
	assert.False(t, OutcomeError.CountsAsContact())
	assert.False(t, OutcomeBlocked.CountsAsContact())
}
