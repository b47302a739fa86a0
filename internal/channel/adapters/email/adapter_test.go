package email

import (
	"context"
	"strings"
	"testing"

	"github.com/smallbiznis/dunning/internal/channel/domain"
	emailprovider "github.com/smallbiznis/dunning/internal/providers/email"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAdapterSendsAndReturnsMessageID(t *testing.T) {
	provider := &emailprovider.NoOpProvider{}
	a := New(provider, "mail.example.com")

	res, err := a.Send(context.Background(), domain.Request{
		ActionID:    77,
		Destination: "Ana <ana@example.com>",
		Subject:     "Recordatorio",
		Content:     "<p>hola</p>",
	})
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, strings.HasSuffix(res.ExternalID, "@mail.example.com"))

	sent := provider.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "ana@example.com", sent[0].To)
	assert.Equal(t, res.ExternalID, sent[0].MessageID)
	assert.Equal(t, "77", sent[0].Headers["X-Dunning-Action-ID"])
}

func TestAdapterRejectsBadInput(t *testing.T) {
	a := New(&emailprovider.NoOpProvider{}, "")

	_, err := a.Send(context.Background(), domain.Request{Destination: "not-an-email", Content: "x"})
	assert.ErrorIs(t, err, domain.ErrInvalidDestination)

	_, err = a.Send(context.Background(), domain.Request{Destination: "a@example.com"})
	assert.ErrorIs(t, err, domain.ErrMissingContent)
}
