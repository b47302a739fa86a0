package channel

import (
	"testing"

	"github.com/smallbiznis/dunning/internal/channel/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderEmailEscapesHTML(t *testing.T) {
	subject, body, err := Render(domain.ChannelEmail, "Saldo {{.amount}}", "<p>Hola {{.name}}</p>", map[string]any{
		"amount": "1500.00",
		"name":   "<b>Ana</b>",
	})
	require.NoError(t, err)
	assert.Equal(t, "Saldo 1500.00", subject)
	assert.Equal(t, "<p>Hola &lt;b&gt;Ana&lt;/b&gt;</p>", body)
}

func TestRenderSMSPlainText(t *testing.T) {
	_, body, err := Render(domain.ChannelSMS, "", "Pague {{.amount}} antes del {{.due_date}}", map[string]any{
		"amount":   "99.50",
		"due_date": "2025-01-20",
	})
	require.NoError(t, err)
	assert.Equal(t, "Pague 99.50 antes del 2025-01-20", body)
}

func TestRenderErrors(t *testing.T) {
	_, _, err := Render(domain.ChannelSMS, "", "  ", nil)
	assert.ErrorIs(t, err, domain.ErrMissingContent)

	_, _, err = Render(domain.ChannelSMS, "", "{{.missing}}", map[string]any{})
	assert.ErrorIs(t, err, domain.ErrTemplateRender)

	_, _, err = Render(domain.ChannelEmail, "", "{{.broken", map[string]any{})
	assert.ErrorIs(t, err, domain.ErrTemplateRender)
}
