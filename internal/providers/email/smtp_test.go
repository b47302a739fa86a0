package email

import (
	"context"
	"errors"
	"net/smtp"
	"strings"
	"testing"
	"time"

	"github.com/smallbiznis/dunning/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestSMTPProviderBuildsHeaders(t *testing.T) {
	var captured []byte
	var rcpt []string
	p := NewSMTP(Config{Host: "localhost", Port: 1025, From: "cobranza@example.com"})
	p.sendMail = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		assert.Equal(t, "localhost:1025", addr)
		assert.Nil(t, a)
		rcpt = to
		captured = msg
		return nil
	}

	err := p.Send(context.Background(), Message{
		To:        "deudor@example.com",
		Subject:   "Recordatorio",
		HTMLBody:  "<p>hola</p>",
		MessageID: "abc@dunning",
		Headers:   map[string]string{"X-Dunning-Action": "42"},
	})
	require.NoError(t, err)

	raw := string(captured)
	assert.Equal(t, []string{"deudor@example.com"}, rcpt)
	assert.Contains(t, raw, "Message-ID: <abc@dunning>\r\n")
	assert.Contains(t, raw, "X-Dunning-Action: 42\r\n")
	assert.True(t, strings.HasSuffix(raw, "<p>hola</p>"))
}

func TestSMTPProviderHonoursContext(t *testing.T) {
	p := NewSMTP(Config{Host: "localhost", Port: 1025})
	release := make(chan struct{})
	defer close(release)
	p.sendMail = func(string, smtp.Auth, string, []string, []byte) error {
		<-release
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	err := p.Send(ctx, Message{To: "x@example.com"})
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestNewFromConfigNoop(t *testing.T) {
	cfg := config.Config{Email: config.EmailConfig{SMTPHost: "NOOP"}}
	_, ok := NewFromConfig(cfg, zap.NewNop()).(*NoOpProvider)
	assert.True(t, ok)

	cfg.Email.SMTPHost = "smtp.example.com"
	_, ok = NewFromConfig(cfg, zap.NewNop()).(*SMTPProvider)
	assert.True(t, ok)
}
