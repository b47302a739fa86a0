package server

import (
	"io"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	webhookdomain "github.com/smallbiznis/dunning/internal/webhook/domain"
)

const maxWebhookBody = 1 << 20

// HandleDeliveryWebhook acknowledges provider callbacks. Replays and
// callbacks for unknown messages still answer 200 so providers stop retrying.
func (s *Server) HandleDeliveryWebhook(c *gin.Context) {
	provider := strings.ToLower(strings.TrimSpace(c.Param("provider")))
	payload, err := io.ReadAll(io.LimitReader(c.Request.Body, maxWebhookBody))
	if err != nil {
		AbortWithError(c, invalidRequestError())
		return
	}

	res, err := s.ingestor.Ingest(c.Request.Context(), webhookdomain.Inbound{
		Provider: provider,
		URL:      requestURL(c.Request),
		Headers:  c.Request.Header,
		Body:     payload,
	})
	if err != nil {
		AbortWithError(c, err)
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"status":    "ok",
		"duplicate": res.Duplicate,
		"matched":   res.Matched,
	})
}

func requestURL(r *http.Request) string {
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := strings.TrimSpace(r.Header.Get("X-Forwarded-Proto")); proto != "" {
		scheme = proto
	}
	host := r.Host
	if fwd := strings.TrimSpace(r.Header.Get("X-Forwarded-Host")); fwd != "" {
		host = fwd
	}
	return scheme + "://" + host + r.URL.RequestURI()
}
