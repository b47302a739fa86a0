package channel

import (
	"bytes"
	"fmt"
	htmltemplate "html/template"
	"strings"
	texttemplate "text/template"

	"github.com/smallbiznis/dunning/internal/channel/domain"
)

// Render executes a message template against the action variables. Email
// bodies are HTML-escaped; SMS and call scripts are plain text. Missing keys
// are errors so a typo never reaches a debtor.
func Render(ch domain.Channel, subject, body string, vars map[string]any) (string, string, error) {
	if strings.TrimSpace(body) == "" {
		return "", "", domain.ErrMissingContent
	}

	renderedSubject, err := renderText("subject", subject, vars)
	if err != nil {
		return "", "", err
	}

	switch ch {
	case domain.ChannelEmail:
		tpl, err := htmltemplate.New("body").Option("missingkey=error").Parse(body)
		if err != nil {
			return "", "", fmt.Errorf("%w: %v", domain.ErrTemplateRender, err)
		}
		var buf bytes.Buffer
		if err := tpl.Execute(&buf, vars); err != nil {
			return "", "", fmt.Errorf("%w: %v", domain.ErrTemplateRender, err)
		}
		return renderedSubject, buf.String(), nil
	default:
		content, err := renderText("body", body, vars)
		if err != nil {
			return "", "", err
		}
		return renderedSubject, content, nil
	}
}

func renderText(name, src string, vars map[string]any) (string, error) {
	if src == "" {
		return "", nil
	}
	tpl, err := texttemplate.New(name).Option("missingkey=error").Parse(src)
	if err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTemplateRender, err)
	}
	var buf bytes.Buffer
	if err := tpl.Execute(&buf, vars); err != nil {
		return "", fmt.Errorf("%w: %v", domain.ErrTemplateRender, err)
	}
	return buf.String(), nil
}
