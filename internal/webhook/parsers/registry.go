// Package parsers turns provider delivery callbacks into delivery events.
package parsers

import (
	"strings"

	"github.com/smallbiznis/dunning/internal/webhook/domain"
)

type Registry struct {
	parsers map[string]domain.Parser
}

func NewRegistry(parsers ...domain.Parser) *Registry {
	registry := &Registry{parsers: map[string]domain.Parser{}}
	for _, parser := range parsers {
		if parser == nil {
			continue
		}
		provider := strings.ToLower(strings.TrimSpace(parser.Provider()))
		if provider == "" {
			continue
		}
		registry.parsers[provider] = parser
	}
	return registry
}

func (r *Registry) Parser(provider string) (domain.Parser, error) {
	if r == nil {
		return nil, domain.ErrUnknownProvider
	}
	parser, ok := r.parsers[strings.ToLower(strings.TrimSpace(provider))]
	if !ok {
		return nil, domain.ErrUnknownProvider
	}
	return parser, nil
}
