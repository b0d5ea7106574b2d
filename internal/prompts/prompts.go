// Package prompts resolves administrator-configured instruction templates
// for the downstream agent capabilities.
package prompts

import (
	"context"
	"errors"

	"github.com/modista/shopagent/internal/agents"
	"github.com/modista/shopagent/internal/logger"
	"github.com/modista/shopagent/internal/store"
)

// promptReader is the slice of the store this service needs.
type promptReader interface {
	ActiveAgentPrompt(ctx context.Context, agentType, role string) (*store.AgentPrompt, error)
}

// Service looks up the active instruction template per agent type and role.
type Service struct {
	store promptReader
}

// New creates a prompt lookup service over the given store.
func New(s promptReader) *Service {
	return &Service{store: s}
}

// ActiveFor returns the active prompt for an agent type and role. A role
// other than "default" falls back to the "default" role when it has no
// prompt of its own. A nil prompt with nil error means none is configured.
func (s *Service) ActiveFor(ctx context.Context, agent agents.Agent, role string) (*store.AgentPrompt, error) {
	if role == "" {
		role = "default"
	}
	p, err := s.store.ActiveAgentPrompt(ctx, string(agent), role)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			if role != "default" {
				return s.ActiveFor(ctx, agent, "default")
			}
			return nil, nil
		}
		logger.L.Warn("prompt lookup failed", "agent", agent, "role", role, "error", err)
		return nil, err
	}
	return p, nil
}
