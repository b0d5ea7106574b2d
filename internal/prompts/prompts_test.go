package prompts

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/modista/shopagent/internal/agents"
	"github.com/modista/shopagent/internal/store"
)

type fakePromptReader struct {
	prompts map[string]*store.AgentPrompt // keyed agentType + "/" + role
	err     error
}

func (f *fakePromptReader) ActiveAgentPrompt(ctx context.Context, agentType, role string) (*store.AgentPrompt, error) {
	if f.err != nil {
		return nil, f.err
	}
	if p, ok := f.prompts[agentType+"/"+role]; ok {
		return p, nil
	}
	return nil, store.ErrNotFound
}

func TestActiveFor_ExactRole(t *testing.T) {
	r := &fakePromptReader{prompts: map[string]*store.AgentPrompt{
		"COMPARISON/buyer": {Name: "buyer-cmp", Content: "compare for buyers"},
	}}
	svc := New(r)

	p, err := svc.ActiveFor(context.Background(), agents.Comparison, "buyer")
	require.NoError(t, err)
	require.Equal(t, "buyer-cmp", p.Name)
}

func TestActiveFor_FallsBackToDefaultRole(t *testing.T) {
	r := &fakePromptReader{prompts: map[string]*store.AgentPrompt{
		"COMPARISON/default": {Name: "default-cmp", Content: "compare"},
	}}
	svc := New(r)

	p, err := svc.ActiveFor(context.Background(), agents.Comparison, "buyer")
	require.NoError(t, err)
	require.Equal(t, "default-cmp", p.Name)
}

func TestActiveFor_EmptyRoleMeansDefault(t *testing.T) {
	r := &fakePromptReader{prompts: map[string]*store.AgentPrompt{
		"LOCATION/default": {Name: "loc", Content: "extract region"},
	}}
	svc := New(r)

	p, err := svc.ActiveFor(context.Background(), agents.Location, "")
	require.NoError(t, err)
	require.Equal(t, "loc", p.Name)
}

func TestActiveFor_NoneConfigured(t *testing.T) {
	svc := New(&fakePromptReader{})

	p, err := svc.ActiveFor(context.Background(), agents.Comparison, "buyer")
	require.NoError(t, err)
	require.Nil(t, p)
}

func TestActiveFor_StoreErrorPropagates(t *testing.T) {
	boom := errors.New("db gone")
	svc := New(&fakePromptReader{err: boom})

	_, err := svc.ActiveFor(context.Background(), agents.Comparison, "default")
	require.ErrorIs(t, err, boom)
}
