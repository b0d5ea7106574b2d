package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/qmuntal/stateless"
	"golang.org/x/sync/errgroup"

	"github.com/modista/shopagent/internal/agents"
	"github.com/modista/shopagent/internal/logger"
	"github.com/modista/shopagent/internal/store"
)

// The submit-query control flow is a finite state machine: resolve the user
// input, refine it into intents, search (fanned out per intent), compose the
// assistant's reply. Transitions are fired from the entry handlers, so one
// start trigger drives the pipeline to a terminal state.
type pipelineState stateless.State

var (
	stateResolvingInput pipelineState = "ResolvingInput"
	stateRefining       pipelineState = "Refining"
	stateSearching      pipelineState = "Searching"
	stateComposing      pipelineState = "Composing"
	stateDone           pipelineState = "Done"
	stateError          pipelineState = "Error"
)

type pipelineTrigger stateless.Trigger

var (
	triggerStart            pipelineTrigger = "Start"
	triggerInputResolved    pipelineTrigger = "InputResolved"
	triggerNoContent        pipelineTrigger = "NoContent"
	triggerQueryRefined     pipelineTrigger = "QueryRefined"
	triggerSearchCompleted  pipelineTrigger = "SearchCompleted"
	triggerResponseComposed pipelineTrigger = "ResponseComposed"
	triggerFailed           pipelineTrigger = "Failed"
)

// pipeline carries one submit-query invocation through the state machine.
type pipeline struct {
	svc           *Service
	sessionID     string
	req           QueryRequest
	priorityOrder []string

	userText      string
	contentType   string
	queryText     string
	refinedParams map[string]any
	intents       []string
	groups        []ResultGroup

	resp      *QueryResponse
	lastError error
}

func (p *pipeline) run(ctx context.Context) (*QueryResponse, error) {
	fsm := stateless.NewStateMachine(stateResolvingInput)

	fsm.Configure(stateResolvingInput).
		PermitReentry(triggerStart).
		OnEntry(func(ctx context.Context, args ...any) error {
			return p.resolveInput(ctx, fsm)
		}).
		Permit(triggerInputResolved, stateRefining).
		Permit(triggerNoContent, stateDone).
		Permit(triggerFailed, stateError)

	fsm.Configure(stateRefining).
		OnEntry(func(ctx context.Context, args ...any) error {
			return p.refine(ctx, fsm)
		}).
		Permit(triggerQueryRefined, stateSearching).
		Permit(triggerFailed, stateError)

	fsm.Configure(stateSearching).
		OnEntry(func(ctx context.Context, args ...any) error {
			return p.search(ctx, fsm)
		}).
		Permit(triggerSearchCompleted, stateComposing).
		Permit(triggerFailed, stateError)

	fsm.Configure(stateComposing).
		OnEntry(func(ctx context.Context, args ...any) error {
			return p.compose(ctx, fsm)
		}).
		Permit(triggerResponseComposed, stateDone).
		Permit(triggerFailed, stateError)

	fsm.Configure(stateDone)
	fsm.Configure(stateError).
		OnEntry(func(ctx context.Context, args ...any) error {
			if p.lastError == nil {
				p.lastError = errors.New("query pipeline reached error state without a specific error")
			}
			return nil
		})

	if err := fsm.FireCtx(ctx, triggerStart); err != nil {
		logger.L.Error("query pipeline fire error", "error", err)
		if p.lastError != nil {
			return nil, p.lastError
		}
		return nil, fmt.Errorf("query pipeline: %w", err)
	}

	current, err := fsm.State(ctx)
	if err != nil {
		return nil, fmt.Errorf("query pipeline state: %w", err)
	}
	switch current {
	case stateDone:
		return p.resp, nil
	case stateError:
		return nil, p.lastError
	default:
		return nil, fmt.Errorf("query pipeline ended in an unexpected state: %v", current)
	}
}

func (p *pipeline) fail(ctx context.Context, fsm *stateless.StateMachine, err error) error {
	p.lastError = err
	return fsm.FireCtx(ctx, triggerFailed)
}

// resolveInput turns the request into user text: direct text, or a
// transcription of the audio URL. Blank input is not an error; it short-
// circuits to a structured zero-result response and writes no messages.
func (p *pipeline) resolveInput(ctx context.Context, fsm *stateless.StateMachine) error {
	text := strings.TrimSpace(p.req.Text)
	p.contentType = store.ContentTypeText

	if text == "" && p.req.AudioURL != "" {
		logger.L.Debug("transcribing audio for query", "sessionId", p.sessionID)
		transcript, err := p.svc.ai.Transcribe(ctx, p.sessionID, p.req.AudioURL)
		if err != nil {
			return p.fail(ctx, fsm, fmt.Errorf("transcription: %w", err))
		}
		text = strings.TrimSpace(transcript)
		p.contentType = store.ContentTypeAudioURL
	}

	if text == "" {
		logger.L.Warn("query rejected: no text or audio content", "sessionId", p.sessionID)
		p.resp = &QueryResponse{Results: []ResultItem{}, Message: "No text or audio provided"}
		return fsm.FireCtx(ctx, triggerNoContent)
	}
	p.userText = text

	if _, err := p.svc.store.CreateMessage(ctx, p.sessionID, store.RoleUser, p.contentType, text); err != nil {
		return p.fail(ctx, fsm, err)
	}
	return fsm.FireCtx(ctx, triggerInputResolved)
}

// refine obtains the canonical query, augments it with the delivery region
// and splits the utterance into search intents.
func (p *pipeline) refine(ctx context.Context, fsm *stateless.StateMachine) error {
	p.queryText, p.refinedParams = p.svc.ai.RefineQuery(ctx, p.sessionID, p.userText, nil)
	p.queryText = p.svc.augmentWithRegion(ctx, p.sessionID, p.userText, p.queryText, p.priorityOrder)

	p.intents = p.svc.ai.SplitIntents(ctx, p.sessionID, p.userText, p.queryText)
	if len(p.intents) <= 1 {
		// A single intent searches the full refined query.
		p.intents = []string{p.queryText}
	}
	return fsm.FireCtx(ctx, triggerQueryRefined)
}

// search dispatches one search per intent through the scheduler. Intents are
// independent: a failing intent degrades to zero results for that intent and
// never aborts the others.
func (p *pipeline) search(ctx context.Context, fsm *stateless.StateMachine) error {
	k := len(p.intents)
	limit := perIntentLimit(k)

	if k > 1 {
		p.svc.audit.Log(ctx, p.sessionID, agents.Communication, agents.Search, agents.TypeTask,
			fmt.Sprintf("Multi-product: find up to %d results each for %d intents", limit, k),
			map[string]any{"task": "search_products", "intents": p.intents, "limitPerIntent": limit})

		groups := make([]ResultGroup, k)
		var g errgroup.Group
		for i, intentQuery := range p.intents {
			g.Go(func() error {
				group, err := p.svc.executeIntent(ctx, p.sessionID, intentQuery, p.refinedParams, limit)
				if err != nil {
					logger.L.Warn("intent search failed", "sessionId", p.sessionID, "queryText", head(intentQuery, 80), "error", err)
					groups[i] = ResultGroup{QueryText: intentQuery, Results: []ResultItem{}}
					return nil
				}
				groups[i] = *group
				return nil
			})
		}
		g.Wait()
		p.groups = groups
		return fsm.FireCtx(ctx, triggerSearchCompleted)
	}

	queryText := p.intents[0]
	p.svc.audit.Log(ctx, p.sessionID, agents.Communication, agents.Search, agents.TypeTask,
		fmt.Sprintf("Find up to %d products for: %s", limit, queryText),
		map[string]any{"task": "search_products", "queryText": queryText, "limit": limit})
	p.svc.audit.Log(ctx, p.sessionID, agents.Communication, agents.Search, agents.TypeRequest,
		fmt.Sprintf("Search query: %s", queryText), map[string]any{"queryText": queryText})

	group, err := p.svc.executeIntent(ctx, p.sessionID, queryText, p.refinedParams, limit)
	if err != nil {
		logger.L.Warn("search failed", "sessionId", p.sessionID, "queryText", head(queryText, 80), "error", err)
		group = &ResultGroup{QueryText: queryText, Results: []ResultItem{}}
	}
	p.groups = []ResultGroup{*group}
	return fsm.FireCtx(ctx, triggerSearchCompleted)
}

// compose unions the groups in intent order and persists the assistant's
// text and table messages.
func (p *pipeline) compose(ctx context.Context, fsm *stateless.StateMachine) error {
	includeImages := len(p.intents) == 1
	resp, err := p.svc.composeResponse(ctx, p.sessionID, p.intents, p.groups, p.priorityOrder, includeImages)
	if err != nil {
		return p.fail(ctx, fsm, err)
	}
	p.resp = resp
	logger.L.Info("query processed", "sessionId", p.sessionID,
		"intentCount", len(p.intents), "resultCount", len(resp.Results), "queryText", head(resp.QueryText, 100))
	return fsm.FireCtx(ctx, triggerResponseComposed)
}
