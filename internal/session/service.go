// Package session implements the query orchestrator: it turns a user
// utterance into one or more search runs, persists the outcome and composes
// the assistant's reply, mirroring every cross-agent step into the audit
// trail.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/modista/shopagent/internal/agents"
	"github.com/modista/shopagent/internal/ai"
	"github.com/modista/shopagent/internal/logger"
	"github.com/modista/shopagent/internal/queue"
	"github.com/modista/shopagent/internal/search"
	"github.com/modista/shopagent/internal/store"
)

const (
	searchLimit       = 20
	maxPerIntentLimit = 30
	minPerIntentLimit = 5

	resultsPageDefault = 20
	resultsPageCeiling = 50
)

// priorityKeys is the closed set of session priorities, used as a ranking
// hint by the comparison and location agents.
var priorityKeys = []string{"price", "quality", "location"}

// AgentClient is the downstream agent client surface the orchestrator needs.
type AgentClient interface {
	Transcribe(ctx context.Context, sessionID, audioURL string) (string, error)
	RefineQuery(ctx context.Context, sessionID, userText string, previousParams map[string]any) (string, map[string]any)
	RefineFromFeedback(ctx context.Context, sessionID, feedback string, selectedIndices []int, currentParams map[string]any) (string, map[string]any)
	SplitIntents(ctx context.Context, sessionID, userText, fallbackQuery string) []string
	FormatPresentation(ctx context.Context, sessionID string, results []ai.ResultSummary, queryText string) string
	ComparePrices(ctx context.Context, sessionID string, results []ai.ResultSummary, queryText string, priorityOrder []string) string
	ExtractDeliveryRegion(ctx context.Context, sessionID, userText, queryText string, priorityOrder []string) ai.Region
}

// Searcher executes one text query against the search capability.
type Searcher interface {
	Search(ctx context.Context, queryText string, limit int) []search.Item
}

// Service is the query orchestrator.
type Service struct {
	store  *store.Store
	ai     AgentClient
	search Searcher
	queue  *queue.Queue
	mode   *ModeSwitch
	audit  *agents.AuditLogger
}

// NewService wires the orchestrator.
func NewService(st *store.Store, aiClient AgentClient, searcher Searcher, q *queue.Queue, mode *ModeSwitch, audit *agents.AuditLogger) *Service {
	return &Service{store: st, ai: aiClient, search: searcher, queue: q, mode: mode, audit: audit}
}

// Mode exposes the execution mode switch.
func (s *Service) Mode() *ModeSwitch { return s.mode }

// QueryRequest carries one submit-query call.
type QueryRequest struct {
	Text       string   `json:"text,omitempty"`
	AudioURL   string   `json:"audioUrl,omitempty"`
	Priorities []string `json:"priorities,omitempty"`
	ProfileID  *string  `json:"profileId,omitempty"`
}

// FeedbackRequest carries one submit-feedback call.
type FeedbackRequest struct {
	Message         string   `json:"message"`
	SelectedIndices []int    `json:"selectedIndices,omitempty"`
	Priorities      []string `json:"priorities,omitempty"`
	ProfileID       *string  `json:"profileId,omitempty"`
}

// ResultItem is one created result as returned to the caller.
type ResultItem struct {
	ID       string `json:"id"`
	Title    string `json:"title"`
	URL      string `json:"url"`
	Price    string `json:"price,omitempty"`
	Source   string `json:"source,omitempty"`
	Position int    `json:"position"`
	Snippet  string `json:"snippet,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// ResultGroup is one intent's result set in a multi-intent response.
type ResultGroup struct {
	QueryText string       `json:"queryText"`
	Results   []ResultItem `json:"results"`
}

// QueryResponse is the outcome of submit-query or submit-feedback.
type QueryResponse struct {
	Results   []ResultItem  `json:"results"`
	QueryText string        `json:"queryText,omitempty"`
	Groups    []ResultGroup `json:"groups,omitempty"`
	Message   string        `json:"message,omitempty"`
}

// RunView is one search run in a paged results listing.
type RunView struct {
	ID        string               `json:"id"`
	QueryText string               `json:"queryText"`
	CreatedAt time.Time            `json:"createdAt"`
	Results   []store.SearchResult `json:"results"`
}

// ResultsPage is a paged, newest-first listing of a session's runs.
type ResultsPage struct {
	Items      []RunView  `json:"items"`
	Pagination Pagination `json:"pagination"`
}

// Pagination describes one page of a listing.
type Pagination struct {
	Page  int `json:"page"`
	Limit int `json:"limit"`
	Total int `json:"total"`
}

// normalizePriorities keeps only valid priority keys, preserving submitted
// order and dropping duplicates. An entirely-invalid (or empty) list
// normalizes to nil.
func normalizePriorities(priorities []string) []string {
	if len(priorities) == 0 {
		return nil
	}
	var out []string
	seen := map[string]bool{}
	for _, p := range priorities {
		valid := false
		for _, k := range priorityKeys {
			if p == k {
				valid = true
				break
			}
		}
		if valid && !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out
}

func equalStrings(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

// CreateSession creates a new conversation session.
func (s *Service) CreateSession(ctx context.Context, userID string, priorities []string, profileID string) (*store.Session, error) {
	order := normalizePriorities(priorities)
	sess, err := s.store.CreateSession(ctx, userID, strings.TrimSpace(profileID), order)
	if err != nil {
		return nil, err
	}
	logger.L.Info("session created", "sessionId", sess.ID, "userId", userID, "profileId", sess.ProfileID)
	return sess, nil
}

// GetSession loads a session; store.ErrNotFound when absent.
func (s *Service) GetSession(ctx context.Context, sessionID string) (*store.Session, error) {
	sess, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		logger.L.Warn("session not found", "sessionId", sessionID)
		return nil, err
	}
	return sess, nil
}

// applyUpdates applies the profile and priority updates that ride along any
// query or feedback call, and returns the effective priority order.
func (s *Service) applyUpdates(ctx context.Context, sess *store.Session, priorities []string, profileID *string) ([]string, error) {
	if profileID != nil {
		value := strings.TrimSpace(*profileID)
		if err := s.store.UpdateSessionProfile(ctx, sess.ID, value); err != nil {
			return nil, err
		}
		sess.ProfileID = value
		logger.L.Debug("session profile updated", "sessionId", sess.ID, "profileId", value)
	}

	normalized := normalizePriorities(priorities)
	effective := sess.PriorityOrder
	if normalized != nil {
		if !equalStrings(normalized, sess.PriorityOrder) {
			if err := s.store.UpdateSessionPriorities(ctx, sess.ID, normalized); err != nil {
				return nil, err
			}
			logger.L.Debug("session priorities updated", "sessionId", sess.ID, "priorityOrder", normalized)
		}
		sess.PriorityOrder = normalized
		effective = normalized
	}
	return effective, nil
}

// SubmitQuery runs the full query pipeline for one user utterance.
func (s *Service) SubmitQuery(ctx context.Context, sessionID string, req QueryRequest) (*QueryResponse, error) {
	logger.L.Info("query submit request", "sessionId", sessionID,
		"hasText", strings.TrimSpace(req.Text) != "", "hasAudioUrl", req.AudioURL != "")

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	priorityOrder, err := s.applyUpdates(ctx, sess, req.Priorities, req.ProfileID)
	if err != nil {
		return nil, err
	}

	p := &pipeline{svc: s, sessionID: sessionID, req: req, priorityOrder: priorityOrder}
	return p.run(ctx)
}

// SubmitFeedback refines the latest search run from free-text feedback and
// the indices the user reacted positively to.
func (s *Service) SubmitFeedback(ctx context.Context, sessionID string, req FeedbackRequest) (*QueryResponse, error) {
	logger.L.Info("feedback submit request", "sessionId", sessionID,
		"messageLength", len(req.Message), "selectedIndicesCount", len(req.SelectedIndices))

	sess, err := s.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	priorityOrder, err := s.applyUpdates(ctx, sess, req.Priorities, req.ProfileID)
	if err != nil {
		return nil, err
	}

	lastRun, err := s.store.LatestSearchRun(ctx, sessionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			logger.L.Warn("feedback rejected: no previous search to refine", "sessionId", sessionID)
			return &QueryResponse{Results: []ResultItem{}, Message: "No previous search to refine"}, nil
		}
		return nil, err
	}

	if _, err := s.store.CreateMessage(ctx, sessionID, store.RoleUser, store.ContentTypeText, req.Message); err != nil {
		return nil, err
	}

	queryText, refinedParams := s.ai.RefineFromFeedback(ctx, sessionID, req.Message, req.SelectedIndices, lastRun.RefinedParams)
	queryText = s.augmentWithRegion(ctx, sessionID, req.Message, queryText, priorityOrder)

	s.audit.Log(ctx, sessionID, agents.Communication, agents.Search, agents.TypeTask,
		fmt.Sprintf("Task: refine search based on user feedback. Find up to %d products for: %s", searchLimit, queryText),
		map[string]any{"task": "search_products", "queryText": queryText, "limit": searchLimit})
	s.audit.Log(ctx, sessionID, agents.Communication, agents.Search, agents.TypeRequest,
		fmt.Sprintf("Refined search query: %s", queryText), map[string]any{"queryText": queryText})

	group, err := s.executeIntent(ctx, sessionID, queryText, refinedParams, searchLimit)
	if err != nil {
		logger.L.Warn("feedback search failed", "sessionId", sessionID, "error", err)
		group = &ResultGroup{QueryText: queryText, Results: []ResultItem{}}
	}

	resp, err := s.composeResponse(ctx, sessionID, []string{queryText}, []ResultGroup{*group}, priorityOrder, true)
	if err != nil {
		return nil, err
	}
	logger.L.Info("feedback processed", "sessionId", sessionID, "resultCount", len(resp.Results), "queryText", head(queryText, 100))
	return resp, nil
}

// augmentWithRegion appends the location capability's query fragment, when
// present, to the canonical query.
func (s *Service) augmentWithRegion(ctx context.Context, sessionID, userText, queryText string, priorityOrder []string) string {
	region := s.ai.ExtractDeliveryRegion(ctx, sessionID, userText, queryText, priorityOrder)
	if fragment := strings.TrimSpace(region.AugmentedQuery); fragment != "" {
		queryText = strings.TrimSpace(strings.TrimSpace(queryText) + " " + fragment)
		logger.L.Debug("query augmented with delivery region", "augmentedQuery", fragment)
	}
	return queryText
}

// perIntentLimit computes the per-intent item budget for a fan-out of k
// intents: an equal share of the 20-item total, floored at 5 and capped
// at 30.
func perIntentLimit(k int) int {
	if k <= 1 {
		return searchLimit
	}
	limit := searchLimit / k
	if limit < minPerIntentLimit {
		limit = minPerIntentLimit
	}
	if limit > maxPerIntentLimit {
		limit = maxPerIntentLimit
	}
	return limit
}

// executeIntent dispatches one search through the scheduler and persists the
// run with its results.
func (s *Service) executeIntent(ctx context.Context, sessionID, queryText string, refinedParams map[string]any, limit int) (*ResultGroup, error) {
	var items []search.Item
	err := s.queue.Run(s.mode.Get(), func() error {
		items = s.search.Search(ctx, queryText, limit)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("search dispatch: %w", err)
	}

	s.audit.Log(ctx, sessionID, agents.Search, agents.Communication, agents.TypeResponse,
		fmt.Sprintf("Found %d for: %s", len(items), head(queryText, 60)),
		map[string]any{"resultCount": len(items), "queryText": queryText})

	run, err := s.store.CreateSearchRun(ctx, sessionID, queryText, refinedParams, len(items))
	if err != nil {
		return nil, err
	}

	results := make([]ResultItem, 0, len(items))
	for _, item := range items {
		created, err := s.store.CreateSearchResult(ctx, run.ID, item.Title, item.URL, item.Price, item.Source, item.Position, item.Snippet)
		if err != nil {
			return nil, err
		}
		results = append(results, ResultItem{
			ID:       created.ID,
			Title:    created.Title,
			URL:      created.URL,
			Price:    created.Price,
			Source:   created.Source,
			Position: created.Position,
			Snippet:  created.Snippet,
			ImageURL: item.ImageURL,
		})
	}
	return &ResultGroup{QueryText: queryText, Results: results}, nil
}

// composeResponse formats, compares and persists the assistant's reply for
// the given result groups, in intent order.
func (s *Service) composeResponse(ctx context.Context, sessionID string, intents []string, groups []ResultGroup, priorityOrder []string, includeImages bool) (*QueryResponse, error) {
	all := make([]ResultItem, 0)
	for _, g := range groups {
		all = append(all, g.Results...)
	}

	summaries := make([]ai.ResultSummary, len(all))
	for i, r := range all {
		summaries[i] = ai.ResultSummary{Title: r.Title, URL: r.URL, Price: r.Price, Source: r.Source, Snippet: r.Snippet}
		if includeImages {
			summaries[i].ImageURL = r.ImageURL
		}
	}

	combined := strings.Join(intents, "; ")
	formatted := s.ai.FormatPresentation(ctx, sessionID, summaries, combined)
	if len(priorityOrder) > 0 {
		if comparison := s.ai.ComparePrices(ctx, sessionID, summaries, combined, priorityOrder); comparison != "" {
			formatted = fmt.Sprintf("%s\n\n---\n**Price comparison:** %s", formatted, comparison)
		}
	}

	if _, err := s.store.CreateMessage(ctx, sessionID, store.RoleAssistant, store.ContentTypeText, formatted); err != nil {
		return nil, err
	}
	if err := s.persistResultTable(ctx, sessionID, all, includeImages); err != nil {
		return nil, err
	}

	resp := &QueryResponse{Results: all, QueryText: combined}
	if len(intents) > 1 {
		resp.Groups = groups
	}
	if !includeImages {
		for i := range resp.Results {
			resp.Results[i].ImageURL = ""
		}
	}
	return resp, nil
}

// persistResultTable appends the structured table message mirroring the same
// results for rich chat clients.
func (s *Service) persistResultTable(ctx context.Context, sessionID string, results []ResultItem, includeImages bool) error {
	headers := []string{"Title", "Price", "Source", "URL"}
	if includeImages {
		headers = append(headers, "Image")
	}
	rows := make([]map[string]string, len(results))
	for i, r := range results {
		row := map[string]string{"Title": r.Title, "Price": r.Price, "Source": r.Source, "URL": r.URL}
		if includeImages {
			row["Image"] = r.ImageURL
		}
		rows[i] = row
	}
	table := store.ResultTable{Headers: headers, Rows: rows}
	content, err := json.Marshal(table)
	if err != nil {
		return err
	}
	_, err = s.store.CreateMessage(ctx, sessionID, store.RoleAssistant, store.ContentTypeTable, string(content))
	return err
}

// GetResults lists a session's search runs, newest first, with a hard page
// size ceiling independent of the caller-requested limit.
func (s *Service) GetResults(ctx context.Context, sessionID string, page, limit int) (*ResultsPage, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	if page < 1 {
		page = 1
	}
	if limit <= 0 {
		limit = resultsPageDefault
	}
	if limit > resultsPageCeiling {
		limit = resultsPageCeiling
	}

	runs, err := s.store.ListSearchRuns(ctx, sessionID, (page-1)*limit, limit)
	if err != nil {
		return nil, err
	}
	total, err := s.store.CountSearchRuns(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	items := make([]RunView, 0, len(runs))
	for _, run := range runs {
		results, err := s.store.ListSearchResults(ctx, run.ID)
		if err != nil {
			return nil, err
		}
		items = append(items, RunView{ID: run.ID, QueryText: run.QueryText, CreatedAt: run.CreatedAt, Results: results})
	}
	logger.L.Info("results list returned", "sessionId", sessionID, "page", page, "limit", limit, "total", total, "count", len(items))
	return &ResultsPage{Items: items, Pagination: Pagination{Page: page, Limit: limit, Total: total}}, nil
}

// ChooseProduct records that the user selected a result. A result belonging
// to another session fails with store.ErrNotFound.
func (s *Service) ChooseProduct(ctx context.Context, sessionID, resultID string) (string, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return "", err
	}
	result, err := s.store.GetSearchResultInSession(ctx, sessionID, resultID)
	if err != nil {
		logger.L.Warn("product not found in session", "sessionId", sessionID, "resultId", resultID)
		return "", err
	}
	if _, err := s.store.CreateChoice(ctx, sessionID, result.ID, result.URL); err != nil {
		return "", err
	}
	logger.L.Info("product chosen", "sessionId", sessionID, "resultId", resultID, "productUrl", result.URL)
	return result.URL, nil
}

// GetMessages returns the session transcript in display order.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]store.Message, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListMessages(ctx, sessionID)
}

// GetAgentCommunications returns the session's inter-agent audit trail.
func (s *Service) GetAgentCommunications(ctx context.Context, sessionID string) ([]store.AgentCommunication, error) {
	if _, err := s.GetSession(ctx, sessionID); err != nil {
		return nil, err
	}
	return s.store.ListAgentCommunications(ctx, sessionID)
}

func head(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
