// Package ai is the downstream agent client: refinement, transcription,
// intent splitting, location extraction, price comparison and presentation
// formatting. Every capability degrades to a documented fallback instead of
// failing the pipeline; only transcription failures propagate, since a query
// cannot proceed without resolved text.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/modista/shopagent/internal/agents"
	"github.com/modista/shopagent/internal/config"
	"github.com/modista/shopagent/internal/llm"
	"github.com/modista/shopagent/internal/logger"
	"github.com/modista/shopagent/internal/store"
)

const (
	maxQueryLen  = 200
	maxIntents   = 5
	refineSystem = "You canonicalize free-form shopping requests into concise web search queries. " +
		"Reply with ONLY a JSON object: {\"query_text\": \"...\", \"refined_params\": {...}}. " +
		"Carry over any previous params unless the request changes them."
	presentationSystem = "You present product search results to a shopper in a short, friendly summary. " +
		"Mention prices and sources when present. Plain text only."
)

// ResultSummary is the slim view of a persisted result handed to the
// presentation and comparison capabilities.
type ResultSummary struct {
	Title    string `json:"title"`
	URL      string `json:"url,omitempty"`
	Price    string `json:"price,omitempty"`
	Source   string `json:"source,omitempty"`
	Snippet  string `json:"snippet,omitempty"`
	ImageURL string `json:"imageUrl,omitempty"`
}

// Region is the location capability's answer: an optional region label and a
// query fragment to append to the search query.
type Region struct {
	Region         string
	AugmentedQuery string
}

// PromptSource resolves administrator-configured instruction templates.
// A nil prompt with nil error means none is configured.
type PromptSource interface {
	ActiveFor(ctx context.Context, agent agents.Agent, role string) (*store.AgentPrompt, error)
}

// Auditor mirrors every capability call into the inter-agent trail.
type Auditor interface {
	Log(ctx context.Context, sessionID string, from, to agents.Agent, msgType agents.MessageType, content string, metadata map[string]any)
}

// Client bundles the downstream agent capabilities.
type Client struct {
	llm     llm.Client
	cfg     config.LLMConfig
	prompts PromptSource
	audit   Auditor
	http    *http.Client
}

// NewClient creates a downstream agent client.
func NewClient(llmClient llm.Client, cfg config.LLMConfig, prompts PromptSource, audit Auditor) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		llm:     llmClient,
		cfg:     cfg,
		prompts: prompts,
		audit:   audit,
		http:    &http.Client{Timeout: timeout},
	}
}

// enabled reports whether an LLM/ASR provider is configured at all.
func (c *Client) enabled() bool {
	return c.cfg.APIKey != ""
}

func (c *Client) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := c.cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}

// Transcribe resolves an audio URL into text. Unconfigured provider returns
// an empty transcript; an actual failure propagates to the caller.
func (c *Client) Transcribe(ctx context.Context, sessionID, audioURL string) (string, error) {
	if !c.enabled() {
		logger.L.Warn("llm provider not configured, cannot transcribe", "audioUrl", head(audioURL, 80))
		return "", nil
	}
	c.audit.Log(ctx, sessionID, agents.Communication, agents.ASR, agents.TypeRequest,
		fmt.Sprintf("Transcribe audio: %s", head(audioURL, 100)),
		map[string]any{"audioUrl": head(audioURL, 200)})

	transcript, err := c.transcribeURL(ctx, audioURL)
	if err != nil {
		c.audit.Log(ctx, sessionID, agents.ASR, agents.Communication, agents.TypeError,
			fmt.Sprintf("ASR transcribe failed: %v", err), map[string]any{"error": err.Error()})
		logger.L.Error("asr transcribe failed", "error", err, "audioUrl", head(audioURL, 80))
		return "", err
	}

	c.audit.Log(ctx, sessionID, agents.ASR, agents.Communication, agents.TypeResponse,
		fmt.Sprintf("Transcript: %s", head(transcript, 200)),
		map[string]any{"transcriptLength": len(transcript)})
	logger.L.Info("asr transcribe success", "transcriptLength", len(transcript))
	return transcript, nil
}

func (c *Client) transcribeURL(ctx context.Context, audioURL string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, audioURL, nil)
	if err != nil {
		return "", fmt.Errorf("build audio request: %w", err)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("fetch audio: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("fetch audio: unexpected status code: %d", resp.StatusCode)
	}

	cctx, cancel := c.callCtx(ctx)
	defer cancel()
	out, err := c.llm.CreateTranscription(cctx, openai.AudioRequest{
		Model:    c.cfg.ASRModel,
		Reader:   resp.Body,
		FilePath: audioFileName(audioURL),
	})
	if err != nil {
		return "", fmt.Errorf("transcription: %w", err)
	}
	return strings.TrimSpace(out.Text), nil
}

// audioFileName derives a file name (go-openai needs the extension) from the
// URL path.
func audioFileName(audioURL string) string {
	name := path.Base(strings.SplitN(audioURL, "?", 2)[0])
	if name == "" || name == "." || name == "/" || !strings.Contains(name, ".") {
		return "audio.mp3"
	}
	return name
}

// RefineQuery canonicalizes free text into a search query string plus a
// refinement-parameter map. Falls back to the trimmed raw text with the
// previous params untouched.
func (c *Client) RefineQuery(ctx context.Context, sessionID, userText string, previousParams map[string]any) (string, map[string]any) {
	params := map[string]any{}
	for k, v := range previousParams {
		params[k] = v
	}
	fallback := head(strings.TrimSpace(userText), maxQueryLen)
	if !c.enabled() {
		logger.L.Debug("refine query skipped: llm not configured, using raw text", "userTextLength", len(userText))
		return fallback, params
	}

	system := refineSystem
	model := c.cfg.Model
	if p, _ := c.prompts.ActiveFor(ctx, agents.Communication, "default"); p != nil {
		system = p.Content
		if p.Model != "" {
			model = p.Model
		}
	}

	c.audit.Log(ctx, sessionID, agents.Communication, agents.LLM, agents.TypeRequest,
		fmt.Sprintf("Refine query: %s", head(userText, 200)),
		map[string]any{"userTextLength": len(userText), "hasPreviousParams": len(previousParams) > 0, "model": model})

	user := fmt.Sprintf("User request: %s", userText)
	if len(previousParams) > 0 {
		if b, err := json.Marshal(previousParams); err == nil {
			user += fmt.Sprintf("\nPrevious params: %s", b)
		}
	}
	content, err := c.chatComplete(ctx, model, system, user)
	if err != nil {
		c.audit.Log(ctx, sessionID, agents.LLM, agents.Communication, agents.TypeError,
			fmt.Sprintf("LLM refine query failed: %v", err), map[string]any{"error": err.Error()})
		logger.L.Warn("llm refine query failed, using raw text", "error", err, "userTextLength", len(userText))
		return fallback, params
	}

	queryText, refined := parseRefineResponse(content)
	if queryText == "" {
		queryText = fallback
	}
	if refined == nil {
		refined = params
	}
	c.audit.Log(ctx, sessionID, agents.LLM, agents.Communication, agents.TypeResponse,
		fmt.Sprintf("Refined query: %s", queryText), map[string]any{"queryTextLength": len(queryText)})
	logger.L.Info("llm refine query success", "queryTextPreview", head(queryText, 80))
	return queryText, refined
}

// parseRefineResponse accepts either a JSON object with aliased fields or a
// bare query string.
func parseRefineResponse(content string) (string, map[string]any) {
	raw := strings.TrimSpace(content)
	if obj := firstJSONObject(raw); obj != nil {
		queryText := stringField(obj, "query_text", "queryText", "query")
		var refined map[string]any
		for _, key := range []string{"refined_params", "refinedParams", "params"} {
			if m, ok := obj[key].(map[string]any); ok {
				refined = m
				break
			}
		}
		return head(strings.TrimSpace(queryText), maxQueryLen), refined
	}
	return head(strings.Trim(raw, "\"` \n"), maxQueryLen), nil
}

// RefineFromFeedback refines search params based on user feedback
// (e.g. "cheaper", "only with return") and the indices the user liked.
func (c *Client) RefineFromFeedback(ctx context.Context, sessionID, feedback string, selectedIndices []int, currentParams map[string]any) (string, map[string]any) {
	logger.L.Debug("refine from feedback", "feedbackLength", len(feedback), "selectedIndicesCount", len(selectedIndices))
	text := fmt.Sprintf("Feedback: %s.", feedback)
	if len(selectedIndices) > 0 {
		parts := make([]string, len(selectedIndices))
		for i, idx := range selectedIndices {
			parts[i] = fmt.Sprintf("%d", idx)
		}
		text += fmt.Sprintf(" User liked results at indices: %s.", strings.Join(parts, ", "))
	}
	text += " Tighten search."
	return c.RefineQuery(ctx, sessionID, text, currentParams)
}

// SplitIntents asks for 1-5 distinct product search strings. Any failure or
// empty result yields the single fallback query; the pipeline always has at
// least one intent.
func (c *Client) SplitIntents(ctx context.Context, sessionID, userText, fallbackQuery string) []string {
	fallback := strings.TrimSpace(fallbackQuery)
	if fallback == "" {
		fallback = strings.TrimSpace(userText)
	}
	if !c.enabled() || strings.TrimSpace(userText) == "" {
		return []string{fallback}
	}

	prompt := fmt.Sprintf(`The user wants to shop. Their request: %q
Output 1 to 5 distinct product search queries as a JSON array of strings. Each string is one web search query (e.g. "red silk skirt size 52", "leather handbag"). If the request is clearly for one product type, return one query. Reply with ONLY the JSON array, no other text. Example: ["query1","query2"]`, head(userText, 500))

	content, err := c.chatComplete(ctx, c.cfg.Model, "", prompt)
	if err != nil {
		logger.L.Debug("split intents failed, using single query", "error", err)
		return []string{fallback}
	}

	queries := extractStringArray(content)
	if len(queries) == 0 {
		return []string{fallback}
	}
	if len(queries) > maxIntents {
		queries = queries[:maxIntents]
	}
	logger.L.Info("split into search intents", "count", len(queries))
	c.audit.Log(ctx, sessionID, agents.Communication, agents.Search, agents.TypeRequest,
		fmt.Sprintf("Multi-product: %d intents", len(queries)), map[string]any{"intents": queries})
	return queries
}

// extractStringArray defangs a malformed response by extracting the first
// bracketed array substring.
func extractStringArray(content string) []string {
	raw := strings.TrimSpace(content)
	start := strings.Index(raw, "[")
	end := strings.LastIndex(raw, "]")
	if start < 0 || end <= start {
		return nil
	}
	var arr []any
	if err := json.Unmarshal([]byte(raw[start:end+1]), &arr); err != nil {
		return nil
	}
	var out []string
	for _, v := range arr {
		s, ok := v.(string)
		if !ok {
			continue
		}
		s = head(strings.TrimSpace(s), maxQueryLen)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}

// FormatPresentation produces a human-readable summary of the results. The
// local fallback enumerates up to 20 results.
func (c *Client) FormatPresentation(ctx context.Context, sessionID string, results []ResultSummary, queryText string) string {
	c.audit.Log(ctx, sessionID, agents.Search, agents.Presentation, agents.TypeRequest,
		fmt.Sprintf("Task: format %d search results for user. Query: %s", len(results), head(queryText, 100)),
		map[string]any{"resultCount": len(results), "queryText": head(queryText, 200)})

	var formatted string
	if !c.enabled() {
		logger.L.Debug("presentation skipped: llm not configured, using local fallback")
		formatted = fallbackPresentation(results, queryText)
	} else {
		system := presentationSystem
		model := c.cfg.Model
		if p, _ := c.prompts.ActiveFor(ctx, agents.Presentation, "default"); p != nil {
			system = p.Content
			if p.Model != "" {
				model = p.Model
			}
		}
		user := presentationRequest(results, queryText)
		content, err := c.chatComplete(ctx, model, system, user)
		if err != nil {
			logger.L.Warn("presentation format failed, using fallback", "error", err)
			c.audit.Log(ctx, sessionID, agents.Presentation, agents.Communication, agents.TypeError,
				fmt.Sprintf("Format failed: %v", err), map[string]any{"error": err.Error()})
			formatted = fallbackPresentation(results, queryText)
		} else if strings.TrimSpace(content) == "" {
			formatted = fallbackPresentation(results, queryText)
		} else {
			formatted = strings.TrimSpace(content)
		}
	}

	c.audit.Log(ctx, sessionID, agents.Presentation, agents.Communication, agents.TypeResponse,
		fmt.Sprintf("Formatted content ready for user chat. Summary: %s", head(formatted, 200)),
		map[string]any{"contentLength": len(formatted)})
	logger.L.Info("presentation format success", "contentLength", len(formatted))
	return formatted
}

func presentationRequest(results []ResultSummary, queryText string) string {
	b, err := json.Marshal(results)
	if err != nil {
		b = []byte("[]")
	}
	return fmt.Sprintf("Query: %s\nResults: %s", queryText, b)
}

// ComparePrices returns a prose comparison of the results. It only runs when
// a COMPARISON instruction template is configured; otherwise the empty
// string means "nothing to append", not an error.
func (c *Client) ComparePrices(ctx context.Context, sessionID string, results []ResultSummary, queryText string, priorityOrder []string) string {
	reqContent := fmt.Sprintf("Compare prices for %d results. Query: %s", len(results), head(queryText, 100))
	if len(priorityOrder) > 0 {
		reqContent += " Priorities: " + strings.Join(priorityOrder, ", ")
	}
	c.audit.Log(ctx, sessionID, agents.Search, agents.Comparison, agents.TypeRequest, reqContent,
		map[string]any{"resultCount": len(results), "priorityOrder": priorityOrder})

	p, _ := c.prompts.ActiveFor(ctx, agents.Comparison, "default")
	if !c.enabled() || p == nil {
		logger.L.Debug("comparison skipped: no prompt or llm not configured")
		c.audit.Log(ctx, sessionID, agents.Comparison, agents.Communication, agents.TypeResponse,
			"Compare prices skipped (no COMPARISON prompt configured).", nil)
		return ""
	}

	model := c.cfg.Model
	if p.Model != "" {
		model = p.Model
	}
	user := presentationRequest(results, queryText)
	if len(priorityOrder) > 0 {
		user += "\nPriority order: " + strings.Join(priorityOrder, ", ")
	}
	content, err := c.chatComplete(ctx, model, p.Content, user)
	if err != nil {
		logger.L.Warn("comparison failed", "error", err)
		c.audit.Log(ctx, sessionID, agents.Comparison, agents.Communication, agents.TypeError,
			fmt.Sprintf("Compare prices failed: %v", err), map[string]any{"error": err.Error()})
		return ""
	}

	summary := strings.TrimSpace(content)
	c.audit.Log(ctx, sessionID, agents.Comparison, agents.Communication, agents.TypeResponse,
		fmt.Sprintf("Price comparison: %s", head(summary, 200)), map[string]any{"contentLength": len(summary)})
	logger.L.Info("comparison success", "contentLength", len(summary))
	return summary
}

// ExtractDeliveryRegion extracts or validates a delivery region from the user
// input and query. It only runs when a LOCATION instruction template is
// configured and never blocks the pipeline.
func (c *Client) ExtractDeliveryRegion(ctx context.Context, sessionID, userText, queryText string, priorityOrder []string) Region {
	reqContent := fmt.Sprintf("Extract delivery region. User: %s Query: %s", head(userText, 150), head(queryText, 100))
	if len(priorityOrder) > 0 {
		reqContent += " Priorities: " + strings.Join(priorityOrder, ", ")
	}
	c.audit.Log(ctx, sessionID, agents.Communication, agents.Location, agents.TypeRequest, reqContent,
		map[string]any{"userTextLength": len(userText), "queryTextLength": len(queryText), "priorityOrder": priorityOrder})

	p, _ := c.prompts.ActiveFor(ctx, agents.Location, "default")
	if !c.enabled() || p == nil {
		logger.L.Debug("location skipped: no prompt or llm not configured")
		c.audit.Log(ctx, sessionID, agents.Location, agents.Communication, agents.TypeResponse,
			"Delivery region extraction skipped (no LOCATION prompt configured).", nil)
		return Region{}
	}

	model := c.cfg.Model
	if p.Model != "" {
		model = p.Model
	}
	user := fmt.Sprintf("User input: %s\nQuery: %s", userText, queryText)
	if len(priorityOrder) > 0 {
		user += "\nPriority order: " + strings.Join(priorityOrder, ", ")
	}
	content, err := c.chatComplete(ctx, model, p.Content, user)
	if err != nil {
		logger.L.Warn("location failed", "error", err)
		c.audit.Log(ctx, sessionID, agents.Location, agents.Communication, agents.TypeError,
			fmt.Sprintf("Extract delivery region failed: %v", err), map[string]any{"error": err.Error()})
		return Region{}
	}

	var region Region
	if obj := firstJSONObject(content); obj != nil {
		region.Region = strings.TrimSpace(stringField(obj, "region"))
		region.AugmentedQuery = strings.TrimSpace(stringField(obj, "augmented_query", "augmentedQuery"))
	}

	label := region.Region
	if label == "" {
		label = "n/a"
	}
	c.audit.Log(ctx, sessionID, agents.Location, agents.Communication, agents.TypeResponse,
		fmt.Sprintf("Delivery region: %s", head(label, 200)), map[string]any{"contentLength": len(region.Region)})
	logger.L.Info("location success", "region", head(label, 80))
	return region
}

// chatComplete performs one bounded chat-completion call and returns the
// first choice's content.
func (c *Client) chatComplete(ctx context.Context, model, system, user string) (string, error) {
	cctx, cancel := c.callCtx(ctx)
	defer cancel()

	messages := []openai.ChatCompletionMessage{}
	if system != "" {
		messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: system})
	}
	messages = append(messages, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: user})

	resp, err := c.llm.CreateChatCompletion(cctx, openai.ChatCompletionRequest{
		Model:    model,
		Messages: messages,
	})
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty completion response")
	}
	return resp.Choices[0].Message.Content, nil
}

// firstJSONObject extracts and parses the first {...} substring, tolerating
// surrounding prose or code fences.
func firstJSONObject(s string) map[string]any {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return nil
	}
	var obj map[string]any
	if err := json.Unmarshal([]byte(s[start:end+1]), &obj); err != nil {
		return nil
	}
	return obj
}

func stringField(obj map[string]any, aliases ...string) string {
	for _, key := range aliases {
		if v, ok := obj[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}

// fallbackPresentation lists up to 20 results numbered, with price, source
// and url when present.
func fallbackPresentation(results []ResultSummary, queryText string) string {
	show := results
	if len(show) > 20 {
		show = show[:20]
	}
	lines := make([]string, 0, len(show))
	for i, r := range show {
		line := fmt.Sprintf("%d. %s", i+1, r.Title)
		if r.Price != "" {
			line += " — " + r.Price
		}
		if r.Source != "" {
			line += fmt.Sprintf(" (%s)", r.Source)
		}
		if r.URL != "" {
			line += "\n   " + r.URL
		}
		lines = append(lines, line)
	}
	return fmt.Sprintf("Found %d results for: %s\n\n%s\n\nClick a link to open the product.",
		len(results), queryText, strings.Join(lines, "\n"))
}

func head(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n])
}
