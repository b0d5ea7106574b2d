package ai

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/require"

	"github.com/modista/shopagent/internal/agents"
	"github.com/modista/shopagent/internal/config"
	"github.com/modista/shopagent/internal/store"
)

type mockLLM struct {
	chatFn       func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error)
	transcribeFn func(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error)
}

func (m *mockLLM) CreateChatCompletion(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	if m.chatFn == nil {
		return openai.ChatCompletionResponse{}, errors.New("unexpected chat call")
	}
	return m.chatFn(ctx, req)
}

func (m *mockLLM) CreateTranscription(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
	if m.transcribeFn == nil {
		return openai.AudioResponse{}, errors.New("unexpected transcription call")
	}
	return m.transcribeFn(ctx, req)
}

func chatReply(content string) func(context.Context, openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
	return func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: content}}},
		}, nil
	}
}

type mockPrompts struct {
	prompts map[agents.Agent]*store.AgentPrompt
}

func (m *mockPrompts) ActiveFor(ctx context.Context, agent agents.Agent, role string) (*store.AgentPrompt, error) {
	if m.prompts == nil {
		return nil, nil
	}
	return m.prompts[agent], nil
}

type auditEvent struct {
	From, To agents.Agent
	Type     agents.MessageType
	Content  string
}

type recordingAuditor struct {
	events []auditEvent
}

func (r *recordingAuditor) Log(ctx context.Context, sessionID string, from, to agents.Agent, msgType agents.MessageType, content string, metadata map[string]any) {
	r.events = append(r.events, auditEvent{From: from, To: to, Type: msgType, Content: content})
}

func (r *recordingAuditor) typed(t agents.MessageType) []auditEvent {
	var out []auditEvent
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestClient(m *mockLLM, p *mockPrompts, a *recordingAuditor) *Client {
	return NewClient(m, config.LLMConfig{APIKey: "test-key", Model: "test-model"}, p, a)
}

func TestRefineQuery_ParsesJSONObject(t *testing.T) {
	m := &mockLLM{chatFn: chatReply(`Here you go: {"query_text": "red silk skirt", "refined_params": {"color": "red"}}`)}
	c := newTestClient(m, &mockPrompts{}, &recordingAuditor{})

	query, params := c.RefineQuery(context.Background(), "s1", "I want a skirt, red, silk", nil)
	require.Equal(t, "red silk skirt", query)
	require.Equal(t, map[string]any{"color": "red"}, params)
}

func TestRefineQuery_AcceptsFieldAliases(t *testing.T) {
	m := &mockLLM{chatFn: chatReply(`{"queryText": "wool coat", "refinedParams": {"material": "wool"}}`)}
	c := newTestClient(m, &mockPrompts{}, &recordingAuditor{})

	query, params := c.RefineQuery(context.Background(), "s1", "warm coat", nil)
	require.Equal(t, "wool coat", query)
	require.Equal(t, map[string]any{"material": "wool"}, params)
}

func TestRefineQuery_BareStringResponse(t *testing.T) {
	m := &mockLLM{chatFn: chatReply("\"red silk skirt\"\n")}
	c := newTestClient(m, &mockPrompts{}, &recordingAuditor{})

	query, params := c.RefineQuery(context.Background(), "s1", "skirt", map[string]any{"size": "52"})
	require.Equal(t, "red silk skirt", query)
	// A bare string response keeps the previous params.
	require.Equal(t, map[string]any{"size": "52"}, params)
}

func TestRefineQuery_LLMFailureFallsBackToRawText(t *testing.T) {
	m := &mockLLM{chatFn: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, errors.New("rate limited")
	}}
	a := &recordingAuditor{}
	c := newTestClient(m, &mockPrompts{}, a)

	query, params := c.RefineQuery(context.Background(), "s1", "  red jacket  ", map[string]any{"color": "red"})
	require.Equal(t, "red jacket", query)
	require.Equal(t, map[string]any{"color": "red"}, params)
	require.NotEmpty(t, a.typed(agents.TypeError))
}

func TestRefineQuery_UnconfiguredUsesRawText(t *testing.T) {
	c := NewClient(&mockLLM{}, config.LLMConfig{}, &mockPrompts{}, &recordingAuditor{})

	long := strings.Repeat("x", 500)
	query, params := c.RefineQuery(context.Background(), "s1", long, nil)
	require.Len(t, []rune(query), maxQueryLen)
	require.Empty(t, params)
}

func TestRefineQuery_AdminPromptOverridesSystem(t *testing.T) {
	var gotSystem, gotModel string
	m := &mockLLM{chatFn: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		gotModel = req.Model
		gotSystem = req.Messages[0].Content
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: `{"query_text":"q"}`}}},
		}, nil
	}}
	p := &mockPrompts{prompts: map[agents.Agent]*store.AgentPrompt{
		agents.Communication: {Content: "custom refine instructions", Model: "admin-model"},
	}}
	c := newTestClient(m, p, &recordingAuditor{})

	c.RefineQuery(context.Background(), "s1", "anything", nil)
	require.Equal(t, "custom refine instructions", gotSystem)
	require.Equal(t, "admin-model", gotModel)
}

func TestRefineFromFeedback_ComposesPrompt(t *testing.T) {
	var gotUser string
	m := &mockLLM{chatFn: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		gotUser = req.Messages[len(req.Messages)-1].Content
		return openai.ChatCompletionResponse{
			Choices: []openai.ChatCompletionChoice{{Message: openai.ChatCompletionMessage{Content: `{"query_text":"cheaper red jacket"}`}}},
		}, nil
	}}
	c := newTestClient(m, &mockPrompts{}, &recordingAuditor{})

	query, _ := c.RefineFromFeedback(context.Background(), "s1", "cheaper", []int{1, 3}, map[string]any{"color": "red"})
	require.Equal(t, "cheaper red jacket", query)
	require.Contains(t, gotUser, "Feedback: cheaper.")
	require.Contains(t, gotUser, "indices: 1, 3")
	require.Contains(t, gotUser, "Tighten search.")
	require.Contains(t, gotUser, `"color":"red"`)
}

func TestSplitIntents_ParsesArray(t *testing.T) {
	m := &mockLLM{chatFn: chatReply(`Sure! ["red skirt", "leather handbag"] there you go`)}
	a := &recordingAuditor{}
	c := newTestClient(m, &mockPrompts{}, a)

	intents := c.SplitIntents(context.Background(), "s1", "a skirt and a handbag", "skirt handbag")
	require.Equal(t, []string{"red skirt", "leather handbag"}, intents)
	require.NotEmpty(t, a.typed(agents.TypeRequest))
}

func TestSplitIntents_ClampsToFive(t *testing.T) {
	m := &mockLLM{chatFn: chatReply(`["a","b","c","d","e","f","g"]`)}
	c := newTestClient(m, &mockPrompts{}, &recordingAuditor{})

	intents := c.SplitIntents(context.Background(), "s1", "lots of stuff", "stuff")
	require.Len(t, intents, maxIntents)
}

func TestSplitIntents_MalformedFallsBack(t *testing.T) {
	m := &mockLLM{chatFn: chatReply("I cannot split this request.")}
	c := newTestClient(m, &mockPrompts{}, &recordingAuditor{})

	intents := c.SplitIntents(context.Background(), "s1", "a skirt", "red skirt")
	require.Equal(t, []string{"red skirt"}, intents)
}

func TestSplitIntents_ErrorFallsBack(t *testing.T) {
	m := &mockLLM{chatFn: func(ctx context.Context, req openai.ChatCompletionRequest) (openai.ChatCompletionResponse, error) {
		return openai.ChatCompletionResponse{}, errors.New("timeout")
	}}
	c := newTestClient(m, &mockPrompts{}, &recordingAuditor{})

	intents := c.SplitIntents(context.Background(), "s1", "a skirt", "red skirt")
	require.Equal(t, []string{"red skirt"}, intents)
}

func TestFormatPresentation_UsesLLM(t *testing.T) {
	m := &mockLLM{chatFn: chatReply("I found two nice jackets for you.")}
	c := newTestClient(m, &mockPrompts{}, &recordingAuditor{})

	out := c.FormatPresentation(context.Background(), "s1", []ResultSummary{{Title: "Jacket"}}, "jacket")
	require.Equal(t, "I found two nice jackets for you.", out)
}

func TestFormatPresentation_FallbackEnumerates(t *testing.T) {
	c := NewClient(&mockLLM{}, config.LLMConfig{}, &mockPrompts{}, &recordingAuditor{})

	results := []ResultSummary{
		{Title: "Jacket A", Price: "10 EUR", Source: "shopA", URL: "https://a"},
		{Title: "Jacket B"},
	}
	out := c.FormatPresentation(context.Background(), "s1", results, "jacket")
	require.Contains(t, out, "Found 2 results for: jacket")
	require.Contains(t, out, "1. Jacket A")
	require.Contains(t, out, "10 EUR")
	require.Contains(t, out, "(shopA)")
	require.Contains(t, out, "https://a")
	require.Contains(t, out, "2. Jacket B")
}

func TestComparePrices_SkippedWithoutPrompt(t *testing.T) {
	a := &recordingAuditor{}
	c := newTestClient(&mockLLM{}, &mockPrompts{}, a)

	out := c.ComparePrices(context.Background(), "s1", []ResultSummary{{Title: "x"}}, "x", []string{"price"})
	require.Empty(t, out)

	responses := a.typed(agents.TypeResponse)
	require.NotEmpty(t, responses)
	require.Contains(t, responses[0].Content, "skipped")
}

func TestComparePrices_RunsWithPrompt(t *testing.T) {
	m := &mockLLM{chatFn: chatReply("Shop A is cheapest at 10 EUR.")}
	p := &mockPrompts{prompts: map[agents.Agent]*store.AgentPrompt{
		agents.Comparison: {Content: "compare prices"},
	}}
	a := &recordingAuditor{}
	c := newTestClient(m, p, a)

	out := c.ComparePrices(context.Background(), "s1", []ResultSummary{{Title: "x", Price: "10 EUR"}}, "x", []string{"price"})
	require.Equal(t, "Shop A is cheapest at 10 EUR.", out)
}

func TestExtractDeliveryRegion_SkippedWithoutPrompt(t *testing.T) {
	c := newTestClient(&mockLLM{}, &mockPrompts{}, &recordingAuditor{})

	region := c.ExtractDeliveryRegion(context.Background(), "s1", "jacket to Berlin", "jacket", nil)
	require.Empty(t, region.Region)
	require.Empty(t, region.AugmentedQuery)
}

func TestExtractDeliveryRegion_ParsesResponse(t *testing.T) {
	m := &mockLLM{chatFn: chatReply(`{"region": "Berlin", "augmented_query": "delivery Berlin"}`)}
	p := &mockPrompts{prompts: map[agents.Agent]*store.AgentPrompt{
		agents.Location: {Content: "extract region"},
	}}
	c := newTestClient(m, p, &recordingAuditor{})

	region := c.ExtractDeliveryRegion(context.Background(), "s1", "jacket to Berlin", "jacket", nil)
	require.Equal(t, "Berlin", region.Region)
	require.Equal(t, "delivery Berlin", region.AugmentedQuery)
}

func TestTranscribe_UnconfiguredReturnsEmpty(t *testing.T) {
	c := NewClient(&mockLLM{}, config.LLMConfig{}, &mockPrompts{}, &recordingAuditor{})

	text, err := c.Transcribe(context.Background(), "s1", "https://audio.example/x.mp3")
	require.NoError(t, err)
	require.Empty(t, text)
}

func TestTranscribe_FetchesAudioAndTranscribes(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("audio-bytes"))
	}))
	defer srv.Close()

	m := &mockLLM{transcribeFn: func(ctx context.Context, req openai.AudioRequest) (openai.AudioResponse, error) {
		require.Equal(t, "voice.mp3", req.FilePath)
		return openai.AudioResponse{Text: "  red jacket please  "}, nil
	}}
	a := &recordingAuditor{}
	c := newTestClient(m, &mockPrompts{}, a)

	text, err := c.Transcribe(context.Background(), "s1", srv.URL+"/voice.mp3?token=abc")
	require.NoError(t, err)
	require.Equal(t, "red jacket please", text)
	require.NotEmpty(t, a.typed(agents.TypeResponse))
}

func TestTranscribe_FailurePropagates(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	a := &recordingAuditor{}
	c := newTestClient(&mockLLM{}, &mockPrompts{}, a)

	_, err := c.Transcribe(context.Background(), "s1", srv.URL+"/gone.mp3")
	require.Error(t, err)
	require.NotEmpty(t, a.typed(agents.TypeError))
}

func TestAudioFileName(t *testing.T) {
	require.Equal(t, "voice.ogg", audioFileName("https://x/voice.ogg?sig=1"))
	require.Equal(t, "audio.mp3", audioFileName("https://x/stream"))
	require.Equal(t, "audio.mp3", audioFileName(""))
}
