package chat

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhythmchamber/pkg/llm"
	"rhythmchamber/pkg/model"
	"rhythmchamber/pkg/tools"
)

// fakeRouter replays a scripted sequence of responses, one per StreamChat
// call, so tests can drive the tool-call loop deterministically.
type fakeRouter struct {
	mu        sync.Mutex
	responses [][]llm.StreamChunk
	calls     int
	lastTools []llm.ToolDefinition
}

func (f *fakeRouter) StreamChat(ctx context.Context, messages []llm.Message, toolDefs []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	f.mu.Lock()
	idx := f.calls
	f.calls++
	f.lastTools = toolDefs
	f.mu.Unlock()

	var script []llm.StreamChunk
	if idx < len(f.responses) {
		script = f.responses[idx]
	}

	ch := make(chan llm.StreamChunk, len(script))
	for _, c := range script {
		ch <- c
	}
	close(ch)
	return ch, nil
}

// fakeExecutor is a minimal ToolExecutor stub for tests that don't need
// schema validation.
type fakeExecutor struct {
	schemas []*tools.Schema
	result  any
	err     error
	calls   []string
}

func (f *fakeExecutor) GetEnabledSchemas(enablement []string) []*tools.Schema { return f.schemas }

func (f *fakeExecutor) Execute(ctx context.Context, name string, rawArgs map[string]any, backend tools.DataBackend) (any, error) {
	f.calls = append(f.calls, name)
	return f.result, f.err
}

type fakeBackend struct {
	streams     []model.Stream
	chunks      []model.Chunk
	patterns    *model.PatternSet
	personality *model.Personality
}

func (b *fakeBackend) Streams() []model.Stream         { return b.streams }
func (b *fakeBackend) Chunks() []model.Chunk           { return b.chunks }
func (b *fakeBackend) Patterns() *model.PatternSet     { return b.patterns }
func (b *fakeBackend) Personality() *model.Personality { return b.personality }

type recordingSink struct {
	mu        sync.Mutex
	tokens    []string
	thinking  []string
	toolCalls []llm.ToolCall
	assistant []llm.Message
	toolRes   []llm.Message
}

func (s *recordingSink) OnToken(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = append(s.tokens, text)
}
func (s *recordingSink) OnThinking(text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.thinking = append(s.thinking, text)
}
func (s *recordingSink) OnToolCallStarted(call llm.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, call)
}
func (s *recordingSink) OnAssistantMessage(msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.assistant = append(s.assistant, msg)
}
func (s *recordingSink) OnToolResult(msg llm.Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolRes = append(s.toolRes, msg)
}

func textChunk(text string, final bool) llm.StreamChunk {
	return llm.StreamChunk{ContentBlocks: []llm.ContentBlock{llm.NewTextBlock(text)}, IsFinal: final}
}

func TestOrchestratorSendUserMessageStreamsPlainReply(t *testing.T) {
	router := &fakeRouter{responses: [][]llm.StreamChunk{
		{textChunk("Hel", false), textChunk("lo!", true)},
	}}
	exec := &fakeExecutor{}
	history := llm.NewChatHistory()
	o := New(router, exec, history, nil, Config{SystemPrompt: "be helpful"})

	sink := &recordingSink{}
	err := o.SendUserMessage(context.Background(), "hi", sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"Hel", "lo!"}, sink.tokens)
	require.Len(t, sink.assistant, 1)
	assert.Empty(t, sink.assistant[0].ToolCalls)

	msgs := history.GetMessages()
	require.Len(t, msgs, 2) // user + assistant
	assert.Equal(t, llm.RoleUser, msgs[0].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[1].Role)
}

func TestOrchestratorDispatchesToolCallThenFinishes(t *testing.T) {
	toolCallChunk := llm.StreamChunk{
		ToolCalls: []llm.ToolCall{{ID: "call_1", Function: llm.FunctionCall{Name: "getTopArtists", Arguments: `{"limit":5}`}}},
		IsFinal:   true,
	}
	router := &fakeRouter{responses: [][]llm.StreamChunk{
		{toolCallChunk},
		{textChunk("here you go", true)},
	}}
	exec := &fakeExecutor{result: map[string]any{"artists": []string{"Deadmau5"}}}
	history := llm.NewChatHistory()
	o := New(router, exec, history, &fakeBackend{streams: []model.Stream{{Track: "Strobe", Artist: "Deadmau5"}}}, Config{})

	sink := &recordingSink{}
	err := o.SendUserMessage(context.Background(), "who do I listen to most?", sink)
	require.NoError(t, err)

	assert.Equal(t, []string{"getTopArtists"}, exec.calls)
	require.Len(t, sink.toolCalls, 1)
	require.Len(t, sink.toolRes, 1)
	assert.Equal(t, "call_1", sink.toolRes[0].ToolCallID)

	msgs := history.GetMessages()
	// user, assistant(tool_calls), tool, assistant(final)
	require.Len(t, msgs, 4)
	assert.Equal(t, llm.RoleTool, msgs[2].Role)
	assert.Equal(t, llm.RoleAssistant, msgs[3].Role)
}

func TestOrchestratorRejectsConcurrentTurn(t *testing.T) {
	block := make(chan struct{})
	router := &blockingRouter{unblock: block}
	history := llm.NewChatHistory()
	o := New(router, &fakeExecutor{}, history, nil, Config{})

	sink := &recordingSink{}
	firstDone := make(chan error, 1)
	go func() {
		firstDone <- o.SendUserMessage(context.Background(), "first", sink)
	}()

	// Give the first turn a moment to mark itself running.
	time.Sleep(20 * time.Millisecond)
	err := o.SendUserMessage(context.Background(), "second", sink)
	assert.ErrorIs(t, err, ErrTurnInFlight)

	close(block)
	require.NoError(t, <-firstDone)
}

type blockingRouter struct {
	unblock chan struct{}
}

func (b *blockingRouter) StreamChat(ctx context.Context, messages []llm.Message, toolDefs []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	<-b.unblock
	ch := make(chan llm.StreamChunk, 1)
	ch <- textChunk("done", true)
	close(ch)
	return ch, nil
}

func TestOrchestratorEditMessageTruncatesAndReruns(t *testing.T) {
	router := &fakeRouter{responses: [][]llm.StreamChunk{
		{textChunk("first reply", true)},
		{textChunk("second reply", true)},
	}}
	history := llm.NewChatHistory()
	o := New(router, &fakeExecutor{}, history, nil, Config{})

	sink := &recordingSink{}
	require.NoError(t, o.SendUserMessage(context.Background(), "first question", sink))
	require.Len(t, history.GetMessages(), 2)

	require.NoError(t, o.EditMessage(context.Background(), 0, "edited question", sink))
	msgs := history.GetMessages()
	require.Len(t, msgs, 2)
	assert.Contains(t, msgs[0].Content[0].Text, "edited question")
	assert.Contains(t, msgs[1].Content[0].Text, "second reply")
}

func TestOrchestratorDeleteMessageRemovesSingleEntry(t *testing.T) {
	router := &fakeRouter{responses: [][]llm.StreamChunk{
		{textChunk("reply", true)},
	}}
	history := llm.NewChatHistory()
	o := New(router, &fakeExecutor{}, history, nil, Config{})

	sink := &recordingSink{}
	require.NoError(t, o.SendUserMessage(context.Background(), "question", sink))
	require.Len(t, history.GetMessages(), 2)

	require.NoError(t, o.DeleteMessage(0))
	msgs := history.GetMessages()
	require.Len(t, msgs, 1)
	assert.Equal(t, llm.RoleAssistant, msgs[0].Role)
}

func TestOrchestratorAbortCancelsInFlightStream(t *testing.T) {
	block := make(chan struct{})
	router := &blockingRouter{unblock: block}
	history := llm.NewChatHistory()
	o := New(router, &fakeExecutor{}, history, nil, Config{})

	sink := &recordingSink{}
	done := make(chan error, 1)
	go func() {
		done <- o.SendUserMessage(context.Background(), "question", sink)
	}()

	time.Sleep(20 * time.Millisecond)
	o.Abort()
	close(block)

	err := <-done
	require.Error(t, err)
}

func TestSummarizeBackendReflectsDemoFlagAndPersonality(t *testing.T) {
	backend := &fakeBackend{
		streams:     []model.Stream{{Track: "Strobe", Artist: "Deadmau5"}},
		patterns:    &model.PatternSet{IsDemoData: true},
		personality: &model.Personality{Label: "The Night Owl", Tagline: "always streaming past midnight"},
	}
	summary := summarizeBackend(backend)
	assert.Contains(t, summary, "demo")
	assert.Contains(t, summary, "The Night Owl")
}

func TestSummarizeBackendEmptyWhenNoStreams(t *testing.T) {
	assert.Empty(t, summarizeBackend(&fakeBackend{}))
	assert.Empty(t, summarizeBackend(nil))
}
