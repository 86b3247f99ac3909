package compatible

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhythmchamber/pkg/llm"
)

func TestValidateEndpointRejectsNonHTTPScheme(t *testing.T) {
	err := validateEndpoint("ftp://example.com", false)
	require.Error(t, err)
}

func TestValidateEndpointAllowsRemoteHTTPSWhenNotLocalOnly(t *testing.T) {
	err := validateEndpoint("https://api.example.com/v1", false)
	require.NoError(t, err)
}

func TestValidateEndpointRejectsNonLoopbackForLocalOnly(t *testing.T) {
	err := validateEndpoint("http://api.example.com:8080", true)
	require.Error(t, err)
}

func TestValidateEndpointAllowsLoopbackForLocalOnly(t *testing.T) {
	err := validateEndpoint("http://localhost:8080", true)
	require.NoError(t, err)

	err = validateEndpoint("http://127.0.0.1:11434", true)
	require.NoError(t, err)
}

func TestValidateEndpointRejectsPrivilegedPortForLocalOnly(t *testing.T) {
	err := validateEndpoint("http://localhost:80", true)
	require.Error(t, err)
}

func TestToWireMessagesPreservesToolCallsAndToolCallID(t *testing.T) {
	messages := []llm.Message{
		{Role: "user", Content: []llm.ContentBlock{{Type: "text", Text: "hi"}}},
		{Role: "assistant", ToolCalls: []llm.ToolCall{{ID: "call_1", Function: llm.FunctionCall{Name: "getTopArtists", Arguments: `{"limit":5}`}}}},
		{Role: "tool", ToolCallID: "call_1", Content: []llm.ContentBlock{{Type: "text", Text: "result"}}},
	}

	wire := toWireMessages(messages)
	require.Len(t, wire, 3)
	assert.Equal(t, "hi", wire[0].Content)
	require.Len(t, wire[1].ToolCalls, 1)
	assert.Equal(t, "getTopArtists", wire[1].ToolCalls[0].Function.Name)
	assert.Equal(t, "call_1", wire[2].ToolCallID)
}

func TestToWireToolsMapsDefinitions(t *testing.T) {
	defs := []llm.ToolDefinition{
		{Name: "getTopArtists", Description: "ranks top artists", Parameters: map[string]any{"type": "object"}},
	}
	wire := toWireTools(defs)
	require.Len(t, wire, 1)
	assert.Equal(t, "function", wire[0].Type)
	assert.Equal(t, "getTopArtists", wire[0].Function.Name)
}

func TestStripReasoningTagsExtractsThinkBlock(t *testing.T) {
	var openTag string
	var inThinking bool
	var buf strings.Builder
	ch := make(chan llm.StreamChunk, 4)

	visible, emitted := stripReasoningTags("before <think>hidden</think>after", &openTag, &inThinking, &buf, ch)

	assert.Equal(t, "before after", visible)
	assert.True(t, emitted)
	close(ch)
	var gotThinking bool
	for chunk := range ch {
		for _, block := range chunk.ContentBlocks {
			if block.Type == "thinking" && block.Text == "hidden" {
				gotThinking = true
			}
		}
	}
	assert.True(t, gotThinking)
}

func TestStripReasoningTagsHandlesSplitAcrossCalls(t *testing.T) {
	var openTag string
	var inThinking bool
	var buf strings.Builder
	ch := make(chan llm.StreamChunk, 4)

	visible1, _ := stripReasoningTags("start <think>part one ", &openTag, &inThinking, &buf, ch)
	assert.Equal(t, "start ", visible1)
	assert.True(t, inThinking)

	visible2, emitted2 := stripReasoningTags("part two</think>end", &openTag, &inThinking, &buf, ch)
	assert.Equal(t, "end", visible2)
	assert.True(t, emitted2)
	assert.False(t, inThinking)
}

func newFragment(index int, id, name, args string) *wireToolCall {
	f := &wireToolCall{Index: index, ID: id}
	f.Function.Name = name
	f.Function.Arguments = args
	return f
}

func TestMergeToolFragmentAccumulatesArguments(t *testing.T) {
	fragments := make(map[int]*wireToolCall)
	var order []int

	mergeToolFragment(fragments, &order, newFragment(0, "call_1", "getTopArtists", `{"lim`))
	mergeToolFragment(fragments, &order, newFragment(0, "", "", `it":5}`))

	calls := finalizeToolCalls(fragments, order)
	require.Len(t, calls, 1)
	assert.Equal(t, "call_1", calls[0].ID)
	assert.Equal(t, `{"limit":5}`, calls[0].Function.Arguments)
}

func TestFinalizeToolCallsFallsBackToEmptyObjectForInvalidJSON(t *testing.T) {
	fragments := map[int]*wireToolCall{
		0: newFragment(0, "call_1", "getTopArtists", "not json"),
	}
	calls := finalizeToolCalls(fragments, []int{0})
	require.Len(t, calls, 1)
	assert.Equal(t, "{}", calls[0].Function.Arguments)
}

func TestNormalizeFinishReason(t *testing.T) {
	assert.Equal(t, llm.StopReasonStop, normalizeFinishReason("stop"))
	assert.Equal(t, llm.StopReasonStop, normalizeFinishReason(""))
	assert.Equal(t, llm.StopReasonLength, normalizeFinishReason("length"))
	assert.Equal(t, "tool_calls", normalizeFinishReason("tool_calls"))
}
