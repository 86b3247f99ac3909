// Package compatible implements a from-scratch provider.Adapter for
// arbitrary OpenAI-dialect HTTP endpoints (local llama.cpp servers,
// OpenAI-compatible cloud resellers) per spec.md §4.8. Unlike the
// SDK-backed adapters (gemini, ollama, openailm), this one hand-decodes
// the SSE/NDJSON wire format itself, because there is no SDK to decode it
// for an arbitrary third-party dialect.
package compatible

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"rhythmchamber/pkg/llm"
	"rhythmchamber/pkg/provider"
)

// maxLineBufferBytes bounds the accumulated-but-unterminated line buffer
// per spec.md §4.8 ("fixed maximum size (≥ 1 MiB)").
const maxLineBufferBytes = 2 * 1024 * 1024

// reasoningTagPairs are the provider-specific reasoning delimiters this
// adapter recognizes; spec.md §9 leaves "both everywhere, or per-provider"
// open — DESIGN.md resolves it as "support both unconditionally".
var reasoningTagPairs = []struct{ open, close string }{
	{"<think>", "</think>"},
	{"<extended_thinking>", "</extended_thinking>"},
}

// Client is a manual OpenAI-compatible HTTP/SSE adapter.
type Client struct {
	name       string
	baseURL    string
	apiKey     string
	model      string
	httpClient *http.Client
	localOnly  bool
}

// New constructs a compatible adapter. When localOnly is true (configured
// for a localhost/loopback base URL, e.g. llama.cpp), the base URL is
// checked once here by the SSRF guard in validateEndpoint.
func New(name, baseURL, apiKey, model string, localOnly bool) (*Client, error) {
	if err := validateEndpoint(baseURL, localOnly); err != nil {
		return nil, err
	}
	return &Client{
		name:       name,
		baseURL:    strings.TrimRight(baseURL, "/"),
		apiKey:     apiKey,
		model:      model,
		httpClient: &http.Client{Timeout: 0},
		localOnly:  localOnly,
	}, nil
}

func (c *Client) Name() string { return c.name + ":" + c.model }

// validateEndpoint rejects non-loopback hosts, non-HTTP(S) schemes, and
// privileged ports for localhost-only adapters (spec.md §4.8 SSRF guard).
func validateEndpoint(rawURL string, localOnly bool) error {
	u, err := url.Parse(rawURL)
	if err != nil {
		return provider.ValidationError("compatible", fmt.Sprintf("malformed endpoint url: %v", err))
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return provider.ValidationError("compatible", "endpoint must be http or https")
	}
	if !localOnly {
		return nil
	}

	host := u.Hostname()
	ip := net.ParseIP(host)
	isLoopback := host == "localhost" || (ip != nil && ip.IsLoopback())
	if !isLoopback {
		return provider.ValidationError("compatible", "local-only adapter must target a loopback hostname")
	}

	if port := u.Port(); port != "" {
		n, err := strconv.Atoi(port)
		if err != nil || n < 1024 {
			return provider.ValidationError("compatible", "local-only adapter must not target a privileged port")
		}
	}
	return nil
}

func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/models", nil)
	if err != nil {
		return err
	}
	c.applyAuth(req)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return provider.ConnectionError(c.Name(), err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 500 {
		return provider.ConnectionError(c.Name(), fmt.Errorf("status %d", resp.StatusCode))
	}
	return nil
}

func (c *Client) applyAuth(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Content-Type", "application/json")
}

type chatRequest struct {
	Model    string                `json:"model"`
	Messages []wireMessage         `json:"messages"`
	Stream   bool                  `json:"stream"`
	Tools    []wireToolDeclaration `json:"tools,omitempty"`
}

type wireMessage struct {
	Role       string          `json:"role"`
	Content    string          `json:"content,omitempty"`
	ToolCallID string          `json:"tool_call_id,omitempty"`
	ToolCalls  []wireToolCall  `json:"tool_calls,omitempty"`
}

type wireToolDeclaration struct {
	Type     string `json:"type"`
	Function struct {
		Name        string         `json:"name"`
		Description string         `json:"description"`
		Parameters  map[string]any `json:"parameters"`
	} `json:"function"`
}

type wireToolCall struct {
	Index    int    `json:"index"`
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireChunk struct {
	Choices []struct {
		Delta struct {
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"delta"`
		Message *struct {
			Role      string         `json:"role"`
			Content   string         `json:"content"`
			ToolCalls []wireToolCall `json:"tool_calls"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Model string `json:"model"`
	Usage *struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

func toWireMessages(messages []llm.Message) []wireMessage {
	out := make([]wireMessage, 0, len(messages))
	for _, m := range messages {
		wm := wireMessage{Role: m.Role, Content: m.GetTextContent(), ToolCallID: m.ToolCallID}
		for _, tc := range m.ToolCalls {
			wtc := wireToolCall{ID: tc.ID, Type: "function"}
			wtc.Function.Name = tc.Function.Name
			wtc.Function.Arguments = tc.Function.Arguments
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out = append(out, wm)
	}
	return out
}

func toWireTools(defs []llm.ToolDefinition) []wireToolDeclaration {
	out := make([]wireToolDeclaration, 0, len(defs))
	for _, d := range defs {
		var decl wireToolDeclaration
		decl.Type = "function"
		decl.Function.Name = d.Name
		decl.Function.Description = d.Description
		decl.Function.Parameters = d.Parameters
		out = append(out, decl)
	}
	return out
}

// StreamChat issues the chat-completions request and decodes the response
// as an incremental SSE or NDJSON byte stream per spec.md §4.8.
func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, tools []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	body := chatRequest{
		Model:    c.model,
		Messages: toWireMessages(messages),
		Stream:   true,
		Tools:    toWireTools(tools),
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, provider.ValidationError(c.Name(), "failed to encode request body")
	}

	resp, err := c.doRequest(ctx, payload)
	if err != nil {
		return nil, err
	}

	chunkCh := make(chan llm.StreamChunk, 100)
	go c.decodeStream(ctx, resp, payload, chunkCh)
	return chunkCh, nil
}

func (c *Client) doRequest(ctx context.Context, payload []byte) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/chat/completions", bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.applyAuth(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, provider.TimeoutError(c.Name(), 0, ctx.Err())
		}
		return nil, provider.ConnectionError(c.Name(), err)
	}

	if resp.StatusCode >= 400 {
		defer resp.Body.Close()
		preview := readErrorPreview(resp)
		switch resp.StatusCode {
		case 401, 403:
			return nil, provider.AuthError(c.Name(), resp.StatusCode, fmt.Errorf("%s", preview))
		case 429:
			return nil, provider.RateLimitError(c.Name(), fmt.Errorf("%s", preview))
		default:
			return nil, provider.UnknownError(c.Name(), fmt.Errorf("status %d: %s", resp.StatusCode, preview))
		}
	}

	return resp, nil
}

func readErrorPreview(resp *http.Response) string {
	const maxPreview = 2048
	data, _ := io.ReadAll(io.LimitReader(resp.Body, maxPreview))

	if strings.Contains(resp.Header.Get("Content-Type"), "json") {
		var wrapped struct {
			Error   struct{ Message string `json:"message"` } `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &wrapped) == nil {
			if wrapped.Error.Message != "" {
				return wrapped.Error.Message
			}
			if wrapped.Message != "" {
				return wrapped.Message
			}
		}
	}
	return string(data)
}

// decodeStream reads resp.Body as an incremental byte stream, accumulating
// into a line buffer and processing complete newline-delimited records per
// spec.md §4.8. It re-issues a single non-streaming fallback request if the
// stream failed before producing anything.
func (c *Client) decodeStream(ctx context.Context, resp *http.Response, originalPayload []byte, chunkCh chan<- llm.StreamChunk) {
	defer close(chunkCh)
	defer resp.Body.Close()

	toolFragments := make(map[int]*wireToolCall)
	var toolOrder []int
	var lastUsage *llm.LLMUsage
	var finishReason string

	var thinkingOpenTag string
	var thinkingBuf strings.Builder
	inThinking := false

	producedAny := false
	streamErrored := false

	reader := bufio.NewReaderSize(resp.Body, 64*1024)
	var lineBuf bytes.Buffer

	flushLine := func(line string) {
		line = strings.TrimSpace(line)
		if line == "" {
			return
		}
		if strings.HasPrefix(line, "data:") {
			line = strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		}
		if line == "[DONE]" || line == "" {
			return
		}

		var chunk wireChunk
		if err := json.Unmarshal([]byte(line), &chunk); err != nil {
			return // malformed/non-JSON lines are ignored per spec.md §4.8
		}

		if chunk.Usage != nil {
			lastUsage = &llm.LLMUsage{
				PromptTokens:     chunk.Usage.PromptTokens,
				CompletionTokens: chunk.Usage.CompletionTokens,
				TotalTokens:      chunk.Usage.TotalTokens,
			}
		}

		for _, choice := range chunk.Choices {
			if choice.FinishReason != "" {
				finishReason = choice.FinishReason
			}

			if choice.Message != nil {
				producedAny = true
				text, _ := stripReasoningTags(choice.Message.Content, &thinkingOpenTag, &inThinking, &thinkingBuf, chunkCh)
				chunkCh <- llm.NewTextChunk(text)
				for _, tc := range choice.Message.ToolCalls {
					tcCopy := tc
					mergeToolFragment(toolFragments, &toolOrder, &tcCopy)
				}
				continue
			}

			if choice.Delta.Content != "" {
				producedAny = true
				text, _ := stripReasoningTags(choice.Delta.Content, &thinkingOpenTag, &inThinking, &thinkingBuf, chunkCh)
				if text != "" {
						chunkCh <- llm.NewTextChunk(text)
				}
			}

			for _, frag := range choice.Delta.ToolCalls {
				producedAny = true
				fragCopy := frag
				mergeToolFragment(toolFragments, &toolOrder, &fragCopy)
			}
		}
	}

	for {
		chunk, err := reader.ReadBytes('\n')
		if len(chunk) > 0 {
			if lineBuf.Len()+len(chunk) > maxLineBufferBytes {
				chunkCh <- llm.NewErrorChunk("buffer overflow", fmt.Errorf("line buffer exceeded %d bytes", maxLineBufferBytes), true)
				return
			}
			lineBuf.Write(chunk)
			if bytes.HasSuffix(chunk, []byte("\n")) {
				flushLine(lineBuf.String())
				lineBuf.Reset()
			}
		}
		if err != nil {
			if err != io.EOF {
				streamErrored = true
			}
			if lineBuf.Len() > 0 {
				flushLine(lineBuf.String())
			}
			break
		}
		if ctx.Err() != nil {
			chunkCh <- llm.NewErrorChunk("stream cancelled", ctx.Err(), true)
			return
		}
	}

	if !producedAny && streamErrored {
		c.nonStreamingFallback(ctx, originalPayload, chunkCh)
		return
	}

	toolCalls := finalizeToolCalls(toolFragments, toolOrder)
	if len(toolCalls) > 0 {
		chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
	}

	if finishReason == "" {
		finishReason = llm.StopReasonStop
	}
	chunkCh <- llm.NewFinalChunk(normalizeFinishReason(finishReason), lastUsage)
}

// stripReasoningTags removes provider reasoning-tag delimited spans from
// text, forwarding their content as separate thinking chunks instead of
// letting it leak into fullContent, per spec.md §4.8. It supports both
// recognized tag pairs and tracks state across chunk boundaries via the
// pointer parameters.
func stripReasoningTags(text string, openTag *string, inThinking *bool, buf *strings.Builder, chunkCh chan<- llm.StreamChunk) (string, bool) {
	remaining := text
	var visible strings.Builder
	emittedThinking := false

	for len(remaining) > 0 {
		if *inThinking {
			closeTag := closingTagFor(*openTag)
			idx := strings.Index(remaining, closeTag)
			if idx == -1 {
				buf.WriteString(remaining)
				return visible.String(), emittedThinking
			}
			buf.WriteString(remaining[:idx])
			chunkCh <- llm.NewThinkingChunk(buf.String())
			emittedThinking = true
			buf.Reset()
			*inThinking = false
			remaining = remaining[idx+len(closeTag):]
			continue
		}

		openIdx, tag := findEarliestOpenTag(remaining)
		if openIdx == -1 {
			visible.WriteString(remaining)
			break
		}
		visible.WriteString(remaining[:openIdx])
		*openTag = tag
		*inThinking = true
		remaining = remaining[openIdx+len(tag):]
	}

	return visible.String(), emittedThinking
}

func findEarliestOpenTag(s string) (int, string) {
	best, bestTag := -1, ""
	for _, pair := range reasoningTagPairs {
		if idx := strings.Index(s, pair.open); idx != -1 && (best == -1 || idx < best) {
			best, bestTag = idx, pair.open
		}
	}
	return best, bestTag
}

func closingTagFor(openTag string) string {
	for _, pair := range reasoningTagPairs {
		if pair.open == openTag {
			return pair.close
		}
	}
	return "</think>"
}

func mergeToolFragment(fragments map[int]*wireToolCall, order *[]int, frag *wireToolCall) {
	existing, ok := fragments[frag.Index]
	if !ok {
		cp := *frag
		fragments[frag.Index] = &cp
		*order = append(*order, frag.Index)
		return
	}
	if frag.ID != "" {
		existing.ID = frag.ID
	}
	if frag.Function.Name != "" {
		existing.Function.Name = frag.Function.Name
	}
	existing.Function.Arguments += frag.Function.Arguments
}

// finalizeToolCalls normalizes each accumulated fragment's arguments into
// a JSON-encoded string: a valid JSON string is kept as is, an empty or
// invalid one becomes "{}". Arguments sent as a JSON object rather than a
// string are not stringified; such a record fails to decode into
// wireToolCall and is skipped.
func finalizeToolCalls(fragments map[int]*wireToolCall, order []int) []llm.ToolCall {
	calls := make([]llm.ToolCall, 0, len(order))
	for _, idx := range order {
		f := fragments[idx]
		args := f.Function.Arguments
		if args == "" {
			args = "{}"
		} else if !json.Valid([]byte(args)) {
			args = "{}"
		}
		calls = append(calls, llm.ToolCall{
			ID:   f.ID,
			Name: f.Function.Name,
			Function: llm.FunctionCall{
				Name:      f.Function.Name,
				Arguments: args,
			},
		})
	}
	return calls
}

func normalizeFinishReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop", "":
		return llm.StopReasonStop
	case "length":
		return llm.StopReasonLength
	default:
		return reason
	}
}

// nonStreamingFallback re-issues the same request with stream disabled,
// per spec.md §4.8, when the streamed attempt produced neither content
// nor tool calls before failing.
func (c *Client) nonStreamingFallback(ctx context.Context, originalPayload []byte, chunkCh chan<- llm.StreamChunk) {
	var req chatRequest
	if err := json.Unmarshal(originalPayload, &req); err != nil {
		chunkCh <- llm.NewErrorChunk("fallback request malformed", err, true)
		return
	}
	req.Stream = false
	payload, _ := json.Marshal(req)

	fallbackCtx, cancel := context.WithTimeout(ctx, 60*time.Second)
	defer cancel()

	resp, err := c.doRequest(fallbackCtx, payload)
	if err != nil {
		chunkCh <- llm.NewErrorChunk(fmt.Sprintf("non-streaming fallback failed: %v", err), err, true)
		return
	}
	defer resp.Body.Close()

	var decoded struct {
		Choices []struct {
			Message struct {
				Content   string         `json:"content"`
				ToolCalls []wireToolCall `json:"tool_calls"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage *struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		chunkCh <- llm.NewErrorChunk("fallback response malformed", err, true)
		return
	}
	if len(decoded.Choices) == 0 {
		chunkCh <- llm.NewErrorChunk("fallback response had no choices", fmt.Errorf("empty choices"), true)
		return
	}

	choice := decoded.Choices[0]
	if choice.Message.Content != "" {
		chunkCh <- llm.NewTextChunk(choice.Message.Content)
	}

	fragments := make(map[int]*wireToolCall)
	var order []int
	for i, tc := range choice.Message.ToolCalls {
		tc.Index = i
		tcCopy := tc
		mergeToolFragment(fragments, &order, &tcCopy)
	}
	if toolCalls := finalizeToolCalls(fragments, order); len(toolCalls) > 0 {
		chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
	}

	var usage *llm.LLMUsage
	if decoded.Usage != nil {
		usage = &llm.LLMUsage{
			PromptTokens:     decoded.Usage.PromptTokens,
			CompletionTokens: decoded.Usage.CompletionTokens,
			TotalTokens:      decoded.Usage.TotalTokens,
		}
	}
	chunkCh <- llm.NewFinalChunk(normalizeFinishReason(choice.FinishReason), usage)
}
