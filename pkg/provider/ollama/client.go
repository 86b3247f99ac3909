// Package ollama adapts a local Ollama server to the provider.Adapter
// interface, ported from win30221-genesis's pkg/llm/ollama/client.go.
package ollama

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/ollama/ollama/api"

	"rhythmchamber/pkg/llm"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Client is a chat-completions adapter over a local Ollama instance.
type Client struct {
	client  *api.Client
	model   string
	baseURL string
	options map[string]any
}

// New creates an Ollama adapter. A custom http.Transport with no response
// timeout is used because local model generation can legitimately run far
// longer than a typical HTTP client default.
func New(model string, baseURL string, options map[string]any) (*Client, error) {
	var client *api.Client
	var err error

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   30 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 0,
	}

	customClient := &http.Client{Transport: transport, Timeout: 0}

	if baseURL != "" {
		u, parseErr := url.Parse(baseURL)
		if parseErr != nil {
			return nil, fmt.Errorf("ollama: invalid base URL: %w", parseErr)
		}
		client = api.NewClient(u, customClient)
	} else {
		client, err = api.ClientFromEnvironment()
	}
	if err != nil {
		return nil, err
	}

	return &Client{client: client, model: model, baseURL: baseURL, options: options}, nil
}

func (o *Client) Name() string { return "ollama:" + o.model }

// HealthCheck confirms the server is reachable and the model is pulled.
func (o *Client) HealthCheck(ctx context.Context) error {
	return o.client.Heartbeat(ctx)
}

func (o *Client) StreamChat(ctx context.Context, messages []llm.Message, availableTools []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	apiMessages := o.convertMessages(messages)

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error)

	go func() {
		defer close(chunkCh)

		var ollamaTools []api.Tool
		if len(availableTools) > 0 {
			rawB, err := json.Marshal(toOllamaToolSpecs(availableTools))
			if err != nil {
				slog.ErrorContext(ctx, "ollama: failed to marshal tools", "error", err)
			} else if err := json.Unmarshal(rawB, &ollamaTools); err != nil {
				slog.ErrorContext(ctx, "ollama: failed to unmarshal to api.Tool", "error", err)
			}
		}

		streamVal := true
		req := &api.ChatRequest{
			Model:    o.model,
			Messages: apiMessages,
			Options:  o.options,
			Tools:    ollamaTools,
			Stream:   &streamVal,
		}

		started := false
		var thoughtsCount int

		err := o.client.Chat(ctx, req, func(resp api.ChatResponse) error {
			if !started {
				started = true
				select {
				case startResultCh <- nil:
				default:
				}
			}

			if resp.Message.Thinking != "" {
				thoughtsCount++
				chunkCh <- llm.NewThinkingChunk(resp.Message.Thinking)
			}

			if resp.Message.Content != "" {
				chunkCh <- llm.NewTextChunk(resp.Message.Content)
			}

			if len(resp.Message.ToolCalls) > 0 {
				var toolCalls []llm.ToolCall
				for _, tc := range resp.Message.ToolCalls {
					argsB, _ := json.Marshal(tc.Function.Arguments)
					toolCalls = append(toolCalls, llm.ToolCall{
						ID:   tc.ID,
						Name: tc.Function.Name,
						Function: llm.FunctionCall{
							Name:      tc.Function.Name,
							Arguments: string(argsB),
						},
					})
				}
				chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
			}

			if resp.Done {
				usage := &llm.LLMUsage{
					PromptTokens:     resp.PromptEvalCount,
					CompletionTokens: resp.EvalCount,
					TotalTokens:      resp.PromptEvalCount + resp.EvalCount,
					ThoughtsTokens:   thoughtsCount,
					StopReason:       resp.DoneReason,
				}
				chunkCh <- llm.NewFinalChunk(resp.DoneReason, usage)
				llm.LogUsage(o.model, usage)
			}

			return nil
		})

		if err != nil {
			slog.ErrorContext(ctx, "ollama stream error", "model", o.model, "error", err)
			if !started {
				select {
				case startResultCh <- err:
				default:
					chunkCh <- llm.NewErrorChunk(fmt.Sprintf("error loading model %s: %v", o.model, err), err, true)
				}
			}
		} else if !started {
			select {
			case startResultCh <- nil:
			default:
			}
		}
	}()

	select {
	case err := <-startResultCh:
		if err != nil {
			return nil, err
		}
		return chunkCh, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// toOllamaToolSpecs converts the provider-agnostic ToolDefinition into the
// JSON shape api.Tool expects, routed through json marshal/unmarshal to
// dodge SDK type incompatibilities (the same trick the teacher used).
func toOllamaToolSpecs(defs []llm.ToolDefinition) []map[string]any {
	specs := make([]map[string]any, 0, len(defs))
	for _, d := range defs {
		specs = append(specs, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        d.Name,
				"description": d.Description,
				"parameters":  d.Parameters,
			},
		})
	}
	return specs
}

func (o *Client) convertMessages(messages []llm.Message) []api.Message {
	var ollamaMsgs []api.Message

	for _, m := range messages {
		var content strings.Builder
		var images []api.ImageData

		for _, block := range m.Content {
			switch block.Type {
			case llm.BlockTypeText, llm.BlockTypeThinking:
				content.WriteString(block.Text)
			case llm.BlockTypeImage:
				if block.Source != nil && len(block.Source.Data) > 0 {
					images = append(images, block.Source.Data)
				}
			}
		}

		msg := api.Message{Role: m.Role, Content: content.String()}

		if m.Role == llm.RoleAssistant && len(m.ToolCalls) > 0 {
			var ollamaToolCalls []api.ToolCall
			for _, tc := range m.ToolCalls {
				var args map[string]any
				_ = json.Unmarshal([]byte(tc.Function.Arguments), &args)

				argBytes, _ := json.Marshal(args)
				var apiArgs api.ToolCallFunctionArguments
				_ = json.Unmarshal(argBytes, &apiArgs)

				ollamaToolCalls = append(ollamaToolCalls, api.ToolCall{
					ID: tc.ID,
					Function: api.ToolCallFunction{
						Name:      tc.Function.Name,
						Arguments: apiArgs,
					},
				})
			}
			msg.ToolCalls = ollamaToolCalls
		}

		if m.Role == llm.RoleTool {
			msg.ToolCallID = m.ToolCallID
		}

		if len(images) > 0 {
			msg.Images = images
		}

		ollamaMsgs = append(ollamaMsgs, msg)
	}

	return ollamaMsgs
}

// IsTransientError reports whether err is worth retrying against this
// locally hosted provider.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	if strings.Contains(errMsg, "connection refused") || strings.Contains(errMsg, "connection reset") {
		return true
	}
	if strings.Contains(errMsg, "overloaded") {
		return true
	}
	return false
}
