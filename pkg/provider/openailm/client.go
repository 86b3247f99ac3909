// Package openailm adapts the official OpenAI Go SDK (also used for any
// OpenAI-compatible hosted endpoint reachable over HTTPS) to the
// provider.Adapter interface, ported from win30221-genesis's
// pkg/llm/openailm/client.go.
package openailm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"time"

	openai "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"rhythmchamber/pkg/llm"
)

// Client wraps the official OpenAI Go SDK for chat-completions streaming.
type Client struct {
	client       *openai.Client
	provider     string
	model        string
	debugEnabled bool
	options      map[string]any
}

// New creates an OpenAI-protocol adapter. baseURL lets this same client
// talk to any OpenAI-compatible hosted endpoint (not a local one — those
// go through pkg/provider/compatible's manual SSE decoder instead).
func New(providerName, apiKey, model, baseURL string, options map[string]any) (*Client, error) {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	client := openai.NewClient(opts...)

	return &Client{client: &client, provider: providerName, model: model, options: options}, nil
}

func (c *Client) Name() string { return c.provider + ":" + c.model }

func (c *Client) SetDebug(enabled bool) { c.debugEnabled = enabled }

func (c *Client) HealthCheck(ctx context.Context) error {
	_, err := c.client.Models.Get(ctx, c.model)
	return err
}

func (c *Client) StreamChat(ctx context.Context, messages []llm.Message, availableTools []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	chunkCh := make(chan llm.StreamChunk, 100)

	convertedMsgs := c.convertMessages(messages)

	params := openai.ChatCompletionNewParams{
		Model:    openai.ChatModel(c.model),
		Messages: convertedMsgs,
	}
	if len(availableTools) > 0 {
		params.Tools = c.convertTools(availableTools)
	}

	go func() {
		defer close(chunkCh)

		stream := c.client.Chat.Completions.NewStreaming(ctx, params)

		var lastFinishReason string
		var lastUsage *llm.LLMUsage

		var debugFile *os.File
		if c.debugEnabled {
			debugDir := filepath.Join("debug", "chunks", c.provider)
			if val := ctx.Value(llm.DebugDirContextKey); val != nil {
				if dirStr, ok := val.(string); ok {
					debugDir = filepath.Join("debug", "chunks", dirStr, c.provider)
				}
			}
			os.MkdirAll(debugDir, 0755)
			filename := filepath.Join(debugDir, fmt.Sprintf("%s.log", time.Now().Format("20060102_150405")))
			if f, err := os.OpenFile(filename, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644); err == nil {
				debugFile = f
				defer debugFile.Close()
			} else {
				slog.Error("failed to create debug log", "error", err)
			}
		}

		var thinkingLogBuffer string
		for stream.Next() {
			event := stream.Current()

			var raw string
			rv := reflect.ValueOf(event.JSON)
			if rv.Kind() == reflect.Struct {
				rt := rv.Type()
				for i := 0; i < rt.NumField(); i++ {
					if rt.Field(i).Name == "raw" {
						raw = rv.Field(i).String()
						break
					}
				}
			}

			if debugFile != nil {
				debugFile.WriteString(raw + "\n")
			}

			if len(event.Choices) > 0 {
				choice := event.Choices[0]

				if choice.FinishReason != "" {
					lastFinishReason = string(choice.FinishReason)
				}

				thought := extractReasoning(raw)
				if thought != "" {
					thinkingLogBuffer += thought
					chunkCh <- llm.NewThinkingChunk(thought)
				}

				if choice.Delta.Content != "" {
					chunkCh <- llm.NewTextChunk(choice.Delta.Content)
				}

				if len(choice.Delta.ToolCalls) > 0 {
					var toolCalls []llm.ToolCall
					for _, tc := range choice.Delta.ToolCalls {
						toolCalls = append(toolCalls, llm.ToolCall{
							ID:   tc.ID,
							Name: tc.Function.Name,
							Function: llm.FunctionCall{
								Name:      tc.Function.Name,
								Arguments: tc.Function.Arguments,
							},
						})
					}
					chunkCh <- llm.StreamChunk{ToolCalls: toolCalls}
				}
			}

			if event.Usage.TotalTokens > 0 {
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(event.Usage.PromptTokens),
					CompletionTokens: int(event.Usage.CompletionTokens),
					TotalTokens:      int(event.Usage.TotalTokens),
				}
			}
		}

		if strings.TrimSpace(thinkingLogBuffer) != "" {
			slog.Debug("captured full thinking process", "provider", c.provider, "content", thinkingLogBuffer)
		}

		if err := stream.Err(); err != nil {
			chunkCh <- llm.NewErrorChunk(fmt.Sprintf("stream error: %v", err), err, true)
			return
		}

		reason := llm.StopReasonStop
		if lastFinishReason != "" {
			reason = normalizeStopReason(lastFinishReason)
		}
		chunkCh <- llm.NewFinalChunk(reason, lastUsage)
		if lastUsage != nil {
			llm.LogUsage(c.model, lastUsage)
		}
	}()

	return chunkCh, nil
}

// extractReasoning pulls provider-specific reasoning/thinking text out of
// the raw JSON chunk. The official SDK types don't expose these fields
// (reasoning models vary provider to provider), so this falls back to a
// permissive ad-hoc struct over the same bytes the typed decoder saw.
func extractReasoning(raw string) string {
	if raw == "" {
		return ""
	}
	var rawChoice struct {
		Reasoning        string `json:"reasoning"`
		Thinking         string `json:"thinking"`
		ReasoningContent string `json:"reasoning_content"`
		Choices          []struct {
			Delta struct {
				ReasoningContent string `json:"reasoning_content"`
				Reasoning        string `json:"reasoning"`
				Thinking         string `json:"thinking"`
			} `json:"delta"`
		} `json:"choices"`
	}
	if err := json.Unmarshal([]byte(raw), &rawChoice); err != nil {
		return ""
	}

	thought := rawChoice.Reasoning
	if thought == "" {
		thought = rawChoice.Thinking
	}
	if thought == "" {
		thought = rawChoice.ReasoningContent
	}
	if thought == "" && len(rawChoice.Choices) > 0 {
		delta := rawChoice.Choices[0].Delta
		switch {
		case delta.ReasoningContent != "":
			thought = delta.ReasoningContent
		case delta.Reasoning != "":
			thought = delta.Reasoning
		case delta.Thinking != "":
			thought = delta.Thinking
		}
	}
	return thought
}

func (c *Client) convertTools(defs []llm.ToolDefinition) []openai.ChatCompletionToolUnionParam {
	tools := make([]openai.ChatCompletionToolUnionParam, 0, len(defs))
	for _, d := range defs {
		tools = append(tools, openai.ChatCompletionToolUnionParam{
			OfFunction: &openai.ChatCompletionFunctionToolParam{
				Type: "function",
				Function: openai.FunctionDefinitionParam{
					Name:        d.Name,
					Description: openai.String(d.Description),
					Parameters:  d.Parameters,
				},
			},
		})
	}
	return tools
}

func (c *Client) convertMessages(messages []llm.Message) []openai.ChatCompletionMessageParamUnion {
	var items []openai.ChatCompletionMessageParamUnion

	for _, m := range messages {
		switch m.Role {
		case llm.RoleTool:
			toolMsg := &openai.ChatCompletionToolMessageParam{Role: "tool"}
			toolMsg.Content = openai.ChatCompletionToolMessageParamContentUnion{OfString: openai.String(m.GetTextContent())}
			toolMsg.ToolCallID = m.ToolCallID
			items = append(items, openai.ChatCompletionMessageParamUnion{OfTool: toolMsg})

		case llm.RoleAssistant:
			if len(m.ToolCalls) > 0 {
				var toolCalls []openai.ChatCompletionMessageToolCallUnionParam
				for _, tc := range m.ToolCalls {
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallUnionParam{
						OfFunction: &openai.ChatCompletionMessageFunctionToolCallParam{
							ID:   tc.ID,
							Type: "function",
							Function: openai.ChatCompletionMessageFunctionToolCallFunctionParam{
								Name:      tc.Name,
								Arguments: tc.Function.Arguments,
							},
						},
					})
				}
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{Role: "assistant", ToolCalls: toolCalls},
				})
			} else {
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfAssistant: &openai.ChatCompletionAssistantMessageParam{
						Role:    "assistant",
						Content: openai.ChatCompletionAssistantMessageParamContentUnion{OfString: openai.String(m.GetTextContent())},
					},
				})
			}

		case llm.RoleUser:
			if m.HasImages() {
				var parts []openai.ChatCompletionContentPartUnionParam
				for _, block := range m.Content {
					switch block.Type {
					case llm.BlockTypeText:
						parts = append(parts, openai.ChatCompletionContentPartUnionParam{
							OfText: &openai.ChatCompletionContentPartTextParam{Type: "text", Text: block.Text},
						})
					case llm.BlockTypeImage:
						if block.Source != nil {
							imgURL := block.Source.URL
							if block.Source.Type == "base64" {
								imgURL = fmt.Sprintf("data:%s;base64,%s", block.Source.MediaType, base64.StdEncoding.EncodeToString(block.Source.Data))
							}
							parts = append(parts, openai.ChatCompletionContentPartUnionParam{
								OfImageURL: &openai.ChatCompletionContentPartImageParam{
									Type:     "image_url",
									ImageURL: openai.ChatCompletionContentPartImageImageURLParam{URL: imgURL},
								},
							})
						}
					}
				}
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Role:    "user",
						Content: openai.ChatCompletionUserMessageParamContentUnion{OfArrayOfContentParts: parts},
					},
				})
			} else {
				items = append(items, openai.ChatCompletionMessageParamUnion{
					OfUser: &openai.ChatCompletionUserMessageParam{
						Role:    "user",
						Content: openai.ChatCompletionUserMessageParamContentUnion{OfString: openai.String(m.GetTextContent())},
					},
				})
			}

		case llm.RoleSystem:
			items = append(items, openai.ChatCompletionMessageParamUnion{
				OfSystem: &openai.ChatCompletionSystemMessageParam{
					Role:    "system",
					Content: openai.ChatCompletionSystemMessageParamContentUnion{OfString: openai.String(m.GetTextContent())},
				},
			})
		}
	}

	return items
}

func normalizeStopReason(reason string) string {
	switch strings.ToLower(reason) {
	case "stop":
		return llm.StopReasonStop
	case "length":
		return llm.StopReasonLength
	default:
		return reason
	}
}

// IsTransientError reports whether err is worth retrying against this
// provider.
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "context deadline exceeded") ||
		strings.Contains(msg, "connection refused") ||
		strings.Contains(msg, "timeout")
}
