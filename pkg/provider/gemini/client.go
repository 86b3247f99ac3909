// Package gemini adapts Google's genai SDK to the provider.Adapter
// interface, ported from win30221-genesis's pkg/llm/gemini/client.go.
package gemini

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"google.golang.org/genai"

	"rhythmchamber/pkg/config"
	"rhythmchamber/pkg/llm"
)

// Client is a Gemini chat-completions adapter for a single model.
type Client struct {
	client     *genai.Client
	model      string
	useThought bool
	sysConfig  *config.SystemConfig
	options    map[string]any
}

// New creates a Gemini adapter with a single model and API key.
func New(apiKey string, model string, useThought bool, options map[string]any, sys *config.SystemConfig) (*Client, error) {
	ctx := context.Background()
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}

	return &Client{
		client:     client,
		model:      model,
		useThought: useThought,
		options:    options,
		sysConfig:  sys,
	}, nil
}

func (g *Client) Name() string { return "gemini:" + g.model }

// HealthCheck issues a minimal, cheap generation call to confirm the API
// key and model are reachable without streaming a full response.
func (g *Client) HealthCheck(ctx context.Context) error {
	_, err := g.client.Models.GenerateContent(ctx, g.model, []*genai.Content{
		{Role: "user", Parts: []*genai.Part{{Text: "ping"}}},
	}, &genai.GenerateContentConfig{MaxOutputTokens: 1})
	return err
}

func formatModality(details []*genai.ModalityTokenCount) string {
	if len(details) == 0 {
		return "0"
	}
	var res []string
	for _, d := range details {
		res = append(res, fmt.Sprintf("%v: %d", d.Modality, d.TokenCount))
	}
	return strings.Join(res, " | ")
}

// StreamChat implements provider.Adapter.
func (g *Client) StreamChat(ctx context.Context, messages []llm.Message, availableTools []llm.ToolDefinition) (<-chan llm.StreamChunk, error) {
	apiMessages, systemInstruction := g.convertMessages(messages)

	var genaiTools []*genai.Tool
	if len(availableTools) > 0 {
		var fds []*genai.FunctionDeclaration
		for _, t := range availableTools {
			fd := &genai.FunctionDeclaration{
				Name:        t.Name,
				Description: t.Description,
			}
			if t.Parameters != nil {
				schemaB, _ := json.Marshal(t.Parameters)
				var schema genai.Schema
				if err := json.Unmarshal(schemaB, &schema); err == nil {
					fd.Parameters = &schema
				}
			}
			fds = append(fds, fd)
		}
		if len(fds) > 0 {
			genaiTools = append(genaiTools, &genai.Tool{FunctionDeclarations: fds})
		}
	}

	chunkCh := make(chan llm.StreamChunk, 100)
	startResultCh := make(chan error, 1)

	slog.InfoContext(ctx, "streaming", "provider", g.Name())

	go func() {
		defer close(chunkCh)

		var thinkingCfg *genai.ThinkingConfig
		if g.useThought {
			thinkingCfg = &genai.ThinkingConfig{IncludeThoughts: true}
		}

		genConfig := &genai.GenerateContentConfig{
			SystemInstruction: systemInstruction,
			Tools:             genaiTools,
			ThinkingConfig:    thinkingCfg,
		}

		if t, ok := g.options["temperature"].(float64); ok {
			t32 := float32(t)
			genConfig.Temperature = &t32
		}
		if p, ok := g.options["top_p"].(float64); ok {
			p32 := float32(p)
			genConfig.TopP = &p32
		}
		if maxTok, ok := g.options["max_tokens"].(float64); ok {
			genConfig.MaxOutputTokens = int32(maxTok)
		}

		iter := g.client.Models.GenerateContentStream(ctx, g.model, apiMessages, genConfig)

		started := false
		var lastUsage *llm.LLMUsage

		debugger := llm.NewStreamDebugger(ctx, "gemini", g.sysConfig)
		defer debugger.Close()

		for resp, err := range iter {
			if resp != nil {
				jsonData, _ := json.Marshal(resp)
				debugger.Write(jsonData)
			}

			if err != nil {
				if resp == nil {
					slog.ErrorContext(ctx, "stream error", "provider", g.Name(), "error", err)
					if !started {
						startResultCh <- err
					} else {
						chunkCh <- llm.NewErrorChunk(fmt.Sprintf("stream interrupted: %v", err), err, true)
					}
					return
				}
				slog.WarnContext(ctx, "stream error with data", "provider", g.Name(), "error", err)
			}

			if !started {
				started = true
				startResultCh <- nil
			}

			if resp.UsageMetadata != nil {
				u := resp.UsageMetadata
				lastUsage = &llm.LLMUsage{
					PromptTokens:     int(u.PromptTokenCount),
					PromptDetail:     formatModality(u.PromptTokensDetails),
					CompletionTokens: int(u.CandidatesTokenCount),
					CompletionDetail: formatModality(u.CandidatesTokensDetails),
					TotalTokens:      int(u.TotalTokenCount),
					ThoughtsTokens:   int(u.ThoughtsTokenCount),
					CachedTokens:     int(u.CachedContentTokenCount),
				}
			}

			for _, candidate := range resp.Candidates {
				if candidate.FinishReason != "" && lastUsage != nil {
					lastUsage.StopReason = normalizeStopReason(string(candidate.FinishReason))
				}
				if candidate.Content == nil {
					continue
				}

				var blocks []llm.ContentBlock
				var toolCalls []llm.ToolCall

				for _, part := range candidate.Content.Parts {
					if part.Text != "" {
						if part.Thought {
							blocks = append(blocks, llm.ContentBlock{Type: llm.BlockTypeThinking, Text: part.Text})
						} else {
							blocks = append(blocks, llm.ContentBlock{Type: llm.BlockTypeText, Text: part.Text})
						}
					}

					if part.FunctionCall != nil {
						argsB, _ := json.Marshal(part.FunctionCall.Args)

						var providerMetadata map[string]any
						if len(part.ThoughtSignature) > 0 {
							providerMetadata = map[string]any{"thought_signature": part.ThoughtSignature}
						}

						toolCalls = append(toolCalls, llm.ToolCall{
							Name: part.FunctionCall.Name,
							Function: llm.FunctionCall{
								Name:      part.FunctionCall.Name,
								Arguments: string(argsB),
							},
							ProviderMetadata: providerMetadata,
							Meta: map[string]any{
								"gemini_function_call":     part.FunctionCall,
								"gemini_thought_signature": part.ThoughtSignature,
							},
						})
					}
				}

				if len(blocks) > 0 || len(toolCalls) > 0 {
					chunkCh <- llm.StreamChunk{ContentBlocks: blocks, ToolCalls: toolCalls}
				}
			}
		}

		if lastUsage != nil {
			chunkCh <- llm.NewFinalChunk(lastUsage.StopReason, lastUsage)
			llm.LogUsage(g.model, lastUsage)
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

func (g *Client) convertMessages(messages []llm.Message) ([]*genai.Content, *genai.Content) {
	var genaiContents []*genai.Content
	var systemInstruction *genai.Content

	for _, msg := range messages {
		if msg.Role == llm.RoleSystem {
			var parts []*genai.Part
			for _, block := range msg.Content {
				if block.Type == llm.BlockTypeText && block.Text != "" {
					parts = append(parts, &genai.Part{Text: block.Text})
				}
			}
			if len(parts) > 0 {
				systemInstruction = &genai.Content{Parts: parts}
			}
			continue
		}

		role := "user"
		if msg.Role == llm.RoleAssistant {
			role = "model"
		}

		if msg.Role == llm.RoleTool {
			result := ""
			if len(msg.Content) > 0 {
				result = msg.Content[0].Text
			}
			genaiContents = append(genaiContents, &genai.Content{
				Role: "user",
				Parts: []*genai.Part{{
					FunctionResponse: &genai.FunctionResponse{
						Name:     msg.ToolName,
						Response: map[string]any{"result": result},
					},
				}},
			})
			continue
		}

		var parts []*genai.Part

		for _, block := range msg.Content {
			switch block.Type {
			case llm.BlockTypeText:
				if block.Text == "" {
					continue
				}
				parts = append(parts, &genai.Part{Text: block.Text})
			case llm.BlockTypeThinking:
				if block.Text == "" {
					continue
				}
				parts = append(parts, &genai.Part{Text: block.Text, Thought: true})
			case llm.BlockTypeImage:
				if block.Source == nil || len(block.Source.Data) == 0 {
					continue
				}
				parts = append(parts, &genai.Part{
					InlineData: &genai.Blob{MIMEType: block.Source.MediaType, Data: block.Source.Data},
				})
			}
		}

		if len(msg.ToolCalls) > 0 {
			for _, tc := range msg.ToolCalls {
				if tc.Meta != nil {
					originalFC, ok1 := tc.Meta["gemini_function_call"].(*genai.FunctionCall)
					sig, ok2 := tc.Meta["gemini_thought_signature"].([]byte)
					if ok1 && ok2 {
						parts = append(parts, &genai.Part{FunctionCall: originalFC, ThoughtSignature: sig})
						continue
					}
				}

				var args map[string]any
				json.Unmarshal([]byte(tc.Function.Arguments), &args)

				fc := &genai.FunctionCall{Name: tc.Function.Name, Args: args}

				var thoughtSig []byte
				if tc.ProviderMetadata != nil {
					if sig, ok := tc.ProviderMetadata["thought_signature"]; ok {
						if b, ok := sig.([]byte); ok {
							thoughtSig = b
						} else if s, ok := sig.(string); ok {
							thoughtSig = []byte(s)
						}
					}
				}

				parts = append(parts, &genai.Part{FunctionCall: fc, ThoughtSignature: thoughtSig})
			}
		}

		if len(parts) > 0 {
			genaiContents = append(genaiContents, &genai.Content{Role: role, Parts: parts})
		}
	}

	return genaiContents, systemInstruction
}

func normalizeStopReason(reason string) string {
	switch strings.ToUpper(reason) {
	case "STOP", "FINISH_REASON_STOP":
		return llm.StopReasonStop
	case "MAX_TOKENS", "FINISH_REASON_MAX_TOKENS":
		return llm.StopReasonLength
	default:
		return strings.ToLower(reason)
	}
}

// IsTransientError reports whether err is worth retrying against this
// provider (503/429/500 and network-level failures).
func IsTransientError(err error) bool {
	if err == nil {
		return false
	}
	errMsg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(errMsg, "503"), strings.Contains(errMsg, "overloaded"):
		return true
	case strings.Contains(errMsg, "429"), strings.Contains(errMsg, "resource exhausted"):
		return true
	case strings.Contains(errMsg, "500"), strings.Contains(errMsg, "internal error"):
		return true
	case strings.Contains(errMsg, "timeout"), strings.Contains(errMsg, "connection refused"), strings.Contains(errMsg, "context deadline exceeded"):
		return true
	default:
		return false
	}
}
