// Package chat implements the ChatOrchestrator of spec.md §4.12: it holds
// one conversation, drives the router/function-registry loop on every user
// turn, and exposes edit/regenerate/delete/abort over that conversation.
//
// It is ported from win30221-genesis's pkg/agent.AgentEngine (history
// management, streaming fan-out to a progress sink, recursive tool-call
// loop), generalized to route through pkg/provider.Router instead of a bare
// llm.LLMClient and through pkg/tools.Registry instead of api.ToolRegistry,
// and made demo-mode aware via the shared pkg/tools.DataBackend interface.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"rhythmchamber/pkg/llm"
	"rhythmchamber/pkg/tools"
)

// Router is the narrow surface Orchestrator needs from the provider layer,
// satisfied structurally by *pkg/provider.Router.
type Router interface {
	StreamChat(ctx context.Context, messages []llm.Message, toolDefs []llm.ToolDefinition) (<-chan llm.StreamChunk, error)
}

// ToolExecutor is the narrow surface Orchestrator needs from the function
// registry, satisfied structurally by *pkg/tools.Registry.
type ToolExecutor interface {
	GetEnabledSchemas(enablement []string) []*tools.Schema
	Execute(ctx context.Context, name string, rawArgs map[string]any, backend tools.DataBackend) (any, error)
}

// Sink receives every streamed token, thinking block, tool-call fragment,
// and completed message so a caller (an HTTP/WebSocket handler) can relay
// progress to its client, per spec.md §4.12 step 3.
type Sink interface {
	OnToken(text string)
	OnThinking(text string)
	OnToolCallStarted(call llm.ToolCall)
	OnAssistantMessage(msg llm.Message)
	OnToolResult(msg llm.Message)
}

// Config carries the Orchestrator's tunables.
type Config struct {
	SystemPrompt      string
	MaxToolIterations int
	EnabledTools      []string // empty means "every registered tool"
}

func (c Config) withDefaults() Config {
	if c.MaxToolIterations <= 0 {
		c.MaxToolIterations = 8
	}
	return c
}

// Orchestrator is the ChatOrchestrator of spec.md §4.12. One Orchestrator
// owns one conversation and the active request's cancellation token, per
// spec.md §3 "Ownership".
type Orchestrator struct {
	router   Router
	registry ToolExecutor
	backend  tools.DataBackend
	history  *llm.ChatHistory
	cfg      Config

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
}

// New builds an Orchestrator over an existing conversation history. backend
// may be swapped out between turns (e.g. entering/exiting demo mode) via
// SetBackend; it is read fresh on every SendUserMessage.
func New(router Router, registry ToolExecutor, history *llm.ChatHistory, backend tools.DataBackend, cfg Config) *Orchestrator {
	return &Orchestrator{
		router:   router,
		registry: registry,
		backend:  backend,
		history:  history,
		cfg:      cfg.withDefaults(),
	}
}

// SetBackend swaps the active data-query backend, e.g. when demo mode is
// entered or exited (spec.md §4.11 "reads during demo mode go through
// application state").
func (o *Orchestrator) SetBackend(backend tools.DataBackend) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.backend = backend
}

// ErrTurnInFlight is returned when a second turn is started while one is
// still streaming — spec.md §5 "a second turn cannot start while the first
// is streaming".
var ErrTurnInFlight = errors.New("chat: a turn is already in flight")

// SendUserMessage runs spec.md §4.12's full per-turn algorithm: append the
// user message, build the request, stream the response, and recursively
// dispatch any tool calls until a tool-call-free assistant message is
// returned.
func (o *Orchestrator) SendUserMessage(ctx context.Context, text string, sink Sink) error {
	if !o.beginTurn() {
		return ErrTurnInFlight
	}
	defer o.endTurn()

	userMsg := llm.NewUserMessage(text)
	o.history.Add(userMsg)

	turnCtx, cancel := o.armCancel(ctx)
	defer cancel()

	return o.runTurn(turnCtx, sink)
}

// EditMessage truncates the conversation at index (removing index and every
// message after it), appends the edited text as a new user message, and
// re-runs the turn — spec.md §4.12 "Edit ... operations truncate the
// conversation at the target index and re-run from step 2".
func (o *Orchestrator) EditMessage(ctx context.Context, index int, newText string, sink Sink) error {
	if !o.beginTurn() {
		return ErrTurnInFlight
	}
	defer o.endTurn()

	if err := o.truncateAt(index); err != nil {
		return err
	}

	o.history.Add(llm.NewUserMessage(newText))

	turnCtx, cancel := o.armCancel(ctx)
	defer cancel()
	return o.runTurn(turnCtx, sink)
}

// RegenerateFrom truncates the conversation at index (the assistant message
// being regenerated) and re-runs the turn from the preceding user message,
// without appending a new one.
func (o *Orchestrator) RegenerateFrom(ctx context.Context, index int, sink Sink) error {
	if !o.beginTurn() {
		return ErrTurnInFlight
	}
	defer o.endTurn()

	if err := o.truncateAt(index); err != nil {
		return err
	}

	turnCtx, cancel := o.armCancel(ctx)
	defer cancel()
	return o.runTurn(turnCtx, sink)
}

// DeleteMessage removes a single message at index without truncating the
// rest of the transcript — spec.md §4.12 "Delete removes a single message".
func (o *Orchestrator) DeleteMessage(index int) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	msgs := o.history.GetMessages()
	if index < 0 || index >= len(msgs) {
		return fmt.Errorf("chat: delete index %d out of range (len %d)", index, len(msgs))
	}
	kept := append(append([]llm.Message{}, msgs[:index]...), msgs[index+1:]...)
	o.resetMessages(kept)
	return nil
}

// Abort cancels the in-flight request, if any. Cancellation is idempotent
// per spec.md §5.
func (o *Orchestrator) Abort() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.cancel != nil {
		o.cancel()
	}
}

func (o *Orchestrator) beginTurn() bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.running {
		return false
	}
	o.running = true
	return true
}

func (o *Orchestrator) endTurn() {
	o.mu.Lock()
	o.running = false
	o.cancel = nil
	o.mu.Unlock()
}

func (o *Orchestrator) armCancel(ctx context.Context) (context.Context, context.CancelFunc) {
	turnCtx, cancel := context.WithCancel(ctx)
	o.mu.Lock()
	o.cancel = cancel
	o.mu.Unlock()
	return turnCtx, cancel
}

// truncateAt keeps only the messages before index, discarding index and
// everything after it. ChatHistory.TruncateHistory keeps the last N
// messages rather than a prefix, so truncating to an arbitrary index is
// done by rebuilding the history from the kept prefix instead.
func (o *Orchestrator) truncateAt(index int) error {
	msgs := o.history.GetMessages()
	if index < 0 || index >= len(msgs) {
		return fmt.Errorf("chat: truncate index %d out of range (len %d)", index, len(msgs))
	}
	o.resetMessages(append([]llm.Message{}, msgs[:index]...))
	return nil
}

// resetMessages clears the conversation and replays kept in order. It
// relies on ChatHistory.TruncateHistory(0) to clear (preserving a leading
// system message, if any — the orchestrator itself never stores one in
// history, so this never fires in practice) and Add to replay.
func (o *Orchestrator) resetMessages(kept []llm.Message) {
	o.history.TruncateHistory(0)
	for _, m := range kept {
		o.history.Add(m)
	}
}

// runTurn is spec.md §4.12 steps 2-5: build the request, stream it, and
// recursively resolve tool calls until a tool-call-free assistant message
// terminates the loop.
func (o *Orchestrator) runTurn(ctx context.Context, sink Sink) error {
	o.mu.Lock()
	backend := o.backend
	o.mu.Unlock()

	toolDefs := o.toolDefinitions()

	for iter := 0; ; iter++ {
		if iter >= o.cfg.MaxToolIterations {
			return fmt.Errorf("chat: exceeded max tool iterations (%d)", o.cfg.MaxToolIterations)
		}

		requestMsgs := o.buildRequestMessages(backend)

		chunkCh, err := o.router.StreamChat(ctx, requestMsgs, toolDefs)
		if err != nil {
			return err
		}

		assistantMsg, err := o.collectStream(ctx, chunkCh, sink)
		if err != nil {
			return err
		}

		o.history.Add(assistantMsg)
		sink.OnAssistantMessage(assistantMsg)

		if len(assistantMsg.ToolCalls) == 0 {
			return nil
		}

		for _, call := range assistantMsg.ToolCalls {
			sink.OnToolCallStarted(call)
			resultMsg := o.dispatchToolCall(ctx, call, backend)
			o.history.Add(resultMsg)
			sink.OnToolResult(resultMsg)
		}
	}
}

// toolDefinitions renders the enabled schema set into the provider-agnostic
// shape the router forwards to every adapter.
func (o *Orchestrator) toolDefinitions() []llm.ToolDefinition {
	schemas := o.registry.GetEnabledSchemas(o.cfg.EnabledTools)
	defs := make([]llm.ToolDefinition, 0, len(schemas))
	for _, s := range schemas {
		defs = append(defs, llm.ToolDefinition{
			Name:        s.Name,
			Description: s.Description,
			Parameters:  s.Document,
		})
	}
	return defs
}

// buildRequestMessages is spec.md §4.12 step 2: system prompt + (demo-aware)
// data summary + conversation.
func (o *Orchestrator) buildRequestMessages(backend tools.DataBackend) []llm.Message {
	system := o.cfg.SystemPrompt
	if summary := summarizeBackend(backend); summary != "" {
		system = strings.TrimSpace(system + "\n\n" + summary)
	}

	sys := llm.NewSystemMessage(system)
	conversation := o.history.GetMessages()
	out := make([]llm.Message, 0, len(conversation)+1)
	out = append(out, sys)
	out = append(out, conversation...)
	return out
}

// collectStream drains one StreamChat response channel into a single
// assistant message, forwarding tokens/thinking/tool-call fragments to sink
// as they arrive.
func (o *Orchestrator) collectStream(ctx context.Context, chunkCh <-chan llm.StreamChunk, sink Sink) (llm.Message, error) {
	msg := llm.Message{Role: llm.RoleAssistant, Content: []llm.ContentBlock{}}

	for {
		// Checked before the select so an abort wins over a chunk that is
		// already waiting on chunkCh.
		if err := ctx.Err(); err != nil {
			return msg, err
		}
		select {
		case <-ctx.Done():
			return msg, ctx.Err()

		case chunk, ok := <-chunkCh:
			if !ok {
				return msg, nil
			}
			if chunk.Err != nil {
				return msg, chunk.Err
			}

			for _, block := range chunk.ContentBlocks {
				msg.AddContentBlock(block)
				switch block.Type {
				case llm.BlockTypeText:
					sink.OnToken(block.Text)
				case llm.BlockTypeThinking:
					sink.OnThinking(block.Text)
				}
			}

			if len(chunk.ToolCalls) > 0 {
				msg.ToolCalls = append(msg.ToolCalls, chunk.ToolCalls...)
			}

			if chunk.IsFinal {
				return msg, nil
			}
		}
	}
}

// dispatchToolCall is spec.md §4.12 step 4a-b: resolve one tool call
// through the FunctionRegistry against the active (demo-aware) backend and
// build the tool-result message referencing the call id. Execution
// failures are surfaced as the tool result's content rather than aborting
// the turn, mirroring teacher's ResolveAndCommitToolCall panic-safety
// contract ("every tool call results in a tool message being added").
func (o *Orchestrator) dispatchToolCall(ctx context.Context, call llm.ToolCall, backend tools.DataBackend) llm.Message {
	name := strings.TrimPrefix(call.Function.Name, "functions.")

	var args map[string]any
	if call.Function.Arguments != "" {
		if err := json.Unmarshal([]byte(call.Function.Arguments), &args); err != nil {
			return toolResultMessage(call, fmt.Sprintf("error: failed to parse tool arguments: %v", err))
		}
	}

	result, err := o.registry.Execute(ctx, name, args, backend)
	if err != nil {
		return toolResultMessage(call, fmt.Sprintf("error: %v", err))
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		return toolResultMessage(call, fmt.Sprintf("error: failed to encode tool result: %v", err))
	}
	return toolResultMessage(call, string(encoded))
}

func toolResultMessage(call llm.ToolCall, text string) llm.Message {
	return llm.Message{
		Role:       llm.RoleTool,
		ToolCallID: call.ID,
		ToolName:   call.Function.Name,
		Content:    []llm.ContentBlock{llm.NewTextBlock(text)},
	}
}
