package handler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"rhythmchamber/pkg/api"
	"rhythmchamber/pkg/chat"
	"rhythmchamber/pkg/config"
	"rhythmchamber/pkg/llm"
	"rhythmchamber/pkg/tools"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// noToolsSentinel is an enablement list that matches no registered tool
// name. Passed to chat.Config.EnabledTools when system.json turns tool
// calling off entirely, without special-casing the FunctionRegistry's
// "empty enablement means unconstrained" contract.
var noToolsSentinel = []string{"__tools_disabled__"}

// BackendSource resolves the data-query backend that should back the
// current turn — the real catalog, or a demo sandbox once one has been
// activated, per spec.md §4.11 "reads during demo mode go through
// application state".
type BackendSource func() tools.DataBackend

// ChatHandler is the teacher's ChatHandler rebuilt around
// pkg/chat.Orchestrator: instead of owning a single LLM client and a
// single ChatHistory, it keeps one Orchestrator per conversation session
// and bridges its Sink callbacks onto whatever gateway.GatewayManager ends
// up injected as its MessageResponder.
type ChatHandler struct {
	router   chat.Router
	registry chat.ToolExecutor
	sessions *llm.SessionManager
	backend  BackendSource
	config   *config.Config
	sysCfg   *config.SystemConfig

	mu            sync.Mutex
	responder     api.MessageResponder
	orchestrators map[string]*chat.Orchestrator
}

// NewChatHandler builds a ChatHandler wired to the shared router and tool
// registry. The responder is injected later via SetResponder, once
// pkg/gateway.GatewayBuilder has assembled the GatewayManager.
func NewChatHandler(router chat.Router, registry chat.ToolExecutor, sessions *llm.SessionManager, backend BackendSource, cfg *config.Config, sysCfg *config.SystemConfig) *ChatHandler {
	return &ChatHandler{
		router:        router,
		registry:      registry,
		sessions:      sessions,
		backend:       backend,
		config:        cfg,
		sysCfg:        sysCfg,
		orchestrators: make(map[string]*chat.Orchestrator),
	}
}

// SetResponder implements api.ResponderAware.
func (h *ChatHandler) SetResponder(responder api.MessageResponder) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.responder = responder
}

func (h *ChatHandler) currentResponder() api.MessageResponder {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.responder
}

func (h *ChatHandler) currentBackend() tools.DataBackend {
	if h.backend == nil {
		return nil
	}
	return h.backend()
}

// orchestratorFor lazily builds (or reuses) the Orchestrator backing one
// conversation, loading its transcript from the SessionManager.
func (h *ChatHandler) orchestratorFor(session api.SessionContext) (*chat.Orchestrator, error) {
	key := api.SessionKey(session)

	h.mu.Lock()
	defer h.mu.Unlock()

	if o, ok := h.orchestrators[key]; ok {
		return o, nil
	}

	history, err := h.sessions.GetHistory(key)
	if err != nil {
		return nil, fmt.Errorf("handler: load history for %s: %w", key, err)
	}

	var enabled []string
	if h.sysCfg != nil && !h.sysCfg.EnableTools {
		enabled = noToolsSentinel
	}

	o := chat.New(h.router, h.registry, history, h.currentBackend(), chat.Config{
		SystemPrompt: h.config.SystemPrompt,
		EnabledTools: enabled,
	})
	h.orchestrators[key] = o
	return o, nil
}

// OnMessage implements api.MessageProcessor. Slash-prefixed content is
// treated as a direct tool invocation for debugging (teacher's slash
// command ergonomics), bypassing the chat loop entirely; everything else
// runs a full orchestrator turn and streams the reply back through the
// injected MessageResponder.
func (h *ChatHandler) OnMessage(msg *api.UnifiedMessage) {
	start := time.Now()
	slog.Info("message received", "channel", msg.Session.ChannelID, "user", msg.Session.Username, "content", msg.Content, "files", len(msg.Files))

	responder := h.currentResponder()
	if responder == nil {
		slog.Error("chat handler has no responder wired yet")
		return
	}

	if len(msg.Files) > 0 {
		slog.Debug("ignoring attached files: chat turns in this module are text-only", "count", len(msg.Files))
	}

	o, err := h.orchestratorFor(msg.Session)
	if err != nil {
		slog.Error("failed to load conversation", "error", err)
		_ = responder.SendReply(msg.Session, fmt.Sprintf("Error: %v", err))
		return
	}
	// The demo-mode backend can change between turns of the same
	// conversation (a demo sandbox being activated or exited), so refresh
	// it on every message rather than only at orchestrator construction.
	o.SetBackend(h.currentBackend())

	if strings.HasPrefix(msg.Content, "/") {
		h.handleSlashCommand(msg, responder)
		return
	}

	timeout := 10 * time.Minute
	if h.sysCfg != nil && h.sysCfg.LLMTimeoutMs > 0 {
		timeout = time.Duration(h.sysCfg.LLMTimeoutMs) * time.Millisecond
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	// Group this turn's debug chunk logs (if enabled) under the same
	// session key used for history persistence, so a listener's chunks
	// are easy to find alongside their transcript.
	ctx = context.WithValue(ctx, llm.DebugDirContextKey, api.SessionKey(msg.Session))

	sink := newGatewaySink(responder, msg.Session, h.sysCfg)
	if err := o.SendUserMessage(ctx, msg.Content, sink); err != nil {
		sink.closeStream()
		slog.Error("chat turn failed", "error", err)
		_ = responder.SendReply(msg.Session, fmt.Sprintf("Error: %v", err))
		return
	}
	sink.closeStream()

	if err := h.sessions.SaveSession(api.SessionKey(msg.Session)); err != nil {
		slog.Error("failed to persist session", "error", err)
	}

	slog.Info("chat turn finished", "duration", time.Since(start).String())
}

// handleSlashCommand runs a single named tool directly against the active
// backend, outside the conversation loop, for manual debugging: "/getTopArtists
// {"limit":5}".
func (h *ChatHandler) handleSlashCommand(msg *api.UnifiedMessage, responder api.MessageResponder) {
	parts := strings.SplitN(strings.TrimPrefix(msg.Content, "/"), " ", 2)
	toolName := parts[0]

	args := map[string]any{}
	if len(parts) > 1 && strings.TrimSpace(parts[1]) != "" {
		if err := json.Unmarshal([]byte(parts[1]), &args); err != nil {
			_ = responder.SendReply(msg.Session, fmt.Sprintf("parameter parsing failed: %v", err))
			return
		}
	}

	_ = responder.SendReply(msg.Session, fmt.Sprintf("manually executing tool: %s...", toolName))

	result, err := h.registry.Execute(context.Background(), toolName, args, h.currentBackend())
	if err != nil {
		_ = responder.SendReply(msg.Session, fmt.Sprintf("execution error: %v", err))
		return
	}

	encoded, err := json.Marshal(result)
	if err != nil {
		_ = responder.SendReply(msg.Session, fmt.Sprintf("failed to encode result: %v", err))
		return
	}
	_ = responder.SendReply(msg.Session, string(encoded))
}
