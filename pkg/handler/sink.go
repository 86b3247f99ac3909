package handler

import (
	"log/slog"
	"sync"
	"time"

	"rhythmchamber/pkg/api"
	"rhythmchamber/pkg/config"
	"rhythmchamber/pkg/llm"
)

// gatewaySink adapts pkg/chat.Sink onto a gateway api.MessageResponder,
// mirroring teacher's inline stream-forwarding in
// ChatHandler.processLLMStream/collectChunks: tokens and (optionally)
// thinking blocks are forwarded live over one streaming channel per
// assistant turn, tool dispatch is announced with the "role:system" UI
// signal teacher used before streaming a tool result, and a "thinking"
// signal fires once if no content has arrived within ThinkingInitDelayMs.
type gatewaySink struct {
	responder api.MessageResponder
	session   api.SessionContext
	sysCfg    *config.SystemConfig

	mu        sync.Mutex
	blockCh   chan llm.ContentBlock
	streamErr chan error
	initTimer *time.Timer
}

func newGatewaySink(responder api.MessageResponder, session api.SessionContext, sysCfg *config.SystemConfig) *gatewaySink {
	s := &gatewaySink{responder: responder, session: session, sysCfg: sysCfg}

	delay := 500 * time.Millisecond
	if sysCfg != nil && sysCfg.ThinkingInitDelayMs > 0 {
		delay = time.Duration(sysCfg.ThinkingInitDelayMs) * time.Millisecond
	}
	s.initTimer = time.AfterFunc(delay, func() {
		if err := responder.SendSignal(session, "thinking"); err != nil {
			slog.Debug("failed to send thinking signal", "error", err)
		}
	})
	return s
}

// ensureStream lazily opens the live streaming channel for the current
// assistant turn the first time content arrives.
func (s *gatewaySink) ensureStream() chan llm.ContentBlock {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}

	if s.blockCh != nil {
		return s.blockCh
	}

	buffer := 100
	if s.sysCfg != nil && s.sysCfg.InternalChannelBuffer > 0 {
		buffer = s.sysCfg.InternalChannelBuffer
	}

	blockCh := make(chan llm.ContentBlock, buffer)
	errCh := make(chan error, 1)
	go func() {
		errCh <- s.responder.StreamReply(s.session, blockCh)
	}()

	s.blockCh = blockCh
	s.streamErr = errCh
	return blockCh
}

// closeStream drains and closes the live channel for the turn that just
// ended, so the next assistant message (if the tool-call loop continues)
// opens a fresh one.
func (s *gatewaySink) closeStream() {
	s.mu.Lock()
	blockCh := s.blockCh
	errCh := s.streamErr
	s.blockCh = nil
	s.streamErr = nil
	if s.initTimer != nil {
		s.initTimer.Stop()
		s.initTimer = nil
	}
	s.mu.Unlock()

	if blockCh == nil {
		return
	}
	close(blockCh)
	if err := <-errCh; err != nil {
		slog.Error("failed to stream reply", "error", err)
	}
}

func (s *gatewaySink) OnToken(text string) {
	s.ensureStream() <- llm.NewTextBlock(text)
}

func (s *gatewaySink) OnThinking(text string) {
	if s.sysCfg != nil && !s.sysCfg.ShowThinking {
		return
	}
	s.ensureStream() <- llm.NewThinkingBlock(text)
}

func (s *gatewaySink) OnToolCallStarted(call llm.ToolCall) {
	if err := s.responder.SendSignal(s.session, "thinking"); err != nil {
		slog.Debug("failed to send thinking signal", "error", err)
	}
}

func (s *gatewaySink) OnAssistantMessage(msg llm.Message) {
	s.closeStream()
}

// OnToolResult streams a completed tool-call result back as its own
// "role:system" block, matching teacher's UI contract: the frontend shows
// tool output in a visually distinct lane from the assistant's own words.
func (s *gatewaySink) OnToolResult(msg llm.Message) {
	if err := s.responder.SendSignal(s.session, "role:system"); err != nil {
		slog.Debug("failed to send role:system signal", "error", err)
	}

	ch := make(chan llm.ContentBlock, len(msg.Content))
	for _, b := range msg.Content {
		ch <- b
	}
	close(ch)
	if err := s.responder.StreamReply(s.session, ch); err != nil {
		slog.Error("failed to stream tool result", "error", err)
	}
}
