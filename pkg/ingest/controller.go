package ingest

import (
	"context"
	"log/slog"
	"sync"

	"rhythmchamber/pkg/lock"
	"rhythmchamber/pkg/model"
)

// State is the UI-facing upload lifecycle state, per spec.md §4.5 step 2/7/8.
type State string

const (
	StateIdle       State = "idle"
	StateProcessing State = "processing"
	StateReveal     State = "reveal"
)

// Sink receives every parser event and state transition so a caller (an
// HTTP handler, a WebSocket hub) can relay progress to its client.
type Sink interface {
	OnEvent(ParserEvent)
	OnStateChange(State)
	Toast(message string)
}

// OverlapResolver decides how to handle a detected temporal overlap; the
// zero value behaves as ResolutionMerge.
type OverlapResolver func(model.OverlapStats) OverlapResolution

// Store is the narrow persistence surface IngestionController needs,
// satisfied directly by *pkg/storage.Store (structural typing — no import
// cycle).
type Store interface {
	Streams() []model.Stream
	AppendStreams([]model.Stream) error
	ReplaceChunks([]model.Chunk) error
	SetPatterns(*model.PatternSet)
	SavePersonality(*model.Personality) error
	AppendEventLog(operation, detail string) error
}

// FileSource is the uploaded input, already read into memory (the
// preconditions cap its size before this point).
type FileSource struct {
	Name string
	Data []byte
}

// Controller is the IngestionController of spec.md §4.5: orchestrates the
// parser worker against the lock, storage, and the external
// PatternDetector/PersonalityClassifier collaborators.
type Controller struct {
	lock       *lock.OperationLock
	store      Store
	detector   model.PatternDetector
	classifier model.PersonalityClassifier
	cfg        Config

	mu     sync.Mutex
	cancel context.CancelFunc
}

// NewController wires a Controller against its collaborators.
func NewController(locks *lock.OperationLock, store Store, detector model.PatternDetector, classifier model.PersonalityClassifier, cfg Config) *Controller {
	return &Controller{lock: locks, store: store, detector: detector, classifier: classifier, cfg: cfg.withDefaults()}
}

// HandleFileUpload runs the full ingestion algorithm of spec.md §4.5:
// acquire the file_processing lock, spawn the parser, react to each event,
// and on complete, run pattern detection + personality classification and
// persist the final artifacts. In every exit path the lock is released and
// the parser's context is cancelled.
func (c *Controller) HandleFileUpload(ctx context.Context, src FileSource, resolver OverlapResolver, sink Sink) error {
	token, err := c.lock.Acquire("file_processing", lock.Options{WaitMs: 0, Conflicts: lock.MusicConflictSet("file_processing")})
	if err != nil {
		sink.Toast("an ingestion or reset is already in progress, please retry")
		return err
	}

	uploadCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.cancel = nil
		c.mu.Unlock()
		cancel()
		if relErr := c.lock.Release("file_processing", token); relErr != nil {
			slog.Error("release file_processing lock", "error", relErr)
		}
	}()

	sink.OnStateChange(StateProcessing)

	existing := c.store.Streams()
	parser := NewParser(c.cfg)
	parser.Start(uploadCtx, src.Name, src.Data, existing)

	for event := range parser.Events() {
		sink.OnEvent(event)

		switch event.Kind {
		case EventPartial:
			if err := c.store.AppendStreams(event.Partial.Batch); err != nil {
				select {
				case parser.Signals() <- ControllerSignal{Kind: SignalAbort}:
				case <-uploadCtx.Done():
				}
				sink.OnStateChange(StateIdle)
				sink.Toast("failed to save progress")
				return storageErr(err)
			}
			select {
			case parser.Signals() <- ControllerSignal{Kind: SignalAck, AckID: event.Partial.AckID}:
			case <-uploadCtx.Done():
				return uploadCtx.Err()
			}

		case EventOverlapDetected:
			resolution := ResolutionMerge
			if resolver != nil {
				resolution = resolver(*event.Overlap)
			}
			select {
			case parser.Signals() <- ControllerSignal{Kind: SignalOverlapResolution, Resolution: resolution}:
			case <-uploadCtx.Done():
				return uploadCtx.Err()
			}

		case EventComplete:
			return c.finishIngestion(event.Complete, sink)

		case EventError:
			sink.OnStateChange(StateIdle)
			sink.Toast("ingestion failed")
			if event.Err != nil {
				_ = c.store.AppendEventLog("ingest_error", event.Err.Error())
			}
			return event.Err
		}
	}
	return nil
}

func (c *Controller) finishIngestion(result *CompleteResult, sink Sink) error {
	patterns, err := c.detector.DetectPatterns(result.Streams, result.Chunks)
	if err != nil {
		sink.OnStateChange(StateIdle)
		sink.Toast("pattern detection failed")
		return err
	}
	personality, err := c.classifier.Classify(patterns)
	if err != nil {
		sink.OnStateChange(StateIdle)
		sink.Toast("personality classification failed")
		return err
	}
	if err := c.store.ReplaceChunks(result.Chunks); err != nil {
		return storageErr(err)
	}
	c.store.SetPatterns(patterns)
	if err := c.store.SavePersonality(personality); err != nil {
		return storageErr(err)
	}
	sink.OnStateChange(StateReveal)
	return nil
}

// CancelProcessing aborts the in-flight upload, if any. The parser's
// context-cancellation path terminates idempotently; HandleFileUpload's
// deferred cleanup releases the lock.
func (c *Controller) CancelProcessing() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}
