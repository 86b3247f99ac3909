package ingest

import "rhythmchamber/pkg/model"

// EventKind identifies the variant of a ParserEvent, per spec.md §4.4's
// message table (progress / memory_warning / memory_resumed / partial /
// overlap_detected / complete / error). Modeled as a flat struct with a
// kind tag and optional payload fields — the same shape teacher's
// llm.StreamChunk uses for its own parser→caller message stream — rather
// than a Go interface-per-variant tagged union, since every consumer just
// switches on Kind the way it switches on StreamChunk.IsFinal/Err.
type EventKind string

const (
	EventProgress        EventKind = "progress"
	EventMemoryWarning   EventKind = "memory_warning"
	EventMemoryResumed   EventKind = "memory_resumed"
	EventPartial         EventKind = "partial"
	EventOverlapDetected EventKind = "overlap_detected"
	EventComplete        EventKind = "complete"
	EventError           EventKind = "error"
)

// PartialBatch is one parsed-and-enriched batch awaiting a controller ack,
// per spec.md §4.4 "partial".
type PartialBatch struct {
	Batch       []model.Stream
	FileIndex   int
	TotalFiles  int
	StreamCount int
	AckID       string
}

// CompleteResult is the terminal success payload, per spec.md §4.4
// "complete".
type CompleteResult struct {
	Streams []model.Stream
	Chunks  []model.Chunk
}

// ParserEvent is one message on the parser→controller channel.
type ParserEvent struct {
	Kind             EventKind
	Progress         string
	MemoryUsageRatio float64
	Partial          *PartialBatch
	Overlap          *model.OverlapStats
	Complete         *CompleteResult
	Err              error
}

// SignalKind identifies the variant of a ControllerSignal.
type SignalKind string

const (
	SignalAck                SignalKind = "ack"
	SignalOverlapResolution  SignalKind = "overlap_resolution"
	SignalAbort              SignalKind = "abort"
)

// OverlapResolution is the controller's decision after an overlap_detected
// event, per spec.md §4.4 "Overlap detection" / §4.5 step 6.
type OverlapResolution string

const (
	ResolutionMerge   OverlapResolution = "merge"
	ResolutionReplace OverlapResolution = "replace"
	ResolutionKeep    OverlapResolution = "keep"
)

// ControllerSignal is one message on the controller→parser channel.
type ControllerSignal struct {
	Kind       SignalKind
	AckID      string
	Resolution OverlapResolution
}
