// Package ingest implements StreamParser and IngestionController (spec.md
// §4.4/§4.5): a goroutine-based worker that parses, normalizes, and
// chunkifies an uploaded listening-history export under backpressure and
// memory pressure, and a controller that orchestrates it against the lock,
// storage, and external pattern/personality collaborators.
package ingest

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"path/filepath"
	"runtime"
	"sort"
	"strings"
	"time"

	jsoniter "github.com/json-iterator/go"

	"rhythmchamber/pkg/model"
)

// json mirrors teacher's pkg/channels/web.json alias: jsoniter in
// stdlib-compatible mode, used for the stream export's snake_case records.
var json = jsoniter.ConfigCompatibleWithStandardLibrary

var archiveMagic = []byte{0x50, 0x4B, 0x03, 0x04} // "PK\x03\x04"

// Config tunes the parser's batching, size cap, and memory-pressure
// thresholds.
type Config struct {
	BatchSize             int           // records per partial batch; default 500
	MaxFileSizeBytes      int64         // default 500 MiB, per spec.md §6
	MemoryBudgetBytes     uint64        // HeapAlloc budget the high/low water marks are fractions of
	MemoryHighWaterRatio  float64       // default 0.85
	MemoryLowWaterRatio   float64       // default 0.6
	MemoryPollInterval    time.Duration // default 50ms
	BucketType            model.BucketType
}

func (c Config) withDefaults() Config {
	if c.BatchSize <= 0 {
		c.BatchSize = 500
	}
	if c.MaxFileSizeBytes <= 0 {
		c.MaxFileSizeBytes = 500 * 1024 * 1024
	}
	if c.MemoryBudgetBytes == 0 {
		c.MemoryBudgetBytes = 1 * 1024 * 1024 * 1024 // 1 GiB default worker budget
	}
	if c.MemoryHighWaterRatio <= 0 {
		c.MemoryHighWaterRatio = 0.85
	}
	if c.MemoryLowWaterRatio <= 0 {
		c.MemoryLowWaterRatio = 0.6
	}
	if c.MemoryPollInterval <= 0 {
		c.MemoryPollInterval = 50 * time.Millisecond
	}
	if c.BucketType == "" {
		c.BucketType = model.BucketWeekly
	}
	return c
}

type member struct {
	name string
	data []byte
}

type fileKind string

const (
	kindArchive fileKind = "archive"
	kindJSON    fileKind = "json"
)

// Parser is the off-thread worker of spec.md §4.4, realized as a Go
// goroutine communicating over two disjoint channels.
type Parser struct {
	cfg     Config
	events  chan ParserEvent
	signals chan ControllerSignal
}

// NewParser returns a parser ready for a single Start call.
func NewParser(cfg Config) *Parser {
	return &Parser{
		cfg:     cfg.withDefaults(),
		events:  make(chan ParserEvent),
		signals: make(chan ControllerSignal),
	}
}

// Events is the parser→controller channel.
func (p *Parser) Events() <-chan ParserEvent { return p.events }

// Signals is the controller→parser channel.
func (p *Parser) Signals() chan<- ControllerSignal { return p.signals }

// Start runs the parse in its own goroutine against name/data, comparing
// against existing (pre-existing storage streams) for overlap detection.
// Events closes when the worker terminates, for any reason.
func (p *Parser) Start(ctx context.Context, name string, data []byte, existing []model.Stream) {
	go p.run(ctx, name, data, existing)
}

func (p *Parser) run(ctx context.Context, name string, data []byte, existing []model.Stream) {
	defer close(p.events)

	if int64(len(data)) > p.cfg.MaxFileSizeBytes {
		p.emit(ctx, ParserEvent{Kind: EventError, Err: validationErr("file %q exceeds size cap of %d bytes", name, p.cfg.MaxFileSizeBytes)})
		return
	}

	kind, err := detectKind(name, data)
	if err != nil {
		p.emit(ctx, ParserEvent{Kind: EventError, Err: err})
		return
	}

	members, err := extractMembers(kind, name, data)
	if err != nil {
		p.emit(ctx, ParserEvent{Kind: EventError, Err: err})
		return
	}

	var all []model.Stream
	for idx, m := range members {
		if !p.emit(ctx, ParserEvent{Kind: EventProgress, Progress: fmt.Sprintf("parsing %s (%d/%d)", m.name, idx+1, len(members))}) {
			return
		}
		records, _, err := parseRecords(m.data)
		if err != nil {
			p.emit(ctx, ParserEvent{Kind: EventError, Err: parseErr(err)})
			return
		}
		all = append(all, records...)
	}

	deduped, _ := model.SortMergeDedup(all)

	if len(existing) > 0 {
		stats := model.DetectOverlap(existing, deduped)
		if stats.ExactDuplicate > 0 || !stats.OverlapStart.IsZero() {
			if !p.emit(ctx, ParserEvent{Kind: EventOverlapDetected, Overlap: &stats}) {
				return
			}
			if !p.waitForResolution(ctx) {
				return
			}
		}
	}

	if !p.emitBatches(ctx, name, deduped, len(members)) {
		return
	}

	chunks := model.Chunkify(deduped, p.cfg.BucketType)
	p.emit(ctx, ParserEvent{Kind: EventComplete, Complete: &CompleteResult{Streams: deduped, Chunks: chunks}})
}

func (p *Parser) emitBatches(ctx context.Context, name string, streams []model.Stream, totalFiles int) bool {
	ackCounter := 0
	for start := 0; start < len(streams); start += p.cfg.BatchSize {
		end := start + p.cfg.BatchSize
		if end > len(streams) {
			end = len(streams)
		}
		batch := append([]model.Stream(nil), streams[start:end]...)

		if !p.waitForMemoryHeadroom(ctx) {
			return false
		}

		ackCounter++
		ackID := fmt.Sprintf("%s-%d", name, ackCounter)
		if !p.emit(ctx, ParserEvent{Kind: EventPartial, Partial: &PartialBatch{
			Batch:       batch,
			FileIndex:   0,
			TotalFiles:  totalFiles,
			StreamCount: len(batch),
			AckID:       ackID,
		}}) {
			return false
		}
		if !p.waitForAck(ctx, ackID) {
			return false
		}
	}
	return true
}

// waitForMemoryHeadroom samples runtime heap usage and, when above the
// high-water mark, emits memory_warning and blocks until usage drops below
// the low-water mark (emitting memory_resumed), per spec.md §4.4.
func (p *Parser) waitForMemoryHeadroom(ctx context.Context) bool {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	ratio := float64(mem.HeapAlloc) / float64(p.cfg.MemoryBudgetBytes)
	if ratio < p.cfg.MemoryHighWaterRatio {
		return true
	}
	if !p.emit(ctx, ParserEvent{Kind: EventMemoryWarning, MemoryUsageRatio: ratio}) {
		return false
	}

	ticker := time.NewTicker(p.cfg.MemoryPollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
			runtime.ReadMemStats(&mem)
			ratio = float64(mem.HeapAlloc) / float64(p.cfg.MemoryBudgetBytes)
			if ratio < p.cfg.MemoryLowWaterRatio {
				return p.emit(ctx, ParserEvent{Kind: EventMemoryResumed})
			}
		}
	}
}

// waitForAck blocks until a matching SignalAck, SignalAbort, or ctx
// cancellation — at most one outstanding unacknowledged partial at a time.
func (p *Parser) waitForAck(ctx context.Context, ackID string) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sig, ok := <-p.signals:
			if !ok {
				return false
			}
			switch sig.Kind {
			case SignalAbort:
				return false
			case SignalAck:
				if sig.AckID == ackID {
					return true
				}
			}
		}
	}
}

func (p *Parser) waitForResolution(ctx context.Context) bool {
	for {
		select {
		case <-ctx.Done():
			return false
		case sig, ok := <-p.signals:
			if !ok {
				return false
			}
			switch sig.Kind {
			case SignalAbort:
				return false
			case SignalOverlapResolution:
				return true
			}
		}
	}
}

func (p *Parser) emit(ctx context.Context, event ParserEvent) bool {
	select {
	case p.events <- event:
		return true
	case <-ctx.Done():
		return false
	}
}

func detectKind(name string, data []byte) (fileKind, error) {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".zip":
		if len(data) < 4 || !bytes.Equal(data[:4], archiveMagic) {
			return "", validationErr("file %q missing archive magic bytes", name)
		}
		return kindArchive, nil
	case ".json":
		return kindJSON, nil
	default:
		return "", validationErr("unsupported file extension %q", ext)
	}
}

// extractMembers enumerates history-shaped members: for an archive, every
// non-directory entry with a .json suffix (sorted by name for determinism);
// for a plain JSON input, the file itself is the sole member.
func extractMembers(kind fileKind, name string, data []byte) ([]member, error) {
	if kind == kindJSON {
		return []member{{name: name, data: data}}, nil
	}

	reader, err := zip.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return nil, parseErr(err)
	}

	var members []member
	for _, f := range reader.File {
		if f.FileInfo().IsDir() || !strings.HasSuffix(strings.ToLower(f.Name), ".json") {
			continue
		}
		rc, err := f.Open()
		if err != nil {
			return nil, parseErr(err)
		}
		content, err := io.ReadAll(rc)
		rc.Close()
		if err != nil {
			return nil, parseErr(err)
		}
		members = append(members, member{name: f.Name, data: content})
	}
	sort.Slice(members, func(i, j int) bool { return members[i].name < members[j].name })

	if len(members) == 0 {
		return nil, validationErr("archive %q contains no history-shaped members", name)
	}
	return members, nil
}

// rawRecord is the on-disk shape of one exported play record.
type rawRecord struct {
	Timestamp       string `json:"timestamp"`
	Track           string `json:"track"`
	Artist          string `json:"artist"`
	Album           string `json:"album"`
	MsPlayed        int64  `json:"ms_played"`
	TrackDurationMs int64  `json:"track_duration_ms"`
	SourcePlatform  string `json:"source_platform"`
	Shuffle         bool   `json:"shuffle"`
	Skipped         bool   `json:"skipped"`
	Offline         bool   `json:"offline"`
	StartReason     string `json:"start_reason"`
	EndReason       string `json:"end_reason"`
}

// parseRecords decodes member data as a JSON array of rawRecord, enriching
// each into a model.Stream. A malformed top-level document is fatal;
// individual record failures are counted and skipped, per spec.md §4.4
// "Individual record parse failures → counted and skipped."
func parseRecords(data []byte) (streams []model.Stream, skipped int, err error) {
	var raw []jsoniter.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, 0, err
	}

	streams = make([]model.Stream, 0, len(raw))
	for _, r := range raw {
		var rec rawRecord
		if err := json.Unmarshal(r, &rec); err != nil {
			skipped++
			continue
		}
		ts, err := time.Parse(time.RFC3339, rec.Timestamp)
		if err != nil {
			skipped++
			continue
		}
		if rec.Track == "" || rec.MsPlayed < 0 {
			skipped++
			continue
		}
		s := model.Stream{
			Timestamp:       ts.UTC(),
			Track:           rec.Track,
			Artist:          rec.Artist,
			Album:           rec.Album,
			MsPlayed:        rec.MsPlayed,
			SourcePlatform:  rec.SourcePlatform,
			Shuffle:         rec.Shuffle,
			Skipped:         rec.Skipped,
			Offline:         rec.Offline,
			StartReason:     rec.StartReason,
			EndReason:       rec.EndReason,
			TrackDurationMs: rec.TrackDurationMs,
		}
		s.EnrichCompletion()
		streams = append(streams, s)
	}
	return streams, skipped, nil
}
