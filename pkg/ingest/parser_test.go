package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhythmchamber/pkg/model"
)

func sampleStreamsForOverlap() []model.Stream {
	return []model.Stream{
		{Timestamp: time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC), Track: "Strobe", Artist: "Deadmau5", MsPlayed: 300000, CompletionRatio: 1, PlayType: model.PlayTypeFull},
	}
}

func sampleJSON() []byte {
	return []byte(`[
		{"timestamp":"2026-01-01T10:00:00Z","track":"Strobe","artist":"Deadmau5","ms_played":300000,"track_duration_ms":300000},
		{"timestamp":"2026-01-01T11:00:00Z","track":"Ghosts 'n' Stuff","artist":"Deadmau5","ms_played":60000,"track_duration_ms":240000},
		{"timestamp":"2026-01-01T10:00:00Z","track":"Strobe","artist":"Deadmau5","ms_played":300000,"track_duration_ms":300000}
	]`)
}

// drive runs a parser to completion, auto-acking partials and choosing
// ResolutionMerge for any overlap, and returns the terminal event.
func drive(t *testing.T, ctx context.Context, p *Parser) ParserEvent {
	t.Helper()
	var terminal ParserEvent
	for event := range p.Events() {
		switch event.Kind {
		case EventPartial:
			select {
			case p.Signals() <- ControllerSignal{Kind: SignalAck, AckID: event.Partial.AckID}:
			case <-ctx.Done():
				t.Fatal("context cancelled while acking")
			}
		case EventOverlapDetected:
			select {
			case p.Signals() <- ControllerSignal{Kind: SignalOverlapResolution, Resolution: ResolutionMerge}:
			case <-ctx.Done():
				t.Fatal("context cancelled while resolving overlap")
			}
		case EventComplete, EventError:
			terminal = event
		}
	}
	return terminal
}

func TestParserParsesDedupesAndChunkifies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	p := NewParser(Config{BatchSize: 1})
	p.Start(ctx, "history.json", sampleJSON(), nil)

	terminal := drive(t, ctx, p)
	require.Equal(t, EventComplete, terminal.Kind)
	require.Len(t, terminal.Complete.Streams, 2) // exact duplicate collapsed
	assert.NotEmpty(t, terminal.Complete.Chunks)
}

func TestParserRejectsOversizedFile(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := NewParser(Config{MaxFileSizeBytes: 4})
	p.Start(ctx, "history.json", sampleJSON(), nil)

	terminal := drive(t, ctx, p)
	require.Equal(t, EventError, terminal.Kind)
	var ingestErr *Error
	require.ErrorAs(t, terminal.Err, &ingestErr)
	assert.Equal(t, KindValidation, ingestErr.Kind)
}

func TestParserRejectsUnsupportedExtension(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := NewParser(Config{})
	p.Start(ctx, "history.csv", sampleJSON(), nil)

	terminal := drive(t, ctx, p)
	require.Equal(t, EventError, terminal.Kind)
}

func TestParserRejectsArchiveMissingMagicBytes(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := NewParser(Config{})
	p.Start(ctx, "history.zip", []byte("not a real zip"), nil)

	terminal := drive(t, ctx, p)
	require.Equal(t, EventError, terminal.Kind)
	var ingestErr *Error
	require.ErrorAs(t, terminal.Err, &ingestErr)
	assert.Equal(t, KindValidation, ingestErr.Kind)
}

func TestParserSkipsMalformedIndividualRecords(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	data := []byte(`[
		{"timestamp":"2026-01-01T10:00:00Z","track":"Strobe","artist":"Deadmau5","ms_played":300000},
		{"timestamp":"not-a-date","track":"Bad","artist":"Nobody","ms_played":1000},
		{"track":"","artist":"Missing Timestamp","ms_played":1000}
	]`)

	p := NewParser(Config{})
	p.Start(ctx, "history.json", data, nil)

	terminal := drive(t, ctx, p)
	require.Equal(t, EventComplete, terminal.Kind)
	assert.Len(t, terminal.Complete.Streams, 1)
}

func TestParserBackpressureBlocksSecondPartialUntilAck(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := NewParser(Config{BatchSize: 1})
	p.Start(ctx, "history.json", sampleJSON(), nil)

	// Progress events are not gated by the ack; skip past them.
	first := <-p.Events()
	for first.Kind == EventProgress {
		first = <-p.Events()
	}
	require.Equal(t, EventPartial, first.Kind)

	select {
	case second := <-p.Events():
		t.Fatalf("expected no second event before ack, got %v", second.Kind)
	case <-time.After(100 * time.Millisecond):
	}

	p.Signals() <- ControllerSignal{Kind: SignalAck, AckID: first.Partial.AckID}
	// drain the rest so the goroutine exits cleanly
	drive(t, ctx, p)
}

func TestParserDetectsOverlapAgainstExisting(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	p := NewParser(Config{BatchSize: 10})
	existingStreams := sampleStreamsForOverlap()
	p.Start(ctx, "history.json", sampleJSON(), existingStreams)

	sawOverlap := false
	for event := range p.Events() {
		if event.Kind == EventOverlapDetected {
			sawOverlap = true
			p.Signals() <- ControllerSignal{Kind: SignalOverlapResolution, Resolution: ResolutionMerge}
			continue
		}
		if event.Kind == EventPartial {
			p.Signals() <- ControllerSignal{Kind: SignalAck, AckID: event.Partial.AckID}
		}
	}
	assert.True(t, sawOverlap)
}
