package ingest

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rhythmchamber/pkg/lock"
	"rhythmchamber/pkg/model"
)

type fakeStore struct {
	mu          sync.Mutex
	streams     []model.Stream
	chunks      []model.Chunk
	patterns    *model.PatternSet
	personality *model.Personality
	events      []string
	appendErr   error
}

func (f *fakeStore) Streams() []model.Stream { return f.streams }

func (f *fakeStore) AppendStreams(s []model.Stream) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	f.streams = append(f.streams, s...)
	return nil
}

func (f *fakeStore) ReplaceChunks(c []model.Chunk) error {
	f.chunks = c
	return nil
}

func (f *fakeStore) SetPatterns(p *model.PatternSet) { f.patterns = p }

func (f *fakeStore) SavePersonality(p *model.Personality) error {
	f.personality = p
	return nil
}

func (f *fakeStore) AppendEventLog(operation, detail string) error {
	f.events = append(f.events, operation+":"+detail)
	return nil
}

type fakeDetector struct{}

func (fakeDetector) DetectPatterns(streams []model.Stream, chunks []model.Chunk) (*model.PatternSet, error) {
	ps := model.NewPatternSet()
	ps.Set("stream_count", model.PatternResult{Value: len(streams)})
	return ps, nil
}

type fakeClassifier struct{}

func (fakeClassifier) Classify(patterns *model.PatternSet) (*model.Personality, error) {
	return &model.Personality{Label: "Test Persona", Evidence: []string{"stream_count"}}, nil
}

type fakeSink struct {
	mu     sync.Mutex
	events []ParserEvent
	states []State
	toasts []string
}

func (f *fakeSink) OnEvent(e ParserEvent) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, e)
}

func (f *fakeSink) OnStateChange(s State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
}

func (f *fakeSink) Toast(message string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.toasts = append(f.toasts, message)
}

func TestControllerHandleFileUploadHappyPath(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{}
	c := NewController(lock.New(), store, fakeDetector{}, fakeClassifier{}, Config{BatchSize: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.HandleFileUpload(ctx, FileSource{Name: "history.json", Data: sampleJSON()}, nil, sink)
	require.NoError(t, err)

	assert.Contains(t, sink.states, StateProcessing)
	assert.Contains(t, sink.states, StateReveal)
	assert.Len(t, store.streams, 2)
	require.NotNil(t, store.personality)
	assert.Equal(t, "Test Persona", store.personality.Label)
}

func TestControllerHandleFileUploadSurfacesParseError(t *testing.T) {
	store := &fakeStore{}
	sink := &fakeSink{}
	c := NewController(lock.New(), store, fakeDetector{}, fakeClassifier{}, Config{})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.HandleFileUpload(ctx, FileSource{Name: "history.csv", Data: sampleJSON()}, nil, sink)
	require.Error(t, err)
	assert.Contains(t, sink.states, StateIdle)
	assert.NotEmpty(t, sink.toasts)
}

func TestControllerHandleFileUploadReleasesLockOnConflict(t *testing.T) {
	locks := lock.New()
	store := &fakeStore{}
	sink := &fakeSink{}
	c := NewController(locks, store, fakeDetector{}, fakeClassifier{}, Config{BatchSize: 1})

	// file_processing's conflict set is {demo_load, reset}; holding reset
	// blocks a fresh file_processing acquisition.
	token, err := locks.Acquire("reset", lock.Options{Conflicts: lock.MusicConflictSet("reset")})
	require.NoError(t, err)
	defer locks.Release("reset", token)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	err = c.HandleFileUpload(ctx, FileSource{Name: "history.json", Data: sampleJSON()}, nil, sink)
	require.Error(t, err)
	assert.NotEmpty(t, sink.toasts)
	assert.False(t, locks.IsLocked("file_processing"))
}

func TestControllerHandleFileUploadPropagatesAppendFailure(t *testing.T) {
	store := &fakeStore{appendErr: assertAppendErr}
	sink := &fakeSink{}
	c := NewController(lock.New(), store, fakeDetector{}, fakeClassifier{}, Config{BatchSize: 1})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err := c.HandleFileUpload(ctx, FileSource{Name: "history.json", Data: sampleJSON()}, nil, sink)
	require.Error(t, err)
	var ingestErr *Error
	require.ErrorAs(t, err, &ingestErr)
	assert.Equal(t, KindStorage, ingestErr.Kind)
}

var assertAppendErr = fakeAppendErr{}

type fakeAppendErr struct{}

func (fakeAppendErr) Error() string { return "disk full" }
