// Package httpapi wires IngestionController, storage.DemoStore, and
// tabs.CoordinatorRegistry onto plain HTTP handlers, using the same
// net/http.ServeMux style pkg/channels/web.WebChannel already uses for its
// websocket route. Keeping these as handlers a caller registers onto an
// existing mux (rather than a second http.Server) lets pkg/channels/web
// expose them alongside "/ws" on the same port. Demo mode is switched
// through the /api/demo routes; no handler here reads mode=demo,
// mode=spotify, code= or error= URL parameters.
package httpapi

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"rhythmchamber/pkg/ingest"
	"rhythmchamber/pkg/model"
	"rhythmchamber/pkg/storage"
	"rhythmchamber/pkg/tabs"
)

// fallbackMaxUploadBytes mirrors ingest.Config's own default MaxFileSizeBytes
// and is only used when New is called with maxUploadBytes <= 0 (e.g. tests
// that don't care about the cap).
const fallbackMaxUploadBytes = 500 * 1024 * 1024

// API bundles the HTTP handlers for the orchestration surfaces spec.md
// describes only as UI-internal calls: file upload, demo activation, and
// tab liveness.
type API struct {
	ingest         *ingest.Controller
	demo           *storage.DemoStore
	tabs           *tabs.CoordinatorRegistry
	maxUploadBytes int64
}

// defaultOrigin names the Coordinator used when a request carries no Origin
// header (same-origin requests, curl, tests) — single-deployment setups
// behave exactly as if one fixed origin had been wired in directly.
const defaultOrigin = "rhythmchamber"

// New builds an API. Any collaborator may be nil; its endpoints then answer
// 503 rather than panicking. maxUploadBytes should come from
// config.SystemConfig.IngestMaxFileSizeBytes so the HTTP-level cap always
// matches the parser's own limit; a value <= 0 falls back to the parser's
// built-in default.
func New(ingestCtrl *ingest.Controller, demo *storage.DemoStore, coordinators *tabs.CoordinatorRegistry, maxUploadBytes int64) *API {
	if maxUploadBytes <= 0 {
		maxUploadBytes = fallbackMaxUploadBytes
	}
	return &API{ingest: ingestCtrl, demo: demo, tabs: coordinators, maxUploadBytes: maxUploadBytes}
}

// Register attaches every handler this package exposes onto mux.
func (a *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("/api/upload", a.handleUpload)
	mux.HandleFunc("/api/demo/activate", a.handleDemoActivate)
	mux.HandleFunc("/api/demo/deactivate", a.handleDemoDeactivate)
	mux.HandleFunc("/api/tabs/heartbeat", a.handleTabHeartbeat)
}

// uploadEvent is the wire shape for one reported ingestion event, per
// spec.md §4.4's message table.
type uploadEvent struct {
	Kind    string `json:"kind"`
	Detail  string `json:"detail,omitempty"`
	Error   string `json:"error,omitempty"`
}

// uploadSink collects every ParserEvent/State transition/toast into an
// ordered log, returned as the handler's JSON response body once
// HandleFileUpload finishes. Progress is not streamed live to the client —
// a real-time variant would need Server-Sent Events or a second websocket,
// which is out of scope here.
type uploadSink struct {
	events []uploadEvent
	state  ingest.State
	toasts []string
}

func (s *uploadSink) OnEvent(e ingest.ParserEvent) {
	ev := uploadEvent{Kind: string(e.Kind)}
	if e.Err != nil {
		ev.Error = e.Err.Error()
	}
	s.events = append(s.events, ev)
}

func (s *uploadSink) OnStateChange(state ingest.State) {
	s.state = state
}

func (s *uploadSink) Toast(message string) {
	s.toasts = append(s.toasts, message)
}

func (a *API) handleUpload(w http.ResponseWriter, r *http.Request) {
	if a.ingest == nil {
		http.Error(w, "ingestion not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, a.maxUploadBytes)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		http.Error(w, fmt.Sprintf("invalid upload: %v", err), http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		http.Error(w, "missing 'file' field", http.StatusBadRequest)
		return
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		http.Error(w, fmt.Sprintf("failed to read upload: %v", err), http.StatusBadRequest)
		return
	}

	sink := &uploadSink{}
	// The default resolver (nil) behaves as ResolutionMerge, per
	// ingest.OverlapResolver's zero-value contract — a browser-driven
	// overlap prompt would replace this with a resolver backed by a second
	// round-trip to the client; not exercised from this handler.
	err = a.ingest.HandleFileUpload(r.Context(), ingest.FileSource{Name: header.Filename, Data: data}, nil, sink)

	w.Header().Set("Content-Type", "application/json")
	resp := map[string]any{
		"state":  sink.state,
		"events": sink.events,
		"toasts": sink.toasts,
	}
	if err != nil {
		resp["error"] = err.Error()
		w.WriteHeader(http.StatusUnprocessableEntity)
	}
	if encErr := json.NewEncoder(w).Encode(resp); encErr != nil {
		slog.Error("failed to encode upload response", "error", encErr)
	}
}

func (a *API) handleDemoActivate(w http.ResponseWriter, r *http.Request) {
	if a.demo == nil {
		http.Error(w, "demo mode not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var pkg storage.DemoPackage
	if err := json.NewDecoder(r.Body).Decode(&demoPackageWire{pkg: &pkg}); err != nil {
		http.Error(w, fmt.Sprintf("invalid demo package: %v", err), http.StatusBadRequest)
		return
	}

	if err := a.demo.Activate(&pkg); err != nil {
		http.Error(w, err.Error(), http.StatusUnprocessableEntity)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// demoPackageWire adapts storage.DemoPackage's Go-native fields (time.Time
// timestamps already parsed by the streams decoder) to json.Unmarshaler so
// handleDemoActivate can decode directly into it without a duplicate DTO.
type demoPackageWire struct {
	pkg *storage.DemoPackage
}

func (d *demoPackageWire) UnmarshalJSON(data []byte) error {
	var wire struct {
		Streams     []model.Stream      `json:"streams"`
		Chunks      []model.Chunk       `json:"chunks"`
		Patterns    *model.PatternSet   `json:"patterns"`
		Personality *model.Personality  `json:"personality"`
	}
	if err := json.Unmarshal(data, &wire); err != nil {
		return err
	}
	d.pkg.Streams = wire.Streams
	d.pkg.Chunks = wire.Chunks
	d.pkg.Patterns = wire.Patterns
	d.pkg.Personality = wire.Personality
	return nil
}

func (a *API) handleDemoDeactivate(w http.ResponseWriter, r *http.Request) {
	if a.demo == nil {
		http.Error(w, "demo mode not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if err := a.demo.Deactivate(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleTabHeartbeat(w http.ResponseWriter, r *http.Request) {
	if a.tabs == nil {
		http.Error(w, "tab coordination not configured", http.StatusServiceUnavailable)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var body struct {
		TabID string `json:"tabId"`
		Init  bool   `json:"init"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		http.Error(w, fmt.Sprintf("invalid body: %v", err), http.StatusBadRequest)
		return
	}
	if body.TabID == "" {
		body.TabID = tabs.NewTabID()
	}

	origin := r.Header.Get("Origin")
	if origin == "" {
		origin = defaultOrigin
	}
	coordinator, err := a.tabs.Get(origin)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	var isPrimary bool
	if body.Init {
		isPrimary, err = coordinator.Init(body.TabID)
	} else {
		isPrimary, err = coordinator.Heartbeat(body.TabID)
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tabId":     body.TabID,
		"isPrimary": isPrimary,
	})
}
