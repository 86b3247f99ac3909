// Package tools implements the function-calling dispatch layer described in
// spec.md §4.6: a registry of JSON-Schema tool definitions, per-session
// enablement, and schema-validated routing to executors.
//
// It is a fresh component grounded on the *shape* of teacher's
// pkg/tools/tool.go ToolRegistry (register/get/list-all), generalized from
// an ad-hoc parameter map with no validation into real JSON Schema
// validation via santhosh-tekuri/jsonschema/v5, per spec.md's coercion and
// structured-error requirements.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cenkalti/backoff/v5"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"rhythmchamber/pkg/model"
)

// Category identifies one of the three disjoint schema sets spec.md §4.6
// requires: data-query, template, and analytics.
type Category string

const (
	CategoryDataQuery Category = "data-query"
	CategoryTemplate  Category = "template"
	CategoryAnalytics Category = "analytics"
)

// Kind is the normalized taxonomy for FunctionRegistry errors, mirroring
// the shape of pkg/provider.Error and pkg/lock.Error.
type Kind string

const (
	KindUnknownFunction  Kind = "unknown_function"
	KindMissingParam     Kind = "missing_parameter"
	KindTypeMismatch     Kind = "type_mismatch"
	KindEnumViolation    Kind = "enum_violation"
	KindMissingBackend   Kind = "missing_backend"
	KindExecutionFailed  Kind = "execution_failed"
)

// Error is the structured error every Registry method returns on failure.
type Error struct {
	Kind       Kind
	Function   string
	Params     []string // offending/missing parameter names, when applicable
	Allowed    []string // allowed enum values, only set for KindEnumViolation
	Transient  bool     // eligible for the executor retry wrapper
	msg        string
	cause      error
}

func (e *Error) Error() string {
	if e.msg != "" {
		return e.msg
	}
	return fmt.Sprintf("%s: function %q (params: %v)", e.Kind, e.Function, e.Params)
}

func (e *Error) Unwrap() error { return e.cause }

// DataBackend exposes the streams and derived artifacts data-query and
// analytics executors read from — the "available data-query backend" spec.md
// §4.6 requires those categories to have. The real/demo split (spec.md
// §4.11) is handled by whichever concrete backend the caller wires in; the
// registry itself is data-source-agnostic.
type DataBackend interface {
	Streams() []model.Stream
	Chunks() []model.Chunk
	Patterns() *model.PatternSet
	Personality() *model.Personality
}

// Executor runs one tool's logic. Template executors ignore backend and may
// receive a nil DataBackend; data-query/analytics executors may assume a
// non-nil backend with a non-empty stream set (the Registry enforces this
// before calling Execute).
type Executor interface {
	Execute(ctx context.Context, args map[string]any, backend DataBackend) (any, error)
}

// ExecutorFunc adapts a plain function to Executor.
type ExecutorFunc func(ctx context.Context, args map[string]any, backend DataBackend) (any, error)

func (f ExecutorFunc) Execute(ctx context.Context, args map[string]any, backend DataBackend) (any, error) {
	return f(ctx, args, backend)
}

// Schema is one tool's declaration: name, category, and JSON Schema
// parameter document, per spec.md §3 "Function schema".
type Schema struct {
	Name        string
	Description string
	Category    Category
	// Document is a JSON-Schema-draft object document: {"type":"object",
	// "properties": {...}, "required": [...]}. It is compiled lazily and
	// cached on first validation.
	Document map[string]any
}

// ToolDefinition renders the schema into the provider-agnostic shape every
// adapter translates into its own wire format.
func (s *Schema) ToolDefinition() map[string]any {
	return map[string]any{
		"name":        s.Name,
		"description": s.Description,
		"parameters":  s.Document,
	}
}

type registration struct {
	schema   *Schema
	executor Executor
	compiled *jsonschema.Schema
}

// Registry holds tool schemas, validates LLM-produced arguments against
// them, and routes validated calls to their executors, per spec.md §4.6.
type Registry struct {
	mu    sync.RWMutex
	regs  map[string]*registration
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{regs: make(map[string]*registration)}
}

// Register adds a schema and its executor. A schema with an invalid JSON
// Schema document panics at registration time — that is a programming
// defect, not a runtime condition callers should handle.
func (r *Registry) Register(schema *Schema, executor Executor) {
	compiled, err := compileSchema(schema.Name, schema.Document)
	if err != nil {
		panic(fmt.Sprintf("tools: invalid schema for %q: %v", schema.Name, err))
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.regs[schema.Name] = &registration{schema: schema, executor: executor, compiled: compiled}
}

// GetEnabledSchemas returns schemas intersected with a user-controlled
// enablement list, per spec.md §4.6 getEnabledSchemas(). A nil or empty
// enablement list is "unconstrained" and returns every registered schema.
func (r *Registry) GetEnabledSchemas(enablement []string) []*Schema {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if len(enablement) == 0 {
		out := make([]*Schema, 0, len(r.regs))
		for _, reg := range r.regs {
			out = append(out, reg.schema)
		}
		return out
	}

	allowed := make(map[string]bool, len(enablement))
	for _, name := range enablement {
		allowed[name] = true
	}
	var out []*Schema
	for name, reg := range r.regs {
		if allowed[name] {
			out = append(out, reg.schema)
		}
	}
	return out
}

// Execute validates args against name's schema, applies the coercion
// pre-pass, checks the category's data-availability precondition, and runs
// the executor through a transient-failure retry wrapper, per spec.md
// §4.6. Result shape is always `{error, ...} | {...executor payload}` —
// callers inspect the returned error rather than a field on the value.
func (r *Registry) Execute(ctx context.Context, name string, rawArgs map[string]any, backend DataBackend) (any, error) {
	r.mu.RLock()
	reg, ok := r.regs[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &Error{Kind: KindUnknownFunction, Function: name,
			msg: fmt.Sprintf("unknown_function: no tool registered as %q", name)}
	}

	args := coerce(rawArgs, reg.schema.Document)

	if err := validateArgs(reg, name, args); err != nil {
		return nil, err
	}

	if reg.schema.Category != CategoryTemplate {
		if backend == nil || len(backend.Streams()) == 0 {
			return nil, &Error{Kind: KindMissingBackend, Function: name,
				msg: fmt.Sprintf("missing_backend: %q requires a non-empty data-query backend", name)}
		}
	}

	return executeWithRetry(ctx, reg.executor, args, backend)
}

// executeWithRetry retries an executor only on errors it classifies as
// Transient, using the same jittered-exponential shape as
// pkg/provider.Router.streamWithRetry.
func executeWithRetry(ctx context.Context, executor Executor, args map[string]any, backend DataBackend) (any, error) {
	op := func() (any, error) {
		result, err := executor.Execute(ctx, args, backend)
		if err != nil {
			var te *Error
			if !as(err, &te) || !te.Transient {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return result, nil
	}

	return backoff.Retry(ctx, op,
		backoff.WithBackOff(backoff.NewExponentialBackOff()),
		backoff.WithMaxTries(3),
	)
}

func as(err error, target **Error) bool {
	for e := err; e != nil; {
		if te, ok := e.(*Error); ok {
			*target = te
			return true
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		e = u.Unwrap()
	}
	return false
}

var schemaCache sync.Map

// compileSchema compiles and caches a JSON-Schema document, keyed by its
// canonical encoding — grounded on haasonsaas-nexus's
// pkg/pluginsdk/validation.go compileSchema helper.
func compileSchema(name string, doc map[string]any) (*jsonschema.Schema, error) {
	encoded, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encode schema %q: %w", name, err)
	}
	key := string(encoded)
	if cached, ok := schemaCache.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiled, err := jsonschema.CompileString(name+".schema.json", key)
	if err != nil {
		return nil, fmt.Errorf("compile schema %q: %w", name, err)
	}
	schemaCache.Store(key, compiled)
	return compiled, nil
}
