package run

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/quorra-labs/conduct/internal/trace"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// Result is the mutable outcome container for one unit of execution.
// It is created by the innermost executing unit or injected by the caller;
// when injected, the callee mutates and returns the same instance so
// identity is preserved for observability. A Result is owned by exactly one
// goroutine at a time — children build their own and hand it to the parent
// for merging.
type Result struct {
	Status      schema.Status
	Context     map[string]any
	RunID       string
	ParentRunID string
	Extras      map[string]any

	mu   sync.Mutex
	sink trace.Sink
}

// Option configures a new Result.
type Option func(*Result)

// WithRunID overrides the generated run ID.
func WithRunID(id string) Option {
	return func(r *Result) { r.RunID = id }
}

// WithParent links the result to a parent run and inherits its sink.
func WithParent(parent *Result) Option {
	return func(r *Result) {
		if parent == nil {
			return
		}
		r.ParentRunID = parent.RunID
		if r.sink == nil {
			r.sink = parent.sink
		}
	}
}

// WithSink sets the trace sink handle.
func WithSink(sink trace.Sink) Option {
	return func(r *Result) { r.sink = sink }
}

// WithExtras attaches extra metadata carried through the run.
func WithExtras(extras map[string]any) Option {
	return func(r *Result) { r.Extras = extras }
}

// New creates a Result in the WAIT state with a fresh run ID.
func New(opts ...Option) *Result {
	r := &Result{
		Status:  schema.StatusWait,
		Context: map[string]any{},
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.RunID == "" {
		r.RunID = uuid.NewString()
	}
	if r.sink == nil {
		r.sink = trace.NopSink{}
	}
	return r
}

// Receive returns rs when the caller injected one, otherwise a fresh child
// Result. Used at the top of every execute so callers can reuse a result
// instance across the call.
func Receive(rs *Result, opts ...Option) *Result {
	if rs != nil {
		return rs
	}
	return New(opts...)
}

// Catch merges ctx into the result context and sets the status. New keys are
// added, nested maps merge recursively, and the "errors" key is replaced
// wholesale so an error shape never mixes with a previous one. Returns the
// result for chaining.
func (r *Result) Catch(status schema.Status, ctx map[string]any) *Result {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Context == nil {
		r.Context = map[string]any{}
	}
	mergeContext(r.Context, ctx)
	r.Status = status
	return r
}

// Sink returns the trace sink handle for handing down to children.
func (r *Result) Sink() trace.Sink {
	return r.sink
}

func (r *Result) emit(level slog.Level, format string, args ...any) {
	ctx := trace.WithRunID(context.Background(), r.RunID)
	if r.ParentRunID != "" {
		ctx = trace.WithParentRunID(ctx, r.ParentRunID)
	}
	r.sink.Emit(ctx, level, fmt.Sprintf(format, args...))
}

// Debug writes a debug-level trace line. Never returns an error.
func (r *Result) Debug(format string, args ...any) {
	r.emit(slog.LevelDebug, format, args...)
}

// Info writes an info-level trace line. Never returns an error.
func (r *Result) Info(format string, args ...any) {
	r.emit(slog.LevelInfo, format, args...)
}

// Warning writes a warn-level trace line. Never returns an error.
func (r *Result) Warning(format string, args ...any) {
	r.emit(slog.LevelWarn, format, args...)
}

// Error writes an error-level trace line. Never returns an error.
func (r *Result) Error(format string, args ...any) {
	r.emit(slog.LevelError, format, args...)
}

// mergeContext merges src into dst. Nested string-keyed maps merge
// recursively; everything else overwrites. The "errors" key always replaces.
func mergeContext(dst, src map[string]any) {
	for k, v := range src {
		if k == "errors" {
			dst[k] = v
			continue
		}
		if existing, ok := dst[k].(map[string]any); ok {
			if incoming, ok := v.(map[string]any); ok {
				mergeContext(existing, incoming)
				continue
			}
		}
		dst[k] = v
	}
}
