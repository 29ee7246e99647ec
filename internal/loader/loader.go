// Package loader reads declarative workflow documents from disk, validates
// them against the embedded JSON schema and builds executable workflows.
package loader

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"
	"gopkg.in/yaml.v3"

	"github.com/quorra-labs/conduct/internal/engine"
	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/registry"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/internal/stage"
	"github.com/quorra-labs/conduct/internal/trace"
	"github.com/quorra-labs/conduct/pkg/schema"
)

//go:embed schema.json
var workflowSchema []byte

const schemaID = "workflow.schema.json"

// Options configures a DirLoader.
type Options struct {
	Registry *registry.Registry
	Sink     trace.Sink
	Config   run.ExecConfig
}

// DirLoader loads workflows from <dir>/<name>.yml (or .yaml). Built
// workflows are cached by name; trigger stages resolve children through
// the same loader instance.
type DirLoader struct {
	dir    string
	opts   Options
	schema *jsonschema.Schema

	mu    sync.Mutex
	cache map[string]*engine.Workflow
}

// NewDirLoader creates a loader rooted at dir. Compiling the embedded
// schema fails only on a programming error, never on user input.
func NewDirLoader(dir string, opts Options) (*DirLoader, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow directory %q: %s", dir, err.Error()).WithCause(err)
	}
	if !info.IsDir() {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "workflow path %q is not a directory", dir)
	}
	if opts.Registry == nil {
		opts.Registry = registry.New()
	}
	if opts.Sink == nil {
		opts.Sink = trace.NopSink{}
	}

	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(workflowSchema))
	if err != nil {
		return nil, fmt.Errorf("parse embedded schema: %w", err)
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource(schemaID, doc); err != nil {
		return nil, fmt.Errorf("register embedded schema: %w", err)
	}
	compiled, err := compiler.Compile(schemaID)
	if err != nil {
		return nil, fmt.Errorf("compile embedded schema: %w", err)
	}

	return &DirLoader{
		dir:    dir,
		opts:   opts,
		schema: compiled,
		cache:  map[string]*engine.Workflow{},
	}, nil
}

// Load reads, validates and builds the named workflow. The name must be a
// bare file stem; path separators are rejected.
func (l *DirLoader) Load(name string) (*engine.Workflow, error) {
	if name == "" || strings.ContainsAny(name, "/\\") || strings.Contains(name, "..") {
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "invalid workflow name %q", name)
	}

	l.mu.Lock()
	if wf, ok := l.cache[name]; ok {
		l.mu.Unlock()
		return wf, nil
	}
	l.mu.Unlock()

	data, err := l.read(name)
	if err != nil {
		return nil, err
	}

	if err := l.validate(name, data); err != nil {
		return nil, err
	}

	var def schema.WorkflowDefinition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q: decode: %s", name, err.Error()).WithCause(err)
	}

	eng, err := conditionEngine(def.Engine)
	if err != nil {
		return nil, err
	}

	wf, err := engine.NewWorkflow(name, def, stage.Options{
		Engine:   eng,
		Registry: l.opts.Registry,
		Runner:   engine.NewSubRunner(l),
		Sink:     l.opts.Sink,
		Config:   l.opts.Config,
	})
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.cache[name] = wf
	l.mu.Unlock()
	return wf, nil
}

// read finds <name>.yml or <name>.yaml under the loader directory.
func (l *DirLoader) read(name string) ([]byte, error) {
	for _, ext := range []string{".yml", ".yaml"} {
		path := filepath.Join(l.dir, name+ext)
		data, err := os.ReadFile(path)
		if err == nil {
			return data, nil
		}
		if !os.IsNotExist(err) {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"workflow %q: read %s: %s", name, path, err.Error()).WithCause(err)
		}
	}
	return nil, schema.NewErrorf(schema.ErrCodeNotFound,
		"workflow %q not found under %s", name, l.dir)
}

// validate checks the raw document against the embedded JSON schema before
// any construction runs. YAML round-trips through JSON so scalar types
// match what the validator expects.
func (l *DirLoader) validate(name string, data []byte) error {
	var raw any
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q: parse: %s", name, err.Error()).WithCause(err)
	}

	encoded, err := json.Marshal(raw)
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q: document is not JSON-representable: %s", name, err.Error()).WithCause(err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(encoded))
	if err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q: re-parse: %s", name, err.Error()).WithCause(err)
	}

	if err := l.schema.Validate(doc); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"workflow %q: schema validation failed: %s", name, err.Error()).WithCause(err)
	}
	return nil
}

// conditionEngine picks the engine declared by the document, defaulting
// to expr.
func conditionEngine(name string) (expressions.Engine, error) {
	switch name {
	case "", "expr":
		return expressions.NewExprEngine(), nil
	case "cel":
		return expressions.NewCELEngine()
	default:
		return nil, schema.NewErrorf(schema.ErrCodeValidation, "unknown condition engine %q", name)
	}
}

var _ engine.Loader = (*DirLoader)(nil)
