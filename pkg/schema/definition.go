package schema

// WorkflowDefinition is the declarative workflow document shape consumed
// from the loader collaborator. All string fields may carry ${{ ... }}
// template expressions except name and id fields, which are validated at
// construction time.
type WorkflowDefinition struct {
	Type   string                   `yaml:"type,omitempty" json:"type,omitempty"`
	Name   string                   `yaml:"name,omitempty" json:"name,omitempty"`
	Desc   string                   `yaml:"desc,omitempty" json:"desc,omitempty"`
	Engine string                   `yaml:"engine,omitempty" json:"engine,omitempty"` // expr (default) | cel
	Params map[string]ParamSpec     `yaml:"params,omitempty" json:"params,omitempty"`
	Jobs   map[string]JobDefinition `yaml:"jobs" json:"jobs"`
}

// ParamSpec declares one workflow parameter. A parameter without a default
// is required unless explicitly marked optional.
type ParamSpec struct {
	Type     string `yaml:"type,omitempty" json:"type,omitempty"`
	Desc     string `yaml:"desc,omitempty" json:"desc,omitempty"`
	Default  any    `yaml:"default,omitempty" json:"default,omitempty"`
	Required *bool  `yaml:"required,omitempty" json:"required,omitempty"`
}

// IsRequired reports whether the parameter must be supplied by the caller.
func (p ParamSpec) IsRequired() bool {
	if p.Required != nil {
		return *p.Required
	}
	return p.Default == nil
}

// JobDefinition declares one job: an ordered stage sequence executed once
// per strategy branch.
type JobDefinition struct {
	Desc     string              `yaml:"desc,omitempty" json:"desc,omitempty"`
	RunsOn   string              `yaml:"runs-on,omitempty" json:"runs-on,omitempty"`
	Needs    []string            `yaml:"needs,omitempty" json:"needs,omitempty"`
	If       string              `yaml:"if,omitempty" json:"if,omitempty"`
	Strategy *StrategyDefinition `yaml:"strategy,omitempty" json:"strategy,omitempty"`
	Stages   []StageDefinition   `yaml:"stages" json:"stages"`
}

// StrategyDefinition declares the matrix cross-product for a job.
type StrategyDefinition struct {
	Matrix      map[string][]any `yaml:"matrix,omitempty" json:"matrix,omitempty"`
	Include     []map[string]any `yaml:"include,omitempty" json:"include,omitempty"`
	Exclude     []map[string]any `yaml:"exclude,omitempty" json:"exclude,omitempty"`
	MaxParallel int              `yaml:"max-parallel,omitempty" json:"max-parallel,omitempty"`
	FailFast    bool             `yaml:"fail-fast,omitempty" json:"fail-fast,omitempty"`
}

// StageDefinition is the variant-agnostic stage declaration. The populated
// variant field (echo/bash/uses/raise/foreach/parallel/until/case/trigger)
// selects the concrete stage type at build time; an empty declaration builds
// an Empty stage.
type StageDefinition struct {
	ID   string `yaml:"id,omitempty" json:"id,omitempty"`
	Name string `yaml:"name" json:"name"`
	Desc string `yaml:"desc,omitempty" json:"desc,omitempty"`
	If   string `yaml:"if,omitempty" json:"if,omitempty"`

	// Empty
	Echo  string  `yaml:"echo,omitempty" json:"echo,omitempty"`
	Sleep float64 `yaml:"sleep,omitempty" json:"sleep,omitempty"`

	// Bash
	Bash string         `yaml:"bash,omitempty" json:"bash,omitempty"`
	Env  map[string]any `yaml:"env,omitempty" json:"env,omitempty"`

	// Call
	Uses string         `yaml:"uses,omitempty" json:"uses,omitempty"`
	With map[string]any `yaml:"with,omitempty" json:"with,omitempty"`

	// Raise
	Raise string `yaml:"raise,omitempty" json:"raise,omitempty"`

	// ForEach
	Foreach       any  `yaml:"foreach,omitempty" json:"foreach,omitempty"`
	Concurrent    int  `yaml:"concurrent,omitempty" json:"concurrent,omitempty"`
	UseIndexAsKey bool `yaml:"use-index-as-key,omitempty" json:"use-index-as-key,omitempty"`

	// Parallel
	Parallel   map[string][]StageDefinition `yaml:"parallel,omitempty" json:"parallel,omitempty"`
	MaxWorkers int                          `yaml:"max-workers,omitempty" json:"max-workers,omitempty"`

	// Until
	Until   string `yaml:"until,omitempty" json:"until,omitempty"`
	Item    any    `yaml:"item,omitempty" json:"item,omitempty"`
	MaxLoop int    `yaml:"max-loop,omitempty" json:"max-loop,omitempty"`

	// Case
	Case         string       `yaml:"case,omitempty" json:"case,omitempty"`
	Match        []CaseClause `yaml:"match,omitempty" json:"match,omitempty"`
	SkipNotMatch bool         `yaml:"skip-not-match,omitempty" json:"skip-not-match,omitempty"`

	// Trigger
	Trigger string         `yaml:"trigger,omitempty" json:"trigger,omitempty"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`

	// Nested sequence for foreach/until bodies.
	Stages []StageDefinition `yaml:"stages,omitempty" json:"stages,omitempty"`

	Retry   int    `yaml:"retry,omitempty" json:"retry,omitempty"`
	Timeout string `yaml:"timeout,omitempty" json:"timeout,omitempty"`

	Extras map[string]any `yaml:"extras,omitempty" json:"extras,omitempty"`
}

// CaseClause is one arm of a Case stage. Exactly one of Case+Stages or Else
// is populated; the literal "_" in Case is the wildcard form of Else.
type CaseClause struct {
	Case   any               `yaml:"case,omitempty" json:"case,omitempty"`
	Stages []StageDefinition `yaml:"stages,omitempty" json:"stages,omitempty"`
	Else   []StageDefinition `yaml:"else,omitempty" json:"else,omitempty"`
}
