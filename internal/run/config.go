package run

// ExecConfig is the cross-cutting execution policy handed down through a
// call tree. The zero value records child failures without re-raising them.
type ExecConfig struct {
	// RaiseOnError makes a unit return its internal failure to the caller
	// in addition to recording it in the result context. When false the
	// failure is recorded only, so sibling cleanup-style units keep running.
	RaiseOnError bool

	// MaxJobParallel bounds how many ready jobs of one workflow level run
	// at once. Zero means the engine default.
	MaxJobParallel int
}
