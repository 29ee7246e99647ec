// Command conduct loads a workflow document from a directory and executes
// it, printing the final result context as JSON.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/quorra-labs/conduct/internal/engine"
	"github.com/quorra-labs/conduct/internal/loader"
	"github.com/quorra-labs/conduct/internal/registry"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/internal/trace"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// paramFlags collects repeatable -param k=v flags.
type paramFlags map[string]any

func (p paramFlags) String() string {
	parts := make([]string, 0, len(p))
	for k, v := range p {
		parts = append(parts, fmt.Sprintf("%s=%v", k, v))
	}
	return strings.Join(parts, ",")
}

func (p paramFlags) Set(value string) error {
	key, val, ok := strings.Cut(value, "=")
	if !ok {
		return fmt.Errorf("param %q must be key=value", value)
	}
	p[key] = val
	return nil
}

func main() {
	os.Exit(realMain(os.Args[1:]))
}

func realMain(args []string) int {
	fs := flag.NewFlagSet("conduct", flag.ContinueOnError)
	dir := fs.String("dir", "./workflows", "directory containing workflow documents")
	timeout := fs.Duration("timeout", 0, "workflow execution timeout (0 disables)")
	maxJobs := fs.Int("max-job-parallel", 2, "maximum jobs running concurrently per level")
	logLevel := fs.String("log-level", "info", "log level: debug, info, warn, error")
	params := paramFlags{}
	fs.Var(params, "param", "workflow parameter as key=value (repeatable)")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if fs.NArg() != 1 {
		fmt.Fprintln(os.Stderr, "usage: conduct [flags] <workflow-name>")
		fs.PrintDefaults()
		return 2
	}
	name := fs.Arg(0)

	level, err := parseLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 2
	}
	sink := trace.NewTextSink(os.Stderr, level)

	dl, err := loader.NewDirLoader(*dir, loader.Options{
		Registry: registry.New(),
		Sink:     sink,
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	wf, err := dl.Load(name)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		return 1
	}

	rs, err := wf.Execute(context.Background(), map[string]any(params), engine.ExecOptions{
		Timeout:        *timeout,
		MaxJobParallel: *maxJobs,
		Token:          run.NewToken(),
	})
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
	}

	report(rs)

	if rs == nil || rs.Status != schema.StatusSuccess {
		return 1
	}
	return 0
}

func report(rs *run.Result) {
	if rs == nil {
		return
	}
	out := map[string]any{
		"run_id":  rs.RunID,
		"status":  rs.Status.String(),
		"context": rs.Context,
	}
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Fprintf(os.Stderr, "encode result: %v\n", err)
		return
	}
	fmt.Println(string(encoded))
}

func parseLevel(name string) (slog.Level, error) {
	switch strings.ToLower(name) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", name)
	}
}
