package stage

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/spf13/cast"

	"github.com/quorra-labs/conduct/internal/expressions"
	"github.com/quorra-labs/conduct/internal/run"
	"github.com/quorra-labs/conduct/pkg/schema"
)

// BashStage renders a multi-line script, writes it to a temp file and runs
// it with /bin/sh, capturing stdout, stderr and the return code. A retry
// count re-runs the script with `retry` bound in the template scope; a
// timeout bounds each attempt.
type BashStage struct {
	base
	timeout time.Duration
}

func buildBash(b base) (Stage, error) {
	var timeout time.Duration
	if b.def.Timeout != "" {
		d, err := time.ParseDuration(b.def.Timeout)
		if err != nil {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"bash stage %q: invalid timeout %q: %s", b.id, b.def.Timeout, err.Error()).WithCause(err)
		}
		if d <= 0 {
			return nil, schema.NewErrorf(schema.ErrCodeValidation,
				"bash stage %q: timeout must be positive, got %q", b.id, b.def.Timeout)
		}
		timeout = d
	}
	return &BashStage{base: b, timeout: timeout}, nil
}

func (s *BashStage) Execute(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) (*run.Result, error) {
	rs, proceed, err := s.begin(ctx, params, rs, tok)
	if !proceed {
		return rs, err
	}

	attempts := s.def.Retry + 1
	var lastErr error
	var lastOut map[string]any

	for attempt := 0; attempt < attempts; attempt++ {
		if tok.IsSet() {
			return s.cancel(rs, msgCancelBeforeNested), nil
		}

		scope := copyScope(params)
		scope["retry"] = attempt

		script, resolveErr := expressions.ResolveString(s.def.Bash, scope)
		if resolveErr != nil {
			return s.fail(rs, resolveErr)
		}
		env, resolveErr := expressions.ResolveMap(s.def.Env, scope)
		if resolveErr != nil {
			return s.fail(rs, resolveErr)
		}

		outputs, runErr := s.runScript(ctx, script, env, tok)
		if runErr == nil {
			return rs.Catch(schema.StatusSuccess, outputs), nil
		}
		if ce, ok := runErr.(*schema.ConductError); ok && ce.Code == schema.ErrCodeCancelled {
			return s.cancel(rs, msgCancelAfterNested), nil
		}

		lastErr, lastOut = runErr, outputs
		if attempt < attempts-1 {
			rs.Warning("stage %s: attempt %d failed, retrying: %s", s.id, attempt, runErr.Error())
		}
	}

	if lastOut != nil {
		rs.Catch(schema.StatusFailed, lastOut)
	}
	if s.def.Retry > 0 {
		lastErr = schema.NewErrorf(schema.ErrCodeRetryExhausted,
			"retries exhausted after %d attempts: %s", attempts, errMessage(lastErr)).WithCause(lastErr)
	}
	return s.fail(rs, lastErr)
}

func (s *BashStage) ExecuteAsync(ctx context.Context, params map[string]any, rs *run.Result, tok *run.Token) <-chan Outcome {
	return async(func() (*run.Result, error) { return s.Execute(ctx, params, rs, tok) })
}

// runScript executes one rendered script attempt. A non-zero exit returns
// an execution error alongside the captured outputs.
func (s *BashStage) runScript(ctx context.Context, script string, env map[string]any, tok *run.Token) (map[string]any, error) {
	file, err := os.CreateTemp("", "conduct-*.sh")
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "create script file: %s", err.Error()).WithCause(err)
	}
	path := file.Name()
	defer os.Remove(path)

	if _, err := file.WriteString(script); err != nil {
		file.Close()
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "write script file: %s", err.Error()).WithCause(err)
	}
	if err := file.Close(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "close script file: %s", err.Error()).WithCause(err)
	}

	cmd := exec.CommandContext(ctx, "/bin/sh", path)
	cmd.Env = os.Environ()
	for k, v := range env {
		cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%s", k, cast.ToString(v)))
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeExecution, "start script: %s", err.Error()).WithCause(err)
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	var deadline <-chan time.Time
	if s.timeout > 0 {
		timer := time.NewTimer(s.timeout)
		defer timer.Stop()
		deadline = timer.C
	}

	var waitErr error
	select {
	case waitErr = <-waitCh:
	case <-tok.Done():
		_ = cmd.Process.Kill()
		<-waitCh
		return nil, schema.NewError(schema.ErrCodeCancelled, "script killed by cancellation")
	case <-deadline:
		_ = cmd.Process.Kill()
		<-waitCh
		return nil, schema.NewErrorf(schema.ErrCodeTimeout,
			"script exceeded timeout of %s", s.timeout)
	}

	returnCode := cmd.ProcessState.ExitCode()
	outputs := map[string]any{
		"return_code": returnCode,
		"stdout":      strings.TrimRight(stdout.String(), "\n"),
		"stderr":      strings.TrimRight(stderr.String(), "\n"),
	}

	if waitErr != nil || returnCode != 0 {
		return outputs, schema.NewErrorf(schema.ErrCodeExecution,
			"script exited with code %d\n---\n%s\n---\nstderr: %s",
			returnCode, script, strings.TrimSpace(stderr.String()))
	}
	return outputs, nil
}

func errMessage(err error) string {
	if ce, ok := err.(*schema.ConductError); ok {
		return ce.Message
	}
	if err == nil {
		return ""
	}
	return err.Error()
}
