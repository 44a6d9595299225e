package execution

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"github.com/quantfolio-labs/quantfolio-go/internal/domain"
)

// Task is one unit of code submitted for execution.
type Task struct {
	RunID  string
	Owner  string
	Code   string
	Params domain.Metadata
}

// Outcome captures everything a finished interpreter process produced.
type Outcome struct {
	Result   Result
	Stdout   string
	Stderr   string
	Duration time.Duration
}

type CodeRunner interface {
	Run(ctx context.Context, task Task) (Outcome, error)
}

// Runner executes code by piping the harness into a fresh interpreter
// process. The user code and parameters travel via environment variables so
// the harness stays a constant script.
type Runner struct {
	spec Spec
}

func NewRunner(spec Spec) (*Runner, error) {
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &Runner{spec: spec}, nil
}

func (r *Runner) Run(ctx context.Context, task Task) (Outcome, error) {
	if r == nil {
		return Outcome{}, errors.New("runner not initialized")
	}
	if strings.TrimSpace(task.Code) == "" {
		return Outcome{}, errors.New("code is required")
	}
	paramsJSON, err := json.Marshal(task.Params)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode params: %w", err)
	}

	cmd := exec.CommandContext(ctx, r.spec.Interpreter[0], r.spec.Interpreter[1:]...)
	cmd.Stdin = strings.NewReader(r.spec.Preamble)
	cmd.Env = append(os.Environ(),
		"QUANTFOLIO_RUN_CODE="+task.Code,
		"QUANTFOLIO_RUN_PARAMS="+string(paramsJSON),
	)
	var stdout bytes.Buffer
	var stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	started := time.Now()
	runErr := cmd.Run()
	duration := time.Since(started)

	rawStdout := stdout.String()
	outcome := Outcome{
		Stdout:   truncate(rawStdout, r.spec.MaxOutputBytes),
		Stderr:   truncate(stderr.String(), r.spec.MaxOutputBytes),
		Duration: duration,
	}

	if ctx.Err() != nil {
		outcome.Result = Result{
			Status: ResultStatusFailed,
			Error:  "execution timed out",
		}
		return outcome, nil
	}

	// The result line can exceed the cap once figures are inlined as base64,
	// so parsing reads the full stream; only the stored fields are capped.
	result, parseErr := ParseResult(rawStdout)
	if parseErr != nil {
		message := outcome.Stderr
		if runErr != nil {
			message = fmt.Sprintf("%v: %s", runErr, outcome.Stderr)
		}
		outcome.Result = Result{
			Status: ResultStatusFailed,
			Error:  strings.TrimSpace("interpreter failed: " + message),
		}
		return outcome, nil
	}
	result.Output = truncate(result.Output, r.spec.MaxOutputBytes)
	outcome.Result = result
	return outcome, nil
}

func truncate(s string, limit int) string {
	if limit <= 0 || len(s) <= limit {
		return s
	}
	return s[:limit]
}
