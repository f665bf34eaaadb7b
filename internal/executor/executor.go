// Package executor is the out-of-scope "sub-process executor backend"
// collaborator: given a job spec and an isolated work directory, it returns
// the three output sections the Worker Pool writes as artifacts.
package executor

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"taskrelay/internal/domain"
)

// Result is the backend's three-section output contract, per spec §1's
// `execute(jobSpec, workDir) -> {diff, testPlan, notes, rawOutput}`.
type Result struct {
	Diff      string
	TestPlan  string
	Notes     string
	RawOutput string
}

// PolicyError signals the backend refused on policy grounds; the Worker Pool
// maps it to reason=POLICY rather than EXECUTOR_ERROR.
type PolicyError struct {
	Message string
}

func (e PolicyError) Error() string { return e.Message }

// Backend runs one job's unit of work inside an already-prepared directory.
type Backend interface {
	Execute(ctx context.Context, spec domain.JobSpec, workDir string) (Result, error)
}

// CommandBackend shells out to a single configured command per job, passing
// the task description on stdin and expecting three `---SECTION---`-framed
// blocks on stdout. It is the reference out-of-scope implementation; real
// deployments are expected to supply their own Backend that wraps an actual
// coding agent.
type CommandBackend struct {
	Command string
	Args    []string
}

func NewCommandBackend(command string, args ...string) CommandBackend {
	return CommandBackend{Command: command, Args: args}
}

func (b CommandBackend) Execute(ctx context.Context, spec domain.JobSpec, workDir string) (Result, error) {
	if b.Command == "" {
		return Result{}, fmt.Errorf("executor: no backend command configured")
	}
	cmd := exec.CommandContext(ctx, b.Command, b.Args...)
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(spec.Task.Description)

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	err := cmd.Run()
	raw := stdout.String()
	if err != nil {
		if ctx.Err() != nil {
			return Result{RawOutput: raw}, ctx.Err()
		}
		return Result{RawOutput: raw}, fmt.Errorf("executor: backend failed: %w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return parseSections(raw), nil
}

// parseSections splits a backend's stdout into the DIFF/TEST_PLAN/NOTES
// sections the output contract requires. A backend that does not frame its
// output this way yields an empty diff and notes, with everything preserved
// in RawOutput for BAD_ARTIFACTS diagnosis upstream.
func parseSections(raw string) Result {
	sections := map[string]string{}
	var current string
	var buf strings.Builder
	flush := func() {
		if current != "" {
			sections[current] = strings.TrimSpace(buf.String())
		}
		buf.Reset()
	}
	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "---") && strings.HasSuffix(trimmed, "---") {
			name := strings.Trim(trimmed, "- ")
			flush()
			current = strings.ToUpper(name)
			continue
		}
		buf.WriteString(line)
		buf.WriteString("\n")
	}
	flush()
	return Result{
		Diff:      sections["DIFF"],
		TestPlan:  sections["TEST_PLAN"],
		Notes:     sections["NOTES"],
		RawOutput: raw,
	}
}
