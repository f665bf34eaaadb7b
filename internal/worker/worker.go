// Package worker is the Worker Pool (C4): a fixed number of cooperative
// workers that lease jobs, run an executor backend, write artifacts, and
// heartbeat the lease until the job finishes or the worker loses it.
package worker

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"taskrelay/internal/artifacts"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/executor"
)

const defaultTimeoutMs = 300_000

// Config bounds the pool's concurrency and timing, mirroring spec §4.4/§5.
type Config struct {
	MaxConcurrency      int
	PollInterval        time.Duration
	HeartbeatInterval   time.Duration
	LeaseTTL            time.Duration
	WorkRoot            string
}

// Pool owns N worker goroutines sharing one executor backend and artifact store.
type Pool struct {
	Engine    engine.Engine
	Backend   executor.Backend
	Artifacts artifacts.Store
	Config    Config
	Limiter   *rate.Limiter

	wg sync.WaitGroup
}

func New(e engine.Engine, backend executor.Backend, store artifacts.Store, cfg Config) *Pool {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 1
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 500 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 15 * time.Second
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 60 * time.Second
	}
	if cfg.WorkRoot == "" {
		cfg.WorkRoot = os.TempDir()
	}
	return &Pool{
		Engine:    e,
		Backend:   backend,
		Artifacts: store,
		Config:    cfg,
		Limiter:   rate.NewLimiter(rate.Limit(cfg.MaxConcurrency), cfg.MaxConcurrency),
	}
}

// Run starts MaxConcurrency workers and blocks until ctx is done, then waits
// for in-flight jobs to notice cancellation and stop.
func (p *Pool) Run(ctx context.Context, ownerPrefix string) {
	for i := 0; i < p.Config.MaxConcurrency; i++ {
		owner := fmt.Sprintf("%s-%d", ownerPrefix, i)
		p.wg.Add(1)
		go func(owner string) {
			defer p.wg.Done()
			p.loop(ctx, owner)
		}(owner)
	}
	<-ctx.Done()
	p.wg.Wait()
}

// loop implements §4.4's eight-step cooperative worker.
func (p *Pool) loop(ctx context.Context, owner string) {
	ticker := time.NewTicker(p.Config.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		job, ok, err := p.Engine.AcquireLease(ctx, owner, p.Config.LeaseTTL.Milliseconds())
		if err != nil {
			slog.Error("worker: acquire lease failed", "owner", owner, "err", err)
		}
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			continue
		}
		p.runJob(ctx, owner, job)
	}
}

func (p *Pool) runJob(ctx context.Context, owner string, job domain.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	heartbeatStop := make(chan struct{})
	go p.heartbeat(jobCtx, cancel, owner, job.ID, heartbeatStop)
	defer close(heartbeatStop)
	defer p.Engine.ReleaseLease(ctx, job.ID, owner)

	workDir, err := os.MkdirTemp(p.Config.WorkRoot, "taskrelay-"+job.ID+"-")
	if err != nil {
		p.fail(ctx, job.ID, domain.ReasonInternal, fmt.Sprintf("create work dir: %v", err))
		return
	}
	defer os.RemoveAll(workDir)

	if err := p.prepareRepo(jobCtx, job.Spec.Repo, workDir); err != nil {
		p.fail(ctx, job.ID, domain.ReasonExecutorError, err.Error())
		return
	}

	timeoutMs := defaultTimeoutMs
	if job.Spec.Execution.TimeoutS != nil {
		timeoutMs = *job.Spec.Execution.TimeoutS * 1000
	}
	execCtx, execCancel := context.WithTimeout(jobCtx, time.Duration(timeoutMs)*time.Millisecond)
	defer execCancel()

	if err := p.Limiter.Wait(execCtx); err != nil {
		p.fail(ctx, job.ID, domain.ReasonTimeout, "rate limiter wait: "+err.Error())
		return
	}

	result, err := p.Backend.Execute(execCtx, job.Spec, workDir)
	if err != nil {
		if execCtx.Err() != nil {
			p.fail(ctx, job.ID, domain.ReasonTimeout, "executor backend timed out")
			return
		}
		var policyErr executor.PolicyError
		if asPolicyError(err, &policyErr) {
			p.fail(ctx, job.ID, domain.ReasonPolicy, policyErr.Message)
			return
		}
		p.fail(ctx, job.ID, domain.ReasonExecutorError, err.Error())
		return
	}

	if result.Diff == "" && result.TestPlan == "" && result.Notes == "" {
		p.fail(ctx, job.ID, domain.ReasonBadArtifacts, "executor output did not parse into three sections")
		return
	}

	if err := p.writeArtifacts(ctx, job.ID, result); err != nil {
		p.fail(ctx, job.ID, domain.ReasonBadArtifacts, err.Error())
		return
	}

	if err := p.applyCheck(jobCtx, job.Spec.Repo, workDir, result.Diff); err != nil {
		p.fail(ctx, job.ID, domain.ReasonConflict, err.Error())
		return
	}

	if _, err := p.Engine.Succeed(ctx, job.ID, "completed"); err != nil {
		slog.Error("worker: mark succeeded failed", "job", job.ID, "err", err)
	}
}

func asPolicyError(err error, out *executor.PolicyError) bool {
	pe, ok := err.(executor.PolicyError)
	if ok {
		*out = pe
	}
	return ok
}

func (p *Pool) fail(ctx context.Context, jobID string, reason domain.ReasonCode, message string) {
	if _, err := p.Engine.FailJob(ctx, jobID, reason, message); err != nil {
		slog.Error("worker: mark failed failed", "job", jobID, "err", err)
	}
}

// heartbeat renews the lease every HeartbeatInterval; a failed renewal means
// the job was reassigned or canceled out from under this worker, so it
// cancels jobCtx to abort the in-flight backend call, per §4.4 step 2/§5.
func (p *Pool) heartbeat(ctx context.Context, cancel context.CancelFunc, owner, jobID string, stop <-chan struct{}) {
	ticker := time.NewTicker(p.Config.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			ok, err := p.Engine.RenewLease(ctx, jobID, owner, p.Config.LeaseTTL.Milliseconds())
			if err != nil || !ok {
				slog.Warn("worker: lease renewal failed, aborting job", "job", jobID, "owner", owner, "err", err)
				cancel()
				return
			}
		}
	}
}

func (p *Pool) writeArtifacts(ctx context.Context, jobID string, r executor.Result) error {
	outMd := "# Test Plan\n\n" + r.TestPlan + "\n\n# Notes\n\n" + r.Notes
	items := []struct {
		kind domain.ArtifactKind
		data []byte
	}{
		{domain.ArtifactPatchDiff, []byte(r.Diff)},
		{domain.ArtifactOutMd, []byte(outMd)},
		{domain.ArtifactLogsTxt, []byte(r.RawOutput)},
	}
	for _, it := range items {
		digest, size, err := p.Artifacts.Write(ctx, jobID, it.kind, it.data)
		if err != nil {
			return fmt.Errorf("write artifact %s: %w", it.kind, err)
		}
		meta := domain.ArtifactMeta{
			JobID:     jobID,
			Kind:      it.kind,
			URI:       fmt.Sprintf("%s/%s", jobID, it.kind),
			Digest:    digest,
			Size:      size,
			CreatedAt: domain.NowMs(),
		}
		if err := p.Engine.Repo.UpsertArtifact(ctx, meta); err != nil {
			return fmt.Errorf("record artifact %s: %w", it.kind, err)
		}
	}
	return nil
}

// prepareRepo implements §4.4 step 3. Local-repository preparation is
// rejected per the spec's open question: "a safe implementation is to reject
// repo.type=='local' until the contract is defined."
func (p *Pool) prepareRepo(ctx context.Context, r domain.RepoRef, workDir string) error {
	switch r.Type {
	case domain.RepoGit:
		if r.URL == "" {
			return fmt.Errorf("prepareRepo: git repo requires url")
		}
		if err := runGit(ctx, workDir, "clone", r.URL, "."); err != nil {
			return err
		}
		if r.BaselineCommit != "" {
			return runGit(ctx, workDir, "checkout", r.BaselineCommit)
		}
		return nil
	case domain.RepoLocal:
		return fmt.Errorf("prepareRepo: repo.type=local is not yet supported")
	default:
		return fmt.Errorf("prepareRepo: unknown repo type %q", r.Type)
	}
}

// applyCheck implements §4.4 step 6: validate the diff against the baseline
// without mutating the work tree.
func (p *Pool) applyCheck(ctx context.Context, r domain.RepoRef, workDir, diff string) error {
	if r.Type != domain.RepoGit || diff == "" {
		return nil
	}
	cmd := exec.CommandContext(ctx, "git", "apply", "--check", "-")
	cmd.Dir = workDir
	cmd.Stdin = strings.NewReader(diff)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("apply-check failed: %s", stderr.String())
	}
	return nil
}

func runGit(ctx context.Context, dir string, args ...string) error {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = dir
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("git %v: %s", args, stderr.String())
	}
	return nil
}
