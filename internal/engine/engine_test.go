package engine_test

import (
	"context"
	"testing"

	"taskrelay/internal/bus"
	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/migrate"
)

type testEnv struct {
	Engine engine.Engine
	Ctx    context.Context
}

func newTestEnv(t *testing.T) testEnv {
	t.Helper()
	conn, err := db.Open(db.Config{Backend: "memory"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	e := engine.New(conn, bus.New())
	return testEnv{Engine: e, Ctx: context.Background()}
}

func sampleSpec(idempotencyKey string) domain.JobSpec {
	return domain.JobSpec{
		Repo: domain.RepoRef{
			Type:       domain.RepoGit,
			URL:        "https://example.invalid/repo.git",
			BaseBranch: "main",
		},
		Task: domain.TaskSpec{
			Title:       "Fix the thing",
			Description: "Make the failing test pass.",
		},
		Scope: domain.ScopeSpec{
			FileGlobs: []string{"**/*.go"},
		},
		Execution: domain.ExecutionSpec{
			Sandbox:   "read-only",
			AskPolicy: "untrusted",
			Priority:  domain.PriorityP1,
			TTLS:      3600,
		},
		IdempotencyKey: idempotencyKey,
	}
}

func TestSubmitIsIdempotent(t *testing.T) {
	env := newTestEnv(t)
	spec := sampleSpec("key-1")
	first, err := env.Engine.Submit(env.Ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	second, err := env.Engine.Submit(env.Ctx, spec)
	if err != nil {
		t.Fatalf("resubmit: %v", err)
	}
	if first.ID != second.ID {
		t.Fatalf("expected same job id for repeated idempotency key, got %s and %s", first.ID, second.ID)
	}
	if first.State != domain.JobQueued {
		t.Fatalf("expected new job to be QUEUED, got %s", first.State)
	}
}

func TestSubmitAfterTerminalReissuesNewJob(t *testing.T) {
	env := newTestEnv(t)
	spec := sampleSpec("key-terminal")
	job, err := env.Engine.Submit(env.Ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, err := env.Engine.Succeed(env.Ctx, job.ID, "done"); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	reissued, err := env.Engine.Submit(env.Ctx, spec)
	if err != nil {
		t.Fatalf("resubmit after terminal: %v", err)
	}
	if reissued.ID == job.ID {
		t.Fatalf("expected a new job once the prior one reached a terminal state")
	}
}

func TestCancelFromQueued(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.Submit(env.Ctx, sampleSpec("key-cancel"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	updated, ok, err := env.Engine.Cancel(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if !ok || updated.State != domain.JobCanceled {
		t.Fatalf("expected job canceled, got ok=%v state=%s", ok, updated.State)
	}
	// canceling an already-terminal job is a no-op, not an error.
	_, ok, err = env.Engine.Cancel(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("cancel terminal: %v", err)
	}
	if ok {
		t.Fatalf("expected no-op cancel on an already-terminal job")
	}
}

func TestAcquireLeaseGivesExactlyOneWinner(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Submit(env.Ctx, sampleSpec("key-lease")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000)
	if err != nil || !ok {
		t.Fatalf("acquire by worker-a: ok=%v err=%v", ok, err)
	}
	if job.State != domain.JobRunning {
		t.Fatalf("expected RUNNING after lease acquisition, got %s", job.State)
	}
	_, ok, err = env.Engine.AcquireLease(env.Ctx, "worker-b", 60_000)
	if err != nil {
		t.Fatalf("acquire by worker-b: %v", err)
	}
	if ok {
		t.Fatalf("expected no second job available for worker-b")
	}
}

func TestRenewAndReleaseLeaseRequireOwnership(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Submit(env.Ctx, sampleSpec("key-renew")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	renewed, err := env.Engine.RenewLease(env.Ctx, job.ID, "worker-a", 60_000)
	if err != nil || !renewed {
		t.Fatalf("renew by owner: renewed=%v err=%v", renewed, err)
	}
	renewed, err = env.Engine.RenewLease(env.Ctx, job.ID, "worker-b", 60_000)
	if err != nil {
		t.Fatalf("renew by non-owner: %v", err)
	}
	if renewed {
		t.Fatalf("expected renew by non-owner to fail")
	}
	if err := env.Engine.ReleaseLease(env.Ctx, job.ID, "worker-a"); err != nil {
		t.Fatalf("release by owner: %v", err)
	}
}

func TestCreateAskMovesJobToWaitingOnAnswer(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Submit(env.Ctx, sampleSpec("key-ask")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ask, err := env.Engine.CreateAsk(env.Ctx, domain.Ask{
		AskID:       domain.NewAskID(),
		JobID:       job.ID,
		StepID:      "step-1",
		AskType:     domain.AskClarification,
		Prompt:      "Which file should I touch?",
		ContextHash: "deadbeef",
	})
	if err != nil {
		t.Fatalf("create ask: %v", err)
	}
	if ask.Status != domain.AskPending {
		t.Fatalf("expected pending ask, got %s", ask.Status)
	}
	after, err := env.Engine.Get(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != domain.JobWaitingOnAnswer {
		t.Fatalf("expected job WAITING_ON_ANSWER, got %s", after.State)
	}
	// a second ask cannot be raised while the job isn't RUNNING.
	_, err = env.Engine.CreateAsk(env.Ctx, domain.Ask{
		AskID:       domain.NewAskID(),
		JobID:       job.ID,
		StepID:      "step-2",
		AskType:     domain.AskClarification,
		Prompt:      "Another question?",
		ContextHash: "deadbeef",
	})
	if err == nil {
		t.Fatalf("expected createAsk to reject a job that is not RUNNING")
	}
}

func TestRecordAnswerReturnsJobToRunning(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.Engine.Submit(env.Ctx, sampleSpec("key-answer")); err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000)
	if err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ask, err := env.Engine.CreateAsk(env.Ctx, domain.Ask{
		AskID:       domain.NewAskID(),
		JobID:       job.ID,
		StepID:      "step-1",
		AskType:     domain.AskClarification,
		Prompt:      "Which file should I touch?",
		ContextHash: "deadbeef",
	})
	if err != nil {
		t.Fatalf("create ask: %v", err)
	}
	text := "Touch main.go"
	_, err = env.Engine.RecordAnswer(env.Ctx, domain.Answer{
		AskID:      ask.AskID,
		Status:     domain.AskAnswered,
		AnswerText: &text,
	})
	if err != nil {
		t.Fatalf("record answer: %v", err)
	}
	after, err := env.Engine.Get(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if after.State != domain.JobRunning {
		t.Fatalf("expected job back to RUNNING after an answer, got %s", after.State)
	}
}

func TestRecordAnswerUnknownAskFails(t *testing.T) {
	env := newTestEnv(t)
	_, err := env.Engine.RecordAnswer(env.Ctx, domain.Answer{AskID: "ask_does_not_exist", Status: domain.AskAnswered})
	if err != engine.ErrAskNotFound {
		t.Fatalf("expected ErrAskNotFound, got %v", err)
	}
}

func TestFailJobAndSucceedAreTerminal(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.Submit(env.Ctx, sampleSpec("key-fail"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	failed, err := env.Engine.FailJob(env.Ctx, job.ID, domain.ReasonTimeout, "executor timed out")
	if err != nil {
		t.Fatalf("fail: %v", err)
	}
	if failed.State != domain.JobFailed {
		t.Fatalf("expected FAILED, got %s", failed.State)
	}
	if failed.ReasonCode == nil || *failed.ReasonCode != string(domain.ReasonTimeout) {
		t.Fatalf("expected reason code %s, got %v", domain.ReasonTimeout, failed.ReasonCode)
	}
	if _, err := env.Engine.Succeed(env.Ctx, job.ID, "too late"); err == nil {
		t.Fatalf("expected succeeding an already-terminal job to fail")
	}
}

func TestGetStatusReportsDuration(t *testing.T) {
	env := newTestEnv(t)
	job, err := env.Engine.Submit(env.Ctx, sampleSpec("key-status"))
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	if _, err := env.Engine.Succeed(env.Ctx, job.ID, "all done"); err != nil {
		t.Fatalf("succeed: %v", err)
	}
	status, err := env.Engine.GetStatus(env.Ctx, job.ID)
	if err != nil {
		t.Fatalf("get status: %v", err)
	}
	if status.DurationMs == nil {
		t.Fatalf("expected a duration once a job has started and finished")
	}
	if status.Job.Summary == nil || *status.Job.Summary != "all done" {
		t.Fatalf("expected the succeed summary to be preserved")
	}
}
