package runner_test

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"

	"taskrelay/internal/bus"
	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/migrate"
	"taskrelay/internal/runner"
)

type fakeLLM struct {
	response string
	err      error
	calls    int
}

func (f *fakeLLM) Complete(ctx context.Context, prompt string, maxTokens int, timeout time.Duration) (string, error) {
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.response, nil
}

type testRig struct {
	Engine engine.Engine
	Runner *runner.Runner
	LLM    *fakeLLM
	Ctx    context.Context
}

func newTestRig(t *testing.T, response string) testRig {
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
	llm := &fakeLLM{response: response}
	roles := runner.NewRoleStore(t.TempDir())
	rn, err := runner.New(e, e.Repo, llm, roles, nil, runner.Config{
		DefaultTimeout:    5 * time.Second,
		MaxRetries:        1,
		DecisionCacheTTLS: 60,
	})
	if err != nil {
		t.Fatalf("new runner: %v", err)
	}
	return testRig{Engine: e, Runner: rn, LLM: llm, Ctx: context.Background()}
}

func runningJobWithAsk(t *testing.T, rig testRig, envelope json.RawMessage, claimedHash string) domain.Ask {
	t.Helper()
	spec := domain.JobSpec{
		Repo:           domain.RepoRef{Type: domain.RepoGit, URL: "https://example.invalid/repo.git", BaseBranch: "main"},
		Task:           domain.TaskSpec{Title: "task", Description: "do it"},
		Execution:      domain.ExecutionSpec{Sandbox: "read-only", AskPolicy: "untrusted", Priority: domain.PriorityP1, TTLS: 3600},
		IdempotencyKey: domain.NewAskID(),
	}
	job, err := rig.Engine.Submit(rig.Ctx, spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, ok, err := rig.Engine.AcquireLease(rig.Ctx, "worker-a", 60_000); err != nil || !ok {
		t.Fatalf("acquire: ok=%v err=%v", ok, err)
	}
	ask, err := rig.Engine.CreateAsk(rig.Ctx, domain.Ask{
		AskID:           domain.NewAskID(),
		JobID:           job.ID,
		StepID:          "step-1",
		AskType:         domain.AskClarification,
		Prompt:          "Which file should I touch?",
		ContextEnvelope: envelope,
		ContextHash:     claimedHash,
	})
	if err != nil {
		t.Fatalf("create ask: %v", err)
	}
	return ask
}

// TestAttestationIntegrity: an ANSWERED result the runner produces from an
// LLM call carries answer.attestation.context_hash == ask.context_hash.
// Answers served from the decision cache carry no attestation.
func TestAttestationIntegrity(t *testing.T) {
	rig := newTestRig(t, `{"answer_text":"Touch main.go"}`)
	envelope := json.RawMessage(`{"job_snapshot":{"policy_version":"v1"},"role":"default"}`)
	hash, err := domain.StableHashContext(envelope)
	if err != nil {
		t.Fatalf("hash envelope: %v", err)
	}
	ask := runningJobWithAsk(t, rig, envelope, hash)

	if err := rig.Runner.Handle(rig.Ctx, ask); err != nil {
		t.Fatalf("handle: %v", err)
	}
	answer, err := rig.Engine.Repo.GetAnswer(rig.Ctx, ask.AskID)
	if err != nil {
		t.Fatalf("get answer: %v", err)
	}
	if answer.Status != domain.AskAnswered {
		t.Fatalf("expected ANSWERED, got %s", answer.Status)
	}
	if answer.Attestation == nil || answer.Attestation.ContextHash != ask.ContextHash {
		t.Fatalf("expected attestation.context_hash to equal ask.context_hash, got %+v", answer.Attestation)
	}
}

// TestContextMismatchFailsFast: if the claimed context_hash does not match
// the envelope's actual hash, the runner records E_CONTEXT_MISMATCH without
// ever calling the LLM.
func TestContextMismatchFailsFast(t *testing.T) {
	rig := newTestRig(t, `{"answer_text":"should never be reached"}`)
	envelope := json.RawMessage(`{"job_snapshot":{"policy_version":"v1"},"role":"default"}`)
	ask := runningJobWithAsk(t, rig, envelope, "0000000000000000000000000000000000000000000000000000000000000000")

	if err := rig.Runner.Handle(rig.Ctx, ask); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if rig.LLM.calls != 0 {
		t.Fatalf("expected the LLM to never be called on a context mismatch, got %d calls", rig.LLM.calls)
	}
	answer, err := rig.Engine.Repo.GetAnswer(rig.Ctx, ask.AskID)
	if err != nil {
		t.Fatalf("get answer: %v", err)
	}
	if answer.Status != domain.AskError || answer.Error == nil {
		t.Fatalf("expected an ERROR answer, got %+v", answer)
	}
	if !strings.Contains(*answer.Error, "E_CONTEXT_MISMATCH") {
		t.Fatalf("expected E_CONTEXT_MISMATCH in the error, got %q", *answer.Error)
	}
	job, err := rig.Engine.Get(rig.Ctx, ask.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if job.State != domain.JobFailed {
		t.Fatalf("expected job FAILED after a context mismatch, got %s", job.State)
	}
}

// TestDecisionCacheEquivalence: a second Ask with the identical
// (ask_type, prompt, context_hash, policy_version) tuple is answered from
// the decision cache without a second LLM call.
func TestDecisionCacheEquivalence(t *testing.T) {
	rig := newTestRig(t, `{"answer_text":"Touch main.go"}`)
	envelope := json.RawMessage(`{"job_snapshot":{"policy_version":"v1"},"role":"default"}`)
	hash, err := domain.StableHashContext(envelope)
	if err != nil {
		t.Fatalf("hash envelope: %v", err)
	}

	first := runningJobWithAsk(t, rig, envelope, hash)
	if err := rig.Runner.Handle(rig.Ctx, first); err != nil {
		t.Fatalf("handle first: %v", err)
	}
	if rig.LLM.calls != 1 {
		t.Fatalf("expected exactly one LLM call for the first ask, got %d", rig.LLM.calls)
	}

	second := runningJobWithAsk(t, rig, envelope, hash)
	if err := rig.Runner.Handle(rig.Ctx, second); err != nil {
		t.Fatalf("handle second: %v", err)
	}
	if rig.LLM.calls != 1 {
		t.Fatalf("expected the decision cache to serve the second identical ask without a new LLM call, got %d total calls", rig.LLM.calls)
	}
	firstAnswer, err := rig.Engine.Repo.GetAnswer(rig.Ctx, first.AskID)
	if err != nil {
		t.Fatalf("get first answer: %v", err)
	}
	secondAnswer, err := rig.Engine.Repo.GetAnswer(rig.Ctx, second.AskID)
	if err != nil {
		t.Fatalf("get second answer: %v", err)
	}
	if string(secondAnswer.AnswerJSON) != string(firstAnswer.AnswerJSON) {
		t.Fatalf("expected byte-identical cached answer_json, got %q vs %q", firstAnswer.AnswerJSON, secondAnswer.AnswerJSON)
	}
	if (secondAnswer.AnswerText == nil) != (firstAnswer.AnswerText == nil) {
		t.Fatalf("expected byte-identical cached answer_text presence, got %+v vs %+v", firstAnswer, secondAnswer)
	}
	if secondAnswer.AnswerText != nil && firstAnswer.AnswerText != nil && *secondAnswer.AnswerText != *firstAnswer.AnswerText {
		t.Fatalf("expected byte-identical cached answer_text, got %q vs %q", *firstAnswer.AnswerText, *secondAnswer.AnswerText)
	}
}
