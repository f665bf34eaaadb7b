// Package engine is the Job Manager (C3): orchestrates job state
// transitions, idempotent submission, and Ask/Answer bookkeeping, emitting
// internal events as it goes.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"

	"taskrelay/internal/bus"
	"taskrelay/internal/domain"
	"taskrelay/internal/events"
	"taskrelay/internal/repo"
)

// ErrInvalidState is returned when an operation requires a job to be in a
// state it is not currently in (e.g. createAsk on a non-RUNNING job).
var ErrInvalidState = errors.New("engine: job is not in the required state")

// ErrAskNotFound is returned by recordAnswer when no matching Ask exists.
var ErrAskNotFound = errors.New("engine: no matching ask")

type Engine struct {
	Repo   repo.Repo
	Events events.Writer
	Bus    *bus.Bus
	Now    func() int64
}

func New(db *sql.DB, b *bus.Bus) Engine {
	r := repo.New(db)
	return Engine{
		Repo:   r,
		Events: events.New(r),
		Bus:    b,
		Now:    domain.NowMs,
	}
}

func (e Engine) now() int64 {
	if e.Now != nil {
		return e.Now()
	}
	return domain.NowMs()
}

// Submit implements §4.3 submit: idempotent on idempotencyKey. If an
// existing job for the key is non-terminal, its id is returned unchanged;
// otherwise (no prior job, or the prior job reached a terminal state) a new
// job is created.
func (e Engine) Submit(ctx context.Context, spec domain.JobSpec) (domain.Job, error) {
	existing, err := e.Repo.GetJobByIdempotencyKey(ctx, spec.IdempotencyKey)
	if err == nil {
		if !existing.State.IsTerminal() {
			return existing, nil
		}
	} else if !errors.Is(err, repo.ErrNotFound) {
		return domain.Job{}, err
	}

	now := e.now()
	id := domain.NewJobID(now)
	ttl := spec.Execution.TTLS
	if ttl <= 0 {
		ttl = 3600
	}
	priority := spec.Execution.Priority
	if priority == "" {
		priority = domain.PriorityP1
	}
	job, err := e.Repo.CreateJob(ctx, id, spec, priority, ttl, now)
	if err != nil {
		return domain.Job{}, err
	}

	if err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := e.Events.Append(ctx, tx, job.ID, "job.submitted", map[string]any{"idempotencyKey": spec.IdempotencyKey})
		return err
	}); err != nil {
		return domain.Job{}, err
	}
	return job, nil
}

// Get reads one job.
func (e Engine) Get(ctx context.Context, id string) (domain.Job, error) {
	return e.Repo.GetJob(ctx, id)
}

// List reads jobs filtered by state, per §4.3 list.
func (e Engine) List(ctx context.Context, f repo.JobFilters) ([]domain.Job, error) {
	return e.Repo.ListJobs(ctx, f)
}

// Cancel implements §4.3 cancel.
func (e Engine) Cancel(ctx context.Context, id string) (domain.Job, bool, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, false, err
	}
	if job.State.IsTerminal() {
		return job, false, nil
	}
	summary := "Canceled by user"
	updated, err := e.transition(ctx, job, domain.JobCanceled, nil, &summary, "job.canceled", nil)
	if err != nil {
		return domain.Job{}, false, err
	}
	return updated, true, nil
}

// UpdateState implements §4.3 updateState, guarded by the transition table.
func (e Engine) UpdateState(ctx context.Context, id string, newState domain.JobState, reasonCode, summary *string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return e.transition(ctx, job, newState, reasonCode, summary, "job.state."+string(newState), nil)
}

// transition performs one CAS'd state write plus an audit event plus a bus
// publish, all derived from the single current `job` snapshot passed in.
func (e Engine) transition(ctx context.Context, job domain.Job, newState domain.JobState, reasonCode, summary *string, evtType string, extraPayload map[string]any) (domain.Job, error) {
	if err := domain.EnsureTransition(job.State, newState); err != nil {
		return domain.Job{}, err
	}
	now := e.now()
	var updated domain.Job
	err := e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		var err error
		updated, err = e.Repo.UpdateJobStateTx(ctx, tx, repo.UpdateJobStateParams{
			ID:          job.ID,
			FromVersion: job.StateVersion,
			NewState:    newState,
			ReasonCode:  reasonCode,
			Summary:     summary,
			Now:         now,
		})
		if err != nil {
			return err
		}
		payload := map[string]any{"state": string(newState), "stateVersion": updated.StateVersion}
		for k, v := range extraPayload {
			payload[k] = v
		}
		_, err = e.Events.Append(ctx, tx, job.ID, evtType, payload)
		return err
	})
	if err != nil {
		return domain.Job{}, err
	}
	if e.Bus != nil {
		e.Bus.PublishJobState(bus.JobStateChanged{JobID: updated.ID, State: updated.State, StateVersion: updated.StateVersion, Summary: updated.Summary})
	}
	return updated, nil
}

// AcquireLease implements §4.1/§4.4 step 1: claim the oldest eligible QUEUED
// job for `owner`. Returns (Job{}, false, nil) when no job is eligible.
func (e Engine) AcquireLease(ctx context.Context, owner string, leaseTTLMs int64) (domain.Job, bool, error) {
	id, err := e.Repo.AcquireLease(ctx, owner, leaseTTLMs, e.now())
	if err != nil {
		return domain.Job{}, false, err
	}
	if id == "" {
		return domain.Job{}, false, nil
	}
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, false, err
	}
	if e.Bus != nil {
		e.Bus.PublishJobState(bus.JobStateChanged{JobID: job.ID, State: job.State, StateVersion: job.StateVersion})
	}
	return job, true, nil
}

// RenewLease implements §4.4 step 2's heartbeat renewal.
func (e Engine) RenewLease(ctx context.Context, id, owner string, leaseTTLMs int64) (bool, error) {
	return e.Repo.RenewLease(ctx, id, owner, leaseTTLMs, e.now())
}

// ReleaseLease implements §4.4 step 8's best-effort release.
func (e Engine) ReleaseLease(ctx context.Context, id, owner string) error {
	return e.Repo.ReleaseLease(ctx, id, owner)
}

// CreateAsk implements §4.3 createAsk: ensures job.state==RUNNING, stores the
// Ask, transitions the job to WAITING_ON_ANSWER, emits ask.created.
func (e Engine) CreateAsk(ctx context.Context, ask domain.Ask) (domain.Ask, error) {
	job, err := e.Repo.GetJob(ctx, ask.JobID)
	if err != nil {
		return domain.Ask{}, err
	}
	if job.State != domain.JobRunning {
		return domain.Ask{}, ErrInvalidState
	}
	if err := domain.EnsureTransition(job.State, domain.JobWaitingOnAnswer); err != nil {
		return domain.Ask{}, err
	}

	now := e.now()
	ask.CreatedAt = now
	ask.Status = domain.AskPending

	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.CreateAskTx(ctx, tx, ask); err != nil {
			return err
		}
		_, err := e.Repo.UpdateJobStateTx(ctx, tx, repo.UpdateJobStateParams{
			ID:          job.ID,
			FromVersion: job.StateVersion,
			NewState:    domain.JobWaitingOnAnswer,
			Now:         now,
		})
		if err != nil {
			return err
		}
		askJSON, _ := json.Marshal(ask)
		_, err = e.Events.Append(ctx, tx, job.ID, "ask.created", json.RawMessage(askJSON))
		return err
	})
	if err != nil {
		return domain.Ask{}, err
	}
	if e.Bus != nil {
		e.Bus.PublishAskCreated(bus.AskCreated{Ask: ask})
		e.Bus.PublishJobState(bus.JobStateChanged{JobID: job.ID, State: domain.JobWaitingOnAnswer, StateVersion: job.StateVersion + 1})
	}
	return ask, nil
}

// RecordAnswer implements §4.3 recordAnswer: upserts the Answer, sets Ask
// status, emits answer.recorded, and drives the job's next state per the
// answer's status.
func (e Engine) RecordAnswer(ctx context.Context, answer domain.Answer) (domain.Answer, error) {
	ask, err := e.Repo.GetAsk(ctx, answer.AskID)
	if err != nil {
		if errors.Is(err, repo.ErrNotFound) {
			return domain.Answer{}, ErrAskNotFound
		}
		return domain.Answer{}, err
	}
	job, err := e.Repo.GetJob(ctx, ask.JobID)
	if err != nil {
		return domain.Answer{}, err
	}

	now := e.now()
	answer.CreatedAt = now
	answer.JobID = ask.JobID
	answer.StepID = ask.StepID

	nextState, reasonCode, summary := answerOutcome(answer, job)

	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		if err := e.Repo.UpsertAnswerTx(ctx, tx, answer); err != nil {
			return err
		}
		if err := e.Repo.SetAskStatusTx(ctx, tx, ask.AskID, answer.Status); err != nil {
			return err
		}
		if nextState != "" {
			if _, err := e.Repo.UpdateJobStateTx(ctx, tx, repo.UpdateJobStateParams{
				ID:          job.ID,
				FromVersion: job.StateVersion,
				NewState:    nextState,
				ReasonCode:  reasonCode,
				Summary:     summary,
				Now:         now,
			}); err != nil {
				return err
			}
		}
		answerJSON, _ := json.Marshal(answer)
		_, err := e.Events.Append(ctx, tx, job.ID, "answer.recorded", json.RawMessage(answerJSON))
		return err
	})
	if err != nil {
		return domain.Answer{}, err
	}
	if e.Bus != nil {
		e.Bus.PublishAnswerRecorded(bus.AnswerRecorded{Answer: answer})
		if nextState != "" {
			e.Bus.PublishJobState(bus.JobStateChanged{JobID: job.ID, State: nextState, StateVersion: job.StateVersion + 1, Summary: summary})
		}
	}
	return answer, nil
}

// answerOutcome maps an Answer's status to the job's next state, per §4.3
// recordAnswer's status table. Returns ("", nil, nil) when the job's current
// state cannot legally take the implied transition (e.g. it was already
// canceled out from under the pending ask), in which case the answer is
// still recorded but the job is left alone.
func answerOutcome(answer domain.Answer, job domain.Job) (domain.JobState, *string, *string) {
	var next domain.JobState
	var reason, summary *string

	switch answer.Status {
	case domain.AskAnswered:
		next = domain.JobRunning
	case domain.AskRejected:
		next = domain.JobFailed
		r := string(domain.ReasonPolicy)
		reason = &r
		s := firstNonEmpty(answer.AnswerText, answer.Error)
		summary = &s
	case domain.AskTimeout:
		next = domain.JobFailed
		r := string(domain.ReasonTimeout)
		reason = &r
	case domain.AskError:
		next = domain.JobFailed
		r := string(domain.ReasonExecutorError)
		reason = &r
		if answer.Error != nil {
			summary = answer.Error
		}
	}
	if next == "" || domain.EnsureTransition(job.State, next) != nil {
		return "", nil, nil
	}
	return next, reason, summary
}

func firstNonEmpty(opts ...*string) string {
	for _, o := range opts {
		if o != nil && *o != "" {
			return *o
		}
	}
	return ""
}

// FailJob is the Worker Pool's entry point for mapping a run failure to a
// terminal state, per §4.4's failure-mapping table.
func (e Engine) FailJob(ctx context.Context, id string, reason domain.ReasonCode, message string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	r := string(reason)
	var errTx error
	err = e.Repo.WithTx(ctx, func(tx *sql.Tx) error {
		_, errTx = e.Events.Append(ctx, tx, id, "job.failed", map[string]any{"reasonCode": r, "message": message})
		return errTx
	})
	if err != nil {
		return domain.Job{}, err
	}
	return e.transition(ctx, job, domain.JobFailed, &r, &message, "job.state.FAILED", nil)
}

// Succeed is the Worker Pool's entry point for a successful run.
func (e Engine) Succeed(ctx context.Context, id, summary string) (domain.Job, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	return e.transition(ctx, job, domain.JobSucceeded, nil, &summary, "job.state.SUCCEEDED", nil)
}

// Status is the computed read-through view for §4.3 getStatus / the MCP
// jobs_get tool.
type Status struct {
	Job         domain.Job
	DurationMs  *int64
	LastUpdate  int64
}

func (e Engine) GetStatus(ctx context.Context, id string) (Status, error) {
	job, err := e.Repo.GetJob(ctx, id)
	if err != nil {
		return Status{}, err
	}
	return Status{Job: job, DurationMs: job.DurationMs(), LastUpdate: job.LastUpdate()}, nil
}
