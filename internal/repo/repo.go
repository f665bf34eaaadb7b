// Package repo is the Storage Kernel: transactional persistence for jobs,
// asks, answers, the decision cache, the audit event log, and artifact
// metadata. Every other component reaches persisted state through this
// package's handles; it is the single writer of the schema in
// internal/migrate/sql.
package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"taskrelay/internal/domain"
)

// ErrNotFound is returned by single-row reads that find no matching row.
var ErrNotFound = errors.New("repo: not found")

// ErrConflict is returned when an optimistic-concurrency guard (state_version,
// lease ownership) rejects a write because the row changed underneath it.
var ErrConflict = errors.New("repo: conflict")

// Repo wraps the database handle with the scheduler's persistence operations.
type Repo struct {
	DB *sql.DB
}

func New(db *sql.DB) Repo {
	return Repo{DB: db}
}

// ---- jobs ----------------------------------------------------------------

// CreateJob inserts a new job row with state=QUEUED, state_version=0.
func (r Repo) CreateJob(ctx context.Context, id string, spec domain.JobSpec, priority domain.Priority, ttlS int, createdAt int64) (domain.Job, error) {
	specJSON, err := json.Marshal(spec)
	if err != nil {
		return domain.Job{}, fmt.Errorf("repo: marshal spec: %w", err)
	}
	_, err = r.DB.ExecContext(ctx, `
		INSERT INTO jobs(id, idempotency_key, state, state_version, priority, created_at, ttl_s, spec_json)
		VALUES (?,?,?,0,?,?,?,?)`,
		id, spec.IdempotencyKey, string(domain.JobQueued), string(priority), createdAt, ttlS, string(specJSON))
	if err != nil {
		return domain.Job{}, err
	}
	return r.GetJob(ctx, id)
}

// GetJob reads a job by id.
func (r Repo) GetJob(ctx context.Context, id string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, jobSelectColumns+` WHERE id=?`, id)
	return scanJob(row)
}

// GetJobByIdempotencyKey reads a job by its idempotency key.
func (r Repo) GetJobByIdempotencyKey(ctx context.Context, key string) (domain.Job, error) {
	row := r.DB.QueryRowContext(ctx, jobSelectColumns+` WHERE idempotency_key=?`, key)
	return scanJob(row)
}

// JobFilters bounds ListJobs.
type JobFilters struct {
	State  *domain.JobState
	Limit  int
	Offset int
}

// ListJobs returns jobs ordered by priority ASC, created_at ASC, per §4.3 `list`.
func (r Repo) ListJobs(ctx context.Context, f JobFilters) ([]domain.Job, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = 20
	}
	query := jobSelectColumns
	args := []any{}
	if f.State != nil {
		query += ` WHERE state=?`
		args = append(args, string(*f.State))
	}
	query += ` ORDER BY priority ASC, created_at ASC LIMIT ? OFFSET ?`
	args = append(args, limit, f.Offset)

	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

// CountJobs counts jobs matching the same filter as ListJobs (state only),
// used to compute the MCP jobs_list `total`/`hasMore` fields.
func (r Repo) CountJobs(ctx context.Context, state *domain.JobState) (int, error) {
	query := `SELECT COUNT(*) FROM jobs`
	args := []any{}
	if state != nil {
		query += ` WHERE state=?`
		args = append(args, string(*state))
	}
	var n int
	err := r.DB.QueryRowContext(ctx, query, args...).Scan(&n)
	return n, err
}

// UpdateJobStateParams is the input to UpdateJobState.
type UpdateJobStateParams struct {
	ID          string
	FromVersion int64 // compare-and-swap guard
	NewState    domain.JobState
	ReasonCode  *string
	Summary     *string
	Now         int64
}

// UpdateJobState bumps state_version and, iff the new state is terminal, sets
// finished_at. The update is guarded by both `id` and the expected current
// `state_version` so a concurrent writer cannot silently clobber another's
// transition (the CAS referenced in spec §4.3's concurrency note).
func (r Repo) UpdateJobState(ctx context.Context, p UpdateJobStateParams) (domain.Job, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.Job{}, err
	}
	defer tx.Rollback()

	j, err := r.UpdateJobStateTx(ctx, tx, p)
	if err != nil {
		return domain.Job{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.Job{}, err
	}
	return j, nil
}

// UpdateJobStateTx is the transactional variant used by the Job Manager so
// the state write and the audit event append happen atomically.
func (r Repo) UpdateJobStateTx(ctx context.Context, tx *sql.Tx, p UpdateJobStateParams) (domain.Job, error) {
	var finishedAt sql.NullInt64
	if p.NewState.IsTerminal() {
		finishedAt = sql.NullInt64{Valid: true, Int64: p.Now}
	}
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state=?, state_version=state_version+1, reason_code=?, summary=?, finished_at=COALESCE(?, finished_at)
		WHERE id=? AND state_version=?`,
		string(p.NewState), nullableStringPtr(p.ReasonCode), nullableStringPtr(p.Summary), finishedAt, p.ID, p.FromVersion)
	if err != nil {
		return domain.Job{}, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return domain.Job{}, err
	}
	if n == 0 {
		return domain.Job{}, ErrConflict
	}
	row := tx.QueryRowContext(ctx, jobSelectColumns+` WHERE id=?`, p.ID)
	return scanJob(row)
}

// AcquireLease implements §4.1 acquireLease: a single transaction that picks
// the oldest eligible QUEUED job and atomically claims it. Returns
// ("", nil) when no job is eligible.
func (r Repo) AcquireLease(ctx context.Context, owner string, leaseTTLMs int64, now int64) (string, error) {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return "", err
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id FROM jobs
		WHERE state='QUEUED' AND (lease_expires_at IS NULL OR lease_expires_at < ?)
		ORDER BY priority ASC, created_at ASC LIMIT 1`, now).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", err
	}

	expires := now + leaseTTLMs
	res, err := tx.ExecContext(ctx, `
		UPDATE jobs SET state='RUNNING', state_version=state_version+1,
			lease_owner=?, lease_expires_at=?, started_at=COALESCE(started_at, ?), heartbeat_at=?
		WHERE id=? AND state='QUEUED'`,
		owner, expires, now, now, id)
	if err != nil {
		return "", err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return "", err
	}
	if n == 0 {
		// Another transaction won the race between the SELECT and this
		// UPDATE; report "no job" rather than a false win.
		return "", nil
	}
	if err := tx.Commit(); err != nil {
		return "", err
	}
	return id, nil
}

// RenewLease updates heartbeat_at/lease_expires_at iff (id, owner) match and
// the job is still in a lease-holding state.
func (r Repo) RenewLease(ctx context.Context, id, owner string, leaseTTLMs, now int64) (bool, error) {
	res, err := r.DB.ExecContext(ctx, `
		UPDATE jobs SET heartbeat_at=?, lease_expires_at=?
		WHERE id=? AND lease_owner=? AND state IN ('RUNNING','WAITING_ON_ANSWER')`,
		now, now+leaseTTLMs, id, owner)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

// ReleaseLease clears lease_owner/lease_expires_at; best-effort per spec §5.
func (r Repo) ReleaseLease(ctx context.Context, id, owner string) error {
	_, err := r.DB.ExecContext(ctx, `
		UPDATE jobs SET lease_owner=NULL, lease_expires_at=NULL WHERE id=? AND lease_owner=?`, id, owner)
	return err
}

const jobSelectColumns = `SELECT id, idempotency_key, state, state_version, priority, created_at, started_at, finished_at,
	ttl_s, heartbeat_at, lease_owner, lease_expires_at, spec_json, summary, reason_code FROM jobs`

type scanner interface {
	Scan(dest ...any) error
}

func scanJob(row scanner) (domain.Job, error) {
	var j domain.Job
	var state, priority, specJSON string
	var startedAt, finishedAt, heartbeatAt, leaseExpiresAt sql.NullInt64
	var leaseOwner, summary, reasonCode sql.NullString

	err := row.Scan(&j.ID, &j.IdempotencyKey, &state, &j.StateVersion, &priority, &j.CreatedAt,
		&startedAt, &finishedAt, &j.TTLS, &heartbeatAt, &leaseOwner, &leaseExpiresAt, &specJSON, &summary, &reasonCode)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, ErrNotFound
	}
	if err != nil {
		return domain.Job{}, err
	}
	j.State = domain.JobState(state)
	j.Priority = domain.Priority(priority)
	j.StartedAt = nullableInt64Ptr(startedAt)
	j.FinishedAt = nullableInt64Ptr(finishedAt)
	j.HeartbeatAt = nullableInt64Ptr(heartbeatAt)
	j.LeaseExpiresAt = nullableInt64Ptr(leaseExpiresAt)
	j.LeaseOwner = nullableStringPtrOut(leaseOwner)
	j.Summary = nullableStringPtrOut(summary)
	j.ReasonCode = nullableStringPtrOut(reasonCode)
	if err := json.Unmarshal([]byte(specJSON), &j.Spec); err != nil {
		return domain.Job{}, fmt.Errorf("repo: unmarshal spec: %w", err)
	}
	return j, nil
}

// ---- asks ------------------------------------------------------------------

// CreateAskTx inserts an Ask row. Uniqueness of (job_id, step_id) across all
// of a job's asks, answered or not, is enforced by the schema's unique index.
func (r Repo) CreateAskTx(ctx context.Context, tx *sql.Tx, a domain.Ask) error {
	var constraintsJSON any
	if a.Constraints != nil {
		b, err := json.Marshal(a.Constraints)
		if err != nil {
			return err
		}
		constraintsJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO asks(ask_id, job_id, step_id, ask_type, prompt, context_envelope, context_hash, constraints_json, role_id, meta_json, created_at, status)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?)`,
		a.AskID, a.JobID, a.StepID, string(a.AskType), a.Prompt, string(a.ContextEnvelope), a.ContextHash,
		constraintsJSON, nullableStringPtr(a.RoleID), nullableRaw(a.Meta), a.CreatedAt, string(a.Status))
	return err
}

// GetAsk reads an ask by id.
func (r Repo) GetAsk(ctx context.Context, id string) (domain.Ask, error) {
	row := r.DB.QueryRowContext(ctx, askSelectColumns+` WHERE ask_id=?`, id)
	return scanAsk(row)
}

// ListAsksByJob returns every ask for a job in creation order.
func (r Repo) ListAsksByJob(ctx context.Context, jobID string) ([]domain.Ask, error) {
	rows, err := r.DB.QueryContext(ctx, askSelectColumns+` WHERE job_id=? ORDER BY created_at ASC`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Ask
	for rows.Next() {
		a, err := scanAsk(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// SetAskStatusTx updates an ask's status (e.g. to ANSWERED) within a transaction.
func (r Repo) SetAskStatusTx(ctx context.Context, tx *sql.Tx, askID string, status domain.AskStatus) error {
	_, err := tx.ExecContext(ctx, `UPDATE asks SET status=? WHERE ask_id=?`, string(status), askID)
	return err
}

const askSelectColumns = `SELECT ask_id, job_id, step_id, ask_type, prompt, context_envelope, context_hash, constraints_json, role_id, meta_json, created_at, status FROM asks`

func scanAsk(row scanner) (domain.Ask, error) {
	var a domain.Ask
	var askType, envelope, status string
	var constraintsJSON, roleID, metaJSON sql.NullString
	err := row.Scan(&a.AskID, &a.JobID, &a.StepID, &askType, &a.Prompt, &envelope, &a.ContextHash,
		&constraintsJSON, &roleID, &metaJSON, &a.CreatedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Ask{}, ErrNotFound
	}
	if err != nil {
		return domain.Ask{}, err
	}
	a.AskType = domain.AskType(askType)
	a.Status = domain.AskStatus(status)
	a.ContextEnvelope = json.RawMessage(envelope)
	a.RoleID = nullableStringPtrOut(roleID)
	if metaJSON.Valid {
		a.Meta = json.RawMessage(metaJSON.String)
	}
	if constraintsJSON.Valid {
		var c domain.Constraints
		if err := json.Unmarshal([]byte(constraintsJSON.String), &c); err != nil {
			return domain.Ask{}, err
		}
		a.Constraints = &c
	}
	return a, nil
}

// ---- answers ---------------------------------------------------------------

// UpsertAnswerTx inserts or replaces the answer for an ask, per §3's
// "insert-only with upsert-replace semantics on retry".
func (r Repo) UpsertAnswerTx(ctx context.Context, tx *sql.Tx, a domain.Answer) error {
	var attestationJSON, artifactsJSON any
	if a.Attestation != nil {
		b, err := json.Marshal(a.Attestation)
		if err != nil {
			return err
		}
		attestationJSON = string(b)
	}
	if a.Artifacts != nil {
		b, err := json.Marshal(a.Artifacts)
		if err != nil {
			return err
		}
		artifactsJSON = string(b)
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO answers(ask_id, job_id, step_id, status, answer_text, answer_json, attestation_json, artifacts_json, policy_trace_json, cacheable, ask_back, error, created_at)
		VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)
		ON CONFLICT(ask_id) DO UPDATE SET
			status=excluded.status, answer_text=excluded.answer_text, answer_json=excluded.answer_json,
			attestation_json=excluded.attestation_json, artifacts_json=excluded.artifacts_json,
			policy_trace_json=excluded.policy_trace_json, cacheable=excluded.cacheable,
			ask_back=excluded.ask_back, error=excluded.error, created_at=excluded.created_at`,
		a.AskID, a.JobID, a.StepID, string(a.Status), nullableStringPtr(a.AnswerText), nullableRaw(a.AnswerJSON),
		attestationJSON, artifactsJSON, nullableRaw(a.PolicyTrace), boolToInt(a.Cacheable),
		nullableStringPtr(a.AskBack), nullableStringPtr(a.Error), a.CreatedAt)
	return err
}

// GetAnswer reads the answer for an ask, or ErrNotFound if none exists yet.
func (r Repo) GetAnswer(ctx context.Context, askID string) (domain.Answer, error) {
	row := r.DB.QueryRowContext(ctx, answerSelectColumns+` WHERE ask_id=?`, askID)
	return scanAnswer(row)
}

const answerSelectColumns = `SELECT ask_id, job_id, step_id, status, answer_text, answer_json, attestation_json, artifacts_json, policy_trace_json, cacheable, ask_back, error, created_at FROM answers`

func scanAnswer(row scanner) (domain.Answer, error) {
	var a domain.Answer
	var status string
	var answerText, answerJSON, attestationJSON, artifactsJSON, policyTrace, askBack, errStr sql.NullString
	var cacheable int
	err := row.Scan(&a.AskID, &a.JobID, &a.StepID, &status, &answerText, &answerJSON, &attestationJSON,
		&artifactsJSON, &policyTrace, &cacheable, &askBack, &errStr, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Answer{}, ErrNotFound
	}
	if err != nil {
		return domain.Answer{}, err
	}
	a.Status = domain.AskStatus(status)
	a.AnswerText = nullableStringPtrOut(answerText)
	a.AskBack = nullableStringPtrOut(askBack)
	a.Error = nullableStringPtrOut(errStr)
	a.Cacheable = cacheable != 0
	if answerJSON.Valid {
		a.AnswerJSON = json.RawMessage(answerJSON.String)
	}
	if policyTrace.Valid {
		a.PolicyTrace = json.RawMessage(policyTrace.String)
	}
	if attestationJSON.Valid {
		var at domain.Attestation
		if err := json.Unmarshal([]byte(attestationJSON.String), &at); err != nil {
			return domain.Answer{}, err
		}
		a.Attestation = &at
	}
	if artifactsJSON.Valid {
		if err := json.Unmarshal([]byte(artifactsJSON.String), &a.Artifacts); err != nil {
			return domain.Answer{}, err
		}
	}
	return a, nil
}

// ---- decision cache ---------------------------------------------------------

// DecisionCacheGet reads an entry, or ErrNotFound if absent.
func (r Repo) DecisionCacheGet(ctx context.Context, key string) (domain.DecisionCacheEntry, error) {
	var e domain.DecisionCacheEntry
	var answerJSON, answerText, policyTrace sql.NullString
	err := r.DB.QueryRowContext(ctx, `
		SELECT decision_key, answer_json, answer_text, policy_trace_json, created_at, ttl_seconds
		FROM decision_cache WHERE decision_key=?`, key).
		Scan(&e.DecisionKey, &answerJSON, &answerText, &policyTrace, &e.CreatedAt, &e.TTLSeconds)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.DecisionCacheEntry{}, ErrNotFound
	}
	if err != nil {
		return domain.DecisionCacheEntry{}, err
	}
	if answerJSON.Valid {
		e.AnswerJSON = json.RawMessage(answerJSON.String)
	}
	e.AnswerText = nullableStringPtrOut(answerText)
	if policyTrace.Valid {
		e.PolicyTrace = json.RawMessage(policyTrace.String)
	}
	return e, nil
}

// DecisionCacheUpsert writes or replaces an entry; concurrent upserts are
// safe, last write wins, per spec §5.
func (r Repo) DecisionCacheUpsert(ctx context.Context, e domain.DecisionCacheEntry) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO decision_cache(decision_key, answer_json, answer_text, policy_trace_json, created_at, ttl_seconds)
		VALUES (?,?,?,?,?,?)
		ON CONFLICT(decision_key) DO UPDATE SET
			answer_json=excluded.answer_json, answer_text=excluded.answer_text,
			policy_trace_json=excluded.policy_trace_json, created_at=excluded.created_at, ttl_seconds=excluded.ttl_seconds`,
		e.DecisionKey, nullableRaw(e.AnswerJSON), nullableStringPtr(e.AnswerText), nullableRaw(e.PolicyTrace), e.CreatedAt, e.TTLSeconds)
	return err
}

// DecisionCachePurgeExpired deletes every entry older than its ttl as of now.
func (r Repo) DecisionCachePurgeExpired(ctx context.Context, now int64) (int64, error) {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM decision_cache WHERE created_at + ttl_seconds*1000 < ?`, now)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// ---- events -----------------------------------------------------------------

// AppendEventTx writes one audit row within the caller's transaction.
func (r Repo) AppendEventTx(ctx context.Context, tx *sql.Tx, jobID string, ts int64, evtType string, payload any) (domain.Event, error) {
	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return domain.Event{}, err
	}
	res, err := tx.ExecContext(ctx, `INSERT INTO events(job_id, ts, type, payload_json) VALUES (?,?,?,?)`,
		jobID, ts, evtType, string(payloadJSON))
	if err != nil {
		return domain.Event{}, err
	}
	id, err := res.LastInsertId()
	if err != nil {
		return domain.Event{}, err
	}
	return domain.Event{ID: id, JobID: jobID, TS: ts, Type: evtType, Payload: payloadJSON}, nil
}

// EventsByJob returns events for a job with id > afterID, in emit order.
// Used both by the SSE endpoint to replay history and, per the design note
// "event bus vs database polling", as the always-correct fallback source of
// truth when an in-process bus delivery is missed.
func (r Repo) EventsByJob(ctx context.Context, jobID string, afterID int64) ([]domain.Event, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id, job_id, ts, type, payload_json FROM events WHERE job_id=? AND id>? ORDER BY id ASC`, jobID, afterID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.Event
	for rows.Next() {
		var e domain.Event
		var payload string
		if err := rows.Scan(&e.ID, &e.JobID, &e.TS, &e.Type, &payload); err != nil {
			return nil, err
		}
		e.Payload = json.RawMessage(payload)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ---- artifacts ---------------------------------------------------------------

// UpsertArtifact records or replaces artifact metadata for (job_id, kind).
func (r Repo) UpsertArtifact(ctx context.Context, a domain.ArtifactMeta) error {
	_, err := r.DB.ExecContext(ctx, `
		INSERT INTO artifacts(job_id, kind, uri, digest, size, created_at) VALUES (?,?,?,?,?,?)
		ON CONFLICT(job_id, kind) DO UPDATE SET uri=excluded.uri, digest=excluded.digest, size=excluded.size, created_at=excluded.created_at`,
		a.JobID, string(a.Kind), a.URI, a.Digest, a.Size, a.CreatedAt)
	return err
}

// GetArtifact reads one artifact's metadata.
func (r Repo) GetArtifact(ctx context.Context, jobID string, kind domain.ArtifactKind) (domain.ArtifactMeta, error) {
	var a domain.ArtifactMeta
	var k string
	err := r.DB.QueryRowContext(ctx, `SELECT job_id, kind, uri, digest, size, created_at FROM artifacts WHERE job_id=? AND kind=?`, jobID, string(kind)).
		Scan(&a.JobID, &k, &a.URI, &a.Digest, &a.Size, &a.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ArtifactMeta{}, ErrNotFound
	}
	if err != nil {
		return domain.ArtifactMeta{}, err
	}
	a.Kind = domain.ArtifactKind(k)
	return a, nil
}

// ListArtifacts returns every artifact recorded for a job.
func (r Repo) ListArtifacts(ctx context.Context, jobID string) ([]domain.ArtifactMeta, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT job_id, kind, uri, digest, size, created_at FROM artifacts WHERE job_id=?`, jobID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []domain.ArtifactMeta
	for rows.Next() {
		var a domain.ArtifactMeta
		var k string
		if err := rows.Scan(&a.JobID, &k, &a.URI, &a.Digest, &a.Size, &a.CreatedAt); err != nil {
			return nil, err
		}
		a.Kind = domain.ArtifactKind(k)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- tx helper ---------------------------------------------------------------

// WithTx runs fn inside a transaction, committing on success and rolling
// back on error or panic.
func (r Repo) WithTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := r.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

// ---- null helpers, grounded on the teacher's nullable()/nullableStringPtr() idiom ----

func nullableStringPtr(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

func nullableStringPtrOut(s sql.NullString) *string {
	if !s.Valid {
		return nil
	}
	v := s.String
	return &v
}

func nullableInt64Ptr(n sql.NullInt64) *int64 {
	if !n.Valid {
		return nil
	}
	v := n.Int64
	return &v
}

func nullableRaw(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
