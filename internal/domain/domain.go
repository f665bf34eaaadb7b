// Package domain holds the scheduler's typed entities, closed enumerations,
// the job state-transition table, and context-envelope canonicalization.
package domain

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gowebpki/jcs"
)

// Opaque, nominally-distinct id types. A plain string cannot be assigned to
// any of these without an explicit conversion, which is the point.
type (
	JobId      string
	AskId      string
	LeaseOwner string
	CommitHash string
)

// Priority is a closed three-value set.
type Priority string

const (
	PriorityP0 Priority = "P0"
	PriorityP1 Priority = "P1"
	PriorityP2 Priority = "P2"
)

// JobState is the closed set of job lifecycle states.
type JobState string

const (
	JobQueued          JobState = "QUEUED"
	JobRunning         JobState = "RUNNING"
	JobWaitingOnAnswer JobState = "WAITING_ON_ANSWER"
	JobStale           JobState = "STALE"
	JobSucceeded       JobState = "SUCCEEDED"
	JobFailed          JobState = "FAILED"
	JobCanceled        JobState = "CANCELED"
	JobExpired         JobState = "EXPIRED"
)

var terminalStates = map[JobState]bool{
	JobSucceeded: true,
	JobFailed:    true,
	JobCanceled:  true,
	JobExpired:   true,
}

// IsTerminal reports whether a state has no legal outgoing transition.
func (s JobState) IsTerminal() bool {
	return terminalStates[s]
}

// transitions is the state-transition table from spec §4.3. Any pair not
// present here is rejected by EnsureTransition.
var transitions = map[JobState]map[JobState]bool{
	JobQueued: {
		JobRunning:  true,
		JobCanceled: true,
		JobExpired:  true,
	},
	JobRunning: {
		JobSucceeded:       true,
		JobFailed:          true,
		JobCanceled:        true,
		JobExpired:         true,
		JobStale:           true,
		JobWaitingOnAnswer: true,
	},
	JobWaitingOnAnswer: {
		JobRunning:  true,
		JobFailed:   true,
		JobCanceled: true,
		JobExpired:  true,
	},
	JobStale: {
		JobRunning: true,
		JobFailed:  true,
		JobExpired: true,
	},
}

// EnsureTransition reports whether (from, to) is a legal state transition.
// A job in a terminal state never has a legal outgoing transition.
func EnsureTransition(from, to JobState) error {
	if from == to {
		return fmt.Errorf("transition: %s is not a change of state", from)
	}
	if from.IsTerminal() {
		return fmt.Errorf("transition: %s is terminal, cannot move to %s", from, to)
	}
	allowed, ok := transitions[from]
	if !ok || !allowed[to] {
		return fmt.Errorf("transition: %s -> %s is not permitted", from, to)
	}
	return nil
}

// ReasonCode is the stable, user-visible error taxonomy from spec §7.
type ReasonCode string

const (
	ReasonContextMismatch   ReasonCode = "E_CONTEXT_MISMATCH"
	ReasonCapsViolation     ReasonCode = "E_CAPS_VIOLATION"
	ReasonNoContextEnvelope ReasonCode = "E_NO_CONTEXT_ENVELOPE"
	ReasonBadArtifacts      ReasonCode = "BAD_ARTIFACTS"
	ReasonConflict          ReasonCode = "CONFLICT"
	ReasonPolicy            ReasonCode = "POLICY"
	ReasonExecutorError     ReasonCode = "EXECUTOR_ERROR"
	ReasonTimeout           ReasonCode = "TIMEOUT"
	ReasonInternal          ReasonCode = "INTERNAL_ERROR"
)

// AskType is the closed set of ask kinds.
type AskType string

const (
	AskClarification  AskType = "CLARIFICATION"
	AskResourceFetch  AskType = "RESOURCE_FETCH"
	AskPolicyDecision AskType = "POLICY_DECISION"
	AskApproval       AskType = "APPROVAL"
	AskChoice         AskType = "CHOICE"
)

// AskStatus is the closed set of ask/answer statuses.
type AskStatus string

const (
	AskPending  AskStatus = "PENDING"
	AskAnswered AskStatus = "ANSWERED"
	AskRejected AskStatus = "REJECTED"
	AskTimeout  AskStatus = "TIMEOUT"
	AskError    AskStatus = "ERROR"
)

// DefaultRoleFor maps an ask type to its default role id, per spec §4.6 step 2.
func DefaultRoleFor(t AskType) string {
	switch t {
	case AskClarification, AskChoice:
		return "role.clarifier"
	case AskResourceFetch:
		return "role.finder"
	case AskPolicyDecision, AskApproval:
		return "role.policy_decider"
	default:
		return "role.clarifier"
	}
}

// ArtifactKind is the closed set of artifact kinds a worker writes.
type ArtifactKind string

const (
	ArtifactPatchDiff ArtifactKind = "patch.diff"
	ArtifactOutMd     ArtifactKind = "out.md"
	ArtifactLogsTxt   ArtifactKind = "logs.txt"
	ArtifactPRJson    ArtifactKind = "pr.json"
)

// RepoType is the closed set of repository preparation strategies.
type RepoType string

const (
	RepoGit   RepoType = "git"
	RepoLocal RepoType = "local"
)

// RepoRef describes where and how to fetch the repository under work.
type RepoRef struct {
	Type           RepoType `json:"type"`
	URL            string   `json:"url,omitempty"`
	Path           string   `json:"path,omitempty"`
	BaseBranch     string   `json:"baseBranch"`
	BaselineCommit string   `json:"baselineCommit"`
}

// TaskSpec is the executor's unit-of-work description.
type TaskSpec struct {
	Title       string   `json:"title"`
	Description string   `json:"description"`
	Acceptance  []string `json:"acceptance,omitempty"`
}

// ScopeSpec bounds what the executor may touch.
type ScopeSpec struct {
	ReadPaths            []string `json:"readPaths,omitempty"`
	FileGlobs            []string `json:"fileGlobs,omitempty"`
	DisallowReformatting bool     `json:"disallowReformatting,omitempty"`
}

// ContextSpec is optional supporting context bundled with a JobSpec.
type ContextSpec struct {
	DirTreeDigest string   `json:"dirTreeDigest,omitempty"`
	KeySignatures []string `json:"keySignatures,omitempty"`
	CodeSnippets  []string `json:"codeSnippets,omitempty"`
}

// OutputContract is fixed: every job produces exactly these three sections.
var OutputContract = []string{"DIFF", "TEST_PLAN", "NOTES"}

// ExecutionSpec governs how a job is run.
type ExecutionSpec struct {
	PreferredModel string   `json:"preferredModel,omitempty"`
	Sandbox        string   `json:"sandbox"`   // fixed: "read-only"
	AskPolicy      string   `json:"askPolicy"` // fixed: "untrusted"
	TimeoutS       *int     `json:"timeoutS,omitempty"`
	Priority       Priority `json:"priority"`
	TTLS           int      `json:"ttlS"`
}

// NotifySpec optionally requests webhook delivery of job lifecycle events.
type NotifySpec struct {
	URL    string   `json:"url"`
	Secret string   `json:"secret,omitempty"`
	Events []string `json:"events,omitempty"`
}

// JobSpec is the job's immutable specification, validated then frozen at submit time.
type JobSpec struct {
	Repo           RepoRef       `json:"repo"`
	Task           TaskSpec      `json:"task"`
	Scope          ScopeSpec     `json:"scope"`
	Context        *ContextSpec  `json:"context,omitempty"`
	Execution      ExecutionSpec `json:"execution"`
	IdempotencyKey string        `json:"idempotencyKey"`
	Notify         *NotifySpec   `json:"notify,omitempty"`
}

// Job is the persisted unit of executor work.
type Job struct {
	ID             string   `json:"id"`
	IdempotencyKey string   `json:"idempotencyKey"`
	State          JobState `json:"state"`
	StateVersion   int64    `json:"stateVersion"`
	Priority       Priority `json:"priority"`
	CreatedAt      int64    `json:"createdAt"`
	StartedAt      *int64   `json:"startedAt,omitempty"`
	FinishedAt     *int64   `json:"finishedAt,omitempty"`
	TTLS           int      `json:"ttlS"`
	HeartbeatAt    *int64   `json:"heartbeatAt,omitempty"`
	LeaseOwner     *string  `json:"leaseOwner,omitempty"`
	LeaseExpiresAt *int64   `json:"leaseExpiresAt,omitempty"`
	Spec           JobSpec  `json:"spec"`
	Summary        *string  `json:"summary,omitempty"`
	ReasonCode     *string  `json:"reasonCode,omitempty"`
}

// DurationMs computes finished_at - started_at when both are set, per §4.3 getStatus.
func (j Job) DurationMs() *int64 {
	if j.StartedAt == nil || j.FinishedAt == nil {
		return nil
	}
	d := *j.FinishedAt - *j.StartedAt
	return &d
}

// LastUpdate is finished_at ?? started_at ?? created_at, per the MCP jobs_get view.
func (j Job) LastUpdate() int64 {
	if j.FinishedAt != nil {
		return *j.FinishedAt
	}
	if j.StartedAt != nil {
		return *j.StartedAt
	}
	return j.CreatedAt
}

// Constraints bound an Ask's downstream LLM call.
type Constraints struct {
	TimeoutS     *int     `json:"timeout_s,omitempty"`
	MaxTokens    *int     `json:"max_tokens,omitempty"`
	AllowedTools []string `json:"allowed_tools,omitempty"`
}

// Ask is a question raised by a running job.
type Ask struct {
	AskID           string          `json:"ask_id"`
	JobID           string          `json:"job_id"`
	StepID          string          `json:"step_id"`
	AskType         AskType         `json:"ask_type"`
	Prompt          string          `json:"prompt"`
	ContextEnvelope json.RawMessage `json:"context_envelope"`
	ContextHash     string          `json:"context_hash"`
	Constraints     *Constraints    `json:"constraints,omitempty"`
	RoleID          *string         `json:"role_id,omitempty"`
	Meta            json.RawMessage `json:"meta,omitempty"`
	CreatedAt       int64           `json:"created_at"`
	Status          AskStatus       `json:"status"`
}

// Attestation accompanies every ANSWERED answer.
type Attestation struct {
	ContextHash       string   `json:"context_hash"`
	RoleID            string   `json:"role_id"`
	RoleVersion       string   `json:"role_version"`
	Model             string   `json:"model"`
	PromptFingerprint string   `json:"prompt_fingerprint"`
	ToolsUsed         []string `json:"tools_used,omitempty"`
	PolicyVersion     string   `json:"policy_version,omitempty"`
}

// Answer is one-to-one with an Ask.
type Answer struct {
	AskID       string          `json:"ask_id"`
	JobID       string          `json:"job_id"`
	StepID      string          `json:"step_id"`
	Status      AskStatus       `json:"status"`
	AnswerText  *string         `json:"answer_text,omitempty"`
	AnswerJSON  json.RawMessage `json:"answer_json,omitempty"`
	Attestation *Attestation    `json:"attestation,omitempty"`
	Artifacts   []string        `json:"artifacts,omitempty"`
	PolicyTrace json.RawMessage `json:"policy_trace,omitempty"`
	Cacheable   bool            `json:"cacheable"`
	AskBack     *string         `json:"ask_back,omitempty"`
	Error       *string         `json:"error,omitempty"`
	CreatedAt   int64           `json:"created_at"`
}

// DecisionCacheEntry caches a runner answer for identical future decisions.
type DecisionCacheEntry struct {
	DecisionKey string          `json:"decision_key"`
	AnswerJSON  json.RawMessage `json:"answer_json,omitempty"`
	AnswerText  *string         `json:"answer_text,omitempty"`
	PolicyTrace json.RawMessage `json:"policy_trace,omitempty"`
	CreatedAt   int64           `json:"created_at"`
	TTLSeconds  int64           `json:"ttl_seconds"`
}

// Expired reports whether the entry has aged past its ttl as of now (ms epoch).
func (e DecisionCacheEntry) Expired(nowMs int64) bool {
	return e.CreatedAt+e.TTLSeconds*1000 < nowMs
}

// Event is an append-only audit row.
type Event struct {
	ID      int64           `json:"id"`
	JobID   string          `json:"job_id"`
	TS      int64           `json:"ts"`
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// ArtifactMeta records a worker-written artifact.
type ArtifactMeta struct {
	JobID     string       `json:"job_id"`
	Kind      ArtifactKind `json:"kind"`
	URI       string       `json:"uri"`
	Digest    string       `json:"digest"`
	Size      int64        `json:"size"`
	CreatedAt int64        `json:"created_at"`
}

// NowMs is the canonical "milliseconds since epoch" clock used throughout.
func NowMs() int64 {
	return time.Now().UnixMilli()
}

// NewJobID implements the spec's id scheme: "job_" + base36(now_ms) + "_" + random8.
func NewJobID(nowMs int64) string {
	return "job_" + strconv.FormatInt(nowMs, 36) + "_" + randomBase36(8)
}

// NewAskID is a UUID, per §3 "ask_id (UUID)".
func NewAskID() string {
	return uuid.NewString()
}

func randomBase36(n int) string {
	const alphabet = "0123456789abcdefghijklmnopqrstuvwxyz"
	buf := make([]byte, n)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failing is an environment fault, not something callers
		// can usefully recover from.
		panic(err)
	}
	out := make([]byte, n)
	for i, c := range buf {
		out[i] = alphabet[int(c)%len(alphabet)]
	}
	return string(out)
}

// StableHashContext recursively sorts object keys (arrays keep order),
// serializes to RFC 8785 canonical JSON, and returns the lowercase hex
// SHA-256 digest. Identical for any two structurally-equal envelopes
// regardless of source key order.
func StableHashContext(envelope json.RawMessage) (string, error) {
	canon, err := jcs.Transform(envelope)
	if err != nil {
		return "", fmt.Errorf("domain: canonicalize context envelope: %w", err)
	}
	return hashHex(canon), nil
}

func hashHex(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// DecisionKey computes SHA-256(ask_type ‖ prompt ‖ context_hash ‖ policy_version)
// in hex, per the glossary's "Decision key" definition.
func DecisionKey(askType AskType, prompt, contextHash, policyVersion string) string {
	joined := string(askType) + "\x1f" + prompt + "\x1f" + contextHash + "\x1f" + policyVersion
	return hashHex([]byte(joined))
}
