package server

import (
	"encoding/json"

	"taskrelay/internal/domain"
)

// AskRequest is the wire shape for POST /asks, per spec §6.
type AskRequest struct {
	JobID           string              `json:"job_id"`
	StepID          string              `json:"step_id"`
	AskType         domain.AskType      `json:"ask_type"`
	Prompt          string              `json:"prompt"`
	ContextEnvelope json.RawMessage     `json:"context_envelope"`
	ContextHash     string              `json:"context_hash"`
	Constraints     *domain.Constraints `json:"constraints,omitempty"`
	RoleID          *string             `json:"role_id,omitempty"`
	Meta            json.RawMessage     `json:"meta,omitempty"`
}

// AskResponse mirrors the persisted Ask.
type AskResponse struct {
	AskID           string              `json:"ask_id"`
	JobID           string              `json:"job_id"`
	StepID          string              `json:"step_id"`
	AskType         domain.AskType      `json:"ask_type"`
	Prompt          string              `json:"prompt"`
	ContextEnvelope json.RawMessage     `json:"context_envelope"`
	ContextHash     string              `json:"context_hash"`
	Constraints     *domain.Constraints `json:"constraints,omitempty"`
	RoleID          *string             `json:"role_id,omitempty"`
	Meta            json.RawMessage     `json:"meta,omitempty"`
	CreatedAt       int64               `json:"created_at"`
	Status          domain.AskStatus    `json:"status"`
}

func askResponse(a domain.Ask) AskResponse {
	return AskResponse{
		AskID:           a.AskID,
		JobID:           a.JobID,
		StepID:          a.StepID,
		AskType:         a.AskType,
		Prompt:          a.Prompt,
		ContextEnvelope: a.ContextEnvelope,
		ContextHash:     a.ContextHash,
		Constraints:     a.Constraints,
		RoleID:          a.RoleID,
		Meta:            a.Meta,
		CreatedAt:       a.CreatedAt,
		Status:          a.Status,
	}
}

// AnswerRequest is the wire shape for POST /answers.
type AnswerRequest struct {
	AskID       string              `json:"ask_id"`
	Status      domain.AskStatus    `json:"status"`
	AnswerText  *string             `json:"answer_text,omitempty"`
	AnswerJSON  json.RawMessage     `json:"answer_json,omitempty"`
	Attestation *domain.Attestation `json:"attestation,omitempty"`
	Artifacts   []string            `json:"artifacts,omitempty"`
	PolicyTrace json.RawMessage     `json:"policy_trace,omitempty"`
	Cacheable   *bool               `json:"cacheable,omitempty"`
	AskBack     *string             `json:"ask_back,omitempty"`
	Error       *string             `json:"error,omitempty"`
}

// AnswerResponse mirrors the persisted Answer.
type AnswerResponse struct {
	AskID       string              `json:"ask_id"`
	JobID       string              `json:"job_id"`
	StepID      string              `json:"step_id"`
	Status      domain.AskStatus    `json:"status"`
	AnswerText  *string             `json:"answer_text,omitempty"`
	AnswerJSON  json.RawMessage     `json:"answer_json,omitempty"`
	Attestation *domain.Attestation `json:"attestation,omitempty"`
	Artifacts   []string            `json:"artifacts,omitempty"`
	PolicyTrace json.RawMessage     `json:"policy_trace,omitempty"`
	Cacheable   bool                `json:"cacheable"`
	AskBack     *string             `json:"ask_back,omitempty"`
	Error       *string             `json:"error,omitempty"`
	CreatedAt   int64               `json:"created_at"`
}

func answerResponse(a domain.Answer) AnswerResponse {
	return AnswerResponse{
		AskID:       a.AskID,
		JobID:       a.JobID,
		StepID:      a.StepID,
		Status:      a.Status,
		AnswerText:  a.AnswerText,
		AnswerJSON:  a.AnswerJSON,
		Attestation: a.Attestation,
		Artifacts:   a.Artifacts,
		PolicyTrace: a.PolicyTrace,
		Cacheable:   a.Cacheable,
		AskBack:     a.AskBack,
		Error:       a.Error,
		CreatedAt:   a.CreatedAt,
	}
}

// JobStatusResponse is the spec's JobStatus view, per §4.3 getStatus.
type JobStatusResponse struct {
	ID         string          `json:"id"`
	State      domain.JobState `json:"state"`
	Summary    *string         `json:"summary,omitempty"`
	ReasonCode *string         `json:"reasonCode,omitempty"`
	LastUpdate int64           `json:"lastUpdate"`
	DurationMs *int64          `json:"durationMs,omitempty"`
}

func jobStatusResponse(j domain.Job) JobStatusResponse {
	return JobStatusResponse{
		ID:         j.ID,
		State:      j.State,
		Summary:    j.Summary,
		ReasonCode: j.ReasonCode,
		LastUpdate: j.LastUpdate(),
		DurationMs: j.DurationMs(),
	}
}

// AskHistoryItem pairs one Ask with its Answer, once recorded, for the
// job ask/answer history view.
type AskHistoryItem struct {
	Ask    AskResponse     `json:"ask"`
	Answer *AnswerResponse `json:"answer,omitempty"`
}

// JobAsksResponse is the wire shape for GET /jobs/{id}/asks, per spec §4.5's
// `{jobId, asks:[{ask, answer?}]}` history contract.
type JobAsksResponse struct {
	JobID string           `json:"jobId"`
	Asks  []AskHistoryItem `json:"asks"`
}
