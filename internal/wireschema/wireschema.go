// Package wireschema compiles the JSON Schemas for the three wire payloads
// the Job Manager accepts from the outside — JobSpec, the Ask payload, and
// the Answer payload — and validates incoming requests against them before
// anything is persisted. The compiler and validation call shape mirror
// internal/runner's output-schema conformance check, same library, same
// Draft2020 compiler, just pointed at schemas for the inbound side instead
// of a role's declared output.
package wireschema

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	jobSpecSchemaJSON = `{
		"type": "object",
		"required": ["repo", "task", "execution", "idempotencyKey"],
		"properties": {
			"repo": {
				"type": "object",
				"required": ["type", "baseBranch", "baselineCommit"],
				"properties": {
					"type": {"enum": ["git", "local"]}
				}
			},
			"task": {
				"type": "object",
				"required": ["title", "description"]
			},
			"execution": {
				"type": "object",
				"required": ["sandbox", "askPolicy", "priority", "ttlS"]
			},
			"idempotencyKey": {"type": "string", "minLength": 1}
		}
	}`

	askPayloadSchemaJSON = `{
		"type": "object",
		"required": ["job_id", "step_id", "ask_type", "prompt", "context_envelope", "context_hash"],
		"properties": {
			"job_id": {"type": "string", "minLength": 1},
			"step_id": {"type": "string", "minLength": 1},
			"ask_type": {"enum": ["CLARIFICATION", "RESOURCE_FETCH", "POLICY_DECISION", "APPROVAL", "CHOICE"]},
			"prompt": {"type": "string", "minLength": 1},
			"context_envelope": {"type": "object"},
			"context_hash": {"type": "string", "minLength": 1}
		}
	}`

	answerPayloadSchemaJSON = `{
		"type": "object",
		"required": ["ask_id", "status"],
		"properties": {
			"ask_id": {"type": "string", "minLength": 1},
			"status": {"enum": ["PENDING", "ANSWERED", "REJECTED", "TIMEOUT", "ERROR"]}
		}
	}`
)

var (
	jobSpecSchema       = compile("job-spec", jobSpecSchemaJSON)
	askPayloadSchema    = compile("ask-payload", askPayloadSchemaJSON)
	answerPayloadSchema = compile("answer-payload", answerPayloadSchemaJSON)
)

func compile(name, schemaJSON string) *jsonschema.Schema {
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://taskrelay.local/schemas/%s.json", name)
	if err := compiler.AddResource(url, strings.NewReader(schemaJSON)); err != nil {
		panic(fmt.Sprintf("wireschema: load %s schema: %v", name, err))
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		panic(fmt.Sprintf("wireschema: compile %s schema: %v", name, err))
	}
	return schema
}

// ValidationError wraps a schema.Validate failure with the field-ish detail
// a caller needs to surface in an API error's details.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return e.Err.Error() }
func (e *ValidationError) Unwrap() error { return e.Err }

func validate(schema *jsonschema.Schema, raw []byte) error {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return &ValidationError{Err: fmt.Errorf("invalid json: %w", err)}
	}
	if err := schema.Validate(v); err != nil {
		return &ValidationError{Err: err}
	}
	return nil
}

// ValidateJobSpec checks a raw JobSpec body against the job-spec schema.
func ValidateJobSpec(raw []byte) error { return validate(jobSpecSchema, raw) }

// ValidateAskPayload checks a raw Ask-creation body against the ask-payload
// schema. It does not special-case a missing context_envelope — callers that
// need to surface E_NO_CONTEXT_ENVELOPE distinctly from other validation
// failures should check MissingContextEnvelope first.
func ValidateAskPayload(raw []byte) error { return validate(askPayloadSchema, raw) }

// ValidateAnswerPayload checks a raw Answer-recording body against the
// answer-payload schema.
func ValidateAnswerPayload(raw []byte) error { return validate(answerPayloadSchema, raw) }

// MissingContextEnvelope reports whether raw is a JSON object with no
// context_envelope member at all (as opposed to one that's present but
// fails the schema, which ValidateAskPayload already reports).
func MissingContextEnvelope(raw []byte) bool {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return false
	}
	_, ok := fields["context_envelope"]
	return !ok
}
