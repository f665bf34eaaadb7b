// Package runner is the Answer Runner (C6): it consumes ask.created events,
// resolves a role, builds a layered prompt, calls the LLM collaborator,
// validates and attests the result, and records the Answer back through the
// Job Manager, per spec §4.6.
package runner

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/cel-go/cel"
	"github.com/santhosh-tekuri/jsonschema/v5"

	"taskrelay/internal/bus"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/llm"
	"taskrelay/internal/repo"
)

const baseSystemPrompt = `You are an answer runner for an automated task-relay scheduler.
Respond with a single JSON object only, no prose outside it, with these optional fields:
  answer_text: string
  answer_json: object or array
  ask_back: string
Summarize aggressively. Output JSON only.`

// Config bounds the runner's defaults, mirroring the config-dir layer.
type Config struct {
	DefaultTimeout    time.Duration
	MaxRetries        int
	DecisionCacheTTLS int64
}

// Runner wires the collaborators the Answer Runner depends on.
type Runner struct {
	Engine engine.Engine
	Repo   repo.Repo
	LLM    llm.Client
	Roles  *RoleStore
	Bus    *bus.Bus
	Config Config
	Now    func() int64

	celEnv *cel.Env
}

func New(e engine.Engine, r repo.Repo, client llm.Client, roles *RoleStore, b *bus.Bus, cfg Config) (*Runner, error) {
	if cfg.DefaultTimeout <= 0 {
		cfg.DefaultTimeout = 60 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 3
	}
	if cfg.DecisionCacheTTLS <= 0 {
		cfg.DecisionCacheTTLS = 86_400
	}
	env, err := cel.NewEnv(
		cel.Variable("answer_json", cel.DynType),
		cel.Variable("ask_type", cel.StringType),
	)
	if err != nil {
		return nil, fmt.Errorf("runner: create cel environment: %w", err)
	}
	return &Runner{
		Engine: e,
		Repo:   r,
		LLM:    client,
		Roles:  roles,
		Bus:    b,
		Config: cfg,
		Now:    domain.NowMs,
		celEnv: env,
	}, nil
}

// Start registers the runner as an ask.created listener. Per §4.8, bus
// listeners must not block, so each ask is handled on its own goroutine.
func (r *Runner) Start(ctx context.Context) {
	r.Bus.OnAskCreated(func(evt bus.AskCreated) {
		go func() {
			if err := r.Handle(ctx, evt.Ask); err != nil {
				slog.Error("runner: handle ask failed", "ask_id", evt.Ask.AskID, "err", err)
			}
		}()
	})
}

// Handle runs the full eight-step procedure for a single Ask.
func (r *Runner) Handle(ctx context.Context, ask domain.Ask) error {
	now := r.Now()

	// Step 1: fail-fast context verification.
	gotHash, err := domain.StableHashContext(ask.ContextEnvelope)
	if err != nil || gotHash != ask.ContextHash {
		_, recErr := r.Engine.RecordAnswer(ctx, domain.Answer{
			AskID:     ask.AskID,
			Status:    domain.AskError,
			Error:     strPtr(fmt.Sprintf("E_CONTEXT_MISMATCH: context envelope hash does not match ask.context_hash")),
			Cacheable: false,
			CreatedAt: now,
		})
		return recErr
	}

	policyVersion := extractPolicyVersion(ask.ContextEnvelope)

	// Decision cache check, ahead of step 4's LLM call.
	decisionKey := domain.DecisionKey(ask.AskType, ask.Prompt, ask.ContextHash, policyVersion)
	if entry, err := r.Repo.DecisionCacheGet(ctx, decisionKey); err == nil && !entry.Expired(now) {
		return r.recordFromCache(ctx, ask, entry)
	}

	// Step 2: resolve role.
	roleID := domain.DefaultRoleFor(ask.AskType)
	explicit := ask.RoleID != nil && *ask.RoleID != ""
	if explicit {
		roleID = *ask.RoleID
	}
	role, err := r.Roles.Load(roleID)
	if err != nil {
		if explicit {
			_, recErr := r.Engine.RecordAnswer(ctx, domain.Answer{
				AskID:     ask.AskID,
				Status:    domain.AskError,
				Error:     strPtr(fmt.Sprintf("role %q not found: %v", roleID, err)),
				Cacheable: false,
				CreatedAt: now,
			})
			return recErr
		}
		role = Role{ID: roleID, Version: "0"}
	}

	// Step 3: build the layered prompt.
	prompt := buildPrompt(ask, role)
	fingerprint := sha256.Sum256([]byte(prompt))

	// Step 4: call the LLM.
	maxTokens := 4096
	if ask.Constraints != nil && ask.Constraints.MaxTokens != nil {
		maxTokens = *ask.Constraints.MaxTokens
	} else if role.Limits.MaxTokens > 0 {
		maxTokens = role.Limits.MaxTokens
	}
	timeout := r.Config.DefaultTimeout
	if ask.Constraints != nil && ask.Constraints.TimeoutS != nil {
		timeout = time.Duration(*ask.Constraints.TimeoutS) * time.Second
	} else if role.Limits.TimeoutS > 0 {
		timeout = time.Duration(role.Limits.TimeoutS) * time.Second
	}

	raw, err := r.LLM.Complete(ctx, prompt, maxTokens, timeout)
	if err != nil {
		_, recErr := r.Engine.RecordAnswer(ctx, domain.Answer{
			AskID:     ask.AskID,
			Status:    domain.AskError,
			Error:     strPtr(fmt.Sprintf("llm call failed: %v", err)),
			Cacheable: false,
			CreatedAt: now,
		})
		return recErr
	}

	// Step 5: parse the outermost JSON object.
	answerText, answerJSON, askBack := parseResponse(raw)

	// Step 6: validate against role.output_schema with retry/backoff.
	cacheable := true
	if answerJSON != nil {
		if err := r.validateOutput(role, answerJSON); err != nil {
			answerJSON, err = r.retryUntilValid(ctx, role, prompt, maxTokens, timeout, err)
			if err != nil {
				slog.Warn("runner: output schema validation exhausted retries, downgrading", "ask_id", ask.AskID, "err", err)
				answerText = strPtr(string(mustMarshal(answerJSON)))
				answerJSON = nil
				cacheable = false
			}
		}
	}

	// Guardrails: evaluate role.guardrails against the produced answer_json.
	policyTrace, rejected, rejectReason := r.evaluateGuardrails(role, ask.AskType, answerJSON)
	if rejected {
		_, recErr := r.Engine.RecordAnswer(ctx, domain.Answer{
			AskID:       ask.AskID,
			Status:      domain.AskRejected,
			Error:       strPtr(rejectReason),
			PolicyTrace: policyTrace,
			Cacheable:   false,
			CreatedAt:   now,
		})
		return recErr
	}

	// Step 7: attest.
	attestation := &domain.Attestation{
		ContextHash:       ask.ContextHash,
		RoleID:            role.ID,
		RoleVersion:       role.Version,
		Model:             modelName(r.LLM),
		PromptFingerprint: hex.EncodeToString(fingerprint[:]),
		ToolsUsed:         role.ToolWhitelist,
		PolicyVersion:     policyVersion,
	}

	// Step 8: record.
	answer := domain.Answer{
		AskID:       ask.AskID,
		Status:      domain.AskAnswered,
		AnswerText:  answerText,
		AnswerJSON:  answerJSON,
		AskBack:     askBack,
		Attestation: attestation,
		PolicyTrace: policyTrace,
		Cacheable:   cacheable,
		CreatedAt:   now,
	}
	recorded, err := r.Engine.RecordAnswer(ctx, answer)
	if err != nil {
		return err
	}

	if cacheable {
		entry := domain.DecisionCacheEntry{
			DecisionKey: decisionKey,
			AnswerJSON:  recorded.AnswerJSON,
			AnswerText:  recorded.AnswerText,
			PolicyTrace: recorded.PolicyTrace,
			CreatedAt:   now,
			TTLSeconds:  r.Config.DecisionCacheTTLS,
		}
		if err := r.Repo.DecisionCacheUpsert(ctx, entry); err != nil {
			slog.Error("runner: decision cache upsert failed", "ask_id", ask.AskID, "err", err)
		}
	}
	return nil
}

func (r *Runner) recordFromCache(ctx context.Context, ask domain.Ask, entry domain.DecisionCacheEntry) error {
	_, err := r.Engine.RecordAnswer(ctx, domain.Answer{
		AskID:       ask.AskID,
		Status:      domain.AskAnswered,
		AnswerText:  entry.AnswerText,
		AnswerJSON:  entry.AnswerJSON,
		PolicyTrace: entry.PolicyTrace,
		Cacheable:   true,
		CreatedAt:   r.Now(),
	})
	return err
}

func (r *Runner) retryUntilValid(ctx context.Context, role Role, prompt string, maxTokens int, timeout time.Duration, lastErr error) (json.RawMessage, error) {
	for attempt := 1; attempt <= r.Config.MaxRetries; attempt++ {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(backoff(attempt)):
		}
		raw, err := r.LLM.Complete(ctx, prompt, maxTokens, timeout)
		if err != nil {
			lastErr = err
			continue
		}
		_, answerJSON, _ := parseResponse(raw)
		if answerJSON == nil {
			lastErr = fmt.Errorf("no JSON object in retry response")
			continue
		}
		if err := r.validateOutput(role, answerJSON); err != nil {
			lastErr = err
			continue
		}
		return answerJSON, nil
	}
	return nil, lastErr
}

func backoff(attempt int) time.Duration {
	d := time.Second
	for i := 1; i < attempt; i++ {
		d *= 2
	}
	return d
}

func (r *Runner) validateOutput(role Role, answerJSON json.RawMessage) error {
	schemaJSON, err := role.OutputSchemaJSON()
	if err != nil {
		return err
	}
	compiler := jsonschema.NewCompiler()
	compiler.Draft = jsonschema.Draft2020
	url := fmt.Sprintf("https://taskrelay.local/roles/%s/output.schema.json", role.ID)
	if err := compiler.AddResource(url, strings.NewReader(string(schemaJSON))); err != nil {
		return fmt.Errorf("runner: load output schema: %w", err)
	}
	schema, err := compiler.Compile(url)
	if err != nil {
		return fmt.Errorf("runner: compile output schema: %w", err)
	}
	var v any
	if err := json.Unmarshal(answerJSON, &v); err != nil {
		return fmt.Errorf("runner: decode answer_json: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("runner: answer_json failed schema validation: %w", err)
	}
	return nil
}

// evaluateGuardrails compiles and runs each of role.Guardrails as a CEL
// expression over {answer_json, ask_type}, expecting a bool result; any
// expression evaluating to false rejects the answer.
func (r *Runner) evaluateGuardrails(role Role, askType domain.AskType, answerJSON json.RawMessage) (json.RawMessage, bool, string) {
	if len(role.Guardrails) == 0 {
		return nil, false, ""
	}
	var decoded any
	if answerJSON != nil {
		_ = json.Unmarshal(answerJSON, &decoded)
	}
	trace := []map[string]any{}
	for _, expr := range role.Guardrails {
		ast, issues := r.celEnv.Compile(expr)
		if issues != nil && issues.Err() != nil {
			trace = append(trace, map[string]any{"rule": expr, "error": issues.Err().Error()})
			continue
		}
		prg, err := r.celEnv.Program(ast)
		if err != nil {
			trace = append(trace, map[string]any{"rule": expr, "error": err.Error()})
			continue
		}
		out, _, err := prg.Eval(map[string]any{"answer_json": decoded, "ask_type": string(askType)})
		if err != nil {
			trace = append(trace, map[string]any{"rule": expr, "error": err.Error()})
			continue
		}
		passed, ok := out.Value().(bool)
		trace = append(trace, map[string]any{"rule": expr, "passed": ok && passed})
		if ok && !passed {
			traceJSON, _ := json.Marshal(trace)
			return traceJSON, true, fmt.Sprintf("guardrail violated: %s", expr)
		}
	}
	traceJSON, _ := json.Marshal(trace)
	return traceJSON, false, ""
}

// buildPrompt assembles the Base/Role/Context/Task sections per §4.6 step 3.
func buildPrompt(ask domain.Ask, role Role) string {
	var sb strings.Builder
	sb.WriteString(baseSystemPrompt)

	if role.ID != "" {
		sb.WriteString("\n---\n")
		fmt.Fprintf(&sb, "Role: %s v%s\nPurpose: %s\n%s\n", role.ID, role.Version, role.Purpose, role.System)
		if schema, err := role.OutputSchemaJSON(); err == nil {
			fmt.Fprintf(&sb, "Output schema: %s\n", schema)
		}
		if len(role.ToolWhitelist) > 0 {
			fmt.Fprintf(&sb, "Tool whitelist: %s\n", strings.Join(role.ToolWhitelist, ", "))
		}
		if role.Limits.MaxTokens > 0 || role.Limits.TimeoutS > 0 {
			fmt.Fprintf(&sb, "Limits: max_tokens=%d timeout_s=%d\n", role.Limits.MaxTokens, role.Limits.TimeoutS)
		}
	}

	sb.WriteString("\n---\n")
	fmt.Fprintf(&sb, "jobId: %s\nstepId: %s\naskType: %s\n", ask.JobID, ask.StepID, ask.AskType)
	if ask.Constraints != nil {
		if len(ask.Constraints.AllowedTools) > 0 {
			fmt.Fprintf(&sb, "Allowed tools: %s\n", strings.Join(ask.Constraints.AllowedTools, ", "))
		}
		if ask.Constraints.TimeoutS != nil {
			fmt.Fprintf(&sb, "Timeout: %ds\n", *ask.Constraints.TimeoutS)
		}
		if ask.Constraints.MaxTokens != nil {
			fmt.Fprintf(&sb, "Max tokens: %d\n", *ask.Constraints.MaxTokens)
		}
	}
	if len(ask.Meta) > 0 {
		fmt.Fprintf(&sb, "Meta: %s\n", string(ask.Meta))
	}

	sb.WriteString("\n---\n")
	sb.WriteString(ask.Prompt)
	if override := promptOverride(ask.Meta, "system_append"); override != "" {
		sb.WriteString("\n")
		sb.WriteString(override)
	}
	if override := promptOverride(ask.Meta, "output_schema"); override != "" {
		sb.WriteString("\nOutput schema override: ")
		sb.WriteString(override)
	}
	sb.WriteString("\nReturn JSON only.")

	return sb.String()
}

func promptOverride(meta json.RawMessage, field string) string {
	if len(meta) == 0 {
		return ""
	}
	var parsed struct {
		PromptOverrides map[string]json.RawMessage `json:"prompt_overrides"`
	}
	if err := json.Unmarshal(meta, &parsed); err != nil {
		return ""
	}
	raw, ok := parsed.PromptOverrides[field]
	if !ok {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	return string(raw)
}

// parseResponse locates the outermost {...} JSON object in the LLM's raw
// text, per §4.6 step 5. If none is found, the raw text becomes answer_text.
func parseResponse(raw string) (answerText *string, answerJSON json.RawMessage, askBack *string) {
	start := strings.Index(raw, "{")
	end := strings.LastIndex(raw, "}")
	if start < 0 || end <= start {
		text := strings.TrimSpace(raw)
		return &text, nil, nil
	}
	candidate := raw[start : end+1]
	var parsed struct {
		AnswerText string          `json:"answer_text"`
		AnswerJSON json.RawMessage `json:"answer_json"`
		AskBack    string          `json:"ask_back"`
	}
	if err := json.Unmarshal([]byte(candidate), &parsed); err != nil {
		text := strings.TrimSpace(raw)
		return &text, nil, nil
	}
	if parsed.AnswerText != "" {
		answerText = &parsed.AnswerText
	}
	if len(parsed.AnswerJSON) > 0 {
		answerJSON = parsed.AnswerJSON
	}
	if parsed.AskBack != "" {
		askBack = &parsed.AskBack
	}
	if answerText == nil && answerJSON == nil && askBack == nil {
		// The object itself is the payload, not a {answer_text,...} wrapper.
		answerJSON = json.RawMessage(candidate)
	}
	return answerText, answerJSON, askBack
}

func extractPolicyVersion(envelope json.RawMessage) string {
	if len(envelope) == 0 {
		return ""
	}
	var parsed struct {
		JobSnapshot struct {
			PolicyVersion string `json:"policy_version"`
		} `json:"job_snapshot"`
	}
	if err := json.Unmarshal(envelope, &parsed); err != nil {
		return ""
	}
	return parsed.JobSnapshot.PolicyVersion
}

func modelName(c llm.Client) string {
	if a, ok := c.(*llm.AnthropicClient); ok {
		return a.Model
	}
	return "unknown"
}

func strPtr(s string) *string { return &s }

func mustMarshal(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
