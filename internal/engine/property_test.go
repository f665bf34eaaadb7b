//go:build property
// +build property

package engine_test

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"

	"taskrelay/internal/bus"
	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/migrate"
)

// TestSubmitIdempotencyProperty: submit(spec) with the same idempotencyKey
// returns the same jobId while the prior job is non-terminal.
func TestSubmitIdempotencyProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("repeated submit with the same key returns the same job", prop.ForAll(
		func(key string, resubmits int) bool {
			if key == "" {
				return true
			}
			env := newTestEnv(t)
			spec := sampleSpec(key)
			first, err := env.Engine.Submit(env.Ctx, spec)
			if err != nil {
				return false
			}
			for i := 0; i < resubmits%5; i++ {
				again, err := env.Engine.Submit(env.Ctx, spec)
				if err != nil || again.ID != first.ID {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
		gen.IntRange(0, 20),
	))

	properties.TestingRun(t)
}

// TestStateVersionMonotonicityProperty: across any sequence of operations on
// one job, state_version strictly increases.
func TestStateVersionMonotonicityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("state_version strictly increases across transitions", prop.ForAll(
		func(key string) bool {
			if key == "" {
				return true
			}
			env := newTestEnv(t)
			job, err := env.Engine.Submit(env.Ctx, sampleSpec(key))
			if err != nil {
				return false
			}
			versions := []int64{job.StateVersion}

			leased, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000)
			if err != nil || !ok {
				return false
			}
			versions = append(versions, leased.StateVersion)

			ask, err := env.Engine.CreateAsk(env.Ctx, domain.Ask{
				AskID: domain.NewAskID(), JobID: leased.ID, StepID: "step-1",
				AskType: domain.AskClarification, Prompt: "q", ContextHash: "h",
			})
			if err != nil {
				return false
			}
			afterAsk, err := env.Engine.Get(env.Ctx, leased.ID)
			if err != nil {
				return false
			}
			versions = append(versions, afterAsk.StateVersion)

			text := "a"
			if _, err := env.Engine.RecordAnswer(env.Ctx, domain.Answer{AskID: ask.AskID, Status: domain.AskAnswered, AnswerText: &text}); err != nil {
				return false
			}
			afterAnswer, err := env.Engine.Get(env.Ctx, leased.ID)
			if err != nil {
				return false
			}
			versions = append(versions, afterAnswer.StateVersion)

			succeeded, err := env.Engine.Succeed(env.Ctx, leased.ID, "done")
			if err != nil {
				return false
			}
			versions = append(versions, succeeded.StateVersion)

			for i := 1; i < len(versions); i++ {
				if versions[i] <= versions[i-1] {
					return false
				}
			}
			return true
		},
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}

// TestTransitionLegalityProperty: every (from, to) pair actually reached
// through the engine's own operations appears in the table in §4.3.
func TestTransitionLegalityProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 30
	properties := gopter.NewProperties(parameters)

	properties.Property("every transition the engine performs is in the legal table", prop.ForAll(
		func(key string, cancelInsteadOfRun bool) bool {
			if key == "" {
				return true
			}
			env := newTestEnv(t)
			job, err := env.Engine.Submit(env.Ctx, sampleSpec(key))
			if err != nil {
				return false
			}
			from := job.State

			if cancelInsteadOfRun {
				updated, ok, err := env.Engine.Cancel(env.Ctx, job.ID)
				if err != nil || !ok {
					return false
				}
				return domain.EnsureTransition(from, updated.State) == nil
			}

			leased, ok, err := env.Engine.AcquireLease(env.Ctx, "worker-a", 60_000)
			if err != nil || !ok {
				return false
			}
			if domain.EnsureTransition(from, leased.State) != nil {
				return false
			}
			succeeded, err := env.Engine.Succeed(env.Ctx, leased.ID, "done")
			if err != nil {
				return false
			}
			return domain.EnsureTransition(leased.State, succeeded.State) == nil
		},
		gen.AlphaString(),
		gen.Bool(),
	))

	properties.TestingRun(t)
}

// TestSingleLeaseWinnerProperty: with K concurrent acquireLease calls and one
// queued job, exactly one succeeds.
func TestSingleLeaseWinnerProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 20
	properties := gopter.NewProperties(parameters)

	properties.Property("exactly one concurrent acquireLease call wins a single queued job", prop.ForAll(
		func(key string, workers int) bool {
			if key == "" {
				return true
			}
			k := 2 + workers%6

			conn, err := db.Open(db.Config{Backend: "memory"})
			if err != nil {
				return false
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return false
			}
			e := engine.New(conn, bus.New())
			if _, err := e.Submit(context.Background(), sampleSpec(key)); err != nil {
				return false
			}

			var wg sync.WaitGroup
			var mu sync.Mutex
			wins := 0
			for i := 0; i < k; i++ {
				wg.Add(1)
				go func(owner int) {
					defer wg.Done()
					_, ok, err := e.AcquireLease(context.Background(), fmt.Sprintf("worker-%d", owner), 60_000)
					if err == nil && ok {
						mu.Lock()
						wins++
						mu.Unlock()
					}
				}(i)
			}
			wg.Wait()
			return wins == 1
		},
		gen.AlphaString(),
		gen.IntRange(0, 100),
	))

	properties.TestingRun(t)
}

// TestHashDeterminismProperty: stableHashContext(E) is identical no matter
// how E's object keys are ordered.
func TestHashDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("context hash is independent of object key order", prop.ForAll(
		func(keys, values []string) bool {
			n := len(keys)
			if len(values) < n {
				n = len(values)
			}
			fields := make(map[string]string, n)
			order := make([]string, 0, n)
			for i := 0; i < n; i++ {
				if keys[i] == "" {
					continue
				}
				if _, dup := fields[keys[i]]; !dup {
					order = append(order, keys[i])
				}
				fields[keys[i]] = values[i]
			}
			// Serialize the same fields by hand, once in first-seen key order
			// and once reversed; json.Marshal on a map would sort the keys.
			encode := func(reverse bool) []byte {
				parts := make([]string, len(order))
				for i, k := range order {
					kj, _ := json.Marshal(k)
					vj, _ := json.Marshal(fields[k])
					j := i
					if reverse {
						j = len(order) - 1 - i
					}
					parts[j] = string(kj) + ":" + string(vj)
				}
				return []byte("{" + strings.Join(parts, ",") + "}")
			}
			a := encode(false)
			b := encode(true)

			hashA, err := domain.StableHashContext(a)
			if err != nil {
				return false
			}
			hashB, err := domain.StableHashContext(b)
			if err != nil {
				return false
			}
			return hashA == hashB
		},
		gen.SliceOf(gen.AlphaString()),
		gen.SliceOf(gen.AlphaString()),
	))

	properties.TestingRun(t)
}

// TestDecisionKeyDeterminismProperty: the same (ask_type, prompt,
// context_hash, policy_version) tuple always yields the same decision key.
func TestDecisionKeyDeterminismProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 50
	properties := gopter.NewProperties(parameters)

	properties.Property("decision key is deterministic in its inputs", prop.ForAll(
		func(prompt, contextHash, policyVersion string) bool {
			k1 := domain.DecisionKey(domain.AskClarification, prompt, contextHash, policyVersion)
			k2 := domain.DecisionKey(domain.AskClarification, prompt, contextHash, policyVersion)
			return k1 == k2 && len(k1) == 64
		},
		gen.AlphaString(),
		gen.AlphaString(),
		gen.AlphaString(),
	))

	properties.TestingRun(t)
}
