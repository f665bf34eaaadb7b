package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"

	"taskrelay/internal/bus"
	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/migrate"
	"taskrelay/internal/server"
)

// Scratch smoke test for the HTTP Bridge: submits a job straight through the
// engine, leases it, then exercises POST /asks and GET /jobs/{id} over HTTP.
func main() {
	conn, err := db.Open(db.Config{Backend: "memory"})
	if err != nil {
		panic(err)
	}
	defer conn.Close()
	if err := migrate.Migrate(conn); err != nil {
		panic(err)
	}
	b := bus.New()
	e := engine.New(conn, b)

	job, err := e.Submit(context.Background(), domain.JobSpec{
		Repo: domain.RepoRef{Type: domain.RepoGit, URL: "https://example.invalid/repo.git", BaseBranch: "main"},
		Task: domain.TaskSpec{Title: "Smoke test", Description: "exercise the bridge"},
		Execution: domain.ExecutionSpec{
			Sandbox: "read-only", AskPolicy: "untrusted", Priority: domain.PriorityP1, TTLS: 3600,
		},
		IdempotencyKey: "checkcfg-smoke",
	})
	if err != nil {
		panic(err)
	}
	if _, ok, err := e.AcquireLease(context.Background(), "checkcfg-worker", 60_000); err != nil || !ok {
		panic(fmt.Sprintf("acquire lease: ok=%v err=%v", ok, err))
	}

	h, err := server.New(server.Config{Engine: e, Bus: b, BasePath: "/v1"})
	if err != nil {
		panic(err)
	}
	ts := httptest.NewServer(h)
	defer ts.Close()

	askBody := map[string]any{
		"job_id":       job.ID,
		"step_id":      "step-1",
		"ask_type":     domain.AskClarification,
		"prompt":           "Which file should I touch?",
		"context_envelope": map[string]any{"role": "default"},
		"context_hash":     "deadbeef",
	}
	b2, _ := json.Marshal(askBody)
	res, err := http.Post(ts.URL+"/v1/asks", "application/json", bytes.NewReader(b2))
	if err != nil {
		panic(err)
	}
	defer res.Body.Close()
	var created any
	_ = json.NewDecoder(res.Body).Decode(&created)
	fmt.Printf("create ask status=%d body=%v\n", res.StatusCode, created)

	statusRes, err := http.Get(ts.URL + "/v1/jobs/" + job.ID)
	if err != nil {
		panic(err)
	}
	defer statusRes.Body.Close()
	var status any
	_ = json.NewDecoder(statusRes.Body).Decode(&status)
	fmt.Printf("job status status=%d body=%v\n", statusRes.StatusCode, status)
}
