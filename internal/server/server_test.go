package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"taskrelay/internal/bus"
	"taskrelay/internal/db"
	"taskrelay/internal/domain"
	"taskrelay/internal/engine"
	"taskrelay/internal/migrate"
)

type testServer struct {
	URL    string
	Engine engine.Engine
	client *http.Client
	close  func()
}

func (s *testServer) Client() *http.Client { return s.client }
func (s *testServer) Close()               { s.close() }

func newTestServer(t *testing.T) (*testServer, func()) {
	t.Helper()
	conn, err := db.Open(db.Config{Backend: "memory"})
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	if err := migrate.Migrate(conn); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	b := bus.New()
	e := engine.New(conn, b)
	handler, err := New(Config{Engine: e, Bus: b, BasePath: "/v1", LongPollWindow: 2 * time.Second})
	if err != nil {
		t.Fatalf("build handler: %v", err)
	}
	ln, err := net.Listen("tcp4", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := &http.Server{Handler: handler}
	go srv.Serve(ln)
	testSrv := &testServer{
		URL:    "http://" + ln.Addr().String(),
		Engine: e,
		client: &http.Client{},
		close: func() {
			srv.Shutdown(context.Background())
			ln.Close()
			conn.Close()
		},
	}
	return testSrv, func() { testSrv.Close() }
}

func doJSON(t *testing.T, client *http.Client, method, url string, body any) (*http.Response, []byte) {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, url, reader)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	res, err := client.Do(req)
	if err != nil {
		t.Fatalf("do request: %v", err)
	}
	defer res.Body.Close()
	data, err := io.ReadAll(res.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return res, data
}

func runningJob(t *testing.T, srv *testServer, idempotencyKey string) domain.Job {
	t.Helper()
	spec := domain.JobSpec{
		Repo: domain.RepoRef{Type: domain.RepoGit, URL: "https://example.invalid/repo.git", BaseBranch: "main"},
		Task: domain.TaskSpec{Title: "task", Description: "do it"},
		Execution: domain.ExecutionSpec{
			Sandbox: "read-only", AskPolicy: "untrusted", Priority: domain.PriorityP1, TTLS: 3600,
		},
		IdempotencyKey: idempotencyKey,
	}
	job, err := srv.Engine.Submit(context.Background(), spec)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	job, ok, err := srv.Engine.AcquireLease(context.Background(), "worker-a", 60_000)
	if err != nil || !ok {
		t.Fatalf("acquire lease: ok=%v err=%v", ok, err)
	}
	return job
}

func TestHealthCheck(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, data := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/health", nil)
	if res.StatusCode != http.StatusOK {
		t.Fatalf("health status %d: %s", res.StatusCode, string(data))
	}
}

func TestCreateAskThenAnswerRoundtrip(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := runningJob(t, srv, "key-1")

	createRes, createBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/asks", map[string]any{
		"job_id":           job.ID,
		"step_id":          "step-1",
		"ask_type":         domain.AskClarification,
		"prompt":           "Which file?",
		"context_envelope": map[string]any{"role": "default"},
		"context_hash":     "deadbeef",
	})
	if createRes.StatusCode != http.StatusAccepted {
		t.Fatalf("create ask status %d: %s", createRes.StatusCode, string(createBody))
	}
	var ask AskResponse
	if err := json.Unmarshal(createBody, &ask); err != nil {
		t.Fatalf("unmarshal ask: %v", err)
	}
	if ask.Status != domain.AskPending {
		t.Fatalf("expected pending ask, got %s", ask.Status)
	}
	wantLocation := "/asks/" + ask.AskID + "/answer"
	if got := createRes.Header.Get("Location"); got != wantLocation {
		t.Fatalf("expected Location %q, got %q", wantLocation, got)
	}

	answerRes, answerBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/answers", map[string]any{
		"ask_id":      ask.AskID,
		"status":      domain.AskAnswered,
		"answer_text": "Touch main.go",
	})
	if answerRes.StatusCode != http.StatusAccepted {
		t.Fatalf("record answer status %d: %s", answerRes.StatusCode, string(answerBody))
	}

	listRes, listBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/asks", nil)
	if listRes.StatusCode != http.StatusOK {
		t.Fatalf("list asks status %d: %s", listRes.StatusCode, string(listBody))
	}
	var history JobAsksResponse
	if err := json.Unmarshal(listBody, &history); err != nil {
		t.Fatalf("unmarshal asks: %v", err)
	}
	if history.JobID != job.ID || len(history.Asks) != 1 || history.Asks[0].Ask.AskID != ask.AskID {
		t.Fatalf("expected exactly the one ask raised, got %+v", history)
	}
	if history.Asks[0].Answer == nil || history.Asks[0].Answer.AskID != ask.AskID {
		t.Fatalf("expected the recorded answer embedded in the history item, got %+v", history.Asks[0])
	}

	statusRes, statusBody := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/jobs/"+job.ID, nil)
	if statusRes.StatusCode != http.StatusOK {
		t.Fatalf("job status %d: %s", statusRes.StatusCode, string(statusBody))
	}
	var status JobStatusResponse
	if err := json.Unmarshal(statusBody, &status); err != nil {
		t.Fatalf("unmarshal status: %v", err)
	}
	if status.State != domain.JobRunning {
		t.Fatalf("expected job back to RUNNING after the answer, got %s", status.State)
	}
}

func TestLongPollReturnsAnswerAsItArrives(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := runningJob(t, srv, "key-2")

	_, createBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/asks", map[string]any{
		"job_id":           job.ID,
		"step_id":          "step-1",
		"ask_type":         domain.AskClarification,
		"prompt":           "Which file?",
		"context_envelope": map[string]any{"role": "default"},
		"context_hash":     "deadbeef",
	})
	var ask AskResponse
	if err := json.Unmarshal(createBody, &ask); err != nil {
		t.Fatalf("unmarshal ask: %v", err)
	}

	done := make(chan *http.Response, 1)
	go func() {
		res, _ := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/asks/"+ask.AskID+"/answer?wait=5", nil)
		done <- res
	}()

	time.Sleep(100 * time.Millisecond)
	ansRes, ansBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/answers", map[string]any{
		"ask_id":      ask.AskID,
		"status":      domain.AskAnswered,
		"answer_text": "Touch main.go",
	})
	if ansRes.StatusCode != http.StatusAccepted {
		t.Fatalf("record answer: %d %s", ansRes.StatusCode, string(ansBody))
	}

	select {
	case res := <-done:
		if res.StatusCode != http.StatusOK {
			t.Fatalf("expected long-poll to observe the answer, got %d", res.StatusCode)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("long-poll did not return after the answer was recorded")
	}
}

func TestLongPollTimesOutWithNoContent(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := runningJob(t, srv, "key-3")

	_, createBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/asks", map[string]any{
		"job_id":           job.ID,
		"step_id":          "step-1",
		"ask_type":         domain.AskClarification,
		"prompt":           "Which file?",
		"context_envelope": map[string]any{"role": "default"},
		"context_hash":     "deadbeef",
	})
	var ask AskResponse
	if err := json.Unmarshal(createBody, &ask); err != nil {
		t.Fatalf("unmarshal ask: %v", err)
	}

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/asks/"+ask.AskID+"/answer?wait=1", nil)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on an unanswered ask, got %d: %s", res.StatusCode, string(body))
	}
}

func TestLongPollClampsOversizedWait(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := runningJob(t, srv, "key-clamp")

	_, createBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/asks", map[string]any{
		"job_id":           job.ID,
		"step_id":          "step-1",
		"ask_type":         domain.AskClarification,
		"prompt":           "Which file?",
		"context_envelope": map[string]any{"role": "default"},
		"context_hash":     "deadbeef",
	})
	var ask AskResponse
	if err := json.Unmarshal(createBody, &ask); err != nil {
		t.Fatalf("unmarshal ask: %v", err)
	}

	// newTestServer configures LongPollWindow at 2s; a wait far larger than
	// that must still be clamped down to it rather than honored verbatim.
	start := time.Now()
	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/asks/"+ask.AskID+"/answer?wait=120", nil)
	elapsed := time.Since(start)
	if res.StatusCode != http.StatusNoContent {
		t.Fatalf("expected 204 on an unanswered ask, got %d: %s", res.StatusCode, string(body))
	}
	if elapsed > 4*time.Second {
		t.Fatalf("expected the oversized wait to be clamped to the server's long-poll window, took %s", elapsed)
	}
}

func TestLongPollRejectsUnknownAskID(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()

	res, body := doJSON(t, srv.Client(), http.MethodGet, srv.URL+"/v1/asks/does-not-exist/answer?wait=1", nil)
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for an unknown ask id, got %d: %s", res.StatusCode, string(body))
	}
}

func TestJobEventStreamOrdersFramesByEmitOrder(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	job := runningJob(t, srv, "key-sse")

	req, err := http.NewRequest(http.MethodGet, srv.URL+"/v1/jobs/"+job.ID+"/events", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	res, err := srv.Client().Do(req)
	if err != nil {
		t.Fatalf("connect to event stream: %v", err)
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", res.StatusCode)
	}

	names := make(chan string, 16)
	go func() {
		scanner := bufio.NewScanner(res.Body)
		for scanner.Scan() {
			line := scanner.Text()
			if strings.HasPrefix(line, "event: ") {
				names <- strings.TrimPrefix(line, "event: ")
			}
		}
	}()

	expectFrame(t, names, "connected")
	expectFrame(t, names, "log") // backfill: job.submitted

	_, createBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/asks", map[string]any{
		"job_id":           job.ID,
		"step_id":          "step-1",
		"ask_type":         domain.AskClarification,
		"prompt":           "Which file?",
		"context_envelope": map[string]any{"role": "default"},
		"context_hash":     "deadbeef",
	})
	var ask AskResponse
	if err := json.Unmarshal(createBody, &ask); err != nil {
		t.Fatalf("unmarshal ask: %v", err)
	}
	expectFrame(t, names, "log")
	expectFrame(t, names, "status") // job moves RUNNING -> WAITING_ON_ANSWER

	ansRes, ansBody := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/answers", map[string]any{
		"ask_id":      ask.AskID,
		"status":      domain.AskAnswered,
		"answer_text": "Touch main.go",
	})
	if ansRes.StatusCode != http.StatusAccepted {
		t.Fatalf("record answer: %d %s", ansRes.StatusCode, string(ansBody))
	}
	expectFrame(t, names, "answer")
	expectFrame(t, names, "log") // answer.recorded
	expectFrame(t, names, "status")
}

func expectFrame(t *testing.T, names chan string, want string) {
	t.Helper()
	select {
	case got := <-names:
		if got != want {
			t.Fatalf("expected frame %q next, got %q", want, got)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for frame %q", want)
	}
}

func TestCreateAskRejectsMissingFields(t *testing.T) {
	srv, cleanup := newTestServer(t)
	defer cleanup()
	res, body := doJSON(t, srv.Client(), http.MethodPost, srv.URL+"/v1/asks", map[string]any{
		"job_id": "job_does_not_matter",
	})
	if res.StatusCode != http.StatusBadRequest {
		t.Fatalf("expected 400 for a missing required field, got %d: %s", res.StatusCode, string(body))
	}
}
