package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"taskrelay/internal/bus"
	"taskrelay/internal/domain"
)

// serveJobEventStream implements GET /jobs/{id}/events: an SSE stream
// emitting connected/answer/log/status/heartbeat frames, per spec §4.5.
// Grounded on the ticker-driven dispatch idiom the teacher uses for webhook
// delivery, adapted from a polling cursor to a bus subscription plus an
// initial backfill from the event log.
func serveJobEventStream(w http.ResponseWriter, req *http.Request, cfg Config, jobID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	writeFrame(w, flusher, "connected", map[string]any{"jobId": jobID})

	history, err := cfg.Engine.Repo.EventsByJob(req.Context(), jobID, 0)
	if err != nil {
		writeFrame(w, flusher, "log", map[string]any{"error": err.Error()})
	}
	for _, evt := range history {
		writeFrame(w, flusher, "log", eventFrame(evt))
	}

	frames := make(chan sseFrame, 16)
	if cfg.Bus != nil {
		askSub := cfg.Bus.OnAskCreated(func(e bus.AskCreated) {
			if e.Ask.JobID != jobID {
				return
			}
			send(frames, sseFrame{name: "log", data: map[string]any{"type": "ask.created", "ask": e.Ask}})
		})
		answerSub := cfg.Bus.OnAnswerRecorded(func(e bus.AnswerRecorded) {
			if e.Answer.JobID != jobID {
				return
			}
			send(frames, sseFrame{name: "answer", data: e.Answer})
			send(frames, sseFrame{name: "log", data: map[string]any{"type": "answer.recorded", "answer": e.Answer}})
		})
		stateSub := cfg.Bus.OnJobState(func(e bus.JobStateChanged) {
			if e.JobID != jobID {
				return
			}
			send(frames, sseFrame{name: "status", data: map[string]any{
				"jobId": e.JobID, "state": e.State, "stateVersion": e.StateVersion, "summary": e.Summary,
			}})
		})
		defer cfg.Bus.Unsubscribe(askSub)
		defer cfg.Bus.Unsubscribe(answerSub)
		defer cfg.Bus.Unsubscribe(stateSub)
	}

	heartbeat := time.NewTicker(cfg.SSEHeartbeat)
	defer heartbeat.Stop()

	for {
		select {
		case <-req.Context().Done():
			return
		case <-heartbeat.C:
			writeFrame(w, flusher, "heartbeat", map[string]any{"ts": domain.NowMs()})
		case f := <-frames:
			writeFrame(w, flusher, f.name, f.data)
		}
	}
}

type sseFrame struct {
	name string
	data any
}

func send(ch chan sseFrame, f sseFrame) {
	select {
	case ch <- f:
	default:
		// a slow or disconnected reader drops frames rather than blocking
		// the publisher that owns the Job Manager's call stack, per §4.8's
		// "listeners must not block" rule.
	}
}

func eventFrame(e domain.Event) map[string]any {
	return map[string]any{"type": e.Type, "ts": e.TS, "payload": json.RawMessage(e.Payload)}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, name string, data any) {
	payload, err := json.Marshal(data)
	if err != nil {
		payload = []byte(fmt.Sprintf(`{"error":%q}`, err.Error()))
	}
	fmt.Fprintf(w, "event: %s\n", name)
	fmt.Fprintf(w, "data: %s\n\n", payload)
	flusher.Flush()
}
