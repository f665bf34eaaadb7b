// Package events appends audit rows for job lifecycle changes. It is the
// thin persistence-side half of the scheduler's event plumbing; the
// in-process pub/sub half lives in internal/bus.
package events

import (
	"context"
	"database/sql"

	"taskrelay/internal/domain"
	"taskrelay/internal/repo"
)

// Writer appends one audit row per state-changing operation, always inside
// the caller's transaction so the event and the write it describes commit
// or roll back together.
type Writer struct {
	Repo repo.Repo
	Now  func() int64
}

func New(r repo.Repo) Writer {
	return Writer{Repo: r, Now: domain.NowMs}
}

// Append writes one event row and returns it for forwarding onto the bus.
func (w Writer) Append(ctx context.Context, tx *sql.Tx, jobID, evtType string, payload any) (domain.Event, error) {
	now := domain.NowMs
	if w.Now != nil {
		now = w.Now
	}
	return w.Repo.AppendEventTx(ctx, tx, jobID, now(), evtType, payload)
}
