// Package bus is the Event Bus (C8): an in-process, single-process typed
// pub/sub used by the HTTP Bridge to receive ask.created, answer.recorded,
// and job.state notifications from the Job Manager without polling.
//
// Delivery is synchronous to registered listeners inside the emitting call;
// listeners must not block on I/O themselves (they hand off to goroutines if
// they need to do any), and a listener's failure is logged, never
// propagated back to the emitter — see the design note "event bus vs
// database polling" in SPEC_FULL.md, which the HTTP Bridge honors by always
// consulting the database before registering a waiter, so drops here
// degrade to latency, never to lost answers.
package bus

import (
	"log/slog"
	"sync"

	"taskrelay/internal/domain"
)

// AskCreated is published when the Job Manager records a new Ask.
type AskCreated struct {
	Ask domain.Ask
}

// AnswerRecorded is published when the Job Manager records an Answer.
type AnswerRecorded struct {
	Answer domain.Answer
}

// JobStateChanged is published on every job state write.
type JobStateChanged struct {
	JobID        string
	State        domain.JobState
	StateVersion int64
	Summary      *string
}

// Bus is a minimal typed pub/sub keyed by event kind. Listeners run inline
// on the emitting goroutine, after the listener set is copied under a read
// lock and the lock is released; they are expected to be cheap (map lookups, channel
// sends) because the emitting call blocks on them.
type Bus struct {
	mu              sync.RWMutex
	nextID          uint64
	askListeners    map[uint64]func(AskCreated)
	answerListeners map[uint64]func(AnswerRecorded)
	stateListeners  map[uint64]func(JobStateChanged)
}

func New() *Bus {
	return &Bus{
		askListeners:    map[uint64]func(AskCreated){},
		answerListeners: map[uint64]func(AnswerRecorded){},
		stateListeners:  map[uint64]func(JobStateChanged){},
	}
}

// Unsubscribe removes a previously registered listener. Safe to call more
// than once or with an id the bus no longer holds.
func (b *Bus) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.askListeners, id)
	delete(b.answerListeners, id)
	delete(b.stateListeners, id)
}

func (b *Bus) OnAskCreated(fn func(AskCreated)) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.askListeners[id] = fn
	return id
}

func (b *Bus) OnAnswerRecorded(fn func(AnswerRecorded)) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.answerListeners[id] = fn
	return id
}

func (b *Bus) OnJobState(fn func(JobStateChanged)) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	id := b.nextID
	b.stateListeners[id] = fn
	return id
}

func (b *Bus) PublishAskCreated(evt AskCreated) {
	b.mu.RLock()
	listeners := make([]func(AskCreated), 0, len(b.askListeners))
	for _, fn := range b.askListeners {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		safeCall(func() { fn(evt) })
	}
}

func (b *Bus) PublishAnswerRecorded(evt AnswerRecorded) {
	b.mu.RLock()
	listeners := make([]func(AnswerRecorded), 0, len(b.answerListeners))
	for _, fn := range b.answerListeners {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		safeCall(func() { fn(evt) })
	}
}

func (b *Bus) PublishJobState(evt JobStateChanged) {
	b.mu.RLock()
	listeners := make([]func(JobStateChanged), 0, len(b.stateListeners))
	for _, fn := range b.stateListeners {
		listeners = append(listeners, fn)
	}
	b.mu.RUnlock()
	for _, fn := range listeners {
		safeCall(func() { fn(evt) })
	}
}

// safeCall isolates one listener's panic from the emitter and from other
// listeners, per "listeners may fail independently; failures are logged,
// never propagated back."
func safeCall(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("bus: listener panicked", "recover", r)
		}
	}()
	fn()
}
