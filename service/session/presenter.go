package session

import (
	"sync"
	"time"

	"github.com/brojonat/solverify/service/ledger"
)

// Presenter receives session progress. Calls are made outside the session
// lock and may come from timer goroutines.
type Presenter interface {
	OnChecking()
	OnWaiting(remaining time.Duration)
	OnSuccess(record ledger.SignedRecord)
	OnFailure(message string)
	OnCountdownTick(remaining time.Duration)
}

// NopPresenter ignores every callback.
type NopPresenter struct{}

func (NopPresenter) OnChecking()                   {}
func (NopPresenter) OnWaiting(time.Duration)       {}
func (NopPresenter) OnSuccess(ledger.SignedRecord) {}
func (NopPresenter) OnFailure(string)              {}
func (NopPresenter) OnCountdownTick(time.Duration) {}

// Event is one presenter callback, as recorded by RecordingPresenter and
// streamed by the HTTP server.
type Event struct {
	Type      string               `json:"type"`
	Remaining int                  `json:"remaining_seconds,omitempty"`
	Message   string               `json:"message,omitempty"`
	Record    *ledger.SignedRecord `json:"record,omitempty"`
}

// Event types.
const (
	EventChecking  = "checking"
	EventWaiting   = "waiting"
	EventSuccess   = "success"
	EventFailure   = "failure"
	EventCountdown = "countdown"
)

func checkingEvent() Event { return Event{Type: EventChecking} }

func waitingEvent(remaining time.Duration) Event {
	return Event{Type: EventWaiting, Remaining: int(remaining / time.Second)}
}

func successEvent(record ledger.SignedRecord) Event {
	return Event{Type: EventSuccess, Record: &record}
}

func failureEvent(message string) Event { return Event{Type: EventFailure, Message: message} }

func countdownEvent(remaining time.Duration) Event {
	return Event{Type: EventCountdown, Remaining: int(remaining / time.Second)}
}

// EventPresenter adapts a func(Event) to Presenter.
type EventPresenter func(Event)

func (f EventPresenter) OnChecking()                             { f(checkingEvent()) }
func (f EventPresenter) OnWaiting(remaining time.Duration)       { f(waitingEvent(remaining)) }
func (f EventPresenter) OnSuccess(record ledger.SignedRecord)    { f(successEvent(record)) }
func (f EventPresenter) OnFailure(message string)                { f(failureEvent(message)) }
func (f EventPresenter) OnCountdownTick(remaining time.Duration) { f(countdownEvent(remaining)) }

// RecordingPresenter keeps every event in order. Used by tests and the CLI.
type RecordingPresenter struct {
	mu     sync.Mutex
	events []Event
}

func (r *RecordingPresenter) add(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *RecordingPresenter) OnChecking()                             { r.add(checkingEvent()) }
func (r *RecordingPresenter) OnWaiting(remaining time.Duration)       { r.add(waitingEvent(remaining)) }
func (r *RecordingPresenter) OnSuccess(record ledger.SignedRecord)    { r.add(successEvent(record)) }
func (r *RecordingPresenter) OnFailure(message string)                { r.add(failureEvent(message)) }
func (r *RecordingPresenter) OnCountdownTick(remaining time.Duration) { r.add(countdownEvent(remaining)) }

// Events returns a copy of the recorded events.
func (r *RecordingPresenter) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Event, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many events of type were recorded.
func (r *RecordingPresenter) Count(eventType string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e.Type == eventType {
			n++
		}
	}
	return n
}
