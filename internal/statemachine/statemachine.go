// Package statemachine implements the observable update-lifecycle
// automaton: four states (Idle, Checking, Downloading, Restarting),
// a fixed transition table, and a single serialized goroutine that
// processes events so every observer sees a consistent sequence of
// context snapshots.
package statemachine

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
)

// State is one of the four lifecycle states.
type State string

const (
	StateIdle        State = "idle"
	StateChecking    State = "checking"
	StateDownloading State = "downloading"
	StateRestarting  State = "restarting"
)

// EventType enumerates the events accepted by the automaton.
type EventType string

const (
	EventCheckForUpdateStart    EventType = "checkForUpdateStart"
	EventCheckForUpdateComplete EventType = "checkForUpdateComplete"
	EventDownloadStart          EventType = "downloadStart"
	EventDownloadComplete       EventType = "downloadComplete"
	EventDownloadError          EventType = "downloadError"
	EventRestart                EventType = "restart"
	EventReset                  EventType = "reset"
)

// Event carries an EventType plus any context fields it updates.
type Event struct {
	Type               EventType
	LatestManifest     map[string]any
	DownloadedManifest map[string]any
	RollbackCommitTime string
	IsRollback         bool
	Error              string
}

// Context is the observable snapshot broadcast after every processed
// event. Sequence is monotonically increasing so observers can detect
// drops.
type Context struct {
	Sequence           uint64
	State              State
	LatestManifest     map[string]any
	DownloadedManifest map[string]any
	IsRollback         bool
	RollbackCommitTime string
	CheckError         string
	DownloadError      string
}

// transitions maps (state, event) to the resulting state. Any pair
// absent from this table is a rejected transition: it is logged and
// otherwise discarded, leaving the context, including its Sequence
// number, unchanged and notifying no observer.
var transitions = map[State]map[EventType]State{
	StateIdle: {
		EventCheckForUpdateStart: StateChecking,
		EventDownloadStart:       StateDownloading,
		EventRestart:             StateRestarting,
		EventReset:               StateIdle,
	},
	StateChecking: {
		EventCheckForUpdateComplete: StateIdle,
		EventDownloadStart:          StateDownloading,
		EventRestart:                StateRestarting,
		EventReset:                  StateIdle,
	},
	StateDownloading: {
		EventDownloadComplete: StateIdle,
		EventDownloadError:    StateIdle,
		EventRestart:          StateRestarting,
		EventReset:            StateIdle,
	},
	StateRestarting: {
		EventReset: StateIdle,
	},
}

// Observer receives every context snapshot produced by the machine,
// in order, on the machine's own goroutine. Observers must not block.
type Observer func(Context)

// Machine serializes event processing onto a single goroutine so
// observers never see interleaved or out-of-order snapshots.
type Machine struct {
	logger *slog.Logger

	events chan Event
	done   chan struct{}

	mu        sync.Mutex
	observers []Observer
	ctx       Context
	seq       atomic.Uint64

	stopOnce sync.Once
}

// New starts a Machine in StateIdle. Call Run in a goroutine to begin
// processing; Stop to shut it down.
func New(logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		logger: logger.With("component", "statemachine"),
		events: make(chan Event, 32),
		done:   make(chan struct{}),
		ctx:    Context{State: StateIdle},
	}
}

// Subscribe registers an observer. Safe to call concurrently with Run:
// each dispatch works on a copy of the observer list taken under the
// same lock, so an observer added mid-dispatch first sees the next
// snapshot.
func (m *Machine) Subscribe(o Observer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.observers = append(m.observers, o)
}

// Send enqueues an event for processing. Safe for concurrent callers.
func (m *Machine) Send(ev Event) {
	select {
	case m.events <- ev:
	case <-m.done:
	}
}

// Snapshot returns the most recently broadcast context.
func (m *Machine) Snapshot() Context {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ctx
}

// Run processes events until ctx is cancelled or Stop is called. It
// is the single goroutine that ever mutates the machine's state,
// guaranteeing serialized, in-order observer delivery.
func (m *Machine) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-m.done:
			return
		case ev := <-m.events:
			m.process(ev)
		}
	}
}

// Stop signals Run to exit if it was started with context.Background().
// Safe to call multiple times, and safe to call concurrently with Run
// observing its own context cancellation.
func (m *Machine) Stop() {
	m.stopOnce.Do(func() { close(m.done) })
}

func (m *Machine) process(ev Event) {
	m.mu.Lock()
	current := m.ctx.State
	next, ok := transitions[current][ev.Type]
	if !ok {
		m.mu.Unlock()
		m.logger.Warn("rejected transition", "state", current, "event", ev.Type)
		return
	}

	updated := m.ctx
	updated.State = next
	updated.Sequence = m.seq.Add(1)

	switch ev.Type {
	case EventCheckForUpdateComplete:
		updated.LatestManifest = ev.LatestManifest
		updated.CheckError = ev.Error
	case EventDownloadComplete:
		updated.DownloadedManifest = ev.DownloadedManifest
		updated.IsRollback = ev.IsRollback
		updated.RollbackCommitTime = ev.RollbackCommitTime
		updated.DownloadError = ""
	case EventDownloadError:
		updated.DownloadError = ev.Error
	case EventReset:
		updated = Context{State: StateIdle, Sequence: updated.Sequence}
	}

	m.ctx = updated
	observers := append([]Observer(nil), m.observers...)
	m.mu.Unlock()

	m.logger.Debug("transition", "from", current, "to", next, "event", ev.Type, "seq", updated.Sequence)
	for _, o := range observers {
		o(updated)
	}
}
