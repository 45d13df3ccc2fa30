package reactive

import (
	"log/slog"
	"sync"
	"time"
)

// ProgressKind separates job and workflow progress events.
type ProgressKind string

const (
	ProgressJob      ProgressKind = "job"
	ProgressWorkflow ProgressKind = "workflow"
)

// ProgressEvent is one in-process progress report. Everything it carries also
// lands in the database and flows through the change triggers eventually; the
// bus is the sub-millisecond path between a handler and this node's
// subscribers.
type ProgressEvent struct {
	Kind     ProgressKind
	TargetID string // job ID or workflow run ID
	Percent  int
	Message  string
	At       time.Time
}

// ProgressBus is a per-node fan-out for progress events. Publishing never
// blocks: a subscriber that stops draining loses events (the durable path
// still delivers the final state).
type ProgressBus struct {
	mu   sync.RWMutex
	subs map[int]chan ProgressEvent
	next int
}

// NewProgressBus creates an empty bus.
func NewProgressBus() *ProgressBus {
	return &ProgressBus{subs: make(map[int]chan ProgressEvent)}
}

// Subscribe registers a consumer. The returned cancel unregisters and closes
// the channel.
func (b *ProgressBus) Subscribe(buffer int) (<-chan ProgressEvent, func()) {
	if buffer <= 0 {
		buffer = 256
	}
	ch := make(chan ProgressEvent, buffer)

	b.mu.Lock()
	id := b.next
	b.next++
	b.subs[id] = ch
	b.mu.Unlock()

	cancel := func() {
		b.mu.Lock()
		if _, ok := b.subs[id]; ok {
			delete(b.subs, id)
			close(ch)
		}
		b.mu.Unlock()
	}
	return ch, cancel
}

// Publish fans the event to every subscriber, dropping on full buffers.
func (b *ProgressBus) Publish(event ProgressEvent) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- event:
		default:
			slog.Debug("progress event dropped",
				"kind", event.Kind, "target_id", event.TargetID)
		}
	}
}

// PublishJobProgress adapts the bus to the worker pool's publisher interface.
func (b *ProgressBus) PublishJobProgress(jobID string, percent int, message string) {
	b.Publish(ProgressEvent{
		Kind:     ProgressJob,
		TargetID: jobID,
		Percent:  percent,
		Message:  message,
	})
}

// PublishWorkflowProgress reports a workflow step transition.
func (b *ProgressBus) PublishWorkflowProgress(runID string, percent int, message string) {
	b.Publish(ProgressEvent{
		Kind:     ProgressWorkflow,
		TargetID: runID,
		Percent:  percent,
		Message:  message,
	})
}
