package job

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// Handler executes one job. Input is the raw JSON recorded at enqueue time;
// the returned value is serialized into the job's output column.
type Handler func(ctx *Context, input json.RawMessage) (any, error)

// Info describes a registered job type.
type Info struct {
	Name             string
	MaxAttempts      int           // default 3
	Timeout          time.Duration // per-execution deadline, default 5m
	Backoff          BackoffConfig
	WorkerCapability string // non-empty restricts execution to tagged workers
	DeadLetter       bool   // move exhausted jobs to the dead letter queue
}

func (i *Info) applyDefaults() {
	if i.MaxAttempts <= 0 {
		i.MaxAttempts = 3
	}
	if i.Timeout <= 0 {
		i.Timeout = 5 * time.Minute
	}
	i.Backoff.applyDefaults()
}

// Registry maps job type names to handlers and their metadata. Registration
// happens at composition time; lookups are concurrent with execution.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]*registration
}

type registration struct {
	info    Info
	handler Handler
}

// NewRegistry creates an empty job registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]*registration)}
}

// Register adds a job type. Registering the same name twice is a programming
// error and panics, matching registry semantics elsewhere in the core.
func (r *Registry) Register(info Info, handler Handler) {
	if info.Name == "" {
		panic("job: registered with empty name")
	}
	if handler == nil {
		panic(fmt.Sprintf("job: %q registered with nil handler", info.Name))
	}
	info.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[info.Name]; exists {
		panic(fmt.Sprintf("job: %q registered twice", info.Name))
	}
	r.handlers[info.Name] = &registration{info: info, handler: handler}
}

// Lookup returns the handler and metadata for a job type.
func (r *Registry) Lookup(name string) (Info, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.handlers[name]
	if !ok {
		return Info{}, nil, domain.NewError(domain.KindValidation, "unknown job type %q", name)
	}
	return reg.info, reg.handler, nil
}

// Names returns the registered job type names.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.handlers))
	for name := range r.handlers {
		names = append(names, name)
	}
	return names
}

// Context is handed to job handlers. It carries the execution deadline via
// the embedded context and lets handlers publish progress.
type Context struct {
	context.Context

	Job      *domain.Job
	WorkerID string

	progress ProgressSink
}

// ProgressSink receives progress events from an executing job. The worker
// pool persists them and forwards them onto the in-process progress bus.
type ProgressSink func(ctx context.Context, percent int, message string) error

// Progress reports handler progress in [0,100] with an optional message.
// Each report also refreshes the job heartbeat.
func (c *Context) Progress(percent int, message string) error {
	if percent < 0 {
		percent = 0
	}
	if percent > 100 {
		percent = 100
	}
	if c.progress == nil {
		return nil
	}
	return c.progress(c.Context, percent, message)
}
