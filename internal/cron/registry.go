package cron

import (
	"context"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/forgelabs/forge/internal/domain"
)

// Handler runs one scheduled occurrence. run.CatchUp tells the handler it is
// processing a missed occurrence after downtime.
type Handler func(ctx context.Context, run *domain.CronRun) error

// Info describes a registered cron.
type Info struct {
	Name     string
	Schedule string // 5-field or 6-field cron expression, seconds optional
	Timezone string // IANA zone name; empty means UTC
	Timeout  time.Duration
	// CatchUp makes the scheduler claim occurrences missed while no leader
	// was running, oldest first, up to CatchUpLimit per takeover.
	CatchUp      bool
	CatchUpLimit int
}

func (i *Info) applyDefaults() {
	if i.Timeout <= 0 {
		i.Timeout = 5 * time.Minute
	}
	if i.CatchUpLimit <= 0 {
		i.CatchUpLimit = 10
	}
}

// Entry is a parsed, registered cron.
type Entry struct {
	Info     Info
	Handler  Handler
	schedule robfig.Schedule
	location *time.Location
}

// Next returns the first scheduled time strictly after t, evaluated in the
// cron's timezone so DST transitions shift wall-clock occurrences correctly.
func (e *Entry) Next(t time.Time) time.Time {
	return e.schedule.Next(t.In(e.location))
}

// Occurrences enumerates scheduled times in the half-open window (from, to].
// The limit bounds pathological windows (a seconds-resolution cron over a
// long catch-up span).
func (e *Entry) Occurrences(from, to time.Time, limit int) []time.Time {
	var times []time.Time
	for t := e.Next(from); !t.IsZero() && !t.After(to); t = e.Next(t) {
		times = append(times, t.UTC())
		if len(times) >= limit {
			break
		}
	}
	return times
}

// scheduleParser accepts both 5-field and 6-field expressions plus the @
// descriptors. Day-of-week 0 is Sunday.
var scheduleParser = robfig.NewParser(
	robfig.SecondOptional | robfig.Minute | robfig.Hour | robfig.Dom |
		robfig.Month | robfig.Dow | robfig.Descriptor)

// Registry holds the registered crons. Registration is composition-time; the
// scheduler snapshots entries each tick.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewRegistry creates an empty cron registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Register parses and adds a cron. Invalid expressions and unknown timezones
// fail here, at startup, rather than on the scheduler's hot path.
func (r *Registry) Register(info Info, handler Handler) error {
	if info.Name == "" {
		return domain.NewError(domain.KindValidation, "cron registered with empty name")
	}
	if handler == nil {
		return domain.NewError(domain.KindValidation, "cron %q registered with nil handler", info.Name)
	}
	info.applyDefaults()

	schedule, err := scheduleParser.Parse(info.Schedule)
	if err != nil {
		return domain.NewError(domain.KindValidation,
			"cron %q has invalid schedule %q: %v", info.Name, info.Schedule, err)
	}

	location := time.UTC
	if info.Timezone != "" {
		location, err = time.LoadLocation(info.Timezone)
		if err != nil {
			return domain.NewError(domain.KindValidation,
				"cron %q has unknown timezone %q", info.Name, info.Timezone)
		}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.entries[info.Name]; exists {
		return domain.NewError(domain.KindValidation, "cron %q registered twice", info.Name)
	}
	r.entries[info.Name] = &Entry{
		Info:     info,
		Handler:  handler,
		schedule: schedule,
		location: location,
	}
	return nil
}

// Entries snapshots the registered crons.
func (r *Registry) Entries() []*Entry {
	r.mu.RLock()
	defer r.mu.RUnlock()
	entries := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		entries = append(entries, e)
	}
	return entries
}

// Lookup returns one entry by name.
func (r *Registry) Lookup(name string) (*Entry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, domain.NewError(domain.KindValidation, "unknown cron %q", name)
	}
	return e, nil
}
