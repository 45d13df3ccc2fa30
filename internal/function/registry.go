// Package function hosts the registry of server query functions that back
// live subscriptions. A function executes against current data and records
// what it read so the reactor can re-run it when those reads change.
package function

import (
	"context"
	"encoding/json"
	"strings"
	"sync"

	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/reactive"
)

// QueryFunc is one registered query. It reads through ctx so row accesses are
// tracked; the returned value is serialized to JSON for the wire.
type QueryFunc func(ctx *Context, args json.RawMessage) (any, error)

// Info describes a registered function.
type Info struct {
	Name string
	// ReadTables overrides the prefix-inferred table list when set.
	ReadTables []string
}

// Context wraps the request context with read tracking. Functions call
// TrackRow for point reads and TrackTable for scans; untracked reads fall
// back to the tables inferred from the function name, which over-invalidates
// but never misses.
type Context struct {
	context.Context
	readSet *reactive.ReadSet
}

// TrackTable records a whole-table read.
func (c *Context) TrackTable(table string) {
	if c.readSet != nil {
		c.readSet.AddTable(table)
	}
}

// TrackRow records a single-row read.
func (c *Context) TrackRow(table, rowID string) {
	if c.readSet != nil {
		c.readSet.AddRow(table, rowID)
	}
}

// Registry maps function names to query implementations. It satisfies the
// reactor's Querier contract.
type Registry struct {
	mu        sync.RWMutex
	functions map[string]*registration
}

type registration struct {
	info Info
	fn   QueryFunc
}

// NewRegistry creates an empty function registry.
func NewRegistry() *Registry {
	return &Registry{functions: make(map[string]*registration)}
}

// Register adds a query function. Duplicate names panic, matching the other
// registries.
func (r *Registry) Register(info Info, fn QueryFunc) {
	if info.Name == "" {
		panic("function: registered with empty name")
	}
	if fn == nil {
		panic("function: " + info.Name + " registered with nil implementation")
	}
	if len(info.ReadTables) == 0 {
		info.ReadTables = InferReadTables(info.Name)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.functions[info.Name]; exists {
		panic("function: " + info.Name + " registered twice")
	}
	r.functions[info.Name] = &registration{info: info, fn: fn}
}

// Known reports whether a function name is registered.
func (r *Registry) Known(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.functions[name]
	return ok
}

// ReadTables returns the declared-or-inferred tables for a function.
func (r *Registry) ReadTables(name string) ([]string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	reg, ok := r.functions[name]
	if !ok {
		return nil, domain.NewError(domain.KindValidation, "unknown function %q", name)
	}
	return reg.info.ReadTables, nil
}

// Execute runs a function, seeding the read set with the declared tables and
// recording everything the body tracks on top.
func (r *Registry) Execute(ctx context.Context, name string, args json.RawMessage, rs *reactive.ReadSet) (json.RawMessage, error) {
	r.mu.RLock()
	reg, ok := r.functions[name]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewError(domain.KindValidation, "unknown function %q", name)
	}

	if rs != nil {
		for _, table := range reg.info.ReadTables {
			rs.AddTable(table)
		}
	}

	result, err := reg.fn(&Context{Context: ctx, readSet: rs}, args)
	if err != nil {
		return nil, err
	}
	raw, err := json.Marshal(result)
	if err != nil {
		return nil, domain.NewError(domain.KindInternal,
			"marshal result of %q: %v", name, err)
	}
	return raw, nil
}

// readPrefixes is the fixed naming convention the initial read set derives
// from: get_users, list_users, find_users, fetch_users all read "users".
var readPrefixes = []string{"get_", "list_", "find_", "fetch_"}

// InferReadTables derives the assumed table from a function name. Names
// outside the convention get no inferred tables; such functions should
// declare ReadTables or track reads explicitly.
func InferReadTables(name string) []string {
	for _, prefix := range readPrefixes {
		if rest, ok := strings.CutPrefix(name, prefix); ok && rest != "" {
			return []string{rest}
		}
	}
	return nil
}
