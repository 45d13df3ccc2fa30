package workflow

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/forgelabs/forge/internal/domain"
)

// Handler is the workflow body. It checkpoints through ctx; on resume it is
// re-invoked from the top and completed steps short-circuit from the cache.
type Handler func(ctx *Context, input json.RawMessage) (any, error)

// Info describes one version of a registered workflow.
type Info struct {
	Name    string
	Version int           // monotonic; runs pin the version they started under
	Timeout time.Duration // whole-run deadline, default 30m
}

func (i *Info) applyDefaults() {
	if i.Version <= 0 {
		i.Version = 1
	}
	if i.Timeout <= 0 {
		i.Timeout = 30 * time.Minute
	}
}

// Registry holds workflow definitions keyed by name and version. Registering
// a new version leaves older versions in place so in-flight runs can resume
// under the definition they started with.
type Registry struct {
	mu       sync.RWMutex
	versions map[string]map[int]*definition
	latest   map[string]int
}

type definition struct {
	info    Info
	handler Handler
}

// NewRegistry creates an empty workflow registry.
func NewRegistry() *Registry {
	return &Registry{
		versions: make(map[string]map[int]*definition),
		latest:   make(map[string]int),
	}
}

// Register adds one workflow version. Re-registering an existing (name,
// version) pair is a programming error and panics.
func (r *Registry) Register(info Info, handler Handler) {
	if info.Name == "" {
		panic("workflow: registered with empty name")
	}
	if handler == nil {
		panic(fmt.Sprintf("workflow: %q registered with nil handler", info.Name))
	}
	info.applyDefaults()

	r.mu.Lock()
	defer r.mu.Unlock()
	byVersion, ok := r.versions[info.Name]
	if !ok {
		byVersion = make(map[int]*definition)
		r.versions[info.Name] = byVersion
	}
	if _, exists := byVersion[info.Version]; exists {
		panic(fmt.Sprintf("workflow: %q version %d registered twice", info.Name, info.Version))
	}
	byVersion[info.Version] = &definition{info: info, handler: handler}
	if info.Version > r.latest[info.Name] {
		r.latest[info.Name] = info.Version
	}
}

// Latest returns the newest registered version of a workflow. Start uses it.
func (r *Registry) Latest(name string) (Info, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	version, ok := r.latest[name]
	if !ok {
		return Info{}, nil, domain.NewError(domain.KindValidation, "unknown workflow %q", name)
	}
	def := r.versions[name][version]
	return def.info, def.handler, nil
}

// Version returns a specific registered version. Resume uses the version
// pinned on the run row.
func (r *Registry) Version(name string, version int) (Info, Handler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	byVersion, ok := r.versions[name]
	if !ok {
		return Info{}, nil, domain.NewError(domain.KindValidation, "unknown workflow %q", name)
	}
	def, ok := byVersion[version]
	if !ok {
		return Info{}, nil, domain.NewError(domain.KindValidation,
			"workflow %q version %d is not registered", name, version)
	}
	return def.info, def.handler, nil
}
