// Package forge assembles the coordination core: one Node wires the shared
// PostgreSQL store into cluster membership, leader election, the job queue,
// the cron scheduler, the workflow engine, and the reactive pipeline, and
// runs them as a unit.
package forge

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"sync"

	"github.com/google/uuid"

	"github.com/forgelabs/forge/internal/auth"
	"github.com/forgelabs/forge/internal/cluster"
	"github.com/forgelabs/forge/internal/config"
	"github.com/forgelabs/forge/internal/cron"
	"github.com/forgelabs/forge/internal/domain"
	"github.com/forgelabs/forge/internal/function"
	"github.com/forgelabs/forge/internal/job"
	"github.com/forgelabs/forge/internal/postgres"
	"github.com/forgelabs/forge/internal/reactive"
	"github.com/forgelabs/forge/internal/workflow"
	"github.com/forgelabs/forge/internal/ws"
)

// SchedulerRole is the leader role name for the cron scheduler.
const SchedulerRole = "scheduler"

// Version is stamped at build time.
var Version = "dev"

// Node is one running forge process. Construct it with New, register
// handlers on the registries, then call Run.
type Node struct {
	cfg   *config.Config
	store *postgres.Store
	self  *domain.Node

	membership *cluster.Membership
	elector    *cluster.Elector

	jobs    *job.Registry
	queue   *job.Queue
	pool    *job.Pool
	sweeper *job.Sweeper

	crons     *cron.Registry
	scheduler *cron.Scheduler

	workflows *workflow.Registry
	engine    *workflow.Engine

	functions   *function.Registry
	manager     *reactive.Manager
	progressBus *reactive.ProgressBus
	changes     *reactive.Listener
	control     *reactive.Listener
	reactor     *reactive.Reactor
	hub         *ws.Hub
}

// progressPublisher adapts the bus to the job pool and workflow engine.
type progressPublisher struct{ bus *reactive.ProgressBus }

func (p progressPublisher) PublishJobProgress(jobID string, percent int, message string) {
	p.bus.PublishJobProgress(jobID, percent, message)
}

// New connects to the database, runs migrations, and wires every subsystem.
// Nothing starts until Run. A nil authenticator defaults to database-backed
// API keys.
func New(ctx context.Context, cfg *config.Config, authenticator ws.Authenticator) (*Node, error) {
	store, err := postgres.NewStore(ctx, postgres.DBConfig{
		DSN:             cfg.Database.URL,
		PoolSize:        cfg.Database.PoolSize,
		ConnMaxLifetime: cfg.Database.ConnMaxLifetime,
		ConnMaxIdleTime: cfg.Database.ConnMaxIdleTime,
	})
	if err != nil {
		return nil, err
	}

	hostname, _ := os.Hostname()
	self := &domain.Node{
		ID:       uuid.NewString(),
		Hostname: hostname,
		Address:  cfg.Node.Address,
		Roles: []domain.Role{
			domain.RoleGateway, domain.RoleFunction,
			domain.RoleWorker, domain.RoleScheduler,
		},
		Capabilities: cfg.Worker.Capabilities,
		Version:      versionOf(cfg),
	}

	n := &Node{cfg: cfg, store: store, self: self}

	if authenticator == nil {
		authenticator = auth.NewAuthenticator(store)
	}

	n.elector = cluster.NewElector(cluster.ElectorConfig{
		Role:          SchedulerRole,
		LockKey:       postgres.LockKey(postgres.LockRoleScheduler),
		NodeID:        self.ID,
		Lease:         cfg.Cluster.LeaderLease,
		RetryInterval: cfg.Cluster.ElectionRetry,
	}, store, func(ctx context.Context) (cluster.RoleLock, error) {
		return store.AcquireLocker(ctx)
	})

	n.membership = cluster.NewMembership(cluster.MembershipConfig{
		Heartbeat:     cfg.Cluster.HeartbeatInterval,
		DeadThreshold: cfg.Cluster.DeadThreshold,
	}, self, store, n.elector)
	n.membership.OnDeadNodes(n.reapDeadNodes)

	n.progressBus = reactive.NewProgressBus()

	n.jobs = job.NewRegistry()
	n.queue = job.NewQueue(n.jobs, store)
	n.pool = job.NewPool(job.PoolConfig{
		WorkerID:      self.ID,
		Capabilities:  cfg.Worker.Capabilities,
		MaxConcurrent: cfg.Worker.MaxConcurrent,
		PollInterval:  cfg.Worker.PollInterval,
		BatchSize:     cfg.Worker.BatchSize,
		Heartbeat:     cfg.Worker.Heartbeat,
		DrainTimeout:  cfg.Worker.DrainDeadline,
	}, n.jobs, store, progressPublisher{bus: n.progressBus})
	n.sweeper = job.NewSweeper(job.SweeperConfig{
		Threshold: cfg.Worker.StaleThreshold,
	}, store, n.elector)

	n.crons = cron.NewRegistry()
	n.scheduler = cron.NewScheduler(cron.SchedulerConfig{
		NodeID: self.ID,
		Tick:   cfg.Cron.TickInterval,
	}, n.crons, store, n.elector)

	n.workflows = workflow.NewRegistry()
	n.engine = workflow.NewEngine(workflow.EngineConfig{
		NodeID: self.ID,
	}, n.workflows, store)

	n.functions = function.NewRegistry()
	n.manager = reactive.NewManager()
	n.changes = reactive.NewListener(store.Pool(), reactive.ChangeChannel, cfg.Reactivity.BufferSize)
	n.control = reactive.NewListener(store.Pool(), postgres.JobControlChannel, cfg.Reactivity.BufferSize)

	// The reactor and the hub reference each other; the hub is the sink and
	// the reactor executes the hub's initial query runs.
	var hub *ws.Hub
	sink := sinkFunc{get: func() *ws.Hub { return hub }}
	n.reactor = reactive.NewReactor(reactive.ReactorConfig{
		Debounce:    cfg.Reactivity.Debounce,
		MaxDebounce: cfg.Reactivity.MaxDebounce,
	}, n.manager, n.functions, store, sink)
	hub = ws.NewHub(ws.HubConfig{
		NodeID:      self.ID,
		RowLimit:    cfg.Reactivity.RowModeLimit,
		CheckOrigin: cfg.HTTP.CheckOrigin,
	}, n.manager, n.reactor, n.functions, store, store, authenticator)
	n.hub = hub

	return n, nil
}

func versionOf(cfg *config.Config) string {
	if cfg.Node.Version != "" {
		return cfg.Node.Version
	}
	return Version
}

// sinkFunc defers hub resolution until after both sides are constructed.
type sinkFunc struct{ get func() *ws.Hub }

func (s sinkFunc) SendData(sessionID, clientSubID string, data json.RawMessage) {
	s.get().SendData(sessionID, clientSubID, data)
}
func (s sinkFunc) SendJobUpdate(sessionID, clientSubID string, data json.RawMessage) {
	s.get().SendJobUpdate(sessionID, clientSubID, data)
}
func (s sinkFunc) SendWorkflowUpdate(sessionID, clientSubID string, data json.RawMessage) {
	s.get().SendWorkflowUpdate(sessionID, clientSubID, data)
}

// Jobs returns the job handler registry.
func (n *Node) Jobs() *job.Registry { return n.jobs }

// Queue returns the enqueue/cancel/dead-letter surface.
func (n *Node) Queue() *job.Queue { return n.queue }

// Crons returns the cron registry.
func (n *Node) Crons() *cron.Registry { return n.crons }

// Workflows returns the workflow registry.
func (n *Node) Workflows() *workflow.Registry { return n.workflows }

// Engine returns the workflow engine.
func (n *Node) Engine() *workflow.Engine { return n.engine }

// Functions returns the query function registry.
func (n *Node) Functions() *function.Registry { return n.functions }

// Store returns the shared persistence layer.
func (n *Node) Store() *postgres.Store { return n.store }

// Handler returns the WebSocket endpoint handler.
func (n *Node) Handler() http.Handler { return n.hub }

// ID returns this node's cluster ID.
func (n *Node) ID() string { return n.self.ID }

// IsLeader reports whether this node holds the scheduler role.
func (n *Node) IsLeader() bool { return n.elector.IsLeader() }

// Run registers the node and runs every subsystem until ctx is cancelled,
// then drains: the pool hands back unstarted claims and waits for in-flight
// handlers, open sessions are closed, and the node deregisters.
func (n *Node) Run(ctx context.Context) error {
	if err := n.membership.Register(ctx); err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	progressCh, cancelProgress := n.progressBus.Subscribe(n.cfg.Reactivity.BufferSize)
	defer cancelProgress()

	var wg sync.WaitGroup
	start := func(name string, fn func(context.Context) error) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := fn(runCtx); err != nil {
				slog.Error("subsystem stopped with error", "subsystem", name, "error", err)
			}
		}()
	}

	start("membership", n.membership.Run)
	start("elector", n.elector.Run)
	start("worker_pool", n.pool.Run)
	start("cron_scheduler", n.scheduler.Run)
	start("workflow_engine", n.engine.Run)
	start("change_listener", n.changes.Run)
	start("control_listener", n.control.Run)
	start("control_dispatch", n.dispatchControl)
	start("stale_sweep", n.sweeper.Run)
	start("reactor", func(ctx context.Context) error {
		return n.reactor.Run(ctx, n.changes.Notifications(), progressCh)
	})

	<-ctx.Done()
	slog.Info("node shutting down", "node_id", n.self.ID)

	// Drain first so peers stop expecting this node, then let the pool and
	// engine finish through runCtx cancellation.
	drainCtx, cancelDrain := context.WithTimeout(context.Background(), n.cfg.Node.ShutdownGrace)
	defer cancelDrain()
	if err := n.membership.Drain(drainCtx); err != nil {
		slog.Error("drain failed", "error", err)
	}

	cancel()
	wg.Wait()
	n.hub.CloseAll()

	if err := n.membership.Deregister(drainCtx); err != nil {
		slog.Error("deregister failed", "error", err)
	}
	return nil
}

// Close releases the database pool. Call after Run returns.
func (n *Node) Close() error {
	return n.store.Close()
}

// dispatchControl feeds cancellation pushes to the pool. Lag is harmless
// here: a missed cancel is re-detected on the next job heartbeat.
func (n *Node) dispatchControl(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-n.control.Notifications():
			if !ok {
				return nil
			}
			if msg.Payload == "" {
				// Lag-only notification: a missed cancel is re-detected
				// through the job heartbeat.
				continue
			}
			op, jobID, found := strings.Cut(msg.Payload, ":")
			if !found || op != "cancel" {
				slog.WarnContext(ctx, "unknown control payload", "payload", msg.Payload)
				continue
			}
			n.pool.CancelJob(jobID)
		}
	}
}

// reapDeadNodes drops sessions owned by peers declared dead so their
// subscription rows do not accumulate.
func (n *Node) reapDeadNodes(ctx context.Context, nodeIDs []string) {
	for _, id := range nodeIDs {
		purged, err := n.store.PurgeNodeSessions(ctx, id)
		if err != nil {
			slog.ErrorContext(ctx, "purge dead node sessions failed",
				"dead_node_id", id, "error", err)
			continue
		}
		if purged > 0 {
			slog.InfoContext(ctx, "dead node sessions purged",
				"dead_node_id", id, "sessions", purged)
		}
	}
}
