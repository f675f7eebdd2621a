package solo

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.uber.org/multierr"

	"github.com/arloliu/solo/discovery"
	"github.com/arloliu/solo/election"
	"github.com/arloliu/solo/internal/failover"
	"github.com/arloliu/solo/internal/heartbeat"
	"github.com/arloliu/solo/internal/hooks"
	"github.com/arloliu/solo/internal/logging"
	"github.com/arloliu/solo/internal/metrics"
	"github.com/arloliu/solo/internal/stableid"
	"github.com/arloliu/solo/policy"
	"github.com/arloliu/solo/registry"
	"github.com/arloliu/solo/rpc"
	"github.com/arloliu/solo/types"
)

// EventDomain is the event domain leadership changes are published under.
const EventDomain = "sticky_active"

// Leadership event types published on events.sticky_active.<type>.
const (
	EventActivated     = "activated"
	EventDeactivated   = "deactivated"
	EventLeaderChanged = "leader_changed"
)

// LeadershipEventData is the payload of leadership events.
type LeadershipEventData struct {
	ServiceName ServiceName `json:"service_name"`
	InstanceID  InstanceID  `json:"instance_id"`
	GroupID     GroupID     `json:"group_id"`
	LeaderID    InstanceID  `json:"leader_id,omitempty"`
	Reason      string      `json:"reason,omitempty"`
}

type lifecycle int

const (
	lifecycleNew lifecycle = iota
	lifecycleStarting
	lifecycleRunning
	lifecycleStopping
	lifecycleStopped
)

// Instance runs one member of a sticky-active group.
//
// Instance is the main entry point of the solo library. It handles:
//   - Stable instance ID claiming when no ID is configured
//   - Leader election for the (service, group) pair
//   - Registry registration and periodic heartbeats
//   - Lease renewal and demotion when exclusivity can no longer be verified
//   - Failover: standbys take over within LeaderTTL plus the election delay
//
// Thread Safety:
//   - All public methods are safe for concurrent use
//   - Election state changes are serialized; IsActive never blocks on I/O
//
// Lifecycle:
//   - Create with NewInstance()
//   - Call Start() to claim an ID, campaign and register
//   - Use IsActive, hooks or WaitStatus to react to leadership
//   - Call Stop() for graceful shutdown; an Instance cannot be restarted
type Instance struct {
	cfg            Config
	service        types.ServiceName
	group          types.GroupID
	failoverPolicy policy.FailoverPolicy
	leaderTTL      int64
	registryTTL    int64

	stores    Stores
	repo      *election.KVRepository
	registry  *registry.KVRegistry
	claimer   *stableid.Claimer
	heartbeat *heartbeat.Publisher
	monitor   *failover.Monitor
	discovery *discovery.Watchable
	events    *rpc.EventBus
	conn      *nats.Conn

	hooks   Hooks
	metrics MetricsCollector
	logger  Logger

	// opSem serializes election mutations from Start, heartbeats, the failover
	// monitor and Stop. It is held across store I/O; mu is not. A channel
	// rather than a mutex so that acquiring it honours ctx.
	opSem chan struct{}

	mu            sync.RWMutex
	state         lifecycle
	instanceID    types.InstanceID
	election      *election.StickyActiveElection
	record        types.ServiceInstance
	leader        types.InstanceID
	renewFailedAt time.Time
	leaseFrom     time.Time
	fatalErr      error

	fatal  chan error
	hookCh chan func(context.Context)

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewInstance creates a new Instance with the provided configuration.
//
// Returns a concrete *Instance struct following the "accept interfaces,
// return structs" principle.
//
// Parameters:
//   - cfg: Configuration; missing values are filled with defaults
//   - stores: KV stores for election, registry and stable IDs
//   - opts: Optional hooks, metrics, logger, NATS connection, event bus, discovery
//
// Returns:
//   - *Instance: Initialized instance, not yet started
//   - error: Wraps ErrInvalidConfig or ErrStoreRequired
//
// Example:
//
//	cfg := solo.DefaultConfig()
//	cfg.ServiceName = "orders"
//	stores, _ := solo.OpenNATSStores(ctx, nc, &cfg)
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithLogger(logger))
//	if err != nil {
//	    return err
//	}
//	if err := inst.Start(ctx); err != nil {
//	    return err
//	}
//	defer inst.Stop(context.Background())
func NewInstance(cfg *Config, stores Stores, opts ...Option) (*Instance, error) {
	if cfg == nil {
		return nil, ErrInvalidConfig
	}

	SetDefaults(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if err := stores.validate(cfg.InstanceID == ""); err != nil {
		return nil, err
	}

	fp, err := cfg.ResolveFailoverPolicy()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	options := &instanceOptions{}
	for _, opt := range opts {
		opt(options)
	}

	metricsCollector := options.metrics
	if metricsCollector == nil {
		metricsCollector = metrics.NewNop()
	}

	loggerInstance := options.logger
	if loggerInstance == nil {
		loggerInstance = logging.NewNop()
	}

	cfg.ValidateWithWarnings(loggerInstance)

	inst := &Instance{
		cfg:            *cfg,
		service:        types.ServiceName(cfg.ServiceName),
		group:          types.GroupID(cfg.GroupID),
		failoverPolicy: fp,
		leaderTTL:      cfg.LeaderTTLSeconds(),
		registryTTL:    cfg.RegistryTTLSeconds(),
		stores:         stores,
		discovery:      options.discovery,
		events:         options.events,
		conn:           options.conn,
		hooks:          hooks.Merge(options.hooks),
		metrics:        metricsCollector,
		logger:         loggerInstance,
		instanceID:     types.InstanceID(cfg.InstanceID),
		opSem:          make(chan struct{}, 1),
		fatal:          make(chan error, 1),
		hookCh:         make(chan func(context.Context), 64),
	}

	inst.repo = election.NewKVRepository(stores.Election,
		election.WithLogger(loggerInstance),
		election.WithPollInterval(cfg.HeartbeatInterval),
	)
	inst.registry = registry.New(stores.Registry,
		registry.WithPrefix(cfg.RegistryPrefix),
		registry.WithLogger(loggerInstance),
		registry.WithMetrics(metricsCollector),
	)

	return inst, nil
}

// Start claims an instance ID if needed, campaigns for leadership and
// registers the instance.
//
// Start returns once the instance is ACTIVE or STANDBY and registered.
// Heartbeats, the failover monitor and (if configured) discovery run in the
// background until Stop.
//
// Parameters:
//   - ctx: Context for startup I/O
//
// Returns:
//   - error: ErrAlreadyStarted, or a wrapped ErrIDClaimFailed,
//     ErrElectionFailed or ErrRegistrationFailed
func (i *Instance) Start(ctx context.Context) (err error) {
	i.mu.Lock()
	if i.state != lifecycleNew {
		i.mu.Unlock()

		return ErrAlreadyStarted
	}
	i.state = lifecycleStarting
	i.ctx, i.cancel = context.WithCancel(context.Background())
	i.mu.Unlock()

	defer func() {
		if err != nil {
			i.abortStart()
		}
	}()

	// Step 1: Claim stable instance ID
	if i.instanceID == "" {
		if err := i.claimInstanceID(ctx); err != nil {
			return err
		}
	}
	id := i.instanceID

	agg, err := election.NewStickyActiveElection(i.service, id, i.group)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}

	i.wg.Add(1)
	go i.dispatchHooks()

	// Step 2: Campaign
	if err := i.lockOp(ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrElectionFailed, err)
	}
	won, err := i.campaign(ctx, agg)
	i.unlockOp()
	if err != nil {
		return err
	}

	// Step 3: Register
	if err := i.registry.Register(ctx, i.snapshot(), i.registryTTL); err != nil {
		if won {
			if _, rerr := i.repo.ReleaseLeadership(ctx, i.service, id, i.group); rerr != nil {
				i.logger.Warn("failed to release leadership after registration failure", "error", rerr)
			}
		}

		return fmt.Errorf("%w: %w", ErrRegistrationFailed, err)
	}

	// Step 4: Start heartbeat publisher
	i.heartbeat = heartbeat.New(id, i.cfg.HeartbeatInterval, i.beat,
		heartbeat.WithLogger(i.logger),
		heartbeat.WithMetrics(i.metrics),
		heartbeat.WithTimeout(i.cfg.OperationTimeout),
	)
	if err := i.heartbeat.Start(i.ctx); err != nil {
		return fmt.Errorf("failed to start heartbeat: %w", err)
	}

	// Step 5: Start failover monitor
	i.monitor = failover.New(i.service, id, i.group, i.repo, (*elector)(i), i.failoverPolicy,
		failover.WithLogger(i.logger),
		failover.WithMetrics(i.metrics),
		failover.WithMaxWatchFailures(i.cfg.MaxWatchFailures),
		failover.WithWatchFailureBudget(i.cfg.LeaderTTL+i.failoverPolicy.DetectionThreshold+i.failoverPolicy.MaxElectionTime),
	)
	i.wg.Add(1)
	go i.runMonitor()

	// Step 6: Start discovery watch
	if i.discovery != nil {
		if err := i.discovery.Start(i.ctx); err != nil {
			return fmt.Errorf("failed to start discovery: %w", err)
		}
	}

	i.mu.Lock()
	i.state = lifecycleRunning
	i.mu.Unlock()

	i.logger.Info("instance started",
		"service", i.service, "instance_id", id, "group_id", i.group, "active", won)

	if won {
		i.metrics.RecordLeadershipChange(string(i.service), string(i.group), string(id))
		i.notifyActive(true, "elected at startup")
	}

	return nil
}

func (i *Instance) claimInstanceID(ctx context.Context) error {
	i.claimer = stableid.NewClaimer(i.stores.StableID, i.service,
		i.cfg.InstanceIDMin, i.cfg.InstanceIDMax, i.cfg.InstanceIDTTL, i.logger)

	id, err := i.claimer.Claim(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrIDClaimFailed, err)
	}
	if err := i.claimer.StartRenewal(i.ctx); err != nil {
		return fmt.Errorf("%w: %w", ErrIDClaimFailed, err)
	}

	i.mu.Lock()
	i.instanceID = id
	i.mu.Unlock()

	return nil
}

// campaign runs the startup election and prepares the registry record.
// Callers hold the op lock.
func (i *Instance) campaign(ctx context.Context, agg *election.StickyActiveElection) (bool, error) {
	if err := agg.StartElection(); err != nil {
		return false, fmt.Errorf("%w: %w", ErrElectionFailed, err)
	}

	started := time.Now()
	won, err := i.repo.AttemptLeadership(ctx, i.service, agg.InstanceID(), i.group, i.leaderTTL, i.cfg.Metadata)
	if err != nil {
		return false, fmt.Errorf("%w: %w", ErrElectionFailed, err)
	}

	var leader types.InstanceID
	if won {
		_ = agg.WinElection()
		leader = agg.InstanceID()
	} else {
		leader, _, err = i.repo.GetCurrentLeader(ctx, i.service, i.group)
		if err != nil {
			i.logger.Debug("leader lookup failed", "error", err)
		}
		_ = agg.LoseElection(leader)
	}

	i.mu.Lock()
	i.election = agg
	i.leader = leader
	i.record = types.ServiceInstance{
		ServiceName:       i.service,
		InstanceID:        agg.InstanceID(),
		Version:           i.cfg.Version,
		Metadata:          maps.Clone(i.cfg.Metadata),
		StickyActiveGroup: i.group,
	}
	i.setRoleLocked(won)
	if won {
		i.leaseFrom = started
	}
	i.mu.Unlock()

	return won, nil
}

// abortStart undoes a partial Start. The instance ends up stopped.
func (i *Instance) abortStart() {
	if i.heartbeat != nil {
		_ = i.heartbeat.Stop()
	}

	ctx, cancel := context.WithTimeout(context.Background(), i.cfg.OperationTimeout)
	defer cancel()

	if i.IsActive() {
		if _, err := i.repo.ReleaseLeadership(ctx, i.service, i.InstanceID(), i.group); err != nil {
			i.logger.Warn("failed to release leadership", "error", err)
		}
	}
	if i.election != nil {
		if err := i.registry.Deregister(ctx, i.service, i.InstanceID()); err != nil {
			i.logger.Debug("deregister after failed start", "error", err)
		}
	}
	if i.discovery != nil {
		_ = i.discovery.Stop(ctx)
	}

	i.cancel()
	i.wg.Wait()

	if i.claimer != nil {
		if err := i.claimer.Release(ctx); err != nil && !errors.Is(err, stableid.ErrNotClaimed) {
			i.logger.Warn("failed to release instance ID", "error", err)
		}
	}

	i.mu.Lock()
	i.state = lifecycleStopped
	i.mu.Unlock()
}

// Stop gracefully shuts down the instance.
//
// Shutdown order: heartbeat, leadership release (bounded by
// OperationTimeout), failover monitor, registry deregistration, discovery,
// instance ID release. Every step runs even when an earlier one fails.
//
// Parameters:
//   - ctx: Context for shutdown; ShutdownTimeout applies when it has no deadline
//
// Returns:
//   - error: ErrNotStarted, or the combined errors of all failed steps
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if i.state != lifecycleRunning {
		i.mu.Unlock()

		return ErrNotStarted
	}
	i.state = lifecycleStopping
	i.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, i.cfg.ShutdownTimeout)
		defer cancel()
	}

	id := i.InstanceID()
	var errs error

	// Step 1: Stop heartbeat publisher
	if err := i.heartbeat.Stop(); err != nil && !errors.Is(err, heartbeat.ErrNotStarted) {
		errs = multierr.Append(errs, fmt.Errorf("heartbeat stop failed: %w", err))
	}

	// Step 2: Release leadership
	errs = multierr.Append(errs, i.releaseLeadership(ctx))

	// Step 3: Stop failover monitor and hook dispatcher
	i.cancel()
	done := make(chan struct{})
	go func() {
		i.wg.Wait()
		close(done)
	}()

	grace := time.NewTimer(i.cfg.StopGraceTimeout)
	select {
	case <-done:
	case <-grace.C:
		i.logger.Error("background goroutines did not exit within grace timeout", "instance_id", id)
		errs = multierr.Append(errs, fmt.Errorf("shutdown grace timeout exceeded: %w", context.DeadlineExceeded))
	case <-ctx.Done():
		errs = multierr.Append(errs, fmt.Errorf("shutdown timeout: %w", ctx.Err()))
	}
	grace.Stop()

	// Step 4: Deregister
	if err := i.registry.Deregister(ctx, i.service, id); err != nil {
		errs = multierr.Append(errs, fmt.Errorf("deregister failed: %w", err))
	}

	// Step 5: Stop discovery
	if i.discovery != nil {
		if err := i.discovery.Stop(ctx); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("discovery stop failed: %w", err))
		}
	}

	// Step 6: Release stable instance ID
	if i.claimer != nil {
		if err := i.claimer.Release(ctx); err != nil && !errors.Is(err, stableid.ErrNotClaimed) {
			errs = multierr.Append(errs, fmt.Errorf("instance ID release failed: %w", err))
		}
	}

	i.mu.Lock()
	i.state = lifecycleStopped
	i.record.Status = types.StatusShutdown
	i.mu.Unlock()

	if errs != nil {
		i.logger.Warn("instance stopped with errors", "instance_id", id, "error", errs)
	} else {
		i.logger.Info("instance stopped gracefully", "instance_id", id)
	}

	return errs
}

// releaseLeadership deletes the lease so a standby can take over at once. It
// gives up when an election operation holds the op lock past OperationTimeout
// or ctx; the lease then lapses after LeaderTTL.
func (i *Instance) releaseLeadership(ctx context.Context) error {
	lctx, cancel := context.WithTimeout(ctx, i.cfg.OperationTimeout)
	defer cancel()
	if err := i.lockOp(lctx); err != nil {
		i.logger.Warn("skipping leadership release, election operation in flight",
			"instance_id", i.InstanceID(), "error", err)

		return nil
	}
	defer i.unlockOp()

	if !i.IsActive() {
		return nil
	}

	rctx, cancel := context.WithTimeout(ctx, i.cfg.OperationTimeout)
	_, err := i.repo.ReleaseLeadership(rctx, i.service, i.InstanceID(), i.group)
	cancel()

	i.mu.Lock()
	_ = i.election.StepDown()
	i.setRoleLocked(false)
	i.mu.Unlock()

	i.notifyActive(false, "shutdown")

	if err != nil {
		return fmt.Errorf("leadership release failed: %w", err)
	}

	return nil
}

// beat is one heartbeat tick: renew leadership when ACTIVE, then refresh the
// registry record.
//
// A failing renewal keeps the instance ACTIVE until DetectionThreshold has
// passed, but never past renewDeadline: the lease written by the last
// successful renewal may expire before the next tick, after which a standby
// can legitimately win.
func (i *Instance) beat(ctx context.Context) error {
	if err := i.lockOp(ctx); err != nil {
		return fmt.Errorf("heartbeat: %w", err)
	}
	defer i.unlockOp()

	var renewErr error
	if i.IsActive() {
		deadline := i.renewDeadline()
		rctx, cancel := context.WithDeadline(ctx, deadline)
		started := time.Now()
		held, err := i.repo.UpdateLeadership(rctx, i.service, i.InstanceID(), i.group, i.leaderTTL, i.cfg.Metadata)
		cancel()

		switch {
		case err != nil:
			renewErr = fmt.Errorf("renew leadership: %w", err)
			failingFor := i.markRenewFailure()
			i.logger.Warn("leadership renewal failed",
				"instance_id", i.InstanceID(), "failing_for", failingFor, "error", err)
			if failingFor >= i.failoverPolicy.DetectionThreshold {
				return multierr.Append(renewErr, i.demote(ctx, "renewal failing beyond detection threshold"))
			}
			if !time.Now().Add(i.cfg.HeartbeatInterval).Before(deadline) {
				return multierr.Append(renewErr, i.demote(ctx, "lease expires before next renewal"))
			}

		case !held:
			return i.demote(ctx, "leadership lost")

		default:
			i.leaseRenewed(started)
		}
	}

	if err := i.registry.UpdateHeartbeat(ctx, i.snapshot(), i.registryTTL); err != nil {
		return multierr.Append(renewErr, fmt.Errorf("registry heartbeat: %w", err))
	}

	return renewErr
}

// demote steps down from ACTIVE and publishes the STANDBY record.
// Callers hold the op lock.
func (i *Instance) demote(ctx context.Context, reason string) error {
	i.mu.Lock()
	if err := i.election.StepDown(); err != nil {
		i.mu.Unlock()
		return nil
	}
	i.setRoleLocked(false)
	i.mu.Unlock()

	i.logger.Warn("stepped down from active",
		"service", i.service, "instance_id", i.InstanceID(), "group_id", i.group, "reason", reason)
	i.metrics.RecordLeaderLost(string(i.service), string(i.group))
	i.notifyActive(false, reason)

	if i.monitor != nil {
		i.monitor.Nudge()
	}

	if err := i.registry.UpdateHeartbeat(ctx, i.snapshot(), i.registryTTL); err != nil {
		return fmt.Errorf("registry update after demotion: %w", err)
	}

	return nil
}

func (i *Instance) markRenewFailure() time.Duration {
	i.mu.Lock()
	defer i.mu.Unlock()

	if i.renewFailedAt.IsZero() {
		i.renewFailedAt = time.Now()
	}

	return time.Since(i.renewFailedAt)
}

// leaseRenewed records a successful renewal that started at started. The
// store set the new expiry no earlier than started plus LeaderTTL.
func (i *Instance) leaseRenewed(started time.Time) {
	i.mu.Lock()
	i.renewFailedAt = time.Time{}
	i.leaseFrom = started
	i.mu.Unlock()
}

// renewDeadline is the last moment this instance may still consider itself
// ACTIVE without a successful renewal: the earliest possible lease expiry,
// less half a heartbeat interval of margin for scheduling and clock skew.
func (i *Instance) renewDeadline() time.Time {
	i.mu.RLock()
	from := i.leaseFrom
	i.mu.RUnlock()

	return from.Add(i.cfg.LeaderTTL - i.cfg.HeartbeatInterval/2)
}

// lockOp acquires the election op lock or gives up when ctx ends.
func (i *Instance) lockOp(ctx context.Context) error {
	select {
	case i.opSem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (i *Instance) unlockOp() {
	<-i.opSem
}

// setRoleLocked aligns the registry record with the election outcome.
func (i *Instance) setRoleLocked(active bool) {
	if active {
		i.record.Status = types.StatusActive
		i.record.StickyActiveStatus = types.StickyActive
		i.leader = i.instanceID
	} else {
		i.record.Status = types.StatusStandby
		i.record.StickyActiveStatus = types.StickyStandby
		if i.leader == i.instanceID {
			i.leader = ""
		}
	}
	i.renewFailedAt = time.Time{}
}

// snapshot returns a copy of the registry record with a fresh heartbeat time.
func (i *Instance) snapshot() types.ServiceInstance {
	i.mu.Lock()
	defer i.mu.Unlock()

	i.record.Touch(time.Now())

	return i.record.Clone()
}

func (i *Instance) runMonitor() {
	defer i.wg.Done()

	err := i.monitor.Run(i.ctx)
	if err == nil {
		return
	}

	i.mu.Lock()
	i.fatalErr = err
	i.mu.Unlock()

	i.logger.Error("failover monitor stopped", "instance_id", i.InstanceID(), "error", err)

	select {
	case i.fatal <- err:
	default:
	}

	i.enqueueHook(func(ctx context.Context) {
		if herr := i.hooks.OnError(ctx, err); herr != nil {
			i.logger.Warn("OnError hook failed", "error", herr)
		}
	})
}

// notifyActive queues the OnActiveChanged hook and publishes the event.
func (i *Instance) notifyActive(active bool, reason string) {
	eventType := EventDeactivated
	if active {
		eventType = EventActivated
	}
	i.publishEvent(eventType, reason)

	i.enqueueHook(func(ctx context.Context) {
		if err := i.hooks.OnActiveChanged(ctx, active); err != nil {
			i.logger.Warn("OnActiveChanged hook failed", "active", active, "error", err)
		}
	})
}

func (i *Instance) notifyLeader(leader types.InstanceID) {
	i.metrics.RecordLeadershipChange(string(i.service), string(i.group), string(leader))
	i.publishEvent(EventLeaderChanged, "")

	i.enqueueHook(func(ctx context.Context) {
		if err := i.hooks.OnLeaderChanged(ctx, leader); err != nil {
			i.logger.Warn("OnLeaderChanged hook failed", "leader", leader, "error", err)
		}
	})
}

func (i *Instance) publishEvent(eventType, reason string) {
	if i.events == nil {
		return
	}

	i.mu.RLock()
	data := LeadershipEventData{
		ServiceName: i.service,
		InstanceID:  i.instanceID,
		GroupID:     i.group,
		LeaderID:    i.leader,
		Reason:      reason,
	}
	i.mu.RUnlock()

	if err := i.events.Publish(i.ctx, EventDomain, eventType, data); err != nil {
		i.logger.Debug("failed to publish leadership event", "type", eventType, "error", err)
	}
}

// enqueueHook hands fn to the dispatcher. Hooks run in order on one goroutine.
func (i *Instance) enqueueHook(fn func(context.Context)) {
	select {
	case i.hookCh <- fn:
	case <-i.ctx.Done():
	}
}

func (i *Instance) dispatchHooks() {
	defer i.wg.Done()

	for {
		select {
		case fn := <-i.hookCh:
			fn(i.ctx)
		case <-i.ctx.Done():
			for {
				select {
				case fn := <-i.hookCh:
					fn(i.ctx)
				default:
					return
				}
			}
		}
	}
}

// elector adapts Instance to failover.Elector without exporting the
// monitor callbacks on Instance itself.
type elector Instance

func (e *elector) inst() *Instance { return (*Instance)(e) }

// IsLeader implements failover.Elector.
func (e *elector) IsLeader() bool {
	return e.inst().IsActive()
}

// ObserveLeader implements failover.Elector. An ACTIVE instance that sees
// another holder steps down at once.
func (e *elector) ObserveLeader(leader types.InstanceID) {
	i := e.inst()
	if err := i.lockOp(i.ctx); err != nil {
		return
	}
	defer i.unlockOp()

	i.mu.Lock()
	if i.election == nil {
		i.mu.Unlock()
		return
	}
	active := i.election.IsLeader()
	prev := i.leader
	i.election.ObserveLeader(leader)
	if !active {
		i.leader = leader
	}
	self := i.instanceID
	i.mu.Unlock()

	if active && leader != "" && leader != self {
		ctx, cancel := context.WithTimeout(i.ctx, i.cfg.OperationTimeout)
		if err := i.demote(ctx, "another instance holds leadership"); err != nil {
			i.logger.Warn("demotion follow-up failed", "error", err)
		}
		cancel()

		i.mu.Lock()
		i.leader = leader
		i.mu.Unlock()
	}

	if leader != prev && (leader != "" || !active) {
		i.logger.Debug("leader changed", "group_id", i.group, "previous", prev, "leader", leader)
		i.notifyLeader(leader)
	}
}

// Takeover implements failover.Elector.
func (e *elector) Takeover(ctx context.Context) (bool, error) {
	i := e.inst()
	if err := i.lockOp(ctx); err != nil {
		return false, fmt.Errorf("%w: %w", ErrElectionFailed, err)
	}
	defer i.unlockOp()

	i.mu.Lock()
	if i.state != lifecycleRunning {
		i.mu.Unlock()
		return false, nil
	}
	if i.election.IsLeader() {
		i.mu.Unlock()
		return true, nil
	}
	if err := i.election.StartElection(); err != nil {
		i.mu.Unlock()
		return false, fmt.Errorf("%w: %w", ErrElectionFailed, err)
	}
	id := i.instanceID
	i.mu.Unlock()

	started := time.Now()
	won, err := i.repo.AttemptLeadership(ctx, i.service, id, i.group, i.leaderTTL, i.cfg.Metadata)

	i.mu.Lock()
	if err != nil || !won {
		_ = i.election.LoseElection(i.leader)
		i.mu.Unlock()
		if err != nil {
			return false, fmt.Errorf("%w: %w", ErrElectionFailed, err)
		}

		return false, nil
	}
	_ = i.election.WinElection()
	prev := i.leader
	i.setRoleLocked(true)
	i.leaseFrom = started
	i.mu.Unlock()

	if err := i.registry.UpdateHeartbeat(ctx, i.snapshot(), i.registryTTL); err != nil {
		i.logger.Warn("registry update after takeover failed", "error", err)
	}
	i.notifyActive(true, "failover")
	if prev != id {
		i.notifyLeader(id)
	}

	return true, nil
}

// Status is a point-in-time view of the instance's election state.
type Status struct {
	ServiceName ServiceName `json:"service_name"`
	InstanceID  InstanceID  `json:"instance_id"`
	GroupID     GroupID     `json:"group_id"`
	LeaderID    InstanceID  `json:"leader_id,omitempty"`
	IsActive    bool        `json:"is_active"`

	// Election is the aggregate status: NOT_STARTED, ELECTING, ACTIVE or STANDBY.
	Election string `json:"election"`

	// Since is the time of the last election transition.
	Since time.Time `json:"since"`
}

// HealthState summarizes Health.
type HealthState string

// Health states.
const (
	HealthHealthy   HealthState = "healthy"
	HealthUnhealthy HealthState = "unhealthy"
	HealthStopped   HealthState = "stopped"
)

// Health is the operational health of the instance.
type Health struct {
	Status              HealthState `json:"status"`
	IsActive            bool        `json:"is_active"`
	ActiveSubscriptions int         `json:"active_subscriptions"`
	NATSConnected       bool        `json:"nats_connected"`
	Reregistrations     int64       `json:"reregistrations"`
	Warnings            []string    `json:"warnings,omitempty"`
	Error               string      `json:"error,omitempty"`
}

// InstanceID returns the configured or claimed instance ID. Empty before a
// claiming Start.
func (i *Instance) InstanceID() InstanceID {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.instanceID
}

// IsActive reports whether this instance currently holds leadership of its
// group. It implements rpc.ActiveChecker.
func (i *Instance) IsActive() bool {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.election != nil && i.election.IsLeader()
}

// Status returns the current election status.
func (i *Instance) Status() Status {
	i.mu.RLock()
	defer i.mu.RUnlock()

	st := Status{
		ServiceName: i.service,
		InstanceID:  i.instanceID,
		GroupID:     i.group,
		LeaderID:    i.leader,
		Election:    election.StatusNotStarted.String(),
	}
	if i.election != nil {
		st.IsActive = i.election.IsLeader()
		st.Election = i.election.Status().String()
		st.Since = i.election.LastTransition()
	}

	return st
}

// Record returns a copy of the registry record this instance publishes.
func (i *Instance) Record() ServiceInstance {
	i.mu.RLock()
	defer i.mu.RUnlock()

	return i.record.Clone()
}

// Health reports the operational health.
//
// The instance is unhealthy when the failover monitor gave up, when
// heartbeats have failed for longer than the failover detection threshold,
// or when the NATS connection given by WithNATSConn is down.
func (i *Instance) Health() Health {
	i.mu.RLock()
	state := i.state
	fatalErr := i.fatalErr
	active := i.election != nil && i.election.IsLeader()
	i.mu.RUnlock()

	h := Health{
		Status:          HealthHealthy,
		IsActive:        active,
		Reregistrations: i.registry.Reregistrations(),
	}
	if i.conn != nil {
		h.NATSConnected = i.conn.IsConnected()
	}
	if i.discovery != nil {
		h.ActiveSubscriptions = i.discovery.ActiveSubscriptions()
	}

	if state != lifecycleRunning {
		h.Status = HealthStopped
		return h
	}

	if fatalErr != nil {
		h.Status = HealthUnhealthy
		h.Error = fatalErr.Error()
	}
	if i.heartbeat != nil {
		if since := i.heartbeat.FailingSince(); !since.IsZero() && time.Since(since) > i.failoverPolicy.DetectionThreshold {
			h.Status = HealthUnhealthy
			h.Warnings = append(h.Warnings, fmt.Sprintf("heartbeats failing since %s", since.Format(time.RFC3339)))
		}
	}
	if i.conn != nil && !h.NATSConnected {
		h.Status = HealthUnhealthy
		h.Warnings = append(h.Warnings, "NATS disconnected")
	}
	if h.Reregistrations > 0 {
		h.Warnings = append(h.Warnings, fmt.Sprintf("registry entry re-created %d times", h.Reregistrations))
	}
	if i.discovery != nil && h.ActiveSubscriptions == 0 {
		h.Warnings = append(h.Warnings, "discovery watch not subscribed")
	}

	return h
}

// Fatal delivers the error that ended the failover monitor. After it fires
// the instance no longer takes over leadership and should be restarted.
func (i *Instance) Fatal() <-chan error {
	return i.fatal
}

// WaitStatus waits until IsActive() equals active or timeout expires.
//
// Parameters:
//   - active: Expected leadership
//   - timeout: Maximum wait
//
// Returns:
//   - <-chan error: Receives nil on success or context.DeadlineExceeded
//
// Example:
//
//	if err := <-inst.WaitStatus(true, 5*time.Second); err != nil {
//	    log.Printf("not active: %v", err)
//	}
func (i *Instance) WaitStatus(active bool, timeout time.Duration) <-chan error {
	ch := make(chan error, 1)

	go func() {
		defer close(ch)

		if i.IsActive() == active {
			ch <- nil
			return
		}

		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()

		timeoutTimer := time.NewTimer(timeout)
		defer timeoutTimer.Stop()

		for {
			select {
			case <-ticker.C:
				if i.IsActive() == active {
					ch <- nil
					return
				}
			case <-timeoutTimer.C:
				ch <- context.DeadlineExceeded
				return
			}
		}
	}()

	return ch
}

// Registry returns the service registry the instance registers in, for use
// with discovery.
func (i *Instance) Registry() *registry.KVRegistry {
	return i.registry
}

// Election returns the election repository.
func (i *Instance) Election() *election.KVRepository {
	return i.repo
}
