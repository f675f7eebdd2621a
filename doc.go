// Package solo provides sticky-active coordination for Go services: exactly
// one ACTIVE instance per (service, group), fast failover to a standby, and
// clients that find and follow the active instance.
//
// Coordination runs entirely through a KV store with TTL expiry and
// revision-based compare-and-swap. NATS JetStream KV is the canonical
// backend; etcd and an in-memory store are provided as well.
//
// # Quick Start
//
// Basic usage with default settings:
//
//	import "github.com/arloliu/solo"
//
//	cfg := solo.DefaultConfig()
//	cfg.ServiceName = "orders"
//
//	stores, err := solo.OpenNATSStores(ctx, natsConn, &cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//
//	inst, err := solo.NewInstance(&cfg, stores, solo.WithNATSConn(natsConn))
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := inst.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer inst.Stop(context.Background())
//
//	if inst.IsActive() {
//	    // process the singleton workload
//	}
//
// # Key Features
//
//   - Sticky leadership: the leader keeps its lease as long as it renews, there
//     is no preemption by "better" candidates
//   - Failover: standbys watch the lease and take over after expiry or release,
//     within LeaderTTL plus a jittered election delay
//   - Self-demotion: a leader that loses its lease, or cannot renew it for
//     longer than the detection threshold, steps down at once
//   - Registry and discovery: every instance publishes a heartbeat record;
//     clients discover instances and prefer the ACTIVE one
//   - RPC: NATS request/reply with transparent retry of NOT_ACTIVE answers
//
// # Architecture
//
// Each instance moves through the election state machine:
//
//	NOT_STARTED → ELECTING → ACTIVE ⇄ STANDBY
//	                     ↘ STANDBY → ELECTING
//
// A heartbeat loop renews the lease (ACTIVE) and refreshes the registry
// record. A failover monitor consumes leadership events and campaigns when
// the group becomes leaderless.
//
// # Reacting to Leadership
//
//	hooks := &solo.Hooks{
//	    OnActiveChanged: func(ctx context.Context, active bool) error {
//	        if active {
//	            return scheduler.Resume(ctx)
//	        }
//	        return scheduler.Pause(ctx)
//	    },
//	}
//
//	inst, err := solo.NewInstance(&cfg, stores,
//	    solo.WithHooks(hooks),
//	    solo.WithLogger(solo.NewZapLogger(zapLogger)),
//	)
//
// For JetStream work queues, subscription.ActiveConsumer provides hooks that
// pull from a shared durable only while the instance is ACTIVE.
//
// # Operations
//
// NewAdminServer exposes /healthz, /status, /instances and /metrics.
//
// # Configuration
//
// Config fields carry yaml tags; LoadConfig reads a YAML file with SOLO_
// environment overrides. See Config for the timing model and validation rules.
package solo
