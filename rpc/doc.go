// Package rpc is a request/reply layer over NATS for sticky-active services.
//
// Calls are addressed to rpc.<service>.<method>, served by every instance of
// the service through a queue group, or to rpc.<service>.<method>.<instance>
// when the caller targets one instance (usually the active one found through
// discovery).
//
// Methods registered with Server.RegisterStickyActive answer NOT_ACTIVE on a
// standby instance. Client.Call treats that code, and only that code, as
// retryable: it invalidates the cached discovery entry, waits the next
// RetryPolicy delay, re-resolves the target and tries again.
//
// Example:
//
//	srv, _ := rpc.NewServer(nc, "orders", inst.InstanceID())
//	_ = srv.RegisterStickyActive("place", placeOrder, inst)
//
//	client, _ := rpc.NewClient(nc, rpc.WithDiscovery(disc))
//	res, err := client.Call(ctx, "orders", "place", order)
//	if rpc.IsNotActive(err) {
//	    // retries exhausted during a long failover
//	}
//
// Broadcast events use EventBus on events.<domain>.<event_type>.
package rpc
