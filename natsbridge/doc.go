// Package natsbridge exports homecore bus traffic to NATS.
//
// A Bridge subscribes to the bus with the match-all listener and publishes
// every event it receives as JSON on "<prefix>.<event_type>" (default prefix
// "homecore.events"). With a state bucket configured it also mirrors the
// latest state of every entity into a JetStream key-value bucket, by default
// ENTITY_STATES, keyed by entity id; removing an entity deletes its key.
//
// Export is one-way. Events excluded from match-all (state_reported, for
// instance) are never exported. Export failures are logged and counted and
// never slow down or fail the bus.
//
// Client owns the connection. Consecutive failures open a circuit breaker
// so a dead broker costs one fast error per event instead of a timeout:
//
//	client, err := natsbridge.NewClient("nats://localhost:4222")
//	if err != nil { ... }
//	if err := client.Connect(ctx); err != nil { ... }
//	bucket, err := client.KeyValue(ctx, natsbridge.StateBucketConfig(""))
//	bridge, err := natsbridge.NewBridge(client, natsbridge.WithStateBucket(bucket))
//	bridge.Start(events)
package natsbridge
