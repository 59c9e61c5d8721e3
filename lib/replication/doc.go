// Package replication keeps the maps of several replicas convergent by exchanging every
// change over TCP. It is an eventually consistent, multi-leader scheme: every replica accepts
// writes, and conflicts are resolved per key with last-write-wins on the (timestamp, origin)
// metadata stored with each entry (see db.Meta).
//
// Key Components:
//
//   - Engine: Owns the listener, one dial loop per configured peer with an address, and a
//     dispatcher that turns the map's change feed into wake-ups for the sessions. Failures of
//     single connections never end the engine, they are retried with jittered exponential backoff.
//
//   - Sessions: One bidirectional connection per peer. Both sides send a Hello (protocol version,
//     replica id and the incarnation of their map) and then run a sender and a receiver.
//     The sender first bootstraps the peer from its last acknowledged position and then streams
//     new changes in batches. Each batch ends with a watermark (BootstrapEnd, BatchEnd), which
//     the peer answers with an Ack once the batch is applied.
//
//   - Checkpoints: The acknowledged position per peer, bound to the incarnation of the peer's map.
//     A checkpoint of another incarnation, or one ahead of the local map, restarts the peer from
//     position zero. MemoryCheckpointStore and FileCheckpointStore are provided.
//
// Positions are modification sequences of the local map (db.KVDB.ModSeq), not timestamps.
// Redelivery after a reconnect is harmless since equal metadata is a no-op on the receiver.
//
// Records that originate from the peer are not sent back to it, except during a bootstrap from
// position zero, where they restore what the peer lost with its previous incarnation.
//
// Usage:
//
//	conf := common.DefaultReplicationConfig()
//	conf.ListenAddr = ":7420"
//	conf.Peers = map[uint8]string{2: "replica-2:7420"}
//
//	engine, err := replication.New(database, conf)
//	if err != nil { ... }
//	if _, err := engine.Listen(); err != nil { ... }
//	go engine.Run(ctx)
//
//	// tombstones up to this position reached every peer
//	acked := engine.MinAcknowledged()
package replication
