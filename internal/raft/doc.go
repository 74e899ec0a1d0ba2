// Package raft implements the Raft consensus algorithm for replicating an
// ordered log of commands across a group of servers.
//
// # Overview
//
// This package provides a Raft core with:
//   - Leader election with randomized timeouts, pre-vote and leader stickiness
//   - Log replication with per-peer pipelining and batching
//   - Membership changes through joint consensus
//   - Snapshots with trailing log retention and snapshot transfer
//   - Linearizable read barriers, on the leader and forwarded from followers
//   - Leadership transfer (Stepdown)
//
// Storage, networking, the replicated application and failure suspicion are
// collaborators behind the Persistence, RPC, StateMachine and
// FailureDetector interfaces. FilePersistence, RPCTransport,
// MemoryPersistence and InMemoryNetwork are provided.
//
// # Architecture
//
// Each Server runs one owner goroutine that consumes client requests,
// received messages, clock ticks and applier notifications. The protocol
// state lives in an fsm that performs no I/O; after each batch of events the
// owner persists term, vote and log, then sends messages through per-peer
// sender goroutines, then hands committed entries to the applier goroutine,
// then resolves waiting callers. Time is logical: timeouts are counted in
// ticks produced by a Clock.
//
// # Usage
//
// Bootstrap the first configuration once, then start a server:
//
//	p, _ := raft.NewFilePersistence("/var/lib/raftd")
//	_ = raft.Bootstrap(p, raft.Configuration{Current: members})
//
//	transport := raft.NewRPCTransport("10.0.0.1:7000")
//	srv, _ := raft.NewServer(id, raft.DefaultConfig(), p, transport, sm)
//	if err := srv.Start(ctx); err != nil {
//	    return err
//	}
//	defer srv.Abort()
//
//	// Replicate a command (only on leader)
//	err := srv.AddEntry(ctx, raft.Command(data), raft.WaitApplied)
//
// # Consistency Guarantees
//
//   - At most one leader per term
//   - Committed entries are never lost and are applied in the same order
//     on every server
//   - An entry commits only once stored on a majority of every voter set
//     of the current configuration, and only directly in its leader's term
//
// # References
//
//   - Raft Paper: https://raft.github.io/raft.pdf
//   - Raft Visualization: https://raft.github.io/
package raft
