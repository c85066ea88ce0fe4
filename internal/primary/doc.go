// Package primary implements the coordinating process of a signalhub cluster:
// the single writer of user and group state, the end of every worker's IPC
// link, and the supervisor of the worker pool.
//
// # Overview
//
// Workers own client sockets; the primary owns names. A worker that wants to
// register a username, join a group, or reach a client it does not hold asks
// the primary over its IPC link. The primary decides, commits, and pushes the
// outcome back to the worker that owns the affected connection.
//
// # Architecture
//
//	┌──────────────────────────────────────────────┐
//	│                   PRIMARY                     │
//	├──────────────────────────────────────────────┤
//	│  /ipc ──▶ Hub ──Deliver──▶ Coordinator loop   │
//	│                              │                │
//	│  /api/v1 ──▶ api ──do()──────┤                │
//	│                              ▼                │
//	│                        PrimaryStore           │
//	│                              │                │
//	│  WorkerRegistry ◀──sendTo────┘                │
//	│       ▲                                       │
//	│       └── HealthMonitor (evicts)              │
//	│                                               │
//	│  Supervisor ──exec──▶ worker processes        │
//	└──────────────────────────────────────────────┘
//
// # Core Components
//
// Coordinator: the event loop
//   - Owns the PrimaryStore; nothing else touches it
//   - Dispatches decoded IPC messages by type
//   - Serves the query API through blocking calls run on the loop
//
// WorkerRegistry: who is attached
//   - Maps worker ids to their link
//   - Generation numbers keep a stale link from detaching its successor
//
// Hub: link acceptance
//   - Upgrades /ipc requests, reads the worker's Hello, registers the link
//   - Purges a worker's connections when its link ends
//
// HealthMonitor: liveness beyond the link
//   - Polls each worker's /health endpoint
//   - Evicts workers that fail repeatedly
//
// Supervisor: process management
//   - Spawns the configured number of worker binaries
//   - Restarts any that exit, with exponential backoff
//
// # Workflows
//
// Registration:
//
//	worker                       primary
//	  │ RegisterRequest{c1,alice}   │
//	  ├────────────────────────────▶│ hasUser? owner matches? unbound?
//	  │                             │ commit UserContext
//	  │      UserRegister{alice}    │
//	  │◀────────────────────────────┤
//	  │  (or RegisterRejected)      │
//
// Disconnect cascade: a ConnectionStatus{connected:false} removes the
// connection record; if a user was bound to it, the user is removed from every
// group it had joined and from the user table, and the owner is sent a
// UserDeregister. Repeating the close is a no-op.
//
// Routing: a UserMessage is re-sent to the worker owning the recipient, or
// dropped if the recipient is not registered. A broadcast to all is relayed
// to every worker except its origin, which delivered locally already. A
// group broadcast is relayed only to workers owning at least one member,
// with the member names filled in.
//
// # Concurrency Model
//
// The Coordinator runs one handler at a time. Two registrations of the same
// name, even from different workers, are processed one after the other.
// Handlers never wait for a worker: sends go through links that queue
// without blocking, and a worker that cannot keep up loses messages rather
// than stalling the loop.
//
// WorkerRegistry and HealthMonitor are mutex protected and safe to use from
// any goroutine.
package primary
