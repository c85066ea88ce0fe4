// Package state holds the in-memory presence model: users, groups and client
// connections, plus the two role-specific stores built on it.
//
// # Overview
//
// Every process owns its own store. The primary's PrimaryStore is the
// authoritative record of who is registered and which groups they belong to;
// each worker's WorkerStore is the live connection table for the sockets that
// worker accepted, plus a cache of the UserContext records the primary pushed
// down to it.
//
//	┌────────────────────────────────┐      ┌────────────────────────────────┐
//	│          PrimaryStore          │      │          WorkerStore           │
//	├────────────────────────────────┤      ├────────────────────────────────┤
//	│ users:  username → UserContext │ IPC  │ conns: id → LocalConnection    │
//	│ groups: name → GroupContext    │ ───▶ │ users: username → UserContext  │
//	│ conns:  id → ConnectionRecord  │      │ bound: username → {id}         │
//	└────────────────────────────────┘      └────────────────────────────────┘
//	        authoritative                         cache + live sockets
//
// # Concurrency Model
//
// Neither store is locked. Each is owned by exactly one event loop (the
// primary's Coordinator or a worker's Node) and must only be touched from
// inside that loop. Mutations that span several maps, such as AddMember
// updating both the group and the user, are therefore atomic to any observer.
// Values handed across the loop boundary (snapshots, IPC payloads) are
// produced with Clone.
//
// # Errors
//
// Lookups and membership changes report ErrNotFound or ErrConflict wrapped
// with detail; classify them with errors.Is.
package state
