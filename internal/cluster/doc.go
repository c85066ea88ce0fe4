// Package cluster holds the types and HTTP helpers shared between the primary,
// its workers and operator tooling.
//
// # Overview
//
// The primary exposes a JSON query API under /api/v1. This package defines the
// request and response bodies for it, the WorkerInfo and WorkerStatus records
// that describe attached workers, and a small Client used by the sigctl
// command and by tests.
//
// # Communication Protocol
//
// All calls are HTTP/JSON with a 5 second client timeout:
//
//	GET  /api/v1/users/status/{username}     → UserStatusResponse
//	GET  /api/v1/users/active                → ActiveUsersResponse
//	GET  /api/v1/groups/users/active         → ActiveGroupsResponse
//	POST /api/v1/users/register              ← UserRegisterRequest (+ connection-id header)
//	POST /api/v1/groups/register             ← GroupRegisterRequest
//	GET  /api/v1/context                     → state.Snapshot
//	GET  /api/v1/workers                     → []WorkerStatus
//
// Non-2xx responses carry an ErrorResponse body and surface as *HTTPError.
//
// # Thread Safety
//
// PostJSON, GetJSON and Client share one http.Client and are safe for
// concurrent use.
package cluster
