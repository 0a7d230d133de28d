// Package cluster holds the types shared by every tfsearch process: node
// identities, the registry wire messages, the CoordinationService capability
// and the small HTTP/JSON helpers used for control-plane traffic.
//
// # Topology
//
// One registry process plays the part of the external coordination service.
// Search nodes join its election; the live member with the lowest join
// sequence is the leader and registers as coordinator, every other member
// registers as a worker:
//
//	              ┌──────────────┐
//	              │   Registry   │
//	              │ - election   │
//	              │ - membership │
//	              │ - prober     │
//	              └──────┬───────┘
//	                     │
//	      ┌──────────────┼──────────────┐
//	      │              │              │
//	┌─────▼─────┐  ┌─────▼─────┐  ┌─────▼─────┐
//	│  Leader   │  │ Worker 1  │  │ Worker 2  │
//	│ /query    │─▶│ /search   │  │ /search   │
//	└───────────┘  └───────────┘  └───────────┘
//
// Control-plane calls (join, register, list) go through PostJSON and GetJSON
// with a shared five second client timeout. Non-2xx responses surface as
// *StatusError so callers can distinguish an unknown member (404) from a
// transport failure.
//
// # Failure handling
//
// Anything that goes wrong while talking to the coordination service is
// marked with ErrCoordination. Nodes treat it as fatal: a process must not
// keep running in an undefined role. A node whose election entry was
// evicted additionally gets ErrMembershipLost.
package cluster
