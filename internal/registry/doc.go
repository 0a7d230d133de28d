// Package registry is a small HTTP coordination service providing leader
// election and worker membership for tfsearch nodes.
//
// Members join with a monotonically increasing sequence number and the
// live member holding the lowest number is the leader. Liveness is
// established by probing each member's /health endpoint; a member that
// misses too many probes in a row is evicted, and if it was the leader the
// next member in line takes over. An evicted node that is still running
// learns this from Client.IsLeader, which fails with
// cluster.ErrMembershipLost once the node's entry is gone.
//
// Workers publish the address of their search endpoint with Register and
// appear in the worker list in join order. The leader unregisters its worker
// entry and registers a coordinator address instead.
//
// Client adapts the HTTP API to cluster.CoordinationService so nodes depend
// only on that interface.
package registry
