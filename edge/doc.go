// Package edge manages the lifecycle of backend edge appliances: the warm
// backup pool, claim and release of appliances for logical resources, DHCP
// edge placement, and shared-router co-location.
//
// The Manager is the only writer of allocation decisions. It serializes
// them through a NamedLockService (never bare mutexes) so several
// processes can share one backend, and records every outcome as a
// RouterBinding row in the binding store. Asynchronous backend outcomes
// flow back through the CallbackHandler, which is registered as a sink on
// the backend client's task notifier and applies the matching row
// transitions. Failed rows are never repaired in place; the reconciler
// purges them and refills the pool.
package edge
