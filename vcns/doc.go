// Package vcns talks to the backend manager's REST API. It covers the
// appliance lifecycle (deploy, reconfigure, delete), the per-edge feature
// documents (interfaces, routing, NAT, firewall, DHCP, system control) and
// the logical switches linking distributed routers to their service
// counterparts.
//
// Deploys are asynchronous. DeployEdge returns a Task that settles when the
// backend job does, and every phase transition is published to the sinks
// registered on the client's TaskNotifier, so binding state converges
// through one event path whether an operation succeeded or failed.
package vcns
