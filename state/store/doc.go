// Package store keeps the pool manager's view of router bindings, vnic
// slot assignments and cached DHCP static bindings in indexed in-memory
// tables. Every update transaction emits a changelist on the store's watch
// queue, followed by an EventCommit, and hands the same changelist to an
// optional Persister for durability across restarts.
package store
