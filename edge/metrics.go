package edge

import metrics "github.com/docker/go-metrics"

var (
	idleEdges          metrics.LabeledGauge
	allocationsTotal   metrics.Counter
	allocationFailures metrics.Counter
	poolHits           metrics.Counter
	poolMisses         metrics.Counter
	purgedErrorEdges   metrics.Counter
	deployDuration     metrics.Timer
)

func init() {
	ns := metrics.NewNamespace("nsxv", "pool", nil)
	idleEdges = ns.NewLabeledGauge("idle_edges", "The number of idle backup edges per pool", "", "type", "size")
	allocationsTotal = ns.NewCounter("allocations", "The number of edge allocations served")
	allocationFailures = ns.NewCounter("allocation_failures", "The number of edge allocations that failed")
	poolHits = ns.NewCounter("pool_hits", "The number of allocations served from the backup pool")
	poolMisses = ns.NewCounter("pool_misses", "The number of pooled allocations that fell back to a fresh deploy")
	purgedErrorEdges = ns.NewCounter("purged_error_edges", "The number of failed backup edges purged")
	deployDuration = ns.NewTimer("deploy_duration", "The time taken to deploy an edge appliance")
	metrics.Register(ns)
}
