// Package metrics exposes Prometheus collectors for the berth daemon.
//
// [Metrics] implements [build.Observer], so passing it in [build.Options]
// records every stage and build the daemon runs. [Metrics.Handler] serves
// the registry in the Prometheus text format.
package metrics
