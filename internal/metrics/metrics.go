// Package metrics holds the prometheus collectors of the sync engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "docsync"

var (
	SyncRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_requests_total",
		Help:      "Sync requests served, by result.",
	}, []string{"result"})

	SyncItemsFiltered = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "sync_items_filtered_total",
		Help:      "Documents and tombstones dropped from sync responses by permission filtering.",
	})

	BroadcastEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_events_total",
		Help:      "Change events delivered to realtime connections, by event type.",
	}, []string{"type"})

	BroadcastDropped = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "broadcast_dropped_total",
		Help:      "Change events not delivered because a connection's send buffer was full.",
	})

	HubConnections = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_connections",
		Help:      "Live realtime connections.",
	})

	ClientStaleWrites = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_stale_writes_total",
		Help:      "Incoming documents discarded because the local copy had an equal or higher version.",
	})

	ClientEvictions = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "client_evictions_total",
		Help:      "Documents evicted from the client store under size pressure.",
	})
)

// Register adds every collector to reg
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		SyncRequests,
		SyncItemsFiltered,
		BroadcastEvents,
		BroadcastDropped,
		HubConnections,
		ClientStaleWrites,
		ClientEvictions,
	}
	for _, c := range collectors {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}
