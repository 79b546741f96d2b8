// Package metrics declares the Prometheus collectors shared by the server
// and the synchronization client.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	SyncRefreshes = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupsync",
		Subsystem: "sync",
		Name:      "refreshes_total",
		Help:      "View refreshes by outcome (applied, not_found, failed, stale, superseded).",
	}, []string{"outcome"})

	SyncCoalescedEvents = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "groupsync",
		Subsystem: "sync",
		Name:      "coalesced_events_total",
		Help:      "Feed events folded into an already scheduled or queued refresh.",
	})

	SyncSends = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupsync",
		Subsystem: "sync",
		Name:      "sends_total",
		Help:      "Message sends by outcome.",
	}, []string{"outcome"})

	EnrichLookups = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupsync",
		Subsystem: "enrich",
		Name:      "lookups_total",
		Help:      "Enrichment lookups by kind (user, picture, media) and result.",
	}, []string{"kind", "result"})

	FeedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "groupsync",
		Subsystem: "feed",
		Name:      "events_total",
		Help:      "Change events by direction (published, delivered, dropped).",
	}, []string{"direction"})

	HubClients = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "groupsync",
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Connected websocket feed clients.",
	})

	HTTPDuration = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "groupsync",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "API request latency.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"route", "method", "code"})
)

func init() {
	prometheus.MustRegister(SyncRefreshes, SyncCoalescedEvents, SyncSends, EnrichLookups, FeedEvents, HubClients, HTTPDuration)
}
