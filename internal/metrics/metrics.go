// Package metrics exposes prometheus counters for the pipeline.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// ServersAdded counts records accepted into the registry.
	ServersAdded = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corelink",
		Name:      "servers_added_total",
		Help:      "Number of server records added to the registry.",
	})

	// ServersDeduped counts records removed as duplicates.
	ServersDeduped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "corelink",
		Name:      "servers_deduped_total",
		Help:      "Number of duplicate server records removed.",
	})

	// SubscriptionUpdates counts per-subscription fetch outcomes.
	SubscriptionUpdates = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corelink",
		Name:      "subscription_updates_total",
		Help:      "Subscription fetch attempts by outcome.",
	}, []string{"outcome"})

	// Probes counts health probes by kind and outcome.
	Probes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "corelink",
		Name:      "probes_total",
		Help:      "Health probes by kind and outcome.",
	}, []string{"kind", "outcome"})
)
