// Package metrics registers the Prometheus collectors exported on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connections is the number of joined sessions per room.
	Connections = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "examhub",
		Subsystem: "hub",
		Name:      "connections",
		Help:      "Live WebSocket sessions per room.",
	}, []string{"room"})

	// EventsPublished counts events accepted by the hub, by type.
	EventsPublished = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examhub",
		Subsystem: "hub",
		Name:      "events_published_total",
		Help:      "Events published to the hub.",
	}, []string{"type"})

	// Deliveries counts per-session delivery outcomes.
	Deliveries = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examhub",
		Subsystem: "hub",
		Name:      "deliveries_total",
		Help:      "Per-session deliveries by outcome (sent, dropped, deduped).",
	}, []string{"outcome"})

	// Downloads counts download token outcomes.
	Downloads = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examhub",
		Subsystem: "downloads",
		Name:      "total",
		Help:      "Download attempts by outcome.",
	}, []string{"outcome"})

	// InboundFrames counts WebSocket frames by type and result.
	InboundFrames = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "examhub",
		Subsystem: "session",
		Name:      "inbound_frames_total",
		Help:      "Inbound WebSocket frames by type and result.",
	}, []string{"type", "result"})
)
