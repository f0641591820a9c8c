// Package metrics exposes the framework's Prometheus instruments on the
// default registry. Exposition (the /metrics endpoint) is the host
// program's concern.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// MeshSent counts route packets written to the mesh.
	MeshSent = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playhouse_mesh_sent_total",
		Help: "Route packets sent over the mesh bus.",
	})

	// MeshReceived counts route packets read from the mesh.
	MeshReceived = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playhouse_mesh_received_total",
		Help: "Route packets received over the mesh bus.",
	})

	// MeshSendErrors counts failed mesh sends (broken peers, encode errors).
	MeshSendErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playhouse_mesh_send_errors_total",
		Help: "Mesh sends that failed.",
	})

	// DispatchErrors counts user-handler panics/errors caught by dispatchers.
	DispatchErrors = promauto.NewCounter(prometheus.CounterOpts{
		Name: "playhouse_dispatch_errors_total",
		Help: "Handler errors caught by the stage and api dispatchers.",
	})

	// ActiveStages tracks live stages on this Play server.
	ActiveStages = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playhouse_active_stages",
		Help: "Stages currently hosted.",
	})

	// PendingRequests tracks in-flight request-reply correlations.
	PendingRequests = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "playhouse_pending_requests",
		Help: "Outbound requests awaiting replies.",
	})
)
