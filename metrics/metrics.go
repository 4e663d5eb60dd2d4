// Package metrics holds the Prometheus collectors exported by gotserv.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Connection metrics
	ActiveConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gotserv_connections_active",
		Help: "Number of connections not yet released",
	})

	TotalConnections = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gotserv_connections_total",
		Help: "Total number of accepted connections",
	})

	ProtocolSelected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotserv_protocol_selected_total",
		Help: "Protocols selected by the first message of a connection",
	}, []string{"protocol", "checksum"})

	SlowConnectionsClosed = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gotserv_slow_connections_closed_total",
		Help: "Connections force-closed because their output queue grew too long",
	})

	ConnectionErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotserv_connection_errors_total",
		Help: "Connection errors by direction",
	}, []string{"direction"})

	BytesWritten = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gotserv_bytes_written_total",
		Help: "Bytes written to client sockets",
	})

	// Output message pool
	OutputMessagesAllocated = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gotserv_output_messages_allocated",
		Help: "Output messages ever created by the pool",
	})

	OutputMessagesInUse = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gotserv_output_messages_in_use",
		Help: "Output messages handed out and not yet released",
	})

	OutputMessageReleaseErrors = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotserv_output_message_release_errors_total",
		Help: "Output messages released in an unexpected state",
	}, []string{"state"})

	// Dispatcher and scheduler
	DispatcherTasks = promauto.NewCounter(prometheus.CounterOpts{
		Name: "gotserv_dispatcher_tasks_total",
		Help: "Tasks executed by the dispatcher",
	})

	DispatcherQueueLength = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "gotserv_dispatcher_queue_length",
		Help: "Tasks waiting in the dispatcher queue",
	})

	SchedulerEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotserv_scheduler_events_total",
		Help: "Scheduler events by outcome",
	}, []string{"outcome"})

	// Login throttling
	LoginAttempts = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "gotserv_login_attempts_total",
		Help: "Login attempts recorded by the connection manager",
	}, []string{"result"})
)
