// Package metrics exposes prometheus instrumentation for the sync core.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	pushConnectionState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "portal_push_connection_state",
			Help: "Current push channel state (1 for the active state, 0 otherwise).",
		},
		[]string{"state"},
	)
	pushReconnectsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_push_reconnects_total",
			Help: "Total number of successful push channel reconnects.",
		},
	)
	eventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_events_total",
			Help: "Total number of inbound push events dispatched.",
		},
		[]string{"kind"},
	)
	handlerFaultsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_handler_faults_total",
			Help: "Total number of event handlers that panicked during dispatch.",
		},
	)
	counterRefreshesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "portal_counter_refreshes_total",
			Help: "Total number of authoritative counter refreshes by outcome.",
		},
		[]string{"category", "result"},
	)
	notificationsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "portal_notifications_recorded_total",
			Help: "Total number of notifications recorded to the local log.",
		},
	)
)

func init() {
	prometheus.MustRegister(
		pushConnectionState,
		pushReconnectsTotal,
		eventsTotal,
		handlerFaultsTotal,
		counterRefreshesTotal,
		notificationsTotal,
	)
}

var connectionStates = []string{"disconnected", "connecting", "connected", "reconnecting"}

// SetConnectionState marks exactly one connection state as active.
func SetConnectionState(state string) {
	for _, s := range connectionStates {
		v := 0.0
		if s == state {
			v = 1.0
		}
		pushConnectionState.WithLabelValues(s).Set(v)
	}
}

// IncReconnect counts a successful reconnect.
func IncReconnect() {
	pushReconnectsTotal.Inc()
}

// IncEvent counts a dispatched inbound event.
func IncEvent(kind string) {
	eventsTotal.WithLabelValues(kind).Inc()
}

// IncHandlerFault counts a handler panic caught during dispatch.
func IncHandlerFault() {
	handlerFaultsTotal.Inc()
}

// IncCounterRefresh counts an authoritative refresh attempt.
func IncCounterRefresh(category, result string) {
	counterRefreshesTotal.WithLabelValues(category, result).Inc()
}

// IncNotification counts a recorded notification.
func IncNotification() {
	notificationsTotal.Inc()
}
