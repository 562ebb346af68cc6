package pocket

import "github.com/prometheus/client_golang/prometheus"

var SyncMessagesGenerated = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pocket",
	Subsystem: "sync",
	Name:      "messages_generated",
}, []string{"session"})

var SyncMessagesReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pocket",
	Subsystem: "sync",
	Name:      "messages_received",
}, []string{"session"})

var SyncChangesApplied = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pocket",
	Subsystem: "sync",
	Name:      "changes_applied",
}, []string{"session"})

var SyncConflictsDetected = prometheus.NewCounterVec(prometheus.CounterOpts{
	Namespace: "pocket",
	Subsystem: "sync",
	Name:      "conflicts_detected",
}, []string{"session"})

// RegisterMetrics registers the sync counters with the given
// registry; hosts that don't scrape simply never call it.
func RegisterMetrics(reg prometheus.Registerer) {
	reg.MustRegister(
		SyncMessagesGenerated,
		SyncMessagesReceived,
		SyncChangesApplied,
		SyncConflictsDetected,
	)
}
