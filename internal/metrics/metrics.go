// Package metrics exposes Prometheus instrumentation for the watch and
// wlock packages, grounded in the pack's own use of
// github.com/prometheus/client_golang for RPC/lock instrumentation
// (micro-go-micro/metrics/prometheus, sa6mwa-lockd's lock/session metrics).
// spec.md's core is silent on metrics, but ambient instrumentation is
// carried regardless (see SPEC_FULL.md §11).
package metrics

import "github.com/prometheus/client_golang/prometheus"

var (
	// WatchChanges counts change callbacks fired by KV Watchers.
	WatchChanges = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wlock",
		Name:      "kv_watch_changes_total",
		Help:      "Number of times a KV Watcher observed a changed value.",
	})
	// WatchErrors counts KV Watcher iteration errors.
	WatchErrors = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wlock",
		Name:      "kv_watch_errors_total",
		Help:      "Number of KV Watcher iterations that ended in error.",
	})
	// LockAcquired counts successful Acquire completions.
	LockAcquired = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wlock",
		Name:      "acquired_total",
		Help:      "Number of times a WLock instance acquired the lock.",
	})
	// LockLost counts transitions out of the Held state.
	LockLost = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wlock",
		Name:      "lost_total",
		Help:      "Number of times a WLock instance lost a held lock.",
	})
	// SessionRenewFailures counts renewer self-demotions.
	SessionRenewFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "wlock",
		Name:      "session_renew_failures_total",
		Help:      "Number of session renew failures observed by the renewer.",
	})
	// Held is 1 while a WLock instance believes it holds the lock.
	Held = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "wlock",
		Name:      "held",
		Help:      "1 if this process currently holds the lock, 0 otherwise.",
	})
)

func init() {
	prometheus.MustRegister(WatchChanges, WatchErrors, LockAcquired, LockLost, SessionRenewFailures, Held)
}
