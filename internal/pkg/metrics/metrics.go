// internal/pkg/metrics/metrics.go
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "stocksync"

var (
	// ReconciliationsTotal 按最终状态统计对账次数 (applied / refunded / already_processed / failed ...)
	ReconciliationsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "reconciliations_total",
		Help:      "Completed-order reconciliations by final status.",
	}, []string{"status"})

	// LineOutcomesTotal 按行项目结果统计
	LineOutcomesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "line_outcomes_total",
		Help:      "Reconciled line items by outcome.",
	}, []string{"outcome"})

	RefundFailuresTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "refund_failures_total",
		Help:      "Refund requests that were not acknowledged by the payment provider.",
	})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "reconcile_lock_wait_seconds",
		Help:      "Time spent waiting for the global reconciliation lock.",
		Buckets:   prometheus.ExponentialBuckets(0.0005, 4, 10),
	})

	HubSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "hub_subscribers",
		Help:      "Currently registered stock change subscribers.",
	})

	HubNotificationsDelivered = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_notifications_enqueued_total",
		Help:      "Stock change notifications accepted into a subscriber buffer.",
	})

	HubNotificationsDropped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "hub_notifications_dropped_total",
		Help:      "Stock change notifications dropped because a subscriber buffer was full.",
	})

	CatalogUpdatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "catalog_updates_total",
		Help:      "Catalog publish messages by handling result.",
	}, []string{"result"})
)
