package util

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	OrdersCreatedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "orders_created_total",
		Help: "Total number of orders created at checkout",
	})

	OrderTransitionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_total",
		Help: "Total number of applied order status transitions",
	}, []string{"to"})

	OrderTransitionsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "order_transitions_rejected_total",
		Help: "Total number of rejected order status transitions",
	}, []string{"from", "to"})

	StockMovementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "stock_movements_total",
		Help: "Total number of stock movements appended",
	}, []string{"reason"})

	InventoryOperationsFailed = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "inventory_operations_failed_total",
		Help: "Total number of rejected inventory operations",
	}, []string{"operation", "reason"})

	PaymentCallbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "payment_callbacks_total",
		Help: "Total number of payment callbacks by result",
	}, []string{"result"})

	PaymentVerificationLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "payment_verification_latency_seconds",
		Help:    "Latency of payment verification with the provider",
		Buckets: prometheus.DefBuckets,
	})

	FulfillmentLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "fulfillment_boundary_latency_seconds",
		Help:    "Latency of the fulfillment transaction including lock acquisition",
		Buckets: prometheus.DefBuckets,
	})

	FulfillmentAlertsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "fulfillment_alerts_total",
		Help: "Total number of failed auto-confirmations surfaced to operators",
	}, []string{"reason"})

	LockWaitSeconds = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "lock_wait_seconds",
		Help:    "Time spent acquiring key locks",
		Buckets: prometheus.DefBuckets,
	})

	LockTimeoutsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lock_timeouts_total",
		Help: "Total number of lock acquisitions that timed out",
	})

	OutboxDeliveredTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_delivered_total",
		Help: "Total number of outbox messages delivered",
	}, []string{"kind"})

	OutboxFailedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "outbox_failed_total",
		Help: "Total number of failed outbox delivery attempts",
	}, []string{"kind"})

	HTTPRequestDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "http_request_duration_seconds",
		Help:    "HTTP request latency",
		Buckets: prometheus.DefBuckets,
	}, []string{"method", "path", "status"})

	HTTPRequestsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "http_requests_total",
		Help: "Total number of HTTP requests",
	}, []string{"method", "path", "status"})
)
