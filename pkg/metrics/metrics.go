// Package metrics exposes the engine's Prometheus collectors on a private
// registry.
package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type Metrics struct {
	registry *prometheus.Registry

	OrdersPlaced       *prometheus.CounterVec
	DuplicatePlacement *prometheus.CounterVec
	Transitions        *prometheus.CounterVec
	Notifications      *prometheus.CounterVec
	Messages           *prometheus.CounterVec
	RequestDuration    *prometheus.HistogramVec
}

func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		OrdersPlaced: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campuseats_orders_placed_total",
				Help: "Orders accepted, by shop and order type",
			},
			[]string{"shop", "order_type"},
		),
		DuplicatePlacement: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campuseats_orders_deduplicated_total",
				Help: "Placement retries answered with an existing order",
			},
			[]string{"reason"},
		),
		Transitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campuseats_order_transitions_total",
				Help: "Applied order status transitions",
			},
			[]string{"from", "to"},
		),
		Notifications: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campuseats_notifications_created_total",
				Help: "Student notifications created, by type",
			},
			[]string{"type"},
		),
		Messages: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "campuseats_messages_sent_total",
				Help: "Order chat messages sent, by sender type",
			},
			[]string{"sender_type"},
		),
		RequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "campuseats_http_request_duration_seconds",
				Help:    "HTTP request latency",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route", "status"},
		),
	}

	m.registry.MustRegister(
		m.OrdersPlaced,
		m.DuplicatePlacement,
		m.Transitions,
		m.Notifications,
		m.Messages,
		m.RequestDuration,
		collectors.NewGoCollector(),
	)
	return m
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Middleware observes request latency labelled by the matched route template.
func (m *Metrics) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		m.RequestDuration.
			WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).
			Observe(time.Since(start).Seconds())
	}
}
