package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// HTTPと業務のカウンタ。nilのままでも呼べる（テスト用）。
type Metrics struct {
	requests       *prometheus.CounterVec
	duration       *prometheus.HistogramVec
	ordersCreated  prometheus.Counter
	payments       *prometheus.CounterVec
	webhooks       *prometheus.CounterVec
	stockExhausted prometheus.Counter
	refundRequired prometheus.Counter
	cacheLookups   *prometheus.CounterVec
}

func New(namespace string, reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests",
		}, []string{"method", "path", "status"}),
		duration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of HTTP requests in seconds",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method", "path"}),
		ordersCreated: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "orders_created_total",
			Help:      "Orders created",
		}),
		payments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payments_total",
			Help:      "Payment state changes by provider and outcome",
		}, []string{"provider", "outcome"}),
		webhooks: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "payment_webhooks_total",
			Help:      "Provider notifications by result",
		}, []string{"provider", "result"}),
		stockExhausted: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stock_exhausted_total",
			Help:      "Paid orders that could not be fulfilled from stock",
		}),
		refundRequired: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "refund_required_total",
			Help:      "Captured payments flagged for refund",
		}),
		cacheLookups: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "category_tree_cache_lookups_total",
			Help:      "Category tree cache lookups by result",
		}, []string{"result"}),
	}
}

func (m *Metrics) OrderCreated() {
	if m == nil {
		return
	}
	m.ordersCreated.Inc()
}

func (m *Metrics) Payment(provider, outcome string) {
	if m == nil {
		return
	}
	m.payments.WithLabelValues(provider, outcome).Inc()
}

func (m *Metrics) Webhook(provider, result string) {
	if m == nil {
		return
	}
	m.webhooks.WithLabelValues(provider, result).Inc()
}

func (m *Metrics) StockExhausted() {
	if m == nil {
		return
	}
	m.stockExhausted.Inc()
}

func (m *Metrics) RefundRequired() {
	if m == nil {
		return
	}
	m.refundRequired.Inc()
}

func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("hit").Inc()
}

func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheLookups.WithLabelValues("miss").Inc()
}

// ルートのパターン（/orders/:id）をラベルにする
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if m == nil {
				return next(c)
			}
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}

			path := c.Path()
			if path == "" {
				path = "unmatched"
			}
			method := c.Request().Method
			m.requests.WithLabelValues(method, path, strconv.Itoa(c.Response().Status)).Inc()
			m.duration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
			return nil
		}
	}
}
