package core

import (
	"context"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusMetricsRecorder exports operation counts and latency histograms.
type PrometheusMetricsRecorder struct {
	operations *prometheus.CounterVec
	latency    *prometheus.HistogramVec
}

// NewPrometheusMetricsRecorder registers its collectors with reg.
func NewPrometheusMetricsRecorder(reg prometheus.Registerer) (*PrometheusMetricsRecorder, error) {
	r := &PrometheusMetricsRecorder{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "stockledger",
			Name:      "operations_total",
			Help:      "Service operations by outcome.",
		}, []string{"operation", "status"}),
		latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "stockledger",
			Name:      "operation_duration_seconds",
			Help:      "Service operation latency.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"operation"}),
	}
	for _, c := range []prometheus.Collector{r.operations, r.latency} {
		if err := reg.Register(c); err != nil {
			return nil, err
		}
	}
	return r, nil
}

// Observe implements MetricsRecorder.
func (r *PrometheusMetricsRecorder) Observe(_ context.Context, operation string, success bool, duration time.Duration) {
	status := string(AuditStatusSuccess)
	if !success {
		status = string(AuditStatusError)
	}
	r.operations.WithLabelValues(operation, status).Inc()
	r.latency.WithLabelValues(operation).Observe(duration.Seconds())
}

// StockCollector reports current balances and open alerts on every scrape.
type StockCollector struct {
	svc       *Service
	quantity  *prometheus.Desc
	value     *prometheus.Desc
	openAlert *prometheus.Desc
}

// NewStockCollector returns a collector over svc's committed state.
func NewStockCollector(svc *Service) *StockCollector {
	return &StockCollector{
		svc: svc,
		quantity: prometheus.NewDesc("stockledger_item_quantity_on_hand",
			"Quantity on hand per stock item.", []string{"item_id", "item_name", "category", "unit"}, nil),
		value: prometheus.NewDesc("stockledger_category_value",
			"Carried value per category.", []string{"category"}, nil),
		openAlert: prometheus.NewDesc("stockledger_open_alerts",
			"Active alerts by kind.", []string{"kind"}, nil),
	}
}

// Describe implements prometheus.Collector.
func (c *StockCollector) Describe(ch chan<- *prometheus.Desc) {
	ch <- c.quantity
	ch <- c.value
	ch <- c.openAlert
}

// Collect implements prometheus.Collector.
func (c *StockCollector) Collect(ch chan<- prometheus.Metric) {
	ctx := context.Background()
	for _, item := range c.svc.ListItems(ctx) {
		ch <- prometheus.MustNewConstMetric(c.quantity, prometheus.GaugeValue, item.QuantityOnHand.InexactFloat64(),
			item.ID, item.Name, string(item.Category), string(item.Unit))
	}
	if v, err := c.svc.Valuation(ctx); err == nil {
		for _, cv := range v.Categories {
			ch <- prometheus.MustNewConstMetric(c.value, prometheus.GaugeValue, cv.Value.InexactFloat64(), string(cv.Category))
		}
	}
	if alerts, err := c.svc.GetActiveAlerts(ctx); err == nil {
		counts := make(map[string]float64)
		for _, a := range alerts {
			counts[string(a.Kind)]++
		}
		for kind, n := range counts {
			ch <- prometheus.MustNewConstMetric(c.openAlert, prometheus.GaugeValue, n, kind)
		}
	}
}
