package observability

import (
	"errors"
	"log/slog"
	"strings"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// PrometheusFactory is a MetricFactory backed by a Prometheus registerer.
// Dotted metric names are rewritten to Prometheus form, so
// "gatekeeper.usage.committed" becomes "gatekeeper_usage_committed_total".
type PrometheusFactory struct {
	reg    promclient.Registerer
	logger *slog.Logger
}

var _ MetricFactory = (*PrometheusFactory)(nil)

// NewPrometheusFactory creates a factory registering on reg. A nil reg
// uses the default registerer.
func NewPrometheusFactory(reg promclient.Registerer, logger *slog.Logger) *PrometheusFactory {
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &PrometheusFactory{reg: reg, logger: logger}
}

// Counter implements MetricFactory. A metric already registered under the
// same name is reused.
func (f *PrometheusFactory) Counter(name string) Counter {
	c := promclient.NewCounter(promclient.CounterOpts{
		Name: promName(name) + "_total",
		Help: "Count of " + name + " events.",
	})
	if err := f.reg.Register(c); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(promclient.Counter); ok {
				return existing
			}
		}
		f.logger.Warn("observability: register counter", "name", name, "error", err)
	}
	return c
}

// Histogram implements MetricFactory.
func (f *PrometheusFactory) Histogram(name string) Histogram {
	h := promclient.NewHistogram(promclient.HistogramOpts{
		Name:    promName(name),
		Help:    "Distribution of " + name + ".",
		Buckets: promclient.ExponentialBuckets(100, 2, 10),
	})
	if err := f.reg.Register(h); err != nil {
		var are promclient.AlreadyRegisteredError
		if errors.As(err, &are) {
			if existing, ok := are.ExistingCollector.(promclient.Histogram); ok {
				return existing
			}
		}
		f.logger.Warn("observability: register histogram", "name", name, "error", err)
	}
	return h
}

func promName(name string) string {
	return strings.NewReplacer(".", "_", "-", "_").Replace(name)
}
