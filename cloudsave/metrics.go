package cloudsave

import (
	"fmt"
	"time"

	promclient "github.com/prometheus/client_golang/prometheus"
)

// Metrics exports save metrics to Prometheus. A nil *Metrics records nothing.
type Metrics struct {
	saveDuration  *promclient.HistogramVec
	saveFailures  *promclient.CounterVec
	uploadedBytes promclient.Counter
	uploadedParts promclient.Counter
}

// NewMetrics registers the save metrics on reg (the default registerer when nil).
// Registering twice reuses the collectors already registered.
func NewMetrics(namespace string, reg promclient.Registerer) (*Metrics, error) {
	if namespace == "" {
		namespace = "cloudsave"
	}
	if reg == nil {
		reg = promclient.DefaultRegisterer
	}

	m := &Metrics{
		saveDuration: promclient.NewHistogramVec(promclient.HistogramOpts{
			Namespace: namespace,
			Name:      "save_duration_seconds",
			Help:      "Duration of cloud saves by outcome.",
			Buckets:   promclient.DefBuckets,
		}, []string{"outcome"}),
		saveFailures: promclient.NewCounterVec(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "save_failures_total",
			Help:      "Count of failed cloud saves by the state they failed in.",
		}, []string{"state"}),
		uploadedBytes: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_bytes_total",
			Help:      "Cumulative archive bytes uploaded in completed saves.",
		}),
		uploadedParts: promclient.NewCounter(promclient.CounterOpts{
			Namespace: namespace,
			Name:      "uploaded_parts_total",
			Help:      "Cumulative parts uploaded in completed saves.",
		}),
	}

	var err error
	if m.saveDuration, err = registerHistogramVec(reg, m.saveDuration); err != nil {
		return nil, fmt.Errorf("register save duration histogram: %w", err)
	}
	if m.saveFailures, err = registerCounterVec(reg, m.saveFailures); err != nil {
		return nil, fmt.Errorf("register save failures counter: %w", err)
	}
	if m.uploadedBytes, err = registerCounter(reg, m.uploadedBytes); err != nil {
		return nil, fmt.Errorf("register uploaded bytes counter: %w", err)
	}
	if m.uploadedParts, err = registerCounter(reg, m.uploadedParts); err != nil {
		return nil, fmt.Errorf("register uploaded parts counter: %w", err)
	}
	return m, nil
}

func (m *Metrics) recordSuccess(took time.Duration, bytes int64, parts int) {
	if m == nil {
		return
	}
	m.saveDuration.WithLabelValues("completed").Observe(took.Seconds())
	m.uploadedBytes.Add(float64(bytes))
	m.uploadedParts.Add(float64(parts))
}

func (m *Metrics) recordFailure(took time.Duration, state State) {
	if m == nil {
		return
	}
	m.saveDuration.WithLabelValues("failed").Observe(took.Seconds())
	m.saveFailures.WithLabelValues(state.String()).Inc()
}

func registerHistogramVec(reg promclient.Registerer, c *promclient.HistogramVec) (*promclient.HistogramVec, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(promclient.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*promclient.HistogramVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func registerCounterVec(reg promclient.Registerer, c *promclient.CounterVec) (*promclient.CounterVec, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(promclient.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*promclient.CounterVec); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}

func registerCounter(reg promclient.Registerer, c promclient.Counter) (promclient.Counter, error) {
	if err := reg.Register(c); err != nil {
		if are, ok := err.(promclient.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(promclient.Counter); ok {
				return existing, nil
			}
		}
		return nil, err
	}
	return c, nil
}
