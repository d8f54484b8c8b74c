package memory

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/evoforge/substrate/pkg/models"
)

// AnomalyPolicy names a metric threshold policy.
type AnomalyPolicy string

const (
	AnomalyAbsolute     AnomalyPolicy = "absolute"
	AnomalyPercentage   AnomalyPolicy = "percentage"
	AnomalyStdDeviation AnomalyPolicy = "std_deviation"

	defaultBaselineWindow  = time.Hour
	defaultStdDevThreshold = 3.0
)

// DetectAnomalies returns every metric of metricType in the recent window
// whose value exceeds threshold under policy.
func (e *Engine) DetectAnomalies(ctx context.Context, metricType string, policy AnomalyPolicy, threshold float64, window time.Duration) ([]models.Metric, error) {
	if window <= 0 {
		window = defaultBaselineWindow
	}
	metrics, err := e.store.metricsInWindow(ctx, metricType, time.Now().Add(-window))
	if err != nil {
		return nil, fmt.Errorf("memory: load metrics window: %w", err)
	}

	switch policy {
	case AnomalyAbsolute:
		return filterMetrics(metrics, func(m models.Metric) bool { return m.Value > threshold }), nil
	case AnomalyPercentage:
		return percentageAnomalies(metrics, threshold), nil
	case AnomalyStdDeviation:
		if threshold <= 0 {
			threshold = defaultStdDevThreshold
		}
		return stdDeviationAnomalies(metrics, threshold), nil
	default:
		return nil, fmt.Errorf("memory: unknown anomaly policy %q", policy)
	}
}

func filterMetrics(metrics []models.Metric, keep func(models.Metric) bool) []models.Metric {
	var out []models.Metric
	for _, m := range metrics {
		if keep(m) {
			out = append(out, m)
		}
	}
	return out
}

// percentageAnomalies flags metrics whose deviation from the mean of every
// earlier point in the window exceeds threshold percent. The first point in
// the window has no baseline and is never flagged.
func percentageAnomalies(metrics []models.Metric, threshold float64) []models.Metric {
	var out []models.Metric
	var sum float64
	for i, m := range metrics {
		if i > 0 {
			baseline := sum / float64(i)
			if baseline != 0 {
				pct := (m.Value - baseline) / baseline * 100
				if pct > threshold {
					out = append(out, m)
				}
			}
		}
		sum += m.Value
	}
	return out
}

// stdDeviationAnomalies flags metrics more than threshold standard
// deviations from the window's mean. A zero-variance window (every value
// equal) has no anomalies, since a nonzero deviation divided by zero sigma
// is undefined rather than infinite here.
func stdDeviationAnomalies(metrics []models.Metric, threshold float64) []models.Metric {
	if len(metrics) == 0 {
		return nil
	}
	var sum float64
	for _, m := range metrics {
		sum += m.Value
	}
	mean := sum / float64(len(metrics))

	var variance float64
	for _, m := range metrics {
		d := m.Value - mean
		variance += d * d
	}
	variance /= float64(len(metrics))
	sigma := math.Sqrt(variance)
	if sigma == 0 {
		return nil
	}

	return filterMetrics(metrics, func(m models.Metric) bool {
		return math.Abs(m.Value-mean)/sigma > threshold
	})
}
