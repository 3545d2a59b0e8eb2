package scheduler

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowline/flowline/engine/core"
	monitoringmetrics "github.com/flowline/flowline/engine/infra/monitoring/metrics"
	"github.com/flowline/flowline/pkg/logger"
)

const schedulerMetricSubsystem = "scheduler"

type schedulerMetrics struct {
	initOnce sync.Once

	dispatched   metric.Int64Counter
	taskOutcomes metric.Int64Counter
	taskDuration metric.Float64Histogram
	runOutcomes  metric.Int64Counter
	runDuration  metric.Float64Histogram
}

var metricsContainer schedulerMetrics

func schedulerMetricsRecorder(ctx context.Context) *schedulerMetrics {
	metricsContainer.initOnce.Do(func() {
		meter := otel.GetMeterProvider().Meter("flowline.scheduler")
		log := logger.FromContext(ctx)
		var err error

		metricsContainer.dispatched, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem(schedulerMetricSubsystem, "tasks_dispatched_total"),
			metric.WithDescription("Tasks handed to the executor"),
			metric.WithUnit("1"),
		)
		if err != nil {
			log.Warn("scheduler metrics: failed to create dispatch counter", "error", err)
		}

		metricsContainer.taskOutcomes, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem(schedulerMetricSubsystem, "tasks_total"),
			metric.WithDescription("Tasks reaching a terminal status"),
			metric.WithUnit("1"),
		)
		if err != nil {
			log.Warn("scheduler metrics: failed to create task outcome counter", "error", err)
		}

		metricsContainer.taskDuration, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem(schedulerMetricSubsystem, "task_duration_seconds"),
			metric.WithDescription("Wall time of executed tasks including retries"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.TaskDurationBuckets...),
		)
		if err != nil {
			log.Warn("scheduler metrics: failed to create task duration histogram", "error", err)
		}

		metricsContainer.runOutcomes, err = meter.Int64Counter(
			monitoringmetrics.MetricNameWithSubsystem(schedulerMetricSubsystem, "runs_total"),
			metric.WithDescription("Finished runs by status"),
			metric.WithUnit("1"),
		)
		if err != nil {
			log.Warn("scheduler metrics: failed to create run counter", "error", err)
		}

		metricsContainer.runDuration, err = meter.Float64Histogram(
			monitoringmetrics.MetricNameWithSubsystem(schedulerMetricSubsystem, "run_duration_seconds"),
			metric.WithDescription("Wall time of finished runs"),
			metric.WithUnit("s"),
			metric.WithExplicitBucketBoundaries(monitoringmetrics.RunDurationBuckets...),
		)
		if err != nil {
			log.Warn("scheduler metrics: failed to create run duration histogram", "error", err)
		}
	})
	return &metricsContainer
}

func (m *schedulerMetrics) recordDispatch(ctx context.Context) {
	if m.dispatched == nil {
		return
	}
	m.dispatched.Add(ctx, 1)
}

// recordTask counts a terminal task. Only executed tasks feed the duration histogram.
func (m *schedulerMetrics) recordTask(ctx context.Context, status core.StatusType, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if m.taskOutcomes != nil {
		m.taskOutcomes.Add(ctx, 1, attrs)
	}
	if m.taskDuration != nil && (status == core.StatusComplete || status == core.StatusFailed) {
		m.taskDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func (m *schedulerMetrics) recordRun(ctx context.Context, status core.RunStatus, d time.Duration) {
	attrs := metric.WithAttributes(attribute.String("status", string(status)))
	if m.runOutcomes != nil {
		m.runOutcomes.Add(ctx, 1, attrs)
	}
	if m.runDuration != nil {
		m.runDuration.Record(ctx, d.Seconds(), attrs)
	}
}

func resetMetricsForTesting() {
	metricsContainer = schedulerMetrics{}
}
