package monitoring

import (
	"context"
	"runtime"
	"runtime/debug"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/flowline/flowline/engine/core"
	"github.com/flowline/flowline/engine/infra/monitoring/metrics"
	"github.com/flowline/flowline/pkg/logger"
)

// CommitHash may be set via ldflags during compilation.
var CommitHash = "unknown"

// RunInfo labels the run a metrics endpoint serves.
type RunInfo struct {
	Project       string
	Backend       string
	MaxConcurrent int
	Tasks         int
}

func (ri RunInfo) attributes() metric.MeasurementOption {
	return metric.WithAttributes(
		attribute.String("project", ri.Project),
		attribute.String("backend", ri.Backend),
	)
}

// processMetrics are registered once per meter provider.
type processMetrics struct {
	buildInfo metric.Float64Gauge
	runSlots  metric.Int64Gauge
	runTasks  metric.Int64Gauge
	uptime    metric.Registration
	started   time.Time
}

func newProcessMetrics(ctx context.Context, meter metric.Meter) *processMetrics {
	log := logger.FromContext(ctx)
	pm := &processMetrics{started: time.Now()}
	var err error
	pm.buildInfo, err = meter.Float64Gauge(
		metrics.MetricName("build_info"),
		metric.WithDescription("Build information (value=1)"),
	)
	if err != nil {
		log.Error("Failed to create build info gauge", "error", err)
	}
	pm.runSlots, err = meter.Int64Gauge(
		metrics.MetricNameWithSubsystem("run", "max_concurrent_tasks"),
		metric.WithDescription("Task slots available to the served run"),
	)
	if err != nil {
		log.Error("Failed to create run slots gauge", "error", err)
	}
	pm.runTasks, err = meter.Int64Gauge(
		metrics.MetricNameWithSubsystem("run", "tasks"),
		metric.WithDescription("Tasks in the served run's workflow"),
	)
	if err != nil {
		log.Error("Failed to create run tasks gauge", "error", err)
	}
	uptime, err := meter.Float64ObservableGauge(
		metrics.MetricName("uptime_seconds"),
		metric.WithDescription("Process uptime in seconds"),
	)
	if err != nil {
		log.Error("Failed to create uptime gauge", "error", err)
		return pm
	}
	pm.uptime, err = meter.RegisterCallback(func(_ context.Context, o metric.Observer) error {
		o.ObserveFloat64(uptime, time.Since(pm.started).Seconds())
		return nil
	}, uptime)
	if err != nil {
		log.Error("Failed to register uptime callback", "error", err)
	}
	return pm
}

// buildVersion prefers ldflags values and falls back to module build info.
func buildVersion() (version, commit string) {
	version, commit = core.GetVersion(), CommitHash
	info, ok := debug.ReadBuildInfo()
	if !ok {
		return version, commit
	}
	if version == "v0" && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	for _, setting := range info.Settings {
		if commit == "unknown" && setting.Key == "vcs.revision" {
			commit = setting.Value
		}
	}
	return version, commit
}

func (pm *processMetrics) recordBuild(ctx context.Context) {
	if pm.buildInfo == nil {
		return
	}
	version, commit := buildVersion()
	pm.buildInfo.Record(ctx, 1, metric.WithAttributes(
		attribute.String("version", version),
		attribute.String("commit_hash", commit),
		attribute.String("go_version", runtime.Version()),
	))
}

func (pm *processMetrics) recordRun(ctx context.Context, info RunInfo) {
	if pm.runSlots != nil {
		pm.runSlots.Record(ctx, int64(info.MaxConcurrent), info.attributes())
	}
	if pm.runTasks != nil {
		pm.runTasks.Record(ctx, int64(info.Tasks), info.attributes())
	}
}

func (pm *processMetrics) close() error {
	if pm.uptime == nil {
		return nil
	}
	return pm.uptime.Unregister()
}
