// Package metrics provides Prometheus metrics for the stream orchestrator.
package metrics

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "camhls"

var (
	buildInfo = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "build_info",
		Help:      "Build information, always 1",
	}, []string{"version", "commit", "go_version"})

	streamUp = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "up",
		Help:      "Whether a transcoder is known to run for the source",
	}, []string{"source_id"})

	streamStarts = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "starts_total",
		Help:      "Transcoders spawned",
	})

	streamAdoptions = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "adoptions_total",
		Help:      "Transcoders found in the process table and adopted",
	})

	streamExits = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "exits_total",
		Help:      "Transcoders that exited without being stopped, by exit code",
	}, []string{"exit_code"})

	streamStops = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "stops_total",
		Help:      "Explicit stops",
	})

	forcedKills = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "forced_kills_total",
		Help:      "Transcoders that needed SIGKILL after the graceful timeout",
	})

	startFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "stream",
		Name:      "start_failures_total",
		Help:      "Failed starts by error code",
	}, []string{"code"})

	reconcilePasses = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "passes_total",
		Help:      "Completed reconciliation passes",
	})

	reconcileCatalogErrors = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "catalog_errors_total",
		Help:      "Passes skipped because the catalog could not be read",
	})

	reconcileDesired = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "desired_sources",
		Help:      "Sources the catalog wanted active in the last pass",
	})

	reconcileDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "reconcile",
		Name:      "duration_seconds",
		Help:      "Duration of reconciliation passes",
		Buckets:   prometheus.ExponentialBuckets(0.01, 2, 12),
	})

	recordings = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recording",
		Name:      "completed_total",
		Help:      "Finished recordings by result",
	}, []string{"result"})

	recordingBytes = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "recording",
		Name:      "bytes_total",
		Help:      "Bytes written by recordings",
	})
)

// SetBuildInfo publishes the running build.
func SetBuildInfo(version, commit, goVersion string) {
	buildInfo.WithLabelValues(version, commit, goVersion).Set(1)
}

// SetStreamUp marks a source as running.
func SetStreamUp(sourceID string) {
	streamUp.WithLabelValues(sourceID).Set(1)
}

// DeleteStream removes per-source series.
func DeleteStream(sourceID string) {
	streamUp.DeleteLabelValues(sourceID)
}

// IncStreamStarts counts a spawn.
func IncStreamStarts() { streamStarts.Inc() }

// IncStreamAdoptions counts an adoption.
func IncStreamAdoptions() { streamAdoptions.Inc() }

// IncStreamExits counts an unrequested exit.
func IncStreamExits(exitCode int) {
	streamExits.WithLabelValues(strconv.Itoa(exitCode)).Inc()
}

// AddStreamStops counts an explicit stop and how many of its processes were force killed.
func AddStreamStops(forced int) {
	streamStops.Inc()
	if forced > 0 {
		forcedKills.Add(float64(forced))
	}
}

// IncStartFailures counts a failed start.
func IncStartFailures(code string) {
	if code == "" {
		code = "UNKNOWN"
	}
	startFailures.WithLabelValues(code).Inc()
}

// ObserveReconcile records one monitor pass.
func ObserveReconcile(desired int, catalogOK bool, seconds float64) {
	reconcilePasses.Inc()
	reconcileDuration.Observe(seconds)
	if !catalogOK {
		reconcileCatalogErrors.Inc()
		return
	}
	reconcileDesired.Set(float64(desired))
}

// ObserveRecording records a finished recording.
func ObserveRecording(bytes int64, failed bool) {
	if failed {
		recordings.WithLabelValues("error").Inc()
		return
	}
	recordings.WithLabelValues("ok").Inc()
	recordingBytes.Add(float64(bytes))
}
