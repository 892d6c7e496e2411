package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strconv"
	"sync"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/Paintersrp/prefork/internal/engine"
)

var (
	registry = prometheus.NewRegistry()

	workers = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "prefork",
		Name:      "workers",
		Help:      "Number of worker processes currently tracked by the master.",
	})

	workerExits = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prefork",
		Name:      "worker_exits_total",
		Help:      "Worker exits observed by the master, by PIN and outcome (normal or abnormal).",
	}, []string{"pin", "outcome"})

	workerRestarts = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "prefork",
		Name:      "worker_restarts_total",
		Help:      "Workers respawned after an abnormal exit, by PIN.",
	}, []string{"pin"})

	spawnFailures = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "prefork",
		Name:      "spawn_failures_total",
		Help:      "Worker processes that could not be created.",
	})

	buildInfo = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "prefork",
		Name:      "build_info",
		Help:      "Build metadata for the running prefork binary.",
	}, []string{"go_version", "vcs", "vcs_revision", "vcs_time", "vcs_modified"})

	buildInfoOnce sync.Once
)

const (
	OutcomeNormal   = "normal"
	OutcomeAbnormal = "abnormal"
)

func init() {
	registry.MustRegister(workers, workerExits, workerRestarts, spawnFailures, buildInfo)
}

// Registry returns the Prometheus registry containing all prefork metrics.
func Registry() *prometheus.Registry {
	return registry
}

// SetWorkers records the current pool size.
func SetWorkers(n int) {
	if n < 0 {
		n = 0
	}
	workers.Set(float64(n))
}

// ObserveExit counts a worker exit.
func ObserveExit(pin int, abnormal bool) {
	outcome := OutcomeNormal
	if abnormal {
		outcome = OutcomeAbnormal
	}
	workerExits.WithLabelValues(pinLabel(pin), outcome).Inc()
}

// IncrementRestart counts a respawn at pin.
func IncrementRestart(pin int) {
	workerRestarts.WithLabelValues(pinLabel(pin)).Inc()
}

// IncrementSpawnFailure counts a failed worker creation.
func IncrementSpawnFailure() {
	spawnFailures.Inc()
}

// Observe updates the collectors from a master lifecycle event. It has the
// signature of an engine event handler.
func Observe(evt engine.Event) {
	switch evt.Type {
	case engine.EventTypeSpawned, engine.EventTypeDrained:
		SetWorkers(evt.Workers)
	case engine.EventTypeExited:
		SetWorkers(evt.Workers)
		ObserveExit(evt.PIN, evt.Reason == engine.ReasonAbnormalExit)
	case engine.EventTypeRespawn:
		IncrementRestart(evt.PIN)
	case engine.EventTypeFailed:
		IncrementSpawnFailure()
	}
}

// EmitBuildInfo publishes build metadata about the running binary.
func EmitBuildInfo() {
	buildInfoOnce.Do(func() {
		labels := prometheus.Labels{
			"go_version":   runtime.Version(),
			"vcs":          "",
			"vcs_revision": "",
			"vcs_time":     "",
			"vcs_modified": "",
		}
		if info, ok := debug.ReadBuildInfo(); ok {
			if info.GoVersion != "" {
				labels["go_version"] = info.GoVersion
			}
			for _, setting := range info.Settings {
				switch setting.Key {
				case "vcs":
					labels["vcs"] = setting.Value
				case "vcs.revision":
					labels["vcs_revision"] = setting.Value
				case "vcs.time":
					labels["vcs_time"] = setting.Value
				case "vcs.modified":
					labels["vcs_modified"] = setting.Value
				}
			}
		}
		buildInfo.With(labels).Set(1)
	})
}

// WriteTextfile dumps the registry to path in the text exposition format, for
// collection by the node exporter textfile collector. The file is replaced
// atomically.
func WriteTextfile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create metrics directory: %w", err)
	}
	if err := prometheus.WriteToTextfile(path, registry); err != nil {
		return fmt.Errorf("write metrics textfile %s: %w", path, err)
	}
	return nil
}

// Textfile returns an event handler that updates the collectors and rewrites
// path after every event that changes them.
func Textfile(path string, onError func(error)) func(engine.Event) {
	return func(evt engine.Event) {
		Observe(evt)
		switch evt.Type {
		case engine.EventTypeSpawned, engine.EventTypeExited, engine.EventTypeRespawn, engine.EventTypeFailed, engine.EventTypeDrained:
		default:
			return
		}
		if err := WriteTextfile(path); err != nil && onError != nil {
			onError(err)
		}
	}
}

func pinLabel(pin int) string {
	if pin < 0 {
		return "master"
	}
	return strconv.Itoa(pin)
}
