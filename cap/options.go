package cap

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"

	"github.com/parentsup/parentsup/c"
)

// Options configures Initialize, the {max_restarts, max_seconds,
// registry_enabled} triple plus the ambient collaborators (logger,
// metrics registerer) a real deployment wires in.
type Options struct {
	MaxRestarts       int
	MaxSeconds        time.Duration
	RegistryEnabled   bool
	Logger            *logrus.Logger
	MetricsRegisterer prometheus.Registerer
}

// defaultOptions mirrors the child-spec defaulting ladder in
// c.NormalizeSpec: max_restarts=infinity, max_seconds=5s, registry
// disabled.
func defaultOptions() Options {
	return Options{
		MaxRestarts: c.InfinityN,
		MaxSeconds:  5 * time.Second,
	}
}

// Opt configures Options; applied in order over defaultOptions.
type Opt func(*Options)

// WithMaxRestarts sets the parent-wide restart ceiling. Pass
// c.InfinityN for unlimited.
func WithMaxRestarts(n int) Opt { return func(o *Options) { o.MaxRestarts = n } }

// WithMaxSeconds sets the parent-wide restart-intensity sliding window.
func WithMaxSeconds(d time.Duration) Opt { return func(o *Options) { o.MaxSeconds = d } }

// WithRegistryEnabled turns on the discovery index adapter
// (registry.MemIndex) backing this Parent's children.
func WithRegistryEnabled(enabled bool) Opt { return func(o *Options) { o.RegistryEnabled = enabled } }

// WithLogger overrides the logrus.Logger every engine log line is
// written through. Defaults to logrus's standard logger.
func WithLogger(l *logrus.Logger) Opt { return func(o *Options) { o.Logger = l } }

// WithMetricsRegisterer registers the parentsup_* Prometheus
// collectors against r instead of leaving them unregistered.
// Ineffective unless WithRegistryEnabled(true) is also given, since
// metrics are currently only wired off the discovery index path.
func WithMetricsRegisterer(r prometheus.Registerer) Opt {
	return func(o *Options) { o.MetricsRegisterer = r }
}
