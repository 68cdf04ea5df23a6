package metrics

import (
	"os"
	"path/filepath"

	"github.com/go-kit/kit/metrics"
	"github.com/go-kit/kit/metrics/discard"
	kitprom "github.com/go-kit/kit/metrics/prometheus"
	"github.com/pkg/errors"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the counters updated during a migration run.
type Metrics struct {
	MessagesCopied   metrics.Counter
	MessagesFailed   metrics.Counter
	FoldersSkipped   metrics.Counter
	StateSavesFailed metrics.Counter
	FoldersCompleted metrics.Counter

	registry *prom.Registry
}

// NewDiscard returns counters that record nothing.
func NewDiscard() *Metrics {
	return &Metrics{
		MessagesCopied:   discard.NewCounter(),
		MessagesFailed:   discard.NewCounter(),
		FoldersSkipped:   discard.NewCounter(),
		StateSavesFailed: discard.NewCounter(),
		FoldersCompleted: discard.NewCounter(),
	}
}

// New returns counters backed by a private Prometheus registry that can be
// written out with WriteTextfile.
func New() *Metrics {
	reg := prom.NewRegistry()
	counter := func(name, help string, labels ...string) metrics.Counter {
		cv := prom.NewCounterVec(prom.CounterOpts{
			Namespace: "mailmigrate",
			Name:      name,
			Help:      help,
		}, labels)
		reg.MustRegister(cv)
		return kitprom.NewCounter(cv)
	}
	return &Metrics{
		MessagesCopied:   counter("messages_copied_total", "Messages appended to the destination.", "folder"),
		MessagesFailed:   counter("messages_failed_total", "Messages whose fetch or append failed.", "folder"),
		FoldersSkipped:   counter("folders_skipped_total", "Folders skipped by exclusion or error.", "reason"),
		StateSavesFailed: counter("state_saves_failed_total", "Checkpoints that could not be persisted."),
		FoldersCompleted: counter("folders_completed_total", "Folders processed to the end."),
		registry:         reg,
	}
}

// WriteTextfile writes the counters in Prometheus text format to path,
// suitable for the node_exporter textfile collector. It is a no-op for
// discard metrics or an empty path.
func (m *Metrics) WriteTextfile(path string) error {
	if path == "" || m.registry == nil {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return errors.Wrap(err, "create metrics dir")
	}
	return errors.Wrap(prom.WriteToTextfile(path, m.registry), "write metrics")
}
