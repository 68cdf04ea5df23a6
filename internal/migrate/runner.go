package migrate

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
	"github.com/pkg/errors"

	"github.com/pepperpark/mailmigrate/internal/metrics"
	"github.com/pepperpark/mailmigrate/internal/state"
)

// DefaultGrace is how long Run waits for an in-flight network call after an
// interrupt before closing the connections underneath it.
const DefaultGrace = 5 * time.Second

// Runner drives a complete migration run: validate, load state, connect,
// enumerate, migrate every folder, and finalize.
type Runner struct {
	// Validate checks the configuration before anything is connected. Optional.
	Validate  func() error
	Connector Connector
	Store     Store
	Options   Options
	// MetricsFile receives the run counters in Prometheus text format when set.
	MetricsFile string
	Grace       time.Duration
}

// Summary is the outcome of a run.
type Summary struct {
	Folders     []FolderResult
	Copied      int
	Failed      int
	Interrupted bool
}

func (s *Summary) add(results []FolderResult) {
	s.Folders = append(s.Folders, results...)
	for _, r := range results {
		s.Copied += r.Copied
		s.Failed += len(r.Failed)
	}
}

// Run executes the migration. Only a *ConfigError, a *ConnectionError, a folder
// listing failure or the context error (on interrupt) are returned; every other
// failure is logged and skipped. Once state has been loaded, state is saved and
// both connections are closed on every return path.
func (r *Runner) Run(ctx context.Context) (*Summary, error) {
	logger := r.Options.Logger
	if logger == nil {
		logger = log.NewNopLogger()
		r.Options.Logger = logger
	}
	if r.Options.Metrics == nil {
		r.Options.Metrics = metrics.NewDiscard()
	}
	sum := &Summary{}

	if r.Validate != nil {
		if err := r.Validate(); err != nil {
			level.Error(logger).Log("msg", "missing configuration, aborting", "err", err)
			return sum, &ConfigError{Err: err}
		}
	}

	st := r.loadState(logger)

	var src, dst onceCloser
	defer r.finalize(logger, st, &src, &dst)

	level.Info(logger).Log("msg", "connecting to source")
	srcConn, err := r.Connector.ConnectSource(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			sum.Interrupted = true
			level.Warn(logger).Log("msg", "interrupted while connecting to source", "err", err)
			return sum, ctxErr
		}
		level.Error(logger).Log("msg", "connection to source failed", "err", err)
		return sum, &ConnectionError{Side: "source", Err: err}
	}
	src.c = srcConn
	level.Info(logger).Log("msg", "connected to source")

	level.Info(logger).Log("msg", "connecting to destination")
	dstConn, err := r.Connector.ConnectTarget(ctx)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			sum.Interrupted = true
			level.Warn(logger).Log("msg", "interrupted while connecting to destination", "err", err)
			return sum, ctxErr
		}
		level.Error(logger).Log("msg", "connection to destination failed", "err", err)
		return sum, &ConnectionError{Side: "destination", Err: err}
	}
	dst.c = dstConn
	level.Info(logger).Log("msg", "connected to destination")

	done := make(chan struct{})
	defer close(done)
	go r.watchInterrupt(ctx, done, logger, &src, &dst)

	if err := ctx.Err(); err != nil {
		sum.Interrupted = true
		level.Warn(logger).Log("msg", "migration interrupted before start")
		return sum, err
	}

	folders, err := ListFolders(srcConn)
	if err != nil {
		level.Error(logger).Log("msg", "unexpected error during migration", "err", err)
		if ctx.Err() != nil {
			sum.Interrupted = true
			return sum, ctx.Err()
		}
		return sum, err
	}
	level.Info(logger).Log("msg", "folders listed", "count", len(folders))

	engine := NewEngine(srcConn, dstConn, st, r.Store, r.Options)
	results, err := engine.MigrateAll(ctx, folders)
	sum.add(results)
	if err != nil {
		sum.Interrupted = true
		level.Warn(logger).Log("msg", "migration interrupted", "err", err)
		return sum, err
	}

	level.Info(logger).Log("msg", "all folders processed, migration attempt complete", "copied", sum.Copied, "failed", sum.Failed)
	return sum, nil
}

func (r *Runner) loadState(logger log.Logger) *state.State {
	if r.Store == nil {
		return state.New()
	}
	st, err := r.Store.Load()
	if err != nil {
		var corrupt *state.CorruptError
		if errors.As(err, &corrupt) {
			level.Error(logger).Log("msg", "state file is corrupt, starting with empty state; already copied messages may be copied again", "path", corrupt.Path, "err", corrupt.Err)
		} else {
			level.Error(logger).Log("msg", "failed to read state, starting with empty state", "err", err)
		}
		return state.New()
	}
	if n := len(st.Folders()); n > 0 {
		level.Info(logger).Log("msg", "loaded existing migration state", "folders", n)
	} else {
		level.Info(logger).Log("msg", "no existing state found, starting fresh")
	}
	return st
}

// finalize saves the state and closes both connections. Each step is attempted
// regardless of the others; failures are logged only.
func (r *Runner) finalize(logger log.Logger, st *state.State, src, dst *onceCloser) {
	if r.Store != nil {
		if err := r.Store.Save(st); err != nil {
			level.Error(logger).Log("msg", "failed to save final state", "err", &StatePersistError{Err: err})
		}
	}
	if err := src.Close(); err != nil {
		level.Debug(logger).Log("msg", "closing source connection", "err", err)
	}
	if err := dst.Close(); err != nil {
		level.Debug(logger).Log("msg", "closing destination connection", "err", err)
	}
	if err := r.Options.Metrics.WriteTextfile(r.MetricsFile); err != nil {
		level.Warn(logger).Log("msg", "failed to write metrics", "err", err)
	}
	level.Info(logger).Log("msg", "state saved and connections closed")
}

// watchInterrupt closes both connections when ctx is cancelled and the run has
// not finished within the grace period, unblocking a stuck network call.
func (r *Runner) watchInterrupt(ctx context.Context, done <-chan struct{}, logger log.Logger, src, dst *onceCloser) {
	select {
	case <-done:
		return
	case <-ctx.Done():
	}
	level.Warn(logger).Log("msg", "interrupt received, finishing current operation")
	grace := r.Grace
	if grace <= 0 {
		grace = DefaultGrace
	}
	t := time.NewTimer(grace)
	defer t.Stop()
	select {
	case <-done:
	case <-t.C:
		level.Warn(logger).Log("msg", "operation still running after interrupt, closing connections", "grace", grace)
		_ = src.Close()
		_ = dst.Close()
	}
}

// onceCloser closes the wrapped connection at most once. A nil connection
// closes successfully.
type onceCloser struct {
	c    io.Closer
	once sync.Once
	err  error
}

func (o *onceCloser) Close() error {
	o.once.Do(func() {
		if o.c != nil {
			o.err = o.c.Close()
		}
	})
	return o.err
}
