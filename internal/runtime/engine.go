// Package runtime wires the windowed batch store, the rule tasks, the
// evictor, the TCP ingest receiver, and the alert sink into one process
// lifecycle: bootstrap from a loaded FusionConfig, run until cancelled,
// and drain every rule task's active instances before the alert sink
// finishes.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/wp-labs/wp-reactor-sub001/internal/alert"
	"github.com/wp-labs/wp-reactor-sub001/internal/cerrors"
	"github.com/wp-labs/wp-reactor-sub001/internal/config"
	"github.com/wp-labs/wp-reactor-sub001/internal/ingest"
	"github.com/wp-labs/wp-reactor-sub001/internal/ruletask"
	"github.com/wp-labs/wp-reactor-sub001/internal/window"
)

// defaultTimeoutScanInterval is the per-rule-task close-scan cadence, short
// enough that a slow stream does not starve timeout evaluation but not so
// short it burns CPU re-scanning an empty instance set (spec.md §5: "≤ 1s
// ... typical value is 1 second").
const defaultTimeoutScanInterval = time.Second

// Engine is the top-level lifecycle handle: bootstrap, run, and graceful
// shutdown, the Go realisation of the upstream FusionEngine.
type Engine struct {
	log zerolog.Logger

	registry *window.Registry
	router   *window.Router
	evictor  *window.Evictor
	receiver *ingest.Receiver
	tasks    []*ruletask.Task
	sink     alertCloser

	listenAddr    string
	evictInterval time.Duration

	cancel context.CancelFunc
	group  *errgroup.Group
}

// alertCloser is satisfied by sinks that hold an open file handle; Engine
// closes them during Wait after every task has finished emitting.
type alertCloser interface {
	alert.Sink
	Close() error
}

// multiCloseSink adapts a FanOutSink (or a single FileSink) so Engine
// always has exactly one thing to close on shutdown, regardless of how
// many sink URIs were configured.
type multiCloseSink struct {
	alert.Sink
	closers []*alert.FileSink
}

func (m *multiCloseSink) Close() error {
	var firstErr error
	for _, c := range m.closers {
		if err := c.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// New bootstraps an Engine from an already-loaded FusionConfig: builds the
// window registry and router, the alert sink(s), one ruletask.Task per
// rule plan, and the TCP ingest receiver. It does not bind the listener or
// start any goroutine — that happens in Start.
func New(cfg *config.FusionConfig, log zerolog.Logger) (*Engine, error) {
	defs, err := cfg.WindowDefs()
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	registry, err := window.Build(defs)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}
	router := window.NewRouter(registry)

	sink, err := buildAlertSink(cfg.Alert.Sinks)
	if err != nil {
		return nil, fmt.Errorf("runtime: %w", err)
	}

	tasks := make([]*ruletask.Task, 0, len(cfg.RulePlans))
	for _, p := range cfg.RulePlans {
		t, err := ruletask.New(ruletask.Config{
			Plan:                p,
			Registry:            registry,
			Lookup:              router,
			Sink:                sink,
			TimeoutScanInterval: defaultTimeoutScanInterval,
			Logger:              log,
		})
		if err != nil {
			return nil, fmt.Errorf("runtime: building rule task: %w", err)
		}
		tasks = append(tasks, t)
	}

	evictInterval := cfg.WindowDefaults.EvictInterval.AsDuration()
	if evictInterval <= 0 {
		evictInterval = 10 * time.Second
	}

	return &Engine{
		log:           log.With().Str("component", "runtime").Logger(),
		registry:      registry,
		router:        router,
		evictor:       window.NewEvictor(int(cfg.WindowDefaults.MaxTotalBytes.AsBytes())),
		receiver:      ingest.New(router, log),
		tasks:         tasks,
		sink:          sink,
		listenAddr:    cfg.Server.Listen,
		evictInterval: evictInterval,
	}, nil
}

// buildAlertSink opens one FileSink per configured file:// URI, wrapping
// more than one in a FanOutSink (mirrors the upstream build_alert_sink:
// a single sink is used bare, multiple sinks fan out).
func buildAlertSink(uris []string) (alertCloser, error) {
	closers := make([]*alert.FileSink, 0, len(uris))
	sinks := make([]alert.Sink, 0, len(uris))
	for _, uri := range uris {
		path, err := fileSinkPath(uri)
		if err != nil {
			return nil, err
		}
		if dir := filepath.Dir(path); dir != "." {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("alert sink %q: %w", uri, err)
			}
		}
		fs, err := alert.OpenFileSink(path)
		if err != nil {
			return nil, err
		}
		closers = append(closers, fs)
		sinks = append(sinks, fs)
	}
	if len(sinks) == 1 {
		return &multiCloseSink{Sink: sinks[0], closers: closers}, nil
	}
	return &multiCloseSink{Sink: alert.NewFanOutSink(sinks), closers: closers}, nil
}

// fileSinkPath parses a file:// sink URI, the only scheme spec.md §6
// defines, into an absolute filesystem path.
func fileSinkPath(uri string) (string, error) {
	u, err := url.Parse(uri)
	if err != nil {
		return "", fmt.Errorf("alert sink: invalid URI %q: %w", uri, err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("alert sink: unsupported scheme %q (only file:// is implemented)", u.Scheme)
	}
	if u.Path == "" {
		return "", fmt.Errorf("alert sink: %q has no path", uri)
	}
	return u.Path, nil
}

// Start binds the ingest listener and launches one goroutine each for the
// receiver's accept loop, the evictor, and every rule task, joined under
// an errgroup derived from ctx. Start returns once the listener is bound;
// it does not block for the goroutines to finish — call Wait for that.
func (e *Engine) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", e.listenAddr)
	if err != nil {
		return fmt.Errorf("runtime: listen %q: %w", e.listenAddr, err)
	}

	ctx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	g, gctx := errgroup.WithContext(ctx)
	e.group = g

	g.Go(func() error {
		err := e.receiver.Serve(gctx, ln)
		if gctx.Err() != nil {
			return nil
		}
		return err
	})

	g.Go(func() error {
		e.runEvictor(gctx)
		return nil
	})

	for _, t := range e.tasks {
		t := t
		g.Go(func() error { return e.runTask(gctx, t) })
	}

	e.log.Info().Str("listen", e.listenAddr).Int("windows", e.registry.Len()).Int("rules", len(e.tasks)).Msg("engine started")
	return nil
}

// Router exposes the shared window router, so tests (and any in-process
// feeder that bypasses the TCP ingest path) can route batches directly.
func (e *Engine) Router() *window.Router {
	return e.router
}

// runTask runs one rule task to completion, converting a panic mid-advance
// into the fatal LockPoisoned error the errgroup reports to Wait — the
// nearest Go analogue of "a lock-poisoning panic in a window lock is
// treated as fatal: the task panics and the supervisor observes the join
// failure" (spec.md §5).
func (e *Engine) runTask(ctx context.Context, t *ruletask.Task) (err error) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error().Interface("panic", r).Msg("rule task panicked")
			err = fmt.Errorf("runtime: rule task panicked: %v: %w", r, cerrors.ErrLockPoisoned)
		}
	}()
	if err := t.Run(ctx); err != nil && !isContextErr(err) {
		return err
	}
	return nil
}

// runEvictor ticks window.Evictor.RunOnce at the configured interval until
// ctx is cancelled. Eviction errors cannot occur (RunOnce never returns
// one) so this has no error to propagate to the errgroup.
func (e *Engine) runEvictor(ctx context.Context) {
	log := e.log.With().Str("component", "evictor").Logger()
	ticker := time.NewTicker(e.evictInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report := e.evictor.RunOnce(e.registry, time.Now().UnixNano())
			if report.BatchesTimeEvicted > 0 || report.BatchesMemoryEvicted > 0 {
				log.Debug().
					Int("windows_scanned", report.WindowsScanned).
					Int("time_evicted", report.BatchesTimeEvicted).
					Int("memory_evicted", report.BatchesMemoryEvicted).
					Msg("eviction cycle")
			}
		}
	}
}

// Shutdown requests graceful shutdown: every rule task observes
// cancellation at its next suspension point, drains pending data, and
// flushes its active instances before returning.
func (e *Engine) Shutdown() {
	if e.cancel != nil {
		e.cancel()
	}
}

// Wait blocks until every task has finished (normally only after
// Shutdown), then closes the alert sink so its underlying file handles are
// released. A cancellation-triggered shutdown is not reported as an error.
func (e *Engine) Wait() error {
	err := e.group.Wait()
	if isContextErr(err) {
		err = nil
	}
	if closeErr := e.sink.Close(); closeErr != nil && err == nil {
		err = fmt.Errorf("runtime: closing alert sink: %w", closeErr)
	}
	return err
}

func isContextErr(err error) bool {
	return errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded)
}
