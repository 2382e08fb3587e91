// Package daemon runs the dispatcher control loop as a background service:
// it owns the single-instance lock, the tick scheduler, the command queue
// worker, and clean shutdown.
package daemon

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"syscall"
	"time"

	"github.com/gofrs/flock"

	"github.com/dispatchd/dispatchd/internal/brain"
	"github.com/dispatchd/dispatchd/internal/cmdqueue"
	"github.com/dispatchd/dispatchd/internal/config"
	"github.com/dispatchd/dispatchd/internal/detector"
	"github.com/dispatchd/dispatchd/internal/errorlog"
	"github.com/dispatchd/dispatchd/internal/goal"
	"github.com/dispatchd/dispatchd/internal/mongo"
	"github.com/dispatchd/dispatchd/internal/runs"
	"github.com/dispatchd/dispatchd/internal/status"
	"github.com/dispatchd/dispatchd/internal/telemetry"
)

// Daemon is the dispatcher background service.
type Daemon struct {
	cfg      *config.Config
	stateDir string
	logger   *log.Logger
	version  string
}

// New creates a daemon instance. The state directory is created if missing
// and the daemon log opened inside it.
func New(cfg *config.Config, version string) (*Daemon, error) {
	stateDir, err := cfg.Daemon.ExpandStateDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(stateDir, 0755); err != nil {
		return nil, fmt.Errorf("creating state directory: %w", err)
	}

	logFile, err := os.OpenFile(filepath.Join(stateDir, "dispatchd.log"),
		os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0600)
	if err != nil {
		return nil, fmt.Errorf("opening log file: %w", err)
	}

	return &Daemon{
		cfg:      cfg,
		stateDir: stateDir,
		logger:   log.New(logFile, "", log.LstdFlags),
		version:  version,
	}, nil
}

// PidFile returns the daemon PID file path for a state directory.
func PidFile(stateDir string) string {
	return filepath.Join(stateDir, "dispatchd.pid")
}

// ReadPid returns the PID recorded in the state directory's PID file.
func ReadPid(stateDir string) (int, error) {
	data, err := os.ReadFile(PidFile(stateDir))
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(string(data))
	if err != nil {
		return 0, fmt.Errorf("parsing PID file: %w", err)
	}
	return pid, nil
}

// Run starts the daemon and blocks until a termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	d.logger.Printf("Dispatcher starting (PID %d)", os.Getpid())

	// Exclusive lock first: prevents the race where concurrent starts all
	// pass a PID-file check before any of them writes it.
	fileLock := flock.New(filepath.Join(d.stateDir, "dispatchd.lock"))
	locked, err := fileLock.TryLock()
	if err != nil {
		return fmt.Errorf("acquiring lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("dispatcher already running (lock held by another process)")
	}
	defer func() { _ = fileLock.Unlock() }()

	pidFile := PidFile(d.stateDir)
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer func() { _ = os.Remove(pidFile) }()

	provider, err := telemetry.Init(ctx, "dispatchd", d.version)
	if err != nil {
		d.logger.Printf("Warning: telemetry init failed: %v", err)
	}
	if provider != nil {
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = provider.Shutdown(shutdownCtx)
		}()
	}
	metrics, err := newDaemonMetrics()
	if err != nil {
		d.logger.Printf("Warning: metric registration failed: %v", err)
		metrics = &daemonMetrics{}
	}

	connectCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	store, err := mongo.Connect(connectCtx, d.cfg.Mongo, d.logger)
	cancel()
	if err != nil {
		return err
	}
	defer func() {
		closeCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = store.Close(closeCtx)
	}()

	// Wire the components around the store.
	topo := d.cfg.Topology()
	index := cmdqueue.NewOutgoingIndex()
	queue := cmdqueue.New(store, index, d.logger)
	modes := runs.NewModeResolver(store)
	recorder := runs.NewRecorder(store, store, index, modes, d.logger)
	reporter := errorlog.New(store, d.logger)
	aggregator := status.NewAggregator(d.cfg.Commands.ClientTimeoutD(), modes)
	reader := goal.NewReader(store, d.cfg.Control.Keys)
	sink := &meteredSink{queue: queue, metrics: metrics}
	engine := brain.New(d.cfg.Commands, topo, sink, recorder, reporter, modes, d.logger)

	queue.Start(ctx)
	defer queue.Stop()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	interval := d.cfg.Daemon.TickIntervalD()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	d.logger.Printf("Dispatcher running, tick interval %v", interval)

	for {
		select {
		case sig := <-sigChan:
			d.logger.Printf("Received %v, shutting down", sig)
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			d.tick(ctx, store, aggregator, reader, engine, metrics, topo)
		}
	}
}

// tick runs one control evaluation: fetch node reports, aggregate, persist
// the aggregates, read the goal, reconcile. Any collaborator fault skips the
// affected step for this tick only.
func (d *Daemon) tick(
	ctx context.Context,
	store *mongo.Client,
	aggregator *status.Aggregator,
	reader *goal.Reader,
	engine *brain.Brain,
	metrics *daemonMetrics,
	topo map[detector.ID]config.Nodes,
) {
	metrics.IncTick(ctx)

	fleet, err := store.FleetReports(ctx, topo)
	if err != nil {
		d.logger.Printf("Status fetch failed: %v", err)
		return
	}

	snapshot := make(status.Snapshot, len(fleet))
	for det, nodes := range fleet {
		agg := aggregator.Aggregate(ctx, det, nodes)
		snapshot[det] = agg
		if err := store.InsertAggregate(ctx, agg); err != nil {
			d.logger.Printf("Aggregate status not persisted: %v", err)
		}
	}

	goals, err := reader.Read(ctx)
	if err != nil {
		d.logger.Printf("Skipping tick, no goal: %v", err)
		return
	}

	engine.Tick(ctx, snapshot, goals)
}

// meteredSink counts issued commands on their way into the queue.
type meteredSink struct {
	queue   *cmdqueue.Queue
	metrics *daemonMetrics
}

func (s *meteredSink) Enqueue(ctx context.Context, req cmdqueue.Request) error {
	if err := s.queue.Enqueue(ctx, req); err != nil {
		return err
	}
	s.metrics.IncCommand(ctx, req.Command, req.Detector)
	return nil
}
