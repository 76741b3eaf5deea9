// main.go is the entry point for the Cardinal server. It wires the sketch
// store, the journal and the network server together, and runs the
// maintenance loop and the metrics endpoint next to them.
//
// Startup Sequence
// ================
//
// The store is created empty and loadAOF replays the journal into it before
// any listener exists, so the load needs no coordination with clients. Only
// once the state is restored is the journal opened for appending and the TCP
// listener started.
//
// A journal that ended with a partial command (a crash in the middle of an
// append) is compacted right after loading, so the damaged tail is gone
// before the first new write lands behind it.
//
// Durability Policy
// =================
//
// Writes are appended to a buffered journal and synced by the maintenance
// loop every fsync_interval (one second by default). A power failure loses
// at most that much; a process crash loses nothing the kernel already has.
//
// Shutdown
// ========
//
// SIGINT or SIGTERM cancels the root context. The server stops accepting,
// drains its clients, and the journal is compacted one last time so the next
// start loads a single snapshot. A failed final compaction still leaves a
// valid, just longer, journal.

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/KimMachineGun/automemlimit/memlimit"
	"golang.org/x/sync/errgroup"
)

type application struct {
	config   config
	logger   *slog.Logger
	listener net.Listener
	store    *Store
	router   *Router
	metrics  *Metrics
	readyCh  chan struct{}

	// wg tracks client connections, bg tracks background rewrites.
	wg sync.WaitGroup
	bg sync.WaitGroup

	connLimiter  chan struct{}
	connsMu      sync.Mutex
	conns        map[net.Conn]struct{}
	shuttingDown atomic.Bool

	aof             *AOF
	aofBaseSize     atomic.Int64
	isRewriting     atomic.Bool
	needsCompaction bool

	startTime time.Time
}

func newApplication(cfg config, logger *slog.Logger) *application {
	app := &application{
		config:      cfg,
		logger:      logger,
		store:       NewStore(),
		metrics:     NewMetrics(),
		connLimiter: make(chan struct{}, cfg.MaxConnections),
		startTime:   time.Now(),
	}
	app.router = app.commands()

	app.metrics.RegisterGauge("cardinal_connections_active", "Client connections currently open",
		func() float64 { return float64(len(app.connLimiter)) })
	app.metrics.RegisterGauge("cardinal_keys", "Keys in the store",
		func() float64 { return float64(app.store.Len()) })
	app.metrics.RegisterGauge("cardinal_journal_bytes", "Current journal size",
		func() float64 {
			if app.aof == nil {
				return 0
			}
			size, _ := app.aof.Size()
			return float64(size)
		})

	return app
}

// openPersistence loads the journal and opens it for appending.
func (app *application) openPersistence() error {
	if !app.config.Persistence {
		app.logger.Info("persistence disabled, running in memory-only mode")
		return nil
	}

	if err := app.loadAOF(); err != nil {
		return fmt.Errorf("failed to load journal: %w", err)
	}

	aof, err := NewAOF(app.config.AOFPath)
	if err != nil {
		return fmt.Errorf("failed to open journal: %w", err)
	}
	app.aof = aof

	size, err := aof.Size()
	if err != nil {
		size = 0
	}
	app.aofBaseSize.Store(size)

	if app.needsCompaction {
		app.logger.Info("journal was truncated on load, compacting it")
		if err := app.CompactAOF(); err != nil {
			app.logger.Error("failed to compact journal after truncation recovery", "error", err)
		} else {
			app.logger.Info("journal healed")
		}
		app.needsCompaction = false
	}
	return nil
}

// closePersistence waits for a running rewrite, compacts the journal one
// last time and closes it.
func (app *application) closePersistence() {
	if app.aof == nil {
		return
	}
	app.bg.Wait()

	app.logger.Info("compacting journal before exit")
	if err := app.CompactAOF(); err != nil {
		app.logger.Error("failed to compact journal on exit", "error", err)
	}
	if err := app.aof.Close(); err != nil {
		app.logger.Error("failed to close journal", "error", err)
	}
}

// serveMetrics exposes /metrics on metrics_addr until ctx is done.
func (app *application) serveMetrics(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", app.metrics.Handler())

	srv := &http.Server{
		Addr:              app.config.MetricsAddr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		app.logger.Info("metrics endpoint listening", "address", app.config.MetricsAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("metrics endpoint: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), app.config.ShutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

// run starts the server and blocks until ctx is cancelled or a component
// fails.
func run(ctx context.Context, args []string, stdout, stderr io.Writer) error {
	cfg, err := loadConfig(args, stderr)
	if err != nil {
		return err
	}
	logger := newLogger(cfg, stdout)

	if cfg.MemLimitRatio > 0 {
		limit, err := memlimit.SetGoMemLimitWithOpts(
			memlimit.WithRatio(cfg.MemLimitRatio),
			memlimit.WithProvider(memlimit.ApplyFallback(memlimit.FromCgroup, memlimit.FromSystem)),
			memlimit.WithLogger(logger),
		)
		if err != nil {
			logger.Warn("failed to set memory limit", "error", err)
		} else {
			logger.Info("memory limit set", "bytes", limit)
		}
	}

	app := newApplication(cfg, logger)
	if err := app.openPersistence(); err != nil {
		return err
	}
	defer app.closePersistence()

	// Any component returning ends the others, including a serve that
	// stopped on its own.
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer cancel()
		return app.serve(gctx)
	})
	if app.aof != nil {
		g.Go(func() error {
			app.maintain(gctx)
			return nil
		})
	}
	if cfg.MetricsAddr != "" {
		g.Go(func() error {
			return app.serveMetrics(gctx)
		})
	}

	return g.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdout, os.Stderr); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, err)
		stop()
		os.Exit(1)
	}
}
