// Command xrelay sends an engine the analysis startup sequence, a delayed follow-up command, and any commands fed to
// it through its queue, stdin, or HTTP endpoint.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	_ "github.com/mattn/go-sqlite3"

	"maragu.dev/xrelay"
	"maragu.dev/xrelay/config"
	"maragu.dev/xrelay/engine"
	qhttp "maragu.dev/xrelay/http"
	"maragu.dev/xrelay/inbound"
	"maragu.dev/xrelay/queue"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1:], os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "xrelay: %v\n", err)
		os.Exit(1)
	}
}

// engineProcess is implemented by engines that can exit on their own.
type engineProcess interface {
	xrelay.Engine
	Done() <-chan struct{}
	Close() error
}

// run the relay until ctx is cancelled or the engine exits.
func run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	cfg, err := parseFlags(args, stderr)
	if err != nil {
		return err
	}

	log, closeLog, err := newLogger(cfg.Log, stderr)
	if err != nil {
		return err
	}
	defer func() {
		_ = closeLog()
	}()

	var e xrelay.Engine
	var engineDone <-chan struct{}
	stopEngine := func() {}
	if cfg.Engine.DryRun {
		e = engine.NewWriter(stdout)
	} else {
		p, err := engine.Start(context.WithoutCancel(ctx), engine.StartOpts{
			Args: cfg.Engine.Args,
			Log:  log,
			Path: cfg.Engine.Path,
		})
		if err != nil {
			return err
		}
		stopEngine = func() { closeEngine(log, p) }
		defer stopEngine()
		e = p
		engineDone = p.Done()
	}

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	var wg sync.WaitGroup

	var commands chan string
	if cfg.Relay.RelayEnabled {
		commands = make(chan string)
	}
	r := newRelay(cfg, e, log, commands)

	if cfg.Relay.RelayEnabled {
		db, err := openDB(ctx, cfg.Queue)
		if err != nil {
			return err
		}
		defer func() {
			if err := db.Close(); err != nil {
				log.Info("Error closing database", "error", err)
			}
		}()

		q := queue.New(queue.NewOpts{
			DB:         db,
			MaxReceive: cfg.Queue.MaxReceive,
			Name:       cfg.Queue.Name,
			SQLFlavor:  flavor(cfg.Queue.Driver),
			Timeout:    time.Duration(cfg.Queue.TimeoutMs) * time.Millisecond,
		})

		runner := inbound.NewRunner(inbound.NewRunnerOpts{
			Log:          log.With("component", "inbound"),
			PollInterval: time.Duration(cfg.Queue.PollIntervalMs) * time.Millisecond,
			Queue:        q,
		})
		wg.Add(1)
		go func() {
			defer wg.Done()
			runner.Start(ctx, commands)
		}()

		if cfg.Relay.Stdin {
			// Not waited for, since a read from stdin cannot be interrupted.
			go func() {
				if err := inbound.ReadLines(ctx, stdin, q); err != nil && !errors.Is(err, context.Canceled) {
					log.Info("Error reading commands from stdin", "error", err)
				}
			}()
		}

		if cfg.HTTP.Addr != "" {
			shutdown := serveHTTP(log, cfg.HTTP.Addr, q, r)
			defer shutdown()
		}
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		r.Start(ctx)
	}()

	select {
	case <-ctx.Done():
	case <-engineDone:
		log.Info("Engine exited, stopping")
	}
	cancel()
	// The relay may be blocked submitting to an engine that stopped reading, so stop the engine first.
	stopEngine()
	wg.Wait()

	return nil
}

// newRelay from the config. A nil commands channel disables relaying.
func newRelay(cfg *config.Config, e xrelay.Engine, log *slog.Logger, commands chan string) *xrelay.Relay {
	opts := xrelay.NewOpts{
		Delay:       cfg.Relay.Delay(),
		Engine:      e,
		FollowUp:    cfg.Relay.FollowUp,
		Inbound:     commands,
		Log:         log.With("component", "relay"),
		LogCommands: cfg.Relay.LogCommands,
		SearchDepth: cfg.Relay.SearchDepth,
		Variant:     cfg.Relay.Variant,
	}
	return xrelay.New(opts)
}

// closeEngine p, which is safe to do more than once.
func closeEngine(log *slog.Logger, p engineProcess) {
	if err := p.Close(); err != nil {
		log.Info("Error closing engine", "error", err)
	}
}

func flavor(driver string) queue.SQLFlavor {
	if driver == "postgres" {
		return queue.SQLFlavorPostgreSQL
	}
	return queue.SQLFlavorSQLite
}

func openDB(ctx context.Context, cfg config.QueueConfig) (*sql.DB, error) {
	var db *sql.DB
	var err error

	switch cfg.Driver {
	case "postgres":
		db, err = sql.Open("pgx", cfg.DSN)
	default:
		dsn := cfg.DSN
		if !strings.Contains(dsn, "?") {
			dsn += "?_journal=WAL&_timeout=5000&_fk=true"
		}
		db, err = sql.Open("sqlite3", dsn)
		if db != nil {
			db.SetMaxOpenConns(1)
			db.SetMaxIdleConns(1)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("cannot open queue database: %w", err)
	}

	if err := queue.Setup(ctx, db, flavor(cfg.Driver)); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("cannot set up queue: %w", err)
	}

	return db, nil
}

func serveHTTP(log *slog.Logger, addr string, q *queue.Queue, r *xrelay.Relay) (shutdown func()) {
	mux := http.NewServeMux()
	mux.Handle("/commands", qhttp.Handler(q))
	mux.Handle("/status", qhttp.StatusHandler(r))

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
	}

	go func() {
		log.Info("Starting HTTP server", "addr", addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Info("HTTP server failed", "error", err)
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := server.Shutdown(ctx); err != nil {
			log.Info("Error shutting down HTTP server", "error", err)
		}
	}
}
