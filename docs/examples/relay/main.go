package main

import (
	"context"
	"database/sql"
	"log/slog"
	"os"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"maragu.dev/xrelay"
	"maragu.dev/xrelay/engine"
	"maragu.dev/xrelay/inbound"
	"maragu.dev/xrelay/queue"
)

func main() {
	log := slog.Default()

	// Setup the db and queue schema.
	db, err := sql.Open("sqlite3", ":memory:?_journal=WAL&_timeout=5000&_fk=true")
	if err != nil {
		log.Info("Error opening db", "error", err)
		return
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := queue.Setup(context.Background(), db, queue.SQLFlavorSQLite); err != nil {
		log.Info("Error in setup", "error", err)
		return
	}

	// Make a new queue for inbound commands.
	q := queue.New(queue.NewOpts{
		DB:   db,
		Name: "commands",
	})

	// Queue a command before the relay starts. It's sent right after the startup sequence.
	if err := inbound.Create(context.Background(), q, "new"); err != nil {
		log.Info("Error creating command", "error", err)
		return
	}

	// The runner moves commands from the queue to the relay, one at a time.
	commands := make(chan string)
	r := inbound.NewRunner(inbound.NewRunnerOpts{
		Log:          log,
		PollInterval: 10 * time.Millisecond,
		Queue:        q,
	})

	// Print commands to stdout instead of running an engine, and send force after 50ms.
	opts := xrelay.InteractiveOpts()
	opts.Delay = 50 * time.Millisecond
	opts.Engine = engine.NewWriter(os.Stdout)
	opts.Inbound = commands
	opts.Log = log
	relay := xrelay.New(opts)

	// Stop after a timeout.
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	go r.Start(ctx, commands)

	// Start the relay and see the commands printed.
	relay.Start(ctx)
}
