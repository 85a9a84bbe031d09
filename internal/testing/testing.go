// Package testing has helpers shared by the package tests.
package testing

import (
	"database/sql"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"maragu.dev/xrelay/queue"
)

// Run f once against each supported database.
func Run(t *testing.T, name string, timeout time.Duration, f func(t *testing.T, db *sql.DB, q *queue.Queue)) {
	t.Run(name, func(t *testing.T) {
		t.Run("sqlite", func(t *testing.T) {
			db := NewSQLiteDB(t)
			q := NewQ(t, queue.NewOpts{DB: db, Timeout: timeout, SQLFlavor: queue.SQLFlavorSQLite})
			f(t, db, q)
		})

		t.Run("postgresql", func(t *testing.T) {
			db := NewPostgreSQLDB(t)
			q := NewQ(t, queue.NewOpts{DB: db, Timeout: timeout, SQLFlavor: queue.SQLFlavorPostgreSQL})
			f(t, db, q)
		})
	})
}

func NewQ(t testing.TB, opts queue.NewOpts) *queue.Queue {
	t.Helper()

	if opts.Name == "" {
		opts.Name = "test"
	}

	return queue.New(opts)
}

type Logger func(msg string, args ...any)

func (f Logger) Info(msg string, args ...any) {
	f(msg, args...)
}

func NewLogger(t *testing.T) Logger {
	t.Helper()

	return Logger(func(msg string, args ...any) {
		logArgs := []any{msg}
		for i := 0; i+1 < len(args); i += 2 {
			logArgs = append(logArgs, fmt.Sprintf("%v=%v", args[i], args[i+1]))
		}
		t.Log(logArgs...)
	})
}

// Engine records every submitted command.
type Engine struct {
	// Status is returned from every Submit.
	Status int

	commands []string
	lock     sync.Mutex
	changed  chan struct{}
}

func NewEngine() *Engine {
	return &Engine{changed: make(chan struct{}, 1)}
}

func (e *Engine) Submit(command string) int {
	e.lock.Lock()
	e.commands = append(e.commands, command)
	e.lock.Unlock()

	select {
	case e.changed <- struct{}{}:
	default:
	}
	return e.Status
}

// Commands submitted so far, in submission order.
func (e *Engine) Commands() []string {
	e.lock.Lock()
	defer e.lock.Unlock()
	return slices.Clone(e.commands)
}

// WaitFor at least n submitted commands, failing the test after a few seconds.
func (e *Engine) WaitFor(t testing.TB, n int) []string {
	t.Helper()

	deadline := time.After(5 * time.Second)
	for {
		if commands := e.Commands(); len(commands) >= n {
			return commands
		}
		select {
		case <-e.changed:
		case <-time.After(10 * time.Millisecond):
		case <-deadline:
			t.Fatalf("timed out waiting for %v commands, got %v", n, e.Commands())
		}
	}
}
