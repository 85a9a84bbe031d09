// Package queue provides the named Queue that inbound relay commands wait in.
// It is backed by a SQL table (SQLite or PostgreSQL) where the messages are stored.
// Messages are received in the order they were sent.
package queue

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	internalsql "maragu.dev/xrelay/internal/sql"
)

//go:embed schema_sqlite.sql
var sqliteSchema string

//go:embed schema_postgres.sql
var postgresSchema string

// rfc3339Milli is like time.RFC3339Nano, but with millisecond precision, and fractional seconds do not have trailing
// zeros removed.
const rfc3339Milli = "2006-01-02T15:04:05.000Z07:00"

type SQLFlavor int

const (
	SQLFlavorSQLite SQLFlavor = iota
	SQLFlavorPostgreSQL
)

func (f SQLFlavor) String() string {
	switch f {
	case SQLFlavorSQLite:
		return "sqlite"
	case SQLFlavorPostgreSQL:
		return "postgresql"
	default:
		return fmt.Sprintf("SQLFlavor(%d)", int(f))
	}
}

type ID string

type Message struct {
	ID    ID
	Delay time.Duration
	Body  []byte
}

type NewOpts struct {
	DB         *sql.DB
	MaxReceive int // Max receive count for messages before they cannot be received anymore.
	Name       string
	SQLFlavor  SQLFlavor
	Timeout    time.Duration // Default timeout for messages before they can be re-received.
}

// New Queue with the given options.
// Defaults if not given:
// - Max receive count is 3.
// - Timeout is five seconds.
// - SQL flavor is SQLite.
func New(opts NewOpts) *Queue {
	if opts.DB == nil {
		panic("db cannot be nil")
	}

	if opts.Name == "" {
		panic("name cannot be empty")
	}

	if opts.MaxReceive < 0 {
		panic("max receive cannot be negative")
	}

	if opts.MaxReceive == 0 {
		opts.MaxReceive = 3
	}

	if opts.Timeout < 0 {
		panic("timeout cannot be negative")
	}

	if opts.Timeout == 0 {
		opts.Timeout = 5 * time.Second
	}

	if opts.SQLFlavor != SQLFlavorSQLite && opts.SQLFlavor != SQLFlavorPostgreSQL {
		panic("unsupported sql flavor")
	}

	return &Queue{
		db:         opts.DB,
		flavor:     opts.SQLFlavor,
		maxReceive: opts.MaxReceive,
		name:       opts.Name,
		timeout:    opts.Timeout,
	}
}

type Queue struct {
	db         *sql.DB
	flavor     SQLFlavor
	maxReceive int
	name       string
	timeout    time.Duration
}

// Name of the queue.
func (q *Queue) Name() string {
	return q.name
}

// Send a Message to the queue with an optional delay.
func (q *Queue) Send(ctx context.Context, m Message) (ID, error) {
	var id ID
	err := internalsql.InTx(ctx, q.db, func(tx *sql.Tx) error {
		var err error
		id, err = q.SendTx(ctx, tx, m)
		return err
	})
	return id, err
}

// SendTx is like Send, but within an existing transaction.
func (q *Queue) SendTx(ctx context.Context, tx *sql.Tx, m Message) (ID, error) {
	if m.Delay < 0 {
		panic("delay cannot be negative")
	}

	if m.Body == nil {
		m.Body = []byte{}
	}

	id := ID("m_" + uuid.NewString())
	timeout := q.timeArg(time.Now().Add(m.Delay))

	query := `insert into xrelay (id, queue, body, timeout) values (?, ?, ?, ?)`
	if q.flavor == SQLFlavorPostgreSQL {
		query = `insert into xrelay (id, queue, body, timeout) values ($1, $2, $3, $4)`
	}

	if _, err := tx.ExecContext(ctx, query, string(id), q.name, m.Body, timeout); err != nil {
		return "", err
	}
	return id, nil
}

// Receive a Message from the queue, or nil if there is none.
func (q *Queue) Receive(ctx context.Context) (*Message, error) {
	var m *Message
	err := internalsql.InTx(ctx, q.db, func(tx *sql.Tx) error {
		var err error
		m, err = q.ReceiveTx(ctx, tx)
		return err
	})
	return m, err
}

// ReceiveTx is like Receive, but within an existing transaction.
func (q *Queue) ReceiveTx(ctx context.Context, tx *sql.Tx) (*Message, error) {
	now := time.Now()

	query := `
		update xrelay
		set
			timeout = ?,
			received = received + 1
		where seq = (
			select seq from xrelay
			where
				queue = ? and
				? >= timeout and
				received < ?
			order by seq
			limit 1
		)
		returning id, body`

	if q.flavor == SQLFlavorPostgreSQL {
		query = `
		update xrelay
		set
			timeout = $1,
			received = received + 1
		where seq = (
			select seq from xrelay
			where
				queue = $2 and
				$3 >= timeout and
				received < $4
			order by seq
			limit 1
			for update skip locked
		)
		returning id, body`
	}

	var m Message
	err := tx.QueryRowContext(ctx, query, q.timeArg(now.Add(q.timeout)), q.name, q.timeArg(now), q.maxReceive).
		Scan(&m.ID, &m.Body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, err
	}
	return &m, nil
}

// ReceiveAndWait for a Message from the queue, polling at the given interval, until the context is cancelled.
// If the context is cancelled, the error will be non-nil. See [context.Context.Err].
func (q *Queue) ReceiveAndWait(ctx context.Context, interval time.Duration) (*Message, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			m, err := q.Receive(ctx)
			if err != nil {
				return nil, err
			}
			if m != nil {
				return m, nil
			}
		}
	}
}

// Extend a Message timeout by the given delay from now.
func (q *Queue) Extend(ctx context.Context, id ID, delay time.Duration) error {
	return internalsql.InTx(ctx, q.db, func(tx *sql.Tx) error {
		return q.ExtendTx(ctx, tx, id, delay)
	})
}

// ExtendTx is like Extend, but within an existing transaction.
func (q *Queue) ExtendTx(ctx context.Context, tx *sql.Tx, id ID, delay time.Duration) error {
	if delay < 0 {
		panic("delay cannot be negative")
	}

	query := `update xrelay set timeout = ? where queue = ? and id = ?`
	if q.flavor == SQLFlavorPostgreSQL {
		query = `update xrelay set timeout = $1 where queue = $2 and id = $3`
	}

	_, err := tx.ExecContext(ctx, query, q.timeArg(time.Now().Add(delay)), q.name, string(id))
	return err
}

// Delete a Message from the queue by id.
func (q *Queue) Delete(ctx context.Context, id ID) error {
	return internalsql.InTx(ctx, q.db, func(tx *sql.Tx) error {
		return q.DeleteTx(ctx, tx, id)
	})
}

// DeleteTx is like Delete, but within an existing transaction.
func (q *Queue) DeleteTx(ctx context.Context, tx *sql.Tx, id ID) error {
	query := `delete from xrelay where queue = ? and id = ?`
	if q.flavor == SQLFlavorPostgreSQL {
		query = `delete from xrelay where queue = $1 and id = $2`
	}

	_, err := tx.ExecContext(ctx, query, q.name, string(id))
	return err
}

// timeArg formats t for the timeout column. SQLite stores text timestamps that sort lexically, so they must all be
// in UTC with a fixed precision.
func (q *Queue) timeArg(t time.Time) any {
	if q.flavor == SQLFlavorPostgreSQL {
		return t
	}
	return t.UTC().Format(rfc3339Milli)
}

// Setup the queue table in the database.
func Setup(ctx context.Context, db *sql.DB, flavor SQLFlavor) error {
	schema := sqliteSchema
	if flavor == SQLFlavorPostgreSQL {
		schema = postgresSchema
	}
	_, err := db.ExecContext(ctx, schema)
	return err
}
