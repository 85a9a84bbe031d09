// Package inbound feeds commands waiting in a queue.Queue to the relay, one at a time and in the order they were sent.
//
// A command is deleted from the queue after the relay has taken it. If that delete fails, the command becomes
// visible again once the queue timeout has passed and is delivered a second time, so delivery is at least once.
// The runner logs every such failure.
package inbound

import (
	"bufio"
	"context"
	"errors"
	"io"
	"strings"
	"time"

	"maragu.dev/xrelay/queue"
)

type logger interface {
	Info(msg string, args ...any)
}

type NewRunnerOpts struct {
	Log          logger
	PollInterval time.Duration
	Queue        *queue.Queue
}

type discardLogger struct{}

func (d *discardLogger) Info(msg string, args ...any) {}

// NewRunner with the given options.
// Defaults if not given:
// - Logs are discarded.
// - Poll interval is 100ms.
func NewRunner(opts NewRunnerOpts) *Runner {
	if opts.Queue == nil {
		panic("queue cannot be nil")
	}

	if opts.PollInterval < 0 {
		panic("poll interval cannot be negative")
	}

	if opts.Log == nil {
		opts.Log = &discardLogger{}
	}

	if opts.PollInterval == 0 {
		opts.PollInterval = 100 * time.Millisecond
	}

	return &Runner{
		log:          opts.Log,
		pollInterval: opts.PollInterval,
		queue:        opts.Queue,
	}
}

type Runner struct {
	log          logger
	pollInterval time.Duration
	queue        *queue.Queue
}

// Start the Runner, blocking until the given context is cancelled.
// Each message body is handed to out as a command, and the message is deleted once out has taken it.
// A message that out hasn't taken when the context is cancelled stays in the queue.
func (r *Runner) Start(ctx context.Context, out chan<- string) {
	r.log.Info("Starting", "queue", r.queue.Name())

	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stopped", "queue", r.queue.Name())
			return
		default:
			r.receiveAndDeliver(ctx, out)
		}
	}
}

func (r *Runner) receiveAndDeliver(ctx context.Context, out chan<- string) {
	// Only poll once the queue is empty, so a burst of commands isn't held back by the poll interval.
	m, err := r.queue.Receive(ctx)
	if err == nil && m == nil {
		m, err = r.queue.ReceiveAndWait(ctx, r.pollInterval)
	}
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return
		}
		r.log.Info("Error receiving command", "error", err)
		// Sleep a bit to not hammer the queue if there's an error with it
		select {
		case <-ctx.Done():
		case <-time.After(time.Second):
		}
		return
	}

	if m == nil {
		return
	}

	select {
	case out <- string(m.Body):
	case <-ctx.Done():
		return
	}

	deleteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), time.Second)
	defer cancel()
	if err := r.queue.Delete(deleteCtx, m.ID); err != nil {
		r.log.Info("Error deleting delivered command from queue, it will be delivered again", "id", m.ID,
			"command", string(m.Body), "error", err)
	}
}

// Create a command in the queue.
func Create(ctx context.Context, q *queue.Queue, command string) error {
	_, err := q.Send(ctx, queue.Message{Body: []byte(command)})
	return err
}

// ReadLines from r into the queue, one command per line, until r is exhausted or the context is cancelled.
// Trailing whitespace is trimmed and blank lines are skipped.
func ReadLines(ctx context.Context, r io.Reader, q *queue.Queue) error {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if err := ctx.Err(); err != nil {
			return err
		}

		line := strings.TrimRight(scanner.Text(), " \t\r")
		if line == "" {
			continue
		}

		if err := Create(ctx, q, line); err != nil {
			return err
		}
	}
	return scanner.Err()
}
