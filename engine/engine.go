// Package engine has xrelay.Engine implementations that speak the line-based xboard transport:
// every command is written as a single line.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"time"
)

// Statuses returned from Submit.
const (
	StatusOK    = 0
	StatusError = -1
)

type logger interface {
	Info(msg string, args ...any)
}

type discardLogger struct{}

func (d *discardLogger) Info(msg string, args ...any) {}

// Writer writes each command as a line to an io.Writer, for example os.Stdout in a dry run.
type Writer struct {
	lock sync.Mutex
	w    io.Writer
}

func NewWriter(w io.Writer) *Writer {
	return &Writer{w: w}
}

// Submit a command as a line. Returns StatusError if the write failed.
func (w *Writer) Submit(command string) int {
	w.lock.Lock()
	defer w.lock.Unlock()

	if _, err := io.WriteString(w.w, command+"\n"); err != nil {
		return StatusError
	}
	return StatusOK
}

type StartOpts struct {
	Args []string
	Dir  string
	// Grace is how long Close waits for the engine to exit after its input is closed, before killing it.
	Grace time.Duration
	Log   logger
	Path  string
}

// Process is an engine running as a child process, reading commands on stdin.
// Every line it writes to stdout or stderr is logged.
type Process struct {
	cmd       *exec.Cmd
	done      chan struct{}
	err       error
	grace     time.Duration
	lock      sync.Mutex
	log       logger
	stdin     io.WriteCloser
	writeLock sync.Mutex // Serializes Submit, which may block on a full stdin pipe.
}

// Start the engine binary at opts.Path.
// Defaults if not given:
// - Logs are discarded.
// - Grace is two seconds.
func Start(ctx context.Context, opts StartOpts) (*Process, error) {
	if opts.Path == "" {
		return nil, errors.New("engine path cannot be empty")
	}

	if opts.Log == nil {
		opts.Log = &discardLogger{}
	}

	if opts.Grace <= 0 {
		opts.Grace = 2 * time.Second
	}

	cmd := exec.CommandContext(ctx, opts.Path, opts.Args...)
	cmd.Dir = opts.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("cannot open engine stdin: %w", err)
	}

	outputReader, outputWriter := io.Pipe()
	cmd.Stdout = outputWriter
	cmd.Stderr = outputWriter

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("cannot start engine %v: %w", opts.Path, err)
	}

	p := &Process{
		cmd:   cmd,
		done:  make(chan struct{}),
		grace: opts.Grace,
		log:   opts.Log,
		stdin: stdin,
	}

	p.log.Info("Started engine", "path", opts.Path, "pid", cmd.Process.Pid)

	var output sync.WaitGroup
	output.Add(1)
	go func() {
		defer output.Done()
		p.logOutput(outputReader)
	}()

	go func() {
		err := cmd.Wait()
		_ = outputWriter.Close()
		output.Wait()

		p.lock.Lock()
		p.err = err
		p.lock.Unlock()

		p.log.Info("Engine exited", "path", opts.Path, "error", err)
		close(p.done)
	}()

	return p, nil
}

func (p *Process) logOutput(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			p.log.Info("Engine output", "line", line)
		}
	}
	// Drain whatever is left so the engine never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// Submit a command to the engine's stdin as a line. Returns StatusError if the write failed, for example because the
// engine has exited.
func (p *Process) Submit(command string) int {
	p.writeLock.Lock()
	defer p.writeLock.Unlock()

	if _, err := io.WriteString(p.stdin, command+"\n"); err != nil {
		return StatusError
	}
	return StatusOK
}

// Done is closed when the engine process has exited.
func (p *Process) Done() <-chan struct{} {
	return p.done
}

// Err is the exit error of the engine, or nil if it exited cleanly or hasn't exited yet.
func (p *Process) Err() error {
	p.lock.Lock()
	defer p.lock.Unlock()
	return p.err
}

// Close the engine's stdin and wait for it to exit, killing it if it hasn't after the grace period.
// A Submit blocked on the engine's input returns StatusError once the engine is gone.
// Close is safe to call more than once, and concurrently with Submit.
func (p *Process) Close() error {
	_ = p.stdin.Close()

	select {
	case <-p.done:
	case <-time.After(p.grace):
		p.log.Info("Killing engine", "pid", p.cmd.Process.Pid)
		if err := p.cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			return fmt.Errorf("cannot kill engine: %w", err)
		}
		<-p.done
	}
	return nil
}
