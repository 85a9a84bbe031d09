// Package xrelay provides the command Relay, which forwards xboard-style text commands to a chess engine.
//
// On Start, the Relay sends a fixed startup sequence that puts the engine into analysis mode, schedules a single
// follow-up command after a delay, and then forwards inbound commands in the order they arrive.
// Commands are opaque text: the Relay never parses, validates, or deduplicates them.
package xrelay

import (
	"context"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"maragu.dev/xrelay/internal/clock"
)

// Engine accepts commands. The returned status is ignored by the Relay.
type Engine interface {
	Submit(command string) int
}

type logger interface {
	Info(msg string, args ...any)
}

type discardLogger struct{}

func (d *discardLogger) Info(msg string, args ...any) {}

type NewOpts struct {
	Clock       clock.Clock
	Delay       time.Duration // Delay after startup before the follow-up command is sent.
	Engine      Engine
	FollowUp    string        // Command sent once after the delay.
	Inbound     <-chan string // Commands to relay. Nil disables relaying.
	Log         logger
	LogCommands bool // Log every command just before it's submitted.
	SearchDepth int
	Variant     string
}

// AnalysisOpts for a short analysis run that quits the engine after ten seconds.
func AnalysisOpts() NewOpts {
	return NewOpts{
		Delay:       10 * time.Second,
		FollowUp:    "quit",
		SearchDepth: 9,
		Variant:     "crazyhouse",
	}
}

// InteractiveOpts for a deeper search that is interrupted with force after two seconds, with inbound commands
// relayed to the engine and every command logged. The caller sets Inbound.
func InteractiveOpts() NewOpts {
	return NewOpts{
		Delay:       2 * time.Second,
		FollowUp:    "force",
		LogCommands: true,
		SearchDepth: 15,
		Variant:     "crazyhouse",
	}
}

// New Relay with the given options.
// Defaults if not given:
// - Logs are discarded.
// - The clock is the real one.
// - Variant is crazyhouse.
// - Search depth is 9.
// - Follow-up command is quit.
// - Delay is ten seconds.
//
// Zero counts as not given, so a search depth or delay of zero cannot be expressed.
func New(opts NewOpts) *Relay {
	if opts.Engine == nil {
		panic("engine cannot be nil")
	}

	if opts.SearchDepth < 0 {
		panic("search depth cannot be negative")
	}

	if opts.Delay < 0 {
		panic("delay cannot be negative")
	}

	if opts.Log == nil {
		opts.Log = &discardLogger{}
	}

	if opts.Clock == nil {
		opts.Clock = clock.Real()
	}

	if opts.Variant == "" {
		opts.Variant = "crazyhouse"
	}

	if opts.SearchDepth == 0 {
		opts.SearchDepth = 9
	}

	if opts.FollowUp == "" {
		opts.FollowUp = "quit"
	}

	if opts.Delay == 0 {
		opts.Delay = 10 * time.Second
	}

	return &Relay{
		clock:       opts.Clock,
		delay:       opts.Delay,
		engine:      opts.Engine,
		followUp:    opts.FollowUp,
		inbound:     opts.Inbound,
		log:         opts.Log,
		logCommands: opts.LogCommands,
		searchDepth: opts.SearchDepth,
		session:     uuid.NewString(),
		variant:     opts.Variant,
	}
}

type Relay struct {
	clock        clock.Clock
	delay        time.Duration
	engine       Engine
	followUp     string
	followUpSent atomic.Bool
	inbound      <-chan string
	log          logger
	logCommands  bool
	searchDepth  int
	sent         atomic.Int64
	session      string
	started      atomic.Bool
	variant      string
}

// Stats about a Relay.
type Stats struct {
	Sent         int64 // Commands submitted to the engine.
	FollowUpSent bool
}

// StartupCommands returns the commands sent on Start, in order.
func (r *Relay) StartupCommands() []string {
	return []string{
		"xboard",
		"variant " + r.variant,
		"analyze",
		"easy",
		"sd " + strconv.Itoa(r.searchDepth),
		"go",
	}
}

// Send a command to the engine, logging it first if enabled.
// Send is not safe to call concurrently with a running Start, which owns the engine; use the inbound channel instead.
func (r *Relay) Send(command string) {
	if r.logCommands {
		r.log.Info("Sending command", "command", command)
	}
	_ = r.engine.Submit(command)
	r.sent.Add(1)
}

// Start the Relay, blocking until the given context is cancelled.
// The startup sequence is sent before Start waits for anything. Cancelling the context stops the follow-up command
// if it hasn't been sent yet. Start panics if called more than once.
func (r *Relay) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		panic("relay already started")
	}

	r.log.Info("Starting", "session", r.session, "variant", r.variant, "depth", r.searchDepth,
		"followUp", r.followUp, "delay", r.delay, "relay", r.inbound != nil)

	for _, command := range r.StartupCommands() {
		r.Send(command)
	}

	// The timer callback only signals, so that every submission happens on this goroutine.
	fire := make(chan struct{}, 1)
	timer := r.clock.AfterFunc(r.delay, func() {
		fire <- struct{}{}
	})
	defer timer.Stop()

	inbound := r.inbound
	for {
		select {
		case <-ctx.Done():
			r.log.Info("Stopping", "session", r.session, "sent", r.sent.Load(), "followUpSent", r.followUpSent.Load())
			return

		case <-fire:
			r.Send(r.followUp)
			r.followUpSent.Store(true)

		case command, ok := <-inbound:
			if !ok {
				r.log.Info("Inbound commands closed", "session", r.session)
				inbound = nil
				continue
			}
			r.Send(command)
		}
	}
}

// Stats for the Relay. Safe for concurrent use.
func (r *Relay) Stats() Stats {
	return Stats{
		Sent:         r.sent.Load(),
		FollowUpSent: r.followUpSent.Load(),
	}
}
