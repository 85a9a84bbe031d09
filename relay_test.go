package xrelay_test

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"testing"
	"time"

	"github.com/maragudk/is"

	"maragu.dev/xrelay"
	"maragu.dev/xrelay/internal/clock"
	internaltesting "maragu.dev/xrelay/internal/testing"
)

func TestRelay_StartupCommands(t *testing.T) {
	t.Run("has the fixed startup sequence with the configured variant and depth", func(t *testing.T) {
		r := xrelay.New(xrelay.NewOpts{Engine: internaltesting.NewEngine(), Variant: "bughouse", SearchDepth: 12})
		is.True(t, slices.Equal([]string{"xboard", "variant bughouse", "analyze", "easy", "sd 12", "go"}, r.StartupCommands()))
	})

	t.Run("defaults to crazyhouse at depth 9", func(t *testing.T) {
		r := xrelay.New(xrelay.NewOpts{Engine: internaltesting.NewEngine()})
		is.True(t, slices.Equal([]string{"xboard", "variant crazyhouse", "analyze", "easy", "sd 9", "go"}, r.StartupCommands()))
	})
}

func TestRelay_Start(t *testing.T) {
	t.Run("sends the startup sequence and then quit after ten seconds", func(t *testing.T) {
		e, c, r := newRelay(t, xrelay.AnalysisOpts())

		stop := start(t, r)
		defer stop()

		commands := e.WaitFor(t, 6)
		is.True(t, slices.Equal([]string{"xboard", "variant crazyhouse", "analyze", "easy", "sd 9", "go"}, commands))

		waitForTimer(t, c)
		c.Advance(9999 * time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		is.Equal(t, 6, len(e.Commands()))
		is.True(t, !r.Stats().FollowUpSent)

		c.Advance(time.Millisecond)
		commands = e.WaitFor(t, 7)
		is.Equal(t, "quit", commands[6])

		c.Advance(time.Hour)
		time.Sleep(10 * time.Millisecond)
		is.Equal(t, 7, len(e.Commands()))
	})

	t.Run("relays an inbound command and then sends force after two seconds", func(t *testing.T) {
		inbound := make(chan string)
		opts := xrelay.InteractiveOpts()
		opts.Inbound = inbound
		e, c, r := newRelay(t, opts)

		stop := start(t, r)
		defer stop()

		e.WaitFor(t, 6)
		waitForTimer(t, c)

		c.Advance(500 * time.Millisecond)
		inbound <- "new"
		e.WaitFor(t, 7)

		c.Advance(1500 * time.Millisecond)
		commands := e.WaitFor(t, 8)
		is.True(t, slices.Equal(
			[]string{"xboard", "variant crazyhouse", "analyze", "easy", "sd 15", "go", "new", "force"}, commands))
	})

	t.Run("relays inbound commands in arrival order without drops or duplicates", func(t *testing.T) {
		inbound := make(chan string)
		e, _, r := newRelay(t, xrelay.NewOpts{Inbound: inbound})

		stop := start(t, r)
		defer stop()

		var expected []string
		for i := range 100 {
			command := fmt.Sprintf("usermove %v", i)
			expected = append(expected, command)
			inbound <- command
		}

		commands := e.WaitFor(t, 106)
		is.True(t, slices.Equal(expected, commands[6:]))
	})

	t.Run("submits an identical command twice", func(t *testing.T) {
		inbound := make(chan string)
		e, _, r := newRelay(t, xrelay.NewOpts{Inbound: inbound})

		stop := start(t, r)
		defer stop()

		inbound <- "go"
		inbound <- "go"

		commands := e.WaitFor(t, 8)
		is.True(t, slices.Equal([]string{"go", "go"}, commands[6:]))
	})

	t.Run("still sends the follow-up after the inbound channel is closed", func(t *testing.T) {
		inbound := make(chan string)
		e, c, r := newRelay(t, xrelay.NewOpts{Inbound: inbound, Delay: time.Second})

		stop := start(t, r)
		defer stop()

		e.WaitFor(t, 6)
		close(inbound)
		waitForTimer(t, c)
		c.Advance(time.Second)

		commands := e.WaitFor(t, 7)
		is.Equal(t, "quit", commands[6])
	})

	t.Run("does not send the follow-up if stopped before the delay", func(t *testing.T) {
		e, c, r := newRelay(t, xrelay.NewOpts{})

		stop := start(t, r)

		e.WaitFor(t, 6)
		waitForTimer(t, c)
		stop()

		is.Equal(t, 0, c.Pending())
		c.Advance(time.Hour)
		is.Equal(t, 6, len(e.Commands()))
		is.True(t, !r.Stats().FollowUpSent)
	})

	t.Run("ignores the engine status", func(t *testing.T) {
		e, c, r := newRelay(t, xrelay.NewOpts{Delay: time.Second})
		e.Status = -1

		stop := start(t, r)
		defer stop()

		e.WaitFor(t, 6)
		waitForTimer(t, c)
		c.Advance(time.Second)
		e.WaitFor(t, 7)
	})

	t.Run("logs every command just before it is submitted", func(t *testing.T) {
		inbound := make(chan string)
		rec := &recorder{}
		c := clock.Fake(time.Unix(0, 0))
		r := xrelay.New(xrelay.NewOpts{
			Clock:       c,
			Delay:       time.Second,
			Engine:      rec,
			Inbound:     inbound,
			Log:         rec,
			LogCommands: true,
		})

		stop := start(t, r)
		defer stop()

		inbound <- "new"
		waitForTimer(t, c)
		c.Advance(time.Second)

		deadline := time.Now().Add(5 * time.Second)
		for r.Stats().Sent < 8 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}

		events := rec.Events()
		is.Equal(t, 16, len(events))
		for i := 0; i < len(events); i += 2 {
			is.Equal(t, "log", events[i].kind)
			is.Equal(t, "submit", events[i+1].kind)
			is.Equal(t, events[i].command, events[i+1].command)
		}
	})

	t.Run("does not log commands unless enabled", func(t *testing.T) {
		rec := &recorder{}
		r := xrelay.New(xrelay.NewOpts{Clock: clock.Fake(time.Unix(0, 0)), Engine: rec, Log: rec})

		stop := start(t, r)
		defer stop()

		deadline := time.Now().Add(5 * time.Second)
		for r.Stats().Sent < 6 && time.Now().Before(deadline) {
			time.Sleep(time.Millisecond)
		}

		for _, e := range rec.Events() {
			is.True(t, e.kind != "log")
		}
	})

	t.Run("panics if started twice", func(t *testing.T) {
		e, _, r := newRelay(t, xrelay.NewOpts{})

		stop := start(t, r)
		defer stop()
		e.WaitFor(t, 6)

		defer func() {
			rec := recover()
			is.Equal(t, "relay already started", rec)
		}()
		r.Start(t.Context())
	})
}

func TestRelay_Send(t *testing.T) {
	t.Run("forwards the command unchanged", func(t *testing.T) {
		e := internaltesting.NewEngine()
		r := xrelay.New(xrelay.NewOpts{Engine: e})

		r.Send("  setboard 8/8/8/8/8/8/8/8 w - - 0 1 ")
		r.Send("")

		is.True(t, slices.Equal([]string{"  setboard 8/8/8/8/8/8/8/8 w - - 0 1 ", ""}, e.Commands()))
		is.Equal(t, int64(2), r.Stats().Sent)
	})
}

func TestNew(t *testing.T) {
	t.Run("uses depth 9 and a ten second delay for zero values", func(t *testing.T) {
		e, c, r := newRelay(t, xrelay.NewOpts{SearchDepth: 0, Delay: 0})

		stop := start(t, r)
		defer stop()

		commands := e.WaitFor(t, 6)
		is.Equal(t, "sd 9", commands[4])

		waitForTimer(t, c)
		c.Advance(10*time.Second - time.Millisecond)
		time.Sleep(10 * time.Millisecond)
		is.Equal(t, 6, len(e.Commands()))

		c.Advance(time.Millisecond)
		commands = e.WaitFor(t, 7)
		is.Equal(t, "quit", commands[6])
	})

	t.Run("panics if engine is nil", func(t *testing.T) {
		defer func() {
			r := recover()
			is.Equal(t, "engine cannot be nil", r)
		}()

		xrelay.New(xrelay.NewOpts{})
	})

	t.Run("panics if search depth is negative", func(t *testing.T) {
		defer func() {
			r := recover()
			is.Equal(t, "search depth cannot be negative", r)
		}()

		xrelay.New(xrelay.NewOpts{Engine: internaltesting.NewEngine(), SearchDepth: -1})
	})

	t.Run("panics if delay is negative", func(t *testing.T) {
		defer func() {
			r := recover()
			is.Equal(t, "delay cannot be negative", r)
		}()

		xrelay.New(xrelay.NewOpts{Engine: internaltesting.NewEngine(), Delay: -1})
	})
}

func newRelay(t *testing.T, opts xrelay.NewOpts) (*internaltesting.Engine, *clock.FakeClock, *xrelay.Relay) {
	t.Helper()

	e := internaltesting.NewEngine()
	c := clock.Fake(time.Unix(0, 0))
	opts.Engine = e
	opts.Clock = c
	opts.Log = internaltesting.NewLogger(t)
	return e, c, xrelay.New(opts)
}

// start r in the background, returning a func that stops it and waits for Start to return.
func start(t *testing.T, r *xrelay.Relay) func() {
	t.Helper()

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan struct{})
	go func() {
		defer close(done)
		r.Start(ctx)
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			cancel()
			<-done
		})
	}
}

// waitForTimer until the relay has scheduled its follow-up.
func waitForTimer(t *testing.T, c *clock.FakeClock) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for c.Pending() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("timed out waiting for the follow-up timer")
		}
		time.Sleep(time.Millisecond)
	}
}

type event struct {
	kind    string
	command string
}

// recorder is both the engine and the logger, so the order between logging and submission is observable.
type recorder struct {
	events []event
	lock   sync.Mutex
}

func (r *recorder) Submit(command string) int {
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event{kind: "submit", command: command})
	return 0
}

func (r *recorder) Info(msg string, args ...any) {
	if msg != "Sending command" {
		return
	}
	r.lock.Lock()
	defer r.lock.Unlock()
	r.events = append(r.events, event{kind: "log", command: args[1].(string)})
}

func (r *recorder) Events() []event {
	r.lock.Lock()
	defer r.lock.Unlock()
	return slices.Clone(r.events)
}
