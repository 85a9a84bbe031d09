package main

import (
	"fmt"
	"io"

	"github.com/spf13/pflag"

	"maragu.dev/xrelay/config"
)

// parseFlags loads the config file named by --config, starting from the --profile relay settings, and applies the
// flags that were given on top of it.
func parseFlags(args []string, stderr io.Writer) (*config.Config, error) {
	flags := pflag.NewFlagSet("xrelay", pflag.ContinueOnError)
	flags.SetOutput(stderr)
	flags.SortFlags = false

	var (
		configPath  = flags.StringP("config", "c", "", "path to a YAML config file (default $XRELAY_CONFIG)")
		profile     = flags.StringP("profile", "p", "", "relay profile: analysis or interactive")
		enginePath  = flags.StringP("engine", "e", "", "path to the engine binary")
		engineArgs  = flags.StringSlice("engine-arg", nil, "argument to pass to the engine (repeatable)")
		dryRun      = flags.Bool("dry-run", false, "print commands to stdout instead of running an engine")
		variant     = flags.String("variant", "", "chess variant for the variant command")
		depth       = flags.Int("depth", 0, "search depth for the sd command")
		followUp    = flags.String("follow-up", "", "command to send once after the delay")
		delayMs     = flags.Int("delay-ms", 0, "milliseconds after startup before the follow-up command")
		logCommands = flags.Bool("log-commands", false, "log every command before it is sent")
		relay       = flags.Bool("relay", false, "relay inbound commands from the queue")
		stdin       = flags.Bool("stdin", false, "queue each line of stdin as a command (needs --relay)")
		queueDriver = flags.String("queue-driver", "", "queue database driver: sqlite or postgres")
		queueDSN    = flags.String("queue-dsn", "", "queue database data source name")
		httpAddr    = flags.String("http-addr", "", "address for the command HTTP endpoint (needs --relay)")
		logLevel    = flags.String("log-level", "", "log level: debug, info, warn, or error")
		logFormat   = flags.String("log-format", "", "log format: text or json")
		logFile     = flags.String("log-file", "", "log to this file with rotation instead of stderr")
	)

	if err := flags.Parse(args); err != nil {
		return nil, err
	}

	if flags.NArg() > 0 {
		return nil, fmt.Errorf("unexpected arguments: %v", flags.Args())
	}

	cfg, err := config.Load(*configPath, *profile)
	if err != nil {
		return nil, err
	}

	setIfChanged(flags, "engine", &cfg.Engine.Path, *enginePath)
	setIfChanged(flags, "engine-arg", &cfg.Engine.Args, *engineArgs)
	setIfChanged(flags, "dry-run", &cfg.Engine.DryRun, *dryRun)
	setIfChanged(flags, "variant", &cfg.Relay.Variant, *variant)
	setIfChanged(flags, "depth", &cfg.Relay.SearchDepth, *depth)
	setIfChanged(flags, "follow-up", &cfg.Relay.FollowUp, *followUp)
	setIfChanged(flags, "delay-ms", &cfg.Relay.DelayMs, *delayMs)
	setIfChanged(flags, "log-commands", &cfg.Relay.LogCommands, *logCommands)
	setIfChanged(flags, "relay", &cfg.Relay.RelayEnabled, *relay)
	setIfChanged(flags, "stdin", &cfg.Relay.Stdin, *stdin)
	setIfChanged(flags, "queue-driver", &cfg.Queue.Driver, *queueDriver)
	setIfChanged(flags, "queue-dsn", &cfg.Queue.DSN, *queueDSN)
	setIfChanged(flags, "http-addr", &cfg.HTTP.Addr, *httpAddr)
	setIfChanged(flags, "log-level", &cfg.Log.Level, *logLevel)
	setIfChanged(flags, "log-format", &cfg.Log.Format, *logFormat)
	setIfChanged(flags, "log-file", &cfg.Log.File, *logFile)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

func setIfChanged[T any](flags *pflag.FlagSet, name string, dst *T, v T) {
	if flags.Changed(name) {
		*dst = v
	}
}
