package main

import (
	"context"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/akupila/ephemeral"
	"github.com/akupila/ephemeral/internal/logging"
	"github.com/akupila/ephemeral/internal/telemetry"
	"github.com/akupila/ephemeral/redisstore"
)

type options struct {
	configPath string
	dir        string
	set        string
	redisURL   string
	expiration time.Duration
	logLevel   string
	logFormat  string
	json       bool
	trace      bool

	cfg      *ephemeral.Config
	shutdown func(context.Context) error

	out    io.Writer
	errOut io.Writer
}

func newRootCmd(out, errOut io.Writer) *cobra.Command {
	o := &options{out: out, errOut: errOut}

	root := &cobra.Command{
		Use:           "ephemeral",
		Short:         "Inspect and maintain recorded HTTP fixtures",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return o.complete(cmd)
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			if o.shutdown != nil {
				return o.shutdown(cmd.Context())
			}
			return nil
		},
	}
	root.SetOut(out)
	root.SetErr(errOut)

	f := root.PersistentFlags()
	f.StringVarP(&o.configPath, "config", "c", "", "YAML configuration file")
	f.StringVar(&o.dir, "dir", "", "fixture directory (default "+ephemeral.DefaultFixtureDirectory+")")
	f.StringVar(&o.set, "set", "", "fixture set (default "+ephemeral.DefaultFixtureSet+")")
	f.StringVar(&o.redisURL, "redis-url", "", "store fixtures in redis instead of files")
	f.DurationVar(&o.expiration, "expiration", 0, "fixture expiration (default 24h)")
	f.StringVar(&o.logLevel, "log-level", "warn", "log level: debug, info, warn, error")
	f.StringVar(&o.logFormat, "log-format", "text", "log format: text, json")
	f.BoolVar(&o.json, "json", false, "print JSON output")
	f.BoolVar(&o.trace, "trace", false, "print OpenTelemetry spans to stderr")

	root.AddCommand(
		newListCmd(o),
		newShowCmd(o),
		newPruneCmd(o),
		newClearCmd(o),
		newFingerprintCmd(o),
		newFetchCmd(o),
	)
	return root
}

// complete builds the configuration from the file, the environment and the
// flags, in increasing order of precedence.
func (o *options) complete(cmd *cobra.Command) error {
	cfg := ephemeral.DefaultConfig()
	if o.configPath != "" {
		var err error
		if cfg, err = ephemeral.LoadConfig(o.configPath); err != nil {
			return err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return err
	}

	flags := cmd.Flags()
	if flags.Changed("dir") {
		cfg.FixtureDirectory = o.dir
	}
	if flags.Changed("set") {
		cfg.FixtureSet = o.set
	}
	if flags.Changed("redis-url") {
		cfg.RedisURL = o.redisURL
	}
	if flags.Changed("expiration") {
		cfg.Expiration = o.expiration
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	o.cfg = cfg

	if o.trace {
		shutdown, err := telemetry.Init(cmd.Context(), telemetry.Config{
			ServiceVersion: Version,
			Output:         o.errOut,
		})
		if err != nil {
			return err
		}
		o.shutdown = shutdown
	}
	return nil
}

// openStore returns a store for the configured fixture set and a function
// to release it.
func (o *options) openStore() (*ephemeral.Store, func(), error) {
	store := ephemeral.NewStore(o.cfg)
	store.Logger = logging.New(logging.Config{
		Level:  logging.ParseLevel(o.logLevel),
		Format: logging.ParseFormat(o.logFormat),
		Output: o.errOut,
	})

	if o.cfg.RedisURL == "" {
		return store, func() {}, nil
	}
	b, err := redisstore.Open(o.cfg.RedisURL)
	if err != nil {
		return nil, nil, err
	}
	store.Backend = b
	return store, func() { _ = b.Close() }, nil
}
