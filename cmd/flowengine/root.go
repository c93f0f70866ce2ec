package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/randalmurphal/flowengine/pkg/flowengine/config"
	"github.com/randalmurphal/flowengine/pkg/flowengine/observability"
)

// options holds the persistent flags.
type options struct {
	cfgFile  string
	verbose  bool
	jsonLogs bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}
	v := viper.New()

	root := &cobra.Command{
		Use:           "flowengine",
		Short:         "Run and inspect checkpointed flows",
		Long:          color.CyanString("flowengine runs flows as checkpointed state machines that talk over sessions."),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(*cobra.Command, []string) error {
			return initConfig(v, opts)
		},
	}

	root.PersistentFlags().StringVar(&opts.cfgFile, "config", "", "config file (default: ./flowengine.yaml if present)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")
	root.PersistentFlags().BoolVar(&opts.jsonLogs, "json-logs", false, "log JSON lines instead of text")
	root.PersistentFlags().String("store", "", "checkpoint store driver (memory, sqlite, postgres, redis)")
	root.PersistentFlags().String("dsn", "", "checkpoint store data source")
	_ = v.BindPFlag(config.KeyStoreDriver, root.PersistentFlags().Lookup("store"))
	_ = v.BindPFlag(config.KeyStoreDSN, root.PersistentFlags().Lookup("dsn"))

	root.AddCommand(
		newPingCmd(v, opts),
		newStatusCmd(v, opts),
		newConfigCmd(v),
	)
	return root
}

// initConfig layers defaults, the config file and FLOWENGINE_* environment
// variables. The file is --config or the first flowengine.{yaml,yml,json} in
// the working directory; it is validated on its own before layering.
func initConfig(v *viper.Viper, opts *options) error {
	for key, val := range config.DefaultMap() {
		v.SetDefault(key, val)
	}
	v.SetEnvPrefix("FLOWENGINE")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	path := opts.cfgFile
	if path == "" {
		found, err := config.Find(".")
		switch {
		case errors.Is(err, config.ErrNoConfigFile):
			return nil
		case err != nil:
			return err
		}
		path = found
	}

	cfg, _, err := config.LoadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	if err := v.MergeConfigMap(cfg.Raw()); err != nil {
		return fmt.Errorf("merge config %s: %w", path, err)
	}
	if opts.verbose {
		fmt.Fprintln(os.Stderr, "Using config file:", path)
	}
	return nil
}

// settings reads the engine settings from the layered configuration.
func settings(v *viper.Viper) (config.EngineSettings, error) {
	return config.Engine(config.New(v.AllSettings()))
}

func newLogger(opts *options) *slog.Logger {
	level := slog.LevelInfo
	if opts.verbose {
		level = slog.LevelDebug
	}
	if opts.jsonLogs {
		return observability.NewJSONLogger(os.Stderr, level)
	}
	return observability.NewLogger(os.Stderr, level)
}
