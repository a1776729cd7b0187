package main

import (
	"fmt"
	"io"
	"os"
	"strings"

	"cosmossdk.io/log"
	"github.com/fatih/color"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"driverlink/internal/config"
	"driverlink/internal/output"
)

// app holds what every subcommand shares.
type app struct {
	cfgFile string
	level   string
	format  string

	cfg    *config.Config
	logger log.Logger
	ui     *output.UI
}

func newRootCmd() *cobra.Command {
	a := &app{ui: output.New()}
	root := &cobra.Command{
		Use:   "driverd",
		Short: "Driver dispatch client",
		Long: `driverd keeps a driver connected to the dispatch server, receives ride
offers over the live channel or the poll fallback and answers them.`,
		SilenceUsage:      true,
		SilenceErrors:     true,
		DisableAutoGenTag: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			return a.init()
		},
	}
	root.PersistentFlags().StringVar(&a.cfgFile, "config", "", "config file (default ./driverlink.yaml)")
	root.PersistentFlags().StringVar(&a.level, "log-level", "", "log level override (debug, info, error)")
	root.PersistentFlags().StringVar(&a.format, "log-format", "", "log format override (console, json)")

	root.AddCommand(newRunCmd(a), newPollCmd(a), newHistoryCmd(a), newVersionCmd(a))
	return root
}

func (a *app) init() error {
	cfg, err := config.Load(a.cfgFile)
	if err != nil {
		return err
	}
	if a.level != "" {
		cfg.Log.Level = a.level
	}
	if a.format != "" {
		cfg.Log.Format = a.format
	}
	logger, err := newLogger(os.Stderr, cfg.Log.Level, cfg.Log.Format)
	if err != nil {
		return err
	}
	a.cfg, a.logger = cfg, logger
	return nil
}

func newLogger(w io.Writer, level, format string) (log.Logger, error) {
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil {
		return nil, fmt.Errorf("log level %q: %w", level, err)
	}
	opts := []log.Option{log.LevelOption(lvl)}
	switch format {
	case "json":
		opts = append(opts, log.OutputJSONOption())
	case "console", "":
		opts = append(opts, log.ColorOption(!color.NoColor))
	default:
		return nil, fmt.Errorf("unknown log format %q", format)
	}
	return log.NewLogger(w, opts...), nil
}
