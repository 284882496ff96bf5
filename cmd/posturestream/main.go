// Command posturestream streams posture sensor samples to a classification
// server and serves the results locally.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/YamYamee/soft-electronic/internal/config"
)

type flags struct {
	configPath string
	endpoint   string
	listen     string
	input      string
	rate       float64
	logLevel   string
	noAPI      bool
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var f flags

	root := &cobra.Command{
		Use:           "posturestream",
		Short:         "Stream posture samples to a classification server.",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&f.configPath, "config", "c", "", "YAML config file")
	pf.StringVar(&f.endpoint, "endpoint", "", "classification server ws:// or wss:// URL")
	pf.StringVar(&f.listen, "listen", "", "local HTTP API address")
	pf.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	pf.BoolVar(&f.noAPI, "no-api", false, "disable the local HTTP API")

	run := &cobra.Command{
		Use:   "run",
		Short: "Connect, stream the feed and serve the local API until interrupted.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			return runStream(cmd.Context(), cfg)
		},
	}
	run.Flags().StringVarP(&f.input, "input", "i", "", `sample file ("-" for stdin)`)
	run.Flags().Float64Var(&f.rate, "rate", 0, "samples per second (0 keeps the configured rate)")

	check := &cobra.Command{
		Use:   "check",
		Short: "Validate the configuration and exit.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, f)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: endpoint=%s api=%t listen=%s\n",
				cfg.Client.Endpoint, cfg.API.Enabled, cfg.API.ListenAddr)
			return nil
		},
	}

	root.AddCommand(run, check)
	return root
}

// loadConfig layers flags over file and environment, then validates.
func loadConfig(cmd *cobra.Command, f flags) (*config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return nil, err
	}
	if f.endpoint != "" {
		cfg.Client.Endpoint = f.endpoint
	}
	if f.listen != "" {
		cfg.API.ListenAddr = f.listen
	}
	if f.logLevel != "" {
		cfg.Log.Level = f.logLevel
	}
	if f.noAPI {
		cfg.API.Enabled = false
	}
	if cmd.Flags().Changed("input") {
		cfg.Feed.Input = f.input
	}
	if f.rate > 0 {
		cfg.Feed.Rate = f.rate
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
