package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/herakles-io/procmem/pkg/classify"
	"github.com/herakles-io/procmem/pkg/config"
	"github.com/herakles-io/procmem/pkg/cputrack"
	"github.com/herakles-io/procmem/pkg/scan"
	"github.com/herakles-io/procmem/pkg/server"
	"github.com/herakles-io/procmem/pkg/types"
)

var (
	cfgPath  string
	listen   string
	interval time.Duration
	procRoot string
	logLevel string
)

func main() {
	root := &cobra.Command{
		Use:   "procmem",
		Short: "Per-process memory and CPU exporter",
		Long: `procmem samples per-process RSS, PSS and USS from /proc smaps
together with CPU usage, classifies processes into groups and subgroups
by configurable name rules, and serves aggregated and top-N ranked
gauges on a prometheus /metrics endpoint.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return serve(cmd.Context())
		},
	}

	root.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level (debug, info, warn, error)")
	root.Flags().StringVar(&listen, "listen", "", "bind address as host:port, overrides config")
	root.Flags().DurationVar(&interval, "interval", 0, "scan interval, overrides config")
	root.Flags().StringVar(&procRoot, "proc-root", "", "procfs mount point, overrides config")

	root.AddCommand(checkCmd(), generateCmd())

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		slog.Error(err.Error())
		os.Exit(1)
	}
}

func serve(ctx context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	log := newLogger(cfg.LogLevel)
	slog.SetDefault(log)

	table, errs := classify.LoadTable(cfg.RulesFiles...)
	for _, e := range errs {
		log.Warn("rules file skipped", slog.Any("error", e))
	}
	log.Info("classification rules loaded", slog.Int("rules", len(table.Rules())))

	srv := server.New(cfg, table, scan.New(cfg, cputrack.New(), log), log)
	return srv.Run(ctx)
}

// checkCmd validates the configuration and rules files, and optionally
// runs one live scan cycle to prove the host is readable.
func checkCmd() *cobra.Command {
	var scanOnce bool

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Validate configuration and rules without serving",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			table, errs := classify.LoadTable(cfg.RulesFiles...)
			for _, e := range errs {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", e)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "config ok: %d rules, scanning %s every %s\n",
				len(table.Rules()), cfg.ProcRoot, cfg.Interval)

			if !scanOnce {
				return nil
			}
			samples, err := scan.New(cfg, cputrack.New(), newLogger("warn")).Scan(cmd.Context())
			if err != nil {
				return fmt.Errorf("scan: %w", err)
			}
			var totalUSS types.Bytes
			for _, s := range samples {
				totalUSS += types.Bytes(s.USS)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "scan ok: %d processes sampled, %s USS total\n",
				len(samples), totalUSS.Humanized())
			return nil
		},
	}

	cmd.Flags().BoolVar(&scanOnce, "scan", false, "also run one scan cycle against the live host")
	return cmd
}

// generateCmd writes a synthetic sample file usable via sample_file for
// development without root or a Linux host.
func generateCmd() *cobra.Command {
	var (
		out         string
		perSubgroup int
		othersCount int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Write a synthetic process sample file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			table, _ := classify.LoadTable(cfg.RulesFiles...)

			if err := scan.Generate(out, table, perSubgroup, othersCount); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&out, "out", "o", "samples.json", "output path")
	cmd.Flags().IntVar(&perSubgroup, "per-subgroup", 3, "processes to generate per known subgroup")
	cmd.Flags().IntVar(&othersCount, "others", 5, "unclassified processes to generate")
	return cmd
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, err
	}
	if listen != "" {
		host, port, err := net.SplitHostPort(listen)
		if err != nil {
			return nil, fmt.Errorf("parse listen address: %w", err)
		}
		p, err := strconv.Atoi(port)
		if err != nil {
			return nil, fmt.Errorf("parse listen port: %w", err)
		}
		cfg.Bind = host
		cfg.Port = p
	}
	if interval > 0 {
		cfg.Interval = interval
	}
	if procRoot != "" {
		cfg.ProcRoot = procRoot
	}
	if logLevel != "" {
		cfg.LogLevel = logLevel
	}
	return cfg, nil
}

func newLogger(level string) *slog.Logger {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
