package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"carhunter/config"
	"carhunter/db"
	"carhunter/governance"
)

type rootOptions struct {
	configPath  string
	databaseURL string
	logLevel    string
}

// app is built once per command invocation from the persistent flags.
type app struct {
	cfg    config.Config
	pool   *pgxpool.Pool
	gov    *governance.Governor
	logger *slog.Logger
}

func (a *app) Close() {
	if a.pool != nil {
		a.pool.Close()
	}
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "govctl",
		Short:         "Operate the carhunter governance core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "carhunter.yaml", "path to the YAML config file")
	root.PersistentFlags().StringVar(&opts.databaseURL, "database-url", "", "Postgres DSN (overrides config and CARHUNTER_DATABASE_URL)")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	root.AddCommand(
		newMigrateCmd(opts),
		newApprovalsCmd(opts),
		newAuditCmd(opts),
		newDealsCmd(opts),
		newDoctorCmd(opts),
	)
	return root
}

func (o *rootOptions) loadConfig() (config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if o.databaseURL != "" {
		cfg.DatabaseURL = o.databaseURL
	}
	return cfg, nil
}

func (o *rootOptions) logger() *slog.Logger {
	var level slog.Level
	switch strings.ToLower(o.logLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// open loads config, connects to Postgres and wires the governor.
func (o *rootOptions) open(ctx context.Context) (*app, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, err
	}
	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("no database configured: set database_url, CARHUNTER_DATABASE_URL or --database-url")
	}
	pool, err := db.NewPool(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	logger := o.logger()
	return &app{
		cfg:    cfg,
		pool:   pool,
		gov:    governance.New(cfg, governance.PostgresStores(pool), governance.WithLogger(logger)),
		logger: logger,
	}, nil
}

func newMigrateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply the embedded schema migrations",
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := opts.open(cmd.Context())
			if err != nil {
				return err
			}
			defer a.Close()

			applied, err := db.Migrate(cmd.Context(), a.pool)
			if err != nil {
				return err
			}
			for _, name := range applied {
				printOK("applied %s", name)
			}
			return nil
		},
	}
}
