package main

import (
	"context"
	"errors"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"accessgate.org/internal/app"
	"accessgate.org/internal/config"
	"accessgate.org/internal/obs"
)

// cli carries state shared by every subcommand.
type cli struct {
	configPath string
	format     string
	logLevel   string

	app *app.App
}

func newRootCmd() (*cobra.Command, *cli) {
	c := &cli{}
	root := &cobra.Command{
		Use:           "accessctl",
		Short:         "Issue, validate and inspect access codes",
		Long:          `accessctl runs the access-code engine in-process against the configured store.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return c.open(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&c.configPath, "config", "c", os.Getenv("ACCESSGATE_CONFIG"), "Path to the YAML configuration")
	root.PersistentFlags().StringVarP(&c.format, "format", "o", "table", "Output format (table, json, yaml)")
	root.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "Log level")

	root.AddCommand(
		c.issueCmd(),
		c.validateCmd(),
		c.searchCmd(),
		c.statsCmd(),
		c.sweepCmd(),
		c.generateCmd(),
		c.alertsCmd(),
		c.ackCmd(),
		c.reportCmd(),
		c.trendsCmd(),
	)
	return root, c
}

func (c *cli) open(ctx context.Context) error {
	switch c.format {
	case "table", "json", "yaml":
	default:
		return errors.New("format must be table, json or yaml")
	}
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return err
	}
	logger, err := obs.NewConsoleLogger(c.logLevel)
	if err != nil {
		logger = zap.NewNop()
	}
	obs.SetLogger(logger)
	a, err := app.New(ctx, cfg, app.WithLogger(logger))
	if err != nil {
		return err
	}
	c.app = a
	return nil
}

// close releases the app. It runs after every command, failed or not.
func (c *cli) close(ctx context.Context) error {
	if c.app == nil {
		return nil
	}
	err := c.app.Close(ctx)
	c.app = nil
	return err
}
