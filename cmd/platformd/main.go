// Package main runs the managers, devices and queues described by a platform config file.
package main

import (
	"context"
	"encoding/json"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	goutils "go.viam.com/utils"

	"go.viam.com/hdf/config"
	"go.viam.com/hdf/logging"
)

const (
	flagConfig = "config"
	flagDebug  = "debug"
)

func main() {
	if err := newApp(os.Stdout).Run(os.Args); err != nil {
		logging.Global().Error(err)
		os.Exit(1)
	}
}

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:   "platformd",
		Usage:  "run platform device managers and queues",
		Writer: out,
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "bring up the platform described by a config file and run until interrupted",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     flagConfig,
						Aliases:  []string{"c"},
						Required: true,
						Usage:    "load configuration from `FILE`",
					},
					&cli.BoolFlag{
						Name:  flagDebug,
						Usage: "enable debug logging",
					},
				},
				Action: runAction,
			},
			{
				Name:  "schema",
				Usage: "print the JSON schema of the config file",
				Action: func(c *cli.Context) error {
					enc := json.NewEncoder(c.App.Writer)
					enc.SetIndent("", "  ")
					return enc.Encode(config.Schema())
				},
			},
		},
	}
}

func runAction(c *cli.Context) error {
	cfg, err := config.Read(c.String(flagConfig))
	if err != nil {
		return err
	}
	logger := logging.NewLogger("platform")
	logger.SetLevel(cfg.LogLevel())
	if c.Bool(flagDebug) {
		logger.SetLevel(logging.DEBUG)
	}
	if cfg.Log.File != nil {
		appender, closer := logging.NewFileAppender(*cfg.Log.File)
		logger.AddAppender(appender)
		defer goutils.UncheckedErrorFunc(closer.Close)
	}
	logging.ReplaceGlobal(logger)

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()
	return runPlatform(ctx, cfg, logger)
}

// runPlatform builds the platform, runs it until ctx is done, and tears it down.
func runPlatform(ctx context.Context, cfg *config.Config, logger logging.Logger) (err error) {
	registry := logging.NewRegistry()
	registry.Register(logger)

	p, err := newPlatform(cfg, logger, registry)
	defer func() {
		err = multierr.Combine(err, p.close())
	}()
	if err != nil {
		return err
	}
	if len(cfg.Log.Patterns) > 0 {
		if err := registry.UpdateConfig(cfg.Log.Patterns, logger); err != nil {
			return err
		}
	}
	return p.run(ctx)
}
