package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/terabiome/stagehand/internal/adapter"
	"github.com/terabiome/stagehand/internal/config"
	"github.com/terabiome/stagehand/internal/provisioner"
	"github.com/terabiome/stagehand/internal/service"
	"github.com/terabiome/stagehand/pkg/logger"
	"github.com/terabiome/stagehand/pkg/telemetry"

	_ "github.com/terabiome/stagehand/internal/provisioner/hetzner"
	_ "github.com/terabiome/stagehand/internal/provisioner/libvirt"
	_ "github.com/terabiome/stagehand/internal/provisioner/static"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	cfg, err := config.Load()
	if err != nil {
		slog.Error("configuration error", slog.String("error", err.Error()))
		os.Exit(1)
	}

	log := logger.New(cfg.LogLevel, cfg.LogFormat)
	log.Info("stagehand starting",
		slog.String("log_level", cfg.LogLevel),
		slog.String("log_format", cfg.LogFormat),
		slog.String("backend", cfg.Backend),
		slog.Bool("telemetry_enabled", cfg.TelemetryEnabled),
	)

	if cfg.TelemetryEnabled {
		tel, err := telemetry.Initialize("stagehand")
		if err != nil {
			log.Error("failed to initialize telemetry", slog.String("error", err.Error()))
			os.Exit(1)
		}
		defer func() {
			log.Info("shutting down telemetry")
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			if err := tel.Shutdown(shutdownCtx); err != nil {
				log.Error("failed to shutdown telemetry", slog.String("error", err.Error()))
			}
		}()
		log.Info("telemetry initialized")
	} else {
		log.Debug("telemetry disabled")
	}

	go func() {
		sig := <-sigChan
		log.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	app := &cli.App{
		Name:                 "stagehand",
		Usage:                "Provision machines on a backend and install the first one over SSH",
		EnableBashCompletion: true,
		Commands: []*cli.Command{
			{
				Name:      "provision",
				Usage:     "Start machines and install the management machine",
				ArgsUsage: "<request-file>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "backend",
						Aliases: []string{"b"},
						Usage:   "Provisioning backend (" + fmt.Sprint(provisioner.Names()) + ")",
						Value:   cfg.Backend,
					},
					&cli.IntFlag{
						Name:    "count",
						Aliases: []string{"n"},
						Usage:   "Number of machines to start",
						Value:   1,
					},
					&cli.DurationFlag{
						Name:    "timeout",
						Aliases: []string{"t"},
						Usage:   "Deadline for provisioning and installation together",
						Value:   cfg.DefaultTimeout,
					},
				},
				Action: func(cliCtx *cli.Context) error {
					path := cliCtx.Args().First()
					if path == "" {
						return errors.New("empty file path to machine request config")
					}

					request, err := config.LoadRequest(path)
					if err != nil {
						return err
					}

					deployment := newDeployment(cfg, log)
					result, err := deployment.Provision(ctx, service.ProvisionParams{
						Backend: cliCtx.String("backend"),
						Count:   cliCtx.Int("count"),
						Timeout: cliCtx.Duration("timeout"),
						Request: request,
					})
					if printErr := printJSON(adapter.AdaptRunResult(result)); printErr != nil {
						log.Error("failed to print result", slog.String("error", printErr.Error()))
					}
					if err != nil {
						return fmt.Errorf("provisioning failed: %w", err)
					}

					log.Info("machine installed", slog.String("address", result.Address))
					return nil
				},
			},
			{
				Name:      "profile",
				Usage:     "Print the management profile derived from a request file",
				ArgsUsage: "<request-file>",
				Action: func(cliCtx *cli.Context) error {
					path := cliCtx.Args().First()
					if path == "" {
						return errors.New("empty file path to machine request config")
					}

					request, err := config.LoadRequest(path)
					if err != nil {
						return err
					}

					profile, err := newDeployment(cfg, log).Profile(request)
					if err != nil {
						return err
					}
					return printJSON(profile)
				},
			},
			{
				Name:  "server",
				Usage: "Start HTTP API server",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "address",
						Aliases: []string{"a"},
						Usage:   "Server address",
						Value:   cfg.ListenAddress,
					},
				},
				Action: func(cliCtx *cli.Context) error {
					return runServer(ctx, cfg, log, cliCtx.String("address"))
				},
			},
			{
				Name:      "upload",
				Usage:     "Stage a file on a running server and print its key",
				ArgsUsage: "<file>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "server",
						Aliases: []string{"s"},
						Usage:   "Base URL of the stagehand server",
						Value:   "http://localhost:8080",
					},
				},
				Action: func(cliCtx *cli.Context) error {
					path := cliCtx.Args().First()
					if path == "" {
						return errors.New("empty file path to upload")
					}

					key, err := uploadFile(ctx, cliCtx.String("server"), path)
					if err != nil {
						return err
					}
					fmt.Println(key)
					return nil
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Error("command failed", slog.String("error", err.Error()))
		os.Exit(1)
	}
}

func printJSON(v any) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("unable to marshal output: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
