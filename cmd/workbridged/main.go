// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Command workbridged runs the workflow execution bridge daemon.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/awfl/workbridge/internal/config"
	"github.com/awfl/workbridge/internal/dispatch"
	"github.com/awfl/workbridge/internal/execreg"
	"github.com/awfl/workbridge/internal/launcher"
	"github.com/awfl/workbridge/internal/lifecycle"
	"github.com/awfl/workbridge/internal/lock"
	internallog "github.com/awfl/workbridge/internal/log"
	"github.com/awfl/workbridge/internal/metastore"
	"github.com/awfl/workbridge/internal/metrics"
	"github.com/awfl/workbridge/internal/server"
	"github.com/awfl/workbridge/internal/tracing"
	"github.com/awfl/workbridge/internal/workspace"
)

// Build-time variables set via -ldflags.
var (
	version   = "dev"
	commit    = "none"
	buildDate = "unknown"
)

func main() {
	var configPath string

	root := &cobra.Command{
		Use:          "workbridged",
		Short:        "Workflow execution bridge daemon",
		Long:         "workbridged dispatches workflow tool-call events to per-project sandboxed executors and mirrors their working directories against an object store.",
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(configPath)
		},
	}
	root.Flags().StringVar(&configPath, "config", "", "path to workbridge.yaml (default ~/.workbridge/workbridge.yaml)")

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("workbridged %s (commit %s, built %s)\n", version, commit, buildDate)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(configPath string) error {
	logger := internallog.New(internallog.FromEnv())
	slog.SetDefault(logger)

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdown := lifecycle.NewCoordinator(logger)

	tracer, err := tracing.Setup(ctx, cfg.Tracing, version)
	if err != nil {
		logger.Warn("tracing disabled", internallog.Error(err))
	} else if tracer != nil {
		shutdown.Register("tracing", tracer.Shutdown)
	}

	store, err := metastore.Open(cfg.Store.Path)
	if err != nil {
		return fmt.Errorf("failed to open metadata store: %w", err)
	}
	shutdown.Register("metastore", func(ctx context.Context) error {
		return store.Close()
	})

	locks := lock.NewManager(store, logger)
	workspaces := workspace.NewRegistry(store, cfg.Launcher.WorkspaceTTL.Std(), logger)
	execs := execreg.NewRegistry(store, logger)

	// Local container runtime is optional: a daemon that only fronts
	// remote jobs runs without docker.
	var containers launcher.ContainerRuntime
	if docker, err := launcher.NewDockerRuntime(); err != nil {
		logger.Warn("docker unavailable, local-sandbox mode disabled", internallog.Error(err))
	} else {
		containers = docker
		shutdown.Register("docker", func(ctx context.Context) error {
			return docker.Close()
		})
	}

	var jobs launcher.JobRunner
	if cfg.Launcher.CloudRunJob != "" {
		cloudRun, err := launcher.NewCloudRunJobs(ctx, cfg.Launcher.CloudRunJob)
		if err != nil {
			logger.Warn("cloud run unavailable, remote-job mode disabled", internallog.Error(err))
		} else {
			jobs = cloudRun
		}
	}

	launch := launcher.New(locks, workspaces, containers, jobs, cfg.Launcher, cfg.Upstream, logger)

	dispatcher, err := dispatch.New(dispatch.Config{
		WorkRoot:          cfg.Work.Root,
		PrefixTemplate:    cfg.Work.PrefixTemplate,
		ReadFileMaxBytes:  cfg.Work.ReadFileMaxBytes,
		OutputMaxBytes:    cfg.Work.OutputMaxBytes,
		RunCommandTimeout: cfg.Work.RunCommandTimeout.Std(),
		FilterExpr:        cfg.Events.FilterExpr,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	collector, err := metrics.New()
	if err != nil {
		return fmt.Errorf("failed to initialize metrics: %w", err)
	}
	shutdown.Register("metrics", collector.Shutdown)

	srv := server.New(server.Options{
		Config:     cfg,
		Locks:      locks,
		Workspaces: workspaces,
		Execs:      execs,
		Launcher:   launch,
		Dispatcher: dispatcher,
		Metrics:    collector,
		Shutdown:   shutdown,
		Logger:     logger,
		Version:    version,
	})

	err = srv.Start(ctx)

	// Signal received or server failed: run the bounded teardown.
	shutdown.Shutdown(cfg.Server.ShutdownTimeout.Std())
	logger.Info("workbridged stopped")
	return err
}
