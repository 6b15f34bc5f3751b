// Package main runs the tender radar service. One binary serves every
// role; -role picks which ones this process takes.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/opentenders/tender-radar/internal/app"
	"github.com/opentenders/tender-radar/internal/config"
	"github.com/opentenders/tender-radar/internal/logging"
)

func main() {
	cfgPath := flag.String("config", "", "Path to config file")
	roleList := flag.String("role", app.RoleAll, "Comma-separated roles: api, triage, fetch, parse, daily, alerts, pncp, compras or all")
	flag.Parse()

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "load config failed: %v\n", err)
		os.Exit(1)
	}
	logger, err := logging.New(cfg.Logging.Development, cfg.Logging.Level)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger init failed: %v\n", err)
		os.Exit(1)
	}
	defer func() {
		if syncErr := logger.Sync(); syncErr != nil {
			fmt.Fprintf(os.Stderr, "logger sync failed: %v\n", syncErr)
		}
	}()
	zap.ReplaceGlobals(logger)

	roles, err := app.ParseRoles(*roleList)
	if err != nil {
		logger.Fatal("invalid -role flag", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, logger)
	if err != nil {
		logger.Fatal("startup failed", zap.Error(err))
	}
	defer a.Close()

	logger.Info("tender radar starting", zap.String("roles", *roleList))
	if err := a.Run(ctx, roles); err != nil {
		logger.Fatal("run failed", zap.Error(err))
	}
}
