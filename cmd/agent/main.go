package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"

	"x-fleet/internal/agent"
	agentconfig "x-fleet/internal/agent/config"
	"x-fleet/internal/logger"
	"x-fleet/internal/xray"
)

func main() {
	configPath := flag.String("config", "/etc/x-fleet/agent.json", "Path to agent configuration file")
	flag.Parse()

	cfg, err := agentconfig.Load(*configPath)
	if err != nil {
		logger.Errorf("failed to load configuration: %v", err)
		os.Exit(1)
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	a := agent.New(cfg, xray.NewCore(cfg.XrayExecutablePath, cfg.XrayAssetsPath))
	if err := a.Run(ctx); err != nil {
		logger.Errorf("agent stopped with error: %v", err)
		os.Exit(1)
	}
}
