package main

import (
	"context"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"x-fleet/internal/app/master"
	"x-fleet/internal/config"
	"x-fleet/internal/database"
	"x-fleet/internal/hwid"
	"x-fleet/internal/jobs"
	"x-fleet/internal/logger"
	"x-fleet/internal/model"
	"x-fleet/internal/node"
	"x-fleet/internal/provision"
	"x-fleet/internal/service"
	"x-fleet/internal/subscription"
	"x-fleet/internal/xray"
	"x-fleet/internal/xrayapi"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx); err != nil {
		logger.Errorf("master stopped with error: %v", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg, err := config.LoadMasterConfig()
	if err != nil {
		return err
	}
	logger.InitLogger(logger.ParseLevel(cfg.LogLevel))

	db, err := database.Connect(cfg)
	if err != nil {
		return err
	}
	if cfg.AutoMigrate {
		if err := database.AutoMigrate(db); err != nil {
			return err
		}
	}

	settingsService := service.NewSettingsService(db, cfg.Settings)
	if err := settingsService.Load(ctx); err != nil {
		return err
	}

	xrayConfig, err := xray.Load(cfg.XrayJSONPath)
	if err != nil {
		return err
	}

	nodeService := service.NewNodeService(db)
	userService := service.NewUserService(db)
	hostService := service.NewHostService(db)
	deviceService := service.NewDeviceService(db)
	certificates := service.NewCertificateService(db)
	configService := service.NewConfigService(userService, xrayConfig, cfg.XrayAPIPort)

	core := xray.NewCore(cfg.XrayExecutablePath, cfg.XrayAssetsPath)
	mainAPI, err := xrayapi.Dial(net.JoinHostPort("127.0.0.1", strconv.Itoa(cfg.XrayAPIPort)))
	if err != nil {
		return err
	}
	defer mainAPI.Close()

	manager := node.NewManager(node.Options{
		Store:   nodeService,
		Configs: configService,
		NewHandle: func(ctx context.Context, n *model.Node) (node.Handle, error) {
			if n.SecretKey == "" {
				copied := *n
				copied.SecretKey = cfg.HMACSecret
				n = &copied
			}
			if !n.UseTLS {
				return node.NewRemoteNode(n, nil), nil
			}
			cert, err := certificates.ClientCertificate(ctx)
			if err != nil {
				return nil, err
			}
			return node.NewRemoteNode(n, cert), nil
		},
		ForceReconnectThreshold: cfg.ForceReconnectThreshold,
	})
	provisioner := provision.New(mainAPI, manager, xrayConfig)

	cache, err := subscription.NewCache()
	if err != nil {
		return err
	}
	subscriptions := subscription.NewService(
		subscription.NewResolver(xrayConfig, cfg.Settings),
		hostService,
		cache,
		cfg.Settings,
		subscription.ServerInfo{IP: cfg.ServerIP, IPv6: cfg.ServerIPv6},
	)

	fullConfig, err := configService.FullConfig(ctx)
	if err != nil {
		return err
	}
	if err := core.Start(ctx, fullConfig); err != nil {
		logger.Errorf("start xray: %v", err)
	} else if version, err := core.Version(ctx); err == nil {
		logger.Infof("xray %s started", version)
	}

	if err := nodeService.SetConnecting(ctx); err != nil {
		logger.Warningf("reset node status: %v", err)
	}
	nodes, err := nodeService.ListEnabledNodes(ctx)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		manager.Connect(n.ID, fullConfig)
	}
	logger.Infof("connecting %d node(s)", len(nodes))

	scheduler := jobs.NewScheduler()
	if err := scheduler.Register(cfg.Settings, node.NewHealthChecker(manager, core, configService), deviceService); err != nil {
		return err
	}
	scheduler.Start()

	server := master.NewServer(master.Options{
		Config:        cfg,
		Users:         userService,
		Nodes:         nodeService,
		Fleet:         manager,
		Provisioner:   provisioner,
		Settings:      settingsService,
		Subscriptions: subscriptions,
		Gate:          hwid.NewGate(deviceService, cfg.Settings),
	})

	serveErr := make(chan error, 1)
	go func() {
		addr := ":" + cfg.HTTPPort
		logger.Infof("master listening on %s (subscriptions under /%s)", addr, cfg.SubscriptionPath)
		serveErr <- server.Start(addr)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down")
	case err = <-serveErr:
		if err != nil {
			logger.Errorf("http server: %v", err)
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	scheduler.Stop(shutdownCtx)
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("http shutdown: %v", err)
	}
	manager.DisconnectAll()
	if err := core.Stop(); err != nil {
		logger.Warningf("stop xray: %v", err)
	}
	if err := manager.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("node manager shutdown: %v", err)
	}
	if err := provisioner.Shutdown(shutdownCtx); err != nil {
		logger.Warningf("provisioner shutdown: %v", err)
	}
	return err
}
