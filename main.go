package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/pflag"

	"gesturedrop/config"
	"gesturedrop/coordinator"
	"gesturedrop/discovery"
	"gesturedrop/models"
	"gesturedrop/network"
	"gesturedrop/storage"
	"gesturedrop/subnet"
	"gesturedrop/trigger"
	"gesturedrop/ui"
)

const shutdownGrace = 5 * time.Second

type flags struct {
	dataDir    string
	configPath string
	tui        bool
	trigger    string
	file       string
	latestDir  string
	dropDir    string
	mode       string
	history    bool
	mdns       bool
	logLevel   string
	logFormat  string
}

func parseFlags(args []string) (flags, *pflag.FlagSet, error) {
	var f flags
	fs := pflag.NewFlagSet("gesturedrop", pflag.ContinueOnError)
	fs.StringVar(&f.dataDir, "data-dir", "", "data directory (default: per-user config dir, or $"+config.DataDirEnv+")")
	fs.StringVar(&f.configPath, "config", "", "config file (default: <data-dir>/config.toml)")
	fs.BoolVar(&f.tui, "tui", false, "run the full-screen dashboard")
	fs.StringVar(&f.trigger, "trigger", "console", "trigger source: console, folder or none")
	fs.StringVar(&f.file, "file", "", "always send this file")
	fs.StringVar(&f.latestDir, "latest-dir", "", "send the newest file of this directory")
	fs.StringVar(&f.dropDir, "drop-dir", "", "watch this directory and send every file dropped into it")
	fs.StringVar(&f.mode, "mode", "", "transfer mode: push or host")
	fs.BoolVar(&f.history, "history", false, "record transfers in history.db")
	fs.BoolVar(&f.mdns, "mdns", false, "also announce and browse over mDNS")
	fs.StringVar(&f.logLevel, "log-level", "", "debug, info, warn or error")
	fs.StringVar(&f.logFormat, "log-format", "", "text or json")
	if err := fs.Parse(args); err != nil {
		return flags{}, nil, err
	}
	return f, fs, nil
}

func applyOverrides(cfg *config.Config, f flags, fs *pflag.FlagSet) error {
	if fs.Changed("mode") {
		cfg.Transfer.Mode = f.mode
	}
	if fs.Changed("history") {
		cfg.History.Enabled = f.history
	}
	if fs.Changed("mdns") {
		cfg.Discovery.MDNS = f.mdns
	}
	if fs.Changed("log-level") {
		cfg.Log.Level = f.logLevel
	}
	if fs.Changed("log-format") {
		cfg.Log.Format = f.logFormat
	}
	switch f.trigger {
	case "console", "folder", "none":
	default:
		return fmt.Errorf("unknown trigger source %q", f.trigger)
	}
	return cfg.Validate()
}

func newLogger(cfg config.LogConfig, out io.Writer) *slog.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(cfg.Level) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	handlerOpts := &slog.HandlerOptions{Level: level}
	if strings.EqualFold(cfg.Format, "json") {
		return slog.New(slog.NewJSONHandler(out, handlerOpts))
	}
	return slog.New(slog.NewTextHandler(out, handlerOpts))
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "gesturedrop: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	f, fs, err := parseFlags(args)
	if err != nil {
		return err
	}

	cfg, cfgPath, err := config.LoadOrCreate(f.dataDir, f.configPath)
	if err != nil {
		return fmt.Errorf("startup failed while loading config: %w", err)
	}
	if err := applyOverrides(cfg, f, fs); err != nil {
		return err
	}
	dataDir := f.dataDir
	if dataDir == "" {
		if dataDir, err = config.ResolveDataDir(); err != nil {
			return err
		}
	}

	// The dashboard owns the terminal, so logs go to a file.
	logOut := io.Writer(os.Stderr)
	if f.tui {
		logFile, err := os.OpenFile(filepath.Join(dataDir, "gesturedrop.log"), os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0o600)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		defer func() {
			_ = logFile.Close()
		}()
		logOut = logFile
	}
	logger := newLogger(cfg.Log, logOut)
	slog.SetDefault(logger)

	localIP := subnet.LocalIP()
	logger.Info("main: starting",
		slog.String("device_id", cfg.Device.DeviceID),
		slog.String("device_name", cfg.Device.DeviceName),
		slog.String("local_ip", localIP.String()),
		slog.String("mode", cfg.Transfer.Mode),
		slog.String("config", cfgPath))

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var record func(models.Transfer)
	if cfg.History.Enabled {
		store, dbPath, err := storage.Open(dataDir, storage.Options{
			Retention: cfg.History.Retention.Duration,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("startup failed while opening journal: %w", err)
		}
		defer func() {
			if err := store.Close(); err != nil {
				logger.Warn("main: journal close failed", slog.Any("error", err))
			}
		}()
		record = store.Recorder()
		logger.Info("main: journal enabled", slog.String("path", dbPath))
	}

	engine := discovery.New(discovery.Options{
		LocalIP:           localIP,
		Hostname:          cfg.Device.DeviceName,
		Port:              cfg.Discovery.Port,
		BroadcastAddress:  cfg.Discovery.BroadcastAddress,
		HeartbeatInterval: cfg.Discovery.HeartbeatInterval.Duration,
		PeerTimeout:       cfg.Discovery.PeerTimeout.Duration,
		MonitorInterval:   cfg.Discovery.MonitorInterval.Duration,
		ProbeInterval:     cfg.Discovery.ProbeInterval.Duration,
		ProbeInitialDelay: cfg.Discovery.ProbeInitialDelay.Duration,
		ProbeTimeout:      cfg.Discovery.ProbeTimeout.Duration,
		ProbeWidth:        cfg.Discovery.ProbeWidth,
		DisableProbe:      cfg.Discovery.DisableProbe,
		MDNS:              discovery.MDNSOptions{Enabled: cfg.Discovery.MDNS},
		Logger:            logger,
	})
	engine.OnPeerJoined(func(peer models.Peer) error {
		logger.Info("main: peer joined", slog.String("peer", peer.Label()), slog.String("addr", peer.Key()))
		return nil
	})
	engine.OnPeerLeft(func(ip net.IP) error {
		logger.Info("main: peer left", slog.String("addr", ip.String()))
		return nil
	})
	if err := engine.Start(); err != nil {
		return fmt.Errorf("startup failed while starting discovery: %w", err)
	}
	defer engine.Stop()

	var (
		coord      *coordinator.Coordinator
		status     func(string)
		onProgress network.ProgressFunc
		dashboard  *ui.Dashboard
	)
	if f.tui {
		dashboard = ui.NewDashboard(ui.DashboardOptions{
			Peers: engine.Peers,
			Self:  fmt.Sprintf("%s (%s)", cfg.Device.DeviceName, localIP),
			OnEvent: func(kind coordinator.Kind) {
				coord.Trigger(ctx, kind)
			},
		})
		status = dashboard.Status
		onProgress = dashboard.Progress
	} else {
		console := ui.NewConsole(os.Stdout, logger)
		status = console.Status
		onProgress = console.Progress
	}

	options := coordinator.Options{
		Peers:  engine,
		Status: status,
		Logger: logger,
	}
	switch cfg.Transfer.Mode {
	case config.TransferModeHost:
		options.Sender = network.NewHoster(network.HostOptions{
			ListenAddress: fmt.Sprintf(":%d", cfg.Transfer.HostPort),
			NotifyPort:    cfg.Transfer.NotifyPort,
			Wait:          cfg.Transfer.HostWait.Duration,
			ChunkSize:     cfg.Transfer.ChunkSize,
			IOTimeout:     cfg.Transfer.IOTimeout.Duration,
			Logger:        logger,
			OnProgress:    onProgress,
			OnFinished:    record,
		})
		options.Receiver = network.NewFetcher(network.FetchOptions{
			NotifyAddress:  fmt.Sprintf(":%d", cfg.Transfer.NotifyPort),
			HostPort:       cfg.Transfer.HostPort,
			Wait:           cfg.Transfer.HostWait.Duration,
			ConnectTimeout: cfg.Transfer.ConnectTimeout.Duration,
			ReceiveDir:     cfg.Transfer.ReceiveDir,
			ChunkSize:      cfg.Transfer.ChunkSize,
			IOTimeout:      cfg.Transfer.IOTimeout.Duration,
			MaxFileSize:    cfg.Transfer.MaxFileSize,
			Logger:         logger,
			OnProgress:     onProgress,
			OnFinished:     record,
		})
	default:
		options.Sender = network.NewSender(network.SenderOptions{
			Port:           cfg.Transfer.Port,
			ConnectTimeout: cfg.Transfer.ConnectTimeout.Duration,
			IOTimeout:      cfg.Transfer.IOTimeout.Duration,
			ChunkSize:      cfg.Transfer.ChunkSize,
			Logger:         logger,
			OnProgress:     onProgress,
			OnFinished:     record,
		})
	}

	var drop *trigger.DropFolder
	dropDir := f.dropDir
	if dropDir == "" && f.trigger == "folder" {
		dropDir = cfg.Transfer.OutboxDir
	}
	switch {
	case f.file != "":
		options.Files = trigger.StaticFile(f.file)
	case dropDir != "":
		drop, err = trigger.NewDropFolder(trigger.DropFolderOptions{Dir: dropDir, Logger: logger})
		if err != nil {
			return err
		}
		defer func() {
			_ = drop.Close()
		}()
		options.Files = drop
	case f.latestDir != "":
		options.Files = trigger.LatestFile(f.latestDir)
	default:
		options.Files = trigger.LatestFile(cfg.Transfer.OutboxDir)
	}

	coord = coordinator.New(options)
	status(coordinator.StatusReady)

	server, err := network.StartServer(network.ServerOptions{
		Address:      fmt.Sprintf(":%d", cfg.Transfer.Port),
		ReceiveDir:   cfg.Transfer.ReceiveDir,
		LocalIP:      localIP,
		ChunkSize:    cfg.Transfer.ChunkSize,
		IOTimeout:    cfg.Transfer.IOTimeout.Duration,
		MaxFileSize:  cfg.Transfer.MaxFileSize,
		OpenReceived: cfg.Transfer.OpenReceived,
		Logger:       logger,
		OnProgress:   onProgress,
		OnReceived: func(transfer models.Transfer) {
			coord.Received(transfer)
			if record != nil {
				record(transfer)
			}
		},
	})
	switch {
	case errors.Is(err, network.ErrNetworkUnavailable):
		logger.Warn("main: receiver disabled, no usable network", slog.Any("error", err))
	case err != nil:
		return fmt.Errorf("startup failed while starting receiver: %w", err)
	default:
		defer func() {
			_ = server.Close()
		}()
	}

	if drop != nil {
		go drop.Run(ctx)
		go trigger.Dispatch(ctx, drop.Events(), coord, logger)
	}

	if dashboard != nil {
		if err := dashboard.Run(ctx); err != nil {
			return fmt.Errorf("dashboard: %w", err)
		}
	} else if f.trigger == "console" {
		console := trigger.NewConsole(os.Stdin, logger)
		go console.Run(ctx)
		go trigger.Dispatch(ctx, console.Events(), coord, logger)
		fmt.Println("Type 's' to send, 'r' to receive, 'q' to quit.")
		select {
		case <-ctx.Done():
		case <-console.Quit():
		}
	} else {
		<-ctx.Done()
	}

	logger.Info("main: shutting down")
	stop()
	waitWithTimeout(coord, shutdownGrace, logger)
	return nil
}

func waitWithTimeout(coord *coordinator.Coordinator, timeout time.Duration, logger *slog.Logger) {
	done := make(chan struct{})
	go func() {
		coord.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(timeout):
		logger.Warn("main: transfer still running at exit", slog.Duration("waited", timeout))
	}
}
