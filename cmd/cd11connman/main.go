package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/r-smith/cd11connman/internal/admin"
	"github.com/r-smith/cd11connman/internal/broker"
	"github.com/r-smith/cd11connman/internal/config"
	"github.com/r-smith/cd11connman/internal/console"
	"github.com/r-smith/cd11connman/internal/metrics"
	"github.com/r-smith/cd11connman/internal/stationfile"
	"golang.org/x/sync/errgroup"
)

func main() {
	os.Exit(run())
}

func run() int {
	cfg := config.Default()

	// Parse command line flags.
	configPath := flag.String("config", "", "Path to optional XML configuration file")
	flag.StringVar(&cfg.Broker.BindAddress, "bind", config.DefaultBindAddress, "Address to listen on for provider connections")
	flag.IntVar(&cfg.Broker.Port, "port", config.DefaultPort, "Port number to listen on for provider connections")
	flag.IntVar(&cfg.Broker.ReadTimeoutMs, "read-timeout", config.DefaultReadTimeoutMs, "Milliseconds to wait for a connection request")
	flag.StringVar(&cfg.LogPath, "log", config.DefaultLogPath, "Path to event log file")
	flag.StringVar(&cfg.StationsPath, "stations", config.DefaultStationsPath, "Path to optional station file")
	flag.IntVar(&cfg.Admin.Port, "admin-port", config.DefaultAdminPort, "Port number to listen on for the admin server")
	flag.BoolVar(&cfg.Admin.Enabled, "enable-admin", config.DefaultEnableAdmin, "Enable the admin server")
	verbose := flag.Bool("verbose", false, "Print debug messages")
	flag.Parse()

	console.SetVerbose(*verbose)

	// If the `-config` flag is not provided, use "config.xml" from the current
	// directory if the file exists.
	if *configPath == "" {
		if _, err := os.Stat("config.xml"); err == nil {
			*configPath = "config.xml"
		}
	}

	// If a config file is specified, load it. Flags given explicitly on the
	// command line override the file.
	if *configPath != "" {
		console.Info(console.Cfg, "Using configuration file: '%s'", *configPath)
		cfgFromFile, err := config.Load(*configPath)
		if err != nil {
			console.Errors(console.Cfg, "Failed to load configuration file: ", err)
			return 1
		}
		cfg = applyFlagOverrides(*cfgFromFile, cfg)
	}
	if err := cfg.Validate(); err != nil {
		console.Errors(console.Cfg, "Invalid settings: ", err)
		return 1
	}

	// Initialize the structured event logger.
	if err := cfg.InitializeLogger(); err != nil {
		console.Error(console.Main, "Failed to initialize logging: %v", err)
		return 1
	}
	defer cfg.CloseLogFile()

	m := metrics.New(metrics.DefaultNamespace)
	b := broker.New(cfg.Broker, broker.WithLogger(cfg.Logger), broker.WithMetrics(m))

	static := make(map[string]bool, len(cfg.Stations))
	for _, s := range cfg.Stations {
		b.RegisterStation(s.Name, s.ProviderAddress, s.ConsumerAddress, uint16(s.ConsumerPort))
		static[s.Name] = true
	}
	if len(cfg.Stations) > 0 {
		console.Info(console.Cfg, "Registered %d stations from the configuration file", len(cfg.Stations))
	}

	if err := b.Start(); err != nil {
		return 1
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	// Stop the broker when a signal arrives or another component fails.
	g.Go(func() error {
		<-ctx.Done()
		console.Info(console.Main, "Shutting down")
		b.Stop()
		b.WaitUntilStopped()
		b.WaitHandlers()
		return nil
	})

	// Report an accept loop that ends on its own.
	g.Go(func() error {
		select {
		case <-ctx.Done():
			return nil
		case <-brokerDone(b):
		}
		if err := b.Err(); err != nil {
			return fmt.Errorf("broker: %w", err)
		}
		return nil
	})

	if cfg.StationsPath != "" {
		if err := stationfile.Init(cfg.StationsPath); err != nil {
			console.Warning(console.Cfg, "Could not initialize station file: %v", err)
		}
		w := &stationfile.Watcher{
			Path:     cfg.StationsPath,
			Interval: config.DefaultStationsInterval,
			Target:   b,
			Static:   static,
			Logger:   cfg.Logger,
		}
		g.Go(func() error { return w.Run(ctx) })
	}

	if cfg.Admin.Enabled {
		srv := admin.New(cfg.Admin, b,
			admin.WithMetrics(m),
			admin.WithMonitor(cfg.Monitor),
			admin.WithLogger(cfg.Logger),
		)
		g.Go(func() error { return srv.Run(ctx) })
	}

	g.Go(func() error {
		return reportStats(ctx, b)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		console.Error(console.Main, "Shutting down: %v", err)
		return 1
	}
	return 0
}

// brokerDone returns a channel closed when the broker's accept loop exits.
func brokerDone(b *broker.Broker) <-chan struct{} {
	ch := make(chan struct{})
	go func() {
		b.WaitUntilStopped()
		close(ch)
	}()
	return ch
}

// reportStats prints connection counters once an hour.
func reportStats(ctx context.Context, b *broker.Broker) error {
	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			c := b.ConnectionCounts()
			console.Info(console.Stat, "%d stations, %d recent connections (%d accepted, %d rejected)", b.StationCount(), c.Total, c.Accepted, c.Rejected)
		}
	}
}

// applyFlagOverrides copies settings from flags that were set explicitly on
// the command line onto the file configuration.
func applyFlagOverrides(file, flags config.Config) config.Config {
	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "bind":
			file.Broker.BindAddress = flags.Broker.BindAddress
		case "port":
			file.Broker.Port = flags.Broker.Port
		case "read-timeout":
			file.Broker.ReadTimeoutMs = flags.Broker.ReadTimeoutMs
		case "log":
			file.LogPath = flags.LogPath
		case "stations":
			file.StationsPath = flags.StationsPath
		case "admin-port":
			file.Admin.Port = flags.Admin.Port
		case "enable-admin":
			file.Admin.Enabled = flags.Admin.Enabled
		}
	})
	return file
}
