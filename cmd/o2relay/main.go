package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"codeberg.org/mutker/o2relay/internal/alerts"
	"codeberg.org/mutker/o2relay/internal/ble"
	"codeberg.org/mutker/o2relay/internal/clock"
	"codeberg.org/mutker/o2relay/internal/collector"
	"codeberg.org/mutker/o2relay/internal/config"
	"codeberg.org/mutker/o2relay/internal/errors"
	"codeberg.org/mutker/o2relay/internal/logger"
	"codeberg.org/mutker/o2relay/internal/pid"
	"codeberg.org/mutker/o2relay/internal/queue"
	"codeberg.org/mutker/o2relay/internal/relay"
)

const versionCheckTimeout = 10 * time.Second

var cfg *config.Config

func init() {
	var err error
	cfg, err = config.Load()
	if err != nil {
		fmt.Printf("failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger.Init(cfg.Debug, cfg.Verbose, logger.IsService(), cfg.LogFile)
	if !cfg.Debug && !cfg.Verbose {
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			fmt.Printf("invalid log level: %v\n", err)
			os.Exit(1)
		}
		logger.SetLogLevel(level)
	}
	logger.Debug().Msg("Config loaded")
}

func main() {
	if err := pid.Write(); err != nil {
		if errors.CodeOf(err) == errors.ErrAlreadyRunning {
			logger.Fatal().Msg("Another instance is already running")
		}
		logger.Fatal().Err(err).Msg("Failed to write PID file")
	}
	defer func() {
		if err := pid.Remove(); err != nil {
			logger.Error().Err(err).Msg("Failed to remove PID file")
		}
	}()

	machine, store, err := buildRelay()
	if err != nil {
		logger.Error().Err(err).Msg("Failed to initialize relay")
		return
	}
	defer store.Close()

	if err := machine.Start(); err != nil {
		logger.Error().Err(err).Msg("Failed to start relay session")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go handleSignals(cancel)

	<-ctx.Done()
	machine.Stop()

	stats := machine.Stats()
	logger.Info().
		Int("sent", stats.Sent).
		Int("queued", stats.Queued).
		Int("flushed", stats.Flushed).
		Msg("Exiting...")
}

func buildRelay() (*relay.Machine, queue.Store, error) {
	client, err := collector.New(collector.Config{
		BaseURL:  cfg.CollectorURL,
		DeviceID: cfg.DeviceID,
	})
	if err != nil {
		return nil, nil, err
	}

	logVersion(client)

	store, err := queue.NewStore(queue.Config{DBPath: cfg.QueueDB})
	if err != nil {
		return nil, nil, err
	}

	clk := clock.New()

	var evaluator *alerts.Evaluator
	if cfg.AlertsEnabled {
		evaluator = alerts.NewEvaluator(alerts.DefaultConfig(), clk, nil)
	}

	machine := relay.New(relay.Config{
		CheckInterval:   cfg.CheckIntervalDuration(),
		ReadingInterval: cfg.ReadingIntervalDuration(),
		RetryInterval:   cfg.RetryIntervalDuration(),
		BatchSize:       cfg.BatchSize,
	}, relay.Deps{
		Clock:     clk,
		Collector: client,
		Store:     store,
		Alerts:    evaluator,
	})

	transport, err := ble.NewBlueZTransport()
	if err != nil {
		store.Close()
		return nil, nil, err
	}

	link := ble.NewMachine(transport, clk, ble.Config{
		Filter: ble.Filter{
			MAC:        cfg.DeviceMAC,
			NamePrefix: cfg.DeviceNamePrefix,
		},
		ScanTimeout:    cfg.ScanTimeoutDuration(),
		ConnectTimeout: cfg.ConnectTimeoutDuration(),
	}, ble.Hooks{
		LinkUp:   machine.HandleLinkUp,
		LinkDown: machine.HandleLinkDown,
		Reading:  machine.HandleReading,
	})
	machine.BindLink(link)

	return machine, store, nil
}

// logVersion asks the collector for its advisory app version. Purely
// informational; the relay runs regardless.
func logVersion(client *collector.Client) {
	ctx, cancel := context.WithTimeout(context.Background(), versionCheckTimeout)
	defer cancel()

	version, err := client.GetVersion(ctx)
	if err != nil {
		logger.Debug().Err(err).Msg("Collector version check failed")
		return
	}

	logger.Info().
		Str("version", version.Version).
		Int("version_code", version.VersionCode).
		Msg("Collector app version")
}

func handleSignals(cancel context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	<-sigs
	logger.Info().Msg("Received termination signal.")
	cancel()
}
