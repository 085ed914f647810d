// Gray Logic Realtime - IoT real-time communication layer
//
// This is the entry point of the real-time service. It keeps a managed
// MQTT connection to the device broker, decodes device data and status
// messages, relays them to dashboards, runs the companion streaming client
// and serves a read-only status API.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/urfave/cli/v2"
	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-realtime/internal/api"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/cache"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-realtime/internal/infrastructure/stream"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

const (
	// defaultConfigPath is used when neither --config nor REALTIME_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// shutdownTimeout bounds the graceful MQTT disconnect.
	shutdownTimeout = 5 * time.Second

	// cachePurgeInterval is how often expired status entries are dropped.
	cachePurgeInterval = time.Minute
)

var (
	flagConfig = &cli.StringFlag{
		Name:    "config",
		Aliases: []string{"c"},
		Usage:   "path to the YAML configuration file",
		EnvVars: []string{"REALTIME_CONFIG"},
		Value:   defaultConfigPath,
	}
	flagLogLevel = &cli.StringFlag{
		Name:  "log-level",
		Usage: "override logging.level (debug, info, warn, error)",
	}
)

func main() {
	app := newApp()
	if err := app.Run(os.Args); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:    "realtime",
		Usage:   "IoT real-time communication layer",
		Version: fmt.Sprintf("%s (commit %s, built %s)", version, commit, date),
		Flags:   []cli.Flag{flagConfig, flagLogLevel},
		Action: func(c *cli.Context) error {
			// Cancel on interrupt signals (Ctrl+C, SIGTERM) for graceful shutdown
			ctx, cancel := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
			defer cancel()

			return run(ctx, c.String(flagConfig.Name), c.String(flagLogLevel.Name))
		},
	}
}

// run loads configuration, starts every component and blocks until ctx is
// cancelled or a component fails.
func run(ctx context.Context, configPath, logLevel string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}
	if logLevel != "" {
		cfg.Logging.Level = logLevel
	}

	log := logging.New(cfg.Logging, version)
	logStartup(log)
	log.Info("configuration loaded", "path", configPath, "level", cfg.Logging.Level)

	mqttClient, err := mqtt.New(cfg.MQTT)
	if err != nil {
		return fmt.Errorf("creating MQTT client: %w", err)
	}
	mqttClient.SetLogger(log.With("component", "mqtt"))
	mqttClient.SetErrorReporter(log)

	var statusCache *cache.TTLCache
	if cfg.Cache.Enabled {
		statusCache = cache.New()
		mqttClient.SetStatusCache(statusCache, cfg.Cache.StatusTTL)
	}

	mqttClient.OnStatusChange(func(current, previous mqtt.Status) {
		log.Info("MQTT status changed", "from", previous, "to", current)
	})

	var streamClient *stream.Client
	if cfg.Stream.URL != "" {
		streamClient, err = stream.New(cfg.Stream)
		if err != nil {
			return fmt.Errorf("creating stream client: %w", err)
		}
		streamClient.SetLogger(log.With("component", "stream"))
		streamClient.SetErrorReporter(log)
		streamClient.OnStatus(func(current, previous stream.Status) {
			log.Info("stream status changed", "from", previous, "to", current)
		})
		streamClient.OnMessage(func(msg json.RawMessage) {
			log.Debug("stream message", "payload", string(msg))
		})
	}

	var apiServer *api.Server
	if cfg.API.Enabled {
		deps := api.Deps{
			Config:  cfg.API,
			Logger:  log.With("component", "api"),
			MQTT:    mqttClient,
			Version: version,
		}
		if streamClient != nil {
			deps.Stream = streamClient
		}
		apiServer, err = api.New(deps)
		if err != nil {
			return fmt.Errorf("creating API server: %w", err)
		}
	}

	mqttClient.OnDeviceData(func(p mqtt.DeviceDataPoint) {
		log.Debug("device data", "device_id", p.DeviceID, "sensor", p.Sensor, "value", p.Value, "unit", p.Unit)
		if apiServer != nil {
			apiServer.Hub().RelayDeviceData(p)
		}
	})
	mqttClient.OnDeviceStatus(func(u mqtt.DeviceStatusUpdate) {
		log.Info("device status", "device_id", u.DeviceID, "status", u.Status)
		if apiServer != nil {
			apiServer.Hub().RelayDeviceStatus(u)
		}
	})

	if err := mqttClient.Connect(ctx); err != nil {
		return fmt.Errorf("connecting to MQTT: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		log.Info("disconnecting from MQTT")
		if closeErr := mqttClient.Disconnect(shutdownCtx); closeErr != nil {
			log.Error("error disconnecting MQTT", "error", closeErr)
		}
	}()
	log.Info("MQTT connected", "broker", cfg.MQTT.BrokerAddress(), "client_id", mqttClient.ClientID())

	if err := mqttClient.SubscribeToAllDevices(ctx); err != nil {
		return fmt.Errorf("subscribing to devices: %w", err)
	}

	if streamClient != nil {
		// The stream is a companion feed; the service keeps running without it.
		if err := streamClient.Connect(ctx); err != nil {
			log.Warn("stream connect failed", "url", cfg.Stream.URL, "error", err)
		}
		defer func() {
			if closeErr := streamClient.Disconnect(); closeErr != nil {
				log.Error("error closing stream", "error", closeErr)
			}
		}()
	}

	if apiServer != nil {
		if err := apiServer.Start(ctx); err != nil {
			return fmt.Errorf("starting API server: %w", err)
		}
		defer func() {
			if closeErr := apiServer.Close(); closeErr != nil {
				log.Error("error closing API server", "error", closeErr)
			}
		}()
	}

	g, gctx := errgroup.WithContext(ctx)
	if statusCache != nil {
		g.Go(func() error {
			purgeLoop(gctx, statusCache, log)
			return nil
		})
	}
	g.Go(func() error {
		return watchMQTT(gctx, mqttClient)
	})

	log.Info("Gray Logic Realtime started")
	if err := g.Wait(); err != nil {
		log.Error("shutting down after component failure", "error", err)
		return err
	}
	log.Info("shutdown signal received")
	return nil
}

// logStartup records build information. The logger already carries the
// version as a default field.
func logStartup(log *logging.Logger) {
	log.Info("starting Gray Logic Realtime",
		"commit", commit,
		"build_date", date,
	)
}

// purgeLoop drops expired status entries until ctx is cancelled.
func purgeLoop(ctx context.Context, c *cache.TTLCache, log *logging.Logger) {
	ticker := time.NewTicker(cachePurgeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Purge(); n > 0 {
				log.Debug("purged expired device status", "count", n)
			}
		}
	}
}

// watchMQTT fails the group when the MQTT client gives up reconnecting,
// so the process exits and a supervisor can restart it. It returns nil once
// ctx is done, however ctx ended.
func watchMQTT(ctx context.Context, c *mqtt.Client) error {
	failed := make(chan error, 1)
	remove := c.OnError(func(err error) {
		if errors.Is(err, mqtt.ErrMaxReconnectAttempts) {
			select {
			case failed <- err:
			default:
			}
		}
	})
	defer remove()

	select {
	case <-ctx.Done():
		return nil
	case err := <-failed:
		return err
	}
}
