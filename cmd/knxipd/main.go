// knxipd - KNXnet/IP gateway daemon
//
// knxipd holds a tunnelling connection to a KNXnet/IP gateway and exposes
// the bus to the rest of the building:
//   - MQTT command, request, state and health topics
//   - an HTTP API with a WebSocket telegram stream
//   - a SQLite registry of every group address and device seen on the bus
//   - optional InfluxDB history and pcap capture of tunnel traffic
//
// Without an IP gateway, knxipd can run a local knxd that serves a USB or
// TP-UART interface as a KNXnet/IP server and tunnel through it.
//
// Usage:
//
//	knxipd -config /etc/knxip/config.yaml
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nerrad567/gray-logic-knxip/internal/api"
	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx/knxnet"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/capture"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/influxdb"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/mqtt"
	"github.com/nerrad567/gray-logic-knxip/internal/knxd"
	"github.com/nerrad567/gray-logic-knxip/migrations"
)

// Version information - set at build time via ldflags
// Example: go build -ldflags "-X main.version=1.0.0 -X main.commit=abc123"
var (
	version = "dev"     // Semantic version (e.g., "1.0.0")
	commit  = "unknown" // Git commit hash
	date    = "unknown" // Build date
)

const (
	// defaultConfigPath is used when neither -config nor KNXIP_CONFIG is set.
	defaultConfigPath = "configs/config.yaml"

	// startupTimeout bounds the parallel connection phase.
	startupTimeout = 30 * time.Second
)

func main() {
	configPath := flag.String("config", getConfigPath(), "path to the YAML configuration file")
	flag.Parse()

	// Cancel on Ctrl+C and SIGTERM for graceful shutdown
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, *configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// getConfigPath returns the configuration file path.
// Uses KNXIP_CONFIG environment variable if set, otherwise default.
func getConfigPath() string {
	if path := os.Getenv("KNXIP_CONFIG"); path != "" {
		return path
	}
	return defaultConfigPath
}

// services holds everything run starts, so shutdown can close what was
// opened in reverse order.
type services struct {
	knxd     *knxd.Manager
	db       *database.DB
	recorder *knx.GARecorder
	capture  *capture.Recorder
	tunnel   *knx.Tunnel
	mqtt     *mqtt.Client
	influx   *influxdb.Client
	bridge   *knx.Bridge
	api      *api.Server
}

// run is the actual application logic, separated from main for testability.
//
// Parameters:
//   - ctx: Context for cancellation and shutdown signals
//   - configPath: YAML configuration file
//
// Returns:
//   - error: nil on clean shutdown, or error describing failure
func run(ctx context.Context, configPath string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log := logging.New(cfg.Logging, "knxipd", version)
	log.Info("starting knxipd",
		"version", version,
		"commit", commit,
		"build_date", date,
		"config", configPath,
	)

	builder := knx.NewCommandBuilder(nil)
	catalog, err := knx.LoadCatalog(cfg.Bridge.CatalogFile, builder)
	if err != nil {
		return fmt.Errorf("loading catalog: %w", err)
	}
	log.Info("catalog loaded",
		"path", cfg.Bridge.CatalogFile,
		"commands", len(catalog.Commands),
		"status_points", len(catalog.StatusPoints),
	)

	svc := &services{}
	defer svc.shutdown(log)

	if err := svc.startLocalServer(ctx, cfg, log); err != nil {
		return err
	}
	if err := svc.openStorage(ctx, cfg, log); err != nil {
		return err
	}
	if err := svc.connect(ctx, cfg, log); err != nil {
		return err
	}
	if err := svc.startBridge(ctx, cfg, catalog, builder, log); err != nil {
		return err
	}
	if err := svc.startAPI(ctx, cfg, log); err != nil {
		return err
	}

	if err := svc.healthCheck(ctx); err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	log.Info("initialisation complete, waiting for shutdown signal")

	<-ctx.Done()
	log.Info("shutdown signal received, cleaning up")
	return nil
}

// startLocalServer starts the managed knxd. With no gateway configured the
// tunnel is pointed at it.
func (s *services) startLocalServer(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	mgr, err := knxd.NewManager(knxdConfig(cfg.KNXD))
	if err != nil {
		return fmt.Errorf("configuring knxd: %w", err)
	}
	mgr.SetLogger(log)
	s.knxd = mgr

	if !mgr.IsManaged() {
		return nil
	}
	if err := mgr.Start(ctx); err != nil {
		return fmt.Errorf("starting knxd: %w", err)
	}
	if cfg.Tunnel.Gateway == "" {
		cfg.Tunnel.Gateway = mgr.GatewayAddress()
		log.Info("tunnelling through local knxd", "gateway", cfg.Tunnel.Gateway)
	}
	return nil
}

// openStorage opens the database, the address recorder and the capture file.
func (s *services) openStorage(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	if cfg.Bridge.RecordAddresses {
		db, err := database.Open(cfg.Database)
		if err != nil {
			return fmt.Errorf("opening database: %w", err)
		}
		s.db = db
		if err := db.Migrate(ctx, migrations.FS); err != nil {
			return fmt.Errorf("running migrations: %w", err)
		}
		log.Info("database ready", "path", cfg.Database.Path)

		s.recorder = knx.NewGARecorder(db.DB)
		s.recorder.SetLogger(log)
		if err := s.recorder.Start(); err != nil {
			return fmt.Errorf("starting address recorder: %w", err)
		}
	}

	if cfg.Capture.Enabled {
		rec, err := capture.Open(cfg.Capture.Path)
		if err != nil {
			return fmt.Errorf("opening capture: %w", err)
		}
		rec.SetLogger(log)
		s.capture = rec
		log.Info("capturing tunnel traffic", "path", cfg.Capture.Path)
	}
	return nil
}

// connect opens the tunnel, the MQTT session and the InfluxDB client in
// parallel. The first failure cancels the others.
func (s *services) connect(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	opts := []knx.TunnelOption{knx.WithLogger(log)}
	if s.capture != nil {
		opts = append(opts, knx.WithFrameRecorder(s.capture))
	}
	s.tunnel = knx.NewTunnel(tunnelConfig(cfg.Tunnel), opts...)

	startCtx, cancel := context.WithTimeout(ctx, startupTimeout)
	defer cancel()
	g, gctx := errgroup.WithContext(startCtx)

	g.Go(func() error {
		if err := s.tunnel.Connect(gctx); err != nil {
			return fmt.Errorf("connecting tunnel: %w", err)
		}
		stats := s.tunnel.Stats()
		log.Info("tunnel connected",
			"gateway", stats.Gateway,
			"channel", stats.Channel,
			"tunnel_address", stats.TunnelAddress,
		)
		return nil
	})

	if cfg.MQTT.Enabled {
		g.Go(func() error {
			client, err := mqtt.Connect(cfg.MQTT)
			if err != nil {
				return fmt.Errorf("connecting to MQTT: %w", err)
			}
			client.SetLogger(log)
			client.SetOnConnect(func() { log.Info("MQTT connected") })
			client.SetOnDisconnect(func(err error) { log.Warn("MQTT disconnected", "error", err) })
			s.mqtt = client
			log.Info("MQTT connected",
				"broker", fmt.Sprintf("%s:%d", cfg.MQTT.Broker.Host, cfg.MQTT.Broker.Port),
				"client_id", cfg.MQTT.Broker.ClientID,
			)
			return nil
		})
	} else {
		log.Info("MQTT disabled")
	}

	if cfg.InfluxDB.Enabled {
		g.Go(func() error {
			client, err := influxdb.Connect(cfg.InfluxDB)
			if err != nil {
				return fmt.Errorf("connecting to InfluxDB: %w", err)
			}
			client.SetOnError(func(err error) {
				log.Error("InfluxDB write error", "error", err)
			})
			s.influx = client
			log.Info("InfluxDB connected",
				"url", cfg.InfluxDB.URL,
				"org", cfg.InfluxDB.Org,
				"bucket", cfg.InfluxDB.Bucket,
			)
			return nil
		})
	} else {
		log.Info("InfluxDB disabled")
	}

	return g.Wait()
}

// startBridge wires the bridge to the tunnel and the optional sinks.
func (s *services) startBridge(ctx context.Context, cfg *config.Config, catalog *knx.Catalog,
	builder *knx.CommandBuilder, log *logging.Logger) error {
	opts := knx.BridgeOptions{
		ID:             cfg.Instance.ID,
		Version:        version,
		Tunnel:         s.tunnel,
		Catalog:        catalog,
		Builder:        builder,
		Topics:         mqtt.NewTopics(cfg.MQTT.TopicPrefix),
		QoS:            byte(cfg.MQTT.QoS), //nolint:gosec // validated to 0-2
		HealthInterval: cfg.Bridge.HealthInterval,
		ReadInterval:   cfg.Bridge.ReadInterval,
		PollOnStart:    true,
		Logger:         log,
	}

	// Assign interfaces only for non-nil clients so the bridge's nil checks hold
	if s.mqtt != nil {
		opts.MQTTClient = s.mqtt
	}
	if s.recorder != nil {
		opts.Recorder = s.recorder
	}
	if s.influx != nil {
		influx := s.influx
		opts.Values = influx
		opts.OnHealth = func(h knx.HealthMessage) {
			influx.WriteTunnelSample(tunnelSample(h), h.Timestamp)
		}
	}

	bridge, err := knx.NewBridge(opts)
	if err != nil {
		return fmt.Errorf("creating bridge: %w", err)
	}
	s.bridge = bridge

	if err := bridge.Start(ctx); err != nil {
		return fmt.Errorf("starting bridge: %w", err)
	}
	return nil
}

// startAPI starts the HTTP API when enabled.
func (s *services) startAPI(ctx context.Context, cfg *config.Config, log *logging.Logger) error {
	if !cfg.API.Enabled {
		log.Info("HTTP API disabled")
		return nil
	}

	deps := api.Deps{
		Config:  cfg.API,
		WS:      cfg.WebSocket,
		Logger:  log,
		Bridge:  s.bridge,
		DB:      s.db,
		Version: version,
	}
	if s.knxd != nil && s.knxd.IsManaged() {
		deps.LocalServer = s.knxd
	}
	if s.recorder != nil {
		deps.Bus = s.recorder
	}
	if s.mqtt != nil {
		deps.MQTT = s.mqtt
	}

	srv, err := api.New(deps)
	if err != nil {
		return fmt.Errorf("creating API server: %w", err)
	}
	if err := srv.Start(ctx); err != nil {
		return fmt.Errorf("starting API server: %w", err)
	}
	s.api = srv
	return nil
}

// healthCheck verifies all infrastructure connections are healthy.
//
// Returns:
//   - error: First health check failure, or nil if all healthy
func (s *services) healthCheck(ctx context.Context) error {
	if s.knxd != nil {
		if err := s.knxd.HealthCheck(ctx); err != nil {
			return fmt.Errorf("knxd: %w", err)
		}
	}
	if s.db != nil {
		if err := s.db.HealthCheck(ctx); err != nil {
			return fmt.Errorf("database: %w", err)
		}
	}
	if err := s.tunnel.HealthCheck(ctx); err != nil {
		return fmt.Errorf("tunnel: %w", err)
	}
	if s.mqtt != nil {
		if err := s.mqtt.HealthCheck(ctx); err != nil {
			return fmt.Errorf("mqtt: %w", err)
		}
	}
	if s.influx != nil {
		if err := s.influx.HealthCheck(ctx); err != nil {
			return fmt.Errorf("influxdb: %w", err)
		}
	}
	if s.api != nil {
		if err := s.api.HealthCheck(ctx); err != nil {
			return fmt.Errorf("api: %w", err)
		}
	}
	return nil
}

// shutdown stops services in reverse start order. Nil services are skipped.
func (s *services) shutdown(log *logging.Logger) {
	if s.api != nil {
		if err := s.api.Close(); err != nil {
			log.Error("error closing API server", "error", err)
		}
	}
	if s.bridge != nil {
		log.Info("stopping bridge")
		s.bridge.Stop()
	}
	if s.tunnel != nil {
		log.Info("closing tunnel")
		if err := s.tunnel.Close(); err != nil {
			log.Error("error closing tunnel", "error", err)
		}
	}
	if s.influx != nil {
		log.Info("closing InfluxDB connection")
		if err := s.influx.Close(); err != nil {
			log.Error("error closing InfluxDB", "error", err)
		}
	}
	if s.mqtt != nil {
		log.Info("disconnecting from MQTT")
		if err := s.mqtt.Close(); err != nil {
			log.Error("error closing MQTT", "error", err)
		}
	}
	if s.capture != nil {
		if err := s.capture.Close(); err != nil {
			log.Error("error closing capture", "error", err)
		}
		log.Info("capture closed", "packets", s.capture.Packets(), "errors", s.capture.Errors())
	}
	if s.recorder != nil {
		s.recorder.Stop()
	}
	if s.db != nil {
		log.Info("closing database")
		if err := s.db.Close(); err != nil {
			log.Error("error closing database", "error", err)
		}
	}
	if s.knxd != nil {
		if err := s.knxd.Stop(); err != nil {
			log.Error("error stopping knxd", "error", err)
		}
	}
	log.Info("knxipd stopped")
}

// tunnelConfig maps the daemon's tunnel section onto the tunnel settings.
func tunnelConfig(c config.TunnelConfig) knx.TunnelConfig {
	return knx.TunnelConfig{
		Gateway:      c.Gateway,
		LocalAddress: c.LocalAddress,
		NATMode:      c.NATMode,
		Discovery: knxnet.DiscoveryConfig{
			SearchAddress: c.Discovery.SearchAddress,
			Interface:     c.Discovery.Interface,
			Timeout:       c.Discovery.Timeout,
			TTL:           c.Discovery.TTL,
			Loopback:      c.Discovery.Loopback,
			FirstOnly:     true,
		},
		ConnectTimeout:    c.ConnectTimeout,
		AckTimeout:        c.AckTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		HeartbeatTimeout:  c.HeartbeatTimeout,
		HeartbeatRetries:  c.HeartbeatRetries,
		ReconnectInterval: c.ReconnectInterval,
	}
}

// knxdConfig maps the daemon's knxd section onto the manager settings.
func knxdConfig(c config.KNXDConfig) knxd.Config {
	return knxd.Config{
		Managed:         c.Managed,
		Binary:          c.Binary,
		PhysicalAddress: c.PhysicalAddress,
		ClientAddresses: c.ClientAddresses,
		Backend: knxd.BackendConfig{
			Type:            knxd.BackendType(c.Backend.Type),
			Device:          c.Backend.Device,
			USBVendorID:     c.Backend.USBVendorID,
			USBProductID:    c.Backend.USBProductID,
			USBResetOnRetry: c.Backend.USBResetOnRetry,
		},
		ServerPort:          c.ServerPort,
		ServerName:          c.ServerName,
		RestartOnFailure:    c.RestartOnFailure,
		RestartDelay:        c.RestartDelay,
		MaxRestartAttempts:  c.MaxRestartAttempts,
		GracefulTimeout:     c.GracefulTimeout,
		HealthCheckInterval: c.HealthCheckInterval,
		ReadyTimeout:        c.ReadyTimeout,
		LogLevel:            c.LogLevel,
	}
}

// tunnelSample converts a health report into an InfluxDB point.
func tunnelSample(h knx.HealthMessage) influxdb.TunnelSample {
	var sample influxdb.TunnelSample
	if h.Tunnel != nil {
		sample.Gateway = h.Tunnel.Gateway
		sample.Connected = h.Tunnel.State == knx.StateConnected.String()
	}
	if h.Statistics != nil {
		sample.TelegramsTx = h.Statistics.TelegramsTx
		sample.TelegramsRx = h.Statistics.TelegramsRx
		sample.TelegramsDropped = h.Statistics.TelegramsDropped
		sample.AckTimeouts = h.Statistics.AckTimeouts
		sample.Reconnects = h.Statistics.Reconnects
	}
	return sample
}
