package api

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nerrad567/gray-logic-knxip/internal/bridges/knx"
	"github.com/nerrad567/gray-logic-knxip/internal/commissioning/etsimport"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/config"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/database"
	"github.com/nerrad567/gray-logic-knxip/internal/infrastructure/logging"
	"github.com/nerrad567/gray-logic-knxip/internal/knxd"
)

const gracefulShutdownTimeout = 10 * time.Second

// BusRecorder lists what passive discovery has seen. *knx.GARecorder
// implements it.
type BusRecorder interface {
	GroupAddresses(ctx context.Context) ([]knx.SeenGroupAddress, error)
	Devices(ctx context.Context) ([]knx.SeenDevice, error)
}

// ConnectionStatus is satisfied by *mqtt.Client.
type ConnectionStatus interface {
	IsConnected() bool
}

// LocalServer is satisfied by *knxd.Manager.
type LocalServer interface {
	Stats() knxd.Stats
}

// Deps wires the server. Logger and Bridge are required. Without Bus the
// discovery endpoints answer 503; DB, MQTT and LocalServer only feed
// /api/v1/metrics.
type Deps struct {
	Config  config.APIConfig
	WS      config.WebSocketConfig
	Logger  *logging.Logger
	Version string

	Bridge      *knx.Bridge
	Bus         BusRecorder
	DB          *database.DB
	MQTT        ConnectionStatus
	LocalServer LocalServer
}

// Server serves the REST API and the telegram WebSocket. Build it with
// New, then either mount Handler or call Start.
type Server struct {
	cfg       config.APIConfig
	wsCfg     config.WebSocketConfig
	logger    *logging.Logger
	bridge    *knx.Bridge
	bus       BusRecorder
	db        *database.DB
	mqtt      ConnectionStatus
	knxd      LocalServer
	parser    *etsimport.Parser
	version   string
	startTime time.Time

	hub       *Hub
	stateOnce sync.Once

	server *http.Server
	ln     net.Listener
	stop   context.CancelFunc
}

// New checks that Logger and Bridge are set. Nothing listens until Start.
func New(deps Deps) (*Server, error) {
	switch {
	case deps.Logger == nil:
		return nil, errors.New("logger is required")
	case deps.Bridge == nil:
		return nil, errors.New("knx bridge is required")
	}

	s := &Server{
		cfg:       deps.Config,
		wsCfg:     deps.WS,
		logger:    deps.Logger,
		bridge:    deps.Bridge,
		bus:       deps.Bus,
		db:        deps.DB,
		mqtt:      deps.MQTT,
		knxd:      deps.LocalServer,
		parser:    etsimport.NewParserWithRegistry(deps.Bridge.Builder().Registry()),
		version:   deps.Version,
		startTime: time.Now(),
	}
	s.hub = NewHub(s.logger, deps.Bridge.Read)
	return s, nil
}

// Handler is the routed API. The first call also feeds the bridge's state
// stream into the WebSocket hub.
func (s *Server) Handler() http.Handler {
	s.stateOnce.Do(func() { s.bridge.OnState(s.hub.Publish) })
	return s.buildRouter()
}

// Start binds the listen address, so a port in use fails here, then serves
// in the background until Close.
func (s *Server) Start(ctx context.Context) error {
	secs := func(n int) time.Duration { return time.Duration(n) * time.Second }
	addr := net.JoinHostPort(s.cfg.Host, strconv.Itoa(s.cfg.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}

	hubCtx, stop := context.WithCancel(ctx)
	go s.hub.Run(hubCtx)

	s.ln, s.stop = ln, stop
	s.server = &http.Server{
		Handler:           s.Handler(),
		ReadTimeout:       secs(s.cfg.Timeouts.Read),
		ReadHeaderTimeout: secs(s.cfg.Timeouts.Read),
		WriteTimeout:      secs(s.cfg.Timeouts.Write),
		IdleTimeout:       secs(s.cfg.Timeouts.Idle),
	}

	tls := s.cfg.TLS
	s.logger.Info("API server listening", "address", ln.Addr().String(), "tls", tls.Enabled)
	go func() {
		var err error
		if tls.Enabled {
			err = s.server.ServeTLS(ln, tls.CertFile, tls.KeyFile)
		} else {
			err = s.server.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("API server stopped", "error", err)
		}
	}()
	return nil
}

// Addr is the bound address after Start, or "".
func (s *Server) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

// Close stops the hub and gives in-flight requests up to
// gracefulShutdownTimeout to finish.
func (s *Server) Close() error {
	if s.server == nil {
		return nil
	}
	s.stop()

	ctx, cancel := context.WithTimeout(context.Background(), gracefulShutdownTimeout)
	defer cancel()
	s.logger.Info("API server shutting down")
	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("shutting down API server: %w", err)
	}
	return nil
}

// HealthCheck fails before Start.
func (s *Server) HealthCheck(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("api health check: %w", err)
	}
	if s.server == nil {
		return errors.New("api server not started")
	}
	return nil
}
