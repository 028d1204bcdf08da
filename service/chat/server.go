package chat

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"PPGateway/global/config"
	"PPGateway/logger"
	"PPGateway/middleware"
	"PPGateway/middleware/security"
	"PPGateway/service/auth"
	"PPGateway/service/backend"
	"PPGateway/service/bus"
	"PPGateway/service/metrics"
	"PPGateway/tools/errs"
	"PPGateway/tools/ids"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

// TokenValidator is the admission-time token check.
type TokenValidator interface {
	Validate(ctx context.Context, token string) (*auth.Claims, error)
	Start()
	Close()
}

// Deps overrides the collaborators NewServer would otherwise build from config.
type Deps struct {
	Bus       bus.Bus
	Validator TokenValidator
	Backend   ActionBackend
	Metrics   *metrics.Gateway
}

// Server is one gateway instance: admission, hub-owned state, forwarding and
// the operational endpoints. Nothing in it is package-global.
type Server struct {
	cfg *config.AppConfig

	hub       *Hub
	mux       *Multiplexer
	registry  *Registry
	bus       bus.Bus
	validator TokenValidator
	forwarder *Forwarder
	metrics   *metrics.Gateway
	ids       *ids.Generator
	sup       Supervisor
	upgrader  websocket.Upgrader

	started      time.Time
	active       atomic.Int64
	shuttingDown atomic.Bool
	connMu       sync.Mutex
	conns        sync.WaitGroup
	shutdownOnce sync.Once
	shutdownErr  error
}

func NewServer(cfg *config.AppConfig, deps Deps) (*Server, error) {
	if deps.Bus == nil {
		deps.Bus = bus.New(BusConfig(cfg))
	}
	if deps.Backend == nil || deps.Validator == nil {
		bc := backend.New(backend.Options{BaseURL: cfg.BackendURL, Timeout: cfg.BackendTimeout})
		if deps.Backend == nil {
			deps.Backend = bc
		}
		if deps.Validator == nil {
			v, err := auth.NewValidator(auth.Options{
				Secret:        []byte(cfg.JWTSecret),
				Alg:           cfg.JWTAlgorithm,
				Issuer:        cfg.JWTIssuer,
				TTL:           cfg.TokenCacheTTL,
				CacheSize:     cfg.TokenCacheSize,
				SweepInterval: cfg.TokenSweepInterval,
				RemoteTimeout: cfg.BackendTimeout,
			}, bc)
			if err != nil {
				return nil, err
			}
			deps.Validator = v
		}
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New(deps.Bus.IsConnected)
	}

	fwd, err := NewForwarder(deps.Backend, cfg.ForwardConcurrency, cfg.BackendTimeout)
	if err != nil {
		return nil, err
	}

	s := &Server{
		cfg:       cfg,
		started:   time.Now(),
		hub:       NewHub(0),
		bus:       deps.Bus,
		validator: deps.Validator,
		forwarder: fwd,
		metrics:   deps.Metrics,
		ids:       ids.NewGenerator(int64(cfg.WorkerID)),
		sup:       Supervisor{Interval: cfg.HeartbeatEvery, WriteWait: cfg.ConnTimeout},
		upgrader: websocket.Upgrader{
			ReadBufferSize:   4096,
			WriteBufferSize:  4096,
			HandshakeTimeout: cfg.ConnTimeout,
			CheckOrigin:      middleware.OriginAllowed(cfg.AllowedOrigins),
		},
	}
	s.mux = NewMultiplexer(s.bus, cfg.BusConnectTimeout)
	s.registry = NewRegistry(s.mux, Channels{Public: cfg.PublicChannel, UserSuffixes: cfg.UserChannels}, cfg.MaxConnections)
	s.wireMetrics()
	return s, nil
}

// BusConfig maps the app config onto the bus driver config.
func BusConfig(cfg *config.AppConfig) bus.Config {
	return bus.Config{
		Enabled:        cfg.BusEnabled,
		Driver:         cfg.BusDriver,
		Addr:           cfg.BusAddr(),
		Username:       cfg.BusUsername,
		Password:       cfg.BusPassword,
		DB:             cfg.BusDB,
		NatsURL:        cfg.NatsURL,
		ConnectTimeout: cfg.BusConnectTimeout,
		ReconnectMin:   cfg.BusReconnectMin,
		ReconnectMax:   cfg.BusReconnectMax,
	}
}

func (s *Server) wireMetrics() {
	m := s.metrics
	s.mux.OnDispatch = func(_ string, delivered int) {
		if delivered == 0 {
			m.BusMessages.WithLabelValues("unrouted").Inc()
			return
		}
		m.BusMessages.WithLabelValues("delivered").Inc()
		m.Deliveries.Add(float64(delivered))
	}
	s.registry.OnChange = func(active int) {
		s.active.Store(int64(active))
		m.ActiveConnections.Set(float64(active))
		m.UpstreamChannels.Set(float64(len(s.mux.chans)))
	}
	s.registry.OnEvict = func(Conn, error) { m.Evictions.Inc() }
	s.forwarder.OnResult = func(_ string, err error, took time.Duration) {
		m.ObserveForward(err, errors.Is(err, errs.ErrForwarderBusy), took)
	}
}

// Routes mounts every endpoint on r.
func (s *Server) Routes(r *gin.Engine) {
	mw := middleware.NewManager()
	mw.Add(middleware.AccessLog())
	r.Use(gin.Recovery(), mw.Use())

	r.GET(s.cfg.WSPath, s.HandleWS)
	middleware.GET(r, "/health", s.handleHealth, middleware.RouteOpt{})
	middleware.GET(r, "/stats", s.handleStats, middleware.RouteOpt{})
	middleware.GET(r, "/stats/channels", s.handleChannels, middleware.RouteOpt{})
	middleware.GET(r, "/metrics", gin.WrapH(s.metrics.Handler()), middleware.RouteOpt{})
	middleware.POST(r, "/internal/broadcast", s.handleBroadcast, middleware.RouteOpt{
		IsAuth: true,
		Auth:   security.DefaultOptions(s.cfg.InternalAPIKey),
	})
}

// Run starts the bus, the hub and the token sweep, blocks until ctx is
// done, then shuts down within ShutdownTimeout.
func (s *Server) Run(ctx context.Context) error {
	s.validator.Start()
	if err := s.bus.Start(ctx, s.onBusMessage); err != nil {
		logger.Error("bus start failed, push delivery disabled", zap.Error(err))
	}
	go s.hub.Run()
	logger.Info("gateway running",
		zap.String("listen", s.cfg.ListenAddr()), zap.Int("maxConnections", s.cfg.MaxConnections),
		zap.Bool("busConnected", s.bus.IsConnected()))

	<-ctx.Done()
	sctx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownTimeout)
	defer cancel()
	return s.Shutdown(sctx)
}

// Ready reports whether connections are being admitted.
func (s *Server) Ready() bool { return s.hub.Running() && !s.shuttingDown.Load() }

func (s *Server) onBusMessage(channel string, payload []byte) {
	s.hub.Post(func() { s.mux.Dispatch(channel, payload) })
}

// Shutdown closes every socket with 1001, waits for connection goroutines
// and in-flight forwards, then stops the hub, bus and token sweep.
func (s *Server) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.connMu.Lock()
		s.shuttingDown.Store(true)
		s.connMu.Unlock()
		logger.Info("gateway shutting down", zap.Int64("active", s.active.Load()))

		_ = s.hub.Call(func() {
			s.registry.Each(func(c Conn) { c.Close(errs.CloseGoingAway, "Server shutting down") })
		})

		waited := make(chan struct{})
		go func() {
			s.conns.Wait()
			close(waited)
		}()
		select {
		case <-waited:
		case <-ctx.Done():
			s.shutdownErr = errs.WrapMsg(ctx.Err(), "connections still open at shutdown")
		}

		if dl, ok := ctx.Deadline(); ok {
			s.forwarder.Release(time.Until(dl))
		} else {
			s.forwarder.Release(time.Second)
		}
		s.hub.Stop()
		if err := s.bus.Close(); err != nil {
			logger.Warn("bus close failed", zap.Error(err))
		}
		s.validator.Close()
	})
	return s.shutdownErr
}

// HealthReport is the /health body.
type HealthReport struct {
	Status       string  `json:"status"`
	Uptime       float64 `json:"uptime"`
	Connections  int64   `json:"connections"`
	BusConnected bool    `json:"busConnected"`
	Mode         string  `json:"mode"`
	WorkerID     int     `json:"workerId"`
}

func (s *Server) Health() HealthReport {
	up := s.bus.IsConnected()
	h := HealthReport{
		Status:       "ok",
		Uptime:       time.Since(s.started).Seconds(),
		Connections:  s.active.Load(),
		BusConnected: up,
		Mode:         "full",
		WorkerID:     s.cfg.WorkerID,
	}
	if !up {
		h.Mode = "standalone"
		if s.cfg.BusEnabled {
			h.Status = "degraded"
		}
	}
	if !s.Ready() {
		h.Status = "unavailable"
	}
	return h
}

// Healthy is the gRPC view of Health.
func (s *Server) Healthy() bool { return s.Health().Status != "unavailable" }

func (s *Server) handleHealth(c *gin.Context) {
	h := s.Health()
	code := http.StatusOK
	if h.Status == "unavailable" {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, h)
}

// Stats is a consistent snapshot taken on the hub.
func (s *Server) Stats() (Stats, error) {
	var st Stats
	err := s.hub.Call(func() { st = s.registry.Stats() })
	return st, err
}

func (s *Server) handleStats(c *gin.Context) {
	st, err := s.Stats()
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errs.Message(err)})
		return
	}
	c.JSON(http.StatusOK, st)
}

type channelStats struct {
	ChannelInfo
	Remote *int64 `json:"remoteSubscribers,omitempty"`
}

func (s *Server) handleChannels(c *gin.Context) {
	var infos []ChannelInfo
	if err := s.hub.Call(func() { infos = s.mux.Channels() }); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": errs.Message(err)})
		return
	}
	out := make([]channelStats, 0, len(infos))
	insp, _ := s.bus.(bus.Inspector)
	for _, in := range infos {
		cs := channelStats{ChannelInfo: in}
		if insp != nil && s.bus.IsConnected() {
			ctx, cancel := context.WithTimeout(c.Request.Context(), s.cfg.BusConnectTimeout)
			if n, err := insp.RemoteSubscribers(ctx, in.Channel); err == nil {
				cs.Remote = &n
			}
			cancel()
		}
		out = append(out, cs)
	}
	c.JSON(http.StatusOK, gin.H{"busConnected": s.bus.IsConnected(), "channels": out})
}

type broadcastRequest struct {
	Channel string          `json:"channel" binding:"required"`
	Payload json.RawMessage `json:"payload" binding:"required"`
}

// handleBroadcast publishes onto the bus so every worker delivers it.
func (s *Server) handleBroadcast(c *gin.Context) {
	var req broadcastRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}
	if err := s.bus.Publish(c.Request.Context(), req.Channel, req.Payload); err != nil {
		code := http.StatusInternalServerError
		if errors.Is(err, errs.ErrBusNotConnected) {
			code = http.StatusServiceUnavailable
		}
		c.JSON(code, gin.H{"published": false, "error": errs.Message(err)})
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"published": true, "channel": req.Channel})
}
