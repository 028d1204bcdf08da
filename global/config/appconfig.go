package config

import (
	"net"
	"strconv"
	"time"
)

// AppConfig is the full configuration surface of one gateway process.
type AppConfig struct {
	// listener
	Host            string        `koanf:"host" validate:"required"`
	Port            int           `koanf:"port" validate:"min=1,max=65535"`
	WSPath          string        `koanf:"ws_path" validate:"required,startswith=/"`
	MaxConnections  int           `koanf:"max_connections" validate:"min=1"`
	HeartbeatEvery  time.Duration `koanf:"heartbeat_interval" validate:"min=100ms"`
	ConnTimeout     time.Duration `koanf:"connection_timeout" validate:"min=100ms"`
	SendQueueSize   int           `koanf:"send_queue_size" validate:"min=1"`
	MaxMessageSize  int64         `koanf:"max_message_size" validate:"min=512"`
	ShutdownTimeout time.Duration `koanf:"shutdown_timeout" validate:"min=0"`
	AllowedOrigins  []string      `koanf:"allowed_origins"`

	// bus
	BusEnabled        bool          `koanf:"bus_enabled"`
	BusDriver         string        `koanf:"bus_driver" validate:"oneof=redis nats memory"`
	BusHost           string        `koanf:"bus_host"`
	BusPort           int           `koanf:"bus_port" validate:"min=0,max=65535"`
	BusUsername       string        `koanf:"bus_username"`
	BusPassword       string        `koanf:"bus_password"`
	BusDB             int           `koanf:"bus_db" validate:"min=0"`
	BusConnectTimeout time.Duration `koanf:"bus_connect_timeout" validate:"min=100ms"`
	BusReconnectMin   time.Duration `koanf:"bus_reconnect_min" validate:"min=10ms"`
	BusReconnectMax   time.Duration `koanf:"bus_reconnect_max" validate:"gtefield=BusReconnectMin"`
	NatsURL           string        `koanf:"nats_url"`
	PublicChannel     string        `koanf:"public_channel" validate:"required"`
	UserChannels      []string      `koanf:"user_channels" validate:"min=1,dive,required"`

	// backend
	BackendURL         string        `koanf:"backend_url" validate:"required,url"`
	BackendTimeout     time.Duration `koanf:"backend_timeout" validate:"min=100ms"`
	ForwardConcurrency int           `koanf:"forward_concurrency" validate:"min=1"`

	// token
	JWTSecret          string        `koanf:"jwt_secret"`
	JWTAlgorithm       string        `koanf:"jwt_algorithm" validate:"oneof=HS256 HS384 HS512"`
	JWTIssuer          string        `koanf:"jwt_issuer"`
	TokenCacheTTL      time.Duration `koanf:"token_cache_ttl" validate:"min=1s"`
	TokenCacheSize     int           `koanf:"token_cache_size" validate:"min=1"`
	TokenSweepInterval time.Duration `koanf:"token_sweep_interval" validate:"min=1s"`

	// process group
	Workers        int  `koanf:"workers" validate:"min=1,max=1024"`
	WorkerID       int  `koanf:"worker_id" validate:"min=0,max=1023"`
	ReusePort      bool `koanf:"reuse_port"`
	GrpcHealthPort int  `koanf:"grpc_health_port" validate:"min=0,max=65535"`

	InternalAPIKey string `koanf:"internal_api_key"`

	LogLevel string `koanf:"log_level" validate:"oneof=debug info warn error"`
	LogFile  string `koanf:"log_file"`
}

func (c *AppConfig) ListenAddr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

func (c *AppConfig) BusAddr() string {
	return net.JoinHostPort(c.BusHost, strconv.Itoa(c.BusPort))
}

// Supervisor reports whether this process should fork workers instead of serving.
func (c *AppConfig) Supervisor(isWorker bool) bool {
	return c.Workers > 1 && !isWorker
}
