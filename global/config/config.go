package config

import (
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/knadh/koanf"
	"github.com/knadh/koanf/providers/confmap"
	"github.com/knadh/koanf/providers/env"
	"github.com/pkg/errors"
)

const EnvPrefix = "GATEWAY_"

// EnvWorkerID is set by the supervisor on every forked worker.
const EnvWorkerID = EnvPrefix + "WORKER_ID"

func defaults() map[string]interface{} {
	return map[string]interface{}{
		"host":               "0.0.0.0",
		"port":               8080,
		"ws_path":            "/ws",
		"max_connections":    10000,
		"heartbeat_interval": 30 * time.Second,
		"connection_timeout": 10 * time.Second,
		"send_queue_size":    256,
		"max_message_size":   65536,
		"shutdown_timeout":   10 * time.Second,

		"bus_enabled":         true,
		"bus_driver":          "redis",
		"bus_host":            "127.0.0.1",
		"bus_port":            6379,
		"bus_db":              0,
		"bus_connect_timeout": 5 * time.Second,
		"bus_reconnect_min":   500 * time.Millisecond,
		"bus_reconnect_max":   30 * time.Second,
		"nats_url":            "nats://127.0.0.1:4222",
		"public_channel":      "public:charger_updates",
		"user_channels":       []string{"notifications", "session_updates"},

		"backend_url":         "http://127.0.0.1:8000/api",
		"backend_timeout":     10 * time.Second,
		"forward_concurrency": 1024,

		"jwt_algorithm":        "HS256",
		"token_cache_ttl":      5 * time.Minute,
		"token_cache_size":     100000,
		"token_sweep_interval": time.Minute,

		"workers":          1,
		"worker_id":        0,
		"reuse_port":       true,
		"grpc_health_port": 0,

		"log_level": "info",
	}
}

// Load builds the config from defaults overlaid with GATEWAY_* env vars.
func Load() (*AppConfig, error) {
	k := koanf.New(".")
	if err := k.Load(confmap.Provider(defaults(), "."), nil); err != nil {
		return nil, errors.Wrap(err, "load defaults")
	}
	if err := k.Load(env.Provider(EnvPrefix, ".", func(s string) string {
		return strings.ToLower(strings.TrimPrefix(s, EnvPrefix))
	}), nil); err != nil {
		return nil, errors.Wrap(err, "load env")
	}

	cfg := &AppConfig{}
	if err := k.UnmarshalWithConf("", cfg, koanf.UnmarshalConf{Tag: "koanf"}); err != nil {
		return nil, errors.Wrap(err, "unmarshal config")
	}
	cfg.normalize()
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) normalize() {
	c.JWTAlgorithm = strings.ToUpper(strings.TrimSpace(c.JWTAlgorithm))
	c.LogLevel = strings.ToLower(strings.TrimSpace(c.LogLevel))
	c.BusDriver = strings.ToLower(strings.TrimSpace(c.BusDriver))
	c.BackendURL = strings.TrimRight(c.BackendURL, "/")
	c.UserChannels = trimAll(c.UserChannels)
	c.AllowedOrigins = trimAll(c.AllowedOrigins)
}

func trimAll(in []string) []string {
	out := in[:0]
	for _, s := range in {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

var validate = validator.New()

func Validate(c *AppConfig) error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if c.BusEnabled && c.BusDriver == "redis" && c.BusHost == "" {
		return errors.New("invalid config: bus_host required for redis bus")
	}
	if c.BusEnabled && c.BusDriver == "nats" && c.NatsURL == "" {
		return errors.New("invalid config: nats_url required for nats bus")
	}
	return nil
}

// IsWorker reports whether this process was forked by a supervisor.
func IsWorker() bool {
	_, ok := os.LookupEnv(EnvWorkerID)
	return ok
}
