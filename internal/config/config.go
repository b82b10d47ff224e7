// Package config loads the service configuration from the environment.
//
// Every setting has a default. A variable that is set but cannot be parsed
// is an error rather than a silent fallback, and the assembled Config is
// checked with struct tags before it is returned.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// CORSConfig lists the origins allowed to call the REST API.
type CORSConfig struct {
	AllowedOrigins []string
}

// SecurityConfig controls HSTS.
type SecurityConfig struct {
	EnableHSTS bool
	HSTSMaxAge time.Duration `validate:"gte=0"`
}

// OTELConfig configures trace export over OTLP/gRPC.
type OTELConfig struct {
	Enabled     bool
	Endpoint    string `validate:"required_if=Enabled true"`
	Insecure    bool
	ServiceName string  `validate:"required"`
	SampleRatio float64 `validate:"gte=0,lte=1"`
}

// GatewayConfig tunes the WebSocket gateway.
type GatewayConfig struct {
	// HandshakeTimeout bounds the upgrade plus the first join-user-room.
	HandshakeTimeout time.Duration `validate:"gt=0"`
	WriteTimeout     time.Duration `validate:"gt=0"`
	PongWait         time.Duration `validate:"gt=0"`
	PingPeriod       time.Duration `validate:"gt=0,ltfield=PongWait"`
	SendBuffer       int           `validate:"gte=1"`
	MaxMessageBytes  int64         `validate:"gte=1"`
	// AllowedOrigins empty means any origin may connect.
	AllowedOrigins []string
}

// Config is the full runtime configuration.
type Config struct {
	Port              string        `validate:"required,numeric"`
	ReadTimeout       time.Duration `validate:"gt=0"`
	ReadHeaderTimeout time.Duration `validate:"gt=0"`
	WriteTimeout      time.Duration `validate:"gt=0"`
	IdleTimeout       time.Duration `validate:"gt=0"`
	ShutdownTimeout   time.Duration `validate:"gt=0"`
	MaxHeaderBytes    int           `validate:"gt=0"`
	GinMode           string        `validate:"oneof=debug release test"`

	LogLevel  string `validate:"oneof=debug info warn error fatal panic"`
	LogPretty bool
	// LogFile, when set, also writes JSON logs to a size-rotated file.
	LogFile        string
	LogFileMaxMB   int `validate:"gte=1"`
	SwaggerEnabled bool
	APIBasePath    string `validate:"startswith=/"`

	DBPath      string `validate:"required"`
	RecentLimit int    `validate:"gte=1"`
	MaxPageSize int    `validate:"gte=1"`

	RateRPS   float64 `validate:"gte=0"`
	RateBurst int     `validate:"gte=1"`

	CORS     CORSConfig
	Security SecurityConfig

	IdempotencyTTL time.Duration `validate:"gt=0"`

	Gateway GatewayConfig
	OTEL    OTELConfig
}

// MustLoad is Load for main packages that cannot start without a config.
func MustLoad() Config {
	cfg, err := Load()
	if err != nil {
		panic(err)
	}
	return cfg
}

// Load builds a Config from the environment and validates it.
func Load() (Config, error) {
	var e env
	cfg := Config{
		Port:              e.str("PORT", "8080"),
		ReadTimeout:       e.duration("READ_TIMEOUT", 15*time.Second),
		ReadHeaderTimeout: e.duration("READ_HEADER_TIMEOUT", 10*time.Second),
		WriteTimeout:      e.duration("WRITE_TIMEOUT", 20*time.Second),
		IdleTimeout:       e.duration("IDLE_TIMEOUT", 60*time.Second),
		ShutdownTimeout:   e.duration("SHUTDOWN_TIMEOUT", 10*time.Second),
		MaxHeaderBytes:    e.integer("MAX_HEADER_BYTES", 1<<20),
		GinMode:           ginMode(e.str("GIN_MODE", "release")),

		LogLevel:       logLevel(e.str("LOG_LEVEL", "info")),
		LogPretty:      e.boolean("LOG_PRETTY", false),
		LogFile:        e.str("LOG_FILE", ""),
		LogFileMaxMB:   e.integer("LOG_FILE_MAX_MB", 10),
		SwaggerEnabled: e.boolean("SWAGGER_ENABLED", false),
		APIBasePath:    basePath(e.str("API_BASE_PATH", "/api/v1")),

		DBPath:      e.str("DB_PATH", "app.db"),
		RecentLimit: e.integer("RECENT_LIMIT", 5),
		MaxPageSize: e.integer("MAX_PAGE_SIZE", 100),

		RateRPS:   e.float("RATE_RPS", 5),
		RateBurst: e.integer("RATE_BURST", 10),

		CORS: CORSConfig{AllowedOrigins: e.list("CORS_ALLOWED_ORIGINS")},
		Security: SecurityConfig{
			EnableHSTS: e.boolean("ENABLE_HSTS", false),
			HSTSMaxAge: e.duration("HSTS_MAX_AGE", 180*24*time.Hour),
		},

		IdempotencyTTL: e.duration("IDEMPOTENCY_TTL", 24*time.Hour),

		Gateway: GatewayConfig{
			HandshakeTimeout: e.duration("WS_HANDSHAKE_TIMEOUT", 10*time.Second),
			WriteTimeout:     e.duration("WS_WRITE_TIMEOUT", 10*time.Second),
			PongWait:         e.duration("WS_PONG_WAIT", 60*time.Second),
			PingPeriod:       e.duration("WS_PING_PERIOD", 54*time.Second),
			SendBuffer:       e.integer("WS_SEND_BUFFER", 64),
			MaxMessageBytes:  int64(e.integer("WS_MAX_MESSAGE_BYTES", 4096)),
			AllowedOrigins:   e.list("WS_ALLOWED_ORIGINS"),
		},

		OTEL: OTELConfig{
			Enabled:     e.boolean("OTEL_ENABLED", false),
			Endpoint:    e.str("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
			Insecure:    e.boolean("OTEL_EXPORTER_OTLP_INSECURE", true),
			ServiceName: e.str("OTEL_SERVICE_NAME", "go-notification-backend"),
			SampleRatio: e.float("OTEL_TRACES_SAMPLER_ARG", 1),
		},
	}
	if err := errors.Join(e.errs...); err != nil {
		return cfg, err
	}
	if err := check.Struct(cfg); err != nil {
		return cfg, describe(err)
	}
	return cfg, nil
}

var check = validator.New()

// describe rewrites validator errors into "Gateway.PingPeriod failed ltfield".
func describe(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, 0, len(ve))
	for _, fe := range ve {
		ns := strings.TrimPrefix(fe.Namespace(), "Config.")
		msg := ns + " failed " + fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		msgs = append(msgs, msg)
	}
	return fmt.Errorf("invalid config: %s", strings.Join(msgs, "; "))
}

// env reads variables and remembers every value it could not parse.
type env struct {
	errs []error
}

func (e *env) lookup(k string) (string, bool) {
	v, ok := os.LookupEnv(k)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (e *env) fail(k, v string, err error) {
	e.errs = append(e.errs, fmt.Errorf("%s=%q: %w", k, v, err))
}

func (e *env) str(k, def string) string {
	if v, ok := e.lookup(k); ok {
		return v
	}
	return def
}

func (e *env) integer(k string, def int) int {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return n
}

func (e *env) float(k string, def float64) float64 {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return f
}

func (e *env) duration(k string, def time.Duration) time.Duration {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return d
}

func (e *env) boolean(k string, def bool) bool {
	v, ok := e.lookup(k)
	if !ok {
		return def
	}
	switch strings.ToLower(v) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	}
	e.fail(k, v, errors.New("not a boolean"))
	return def
}

func (e *env) list(k string) []string {
	v, ok := e.lookup(k)
	if !ok {
		return nil
	}
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// ginMode falls back to release for anything gin would not accept.
func ginMode(m string) string {
	switch m = strings.ToLower(m); m {
	case "debug", "release", "test":
		return m
	}
	return "release"
}

func logLevel(l string) string {
	l = strings.ToLower(l)
	if l == "warning" {
		return "warn"
	}
	return l
}

// basePath returns p with one leading slash and no trailing slash; "" is "/".
func basePath(p string) string {
	p = "/" + strings.Trim(strings.TrimSpace(p), "/")
	return p
}
