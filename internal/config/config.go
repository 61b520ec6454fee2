package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/duetchat/signaling-relay/internal/origin"
)

const (
	envVarListenAddr      = "LISTEN_ADDR"
	envVarMode            = "MODE"
	envVarLogFormat       = "LOG_FORMAT"
	envVarLogLevel        = "LOG_LEVEL"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"
	envVarShutdownTimeout = "SHUTDOWN_TIMEOUT"

	// Authentication.
	envVarAuthMode  = "AUTH_MODE"
	envVarAPIKey    = "API_KEY"
	envVarJWTSecret = "JWT_SECRET"

	// Admission control. Connection attempts are limited per source address
	// (pre-auth); signaling messages are limited per authenticated identity.
	envVarConnectRateCapacity     = "CONNECT_RATE_CAPACITY"
	envVarConnectRateRefillPerSec = "CONNECT_RATE_REFILL_PER_SEC"
	envVarMessageRateCapacity     = "MESSAGE_RATE_CAPACITY"
	envVarMessageRateRefillPerSec = "MESSAGE_RATE_REFILL_PER_SEC"

	// WebSocket hardening.
	envVarIdleTimeout              = "IDLE_TIMEOUT"
	envVarPingInterval             = "PING_INTERVAL"
	envVarMaxSignalingMessageBytes = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxPayloadBytes          = "MAX_PAYLOAD_BYTES"
	envVarSendQueueSize            = "SEND_QUEUE_SIZE"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultAuthMode AuthMode = AuthModeJWT

	DefaultConnectRateCapacity     = 10
	DefaultConnectRateRefillPerSec = 1
	DefaultMessageRateCapacity     = 50
	DefaultMessageRateRefillPerSec = 25

	DefaultIdleTimeout  = 60 * time.Second
	DefaultPingInterval = 20 * time.Second

	DefaultMaxSignalingMessageBytes = int64(64 * 1024)
	// DefaultMaxPayloadBytes caps a single SDP or ICE candidate blob. SDPs for
	// a data-channel-only connection are a few KiB; 32KiB leaves generous room.
	DefaultMaxPayloadBytes = 32 * 1024
	// DefaultSendQueueSize bounds the per-connection outbound queue (frames).
	DefaultSendQueueSize = 32
)

type Mode string

const (
	ModeDev  Mode = "dev"
	ModeProd Mode = "prod"
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type AuthMode string

const (
	AuthModeNone   AuthMode = "none"
	AuthModeAPIKey AuthMode = "api_key"
	AuthModeJWT    AuthMode = "jwt"
)

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	AllowedOrigins  []string
	ShutdownTimeout time.Duration

	AuthMode  AuthMode
	APIKey    string
	JWTSecret string

	// Admission control knobs. A capacity <= 0 disables the corresponding
	// limiter (unlimited).
	ConnectRateCapacity     int
	ConnectRateRefillPerSec int
	MessageRateCapacity     int
	MessageRateRefillPerSec int

	// IdleTimeout closes a connection that produced no frame (including pong)
	// within the window. PingInterval must be shorter than IdleTimeout so
	// healthy-but-quiet connections stay alive.
	IdleTimeout  time.Duration
	PingInterval time.Duration

	// MaxSignalingMessageBytes is the hard transport read limit for a single
	// WebSocket frame. MaxPayloadBytes caps an individual SDP/candidate blob
	// and is enforced with a non-fatal error reply.
	MaxSignalingMessageBytes int64
	MaxPayloadBytes          int

	// SendQueueSize bounds the per-connection outbound frame queue.
	SendQueueSize int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

// load is the testable core of Load: env lookup and CLI args are injected.
// Flags override environment values.
func load(lookup func(string) (string, bool), args []string) (Config, error) {
	modeDefault := string(DefaultMode)
	if raw, ok := lookup(envVarMode); ok && strings.TrimSpace(raw) != "" {
		modeDefault = strings.TrimSpace(raw)
	}

	logFormatDefault := envOrDefault(lookup, envVarLogFormat, "")
	if logFormatDefault == "" {
		logFormatDefault = defaultLogFormatForMode(modeDefault)
	}
	logLevelDefault := envOrDefault(lookup, envVarLogLevel, "")
	if logLevelDefault == "" {
		logLevelDefault = defaultLogLevelForMode(modeDefault)
	}

	fs := flag.NewFlagSet("duet-signaling-relay", flag.ContinueOnError)
	listenAddr := fs.String("listen-addr", envOrDefault(lookup, envVarListenAddr, DefaultListenAddr), "listen address (host:port)")
	modeStr := fs.String("mode", modeDefault, "deployment mode (dev or prod)")
	logFormatStr := fs.String("log-format", logFormatDefault, "log format (text or json)")
	logLevelStr := fs.String("log-level", logLevelDefault, "log level (debug, info, warn, error)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	mode, err := parseMode(*modeStr)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(*logFormatStr)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(*logLevelStr)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(envOrDefault(lookup, envVarAllowedOrigins, ""))
	if err != nil {
		return Config{}, err
	}

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}

	authMode, err := parseAuthMode(envOrDefault(lookup, envVarAuthMode, string(DefaultAuthMode)))
	if err != nil {
		return Config{}, err
	}
	apiKey := envOrDefault(lookup, envVarAPIKey, "")
	jwtSecret := envOrDefault(lookup, envVarJWTSecret, "")

	connectCapacity, err := envIntOrDefault(lookup, envVarConnectRateCapacity, DefaultConnectRateCapacity)
	if err != nil {
		return Config{}, err
	}
	connectRefill, err := envIntOrDefault(lookup, envVarConnectRateRefillPerSec, DefaultConnectRateRefillPerSec)
	if err != nil {
		return Config{}, err
	}
	messageCapacity, err := envIntOrDefault(lookup, envVarMessageRateCapacity, DefaultMessageRateCapacity)
	if err != nil {
		return Config{}, err
	}
	messageRefill, err := envIntOrDefault(lookup, envVarMessageRateRefillPerSec, DefaultMessageRateRefillPerSec)
	if err != nil {
		return Config{}, err
	}

	idleTimeout, err := envDurationOrDefault(lookup, envVarIdleTimeout, DefaultIdleTimeout)
	if err != nil {
		return Config{}, err
	}
	pingInterval, err := envDurationOrDefault(lookup, envVarPingInterval, DefaultPingInterval)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes := DefaultMaxSignalingMessageBytes
	if raw, ok := lookup(envVarMaxSignalingMessageBytes); ok && strings.TrimSpace(raw) != "" {
		n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return Config{}, fmt.Errorf("invalid %s %q: %w", envVarMaxSignalingMessageBytes, raw, err)
		}
		maxMessageBytes = n
	}
	maxPayloadBytes, err := envIntOrDefault(lookup, envVarMaxPayloadBytes, DefaultMaxPayloadBytes)
	if err != nil {
		return Config{}, err
	}
	sendQueueSize, err := envIntOrDefault(lookup, envVarSendQueueSize, DefaultSendQueueSize)
	if err != nil {
		return Config{}, err
	}

	cfg := Config{
		ListenAddr:      *listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		AllowedOrigins:  allowedOrigins,
		ShutdownTimeout: shutdownTimeout,

		AuthMode:  authMode,
		APIKey:    apiKey,
		JWTSecret: jwtSecret,

		ConnectRateCapacity:     connectCapacity,
		ConnectRateRefillPerSec: connectRefill,
		MessageRateCapacity:     messageCapacity,
		MessageRateRefillPerSec: messageRefill,

		IdleTimeout:  idleTimeout,
		PingInterval: pingInterval,

		MaxSignalingMessageBytes: maxMessageBytes,
		MaxPayloadBytes:          maxPayloadBytes,
		SendQueueSize:            sendQueueSize,
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if strings.TrimSpace(c.ListenAddr) == "" {
		return fmt.Errorf("%s must not be empty", envVarListenAddr)
	}

	switch c.AuthMode {
	case AuthModeNone:
		if c.Mode == ModeProd {
			return fmt.Errorf("%s=none is not allowed in prod mode", envVarAuthMode)
		}
	case AuthModeAPIKey:
		if strings.TrimSpace(c.APIKey) == "" {
			return fmt.Errorf("%s is required when %s=api_key", envVarAPIKey, envVarAuthMode)
		}
	case AuthModeJWT:
		if strings.TrimSpace(c.JWTSecret) == "" {
			return fmt.Errorf("%s is required when %s=jwt", envVarJWTSecret, envVarAuthMode)
		}
	}

	if c.IdleTimeout <= 0 {
		return fmt.Errorf("%s must be positive", envVarIdleTimeout)
	}
	if c.PingInterval <= 0 || c.PingInterval >= c.IdleTimeout {
		return fmt.Errorf("%s must be positive and shorter than %s", envVarPingInterval, envVarIdleTimeout)
	}
	if c.MaxSignalingMessageBytes <= 0 {
		return fmt.Errorf("%s must be positive", envVarMaxSignalingMessageBytes)
	}
	if c.MaxPayloadBytes <= 0 || int64(c.MaxPayloadBytes) > c.MaxSignalingMessageBytes {
		return fmt.Errorf("%s must be positive and no larger than %s", envVarMaxPayloadBytes, envVarMaxSignalingMessageBytes)
	}
	if c.SendQueueSize <= 0 {
		return fmt.Errorf("%s must be positive", envVarSendQueueSize)
	}

	return nil
}

func NewLogger(cfg Config) (*slog.Logger, error) {
	opts := &slog.HandlerOptions{
		Level: cfg.LogLevel,
	}

	var handler slog.Handler
	switch cfg.LogFormat {
	case LogFormatText:
		handler = slog.NewTextHandler(os.Stdout, opts)
	case LogFormatJSON:
		handler = slog.NewJSONHandler(os.Stdout, opts)
	default:
		return nil, fmt.Errorf("unsupported log format %q", cfg.LogFormat)
	}

	return slog.New(handler), nil
}

func envOrDefault(lookup func(string) (string, bool), key, fallback string) string {
	if v, ok := lookup(key); ok && v != "" {
		return v
	}
	return fallback
}

func envIntOrDefault(lookup func(string) (string, bool), key string, fallback int) (int, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return n, nil
}

func envDurationOrDefault(lookup func(string) (string, bool), key string, fallback time.Duration) (time.Duration, error) {
	raw, ok := lookup(key)
	if !ok || strings.TrimSpace(raw) == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return 0, fmt.Errorf("invalid %s %q: %w", key, raw, err)
	}
	return d, nil
}

func defaultLogFormatForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return string(LogFormatJSON)
	default:
		return string(LogFormatText)
	}
}

func defaultLogLevelForMode(mode string) string {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case string(ModeProd), "production":
		return "info"
	default:
		return "debug"
	}
}

func parseMode(raw string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(ModeDev), "development":
		return ModeDev, nil
	case string(ModeProd), "production":
		return ModeProd, nil
	default:
		return "", fmt.Errorf("invalid mode %q (expected dev or prod)", raw)
	}
}

func parseLogFormat(raw string) (LogFormat, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(LogFormatText):
		return LogFormatText, nil
	case string(LogFormatJSON):
		return LogFormatJSON, nil
	default:
		return "", fmt.Errorf("invalid log format %q (expected text or json)", raw)
	}
}

func parseLogLevel(raw string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q (expected debug, info, warn, or error)", raw)
	}
}

func parseAuthMode(raw string) (AuthMode, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case string(AuthModeNone):
		return AuthModeNone, nil
	case string(AuthModeAPIKey):
		return AuthModeAPIKey, nil
	case string(AuthModeJWT):
		return AuthModeJWT, nil
	default:
		return "", fmt.Errorf("invalid %s %q (expected none, api_key, or jwt)", envVarAuthMode, raw)
	}
}

// parseAllowedOrigins splits and validates the ALLOWED_ORIGINS list. Entries
// must be "*" or a normalized origin (scheme://host[:port]); an empty list
// falls back to the same-host default policy.
func parseAllowedOrigins(raw string) ([]string, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}

	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, part := range parts {
		entry := strings.TrimSpace(part)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, _, ok := origin.Normalize(entry)
		if !ok || normalized != entry {
			return nil, fmt.Errorf("invalid %s entry %q (expected \"*\" or a normalized origin like https://example.com)", envVarAllowedOrigins, entry)
		}
		out = append(out, entry)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}
