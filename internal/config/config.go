package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/superviral-word-game/signaller/internal/origin"
)

const (
	envVarListenAddr      = "SIGNALLER_LISTEN_ADDR"
	envVarMode            = "SIGNALLER_MODE"
	envVarLogFormat       = "SIGNALLER_LOG_FORMAT"
	envVarLogLevel        = "SIGNALLER_LOG_LEVEL"
	envVarShutdownTimeout = "SIGNALLER_SHUTDOWN_TIMEOUT"
	envVarAllowedOrigins  = "ALLOWED_ORIGINS"

	// Third-party ICE credential API (Twilio token endpoint).
	envVarTwilioAccountSID = "TWILIO_ACCOUNT_SID"
	envVarTwilioAuthToken  = "TWILIO_AUTH_TOKEN"
	envVarICEFetchTimeout  = "ICE_FETCH_TIMEOUT"
	envVarFallbackSTUNURL  = "FALLBACK_STUN_URL"

	// Housekeeping cadence.
	envVarKeepaliveInterval = "KEEPALIVE_INTERVAL"
	envVarSweepInterval     = "SWEEP_INTERVAL"
	envVarSessionTTL        = "SESSION_TTL"

	// WebSocket inbound hardening.
	envVarMaxMessageBytes      = "MAX_SIGNALING_MESSAGE_BYTES"
	envVarMaxMessagesPerSecond = "MAX_SIGNALING_MESSAGES_PER_SECOND"
)

const (
	DefaultListenAddr           = "127.0.0.1:8080"
	DefaultShutdownTimeout      = 15 * time.Second
	DefaultMode            Mode = ModeDev

	DefaultICEFetchTimeout = 3 * time.Second
	DefaultFallbackSTUNURL = "stun:stun.l.google.com:19302"

	// DefaultKeepaliveInterval matches the original deployment's alarm cadence;
	// DefaultSweepInterval and DefaultSessionTTL match its hourly cleanup.
	DefaultKeepaliveInterval = 7500 * time.Millisecond
	DefaultSweepInterval     = time.Hour
	DefaultSessionTTL        = time.Hour

	DefaultMaxMessageBytes      = int64(64 * 1024)
	DefaultMaxMessagesPerSecond = 50
)

// defaultAllowedOrigins are the production site origins; overridable via
// ALLOWED_ORIGINS.
var defaultAllowedOrigins = []string{
	"https://the-superviral-word-game.com",
	"https://illarionov-school.ru",
}

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

// TwilioConfig holds the credentials for the ICE token endpoint. When
// disabled, the broker hands out the fallback STUN entry only.
type TwilioConfig struct {
	AccountSID string
	AuthToken  string
}

func (c TwilioConfig) Enabled() bool {
	return strings.TrimSpace(c.AccountSID) != "" && strings.TrimSpace(c.AuthToken) != ""
}

type Config struct {
	ListenAddr      string
	Mode            Mode
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	// AllowedOrigins is the normalized origin allow-list for the relay
	// endpoint. Ignored in dev mode.
	AllowedOrigins []string

	Twilio          TwilioConfig
	ICEFetchTimeout time.Duration
	FallbackSTUNURL string

	KeepaliveInterval time.Duration
	SweepInterval     time.Duration
	SessionTTL        time.Duration

	MaxMessageBytes      int64
	MaxMessagesPerSecond int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	envMode := envOrDefault(lookup, envVarMode, string(DefaultMode))

	envLogFormat := envOrDefault(lookup, envVarLogFormat, defaultLogFormatForMode(envMode))
	envLogLevel := envOrDefault(lookup, envVarLogLevel, defaultLogLevelForMode(envMode))

	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	allowedOriginsStr := envOrDefault(lookup, envVarAllowedOrigins, strings.Join(defaultAllowedOrigins, ","))

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	iceFetchTimeout, err := envDurationOrDefault(lookup, envVarICEFetchTimeout, DefaultICEFetchTimeout)
	if err != nil {
		return Config{}, err
	}
	keepaliveInterval, err := envDurationOrDefault(lookup, envVarKeepaliveInterval, DefaultKeepaliveInterval)
	if err != nil {
		return Config{}, err
	}
	sweepInterval, err := envDurationOrDefault(lookup, envVarSweepInterval, DefaultSweepInterval)
	if err != nil {
		return Config{}, err
	}
	sessionTTL, err := envDurationOrDefault(lookup, envVarSessionTTL, DefaultSessionTTL)
	if err != nil {
		return Config{}, err
	}

	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	maxMessagesPerSecond, err := envIntOrDefault(lookup, envVarMaxMessagesPerSecond, DefaultMaxMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("signaller", flag.ContinueOnError)
	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "TCP address for the HTTP/WebSocket listener")
	fs.StringVar(&envMode, "mode", envMode, "dev or prod (dev bypasses the origin allow-list)")
	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}

	mode, err := parseMode(envMode)
	if err != nil {
		return Config{}, err
	}
	logFormat, err := parseLogFormat(envLogFormat)
	if err != nil {
		return Config{}, err
	}
	logLevel, err := parseLogLevel(envLogLevel)
	if err != nil {
		return Config{}, err
	}

	allowedOrigins, err := parseAllowedOrigins(allowedOriginsStr)
	if err != nil {
		return Config{}, err
	}
	if mode == ModeProd && len(allowedOrigins) == 0 {
		return Config{}, fmt.Errorf("%s must not be empty in prod mode", envVarAllowedOrigins)
	}

	if keepaliveInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarKeepaliveInterval)
	}
	if sweepInterval <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSweepInterval)
	}
	if sessionTTL <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarSessionTTL)
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxMessageBytes)
	}
	if maxMessagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("%s must be > 0", envVarMaxMessagesPerSecond)
	}

	return Config{
		ListenAddr:      listenAddr,
		Mode:            mode,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,
		AllowedOrigins:  allowedOrigins,
		Twilio: TwilioConfig{
			AccountSID: envOrDefault(lookup, envVarTwilioAccountSID, ""),
			AuthToken:  envOrDefault(lookup, envVarTwilioAuthToken, ""),
		},
		ICEFetchTimeout:      iceFetchTimeout,
		FallbackSTUNURL:      envOrDefault(lookup, envVarFallbackSTUNURL, DefaultFallbackSTUNURL),
		KeepaliveInterval:    keepaliveInterval,
		SweepInterval:        sweepInterval,
		SessionTTL:           sessionTTL,
		MaxMessageBytes:      int64(maxMessageBytes),
		MaxMessagesPerSecond: maxMessagesPerSecond,
	}, nil
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

func parseAllowedOrigins(raw string) ([]string, error) {
	var out []string
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		if entry == "*" {
			out = append(out, entry)
			continue
		}
		normalized, ok := origin.Normalize(entry)
		if !ok {
			return nil, fmt.Errorf("invalid %s entry %q", envVarAllowedOrigins, entry)
		}
		out = append(out, normalized)
	}
	return out, nil
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
		return 0, fmt.Errorf("invalid log level %q", raw)
	}
}
