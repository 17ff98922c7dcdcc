// Package config loads the tracker's configuration from environment
// variables and flags. Environment values become flag defaults, so flags
// always win.
package config

import (
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

const (
	envVarListenAddr      = "MESHRTC_TRACKER_LISTEN_ADDR"
	envVarLogFormat       = "MESHRTC_TRACKER_LOG_FORMAT"
	envVarLogLevel        = "MESHRTC_TRACKER_LOG_LEVEL"
	envVarShutdownTimeout = "MESHRTC_TRACKER_SHUTDOWN_TIMEOUT"

	envVarJoinTimeout       = "MESHRTC_TRACKER_JOIN_TIMEOUT"
	envVarIdleTimeout       = "MESHRTC_TRACKER_IDLE_TIMEOUT"
	envVarPingInterval      = "MESHRTC_TRACKER_PING_INTERVAL"
	envVarMaxMessageBytes   = "MESHRTC_TRACKER_MAX_MESSAGE_BYTES"
	envVarMessagesPerSecond = "MESHRTC_TRACKER_MESSAGES_PER_SECOND"
	envVarMaxPeersPerRoom   = "MESHRTC_TRACKER_MAX_PEERS_PER_ROOM"
)

const (
	DefaultListenAddr      = "127.0.0.1:9090"
	DefaultShutdownTimeout = 15 * time.Second

	DefaultJoinTimeout       = 10 * time.Second
	DefaultIdleTimeout       = 60 * time.Second
	DefaultPingInterval      = 20 * time.Second
	DefaultMaxMessageBytes   = int64(64 * 1024)
	DefaultMessagesPerSecond = 10
	DefaultMaxPeersPerRoom   = 0 // unlimited
)

type LogFormat string

const (
	LogFormatText LogFormat = "text"
	LogFormatJSON LogFormat = "json"
)

type Config struct {
	ListenAddr      string
	LogFormat       LogFormat
	LogLevel        slog.Level
	ShutdownTimeout time.Duration

	JoinTimeout       time.Duration
	IdleTimeout       time.Duration
	PingInterval      time.Duration
	MaxMessageBytes   int64
	MessagesPerSecond int
	MaxPeersPerRoom   int
}

func Load(args []string) (Config, error) {
	return load(os.LookupEnv, args)
}

func load(lookup func(string) (string, bool), args []string) (Config, error) {
	listenAddr := envOrDefault(lookup, envVarListenAddr, DefaultListenAddr)
	logFormatStr := envOrDefault(lookup, envVarLogFormat, string(LogFormatText))
	logLevelStr := envOrDefault(lookup, envVarLogLevel, "info")

	shutdownTimeout, err := envDurationOrDefault(lookup, envVarShutdownTimeout, DefaultShutdownTimeout)
	if err != nil {
		return Config{}, err
	}
	joinTimeout, err := envDurationOrDefault(lookup, envVarJoinTimeout, DefaultJoinTimeout)
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
	maxMessageBytes, err := envIntOrDefault(lookup, envVarMaxMessageBytes, int(DefaultMaxMessageBytes))
	if err != nil {
		return Config{}, err
	}
	messagesPerSecond, err := envIntOrDefault(lookup, envVarMessagesPerSecond, DefaultMessagesPerSecond)
	if err != nil {
		return Config{}, err
	}
	maxPeersPerRoom, err := envIntOrDefault(lookup, envVarMaxPeersPerRoom, DefaultMaxPeersPerRoom)
	if err != nil {
		return Config{}, err
	}

	fs := flag.NewFlagSet("meshrtc-tracker", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	fs.StringVar(&listenAddr, "listen-addr", listenAddr, "HTTP listen address (host:port; env "+envVarListenAddr+")")
	fs.StringVar(&logFormatStr, "log-format", logFormatStr, "Log format: text or json (env "+envVarLogFormat+")")
	fs.StringVar(&logLevelStr, "log-level", logLevelStr, "Log level: debug, info, warn, error (env "+envVarLogLevel+")")
	fs.DurationVar(&shutdownTimeout, "shutdown-timeout", shutdownTimeout, "Graceful shutdown timeout (env "+envVarShutdownTimeout+")")
	fs.DurationVar(&joinTimeout, "join-timeout", joinTimeout, "Time a connection may wait before sending its join message (env "+envVarJoinTimeout+")")
	fs.DurationVar(&idleTimeout, "idle-timeout", idleTimeout, "Close connections with no inbound traffic for this long (env "+envVarIdleTimeout+")")
	fs.DurationVar(&pingInterval, "ping-interval", pingInterval, "Websocket keepalive ping cadence (env "+envVarPingInterval+")")
	fs.IntVar(&maxMessageBytes, "max-message-bytes", maxMessageBytes, "Max signaling message size in bytes (env "+envVarMaxMessageBytes+")")
	fs.IntVar(&messagesPerSecond, "messages-per-second", messagesPerSecond, "Per-connection signaling rate limit (env "+envVarMessagesPerSecond+")")
	fs.IntVar(&maxPeersPerRoom, "max-peers-per-room", maxPeersPerRoom, "Room population cap, 0 = unlimited (env "+envVarMaxPeersPerRoom+")")

	if err := fs.Parse(args); err != nil {
		return Config{}, err
	}
	if fs.NArg() > 0 {
		return Config{}, fmt.Errorf("unexpected arguments: %s", strings.Join(fs.Args(), " "))
	}

	logFormat := LogFormat(strings.ToLower(strings.TrimSpace(logFormatStr)))
	switch logFormat {
	case LogFormatText, LogFormatJSON:
	default:
		return Config{}, fmt.Errorf("invalid log format %q (want text or json)", logFormatStr)
	}

	logLevel, err := parseLogLevel(logLevelStr)
	if err != nil {
		return Config{}, err
	}

	if joinTimeout <= 0 {
		return Config{}, fmt.Errorf("join timeout must be > 0")
	}
	if idleTimeout <= 0 {
		return Config{}, fmt.Errorf("idle timeout must be > 0")
	}
	if pingInterval <= 0 || pingInterval >= idleTimeout {
		return Config{}, fmt.Errorf("ping interval must be > 0 and < idle timeout")
	}
	if maxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("max message bytes must be > 0")
	}
	if messagesPerSecond <= 0 {
		return Config{}, fmt.Errorf("messages per second must be > 0")
	}
	if maxPeersPerRoom < 0 {
		return Config{}, fmt.Errorf("max peers per room must be >= 0")
	}

	return Config{
		ListenAddr:      listenAddr,
		LogFormat:       logFormat,
		LogLevel:        logLevel,
		ShutdownTimeout: shutdownTimeout,

		JoinTimeout:       joinTimeout,
		IdleTimeout:       idleTimeout,
		PingInterval:      pingInterval,
		MaxMessageBytes:   int64(maxMessageBytes),
		MessagesPerSecond: messagesPerSecond,
		MaxPeersPerRoom:   maxPeersPerRoom,
	}, nil
}

func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
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
