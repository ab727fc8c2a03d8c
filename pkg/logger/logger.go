// Package logger provides structured logging for the mediation client
package logger

import (
	"context"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ServiceName is attached to every log line
const ServiceName = "mediation"

// Log is the global logger instance
var Log zerolog.Logger

// ContextKey is the type used for logger values stored in a context
type ContextKey string

const (
	// RequestIDKey holds the harness request ID
	RequestIDKey ContextKey = "request_id"
	// LoadIDKey holds the ad load ID
	LoadIDKey ContextKey = "load_id"
)

// Config holds logger configuration
type Config struct {
	Level      string // debug, info, warn, error
	Format     string // json or console
	TimeFormat string
	File       string // optional path; enables rotation via lumberjack
	MaxAgeDays int
}

// DefaultConfig returns the logger configuration from the environment
func DefaultConfig() Config {
	maxAge, err := strconv.Atoi(os.Getenv("LOG_MAX_AGE_DAYS"))
	if err != nil || maxAge < 0 {
		maxAge = 7
	}
	return Config{
		Level:      getEnv("LOG_LEVEL", "info"),
		Format:     getEnv("LOG_FORMAT", "json"),
		TimeFormat: time.RFC3339,
		File:       os.Getenv("LOG_FILE"),
		MaxAgeDays: maxAge,
	}
}

func init() {
	// Usable before Init is called (tests, library consumers)
	Log = zerolog.New(os.Stdout).With().Timestamp().Str("service", ServiceName).Logger()
}

// Init configures the global logger
func Init(cfg Config) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.TimeFormat != "" {
		zerolog.TimeFieldFormat = cfg.TimeFormat
	}

	var out io.Writer = os.Stdout
	if cfg.File != "" {
		out = &lumberjack.Logger{
			Filename: cfg.File,
			MaxAge:   cfg.MaxAgeDays,
			MaxSize:  100,
			Compress: true,
		}
	}

	if strings.ToLower(cfg.Format) == "console" {
		out = zerolog.ConsoleWriter{
			Out:        out,
			TimeFormat: cfg.TimeFormat,
			NoColor:    cfg.File != "",
		}
	}

	Log = zerolog.New(out).
		Level(level).
		With().
		Timestamp().
		Str("service", ServiceName).
		Logger()
}

// WithRequestID stores a request ID in the context
func WithRequestID(ctx context.Context, requestID string) context.Context {
	return context.WithValue(ctx, RequestIDKey, requestID)
}

// WithLoadID stores a load ID in the context
func WithLoadID(ctx context.Context, loadID string) context.Context {
	return context.WithValue(ctx, LoadIDKey, loadID)
}

// LoadIDFromContext returns the load ID stored in the context, if any
func LoadIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(LoadIDKey).(string); ok {
		return v
	}
	return ""
}

// FromContext returns a logger carrying the IDs found in ctx
func FromContext(ctx context.Context) *zerolog.Logger {
	l := Log.With()
	if v, ok := ctx.Value(RequestIDKey).(string); ok && v != "" {
		l = l.Str("request_id", v)
	}
	if v, ok := ctx.Value(LoadIDKey).(string); ok && v != "" {
		l = l.Str("load_id", v)
	}
	logger := l.Logger()
	return &logger
}

// Placement returns a logger scoped to a placement
func Placement(name string) *zerolog.Logger {
	l := Log.With().Str("placement", name).Logger()
	return &l
}

// Partner returns a logger scoped to a partner
func Partner(partnerID string) *zerolog.Logger {
	l := Log.With().Str("partner", partnerID).Logger()
	return &l
}

// Engine returns a logger for the fulfillment engine
func Engine() *zerolog.Logger {
	l := Log.With().Str("component", "fulfillment").Logger()
	return &l
}

// HTTP returns a logger for the harness HTTP layer
func HTTP() *zerolog.Logger {
	l := Log.With().Str("component", "http").Logger()
	return &l
}

// RequestLogger tracks a single harness request
type RequestLogger struct {
	logger    zerolog.Logger
	startTime time.Time
}

// NewRequestLogger creates a request-scoped logger
func NewRequestLogger(requestID string) *RequestLogger {
	return &RequestLogger{
		logger:    Log.With().Str("request_id", requestID).Logger(),
		startTime: time.Now(),
	}
}

// Info logs at info level
func (r *RequestLogger) Info(msg string) {
	r.logger.Info().Msg(msg)
}

// Error logs at error level with an error attached
func (r *RequestLogger) Error(msg string, err error) {
	r.logger.Error().Err(err).Msg(msg)
}

// WithField returns a copy of the request logger with an extra field
func (r *RequestLogger) WithField(key string, value interface{}) *RequestLogger {
	return &RequestLogger{
		logger:    r.logger.With().Interface(key, value).Logger(),
		startTime: r.startTime,
	}
}

// Duration returns the time since the request logger was created
func (r *RequestLogger) Duration() time.Duration {
	return time.Since(r.startTime)
}

// LogComplete logs request completion with status and duration
func (r *RequestLogger) LogComplete(status int) {
	r.logger.Info().
		Int("status", status).
		Float64("duration_ms", float64(r.Duration().Microseconds())/1000.0).
		Msg("request completed")
}

func getEnv(key, defaultValue string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultValue
}
