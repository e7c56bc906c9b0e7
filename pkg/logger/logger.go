// Package logger holds the process-wide slog loggers: the application log and
// the audit log. The audit stream records externally visible side effects such
// as posted replies, wallet transactions, API writes and task transitions.
package logger

import (
	"errors"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// Config describes the application and audit outputs.
type Config struct {
	Level string
	// Format is "json" (default) or "text".
	Format string
	// OutputPaths accepts "stdout", "stderr" or file paths. Empty means stdout.
	OutputPaths []string
	Rotation    RotationConfig
	Audit       AuditConfig
}

// RotationConfig bounds file outputs. Zero values fall back to 100MB, 7 backups, 30 days.
type RotationConfig struct {
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
	Compress   bool
}

// AuditConfig enables the separate audit file. Audit entries are always JSON.
type AuditConfig struct {
	Enabled    bool
	Path       string
	MaxSizeMB  int
	MaxBackups int
	MaxAgeDays int
}

// redactedKeys are attribute keys whose values never reach a log line.
var redactedKeys = map[string]struct{}{
	"api_key":       {},
	"authorization": {},
	"bearer_token":  {},
	"password":      {},
	"private_key":   {},
	"secret":        {},
}

const redacted = "[REDACTED]"

var state struct {
	once    sync.Once
	err     error
	app     *slog.Logger
	audit   *slog.Logger
	mu      sync.Mutex
	closers []io.Closer
}

// Init builds the global loggers. Only the first call has an effect; L, Audit
// and Named call it with a zero Config so packages can log before main does.
func Init(cfg Config) error {
	state.once.Do(func() {
		state.app, state.audit, state.err = build(cfg)
	})
	return state.err
}

func build(cfg Config) (app, audit *slog.Logger, err error) {
	opts := &slog.HandlerOptions{Level: parseLevel(cfg.Level), AddSource: true, ReplaceAttr: redact}
	handler, err := buildHandler(cfg.Format, cfg.OutputPaths, cfg.Rotation, opts)
	if err != nil {
		return nil, nil, err
	}
	app = slog.New(handler)
	if !cfg.Audit.Enabled {
		return app, app, nil
	}
	audit, err = buildAuditLogger(cfg.Audit)
	if err != nil {
		return nil, nil, err
	}
	return app, audit, nil
}

// redact masks credentials at any group depth.
func redact(_ []string, attr slog.Attr) slog.Attr {
	if _, ok := redactedKeys[strings.ToLower(attr.Key)]; ok {
		return slog.String(attr.Key, redacted)
	}
	return attr
}

func track(c io.Closer) {
	state.mu.Lock()
	state.closers = append(state.closers, c)
	state.mu.Unlock()
}

func buildHandler(format string, outputs []string, rotation RotationConfig, opts *slog.HandlerOptions) (slog.Handler, error) {
	if len(outputs) == 0 {
		outputs = []string{"stdout"}
	}
	writers := make([]io.Writer, 0, len(outputs))
	for _, out := range outputs {
		w, err := openWriter(out, rotation)
		if err != nil {
			return nil, err
		}
		writers = append(writers, w)
	}
	w := writers[0]
	if len(writers) > 1 {
		w = io.MultiWriter(writers...)
	}
	if strings.EqualFold(strings.TrimSpace(format), "text") {
		return slog.NewTextHandler(w, opts), nil
	}
	return slog.NewJSONHandler(w, opts), nil
}

func buildAuditLogger(cfg AuditConfig) (*slog.Logger, error) {
	if strings.TrimSpace(cfg.Path) == "" {
		return nil, errors.New("audit log path cannot be empty when enabled")
	}
	w := rotatingFile(cfg.Path, RotationConfig{
		MaxSizeMB:  cfg.MaxSizeMB,
		MaxBackups: cfg.MaxBackups,
		MaxAgeDays: cfg.MaxAgeDays,
		Compress:   true,
	})
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{Level: slog.LevelInfo, ReplaceAttr: redact})
	return slog.New(handler).With(slog.String("stream", "audit")), nil
}

func openWriter(path string, rotation RotationConfig) (io.Writer, error) {
	switch strings.ToLower(strings.TrimSpace(path)) {
	case "":
		return nil, errors.New("log output path cannot be empty")
	case "stdout":
		return os.Stdout, nil
	case "stderr":
		return os.Stderr, nil
	}
	return rotatingFile(path, rotation), nil
}

// rotatingFile returns a tracked lumberjack writer; lumberjack creates the
// parent directory on first write.
func rotatingFile(path string, cfg RotationConfig) *lumberjack.Logger {
	w := &lumberjack.Logger{
		Filename:   path,
		MaxSize:    orDefault(cfg.MaxSizeMB, 100),
		MaxBackups: orDefault(cfg.MaxBackups, 7),
		MaxAge:     orDefault(cfg.MaxAgeDays, 30),
		Compress:   cfg.Compress,
	}
	track(w)
	return w
}

func orDefault(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// L returns the application logger, falling back to slog.Default when Init failed.
func L() *slog.Logger {
	if Init(Config{}) != nil || state.app == nil {
		return slog.Default()
	}
	return state.app
}

// Audit returns the audit logger. Without a configured audit file it is the
// application logger.
func Audit() *slog.Logger {
	if Init(Config{}) != nil || state.audit == nil {
		return L()
	}
	return state.audit
}

// Named returns L tagged with a component attribute.
func Named(component string) *slog.Logger {
	return L().With(slog.String("component", component))
}

// Sync closes every file output. Lumberjack reopens a file on the next write,
// so logging after Sync still works.
func Sync() error {
	state.mu.Lock()
	closers := state.closers
	state.closers = nil
	state.mu.Unlock()

	var err error
	for _, c := range closers {
		err = errors.Join(err, c.Close())
	}
	return err
}
