// Package logx provides component-scoped logging with domain-filtered debug output.
//
// The printf-style surface is backed by a zap core so every line carries an
// ISO8601 timestamp, level and component name. Recent entries are kept in a
// bounded in-memory buffer for status tooling.
package logx

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

type Level string

const (
	LevelDebug Level = "DEBUG"
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

const timestampLayout = "2006-01-02T15:04:05.000Z"

// Logger writes lines tagged with a component (agent, project, subsystem) id.
type Logger struct {
	agentID string
}

// DebugConfig controls debug logging behavior.
type DebugConfig struct {
	Enabled bool
	Domains map[string]bool // nil = all domains
}

// LogEntry is one captured log line.
type LogEntry struct {
	Timestamp string `json:"timestamp"`
	AgentID   string `json:"agent_id"`
	Level     string `json:"level"`
	Message   string `json:"message"`
	Domain    string `json:"domain,omitempty"`
}

// InMemoryLogBuffer stores the most recent log entries.
type InMemoryLogBuffer struct {
	entries []LogEntry
	mutex   sync.RWMutex
	maxSize int
}

type contextKey string

const agentIDKey contextKey = "agent_id"

var (
	debugConfig = &DebugConfig{}
	debugMutex  sync.RWMutex

	logBuffer = &InMemoryLogBuffer{
		entries: make([]LogEntry, 0),
		maxSize: 1000,
	}

	outputMutex sync.RWMutex
	base        = newZap(zapcore.Lock(os.Stderr))
)

func init() { //nolint:gochecknoinits // env driven debug switches
	initDebugFromEnv()
}

func newZap(ws zapcore.WriteSyncer) *zap.Logger {
	encoderCfg := zap.NewDevelopmentEncoderConfig()
	encoderCfg.TimeKey = "ts"
	encoderCfg.EncodeTime = func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString(t.UTC().Format(timestampLayout))
	}
	encoderCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderCfg.EncodeName = func(name string, enc zapcore.PrimitiveArrayEncoder) {
		enc.AppendString("[" + name + "]")
	}
	encoderCfg.CallerKey = ""
	encoderCfg.StacktraceKey = ""
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(encoderCfg), ws, zapcore.DebugLevel)
	return zap.New(core)
}

// SetOutput redirects all loggers to ws. Passing nil restores stderr.
func SetOutput(ws zapcore.WriteSyncer) {
	if ws == nil {
		ws = zapcore.Lock(os.Stderr)
	}
	outputMutex.Lock()
	defer outputMutex.Unlock()
	_ = base.Sync()
	base = newZap(ws)
}

// Sync flushes buffered output.
func Sync() error {
	outputMutex.RLock()
	defer outputMutex.RUnlock()
	return base.Sync()
}

func current() *zap.Logger {
	outputMutex.RLock()
	defer outputMutex.RUnlock()
	return base
}

func initDebugFromEnv() {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if debug := os.Getenv("DEBUG"); debug == "1" || strings.EqualFold(debug, "true") {
		debugConfig.Enabled = true
	}
	if domains := os.Getenv("DEBUG_DOMAINS"); domains != "" {
		debugConfig.Domains = make(map[string]bool)
		for _, domain := range strings.Split(domains, ",") {
			debugConfig.Domains[strings.TrimSpace(domain)] = true
		}
	}
}

func NewLogger(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

// SetDebug toggles debug output globally.
func SetDebug(enabled bool) {
	debugMutex.Lock()
	defer debugMutex.Unlock()
	debugConfig.Enabled = enabled
}

// SetDebugDomains limits debug output to the named domains. Empty enables all.
func SetDebugDomains(domains []string) {
	debugMutex.Lock()
	defer debugMutex.Unlock()

	if len(domains) == 0 {
		debugConfig.Domains = nil
		return
	}
	debugConfig.Domains = make(map[string]bool)
	for _, domain := range domains {
		debugConfig.Domains[strings.TrimSpace(domain)] = true
	}
}

func IsDebugEnabled() bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()
	return debugConfig.Enabled
}

func IsDebugEnabledForDomain(domain string) bool {
	debugMutex.RLock()
	defer debugMutex.RUnlock()

	if !debugConfig.Enabled {
		return false
	}
	if debugConfig.Domains == nil {
		return true
	}
	return debugConfig.Domains[domain]
}

// AddLogEntry appends entry, evicting the oldest beyond maxSize.
func (b *InMemoryLogBuffer) AddLogEntry(entry *LogEntry) {
	b.mutex.Lock()
	defer b.mutex.Unlock()

	b.entries = append(b.entries, *entry)
	if len(b.entries) > b.maxSize {
		b.entries = b.entries[len(b.entries)-b.maxSize:]
	}
}

// GetLogEntries returns a copy of the buffered entries filtered by domain and time.
func (b *InMemoryLogBuffer) GetLogEntries(domain string, since time.Time) []LogEntry {
	b.mutex.RLock()
	defer b.mutex.RUnlock()

	filtered := make([]LogEntry, 0, len(b.entries))
	for i := range b.entries {
		entry := &b.entries[i]
		if domain != "" && entry.Domain != "" && !strings.EqualFold(entry.Domain, domain) {
			continue
		}
		if !since.IsZero() {
			entryTime, err := time.Parse(timestampLayout, entry.Timestamp)
			if err != nil || entryTime.Before(since) {
				continue
			}
		}
		filtered = append(filtered, *entry)
	}
	return filtered
}

// GetRecentLogEntries returns buffered entries, optionally filtered.
func GetRecentLogEntries(domain string, since time.Time) []LogEntry {
	return logBuffer.GetLogEntries(domain, since)
}

func zapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelWarn:
		return zapcore.WarnLevel
	case LevelError:
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

func emit(agentID, domain string, level Level, message string) {
	now := time.Now().UTC()
	line := message
	if domain != "" {
		line = fmt.Sprintf("[%s] %s", domain, message)
	}
	current().Named(agentID).Log(zapLevel(level), line)

	logBuffer.AddLogEntry(&LogEntry{
		Timestamp: now.Format(timestampLayout),
		AgentID:   agentID,
		Level:     string(level),
		Message:   message,
		Domain:    domain,
	})
}

func (l *Logger) log(level Level, format string, args ...any) {
	emit(l.agentID, "", level, fmt.Sprintf(format, args...))
}

func (l *Logger) Debug(format string, args ...any) {
	if !IsDebugEnabled() {
		return
	}
	l.log(LevelDebug, format, args...)
}

func (l *Logger) Info(format string, args ...any) {
	l.log(LevelInfo, format, args...)
}

func (l *Logger) Warn(format string, args ...any) {
	l.log(LevelWarn, format, args...)
}

func (l *Logger) Error(format string, args ...any) {
	l.log(LevelError, format, args...)
}

func (l *Logger) GetAgentID() string {
	return l.agentID
}

func (l *Logger) WithAgentID(agentID string) *Logger {
	return &Logger{agentID: agentID}
}

// ContextWithAgentID tags ctx so that Debug attributes lines to agentID.
func ContextWithAgentID(ctx context.Context, agentID string) context.Context {
	return context.WithValue(ctx, agentIDKey, agentID)
}

// Debug logs a domain-filtered debug line.
//
//	DEBUG=1                            # all domains
//	DEBUG=1 DEBUG_DOMAINS=heal         # only the heal domain
//	DEBUG=1 DEBUG_DOMAINS=heal,subagent
func Debug(ctx context.Context, domain, format string, args ...any) {
	if !IsDebugEnabledForDomain(domain) {
		return
	}
	agentID := "unknown"
	if ctx != nil {
		if id, ok := ctx.Value(agentIDKey).(string); ok {
			agentID = id
		}
	}
	emit(agentID, domain, LevelDebug, fmt.Sprintf(format, args...))
}

var defaultLogger = NewLogger("system")

func Debugf(format string, args ...any) {
	defaultLogger.Debug(format, args...)
}

func Infof(format string, args ...any) {
	defaultLogger.Info(format, args...)
}

func Warnf(format string, args ...any) {
	defaultLogger.Warn(format, args...)
}

// Errorf logs and returns the formatted error.
//
//	err := logx.Errorf("setup failed: %w", err)
func Errorf(format string, args ...any) error {
	err := fmt.Errorf(format, args...)
	defaultLogger.Error("%s", err.Error())
	return err
}

// Wrap logs msg + ": " + err.Error() and returns fmt.Errorf("%s: %w", msg, err).
func Wrap(err error, msg string) error {
	if err == nil {
		return nil
	}
	wrappedErr := fmt.Errorf("%s: %w", msg, err)
	defaultLogger.Error("%s", wrappedErr.Error())
	return wrappedErr
}
