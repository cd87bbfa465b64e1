// Package log provides structured logging for cfiwatch using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with cfiwatch-specific helpers.
type Logger struct {
	*zap.Logger
	onEvent func(pc uint64, category, name, detail string) // callback for policy events
}

var (
	// L is the global logger instance.
	L    *Logger
	once sync.Once
)

// Init initializes the global logger with the given configuration.
// Safe to call multiple times; only the first call takes effect.
func Init(debug bool) {
	once.Do(func() {
		L = New(debug)
	})
}

// New creates a new Logger instance.
func New(debug bool) *Logger {
	var cfg zap.Config
	if debug {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	} else {
		cfg = zap.NewProductionConfig()
		cfg.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}

	// Shorter timestamps in development
	cfg.EncoderConfig.TimeKey = "ts"
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build(zap.AddCallerSkip(1))
	if err != nil {
		// Fallback to no-op if config fails
		logger = zap.NewNop()
	}

	return &Logger{Logger: logger}
}

// NewNop creates a no-op logger for testing.
func NewNop() *Logger {
	return &Logger{Logger: zap.NewNop()}
}

// OrNop returns l, or a no-op logger when l is nil.
func OrNop(l *Logger) *Logger {
	if l == nil {
		return NewNop()
	}
	return l
}

// SetOnEvent sets the callback invoked by Event.
func (l *Logger) SetOnEvent(fn func(pc uint64, category, name, detail string)) {
	l.onEvent = fn
}

// Event logs a policy event and calls the event callback if set.
func (l *Logger) Event(pc uint64, category, name, detail string) {
	if l.onEvent != nil {
		l.onEvent(pc, category, name, detail)
	}

	l.Debug("event",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		Addr(pc),
	)
}

// Miss logs a control transfer that no whitelist authorizes.
func (l *Logger) Miss(kind, category, proc string, asid, src, dst uint32) {
	l.Warn("cfi miss",
		zap.String("kind", kind),
		zap.String("category", category),
		Proc(proc),
		ASID(asid),
		Src(src),
		Dst(dst),
	)
}

// Invariant logs an invariant violation that halts the analysis session.
func (l *Logger) Invariant(event string, asid, addr uint32, err error) {
	l.Error("invariant violation",
		zap.String("event", event),
		ASID(asid),
		Ptr("addr", uint64(addr)),
		zap.Error(err),
	)
}

// ModuleResolved logs a module whitelist becoming available.
func (l *Logger) ModuleResolved(name, path string, entries int, cached bool) {
	l.Debug("module whitelist",
		zap.String("module", name),
		zap.String("path", path),
		zap.Int("entries", entries),
		zap.Bool("cached", cached),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
		onEvent: l.onEvent,
	}
}

// WithSession returns a logger with the analysis session id preset.
func (l *Logger) WithSession(id string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("session", id)),
		onEvent: l.onEvent,
	}
}

// Hex formats a uint64 as hex string for logging.
func Hex(addr uint64) string {
	return "0x" + hexString(addr)
}

func hexString(v uint64) string {
	const digits = "0123456789abcdef"
	if v == 0 {
		return "0"
	}
	buf := make([]byte, 16)
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = digits[v&0xf]
		v >>= 4
	}
	return string(buf[i:])
}

// Field helpers for common patterns.

// Addr creates an address field.
func Addr(addr uint64) zap.Field {
	return zap.String("addr", Hex(addr))
}

// Size creates a size field.
func Size(size uint64) zap.Field {
	return zap.Uint64("size", size)
}

// Ptr creates a pointer field.
func Ptr(name string, ptr uint64) zap.Field {
	return zap.String(name, Hex(ptr))
}

// Fn creates a function name field.
func Fn(name string) zap.Field {
	return zap.String("fn", name)
}

// ASID creates an address-space id field.
func ASID(asid uint32) zap.Field {
	return zap.String("asid", Hex(uint64(asid)))
}

// PID creates a process id field.
func PID(pid uint32) zap.Field {
	return zap.Uint32("pid", pid)
}

// Proc creates a process name field.
func Proc(name string) zap.Field {
	return zap.String("proc", name)
}

// Src creates a branch source field.
func Src(addr uint32) zap.Field {
	return zap.String("src", Hex(uint64(addr)))
}

// Dst creates a branch target field.
func Dst(addr uint32) zap.Field {
	return zap.String("dst", Hex(uint64(addr)))
}
