// Package log provides structured logging for the isolation runtime using zap.
package log

import (
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger wraps zap.Logger with runtime-specific helpers.
type Logger struct {
	*zap.Logger
	onEvent func(pc uint64, category, name, detail string) // event callback for trace collection
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

// SetOnEvent sets the trace callback invoked for every runtime event.
func (l *Logger) SetOnEvent(fn func(pc uint64, category, name, detail string)) {
	l.onEvent = fn
}

// Event logs a runtime event (invoke, callback dispatch, fault) and feeds
// the trace callback if one is set.
func (l *Logger) Event(pc uint64, category, name, detail string) {
	if l.onEvent != nil {
		l.onEvent(pc, category, name, detail)
	}

	l.Debug("event",
		zap.String("cat", category),
		zap.String("fn", name),
		zap.String("detail", detail),
		zap.Uint64("pc", pc),
	)
}

// EventSimple logs an event without a program-counter value (uses 0).
func (l *Logger) EventSimple(category, name, detail string) {
	l.Event(0, category, name, detail)
}

// Invoke logs entry into a foreign function.
func (l *Logger) Invoke(symbolIndex int, a0, a1 uint64) {
	l.Info("invoke",
		zap.Int("symbol", symbolIndex),
		zap.Uint64("a0", a0),
		zap.Uint64("a1", a1),
	)
}

// CallbackDispatch logs a callback trap being routed to its wrapper.
func (l *Logger) CallbackDispatch(springboard uint64, mepc uint64) {
	l.Debug("callback dispatch",
		Addr(springboard),
		zap.Uint64("mepc", mepc),
	)
}

// Fault logs an unrecoverable trap from the foreign domain.
func (l *Logger) Fault(cause, tval, pc uint64) {
	l.Warn("fault",
		zap.Uint64("mcause", cause),
		zap.Uint64("mtval", tval),
		zap.Uint64("mepc", pc),
	)
}

// WithCategory returns a logger with the category field preset.
func (l *Logger) WithCategory(category string) *Logger {
	return &Logger{
		Logger:  l.Logger.With(zap.String("cat", category)),
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
