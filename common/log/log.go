package log

import (
	"context"
	"fmt"
	"os"
	"strings"
	"sync"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// EnvLevel names the environment variable that lowers the default level, for
// instance AURA_LOG_LEVEL=debug.
const EnvLevel = "AURA_LOG_LEVEL"

// Logger is the structured logger every component receives at construction.
//
//nolint:interfacebloat
type Logger interface {
	Debugw(msg string, keyvals ...interface{})
	Infow(msg string, keyvals ...interface{})
	Warnw(msg string, keyvals ...interface{})
	Errorw(msg string, keyvals ...interface{})
	Fatalw(msg string, keyvals ...interface{})
	With(args ...interface{}) Logger
	Named(s string) Logger
	AddCallerSkip(skip int) Logger
	Sync() error
}

type sugared struct {
	*zap.SugaredLogger
}

func (l *sugared) With(args ...interface{}) Logger {
	return &sugared{l.SugaredLogger.With(args...)}
}

func (l *sugared) Named(s string) Logger {
	return &sugared{l.SugaredLogger.Named(s)}
}

func (l *sugared) AddCallerSkip(skip int) Logger {
	return &sugared{l.WithOptions(zap.AddCallerSkip(skip))}
}

const (
	DebugLevel = int(zapcore.DebugLevel)
	InfoLevel  = int(zapcore.InfoLevel)
	WarnLevel  = int(zapcore.WarnLevel)
	ErrorLevel = int(zapcore.ErrorLevel)
	FatalLevel = int(zapcore.FatalLevel)
)

// DefaultLevel is used by DefaultLogger. It is lowered by EnvLevel at init.
var DefaultLevel = InfoLevel

//nolint:gochecknoinits
func init() {
	if v, ok := os.LookupEnv(EnvLevel); ok {
		if lvl, err := ParseLevel(v); err == nil {
			DefaultLevel = lvl
		}
	}
}

// ParseLevel maps a level name (debug, info, warn, error, fatal) to a level.
func ParseLevel(name string) (int, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "debug":
		return DebugLevel, nil
	case "info", "":
		return InfoLevel, nil
	case "warn", "warning":
		return WarnLevel, nil
	case "error":
		return ErrorLevel, nil
	case "fatal":
		return FatalLevel, nil
	}
	return InfoLevel, fmt.Errorf("unknown log level %q", name)
}

var defaultOnce sync.Once

// DefaultLogger logs JSON to stdout at DefaultLevel.
func DefaultLogger() Logger {
	defaultOnce.Do(func() {
		zap.ReplaceGlobals(build(nil, jsonEncoder(), DefaultLevel))
	})
	return &sugared{zap.S()}
}

// New returns a logger writing to output (stdout when nil) at the given level.
func New(output zapcore.WriteSyncer, level int, isJSON bool) Logger {
	enc := consoleEncoder()
	if isJSON {
		enc = jsonEncoder()
	}
	return &sugared{build(output, enc, level).Sugar()}
}

// Nop discards everything.
func Nop() Logger {
	return &sugared{zap.NewNop().Sugar()}
}

func build(output zapcore.WriteSyncer, enc zapcore.Encoder, level int) *zap.Logger {
	if output == nil {
		output = os.Stdout
	}
	core := zapcore.NewCore(enc, output, zapcore.Level(level))
	return zap.New(core, zap.WithCaller(true))
}

func encoderConfig() zapcore.EncoderConfig {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	return cfg
}

func jsonEncoder() zapcore.Encoder {
	return zapcore.NewJSONEncoder(encoderConfig())
}

func consoleEncoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(encoderConfig())
}

type ctxKey struct{}

// ToContext attaches l to ctx.
func ToContext(ctx context.Context, l Logger) context.Context {
	return context.WithValue(ctx, ctxKey{}, l)
}

// FromContextOrDefault returns the logger attached with ToContext, or the
// default logger.
func FromContextOrDefault(ctx context.Context) Logger {
	if l, ok := ctx.Value(ctxKey{}).(Logger); ok {
		return l
	}
	return DefaultLogger()
}
