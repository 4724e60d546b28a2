package logging

import (
	"io"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// ZapLogger implements the Logger interface using uber-go/zap.
type ZapLogger struct {
	logger *zap.Logger
	fields []Field
}

// ZapOption configures a zap-backed logger.
type ZapOption func(*zapOptions)

type zapOptions struct {
	development bool
	level       zapcore.Level
	file        string
	maxSizeMB   int
	maxBackups  int
	console     bool
}

func defaultZapOptions() *zapOptions {
	return &zapOptions{
		level:      zapcore.InfoLevel,
		maxSizeMB:  100,
		maxBackups: 5,
		console:    true,
	}
}

// WithDevelopmentMode switches to the human-readable console encoder.
func WithDevelopmentMode() ZapOption {
	return func(opts *zapOptions) { opts.development = true }
}

// WithLogLevel sets the minimum level that produces output.
func WithLogLevel(level Level) ZapOption {
	return func(opts *zapOptions) {
		switch level {
		case DEBUG:
			opts.level = zapcore.DebugLevel
		case WARN:
			opts.level = zapcore.WarnLevel
		case ERROR:
			opts.level = zapcore.ErrorLevel
		default:
			opts.level = zapcore.InfoLevel
		}
	}
}

// WithRotatingFile adds a size-rotated log file alongside stdout. An empty
// path is ignored.
func WithRotatingFile(path string) ZapOption {
	return func(opts *zapOptions) { opts.file = path }
}

// WithRotation tunes the rotating file sink.
func WithRotation(maxSizeMB, maxBackups int) ZapOption {
	return func(opts *zapOptions) {
		if maxSizeMB > 0 {
			opts.maxSizeMB = maxSizeMB
		}
		if maxBackups >= 0 {
			opts.maxBackups = maxBackups
		}
	}
}

// WithoutConsole drops the stdout sink, leaving only the rotating file.
func WithoutConsole() ZapOption {
	return func(opts *zapOptions) { opts.console = false }
}

// NewZapLogger builds a Logger backed by zap. With WithRotatingFile set,
// entries go to both stdout and a lumberjack-rotated file.
func NewZapLogger(options ...ZapOption) Logger {
	opts := defaultZapOptions()
	for _, opt := range options {
		opt(opts)
	}

	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	var enc zapcore.Encoder
	if opts.development {
		devCfg := zap.NewDevelopmentEncoderConfig()
		devCfg.EncodeTime = zapcore.ISO8601TimeEncoder
		enc = zapcore.NewConsoleEncoder(devCfg)
	} else {
		enc = zapcore.NewJSONEncoder(encCfg)
	}

	atom := zap.NewAtomicLevelAt(opts.level)

	var cores []zapcore.Core
	if opts.console {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), atom))
	}
	if opts.file != "" {
		sink := &lumberjack.Logger{
			Filename:   opts.file,
			MaxSize:    opts.maxSizeMB,
			MaxBackups: opts.maxBackups,
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(sink), atom))
	}
	if len(cores) == 0 {
		cores = append(cores, zapcore.NewCore(enc, zapcore.AddSync(os.Stdout), atom))
	}

	core := zapcore.NewTee(cores...)
	return &ZapLogger{
		logger: zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1), zap.AddStacktrace(zapcore.ErrorLevel)),
	}
}

func (l *ZapLogger) Debug(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.DebugLevel, msg); ce != nil {
		ce.Write(l.convertFields(fields...)...)
	}
}

func (l *ZapLogger) Info(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.InfoLevel, msg); ce != nil {
		ce.Write(l.convertFields(fields...)...)
	}
}

func (l *ZapLogger) Warn(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.WarnLevel, msg); ce != nil {
		ce.Write(l.convertFields(fields...)...)
	}
}

func (l *ZapLogger) Error(msg string, fields ...Field) {
	if ce := l.logger.Check(zapcore.ErrorLevel, msg); ce != nil {
		ce.Write(l.convertFields(fields...)...)
	}
}

func (l *ZapLogger) WithFields(fields ...Field) Logger {
	child := *l
	child.fields = make([]Field, 0, len(l.fields)+len(fields))
	child.fields = append(child.fields, l.fields...)
	child.fields = append(child.fields, fields...)
	return &child
}

// SetLevel is not supported once a zap core is built; levels are fixed at
// construction through WithLogLevel.
func (l *ZapLogger) SetLevel(level Level) {
	l.logger.Debug("SetLevel has no effect on a zap-backed logger")
}

// SetOutput replaces every sink with a single JSON core writing to w.
func (l *ZapLogger) SetOutput(w io.Writer) {
	encCfg := zap.NewProductionEncoderConfig()
	encCfg.TimeKey = "timestamp"
	encCfg.MessageKey = "message"
	encCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	atom := zap.NewAtomicLevel()
	atom.SetLevel(l.logger.Level())

	core := zapcore.NewCore(zapcore.NewJSONEncoder(encCfg), zapcore.AddSync(w), atom)
	l.logger = zap.New(core, zap.AddCaller(), zap.AddCallerSkip(1))
}

// Sync flushes buffered entries. Call before process exit.
func (l *ZapLogger) Sync() error {
	return l.logger.Sync()
}

func (l *ZapLogger) convertFields(fields ...Field) []zap.Field {
	zapFields := make([]zap.Field, 0, len(l.fields)+len(fields))
	for _, f := range l.fields {
		zapFields = append(zapFields, zap.Any(f.Key, f.Value))
	}
	for _, f := range fields {
		zapFields = append(zapFields, zap.Any(f.Key, f.Value))
	}
	return zapFields
}
