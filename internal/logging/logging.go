// Package logging provides the daemon's named-logger registry: one
// rotated zap logger per subsystem, matching the teacher's
// pkg/logger pattern generalized to this daemon's component names.
package logging

import (
	"os"
	"path/filepath"
	"runtime"
	"time"

	"github.com/natefinch/lumberjack"
	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the minimal logging surface handed to components by
// Registry.Named; indexer.Queue and foldergroup.Group accept a value of
// this shape.
type Logger interface {
	Log(level, msg string)
}

// dirMode matches the permission the teacher's logger uses for its log
// directories.
const dirMode = 0o740

// Registry is a named-logger registry: each subsystem gets its own
// rotated file, consulted by name.
type Registry struct {
	loggers map[string]*zap.Logger
}

// Open builds a Registry from a name->filepath map, creating parent
// directories as needed.
func Open(logFiles map[string]string) (*Registry, error) {
	loggers := make(map[string]*zap.Logger, len(logFiles))
	for name, fpath := range logFiles {
		dir := filepath.Dir(fpath)
		if _, err := os.Stat(dir); err != nil {
			if err := os.MkdirAll(dir, dirMode); err != nil {
				return nil, errors.Wrapf(err, "logging: mkdir %s", dir)
			}
		}
		core := zapcore.NewTee(
			zapcore.NewCore(encoder(), writeSyncer(fpath), zap.NewAtomicLevel()),
		)
		loggers[name] = zap.New(core, zap.AddCaller())
	}
	return &Registry{loggers: loggers}, nil
}

// Named returns a Logger bound to one subsystem's rotated file. If the
// name was never registered, log calls are silently dropped rather than
// panicking — a missing log channel should never take down the daemon.
func (r *Registry) Named(name string) Logger {
	return &subsystem{name: name, registry: r}
}

type subsystem struct {
	name     string
	registry *Registry
}

// Log writes a leveled message, annotated with the caller's file:line
// the way the teacher's logger does.
func (s *subsystem) Log(level, msg string) {
	v, ok := s.registry.loggers[s.name]
	if !ok {
		return
	}
	_, file, line, _ := runtime.Caller(2)
	switch level {
	case "err":
		v.Sugar().Errorf("[%s:%d] %s", filepath.Base(file), line, msg)
	case "warn":
		v.Sugar().Warnf("[%s:%d] %s", filepath.Base(file), line, msg)
	default:
		v.Sugar().Infof("[%s:%d] %s", filepath.Base(file), line, msg)
	}
}

// Sync flushes every registered logger.
func (r *Registry) Sync() error {
	var firstErr error
	for _, l := range r.loggers {
		if err := l.Sync(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func encoder() zapcore.Encoder {
	return zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		TimeKey:        "ts",
		LevelKey:       "level",
		NameKey:        "logger",
		CallerKey:      "caller_line",
		FunctionKey:    zapcore.OmitKey,
		MessageKey:     "msg",
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    encodeLevel,
		EncodeTime:     encodeTime,
		EncodeDuration: zapcore.SecondsDurationEncoder,
	})
}

func writeSyncer(fpath string) zapcore.WriteSyncer {
	return zapcore.AddSync(&lumberjack.Logger{
		Filename:   fpath,
		MaxSize:    10,
		MaxBackups: 20,
		MaxAge:     30,
		LocalTime:  true,
		Compress:   true,
	})
}

func encodeLevel(level zapcore.Level, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + level.CapitalString() + "]")
}

func encodeTime(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
	enc.AppendString("[" + t.Format("2006-01-02 15:04:05") + "]")
}
