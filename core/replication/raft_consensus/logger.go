package fsm

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"strings"

	"github.com/hashicorp/go-hclog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapRaftLogger lets hashicorp/raft log through zap.
type ZapRaftLogger struct {
	logger *zap.Logger
	name   string
	args   []interface{}
	level  zap.AtomicLevel
}

var _ hclog.Logger = (*ZapRaftLogger)(nil)

// NewZapRaftLogger returns an hclog.Logger writing to logger. Its level
// starts at debug if logger has debug enabled, else info.
func NewZapRaftLogger(logger *zap.Logger) *ZapRaftLogger {
	initial := zap.InfoLevel
	if logger.Core().Enabled(zap.DebugLevel) {
		initial = zap.DebugLevel
	}
	return &ZapRaftLogger{logger: logger, level: zap.NewAtomicLevelAt(initial)}
}

func (z *ZapRaftLogger) Log(level hclog.Level, msg string, args ...interface{}) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.log(zap.DebugLevel, msg, args...)
	case hclog.Warn:
		z.log(zap.WarnLevel, msg, args...)
	case hclog.Error:
		z.log(zap.ErrorLevel, msg, args...)
	case hclog.Off:
	default:
		z.log(zap.InfoLevel, msg, args...)
	}
}

func (z *ZapRaftLogger) Trace(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *ZapRaftLogger) Debug(msg string, args ...interface{}) { z.log(zap.DebugLevel, msg, args...) }
func (z *ZapRaftLogger) Info(msg string, args ...interface{})  { z.log(zap.InfoLevel, msg, args...) }
func (z *ZapRaftLogger) Warn(msg string, args ...interface{})  { z.log(zap.WarnLevel, msg, args...) }
func (z *ZapRaftLogger) Error(msg string, args ...interface{}) { z.log(zap.ErrorLevel, msg, args...) }

func (z *ZapRaftLogger) log(level zapcore.Level, msg string, args ...interface{}) {
	// raft-boltdb reports every read transaction it closes.
	if strings.Contains(msg, "tx closed") {
		return
	}
	if !z.level.Enabled(level) {
		return
	}
	if ce := z.logger.Check(level, msg); ce != nil {
		ce.Write(argsToFields(args)...)
	}
}

func (z *ZapRaftLogger) IsTrace() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsDebug() bool { return z.level.Enabled(zap.DebugLevel) }
func (z *ZapRaftLogger) IsInfo() bool  { return z.level.Enabled(zap.InfoLevel) }
func (z *ZapRaftLogger) IsWarn() bool  { return z.level.Enabled(zap.WarnLevel) }
func (z *ZapRaftLogger) IsError() bool { return z.level.Enabled(zap.ErrorLevel) }

func (z *ZapRaftLogger) ImpliedArgs() []interface{} { return z.args }

func (z *ZapRaftLogger) With(args ...interface{}) hclog.Logger {
	implied := append(append([]interface{}{}, z.args...), args...)
	return &ZapRaftLogger{logger: z.logger.With(argsToFields(args)...), name: z.name, args: implied, level: z.level}
}

func (z *ZapRaftLogger) Name() string { return z.name }

func (z *ZapRaftLogger) Named(name string) hclog.Logger {
	full := name
	if z.name != "" {
		full = z.name + "." + name
	}
	return &ZapRaftLogger{logger: z.logger.Named(name), name: full, args: z.args, level: z.level}
}

func (z *ZapRaftLogger) ResetNamed(name string) hclog.Logger {
	return &ZapRaftLogger{logger: z.logger.Named(name), name: name, args: z.args, level: z.level}
}

func (z *ZapRaftLogger) SetLevel(level hclog.Level) {
	switch level {
	case hclog.Trace, hclog.Debug:
		z.level.SetLevel(zap.DebugLevel)
	case hclog.Warn:
		z.level.SetLevel(zap.WarnLevel)
	case hclog.Error:
		z.level.SetLevel(zap.ErrorLevel)
	default:
		z.level.SetLevel(zap.InfoLevel)
	}
}

func (z *ZapRaftLogger) GetLevel() hclog.Level {
	switch z.level.Level() {
	case zapcore.DebugLevel:
		return hclog.Debug
	case zapcore.InfoLevel:
		return hclog.Info
	case zapcore.WarnLevel:
		return hclog.Warn
	case zapcore.ErrorLevel:
		return hclog.Error
	}
	return hclog.NoLevel
}

// StandardLogger returns a log.Logger whose lines are logged at info.
func (z *ZapRaftLogger) StandardLogger(opts *hclog.StandardLoggerOptions) *log.Logger {
	return log.New(z.StandardWriter(opts), "", 0)
}

// StandardWriter returns a writer logging each line it receives. raft's
// TCP transport writes through it.
func (z *ZapRaftLogger) StandardWriter(*hclog.StandardLoggerOptions) io.Writer {
	return &lineWriter{z: z}
}

type lineWriter struct {
	z *ZapRaftLogger
}

func (w *lineWriter) Write(p []byte) (int, error) {
	sc := bufio.NewScanner(strings.NewReader(string(p)))
	for sc.Scan() {
		if line := strings.TrimSpace(sc.Text()); line != "" {
			w.z.log(zap.InfoLevel, line)
		}
	}
	return len(p), nil
}

func argsToFields(args []interface{}) []zap.Field {
	fields := make([]zap.Field, 0, len(args)/2)
	for i := 0; i < len(args); i += 2 {
		key, ok := args[i].(string)
		if !ok {
			key = fmt.Sprintf("arg%d", i)
		}
		if i+1 >= len(args) {
			fields = append(fields, zap.String(key, "(missing)"))
			break
		}
		fields = append(fields, zap.Any(key, args[i+1]))
	}
	return fields
}
