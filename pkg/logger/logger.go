// Package logger builds the zap loggers used by every gojotxn binary.
package logger

import (
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds all the configuration for the logger.
type Config struct {
	// Level is the minimum level: debug, info, warn or error.
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
	// OutputFile is a path, or "stdout"/"stderr".
	OutputFile string `yaml:"output_file"`
	// Sampling keeps the first 100 copies of a message each second and
	// every 10th after that.
	Sampling bool `yaml:"sampling"`
	// Fields are attached to every entry, e.g. the shard id of a node.
	Fields map[string]string `yaml:"fields"`
}

// DefaultConfig logs info and above as JSON to stdout.
func DefaultConfig() Config {
	return Config{Level: "info", Format: "json", OutputFile: "stdout"}
}

// New creates a logger tagged with service. An unknown level falls back
// to info.
func New(config Config, service string) (*zap.Logger, error) {
	sink, err := openSink(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(newEncoder(config.Format), sink, zap.NewAtomicLevelAt(parseLevel(config.Level)))
	if config.Sampling {
		core = zapcore.NewSamplerWithOptions(core, time.Second, 100, 10)
	}

	fields := []zap.Field{zap.String("service", service)}
	keys := make([]string, 0, len(config.Fields))
	for k := range config.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, zap.String(k, config.Fields[k]))
	}
	return zap.New(core, zap.AddCaller(), zap.Fields(fields...)), nil
}

func parseLevel(s string) zapcore.Level {
	lvl, err := zapcore.ParseLevel(s)
	if err != nil {
		return zapcore.InfoLevel
	}
	return lvl
}

func newEncoder(format string) zapcore.Encoder {
	cfg := zap.NewProductionEncoderConfig()
	cfg.EncodeTime = zapcore.ISO8601TimeEncoder
	cfg.EncodeLevel = zapcore.CapitalLevelEncoder
	cfg.EncodeDuration = zapcore.StringDurationEncoder

	if strings.EqualFold(format, "console") {
		return zapcore.NewConsoleEncoder(cfg)
	}
	return zapcore.NewJSONEncoder(cfg)
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(output) {
	case "", "stdout":
		return zapcore.Lock(os.Stdout), nil
	case "stderr":
		return zapcore.Lock(os.Stderr), nil
	}
	f, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "opening log file %s", output)
	}
	return zapcore.AddSync(f), nil
}
