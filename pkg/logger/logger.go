// Package logger provides the standardized Zap logging setup shared by every
// game server component.
package logger

import (
	"fmt"
	"os"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds the logging configuration.
type Config struct {
	// Level sets the minimum log level ("debug", "info", "warn", "error").
	Level string `mapstructure:"level"`
	// Format selects the output format ("json" or "console").
	Format string `mapstructure:"format"`
	// OutputFile is the log destination. "stdout" or "stderr" log to the
	// console.
	OutputFile string `mapstructure:"output_file"`
}

// New builds a zap.Logger from the configuration, tagged with the peer id so
// interleaved logs from several peers stay attributable.
func New(config Config, peerID string) (*zap.Logger, error) {
	logLevel := zap.NewAtomicLevel()
	if err := logLevel.UnmarshalText([]byte(config.Level)); err != nil {
		logLevel.SetLevel(zap.InfoLevel)
	}

	writeSyncer, err := getWriteSyncer(config.OutputFile)
	if err != nil {
		return nil, err
	}

	core := zapcore.NewCore(getEncoder(config.Format), writeSyncer, logLevel)

	logger := zap.New(core, zap.AddCaller()).
		WithOptions(zap.Fields(zap.String("peer", peerID)))

	return logger, nil
}

func getEncoder(format string) zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder

	if strings.ToLower(format) == "console" {
		return zapcore.NewConsoleEncoder(encoderConfig)
	}
	return zapcore.NewJSONEncoder(encoderConfig)
}

func getWriteSyncer(outputFile string) (zapcore.WriteSyncer, error) {
	switch strings.ToLower(outputFile) {
	case "stdout", "":
		return zapcore.AddSync(os.Stdout), nil
	case "stderr":
		return zapcore.AddSync(os.Stderr), nil
	default:
		file, err := os.OpenFile(outputFile, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, fmt.Errorf("failed to open log file %s: %w", outputFile, err)
		}
		return zapcore.AddSync(file), nil
	}
}
