// Package logging configures the zap logger shared by the CLI and the
// auth flow, with optional rotating file output.
package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Log level constants
const (
	LevelDebug = "debug"
	LevelInfo  = "info"
	LevelWarn  = "warn"
	LevelError = "error"
)

// Config controls logger outputs and rotation
type Config struct {
	Level         string
	EnableConsole bool
	EnableFile    bool
	Filename      string // full path to the log file
	MaxSize       int    // megabytes
	MaxBackups    int
	MaxAge        int // days
	Compress      bool
}

// DefaultConfig returns a console-only configuration at info level
func DefaultConfig() *Config {
	return &Config{
		Level:         LevelInfo,
		EnableConsole: true,
		EnableFile:    false,
		MaxSize:       10,
		MaxBackups:    5,
		MaxAge:        30,
		Compress:      true,
	}
}

// Setup creates a logger with console and file outputs based on configuration
func Setup(config *Config) (*zap.Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}

	level := parseLevel(config.Level)

	var cores []zapcore.Core

	if config.EnableConsole {
		consoleCore := zapcore.NewCore(
			consoleEncoder(),
			zapcore.AddSync(os.Stderr),
			level,
		)
		cores = append(cores, consoleCore)
	}

	if config.EnableFile {
		if config.Filename == "" {
			return nil, fmt.Errorf("file logging enabled without a filename")
		}
		rotator := &lumberjack.Logger{
			Filename:   config.Filename,
			MaxSize:    config.MaxSize,
			MaxBackups: config.MaxBackups,
			MaxAge:     config.MaxAge,
			Compress:   config.Compress,
		}
		fileCore := zapcore.NewCore(
			fileEncoder(),
			zapcore.AddSync(rotator),
			level,
		)
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return nil, fmt.Errorf("no log outputs configured")
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())

	return logger, nil
}

func parseLevel(s string) zapcore.Level {
	switch s {
	case LevelDebug:
		return zap.DebugLevel
	case LevelInfo:
		return zap.InfoLevel
	case LevelWarn:
		return zap.WarnLevel
	case LevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// consoleEncoder returns a human-readable encoder for terminal output
func consoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// fileEncoder returns a structured but readable encoder for log files
func fileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(encoderConfig)
}
