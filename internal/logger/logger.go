package logger

import (
	"os"
	"sync"

	"github.com/natefinch/lumberjack"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

var (
	log  *zap.Logger
	once sync.Once
)

// Init initializes the global logger with console output only
func Init(debug bool) {
	InitWithFile(debug, "")
}

// InitWithFile initializes the global logger with console output and, when
// logFile is set, a rotated JSON log file. Only the first call has an effect.
func InitWithFile(debug bool, logFile string) {
	once.Do(func() {
		log = New(debug, logFile)
	})
}

// New builds a logger writing human-readable lines to stdout and JSON lines
// to logFile, if given
func New(debug bool, logFile string) *zap.Logger {
	level := zapcore.InfoLevel
	encoderConfig := zap.NewProductionEncoderConfig()
	if debug {
		level = zapcore.DebugLevel
		encoderConfig = zap.NewDevelopmentEncoderConfig()
	}
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(zapcore.NewConsoleEncoder(encoderConfig), zapcore.AddSync(os.Stdout), level),
	}

	if logFile != "" {
		fileEncoder := zap.NewProductionEncoderConfig()
		fileEncoder.EncodeTime = zapcore.ISO8601TimeEncoder
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(fileEncoder),
			zapcore.AddSync(&lumberjack.Logger{
				Filename:   logFile,
				MaxSize:    50, // MB
				MaxBackups: 5,
				MaxAge:     30, // days
			}),
			level,
		))
	}

	return zap.New(zapcore.NewTee(cores...), zap.AddStacktrace(zapcore.ErrorLevel))
}

// Get returns the global logger
func Get() *zap.Logger {
	if log == nil {
		Init(false)
	}
	return log
}

// Named returns a child of the global logger for one component
func Named(component string) *zap.Logger {
	return Get().Named(component)
}

// Sync flushes any buffered log entries
func Sync() {
	if log != nil {
		_ = log.Sync()
	}
}
