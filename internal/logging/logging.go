package logging

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger is the process-wide logger. It is a no-op until Initialize is called, so
// packages may log during init and in tests.
var Logger = zap.NewNop().Sugar()

// New builds a logger: JSON (production encoder) for machines, console for humans.
// level is a zap level name; empty means info.
func New(jsonOutput bool, level string) (*zap.SugaredLogger, error) {
	lvl := zap.NewAtomicLevelAt(zap.InfoLevel)
	if level != "" {
		if err := lvl.UnmarshalText([]byte(level)); err != nil {
			return nil, err
		}
	}

	if jsonOutput {
		cfg := zap.NewProductionConfig()
		cfg.Level = lvl
		cfg.OutputPaths = []string{"stdout"}
		l, err := cfg.Build()
		if err != nil {
			return nil, err
		}
		return l.Sugar(), nil
	}

	enc := zap.NewDevelopmentEncoderConfig()
	enc.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05.000")
	enc.EncodeLevel = zapcore.CapitalColorLevelEncoder
	core := zapcore.NewCore(zapcore.NewConsoleEncoder(enc), zapcore.AddSync(os.Stdout), lvl)
	return zap.New(core).Sugar(), nil
}

// Initialize replaces the global Logger.
func Initialize(jsonOutput bool, level string) error {
	l, err := New(jsonOutput, level)
	if err != nil {
		return err
	}
	Logger = l
	return nil
}
