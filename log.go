package binlog

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// defaultLogger is used wherever a caller does not inject one. It discards
// everything; production callers pass their own *zap.Logger into Dial's
// WithLogger option (or build one with NewLogger from a LogConfig) so
// decode warnings and FSM transitions land in their own log pipeline
// instead of this package picking one for them.
func defaultLogger() *zap.Logger {
	return zap.NewNop()
}

// kindField is the zap field every FSM/decode log line that carries a Kind
// uses, so log queries can filter on it uniformly.
func kindField(k Kind) zap.Field {
	return zap.String("kind", k.String())
}

// NewLogger builds a *zap.Logger from a LogConfig, the ambient logging
// counterpart to LoadConfig. An empty cfg.File logs JSON to stderr; a
// non-empty one rotates through lumberjack instead, so a long-running
// `binlogcat relay` doesn't fill a disk with one unbounded file.
func NewLogger(cfg LogConfig) (*zap.Logger, error) {
	level := zapcore.InfoLevel
	if cfg.Level != "" {
		if err := level.UnmarshalText([]byte(cfg.Level)); err != nil {
			return nil, newErrf(KindConfigInvalid, err, "log.level %q", cfg.Level)
		}
	}

	var ws zapcore.WriteSyncer
	if cfg.File == "" {
		ws = zapcore.Lock(zapcore.AddSync(os.Stderr))
	} else {
		ws = zapcore.AddSync(&lumberjack.Logger{
			Filename:   cfg.File,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     28, // days
			Compress:   true,
		})
	}

	enc := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(enc, ws, level)
	return zap.New(core), nil
}
