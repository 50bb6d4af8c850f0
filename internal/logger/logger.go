package logger

import (
	"fmt"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Log is replaced by InitLogger; until then everything is discarded.
var Log = zap.NewNop()

// InitLogger baut den globalen Logger. Debug schreibt lesbar auf die Konsole,
// sonst JSON. logFile ist optional. Bei einem Fehler bleibt der bisherige Logger aktiv.
func InitLogger(debug bool, logFile string) error {
	built, err := Build(debug, logFile)
	if err != nil {
		return fmt.Errorf("fehler beim Initialisieren des Loggers: %w", err)
	}
	Log = built
	return nil
}

func Build(debug bool, logFile string) (*zap.Logger, error) {
	var logEncoding string

	level := zap.NewAtomicLevel()
	if debug {
		level.SetLevel(zap.DebugLevel)
		logEncoding = "console"
	} else {
		level.SetLevel(zap.InfoLevel)
		logEncoding = "json"
	}

	outputs := []string{"stdout"}
	if logFile != "" {
		outputs = append(outputs, logFile)
	}

	cfg := zap.Config{
		Level:            level,
		Encoding:         logEncoding,
		OutputPaths:      outputs,
		ErrorOutputPaths: []string{"stderr"},
		EncoderConfig: zapcore.EncoderConfig{
			MessageKey:   "msg",
			LevelKey:     "level",
			TimeKey:      "time",
			CallerKey:    "caller",
			EncodeLevel:  zapcore.LowercaseLevelEncoder,
			EncodeTime:   zapcore.ISO8601TimeEncoder,
			EncodeCaller: zapcore.ShortCallerEncoder,
		},
	}

	return cfg.Build()
}
