package mixer

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/mattn/go-isatty"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/stalexteam/mixermemory/pkg/mixer/util"
)

const (
	logDirectory = "logs"
	logFilename  = "mixermemory-latest-run.log"
)

// NewLogger provides a logger instance for the whole program. Verbose mode
// adds debug level output; everything is written to a file under logs/ as well as stderr
func NewLogger(verbose bool) (*zap.SugaredLogger, error) {
	if err := util.EnsureDirExists(logDirectory); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	var loggerConfig zap.Config

	if verbose {
		loggerConfig = zap.NewDevelopmentConfig()
	} else {
		loggerConfig = zap.NewProductionConfig()
		loggerConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		loggerConfig.Sampling = nil
	}

	// a terminal gets the readable console format, anything else (redirected, running from the tray) gets JSON
	if isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd()) {
		loggerConfig.Encoding = "console"
	} else {
		loggerConfig.Encoding = "json"
	}

	loggerConfig.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	loggerConfig.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	loggerConfig.EncoderConfig.EncodeCaller = nil
	loggerConfig.EncoderConfig.CallerKey = ""

	loggerConfig.OutputPaths = []string{filepath.Join(logDirectory, logFilename), "stderr"}
	loggerConfig.ErrorOutputPaths = []string{"stderr"}

	logger, err := loggerConfig.Build()
	if err != nil {
		return nil, fmt.Errorf("create zap logger: %w", err)
	}

	return logger.Sugar(), nil
}

// LogFilePath is where NewLogger writes its log file
func LogFilePath() string {
	return filepath.Join(logDirectory, logFilename)
}
