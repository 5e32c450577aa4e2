// Package logging builds the dual-sink logger: human-readable console
// output plus a durable JSON log file under the backup root, so every
// warning and error of a run survives the terminal session.
package logging

import (
	"fmt"
	"os"
	"path/filepath"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// LogFileName is the fixed durable log under the backup root.
const LogFileName = "stackback.log"

// New returns a logger writing timestamped entries to stderr and to the
// durable log file. With verbose set, the console sink includes debug
// entries; the file sink always records everything down to debug.
func New(backupRoot string, verbose bool) (*zap.Logger, error) {
	if err := os.MkdirAll(backupRoot, 0750); err != nil {
		return nil, fmt.Errorf("failed to create backup root %s: %w", backupRoot, err)
	}

	logPath := filepath.Join(backupRoot, LogFileName)
	logFile, err := os.OpenFile(logPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600) // #nosec G304 - fixed log path under the backup root
	if err != nil {
		return nil, fmt.Errorf("failed to open log file %s: %w", logPath, err)
	}

	consoleLevel := zapcore.InfoLevel
	if verbose {
		consoleLevel = zapcore.DebugLevel
	}

	consoleCfg := zap.NewDevelopmentEncoderConfig()
	consoleCfg.EncodeLevel = zapcore.CapitalLevelEncoder
	fileCfg := zap.NewProductionEncoderConfig()
	fileCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	core := zapcore.NewTee(
		zapcore.NewCore(zapcore.NewConsoleEncoder(consoleCfg), zapcore.Lock(os.Stderr), consoleLevel),
		zapcore.NewCore(zapcore.NewJSONEncoder(fileCfg), zapcore.AddSync(logFile), zapcore.DebugLevel),
	)

	return zap.New(core), nil
}

// Nop returns a logger that discards everything. Used by tests.
func Nop() *zap.Logger {
	return zap.NewNop()
}
