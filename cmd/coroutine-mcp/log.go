package main

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/xhd2015/coroutine-mcp/config"
	"github.com/xhd2015/coroutine-mcp/log"
)

// openLog appends to the configured log file. stdout carries the MCP
// stream, so nothing is logged there.
func openLog(cfg config.Config) (log.Logger, func(), error) {
	if cfg.LogFile == "" {
		return log.Discard(), func() {}, nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.LogFile), 0755); err != nil {
		return nil, nil, fmt.Errorf("failed to create log directory: %w", err)
	}
	file, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to open log file: %w", err)
	}
	return log.NewFile(file, cfg.LogLevel), func() { file.Close() }, nil
}
