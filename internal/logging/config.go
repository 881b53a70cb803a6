package logging

import (
	"cluster-modelcheck/internal/config"
)

// DevelopmentLoggingConfig returns logging configuration optimized for development
func DevelopmentLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:  "debug",
		Format: "console", // Human-readable format for development
		Output: "stdout",
	}
}

// ProductionLoggingConfig returns logging configuration optimized for CI runs
func ProductionLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:  "info",
		Format: "json", // Machine-readable format for log collection
		Output: "stdout",
	}
}

// TestLoggingConfig returns logging configuration optimized for testing
func TestLoggingConfig() config.LoggingConfig {
	return config.LoggingConfig{
		Level:  "error", // Minimal logging during tests
		Format: "json",
		Output: "stderr",
	}
}
