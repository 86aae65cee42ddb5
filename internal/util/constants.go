// Package util provides common utility functions and constants used across the
// wstunnel-manager application. This package is intentionally kept dependency-free
// (no imports from other internal/* packages) to serve as a shared foundation
// without introducing circular dependencies.
package util

import "time"

const (
	// AppName is used for the config directory and the application log file.
	AppName = "wstunnel-manager"

	// MockEnvVar selects the mock process backend when set to 1, true, yes or on.
	// It is read once at startup.
	MockEnvVar = "WSTUNNEL_MANAGER_MOCK"

	// DefaultGracePeriod is how long a stopping tunnel may take to exit after
	// the graceful stop signal before it is force-killed.
	// Used by: internal/supervisor (Stop, ShutdownAll) and internal/appconfig.
	DefaultGracePeriod = 5 * time.Second

	// ForceKillWait bounds the wait after a force kill. A process still alive
	// after this is reported as an anomaly and the tunnel is marked stopped anyway.
	ForceKillWait = 2 * time.Second

	// DefaultShutdownTimeout is the budget for ShutdownAll when the process
	// receives SIGINT/SIGTERM or the dashboard quits.
	DefaultShutdownTimeout = 10 * time.Second

	// DefaultRefreshSeconds is the dashboard's status polling interval.
	DefaultRefreshSeconds = 2

	// DefaultLogDirectory is relative to the working directory.
	DefaultLogDirectory = "logs"

	// MaxTagLength is the longest accepted tunnel tag.
	MaxTagLength = 100

	// MaxRetentionDays caps log_retention_days at ten years.
	MaxRetentionDays = 3650

	// SweepInterval is how often the headless runtime re-runs the log retention sweep.
	SweepInterval = 24 * time.Hour

	// DefaultAPIRateLimit is requests per minute per client on the HTTP API.
	DefaultAPIRateLimit = 120
)
