package config

import "time"

// TimeoutConfig holds timeout settings for lifecycle operations.
// These can be configured via CLI flags to tune behaviour for slow
// hosts or very large clusters.
type TimeoutConfig struct {
	// LockAcquire bounds blocking acquisition of the coordination
	// lock. Default: 5m
	LockAcquire time.Duration

	// StartReadiness bounds the wait for a freshly launched server to
	// accept connections. Default: 60s
	StartReadiness time.Duration

	// StopGrace bounds the graceful ("fast") shutdown before
	// escalating. Default: 60s
	StopGrace time.Duration

	// StopImmediate bounds the escalated ("immediate") shutdown before
	// giving up. Default: 30s
	StopImmediate time.Duration

	// Recovery bounds write-ahead-log replay during a restore.
	// Default: 30m
	Recovery time.Duration
}

// DefaultTimeoutConfig returns the default timeout configuration
func DefaultTimeoutConfig() *TimeoutConfig {
	return &TimeoutConfig{
		LockAcquire:    5 * time.Minute,
		StartReadiness: 60 * time.Second,
		StopGrace:      60 * time.Second,
		StopImmediate:  30 * time.Second,
		Recovery:       30 * time.Minute,
	}
}

// global instance that can be set at startup
var globalTimeouts = DefaultTimeoutConfig()

// SetGlobalTimeouts sets the global timeout configuration
func SetGlobalTimeouts(cfg *TimeoutConfig) {
	globalTimeouts = cfg
}

// GetTimeouts returns the global timeout configuration
func GetTimeouts() *TimeoutConfig {
	return globalTimeouts
}
