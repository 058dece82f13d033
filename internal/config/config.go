// Package config provides configuration structures and defaults for SlotDB.
package config

import (
	"time"
)

const (
	defaultLockTimeout        = 5 * time.Second
	defaultLockRetryInterval  = 2 * time.Millisecond
	defaultCheckpointInterval = 1
	defaultSlotCacheSize      = 4096
	defaultSlotCacheCounters  = 10 * defaultSlotCacheSize
)

// Config holds all tunable parameters for SlotDB's locking, durability and caching.
type Config struct {
	// LockTimeout bounds how long an operation waits for the file lock
	// before failing with ErrBusy.
	LockTimeout time.Duration
	// LockRetryInterval is the pause between lock attempts.
	LockRetryInterval time.Duration
	// CheckpointInterval is the number of committed WAL entries kept
	// before the log is truncated.
	CheckpointInterval int
	// SlotCacheSize is the maximum number of slots held by the read cache.
	SlotCacheSize int64
	// SlotCacheCounters is the number of admission counters of the read cache.
	SlotCacheCounters int64
}

// DefaultConfig returns a Config struct populated with default values.
func DefaultConfig() *Config {
	return &Config{
		LockTimeout:        defaultLockTimeout,
		LockRetryInterval:  defaultLockRetryInterval,
		CheckpointInterval: defaultCheckpointInterval,
		SlotCacheSize:      defaultSlotCacheSize,
		SlotCacheCounters:  defaultSlotCacheCounters,
	}
}

// FillDefaults sets any zero-value fields in the Config to their default values.
func (c *Config) FillDefaults() {
	def := DefaultConfig()
	if c.LockTimeout == 0 {
		c.LockTimeout = def.LockTimeout
	}
	if c.LockRetryInterval == 0 {
		c.LockRetryInterval = def.LockRetryInterval
	}
	if c.CheckpointInterval == 0 {
		c.CheckpointInterval = def.CheckpointInterval
	}
	if c.SlotCacheSize == 0 {
		c.SlotCacheSize = def.SlotCacheSize
	}
	if c.SlotCacheCounters == 0 {
		c.SlotCacheCounters = 10 * c.SlotCacheSize
	}
}
