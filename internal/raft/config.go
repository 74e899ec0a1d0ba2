package raft

import (
	"fmt"
	"time"
)

// Config holds the tunables of a Server. Timeouts are counted in logical
// ticks; TickInterval maps ticks to wall time for WallClock.
type Config struct {
	TickInterval      time.Duration // Wall-clock length of one tick
	ElectionTimeout   int           // Base election timeout in ticks
	HeartbeatInterval int           // Ticks between leader heartbeats

	SnapshotThreshold      int  // Applied entries between snapshots
	SnapshotTrailing       int  // Entries kept in the log behind a snapshot
	AppendRequestThreshold int  // Max bytes of entries per append request
	MaxLogSize             int  // Max in-memory entries before AddEntry fails
	EnablePrevoting        bool // Poll voters before starting an election
}

// DefaultConfig returns default configuration.
func DefaultConfig() Config {
	return Config{
		TickInterval:           10 * time.Millisecond,
		ElectionTimeout:        10,
		HeartbeatInterval:      2,
		SnapshotThreshold:      1024,
		SnapshotTrailing:       200,
		AppendRequestThreshold: 100000,
		MaxLogSize:             5000,
		EnablePrevoting:        true,
	}
}

// Validate checks if the configuration is valid.
func (c Config) Validate() error {
	switch {
	case c.TickInterval <= 0:
		return fmt.Errorf("%w: tick interval must be positive", ErrInvalidConfig)
	case c.ElectionTimeout <= 0:
		return fmt.Errorf("%w: election timeout must be positive", ErrInvalidConfig)
	case c.HeartbeatInterval <= 0 || c.HeartbeatInterval >= c.ElectionTimeout:
		return fmt.Errorf("%w: heartbeat interval must be in (0, election timeout)", ErrInvalidConfig)
	case c.SnapshotThreshold <= 0:
		return fmt.Errorf("%w: snapshot threshold must be positive", ErrInvalidConfig)
	case c.SnapshotTrailing < 0:
		return fmt.Errorf("%w: snapshot trailing must not be negative", ErrInvalidConfig)
	case c.AppendRequestThreshold <= 0:
		return fmt.Errorf("%w: append request threshold must be positive", ErrInvalidConfig)
	case c.MaxLogSize <= c.SnapshotTrailing:
		return fmt.Errorf("%w: max log size must exceed snapshot trailing", ErrInvalidConfig)
	case c.MaxLogSize < c.SnapshotTrailing+c.SnapshotThreshold:
		// Otherwise the log fills up before a snapshot can be taken.
		return fmt.Errorf("%w: max log size must cover snapshot trailing plus threshold", ErrInvalidConfig)
	}
	return nil
}
