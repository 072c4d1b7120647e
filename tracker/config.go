package tracker

import (
	"fmt"
	"time"
)

// DefaultPort is the well-known control port of the tracker.
const DefaultPort = 3941

type Config struct {
	// ListenAddr is the UDP address the control channel binds to.
	ListenAddr        string
	HeartbeatInterval time.Duration
	// GraceWindow is how long probed peers have to answer; must be shorter
	// than HeartbeatInterval.
	GraceWindow time.Duration
	MaxSessions int
	// Advertise publishes the tracker over mDNS.
	Advertise bool
}

func DefaultConfig() Config {
	return Config{
		ListenAddr:        fmt.Sprintf("0.0.0.0:%d", DefaultPort),
		HeartbeatInterval: 5 * time.Second,
		GraceWindow:       3 * time.Second,
		MaxSessions:       DefaultMaxSessions,
	}
}

func (c Config) Validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen address is required")
	}
	if c.HeartbeatInterval <= 0 || c.GraceWindow <= 0 {
		return fmt.Errorf("heartbeat interval and grace window must be positive")
	}
	if c.GraceWindow >= c.HeartbeatInterval {
		return fmt.Errorf("grace window %s must be shorter than heartbeat interval %s", c.GraceWindow, c.HeartbeatInterval)
	}
	if c.MaxSessions <= 0 {
		return fmt.Errorf("max sessions must be positive, got %d", c.MaxSessions)
	}
	return nil
}
