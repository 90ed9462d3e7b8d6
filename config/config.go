// Package config holds session configuration.
package config

import (
	"fmt"
	"time"
)

// Config controls a rollback session. Zero values are not usable; start
// from DefaultConfig and override.
type Config struct {
	// PredictionWindow is the maximum number of frames the local
	// simulation may run ahead of the last confirmed frame. It bounds
	// both rollback depth and save-state memory.
	PredictionWindow int `mapstructure:"prediction-window"`

	// InputDelay shifts local inputs this many frames into the future
	// before they take effect, trading latency for fewer rollbacks.
	InputDelay int `mapstructure:"input-delay"`

	// InputSize is the fixed size in bytes of one player input.
	InputSize int `mapstructure:"input-size"`

	// InputRedundancy is how many trailing inputs every input packet
	// repeats to survive datagram loss.
	InputRedundancy int `mapstructure:"input-redundancy"`

	// ChecksumInterval is how often, in frames, peers exchange a state
	// checksum for the latest mutually confirmed frame. Zero disables
	// the exchange.
	ChecksumInterval int `mapstructure:"checksum-interval"`

	// QualityReportInterval is how often quality-of-service pings are
	// sent while running.
	QualityReportInterval time.Duration `mapstructure:"quality-report-interval"`

	// KeepAliveInterval bounds outbound silence so an idle but healthy
	// connection is not mistaken for a dead one.
	KeepAliveInterval time.Duration `mapstructure:"keep-alive-interval"`

	// DisconnectTimeout is how long a peer may stay silent before it is
	// considered disconnected.
	DisconnectTimeout time.Duration `mapstructure:"disconnect-timeout"`

	// DisconnectNotifyStart is the silence threshold at which the host
	// is warned that a connection is interrupted, before the hard
	// timeout fires.
	DisconnectNotifyStart time.Duration `mapstructure:"disconnect-notify-start"`

	// SyncRetryInterval is how often an unanswered handshake packet is
	// retransmitted.
	SyncRetryInterval time.Duration `mapstructure:"sync-retry-interval"`

	// RecommendationInterval is the minimum number of frames between
	// two pacing recommendations, so one burst of frame advantage does
	// not stall the simulation repeatedly.
	RecommendationInterval int `mapstructure:"recommendation-interval"`

	// InboxCapacity bounds the per-peer inbound packet queue. Packets
	// beyond it are dropped, which the protocol absorbs like any other
	// datagram loss.
	InboxCapacity int `mapstructure:"inbox-capacity"`
}

// DefaultConfig returns the configuration used unless the host overrides it.
func DefaultConfig() Config {
	return Config{
		PredictionWindow:       8,
		InputDelay:             0,
		InputSize:              4,
		InputRedundancy:        8,
		ChecksumInterval:       60,
		QualityReportInterval:  time.Second,
		KeepAliveInterval:      200 * time.Millisecond,
		DisconnectTimeout:      5 * time.Second,
		DisconnectNotifyStart:  750 * time.Millisecond,
		SyncRetryInterval:      500 * time.Millisecond,
		RecommendationInterval: 240,
		InboxCapacity:          256,
	}
}

// Validate checks invariants between the fields.
func (c *Config) Validate() error {
	if c.PredictionWindow <= 0 {
		return fmt.Errorf("prediction window must be positive, got %d", c.PredictionWindow)
	}
	if c.InputDelay < 0 {
		return fmt.Errorf("input delay must not be negative, got %d", c.InputDelay)
	}
	if c.InputSize <= 0 {
		return fmt.Errorf("input size must be positive, got %d", c.InputSize)
	}
	if c.InputRedundancy < c.PredictionWindow {
		return fmt.Errorf("input redundancy %d below prediction window %d: a single lost packet could leave an unfillable gap",
			c.InputRedundancy, c.PredictionWindow)
	}
	if c.ChecksumInterval < 0 {
		return fmt.Errorf("checksum interval must not be negative, got %d", c.ChecksumInterval)
	}
	if c.DisconnectTimeout > 0 && c.DisconnectNotifyStart >= c.DisconnectTimeout {
		return fmt.Errorf("disconnect notify start %v must be below disconnect timeout %v",
			c.DisconnectNotifyStart, c.DisconnectTimeout)
	}
	if c.InboxCapacity <= 0 {
		return fmt.Errorf("inbox capacity must be positive, got %d", c.InboxCapacity)
	}
	return nil
}
