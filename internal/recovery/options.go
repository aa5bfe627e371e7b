// internal/recovery/options.go
package recovery

import (
	"time"

	"go.uber.org/zap"
)

// Config holds the orchestrator timing and thresholds.
type Config struct {
	// CommandTimeout is used for every command the orchestrator issues.
	CommandTimeout time.Duration

	// ResetTimeout bounds one whole cycle (hard reset through resync).
	ResetTimeout time.Duration

	// SettleDelay is the wait between hard reset and re-discovery.
	SettleDelay time.Duration

	// TimeoutThreshold is the number of consecutive command timeouts that
	// escalates to a TransportFailure reset. 0 disables escalation.
	TimeoutThreshold int
}

// DefaultConfig returns the default configuration.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:   500 * time.Millisecond,
		ResetTimeout:     10 * time.Second,
		SettleDelay:      100 * time.Millisecond,
		TimeoutThreshold: 3,
	}
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithLogger sets the logger.
func WithLogger(log *zap.Logger) Option {
	return func(o *Orchestrator) {
		if log != nil {
			o.log = log
		}
	}
}

// WithSyncer sets the timestamp-sync helper stopped during a reset.
func WithSyncer(s Syncer) Option {
	return func(o *Orchestrator) { o.syncer = s }
}

// WithAppliers adds configuration that must survive a reset.
// Appliers run in order after re-discovery.
func WithAppliers(a ...Applier) Option {
	return func(o *Orchestrator) { o.appliers = append(o.appliers, a...) }
}

// WithNotifier sets the downstream receiver of cycle outcomes.
func WithNotifier(n Notifier) Option {
	return func(o *Orchestrator) { o.notifier = n }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) {
		if now != nil {
			o.now = now
		}
	}
}
