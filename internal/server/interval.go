package server

import "time"

const (
	DefaultPollingInterval = time.Minute
	DefaultDeadMargin      = 10 * time.Minute
	DefaultMethodRetention = 7 * 24 * time.Hour
	DefaultMethodSweepLag  = 24 * time.Hour
)

// IntervalPolicy derives the expiry thresholds used by garbage collection.
// The dead margin is extra slack on top of the polling interval, so that an
// agent that is merely late (network jitter, client pauses) is not deleted
// and immediately recreated, losing its original createdAt.
type IntervalPolicy struct {
	PollingInterval time.Duration
	DeadMargin      time.Duration
	MethodRetention time.Duration
}

func DefaultIntervalPolicy() IntervalPolicy {
	return IntervalPolicy{
		PollingInterval: DefaultPollingInterval,
		DeadMargin:      DefaultDeadMargin,
		MethodRetention: DefaultMethodRetention,
	}
}

// AgentExpiryThreshold returns the instant before which an agent's
// lastPolledAt makes it expired.
func (p IntervalPolicy) AgentExpiryThreshold(now time.Time) time.Time {
	return now.Add(-(p.PollingInterval + p.DeadMargin))
}

// MethodExpiryThresholdMillis returns the epoch-millisecond threshold below
// which a method's lastSeenAtMillis makes it eligible for mark or sweep.
func (p IntervalPolicy) MethodExpiryThresholdMillis(referenceTime time.Time) int64 {
	return referenceTime.Add(-p.MethodRetention).UnixMilli()
}
