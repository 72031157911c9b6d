package server

import (
	"log"
	"os"
	"time"

	"github.com/pkg/errors"
)

// GarbageCollector drives the per-customer retention sweeps. All deletions
// re-apply their defining predicate (time threshold, garbage flag) at
// execution time, so every operation is idempotent and tolerant of
// concurrently arriving telemetry.
type GarbageCollector struct {
	dao            Dao
	policy         IntervalPolicy
	methodSweepLag time.Duration
	logger         *log.Logger
}

func NewGarbageCollector(dao Dao, policy IntervalPolicy) *GarbageCollector {
	return &GarbageCollector{
		dao:            dao,
		policy:         policy,
		methodSweepLag: DefaultMethodSweepLag,
		logger:         log.New(os.Stdout, "gc: ", log.LstdFlags|log.Lshortfile|log.Lmsgprefix),
	}
}

// SweepAgentStatesAndJvms removes agent states whose lastPolledAt is past
// the expiry threshold, together with the jvm snapshots they back. The jvms
// are deleted by the uuids of the expired agents; the agent states are then
// bulk-deleted by the same threshold, never by the fetched id list, so an
// agent re-polled between the read and the delete survives.
func (g *GarbageCollector) SweepAgentStatesAndJvms(customerId uint, now time.Time) error {
	threshold := g.policy.AgentExpiryThreshold(now)

	garbage, err := g.dao.FindGarbageAgentStates(customerId, threshold)
	if err != nil {
		return errors.Wrap(err, "failed to find expired agent states")
	}
	if len(garbage) == 0 {
		return nil
	}

	uuids := make([]string, len(garbage))
	for i, state := range garbage {
		uuids[i] = state.JvmUuid
	}

	deletedJvms, err := g.dao.DeleteJvmsByUuids(customerId, uuids)
	if err != nil {
		return errors.Wrap(err, "failed to delete jvms of expired agents")
	}

	deletedStates, err := g.dao.DeleteGarbageAgentStates(customerId, threshold)
	if err != nil {
		return errors.Wrap(err, "failed to delete expired agent states")
	}

	g.logger.Printf("customer %d: deleted %d expired agent states and %d jvms\n",
		customerId, deletedStates, deletedJvms)
	return nil
}

// SweepCodeBaseFingerprints removes every fingerprint no longer referenced
// by any jvm of the customer. Re-running with no newly orphaned
// fingerprints deletes nothing.
func (g *GarbageCollector) SweepCodeBaseFingerprints(customerId uint) error {
	referenced, err := g.dao.FindReferencedFingerprints(customerId)
	if err != nil {
		return errors.Wrap(err, "failed to query referenced fingerprints")
	}

	fingerprints, err := g.dao.FindAllFingerprints(customerId)
	if err != nil {
		return errors.Wrap(err, "failed to query fingerprints")
	}

	garbageIds := make([]uint, 0, len(fingerprints))
	for _, fingerprint := range fingerprints {
		if _, live := referenced[fingerprint.Fingerprint]; !live {
			garbageIds = append(garbageIds, fingerprint.ID)
		}
	}
	if len(garbageIds) == 0 {
		return nil
	}

	deleted, err := g.dao.DeleteFingerprintsByIds(customerId, garbageIds)
	if err != nil {
		return errors.Wrap(err, "failed to delete orphaned fingerprints")
	}

	g.logger.Printf("customer %d: deleted %d orphaned fingerprints\n", customerId, deleted)
	return nil
}

// MarkMethods flags methods unseen for the retention window as garbage.
// Nothing is deleted here; a method seen again before the sweep has its
// flag cleared by ingestion and is excluded from deletion.
func (g *GarbageCollector) MarkMethods(customerId uint, now time.Time) error {
	threshold := g.policy.MethodExpiryThresholdMillis(now)

	marked, err := g.dao.MarkGarbageMethods(customerId, threshold)
	if err != nil {
		return errors.Wrap(err, "failed to mark garbage methods")
	}
	if marked > 0 {
		g.logger.Printf("customer %d: marked %d methods as garbage\n", customerId, marked)
	}
	return nil
}

// SweepMethods deletes methods that were marked garbage and are still past
// the retention threshold derived from referenceTime, cascading their
// invocations. The threshold is recomputed here instead of reusing the
// mark-time one, so a re-seen method is excluded even when referenceTime is
// later than the mark call used.
func (g *GarbageCollector) SweepMethods(customerId uint, referenceTime time.Time) error {
	threshold := g.policy.MethodExpiryThresholdMillis(referenceTime)

	deleted, err := g.dao.SweepGarbageMethods(customerId, threshold)
	if err != nil {
		return errors.Wrap(err, "failed to sweep garbage methods")
	}
	if deleted > 0 {
		g.logger.Printf("customer %d: swept %d garbage methods\n", customerId, deleted)
	}
	return nil
}

// CollectAll runs the four sweeps in their required order. The method sweep
// lags the mark by methodSweepLag, so a method marked in this cycle is only
// deleted once its staleness exceeds the retention window by that lag.
func (g *GarbageCollector) CollectAll(customerId uint, now time.Time) error {
	if err := g.SweepAgentStatesAndJvms(customerId, now); err != nil {
		return err
	}
	if err := g.SweepCodeBaseFingerprints(customerId); err != nil {
		return err
	}
	if err := g.MarkMethods(customerId, now); err != nil {
		return err
	}
	return g.SweepMethods(customerId, now.Add(-g.methodSweepLag))
}
