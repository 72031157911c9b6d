package server

import (
	"context"
	"time"
)

// gcRunner is the goroutine driving periodic garbage collection. Every
// cycle sweeps all registered customers in the required order; a manual run
// can be triggered through the executeGC channel.
func (s *serverImpl) gcRunner(ctx context.Context) {
	s.logger.Println("garbage collection thread started")

	tickCh := time.Tick(s.config.GCInterval)
	for {
		select {
		case <-tickCh:
			s.collectAllCustomers()
		case <-s.executeGC:
			s.collectAllCustomers()
		case <-ctx.Done():
			s.logger.Println("garbage collection thread stopped")
			return
		}
	}
}

// collectAllCustomers runs one collection cycle. A failing customer is
// logged and skipped so that it never affects the others or kills the
// cycle; every predicate is idempotent, so the next cycle re-converges.
func (s *serverImpl) collectAllCustomers() {
	customerIds, err := s.dao.ListCustomerIds()
	if err != nil {
		s.logger.Printf("failed to list customers, skipping cycle: %v\n", err)
		return
	}

	now := time.Now()
	for _, customerId := range customerIds {
		if err := s.gc.CollectAll(customerId, now); err != nil {
			s.logger.Printf("garbage collection for customer %d failed: %v\n", customerId, err)
		}
	}
}
