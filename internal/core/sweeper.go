package core

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Sweeper periodically expires stale units and reconciles the counters of the
// entities whose stock changed. It is safe to run alongside live traffic; the
// sweep is idempotent within a tick.
type Sweeper struct {
	service  *Service
	interval time.Duration
	logger   *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewSweeper constructs a sweeper around the service. A non-positive interval
// defaults to one hour.
func NewSweeper(service *Service, interval time.Duration, logger *zap.Logger) *Sweeper {
	if interval <= 0 {
		interval = time.Hour
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Sweeper{
		service:  service,
		interval: interval,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Start begins the background sweep loop.
func (s *Sweeper) Start() {
	s.wg.Add(1)
	go s.loop()
}

// Stop signals the sweeper to halt and waits for completion.
func (s *Sweeper) Stop(ctx context.Context) error {
	s.cancel()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Sweeper) loop() {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			s.RunOnce(s.ctx)
		}
	}
}

// RunOnce performs one sweep pass: expire stale units, then settle the
// counters of every entity that holds inventory records.
func (s *Sweeper) RunOnce(ctx context.Context) {
	expired, err := s.service.ExpireSweep(ctx, time.Time{})
	if err != nil {
		s.logger.Error("expire sweep failed", zap.Error(err))
		return
	}
	if expired == 0 {
		return
	}
	seen := make(map[string]struct{})
	for _, record := range s.service.Store().ListInventory() {
		if _, ok := seen[record.EntityID]; ok {
			continue
		}
		seen[record.EntityID] = struct{}{}
		if _, err := s.service.ReconcileInventory(ctx, record.EntityID); err != nil {
			s.logger.Error("reconcile failed",
				zap.String("entity_id", record.EntityID), zap.Error(err))
		}
	}
}
