package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/Gobusters/ectologger"

	appctx "github.com/Ramsey-B/fern/pkg/context"
	"github.com/Ramsey-B/fern/pkg/emitters"
	"github.com/Ramsey-B/fern/pkg/metrics"
	"github.com/Ramsey-B/fern/pkg/redis"
	"github.com/Ramsey-B/fern/pkg/repositories"
	"github.com/Ramsey-B/fern/pkg/tracing"
)

var (
	// ErrSweeperAlreadyRunning is returned when starting a running sweeper
	ErrSweeperAlreadyRunning = errors.New("sweeper already running")
)

const (
	// DefaultSweepInterval is how often the sweeper looks for abandoned claims
	DefaultSweepInterval = time.Minute

	// DefaultClaimTimeout is how long a record may sit in processing before
	// its claim is considered abandoned
	DefaultClaimTimeout = 10 * time.Minute

	// DefaultSweepLockTTL is how long the cluster-wide sweep lock is held
	DefaultSweepLockTTL = 2 * time.Minute

	// sweepLockKey serializes sweeping across instances
	sweepLockKey = "sweeper:cycle"
)

// SweeperConfig holds sweeper tuning
type SweeperConfig struct {
	// Interval is how often to run a sweep cycle
	Interval time.Duration

	// ClaimTimeout is the processing age after which a claim is abandoned
	ClaimTimeout time.Duration

	// LockTTL is how long to hold the cluster-wide sweep lock
	LockTTL time.Duration
}

// Sweeper recovers records whose workers crashed mid-claim. It resets them to
// pending and re-queues them on the system lane so recovery traffic drains
// ahead of tenant traffic. Only one instance sweeps at a time, enforced by a
// distributed lock.
type Sweeper struct {
	maintenance repositories.MaintenanceRepo
	emitters    *emitters.Emitters
	locker      *redis.Locker
	config      SweeperConfig
	logger      ectologger.Logger

	// Coordination
	stopCh   chan struct{}
	stoppedC chan struct{}
	running  bool
	mu       sync.RWMutex
}

// NewSweeper creates a sweeper
func NewSweeper(
	maintenance repositories.MaintenanceRepo,
	em *emitters.Emitters,
	locker *redis.Locker,
	config SweeperConfig,
	logger ectologger.Logger,
) *Sweeper {
	// Apply defaults
	if config.Interval <= 0 {
		config.Interval = DefaultSweepInterval
	}
	if config.ClaimTimeout <= 0 {
		config.ClaimTimeout = DefaultClaimTimeout
	}
	if config.LockTTL <= 0 {
		config.LockTTL = DefaultSweepLockTTL
	}

	return &Sweeper{
		maintenance: maintenance,
		emitters:    em,
		locker:      locker,
		config:      config,
		logger:      logger,
		stopCh:      make(chan struct{}),
		stoppedC:    make(chan struct{}),
	}
}

// Start starts the sweeper
func (s *Sweeper) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return ErrSweeperAlreadyRunning
	}
	s.running = true
	s.mu.Unlock()

	s.logger.WithContext(ctx).Infof("Starting sweeper: interval=%s claim_timeout=%s",
		s.config.Interval, s.config.ClaimTimeout)

	go s.pollLoop(ctx)
	return nil
}

// Stop stops the sweeper gracefully
func (s *Sweeper) Stop(ctx context.Context) error {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return nil
	}
	s.running = false
	s.mu.Unlock()

	s.logger.WithContext(ctx).Info("Stopping sweeper...")

	close(s.stopCh)

	select {
	case <-s.stoppedC:
		s.logger.WithContext(ctx).Info("Sweeper stopped gracefully")
	case <-ctx.Done():
		s.logger.WithContext(ctx).Warn("Sweeper shutdown timed out")
		return ctx.Err()
	}

	return nil
}

// IsRunning returns whether the sweeper is running
func (s *Sweeper) IsRunning() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.running
}

// pollLoop runs sweep cycles until stopped
func (s *Sweeper) pollLoop(ctx context.Context) {
	defer close(s.stoppedC)

	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCh:
			s.logger.WithContext(ctx).Debug("Sweeper poll loop stopping")
			return
		case <-ticker.C:
			s.runSweepCycle(ctx)
		}
	}
}

// runSweepCycle sweeps every pipeline table once, under the cluster lock
func (s *Sweeper) runSweepCycle(ctx context.Context) {
	ctx, span := tracing.StartSpan(ctx, "Sweeper.runSweepCycle")
	defer span.End()

	lock, err := s.locker.Acquire(ctx, sweepLockKey, s.config.LockTTL)
	if err != nil {
		if errors.Is(err, redis.ErrLockNotAcquired) {
			s.logger.WithContext(ctx).Debug("Another instance is sweeping, skipping cycle")
			return
		}
		s.logger.WithContext(ctx).WithError(err).Warn("Failed to acquire sweep lock")
		return
	}
	defer lock.Release(ctx)

	start := time.Now()
	recovered := 0
	recovered += s.sweep(ctx, "runs", s.maintenance.SweepRuns, s.emitters.Runs)
	recovered += s.sweep(ctx, "streams", s.maintenance.SweepStreams, s.emitters.Streams)
	recovered += s.sweep(ctx, "stream_data", s.maintenance.SweepData, s.emitters.Data)
	recovered += s.sweep(ctx, "incoming_webhooks", s.maintenance.SweepWebhooks, s.emitters.Webhooks)

	// Pending rows that outlived the claim timeout lost their original
	// publish; without this pass they would never be delivered again.
	recovered += s.sweep(ctx, "runs", s.maintenance.StalePendingRuns, s.emitters.Runs)
	recovered += s.sweep(ctx, "streams", s.maintenance.StalePendingStreams, s.emitters.Streams)
	recovered += s.sweep(ctx, "stream_data", s.maintenance.StalePendingData, s.emitters.Data)
	recovered += s.sweep(ctx, "incoming_webhooks", s.maintenance.StalePendingWebhooks, s.emitters.Webhooks)

	if recovered > 0 {
		s.logger.WithContext(ctx).Infof("Sweep cycle recovered %d abandoned claims in %s",
			recovered, time.Since(start))
	}
}

// sweep recovers one table's lost records and re-queues each on the system lane
func (s *Sweeper) sweep(ctx context.Context, table string, sweepFn func(context.Context, time.Duration) ([]repositories.AbandonedRecord, error), emitter emitters.StageEmitter) int {
	records, err := sweepFn(ctx, s.config.ClaimTimeout)
	if err != nil {
		s.logger.WithContext(ctx).WithError(err).Errorf("Failed to sweep %s", table)
		return 0
	}
	if len(records) == 0 {
		return 0
	}

	metrics.RecordSweeperRecovery(table, len(records))

	for _, record := range records {
		// Each record is re-queued under its own tenant
		recordCtx := appctx.SetTenantID(ctx, record.TenantID.String())
		if err := emitter.TriggerSystem(recordCtx, record.Platform, record.ID); err != nil {
			s.logger.WithContext(recordCtx).WithError(err).Warnf("Failed to re-queue recovered %s record %s",
				table, record.ID)
		}
	}

	return len(records)
}
