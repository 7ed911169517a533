package vrf

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/R3E-Network/raffle/internal/app/system"
	"github.com/R3E-Network/raffle/pkg/logger"
)

var _ system.Service = (*Fulfiller)(nil)

// Fulfiller periodically delivers pending requests of a LocalCoordinator once
// they have waited for their requested confirmations.
type Fulfiller struct {
	coordinator *LocalCoordinator
	log         *logger.Logger
	interval    time.Duration
	blockTime   time.Duration
	backoff     time.Duration
	now         func() time.Time

	mu          sync.Mutex
	cancel      context.CancelFunc
	wg          sync.WaitGroup
	running     bool
	nextAttempt map[uint64]time.Time
}

// NewFulfiller constructs a lifecycle-managed fulfiller. blockTime is the
// simulated duration of one confirmation.
func NewFulfiller(coordinator *LocalCoordinator, interval, blockTime time.Duration, log *logger.Logger) *Fulfiller {
	if log == nil {
		log = logger.NewDefault("vrf-fulfiller")
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &Fulfiller{
		coordinator: coordinator,
		log:         log,
		interval:    interval,
		blockTime:   blockTime,
		backoff:     5 * interval,
		now:         time.Now,
		nextAttempt: make(map[uint64]time.Time),
	}
}

func (f *Fulfiller) Name() string { return "vrf-fulfiller" }

func (f *Fulfiller) Start(ctx context.Context) error {
	f.mu.Lock()
	if f.coordinator == nil {
		f.mu.Unlock()
		f.log.Warn("local coordinator not configured; fulfiller disabled")
		return nil
	}
	if f.running {
		f.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	f.cancel = cancel
	f.running = true
	f.mu.Unlock()

	f.wg.Add(1)
	go func() {
		defer f.wg.Done()
		ticker := time.NewTicker(f.interval)
		defer ticker.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-ticker.C:
				f.Tick(runCtx)
			}
		}
	}()

	f.log.WithField("interval", f.interval.String()).Info("vrf fulfiller started")
	return nil
}

func (f *Fulfiller) Stop(ctx context.Context) error {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return nil
	}
	cancel := f.cancel
	f.running = false
	f.cancel = nil
	f.mu.Unlock()

	if cancel != nil {
		cancel()
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.wg.Wait()
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	f.log.Info("vrf fulfiller stopped")
	return nil
}

// Tick delivers every request that is due and returns how many succeeded.
func (f *Fulfiller) Tick(ctx context.Context) int {
	now := f.now()
	delivered := 0
	for _, req := range f.coordinator.Pending() {
		due := req.CreatedAt.Add(time.Duration(req.Confirmations) * f.blockTime)
		if now.Before(due) || !f.shouldAttempt(req.ID, now) {
			continue
		}
		attemptCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		_, err := f.coordinator.FulfillRandomWords(attemptCtx, req.ID)
		cancel()
		if err != nil {
			if errors.Is(err, ErrNonexistentRequest) {
				f.clearSchedule(req.ID)
				continue
			}
			f.log.WithError(err).
				WithField("request_id", req.ID).
				Warn("fulfil randomness request failed")
			f.scheduleNext(req.ID, now)
			continue
		}
		f.clearSchedule(req.ID)
		delivered++
	}
	return delivered
}

func (f *Fulfiller) shouldAttempt(id uint64, now time.Time) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	next, ok := f.nextAttempt[id]
	return !ok || !now.Before(next)
}

func (f *Fulfiller) scheduleNext(id uint64, now time.Time) {
	f.mu.Lock()
	f.nextAttempt[id] = now.Add(f.backoff)
	f.mu.Unlock()
}

func (f *Fulfiller) clearSchedule(id uint64) {
	f.mu.Lock()
	delete(f.nextAttempt, id)
	f.mu.Unlock()
}
