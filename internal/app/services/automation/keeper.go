// Package automation triggers raffle upkeep on a schedule, standing in for an
// external keeper network.
package automation

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/services/raffle"
	"github.com/R3E-Network/raffle/internal/app/system"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// Upkeepable is the part of a raffle the keeper drives.
type Upkeepable interface {
	ID() string
	CheckUpkeep(ctx context.Context, data []byte) domain.Upkeep
	PerformUpkeep(ctx context.Context, data []byte) (uint64, error)
	PendingTimedOut() bool
	ReissueRequest(ctx context.Context) (uint64, error)
}

// Action is what a keeper tick did for one target.
type Action string

const (
	ActionNone      Action = "none"
	ActionPerformed Action = "performed"
	ActionReissued  Action = "reissued"
	ActionFailed    Action = "failed"
)

// Outcome reports a tick for one target.
type Outcome struct {
	Raffle    string
	Action    Action
	RequestID uint64
	Err       error
}

var _ system.Service = (*Keeper)(nil)

// Keeper runs CheckUpkeep on every target at each scheduled tick and calls
// PerformUpkeep when it reports true. Timed-out requests are reissued.
type Keeper struct {
	schedule string
	log      *logger.Logger
	timeout  time.Duration

	mu      sync.Mutex
	targets []Upkeepable
	cron    *cron.Cron
	running bool
}

// NewKeeper validates schedule (standard cron or descriptors such as
// "@every 5s") and returns a stopped keeper.
func NewKeeper(schedule string, log *logger.Logger, targets ...Upkeepable) (*Keeper, error) {
	if log == nil {
		log = logger.NewDefault("keeper")
	}
	if schedule == "" {
		schedule = "@every 5s"
	}
	if _, err := cron.ParseStandard(schedule); err != nil {
		return nil, fmt.Errorf("keeper schedule %q: %w", schedule, err)
	}
	return &Keeper{schedule: schedule, log: log, timeout: 10 * time.Second, targets: targets}, nil
}

// Register adds a target.
func (k *Keeper) Register(target Upkeepable) {
	k.mu.Lock()
	k.targets = append(k.targets, target)
	k.mu.Unlock()
}

func (k *Keeper) Name() string { return "keeper" }

func (k *Keeper) Start(ctx context.Context) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.running {
		return nil
	}

	cronLog := cron.PrintfLogger(k.log)
	c := cron.New(
		cron.WithLogger(cronLog),
		cron.WithChain(cron.Recover(cronLog), cron.SkipIfStillRunning(cronLog)),
	)
	runCtx := context.WithoutCancel(ctx)
	if _, err := c.AddFunc(k.schedule, func() { k.Tick(runCtx) }); err != nil {
		return fmt.Errorf("schedule keeper: %w", err)
	}
	c.Start()
	k.cron = c
	k.running = true
	k.log.WithField("schedule", k.schedule).Info("keeper started")
	return nil
}

func (k *Keeper) Stop(ctx context.Context) error {
	k.mu.Lock()
	if !k.running {
		k.mu.Unlock()
		return nil
	}
	c := k.cron
	k.cron = nil
	k.running = false
	k.mu.Unlock()

	// Stop returns a context that is done once running jobs finish.
	done := c.Stop()
	select {
	case <-done.Done():
	case <-ctx.Done():
		return ctx.Err()
	}
	k.log.Info("keeper stopped")
	return nil
}

// Tick evaluates every target once.
func (k *Keeper) Tick(ctx context.Context) []Outcome {
	k.mu.Lock()
	targets := append([]Upkeepable(nil), k.targets...)
	k.mu.Unlock()

	outcomes := make([]Outcome, 0, len(targets))
	for _, target := range targets {
		tickCtx, cancel := context.WithTimeout(ctx, k.timeout)
		outcomes = append(outcomes, k.tickOne(tickCtx, target))
		cancel()
	}
	return outcomes
}

func (k *Keeper) tickOne(ctx context.Context, target Upkeepable) Outcome {
	out := Outcome{Raffle: target.ID(), Action: ActionNone}

	if target.PendingTimedOut() {
		id, err := target.ReissueRequest(ctx)
		if err != nil {
			out.Action, out.Err = ActionFailed, err
			k.log.WithError(err).WithField("raffle", out.Raffle).Warn("reissue randomness request failed")
			return out
		}
		out.Action, out.RequestID = ActionReissued, id
		return out
	}

	up := target.CheckUpkeep(ctx, nil)
	if !up.Needed {
		return out
	}

	id, err := target.PerformUpkeep(ctx, up.PerformData)
	if err != nil {
		// Another caller may have performed the upkeep between check and perform.
		if errors.Is(err, raffle.ErrUpkeepNotNeeded) {
			k.log.WithError(err).WithField("raffle", out.Raffle).Debug("upkeep no longer needed")
			return out
		}
		out.Action, out.Err = ActionFailed, err
		k.log.WithError(err).WithField("raffle", out.Raffle).Warn("perform upkeep failed")
		return out
	}
	out.Action, out.RequestID = ActionPerformed, id
	return out
}
