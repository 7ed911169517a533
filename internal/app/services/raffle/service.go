// Package raffle runs the raffle state machine: admission while OPEN, upkeep
// into CALCULATING with one outstanding randomness request, and fulfilment
// back to OPEN with the pool paid to the winner.
package raffle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/events"
	"github.com/R3E-Network/raffle/internal/app/metrics"
	"github.com/R3E-Network/raffle/internal/app/services/vrf"
	"github.com/R3E-Network/raffle/internal/app/storage"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// ErrNoPendingRequest is returned by ReissueRequest while the raffle is OPEN.
var ErrNoPendingRequest = errors.New("raffle: no pending request")

var _ vrf.Consumer = (*Service)(nil)

// Option customises a Service.
type Option func(*Service)

// WithCollector takes entry payments into custody during Enter.
func WithCollector(c Collector) Option {
	return func(s *Service) { s.collector = c }
}

// WithNotifier routes raffle notifications.
func WithNotifier(n events.Notifier) Option {
	return func(s *Service) {
		if n != nil {
			s.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(s *Service) {
		if log != nil {
			s.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		if now != nil {
			s.now = now
		}
	}
}

// Service owns one raffle. Mutating calls are serialised; CheckUpkeep and
// the accessors only take the read lock.
type Service struct {
	params    domain.Params
	store     storage.RaffleStore
	gateway   *Gateway
	payout    Payout
	collector Collector
	notifier  events.Notifier
	log       *logger.Logger
	now       func() time.Time

	mu           sync.RWMutex
	round        uint64
	state        domain.State
	ledger       *Ledger
	clock        *Clock
	pending      *domain.PendingRequest
	recentWinner common.Address
}

// New builds the raffle described by params. A snapshot already in store is
// resumed; otherwise a first round is opened at the current time.
func New(ctx context.Context, params domain.Params, coordinator vrf.Coordinator, payout Payout, store storage.RaffleStore, opts ...Option) (*Service, error) {
	if err := validateParams(params); err != nil {
		return nil, err
	}
	if coordinator == nil || payout == nil || store == nil {
		return nil, fmt.Errorf("raffle: coordinator, payout and store are required")
	}
	if params.NumWords == 0 {
		params.NumWords = 1
	}
	if params.FeePolicy == "" {
		params.FeePolicy = domain.FeePolicyExact
	}
	params.EntranceFee = new(uint256.Int).Set(params.EntranceFee)

	s := &Service{
		params:   params,
		store:    store,
		gateway:  NewGateway(coordinator, params, params.Address),
		payout:   payout,
		notifier: events.Nop,
		log:      logger.NewDefault("raffle"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ledger = NewLedger(params.EntranceFee, params.FeePolicy)

	snap, err := store.LoadRaffle(ctx, params.ID)
	switch {
	case err == nil:
		if err := s.restore(snap); err != nil {
			return nil, err
		}
		s.log.WithField("raffle", params.ID).
			WithField("round", s.round).
			WithField("state", s.state.String()).
			Info("raffle resumed")
	case errors.Is(err, storage.ErrNotFound):
		s.round = 1
		s.state = domain.StateOpen
		s.clock = NewClock(params.Interval, s.unixNow())
		if err := store.SaveRaffle(ctx, s.snapshotLocked()); err != nil {
			return nil, fmt.Errorf("persist raffle: %w", err)
		}
		s.log.WithField("raffle", params.ID).Info("raffle opened")
	default:
		return nil, fmt.Errorf("load raffle: %w", err)
	}
	metrics.RecordRound(params.ID, s.ledger.Players(), s.ledger.Pool())
	return s, nil
}

func validateParams(p domain.Params) error {
	if p.ID == "" {
		return fmt.Errorf("raffle: id is required")
	}
	if p.EntranceFee == nil {
		return fmt.Errorf("raffle: entrance fee is required")
	}
	if p.Coordinator == (common.Address{}) {
		return fmt.Errorf("raffle: coordinator address is required")
	}
	switch p.FeePolicy {
	case "", domain.FeePolicyExact, domain.FeePolicyMinimum:
	default:
		return fmt.Errorf("raffle: unknown fee policy %q", p.FeePolicy)
	}
	if p.RequestTimeout < 0 {
		return fmt.Errorf("raffle: request timeout must not be negative")
	}
	return nil
}

// Enter adds player to the live round for amount.
func (s *Service) Enter(ctx context.Context, player common.Address, amount *uint256.Int) error {
	s.mu.Lock()
	err := s.enterLocked(ctx, player, amount)
	players, balance := s.ledger.Players(), s.ledger.Pool()
	s.mu.Unlock()
	if err != nil {
		return err
	}

	metrics.RecordEntry(s.params.ID, players, balance)
	s.notifier.Notify(ctx, events.RaffleEnter(s.params.ID, player, amount))
	s.log.WithField("player", player.Hex()).
		WithField("players", players).
		Debug("raffle entered")
	return nil
}

func (s *Service) enterLocked(ctx context.Context, player common.Address, amount *uint256.Int) error {
	if s.state != domain.StateOpen {
		return ErrNotOpen
	}
	// The escrow holds the pool and cannot also be a participant.
	if player == (common.Address{}) || player == s.params.Address {
		return fmt.Errorf("%w: %s", ErrInvalidPlayer, player.Hex())
	}
	if err := s.ledger.Admit(amount); err != nil {
		return err
	}
	if s.collector != nil {
		if err := s.collector.Collect(ctx, player, amount); err != nil {
			return fmt.Errorf("%w: %v", ErrPaymentFailed, err)
		}
	}

	prev := s.snapshotLocked()
	if err := s.ledger.Enter(player, amount); err != nil {
		s.refund(ctx, player, amount)
		return err
	}
	if err := s.store.SaveRaffle(ctx, s.snapshotLocked()); err != nil {
		s.restoreLocked(prev)
		s.refund(ctx, player, amount)
		return fmt.Errorf("persist entry: %w", err)
	}
	return nil
}

func (s *Service) refund(ctx context.Context, player common.Address, amount *uint256.Int) {
	if s.collector == nil {
		return
	}
	if err := s.collector.Refund(ctx, player, amount); err != nil {
		s.log.WithError(err).
			WithField("player", player.Hex()).
			Error("refund of rejected entry failed")
	}
}

// CheckUpkeep reports whether PerformUpkeep would start a draw. data is ignored.
func (s *Service) CheckUpkeep(_ context.Context, _ []byte) domain.Upkeep {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.evaluateLocked()
}

func (s *Service) evaluateLocked() domain.Upkeep {
	return EvaluateUpkeep(s.state, s.clock.HasIntervalElapsed(s.unixNow()), s.ledger.Players(), s.ledger.Pool())
}

// PerformUpkeep re-checks eligibility, requests randomness and moves the
// raffle to CALCULATING. The request is issued before the state changes, so
// a failed request leaves the raffle OPEN.
func (s *Service) PerformUpkeep(ctx context.Context, _ []byte) (uint64, error) {
	s.mu.Lock()
	id, err := s.performLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		result := "failed"
		if errors.Is(err, ErrUpkeepNotNeeded) {
			result = "not_needed"
		}
		metrics.RecordUpkeep(s.params.ID, result)
		return 0, err
	}

	metrics.RecordUpkeep(s.params.ID, "performed")
	s.notifier.Notify(ctx, events.RequestedRaffleWinner(s.params.ID, id))
	s.log.WithField("request_id", id).Info("raffle winner requested")
	return id, nil
}

func (s *Service) performLocked(ctx context.Context) (uint64, error) {
	up := s.evaluateLocked()
	if !up.Needed {
		return 0, &UpkeepNotNeededError{Balance: up.Balance, Players: up.Players, State: up.State}
	}

	id, err := s.gateway.Request(ctx)
	if err != nil {
		return 0, err
	}

	prev := s.snapshotLocked()
	s.state = domain.StateCalculating
	s.pending = &domain.PendingRequest{RequestID: id, IssuedAt: s.unixNow()}
	if err := s.store.SaveRaffle(ctx, s.snapshotLocked()); err != nil {
		s.restoreLocked(prev)
		return 0, fmt.Errorf("persist upkeep: %w", err)
	}
	return id, nil
}

// RawFulfillRandomWords is the coordinator callback.
func (s *Service) RawFulfillRandomWords(ctx context.Context, caller common.Address, requestID uint64, words []*uint256.Int) error {
	return s.FulfillRandomWords(ctx, caller, requestID, words)
}

// FulfillRandomWords completes the outstanding draw. The reset state is
// committed before the payout; if the payout fails the previous state is put
// back and ErrTransferFailed is returned, leaving the request outstanding.
func (s *Service) FulfillRandomWords(ctx context.Context, caller common.Address, requestID uint64, words []*uint256.Int) error {
	s.mu.Lock()
	draw, err := s.fulfilLocked(ctx, caller, requestID, words)
	s.mu.Unlock()
	if err != nil {
		result := "rejected"
		if errors.Is(err, ErrTransferFailed) {
			result = "transfer_failed"
		}
		metrics.RecordDraw(s.params.ID, result, nil)
		s.log.WithError(err).
			WithField("request_id", requestID).
			Warn("raffle fulfilment rejected")
		return err
	}

	s.gateway.Cancel(requestID)
	metrics.RecordDraw(s.params.ID, "paid", draw.Amount)
	metrics.RecordRound(s.params.ID, 0, new(uint256.Int))
	s.notifier.Notify(ctx, events.WinnerPicked(s.params.ID, draw.Winner, draw.Amount))
	s.log.WithField("winner", draw.Winner.Hex()).
		WithField("amount", draw.Amount.Dec()).
		WithField("round", draw.RoundNumber).
		Info("raffle winner picked")
	return nil
}

func (s *Service) fulfilLocked(ctx context.Context, caller common.Address, requestID uint64, words []*uint256.Int) (domain.Draw, error) {
	word, err := s.gateway.Accept(caller, requestID, s.pending, words)
	if err != nil {
		return domain.Draw{}, err
	}
	_, winner, err := s.ledger.ResolveWinner(word)
	if err != nil {
		return domain.Draw{}, err
	}

	prev := s.snapshotLocked()
	draw := domain.Draw{
		RaffleID:    s.params.ID,
		RoundNumber: s.round,
		RequestID:   requestID,
		Winner:      winner,
		Amount:      s.ledger.Pool(),
		Players:     s.ledger.Players(),
		RandomWord:  word,
	}

	s.recentWinner = winner
	s.ledger.Reset()
	s.clock.Restart(s.unixNow())
	s.state = domain.StateOpen
	s.pending = nil
	s.round++
	if err := s.store.SaveRaffle(ctx, s.snapshotLocked()); err != nil {
		s.restoreLocked(prev)
		return domain.Draw{}, fmt.Errorf("persist draw: %w", err)
	}

	if err := s.payout.Pay(ctx, winner, draw.Amount); err != nil {
		s.restoreLocked(prev)
		if saveErr := s.store.SaveRaffle(ctx, prev); saveErr != nil {
			s.log.WithError(saveErr).
				WithField("raffle", s.params.ID).
				Error("restore after failed payout not persisted")
		}
		return domain.Draw{}, fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}

	recorded, err := s.store.RecordDraw(ctx, draw)
	if err != nil {
		s.log.WithError(err).
			WithField("round", draw.RoundNumber).
			Warn("record draw failed")
		return draw, nil
	}
	return recorded, nil
}

// PendingTimedOut reports whether the outstanding request is older than the
// configured timeout. It is always false when no timeout is configured.
func (s *Service) PendingTimedOut() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.timedOutLocked()
}

func (s *Service) timedOutLocked() bool {
	if s.pending == nil || s.params.RequestTimeout <= 0 {
		return false
	}
	timeout := uint64(s.params.RequestTimeout / time.Second)
	now := s.unixNow()
	return now >= s.pending.IssuedAt && now-s.pending.IssuedAt >= timeout
}

// ReissueRequest replaces a timed-out request with a fresh one. The old id
// stops being honoured.
func (s *Service) ReissueRequest(ctx context.Context) (uint64, error) {
	s.mu.Lock()
	old, id, err := s.reissueLocked(ctx)
	s.mu.Unlock()
	if err != nil {
		return 0, err
	}
	s.gateway.Cancel(old)

	s.notifier.Notify(ctx, events.RequestedRaffleWinner(s.params.ID, id))
	s.log.WithField("request_id", id).
		WithField("replaced", old).
		Warn("raffle randomness request reissued")
	return id, nil
}

func (s *Service) reissueLocked(ctx context.Context) (uint64, uint64, error) {
	if s.pending == nil {
		return 0, 0, ErrNoPendingRequest
	}
	if !s.timedOutLocked() {
		return 0, 0, ErrRequestNotTimedOut
	}
	id, err := s.gateway.Request(ctx)
	if err != nil {
		return 0, 0, err
	}

	prev := s.snapshotLocked()
	old := s.pending.RequestID
	s.pending = &domain.PendingRequest{RequestID: id, IssuedAt: s.unixNow()}
	if err := s.store.SaveRaffle(ctx, s.snapshotLocked()); err != nil {
		s.restoreLocked(prev)
		return 0, 0, fmt.Errorf("persist reissue: %w", err)
	}
	return old, id, nil
}

// Read accessors ------------------------------------------------------------

func (s *Service) ID() string { return s.params.ID }

// Params returns the construction parameters.
func (s *Service) Params() domain.Params {
	p := s.params
	p.EntranceFee = new(uint256.Int).Set(s.params.EntranceFee)
	return p
}

func (s *Service) EntranceFee() *uint256.Int { return new(uint256.Int).Set(s.params.EntranceFee) }

func (s *Service) Interval() uint64 { return s.params.Interval }

func (s *Service) State() domain.State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

func (s *Service) NumberOfPlayers() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Players()
}

// Player returns the participant at slot i.
func (s *Service) Player(i int) (common.Address, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Player(i)
}

// LatestTimestamp is the start of the live round in unix seconds.
func (s *Service) LatestTimestamp() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.clock.Start()
}

// RecentWinner is the zero address until a round completes.
func (s *Service) RecentWinner() common.Address {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.recentWinner
}

func (s *Service) Pool() *uint256.Int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ledger.Pool()
}

// PendingRequest returns the outstanding request or nil while OPEN.
func (s *Service) PendingRequest() *domain.PendingRequest {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.pending == nil {
		return nil
	}
	p := *s.pending
	return &p
}

// Snapshot returns a copy of the full raffle state.
func (s *Service) Snapshot() domain.Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshotLocked()
}

// Draws lists completed rounds, newest first.
func (s *Service) Draws(ctx context.Context, limit int) ([]domain.Draw, error) {
	return s.store.ListDraws(ctx, s.params.ID, limit)
}

// internal --------------------------------------------------------------------

func (s *Service) unixNow() uint64 {
	sec := s.now().Unix()
	if sec < 0 {
		return 0
	}
	return uint64(sec)
}

func (s *Service) snapshotLocked() domain.Snapshot {
	snap := domain.Snapshot{
		ID: s.params.ID,
		Round: domain.Round{
			Number:       s.round,
			State:        s.state,
			Participants: s.ledger.participantsCopy(),
			Pool:         s.ledger.Pool(),
			StartedAt:    s.clock.Start(),
		},
		RecentWinner: s.recentWinner,
	}
	if s.pending != nil {
		p := *s.pending
		snap.Pending = &p
	}
	return snap
}

func (s *Service) restoreLocked(snap domain.Snapshot) {
	s.round = snap.Round.Number
	s.state = snap.Round.State
	s.ledger.restore(snap.Round.Participants, snap.Round.Pool)
	s.clock.Restart(snap.Round.StartedAt)
	s.recentWinner = snap.RecentWinner
	s.pending = nil
	if snap.Pending != nil {
		p := *snap.Pending
		s.pending = &p
	}
}

// restore loads a persisted snapshot, rejecting one that breaks the
// state/request pairing.
func (s *Service) restore(snap domain.Snapshot) error {
	calculating := snap.Round.State == domain.StateCalculating
	if calculating != (snap.Pending != nil) {
		return fmt.Errorf("raffle %s: state %s inconsistent with pending request", snap.ID, snap.Round.State)
	}
	s.clock = NewClock(s.params.Interval, snap.Round.StartedAt)
	s.restoreLocked(snap)
	if s.round == 0 {
		s.round = 1
	}
	return nil
}
