package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/storage"
)

// Store is an in-memory implementation of the storage interfaces. It is safe
// for concurrent use and is primarily intended for tests and local development.
type Store struct {
	mu       sync.RWMutex
	raffles  map[string]raffle.Snapshot
	draws    map[string][]raffle.Draw
	balances map[common.Address]*uint256.Int
}

var _ storage.RaffleStore = (*Store)(nil)
var _ storage.BalanceStore = (*Store)(nil)

// New creates an empty store.
func New() *Store {
	return &Store{
		raffles:  make(map[string]raffle.Snapshot),
		draws:    make(map[string][]raffle.Draw),
		balances: make(map[common.Address]*uint256.Int),
	}
}

// RaffleStore implementation --------------------------------------------------

func (s *Store) LoadRaffle(_ context.Context, id string) (raffle.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.raffles[id]
	if !ok {
		return raffle.Snapshot{}, fmt.Errorf("raffle %s: %w", id, storage.ErrNotFound)
	}
	return snap.Clone(), nil
}

func (s *Store) SaveRaffle(_ context.Context, snap raffle.Snapshot) error {
	if snap.ID == "" {
		return fmt.Errorf("raffle id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snap = snap.Clone()
	snap.UpdatedAt = time.Now().UTC()
	s.raffles[snap.ID] = snap
	return nil
}

func (s *Store) RecordDraw(_ context.Context, draw raffle.Draw) (raffle.Draw, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if draw.ID == "" {
		draw.ID = uuid.NewString()
	}
	if draw.DrawnAt.IsZero() {
		draw.DrawnAt = time.Now().UTC()
	}
	draw = cloneDraw(draw)
	s.draws[draw.RaffleID] = append(s.draws[draw.RaffleID], draw)
	return cloneDraw(draw), nil
}

// ListDraws returns the most recent draws first.
func (s *Store) ListDraws(_ context.Context, raffleID string, limit int) ([]raffle.Draw, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	draws := s.draws[raffleID]
	result := make([]raffle.Draw, 0, len(draws))
	for _, d := range draws {
		result = append(result, cloneDraw(d))
	}
	sort.SliceStable(result, func(i, j int) bool {
		return result[i].RoundNumber > result[j].RoundNumber
	})
	if limit > 0 && len(result) > limit {
		result = result[:limit]
	}
	return result, nil
}

// BalanceStore implementation -------------------------------------------------

func (s *Store) Balance(_ context.Context, addr common.Address) (*uint256.Int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return cloneAmount(s.balances[addr]), nil
}

func (s *Store) Credit(_ context.Context, addr common.Address, amount *uint256.Int) (*uint256.Int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := cloneAmount(s.balances[addr])
	next, overflow := new(uint256.Int).AddOverflow(current, amount)
	if overflow {
		return nil, fmt.Errorf("credit %s: balance overflow", addr.Hex())
	}
	s.balances[addr] = next
	return cloneAmount(next), nil
}

func (s *Store) Transfer(_ context.Context, from, to common.Address, amount *uint256.Int) error {
	if from == to {
		return fmt.Errorf("transfer %s: %w", from.Hex(), storage.ErrSelfTransfer)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	src := cloneAmount(s.balances[from])
	if src.Lt(amount) {
		return fmt.Errorf("transfer from %s: %w", from.Hex(), storage.ErrInsufficientBalance)
	}
	dst := cloneAmount(s.balances[to])
	newDst, overflow := new(uint256.Int).AddOverflow(dst, amount)
	if overflow {
		return fmt.Errorf("transfer to %s: balance overflow", to.Hex())
	}
	s.balances[from] = new(uint256.Int).Sub(src, amount)
	s.balances[to] = newDst
	return nil
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}

func cloneDraw(d raffle.Draw) raffle.Draw {
	d.Amount = cloneAmount(d.Amount)
	d.RandomWord = cloneAmount(d.RandomWord)
	return d
}
