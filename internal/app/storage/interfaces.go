package storage

import (
	"context"
	"errors"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/raffle/internal/app/domain/raffle"
)

var (
	// ErrNotFound is returned when a raffle snapshot does not exist.
	ErrNotFound = errors.New("not found")
	// ErrInsufficientBalance is returned when a transfer exceeds the source balance.
	ErrInsufficientBalance = errors.New("insufficient balance")
	// ErrSelfTransfer is returned when a transfer names the same address twice.
	ErrSelfTransfer = errors.New("transfer to self")
)

// RaffleStore persists raffle snapshots and their draw history.
type RaffleStore interface {
	LoadRaffle(ctx context.Context, id string) (raffle.Snapshot, error)
	// SaveRaffle replaces the stored snapshot atomically.
	SaveRaffle(ctx context.Context, snap raffle.Snapshot) error
	RecordDraw(ctx context.Context, draw raffle.Draw) (raffle.Draw, error)
	ListDraws(ctx context.Context, raffleID string, limit int) ([]raffle.Draw, error)
}

// BalanceStore persists currency balances keyed by address.
type BalanceStore interface {
	Balance(ctx context.Context, addr common.Address) (*uint256.Int, error)
	Credit(ctx context.Context, addr common.Address, amount *uint256.Int) (*uint256.Int, error)
	// Transfer moves amount from one address to another, all or nothing.
	// from == to fails with ErrSelfTransfer.
	Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error
}
