package memory

import (
	"context"
	"errors"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/storage"
)

var (
	alice = common.HexToAddress("0x00000000000000000000000000000000000a11ce")
	bob   = common.HexToAddress("0x0000000000000000000000000000000000000b0b")
)

func TestSaveAndLoadRaffleIsolatesCopies(t *testing.T) {
	ctx := context.Background()
	store := New()

	if _, err := store.LoadRaffle(ctx, "main"); !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	snap := raffle.Snapshot{
		ID: "main",
		Round: raffle.Round{
			Number:       1,
			State:        raffle.StateCalculating,
			Participants: []common.Address{alice, bob},
			Pool:         uint256.NewInt(200),
			StartedAt:    10,
		},
		Pending: &raffle.PendingRequest{RequestID: 7, IssuedAt: 40},
	}
	if err := store.SaveRaffle(ctx, snap); err != nil {
		t.Fatalf("save: %v", err)
	}

	snap.Round.Participants[0] = bob
	snap.Round.Pool.SetUint64(1)
	snap.Pending.RequestID = 99

	loaded, err := store.LoadRaffle(ctx, "main")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Round.Participants[0] != alice {
		t.Fatalf("participants aliased caller slice")
	}
	if loaded.Round.Pool.Uint64() != 200 {
		t.Fatalf("pool aliased caller value: %s", loaded.Round.Pool)
	}
	if loaded.Pending == nil || loaded.Pending.RequestID != 7 {
		t.Fatalf("pending aliased caller value: %+v", loaded.Pending)
	}
	if loaded.UpdatedAt.IsZero() {
		t.Fatalf("expected updated timestamp")
	}
}

func TestListDrawsNewestFirst(t *testing.T) {
	ctx := context.Background()
	store := New()
	for i := uint64(1); i <= 3; i++ {
		if _, err := store.RecordDraw(ctx, raffle.Draw{RaffleID: "main", RoundNumber: i, Winner: alice, Amount: uint256.NewInt(i)}); err != nil {
			t.Fatalf("record draw %d: %v", i, err)
		}
	}

	draws, err := store.ListDraws(ctx, "main", 2)
	if err != nil {
		t.Fatalf("list draws: %v", err)
	}
	if len(draws) != 2 {
		t.Fatalf("expected 2 draws, got %d", len(draws))
	}
	if draws[0].RoundNumber != 3 || draws[1].RoundNumber != 2 {
		t.Fatalf("unexpected order: %d, %d", draws[0].RoundNumber, draws[1].RoundNumber)
	}
	if draws[0].ID == "" {
		t.Fatalf("expected generated draw id")
	}
}

func TestTransferIsAllOrNothing(t *testing.T) {
	ctx := context.Background()
	store := New()

	if _, err := store.Credit(ctx, alice, uint256.NewInt(50)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	err := store.Transfer(ctx, alice, bob, uint256.NewInt(80))
	if !errors.Is(err, storage.ErrInsufficientBalance) {
		t.Fatalf("expected ErrInsufficientBalance, got %v", err)
	}
	if bal, _ := store.Balance(ctx, alice); bal.Uint64() != 50 {
		t.Fatalf("source changed after failed transfer: %s", bal)
	}
	if bal, _ := store.Balance(ctx, bob); !bal.IsZero() {
		t.Fatalf("destination changed after failed transfer: %s", bal)
	}

	if err := store.Transfer(ctx, alice, bob, uint256.NewInt(30)); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	if bal, _ := store.Balance(ctx, alice); bal.Uint64() != 20 {
		t.Fatalf("expected 20 left, got %s", bal)
	}
	if bal, _ := store.Balance(ctx, bob); bal.Uint64() != 30 {
		t.Fatalf("expected 30 received, got %s", bal)
	}
}

func TestTransferToSelfFails(t *testing.T) {
	ctx := context.Background()
	store := New()
	if _, err := store.Credit(ctx, alice, uint256.NewInt(50)); err != nil {
		t.Fatalf("credit: %v", err)
	}

	err := store.Transfer(ctx, alice, alice, uint256.NewInt(10))
	if !errors.Is(err, storage.ErrSelfTransfer) {
		t.Fatalf("expected ErrSelfTransfer, got %v", err)
	}
	if bal, _ := store.Balance(ctx, alice); bal.Uint64() != 50 {
		t.Fatalf("balance changed after self transfer: %s", bal)
	}
}
