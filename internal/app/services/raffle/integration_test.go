package raffle

import (
	"context"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/services/bank"
	"github.com/R3E-Network/raffle/internal/app/services/vrf"
	"github.com/R3E-Network/raffle/internal/app/storage/memory"
)

type localRig struct {
	svc   *Service
	coord *vrf.LocalCoordinator
	bank  *bank.Bank
	clock *fakeClock
}

func newLocalRig(t *testing.T) *localRig {
	t.Helper()
	return newLocalRigWith(t, nil)
}

func newLocalRigWith(t *testing.T, mutate func(*domain.Params)) *localRig {
	t.Helper()
	ctx := context.Background()
	store := memory.New()
	b := bank.New(store, nil)
	vault := b.Vault(raffleAddr)
	clock := &fakeClock{now: time.Unix(1_700_000_000, 0)}

	coord := vrf.NewLocalCoordinator(coordinator, uint256.NewInt(100), uint256.NewInt(1), vrf.WithClock(clock.Now))
	subID := coord.CreateSubscription()
	require.NoError(t, coord.FundSubscription(subID, uint256.NewInt(10_000_000)))
	require.NoError(t, coord.AddConsumer(subID, raffleAddr))

	params := testParams()
	params.SubscriptionID = subID
	if mutate != nil {
		mutate(&params)
	}
	svc, err := New(ctx, params, coord, vault, store, WithCollector(vault), WithClock(clock.Now))
	require.NoError(t, err)
	coord.Bind(raffleAddr, svc)

	for _, p := range []common.Address{playerA, playerB, playerC} {
		_, err := b.Deposit(ctx, p, uint256.NewInt(1_000))
		require.NoError(t, err)
	}
	return &localRig{svc: svc, coord: coord, bank: b, clock: clock}
}

func TestLocalCoordinatorRoundTrip(t *testing.T) {
	rig := newLocalRig(t)
	ctx := context.Background()
	players := []common.Address{playerA, playerB, playerC}

	for _, p := range players {
		require.NoError(t, rig.svc.Enter(ctx, p, uint256.NewInt(100)))
	}
	vaultBal, err := rig.bank.Balance(ctx, raffleAddr)
	require.NoError(t, err)
	require.Equal(t, uint64(300), vaultBal.Uint64())

	rig.clock.Advance(30 * time.Second)
	id, err := rig.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)

	f, err := rig.coord.FulfillRandomWords(ctx, id)
	require.NoError(t, err)

	idx := new(uint256.Int).Mod(f.Words[0], uint256.NewInt(3)).Uint64()
	winner := players[idx]
	require.Equal(t, winner, rig.svc.RecentWinner())
	require.Equal(t, domain.StateOpen, rig.svc.State())

	bal, err := rig.bank.Balance(ctx, winner)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000-100+300), bal.Uint64())
	vaultBal, _ = rig.bank.Balance(ctx, raffleAddr)
	require.True(t, vaultBal.IsZero())
}

func TestRejectedPayoutKeepsRequestForRetry(t *testing.T) {
	rig := newLocalRig(t)
	ctx := context.Background()

	require.NoError(t, rig.svc.Enter(ctx, playerA, uint256.NewInt(100)))
	rig.clock.Advance(30 * time.Second)
	id, err := rig.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)

	rig.bank.Block(playerA)
	_, err = rig.coord.FulfillRandomWords(ctx, id)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.Equal(t, domain.StateCalculating, rig.svc.State())
	require.Len(t, rig.coord.Pending(), 1)

	rig.bank.Unblock(playerA)
	_, err = rig.coord.FulfillRandomWords(ctx, id)
	require.NoError(t, err)
	require.Equal(t, playerA, rig.svc.RecentWinner())
}

func TestEntryWithoutFundsIsRejected(t *testing.T) {
	rig := newLocalRig(t)
	stranger := common.HexToAddress("0x00000000000000000000000000000000000000ee")

	err := rig.svc.Enter(context.Background(), stranger, uint256.NewInt(100))
	require.ErrorIs(t, err, ErrPaymentFailed)
	require.Zero(t, rig.svc.NumberOfPlayers())
}

func (r *localRig) requireEscrowMatchesPool(t *testing.T, step string) {
	t.Helper()
	held, err := r.bank.Balance(context.Background(), raffleAddr)
	require.NoError(t, err)
	require.Equal(t, r.svc.Pool().Dec(), held.Dec(), "escrow after %s", step)
}

func pendingIDs(c *vrf.LocalCoordinator) []uint64 {
	var ids []uint64
	for _, req := range c.Pending() {
		ids = append(ids, req.ID)
	}
	return ids
}

func TestEscrowMatchesPoolAcrossRound(t *testing.T) {
	rig := newLocalRigWith(t, func(p *domain.Params) { p.RequestTimeout = time.Minute })
	ctx := context.Background()
	rig.requireEscrowMatchesPool(t, "open")

	require.NoError(t, rig.svc.Enter(ctx, playerA, uint256.NewInt(100)))
	rig.requireEscrowMatchesPool(t, "first entry")
	require.NoError(t, rig.svc.Enter(ctx, playerB, uint256.NewInt(100)))
	rig.requireEscrowMatchesPool(t, "second entry")

	require.ErrorIs(t, rig.svc.Enter(ctx, raffleAddr, uint256.NewInt(100)), ErrInvalidPlayer)
	require.Equal(t, 2, rig.svc.NumberOfPlayers())
	rig.requireEscrowMatchesPool(t, "escrow entry")

	rig.clock.Advance(30 * time.Second)
	old, err := rig.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)
	rig.requireEscrowMatchesPool(t, "upkeep")

	rig.clock.Advance(time.Minute)
	fresh, err := rig.svc.ReissueRequest(ctx)
	require.NoError(t, err)
	require.Equal(t, []uint64{fresh}, pendingIDs(rig.coord), "replaced request is cancelled")
	rig.requireEscrowMatchesPool(t, "reissue")

	_, err = rig.coord.FulfillRandomWords(ctx, old)
	require.ErrorIs(t, err, vrf.ErrNonexistentRequest)

	require.NoError(t, rig.svc.FulfillRandomWords(ctx, coordinator, fresh, []*uint256.Int{uint256.NewInt(1)}))
	require.Empty(t, rig.coord.Pending(), "answered request is cleared from the coordinator")
	require.Equal(t, playerB, rig.svc.RecentWinner())
	rig.requireEscrowMatchesPool(t, "fulfil")

	bal, err := rig.bank.Balance(ctx, playerB)
	require.NoError(t, err)
	require.Equal(t, uint64(1_000-100+200), bal.Uint64())
}

func TestStaleRequestIsNotRetried(t *testing.T) {
	rig := newLocalRig(t)
	ctx := context.Background()
	require.NoError(t, rig.svc.Enter(ctx, playerA, uint256.NewInt(100)))
	rig.clock.Advance(30 * time.Second)
	first, err := rig.svc.PerformUpkeep(ctx, nil)
	require.NoError(t, err)
	require.NoError(t, rig.svc.FulfillRandomWords(ctx, coordinator, first, []*uint256.Int{uint256.NewInt(0)}))

	// A request issued behind the raffle's back is disowned on delivery.
	stray, err := rig.coord.RequestRandomWords(ctx, vrf.RandomWordsRequest{
		KeyHash:  testParams().KeyHash,
		SubID:    1,
		NumWords: 1,
		Consumer: raffleAddr,
	})
	require.NoError(t, err)
	_, err = rig.coord.FulfillRandomWords(ctx, stray)
	require.ErrorIs(t, err, ErrUnknownRequest)
	require.Empty(t, rig.coord.Pending())
	rig.requireEscrowMatchesPool(t, "stray delivery")
}
