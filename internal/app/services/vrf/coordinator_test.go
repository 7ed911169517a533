package vrf

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"

	"github.com/R3E-Network/raffle/internal/app/events"
)

var (
	coordinatorAddr = common.HexToAddress("0x00000000000000000000000000000000000c0de0")
	consumerAddr    = common.HexToAddress("0x0000000000000000000000000000000000ca11e0")
	keyHash         = common.HexToHash("0x474e34a077df58807dbe9c96d3c009b23b3c6d0cce433e59bbf5b34f823bc56c")
)

type captureConsumer struct {
	mu      sync.Mutex
	callers []common.Address
	ids     []uint64
	words   [][]*uint256.Int
	err     error
}

func (c *captureConsumer) RawFulfillRandomWords(_ context.Context, caller common.Address, requestID uint64, words []*uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return c.err
	}
	c.callers = append(c.callers, caller)
	c.ids = append(c.ids, requestID)
	c.words = append(c.words, words)
	return nil
}

func newFundedCoordinator(t *testing.T, opts ...Option) (*LocalCoordinator, uint64, *captureConsumer) {
	t.Helper()
	c := NewLocalCoordinator(coordinatorAddr, uint256.NewInt(100), uint256.NewInt(1), opts...)
	subID := c.CreateSubscription()
	require.NoError(t, c.FundSubscription(subID, uint256.NewInt(1_000_000)))
	require.NoError(t, c.AddConsumer(subID, consumerAddr))
	consumer := &captureConsumer{}
	c.Bind(consumerAddr, consumer)
	return c, subID, consumer
}

func request(subID uint64) RandomWordsRequest {
	return RandomWordsRequest{
		KeyHash:          keyHash,
		SubID:            subID,
		Confirmations:    3,
		CallbackGasLimit: 500_000,
		NumWords:         1,
		Consumer:         consumerAddr,
	}
}

func TestRequestRandomWordsValidation(t *testing.T) {
	c, subID, _ := newFundedCoordinator(t)
	ctx := context.Background()

	bad := request(99)
	if _, err := c.RequestRandomWords(ctx, bad); !errors.Is(err, ErrInvalidSubscription) {
		t.Fatalf("expected ErrInvalidSubscription, got %v", err)
	}

	stranger := request(subID)
	stranger.Consumer = common.HexToAddress("0x1")
	if _, err := c.RequestRandomWords(ctx, stranger); !errors.Is(err, ErrInvalidConsumer) {
		t.Fatalf("expected ErrInvalidConsumer, got %v", err)
	}

	greedy := request(subID)
	greedy.NumWords = MaxNumWords + 1
	if _, err := c.RequestRandomWords(ctx, greedy); !errors.Is(err, ErrNumWordsTooHigh) {
		t.Fatalf("expected ErrNumWordsTooHigh, got %v", err)
	}

	first, err := c.RequestRandomWords(ctx, request(subID))
	require.NoError(t, err)
	second, err := c.RequestRandomWords(ctx, request(subID))
	require.NoError(t, err)
	require.Equal(t, uint64(1), first)
	require.Equal(t, uint64(2), second)
	require.Len(t, c.Pending(), 2)
}

func TestFulfillDeliversMockWordsAndCharges(t *testing.T) {
	rec := events.NewRecorder(8)
	c, subID, consumer := newFundedCoordinator(t, WithNotifier(rec))
	ctx := context.Background()

	id, err := c.RequestRandomWords(ctx, request(subID))
	require.NoError(t, err)

	f, err := c.FulfillRandomWords(ctx, id)
	require.NoError(t, err)

	expected := new(uint256.Int).SetBytes(crypto.Keccak256(
		common.LeftPadBytes([]byte{byte(id)}, 32),
		common.LeftPadBytes(nil, 32),
	))
	require.Len(t, f.Words, 1)
	require.True(t, f.Words[0].Eq(expected), "word %s != %s", f.Words[0], expected)

	require.Equal(t, []common.Address{coordinatorAddr}, consumer.callers)
	require.Equal(t, []uint64{id}, consumer.ids)

	sub, err := c.Subscription(subID)
	require.NoError(t, err)
	// 100 base + 1 * 500_000 gas
	require.Equal(t, uint64(1_000_000-500_100), sub.Balance.Uint64())

	_, err = c.FulfillRandomWords(ctx, id)
	require.ErrorIs(t, err, ErrNonexistentRequest)
	require.Equal(t, "nonexistent request", errors.Unwrap(err).Error())

	fulfilled := rec.Recent(events.KindRandomWordsFulfilled, 0)
	require.Len(t, fulfilled, 1)
	require.Equal(t, "true", fulfilled[0].Attributes["success"])
	require.Len(t, rec.Recent(events.KindRandomWordsRequested, 0), 1)
}

func TestConsumerErrorLeavesRequestPending(t *testing.T) {
	c, subID, consumer := newFundedCoordinator(t)
	ctx := context.Background()
	consumer.err = errors.New("reverted")

	id, err := c.RequestRandomWords(ctx, request(subID))
	require.NoError(t, err)

	_, err = c.FulfillRandomWords(ctx, id)
	require.Error(t, err)

	_, err = c.Request(id)
	require.NoError(t, err)
	sub, _ := c.Subscription(subID)
	require.Equal(t, uint64(1_000_000), sub.Balance.Uint64())
}

func TestFulfillRequiresBalance(t *testing.T) {
	c := NewLocalCoordinator(coordinatorAddr, uint256.NewInt(100), uint256.NewInt(1))
	subID := c.CreateSubscription()
	require.NoError(t, c.AddConsumer(subID, consumerAddr))
	c.Bind(consumerAddr, &captureConsumer{})

	id, err := c.RequestRandomWords(context.Background(), request(subID))
	require.NoError(t, err)
	_, err = c.FulfillRandomWords(context.Background(), id)
	require.ErrorIs(t, err, ErrInsufficientBalance)
}

func TestProvenWordsVerify(t *testing.T) {
	key, err := DeriveKey([]byte("local development seed"), "v1")
	require.NoError(t, err)
	c, subID, consumer := newFundedCoordinator(t, WithKey(key))
	ctx := context.Background()

	req := request(subID)
	req.NumWords = 3
	id, err := c.RequestRandomWords(ctx, req)
	require.NoError(t, err)

	pending, err := c.Request(id)
	require.NoError(t, err)
	require.NotEmpty(t, pending.Proof)

	f, err := c.FulfillRandomWords(ctx, id)
	require.NoError(t, err)
	require.Len(t, f.Words, 3)
	require.NoError(t, Verify(c.PublicKey(), f))
	require.True(t, consumer.words[0][2].Eq(f.Words[2]))

	f.Words[1] = new(uint256.Int).AddUint64(f.Words[1], 1)
	require.ErrorIs(t, Verify(c.PublicKey(), f), ErrInvalidProof)
}

func TestDeriveKeyIsDeterministic(t *testing.T) {
	a, err := DeriveKey([]byte("seed"), "v1")
	require.NoError(t, err)
	b, err := DeriveKey([]byte("seed"), "v1")
	require.NoError(t, err)
	other, err := DeriveKey([]byte("seed"), "v2")
	require.NoError(t, err)

	require.Zero(t, a.D.Cmp(b.D))
	require.NotZero(t, a.D.Cmp(other.D))
	require.Equal(t, KeyHash(&a.PublicKey), KeyHash(&b.PublicKey))

	_, err = DeriveKey(nil, "v1")
	require.Error(t, err)
}

func TestFulfillerWaitsForConfirmations(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	now := start
	clock := func() time.Time { return now }

	c, subID, consumer := newFundedCoordinator(t, WithClock(clock))
	f := NewFulfiller(c, time.Second, time.Second, nil)
	f.now = clock

	_, err := c.RequestRandomWords(context.Background(), request(subID))
	require.NoError(t, err)

	now = start.Add(2 * time.Second)
	require.Equal(t, 0, f.Tick(context.Background()))

	now = start.Add(3 * time.Second)
	require.Equal(t, 1, f.Tick(context.Background()))
	require.Len(t, consumer.ids, 1)
	require.Empty(t, c.Pending())
}

func TestFulfillerBacksOffAfterFailure(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	now := start
	clock := func() time.Time { return now }

	c, subID, consumer := newFundedCoordinator(t, WithClock(clock))
	consumer.err = errors.New("reverted")
	f := NewFulfiller(c, time.Second, 0, nil)
	f.now = clock

	_, err := c.RequestRandomWords(context.Background(), request(subID))
	require.NoError(t, err)
	require.Equal(t, 0, f.Tick(context.Background()))

	consumer.mu.Lock()
	consumer.err = nil
	consumer.mu.Unlock()

	now = start.Add(time.Second)
	require.Equal(t, 0, f.Tick(context.Background()), "still backing off")

	now = start.Add(5 * time.Second)
	require.Equal(t, 1, f.Tick(context.Background()))
}

func TestStaleRequestIsDroppedWhenConsumerDisowns(t *testing.T) {
	start := time.Unix(1_700_000_000, 0)
	now := start
	clock := func() time.Time { return now }

	c, subID, consumer := newFundedCoordinator(t, WithClock(clock))
	consumer.err = fmt.Errorf("request 1: %w", ErrNonexistentRequest)
	f := NewFulfiller(c, time.Second, 0, nil)
	f.now = clock

	_, err := c.RequestRandomWords(context.Background(), request(subID))
	require.NoError(t, err)
	require.Equal(t, 0, f.Tick(context.Background()))
	require.Empty(t, c.Pending())
	require.Empty(t, f.nextAttempt)

	sub, _ := c.Subscription(subID)
	require.Equal(t, uint64(1_000_000), sub.Balance.Uint64(), "dropped request is not charged")
}

func TestDeliverForwardsCallerAndClearsRequest(t *testing.T) {
	c, subID, consumer := newFundedCoordinator(t)
	ctx := context.Background()
	oracle := common.HexToAddress("0x00000000000000000000000000000000000000aa")

	id, err := c.RequestRandomWords(ctx, request(subID))
	require.NoError(t, err)
	require.NoError(t, c.Deliver(ctx, oracle, id, []*uint256.Int{uint256.NewInt(9)}))
	require.Equal(t, []common.Address{oracle}, consumer.callers)
	require.Empty(t, c.Pending())

	sub, _ := c.Subscription(subID)
	require.Equal(t, uint64(1_000_000), sub.Balance.Uint64())

	// Unknown ids still reach the only bound consumer.
	require.NoError(t, c.Deliver(ctx, oracle, 77, []*uint256.Int{uint256.NewInt(1)}))
	require.Equal(t, []uint64{id, 77}, consumer.ids)

	empty := NewLocalCoordinator(coordinatorAddr, uint256.NewInt(0), uint256.NewInt(0))
	require.ErrorIs(t, empty.Deliver(ctx, oracle, 1, nil), ErrNonexistentRequest)
}

func TestCancelForgetsRequest(t *testing.T) {
	c, subID, _ := newFundedCoordinator(t)
	id, err := c.RequestRandomWords(context.Background(), request(subID))
	require.NoError(t, err)

	require.True(t, c.Cancel(id))
	require.False(t, c.Cancel(id))
	require.Empty(t, c.Pending())
	_, err = c.FulfillRandomWords(context.Background(), id)
	require.ErrorIs(t, err, ErrNonexistentRequest)
}
