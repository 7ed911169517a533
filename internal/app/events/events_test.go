package events

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-redis/redis/v8"
	"github.com/gorilla/websocket"
	"github.com/holiman/uint256"
	"github.com/stretchr/testify/require"
)

var player = common.HexToAddress("0x00000000000000000000000000000000000a11ce")

func TestRecorderRecentNewestFirst(t *testing.T) {
	rec := NewRecorder(3)
	ctx := context.Background()
	rec.Notify(ctx, RaffleEnter("main", player, uint256.NewInt(1)))
	rec.Notify(ctx, RequestedRaffleWinner("main", 1))
	rec.Notify(ctx, RaffleEnter("main", player, uint256.NewInt(2)))
	rec.Notify(ctx, WinnerPicked("main", player, uint256.NewInt(3)))

	if rec.Count() != 3 {
		t.Fatalf("expected buffer capped at 3, got %d", rec.Count())
	}
	all := rec.Recent("", 0)
	if len(all) != 3 || all[0].Kind != KindWinnerPicked || all[2].Kind != KindRequestedRaffleWinner {
		t.Fatalf("unexpected order: %+v", all)
	}
	entries := rec.Recent(KindRaffleEnter, 10)
	if len(entries) != 1 || entries[0].Attributes["amount"] != "2" {
		t.Fatalf("unexpected filtered events: %+v", entries)
	}
}

type failingSink struct{}

func (failingSink) Name() string { return "failing" }
func (failingSink) Deliver(context.Context, Event) error { return errors.New("down") }

func TestBusFansOutAndReportsFailures(t *testing.T) {
	rec := NewRecorder(8)
	bus := NewBus(8, nil, failingSink{}, rec)

	var mu sync.Mutex
	var failures []string
	bus.OnDeliveryFailure(func(sink string, err error) {
		mu.Lock()
		failures = append(failures, sink)
		mu.Unlock()
	})

	require.NoError(t, bus.Start(context.Background()))
	bus.Notify(context.Background(), RequestedRaffleWinner("main", 7))

	require.Eventually(t, func() bool { return rec.Count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, bus.Stop(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, []string{"failing"}, failures)
	require.Equal(t, "7", rec.Recent("", 1)[0].Attributes["request_id"])
}

func TestBusDropsWhenQueueFull(t *testing.T) {
	bus := NewBus(1, nil)
	bus.Notify(context.Background(), RequestedRaffleWinner("main", 1))
	bus.Notify(context.Background(), RequestedRaffleWinner("main", 2))
	require.Equal(t, uint64(1), bus.Dropped())
}

func TestBusDrainsOnStop(t *testing.T) {
	rec := NewRecorder(8)
	bus := NewBus(8, nil, rec)
	bus.Notify(context.Background(), RequestedRaffleWinner("main", 1))
	bus.Notify(context.Background(), RequestedRaffleWinner("main", 2))
	require.NoError(t, bus.Start(context.Background()))
	require.NoError(t, bus.Stop(context.Background()))
	require.Equal(t, 2, rec.Count())
}

type fakeStream struct {
	args []*redis.XAddArgs
	err  error
}

func (f *fakeStream) XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd {
	f.args = append(f.args, a)
	return redis.NewStringResult("1-0", f.err)
}

func TestRedisPublisherWritesStreamEntry(t *testing.T) {
	stream := &fakeStream{}
	pub := NewRedisPublisher(stream, "", 1000)

	event := WinnerPicked("main", player, uint256.NewInt(42))
	require.NoError(t, pub.Deliver(context.Background(), event))
	require.Len(t, stream.args, 1)

	args := stream.args[0]
	require.Equal(t, "raffle:events", args.Stream)
	require.True(t, args.Approx)
	require.EqualValues(t, 1000, args.MaxLen)
	values := args.Values.(map[string]interface{})
	require.Equal(t, "WinnerPicked", values["kind"])
	require.Equal(t, "42", values["attr.amount"])
	require.Equal(t, player.Hex(), values["attr.winner"])

	stream.err = errors.New("connection refused")
	err := pub.Deliver(context.Background(), event)
	require.Error(t, err)
	require.True(t, strings.Contains(err.Error(), "xadd raffle:events"))
}

func TestHubBroadcastsToWebsocketClients(t *testing.T) {
	hub := NewHub(nil)
	server := httptest.NewServer(hub)
	defer server.Close()

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, hub.Deliver(context.Background(), RaffleEnter("main", player, uint256.NewInt(5))))

	var got Event
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(time.Second)))
	require.NoError(t, conn.ReadJSON(&got))
	require.Equal(t, KindRaffleEnter, got.Kind)
	require.Equal(t, "5", got.Attributes["amount"])
}
