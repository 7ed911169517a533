// Package events carries raffle and coordinator notifications to outbound sinks.
// Emitters only enqueue; delivery happens on the Bus goroutine so a slow sink
// never stalls a state transition.
package events

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/holiman/uint256"
)

// Kind identifies a notification.
type Kind string

const (
	KindRaffleEnter           Kind = "RaffleEnter"
	KindRequestedRaffleWinner Kind = "RequestedRaffleWinner"
	KindWinnerPicked          Kind = "WinnerPicked"
	KindRandomWordsRequested  Kind = "RandomWordsRequested"
	KindRandomWordsFulfilled  Kind = "RandomWordsFulfilled"
)

// Event is one emitted notification.
type Event struct {
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	Source     string            `json:"source"`
	Attributes map[string]string `json:"attributes,omitempty"`
	EmittedAt  time.Time         `json:"emitted_at"`
}

// String returns the JSON form of the event.
func (e Event) String() string {
	data, _ := json.Marshal(e)
	return string(data)
}

func newEvent(kind Kind, source string, attrs map[string]string) Event {
	return Event{
		ID:         uuid.NewString(),
		Kind:       kind,
		Source:     source,
		Attributes: attrs,
		EmittedAt:  time.Now().UTC(),
	}
}

// RaffleEnter is emitted for every accepted entry.
func RaffleEnter(raffleID string, player common.Address, amount *uint256.Int) Event {
	return newEvent(KindRaffleEnter, raffleID, map[string]string{
		"player": player.Hex(),
		"amount": amount.Dec(),
	})
}

// RequestedRaffleWinner is emitted once a draw has been requested from the oracle.
func RequestedRaffleWinner(raffleID string, requestID uint64) Event {
	return newEvent(KindRequestedRaffleWinner, raffleID, map[string]string{
		"request_id": strconv.FormatUint(requestID, 10),
	})
}

// WinnerPicked is emitted after the pool has been paid out.
func WinnerPicked(raffleID string, winner common.Address, amount *uint256.Int) Event {
	return newEvent(KindWinnerPicked, raffleID, map[string]string{
		"winner": winner.Hex(),
		"amount": amount.Dec(),
	})
}

// RandomWordsRequested is emitted by a coordinator when it accepts a request.
func RandomWordsRequested(coordinator common.Address, requestID, subID uint64, consumer common.Address) Event {
	return newEvent(KindRandomWordsRequested, coordinator.Hex(), map[string]string{
		"request_id": strconv.FormatUint(requestID, 10),
		"sub_id":     strconv.FormatUint(subID, 10),
		"consumer":   consumer.Hex(),
	})
}

// RandomWordsFulfilled is emitted by a coordinator after delivering words.
func RandomWordsFulfilled(coordinator common.Address, requestID uint64, payment *uint256.Int, success bool) Event {
	return newEvent(KindRandomWordsFulfilled, coordinator.Hex(), map[string]string{
		"request_id": strconv.FormatUint(requestID, 10),
		"payment":    payment.Dec(),
		"success":    strconv.FormatBool(success),
	})
}

// Notifier accepts events for delivery.
type Notifier interface {
	Notify(ctx context.Context, event Event)
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, event Event)

func (f NotifierFunc) Notify(ctx context.Context, event Event) { f(ctx, event) }

// Nop discards every event.
var Nop Notifier = NotifierFunc(func(context.Context, Event) {})

// Sink receives events from the Bus.
type Sink interface {
	Name() string
	Deliver(ctx context.Context, event Event) error
}

// Recorder keeps the most recent events in a ring buffer.
type Recorder struct {
	mu     sync.RWMutex
	events []Event
	size   int
	head   int
	count  int
}

var _ Sink = (*Recorder)(nil)
var _ Notifier = (*Recorder)(nil)

// NewRecorder creates a recorder holding at most size events.
func NewRecorder(size int) *Recorder {
	if size <= 0 {
		size = 256
	}
	return &Recorder{events: make([]Event, size), size: size}
}

func (r *Recorder) Name() string { return "recorder" }

func (r *Recorder) Deliver(_ context.Context, event Event) error {
	r.mu.Lock()
	r.events[r.head] = event
	r.head = (r.head + 1) % r.size
	if r.count < r.size {
		r.count++
	}
	r.mu.Unlock()
	return nil
}

// Notify records synchronously, which lets tests use a Recorder without a Bus.
func (r *Recorder) Notify(ctx context.Context, event Event) {
	_ = r.Deliver(ctx, event)
}

// Recent returns up to n events, newest first. An empty kind matches all.
func (r *Recorder) Recent(kind Kind, n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if n <= 0 {
		n = r.count
	}
	var result []Event
	for i := 0; i < r.count && len(result) < n; i++ {
		idx := (r.head - 1 - i + r.size) % r.size
		if kind == "" || r.events[idx].Kind == kind {
			result = append(result, r.events[idx])
		}
	}
	return result
}

// Count returns the number of buffered events.
func (r *Recorder) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.count
}
