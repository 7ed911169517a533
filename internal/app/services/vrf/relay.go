package vrf

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/raffle/internal/app/events"
	"github.com/R3E-Network/raffle/internal/app/metrics"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// Relay is the Coordinator used with an external oracle. Requests are
// announced as RandomWordsRequested events; the oracle answers through
// Deliver, typically behind an authenticated HTTP endpoint.
type Relay struct {
	address  common.Address
	notifier events.Notifier
	log      *logger.Logger

	mu       sync.Mutex
	nextID   uint64
	requests map[uint64]*Request
	handlers map[common.Address]Consumer
	now      func() time.Time
}

var _ Coordinator = (*Relay)(nil)

// NewRelay creates a relay for the oracle identified by address. Request ids
// are seeded from the wall clock so they keep increasing across restarts.
func NewRelay(address common.Address, notifier events.Notifier, log *logger.Logger) *Relay {
	if notifier == nil {
		notifier = events.Nop
	}
	if log == nil {
		log = logger.NewDefault("vrf-relay")
	}
	return &Relay{
		address:  address,
		notifier: notifier,
		log:      log,
		nextID:   uint64(time.Now().UnixMilli()),
		requests: make(map[uint64]*Request),
		handlers: make(map[common.Address]Consumer),
		now:      time.Now,
	}
}

// Address returns the oracle identity.
func (r *Relay) Address() common.Address { return r.address }

// Bind associates a consumer address with the handler that receives its words.
func (r *Relay) Bind(addr common.Address, consumer Consumer) {
	r.mu.Lock()
	r.handlers[addr] = consumer
	r.mu.Unlock()
}

func (r *Relay) RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error) {
	if req.NumWords > MaxNumWords {
		return 0, fmt.Errorf("request %d words: %w", req.NumWords, ErrNumWordsTooHigh)
	}

	r.mu.Lock()
	if _, ok := r.handlers[req.Consumer]; !ok {
		r.mu.Unlock()
		return 0, fmt.Errorf("request from %s: %w", req.Consumer.Hex(), ErrInvalidConsumer)
	}
	id := r.nextID
	r.nextID++
	r.requests[id] = &Request{
		ID:               id,
		SubID:            req.SubID,
		KeyHash:          req.KeyHash,
		Consumer:         req.Consumer,
		Confirmations:    req.Confirmations,
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
		CreatedAt:        r.now(),
		Alpha:            alphaFor(req.KeyHash, id, req.Consumer),
	}
	r.mu.Unlock()

	metrics.RecordVRFRequest()
	r.notifier.Notify(ctx, events.RandomWordsRequested(r.address, id, req.SubID, req.Consumer))
	r.log.WithField("request_id", id).WithField("consumer", req.Consumer.Hex()).Info("randomness requested from oracle")
	return id, nil
}

// Pending lists requests the oracle has not answered, in id order.
func (r *Relay) Pending() []Request {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Request, 0, len(r.requests))
	for _, req := range r.requests {
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Deliver forwards words from caller to the consumer that made request id.
// The consumer decides whether caller is authorised. Ids that this relay has
// not issued are still forwarded when exactly one consumer is bound, so that
// a request issued before a restart can be answered.
func (r *Relay) Deliver(ctx context.Context, caller common.Address, id uint64, words []*uint256.Int) error {
	r.mu.Lock()
	var handler Consumer
	if req, ok := r.requests[id]; ok {
		handler = r.handlers[req.Consumer]
	} else if len(r.handlers) == 1 {
		for _, h := range r.handlers {
			handler = h
		}
	}
	r.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("deliver %d: %w", id, ErrNonexistentRequest)
	}

	if err := handler.RawFulfillRandomWords(ctx, caller, id, cloneWords(words)); err != nil {
		metrics.RecordVRFFulfilment(false)
		r.notifier.Notify(ctx, events.RandomWordsFulfilled(r.address, id, new(uint256.Int), false))
		if errors.Is(err, ErrNonexistentRequest) {
			r.Cancel(id)
		}
		r.log.WithError(err).WithField("request_id", id).Warn("consumer rejected oracle words")
		return fmt.Errorf("deliver %d: %w", id, err)
	}

	r.Cancel(id)

	metrics.RecordVRFFulfilment(true)
	r.notifier.Notify(ctx, events.RandomWordsFulfilled(r.address, id, new(uint256.Int), true))
	return nil
}

// Cancel forgets a request the consumer has replaced or answered.
func (r *Relay) Cancel(id uint64) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.requests[id]; !ok {
		return false
	}
	delete(r.requests, id)
	return true
}
