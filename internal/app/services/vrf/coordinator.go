// Package vrf provides the randomness oracle boundary and a local coordinator
// that behaves like the on-chain VRF coordinator mock used for development.
package vrf

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/holiman/uint256"
	"github.com/vechain/go-ecvrf"

	"github.com/R3E-Network/raffle/internal/app/events"
	"github.com/R3E-Network/raffle/internal/app/metrics"
	"github.com/R3E-Network/raffle/pkg/logger"
)

// MaxNumWords is the largest number of words one request may ask for.
const MaxNumWords = 500

var (
	// ErrNonexistentRequest is also what a consumer returns for an id it no
	// longer expects; coordinators drop such requests.
	ErrNonexistentRequest  = errors.New("nonexistent request")
	ErrInvalidSubscription = errors.New("invalid subscription")
	ErrInvalidConsumer     = errors.New("invalid consumer")
	ErrInsufficientBalance = errors.New("insufficient subscription balance")
	ErrNumWordsTooHigh     = errors.New("num words too high")
	ErrInvalidProof        = errors.New("invalid vrf proof")
)

// RandomWordsRequest carries the arguments of a randomness request.
type RandomWordsRequest struct {
	KeyHash          common.Hash
	SubID            uint64
	Confirmations    uint16
	CallbackGasLimit uint32
	NumWords         uint32
	Consumer         common.Address
}

// Coordinator is the oracle as seen by a requester.
type Coordinator interface {
	RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error)
	// Cancel forgets request id and reports whether it was pending.
	Cancel(id uint64) bool
}

// Consumer receives fulfilments. caller is the address of the delivering
// coordinator so the consumer can authenticate it.
type Consumer interface {
	RawFulfillRandomWords(ctx context.Context, caller common.Address, requestID uint64, words []*uint256.Int) error
}

// Subscription is a funded billing account with an allow-list of consumers.
type Subscription struct {
	ID        uint64
	Balance   *uint256.Int
	Consumers []common.Address
}

// Request is a pending randomness request.
type Request struct {
	ID               uint64
	SubID            uint64
	KeyHash          common.Hash
	Consumer         common.Address
	Confirmations    uint16
	CallbackGasLimit uint32
	NumWords         uint32
	CreatedAt        time.Time
	Alpha            []byte
	Proof            []byte
}

// Fulfilment describes a delivered request.
type Fulfilment struct {
	RequestID uint64
	Alpha     []byte
	Proof     []byte
	Words     []*uint256.Int
	Payment   *uint256.Int
}

type subscription struct {
	balance   *uint256.Int
	consumers map[common.Address]struct{}
	order     []common.Address
}

// Option customises a LocalCoordinator.
type Option func(*LocalCoordinator)

// WithKey enables ECVRF proofs with the given secp256k1 key.
func WithKey(key *ecdsa.PrivateKey) Option {
	return func(c *LocalCoordinator) { c.key = key }
}

// WithNotifier routes coordinator events.
func WithNotifier(n events.Notifier) Option {
	return func(c *LocalCoordinator) {
		if n != nil {
			c.notifier = n
		}
	}
}

// WithLogger sets the logger.
func WithLogger(log *logger.Logger) Option {
	return func(c *LocalCoordinator) {
		if log != nil {
			c.log = log
		}
	}
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *LocalCoordinator) {
		if now != nil {
			c.now = now
		}
	}
}

// LocalCoordinator is an in-process randomness oracle. It bills
// subscriptions, keeps pending requests, and delivers words to bound
// consumers when FulfillRandomWords is called.
type LocalCoordinator struct {
	address      common.Address
	baseFee      *uint256.Int
	gasPriceLink *uint256.Int
	key          *ecdsa.PrivateKey
	notifier     events.Notifier
	log          *logger.Logger
	now          func() time.Time

	mu            sync.Mutex
	nextSubID     uint64
	nextRequestID uint64
	subs          map[uint64]*subscription
	requests      map[uint64]*Request
	handlers      map[common.Address]Consumer

	// fulfilMu serialises deliveries so a request is never handed out twice.
	fulfilMu sync.Mutex
}

var _ Coordinator = (*LocalCoordinator)(nil)

// NewLocalCoordinator creates a coordinator identified by address.
func NewLocalCoordinator(address common.Address, baseFee, gasPriceLink *uint256.Int, opts ...Option) *LocalCoordinator {
	c := &LocalCoordinator{
		address:       address,
		baseFee:       cloneAmount(baseFee),
		gasPriceLink:  cloneAmount(gasPriceLink),
		notifier:      events.Nop,
		log:           logger.NewDefault("vrf-coordinator"),
		now:           time.Now,
		nextSubID:     1,
		nextRequestID: 1,
		subs:          make(map[uint64]*subscription),
		requests:      make(map[uint64]*Request),
		handlers:      make(map[common.Address]Consumer),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Address returns the identity the coordinator presents to consumers.
func (c *LocalCoordinator) Address() common.Address { return c.address }

// PublicKey returns the proving key or nil when proofs are disabled.
func (c *LocalCoordinator) PublicKey() *ecdsa.PublicKey {
	if c.key == nil {
		return nil
	}
	return &c.key.PublicKey
}

// Bind associates a consumer address with the handler that receives its words.
func (c *LocalCoordinator) Bind(addr common.Address, consumer Consumer) {
	c.mu.Lock()
	c.handlers[addr] = consumer
	c.mu.Unlock()
}

// CreateSubscription opens an empty subscription and returns its id.
func (c *LocalCoordinator) CreateSubscription() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextSubID
	c.nextSubID++
	c.subs[id] = &subscription{balance: new(uint256.Int), consumers: make(map[common.Address]struct{})}
	c.log.WithField("sub_id", id).Info("subscription created")
	return id
}

// FundSubscription adds amount to the subscription balance.
func (c *LocalCoordinator) FundSubscription(subID uint64, amount *uint256.Int) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("fund %d: %w", subID, ErrInvalidSubscription)
	}
	next, overflow := new(uint256.Int).AddOverflow(sub.balance, amount)
	if overflow {
		return fmt.Errorf("fund %d: balance overflow", subID)
	}
	sub.balance = next
	return nil
}

// AddConsumer allows consumer to request against subID.
func (c *LocalCoordinator) AddConsumer(subID uint64, consumer common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("add consumer to %d: %w", subID, ErrInvalidSubscription)
	}
	if _, exists := sub.consumers[consumer]; exists {
		return nil
	}
	sub.consumers[consumer] = struct{}{}
	sub.order = append(sub.order, consumer)
	return nil
}

// RemoveConsumer revokes consumer from subID.
func (c *LocalCoordinator) RemoveConsumer(subID uint64, consumer common.Address) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return fmt.Errorf("remove consumer from %d: %w", subID, ErrInvalidSubscription)
	}
	if _, exists := sub.consumers[consumer]; !exists {
		return fmt.Errorf("remove %s: %w", consumer.Hex(), ErrInvalidConsumer)
	}
	delete(sub.consumers, consumer)
	for i, addr := range sub.order {
		if addr == consumer {
			sub.order = append(sub.order[:i], sub.order[i+1:]...)
			break
		}
	}
	return nil
}

// Subscription returns a copy of the subscription state.
func (c *LocalCoordinator) Subscription(subID uint64) (Subscription, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sub, ok := c.subs[subID]
	if !ok {
		return Subscription{}, fmt.Errorf("subscription %d: %w", subID, ErrInvalidSubscription)
	}
	return Subscription{
		ID:        subID,
		Balance:   cloneAmount(sub.balance),
		Consumers: append([]common.Address(nil), sub.order...),
	}, nil
}

// RequestRandomWords records a pending request and returns its id. Ids start at 1.
func (c *LocalCoordinator) RequestRandomWords(ctx context.Context, req RandomWordsRequest) (uint64, error) {
	if req.NumWords > MaxNumWords {
		return 0, fmt.Errorf("request %d words: %w", req.NumWords, ErrNumWordsTooHigh)
	}

	c.mu.Lock()
	sub, ok := c.subs[req.SubID]
	if !ok {
		c.mu.Unlock()
		return 0, fmt.Errorf("request against %d: %w", req.SubID, ErrInvalidSubscription)
	}
	if _, allowed := sub.consumers[req.Consumer]; !allowed {
		c.mu.Unlock()
		return 0, fmt.Errorf("request from %s: %w", req.Consumer.Hex(), ErrInvalidConsumer)
	}

	id := c.nextRequestID
	record := &Request{
		ID:               id,
		SubID:            req.SubID,
		KeyHash:          req.KeyHash,
		Consumer:         req.Consumer,
		Confirmations:    req.Confirmations,
		CallbackGasLimit: req.CallbackGasLimit,
		NumWords:         req.NumWords,
		CreatedAt:        c.now(),
	}
	record.Alpha = alphaFor(req.KeyHash, id, req.Consumer)
	if c.key != nil {
		_, proof, err := ecvrf.Secp256k1Sha256Tai.Prove(c.key, record.Alpha)
		if err != nil {
			c.mu.Unlock()
			return 0, fmt.Errorf("prove request %d: %w", id, err)
		}
		record.Proof = proof
	}
	c.nextRequestID++
	c.requests[id] = record
	c.mu.Unlock()

	metrics.RecordVRFRequest()
	c.notifier.Notify(ctx, events.RandomWordsRequested(c.address, id, req.SubID, req.Consumer))
	c.log.WithField("request_id", id).
		WithField("consumer", req.Consumer.Hex()).
		Debug("randomness requested")
	return id, nil
}

// Request returns a copy of a pending request.
func (c *LocalCoordinator) Request(id uint64) (Request, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	req, ok := c.requests[id]
	if !ok {
		return Request{}, fmt.Errorf("request %d: %w", id, ErrNonexistentRequest)
	}
	return cloneRequest(req), nil
}

// Pending lists pending requests in id order.
func (c *LocalCoordinator) Pending() []Request {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Request, 0, len(c.requests))
	for _, req := range c.requests {
		out = append(out, cloneRequest(req))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Payment is the cost charged to a subscription for one delivery.
func (c *LocalCoordinator) Payment(callbackGasLimit uint32) *uint256.Int {
	gas := new(uint256.Int).Mul(c.gasPriceLink, uint256.NewInt(uint64(callbackGasLimit)))
	return gas.Add(gas, c.baseFee)
}

// FulfillRandomWords derives the words for id, delivers them to the bound
// consumer, and charges the subscription. A consumer error leaves the request
// pending and the subscription uncharged.
func (c *LocalCoordinator) FulfillRandomWords(ctx context.Context, id uint64) (Fulfilment, error) {
	c.fulfilMu.Lock()
	defer c.fulfilMu.Unlock()

	c.mu.Lock()
	req, ok := c.requests[id]
	if !ok {
		c.mu.Unlock()
		return Fulfilment{}, fmt.Errorf("fulfil %d: %w", id, ErrNonexistentRequest)
	}
	sub, ok := c.subs[req.SubID]
	if !ok {
		c.mu.Unlock()
		return Fulfilment{}, fmt.Errorf("fulfil %d: %w", id, ErrInvalidSubscription)
	}
	payment := c.Payment(req.CallbackGasLimit)
	if sub.balance.Lt(payment) {
		c.mu.Unlock()
		return Fulfilment{}, fmt.Errorf("fulfil %d: %w", id, ErrInsufficientBalance)
	}
	handler, ok := c.handlers[req.Consumer]
	if !ok {
		c.mu.Unlock()
		return Fulfilment{}, fmt.Errorf("fulfil %d: no handler for %s: %w", id, req.Consumer.Hex(), ErrInvalidConsumer)
	}
	snapshot := cloneRequest(req)
	c.mu.Unlock()

	words, err := c.deriveWords(snapshot)
	if err != nil {
		return Fulfilment{}, err
	}

	if err := handler.RawFulfillRandomWords(ctx, c.address, id, cloneWords(words)); err != nil {
		c.rejected(ctx, id, err)
		return Fulfilment{}, fmt.Errorf("deliver %d: %w", id, err)
	}

	c.mu.Lock()
	delete(c.requests, id)
	if sub, ok := c.subs[snapshot.SubID]; ok {
		if sub.balance.Lt(payment) {
			sub.balance = new(uint256.Int)
		} else {
			sub.balance = new(uint256.Int).Sub(sub.balance, payment)
		}
	}
	c.mu.Unlock()

	metrics.RecordVRFFulfilment(true)
	c.notifier.Notify(ctx, events.RandomWordsFulfilled(c.address, id, payment, true))
	c.log.WithField("request_id", id).
		WithField("payment", payment.Dec()).
		Info("randomness fulfilled")

	return Fulfilment{
		RequestID: id,
		Alpha:     snapshot.Alpha,
		Proof:     snapshot.Proof,
		Words:     words,
		Payment:   payment,
	}, nil
}

// Deliver hands externally supplied words for id to the consumer, naming
// caller as the deliverer. The subscription is not charged. Ids the
// coordinator does not hold are forwarded when exactly one consumer is bound,
// which lets a request persisted before a restart be answered.
func (c *LocalCoordinator) Deliver(ctx context.Context, caller common.Address, id uint64, words []*uint256.Int) error {
	c.fulfilMu.Lock()
	defer c.fulfilMu.Unlock()

	c.mu.Lock()
	handler := c.handlerFor(id)
	c.mu.Unlock()
	if handler == nil {
		return fmt.Errorf("deliver %d: %w", id, ErrNonexistentRequest)
	}

	if err := handler.RawFulfillRandomWords(ctx, caller, id, cloneWords(words)); err != nil {
		c.rejected(ctx, id, err)
		return fmt.Errorf("deliver %d: %w", id, err)
	}

	c.Cancel(id)
	metrics.RecordVRFFulfilment(true)
	c.notifier.Notify(ctx, events.RandomWordsFulfilled(c.address, id, new(uint256.Int), true))
	c.log.WithField("request_id", id).
		WithField("caller", caller.Hex()).
		Info("randomness delivered")
	return nil
}

// Cancel drops a pending request without charging its subscription.
func (c *LocalCoordinator) Cancel(id uint64) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.requests[id]; !ok {
		return false
	}
	delete(c.requests, id)
	c.log.WithField("request_id", id).Debug("randomness request cancelled")
	return true
}

func (c *LocalCoordinator) handlerFor(id uint64) Consumer {
	if req, ok := c.requests[id]; ok {
		return c.handlers[req.Consumer]
	}
	if len(c.handlers) == 1 {
		for _, h := range c.handlers {
			return h
		}
	}
	return nil
}

// rejected records a failed delivery. A consumer that no longer expects id
// gets the request dropped; any other failure keeps it for a retry.
func (c *LocalCoordinator) rejected(ctx context.Context, id uint64, err error) {
	metrics.RecordVRFFulfilment(false)
	c.notifier.Notify(ctx, events.RandomWordsFulfilled(c.address, id, new(uint256.Int), false))
	if errors.Is(err, ErrNonexistentRequest) {
		c.Cancel(id)
		c.log.WithField("request_id", id).Info("consumer no longer expects request; dropped")
		return
	}
	c.log.WithError(err).WithField("request_id", id).Warn("consumer rejected fulfilment")
}

func (c *LocalCoordinator) deriveWords(req Request) ([]*uint256.Int, error) {
	if c.key == nil {
		return mockWords(req.ID, req.NumWords), nil
	}
	beta, err := ecvrf.Secp256k1Sha256Tai.Verify(&c.key.PublicKey, req.Alpha, req.Proof)
	if err != nil {
		return nil, fmt.Errorf("verify request %d: %w", req.ID, err)
	}
	return expandWords(beta, req.NumWords), nil
}

// Verify checks a fulfilment against the coordinator's public key and
// returns an error unless the proof yields exactly the delivered words.
func Verify(pub *ecdsa.PublicKey, f Fulfilment) error {
	if pub == nil || len(f.Proof) == 0 {
		return fmt.Errorf("request %d: %w", f.RequestID, ErrInvalidProof)
	}
	beta, err := ecvrf.Secp256k1Sha256Tai.Verify(pub, f.Alpha, f.Proof)
	if err != nil {
		return fmt.Errorf("request %d: %v: %w", f.RequestID, err, ErrInvalidProof)
	}
	expected := expandWords(beta, uint32(len(f.Words)))
	for i := range expected {
		if !expected[i].Eq(f.Words[i]) {
			return fmt.Errorf("request %d word %d: %w", f.RequestID, i, ErrInvalidProof)
		}
	}
	return nil
}

// alphaFor binds the proof input to the key hash, request id and consumer.
func alphaFor(keyHash common.Hash, id uint64, consumer common.Address) []byte {
	idWord := uint256.NewInt(id).Bytes32()
	return crypto.Keccak256(keyHash.Bytes(), idWord[:], consumer.Bytes())
}

func expandWords(beta []byte, n uint32) []*uint256.Int {
	words := make([]*uint256.Int, n)
	for i := uint32(0); i < n; i++ {
		idx := uint256.NewInt(uint64(i)).Bytes32()
		words[i] = new(uint256.Int).SetBytes(crypto.Keccak256(beta, idx[:]))
	}
	return words
}

// mockWords reproduces keccak256(abi.encode(requestId, i)).
func mockWords(id uint64, n uint32) []*uint256.Int {
	idWord := uint256.NewInt(id).Bytes32()
	words := make([]*uint256.Int, n)
	for i := uint32(0); i < n; i++ {
		idx := uint256.NewInt(uint64(i)).Bytes32()
		words[i] = new(uint256.Int).SetBytes(crypto.Keccak256(idWord[:], idx[:]))
	}
	return words
}

func cloneRequest(r *Request) Request {
	out := *r
	out.Alpha = append([]byte(nil), r.Alpha...)
	out.Proof = append([]byte(nil), r.Proof...)
	return out
}

func cloneWords(words []*uint256.Int) []*uint256.Int {
	out := make([]*uint256.Int, len(words))
	for i, w := range words {
		out[i] = new(uint256.Int).Set(w)
	}
	return out
}

func cloneAmount(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
