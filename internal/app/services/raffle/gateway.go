package raffle

import (
	"context"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/services/vrf"
)

// Gateway issues randomness requests and authenticates their fulfilment.
type Gateway struct {
	coordinator vrf.Coordinator
	params      domain.Params
	consumer    common.Address
}

// NewGateway binds a coordinator to the raffle's oracle parameters. consumer
// is the address the raffle presents to the coordinator.
func NewGateway(coordinator vrf.Coordinator, params domain.Params, consumer common.Address) *Gateway {
	return &Gateway{coordinator: coordinator, params: params, consumer: consumer}
}

// Request issues one request for the configured number of words.
func (g *Gateway) Request(ctx context.Context) (uint64, error) {
	numWords := g.params.NumWords
	if numWords == 0 {
		numWords = 1
	}
	id, err := g.coordinator.RequestRandomWords(ctx, vrf.RandomWordsRequest{
		KeyHash:          g.params.KeyHash,
		SubID:            g.params.SubscriptionID,
		Confirmations:    g.params.RequestConfirmations,
		CallbackGasLimit: g.params.CallbackGasLimit,
		NumWords:         numWords,
		Consumer:         g.consumer,
	})
	if err != nil {
		return 0, fmt.Errorf("request randomness: %w", err)
	}
	return id, nil
}

// Cancel tells the coordinator that requestID will not be honoured.
func (g *Gateway) Cancel(requestID uint64) {
	g.coordinator.Cancel(requestID)
}

// Accept validates a fulfilment against the outstanding request and returns
// the word that decides the draw.
func (g *Gateway) Accept(caller common.Address, requestID uint64, pending *domain.PendingRequest, words []*uint256.Int) (*uint256.Int, error) {
	if caller != g.params.Coordinator {
		return nil, fmt.Errorf("caller %s: %w", caller.Hex(), ErrUnauthorizedFulfiller)
	}
	if pending == nil || pending.RequestID != requestID {
		return nil, fmt.Errorf("request %d: %w", requestID, ErrUnknownRequest)
	}
	if len(words) == 0 || words[0] == nil {
		return nil, ErrNoRandomWords
	}
	return new(uint256.Int).Set(words[0]), nil
}
