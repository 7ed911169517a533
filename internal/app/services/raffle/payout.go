package raffle

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// Payout sends the prize pool to a winner as one transfer. Implementations
// must not call back into the raffle.
type Payout interface {
	Pay(ctx context.Context, recipient common.Address, amount *uint256.Int) error
}

// Collector takes entry payments into custody. A nil Collector means the
// caller has already settled the payment.
type Collector interface {
	Collect(ctx context.Context, from common.Address, amount *uint256.Int) error
	Refund(ctx context.Context, to common.Address, amount *uint256.Int) error
}

// PayoutFunc adapts a function to Payout.
type PayoutFunc func(ctx context.Context, recipient common.Address, amount *uint256.Int) error

func (f PayoutFunc) Pay(ctx context.Context, recipient common.Address, amount *uint256.Int) error {
	return f(ctx, recipient, amount)
}
