package raffle

import (
	"errors"
	"fmt"

	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
	"github.com/R3E-Network/raffle/internal/app/services/vrf"
)

// Admission errors.
var (
	ErrInsufficientFee = errors.New("raffle: insufficient entrance fee")
	ErrIncorrectFee    = errors.New("raffle: payment must equal the entrance fee")
	ErrNotOpen         = errors.New("raffle: not open")
	ErrPaymentFailed   = errors.New("raffle: entry payment failed")
	ErrInvalidPlayer   = errors.New("raffle: invalid player")
)

// Eligibility and protocol errors.
var (
	ErrUpkeepNotNeeded        = errors.New("raffle: upkeep not needed")
	ErrUnauthorizedFulfiller  = errors.New("raffle: only the coordinator can fulfil")
	ErrUnknownRequest         = vrf.ErrNonexistentRequest
	ErrNoRandomWords          = errors.New("raffle: no random words")
	ErrEmptyParticipants      = errors.New("raffle: no participants")
	ErrRequestNotTimedOut     = errors.New("raffle: pending request has not timed out")
	ErrPlayerIndexOutOfBounds = errors.New("raffle: player index out of range")
)

// ErrTransferFailed is returned when the payout to the winner did not succeed.
// The raffle is left exactly as it was before the fulfilment.
var ErrTransferFailed = errors.New("raffle: transfer failed")

// UpkeepNotNeededError carries the conditions observed when an upkeep was
// rejected.
type UpkeepNotNeededError struct {
	Balance *uint256.Int
	Players int
	State   domain.State
}

func (e *UpkeepNotNeededError) Error() string {
	return fmt.Sprintf("raffle: upkeep not needed (balance=%s players=%d state=%s)", e.Balance.Dec(), e.Players, e.State)
}

// Is reports whether target is ErrUpkeepNotNeeded.
func (e *UpkeepNotNeededError) Is(target error) bool {
	return target == ErrUpkeepNotNeeded
}
