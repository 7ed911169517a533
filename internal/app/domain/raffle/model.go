// Package raffle holds the data model of a verifiably random raffle.
package raffle

import (
	"fmt"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"
)

// State is the lifecycle state of the live round.
type State uint8

const (
	StateOpen State = iota
	StateCalculating
)

func (s State) String() string {
	switch s {
	case StateOpen:
		return "open"
	case StateCalculating:
		return "calculating"
	default:
		return fmt.Sprintf("state(%d)", uint8(s))
	}
}

// ParseState accepts either the name or the numeric form of a state.
func ParseState(raw string) (State, error) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "open", "0":
		return StateOpen, nil
	case "calculating", "1":
		return StateCalculating, nil
	default:
		return 0, fmt.Errorf("unknown raffle state %q", raw)
	}
}

// FeePolicy decides what happens to payments above the entrance fee.
// Under FeePolicyMinimum the fee is only a lower bound: an overpayment is
// accepted whole and the excess stays in the pool for the winner, with no
// change refunded. FeePolicyExact is used when no policy is set.
type FeePolicy string

const (
	// FeePolicyExact rejects any payment other than the entrance fee.
	FeePolicyExact FeePolicy = "exact"
	// FeePolicyMinimum accepts payments at or above the fee and keeps the excess in the pool.
	FeePolicyMinimum FeePolicy = "minimum"
)

// Params is the construction-time configuration of a raffle. It never changes
// after the raffle is built.
type Params struct {
	ID                   string
	Address              common.Address // raffle account: VRF consumer and pool escrow
	EntranceFee          *uint256.Int
	Interval             uint64 // seconds
	Coordinator          common.Address
	SubscriptionID       uint64
	KeyHash              common.Hash
	CallbackGasLimit     uint32
	RequestConfirmations uint16
	NumWords             uint32
	FeePolicy            FeePolicy
	RequestTimeout       time.Duration // 0 disables re-issuing stuck requests
}

// Round is the mutable aggregate of the current cycle.
type Round struct {
	Number       uint64
	State        State
	Participants []common.Address
	Pool         *uint256.Int
	StartedAt    uint64 // unix seconds
}

// Clone returns a deep copy.
func (r Round) Clone() Round {
	out := r
	out.Participants = append([]common.Address(nil), r.Participants...)
	out.Pool = clonePool(r.Pool)
	return out
}

// PendingRequest correlates an in-flight randomness request with the round
// that is CALCULATING.
type PendingRequest struct {
	RequestID uint64
	IssuedAt  uint64 // unix seconds
}

// Snapshot is the persisted form of a raffle.
type Snapshot struct {
	ID           string
	Round        Round
	Pending      *PendingRequest
	RecentWinner common.Address
	UpdatedAt    time.Time
}

// Clone returns a deep copy.
func (s Snapshot) Clone() Snapshot {
	out := s
	out.Round = s.Round.Clone()
	if s.Pending != nil {
		p := *s.Pending
		out.Pending = &p
	}
	return out
}

// Draw records one completed round.
type Draw struct {
	ID          string
	RaffleID    string
	RoundNumber uint64
	RequestID   uint64
	Winner      common.Address
	Amount      *uint256.Int
	Players     int
	RandomWord  *uint256.Int
	DrawnAt     time.Time
}

// Upkeep is the answer to an upkeep check.
type Upkeep struct {
	Needed      bool
	PerformData []byte
	Balance     *uint256.Int
	Players     int
	State       State
}

func clonePool(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
