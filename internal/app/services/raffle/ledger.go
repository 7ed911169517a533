package raffle

import (
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
)

// Ledger tracks the participants and pool of the live round. It does not
// know about raffle state; the orchestrator gates calls on OPEN.
type Ledger struct {
	fee    *uint256.Int
	policy domain.FeePolicy

	participants []common.Address
	pool         *uint256.Int
}

// NewLedger returns an empty ledger for the given fee.
func NewLedger(fee *uint256.Int, policy domain.FeePolicy) *Ledger {
	if policy == "" {
		policy = domain.FeePolicyExact
	}
	return &Ledger{fee: new(uint256.Int).Set(fee), policy: policy, pool: new(uint256.Int)}
}

// Admit checks a payment against the fee without changing the ledger.
func (l *Ledger) Admit(amount *uint256.Int) error {
	if amount == nil || amount.Lt(l.fee) {
		return ErrInsufficientFee
	}
	if l.policy == domain.FeePolicyExact && !amount.Eq(l.fee) {
		return fmt.Errorf("paid %s, fee %s: %w", amount.Dec(), l.fee.Dec(), ErrIncorrectFee)
	}
	return nil
}

// Enter records one participant slot.
func (l *Ledger) Enter(player common.Address, amount *uint256.Int) error {
	if err := l.Admit(amount); err != nil {
		return err
	}
	next, overflow := new(uint256.Int).AddOverflow(l.pool, amount)
	if overflow {
		return fmt.Errorf("raffle: pool overflow")
	}
	l.participants = append(l.participants, player)
	l.pool = next
	return nil
}

// ResolveWinner maps a random word onto a participant slot.
func (l *Ledger) ResolveWinner(word *uint256.Int) (int, common.Address, error) {
	n := len(l.participants)
	if n == 0 {
		return 0, common.Address{}, ErrEmptyParticipants
	}
	idx := new(uint256.Int).Mod(word, uint256.NewInt(uint64(n))).Uint64()
	return int(idx), l.participants[idx], nil
}

// Reset empties the ledger.
func (l *Ledger) Reset() {
	l.participants = nil
	l.pool = new(uint256.Int)
}

func (l *Ledger) Players() int { return len(l.participants) }

// Player returns the address at slot i.
func (l *Ledger) Player(i int) (common.Address, error) {
	if i < 0 || i >= len(l.participants) {
		return common.Address{}, fmt.Errorf("index %d of %d: %w", i, len(l.participants), ErrPlayerIndexOutOfBounds)
	}
	return l.participants[i], nil
}

// Pool returns a copy of the pool balance.
func (l *Ledger) Pool() *uint256.Int { return new(uint256.Int).Set(l.pool) }

func (l *Ledger) Fee() *uint256.Int { return new(uint256.Int).Set(l.fee) }

func (l *Ledger) participantsCopy() []common.Address {
	return append([]common.Address(nil), l.participants...)
}

func (l *Ledger) restore(participants []common.Address, pool *uint256.Int) {
	l.participants = append([]common.Address(nil), participants...)
	if pool == nil {
		pool = new(uint256.Int)
	}
	l.pool = new(uint256.Int).Set(pool)
}
