package raffle

import (
	"github.com/holiman/uint256"

	domain "github.com/R3E-Network/raffle/internal/app/domain/raffle"
)

// EvaluateUpkeep decides whether a draw may start. It has no side effects.
func EvaluateUpkeep(state domain.State, elapsed bool, players int, balance *uint256.Int) domain.Upkeep {
	hasBalance := balance != nil && !balance.IsZero()
	return domain.Upkeep{
		Needed:      state == domain.StateOpen && elapsed && players > 0 && hasBalance,
		PerformData: []byte{},
		Balance:     pool(balance),
		Players:     players,
		State:       state,
	}
}

func pool(v *uint256.Int) *uint256.Int {
	if v == nil {
		return new(uint256.Int)
	}
	return new(uint256.Int).Set(v)
}
