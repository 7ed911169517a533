// Package bank keeps currency balances and the escrow vaults that hold raffle
// prize pools.
package bank

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"github.com/R3E-Network/raffle/internal/app/storage"
	"github.com/R3E-Network/raffle/pkg/logger"
)

var (
	// ErrRecipientRejected is returned when a recipient refuses incoming funds.
	ErrRecipientRejected = errors.New("recipient rejected transfer")
	// ErrInvalidAmount is returned for nil or zero amounts where value is required.
	ErrInvalidAmount = errors.New("invalid amount")
)

// Bank moves funds between addresses through a BalanceStore.
type Bank struct {
	store storage.BalanceStore
	log   *logger.Logger

	mu      sync.RWMutex
	blocked map[common.Address]struct{}
}

// New creates a bank backed by store.
func New(store storage.BalanceStore, log *logger.Logger) *Bank {
	if log == nil {
		log = logger.NewDefault("bank")
	}
	return &Bank{store: store, log: log, blocked: make(map[common.Address]struct{})}
}

// Deposit credits addr with newly minted funds and returns the new balance.
func (b *Bank) Deposit(ctx context.Context, addr common.Address, amount *uint256.Int) (*uint256.Int, error) {
	if amount == nil || amount.IsZero() {
		return nil, ErrInvalidAmount
	}
	balance, err := b.store.Credit(ctx, addr, amount)
	if err != nil {
		return nil, fmt.Errorf("deposit: %w", err)
	}
	b.log.WithField("address", addr.Hex()).
		WithField("amount", amount.Dec()).
		Debug("deposit credited")
	return balance, nil
}

// Balance returns the balance of addr.
func (b *Bank) Balance(ctx context.Context, addr common.Address) (*uint256.Int, error) {
	return b.store.Balance(ctx, addr)
}

// Block makes every future transfer to addr fail with ErrRecipientRejected.
func (b *Bank) Block(addr common.Address) {
	b.mu.Lock()
	b.blocked[addr] = struct{}{}
	b.mu.Unlock()
}

// Unblock reverses Block.
func (b *Bank) Unblock(addr common.Address) {
	b.mu.Lock()
	delete(b.blocked, addr)
	b.mu.Unlock()
}

func (b *Bank) isBlocked(addr common.Address) bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	_, ok := b.blocked[addr]
	return ok
}

// Transfer moves amount from one address to another as a single operation.
func (b *Bank) Transfer(ctx context.Context, from, to common.Address, amount *uint256.Int) error {
	if amount == nil {
		return ErrInvalidAmount
	}
	if b.isBlocked(to) {
		return fmt.Errorf("transfer to %s: %w", to.Hex(), ErrRecipientRejected)
	}
	if err := b.store.Transfer(ctx, from, to, amount); err != nil {
		return fmt.Errorf("transfer: %w", err)
	}
	return nil
}

// Vault returns the escrow account at addr.
func (b *Bank) Vault(addr common.Address) *Vault {
	return &Vault{bank: b, address: addr}
}

// Vault is an escrow account. Collect takes entry fees in and Pay sends the
// pool out.
type Vault struct {
	bank    *Bank
	address common.Address
}

// Address returns the escrow address.
func (v *Vault) Address() common.Address { return v.address }

// Collect moves amount from a payer into the vault.
func (v *Vault) Collect(ctx context.Context, from common.Address, amount *uint256.Int) error {
	return v.bank.Transfer(ctx, from, v.address, amount)
}

// Refund returns amount to a payer whose entry could not be recorded.
func (v *Vault) Refund(ctx context.Context, to common.Address, amount *uint256.Int) error {
	if err := v.bank.store.Transfer(ctx, v.address, to, amount); err != nil {
		return fmt.Errorf("refund: %w", err)
	}
	return nil
}

// Pay sends amount from the vault to recipient in one transfer.
func (v *Vault) Pay(ctx context.Context, recipient common.Address, amount *uint256.Int) error {
	if err := v.bank.Transfer(ctx, v.address, recipient, amount); err != nil {
		v.bank.log.WithError(err).
			WithField("recipient", recipient.Hex()).
			WithField("amount", amount.Dec()).
			Warn("payout failed")
		return err
	}
	v.bank.log.WithField("recipient", recipient.Hex()).
		WithField("amount", amount.Dec()).
		Info("payout sent")
	return nil
}

// Balance returns the vault balance.
func (v *Vault) Balance(ctx context.Context) (*uint256.Int, error) {
	return v.bank.store.Balance(ctx, v.address)
}
