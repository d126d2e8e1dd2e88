package token

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// Ledger is an in-memory fungible asset. The distributor's pool is modeled
// as a single reserve balance that Mint tops up and Transfer draws down.
// Suitable for local dev and tests; the eth-backed client replaces it in
// deployments.
type Ledger struct {
	mu       sync.Mutex
	reserve  *big.Int
	balances map[common.Address]*big.Int
}

func NewLedger() *Ledger {
	return &Ledger{
		reserve:  new(big.Int),
		balances: make(map[common.Address]*big.Int),
	}
}

// Mint adds amount to the pool reserve.
func (l *Ledger) Mint(amount *big.Int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.reserve.Add(l.reserve, amount)
}

func (l *Ledger) Transfer(_ context.Context, to common.Address, amount *big.Int) error {
	if amount.Sign() < 0 {
		return fmt.Errorf("%w: negative amount", ErrTransferFailed)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.reserve.Cmp(amount) < 0 {
		return fmt.Errorf("%w: pool has %s, need %s", ErrTransferFailed, l.reserve, amount)
	}
	l.reserve.Sub(l.reserve, amount)

	bal, ok := l.balances[to]
	if !ok {
		bal = new(big.Int)
		l.balances[to] = bal
	}
	bal.Add(bal, amount)
	return nil
}

func (l *Ledger) BalanceOf(_ context.Context, addr common.Address) (*big.Int, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	bal, ok := l.balances[addr]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

// Reserve reports the remaining pool balance.
func (l *Ledger) Reserve() *big.Int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return new(big.Int).Set(l.reserve)
}
