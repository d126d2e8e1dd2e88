package token

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// ErrTransferFailed is returned when the asset rejects or cannot complete a
// transfer, including an underfunded pool. The distributor treats it as a
// hard abort of the whole withdrawal.
var ErrTransferFailed = errors.New("asset transfer failed")

// Asset abstracts the fungible token the distributor pays out of. The pool
// must be funded by the issuer before withdrawals can succeed; the
// distributor never checks balances up front and only learns about
// underfunding through a failed Transfer.
type Asset interface {
	// Transfer moves amount from the pool to the given address.
	Transfer(ctx context.Context, to common.Address, amount *big.Int) error
	// BalanceOf reports the current balance of an address.
	BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error)
}
