package token

import (
	"context"
	"errors"
	"math/big"
	"testing"

	"github.com/ethereum/go-ethereum/common"
)

func TestLedgerTransfer(t *testing.T) {
	ledger := NewLedger()
	ledger.Mint(big.NewInt(300))
	ctx := context.Background()

	addr := common.BigToAddress(big.NewInt(1))
	if err := ledger.Transfer(ctx, addr, big.NewInt(120)); err != nil {
		t.Fatalf("transfer: %v", err)
	}

	bal, err := ledger.BalanceOf(ctx, addr)
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	if bal.Cmp(big.NewInt(120)) != 0 {
		t.Fatalf("balance = %s, want 120", bal)
	}
	if ledger.Reserve().Cmp(big.NewInt(180)) != 0 {
		t.Fatalf("reserve = %s, want 180", ledger.Reserve())
	}
}

func TestLedgerRejectsUnderfundedTransfer(t *testing.T) {
	ledger := NewLedger()
	ledger.Mint(big.NewInt(10))
	ctx := context.Background()

	addr := common.BigToAddress(big.NewInt(1))
	err := ledger.Transfer(ctx, addr, big.NewInt(11))
	if !errors.Is(err, ErrTransferFailed) {
		t.Fatalf("expected ErrTransferFailed, got %v", err)
	}

	// Nothing moved.
	if ledger.Reserve().Cmp(big.NewInt(10)) != 0 {
		t.Fatalf("reserve changed: %s", ledger.Reserve())
	}
	bal, _ := ledger.BalanceOf(ctx, addr)
	if bal.Sign() != 0 {
		t.Fatalf("balance changed: %s", bal)
	}
}

func TestLedgerUnknownAddressBalance(t *testing.T) {
	ledger := NewLedger()
	bal, err := ledger.BalanceOf(context.Background(), common.BigToAddress(big.NewInt(9)))
	if err != nil {
		t.Fatalf("balanceOf: %v", err)
	}
	if bal.Sign() != 0 {
		t.Fatalf("expected zero balance, got %s", bal)
	}
}
