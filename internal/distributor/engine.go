package distributor

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"

	"merkledrop/internal/merkle"
	"merkledrop/internal/sigauth"
	"merkledrop/internal/token"

	"github.com/ethereum/go-ethereum/common"
)

var (
	// ErrAlreadyClaimed rejects a second claim for the same recipient.
	ErrAlreadyClaimed = errors.New("recipient already claimed")
	// ErrNotInMerkle rejects a claim whose proof does not reach the root.
	ErrNotInMerkle = errors.New("leaf not in merkle tree")
	// ErrNotClaimed rejects a withdrawal for a recipient with no prior claim.
	ErrNotClaimed = errors.New("recipient has not claimed")
	// ErrInsufficientTokens rejects a withdrawal exceeding the remaining entitlement.
	ErrInsufficientTokens = errors.New("amount exceeds remaining entitlement")
	// ErrInvalidRecipient rejects a delegated withdrawal to the zero address.
	ErrInvalidRecipient = errors.New("invalid recipient address")
	// ErrInvalidAmount rejects non-positive amounts before any state is touched.
	ErrInvalidAmount = errors.New("amount must be positive")
)

// EventKind labels engine events.
type EventKind string

const (
	EventClaim    EventKind = "claim"
	EventWithdraw EventKind = "withdraw"
)

// Event is emitted after each successful state transition, for observability
// only; correctness never depends on event delivery.
type Event struct {
	Kind   EventKind
	To     common.Address
	Amount *big.Int
}

type record struct {
	claimed   bool
	remaining *big.Int
}

// Engine is the claim/withdraw state machine for one distribution. It is
// bound to an immutable merkle root and an asset at creation and owns the
// per-recipient claim records plus the delegated-withdrawal replay counter.
//
// Each recipient moves Unclaimed -> Claimed exactly once via Claim; from
// there Withdraw and WithdrawWithSignature decrement the remaining
// entitlement, never below zero. A single mutex serializes all entry points,
// so every call either commits in full (including the asset transfer) or
// leaves no trace.
type Engine struct {
	mu      sync.Mutex
	asset   token.Asset
	assetID string
	root    common.Hash
	counter uint64
	records map[common.Address]*record
	onEvent func(Event)
}

// New creates an engine for the given asset and eligibility root. assetID is
// an opaque label (token symbol or contract address) surfaced on the read API.
func New(asset token.Asset, assetID string, root common.Hash) *Engine {
	return &Engine{
		asset:   asset,
		assetID: assetID,
		root:    root,
		records: make(map[common.Address]*record),
	}
}

// OnEvent registers a callback invoked after each successful claim or
// withdrawal. Must be set before the engine starts serving calls.
func (e *Engine) OnEvent(fn func(Event)) {
	e.onEvent = fn
}

// Claim verifies that (to, amount) is a leaf under the engine root and
// records the entitlement. One-shot per recipient; no tokens move here.
func (e *Engine) Claim(_ context.Context, to common.Address, amount *big.Int, proof []common.Hash) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if rec, ok := e.records[to]; ok && rec.claimed {
		return fmt.Errorf("%w: %s", ErrAlreadyClaimed, to.Hex())
	}

	leaf := merkle.Leaf(to, amount)
	if !merkle.Verify(leaf, e.root, proof) {
		return fmt.Errorf("%w: %s for %s", ErrNotInMerkle, to.Hex(), amount)
	}

	e.records[to] = &record{
		claimed:   true,
		remaining: new(big.Int).Set(amount),
	}
	e.emit(Event{Kind: EventClaim, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// Withdraw pays amount of the caller's claimed entitlement to the caller.
// The remaining balance is decremented only after the asset transfer
// succeeds, so a failed transfer leaves the record untouched.
func (e *Engine) Withdraw(ctx context.Context, caller common.Address, amount *big.Int) error {
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	rec, err := e.checkedRecord(caller, amount)
	if err != nil {
		return err
	}

	if err := e.asset.Transfer(ctx, caller, amount); err != nil {
		return err
	}

	rec.remaining.Sub(rec.remaining, amount)
	e.emit(Event{Kind: EventWithdraw, To: caller, Amount: new(big.Int).Set(amount)})
	return nil
}

// WithdrawWithSignature pays amount to the given destination on behalf of
// whoever signed the digest over (to, amount, replayCounter). The recovered
// signer is the effective recipient identity for all checks; the counter
// advances only on success, which is what invalidates the used signature.
func (e *Engine) WithdrawWithSignature(ctx context.Context, to common.Address, amount *big.Int, sig []byte) error {
	if to == (common.Address{}) {
		return ErrInvalidRecipient
	}
	if amount == nil || amount.Sign() <= 0 {
		return ErrInvalidAmount
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	digest := sigauth.Digest(to, amount, e.counter)
	signer, err := sigauth.Recover(digest, sig)
	if err != nil {
		return err
	}

	rec, err := e.checkedRecord(signer, amount)
	if err != nil {
		return err
	}

	if err := e.asset.Transfer(ctx, to, amount); err != nil {
		return err
	}

	rec.remaining.Sub(rec.remaining, amount)
	e.counter++
	e.emit(Event{Kind: EventWithdraw, To: to, Amount: new(big.Int).Set(amount)})
	return nil
}

// checkedRecord enforces the claimed and remaining-balance preconditions.
// Callers hold the mutex.
func (e *Engine) checkedRecord(owner common.Address, amount *big.Int) (*record, error) {
	rec, ok := e.records[owner]
	if !ok || !rec.claimed {
		return nil, fmt.Errorf("%w: %s", ErrNotClaimed, owner.Hex())
	}
	if amount.Cmp(rec.remaining) > 0 {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrInsufficientTokens, rec.remaining, amount)
	}
	return rec, nil
}

// MessageHash exposes the exact digest WithdrawWithSignature validates
// against, so signers need only the current counter from the read surface.
func (e *Engine) MessageHash(to common.Address, amount *big.Int, counter uint64) common.Hash {
	return sigauth.Digest(to, amount, counter)
}

func (e *Engine) Root() common.Hash { return e.root }

func (e *Engine) AssetID() string { return e.assetID }

func (e *Engine) Asset() token.Asset { return e.asset }

func (e *Engine) ReplayCounter() uint64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.counter
}

// Claimed reports whether addr has redeemed its entitlement.
func (e *Engine) Claimed(addr common.Address) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[addr]
	return ok && rec.claimed
}

// Remaining reports the unwithdrawn entitlement of addr. Zero both for a
// fully-withdrawn recipient and for one who never claimed; use Claimed to
// distinguish.
func (e *Engine) Remaining(addr common.Address) *big.Int {
	e.mu.Lock()
	defer e.mu.Unlock()
	rec, ok := e.records[addr]
	if !ok {
		return new(big.Int)
	}
	return new(big.Int).Set(rec.remaining)
}

func (e *Engine) emit(ev Event) {
	if e.onEvent != nil {
		e.onEvent(ev)
	}
}
