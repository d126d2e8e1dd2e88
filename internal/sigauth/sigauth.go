package sigauth

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// ErrMalformedSignature marks a signature blob that cannot be parsed or
// recovered. Recovery never falls back to a zero address.
var ErrMalformedSignature = errors.New("malformed signature")

const signatureLength = 65

// Digest computes the message hash a recipient signs to delegate a
// withdrawal: keccak256(to || uint256(amount) || uint256(counter)). The
// replay counter is baked in, so each signature is valid for exactly one
// counter value.
func Digest(to common.Address, amount *big.Int, counter uint64) common.Hash {
	return crypto.Keccak256Hash(
		to.Bytes(),
		common.LeftPadBytes(amount.Bytes(), 32),
		common.LeftPadBytes(new(big.Int).SetUint64(counter).Bytes(), 32),
	)
}

// Recover returns the address that signed digest. The digest is re-hashed
// with the Ethereum signed-message prefix before pubkey recovery, matching
// how wallet tooling signs raw 32-byte hashes.
func Recover(digest common.Hash, sig []byte) (common.Address, error) {
	if len(sig) != signatureLength {
		return common.Address{}, fmt.Errorf("%w: length %d, want %d", ErrMalformedSignature, len(sig), signatureLength)
	}

	// Tooling emits V as 27/28; SigToPub wants 0/1.
	normalized := make([]byte, signatureLength)
	copy(normalized, sig)
	if normalized[64] >= 27 {
		normalized[64] -= 27
	}
	if normalized[64] > 1 {
		return common.Address{}, fmt.Errorf("%w: invalid recovery id", ErrMalformedSignature)
	}

	prefixed := accounts.TextHash(digest.Bytes())
	pub, err := crypto.SigToPub(prefixed, normalized)
	if err != nil {
		return common.Address{}, fmt.Errorf("%w: %v", ErrMalformedSignature, err)
	}
	return crypto.PubkeyToAddress(*pub), nil
}

// Sign produces a signature over digest that Recover accepts. Used by the
// client tool and tests; the service itself never signs.
func Sign(digest common.Hash, key *ecdsa.PrivateKey) ([]byte, error) {
	prefixed := accounts.TextHash(digest.Bytes())
	sig, err := crypto.Sign(prefixed, key)
	if err != nil {
		return nil, fmt.Errorf("sign digest: %w", err)
	}
	return sig, nil
}
