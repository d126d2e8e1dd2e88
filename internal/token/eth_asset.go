package token

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"merkledrop/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthAsset pays out of an ERC20 contract. The signing key must belong to the
// pool holder; transfers are submitted as transactions against the token.
type EthAsset struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	abi       abi.ABI
	address   common.Address
	chainID   *big.Int
	transacts *bind.TransactOpts
}

type EthAssetConfig struct {
	RPCURL        string
	PrivateKeyHex string
	TokenAddress  string
}

func NewEthAsset(ctx context.Context, cfg EthAssetConfig) (*EthAsset, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.TokenAddress == "" {
		return nil, fmt.Errorf("token address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for pool transfers")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	parsedABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}

	address := common.HexToAddress(cfg.TokenAddress)
	bound := bind.NewBoundContract(address, parsedABI, cli, cli, cli)

	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate
	txOpts.GasPrice = nil
	txOpts.Nonce = nil

	return &EthAsset{
		client:    cli,
		contract:  bound,
		abi:       parsedABI,
		address:   address,
		chainID:   chainID,
		transacts: txOpts,
	}, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (a *EthAsset) Transfer(ctx context.Context, to common.Address, amount *big.Int) error {
	opts := *a.transacts
	opts.Context = ctx

	if _, err := a.contract.Transact(&opts, "transfer", to, amount); err != nil {
		return fmt.Errorf("%w: %v", ErrTransferFailed, err)
	}
	return nil
}

func (a *EthAsset) BalanceOf(ctx context.Context, addr common.Address) (*big.Int, error) {
	var out []interface{}
	callOpts := &bind.CallOpts{Context: ctx}
	if err := a.contract.Call(callOpts, &out, "balanceOf", addr); err != nil {
		return nil, fmt.Errorf("balanceOf call: %w", err)
	}
	return decodeBalance(out)
}

func decodeBalance(out []interface{}) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("balanceOf: %d return values, want 1", len(out))
	}
	balance, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("balanceOf: unexpected return type %T", out[0])
	}
	return balance, nil
}

// Ping checks RPC connectivity for the health endpoint.
func (a *EthAsset) Ping(ctx context.Context) error {
	if a.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := a.client.BlockNumber(ctx)
	return err
}
