// Package evm submits ledger operations as transactions to the governance
// contract on an EVM chain.
package evm

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/Mindburn-Labs/quorum/pkg/contracts"
	"github.com/Mindburn-Labs/quorum/pkg/ledger"
)

// GovernanceABI is the subset of the governance contract the engine calls.
const GovernanceABI = `[
	{"type":"function","name":"voteProposal","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"group","type":"address"},{"name":"id","type":"uint256"},{"name":"vote","type":"uint8"}]},
	{"type":"function","name":"expireProposal","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"group","type":"address"},{"name":"id","type":"uint256"}]},
	{"type":"function","name":"blacklistStudent","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"student","type":"address"}]},
	{"type":"function","name":"whitelistStudent","stateMutability":"nonpayable","outputs":[],
	 "inputs":[{"name":"student","type":"address"}]}
]`

// Backend is the part of an Ethereum RPC client used to build, send and
// confirm transactions. *ethclient.Client satisfies it.
type Backend interface {
	bind.DeployBackend
	ChainID(ctx context.Context) (*big.Int, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, call ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
}

// Config is the signer and contract the client submits with.
type Config struct {
	RPCURL     string
	PrivateKey string // hex, with or without 0x
	Contract   string // contract address
	Timeout    time.Duration
}

// Client implements ledger.Client against an EVM contract.
type Client struct {
	backend  Backend
	abi      abi.ABI
	key      *ecdsa.PrivateKey
	from     common.Address
	contract common.Address
	timeout  time.Duration

	chainID *big.Int
}

// Dial connects to cfg.RPCURL and returns a client.
func Dial(ctx context.Context, cfg Config) (*Client, error) {
	rpc, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.RPCURL, err)
	}
	c, err := New(rpc, cfg)
	if err != nil {
		rpc.Close()
		return nil, err
	}
	return c, nil
}

// New builds a client over an existing backend.
func New(backend Backend, cfg Config) (*Client, error) {
	parsed, err := abi.JSON(strings.NewReader(GovernanceABI))
	if err != nil {
		return nil, fmt.Errorf("parse abi: %w", err)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("load signing key: %w", err)
	}
	if !common.IsHexAddress(cfg.Contract) {
		return nil, fmt.Errorf("invalid contract address %q", cfg.Contract)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Client{
		backend:  backend,
		abi:      parsed,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		contract: common.HexToAddress(cfg.Contract),
		timeout:  timeout,
	}, nil
}

// From returns the signer address.
func (c *Client) From() common.Address { return c.from }

// Submit packs op, signs it with the configured key, sends it and waits
// until it is mined. Malformed arguments and reverted transactions are
// permanent failures; everything else is transient.
func (c *Client) Submit(ctx context.Context, op contracts.LedgerOperation) (contracts.LedgerReceipt, error) {
	data, err := c.pack(op)
	if err != nil {
		return contracts.LedgerReceipt{}, ledger.Permanent(op.Name, err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	if c.chainID == nil {
		id, err := c.backend.ChainID(ctx)
		if err != nil {
			return contracts.LedgerReceipt{}, ledger.Transient(op.Name, fmt.Errorf("chain id: %w", err))
		}
		c.chainID = id
	}

	nonce, err := c.backend.PendingNonceAt(ctx, c.from)
	if err != nil {
		return contracts.LedgerReceipt{}, ledger.Transient(op.Name, fmt.Errorf("nonce: %w", err))
	}
	gasPrice, err := c.backend.SuggestGasPrice(ctx)
	if err != nil {
		return contracts.LedgerReceipt{}, ledger.Transient(op.Name, fmt.Errorf("gas price: %w", err))
	}
	gas, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{From: c.from, To: &c.contract, Data: data})
	if err != nil {
		return contracts.LedgerReceipt{}, ledger.Transient(op.Name, fmt.Errorf("estimate gas: %w", err))
	}

	tx := types.NewTx(&types.LegacyTx{
		Nonce:    nonce,
		To:       &c.contract,
		Gas:      gas,
		GasPrice: gasPrice,
		Data:     data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return contracts.LedgerReceipt{}, ledger.Permanent(op.Name, fmt.Errorf("sign: %w", err))
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return contracts.LedgerReceipt{}, ledger.Transient(op.Name, fmt.Errorf("send: %w", err))
	}

	receipt, err := bind.WaitMined(ctx, c.backend, signed)
	if err != nil {
		return contracts.LedgerReceipt{}, ledger.Transient(op.Name, fmt.Errorf("wait mined %s: %w", signed.Hash().Hex(), err))
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return contracts.LedgerReceipt{}, ledger.Permanent(op.Name, fmt.Errorf("transaction %s reverted", signed.Hash().Hex()))
	}

	out := contracts.LedgerReceipt{
		Key:       op.Key,
		TxHash:    signed.Hash().Hex(),
		Timestamp: time.Now().UTC(),
	}
	if receipt.BlockNumber != nil {
		out.Block = receipt.BlockNumber.Uint64()
	}
	return out, nil
}

func (c *Client) pack(op contracts.LedgerOperation) ([]byte, error) {
	method, ok := c.abi.Methods[op.Name]
	if !ok {
		return nil, fmt.Errorf("contract has no method %q", op.Name)
	}
	if len(method.Inputs) != len(op.Args) {
		return nil, fmt.Errorf("%s takes %d args, got %d", op.Name, len(method.Inputs), len(op.Args))
	}
	args := make([]any, len(op.Args))
	for i, in := range method.Inputs {
		v, err := convert(in.Type, op.Args[i])
		if err != nil {
			return nil, fmt.Errorf("%s arg %s: %w", op.Name, in.Name, err)
		}
		args[i] = v
	}
	return c.abi.Pack(op.Name, args...)
}

var errBadNumber = errors.New("not a number")

// convert turns a string argument into the Go value abi.Pack expects for t.
func convert(t abi.Type, s string) (any, error) {
	switch t.T {
	case abi.AddressTy:
		if !common.IsHexAddress(s) {
			return nil, fmt.Errorf("invalid address %q", s)
		}
		return common.HexToAddress(s), nil
	case abi.UintTy:
		n, ok := new(big.Int).SetString(s, 0)
		if !ok || n.Sign() < 0 {
			return nil, fmt.Errorf("%q: %w", s, errBadNumber)
		}
		if t.Size == 8 {
			if !n.IsUint64() || n.Uint64() > 255 {
				return nil, fmt.Errorf("%q overflows uint8", s)
			}
			return uint8(n.Uint64()), nil
		}
		return n, nil
	case abi.StringTy:
		return s, nil
	default:
		return nil, fmt.Errorf("unsupported abi type %s", t.String())
	}
}
