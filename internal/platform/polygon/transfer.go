// Package polygon sends platform fee transfers as ERC-20 USDC transactions
// on Polygon.
package polygon

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"

	"github.com/alanyoungcy/polychain/internal/domain"
)

// transferSelector is the first four bytes of keccak256("transfer(address,uint256)").
var transferSelector = []byte{0xa9, 0x05, 0x9c, 0xbb}

// Config configures the transfer client.
type Config struct {
	RPCURL  string
	ChainID int64
	// Token is the USDC contract address.
	Token string
	// GasLimit is used when estimation fails.
	GasLimit uint64
}

// chainClient is the subset of ethclient.Client used here.
type chainClient interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
}

// Transfer implements domain.FeeTransfer.
type Transfer struct {
	client  chainClient
	closer  func()
	chainID *big.Int
	token   common.Address
	gas     uint64
}

var _ domain.FeeTransfer = (*Transfer)(nil)

// Dial connects to the RPC endpoint.
func Dial(ctx context.Context, cfg Config) (*Transfer, error) {
	if !common.IsHexAddress(cfg.Token) {
		return nil, fmt.Errorf("polygon: invalid token address %q", cfg.Token)
	}
	c, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("polygon: dial %s: %w", cfg.RPCURL, err)
	}
	t := newTransfer(c, cfg)
	t.closer = c.Close
	return t, nil
}

func newTransfer(c chainClient, cfg Config) *Transfer {
	gas := cfg.GasLimit
	if gas == 0 {
		gas = 100_000
	}
	return &Transfer{
		client:  c,
		closer:  func() {},
		chainID: big.NewInt(cfg.ChainID),
		token:   common.HexToAddress(cfg.Token),
		gas:     gas,
	}
}

// Close releases the RPC connection.
func (t *Transfer) Close() {
	t.closer()
}

// Transfer signs an EIP-1559 ERC-20 transfer from the key in creds and
// submits it.
func (t *Transfer) Transfer(ctx context.Context, creds domain.Credentials, destination string, amount decimal.Decimal) (string, error) {
	if !common.IsHexAddress(destination) {
		return "", fmt.Errorf("polygon: invalid destination %q", destination)
	}
	if !amount.IsPositive() {
		return "", fmt.Errorf("polygon: %w: transfer amount %s", domain.ErrInvalidAmount, amount)
	}
	key, err := ethcrypto.HexToECDSA(strings.TrimPrefix(creds.PrivateKeyHex, "0x"))
	if err != nil {
		return "", fmt.Errorf("polygon: %w: %v", domain.ErrSigningFailed, err)
	}
	from := ethcrypto.PubkeyToAddress(key.PublicKey)
	data := transferData(common.HexToAddress(destination), usdcUnits(amount))

	tx, err := t.buildTx(ctx, from, data)
	if err != nil {
		return "", err
	}
	signed, err := sign(tx, t.chainID, key)
	if err != nil {
		return "", err
	}
	if err := t.client.SendTransaction(ctx, signed); err != nil {
		return "", fmt.Errorf("polygon: send transaction: %w", err)
	}
	return signed.Hash().Hex(), nil
}

// Confirm checks the receipt of txHash.
func (t *Transfer) Confirm(ctx context.Context, txHash string) (bool, error) {
	receipt, err := t.client.TransactionReceipt(ctx, common.HexToHash(txHash))
	if errors.Is(err, ethereum.NotFound) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("polygon: receipt %s: %w", txHash, err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return false, fmt.Errorf("polygon: %s: %w", txHash, domain.ErrTransferReverted)
	}
	return true, nil
}

func (t *Transfer) buildTx(ctx context.Context, from common.Address, data []byte) (*types.Transaction, error) {
	nonce, err := t.client.PendingNonceAt(ctx, from)
	if err != nil {
		return nil, fmt.Errorf("polygon: nonce for %s: %w", from.Hex(), err)
	}
	tip, err := t.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("polygon: gas tip: %w", err)
	}
	head, err := t.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("polygon: latest header: %w", err)
	}
	feeCap := new(big.Int).Set(tip)
	if head.BaseFee != nil {
		feeCap.Add(feeCap, new(big.Int).Mul(head.BaseFee, big.NewInt(2)))
	}

	gas, err := t.client.EstimateGas(ctx, ethereum.CallMsg{From: from, To: &t.token, Data: data})
	if err != nil || gas == 0 {
		gas = t.gas
	} else {
		gas += gas / 5
	}

	return types.NewTx(&types.DynamicFeeTx{
		ChainID:   t.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &t.token,
		Value:     big.NewInt(0),
		Data:      data,
	}), nil
}

func sign(tx *types.Transaction, chainID *big.Int, key *ecdsa.PrivateKey) (*types.Transaction, error) {
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(chainID), key)
	if err != nil {
		return nil, fmt.Errorf("polygon: %w: %v", domain.ErrSigningFailed, err)
	}
	return signed, nil
}

// transferData ABI-encodes transfer(to, amount).
func transferData(to common.Address, amount *big.Int) []byte {
	data := make([]byte, 0, 4+64)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(amount.Bytes(), 32)...)
	return data
}

// usdcUnits converts a 6-decimal amount to token base units, truncating any
// excess precision.
func usdcUnits(amount decimal.Decimal) *big.Int {
	return amount.Shift(domain.USDCDecimals).Truncate(0).BigInt()
}
