package bridge

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"
	"time"

	"escrowbridge/internal/contracts"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

const nativeDecimals = 18

// EthClient talks to a deployed EscrowBridge contract over JSON-RPC.
type EthClient struct {
	client    *ethclient.Client
	contract  *bind.BoundContract
	token     *bind.BoundContract
	address   common.Address
	sender    common.Address
	chainID   *big.Int
	decimals  int
	transacts *bind.TransactOpts
}

type EthClientConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	ContractBridge string
	// TokenFlavor selects the ERC-20 deployment; the token address is read
	// from the bridge's usdcToken() at startup.
	TokenFlavor bool
}

func NewEthClient(ctx context.Context, cfg EthClientConfig) (*EthClient, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.ContractBridge == "" {
		return nil, fmt.Errorf("bridge address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for submitting payments")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	abiJSON := contracts.EscrowBridgeABI
	if cfg.TokenFlavor {
		abiJSON = contracts.EscrowBridgeTokenABI
	}
	parsedABI, err := abi.JSON(strings.NewReader(abiJSON))
	if err != nil {
		return nil, fmt.Errorf("parse bridge abi: %w", err)
	}

	address := common.HexToAddress(cfg.ContractBridge)
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

	c := &EthClient{
		client:    cli,
		contract:  bound,
		address:   address,
		sender:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID:   chainID,
		decimals:  nativeDecimals,
		transacts: txOpts,
	}

	if cfg.TokenFlavor {
		if err := c.bindToken(ctx); err != nil {
			return nil, err
		}
	}
	return c, nil
}

func (c *EthClient) bindToken(ctx context.Context) error {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, "usdcToken"); err != nil {
		return fmt.Errorf("read token address: %w", err)
	}
	tokenAddr := out[0].(common.Address)

	erc20ABI, err := abi.JSON(strings.NewReader(contracts.ERC20ABI))
	if err != nil {
		return fmt.Errorf("parse erc20 abi: %w", err)
	}
	c.token = bind.NewBoundContract(tokenAddr, erc20ABI, c.client, c.client, c.client)

	out = out[:0]
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return fmt.Errorf("read token decimals: %w", err)
	}
	c.decimals = int(out[0].(uint8))
	return nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

func (c *EthClient) ChainID() *big.Int {
	return new(big.Int).Set(c.chainID)
}

func (c *EthClient) Params(ctx context.Context) (Params, error) {
	opts := &bind.CallOpts{Context: ctx}
	p := Params{Decimals: c.decimals}

	reads := []struct {
		method string
		into   func(interface{})
	}{
		{"minPaymentAmount", func(v interface{}) { p.MinPaymentAmount = v.(*big.Int) }},
		{"maxPaymentAmount", func(v interface{}) { p.MaxPaymentAmount = v.(*big.Int) }},
		{"getFreeBalance", func(v interface{}) { p.FreeBalance = v.(*big.Int) }},
		{"fee", func(v interface{}) { p.Fee = v.(*big.Int) }},
		{"FEE_DENOMINATOR", func(v interface{}) { p.FeeDenominator = v.(*big.Int) }},
		{"recipientEmail", func(v interface{}) { p.RecipientEmail = v.(string) }},
	}
	for _, r := range reads {
		var out []interface{}
		if err := c.contract.Call(opts, &out, r.method); err != nil {
			return Params{}, fmt.Errorf("read %s: %w", r.method, err)
		}
		r.into(out[0])
	}
	return p, nil
}

func (c *EthClient) SenderBalance(ctx context.Context) (*big.Int, error) {
	if c.token != nil {
		var out []interface{}
		if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", c.sender); err != nil {
			return nil, fmt.Errorf("read token balance: %w", err)
		}
		return out[0].(*big.Int), nil
	}
	bal, err := c.client.BalanceAt(ctx, c.sender, nil)
	if err != nil {
		return nil, fmt.Errorf("read balance: %w", err)
	}
	return bal, nil
}

// Allowance reports how much the bridge may already pull from the sender.
// Native deployments have no approval step and report an unlimited allowance.
func (c *EthClient) Allowance(ctx context.Context) (*big.Int, error) {
	if c.token == nil {
		return new(big.Int).SetBytes(common.MaxHash.Bytes()), nil
	}
	var out []interface{}
	if err := c.token.Call(&bind.CallOpts{Context: ctx}, &out, "allowance", c.sender, c.address); err != nil {
		return nil, fmt.Errorf("read allowance: %w", err)
	}
	return out[0].(*big.Int), nil
}

func (c *EthClient) Approve(ctx context.Context, amount *big.Int) (TxResult, error) {
	if c.token == nil {
		return TxResult{}, fmt.Errorf("approve on a native deployment")
	}
	opts := *c.transacts
	opts.Context = ctx

	tx, err := c.token.Transact(&opts, "approve", c.address, amount)
	if err != nil {
		return TxResult{}, fmt.Errorf("approve tx: %w", err)
	}
	return TxResult{TxHash: tx.Hash()}, nil
}

func (c *EthClient) InitPayment(ctx context.Context, req InitPaymentRequest) (TxResult, error) {
	if req.Amount == nil || req.Amount.Sign() <= 0 {
		return TxResult{}, fmt.Errorf("invalid amount")
	}

	opts := *c.transacts
	opts.Context = ctx
	if req.Native {
		opts.Value = req.Amount
	}

	args := []interface{}{req.IDHash, req.Amount}
	if req.Recipient != nil {
		args = append(args, *req.Recipient)
	}

	tx, err := c.contract.Transact(&opts, "initPayment", args...)
	if err != nil {
		return TxResult{}, fmt.Errorf("init payment tx: %w", err)
	}
	return TxResult{TxHash: tx.Hash()}, nil
}

// WaitMined polls for the receipt until the transaction lands or the context
// is cancelled. A reverted receipt is an error: the escrow was not opened.
func (c *EthClient) WaitMined(ctx context.Context, txHash common.Hash) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := c.client.TransactionReceipt(ctx, txHash)
		if receipt != nil {
			if receipt.Status != 1 {
				return fmt.Errorf("transaction %s reverted", txHash.Hex())
			}
			return nil
		}
		if err != nil && err.Error() != "not found" {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

func (c *EthClient) IsFinalized(ctx context.Context, idHash common.Hash) (bool, error) {
	return c.readFlag(ctx, "isFinalized", idHash)
}

func (c *EthClient) IsEscrowExpired(ctx context.Context, idHash common.Hash) (bool, error) {
	return c.readFlag(ctx, "isEscrowExpired", idHash)
}

func (c *EthClient) readFlag(ctx context.Context, method string, idHash common.Hash) (bool, error) {
	var out []interface{}
	if err := c.contract.Call(&bind.CallOpts{Context: ctx}, &out, method, idHash); err != nil {
		return false, fmt.Errorf("read %s: %w", method, err)
	}
	return out[0].(bool), nil
}

func (c *EthClient) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}
