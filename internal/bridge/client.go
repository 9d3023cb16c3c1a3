package bridge

import (
	"context"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
)

// Params is the read-only contract state the settlement workflow needs
// before it submits anything.
type Params struct {
	MinPaymentAmount *big.Int
	MaxPaymentAmount *big.Int
	FreeBalance      *big.Int
	Fee              *big.Int
	FeeDenominator   *big.Int
	RecipientEmail   string
	Decimals         int
}

// InitPaymentRequest describes the escrow-opening transaction. Recipient is
// nil for email-identity deployments; Native controls whether the amount
// rides along as transaction value.
type InitPaymentRequest struct {
	IDHash    common.Hash
	Amount    *big.Int
	Recipient *common.Address
	Native    bool
}

type TxResult struct {
	TxHash common.Hash
}

// Client abstracts the on-chain escrow bridge interaction.
type Client interface {
	ChainID() *big.Int
	Params(ctx context.Context) (Params, error)
	SenderBalance(ctx context.Context) (*big.Int, error)
	Allowance(ctx context.Context) (*big.Int, error)
	Approve(ctx context.Context, amount *big.Int) (TxResult, error)
	InitPayment(ctx context.Context, req InitPaymentRequest) (TxResult, error)
	WaitMined(ctx context.Context, txHash common.Hash) error
	IsFinalized(ctx context.Context, idHash common.Hash) (bool, error)
	IsEscrowExpired(ctx context.Context, idHash common.Hash) (bool, error)
}

// HealthChecker is implemented by clients that can probe their RPC node.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
