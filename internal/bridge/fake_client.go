package bridge

import (
	"context"
	"crypto/sha256"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

// FakeClient emulates the bridge in memory. It backs local development when
// no private key is configured, and tests script it through its fields.
type FakeClient struct {
	mu sync.Mutex

	ChainIDValue *big.Int
	ParamsValue  Params
	Balance      *big.Int
	Allow        *big.Int

	// Finality script: the poll on which each flag starts reporting true.
	// Zero means never.
	FinalizedOnPoll int
	ExpiredOnPoll   int

	// Errors to inject per call site.
	InitPaymentErr error
	ApproveErr     error
	WaitMinedErr   error
	PollErr        error

	ApproveCalls     []*big.Int
	InitPaymentCalls []InitPaymentRequest
	WaitMinedCalls   []common.Hash
	polls            int
}

func NewFakeClient() *FakeClient {
	return &FakeClient{
		ChainIDValue: big.NewInt(84532),
		ParamsValue: Params{
			MinPaymentAmount: big.NewInt(1),
			MaxPaymentAmount: new(big.Int).Lsh(big.NewInt(1), 250),
			FreeBalance:      new(big.Int).Lsh(big.NewInt(1), 250),
			Fee:              big.NewInt(150),
			FeeDenominator:   big.NewInt(10000),
			RecipientEmail:   "bridge@escrowbridge.xyz",
			Decimals:         18,
		},
		Balance: new(big.Int).Lsh(big.NewInt(1), 250),
		Allow:   new(big.Int).Lsh(big.NewInt(1), 250),
	}
}

func (f *FakeClient) ChainID() *big.Int {
	return new(big.Int).Set(f.ChainIDValue)
}

func (f *FakeClient) Params(_ context.Context) (Params, error) {
	return f.ParamsValue, nil
}

func (f *FakeClient) SenderBalance(_ context.Context) (*big.Int, error) {
	return f.Balance, nil
}

func (f *FakeClient) Allowance(_ context.Context) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return new(big.Int).Set(f.Allow), nil
}

func (f *FakeClient) Approve(_ context.Context, amount *big.Int) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ApproveErr != nil {
		return TxResult{}, f.ApproveErr
	}
	f.ApproveCalls = append(f.ApproveCalls, new(big.Int).Set(amount))
	f.Allow = new(big.Int).Set(amount)
	return TxResult{TxHash: fakeHash("approve", amount.String())}, nil
}

func (f *FakeClient) InitPayment(_ context.Context, req InitPaymentRequest) (TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.InitPaymentErr != nil {
		return TxResult{}, f.InitPaymentErr
	}
	f.InitPaymentCalls = append(f.InitPaymentCalls, req)
	return TxResult{TxHash: fakeHash("init", req.IDHash.Hex())}, nil
}

func (f *FakeClient) WaitMined(_ context.Context, txHash common.Hash) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.WaitMinedCalls = append(f.WaitMinedCalls, txHash)
	return f.WaitMinedErr
}

func (f *FakeClient) IsFinalized(_ context.Context, _ common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.polls++
	if f.PollErr != nil {
		return false, f.PollErr
	}
	return f.FinalizedOnPoll > 0 && f.polls >= f.FinalizedOnPoll, nil
}

func (f *FakeClient) IsEscrowExpired(_ context.Context, _ common.Hash) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PollErr != nil {
		return false, f.PollErr
	}
	return f.ExpiredOnPoll > 0 && f.polls >= f.ExpiredOnPoll, nil
}

// Polls reports how many finality checks have run.
func (f *FakeClient) Polls() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.polls
}

func fakeHash(parts ...string) common.Hash {
	h := sha256.New()
	for _, p := range parts {
		h.Write([]byte(p))
	}
	return common.BytesToHash(h.Sum(nil))
}
