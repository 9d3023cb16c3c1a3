package settlement

import (
	"context"
	"math/big"
	"strings"
	"time"

	"escrowbridge/internal/bridge"

	"github.com/ethereum/go-ethereum/common"
)

// AssetStrategy selects how the payment amount reaches the bridge.
type AssetStrategy int

const (
	// NativeValue sends the amount as transaction value.
	NativeValue AssetStrategy = iota
	// ApproveThenPay is the ERC-20 path: a confirmed approval must precede
	// the payment transaction.
	ApproveThenPay
)

// Addressing selects how the payout recipient is identified on-chain.
type Addressing int

const (
	// EmailIdentity deployments record the recipient email in contract
	// state; initPayment takes no recipient argument.
	EmailIdentity Addressing = iota
	// DestinationWallet deployments pass an explicit recipient address.
	DestinationWallet
)

// Stage names a step of the settlement workflow.
type Stage string

const (
	StageValidating  Stage = "validating"
	StageApproving   Stage = "approving"
	StageSubmitting  Stage = "submitting"
	StageRegistering Stage = "registering"
	StagePolling     Stage = "polling"
	StageDone        Stage = "done"
	StageFailed      Stage = "failed"
)

// Event is emitted at each stage transition. The presentation layer owns
// turning these into display text; the orchestrator never holds a shared
// status string.
type Event struct {
	Stage   Stage
	Message string
	IDHash  string
	TxHash  string
	UserURL string
	Code    Code
	Err     error
}

type EventSink func(Event)

// Registration is the off-chain leg's payload. The salt travels hex-encoded
// with a 0x prefix; the settlement API recomputes the commitment hash from
// it to correlate with the escrow.
type Registration struct {
	Salt           string
	SettlementID   string
	RecipientEmail string
}

type RegistrationInfo struct {
	UserURL string
}

// Registrar is the external settlement API's registration surface.
type Registrar interface {
	RegisterSettlement(ctx context.Context, reg Registration) (RegistrationInfo, error)
}

// Request is a settlement attempt as entered by the user. Immutable once
// handed to Run.
type Request struct {
	Amount string
	// Recipient is the destination wallet, required when the orchestrator
	// is configured with DestinationWallet addressing.
	Recipient string
}

// Result is the terminal outcome of one attempt. RegistrationErr being set
// does not mean failure: the on-chain leg already succeeded and the
// off-chain record needs manual follow-up.
type Result struct {
	Commitment      Commitment
	TxHash          common.Hash
	ApprovalTxHash  common.Hash
	RecipientEmail  string
	UserURL         string
	RegistrationErr error
	Final           PollState
}

// Orchestrator drives one settlement attempt end to end: validate, commit,
// (approve,) submit, register, poll. Stage failures are reported without
// unwinding prior stages; a submitted transaction is never rolled back here.
type Orchestrator struct {
	Bridge    bridge.Client
	Registrar Registrar
	Events    EventSink

	Asset      AssetStrategy
	Addressing Addressing

	// ChainID, when set, is the chain the bridge client must be connected
	// to. A mismatch is a precondition failure, not something to retry.
	ChainID *big.Int

	PollInterval    time.Duration
	PollMaxAttempts int
}

func (o *Orchestrator) Run(ctx context.Context, req Request) (*Result, error) {
	if err := o.checkChain(); err != nil {
		return nil, o.fail(err)
	}

	o.emit(Event{Stage: StageValidating, Message: "Validating amount..."})

	params, err := o.Bridge.Params(ctx)
	if err != nil {
		return nil, o.fail(wrapError(CodeTransaction, err, "read bridge params"))
	}
	balance, err := o.Bridge.SenderBalance(ctx)
	if err != nil {
		return nil, o.fail(wrapError(CodeTransaction, err, "read sender balance"))
	}

	rawAmount, err := ValidateAmount(req.Amount, params.Decimals, Limits{
		Min:           params.MinPaymentAmount,
		Max:           params.MaxPaymentAmount,
		FreeBalance:   params.FreeBalance,
		SenderBalance: balance,
	})
	if err != nil {
		return nil, o.fail(err)
	}

	var recipient *common.Address
	if o.Addressing == DestinationWallet {
		if !common.IsHexAddress(req.Recipient) {
			return nil, o.fail(newError(CodeInvalidAmount, "recipient %q is not an address", req.Recipient))
		}
		addr := common.HexToAddress(req.Recipient)
		recipient = &addr
	}

	commitment, err := NewCommitment()
	if err != nil {
		return nil, o.fail(err)
	}

	idHash := commitment.IDHash.Hex()
	result := &Result{
		Commitment:     commitment,
		RecipientEmail: params.RecipientEmail,
	}

	if o.Asset == ApproveThenPay {
		if err := o.ensureAllowance(ctx, rawAmount, result); err != nil {
			var approvalTx string
			if result.ApprovalTxHash != (common.Hash{}) {
				approvalTx = result.ApprovalTxHash.Hex()
			}
			return nil, o.failWith(err, idHash, approvalTx)
		}
	}

	o.emit(Event{Stage: StageSubmitting, Message: "Submitting transaction...", IDHash: idHash})
	tx, err := o.Bridge.InitPayment(ctx, bridge.InitPaymentRequest{
		IDHash:    commitment.IDHash,
		Amount:    rawAmount,
		Recipient: recipient,
		Native:    o.Asset == NativeValue,
	})
	if err != nil {
		return nil, o.failWith(classifySubmitError(err), idHash, "")
	}
	result.TxHash = tx.TxHash
	o.emit(Event{Stage: StageSubmitting, Message: "Transaction submitted. Waiting for confirmation...", IDHash: idHash, TxHash: tx.TxHash.Hex()})

	// Register the off-chain leg right after submission. The transaction is
	// already irreversible, so a registration failure is downgraded to a
	// warning and the attempt carries on.
	o.emit(Event{Stage: StageRegistering, Message: "Registering settlement...", IDHash: idHash})
	info, regErr := o.Registrar.RegisterSettlement(ctx, Registration{
		Salt:           commitment.SaltHex(),
		SettlementID:   commitment.SettlementID,
		RecipientEmail: params.RecipientEmail,
	})
	if regErr != nil {
		result.RegistrationErr = wrapError(CodeRegistration, regErr, "register settlement")
		o.emit(Event{
			Stage:   StageRegistering,
			Message: "On-chain payment submitted, but off-chain registration failed and needs manual follow-up.",
			IDHash:  idHash,
			Code:    CodeRegistration,
			Err:     regErr,
		})
	} else if info.UserURL != "" {
		result.UserURL = info.UserURL
		o.emit(Event{Stage: StageRegistering, Message: "Settlement registered.", IDHash: idHash, UserURL: info.UserURL})
	}

	if err := o.Bridge.WaitMined(ctx, tx.TxHash); err != nil {
		result.Final = Polling
		return result, o.failWith(wrapError(CodeTransaction, err, "wait for payment confirmation"), idHash, tx.TxHash.Hex())
	}

	o.emit(Event{Stage: StagePolling, Message: "Transaction confirmed. Waiting for settlement...", IDHash: idHash, TxHash: tx.TxHash.Hex(), UserURL: result.UserURL})
	poller := &Poller{
		Reader:      o.Bridge,
		Interval:    o.PollInterval,
		MaxAttempts: o.PollMaxAttempts,
	}
	state, err := poller.Run(ctx, commitment.IDHash)
	result.Final = state
	if err != nil {
		return result, err
	}

	switch state {
	case Finalized:
		o.emit(Event{Stage: StageDone, Message: "Settlement completed.", IDHash: idHash})
	case Expired:
		o.emit(Event{Stage: StageDone, Message: "Escrow expired. Please try again.", IDHash: idHash})
	case TimedOut:
		o.emit(Event{Stage: StageDone, Message: "Timeout waiting for settlement. Check status manually.", IDHash: idHash})
	}
	return result, nil
}

// ensureAllowance submits and confirms an approval when the current
// allowance does not cover the amount. The payment transaction is never
// attempted before the approval is mined.
func (o *Orchestrator) ensureAllowance(ctx context.Context, amount *big.Int, result *Result) error {
	allowance, err := o.Bridge.Allowance(ctx)
	if err != nil {
		return wrapError(CodeTransaction, err, "read allowance")
	}
	if allowance.Cmp(amount) >= 0 {
		return nil
	}

	o.emit(Event{Stage: StageApproving, Message: "Approving token spend..."})
	tx, err := o.Bridge.Approve(ctx, amount)
	if err != nil {
		return classifySubmitError(err)
	}
	result.ApprovalTxHash = tx.TxHash
	if err := o.Bridge.WaitMined(ctx, tx.TxHash); err != nil {
		return wrapError(CodeTransaction, err, "wait for approval confirmation")
	}
	return nil
}

func (o *Orchestrator) checkChain() error {
	if o.ChainID == nil {
		return nil
	}
	got := o.Bridge.ChainID()
	if got == nil || got.Cmp(o.ChainID) != 0 {
		return newError(CodeNetworkMismatch, "bridge client on chain %v, expected %v", got, o.ChainID)
	}
	return nil
}

func (o *Orchestrator) emit(ev Event) {
	if o.Events != nil {
		o.Events(ev)
	}
}

func (o *Orchestrator) fail(err error) error {
	return o.failWith(err, "", "")
}

// failWith carries the commitment hash and transaction hash, once they
// exist, into the failure event: a post-submission failure still needs the
// correlation key for manual follow-up.
func (o *Orchestrator) failWith(err error, idHash, txHash string) error {
	code, _ := CodeOf(err)
	o.emit(Event{Stage: StageFailed, Message: "Error: " + err.Error(), IDHash: idHash, TxHash: txHash, Code: code, Err: err})
	return err
}

func classifySubmitError(err error) error {
	msg := strings.ToLower(err.Error())
	if strings.Contains(msg, "user denied") || strings.Contains(msg, "rejected by user") {
		return wrapError(CodeUserRejected, err, "signing rejected")
	}
	return wrapError(CodeTransaction, err, "submit transaction")
}
