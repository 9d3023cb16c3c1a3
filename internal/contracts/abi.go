// Package contracts holds the ABI fragments for the on-chain surface the
// service talks to. Only the functions we actually call are listed; the
// deployed contracts carry more.
package contracts

// EscrowBridgeABI is the native-asset flavor of the bridge: the payment
// amount travels as transaction value and the recipient is identified by
// the email recorded in contract state.
const EscrowBridgeABI = `[
  {"type":"function","name":"initPayment","stateMutability":"payable","inputs":[{"name":"idHash","type":"bytes32"},{"name":"amount","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"recipientEmail","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"minPaymentAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"maxPaymentAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getFreeBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"fee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"FEE_DENOMINATOR","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"maxEscrowTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isFinalized","stateMutability":"view","inputs":[{"name":"idHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isSettled","stateMutability":"view","inputs":[{"name":"idHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isEscrowExpired","stateMutability":"view","inputs":[{"name":"idHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// EscrowBridgeTokenABI is the ERC-20 flavor (e.g. the USDC deployment on
// Base Sepolia): payments are token transfers gated by a prior approval and
// initPayment carries an explicit destination wallet.
const EscrowBridgeTokenABI = `[
  {"type":"function","name":"initPayment","stateMutability":"nonpayable","inputs":[{"name":"idHash","type":"bytes32"},{"name":"amount","type":"uint256"},{"name":"recipient","type":"address"}],"outputs":[]},
  {"type":"function","name":"usdcToken","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"address"}]},
  {"type":"function","name":"recipientEmail","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"string"}]},
  {"type":"function","name":"minPaymentAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"maxPaymentAmount","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"getFreeBalance","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"fee","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"FEE_DENOMINATOR","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"maxEscrowTime","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"isFinalized","stateMutability":"view","inputs":[{"name":"idHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isSettled","stateMutability":"view","inputs":[{"name":"idHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"isEscrowExpired","stateMutability":"view","inputs":[{"name":"idHash","type":"bytes32"}],"outputs":[{"name":"","type":"bool"}]}
]`

// ERC20ABI covers the approval path for the token flavor.
const ERC20ABI = `[
  {"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]},
  {"type":"function","name":"allowance","stateMutability":"view","inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"balanceOf","stateMutability":"view","inputs":[{"name":"account","type":"address"}],"outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"decimals","stateMutability":"view","inputs":[],"outputs":[{"name":"","type":"uint8"}]}
]`
