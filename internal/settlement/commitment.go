package settlement

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const settlementIDBytes = 18 // hex-encodes to 36 characters

// Commitment binds a secret salt to a settlement identifier. The hash is the
// single correlation key between the on-chain escrow and the off-chain
// settlement record; both sides must compute it identically.
type Commitment struct {
	Salt         [32]byte
	SettlementID string
	IDHash       common.Hash
}

// NewCommitment draws a fresh salt and identifier. Salts are never reused:
// every settlement attempt gets its own commitment.
func NewCommitment() (Commitment, error) {
	var c Commitment
	if _, err := rand.Read(c.Salt[:]); err != nil {
		return Commitment{}, wrapError(CodeEntropy, err, "read salt")
	}

	var id [settlementIDBytes]byte
	if _, err := rand.Read(id[:]); err != nil {
		return Commitment{}, wrapError(CodeEntropy, err, "read settlement id")
	}
	c.SettlementID = hex.EncodeToString(id[:])

	c.IDHash = CommitmentHash(c.Salt, c.SettlementID)
	return c, nil
}

// CommitmentHash is keccak256 over the packed encoding the contract uses:
// the salt as a bytes32 followed by the identifier's UTF-8 bytes, i.e.
// keccak256(abi.encodePacked(bytes32 salt, string settlementId)).
func CommitmentHash(salt [32]byte, settlementID string) common.Hash {
	return crypto.Keccak256Hash(salt[:], []byte(settlementID))
}

// SaltHex renders the salt the way the settlement API expects it.
func (c Commitment) SaltHex() string {
	return "0x" + hex.EncodeToString(c.Salt[:])
}
