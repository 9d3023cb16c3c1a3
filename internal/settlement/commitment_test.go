package settlement

import (
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

func TestNewCommitmentShape(t *testing.T) {
	c, err := NewCommitment()
	if err != nil {
		t.Fatalf("new commitment: %v", err)
	}

	if len(c.SettlementID) != 36 {
		t.Fatalf("settlement id length = %d, want 36", len(c.SettlementID))
	}
	if strings.Trim(c.SettlementID, "0123456789abcdef") != "" {
		t.Fatalf("settlement id %q is not lowercase hex", c.SettlementID)
	}
	if !strings.HasPrefix(c.SaltHex(), "0x") || len(c.SaltHex()) != 66 {
		t.Fatalf("salt hex %q malformed", c.SaltHex())
	}
	if c.IDHash == (common.Hash{}) {
		t.Fatalf("zero id hash")
	}
}

func TestCommitmentHashDeterministic(t *testing.T) {
	var salt [32]byte
	for i := range salt {
		salt[i] = byte(i)
	}
	const id = "00112233445566778899aabbccddeeff0011"

	first := CommitmentHash(salt, id)
	second := CommitmentHash(salt, id)
	if first != second {
		t.Fatalf("hash not deterministic: %s vs %s", first.Hex(), second.Hex())
	}

	// The packed encoding is the salt's 32 bytes followed by the
	// identifier's UTF-8 bytes, exactly what the contract hashes.
	packed := append(append([]byte{}, salt[:]...), []byte(id)...)
	if want := crypto.Keccak256Hash(packed); first != want {
		t.Fatalf("hash = %s, want %s", first.Hex(), want.Hex())
	}
}

func TestCommitmentHashBindsBothInputs(t *testing.T) {
	var salt [32]byte
	base := CommitmentHash(salt, "aa")

	if CommitmentHash(salt, "ab") == base {
		t.Fatalf("hash ignores settlement id")
	}
	salt[0] = 1
	if CommitmentHash(salt, "aa") == base {
		t.Fatalf("hash ignores salt")
	}
}

func TestCommitmentUniqueness(t *testing.T) {
	const samples = 10000
	seen := make(map[common.Hash]struct{}, samples)
	salts := make(map[[32]byte]struct{}, samples)

	for i := 0; i < samples; i++ {
		c, err := NewCommitment()
		if err != nil {
			t.Fatalf("sample %d: %v", i, err)
		}
		if _, dup := seen[c.IDHash]; dup {
			t.Fatalf("sample %d: id hash collision", i)
		}
		if _, dup := salts[c.Salt]; dup {
			t.Fatalf("sample %d: salt reuse", i)
		}
		seen[c.IDHash] = struct{}{}
		salts[c.Salt] = struct{}{}
	}
}
