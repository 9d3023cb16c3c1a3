package auth

import (
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

func signMessage(t *testing.T, message string) (address, signature string) {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	// Wallets ship V as 27/28.
	sig[crypto.RecoveryIDOffset] += 27
	return crypto.PubkeyToAddress(key.PublicKey).Hex(), "0x" + hex.EncodeToString(sig)
}

func TestVerifyPersonalSign(t *testing.T) {
	const message = "Sign in to EscrowBridge"
	address, signature := signMessage(t, message)

	if err := VerifyPersonalSign(address, message, signature); err != nil {
		t.Fatalf("valid signature rejected: %v", err)
	}
	if err := VerifyPersonalSign(address, "different message", signature); err == nil {
		t.Fatalf("wrong message accepted")
	}

	otherAddress, _ := signMessage(t, message)
	if err := VerifyPersonalSign(otherAddress, message, signature); err == nil {
		t.Fatalf("wrong address accepted")
	}
	if err := VerifyPersonalSign(address, message, "0xdeadbeef"); err == nil {
		t.Fatalf("malformed signature accepted")
	}
	if err := VerifyPersonalSign("not-an-address", message, signature); err == nil {
		t.Fatalf("malformed address accepted")
	}
}

func TestSessionsRoundTrip(t *testing.T) {
	s := &Sessions{Secret: []byte("test-secret"), TTL: time.Hour}

	const address = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"
	token, err := s.Issue(address)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	got, err := s.Verify(token)
	if err != nil {
		t.Fatalf("verify: %v", err)
	}
	if got != address {
		t.Fatalf("address = %q, want %q", got, address)
	}
}

func TestSessionsRejectExpired(t *testing.T) {
	now := time.Now()
	s := &Sessions{
		Secret: []byte("test-secret"),
		TTL:    time.Minute,
		Now:    func() time.Time { return now },
	}

	token, err := s.Issue("0x8ba1f109551bD432803012645Ac136ddd64DBA72")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	s.Now = func() time.Time { return now.Add(2 * time.Minute) }
	if _, err := s.Verify(token); err == nil {
		t.Fatalf("expired token accepted")
	}
}

func TestSessionsRejectTampered(t *testing.T) {
	s := &Sessions{Secret: []byte("test-secret"), TTL: time.Hour}
	token, err := s.Issue("0x8ba1f109551bD432803012645Ac136ddd64DBA72")
	if err != nil {
		t.Fatalf("issue: %v", err)
	}

	other := &Sessions{Secret: []byte("other-secret"), TTL: time.Hour}
	if _, err := other.Verify(token); err == nil {
		t.Fatalf("token accepted under wrong secret")
	}
	if _, err := s.Verify(token + "x"); err == nil {
		t.Fatalf("tampered token accepted")
	}
}

func TestMiddleware(t *testing.T) {
	s := &Sessions{Secret: []byte("test-secret"), TTL: time.Hour}
	const address = "0x8ba1f109551bD432803012645Ac136ddd64DBA72"

	var gotAddress string
	handler := s.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAddress, _ = Address(r.Context())
	}))

	// No cookie.
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Bad cookie.
	rec = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: "garbage"})
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}

	// Valid cookie.
	token, err := s.Issue(address)
	if err != nil {
		t.Fatalf("issue: %v", err)
	}
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/", nil)
	req.AddCookie(&http.Cookie{Name: CookieName, Value: token})
	handler.ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}
	if gotAddress != address {
		t.Fatalf("context address = %q, want %q", gotAddress, address)
	}
}
