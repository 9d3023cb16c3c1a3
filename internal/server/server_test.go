package server

import (
	"bytes"
	"context"
	"encoding/hex"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"escrowbridge/internal/bridge"
	"escrowbridge/internal/config"
	"escrowbridge/internal/idempotency"
	"escrowbridge/internal/settlement"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/crypto"
)

type fakeOracle struct {
	mu            sync.Mutex
	regs          []settlement.Registration
	regInfo       settlement.RegistrationInfo
	regErr        error
	forwardStatus int
	forwardBody   []byte
	healthErr     error
}

func (f *fakeOracle) RegisterSettlement(_ context.Context, reg settlement.Registration) (settlement.RegistrationInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.regs = append(f.regs, reg)
	if f.regErr != nil {
		return settlement.RegistrationInfo{}, f.regErr
	}
	return f.regInfo, nil
}

func (f *fakeOracle) Forward(_ context.Context, _ []byte) (int, []byte, error) {
	if f.forwardStatus == 0 {
		return http.StatusOK, []byte(`{"settlement_info":{}}`), nil
	}
	return f.forwardStatus, f.forwardBody, nil
}

func (f *fakeOracle) Health(_ context.Context) error {
	return f.healthErr
}

func testConfig(t *testing.T) *config.AppConfig {
	t.Helper()
	cfg := &config.AppConfig{}
	cfg.Deployment.ChainID = 84532
	cfg.Deployment.Asset = "native"
	cfg.Deployment.Addressing = "email"
	cfg.Service = config.ServiceConfig{
		HTTPPort:          0,
		SessionSecret:     "test-secret",
		SessionTTL:        time.Hour,
		IdempotencyWindow: time.Minute,
		JournalPath:       t.TempDir(),
		PollInterval:      time.Millisecond,
		PollMaxAttempts:   3,
	}
	return cfg
}

func newTestServer(t *testing.T, client *bridge.FakeClient, oracle *fakeOracle) *Server {
	t.Helper()
	return NewServer(testConfig(t), client, oracle, idempotency.NewMemoryStore())
}

func login(t *testing.T, s *Server) *http.Cookie {
	t.Helper()
	key, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	const message = "Sign in to EscrowBridge"
	sig, err := crypto.Sign(accounts.TextHash([]byte(message)), key)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}
	sig[crypto.RecoveryIDOffset] += 27

	body, _ := json.Marshal(map[string]string{
		"address":   crypto.PubkeyToAddress(key.PublicKey).Hex(),
		"message":   message,
		"signature": "0x" + hex.EncodeToString(sig),
	})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("login status = %d: %s", rec.Code, rec.Body.String())
	}
	for _, c := range rec.Result().Cookies() {
		if c.Name == "eb_auth" {
			return c
		}
	}
	t.Fatalf("no session cookie set")
	return nil
}

func TestLoginRejectsBadInput(t *testing.T) {
	s := newTestServer(t, bridge.NewFakeClient(), &fakeOracle{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader([]byte(`{"address":"0x1"}`)))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("missing fields: status = %d, want 400", rec.Code)
	}

	body, _ := json.Marshal(map[string]string{
		"address":   "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		"message":   "hello",
		"signature": "0x" + string(bytes.Repeat([]byte("ab"), 65)),
	})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/auth/login", bytes.NewReader(body))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("bad signature: status = %d, want 401", rec.Code)
	}
}

func TestCreateSettlementRequiresSession(t *testing.T) {
	s := newTestServer(t, bridge.NewFakeClient(), &fakeOracle{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", bytes.NewReader([]byte(`{"amount":"1"}`)))
	req.Header.Set("X-Idempotency-Key", "k")
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", rec.Code)
	}
}

func TestCreateSettlementFlow(t *testing.T) {
	client := bridge.NewFakeClient()
	client.FinalizedOnPoll = 1
	oracle := &fakeOracle{regInfo: settlement.RegistrationInfo{UserURL: "https://pay.example.com/s/1"}}
	s := newTestServer(t, client, oracle)
	cookie := login(t, s)

	post := func(key string) *httptest.ResponseRecorder {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", bytes.NewReader([]byte(`{"amount":"50"}`)))
		req.Header.Set("X-Idempotency-Key", key)
		req.AddCookie(cookie)
		s.Handler().ServeHTTP(rec, req)
		return rec
	}

	rec := post("key-1")
	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", rec.Code, rec.Body.String())
	}

	var resp createSettlementResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(resp.IDHash) != 66 {
		t.Fatalf("idHash = %q", resp.IDHash)
	}
	if resp.TxHash == "" || resp.Status != "polling" {
		t.Fatalf("unexpected response: %+v", resp)
	}
	if resp.UserURL != "https://pay.example.com/s/1" {
		t.Fatalf("user url = %q", resp.UserURL)
	}

	// Same key replays the stored response without a second submission.
	replay := post("key-1")
	if replay.Code != http.StatusAccepted {
		t.Fatalf("replay status = %d", replay.Code)
	}
	if !bytes.Equal(replay.Body.Bytes(), rec.Body.Bytes()) {
		t.Fatalf("replay body differs")
	}
	if n := len(client.InitPaymentCalls); n != 1 {
		t.Fatalf("init payment calls = %d, want 1", n)
	}
}

func TestCreateSettlementRequiresIdempotencyKey(t *testing.T) {
	s := newTestServer(t, bridge.NewFakeClient(), &fakeOracle{})
	cookie := login(t, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", bytes.NewReader([]byte(`{"amount":"1"}`)))
	req.AddCookie(cookie)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}
}

func TestCreateSettlementValidationError(t *testing.T) {
	client := bridge.NewFakeClient()
	client.ParamsValue.MinPaymentAmount = new(big.Int).Mul(big.NewInt(10), new(big.Int).Exp(big.NewInt(10), big.NewInt(18), nil))
	s := newTestServer(t, client, &fakeOracle{})
	cookie := login(t, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", bytes.NewReader([]byte(`{"amount":"5"}`)))
	req.Header.Set("X-Idempotency-Key", "k")
	req.AddCookie(cookie)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["code"] != string(settlement.CodeAmountTooLow) {
		t.Fatalf("code = %q, want %q", resp["code"], settlement.CodeAmountTooLow)
	}
	if len(client.InitPaymentCalls) != 0 {
		t.Fatalf("validation failure must not submit")
	}
}

func TestCreateSettlementRegistrationWarning(t *testing.T) {
	client := bridge.NewFakeClient()
	client.FinalizedOnPoll = 1
	oracle := &fakeOracle{regErr: context.DeadlineExceeded}
	cfg := testConfig(t)
	s := NewServer(cfg, client, oracle, idempotency.NewMemoryStore())
	cookie := login(t, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/v1/settlements", bytes.NewReader([]byte(`{"amount":"50"}`)))
	req.Header.Set("X-Idempotency-Key", "k")
	req.AddCookie(cookie)
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: registration failure is non-fatal", rec.Code)
	}
	var resp createSettlementResponse
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp.RegistrationWarning == "" {
		t.Fatalf("expected a registration warning in %s", rec.Body.String())
	}

	// The failed payload is journaled for manual replay once the background
	// run finishes.
	deadline := time.Now().Add(5 * time.Second)
	for {
		entries, err := os.ReadDir(cfg.Service.JournalPath)
		if err == nil && len(entries) == 1 {
			blob, err := os.ReadFile(filepath.Join(cfg.Service.JournalPath, entries[0].Name()))
			if err != nil {
				t.Fatalf("read journal: %v", err)
			}
			var entry map[string]interface{}
			if err := json.Unmarshal(blob, &entry); err != nil {
				t.Fatalf("decode journal: %v", err)
			}
			if entry["settlement_id"] == "" || entry["salt"] == "" {
				t.Fatalf("journal entry incomplete: %v", entry)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("journal entry never written")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRegisterProxy(t *testing.T) {
	oracle := &fakeOracle{forwardStatus: http.StatusBadGateway, forwardBody: []byte(`{"error":"upstream"}`)}
	s := newTestServer(t, bridge.NewFakeClient(), oracle)

	// Missing fields never reach the oracle.
	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/api/register_settlement", bytes.NewReader([]byte(`{"salt":"0x1"}`)))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status = %d, want 400", rec.Code)
	}

	// Upstream status and body are relayed verbatim.
	body := []byte(`{"salt":"0x1","settlement_id":"abc","recipient_email":"a@b.c"}`)
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodPost, "/api/register_settlement", bytes.NewReader(body))
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadGateway {
		t.Fatalf("status = %d, want 502", rec.Code)
	}
	if rec.Body.String() != `{"error":"upstream"}` {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestSettlementStatus(t *testing.T) {
	client := bridge.NewFakeClient()
	client.FinalizedOnPoll = 1
	s := newTestServer(t, client, &fakeOracle{})
	cookie := login(t, s)

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/settlements/nonsense", nil)
	req.AddCookie(cookie)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("bad hash: status = %d, want 400", rec.Code)
	}

	hash := "0x" + string(bytes.Repeat([]byte("ab"), 32))
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/settlements/"+hash, nil)
	req.AddCookie(cookie)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d: %s", rec.Code, rec.Body.String())
	}

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["state"] != "finalized" {
		t.Fatalf("state = %q, want finalized", resp["state"])
	}
}

func TestFeeEndpoint(t *testing.T) {
	s := newTestServer(t, bridge.NewFakeClient(), &fakeOracle{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/fee", nil)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}

	var resp map[string]string
	_ = json.Unmarshal(rec.Body.Bytes(), &resp)
	if resp["feeFraction"] != "0.015" || resp["feePct"] != "1.5%" {
		t.Fatalf("unexpected fee response: %v", resp)
	}
}

func TestHealth(t *testing.T) {
	s := newTestServer(t, bridge.NewFakeClient(), &fakeOracle{})

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", rec.Code)
	}

	degraded := newTestServer(t, bridge.NewFakeClient(), &fakeOracle{healthErr: context.DeadlineExceeded})
	rec = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/api/v1/health", nil)
	degraded.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("status = %d, want 503", rec.Code)
	}
}
