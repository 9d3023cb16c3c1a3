package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"math/big"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"escrowbridge/internal/auth"
	"escrowbridge/internal/bridge"
	"escrowbridge/internal/config"
	"escrowbridge/internal/idempotency"
	"escrowbridge/internal/settlement"

	"github.com/ethereum/go-ethereum/common"
	"github.com/gorilla/mux"
	"github.com/shopspring/decimal"
)

// Oracle is the slice of the ChainSettle client the server depends on.
type Oracle interface {
	settlement.Registrar
	Forward(ctx context.Context, body []byte) (int, []byte, error)
	Health(ctx context.Context) error
}

type Server struct {
	cfg      *config.AppConfig
	bridge   bridge.Client
	oracle   Oracle
	store    idempotency.Store
	sessions *auth.Sessions
	metrics  *metricsRegistry

	httpServer  *http.Server
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error

	// Last workflow status per idHash, read by the status endpoint. The
	// orchestrator owns the transitions; this is presentation state only.
	statusMu sync.Mutex
	statuses map[string]string
}

const maxTrackedStatuses = 512

func NewServer(cfg *config.AppConfig, bridgeClient bridge.Client, oracle Oracle, store idempotency.Store) *Server {
	metrics := newMetricsRegistry()

	s := &Server{
		cfg:    cfg,
		bridge: bridgeClient,
		oracle: oracle,
		store:  store,
		sessions: &auth.Sessions{
			Secret: []byte(cfg.Service.SessionSecret),
			TTL:    cfg.Service.SessionTTL,
		},
		metrics:  metrics,
		statuses: make(map[string]string),
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}
	if checker, ok := bridgeClient.(bridge.HealthChecker); ok {
		s.rpcHealthFn = checker.Ping
	}

	r := mux.NewRouter()
	r.HandleFunc("/api/auth/login", s.handleLogin).Methods(http.MethodPost)
	r.HandleFunc("/api/register_settlement", s.handleRegisterProxy).Methods(http.MethodPost)

	api := r.PathPrefix("/api/v1").Subrouter()
	api.Handle("/settlements", s.sessions.Middleware(http.HandlerFunc(s.handleCreateSettlement))).Methods(http.MethodPost)
	api.Handle("/settlements/{idHash}", s.sessions.Middleware(http.HandlerFunc(s.handleSettlementStatus))).Methods(http.MethodGet)
	api.HandleFunc("/fee", s.handleFee).Methods(http.MethodGet)
	api.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	api.Handle("/metrics", metrics.handler()).Methods(http.MethodGet)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(r),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Handler exposes the routing tree for tests.
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

type loginRequest struct {
	Address   string `json:"address"`
	Message   string `json:"message"`
	Signature string `json:"signature"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var payload loginRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if payload.Address == "" || payload.Message == "" || payload.Signature == "" {
		writeJSONError(w, http.StatusBadRequest, "missing address, message or signature")
		return
	}

	if err := auth.VerifyPersonalSign(payload.Address, payload.Message, payload.Signature); err != nil {
		s.metrics.incLogin("rejected")
		writeJSONError(w, http.StatusUnauthorized, "invalid signature")
		return
	}

	token, err := s.sessions.Issue(payload.Address)
	if err != nil {
		writeJSONError(w, http.StatusInternalServerError, "session issue failed")
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     auth.CookieName,
		Value:    token,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Path:     "/",
		MaxAge:   int(s.cfg.Service.SessionTTL / time.Second),
	})
	s.metrics.incLogin("ok")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

type registerProxyRequest struct {
	Salt           string `json:"salt"`
	SettlementID   string `json:"settlement_id"`
	RecipientEmail string `json:"recipient_email"`
}

// handleRegisterProxy forwards a registration body to the ChainSettle API
// and relays its status code and body. It exists to give browsers a
// same-origin hop; nothing is rewritten.
func (s *Server) handleRegisterProxy(w http.ResponseWriter, r *http.Request) {
	body, err := readBody(r)
	if err != nil {
		writeJSONError(w, http.StatusBadRequest, "unreadable body")
		return
	}

	var payload registerProxyRequest
	if err := json.Unmarshal(body, &payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if payload.Salt == "" || payload.SettlementID == "" || payload.RecipientEmail == "" {
		writeJSONError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	status, respBody, err := s.oracle.Forward(r.Context(), body)
	if err != nil {
		log.Printf("register proxy: %v", err)
		writeJSONError(w, http.StatusBadGateway, "settlement api unreachable")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(respBody)
}

type createSettlementRequest struct {
	Amount    string `json:"amount"`
	Recipient string `json:"recipient,omitempty"`
}

type createSettlementResponse struct {
	IDHash              string `json:"idHash"`
	TxHash              string `json:"txHash"`
	Status              string `json:"status"`
	UserURL             string `json:"userUrl,omitempty"`
	RegistrationWarning string `json:"registrationWarning,omitempty"`
}

func (s *Server) handleCreateSettlement(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
	if key == "" {
		writeJSONError(w, http.StatusBadRequest, "missing X-Idempotency-Key header")
		return
	}

	ctx := r.Context()

	if existing, _ := s.store.Get(ctx, key); existing != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(existing.StatusCode)
		_, _ = w.Write(existing.Response)
		s.metrics.incSettlement("cached")
		return
	}

	var payload createSettlementRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid json payload")
		return
	}
	if payload.Amount == "" {
		writeJSONError(w, http.StatusBadRequest, "amount is required")
		return
	}

	polling := make(chan settlement.Event, 1)
	failed := make(chan settlement.Event, 1)
	var regWarning string

	orch := s.newOrchestrator(func(ev settlement.Event) {
		s.recordStatus(ev)
		switch ev.Stage {
		case settlement.StageRegistering:
			if ev.Code == settlement.CodeRegistration {
				regWarning = ev.Message
			}
		case settlement.StagePolling:
			select {
			case polling <- ev:
			default:
			}
		case settlement.StageFailed:
			select {
			case failed <- ev:
			default:
			}
		}
	})

	// The workflow outlives the request: once the transaction is submitted
	// it must be carried to a terminal poll state even if the caller goes
	// away.
	runCtx, cancel := context.WithTimeout(context.Background(), s.runBudget())
	go func() {
		defer cancel()
		res, err := orch.Run(runCtx, settlement.Request{
			Amount:    payload.Amount,
			Recipient: payload.Recipient,
		})
		if err != nil {
			log.Printf("settlement run: %v", err)
		}
		if res == nil {
			return
		}
		if res.RegistrationErr != nil {
			s.metrics.incRegistration("failed")
			s.writeJournal(settlement.Registration{
				Salt:           res.Commitment.SaltHex(),
				SettlementID:   res.Commitment.SettlementID,
				RecipientEmail: res.RecipientEmail,
			}, res.RegistrationErr)
		} else {
			s.metrics.incRegistration("ok")
		}
		if err == nil {
			s.metrics.incPollOutcome(res.Final.String())
		}
	}()

	select {
	case ev := <-polling:
		resp := createSettlementResponse{
			IDHash:              ev.IDHash,
			TxHash:              ev.TxHash,
			Status:              "polling",
			UserURL:             ev.UserURL,
			RegistrationWarning: regWarning,
		}
		b, _ := json.Marshal(resp)

		record := idempotency.NewRecord(http.StatusAccepted, b, s.cfg.Service.IdempotencyWindow)
		_ = s.store.Save(ctx, key, record)

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write(b)
		s.metrics.incSettlement("created")

	case ev := <-failed:
		s.metrics.incSettlement("failed")
		writeJSON(w, statusForCode(ev.Code), map[string]string{
			"error": ev.Message,
			"code":  string(ev.Code),
		})

	case <-ctx.Done():
		// Client gone; the run keeps going in the background.
	}
}

func (s *Server) newOrchestrator(sink settlement.EventSink) *settlement.Orchestrator {
	asset := settlement.NativeValue
	if s.cfg.Deployment.Asset == "erc20" {
		asset = settlement.ApproveThenPay
	}
	addressing := settlement.EmailIdentity
	if s.cfg.Deployment.Addressing == "wallet" {
		addressing = settlement.DestinationWallet
	}

	var chainID *big.Int
	if s.cfg.Deployment.ChainID != 0 {
		chainID = big.NewInt(s.cfg.Deployment.ChainID)
	}

	return &settlement.Orchestrator{
		Bridge:          s.bridge,
		Registrar:       s.oracle,
		Events:          sink,
		Asset:           asset,
		Addressing:      addressing,
		ChainID:         chainID,
		PollInterval:    s.cfg.Service.PollInterval,
		PollMaxAttempts: s.cfg.Service.PollMaxAttempts,
	}
}

func (s *Server) runBudget() time.Duration {
	interval := s.cfg.Service.PollInterval
	if interval <= 0 {
		interval = 5 * time.Second
	}
	attempts := s.cfg.Service.PollMaxAttempts
	if attempts <= 0 {
		attempts = 60
	}
	return time.Duration(attempts)*interval + 10*time.Minute
}

func (s *Server) handleSettlementStatus(w http.ResponseWriter, r *http.Request) {
	raw := mux.Vars(r)["idHash"]
	if len(raw) != 66 || !strings.HasPrefix(raw, "0x") {
		writeJSONError(w, http.StatusBadRequest, "invalid idHash")
		return
	}
	idHash := common.HexToHash(raw)

	ctx := r.Context()
	state := "pending"

	finalized, err := s.bridge.IsFinalized(ctx, idHash)
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "finality read failed: "+err.Error())
		return
	}
	if finalized {
		state = "finalized"
	} else {
		expired, err := s.bridge.IsEscrowExpired(ctx, idHash)
		if err != nil {
			writeJSONError(w, http.StatusBadGateway, "expiry read failed: "+err.Error())
			return
		}
		if expired {
			state = "expired"
		}
	}

	resp := map[string]string{
		"idHash": idHash.Hex(),
		"state":  state,
	}
	if status := s.lastStatus(idHash.Hex()); status != "" {
		resp["workflowStatus"] = status
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleFee(w http.ResponseWriter, r *http.Request) {
	params, err := s.bridge.Params(r.Context())
	if err != nil {
		writeJSONError(w, http.StatusBadGateway, "fee read failed: "+err.Error())
		return
	}
	if params.FeeDenominator == nil || params.FeeDenominator.Sign() == 0 {
		writeJSONError(w, http.StatusBadGateway, "fee denominator unavailable")
		return
	}

	fraction := decimal.NewFromBigInt(params.Fee, 0).Div(decimal.NewFromBigInt(params.FeeDenominator, 0))
	writeJSON(w, http.StatusOK, map[string]string{
		"feeFraction": fraction.String(),
		"feePct":      fraction.Mul(decimal.NewFromInt(100)).String() + "%",
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	overallHealthy := true

	rpcInfo := struct {
		Connected bool    `json:"connected"`
		LatencyMs float64 `json:"latency_ms"`
		Error     string  `json:"error,omitempty"`
	}{}

	if s.rpcHealthFn != nil {
		start := time.Now()
		rpcCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.rpcHealthFn(rpcCtx); err != nil {
			rpcInfo.Connected = false
			rpcInfo.Error = err.Error()
			overallHealthy = false
		} else {
			rpcInfo.Connected = true
			rpcInfo.LatencyMs = float64(time.Since(start).Microseconds()) / 1000.0
		}
	} else {
		rpcInfo.Connected = true
	}

	dbInfo := struct {
		Connected bool   `json:"connected"`
		Error     string `json:"error,omitempty"`
	}{Connected: true}

	if s.dbHealthFn != nil {
		dbCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()
		if err := s.dbHealthFn(dbCtx); err != nil {
			dbInfo.Connected = false
			dbInfo.Error = err.Error()
			overallHealthy = false
		}
	}

	oracleInfo := struct {
		Reachable bool   `json:"reachable"`
		Error     string `json:"error,omitempty"`
	}{Reachable: true}

	oracleCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := s.oracle.Health(oracleCtx); err != nil {
		oracleInfo.Reachable = false
		oracleInfo.Error = err.Error()
		overallHealthy = false
	}

	journalDepth := s.updateJournalDepth()

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status       string      `json:"status"`
		RPC          interface{} `json:"rpc"`
		Store        interface{} `json:"store"`
		Oracle       interface{} `json:"oracle"`
		JournalDepth int         `json:"journal_depth"`
	}{
		Status:       status,
		RPC:          rpcInfo,
		Store:        dbInfo,
		Oracle:       oracleInfo,
		JournalDepth: journalDepth,
	}

	if !overallHealthy {
		writeJSON(w, http.StatusServiceUnavailable, resp)
		return
	}
	writeJSON(w, http.StatusOK, resp)
}

// writeJournal records a failed off-chain registration for manual replay.
// The escrow is already open on-chain, so the payload must not be lost.
func (s *Server) writeJournal(reg settlement.Registration, regErr error) {
	if s.cfg.Service.JournalPath == "" {
		return
	}

	entry := struct {
		Timestamp      time.Time `json:"timestamp"`
		Salt           string    `json:"salt"`
		SettlementID   string    `json:"settlement_id"`
		RecipientEmail string    `json:"recipient_email"`
		Error          string    `json:"error"`
	}{
		Timestamp:      time.Now().UTC(),
		Salt:           reg.Salt,
		SettlementID:   reg.SettlementID,
		RecipientEmail: reg.RecipientEmail,
		Error:          regErr.Error(),
	}

	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		log.Printf("journal marshal error: %v", err)
		return
	}

	if err := os.MkdirAll(s.cfg.Service.JournalPath, 0o755); err != nil {
		log.Printf("journal mkdir error: %v", err)
		return
	}

	filename := fmt.Sprintf("%d-%s.json", time.Now().UnixNano(), reg.SettlementID)
	path := filepath.Join(s.cfg.Service.JournalPath, filename)
	if err := os.WriteFile(path, data, 0o600); err != nil {
		log.Printf("journal write error: %v", err)
	}

	s.updateJournalDepth()
}

func (s *Server) updateJournalDepth() int {
	depth := s.currentJournalDepth()
	if s.metrics != nil {
		s.metrics.setJournalDepth(depth)
	}
	return depth
}

func (s *Server) currentJournalDepth() int {
	if s.cfg.Service.JournalPath == "" {
		return 0
	}
	entries, err := os.ReadDir(s.cfg.Service.JournalPath)
	if errors.Is(err, os.ErrNotExist) {
		return 0
	}
	if err != nil {
		log.Printf("journal read error: %v", err)
		return 0
	}
	return len(entries)
}

func (s *Server) recordStatus(ev settlement.Event) {
	if ev.IDHash == "" {
		return
	}
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	if _, ok := s.statuses[ev.IDHash]; !ok && len(s.statuses) >= maxTrackedStatuses {
		for k := range s.statuses {
			delete(s.statuses, k)
			break
		}
	}
	s.statuses[ev.IDHash] = ev.Message
}

func (s *Server) lastStatus(idHash string) string {
	s.statusMu.Lock()
	defer s.statusMu.Unlock()
	return s.statuses[idHash]
}

func statusForCode(code settlement.Code) int {
	switch code {
	case settlement.CodeAmountTooLow, settlement.CodeAmountTooHigh,
		settlement.CodeInsufficientLiquidity, settlement.CodeInsufficientFunds,
		settlement.CodeInvalidAmount, settlement.CodeUserRejected:
		return http.StatusBadRequest
	case settlement.CodeNetworkMismatch:
		return http.StatusConflict
	default:
		return http.StatusBadGateway
	}
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func writeJSONError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	return io.ReadAll(r.Body)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
