package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math/big"
	"net/http"
	"strconv"
	"strings"
	"time"

	"merkledrop/internal/config"
	"merkledrop/internal/distributor"
	"merkledrop/internal/hmacauth"
	"merkledrop/internal/registry"
	"merkledrop/internal/sigauth"
	"merkledrop/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

type Server struct {
	cfg         *config.AppConfig
	reg         *registry.Registry
	issuerHMAC  *hmacauth.Verifier
	httpServer  *http.Server
	metrics     *metricsRegistry
	dbHealthFn  func(context.Context) error
	rpcHealthFn func(context.Context) error
}

func NewServer(cfg *config.AppConfig, reg *registry.Registry, store registry.Store) *Server {
	issuerVerifier := &hmacauth.Verifier{
		Secret:  cfg.Seed.Secrets.IssuerHMACSecret,
		MaxSkew: cfg.Service.HMACClockSkew,
	}

	metrics := newMetricsRegistry()

	s := &Server{
		cfg:        cfg,
		reg:        reg,
		issuerHMAC: issuerVerifier,
		metrics:    metrics,
	}

	if checker, ok := store.(interface{ Ping(context.Context) error }); ok {
		s.dbHealthFn = checker.Ping
	}

	reg.OnCreate(func(inst registry.Instance) {
		log.Printf("instance created name=%s asset=%s root=%s", inst.Name, inst.Asset, inst.Root)
		if list, err := reg.List(context.Background()); err == nil {
			metrics.setInstances(len(list))
		}
	})
	reg.OnEngineEvent(func(name string, ev distributor.Event) {
		log.Printf("%s instance=%s to=%s amount=%s", ev.Kind, name, ev.To.Hex(), ev.Amount)
	})

	mux := http.NewServeMux()
	mux.Handle("POST /api/v1/distributors", s.issuerHMAC.Middleware(http.HandlerFunc(s.handleCreate)))
	mux.HandleFunc("GET /api/v1/distributors", s.handleList)
	mux.HandleFunc("GET /api/v1/distributors/{name}", s.handleShow)
	mux.HandleFunc("POST /api/v1/distributors/{name}/claims", s.handleClaim)
	mux.HandleFunc("POST /api/v1/distributors/{name}/withdrawals", s.handleWithdraw)
	mux.HandleFunc("POST /api/v1/distributors/{name}/signed-withdrawals", s.handleSignedWithdraw)
	mux.HandleFunc("GET /api/v1/distributors/{name}/recipients/{address}", s.handleRecipient)
	mux.HandleFunc("GET /api/v1/distributors/{name}/message-hash", s.handleMessageHash)
	mux.Handle("GET /api/v1/metrics", metrics.handler())
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	s.httpServer = &http.Server{
		Addr:              ":" + strconv.Itoa(cfg.Service.HTTPPort),
		Handler:           requestIDMiddleware(mux),
		ReadHeaderTimeout: 15 * time.Second,
	}
	return s
}

// SetRPCHealth wires an RPC connectivity probe into the health endpoint.
func (s *Server) SetRPCHealth(fn func(context.Context) error) {
	s.rpcHealthFn = fn
}

func (s *Server) Start() error {
	log.Printf("API listening on %s", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

type createRequest struct {
	Name  string `json:"name"`
	Asset string `json:"asset"`
	Root  string `json:"root"`
}

type instanceResponse struct {
	Name          string `json:"name"`
	Asset         string `json:"asset"`
	Root          string `json:"root"`
	ReplayCounter uint64 `json:"replayCounter"`
}

type claimRequest struct {
	Recipient string   `json:"recipient"`
	Amount    string   `json:"amount"`
	Proof     []string `json:"proof"`
}

type withdrawRequest struct {
	Recipient string `json:"recipient"`
	Amount    string `json:"amount"`
}

type signedWithdrawRequest struct {
	To        string `json:"to"`
	Amount    string `json:"amount"`
	Signature string `json:"signature"`
}

type recipientResponse struct {
	Claimed   bool   `json:"claimed"`
	Remaining string `json:"remaining"`
}

type statusResponse struct {
	Status string `json:"status"`
}

func (s *Server) handleCreate(w http.ResponseWriter, r *http.Request) {
	var payload createRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	root, err := parseHash(payload.Root)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	engine, err := s.reg.Create(r.Context(), payload.Name, payload.Asset, root)
	if err != nil {
		writeEngineError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, instanceResponse{
		Name:          strings.TrimSpace(payload.Name),
		Asset:         engine.AssetID(),
		Root:          engine.Root().Hex(),
		ReplayCounter: engine.ReplayCounter(),
	})
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	instances, err := s.reg.List(r.Context())
	if err != nil {
		http.Error(w, "list instances: "+err.Error(), http.StatusInternalServerError)
		return
	}
	if instances == nil {
		instances = []registry.Instance{}
	}
	writeJSON(w, http.StatusOK, instances)
}

func (s *Server) handleShow(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, instanceResponse{
		Name:          r.PathValue("name"),
		Asset:         engine.AssetID(),
		Root:          engine.Root().Hex(),
		ReplayCounter: engine.ReplayCounter(),
	})
}

func (s *Server) handleClaim(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var payload claimRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	recipient, err := parseAddress(payload.Recipient)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	proof, err := parseProof(payload.Proof)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := engine.Claim(r.Context(), recipient, amount, proof); err != nil {
		s.metrics.incClaim("rejected")
		writeEngineError(w, err)
		return
	}

	s.metrics.incClaim("accepted")
	writeJSON(w, http.StatusCreated, statusResponse{Status: "claimed"})
}

func (s *Server) handleWithdraw(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var payload withdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	recipient, err := parseAddress(payload.Recipient)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := engine.Withdraw(r.Context(), recipient, amount); err != nil {
		s.metrics.incWithdrawal("self", "rejected")
		writeEngineError(w, err)
		return
	}

	s.metrics.incWithdrawal("self", "accepted")
	writeJSON(w, http.StatusOK, statusResponse{Status: "withdrawn"})
}

func (s *Server) handleSignedWithdraw(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	var payload signedWithdrawRequest
	if err := json.NewDecoder(r.Body).Decode(&payload); err != nil {
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		return
	}

	to, err := parseAddress(payload.To)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(payload.Amount)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	sig, err := parseSignature(payload.Signature)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if err := engine.WithdrawWithSignature(r.Context(), to, amount, sig); err != nil {
		s.metrics.incWithdrawal("delegated", "rejected")
		writeEngineError(w, err)
		return
	}

	s.metrics.incWithdrawal("delegated", "accepted")
	writeJSON(w, http.StatusOK, statusResponse{Status: "withdrawn"})
}

func (s *Server) handleRecipient(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	addr, err := parseAddress(r.PathValue("address"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	writeJSON(w, http.StatusOK, recipientResponse{
		Claimed:   engine.Claimed(addr),
		Remaining: engine.Remaining(addr).String(),
	})
}

func (s *Server) handleMessageHash(w http.ResponseWriter, r *http.Request) {
	engine, ok := s.engineFor(w, r)
	if !ok {
		return
	}

	q := r.URL.Query()
	to, err := parseAddress(q.Get("to"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	amount, err := parseAmount(q.Get("amount"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	counter := engine.ReplayCounter()
	if raw := q.Get("counter"); raw != "" {
		counter, err = strconv.ParseUint(raw, 10, 64)
		if err != nil {
			http.Error(w, "invalid counter", http.StatusBadRequest)
			return
		}
	}

	writeJSON(w, http.StatusOK, struct {
		Digest  string `json:"digest"`
		Counter uint64 `json:"counter"`
	}{
		Digest:  engine.MessageHash(to, amount, counter).Hex(),
		Counter: counter,
	})
}

func (s *Server) engineFor(w http.ResponseWriter, r *http.Request) (*distributor.Engine, bool) {
	engine, err := s.reg.Get(r.PathValue("name"))
	if err != nil {
		writeEngineError(w, err)
		return nil, false
	}
	return engine, true
}

// writeEngineError maps the engine/registry failure taxonomy onto HTTP
// status codes. State-machine rejections are conflicts, malformed inputs are
// bad requests, proof/signature rejections are unprocessable, and a failed
// asset transfer is an upstream failure.
func writeEngineError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, distributor.ErrAlreadyClaimed),
		errors.Is(err, distributor.ErrNotClaimed),
		errors.Is(err, distributor.ErrInsufficientTokens),
		errors.Is(err, registry.ErrDuplicateName):
		status = http.StatusConflict
	case errors.Is(err, distributor.ErrNotInMerkle),
		errors.Is(err, sigauth.ErrMalformedSignature):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, distributor.ErrInvalidRecipient),
		errors.Is(err, distributor.ErrInvalidAmount),
		errors.Is(err, registry.ErrInvalidName),
		errors.Is(err, registry.ErrInvalidRoot):
		status = http.StatusBadRequest
	case errors.Is(err, registry.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, token.ErrTransferFailed):
		status = http.StatusBadGateway
	}
	http.Error(w, err.Error(), status)
}

func parseAddress(raw string) (common.Address, error) {
	if !common.IsHexAddress(raw) {
		return common.Address{}, fmt.Errorf("invalid address: %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(raw string) (*big.Int, error) {
	amount, ok := new(big.Int).SetString(strings.TrimSpace(raw), 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount: %q", raw)
	}
	return amount, nil
}

func parseHash(raw string) (common.Hash, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") || len(raw) != 66 {
		return common.Hash{}, fmt.Errorf("invalid hash: %q", raw)
	}
	return common.HexToHash(raw), nil
}

func parseProof(raw []string) ([]common.Hash, error) {
	proof := make([]common.Hash, 0, len(raw))
	for _, h := range raw {
		parsed, err := parseHash(h)
		if err != nil {
			return nil, fmt.Errorf("invalid proof element: %q", h)
		}
		proof = append(proof, parsed)
	}
	return proof, nil
}

func parseSignature(raw string) ([]byte, error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, "0x") {
		raw = "0x" + raw
	}
	sig, err := hexutil.Decode(raw)
	if err != nil {
		return nil, fmt.Errorf("invalid signature encoding: %v", err)
	}
	return sig, nil
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
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

	instanceCount := 0
	if list, err := s.reg.List(ctx); err == nil {
		instanceCount = len(list)
	}

	status := "healthy"
	if !overallHealthy {
		status = "degraded"
	}

	resp := struct {
		Status    string      `json:"status"`
		RPC       interface{} `json:"rpc"`
		Database  interface{} `json:"database"`
		Instances int         `json:"instances"`
	}{
		Status:    status,
		RPC:       rpcInfo,
		Database:  dbInfo,
		Instances: instanceCount,
	}

	w.Header().Set("Content-Type", "application/json")
	if !overallHealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("X-Request-Id") == "" {
			r.Header.Set("X-Request-Id", fmt.Sprintf("%d", time.Now().UnixNano()))
		}
		next.ServeHTTP(w, r)
	})
}
