package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"merkledrop/internal/config"
	"merkledrop/internal/hmacauth"
	"merkledrop/internal/merkle"
	"merkledrop/internal/registry"
	"merkledrop/internal/sigauth"
	"merkledrop/internal/token"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

const issuerSecret = "issuer-secret"

func newTestServer(t *testing.T) (*Server, *token.Ledger) {
	t.Helper()

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			HTTPPort:      0,
			HMACClockSkew: time.Minute,
		},
	}
	cfg.Seed.Secrets.IssuerHMACSecret = issuerSecret

	ledger := token.NewLedger()
	ledger.Mint(big.NewInt(300))

	store := registry.NewMemoryStore()
	reg := registry.New(ledger, store)
	return NewServer(cfg, reg, store), ledger
}

func (s *Server) do(t *testing.T, method, path string, body interface{}, issuer bool) *httptest.ResponseRecorder {
	t.Helper()

	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal request: %v", err)
		}
	}

	req := httptest.NewRequest(method, path, bytes.NewReader(payload))
	if issuer {
		ts := strconv.FormatInt(time.Now().Unix(), 10)
		req.Header.Set("X-Issuer-Timestamp", ts)
		req.Header.Set("X-Issuer-Signature", hmacauth.ComputeSignature(issuerSecret, ts, payload))
	}

	rec := httptest.NewRecorder()
	s.httpServer.Handler.ServeHTTP(rec, req)
	return rec
}

func buildTestTree(t *testing.T) (common.Hash, common.Address, []string) {
	t.Helper()
	addrA := common.BigToAddress(big.NewInt(0xa))
	addrB := common.BigToAddress(big.NewInt(0xb))
	leafA := merkle.Leaf(addrA, big.NewInt(100))
	leafB := merkle.Leaf(addrB, big.NewInt(200))
	tree, err := merkle.NewTree([]common.Hash{leafA, leafB})
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	proof, err := tree.Proof(leafA)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	hexProof := make([]string, len(proof))
	for i, h := range proof {
		hexProof[i] = h.Hex()
	}
	return tree.Root(), addrA, hexProof
}

func TestCreateRequiresIssuerAuth(t *testing.T) {
	srv, _ := newTestServer(t)
	root, _, _ := buildTestTree(t)

	body := map[string]string{"name": "drop-1", "asset": "TST", "root": root.Hex()}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors", body, false); rec.Code != http.StatusUnauthorized {
		t.Fatalf("unauthenticated create: expected 401, got %d", rec.Code)
	}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors", body, true); rec.Code != http.StatusCreated {
		t.Fatalf("authenticated create: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	// Duplicate name.
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors", body, true); rec.Code != http.StatusConflict {
		t.Fatalf("duplicate create: expected 409, got %d", rec.Code)
	}
}

func TestClaimAndWithdrawFlow(t *testing.T) {
	srv, ledger := newTestServer(t)
	root, addrA, proofA := buildTestTree(t)

	create := map[string]string{"name": "drop-1", "asset": "TST", "root": root.Hex()}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors", create, true); rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", rec.Code, rec.Body)
	}

	// Wrong amount while A is still unclaimed: the committed leaf is 100.
	wrongAmount := map[string]interface{}{
		"recipient": addrA.Hex(),
		"amount":    "150",
		"proof":     proofA,
	}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/claims", wrongAmount, false); rec.Code != http.StatusUnprocessableEntity {
		t.Fatalf("wrong-amount claim: expected 422, got %d", rec.Code)
	}

	claim := map[string]interface{}{
		"recipient": addrA.Hex(),
		"amount":    "100",
		"proof":     proofA,
	}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/claims", claim, false); rec.Code != http.StatusCreated {
		t.Fatalf("claim: expected 201, got %d: %s", rec.Code, rec.Body)
	}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/claims", claim, false); rec.Code != http.StatusConflict {
		t.Fatalf("double claim: expected 409, got %d", rec.Code)
	}

	// Once claimed, the duplicate-claim check fires before proof
	// verification, so even a wrong amount reports the conflict.
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/claims", wrongAmount, false); rec.Code != http.StatusConflict {
		t.Fatalf("wrong-amount claim after claiming: expected 409, got %d", rec.Code)
	}

	rec := srv.do(t, http.MethodGet, "/api/v1/distributors/drop-1/recipients/"+addrA.Hex(), nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("recipient: expected 200, got %d", rec.Code)
	}
	var recipient struct {
		Claimed   bool   `json:"claimed"`
		Remaining string `json:"remaining"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &recipient); err != nil {
		t.Fatalf("decode recipient: %v", err)
	}
	if !recipient.Claimed || recipient.Remaining != "100" {
		t.Fatalf("unexpected recipient state: %+v", recipient)
	}

	withdraw := map[string]string{"recipient": addrA.Hex(), "amount": "50"}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/withdrawals", withdraw, false); rec.Code != http.StatusOK {
		t.Fatalf("withdraw: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	bal, _ := ledger.BalanceOf(context.Background(), addrA)
	if bal.Cmp(big.NewInt(50)) != 0 {
		t.Fatalf("balance = %s, want 50", bal)
	}

	overdraw := map[string]string{"recipient": addrA.Hex(), "amount": "51"}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/withdrawals", overdraw, false); rec.Code != http.StatusConflict {
		t.Fatalf("overdraw: expected 409, got %d", rec.Code)
	}
}

func TestSignedWithdrawFlow(t *testing.T) {
	srv, ledger := newTestServer(t)

	keyA, err := crypto.GenerateKey()
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	addrA := crypto.PubkeyToAddress(keyA.PublicKey)
	addrB := common.BigToAddress(big.NewInt(0xb))
	addrC := common.BigToAddress(big.NewInt(0xc))

	leafA := merkle.Leaf(addrA, big.NewInt(100))
	leafB := merkle.Leaf(addrB, big.NewInt(200))
	tree, err := merkle.NewTree([]common.Hash{leafA, leafB})
	if err != nil {
		t.Fatalf("build tree: %v", err)
	}
	proof, err := tree.Proof(leafA)
	if err != nil {
		t.Fatalf("proof: %v", err)
	}
	hexProof := make([]string, len(proof))
	for i, h := range proof {
		hexProof[i] = h.Hex()
	}

	create := map[string]string{"name": "drop-1", "asset": "TST", "root": tree.Root().Hex()}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors", create, true); rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rec.Code)
	}
	claim := map[string]interface{}{"recipient": addrA.Hex(), "amount": "100", "proof": hexProof}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/claims", claim, false); rec.Code != http.StatusCreated {
		t.Fatalf("claim: expected 201, got %d: %s", rec.Code, rec.Body)
	}

	// The advertised digest must match what the recipient signs locally.
	rec := srv.do(t, http.MethodGet,
		fmt.Sprintf("/api/v1/distributors/drop-1/message-hash?to=%s&amount=20", addrC.Hex()), nil, false)
	if rec.Code != http.StatusOK {
		t.Fatalf("message-hash: expected 200, got %d", rec.Code)
	}
	var digestResp struct {
		Digest  string `json:"digest"`
		Counter uint64 `json:"counter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &digestResp); err != nil {
		t.Fatalf("decode digest: %v", err)
	}
	localDigest := sigauth.Digest(addrC, big.NewInt(20), digestResp.Counter)
	if digestResp.Digest != localDigest.Hex() {
		t.Fatalf("advertised digest %s, local %s", digestResp.Digest, localDigest.Hex())
	}

	sig, err := sigauth.Sign(localDigest, keyA)
	if err != nil {
		t.Fatalf("sign: %v", err)
	}

	body := map[string]string{
		"to":        addrC.Hex(),
		"amount":    "20",
		"signature": fmt.Sprintf("0x%x", sig),
	}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/signed-withdrawals", body, false); rec.Code != http.StatusOK {
		t.Fatalf("signed withdraw: expected 200, got %d: %s", rec.Code, rec.Body)
	}

	bal, _ := ledger.BalanceOf(context.Background(), addrC)
	if bal.Cmp(big.NewInt(20)) != 0 {
		t.Fatalf("balance[C] = %s, want 20", bal)
	}

	// Counter advanced; the same signature is now stale.
	rec = srv.do(t, http.MethodGet, "/api/v1/distributors/drop-1", nil, false)
	var inst struct {
		ReplayCounter uint64 `json:"replayCounter"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &inst); err != nil {
		t.Fatalf("decode instance: %v", err)
	}
	if inst.ReplayCounter != 1 {
		t.Fatalf("replayCounter = %d, want 1", inst.ReplayCounter)
	}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/signed-withdrawals", body, false); rec.Code != http.StatusConflict {
		t.Fatalf("replay: expected 409, got %d: %s", rec.Code, rec.Body)
	}
}

func TestSignedWithdrawRejectsBadSignatureEncoding(t *testing.T) {
	srv, _ := newTestServer(t)
	root, addrA, _ := buildTestTree(t)

	create := map[string]string{"name": "drop-1", "asset": "TST", "root": root.Hex()}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors", create, true); rec.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d", rec.Code)
	}

	// Non-hex signature bytes must be caught at the request boundary.
	body := map[string]string{
		"to":        addrA.Hex(),
		"amount":    "20",
		"signature": "0xzznothex",
	}
	if rec := srv.do(t, http.MethodPost, "/api/v1/distributors/drop-1/signed-withdrawals", body, false); rec.Code != http.StatusBadRequest {
		t.Fatalf("bad signature encoding: expected 400, got %d: %s", rec.Code, rec.Body)
	}
}

func TestUnknownInstanceIs404(t *testing.T) {
	srv, _ := newTestServer(t)
	if rec := srv.do(t, http.MethodGet, "/api/v1/distributors/nope", nil, false); rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}
