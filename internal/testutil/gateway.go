package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
)

// GatewayPayment is a payment held by the fake gateway.
type GatewayPayment struct {
	ID                string
	Token             string
	Status            string
	StatusDetail      string
	ExternalReference string
	Amount            string
	ApplicationFee    string
	MethodID          string
}

// CreateCall records a payment creation request.
type CreateCall struct {
	Token          string
	IdempotencyKey string
	Body           map[string]any
}

// Gateway is an httptest payment gateway. Payments are visible only to the
// access token that created them.
type Gateway struct {
	Server *httptest.Server

	mu       sync.Mutex
	payments map[string]*GatewayPayment
	idem     map[string]string
	nextID   int
	creates  []CreateCall
	gets     map[string]int

	// CreateStatus picks the status of a new payment. The default is pending
	// for pix and approved otherwise.
	CreateStatus func(methodID string) (status, detail string)
	// CreateError, when non-zero, is returned as the HTTP status of creates.
	CreateError int
	// LoseCreates is how many of the next creates store the payment and
	// then answer 502, as if the response was lost.
	LoseCreates int
	// OmitQRImage drops qr_code_base64 from PIX responses.
	OmitQRImage bool
	// Revoked tokens get 401.
	Revoked map[string]bool
	// Tokens maps OAuth codes and refresh tokens to issued access tokens.
	Tokens map[string]string
}

// NewGateway starts a fake gateway closed at test cleanup.
func NewGateway(t *testing.T) *Gateway {
	t.Helper()
	g := &Gateway{
		payments: map[string]*GatewayPayment{},
		idem:     map[string]string{},
		gets:     map[string]int{},
		nextID:   1000,
		Revoked:  map[string]bool{},
		Tokens:   map[string]string{},
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/payments", g.create)
	mux.HandleFunc("/v1/payments/", g.get)
	mux.HandleFunc("/oauth/token", g.token)
	g.Server = httptest.NewServer(mux)
	t.Cleanup(g.Server.Close)
	return g
}

// URL is the gateway base URL.
func (g *Gateway) URL() string { return g.Server.URL }

// AddPayment stores a payment directly.
func (g *Gateway) AddPayment(p GatewayPayment) {
	g.mu.Lock()
	defer g.mu.Unlock()
	cp := p
	g.payments[p.ID] = &cp
}

// SetStatus changes a stored payment's status.
func (g *Gateway) SetStatus(id, status, detail string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if p, ok := g.payments[id]; ok {
		p.Status, p.StatusDetail = status, detail
	}
}

// Creates returns the recorded create calls.
func (g *Gateway) Creates() []CreateCall {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]CreateCall(nil), g.creates...)
}

// PaymentCount is how many payments the gateway holds.
func (g *Gateway) PaymentCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.payments)
}

// Gets returns how many fetches used token.
func (g *Gateway) Gets(token string) int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.gets[token]
}

func (g *Gateway) create(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	token, ok := g.auth(w, r)
	if !ok {
		return
	}
	var body map[string]any
	dec := json.NewDecoder(r.Body)
	dec.UseNumber()
	if err := dec.Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": err.Error(), "error": "bad_request"})
		return
	}

	g.mu.Lock()
	defer g.mu.Unlock()
	key := r.Header.Get("X-Idempotency-Key")
	g.creates = append(g.creates, CreateCall{Token: token, IdempotencyKey: key, Body: body})
	if g.CreateError != 0 {
		writeJSON(w, g.CreateError, map[string]any{"message": "create failed", "error": "create_failed"})
		return
	}
	if id, ok := g.idem[token+"|"+key]; ok && key != "" {
		writeJSON(w, http.StatusCreated, g.render(g.payments[id]))
		return
	}

	method := fmt.Sprint(body["payment_method_id"])
	status, detail := "approved", "accredited"
	if method == "pix" {
		status, detail = "pending", "pending_waiting_transfer"
	}
	if g.CreateStatus != nil {
		status, detail = g.CreateStatus(method)
	}
	g.nextID++
	p := &GatewayPayment{
		ID:                fmt.Sprint(g.nextID),
		Token:             token,
		Status:            status,
		StatusDetail:      detail,
		ExternalReference: fmt.Sprint(body["external_reference"]),
		Amount:            fmt.Sprint(body["transaction_amount"]),
		MethodID:          method,
	}
	if fee, ok := body["application_fee"]; ok {
		p.ApplicationFee = fmt.Sprint(fee)
	}
	g.payments[p.ID] = p
	if key != "" {
		g.idem[token+"|"+key] = p.ID
	}
	if g.LoseCreates > 0 {
		g.LoseCreates--
		writeJSON(w, http.StatusBadGateway, map[string]any{"message": "upstream timeout", "error": "bad_gateway"})
		return
	}
	writeJSON(w, http.StatusCreated, g.render(p))
}

func (g *Gateway) get(w http.ResponseWriter, r *http.Request) {
	token, ok := g.auth(w, r)
	if !ok {
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/v1/payments/")

	g.mu.Lock()
	defer g.mu.Unlock()
	g.gets[token]++
	p, ok := g.payments[id]
	if !ok || p.Token != token {
		writeJSON(w, http.StatusNotFound, map[string]any{"message": "Payment not found", "error": "not_found"})
		return
	}
	writeJSON(w, http.StatusOK, g.render(p))
}

func (g *Gateway) token(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	grant := r.PostForm.Get("code")
	if r.PostForm.Get("grant_type") == "refresh_token" {
		grant = r.PostForm.Get("refresh_token")
	}
	g.mu.Lock()
	access, ok := g.Tokens[grant]
	g.mu.Unlock()
	if !ok {
		writeJSON(w, http.StatusBadRequest, map[string]any{"message": "invalid_grant", "error": "invalid_grant"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"access_token":  access,
		"refresh_token": "rt-" + access,
		"public_key":    "pk-" + access,
		"user_id":       4242,
		"expires_in":    15552000,
	})
}

func (g *Gateway) auth(w http.ResponseWriter, r *http.Request) (string, bool) {
	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	g.mu.Lock()
	revoked := g.Revoked[token]
	g.mu.Unlock()
	if token == "" || revoked {
		writeJSON(w, http.StatusUnauthorized, map[string]any{"message": "invalid access token", "error": "unauthorized"})
		return "", false
	}
	return token, true
}

func (g *Gateway) render(p *GatewayPayment) map[string]any {
	out := map[string]any{
		"id":                 number(p.ID),
		"status":             p.Status,
		"status_detail":      p.StatusDetail,
		"external_reference": p.ExternalReference,
		"transaction_amount": number(p.Amount),
		"payment_method_id":  p.MethodID,
	}
	if p.MethodID == "pix" {
		td := map[string]any{
			"qr_code":    "00020126580014br.gov.bcb.pix-" + p.ID,
			"ticket_url": "https://gateway.test/pix/" + p.ID,
		}
		if !g.OmitQRImage {
			td["qr_code_base64"] = "iVBORw0KGgoAAAANSUhEUg=="
		}
		out["point_of_interaction"] = map[string]any{"transaction_data": td}
	}
	return out
}

// number renders numeric strings as JSON numbers, like the real gateway.
func number(s string) any {
	if _, err := strconv.ParseFloat(s, 64); err == nil {
		return json.Number(s)
	}
	return s
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	data, _ := json.Marshal(v)
	_, _ = io.WriteString(w, string(data))
}
