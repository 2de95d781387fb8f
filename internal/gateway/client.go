// Package gateway is an HTTP client for the payment gateway's payments and
// OAuth APIs.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
)

// DefaultTimeout bounds every gateway call.
const DefaultTimeout = 10 * time.Second

// Config configures a Client.
type Config struct {
	BaseURL      string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Timeout      time.Duration
}

// Client talks to the gateway. Payment calls authenticate with the seller's
// access token; OAuth calls use the platform application credentials.
type Client struct {
	baseURL      string
	clientID     string
	clientSecret string
	redirectURI  string
	httpClient   *http.Client
}

// NewClient creates a gateway client.
func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		clientID:     cfg.ClientID,
		clientSecret: cfg.ClientSecret,
		redirectURI:  cfg.RedirectURI,
		httpClient:   &http.Client{Timeout: timeout},
	}
}

type payerBody struct {
	Email          string              `json:"email,omitempty"`
	FirstName      string              `json:"first_name,omitempty"`
	LastName       string              `json:"last_name,omitempty"`
	Identification *identificationBody `json:"identification,omitempty"`
}

type identificationBody struct {
	Type   string `json:"type"`
	Number string `json:"number"`
}

type createPaymentBody struct {
	TransactionAmount json.Number `json:"transaction_amount"`
	ApplicationFee    json.Number `json:"application_fee,omitempty"`
	Description       string      `json:"description,omitempty"`
	ExternalReference string      `json:"external_reference"`
	NotificationURL   string      `json:"notification_url,omitempty"`
	PaymentMethodID   string      `json:"payment_method_id"`
	Token             string      `json:"token,omitempty"`
	Installments      int         `json:"installments,omitempty"`
	IssuerID          string      `json:"issuer_id,omitempty"`
	Payer             payerBody   `json:"payer"`
}

// CreatePayment creates a payment on the seller account owning accessToken.
func (c *Client) CreatePayment(ctx context.Context, accessToken string, req PaymentRequest) (*Payment, error) {
	body := createPaymentBody{
		TransactionAmount: json.Number(req.Amount.StringFixed(2)),
		Description:       req.Description,
		ExternalReference: req.ExternalReference,
		NotificationURL:   req.NotificationURL,
		PaymentMethodID:   req.MethodID,
		Token:             req.CardToken,
		Installments:      req.Installments,
		IssuerID:          req.IssuerID,
		Payer: payerBody{
			Email:     req.Payer.Email,
			FirstName: req.Payer.FirstName,
			LastName:  req.Payer.LastName,
		},
	}
	if req.ApplicationFee.IsPositive() {
		body.ApplicationFee = json.Number(req.ApplicationFee.StringFixed(2))
	}
	if req.Payer.IdentificationNumber != "" {
		body.Payer.Identification = &identificationBody{
			Type:   req.Payer.IdentificationType,
			Number: req.Payer.IdentificationNumber,
		}
	}
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("gateway: marshal payment: %w", err)
	}

	headers := map[string]string{"Authorization": "Bearer " + accessToken}
	if req.IdempotencyKey != "" {
		headers["X-Idempotency-Key"] = req.IdempotencyKey
	}
	resp, err := c.do(ctx, http.MethodPost, "/v1/payments", "application/json", bytes.NewReader(payload), headers)
	if err != nil {
		return nil, err
	}
	return parsePayment(resp)
}

// GetPayment fetches a payment by id. ErrPaymentNotFound means the payment
// does not belong to the account owning accessToken.
func (c *Client) GetPayment(ctx context.Context, accessToken, paymentID string) (*Payment, error) {
	if paymentID == "" {
		return nil, ErrPaymentNotFound
	}
	headers := map[string]string{"Authorization": "Bearer " + accessToken}
	resp, err := c.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), "", nil, headers)
	if err != nil {
		return nil, err
	}
	return parsePayment(resp)
}

// ExchangeCode trades an OAuth authorization code for a seller token.
func (c *Client) ExchangeCode(ctx context.Context, code string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"authorization_code"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"code":          {code},
		"redirect_uri":  {c.redirectURI},
	}
	return c.token(ctx, form)
}

// RefreshToken renews a seller token.
func (c *Client) RefreshToken(ctx context.Context, refreshToken string) (*Token, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"client_id":     {c.clientID},
		"client_secret": {c.clientSecret},
		"refresh_token": {refreshToken},
	}
	return c.token(ctx, form)
}

func (c *Client) token(ctx context.Context, form url.Values) (*Token, error) {
	resp, err := c.do(ctx, http.MethodPost, "/oauth/token", "application/x-www-form-urlencoded", strings.NewReader(form.Encode()), nil)
	if err != nil {
		return nil, err
	}
	if !gjson.ValidBytes(resp) {
		return nil, fmt.Errorf("gateway: invalid token response")
	}
	r := gjson.ParseBytes(resp)
	tok := &Token{
		AccessToken:  r.Get("access_token").String(),
		RefreshToken: r.Get("refresh_token").String(),
		PublicKey:    r.Get("public_key").String(),
		UserID:       r.Get("user_id").String(),
		ExpiresIn:    time.Duration(r.Get("expires_in").Int()) * time.Second,
	}
	if tok.AccessToken == "" {
		return nil, fmt.Errorf("gateway: token response without access_token")
	}
	return tok, nil
}

func parsePayment(body []byte) (*Payment, error) {
	if !gjson.ValidBytes(body) {
		return nil, fmt.Errorf("gateway: invalid payment response")
	}
	r := gjson.ParseBytes(body)
	id := r.Get("id").String()
	if id == "" {
		return nil, fmt.Errorf("gateway: payment response without id")
	}
	amount, err := decimal.NewFromString(r.Get("transaction_amount").String())
	if err != nil {
		amount = decimal.Zero
	}
	p := &Payment{
		ID:                id,
		Status:            Status(r.Get("status").String()),
		StatusDetail:      r.Get("status_detail").String(),
		ExternalReference: r.Get("external_reference").String(),
		Amount:            amount,
		MethodID:          r.Get("payment_method_id").String(),
	}
	if td := r.Get("point_of_interaction.transaction_data"); td.Exists() {
		p.PIX = &PIXData{
			QRCode:       td.Get("qr_code").String(),
			QRCodeBase64: td.Get("qr_code_base64").String(),
			TicketURL:    td.Get("ticket_url").String(),
		}
	}
	return p, nil
}

// do performs a request and classifies failures into the package errors.
func (c *Client) do(ctx context.Context, method, path, contentType string, body io.Reader, headers map[string]string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("gateway: create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrTransient, err)
	}

	switch {
	case resp.StatusCode < 300:
		return respBody, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("%w: HTTP %d", ErrTransient, resp.StatusCode)
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, fmt.Errorf("%w: HTTP %d", ErrUnauthorized, resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %s", ErrPaymentNotFound, path)
	default:
		return nil, rejection(resp.StatusCode, respBody)
	}
}

func rejection(status int, body []byte) error {
	r := gjson.ParseBytes(body)
	msg := r.Get("message").String()
	if d := r.Get("cause.0.description").String(); d != "" {
		msg = d
	}
	if msg == "" {
		msg = http.StatusText(status)
	}
	code := r.Get("error").String()
	if c := r.Get("cause.0.code").String(); c != "" {
		code = c
	}
	return &RejectionError{StatusCode: status, Code: code, Message: msg}
}
