package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mbd888/sagapay/internal/payment"
	"github.com/mbd888/sagapay/internal/security"
)

// PayPalClient processes payments through the PayPal Orders API.
type PayPalClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	webhookID    string
	http         *http.Client

	mu          sync.Mutex
	accessToken string
	tokenExpiry time.Time
}

// NewPayPalClient creates a PayPal-backed payment client.
func NewPayPalClient(baseURL, clientID, clientSecret string) *PayPalClient {
	return &PayPalClient{
		baseURL:      strings.TrimRight(baseURL, "/"),
		clientID:     clientID,
		clientSecret: clientSecret,
		http: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// WithWebhookID sets the webhook ID used for transmission verification.
func (p *PayPalClient) WithWebhookID(id string) *PayPalClient {
	p.webhookID = id
	return p
}

func (p *PayPalClient) Name() string { return "paypal" }

// VerifyTransmission checks a webhook delivery against PayPal's
// verification API. Satisfies the ingest layer's cert-verifier
// collaborator.
func (p *PayPalClient) VerifyTransmission(ctx context.Context, payload []byte, headers http.Header) error {
	certURL := headers.Get("Paypal-Cert-Url")
	if err := security.ValidateEndpointURL(certURL); err != nil {
		return fmt.Errorf("cert url rejected: %w", err)
	}
	if u, err := url.Parse(certURL); err != nil || !strings.HasSuffix(u.Hostname(), ".paypal.com") {
		return errors.New("cert url host is not paypal.com")
	}

	body := map[string]any{
		"auth_algo":         headers.Get("Paypal-Auth-Algo"),
		"cert_url":          certURL,
		"transmission_id":   headers.Get("Paypal-Transmission-Id"),
		"transmission_sig":  headers.Get("Paypal-Transmission-Sig"),
		"transmission_time": headers.Get("Paypal-Transmission-Time"),
		"webhook_id":        p.webhookID,
		"webhook_event":     json.RawMessage(payload),
	}

	var verdict struct {
		VerificationStatus string `json:"verification_status"`
	}
	if err := p.do(ctx, http.MethodPost, "/v1/notifications/verify-webhook-signature", body, nil, &verdict); err != nil {
		return err
	}
	if verdict.VerificationStatus != "SUCCESS" {
		return fmt.Errorf("verification status %s", verdict.VerificationStatus)
	}
	return nil
}

// Initiate creates an order and returns its approval URL for the payer.
func (p *PayPalClient) Initiate(ctx context.Context, req *payment.Request) (*InitiateResult, error) {
	body := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{
			{
				"reference_id": req.ID,
				"custom_id":    req.UserID,
				"amount": map[string]string{
					"currency_code": strings.ToUpper(req.Currency),
					"value":         req.Amount,
				},
			},
		},
	}

	var order struct {
		ID     string `json:"id"`
		Status string `json:"status"`
		Links  []struct {
			Href string `json:"href"`
			Rel  string `json:"rel"`
		} `json:"links"`
	}
	headers := map[string]string{}
	if req.IdempotencyKey != "" {
		headers["PayPal-Request-Id"] = req.IdempotencyKey
	}
	if err := p.do(ctx, http.MethodPost, "/v2/checkout/orders", body, headers, &order); err != nil {
		return nil, err
	}

	approvalURL := ""
	for _, link := range order.Links {
		if link.Rel == "approve" {
			approvalURL = link.Href
			break
		}
	}

	return &InitiateResult{
		PaymentID:   order.ID,
		ClientToken: approvalURL,
		Status:      strings.ToLower(order.Status),
	}, nil
}

// Confirm captures an approved order.
func (p *PayPalClient) Confirm(ctx context.Context, paymentID string, confirmation map[string]string) (*ConfirmResult, error) {
	var capture struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	path := "/v2/checkout/orders/" + url.PathEscape(paymentID) + "/capture"
	if err := p.do(ctx, http.MethodPost, path, map[string]any{}, nil, &capture); err != nil {
		return nil, err
	}

	return &ConfirmResult{
		PaymentID:   capture.ID,
		Status:      strings.ToLower(capture.Status),
		ProviderRef: capture.ID,
	}, nil
}

// Void voids the authorization behind an uncaptured order. An order that
// was already voided is a no-op.
func (p *PayPalClient) Void(ctx context.Context, paymentID string) error {
	path := "/v2/payments/authorizations/" + url.PathEscape(paymentID) + "/void"
	err := p.do(ctx, http.MethodPost, path, nil, nil, nil)
	var pe *Error
	if errors.As(err, &pe) && pe.Code == "ORDER_ALREADY_VOIDED" {
		return nil
	}
	return err
}

// Refund refunds a captured payment, partially if amount is set.
func (p *PayPalClient) Refund(ctx context.Context, paymentID, amount string) error {
	body := map[string]any{}
	if amount != "" {
		body["amount"] = map[string]string{
			"currency_code": "USD",
			"value":         amount,
		}
	}
	path := "/v2/payments/captures/" + url.PathEscape(paymentID) + "/refund"
	return p.do(ctx, http.MethodPost, path, body, nil, nil)
}

// do issues an authenticated JSON request and decodes the response into out.
func (p *PayPalClient) do(ctx context.Context, method, path string, body any, headers map[string]string, out any) error {
	token, err := p.token(ctx)
	if err != nil {
		return err
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return &Error{Provider: "paypal", Code: "marshal_failed", Err: err}
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reader)
	if err != nil {
		return &Error{Provider: "paypal", Code: "request_failed", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := p.http.Do(req)
	if err != nil {
		return &Error{Provider: "paypal", Code: "network_error", Transient: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Name    string `json:"name"`
			Message string `json:"message"`
		}
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<16))
		_ = json.Unmarshal(raw, &apiErr)
		code := apiErr.Name
		if code == "" {
			code = fmt.Sprintf("http_%d", resp.StatusCode)
		}
		return &Error{
			Provider:  "paypal",
			Code:      code,
			Transient: resp.StatusCode >= 500 || resp.StatusCode == 429,
			Err:       fmt.Errorf("status %d: %s", resp.StatusCode, apiErr.Message),
		}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return &Error{Provider: "paypal", Code: "decode_failed", Err: err}
		}
	}
	return nil
}

// token returns a cached OAuth access token, refreshing when expired.
func (p *PayPalClient) token(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.accessToken != "" && time.Now().Before(p.tokenExpiry) {
		return p.accessToken, nil
	}

	form := strings.NewReader("grant_type=client_credentials")
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.baseURL+"/v1/oauth2/token", form)
	if err != nil {
		return "", &Error{Provider: "paypal", Code: "token_request_failed", Err: err}
	}
	req.SetBasicAuth(p.clientID, p.clientSecret)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.http.Do(req)
	if err != nil {
		return "", &Error{Provider: "paypal", Code: "token_network_error", Transient: true, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return "", &Error{
			Provider:  "paypal",
			Code:      fmt.Sprintf("token_http_%d", resp.StatusCode),
			Transient: resp.StatusCode >= 500,
			Err:       errors.New("token request rejected"),
		}
	}

	var tok struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&tok); err != nil {
		return "", &Error{Provider: "paypal", Code: "token_decode_failed", Err: err}
	}

	p.accessToken = tok.AccessToken
	// Refresh a minute early to avoid using a token at the expiry edge.
	p.tokenExpiry = time.Now().Add(time.Duration(tok.ExpiresIn)*time.Second - time.Minute)
	return p.accessToken, nil
}
