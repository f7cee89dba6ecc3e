package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

const defaultNotchPayBaseURL = "https://api.notchpay.co"

type NotchPayConfig struct {
	BaseURL    string
	PublicKey  string
	SecretKey  string
	HTTPClient *http.Client
	Timeout    time.Duration
	Observer   Observer
	Logger     zerolog.Logger
}

// NotchPayProvider talks to the NotchPay REST API.
type NotchPayProvider struct {
	baseURL   string
	publicKey string
	secretKey string
	client    *http.Client
	observer  Observer
	log       zerolog.Logger
}

func NewNotchPay(cfg NotchPayConfig) *NotchPayProvider {
	baseURL := strings.TrimRight(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = defaultNotchPayBaseURL
	}
	client := cfg.HTTPClient
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	obs := cfg.Observer
	if obs == nil {
		obs = noopObserver{}
	}
	return &NotchPayProvider{
		baseURL:   baseURL,
		publicKey: cfg.PublicKey,
		secretKey: cfg.SecretKey,
		client:    client,
		observer:  obs,
		log:       cfg.Logger.With().Str("provider", "notchpay").Logger(),
	}
}

func (p *NotchPayProvider) Name() string { return "notchpay" }

type notchInitReq struct {
	Email       string `json:"email,omitempty"`
	Amount      int64  `json:"amount"`
	Currency    string `json:"currency"`
	Reference   string `json:"reference"`
	Description string `json:"description,omitempty"`
	Callback    string `json:"callback,omitempty"`
	Phone       string `json:"phone,omitempty"`
	Name        string `json:"name,omitempty"`
}

type notchTransaction struct {
	Reference        string          `json:"reference"`
	MerchantRef      string          `json:"merchant_reference"`
	Trxref           string          `json:"trxref"`
	Status           string          `json:"status"`
	Amount           interface{}     `json:"amount"`
	Currency         string          `json:"currency"`
	AuthorizationURL string          `json:"authorization_url"`
	URL              string          `json:"url"`
	Customer         json.RawMessage `json:"customer,omitempty"`
}

type notchEnvelope struct {
	Message          string           `json:"message"`
	Transaction      notchTransaction `json:"transaction"`
	AuthorizationURL string           `json:"authorization_url"`
}

func (p *NotchPayProvider) InitializeCharge(ctx context.Context, req ChargeRequest) (*ChargeResponse, error) {
	payload := notchInitReq{
		Email:       req.Customer.Email,
		Amount:      req.MinorAmount,
		Currency:    req.Currency,
		Reference:   req.MerchantReference,
		Description: req.Description,
		Callback:    req.CallbackURL,
		Phone:       req.Customer.Phone,
		Name:        req.Customer.Name,
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	p.log.Debug().
		Str("merchant_reference", req.MerchantReference).
		Int64("amount", req.MinorAmount).
		Str("currency", req.Currency).
		Msg("initializing charge")

	env, raw, err := p.do(ctx, "initialize", http.MethodPost, "/payments/initialize", body)
	if err != nil {
		return nil, err
	}

	out := &ChargeResponse{
		ProviderReference: env.Transaction.Reference,
		CheckoutURL:       firstNonEmpty(env.AuthorizationURL, env.Transaction.AuthorizationURL, env.Transaction.URL),
		Status:            NormalizeStatus(env.Transaction.Status),
		Raw:               raw,
	}
	if out.CheckoutURL == "" {
		return nil, fmt.Errorf("%w: initialize response has no checkout url", ErrProviderAPI)
	}
	return out, nil
}

func (p *NotchPayProvider) GetStatus(ctx context.Context, reference string) (*StatusReport, error) {
	env, raw, err := p.do(ctx, "status", http.MethodGet, "/payments/"+url.PathEscape(reference), nil)
	if err != nil {
		return nil, err
	}
	tx := env.Transaction
	report := &StatusReport{
		ProviderReference: tx.Reference,
		MerchantReference: firstNonEmpty(tx.MerchantRef, tx.Trxref),
		Status:            NormalizeStatus(tx.Status),
		RawStatus:         tx.Status,
		Currency:          strings.ToUpper(tx.Currency),
		Raw:               raw,
	}
	if amt, ok := firstNumber([]map[string]interface{}{{"amount": tx.Amount}}, "amount"); ok {
		report.MinorAmount = amt
	}
	return report, nil
}

func (p *NotchPayProvider) do(ctx context.Context, endpoint, method, path string, body []byte) (*notchEnvelope, map[string]interface{}, error) {
	var rdr io.Reader
	if body != nil {
		rdr = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, rdr)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", p.publicKey)
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if p.secretKey != "" {
		req.Header.Set("X-Grant", p.secretKey)
	}

	start := time.Now()
	resp, err := p.client.Do(req)
	if err != nil {
		p.observer.ObserveCall(endpoint, "error", time.Since(start))
		return nil, nil, fmt.Errorf("%w: %s: %v", ErrProviderAPI, endpoint, err)
	}
	defer resp.Body.Close()
	p.observer.ObserveCall(endpoint, strconv.Itoa(resp.StatusCode), time.Since(start))

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: read %s response: %v", ErrProviderAPI, endpoint, err)
	}
	p.log.Debug().Str("endpoint", endpoint).Int("status", resp.StatusCode).Msg("provider response")

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil, ErrNotFound
	}
	if isRejection(resp.StatusCode) {
		return nil, nil, fmt.Errorf("%w: %w: %s returned %d: %s", ErrProviderAPI, ErrProviderRejected, endpoint, resp.StatusCode, truncate(string(respBody), 256))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, nil, fmt.Errorf("%w: %s returned %d: %s", ErrProviderAPI, endpoint, resp.StatusCode, truncate(string(respBody), 256))
	}

	var env notchEnvelope
	dec := json.NewDecoder(bytes.NewReader(respBody))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return nil, nil, fmt.Errorf("%w: decode %s response: %v", ErrProviderAPI, endpoint, err)
	}
	var raw map[string]interface{}
	_ = json.Unmarshal(respBody, &raw)
	return &env, raw, nil
}

// isRejection reports whether code means the provider refused the request for
// good. Timeouts and throttling are not rejections.
func isRejection(code int) bool {
	if code < 400 || code >= 500 {
		return false
	}
	switch code {
	case http.StatusNotFound, http.StatusRequestTimeout, http.StatusTooManyRequests:
		return false
	}
	return true
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
