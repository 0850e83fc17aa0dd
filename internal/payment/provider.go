package payment

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/mooose/corrector/internal/config"
)

var ErrUpstream = errors.New("payment: mercado pago request failed")

const maxProviderResponseBytes = 1 << 20

// PreferenceRequest describes a checkout preference for one credit package.
type PreferenceRequest struct {
	Items             []PreferenceItem `json:"items"`
	ExternalReference string           `json:"external_reference"`
	Metadata          map[string]any   `json:"metadata,omitempty"`
	NotificationURL   string           `json:"notification_url,omitempty"`
	BackURLs          *BackURLs        `json:"back_urls,omitempty"`
	AutoReturn        string           `json:"auto_return,omitempty"`
}

type PreferenceItem struct {
	Title      string  `json:"title"`
	Quantity   int     `json:"quantity"`
	UnitPrice  float64 `json:"unit_price"`
	CurrencyID string  `json:"currency_id"`
}

type BackURLs struct {
	Success string `json:"success,omitempty"`
	Failure string `json:"failure,omitempty"`
	Pending string `json:"pending,omitempty"`
}

// Preference is the subset of the create-preference response we use.
type Preference struct {
	ID               string `json:"id"`
	InitPoint        string `json:"init_point"`
	SandboxInitPoint string `json:"sandbox_init_point"`
}

// CheckoutURL prefers the sandbox link when the credentials are test ones.
func (p *Preference) CheckoutURL() string {
	if p.SandboxInitPoint != "" {
		return p.SandboxInitPoint
	}
	return p.InitPoint
}

// ProviderPayment is the authoritative payment record fetched from the
// provider API, kept alongside its raw body for the settlement ledger.
type ProviderPayment struct {
	ID                json.Number `json:"id"`
	Status            string      `json:"status"`
	StatusDetail      string      `json:"status_detail"`
	ExternalReference string      `json:"external_reference"`
	PreferenceID      string      `json:"preference_id"`
	Order             struct {
		ID json.Number `json:"id"`
	} `json:"order"`
	Metadata map[string]any `json:"metadata"`

	Raw json.RawMessage `json:"-"`
}

// PreferenceOf returns the order id when present, the flat field otherwise.
func (p *ProviderPayment) PreferenceOf() string {
	if p.Order.ID != "" {
		return p.Order.ID.String()
	}
	return p.PreferenceID
}

// Provider talks to the Mercado Pago REST API.
type Provider interface {
	CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error)
	GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error)
}

type HTTPProvider struct {
	log         *zap.Logger
	client      *http.Client
	baseURL     string
	accessToken string
}

func NewHTTPProvider(log *zap.Logger, cfg config.Config) *HTTPProvider {
	return &HTTPProvider{
		log:         log.Named("mercadopago"),
		client:      &http.Client{Timeout: cfg.MercadoPago.RequestTimeout},
		baseURL:     cfg.MercadoPago.APIBaseURL,
		accessToken: cfg.MercadoPago.AccessToken,
	}
}

func (p *HTTPProvider) CreatePreference(ctx context.Context, req PreferenceRequest) (*Preference, error) {
	body, err := p.do(ctx, http.MethodPost, "/checkout/preferences", req)
	if err != nil {
		return nil, err
	}
	var pref Preference
	if err := json.Unmarshal(body, &pref); err != nil {
		return nil, fmt.Errorf("%w: decode preference: %v", ErrUpstream, err)
	}
	return &pref, nil
}

func (p *HTTPProvider) GetPayment(ctx context.Context, paymentID string) (*ProviderPayment, error) {
	body, err := p.do(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(paymentID), nil)
	if err != nil {
		return nil, err
	}
	var pay ProviderPayment
	if err := json.Unmarshal(body, &pay); err != nil {
		return nil, fmt.Errorf("%w: decode payment: %v", ErrUpstream, err)
	}
	pay.Raw = body
	return &pay, nil
}

func (p *HTTPProvider) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var reqBody io.Reader
	if payload != nil {
		encoded, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		reqBody = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, p.baseURL+path, reqBody)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.accessToken)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUpstream, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxProviderResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read body: %v", ErrUpstream, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		p.log.Warn("mercado pago request failed",
			zap.String("path", path),
			zap.Int("status", resp.StatusCode))
		return nil, fmt.Errorf("%w: status %d", ErrUpstream, resp.StatusCode)
	}
	return body, nil
}
