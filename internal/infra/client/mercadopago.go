// Package client holds HTTP clients for third-party APIs.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/petgourmet/storefront-api/internal/domain"
	"github.com/petgourmet/storefront-api/internal/infra/resilience"

	"github.com/sony/gobreaker"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.uber.org/zap"
)

var tracer = otel.Tracer("client")

const mercadoPagoService = "mercadopago"

// MercadoPagoClient talks to the MercadoPago REST API.
type MercadoPagoClient struct {
	httpClient  *http.Client
	baseURL     string
	accessToken string
	cb          *gobreaker.CircuitBreaker
	cfg         resilience.Config
	logger      *zap.Logger
}

// NewMercadoPagoClient creates a new MercadoPagoClient.
func NewMercadoPagoClient(httpClient *http.Client, baseURL, accessToken string, cb *gobreaker.CircuitBreaker, cfg resilience.Config, logger *zap.Logger) *MercadoPagoClient {
	return &MercadoPagoClient{
		httpClient:  httpClient,
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		cb:          cb,
		cfg:         cfg,
		logger:      logger,
	}
}

// ============================================================
// Preapprovals (subscriptions)
// ============================================================

func (c *MercadoPagoClient) CreatePreapproval(ctx context.Context, req *domain.PreapprovalRequest) (*domain.Preapproval, error) {
	ctx, span := tracer.Start(ctx, "MercadoPago.CreatePreapproval")
	defer span.End()
	span.SetAttributes(attribute.String("preapproval.external_reference", req.ExternalReference))

	var out domain.Preapproval
	key := idempotencyKey("preapproval", req.ExternalReference)
	if err := c.callWithKey(ctx, http.MethodPost, "/preapproval", key, req, &out, "preapproval", req.ExternalReference); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MercadoPagoClient) GetPreapproval(ctx context.Context, id string) (*domain.Preapproval, error) {
	ctx, span := tracer.Start(ctx, "MercadoPago.GetPreapproval")
	defer span.End()
	span.SetAttributes(attribute.String("preapproval.id", id))

	var out domain.Preapproval
	if err := c.call(ctx, http.MethodGet, "/preapproval/"+url.PathEscape(id), nil, &out, "preapproval", id); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MercadoPagoClient) UpdatePreapprovalStatus(ctx context.Context, id, status string) (*domain.Preapproval, error) {
	ctx, span := tracer.Start(ctx, "MercadoPago.UpdatePreapprovalStatus")
	defer span.End()
	span.SetAttributes(attribute.String("preapproval.id", id), attribute.String("preapproval.status", status))

	var out domain.Preapproval
	body := map[string]string{"status": status}
	if err := c.call(ctx, http.MethodPut, "/preapproval/"+url.PathEscape(id), body, &out, "preapproval", id); err != nil {
		return nil, err
	}
	return &out, nil
}

type preapprovalSearchResponse struct {
	Paging struct {
		Total  int `json:"total"`
		Limit  int `json:"limit"`
		Offset int `json:"offset"`
	} `json:"paging"`
	Results []domain.Preapproval `json:"results"`
}

func (c *MercadoPagoClient) SearchPreapprovals(ctx context.Context, q domain.PreapprovalSearch) ([]domain.Preapproval, error) {
	ctx, span := tracer.Start(ctx, "MercadoPago.SearchPreapprovals")
	defer span.End()

	params := url.Values{}
	if q.ExternalReference != "" {
		params.Set("external_reference", q.ExternalReference)
	}
	if q.PayerEmail != "" {
		params.Set("payer_email", q.PayerEmail)
	}
	if q.Status != "" {
		params.Set("status", q.Status)
	}
	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	params.Set("limit", strconv.Itoa(limit))

	var out preapprovalSearchResponse
	if err := c.call(ctx, http.MethodGet, "/preapproval/search?"+params.Encode(), nil, &out, "preapproval_search", params.Encode()); err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("preapproval.results", len(out.Results)))
	return out.Results, nil
}

// ============================================================
// Payments
// ============================================================

func (c *MercadoPagoClient) GetPayment(ctx context.Context, id string) (*domain.Payment, error) {
	ctx, span := tracer.Start(ctx, "MercadoPago.GetPayment")
	defer span.End()
	span.SetAttributes(attribute.String("payment.id", id))

	var out domain.Payment
	if err := c.call(ctx, http.MethodGet, "/v1/payments/"+url.PathEscape(id), nil, &out, "payment", id); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MercadoPagoClient) GetAuthorizedPayment(ctx context.Context, id string) (*domain.AuthorizedPayment, error) {
	ctx, span := tracer.Start(ctx, "MercadoPago.GetAuthorizedPayment")
	defer span.End()
	span.SetAttributes(attribute.String("authorized_payment.id", id))

	var out domain.AuthorizedPayment
	if err := c.call(ctx, http.MethodGet, "/authorized_payments/"+url.PathEscape(id), nil, &out, "authorized_payment", id); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *MercadoPagoClient) CreatePreference(ctx context.Context, req *domain.PreferenceRequest) (*domain.Preference, error) {
	ctx, span := tracer.Start(ctx, "MercadoPago.CreatePreference")
	defer span.End()
	span.SetAttributes(attribute.String("preference.external_reference", req.ExternalReference))

	var out domain.Preference
	key := idempotencyKey("preference", req.ExternalReference)
	if err := c.callWithKey(ctx, http.MethodPost, "/checkout/preferences", key, req, &out, "preference", req.ExternalReference); err != nil {
		return nil, err
	}
	return &out, nil
}

// ============================================================
// transport
// ============================================================

// call runs one API request through the circuit breaker with retries and
// decodes the JSON response into out. A 404 becomes *domain.ErrNotFound;
// other failures are wrapped in *domain.ErrExternalService.
func (c *MercadoPagoClient) call(ctx context.Context, method, path string, payload, out any, resource, id string) error {
	return c.callWithKey(ctx, method, path, "", payload, out, resource, id)
}

// idempotencyKey derives a stable X-Idempotency-Key for a create call, so
// a retried POST returns the resource made by the first attempt.
func idempotencyKey(kind, externalReference string) string {
	if externalReference == "" {
		return ""
	}
	return kind + "-" + externalReference
}

// callWithKey is call with an optional X-Idempotency-Key, sent unchanged on
// every retry.
func (c *MercadoPagoClient) callWithKey(ctx context.Context, method, path, key string, payload, out any, resource, id string) error {
	_, err := c.cb.Execute(func() (any, error) {
		return nil, resilience.RetryWithBackoff(ctx, c.cfg, func() error {
			return c.send(ctx, method, path, key, payload, out, resource, id)
		})
	})
	if err == nil {
		return nil
	}

	var notFound *domain.ErrNotFound
	if errors.As(err, &notFound) {
		return notFound
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.ErrCircuitOpen{Service: mercadoPagoService}
	}
	c.logger.Warn("mercadopago: request failed",
		zap.String("method", method),
		zap.String("path", path),
		zap.Error(err),
	)
	return &domain.ErrExternalService{Service: mercadoPagoService, Err: err}
}

func (c *MercadoPagoClient) send(ctx context.Context, method, path, key string, payload, out any, resource, id string) error {
	var reader io.Reader
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return resilience.Permanent(err)
		}
		reader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return resilience.Permanent(err)
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if key != "" {
		req.Header.Set("X-Idempotency-Key", key)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode == http.StatusNotFound {
		return resilience.Permanent(&domain.ErrNotFound{Resource: resource, ID: id})
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		statusErr := &domain.ErrUpstreamStatus{Service: mercadoPagoService, StatusCode: resp.StatusCode, Body: truncate(string(body), 512)}
		if !statusErr.Retryable() {
			return resilience.Permanent(statusErr)
		}
		return statusErr
	}

	if out == nil || len(body) == 0 {
		return nil
	}
	if err := json.Unmarshal(body, out); err != nil {
		return resilience.Permanent(fmt.Errorf("decode %s: %w", resource, err))
	}
	return nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
