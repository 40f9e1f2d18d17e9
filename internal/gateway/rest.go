package gateway

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// ErrUnavailable marks transport-level and provider-side failures. No local
// state is written when a call fails with it, so retrying is always safe.
var ErrUnavailable = errors.New("payment gateway unavailable")

// RESTClient implements Client against a PayPal-style orders API: client
// credentials exchanged for a cached bearer token, then JSON calls under
// /v2/checkout and /v2/payments.
type RESTClient struct {
	baseURL      string
	clientID     string
	clientSecret string
	http         *http.Client

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

func NewRESTClient(baseURL, clientID, clientSecret string) *RESTClient {
	return &RESTClient{
		baseURL:      baseURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		http:         &http.Client{Timeout: 15 * time.Second},
	}
}

func (c *RESTClient) accessToken(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.token != "" && time.Now().Before(c.tokenExpiry) {
		return c.token, nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+"/v1/oauth2/token", bytes.NewBufferString("grant_type=client_credentials"))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	basic := base64.StdEncoding.EncodeToString([]byte(c.clientID + ":" + c.clientSecret))
	req.Header.Set("Authorization", "Basic "+basic)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: token endpoint returned %d", ErrUnavailable, resp.StatusCode)
	}

	var body struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int    `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("%w: decoding token response: %v", ErrUnavailable, err)
	}

	c.token = body.AccessToken
	// Refresh one minute early so in-flight calls never race expiry.
	c.tokenExpiry = time.Now().Add(time.Duration(body.ExpiresIn-60) * time.Second)
	return c.token, nil
}

func (c *RESTClient) do(ctx context.Context, method, path string, payload, out any) error {
	token, err := c.accessToken(ctx)
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	if payload != nil {
		if err := json.NewEncoder(&buf).Encode(payload); err != nil {
			return fmt.Errorf("encoding gateway request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%w: %s %s returned %d", ErrUnavailable, method, path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: decoding gateway response: %v", ErrUnavailable, err)
		}
	}
	return nil
}

type orderResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Links  []struct {
		Rel  string `json:"rel"`
		Href string `json:"href"`
	} `json:"links"`
	PurchaseUnits []struct {
		Payments struct {
			Captures []struct {
				ID     string `json:"id"`
				Status string `json:"status"`
			} `json:"captures"`
		} `json:"payments"`
	} `json:"purchase_units"`
}

func (r *orderResponse) approvalURL() string {
	for _, l := range r.Links {
		if l.Rel == "approve" {
			return l.Href
		}
	}
	return ""
}

func (c *RESTClient) CreateOrder(ctx context.Context, amount decimal.Decimal, currency, reference string) (*Order, error) {
	payload := map[string]any{
		"intent": "CAPTURE",
		"purchase_units": []map[string]any{{
			"reference_id": reference,
			"amount": map[string]string{
				"currency_code": currency,
				"value":         amount.StringFixed(2),
			},
		}},
	}

	var resp orderResponse
	if err := c.do(ctx, http.MethodPost, "/v2/checkout/orders", payload, &resp); err != nil {
		return nil, err
	}
	return &Order{ID: resp.ID, Status: OrderStatus(resp.Status), ApprovalURL: resp.approvalURL()}, nil
}

func (c *RESTClient) CaptureOrder(ctx context.Context, orderID string) (*Capture, error) {
	var resp orderResponse
	path := fmt.Sprintf("/v2/checkout/orders/%s/capture", orderID)
	if err := c.do(ctx, http.MethodPost, path, struct{}{}, &resp); err != nil {
		return nil, err
	}

	capture := &Capture{Status: OrderStatus(resp.Status)}
	for _, pu := range resp.PurchaseUnits {
		for _, cp := range pu.Payments.Captures {
			capture.CaptureID = cp.ID
		}
	}
	if capture.Status == OrderCompleted && capture.CaptureID == "" {
		return nil, fmt.Errorf("%w: capture response for order %s carried no capture id", ErrUnavailable, orderID)
	}
	return capture, nil
}

func (c *RESTClient) GetOrder(ctx context.Context, orderID string) (*Order, error) {
	var resp orderResponse
	if err := c.do(ctx, http.MethodGet, "/v2/checkout/orders/"+orderID, nil, &resp); err != nil {
		return nil, err
	}
	return &Order{ID: resp.ID, Status: OrderStatus(resp.Status), ApprovalURL: resp.approvalURL()}, nil
}

func (c *RESTClient) RefundCapture(ctx context.Context, captureID string, amount decimal.Decimal, currency, reason string) (*Refund, error) {
	payload := map[string]any{
		"amount": map[string]string{
			"currency_code": currency,
			"value":         amount.StringFixed(2),
		},
		"note_to_payer": reason,
	}

	var resp struct {
		ID     string `json:"id"`
		Status string `json:"status"`
	}
	path := fmt.Sprintf("/v2/payments/captures/%s/refund", captureID)
	if err := c.do(ctx, http.MethodPost, path, payload, &resp); err != nil {
		return nil, err
	}
	return &Refund{RefundID: resp.ID, Status: OrderStatus(resp.Status)}, nil
}
