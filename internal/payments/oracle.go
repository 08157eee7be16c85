package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strconv"
	"time"

	"github.com/imattau/fed-AI-sub000/internal/protocol"
)

// RetryPolicy bounds oracle retries: exponential backoff with jitter.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetry is the finite default applied when config leaves retries unset.
var DefaultRetry = RetryPolicy{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond, MaxDelay: 2 * time.Second}

func (p RetryPolicy) delay(attempt int) time.Duration {
	d := p.BaseDelay << uint(attempt)
	if d > p.MaxDelay {
		d = p.MaxDelay
	}
	// Full jitter keeps concurrent retries from aligning.
	return time.Duration(rand.Int63n(int64(d) + 1))
}

// InvoiceRequest is the body POSTed to the invoice oracle.
type InvoiceRequest struct {
	RequestID  string                  `json:"requestId"`
	PayeeID    string                  `json:"payeeId"`
	AmountSats int64                   `json:"amountSats"`
	Splits     []protocol.PaymentSplit `json:"splits,omitempty"`
}

// InvoiceResponse is the oracle's answer.
type InvoiceResponse struct {
	Invoice     string `json:"invoice"`
	PaymentHash string `json:"paymentHash,omitempty"`
	ExpiresAtMs int64  `json:"expiresAtMs,omitempty"`
}

// VerifyRequest asks the oracle whether an invoice was settled.
type VerifyRequest struct {
	Invoice     string `json:"invoice,omitempty"`
	PaymentHash string `json:"paymentHash,omitempty"`
	Preimage    string `json:"preimage,omitempty"`
	AmountSats  int64  `json:"amountSats"`
	PayeeID     string `json:"payeeId"`
	RequestID   string `json:"requestId"`
}

// VerifyResponse is the oracle's settlement verdict.
type VerifyResponse struct {
	Paid        bool   `json:"paid"`
	SettledAtMs int64  `json:"settledAtMs,omitempty"`
	Detail      string `json:"detail,omitempty"`
}

// InvoiceClient talks to the external invoice oracle.
type InvoiceClient struct {
	url    string
	client *http.Client
	retry  RetryPolicy
}

func NewInvoiceClient(url string, timeout time.Duration, retry RetryPolicy) *InvoiceClient {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetry
	}
	return &InvoiceClient{
		url:    url,
		client: &http.Client{Timeout: timeout},
		retry:  retry,
	}
}

func (c *InvoiceClient) CreateInvoice(ctx context.Context, req InvoiceRequest) (*InvoiceResponse, error) {
	idem := req.RequestID + "|" + req.PayeeID + "|" + strconv.FormatInt(req.AmountSats, 10)
	var out InvoiceResponse
	if err := postJSON(ctx, c.client, c.url, idem, req, &out, c.retry); err != nil {
		return nil, fmt.Errorf("invoice oracle: %w", err)
	}
	if out.Invoice == "" {
		return nil, fmt.Errorf("invoice oracle: empty invoice")
	}
	return &out, nil
}

// VerifyClient talks to the external payment verification oracle.
type VerifyClient struct {
	url             string
	client          *http.Client
	retry           RetryPolicy
	requirePreimage bool
}

func NewVerifyClient(url string, timeout time.Duration, retry RetryPolicy, requirePreimage bool) *VerifyClient {
	if retry.MaxAttempts <= 0 {
		retry = DefaultRetry
	}
	return &VerifyClient{
		url:             url,
		client:          &http.Client{Timeout: timeout},
		retry:           retry,
		requirePreimage: requirePreimage,
	}
}

// RequirePreimage reports whether receipts must carry a preimage before
// verification is attempted.
func (c *VerifyClient) RequirePreimage() bool { return c.requirePreimage }

func (c *VerifyClient) Verify(ctx context.Context, req VerifyRequest) (*VerifyResponse, error) {
	idem := req.RequestID + "|" + req.PayeeID + "|" + strconv.FormatInt(req.AmountSats, 10)
	var out VerifyResponse
	if err := postJSON(ctx, c.client, c.url, idem, req, &out, c.retry); err != nil {
		return nil, fmt.Errorf("verify oracle: %w", err)
	}
	return &out, nil
}

// postJSON POSTs a JSON body with bounded retries. Only transport errors and
// 5xx responses are retried; a 4xx is a terminal oracle answer.
func postJSON(ctx context.Context, client *http.Client, url, idemKey string, in, out interface{}, retry RetryPolicy) error {
	body, err := json.Marshal(in)
	if err != nil {
		return err
	}
	var lastErr error
	for attempt := 0; attempt < retry.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(retry.delay(attempt - 1)):
			}
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
		if err != nil {
			return err
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("X-Idempotency-Key", idemKey)

		resp, err := client.Do(req)
		if err != nil {
			lastErr = err
			continue
		}
		data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close() //nolint:errcheck
		if err != nil {
			lastErr = err
			continue
		}
		if resp.StatusCode >= 500 {
			lastErr = fmt.Errorf("oracle status %d", resp.StatusCode)
			continue
		}
		if resp.StatusCode >= 400 {
			return fmt.Errorf("oracle status %d: %s", resp.StatusCode, string(data))
		}
		return json.Unmarshal(data, out)
	}
	return lastErr
}
