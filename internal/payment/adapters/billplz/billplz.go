// Package billplz implements the Billplz v3 bill API and its X-Signature
// verification for callbacks and return redirects.
package billplz

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	paymentdomain "github.com/smallbiznis/bookpay/internal/payment/domain"
)

const (
	ProviderName = "billplz"

	defaultTimeout = 10 * time.Second
	paidAtLayout   = "2006-01-02 15:04:05 -0700"
	maxErrorBody   = 4 << 10
)

// Keys covered by the callback X-Signature.
var webhookSignedKeys = []string{
	"amount",
	"collection_id",
	"id",
	"paid",
	"paid_at",
	"state",
	"transaction_id",
	"transaction_status",
}

type Factory struct{}

func NewFactory() *Factory {
	return &Factory{}
}

func (f *Factory) Provider() string {
	return ProviderName
}

func (f *Factory) NewAdapter(cfg paymentdomain.AdapterConfig) (paymentdomain.PaymentAdapter, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	signatureKey := strings.TrimSpace(cfg.SignatureKey)
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if apiKey == "" || signatureKey == "" || baseURL == "" || strings.TrimSpace(cfg.CollectionID) == "" {
		return nil, paymentdomain.ErrInvalidConfig
	}

	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	client := cfg.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: timeout}
	}

	return &Adapter{
		apiKey:       apiKey,
		collectionID: strings.TrimSpace(cfg.CollectionID),
		signatureKey: signatureKey,
		baseURL:      baseURL,
		callbackURL:  cfg.CallbackURL,
		redirectURL:  cfg.RedirectURL,
		timeout:      timeout,
		client:       client,
	}, nil
}

type Adapter struct {
	apiKey       string
	collectionID string
	signatureKey string
	baseURL      string
	callbackURL  string
	redirectURL  string
	timeout      time.Duration
	client       *http.Client
}

func (a *Adapter) Provider() string {
	return ProviderName
}

type billResponse struct {
	ID  string `json:"id"`
	URL string `json:"url"`
}

type errorResponse struct {
	Error struct {
		Type    string   `json:"type"`
		Message []string `json:"message"`
	} `json:"error"`
}

// CreateBill posts a bill to the collection. The call is bounded by the
// adapter timeout even when ctx has no deadline.
func (a *Adapter) CreateBill(ctx context.Context, req paymentdomain.BillRequest) (paymentdomain.Bill, error) {
	if req.Amount <= 0 {
		return paymentdomain.Bill{}, fmt.Errorf("%w: amount must be positive", paymentdomain.ErrInvalidPayload)
	}
	if req.Currency != "" && !strings.EqualFold(req.Currency, "MYR") {
		return paymentdomain.Bill{}, fmt.Errorf("%w: unsupported currency %s", paymentdomain.ErrInvalidPayload, req.Currency)
	}

	form := url.Values{}
	form.Set("collection_id", a.collectionID)
	form.Set("email", req.Email)
	form.Set("name", req.Name)
	form.Set("amount", strconv.FormatInt(req.Amount, 10))
	form.Set("description", truncate(req.Description, 200))
	form.Set("callback_url", firstNonEmpty(req.CallbackURL, a.callbackURL))
	if redirect := firstNonEmpty(req.RedirectURL, a.redirectURL); redirect != "" {
		form.Set("redirect_url", redirect)
	}
	if req.Reference != "" {
		form.Set("reference_1_label", "Booking ID")
		form.Set("reference_1", req.Reference)
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/v3/bills", strings.NewReader(form.Encode()))
	if err != nil {
		return paymentdomain.Bill{}, a.gatewayError(0, false, err)
	}
	httpReq.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	httpReq.Header.Set("Accept", "application/json")
	httpReq.SetBasicAuth(a.apiKey, "")

	resp, err := a.client.Do(httpReq)
	if err != nil {
		return paymentdomain.Bill{}, a.gatewayError(0, true, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return paymentdomain.Bill{}, a.gatewayError(resp.StatusCode, retryableStatus(resp.StatusCode), errors.New(errorMessage(body)))
	}

	var out billResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return paymentdomain.Bill{}, a.gatewayError(resp.StatusCode, false, fmt.Errorf("decode bill: %w", err))
	}
	if strings.TrimSpace(out.ID) == "" || strings.TrimSpace(out.URL) == "" {
		return paymentdomain.Bill{}, a.gatewayError(resp.StatusCode, false, errors.New("bill response missing id or url"))
	}
	return paymentdomain.Bill{ID: out.ID, URL: out.URL}, nil
}

// VerifyWebhook checks the X-Signature of a form-encoded callback.
func (a *Adapter) VerifyWebhook(ctx context.Context, form url.Values) (*paymentdomain.Notification, error) {
	billID := strings.TrimSpace(form.Get("id"))
	if billID == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	fields := map[string]string{}
	for _, key := range webhookSignedKeys {
		fields[key] = form.Get(key)
	}
	if !a.signatureMatches(fields, form.Get("x_signature")) {
		return nil, paymentdomain.ErrSignatureInvalid
	}

	paid := parseBool(form.Get("paid"))
	amount, err := strconv.ParseInt(strings.TrimSpace(form.Get("amount")), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("%w: amount", paymentdomain.ErrInvalidPayload)
	}

	n := &paymentdomain.Notification{
		Provider:          ProviderName,
		Source:            paymentdomain.SourceWebhook,
		BillID:            billID,
		Paid:              paid,
		State:             strings.TrimSpace(form.Get("state")),
		Amount:            amount,
		PaidAt:            parsePaidAt(form.Get("paid_at")),
		TransactionID:     form.Get("transaction_id"),
		TransactionStatus: form.Get("transaction_status"),
		Fields:            flatten(form),
	}
	n.DedupeKey = fmt.Sprintf("webhook:%s:%t:%s:%s", billID, paid, n.State, n.TransactionID)
	return n, nil
}

// VerifyRedirect checks the billplz[...] parameters appended to the return URL.
func (a *Adapter) VerifyRedirect(ctx context.Context, query url.Values) (*paymentdomain.Notification, error) {
	billID := strings.TrimSpace(query.Get("billplz[id]"))
	if billID == "" {
		return nil, paymentdomain.ErrInvalidPayload
	}

	fields := map[string]string{
		"id":   billID,
		"paid": query.Get("billplz[paid]"),
	}
	if paidAt := query.Get("billplz[paid_at]"); paidAt != "" {
		fields["paid_at"] = paidAt
	}
	if !a.signatureMatches(fields, query.Get("billplz[x_signature]")) {
		return nil, paymentdomain.ErrSignatureInvalid
	}

	paid := parseBool(fields["paid"])
	state := paymentdomain.BillStateDue
	if paid {
		state = paymentdomain.BillStatePaid
	}
	n := &paymentdomain.Notification{
		Provider: ProviderName,
		Source:   paymentdomain.SourceRedirect,
		BillID:   billID,
		Paid:     paid,
		State:    state,
		PaidAt:   parsePaidAt(fields["paid_at"]),
		Fields:   flatten(query),
	}
	n.DedupeKey = fmt.Sprintf("redirect:%s:%t", billID, paid)
	return n, nil
}

func (a *Adapter) signatureMatches(fields map[string]string, signature string) bool {
	signature = strings.ToLower(strings.TrimSpace(signature))
	if signature == "" {
		return false
	}
	expected := Sign(a.signatureKey, fields)
	return hmac.Equal([]byte(signature), []byte(expected))
}

// Sign computes the X-Signature for fields: each key is prefixed with
// "billplz", joined to its value, sorted, and the pairs joined with '|'.
func Sign(key string, fields map[string]string) string {
	parts := make([]string, 0, len(fields))
	for k, v := range fields {
		parts = append(parts, "billplz"+k+v)
	}
	sort.Strings(parts)

	mac := hmac.New(sha256.New, []byte(key))
	_, _ = mac.Write([]byte(strings.Join(parts, "|")))
	return hex.EncodeToString(mac.Sum(nil))
}

func (a *Adapter) gatewayError(status int, temporary bool, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		temporary = true
	}
	return &paymentdomain.GatewayError{
		Provider:   ProviderName,
		Op:         "create_bill",
		StatusCode: status,
		Temporary:  temporary,
		Err:        err,
	}
}

func retryableStatus(status int) bool {
	return status == http.StatusTooManyRequests || status >= 500
}

func errorMessage(body []byte) string {
	var payload errorResponse
	if err := json.Unmarshal(body, &payload); err == nil && payload.Error.Type != "" {
		if len(payload.Error.Message) > 0 {
			return payload.Error.Type + ": " + strings.Join(payload.Error.Message, "; ")
		}
		return payload.Error.Type
	}
	msg := strings.TrimSpace(string(body))
	if msg == "" {
		return "empty error response"
	}
	return truncate(msg, 200)
}

func parseBool(raw string) bool {
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	return err == nil && value
}

func parsePaidAt(raw string) *time.Time {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	for _, layout := range []string{paidAtLayout, time.RFC3339} {
		if t, err := time.Parse(layout, raw); err == nil {
			utc := t.UTC()
			return &utc
		}
	}
	return nil
}

func flatten(values url.Values) map[string]string {
	out := make(map[string]string, len(values))
	for k := range values {
		out[k] = values.Get(k)
	}
	return out
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
