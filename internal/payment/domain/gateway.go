package domain

import (
	"context"
	"net/http"
	"net/url"
	"time"
)

// BillRequest asks the gateway for a payable bill. Amount is in sen.
type BillRequest struct {
	Amount      int64
	Currency    string
	Email       string
	Name        string
	Description string
	RedirectURL string
	CallbackURL string
	Reference   string
}

type Bill struct {
	ID  string
	URL string
}

// PaymentAdapter is one gateway's bill creation and signature verification.
type PaymentAdapter interface {
	Provider() string
	CreateBill(ctx context.Context, req BillRequest) (Bill, error)
	// VerifyWebhook checks a server callback and returns it in canonical form,
	// or ErrSignatureInvalid.
	VerifyWebhook(ctx context.Context, form url.Values) (*Notification, error)
	// VerifyRedirect does the same for the customer's return redirect.
	VerifyRedirect(ctx context.Context, query url.Values) (*Notification, error)
}

type AdapterConfig struct {
	Provider     string
	APIKey       string
	CollectionID string
	SignatureKey string
	BaseURL      string
	CallbackURL  string
	RedirectURL  string
	Timeout      time.Duration
	HTTPClient   *http.Client
}

type AdapterFactory interface {
	Provider() string
	NewAdapter(cfg AdapterConfig) (PaymentAdapter, error)
}
