package flow

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strconv"
	"strings"
)

// Status is the lifecycle state Flow reports for a payment order.
type Status int

const (
	StatusPending   Status = 1
	StatusPaid      Status = 2
	StatusRejected  Status = 3
	StatusCancelled Status = 4
)

func (s Status) String() string {
	switch s {
	case StatusPending:
		return "pending"
	case StatusPaid:
		return "paid"
	case StatusRejected:
		return "rejected"
	case StatusCancelled:
		return "cancelled"
	default:
		return "unknown(" + strconv.Itoa(int(s)) + ")"
	}
}

// PaymentMethodAll lets the payer choose any method enabled for the commerce.
const PaymentMethodAll = 9

// PaymentRequest is the input to payment/create. Amount is in whole units of
// Currency; CLP has no minor unit.
type PaymentRequest struct {
	CommerceOrder   string
	Subject         string
	Currency        string
	Amount          int64
	Email           string
	PaymentMethod   int
	URLConfirmation string
	URLReturn       string
	Timeout         int
	Optional        map[string]string
}

func (r PaymentRequest) validate() error {
	var errs []error
	if strings.TrimSpace(r.CommerceOrder) == "" {
		errs = append(errs, errors.New("commerceOrder is required"))
	}
	if len(r.CommerceOrder) > 45 {
		errs = append(errs, errors.New("commerceOrder must be at most 45 characters"))
	}
	if strings.TrimSpace(r.Subject) == "" {
		errs = append(errs, errors.New("subject is required"))
	}
	if r.Amount <= 0 {
		errs = append(errs, errors.New("amount must be positive"))
	}
	if strings.TrimSpace(r.Email) == "" {
		errs = append(errs, errors.New("email is required"))
	}
	if r.URLConfirmation == "" || r.URLReturn == "" {
		errs = append(errs, errors.New("urlConfirmation and urlReturn are required"))
	}
	return errors.Join(errs...)
}

func (r PaymentRequest) values() (url.Values, error) {
	v := url.Values{}
	v.Set("commerceOrder", r.CommerceOrder)
	v.Set("subject", r.Subject)
	currency := strings.ToUpper(strings.TrimSpace(r.Currency))
	if currency == "" {
		currency = "CLP"
	}
	v.Set("currency", currency)
	v.Set("amount", strconv.FormatInt(r.Amount, 10))
	v.Set("email", r.Email)
	method := r.PaymentMethod
	if method == 0 {
		method = PaymentMethodAll
	}
	v.Set("paymentMethod", strconv.Itoa(method))
	v.Set("urlConfirmation", r.URLConfirmation)
	v.Set("urlReturn", r.URLReturn)
	if r.Timeout > 0 {
		v.Set("timeout", strconv.Itoa(r.Timeout))
	}
	if len(r.Optional) > 0 {
		raw, err := json.Marshal(r.Optional)
		if err != nil {
			return nil, err
		}
		v.Set("optional", string(raw))
	}
	return v, nil
}

// PaymentOrder is Flow's answer to payment/create.
type PaymentOrder struct {
	URL       string `json:"url"`
	Token     string `json:"token"`
	FlowOrder int64  `json:"flowOrder"`
}

// RedirectURL is where the payer's browser must be sent.
func (p PaymentOrder) RedirectURL() string {
	return p.URL + "?token=" + url.QueryEscape(p.Token)
}

// PaymentData describes the settled payment. It is empty until Flow has
// a payment for the order.
type PaymentData struct {
	Date     string  `json:"date"`
	Media    string  `json:"media"`
	Amount   Amount  `json:"amount"`
	Currency string  `json:"currency"`
	Fee      Amount  `json:"fee"`
	Balance  Amount  `json:"balance"`
	Rate     float64 `json:"conversionRate"`
}

// PaymentStatus is Flow's answer to payment/getStatus.
type PaymentStatus struct {
	FlowOrder     int64           `json:"flowOrder"`
	CommerceOrder string          `json:"commerceOrder"`
	RequestDate   string          `json:"requestDate"`
	Status        Status          `json:"status"`
	Subject       string          `json:"subject"`
	Currency      string          `json:"currency"`
	Amount        Amount          `json:"amount"`
	Payer         string          `json:"payer"`
	Optional      json.RawMessage `json:"optional,omitempty"`
	PaymentData   *PaymentData    `json:"paymentData,omitempty"`
}

// Media returns the payment instrument, or "" when nothing was paid yet.
func (p PaymentStatus) Media() string {
	if p.PaymentData == nil {
		return ""
	}
	return p.PaymentData.Media
}

// Amount accepts Flow's amounts whether they arrive as JSON numbers or
// numeric strings, rounding to whole units.
type Amount int64

func (a *Amount) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*a = 0
		return nil
	}
	s := strings.Trim(string(b), `"`)
	if s == "" {
		*a = 0
		return nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return fmt.Errorf("flow: invalid amount %q", s)
	}
	*a = Amount(math.Round(f))
	return nil
}

// CreatePayment registers a payment order and returns where to send the payer.
func (c *Client) CreatePayment(ctx context.Context, req PaymentRequest) (PaymentOrder, error) {
	if err := req.validate(); err != nil {
		return PaymentOrder{}, fmt.Errorf("flow: invalid payment request: %w", err)
	}
	params, err := req.values()
	if err != nil {
		return PaymentOrder{}, fmt.Errorf("flow: encode optional data: %w", err)
	}
	var out PaymentOrder
	if err := c.do(ctx, http.MethodPost, "/payment/create", params, &out); err != nil {
		return PaymentOrder{}, err
	}
	if out.Token == "" || out.URL == "" {
		return PaymentOrder{}, errors.New("flow: payment/create returned no token")
	}
	return out, nil
}

// PaymentStatus fetches the state of the payment identified by token.
func (c *Client) PaymentStatus(ctx context.Context, token string) (PaymentStatus, error) {
	if strings.TrimSpace(token) == "" {
		return PaymentStatus{}, errors.New("flow: token is required")
	}
	params := url.Values{}
	params.Set("token", token)
	var out PaymentStatus
	if err := c.do(ctx, http.MethodGet, "/payment/getStatus", params, &out); err != nil {
		return PaymentStatus{}, err
	}
	return out, nil
}

// PaymentStatusByCommerceID fetches the state by the merchant's own order id.
func (c *Client) PaymentStatusByCommerceID(ctx context.Context, commerceOrder string) (PaymentStatus, error) {
	if strings.TrimSpace(commerceOrder) == "" {
		return PaymentStatus{}, errors.New("flow: commerceId is required")
	}
	params := url.Values{}
	params.Set("commerceId", commerceOrder)
	var out PaymentStatus
	if err := c.do(ctx, http.MethodGet, "/payment/getStatusByCommerceId", params, &out); err != nil {
		return PaymentStatus{}, err
	}
	return out, nil
}
