package flow

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testAPIKey    = "1F90971E-8276-4715-97FF-2BLG5030EE3B"
	testSecretKey = "3d24f6b8a7c71b5c9e1f0a2d4c6e8b0a1c3e5f7d"
)

func TestSigningStringSortsAndSkipsSignature(t *testing.T) {
	params := url.Values{}
	params.Set("currency", "CLP")
	params.Set("amount", "5000")
	params.Set("commerceOrder", "ord_1")
	params.Set("apiKey", "KEY")
	params.Set("s", "ignored")

	assert.Equal(t, "amount5000apiKeyKEYcommerceOrderord_1currencyCLP", SigningString(params))
}

func TestSignKnownAnswer(t *testing.T) {
	// RFC 4231 test case 2, expressed as a single parameter.
	params := url.Values{}
	params.Set("what do ya want for nothing", "?")

	assert.Equal(t,
		"5bdcc146bf60754e6a042426089575c75a003f089d2739839dec58b964ec3843",
		Sign(params, "Jefe"))
}

func TestSignedAddsKeyAndVerifies(t *testing.T) {
	params := url.Values{}
	params.Set("token", "ABC123")

	signed := Signed(params, testAPIKey, testSecretKey)
	assert.Equal(t, testAPIKey, signed.Get("apiKey"))
	assert.Empty(t, params.Get("apiKey"), "input is not mutated")

	mac := hmac.New(sha256.New, []byte(testSecretKey))
	mac.Write([]byte("apiKey" + testAPIKey + "tokenABC123"))
	assert.Equal(t, hex.EncodeToString(mac.Sum(nil)), signed.Get("s"))

	assert.True(t, Verify(signed, testSecretKey))
	assert.False(t, Verify(signed, "other-secret"))

	signed.Set("token", "tampered")
	assert.False(t, Verify(signed, testSecretKey))
}

func newTestClient(t *testing.T, h http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	c, err := New(testAPIKey, testSecretKey, WithBaseURL(srv.URL+"/"), WithHTTPClient(srv.Client()))
	require.NoError(t, err)
	return c
}

func validPaymentRequest() PaymentRequest {
	return PaymentRequest{
		CommerceOrder:   "ord_0123456789abcdef0123456789abcdef",
		Subject:         "FestiBox pedido ord_0123456789abcdef0123456789abcdef",
		Amount:          24990,
		Email:           "cliente@example.com",
		URLConfirmation: "https://api.festibox.cl/v1/payments/flow/confirm",
		URLReturn:       "https://api.festibox.cl/v1/payments/flow/return",
	}
}

func TestCreatePaymentPostsSignedForm(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/payment/create", r.URL.Path)
		assert.Equal(t, "application/x-www-form-urlencoded", r.Header.Get("Content-Type"))
		assert.NoError(t, r.ParseForm())

		assert.True(t, Verify(r.PostForm, testSecretKey), "signature must verify")
		assert.Equal(t, testAPIKey, r.PostForm.Get("apiKey"))
		assert.Equal(t, "24990", r.PostForm.Get("amount"))
		assert.Equal(t, "CLP", r.PostForm.Get("currency"))
		assert.Equal(t, "9", r.PostForm.Get("paymentMethod"))
		assert.JSONEq(t, `{"channel":"web"}`, r.PostForm.Get("optional"))

		_ = json.NewEncoder(w).Encode(map[string]any{
			"url":       "https://sandbox.flow.cl/app/web/pay.php",
			"token":     "TOKEN 1",
			"flowOrder": 8765456,
		})
	})

	req := validPaymentRequest()
	req.Optional = map[string]string{"channel": "web"}
	order, err := c.CreatePayment(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, int64(8765456), order.FlowOrder)
	assert.Equal(t, "https://sandbox.flow.cl/app/web/pay.php?token=TOKEN+1", order.RedirectURL())
}

func TestCreatePaymentValidatesBeforeCalling(t *testing.T) {
	called := false
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) { called = true })

	req := validPaymentRequest()
	req.Amount = 0
	req.Email = ""
	_, err := c.CreatePayment(context.Background(), req)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "amount must be positive")
	assert.Contains(t, err.Error(), "email is required")
	assert.False(t, called)
}

func TestCreatePaymentAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"code":108,"message":"Invalid signature"}`))
	})

	_, err := c.CreatePayment(context.Background(), validPaymentRequest())
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, http.StatusUnauthorized, apiErr.StatusCode)
	assert.Equal(t, 108, apiErr.Code)
	assert.Equal(t, "Invalid signature", apiErr.Message)
}

func TestPaymentStatusSignsQuery(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		assert.Equal(t, "/payment/getStatus", r.URL.Path)
		q := r.URL.Query()
		assert.Equal(t, "tok_1", q.Get("token"))
		assert.True(t, Verify(q, testSecretKey))

		_, _ = w.Write([]byte(`{
			"flowOrder": 3567899,
			"commerceOrder": "ord_1",
			"requestDate": "2026-10-01 12:32:11",
			"status": 2,
			"subject": "FestiBox pedido ord_1",
			"currency": "CLP",
			"amount": "24990.0",
			"payer": "cliente@example.com",
			"optional": null,
			"paymentData": {"date": "2026-10-01 12:34:00", "media": "Webpay", "amount": 24990, "currency": "CLP", "fee": 890, "balance": 24100}
		}`))
	})

	st, err := c.PaymentStatus(context.Background(), "tok_1")
	require.NoError(t, err)
	assert.Equal(t, StatusPaid, st.Status)
	assert.Equal(t, "paid", st.Status.String())
	assert.Equal(t, Amount(24990), st.Amount)
	assert.Equal(t, "ord_1", st.CommerceOrder)
	assert.Equal(t, "Webpay", st.Media())
	assert.Equal(t, Amount(890), st.PaymentData.Fee)
}

func TestPaymentStatusByCommerceID(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/payment/getStatusByCommerceId", r.URL.Path)
		assert.Equal(t, "ord_9", r.URL.Query().Get("commerceId"))
		_, _ = w.Write([]byte(`{"flowOrder": 1, "commerceOrder": "ord_9", "status": 1, "amount": 1000, "paymentData": null}`))
	})

	st, err := c.PaymentStatusByCommerceID(context.Background(), "ord_9")
	require.NoError(t, err)
	assert.Equal(t, StatusPending, st.Status)
	assert.Equal(t, "", st.Media())
}

func TestNewRequiresKeys(t *testing.T) {
	_, err := New("", "secret")
	assert.Error(t, err)
	_, err = New("key", " ")
	assert.Error(t, err)

	c, err := New("key", "secret", WithSandbox())
	require.NoError(t, err)
	assert.Equal(t, SandboxURL, c.BaseURL())
}

func TestTimeoutKeepsCustomHTTPClient(t *testing.T) {
	transport := &http.Transport{}
	for name, opts := range map[string][]Option{
		"timeout first": {WithTimeout(5 * time.Second), WithHTTPClient(&http.Client{Transport: transport})},
		"client first":  {WithHTTPClient(&http.Client{Transport: transport}), WithTimeout(5 * time.Second)},
	} {
		t.Run(name, func(t *testing.T) {
			c, err := New("key", "secret", opts...)
			require.NoError(t, err)
			assert.Same(t, transport, c.httpClient.Transport)
			assert.Equal(t, 5*time.Second, c.httpClient.Timeout)
		})
	}

	shared := &http.Client{Transport: transport}
	_, err := New("key", "secret", WithHTTPClient(shared), WithTimeout(time.Second))
	require.NoError(t, err)
	assert.Zero(t, shared.Timeout, "caller's client is left alone")
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "cancelled", StatusCancelled.String())
	assert.Equal(t, "unknown(7)", Status(7).String())
}
