package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"

	"github.com/cenkalti/backoff/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"festibox/shop/internal/config"
	"festibox/shop/internal/flow"
	"festibox/shop/internal/mailer"
)

const (
	fakeFlowKey    = "FLOW-TEST-KEY"
	fakeFlowSecret = "flow-test-secret"
)

type fakeFlowPayment struct {
	commerceOrder string
	amount        int64
	status        flow.Status
	media         string
	flowOrder     int64
}

// fakeFlow emulates the Flow payment endpoints and rejects unsigned calls.
type fakeFlow struct {
	server *httptest.Server

	mu        sync.Mutex
	payments  map[string]*fakeFlowPayment
	nextOrder int64
	creates   []url.Values
	failNext  bool
}

func newFakeFlow(t *testing.T) *fakeFlow {
	t.Helper()
	f := &fakeFlow{payments: make(map[string]*fakeFlowPayment), nextOrder: 1000}
	f.server = httptest.NewServer(http.HandlerFunc(f.serve))
	t.Cleanup(f.server.Close)
	return f
}

func (f *fakeFlow) serve(w http.ResponseWriter, r *http.Request) {
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	params := r.Form
	if params.Get("apiKey") != fakeFlowKey || !flow.Verify(params, fakeFlowSecret) {
		w.WriteHeader(http.StatusUnauthorized)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 108, "message": "invalid signature"})
		return
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		f.failNext = false
		w.WriteHeader(http.StatusInternalServerError)
		_ = json.NewEncoder(w).Encode(map[string]any{"code": 500, "message": "internal"})
		return
	}

	switch r.URL.Path {
	case "/payment/create":
		f.creates = append(f.creates, params)
		f.nextOrder++
		token := fmt.Sprintf("TOKEN%d", f.nextOrder)
		var amount int64
		_, _ = fmt.Sscan(params.Get("amount"), &amount)
		f.payments[token] = &fakeFlowPayment{
			commerceOrder: params.Get("commerceOrder"),
			amount:        amount,
			status:        flow.StatusPending,
			flowOrder:     f.nextOrder,
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"url": "https://sandbox.flow.cl/app/web/pay.php", "token": token, "flowOrder": f.nextOrder})
	case "/payment/getStatus":
		p, ok := f.payments[params.Get("token")]
		if !ok {
			w.WriteHeader(http.StatusBadRequest)
			_ = json.NewEncoder(w).Encode(map[string]any{"code": 105, "message": "token not found"})
			return
		}
		body := map[string]any{
			"flowOrder":     p.flowOrder,
			"commerceOrder": p.commerceOrder,
			"status":        int(p.status),
			"amount":        fmt.Sprintf("%d", p.amount),
			"currency":      "CLP",
		}
		if p.status == flow.StatusPaid {
			body["paymentData"] = map[string]any{"media": p.media, "amount": p.amount}
		}
		_ = json.NewEncoder(w).Encode(body)
	default:
		http.NotFound(w, r)
	}
}

func (f *fakeFlow) settle(token string, status flow.Status, media string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := f.payments[token]
	p.status = status
	p.media = media
}

func (f *fakeFlow) tamper(token string, amount int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.payments[token].amount = amount
}

func (e *testEnv) startPayment(t *testing.T, orderID string) paymentResponse {
	t.Helper()
	rec := e.do(t, http.MethodPost, "/v1/orders/"+orderID+"/payment", nil, false)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	var resp paymentResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func (e *testEnv) confirm(t *testing.T, token string) *httptest.ResponseRecorder {
	t.Helper()
	form := url.Values{"token": {token}}
	req := httptest.NewRequest(http.MethodPost, "/v1/payments/flow/confirm", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func (e *testEnv) orderStatus(t *testing.T, id string) order {
	t.Helper()
	o, err := e.svc.getOrder(t.Context(), id)
	require.NoError(t, err)
	return o
}

func TestStartPaymentCreatesSignedFlowOrder(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())

	resp := env.startPayment(t, o.ID)
	assert.Equal(t, "https://sandbox.flow.cl/app/web/pay.php?token="+resp.Token, resp.RedirectURL)
	assert.Equal(t, o.ID, resp.OrderID)

	require.Len(t, env.flow.creates, 1)
	sent := env.flow.creates[0]
	assert.Equal(t, o.ID, sent.Get("commerceOrder"))
	assert.Equal(t, "36960", sent.Get("amount"))
	assert.Equal(t, "CLP", sent.Get("currency"))
	assert.Equal(t, "camila@example.com", sent.Get("email"))
	assert.Equal(t, "FestiBox pedido "+o.ID, sent.Get("subject"))
	assert.Equal(t, "https://api.festibox.cl/v1/payments/flow/confirm", sent.Get("urlConfirmation"))
	assert.Equal(t, "https://api.festibox.cl/v1/payments/flow/return", sent.Get("urlReturn"))
	assert.Equal(t, "9", sent.Get("paymentMethod"))

	stored := env.orderStatus(t, o.ID)
	assert.Equal(t, resp.Token, stored.FlowToken)
	assert.Equal(t, resp.FlowOrder, stored.FlowOrder)

	p, err := env.svc.getPayment(t.Context(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "pending", p.Status)
	assert.Equal(t, o.Total, p.Amount)
}

func TestStartPaymentErrors(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())

	env.flow.failNext = true
	rec := env.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/payment", nil, false)
	assert.Equal(t, http.StatusBadGateway, rec.Code)

	rec = env.do(t, http.MethodPost, "/v1/orders/ord_ffffffffffffffffffffffffffffffff/payment", nil, false)
	assert.Equal(t, http.StatusNotFound, rec.Code)

	resp := env.startPayment(t, o.ID)
	env.flow.settle(resp.Token, flow.StatusPaid, "Webpay")
	require.Equal(t, http.StatusOK, env.confirm(t, resp.Token).Code)

	rec = env.do(t, http.MethodPost, "/v1/orders/"+o.ID+"/payment", nil, false)
	assert.Equal(t, http.StatusConflict, rec.Code)
	env.svc.emails.Wait()
}

func TestConfirmPaidIsIdempotentAndEmailsOnce(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())
	resp := env.startPayment(t, o.ID)
	env.flow.settle(resp.Token, flow.StatusPaid, "Webpay")

	rec := env.confirm(t, resp.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"paid"`)

	rec = env.confirm(t, resp.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	env.svc.emails.Wait()

	paid := env.orderStatus(t, o.ID)
	assert.Equal(t, statusPaid, paid.Status)
	assert.Equal(t, "Webpay", paid.PaymentMedia)
	require.NotNil(t, paid.PaidAt)

	msgs := env.sender.messages()
	require.Len(t, msgs, 2, "one confirmation plus one owner notification")
	var recipients []string
	for _, m := range msgs {
		recipients = append(recipients, m.To...)
	}
	assert.ElementsMatch(t, []string{"camila@example.com", "owner@festibox.cl"}, recipients)

	p, err := env.svc.getPayment(t.Context(), resp.Token)
	require.NoError(t, err)
	assert.Equal(t, "paid", p.Status)
	assert.Equal(t, "Webpay", p.Media)
}

func TestConfirmRejectedThenRetry(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())

	first := env.startPayment(t, o.ID)
	env.flow.settle(first.Token, flow.StatusRejected, "")
	require.Equal(t, http.StatusOK, env.confirm(t, first.Token).Code)
	assert.Equal(t, statusRejected, env.orderStatus(t, o.ID).Status)

	second := env.startPayment(t, o.ID)
	assert.NotEqual(t, first.Token, second.Token)
	assert.Equal(t, statusPendingPayment, env.orderStatus(t, o.ID).Status)

	// A replayed callback for the first attempt leaves the new one alone.
	require.Equal(t, http.StatusOK, env.confirm(t, first.Token).Code)
	assert.Equal(t, statusPendingPayment, env.orderStatus(t, o.ID).Status)

	env.flow.settle(second.Token, flow.StatusPaid, "Servipag")
	require.Equal(t, http.StatusOK, env.confirm(t, second.Token).Code)
	env.svc.emails.Wait()
	assert.Equal(t, statusPaid, env.orderStatus(t, o.ID).Status)
}

func TestConfirmPaidSupersededAttemptIsAdopted(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())

	// Two tabs: the shopper pays in the first one after opening the second.
	first := env.startPayment(t, o.ID)
	second := env.startPayment(t, o.ID)
	require.Equal(t, second.Token, env.orderStatus(t, o.ID).FlowToken)

	env.flow.settle(first.Token, flow.StatusPaid, "Webpay")
	rec := env.confirm(t, first.Token)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"status":"paid"`)
	env.svc.emails.Wait()

	paid := env.orderStatus(t, o.ID)
	assert.Equal(t, statusPaid, paid.Status)
	assert.Equal(t, first.Token, paid.FlowToken)
	assert.Equal(t, first.FlowOrder, paid.FlowOrder)
	assert.Equal(t, "Webpay", paid.PaymentMedia)
	assert.Len(t, env.sender.messages(), 2)

	// The orphaned attempt neither reopens the order nor emails again.
	require.Equal(t, http.StatusOK, env.confirm(t, second.Token).Code)
	env.flow.settle(second.Token, flow.StatusPaid, "Servipag")
	require.Equal(t, http.StatusOK, env.confirm(t, second.Token).Code)
	env.svc.emails.Wait()

	again := env.orderStatus(t, o.ID)
	assert.Equal(t, statusPaid, again.Status)
	assert.Equal(t, first.Token, again.FlowToken)
	assert.Len(t, env.sender.messages(), 2)

	p, err := env.svc.getPayment(t.Context(), second.Token)
	require.NoError(t, err)
	assert.Equal(t, "paid", p.Status)
}

func TestConfirmSupersededRejectionIsIgnored(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())
	first := env.startPayment(t, o.ID)
	second := env.startPayment(t, o.ID)

	env.flow.settle(first.Token, flow.StatusRejected, "")
	require.Equal(t, http.StatusOK, env.confirm(t, first.Token).Code)

	current := env.orderStatus(t, o.ID)
	assert.Equal(t, statusPendingPayment, current.Status)
	assert.Equal(t, second.Token, current.FlowToken)
}

func TestConfirmAmountMismatchLeavesOrderUntouched(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())
	resp := env.startPayment(t, o.ID)
	env.flow.settle(resp.Token, flow.StatusPaid, "Webpay")
	env.flow.tamper(resp.Token, 100)

	rec := env.confirm(t, resp.Token)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "festibox.checkout.payment.mismatch")
	env.svc.emails.Wait()

	assert.Equal(t, statusPendingPayment, env.orderStatus(t, o.ID).Status)
	assert.Empty(t, env.sender.messages())
}

func TestConfirmErrors(t *testing.T) {
	env := newTestEnv(t)
	assert.Equal(t, http.StatusBadRequest, env.confirm(t, "").Code)
	assert.Equal(t, http.StatusNotFound, env.confirm(t, "UNKNOWN").Code)

	o := env.createOrder(t, validOrderRequest())
	resp := env.startPayment(t, o.ID)
	env.flow.failNext = true
	assert.Equal(t, http.StatusBadGateway, env.confirm(t, resp.Token).Code)
}

func TestReturnRedirectsToStorefront(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())
	resp := env.startPayment(t, o.ID)
	env.flow.settle(resp.Token, flow.StatusPaid, "Webpay")

	req := httptest.NewRequest(http.MethodGet, "/v1/payments/flow/return?token="+url.QueryEscape(resp.Token), nil)
	rec := httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://festibox.cl/pedido/"+o.ID+"?estado=paid", rec.Header().Get("Location"))
	env.svc.emails.Wait()

	form := url.Values{"token": {"UNKNOWN"}}
	req = httptest.NewRequest(http.MethodPost, "/v1/payments/flow/return", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec = httptest.NewRecorder()
	env.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusSeeOther, rec.Code)
	assert.Equal(t, "https://festibox.cl/pedido/error", rec.Header().Get("Location"))
}

func TestOrderSummaryForEmails(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())
	s := env.svc.orderSummary(o)
	assert.Equal(t, "https://festibox.cl/pedido/"+o.ID, s.OrderURL)
	require.Len(t, s.Lines, 2)
	assert.Equal(t, 2, s.Lines[0].Faces)
	assert.Equal(t, 2, s.Lines[0].Photos)
	assert.Equal(t, 1, s.Lines[0].Messages)
	assert.False(t, s.Pickup)
}

func TestPaidEmailsRetryTransientFailures(t *testing.T) {
	env := newTestEnv(t)
	env.sender.failures = 1
	o := env.createOrder(t, validOrderRequest())
	resp := env.startPayment(t, o.ID)
	env.flow.settle(resp.Token, flow.StatusPaid, "Webpay")

	require.Equal(t, http.StatusOK, env.confirm(t, resp.Token).Code)
	env.svc.emails.Wait()

	assert.Len(t, env.sender.messages(), 2)
	assert.Equal(t, 3, env.sender.attemptCount(), "the confirmation is sent twice, the owner notification once")
	assert.Equal(t, statusPaid, env.orderStatus(t, o.ID).Status)
}

func TestPaidEmailsWithoutOwnerSkipNotification(t *testing.T) {
	env := newTestEnv(t, func(c *config.Config) { c.Email.Owner = "" })
	o := env.createOrder(t, validOrderRequest())
	resp := env.startPayment(t, o.ID)
	env.flow.settle(resp.Token, flow.StatusPaid, "Webpay")

	require.Equal(t, http.StatusOK, env.confirm(t, resp.Token).Code)
	env.svc.emails.Wait()

	msgs := env.sender.messages()
	require.Len(t, msgs, 1)
	assert.Equal(t, []string{"camila@example.com"}, msgs[0].To)
	assert.Equal(t, 1, env.sender.attemptCount())
	assert.Equal(t, statusPaid, env.orderStatus(t, o.ID).Status)
}

func TestDeliverRetryPolicy(t *testing.T) {
	env := newTestEnv(t)
	env.svc.retryPolicy = func() backoff.BackOff { return backoff.WithMaxRetries(&backoff.ZeroBackOff{}, 3) }

	tests := []struct {
		name      string
		failures  int
		err       error
		wantCalls int
	}{
		{name: "succeeds first time", wantCalls: 1},
		{name: "recovers after two failures", failures: 2, err: errProviderDown, wantCalls: 3},
		{name: "gives up after three retries", failures: 10, err: errProviderDown, wantCalls: 4},
		{name: "missing recipient is permanent", failures: 10, err: mailer.ErrNoRecipient, wantCalls: 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := 0
			env.svc.deliver(t.Context(), "ord_1", "order_owner", func(context.Context) (string, error) {
				calls++
				if calls <= tt.failures {
					return "", tt.err
				}
				return "re_ok", nil
			})
			assert.Equal(t, tt.wantCalls, calls)
		})
	}
}

func TestAdminMarkPaidSendsEmails(t *testing.T) {
	env := newTestEnv(t)
	o := env.createOrder(t, validOrderRequest())

	rec := env.do(t, http.MethodPatch, "/v1/orders/"+o.ID+"/status", map[string]string{"status": "paid"}, true)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Contains(t, rec.Body.String(), `"changed":true`)
	env.svc.emails.Wait()

	msgs := env.sender.messages()
	require.Len(t, msgs, 2)
	var recipients []string
	for _, m := range msgs {
		recipients = append(recipients, m.To...)
	}
	assert.ElementsMatch(t, []string{"camila@example.com", "owner@festibox.cl"}, recipients)
	require.NotNil(t, env.orderStatus(t, o.ID).PaidAt)

	rec = env.do(t, http.MethodPatch, "/v1/orders/"+o.ID+"/status", map[string]string{"status": "paid"}, true)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"changed":false`)
	env.svc.emails.Wait()
	assert.Len(t, env.sender.messages(), 2)
}
