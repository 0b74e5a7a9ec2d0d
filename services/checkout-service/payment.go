package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"

	"festibox/shop/internal/flow"
	"festibox/shop/internal/httpx"
	"festibox/shop/internal/mailer"
)

var (
	errPaymentMismatch = errors.New("flow payment does not match order")
	errUpstream        = errors.New("payment gateway unavailable")
)

const emailTimeout = 2 * time.Minute

// orderStatusFor maps a Flow payment status onto the order status machine.
func orderStatusFor(st flow.Status) string {
	switch st {
	case flow.StatusPaid:
		return statusPaid
	case flow.StatusRejected:
		return statusRejected
	case flow.StatusCancelled:
		return statusCancelled
	default:
		return statusPendingPayment
	}
}

// ---------------------------------------------------------------------------
// Start
// ---------------------------------------------------------------------------

type paymentResponse struct {
	RedirectURL string `json:"redirect_url"`
	Token       string `json:"token"`
	FlowOrder   int64  `json:"flow_order"`
	OrderID     string `json:"order_id"`
	EventTopic  string `json:"event_topic"`
}

func (s *service) handleStartPayment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if !validOrderID(id) {
		httpx.WriteError(w, http.StatusNotFound, "order not found")
		return
	}
	o, err := s.getOrder(r.Context(), id)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !canTransition(o.Status, statusPendingPayment) {
		httpx.WriteError(w, http.StatusConflict, fmt.Sprintf("order is %s and cannot be paid", o.Status))
		return
	}

	po, err := s.gateway.CreatePayment(r.Context(), flow.PaymentRequest{
		CommerceOrder:   o.ID,
		Subject:         "FestiBox pedido " + o.ID,
		Currency:        o.Currency,
		Amount:          o.Total,
		Email:           o.CustomerEmail,
		PaymentMethod:   s.paymentMethod,
		URLConfirmation: s.apiURL + "/v1/payments/flow/confirm",
		URLReturn:       s.apiURL + "/v1/payments/flow/return",
	})
	if err != nil {
		s.log.Error().Err(err).Str("order_id", o.ID).Msg("flow payment/create failed")
		httpx.WriteError(w, http.StatusBadGateway, errUpstream.Error())
		return
	}

	now := time.Now().UTC()
	if _, err := s.startPayment(r.Context(), payment{
		Token:     po.Token,
		OrderID:   o.ID,
		FlowOrder: po.FlowOrder,
		Amount:    o.Total,
		Status:    flow.StatusPending.String(),
		CreatedAt: now,
		UpdatedAt: now,
	}); err != nil {
		s.writeStoreError(w, err)
		return
	}

	s.log.Info().Str("order_id", o.ID).Int64("flow_order", po.FlowOrder).Int64("amount", o.Total).Msg("payment started")
	httpx.WriteJSON(w, http.StatusOK, paymentResponse{
		RedirectURL: po.RedirectURL(),
		Token:       po.Token,
		FlowOrder:   po.FlowOrder,
		OrderID:     o.ID,
		EventTopic:  "festibox.checkout.payment.started",
	})
}

// ---------------------------------------------------------------------------
// Confirm / Return
// ---------------------------------------------------------------------------

// resolvePayment asks Flow for the state of token and applies it to the
// order. Repeated calls are idempotent; only the call that moves the order
// into paid sends the emails.
func (s *service) resolvePayment(ctx context.Context, token string) (order, error) {
	p, err := s.getPayment(ctx, token)
	if err != nil {
		return order{}, err
	}
	o, err := s.getOrder(ctx, p.OrderID)
	if err != nil {
		return order{}, err
	}
	st, err := s.gateway.PaymentStatus(ctx, token)
	if err != nil {
		return o, fmt.Errorf("%w: %v", errUpstream, err)
	}

	logEvent := s.log.With().Str("order_id", o.ID).Int64("flow_order", st.FlowOrder).Str("flow_status", st.Status.String()).Logger()
	if st.CommerceOrder != o.ID || int64(st.Amount) != o.Total {
		logEvent.Error().
			Str("flow_commerce_order", st.CommerceOrder).
			Int64("flow_amount", int64(st.Amount)).
			Int64("order_total", o.Total).
			Msg("flow payment does not match order, leaving order untouched")
		return o, errPaymentMismatch
	}

	if err := s.updatePayment(ctx, token, st.Status.String(), st.Media()); err != nil {
		return order{}, err
	}

	// A superseded attempt only matters once it is paid: the money is
	// captured, so the order follows it and the newer attempt is orphaned.
	superseded := o.FlowToken != token
	if superseded {
		if st.Status != flow.StatusPaid {
			logEvent.Warn().Msg("callback for a superseded payment attempt")
			return o, nil
		}
		logEvent.Warn().Int64("orphaned_flow_order", o.FlowOrder).Msg("superseded payment attempt was paid, adopting it")
	}

	target := orderStatusFor(st.Status)
	updated, changed, err := s.transitionOrder(ctx, o.ID, target, func(next *order) {
		if superseded {
			next.FlowToken = p.Token
			next.FlowOrder = p.FlowOrder
		}
		if media := st.Media(); media != "" {
			next.PaymentMedia = media
		}
	})
	if errors.Is(err, errInvalidTransition) {
		if superseded {
			logEvent.Error().Str("order_status", o.Status).Msg("paid payment attempt cannot be applied to order, needs manual review")
		} else {
			logEvent.Warn().Str("order_status", o.Status).Msg("ignoring flow status for order")
		}
		return o, nil
	}
	if err != nil {
		return order{}, err
	}
	if superseded && !changed && updated.Status == statusPaid {
		logEvent.Error().Msg("order already paid by another attempt, payment needs a refund")
	}
	if changed {
		logEvent.Info().Str("order_status", updated.Status).Msg("order status updated from flow")
		if updated.Status == statusPaid {
			s.sendPaidEmails(updated)
		}
	}
	return updated, nil
}

func tokenFromRequest(r *http.Request) string {
	if err := r.ParseForm(); err != nil {
		return ""
	}
	return strings.TrimSpace(r.Form.Get("token"))
}

func (s *service) handleFlowConfirm(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, httpx.DefaultBodyLimit)
	token := tokenFromRequest(r)
	if token == "" {
		httpx.WriteError(w, http.StatusBadRequest, "missing token")
		return
	}
	o, err := s.resolvePayment(r.Context(), token)
	switch {
	case errors.Is(err, errPaymentMismatch):
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": o.Status, "event_topic": "festibox.checkout.payment.mismatch"})
	case errors.Is(err, sql.ErrNoRows):
		httpx.WriteError(w, http.StatusNotFound, "payment not found")
	case errors.Is(err, errUpstream):
		s.log.Error().Err(err).Msg("flow payment/getStatus failed")
		httpx.WriteError(w, http.StatusBadGateway, errUpstream.Error())
	case err != nil:
		s.internalError(w, err)
	default:
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": o.Status, "event_topic": "festibox.checkout.payment.confirmed"})
	}
}

func (s *service) handleFlowReturn(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, httpx.DefaultBodyLimit)
	token := tokenFromRequest(r)
	if token == "" {
		http.Redirect(w, r, s.publicURL+"/pedido/error", http.StatusSeeOther)
		return
	}
	o, err := s.resolvePayment(r.Context(), token)
	if err != nil && !errors.Is(err, errPaymentMismatch) {
		if !errors.Is(err, sql.ErrNoRows) {
			s.log.Error().Err(err).Msg("resolve payment on return")
		}
		if o.ID == "" {
			http.Redirect(w, r, s.publicURL+"/pedido/error", http.StatusSeeOther)
			return
		}
	}
	target := fmt.Sprintf("%s/pedido/%s?estado=%s", s.publicURL, url.PathEscape(o.ID), url.QueryEscape(o.Status))
	http.Redirect(w, r, target, http.StatusSeeOther)
}

// ---------------------------------------------------------------------------
// Emails
// ---------------------------------------------------------------------------

func (s *service) orderSummary(o order) mailer.OrderSummary {
	lines := make([]mailer.SummaryLine, 0, len(o.Items))
	for _, l := range o.Items {
		lines = append(lines, mailer.SummaryLine{
			Name:      l.Name,
			Quantity:  l.Quantity,
			UnitPrice: l.UnitPrice,
			LineTotal: l.LineTotal,
			Faces:     len(l.Faces),
			Photos:    l.Photos,
			Messages:  l.Messages,
		})
	}
	return mailer.OrderSummary{
		OrderID:       o.ID,
		CustomerName:  o.CustomerName,
		CustomerEmail: o.CustomerEmail,
		CustomerPhone: o.CustomerPhone,
		Pickup:        o.ShippingMethod == "pickup",
		Address:       o.Address,
		Commune:       o.Commune,
		RegionName:    o.RegionName,
		Notes:         o.Notes,
		Lines:         lines,
		Subtotal:      o.Subtotal,
		Shipping:      o.Shipping,
		Total:         o.Total,
		PaymentMedia:  o.PaymentMedia,
		OrderURL:      s.publicURL + "/pedido/" + o.ID,
	}
}

// sendPaidEmails delivers the customer confirmation and the owner
// notification in the background. Failures are logged and never touch the
// order.
func (s *service) sendPaidEmails(o order) {
	summary := s.orderSummary(o)
	s.emails.Add(1)
	go func() {
		defer s.emails.Done()
		ctx, cancel := context.WithTimeout(context.Background(), emailTimeout)
		defer cancel()

		s.deliver(ctx, o.ID, "order_confirmation", func(ctx context.Context) (string, error) {
			return s.mail.OrderConfirmation(ctx, summary)
		})
		s.deliver(ctx, o.ID, "order_owner", func(ctx context.Context) (string, error) {
			return s.mail.OwnerOrderNotification(ctx, summary)
		})
	}()
}

func (s *service) deliver(ctx context.Context, orderID, kind string, send func(context.Context) (string, error)) {
	var id string
	op := func() error {
		var err error
		id, err = send(ctx)
		if errors.Is(err, mailer.ErrNoRecipient) {
			return backoff.Permanent(err)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(s.retryPolicy(), ctx)); err != nil {
		s.log.Error().Err(err).Str("order_id", orderID).Str("email", kind).Msg("email delivery failed")
		return
	}
	s.log.Info().Str("order_id", orderID).Str("email", kind).Str("message_id", id).Msg("email sent")
}
