package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"strings"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"festibox/shop/internal/config"
	"festibox/shop/internal/flow"
	"festibox/shop/internal/httpx"
	"festibox/shop/internal/logging"
	"festibox/shop/internal/mailer"
	"festibox/shop/internal/shipping"
	"festibox/shop/internal/store"
)

const serviceName = "checkout-service"

// ---------------------------------------------------------------------------
// main
// ---------------------------------------------------------------------------

func main() {
	cfg, err := config.FromEnv()
	if err != nil {
		bootLogger := logging.New(serviceName, "info", "json")
		bootLogger.Fatal().Err(err).Msg("load config")
	}
	logger := logging.New(serviceName, cfg.Log.Level, cfg.Log.Format)
	if err := cfg.Validate(config.RequireFlow, config.RequireCallbacks, config.RequireCatalog); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	gateway, err := flow.New(cfg.Flow.APIKey, cfg.Flow.SecretKey,
		flow.WithBaseURL(cfg.FlowBaseURL()), flow.WithTimeout(cfg.Flow.Timeout))
	if err != nil {
		logger.Fatal().Err(err).Msg("flow client")
	}

	var sender mailer.Sender = mailer.NopSender{Logger: logger}
	if cfg.Email.ResendAPIKey != "" {
		sender = mailer.NewResendSender(cfg.Email.ResendAPIKey)
	} else {
		logger.Warn().Msg("RESEND_API_KEY not set, emails will only be logged")
	}

	svc := newService(logger, cfg, newCatalogClient(cfg.Shop.CatalogURL), gateway, mailer.New(sender, cfg.Email.From, cfg.Email.Owner))

	ctx := context.Background()
	if db, err := store.Connect(ctx, cfg.Database); err != nil {
		logger.Warn().Err(err).Msg("database unavailable, running checkout in memory mode")
	} else {
		svc.db = db
		if err := store.ApplySchema(ctx, db, schema); err != nil {
			logger.Warn().Err(err).Msg("schema setup failed, using memory mode")
			_ = db.Close()
			svc.db = nil
		}
	}
	defer func() {
		if svc.db != nil {
			_ = svc.db.Close()
		}
	}()

	srv := httpx.NewServer(cfg.Service.Port, svc.routes(cfg.Service.Module, cfg.Shop.PublicURL))
	err = httpx.ListenAndServe(srv, logger)
	svc.emails.Wait()
	if err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func newService(logger zerolog.Logger, cfg config.Config, catalog productCatalog, gateway paymentGateway, mail *mailer.Mailer) *service {
	return &service{
		log:           logger,
		cache:         store.NewListCache[listResponse](cfg.Cache.TTL),
		catalog:       catalog,
		gateway:       gateway,
		mail:          mail,
		tariffs:       shipping.DefaultTariffs().WithOverrides(cfg.Shipping.Zones, cfg.Shipping.FreeThreshold),
		adminToken:    cfg.Shop.AdminToken,
		publicURL:     strings.TrimRight(cfg.Shop.PublicURL, "/"),
		apiURL:        strings.TrimRight(cfg.Shop.APIURL, "/"),
		paymentMethod: cfg.Flow.PaymentMethod,
		retryPolicy: func() backoff.BackOff {
			return backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 3)
		},
		memOrders:   make(map[string]order),
		memPayments: make(map[string]payment),
	}
}

// ---------------------------------------------------------------------------
// HTTP
// ---------------------------------------------------------------------------

func (s *service) routes(module, allowedOrigin string) http.Handler {
	r := httpx.NewRouter(s.log, allowedOrigin)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		mode := "postgres"
		if s.db == nil {
			mode = "memory"
		}
		httpx.WriteJSON(w, http.StatusOK, map[string]any{"status": "healthy", "module": module, "service": serviceName, "mode": mode})
	})

	r.Get("/v1/shipping/regions", s.handleRegions)
	r.Post("/v1/shipping/quote", s.handleQuote)

	r.Route("/v1/orders", func(r chi.Router) {
		r.Post("/", s.handleCreateOrder)
		r.Get("/{id}", s.handleGetOrder)
		r.Post("/{id}/payment", s.handleStartPayment)

		r.Group(func(r chi.Router) {
			r.Use(httpx.AdminOnly(s.adminToken))
			r.Get("/", s.handleListOrders)
			r.Get("/_explain", s.handleExplain)
			r.Patch("/{id}/status", s.handleUpdateStatus)
		})
	})

	r.Post("/v1/payments/flow/confirm", s.handleFlowConfirm)
	r.Get("/v1/payments/flow/return", s.handleFlowReturn)
	r.Post("/v1/payments/flow/return", s.handleFlowReturn)
	return r
}

// ---------------------------------------------------------------------------
// Shipping
// ---------------------------------------------------------------------------

type quoteRequest struct {
	Region   string `json:"region"`
	Method   string `json:"method"`
	Subtotal int64  `json:"subtotal"`
}

func (s *service) handleRegions(w http.ResponseWriter, r *http.Request) {
	httpx.WriteJSON(w, http.StatusOK, map[string]any{
		"items":          shipping.Regions(),
		"free_threshold": s.tariffs.FreeThreshold,
		"event_topic":    "festibox.checkout.shipping.regions.listed",
	})
}

func (s *service) handleQuote(w http.ResponseWriter, r *http.Request) {
	var req quoteRequest
	if err := httpx.DecodeJSON(r, &req, httpx.DefaultBodyLimit); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Subtotal < 0 {
		httpx.WriteError(w, http.StatusBadRequest, "subtotal must not be negative")
		return
	}
	method, err := shipping.ParseMethod(req.Method)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	quote, err := s.tariffs.Quote(req.Region, method, req.Subtotal)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"quote": quote, "event_topic": "festibox.checkout.shipping.quoted"})
}

// ---------------------------------------------------------------------------
// Orders
// ---------------------------------------------------------------------------

func (s *service) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var req createOrderRequest
	if err := httpx.DecodeJSON(r, &req, orderBodyLimit); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	o, err := priceOrder(r.Context(), s.catalog, s.tariffs, req)
	if err != nil {
		var verr *ValidationError
		if errors.As(err, &verr) {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": verr.Error(), "field": verr.Field})
			return
		}
		s.log.Error().Err(err).Msg("catalog lookup failed")
		httpx.WriteError(w, http.StatusBadGateway, "catalog unavailable")
		return
	}
	if err := s.createOrder(r.Context(), o); err != nil {
		s.internalError(w, err)
		return
	}
	s.log.Info().Str("order_id", o.ID).Int64("total", o.Total).Int("lines", len(o.Items)).Msg("order created")
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": o, "event_topic": "festibox.checkout.order.created"})
}

func (s *service) handleGetOrder(w http.ResponseWriter, r *http.Request) {
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
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": o, "event_topic": "festibox.checkout.order.read"})
}

func filterFromRequest(r *http.Request) (orderFilter, error) {
	q := r.URL.Query()
	f := orderFilter{Email: strings.ToLower(strings.TrimSpace(q.Get("email")))}
	if raw := strings.TrimSpace(q.Get("status")); raw != "" {
		f.Status = normalizeStatus(raw)
		if f.Status == "" {
			return orderFilter{}, errors.New("invalid status")
		}
	}
	return f, nil
}

func (s *service) handleListOrders(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromRequest(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := httpx.IntParam(r, "limit", 50, 1, 200)
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	resp, err := s.listOrders(r.Context(), f, cursor, limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": resp.Items, "next_cursor": resp.NextCursor, "cached": resp.Cached, "event_topic": "festibox.checkout.order.listed"})
}

func (s *service) handleExplain(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromRequest(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.explainList(r.Context(), f)
	if err != nil {
		s.internalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"plan": plan, "event_topic": "festibox.checkout.explain.generated"})
}

func (s *service) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req updateStatusRequest
	if err := httpx.DecodeJSON(r, &req, httpx.DefaultBodyLimit); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	status := normalizeStatus(req.Status)
	if status == "" {
		httpx.WriteError(w, http.StatusBadRequest, "invalid status")
		return
	}
	o, changed, err := s.transitionOrder(r.Context(), chi.URLParam(r, "id"), status, nil)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if changed {
		s.log.Info().Str("order_id", o.ID).Str("status", o.Status).Msg("order status changed by admin")
		if o.Status == statusPaid {
			s.sendPaidEmails(o)
		}
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": o, "changed": changed, "event_topic": "festibox.checkout.order.status_updated"})
}

func (s *service) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		httpx.WriteError(w, http.StatusNotFound, "order not found")
	case errors.Is(err, errInvalidTransition):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *service) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("checkout request failed")
	httpx.WriteError(w, http.StatusInternalServerError, "internal error")
}
