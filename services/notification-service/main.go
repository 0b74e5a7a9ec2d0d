package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"festibox/shop/internal/config"
	"festibox/shop/internal/httpx"
	"festibox/shop/internal/logging"
	"festibox/shop/internal/mailer"
	"festibox/shop/internal/store"
)

const (
	serviceName  = "notification-service"
	contactLimit = 16 << 10
	sendTimeout  = 20 * time.Second
)

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
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	if cfg.Email.Owner == "" {
		logger.Warn().Msg("EMAIL_OWNER not set, contact messages will be stored but not forwarded")
	}

	var sender mailer.Sender = mailer.NopSender{Logger: logger}
	if cfg.Email.ResendAPIKey != "" {
		sender = mailer.NewResendSender(cfg.Email.ResendAPIKey)
	} else {
		logger.Warn().Msg("RESEND_API_KEY not set, emails will only be logged")
	}
	svc := newService(logger, cfg, mailer.New(sender, cfg.Email.From, cfg.Email.Owner))

	ctx := context.Background()
	if db, err := store.Connect(ctx, cfg.Database); err != nil {
		logger.Warn().Err(err).Msg("database unavailable, running notifications in memory mode")
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
	if err := httpx.ListenAndServe(srv, logger); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func newService(logger zerolog.Logger, cfg config.Config, mail *mailer.Mailer) *service {
	return &service{
		log:        logger,
		cache:      store.NewListCache[listResponse](cfg.Cache.TTL),
		mail:       mail,
		limiter:    newVisitorLimiter(cfg.Contact.RatePerMinute, cfg.Contact.Burst),
		adminToken: cfg.Shop.AdminToken,
		memByID:    make(map[string]contactMessage),
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

	r.With(s.limiter.Middleware).Post("/v1/contact", s.handleContact)

	r.Route("/v1/messages", func(r chi.Router) {
		r.Use(httpx.AdminOnly(s.adminToken))
		r.Get("/", s.handleList)
		r.Get("/_explain", s.handleExplain)
		r.Get("/{id}", s.handleGet)
	})
	return r
}

func (s *service) handleContact(w http.ResponseWriter, r *http.Request) {
	var req contactRequest
	if err := httpx.DecodeJSON(r, &req, contactLimit); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Website) != "" {
		s.log.Info().Str("remote_addr", clientAddr(r)).Msg("contact honeypot triggered, message dropped")
		httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"id": newMessageID(), "event_topic": "festibox.notification.contact.received"})
		return
	}

	m, err := buildMessage(req, clientAddr(r))
	if err != nil {
		var ferr *FieldError
		if errors.As(err, &ferr) {
			httpx.WriteJSON(w, http.StatusBadRequest, map[string]string{"error": ferr.Error(), "field": ferr.Field})
			return
		}
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.createMessage(r.Context(), m); err != nil {
		s.internalError(w, err)
		return
	}

	m = s.forward(r.Context(), m)
	httpx.WriteJSON(w, http.StatusAccepted, map[string]any{"id": m.ID, "delivery": m.Delivery, "event_topic": "festibox.notification.contact.received"})
}

// forward emails the message to the owner and records the outcome. A failed
// delivery keeps the stored message.
func (s *service) forward(ctx context.Context, m contactMessage) contactMessage {
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), sendTimeout)
	defer cancel()

	providerID, err := s.mail.ContactMessage(sendCtx, mailer.Contact{ID: m.ID, Name: m.Name, Email: m.Email, Message: m.Message})
	now := time.Now().UTC()
	if err != nil {
		s.log.Error().Err(err).Str("message_id", m.ID).Msg("contact email failed")
		m.Delivery, m.DeliveryError = deliveryFailed, err.Error()
	} else {
		s.log.Info().Str("message_id", m.ID).Str("provider_id", providerID).Msg("contact email sent")
		m.Delivery, m.ProviderID = deliverySent, providerID
	}
	if err := s.recordDelivery(sendCtx, m.ID, m.Delivery, m.ProviderID, m.DeliveryError, now); err != nil {
		s.log.Error().Err(err).Str("message_id", m.ID).Msg("record contact delivery")
	}
	return m
}

func filterFromRequest(r *http.Request) (messageFilter, error) {
	f := messageFilter{Delivery: strings.ToLower(strings.TrimSpace(r.URL.Query().Get("delivery")))}
	if f.Delivery != "" && !validDelivery(f.Delivery) {
		return messageFilter{}, errors.New("invalid delivery filter")
	}
	return f, nil
}

func (s *service) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromRequest(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := httpx.IntParam(r, "limit", 50, 1, 200)
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	resp, err := s.listMessages(r.Context(), f, cursor, limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": resp.Items, "next_cursor": resp.NextCursor, "cached": resp.Cached, "event_topic": "festibox.notification.message.listed"})
}

func (s *service) handleGet(w http.ResponseWriter, r *http.Request) {
	m, err := s.getMessage(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			httpx.WriteError(w, http.StatusNotFound, "message not found")
			return
		}
		s.internalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": m, "event_topic": "festibox.notification.message.read"})
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
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"plan": plan, "event_topic": "festibox.notification.explain.generated"})
}

func (s *service) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("notification request failed")
	httpx.WriteError(w, http.StatusInternalServerError, "internal error")
}
