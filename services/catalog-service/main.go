package main

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"os"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"festibox/shop/internal/config"
	"festibox/shop/internal/httpx"
	"festibox/shop/internal/logging"
	"festibox/shop/internal/store"
)

const serviceName = "catalog-service"

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

	svc := newService(logger, cfg)

	ctx := context.Background()
	if db, err := store.Connect(ctx, cfg.Database); err != nil {
		logger.Warn().Err(err).Msg("database unavailable, running catalog in memory mode")
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

	n, err := svc.seed(ctx, cfg.Shop.CatalogSeed)
	if err != nil {
		logger.Fatal().Err(err).Msg("seed catalog")
	}
	if n > 0 {
		logger.Info().Int("products", n).Msg("catalog seeded")
	}

	srv := httpx.NewServer(cfg.Service.Port, svc.routes(cfg.Service.Module, cfg.Shop.PublicURL))
	if err := httpx.ListenAndServe(srv, logger); err != nil {
		logger.Error().Err(err).Msg("server stopped")
		os.Exit(1)
	}
}

func newService(logger zerolog.Logger, cfg config.Config) *service {
	return &service{
		log:        logger,
		adminToken: cfg.Shop.AdminToken,
		cache:      store.NewListCache[listResponse](cfg.Cache.TTL),
		memByID:    make(map[string]product),
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

	r.Route("/v1/products", func(r chi.Router) {
		r.Get("/", s.handleList)
		r.Get("/{ref}", s.handleGet)

		r.Group(func(r chi.Router) {
			r.Use(httpx.AdminOnly(s.adminToken))
			r.Get("/_explain", s.handleExplain)
			r.Post("/", s.handleCreate)
			r.Patch("/{ref}", s.handleUpdate)
			r.Put("/{ref}", s.handleUpdate)
			r.Delete("/{ref}", s.handleDelete)
		})
	})
	return r
}

// filterFromRequest applies the public default of active products only. Only
// admins may widen it with active=all or active=false.
func (s *service) filterFromRequest(r *http.Request) (listFilter, error) {
	q := r.URL.Query()
	f := listFilter{}
	if raw := strings.TrimSpace(q.Get("kind")); raw != "" {
		f.Kind = normalizeKind(raw)
		if f.Kind == "" {
			return listFilter{}, errors.New("kind must be one of cube, card_box, addon")
		}
	}

	active := true
	f.Active = &active
	raw := strings.ToLower(strings.TrimSpace(q.Get("active")))
	if raw == "" || raw == "true" {
		return f, nil
	}
	if !httpx.IsAdmin(r, s.adminToken) {
		return f, nil
	}
	if raw == "all" {
		f.Active = nil
		return f, nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return listFilter{}, errors.New("active must be true, false or all")
	}
	f.Active = &v
	return f, nil
}

func (s *service) handleList(w http.ResponseWriter, r *http.Request) {
	f, err := s.filterFromRequest(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	limit := httpx.IntParam(r, "limit", 50, 1, 200)
	cursor := strings.TrimSpace(r.URL.Query().Get("cursor"))
	resp, err := s.listProducts(r.Context(), f, cursor, limit)
	if err != nil {
		if errors.Is(err, store.ErrInvalidCursor) {
			httpx.WriteError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.internalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"items": resp.Items, "next_cursor": resp.NextCursor, "cached": resp.Cached, "event_topic": "festibox.catalog.product.listed"})
}

func (s *service) handleGet(w http.ResponseWriter, r *http.Request) {
	ref := strings.TrimSpace(chi.URLParam(r, "ref"))
	p, err := s.getProduct(r.Context(), ref)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if !p.Active && !httpx.IsAdmin(r, s.adminToken) {
		httpx.WriteError(w, http.StatusNotFound, "product not found")
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": p, "event_topic": "festibox.catalog.product.read"})
}

func (s *service) handleExplain(w http.ResponseWriter, r *http.Request) {
	f, err := s.filterFromRequest(r)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	plan, err := s.explainList(r.Context(), f)
	if err != nil {
		s.internalError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"plan": plan, "event_topic": "festibox.catalog.explain.generated"})
}

func (s *service) handleCreate(w http.ResponseWriter, r *http.Request) {
	var req createProductRequest
	if err := httpx.DecodeJSON(r, &req, httpx.DefaultBodyLimit); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	p, err := buildCreateProduct(req)
	if err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.createProduct(r.Context(), p); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info().Str("product_id", p.ID).Str("slug", p.Slug).Msg("product created")
	httpx.WriteJSON(w, http.StatusCreated, map[string]any{"item": p, "event_topic": "festibox.catalog.product.created"})
}

func (s *service) handleUpdate(w http.ResponseWriter, r *http.Request) {
	var req updateProductRequest
	if err := httpx.DecodeJSON(r, &req, httpx.DefaultBodyLimit); err != nil {
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
		return
	}
	current, err := s.getProduct(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	updated, err := s.updateProduct(r.Context(), current.ID, req)
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"item": updated, "event_topic": "festibox.catalog.product.updated"})
}

func (s *service) handleDelete(w http.ResponseWriter, r *http.Request) {
	current, err := s.getProduct(r.Context(), chi.URLParam(r, "ref"))
	if err != nil {
		s.writeStoreError(w, err)
		return
	}
	if err := s.deleteProduct(r.Context(), current.ID); err != nil {
		s.writeStoreError(w, err)
		return
	}
	s.log.Info().Str("product_id", current.ID).Msg("product deleted")
	httpx.WriteJSON(w, http.StatusOK, map[string]any{"id": current.ID, "event_topic": "festibox.catalog.product.deleted"})
}

func (s *service) writeStoreError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sql.ErrNoRows):
		httpx.WriteError(w, http.StatusNotFound, "product not found")
	case errors.Is(err, errDuplicateSlug):
		httpx.WriteError(w, http.StatusConflict, err.Error())
	case errors.Is(err, errEmptyUpdate), errors.Is(err, errInvalidProduct):
		httpx.WriteError(w, http.StatusBadRequest, err.Error())
	default:
		s.internalError(w, err)
	}
}

func (s *service) internalError(w http.ResponseWriter, err error) {
	s.log.Error().Err(err).Msg("catalog request failed")
	httpx.WriteError(w, http.StatusInternalServerError, "internal error")
}
