package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/rs/zerolog"

	"festibox/shop/internal/store"
)

type service struct {
	db         *sql.DB
	log        zerolog.Logger
	adminToken string
	cache      *store.ListCache[listResponse]
	memMu      sync.RWMutex
	memByID    map[string]product
}

// listFilter selects products. Active nil means active and inactive.
type listFilter struct {
	Kind   string
	Active *bool
}

func (f listFilter) cacheKey(cursor string, limit int) string {
	active := "all"
	if f.Active != nil {
		active = fmt.Sprint(*f.Active)
	}
	return fmt.Sprintf("products|%s|%s|%s|%d", f.Kind, active, cursor, limit)
}

// ---------------------------------------------------------------------------
// DB / Schema
// ---------------------------------------------------------------------------

var schema = []string{
	`CREATE TABLE IF NOT EXISTS festibox_products (
		id TEXT PRIMARY KEY,
		slug TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL,
		description TEXT,
		kind TEXT NOT NULL CHECK (kind IN ('cube','card_box','addon')),
		price BIGINT NOT NULL CHECK (price > 0),
		currency TEXT NOT NULL DEFAULT 'CLP',
		face_count INT NOT NULL DEFAULT 0,
		message_max_len INT NOT NULL DEFAULT 120,
		image_url TEXT,
		active BOOLEAN NOT NULL DEFAULT TRUE,
		position INT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_products_active_position ON festibox_products (active, position, id)`,
	`CREATE INDEX IF NOT EXISTS idx_products_kind ON festibox_products (kind)`,
}

const productColumns = `id, slug, name, description, kind, price, currency, face_count, message_max_len, image_url, active, position, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProduct(row rowScanner) (product, error) {
	var p product
	var description, imageURL sql.NullString
	if err := row.Scan(&p.ID, &p.Slug, &p.Name, &description, &p.Kind, &p.Price, &p.Currency,
		&p.FaceCount, &p.MessageMaxLen, &imageURL, &p.Active, &p.Position, &p.CreatedAt, &p.UpdatedAt); err != nil {
		return product{}, err
	}
	p.Description = description.String
	p.ImageURL = imageURL.String
	return p, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// ---------------------------------------------------------------------------
// CRUD - Create
// ---------------------------------------------------------------------------

func (s *service) createProduct(ctx context.Context, p product) error {
	if s.db == nil {
		s.memMu.Lock()
		for _, existing := range s.memByID {
			if existing.Slug == p.Slug {
				s.memMu.Unlock()
				return errDuplicateSlug
			}
		}
		s.memByID[p.ID] = p
		s.memMu.Unlock()
		s.cache.Invalidate("")
		return nil
	}

	q := `INSERT INTO festibox_products (` + productColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	if _, err := s.db.ExecContext(ctx, q,
		p.ID, p.Slug, p.Name, store.NilIfEmpty(p.Description), p.Kind, p.Price, p.Currency,
		p.FaceCount, p.MessageMaxLen, store.NilIfEmpty(p.ImageURL), p.Active, p.Position, p.CreatedAt, p.UpdatedAt,
	); err != nil {
		if isUniqueViolation(err) {
			return errDuplicateSlug
		}
		return err
	}
	s.cache.Invalidate("")
	return nil
}

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

// getProduct resolves ref as an id first, then as a slug.
func (s *service) getProduct(ctx context.Context, ref string) (product, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		if p, ok := s.memByID[ref]; ok {
			return p, nil
		}
		for _, p := range s.memByID {
			if p.Slug == ref {
				return p, nil
			}
		}
		return product{}, sql.ErrNoRows
	}

	q := `SELECT ` + productColumns + ` FROM festibox_products WHERE id = $1 OR slug = $1 LIMIT 1`
	return scanProduct(s.db.QueryRowContext(ctx, q, ref))
}

func (s *service) countProducts(ctx context.Context) (int, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		return len(s.memByID), nil
	}
	var n int
	err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM festibox_products`).Scan(&n)
	return n, err
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

func (s *service) listProducts(ctx context.Context, f listFilter, cursor string, limit int) (listResponse, error) {
	key := f.cacheKey(cursor, limit)
	if cursor == "" {
		if cached, ok := s.cache.Get(key); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	position, cursorID, hasCursor, err := store.ParsePositionCursor(cursor)
	if err != nil {
		return listResponse{}, err
	}

	var resp listResponse
	if s.db == nil {
		resp = s.listProductsMemory(f, position, cursorID, hasCursor, limit)
	} else {
		var w store.Where
		if f.Kind != "" {
			w.Add("kind = ?", f.Kind)
		}
		if f.Active != nil {
			w.Add("active = ?", *f.Active)
		}
		if hasCursor {
			w.Add("(position, id) > (?, ?)", position, cursorID)
		}
		q := fmt.Sprintf(`SELECT %s FROM festibox_products WHERE %s ORDER BY position ASC, id ASC LIMIT %s`,
			productColumns, w.SQL(), w.Arg(limit+1))

		rows, err := s.db.QueryContext(ctx, q, w.Args()...)
		if err != nil {
			return listResponse{}, err
		}
		defer rows.Close()

		items := make([]product, 0, limit+1)
		for rows.Next() {
			p, err := scanProduct(rows)
			if err != nil {
				return listResponse{}, err
			}
			items = append(items, p)
		}
		if err := rows.Err(); err != nil {
			return listResponse{}, err
		}
		resp = paginate(items, limit)
	}

	if cursor == "" {
		s.cache.Set(key, resp)
	}
	return resp, nil
}

func (s *service) listProductsMemory(f listFilter, position int, cursorID string, hasCursor bool, limit int) listResponse {
	s.memMu.RLock()
	items := make([]product, 0, len(s.memByID))
	for _, p := range s.memByID {
		if f.Kind != "" && p.Kind != f.Kind {
			continue
		}
		if f.Active != nil && p.Active != *f.Active {
			continue
		}
		if hasCursor && (p.Position < position || (p.Position == position && p.ID <= cursorID)) {
			continue
		}
		items = append(items, p)
	}
	s.memMu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].Position == items[j].Position {
			return items[i].ID < items[j].ID
		}
		return items[i].Position < items[j].Position
	})
	return paginate(items, limit)
}

func paginate(items []product, limit int) listResponse {
	resp := listResponse{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		resp.Items = items[:limit]
		resp.NextCursor = store.EncodePositionCursor(last.Position, last.ID)
	}
	if resp.Items == nil {
		resp.Items = []product{}
	}
	return resp
}

// ---------------------------------------------------------------------------
// CRUD - Update
// ---------------------------------------------------------------------------

func (s *service) updateProduct(ctx context.Context, id string, req updateProductRequest) (product, error) {
	if req.empty() {
		return product{}, errEmptyUpdate
	}

	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		current, ok := s.memByID[id]
		if !ok {
			return product{}, sql.ErrNoRows
		}
		updated, err := applyUpdate(current, req)
		if err != nil {
			return product{}, err
		}
		for otherID, other := range s.memByID {
			if otherID != id && other.Slug == updated.Slug {
				return product{}, errDuplicateSlug
			}
		}
		s.memByID[id] = updated
		s.cache.Invalidate("")
		return updated, nil
	}

	current, err := scanProduct(s.db.QueryRowContext(ctx,
		`SELECT `+productColumns+` FROM festibox_products WHERE id = $1`, id))
	if err != nil {
		return product{}, err
	}
	updated, err := applyUpdate(current, req)
	if err != nil {
		return product{}, err
	}
	res, err := s.db.ExecContext(ctx, `UPDATE festibox_products
		SET slug=$2, name=$3, description=$4, kind=$5, price=$6, face_count=$7, message_max_len=$8,
			image_url=$9, active=$10, position=$11, updated_at=$12
		WHERE id=$1`,
		id, updated.Slug, updated.Name, store.NilIfEmpty(updated.Description), updated.Kind, updated.Price,
		updated.FaceCount, updated.MessageMaxLen, store.NilIfEmpty(updated.ImageURL), updated.Active,
		updated.Position, updated.UpdatedAt,
	)
	if err != nil {
		if isUniqueViolation(err) {
			return product{}, errDuplicateSlug
		}
		return product{}, err
	}
	if affected, err := res.RowsAffected(); err != nil {
		return product{}, err
	} else if affected == 0 {
		return product{}, sql.ErrNoRows
	}
	s.cache.Invalidate("")
	return updated, nil
}

// ---------------------------------------------------------------------------
// CRUD - Delete
// ---------------------------------------------------------------------------

func (s *service) deleteProduct(ctx context.Context, id string) error {
	if s.db == nil {
		s.memMu.Lock()
		if _, ok := s.memByID[id]; !ok {
			s.memMu.Unlock()
			return sql.ErrNoRows
		}
		delete(s.memByID, id)
		s.memMu.Unlock()
		s.cache.Invalidate("")
		return nil
	}

	res, err := s.db.ExecContext(ctx, `DELETE FROM festibox_products WHERE id=$1`, id)
	if err != nil {
		return err
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	s.cache.Invalidate("")
	return nil
}

// ---------------------------------------------------------------------------
// Explain
// ---------------------------------------------------------------------------

func (s *service) explainList(ctx context.Context, f listFilter) (any, error) {
	if s.db == nil {
		return map[string]any{"mode": "memory", "note": "no SQL plan available"}, nil
	}
	var w store.Where
	if f.Kind != "" {
		w.Add("kind = ?", f.Kind)
	}
	if f.Active != nil {
		w.Add("active = ?", *f.Active)
	}
	q := fmt.Sprintf(`SELECT %s FROM festibox_products WHERE %s ORDER BY position ASC, id ASC LIMIT 50`, productColumns, w.SQL())
	return store.ExplainJSON(ctx, s.db, q, w.Args()...)
}
