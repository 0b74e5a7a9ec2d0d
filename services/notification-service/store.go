package main

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"festibox/shop/internal/mailer"
	"festibox/shop/internal/store"
)

type service struct {
	db         *sql.DB
	log        zerolog.Logger
	cache      *store.ListCache[listResponse]
	mail       *mailer.Mailer
	limiter    *visitorLimiter
	adminToken string

	memMu   sync.RWMutex
	memByID map[string]contactMessage
}

// ---------------------------------------------------------------------------
// DB / Schema
// ---------------------------------------------------------------------------

var schema = []string{
	`CREATE TABLE IF NOT EXISTS festibox_contact_messages (
		id TEXT PRIMARY KEY,
		name TEXT NOT NULL,
		email TEXT NOT NULL,
		message TEXT NOT NULL,
		delivery TEXT NOT NULL CHECK (delivery IN ('pending','sent','failed')),
		provider_id TEXT,
		delivery_error TEXT,
		remote_addr TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		delivered_at TIMESTAMPTZ
	)`,
	`CREATE INDEX IF NOT EXISTS idx_contact_messages_created ON festibox_contact_messages (created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_contact_messages_delivery ON festibox_contact_messages (delivery, created_at DESC)`,
}

const messageColumns = `id, name, email, message, delivery, provider_id, delivery_error, remote_addr, created_at, delivered_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanMessage(row rowScanner) (contactMessage, error) {
	var m contactMessage
	var providerID, deliveryErr, remoteAddr sql.NullString
	var deliveredAt sql.NullTime
	if err := row.Scan(&m.ID, &m.Name, &m.Email, &m.Message, &m.Delivery, &providerID, &deliveryErr, &remoteAddr, &m.CreatedAt, &deliveredAt); err != nil {
		return contactMessage{}, err
	}
	m.ProviderID = providerID.String
	m.DeliveryError = deliveryErr.String
	m.RemoteAddr = remoteAddr.String
	if deliveredAt.Valid {
		t := deliveredAt.Time.UTC()
		m.DeliveredAt = &t
	}
	m.CreatedAt = m.CreatedAt.UTC()
	return m, nil
}

// ---------------------------------------------------------------------------
// CRUD - Create
// ---------------------------------------------------------------------------

func (s *service) createMessage(ctx context.Context, m contactMessage) error {
	if s.db == nil {
		s.memMu.Lock()
		s.memByID[m.ID] = m
		s.memMu.Unlock()
		s.cache.Invalidate("")
		return nil
	}
	q := `INSERT INTO festibox_contact_messages (` + messageColumns + `) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`
	if _, err := s.db.ExecContext(ctx, q,
		m.ID, m.Name, m.Email, m.Message, m.Delivery,
		store.NilIfEmpty(m.ProviderID), store.NilIfEmpty(m.DeliveryError), store.NilIfEmpty(m.RemoteAddr),
		m.CreatedAt, m.DeliveredAt,
	); err != nil {
		return err
	}
	s.cache.Invalidate("")
	return nil
}

// ---------------------------------------------------------------------------
// CRUD - Read
// ---------------------------------------------------------------------------

func (s *service) getMessage(ctx context.Context, id string) (contactMessage, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		m, ok := s.memByID[id]
		if !ok {
			return contactMessage{}, sql.ErrNoRows
		}
		return m, nil
	}
	return scanMessage(s.db.QueryRowContext(ctx, `SELECT `+messageColumns+` FROM festibox_contact_messages WHERE id = $1`, id))
}

// ---------------------------------------------------------------------------
// CRUD - Update
// ---------------------------------------------------------------------------

// recordDelivery stores the outcome of the owner email for message id.
func (s *service) recordDelivery(ctx context.Context, id, delivery, providerID, deliveryErr string, at time.Time) error {
	deliveryErr = truncate(deliveryErr, maxErrorLen)
	if s.db == nil {
		s.memMu.Lock()
		m, ok := s.memByID[id]
		if ok {
			m.Delivery = delivery
			m.ProviderID = providerID
			m.DeliveryError = deliveryErr
			m.DeliveredAt = &at
			s.memByID[id] = m
		}
		s.memMu.Unlock()
		if !ok {
			return sql.ErrNoRows
		}
		s.cache.Invalidate("")
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE festibox_contact_messages SET delivery = $2, provider_id = $3, delivery_error = $4, delivered_at = $5 WHERE id = $1`,
		id, delivery, store.NilIfEmpty(providerID), store.NilIfEmpty(deliveryErr), at)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return sql.ErrNoRows
	}
	s.cache.Invalidate("")
	return nil
}

// ---------------------------------------------------------------------------
// CRUD - List
// ---------------------------------------------------------------------------

type messageFilter struct {
	Delivery string
}

func (f messageFilter) cacheKey(cursor string, limit int) string {
	return fmt.Sprintf("messages|%s|%s|%d", f.Delivery, cursor, limit)
}

func (f messageFilter) where() *store.Where {
	w := &store.Where{}
	if f.Delivery != "" {
		w.Add("delivery = ?", f.Delivery)
	}
	return w
}

func (s *service) listMessages(ctx context.Context, f messageFilter, cursor string, limit int) (listResponse, error) {
	key := f.cacheKey(cursor, limit)
	if cursor == "" {
		if cached, ok := s.cache.Get(key); ok {
			cached.Cached = true
			return cached, nil
		}
	}

	cursorTime, cursorID, err := store.ParseTimeCursor(cursor)
	if err != nil {
		return listResponse{}, err
	}

	var items []contactMessage
	if s.db == nil {
		items = s.listMessagesMemory(f, cursorTime, cursorID, limit)
	} else {
		w := f.where()
		if cursor != "" {
			w.Add("(created_at, id) < (?, ?)", cursorTime, cursorID)
		}
		q := fmt.Sprintf(`SELECT %s FROM festibox_contact_messages WHERE %s ORDER BY created_at DESC, id DESC LIMIT %s`,
			messageColumns, w.SQL(), w.Arg(limit+1))
		rows, err := s.db.QueryContext(ctx, q, w.Args()...)
		if err != nil {
			return listResponse{}, err
		}
		defer rows.Close()
		for rows.Next() {
			m, err := scanMessage(rows)
			if err != nil {
				return listResponse{}, err
			}
			items = append(items, m)
		}
		if err := rows.Err(); err != nil {
			return listResponse{}, err
		}
	}

	resp := listResponse{Items: items}
	if len(items) > limit {
		last := items[limit-1]
		resp.Items = items[:limit]
		resp.NextCursor = store.EncodeTimeCursor(last.CreatedAt, last.ID)
	}
	if resp.Items == nil {
		resp.Items = []contactMessage{}
	}
	if cursor == "" {
		s.cache.Set(key, resp)
	}
	return resp, nil
}

func (s *service) listMessagesMemory(f messageFilter, cursorTime time.Time, cursorID string, limit int) []contactMessage {
	s.memMu.RLock()
	items := make([]contactMessage, 0, len(s.memByID))
	for _, m := range s.memByID {
		if f.Delivery != "" && m.Delivery != f.Delivery {
			continue
		}
		if cursorID != "" && !m.CreatedAt.Before(cursorTime) &&
			!(m.CreatedAt.Equal(cursorTime) && m.ID < cursorID) {
			continue
		}
		items = append(items, m)
	}
	s.memMu.RUnlock()

	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID > items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
	if len(items) > limit+1 {
		items = items[:limit+1]
	}
	return items
}

// ---------------------------------------------------------------------------
// Explain
// ---------------------------------------------------------------------------

func (s *service) explainList(ctx context.Context, f messageFilter) (any, error) {
	if s.db == nil {
		return map[string]any{"mode": "memory", "note": "no SQL plan available"}, nil
	}
	w := f.where()
	q := fmt.Sprintf(`SELECT %s FROM festibox_contact_messages WHERE %s ORDER BY created_at DESC, id DESC LIMIT 50`, messageColumns, w.SQL())
	return store.ExplainJSON(ctx, s.db, q, w.Args()...)
}
