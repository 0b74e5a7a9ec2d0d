package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"festibox/shop/internal/flow"
	"festibox/shop/internal/mailer"
	"festibox/shop/internal/shipping"
	"festibox/shop/internal/store"
)

// paymentGateway is the part of the Flow client checkout uses.
type paymentGateway interface {
	CreatePayment(ctx context.Context, req flow.PaymentRequest) (flow.PaymentOrder, error)
	PaymentStatus(ctx context.Context, token string) (flow.PaymentStatus, error)
}

type service struct {
	db      *sql.DB
	log     zerolog.Logger
	cache   *store.ListCache[listResponse]
	catalog productCatalog
	gateway paymentGateway
	mail    *mailer.Mailer
	tariffs shipping.Tariffs

	adminToken    string
	publicURL     string
	apiURL        string
	paymentMethod int
	retryPolicy   func() backoff.BackOff
	// emails tracks in-flight notification goroutines so tests and shutdown
	// can wait for them.
	emails sync.WaitGroup

	memMu       sync.RWMutex
	memOrders   map[string]order
	memPayments map[string]payment
}

type payment struct {
	Token     string    `json:"token"`
	OrderID   string    `json:"order_id"`
	FlowOrder int64     `json:"flow_order"`
	Amount    int64     `json:"amount"`
	Status    string    `json:"status"`
	Media     string    `json:"media,omitempty"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

type orderFilter struct {
	Status string
	Email  string
}

type listResponse struct {
	Items      []order `json:"items"`
	NextCursor string  `json:"next_cursor,omitempty"`
	Cached     bool    `json:"cached"`
}

// ---------------------------------------------------------------------------
// DB / Schema
// ---------------------------------------------------------------------------

var schema = []string{
	`CREATE TABLE IF NOT EXISTS festibox_orders (
		id TEXT PRIMARY KEY,
		customer_name TEXT NOT NULL,
		customer_email TEXT NOT NULL,
		customer_phone TEXT,
		shipping_method TEXT NOT NULL CHECK (shipping_method IN ('delivery','pickup')),
		region TEXT,
		region_name TEXT,
		commune TEXT,
		address TEXT,
		notes TEXT,
		items JSONB NOT NULL,
		subtotal BIGINT NOT NULL,
		shipping BIGINT NOT NULL DEFAULT 0,
		total BIGINT NOT NULL CHECK (total > 0),
		currency TEXT NOT NULL DEFAULT 'CLP',
		status TEXT NOT NULL CHECK (status IN ('pending_payment','paid','rejected','cancelled','shipped','delivered')),
		flow_token TEXT,
		flow_order BIGINT,
		payment_media TEXT,
		paid_at TIMESTAMPTZ,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_created ON festibox_orders (created_at DESC, id DESC)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_status ON festibox_orders (status)`,
	`CREATE INDEX IF NOT EXISTS idx_orders_email ON festibox_orders (customer_email)`,
	`CREATE TABLE IF NOT EXISTS festibox_payments (
		token TEXT PRIMARY KEY,
		order_id TEXT NOT NULL REFERENCES festibox_orders (id) ON DELETE CASCADE,
		flow_order BIGINT NOT NULL,
		amount BIGINT NOT NULL,
		status TEXT NOT NULL,
		media TEXT,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	)`,
	`CREATE INDEX IF NOT EXISTS idx_payments_order ON festibox_payments (order_id)`,
}

const orderColumns = `id, customer_name, customer_email, customer_phone, shipping_method, region, region_name, commune, address, notes,
	items, subtotal, shipping, total, currency, status, flow_token, flow_order, payment_media, paid_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(row rowScanner) (order, error) {
	var (
		o                                            order
		phone, region, regionName, commune, address sql.NullString
		notes, flowToken, media                      sql.NullString
		flowOrder                                    sql.NullInt64
		paidAt                                       sql.NullTime
		items                                        []byte
	)
	if err := row.Scan(&o.ID, &o.CustomerName, &o.CustomerEmail, &phone, &o.ShippingMethod, &region, &regionName,
		&commune, &address, &notes, &items, &o.Subtotal, &o.Shipping, &o.Total, &o.Currency, &o.Status,
		&flowToken, &flowOrder, &media, &paidAt, &o.CreatedAt, &o.UpdatedAt); err != nil {
		return order{}, err
	}
	if err := json.Unmarshal(items, &o.Items); err != nil {
		return order{}, fmt.Errorf("decode order items: %w", err)
	}
	o.CustomerPhone = phone.String
	o.Region = region.String
	o.RegionName = regionName.String
	o.Commune = commune.String
	o.Address = address.String
	o.Notes = notes.String
	o.FlowToken = flowToken.String
	o.FlowOrder = flowOrder.Int64
	o.PaymentMedia = media.String
	if paidAt.Valid {
		t := paidAt.Time.UTC()
		o.PaidAt = &t
	}
	return o, nil
}

func nullInt64(v int64) any {
	if v == 0 {
		return nil
	}
	return v
}

// ---------------------------------------------------------------------------
// Orders - Create / Read
// ---------------------------------------------------------------------------

func (s *service) createOrder(ctx context.Context, o order) error {
	if s.db == nil {
		s.memMu.Lock()
		s.memOrders[o.ID] = o
		s.memMu.Unlock()
		s.cache.Invalidate("")
		return nil
	}

	items, err := json.Marshal(o.Items)
	if err != nil {
		return fmt.Errorf("encode order items: %w", err)
	}
	q := `INSERT INTO festibox_orders (` + orderColumns + `)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)`
	if _, err := s.db.ExecContext(ctx, q,
		o.ID, o.CustomerName, o.CustomerEmail, store.NilIfEmpty(o.CustomerPhone), o.ShippingMethod,
		store.NilIfEmpty(o.Region), store.NilIfEmpty(o.RegionName), store.NilIfEmpty(o.Commune),
		store.NilIfEmpty(o.Address), store.NilIfEmpty(o.Notes), string(items), o.Subtotal, o.Shipping, o.Total,
		o.Currency, o.Status, store.NilIfEmpty(o.FlowToken), nullInt64(o.FlowOrder), store.NilIfEmpty(o.PaymentMedia),
		o.PaidAt, o.CreatedAt, o.UpdatedAt,
	); err != nil {
		return err
	}
	s.cache.Invalidate("")
	return nil
}

func (s *service) getOrder(ctx context.Context, id string) (order, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		o, ok := s.memOrders[id]
		if !ok {
			return order{}, sql.ErrNoRows
		}
		return o, nil
	}
	return scanOrder(s.db.QueryRowContext(ctx, `SELECT `+orderColumns+` FROM festibox_orders WHERE id = $1`, id))
}

// ---------------------------------------------------------------------------
// Orders - List
// ---------------------------------------------------------------------------

func (f orderFilter) cacheKey(cursor string, limit int) string {
	return fmt.Sprintf("orders|%s|%s|%s|%d", f.Status, f.Email, cursor, limit)
}

func (f orderFilter) where() *store.Where {
	w := &store.Where{}
	if f.Status != "" {
		w.Add("status = ?", f.Status)
	}
	if f.Email != "" {
		w.Add("customer_email = ?", f.Email)
	}
	return w
}

func (s *service) listOrders(ctx context.Context, f orderFilter, cursor string, limit int) (listResponse, error) {
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

	var items []order
	if s.db == nil {
		items = s.listOrdersMemory(f, cursorTime, cursorID, limit)
	} else {
		w := f.where()
		if cursor != "" {
			w.Add("(created_at, id) < (?, ?)", cursorTime, cursorID)
		}
		q := fmt.Sprintf(`SELECT %s FROM festibox_orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT %s`,
			orderColumns, w.SQL(), w.Arg(limit+1))
		rows, err := s.db.QueryContext(ctx, q, w.Args()...)
		if err != nil {
			return listResponse{}, err
		}
		defer rows.Close()
		for rows.Next() {
			o, err := scanOrder(rows)
			if err != nil {
				return listResponse{}, err
			}
			items = append(items, o.withoutFaces())
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
		resp.Items = []order{}
	}
	if cursor == "" {
		s.cache.Set(key, resp)
	}
	return resp, nil
}

func (s *service) listOrdersMemory(f orderFilter, cursorTime time.Time, cursorID string, limit int) []order {
	s.memMu.RLock()
	items := make([]order, 0, len(s.memOrders))
	for _, o := range s.memOrders {
		if f.Status != "" && o.Status != f.Status {
			continue
		}
		if f.Email != "" && o.CustomerEmail != f.Email {
			continue
		}
		if cursorID != "" && !o.CreatedAt.Before(cursorTime) &&
			!(o.CreatedAt.Equal(cursorTime) && o.ID < cursorID) {
			continue
		}
		items = append(items, o.withoutFaces())
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
// Orders - Transitions
// ---------------------------------------------------------------------------

// transitionOrder moves an order to status under a row lock. mutate runs only
// when the status actually changes. changed is false for a same-status no-op.
func (s *service) transitionOrder(ctx context.Context, id, status string, mutate func(*order)) (o order, changed bool, err error) {
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		current, ok := s.memOrders[id]
		if !ok {
			return order{}, false, sql.ErrNoRows
		}
		next, changed, err := applyTransition(current, status, mutate)
		if err != nil || !changed {
			return next, false, err
		}
		s.memOrders[id] = next
		s.cache.Invalidate("")
		return next, true, nil
	}

	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM festibox_orders WHERE id = $1 FOR UPDATE`, id))
		if err != nil {
			return err
		}
		o, changed, err = applyTransition(current, status, mutate)
		if err != nil || !changed {
			return err
		}
		return updateOrderState(ctx, tx, o)
	})
	if err != nil {
		return order{}, false, err
	}
	if changed {
		s.cache.Invalidate("")
	}
	return o, changed, nil
}

func applyTransition(current order, status string, mutate func(*order)) (order, bool, error) {
	if !canTransition(current.Status, status) {
		return current, false, fmt.Errorf("%w: %s -> %s", errInvalidTransition, current.Status, status)
	}
	if current.Status == status {
		return current, false, nil
	}
	next := current
	next.Status = status
	next.UpdatedAt = time.Now().UTC()
	if status == statusPaid && next.PaidAt == nil {
		paid := next.UpdatedAt
		next.PaidAt = &paid
	}
	if mutate != nil {
		mutate(&next)
	}
	return next, true, nil
}

func updateOrderState(ctx context.Context, tx *sql.Tx, o order) error {
	_, err := tx.ExecContext(ctx, `UPDATE festibox_orders
		SET status=$2, flow_token=$3, flow_order=$4, payment_media=$5, paid_at=$6, updated_at=$7
		WHERE id=$1`,
		o.ID, o.Status, store.NilIfEmpty(o.FlowToken), nullInt64(o.FlowOrder), store.NilIfEmpty(o.PaymentMedia),
		o.PaidAt, o.UpdatedAt)
	return err
}

func (s *service) inTx(ctx context.Context, fn func(*sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---------------------------------------------------------------------------
// Payments
// ---------------------------------------------------------------------------

// startPayment records a new Flow payment attempt and points the order at
// it, reopening rejected or cancelled orders.
func (s *service) startPayment(ctx context.Context, p payment) (order, error) {
	attach := func(current order) (order, error) {
		if !canTransition(current.Status, statusPendingPayment) {
			return order{}, fmt.Errorf("%w: %s -> %s", errInvalidTransition, current.Status, statusPendingPayment)
		}
		current.Status = statusPendingPayment
		current.FlowToken = p.Token
		current.FlowOrder = p.FlowOrder
		current.PaymentMedia = ""
		current.UpdatedAt = p.CreatedAt
		return current, nil
	}

	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		current, ok := s.memOrders[p.OrderID]
		if !ok {
			return order{}, sql.ErrNoRows
		}
		next, err := attach(current)
		if err != nil {
			return order{}, err
		}
		s.memOrders[next.ID] = next
		s.memPayments[p.Token] = p
		s.cache.Invalidate("")
		return next, nil
	}

	var next order
	err := s.inTx(ctx, func(tx *sql.Tx) error {
		current, err := scanOrder(tx.QueryRowContext(ctx,
			`SELECT `+orderColumns+` FROM festibox_orders WHERE id = $1 FOR UPDATE`, p.OrderID))
		if err != nil {
			return err
		}
		if next, err = attach(current); err != nil {
			return err
		}
		if err := updateOrderState(ctx, tx, next); err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `INSERT INTO festibox_payments (token, order_id, flow_order, amount, status, media, created_at, updated_at)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
			p.Token, p.OrderID, p.FlowOrder, p.Amount, p.Status, store.NilIfEmpty(p.Media), p.CreatedAt, p.UpdatedAt)
		return err
	})
	if err != nil {
		return order{}, err
	}
	s.cache.Invalidate("")
	return next, nil
}

func (s *service) getPayment(ctx context.Context, token string) (payment, error) {
	if s.db == nil {
		s.memMu.RLock()
		defer s.memMu.RUnlock()
		p, ok := s.memPayments[token]
		if !ok {
			return payment{}, sql.ErrNoRows
		}
		return p, nil
	}
	var (
		p     payment
		media sql.NullString
	)
	err := s.db.QueryRowContext(ctx, `SELECT token, order_id, flow_order, amount, status, media, created_at, updated_at
		FROM festibox_payments WHERE token = $1`, token).
		Scan(&p.Token, &p.OrderID, &p.FlowOrder, &p.Amount, &p.Status, &media, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return payment{}, err
	}
	p.Media = media.String
	return p, nil
}

func (s *service) updatePayment(ctx context.Context, token, status, media string) error {
	now := time.Now().UTC()
	if s.db == nil {
		s.memMu.Lock()
		defer s.memMu.Unlock()
		p, ok := s.memPayments[token]
		if !ok {
			return sql.ErrNoRows
		}
		p.Status = status
		if media != "" {
			p.Media = media
		}
		p.UpdatedAt = now
		s.memPayments[token] = p
		return nil
	}
	res, err := s.db.ExecContext(ctx, `UPDATE festibox_payments
		SET status=$2, media=COALESCE($3, media), updated_at=$4 WHERE token=$1`,
		token, status, store.NilIfEmpty(media), now)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil {
		return err
	} else if n == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ---------------------------------------------------------------------------
// Explain
// ---------------------------------------------------------------------------

func (s *service) explainList(ctx context.Context, f orderFilter) (any, error) {
	if s.db == nil {
		return map[string]any{"mode": "memory", "note": "no SQL plan available"}, nil
	}
	w := f.where()
	q := fmt.Sprintf(`SELECT %s FROM festibox_orders WHERE %s ORDER BY created_at DESC, id DESC LIMIT 50`, orderColumns, w.SQL())
	return store.ExplainJSON(ctx, s.db, q, w.Args()...)
}
