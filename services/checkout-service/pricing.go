package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"festibox/shop/internal/shipping"
)

// catalogProduct is the subset of a catalog-service product that pricing
// needs.
type catalogProduct struct {
	ID            string `json:"id"`
	Slug          string `json:"slug"`
	Name          string `json:"name"`
	Kind          string `json:"kind"`
	Price         int64  `json:"price"`
	Currency      string `json:"currency"`
	FaceCount     int    `json:"face_count"`
	MessageMaxLen int    `json:"message_max_len"`
	Active        bool   `json:"active"`
}

var errProductNotFound = errors.New("product not found")

// productCatalog resolves products by id or slug.
type productCatalog interface {
	Product(ctx context.Context, ref string) (catalogProduct, error)
}

// catalogClient reads products from catalog-service.
type catalogClient struct {
	baseURL    string
	httpClient *http.Client
}

func newCatalogClient(baseURL string) *catalogClient {
	return &catalogClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: 5 * time.Second},
	}
}

func (c *catalogClient) Product(ctx context.Context, ref string) (catalogProduct, error) {
	endpoint := c.baseURL + "/v1/products/" + url.PathEscape(ref)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, http.NoBody)
	if err != nil {
		return catalogProduct{}, fmt.Errorf("failed to build catalog request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return catalogProduct{}, fmt.Errorf("catalog request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return catalogProduct{}, fmt.Errorf("failed to read catalog response: %w", err)
	}
	switch {
	case resp.StatusCode == http.StatusNotFound:
		return catalogProduct{}, errProductNotFound
	case resp.StatusCode != http.StatusOK:
		return catalogProduct{}, fmt.Errorf("catalog returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var envelope struct {
		Item catalogProduct `json:"item"`
	}
	if err := json.Unmarshal(body, &envelope); err != nil {
		return catalogProduct{}, fmt.Errorf("failed to decode catalog response: %w", err)
	}
	return envelope.Item, nil
}

// lookupProducts fetches every distinct product in the cart concurrently.
func lookupProducts(ctx context.Context, catalog productCatalog, items []cartItem) (map[string]catalogProduct, error) {
	refs := make([]string, 0, len(items))
	seen := make(map[string]bool, len(items))
	for _, it := range items {
		ref := strings.TrimSpace(it.ProductID)
		if !seen[ref] {
			seen[ref] = true
			refs = append(refs, ref)
		}
	}

	found := make([]catalogProduct, len(refs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(8)
	for i, ref := range refs {
		g.Go(func() error {
			p, err := catalog.Product(gctx, ref)
			if errors.Is(err, errProductNotFound) {
				return invalidField("items", "unknown product %q", ref)
			}
			if err != nil {
				return err
			}
			found[i] = p
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[string]catalogProduct, len(refs))
	for i, ref := range refs {
		out[ref] = found[i]
	}
	return out, nil
}

// priceOrder validates the cart against the catalog and computes every
// amount server side. Client-supplied prices are never read.
func priceOrder(ctx context.Context, catalog productCatalog, tariffs shipping.Tariffs, req createOrderRequest) (order, error) {
	customer, err := validateCustomer(req.Customer)
	if err != nil {
		return order{}, err
	}
	if err := validateCartShape(req.Items); err != nil {
		return order{}, err
	}
	products, err := lookupProducts(ctx, catalog, req.Items)
	if err != nil {
		return order{}, err
	}

	lines := make([]orderLine, 0, len(req.Items))
	var subtotal int64
	for i, it := range req.Items {
		field := fmt.Sprintf("items[%d]", i)
		p := products[strings.TrimSpace(it.ProductID)]
		if !p.Active {
			return order{}, invalidField(field+".product_id", "%s is not available", p.Name)
		}
		if p.Price <= 0 {
			return order{}, invalidField(field+".product_id", "%s has no price", p.Name)
		}
		if p.Currency != "" && p.Currency != currencyCLP {
			return order{}, invalidField(field+".product_id", "%s is not priced in CLP", p.Name)
		}
		faces, photos, messages, err := validateFaces(field+".faces", it.Faces, p)
		if err != nil {
			return order{}, err
		}
		lineTotal := p.Price * int64(it.Quantity)
		subtotal += lineTotal
		lines = append(lines, orderLine{
			ProductID: p.ID,
			Slug:      p.Slug,
			Name:      p.Name,
			Kind:      p.Kind,
			UnitPrice: p.Price,
			Quantity:  it.Quantity,
			LineTotal: lineTotal,
			Photos:    photos,
			Messages:  messages,
			Faces:     faces,
		})
	}

	quote, err := tariffs.Quote(customer.Region, customer.method, subtotal)
	if err != nil {
		return order{}, invalidField("customer.region", "%s", err.Error())
	}

	now := time.Now().UTC()
	return order{
		ID:             newOrderID(),
		CustomerName:   customer.Name,
		CustomerEmail:  customer.Email,
		CustomerPhone:  customer.Phone,
		ShippingMethod: customer.ShippingMethod,
		Region:         customer.Region,
		RegionName:     customer.region.Name,
		Commune:        customer.Commune,
		Address:        customer.Address,
		Notes:          customer.Notes,
		Items:          lines,
		Subtotal:       subtotal,
		Shipping:       quote.Cost,
		Total:          subtotal + quote.Cost,
		Currency:       currencyCLP,
		Status:         statusPendingPayment,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}
