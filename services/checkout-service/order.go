package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"

	"festibox/shop/internal/shipping"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	statusPendingPayment = "pending_payment"
	statusPaid           = "paid"
	statusRejected       = "rejected"
	statusCancelled      = "cancelled"
	statusShipped        = "shipped"
	statusDelivered      = "delivered"

	currencyCLP = "CLP"

	maxCartLines    = 50
	maxQuantity     = 20
	maxNotesLen     = 500
	maxNameLen      = 100
	maxPhotoBytes   = 5 << 20
	orderBodyLimit  = 24 << 20
	defaultMsgLimit = 120
)

var transitions = map[string][]string{
	statusPendingPayment: {statusPaid, statusRejected, statusCancelled},
	statusRejected:       {statusPendingPayment},
	statusCancelled:      {statusPendingPayment},
	statusPaid:           {statusShipped},
	statusShipped:        {statusDelivered},
}

var errInvalidTransition = errors.New("invalid status transition")

type face struct {
	Position int    `json:"position"`
	Photo    string `json:"photo,omitempty"`
	Message  string `json:"message,omitempty"`
}

type cartItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	Faces     []face `json:"faces"`
}

type customerInput struct {
	Name           string `json:"name"`
	Email          string `json:"email"`
	Phone          string `json:"phone"`
	ShippingMethod string `json:"shipping_method"`
	Region         string `json:"region"`
	Commune        string `json:"commune"`
	Address        string `json:"address"`
	Notes          string `json:"notes"`
}

type createOrderRequest struct {
	Customer customerInput `json:"customer"`
	Items    []cartItem    `json:"items"`
}

type updateStatusRequest struct {
	Status string `json:"status"`
}

// orderLine is a priced cart line. Name and Kind are snapshots of the
// catalog product at order time.
type orderLine struct {
	ProductID string `json:"product_id"`
	Slug      string `json:"slug"`
	Name      string `json:"name"`
	Kind      string `json:"kind"`
	UnitPrice int64  `json:"unit_price"`
	Quantity  int    `json:"quantity"`
	LineTotal int64  `json:"line_total"`
	Photos    int    `json:"photos"`
	Messages  int    `json:"messages"`
	Faces     []face `json:"faces,omitempty"`
}

type order struct {
	ID             string      `json:"id"`
	CustomerName   string      `json:"customer_name"`
	CustomerEmail  string      `json:"customer_email"`
	CustomerPhone  string      `json:"customer_phone,omitempty"`
	ShippingMethod string      `json:"shipping_method"`
	Region         string      `json:"region,omitempty"`
	RegionName     string      `json:"region_name,omitempty"`
	Commune        string      `json:"commune,omitempty"`
	Address        string      `json:"address,omitempty"`
	Notes          string      `json:"notes,omitempty"`
	Items          []orderLine `json:"items"`
	Subtotal       int64       `json:"subtotal"`
	Shipping       int64       `json:"shipping"`
	Total          int64       `json:"total"`
	Currency       string      `json:"currency"`
	Status         string      `json:"status"`
	FlowToken      string      `json:"flow_token,omitempty"`
	FlowOrder      int64       `json:"flow_order,omitempty"`
	PaymentMedia   string      `json:"payment_media,omitempty"`
	PaidAt         *time.Time  `json:"paid_at,omitempty"`
	CreatedAt      time.Time   `json:"created_at"`
	UpdatedAt      time.Time   `json:"updated_at"`
}

// withoutFaces drops the customization payload, which may hold inline photos,
// for list views.
func (o order) withoutFaces() order {
	lines := make([]orderLine, len(o.Items))
	for i, l := range o.Items {
		l.Faces = nil
		lines[i] = l
	}
	o.Items = lines
	return o
}

// ValidationError reports a rejected cart or customer field.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	return e.Field + ": " + e.Message
}

func invalidField(field, format string, args ...any) error {
	return &ValidationError{Field: field, Message: fmt.Sprintf(format, args...)}
}

// ---------------------------------------------------------------------------
// Status machine
// ---------------------------------------------------------------------------

func normalizeStatus(status string) string {
	s := strings.ToLower(strings.TrimSpace(status))
	switch s {
	case statusPendingPayment, statusPaid, statusRejected, statusCancelled, statusShipped, statusDelivered:
		return s
	default:
		return ""
	}
}

// canTransition reports whether from may move to to. Staying put is always
// allowed and is treated as a no-op by callers.
func canTransition(from, to string) bool {
	if from == to {
		return true
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Build / Validate
// ---------------------------------------------------------------------------

var dataImagePattern = regexp.MustCompile(`^data:image/(jpeg|png|webp);base64,`)

type validCustomer struct {
	customerInput
	method shipping.Method
	region shipping.Region
}

func validateCustomer(c customerInput) (validCustomer, error) {
	c.Name = strings.TrimSpace(c.Name)
	c.Email = strings.ToLower(strings.TrimSpace(c.Email))
	c.Phone = strings.TrimSpace(c.Phone)
	c.Commune = strings.TrimSpace(c.Commune)
	c.Address = strings.TrimSpace(c.Address)
	c.Notes = strings.TrimSpace(c.Notes)

	if c.Name == "" {
		return validCustomer{}, invalidField("customer.name", "is required")
	}
	if utf8.RuneCountInString(c.Name) > maxNameLen {
		return validCustomer{}, invalidField("customer.name", "must be at most %d characters", maxNameLen)
	}
	if c.Email == "" {
		return validCustomer{}, invalidField("customer.email", "is required")
	}
	if !govalidator.IsEmail(c.Email) {
		return validCustomer{}, invalidField("customer.email", "is not a valid address")
	}
	if utf8.RuneCountInString(c.Notes) > maxNotesLen {
		return validCustomer{}, invalidField("customer.notes", "must be at most %d characters", maxNotesLen)
	}

	method, err := shipping.ParseMethod(c.ShippingMethod)
	if err != nil {
		return validCustomer{}, invalidField("customer.shipping_method", "must be delivery or pickup")
	}
	out := validCustomer{customerInput: c, method: method}
	out.ShippingMethod = string(method)
	if method == shipping.MethodPickup {
		out.Region, out.Commune, out.Address = "", "", ""
		return out, nil
	}

	region, ok := shipping.LookupRegion(c.Region)
	if !ok {
		return validCustomer{}, invalidField("customer.region", "unknown region %q", c.Region)
	}
	if c.Commune == "" {
		return validCustomer{}, invalidField("customer.commune", "is required for delivery")
	}
	if c.Address == "" {
		return validCustomer{}, invalidField("customer.address", "is required for delivery")
	}
	out.region = region
	out.Region = region.Code
	return out, nil
}

// validateCartShape checks what can be checked without the catalog.
func validateCartShape(items []cartItem) error {
	if len(items) == 0 {
		return invalidField("items", "cart is empty")
	}
	if len(items) > maxCartLines {
		return invalidField("items", "at most %d lines per order", maxCartLines)
	}
	for i, it := range items {
		if strings.TrimSpace(it.ProductID) == "" {
			return invalidField(fmt.Sprintf("items[%d].product_id", i), "is required")
		}
		if it.Quantity < 1 || it.Quantity > maxQuantity {
			return invalidField(fmt.Sprintf("items[%d].quantity", i), "must be between 1 and %d", maxQuantity)
		}
	}
	return nil
}

// validateFaces checks a line's customization against its product and
// returns the cleaned faces sorted by position.
func validateFaces(field string, faces []face, p catalogProduct) ([]face, int, int, error) {
	if p.FaceCount == 0 {
		if len(faces) > 0 {
			return nil, 0, 0, invalidField(field, "%s takes no customization", p.Name)
		}
		return nil, 0, 0, nil
	}
	if len(faces) == 0 {
		return nil, 0, 0, invalidField(field, "%s needs at least one photo or message", p.Name)
	}
	if len(faces) > p.FaceCount {
		return nil, 0, 0, invalidField(field, "%s has %d faces", p.Name, p.FaceCount)
	}
	msgLimit := p.MessageMaxLen
	if msgLimit <= 0 {
		msgLimit = defaultMsgLimit
	}

	seen := make(map[int]bool, len(faces))
	out := make([]face, 0, len(faces))
	photos, messages := 0, 0
	for i, f := range faces {
		ff := fmt.Sprintf("%s[%d]", field, i)
		if f.Position < 0 || f.Position >= p.FaceCount {
			return nil, 0, 0, invalidField(ff+".position", "must be between 0 and %d", p.FaceCount-1)
		}
		if seen[f.Position] {
			return nil, 0, 0, invalidField(ff+".position", "duplicate position %d", f.Position)
		}
		seen[f.Position] = true

		f.Message = strings.TrimSpace(f.Message)
		f.Photo = strings.TrimSpace(f.Photo)
		if f.Photo == "" && f.Message == "" {
			return nil, 0, 0, invalidField(ff, "needs a photo or a message")
		}
		if n := utf8.RuneCountInString(f.Message); n > msgLimit {
			return nil, 0, 0, invalidField(ff+".message", "must be at most %d characters", msgLimit)
		}
		if f.Photo != "" {
			if err := validatePhoto(f.Photo); err != nil {
				return nil, 0, 0, invalidField(ff+".photo", "%s", err.Error())
			}
			photos++
		}
		if f.Message != "" {
			messages++
		}
		out = append(out, f)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Position < out[j].Position })
	return out, photos, messages, nil
}

// validatePhoto accepts an https URL or an inline base64 jpeg/png/webp of at
// most 5 MiB decoded.
func validatePhoto(photo string) error {
	if m := dataImagePattern.FindString(photo); m != "" {
		payload := photo[len(m):]
		if base64.StdEncoding.DecodedLen(len(payload)) > maxPhotoBytes+2 {
			return errors.New("photo exceeds 5 MiB")
		}
		raw, err := base64.StdEncoding.DecodeString(payload)
		if err != nil {
			return errors.New("photo is not valid base64")
		}
		if len(raw) == 0 {
			return errors.New("photo is empty")
		}
		if len(raw) > maxPhotoBytes {
			return errors.New("photo exceeds 5 MiB")
		}
		return nil
	}
	if !govalidator.IsURL(photo) {
		return errors.New("photo must be an https URL or an inline image")
	}
	u, err := url.Parse(photo)
	if err != nil || u.Scheme != "https" || u.Host == "" {
		return errors.New("photo must be an https URL or an inline image")
	}
	return nil
}

func newOrderID() string {
	return "ord_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}

var orderIDPattern = regexp.MustCompile(`^ord_[0-9a-f]{32}$`)

func validOrderID(id string) bool {
	return orderIDPattern.MatchString(id)
}
