package main

import (
	"errors"
	"fmt"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	kindCube    = "cube"
	kindCardBox = "card_box"
	kindAddon   = "addon"

	cubeFaces         = 6
	maxCardBoxFaces   = 24
	defaultMessageLen = 120
	maxMessageLen     = 500
)

type product struct {
	ID            string    `json:"id"`
	Slug          string    `json:"slug"`
	Name          string    `json:"name"`
	Description   string    `json:"description,omitempty"`
	Kind          string    `json:"kind"`
	Price         int64     `json:"price"`
	Currency      string    `json:"currency"`
	FaceCount     int       `json:"face_count"`
	MessageMaxLen int       `json:"message_max_len"`
	ImageURL      string    `json:"image_url,omitempty"`
	Active        bool      `json:"active"`
	Position      int       `json:"position"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

type createProductRequest struct {
	Slug          string `json:"slug" yaml:"slug"`
	Name          string `json:"name" yaml:"name"`
	Description   string `json:"description" yaml:"description"`
	Kind          string `json:"kind" yaml:"kind"`
	Price         int64  `json:"price" yaml:"price"`
	FaceCount     *int   `json:"face_count" yaml:"face_count"`
	MessageMaxLen int    `json:"message_max_len" yaml:"message_max_len"`
	ImageURL      string `json:"image_url" yaml:"image_url"`
	Active        *bool  `json:"active" yaml:"active"`
	Position      int    `json:"position" yaml:"position"`
}

type updateProductRequest struct {
	Slug          *string `json:"slug,omitempty"`
	Name          *string `json:"name,omitempty"`
	Description   *string `json:"description,omitempty"`
	Kind          *string `json:"kind,omitempty"`
	Price         *int64  `json:"price,omitempty"`
	FaceCount     *int    `json:"face_count,omitempty"`
	MessageMaxLen *int    `json:"message_max_len,omitempty"`
	ImageURL      *string `json:"image_url,omitempty"`
	Active        *bool   `json:"active,omitempty"`
	Position      *int    `json:"position,omitempty"`
}

func (r updateProductRequest) empty() bool {
	return r.Slug == nil && r.Name == nil && r.Description == nil && r.Kind == nil &&
		r.Price == nil && r.FaceCount == nil && r.MessageMaxLen == nil &&
		r.ImageURL == nil && r.Active == nil && r.Position == nil
}

type listResponse struct {
	Items      []product `json:"items"`
	NextCursor string    `json:"next_cursor,omitempty"`
	Cached     bool      `json:"cached"`
}

var (
	errDuplicateSlug  = errors.New("slug already exists")
	errEmptyUpdate    = errors.New("empty update payload")
	errInvalidProduct = errors.New("invalid product")

	slugPattern = regexp.MustCompile(`^[a-z0-9]+(?:-[a-z0-9]+)*$`)
)

// ---------------------------------------------------------------------------
// Build / Validate
// ---------------------------------------------------------------------------

func buildCreateProduct(req createProductRequest) (product, error) {
	kind := normalizeKind(req.Kind)
	faces := defaultFaceCount(kind)
	if req.FaceCount != nil {
		faces = *req.FaceCount
	}
	msgLen := req.MessageMaxLen
	if msgLen == 0 {
		msgLen = defaultMessageLen
	}
	active := true
	if req.Active != nil {
		active = *req.Active
	}
	now := time.Now().UTC()
	p := product{
		ID:            newID(),
		Slug:          strings.ToLower(strings.TrimSpace(req.Slug)),
		Name:          strings.TrimSpace(req.Name),
		Description:   strings.TrimSpace(req.Description),
		Kind:          kind,
		Price:         req.Price,
		Currency:      "CLP",
		FaceCount:     faces,
		MessageMaxLen: msgLen,
		ImageURL:      strings.TrimSpace(req.ImageURL),
		Active:        active,
		Position:      req.Position,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := validateProduct(p); err != nil {
		return product{}, err
	}
	return p, nil
}

func applyUpdate(p product, req updateProductRequest) (product, error) {
	if req.empty() {
		return product{}, errEmptyUpdate
	}
	if req.Slug != nil {
		p.Slug = strings.ToLower(strings.TrimSpace(*req.Slug))
	}
	if req.Name != nil {
		p.Name = strings.TrimSpace(*req.Name)
	}
	if req.Description != nil {
		p.Description = strings.TrimSpace(*req.Description)
	}
	if req.Kind != nil {
		p.Kind = normalizeKind(*req.Kind)
		if req.FaceCount == nil {
			p.FaceCount = defaultFaceCount(p.Kind)
		}
	}
	if req.Price != nil {
		p.Price = *req.Price
	}
	if req.FaceCount != nil {
		p.FaceCount = *req.FaceCount
	}
	if req.MessageMaxLen != nil {
		p.MessageMaxLen = *req.MessageMaxLen
	}
	if req.ImageURL != nil {
		p.ImageURL = strings.TrimSpace(*req.ImageURL)
	}
	if req.Active != nil {
		p.Active = *req.Active
	}
	if req.Position != nil {
		p.Position = *req.Position
	}
	if err := validateProduct(p); err != nil {
		return product{}, err
	}
	p.UpdatedAt = time.Now().UTC()
	return p, nil
}

func validateProduct(p product) error {
	if p.Name == "" {
		return invalid("name is required")
	}
	if !slugPattern.MatchString(p.Slug) {
		return invalid("slug must be lowercase letters, digits and dashes")
	}
	if p.Kind == "" {
		return invalid("kind must be one of cube, card_box, addon")
	}
	if p.Price <= 0 {
		return invalid("price must be positive")
	}
	switch p.Kind {
	case kindCube:
		if p.FaceCount != cubeFaces {
			return invalid("a cube has exactly %d faces", cubeFaces)
		}
	case kindCardBox:
		if p.FaceCount < 1 || p.FaceCount > maxCardBoxFaces {
			return invalid("a card box holds 1 to %d cards", maxCardBoxFaces)
		}
	case kindAddon:
		if p.FaceCount != 0 {
			return invalid("an addon takes no customization")
		}
	}
	if p.MessageMaxLen < 1 || p.MessageMaxLen > maxMessageLen {
		return invalid("message_max_len must be between 1 and %d", maxMessageLen)
	}
	if p.ImageURL != "" && !strings.HasPrefix(p.ImageURL, "/") {
		u, err := url.Parse(p.ImageURL)
		if err != nil || (u.Scheme != "https" && u.Scheme != "http") || u.Host == "" {
			return invalid("image_url must be an absolute http(s) URL or a site path")
		}
	}
	return nil
}

// invalid wraps errInvalidProduct so handlers can map it to 400.
func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: "+format, append([]any{errInvalidProduct}, args...)...)
}

func normalizeKind(kind string) string {
	k := strings.ToLower(strings.TrimSpace(kind))
	switch k {
	case kindCube, kindCardBox, kindAddon:
		return k
	default:
		return ""
	}
}

func defaultFaceCount(kind string) int {
	switch kind {
	case kindCube:
		return cubeFaces
	case kindCardBox:
		return 12
	default:
		return 0
	}
}

func newID() string {
	return "prd_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
