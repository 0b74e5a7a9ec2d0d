package main

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/asaskevich/govalidator"
	"github.com/google/uuid"
)

// ---------------------------------------------------------------------------
// Entity
// ---------------------------------------------------------------------------

const (
	deliveryPending = "pending"
	deliverySent    = "sent"
	deliveryFailed  = "failed"

	maxNameLen    = 100
	maxMessageLen = 2000
	maxErrorLen   = 500
)

type contactMessage struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Email         string     `json:"email"`
	Message       string     `json:"message"`
	Delivery      string     `json:"delivery"`
	ProviderID    string     `json:"provider_id,omitempty"`
	DeliveryError string     `json:"delivery_error,omitempty"`
	RemoteAddr    string     `json:"remote_addr,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	DeliveredAt   *time.Time `json:"delivered_at,omitempty"`
}

type contactRequest struct {
	Name    string `json:"name"`
	Email   string `json:"email"`
	Message string `json:"message"`
	// Website is a honeypot; people never see the field, bots fill it in.
	Website string `json:"website"`
}

type listResponse struct {
	Items      []contactMessage `json:"items"`
	NextCursor string           `json:"next_cursor,omitempty"`
	Cached     bool             `json:"cached"`
}

// FieldError names the request field that failed validation.
type FieldError struct {
	Field   string
	Message string
}

func (e *FieldError) Error() string { return e.Field + ": " + e.Message }

// ---------------------------------------------------------------------------
// Build
// ---------------------------------------------------------------------------

func buildMessage(req contactRequest, remoteAddr string) (contactMessage, error) {
	name := strings.TrimSpace(req.Name)
	if n := utf8.RuneCountInString(name); n == 0 || n > maxNameLen {
		return contactMessage{}, &FieldError{Field: "name", Message: fmt.Sprintf("must be 1 to %d characters", maxNameLen)}
	}
	email := strings.ToLower(strings.TrimSpace(req.Email))
	if !govalidator.IsEmail(email) {
		return contactMessage{}, &FieldError{Field: "email", Message: "is not a valid address"}
	}
	body := strings.TrimSpace(req.Message)
	if n := utf8.RuneCountInString(body); n == 0 || n > maxMessageLen {
		return contactMessage{}, &FieldError{Field: "message", Message: fmt.Sprintf("must be 1 to %d characters", maxMessageLen)}
	}
	return contactMessage{
		ID:         newMessageID(),
		Name:       name,
		Email:      email,
		Message:    body,
		Delivery:   deliveryPending,
		RemoteAddr: remoteAddr,
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func validDelivery(v string) bool {
	switch v {
	case deliveryPending, deliverySent, deliveryFailed:
		return true
	}
	return false
}

func truncate(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func newMessageID() string {
	return "msg_" + strings.ReplaceAll(uuid.NewString(), "-", "")
}
