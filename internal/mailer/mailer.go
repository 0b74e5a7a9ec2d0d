// Package mailer composes FestiBox's transactional emails and hands them to a
// delivery provider.
package mailer

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/resend/resend-go/v2"
	"github.com/rs/zerolog"
)

var ErrNoRecipient = errors.New("mailer: no recipient configured")

// Message is a provider-neutral email.
type Message struct {
	From    string
	To      []string
	ReplyTo string
	Subject string
	HTML    string
	Text    string
	Tags    map[string]string
}

// Sender delivers a Message and returns the provider's message id.
type Sender interface {
	Send(ctx context.Context, msg Message) (string, error)
}

// ResendSender delivers through the Resend API.
type ResendSender struct {
	client *resend.Client
}

func NewResendSender(apiKey string) *ResendSender {
	return &ResendSender{client: resend.NewClient(apiKey)}
}

func (s *ResendSender) Send(ctx context.Context, msg Message) (string, error) {
	params := &resend.SendEmailRequest{
		From:    msg.From,
		To:      msg.To,
		Subject: msg.Subject,
		Html:    msg.HTML,
		Text:    msg.Text,
		ReplyTo: msg.ReplyTo,
	}
	if len(msg.Tags) > 0 {
		names := make([]string, 0, len(msg.Tags))
		for name := range msg.Tags {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			params.Tags = append(params.Tags, resend.Tag{Name: name, Value: msg.Tags[name]})
		}
	}
	sent, err := s.client.Emails.SendWithContext(ctx, params)
	if err != nil {
		return "", fmt.Errorf("resend: %w", err)
	}
	return sent.Id, nil
}

// NopSender logs instead of delivering. Used when no API key is configured.
type NopSender struct {
	Logger zerolog.Logger
}

func (s NopSender) Send(_ context.Context, msg Message) (string, error) {
	s.Logger.Warn().
		Strs("to", msg.To).
		Str("subject", msg.Subject).
		Msg("email delivery disabled, message not sent")
	return "", nil
}

// Mailer renders and sends the shop's emails.
type Mailer struct {
	sender Sender
	from   string
	owner  string
}

func New(sender Sender, from, owner string) *Mailer {
	return &Mailer{sender: sender, from: from, owner: strings.TrimSpace(owner)}
}

// OrderConfirmation thanks the customer for a paid order.
func (m *Mailer) OrderConfirmation(ctx context.Context, s OrderSummary) (string, error) {
	if strings.TrimSpace(s.CustomerEmail) == "" {
		return "", ErrNoRecipient
	}
	subject, text, html, err := renderOrderConfirmation(s)
	if err != nil {
		return "", err
	}
	return m.sender.Send(ctx, Message{
		From:    m.from,
		To:      []string{s.CustomerEmail},
		ReplyTo: m.owner,
		Subject: subject,
		Text:    text,
		HTML:    html,
		Tags:    map[string]string{"category": "order_confirmation", "order_id": s.OrderID},
	})
}

// OwnerOrderNotification tells the shop owner a paid order needs producing.
func (m *Mailer) OwnerOrderNotification(ctx context.Context, s OrderSummary) (string, error) {
	if m.owner == "" {
		return "", ErrNoRecipient
	}
	subject, text, html, err := renderOwnerNotification(s)
	if err != nil {
		return "", err
	}
	return m.sender.Send(ctx, Message{
		From:    m.from,
		To:      []string{m.owner},
		ReplyTo: s.CustomerEmail,
		Subject: subject,
		Text:    text,
		HTML:    html,
		Tags:    map[string]string{"category": "order_owner", "order_id": s.OrderID},
	})
}

// ContactMessage forwards a contact-form submission to the owner; replies go
// straight to the visitor.
func (m *Mailer) ContactMessage(ctx context.Context, c Contact) (string, error) {
	if m.owner == "" {
		return "", ErrNoRecipient
	}
	subject, text, html, err := renderContact(c)
	if err != nil {
		return "", err
	}
	return m.sender.Send(ctx, Message{
		From:    m.from,
		To:      []string{m.owner},
		ReplyTo: c.Email,
		Subject: subject,
		Text:    text,
		HTML:    html,
		Tags:    map[string]string{"category": "contact"},
	})
}
