package mailer

import (
	"bytes"
	"embed"
	"fmt"
	htmltemplate "html/template"
	texttemplate "text/template"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

var funcs = map[string]any{"clp": FormatCLP}

var (
	textTemplates = texttemplate.Must(texttemplate.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.txt.tmpl"))
	htmlTemplates = htmltemplate.Must(htmltemplate.New("").Funcs(funcs).ParseFS(templateFS, "templates/*.html.tmpl"))
)

// SummaryLine is one priced cart line as shown in emails.
type SummaryLine struct {
	Name      string
	Quantity  int
	UnitPrice int64
	LineTotal int64
	Faces     int
	Photos    int
	Messages  int
}

// OrderSummary carries what the order emails display.
type OrderSummary struct {
	OrderID       string
	CustomerName  string
	CustomerEmail string
	CustomerPhone string
	Pickup        bool
	Address       string
	Commune       string
	RegionName    string
	Notes         string
	Lines         []SummaryLine
	Subtotal      int64
	Shipping      int64
	Total         int64
	PaymentMedia  string
	OrderURL      string
}

// Contact is a contact-form submission.
type Contact struct {
	ID      string
	Name    string
	Email   string
	Message string
}

func render(name string, data any) (text, html string, err error) {
	var tb, hb bytes.Buffer
	if err := textTemplates.ExecuteTemplate(&tb, name+".txt.tmpl", data); err != nil {
		return "", "", fmt.Errorf("render %s text: %w", name, err)
	}
	if err := htmlTemplates.ExecuteTemplate(&hb, name+".html.tmpl", data); err != nil {
		return "", "", fmt.Errorf("render %s html: %w", name, err)
	}
	return tb.String(), hb.String(), nil
}

func renderOrderConfirmation(s OrderSummary) (subject, text, html string, err error) {
	text, html, err = render("order_confirmation", s)
	return fmt.Sprintf("Confirmación de tu pedido FestiBox %s", s.OrderID), text, html, err
}

func renderOwnerNotification(s OrderSummary) (subject, text, html string, err error) {
	text, html, err = render("owner_notification", s)
	return fmt.Sprintf("Nuevo pedido pagado %s (%s)", s.OrderID, FormatCLP(s.Total)), text, html, err
}

func renderContact(c Contact) (subject, text, html string, err error) {
	text, html, err = render("contact", c)
	return fmt.Sprintf("Contacto web: %s", c.Name), text, html, err
}
