package mailer

import (
	"golang.org/x/text/language"
	"golang.org/x/text/message"
)

var clpPrinter = message.NewPrinter(language.Spanish)

// FormatCLP renders a peso amount the way Chilean shoppers read it: $24.990.
func FormatCLP(amount int64) string {
	if amount < 0 {
		return "-" + clpPrinter.Sprintf("$%d", -amount)
	}
	return clpPrinter.Sprintf("$%d", amount)
}
