package documents

import (
	"strings"

	"golang.org/x/text/unicode/norm"
)

// Category is one required document type, detected by substrings of the
// attached file names.
type Category struct {
	Key     string
	Label   string
	Needles []string
}

// Categories lists the closing-document set in reporting order.
var Categories = []Category{
	{Key: "proposal", Label: "Коммерческое предложение", Needles: []string{"кп", "коммерческое", "предложение", "proposal"}},
	{Key: "invoice", Label: "Счет", Needles: []string{"счет", "счёт", "invoice"}},
	{Key: "contract", Label: "Договор", Needles: []string{"договор", "contract"}},
	{Key: "waybill", Label: "Накладная", Needles: []string{"накладная", "waybill"}},
	{Key: "act", Label: "Акт", Needles: []string{"акт", "act"}},
	{Key: "invoice_factura", Label: "Счет-фактура или УПД", Needles: []string{"счет-фактура", "счёт-фактура", "упд"}},
}

func normalizeName(name string) string {
	return strings.ToLower(norm.NFC.String(name))
}

func (c Category) matches(names []string) bool {
	for _, n := range names {
		for _, needle := range c.Needles {
			if strings.Contains(n, needle) {
				return true
			}
		}
	}
	return false
}

func labelFor(key string) string {
	for _, c := range Categories {
		if c.Key == key {
			return c.Label
		}
	}
	return key
}
