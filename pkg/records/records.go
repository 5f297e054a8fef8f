// Package records defines the typed expense line-item model consumed by the
// workflow engine, and the grouping rules that turn parsed rows into
// one-submission-per-logical-order groups.
//
// The document parser hands the core an ordered list of loosely shaped maps.
// Everything downstream works with LineItem values; unknown shapes are
// normalized or dropped at this boundary instead of leaking untyped maps
// into the workflow logic.
package records

import (
	"fmt"
	"strconv"
	"strings"
)

// LineItem is one normalized expense row extracted from a source document.
type LineItem struct {
	OrderCode       string
	ProgramCode     string
	TravelDate      string
	TravelDateStart string
	TravelDateEnd   string
	Supplier        string
	Pax             int
	Quantity        float64
	UnitPrice       float64
	Amount          float64 // signed; deductions (e.g. commission) are negative
	Currency        string
	ChargeType      string
	Label           string
	CalcNote        string
	Description     string
	ExchangeRate    float64
}

// FromMap normalizes a single parsed row. The amount field is authoritative
// when present; otherwise it is derived from unit price, quantity, and pax.
func FromMap(m map[string]any) LineItem {
	item := LineItem{
		OrderCode:       str(m, "tour_code", "order_code"),
		ProgramCode:     str(m, "program_code"),
		TravelDate:      str(m, "travel_date"),
		TravelDateStart: str(m, "travel_date_start"),
		TravelDateEnd:   str(m, "travel_date_end"),
		Supplier:        str(m, "supplier_name", "supplier"),
		Pax:             int(num(m, "pax")),
		Quantity:        num(m, "quantity"),
		UnitPrice:       num(m, "unit_price"),
		Amount:          num(m, "amount"),
		Currency:        str(m, "currency"),
		ChargeType:      str(m, "charge_type"),
		Label:           str(m, "expense_label"),
		CalcNote:        str(m, "calculation", "calc_note"),
		Description:     str(m, "description"),
		ExchangeRate:    num(m, "exchange_rate"),
	}

	if item.Currency == "" {
		item.Currency = "THB"
	}
	if item.ExchangeRate == 0 {
		item.ExchangeRate = 1.0
	}
	if item.Amount == 0 {
		item.Amount = item.derivedAmount()
	}
	if item.Description == "" {
		item.Description = item.Label
	}
	return item
}

// FromMaps normalizes a full record list, skipping rows that carry neither
// an order code nor an amount. Those rows cannot produce a submission.
func FromMaps(rows []map[string]any) []LineItem {
	items := make([]LineItem, 0, len(rows))
	for _, row := range rows {
		item := FromMap(row)
		if item.OrderCode == "" && item.Amount == 0 {
			continue
		}
		items = append(items, item)
	}
	return items
}

// derivedAmount computes unit price × quantity-like fields when the source
// document carried no explicit amount.
func (li LineItem) derivedAmount() float64 {
	if li.UnitPrice == 0 {
		return 0
	}
	qty := li.Quantity
	if qty == 0 && li.Pax > 0 {
		qty = float64(li.Pax)
	}
	if qty == 0 {
		qty = 1
	}
	return li.UnitPrice * qty
}

// Summary returns a short human-readable form used in logs and remarks.
func (li LineItem) Summary() string {
	label := li.Label
	if label == "" {
		label = li.ChargeType
	}
	if label == "" {
		label = li.Description
	}
	return fmt.Sprintf("%s %s %.2f %s", li.OrderCode, label, li.Amount, li.Currency)
}

func str(m map[string]any, keys ...string) string {
	for _, k := range keys {
		if v, ok := m[k]; ok {
			switch t := v.(type) {
			case string:
				if s := strings.TrimSpace(t); s != "" {
					return s
				}
			case fmt.Stringer:
				if s := strings.TrimSpace(t.String()); s != "" {
					return s
				}
			}
		}
	}
	return ""
}

func num(m map[string]any, keys ...string) float64 {
	for _, k := range keys {
		v, ok := m[k]
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return t
		case float32:
			return float64(t)
		case int:
			return float64(t)
		case int64:
			return float64(t)
		case string:
			s := strings.ReplaceAll(strings.TrimSpace(t), ",", "")
			if s == "" {
				continue
			}
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	}
	return 0
}
