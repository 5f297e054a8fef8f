package records

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromMap(t *testing.T) {
	m := map[string]any{
		"tour_code":     "TG5501B",
		"program_code":  "P100",
		"travel_date":   "15/04/2026",
		"pax":           25,
		"unit_price":    120.5,
		"quantity":      2.0,
		"amount":        6025.0,
		"currency":      "THB",
		"charge_type":   "land_tour",
		"expense_label": "Land tour package",
		"supplier_name": "Siam Tours Co.",
		"description":   "Land tour for group TG5501B",
		"exchange_rate": 1.0,
	}

	item := FromMap(m)
	assert.Equal(t, "TG5501B", item.OrderCode)
	assert.Equal(t, "P100", item.ProgramCode)
	assert.Equal(t, 25, item.Pax)
	assert.InDelta(t, 6025.0, item.Amount, 1e-9)
	assert.Equal(t, "Siam Tours Co.", item.Supplier)
}

func TestFromMapAmountAuthoritative(t *testing.T) {
	// An explicit amount wins even when it disagrees with unit_price×quantity.
	item := FromMap(map[string]any{
		"tour_code":  "G1",
		"unit_price": 100.0,
		"quantity":   3.0,
		"amount":     250.0,
	})
	assert.InDelta(t, 250.0, item.Amount, 1e-9)
}

func TestFromMapDerivedAmount(t *testing.T) {
	tests := []struct {
		name string
		m    map[string]any
		want float64
	}{
		{
			name: "unit price times quantity",
			m:    map[string]any{"tour_code": "G1", "unit_price": 100.0, "quantity": 3.0},
			want: 300,
		},
		{
			name: "unit price times pax when quantity absent",
			m:    map[string]any{"tour_code": "G1", "unit_price": 50.0, "pax": 4},
			want: 200,
		},
		{
			name: "unit price alone",
			m:    map[string]any{"tour_code": "G1", "unit_price": 75.0},
			want: 75,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, FromMap(tt.m).Amount, 1e-9)
		})
	}
}

func TestFromMapStringNumbers(t *testing.T) {
	item := FromMap(map[string]any{
		"tour_code": "G1",
		"amount":    "1,250.50",
		"pax":       "12",
	})
	assert.InDelta(t, 1250.50, item.Amount, 1e-9)
	assert.Equal(t, 12, item.Pax)
}

func TestFromMapDefaults(t *testing.T) {
	item := FromMap(map[string]any{"tour_code": "G1", "amount": 10.0})
	assert.Equal(t, "THB", item.Currency)
	assert.InDelta(t, 1.0, item.ExchangeRate, 1e-9)
}

func TestFromMapNegativeAmount(t *testing.T) {
	item := FromMap(map[string]any{
		"tour_code":   "G1",
		"amount":      -10.0,
		"charge_type": "commission",
	})
	assert.InDelta(t, -10.0, item.Amount, 1e-9)
}

func TestFromMapsSkipsEmptyRows(t *testing.T) {
	rows := []map[string]any{
		{"tour_code": "G1", "amount": 100.0},
		{"note": "subtotal row from the spreadsheet"},
		{"tour_code": "G2", "amount": 50.0},
	}
	items := FromMaps(rows)
	require.Len(t, items, 2)
	assert.Equal(t, "G1", items[0].OrderCode)
	assert.Equal(t, "G2", items[1].OrderCode)
}
