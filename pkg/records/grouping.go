package records

import (
	"strconv"
	"strings"
	"unicode"
)

// GroupMode selects how line items are batched into submissions.
type GroupMode string

const (
	// ModeCombine merges items that belong to the same logical order into
	// one submission. This is the default.
	ModeCombine GroupMode = "combine"

	// ModeSplit submits every line item on its own, used when a document
	// mixes charges that must not share a confirmation id (e.g. flights
	// next to land-tour bundles).
	ModeSplit GroupMode = "split"
)

// Group is one or more line items submitted together as a single remote-form
// submission, producing one confirmation id.
type Group struct {
	Key         string
	OrderCode   string
	ProgramCode string
	Supplier    string
	Currency    string
	Items       []LineItem
}

// Total returns the signed sum of the member items' amounts. Deduction
// items carry negative amounts and reduce the total.
func (g Group) Total() float64 {
	var total float64
	for _, item := range g.Items {
		total += item.Amount
	}
	return total
}

// Description builds the combined free-text description for the single
// remote-form row that represents the whole group.
func (g Group) Description() string {
	if len(g.Items) == 1 {
		if d := g.Items[0].Description; d != "" {
			return d
		}
		return g.Items[0].Label
	}
	parts := make([]string, 0, len(g.Items))
	seen := make(map[string]bool)
	for _, item := range g.Items {
		label := item.Label
		if label == "" {
			label = item.ChargeType
		}
		if label != "" && !seen[label] {
			seen[label] = true
			parts = append(parts, label)
		}
	}
	if len(parts) == 0 {
		return g.OrderCode
	}
	return g.OrderCode + ": " + strings.Join(parts, " + ")
}

// NormalizeOrderCode uppercases the code and strips a trailing single-letter
// suffix so variants like ABC123 and ABC123B land in the same group.
func NormalizeOrderCode(code string) string {
	code = strings.ToUpper(strings.TrimSpace(code))
	if len(code) >= 2 {
		last := rune(code[len(code)-1])
		prev := rune(code[len(code)-2])
		if unicode.IsLetter(last) && unicode.IsDigit(prev) {
			code = code[:len(code)-1]
		}
	}
	return code
}

// GroupItems batches line items per the requested mode.
//
// In combine mode items are first merged by normalized order code, then a
// second pass merges groups that share a non-empty program code. The second
// pass is a single-level merge keyed by the group's program code: groups
// with the same program code always coalesce, but distinct program codes
// never chain through a shared group.
//
// In split mode every item becomes its own singleton group, keyed by order
// code plus position so duplicates stay distinct.
func GroupItems(items []LineItem, mode GroupMode) []Group {
	if mode == ModeSplit {
		groups := make([]Group, 0, len(items))
		for i, item := range items {
			groups = append(groups, newGroup(itemKey(item, i), item))
		}
		return groups
	}

	// Pass 1: merge by normalized order code, preserving first-seen order.
	var ordered []string
	byCode := make(map[string]*Group)
	for i, item := range items {
		key := NormalizeOrderCode(item.OrderCode)
		if key == "" {
			key = itemKey(item, i)
		}
		g, ok := byCode[key]
		if !ok {
			ng := newGroup(key, item)
			byCode[key] = &ng
			ordered = append(ordered, key)
			continue
		}
		g.absorb(item)
	}

	// Pass 2: merge groups that resolved to the same program code. Program
	// codes may only be known for some items, so this catches orders that
	// were keyed differently but belong to one program submission.
	var result []Group
	byProgram := make(map[string]int)
	for _, key := range ordered {
		g := byCode[key]
		if g.ProgramCode == "" {
			result = append(result, *g)
			continue
		}
		if idx, ok := byProgram[g.ProgramCode]; ok {
			merged := result[idx]
			for _, item := range g.Items {
				merged.absorb(item)
			}
			result[idx] = merged
			continue
		}
		byProgram[g.ProgramCode] = len(result)
		result = append(result, *g)
	}
	return result
}

func newGroup(key string, item LineItem) Group {
	g := Group{
		Key:         key,
		OrderCode:   item.OrderCode,
		ProgramCode: item.ProgramCode,
		Supplier:    item.Supplier,
		Currency:    item.Currency,
		Items:       []LineItem{item},
	}
	return g
}

func (g *Group) absorb(item LineItem) {
	g.Items = append(g.Items, item)
	if g.ProgramCode == "" {
		g.ProgramCode = item.ProgramCode
	}
	if g.Supplier == "" {
		g.Supplier = item.Supplier
	}
	if g.Currency == "" {
		g.Currency = item.Currency
	}
}

// TravelDate returns the first non-empty travel date among the group's
// items, preferring an explicit range start.
func (g Group) TravelDate() string {
	for _, item := range g.Items {
		if item.TravelDateStart != "" {
			return item.TravelDateStart
		}
	}
	for _, item := range g.Items {
		if item.TravelDate != "" {
			return item.TravelDate
		}
	}
	return ""
}

// TravelDateEnd returns the last non-empty range end among the group's items.
func (g Group) TravelDateEnd() string {
	for i := len(g.Items) - 1; i >= 0; i-- {
		if g.Items[i].TravelDateEnd != "" {
			return g.Items[i].TravelDateEnd
		}
	}
	return ""
}

func itemKey(item LineItem, i int) string {
	code := NormalizeOrderCode(item.OrderCode)
	if code == "" {
		code = "ITEM"
	}
	return code + "#" + strconv.Itoa(i)
}
