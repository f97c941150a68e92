package receipt

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/ItsMeShrewt/posagent/internal/bus"
	"github.com/ItsMeShrewt/posagent/pkg/backend"
)

const lineWidth = 40

// Renderer formats printable text receipts from confirmation events. The
// event payload's item list is used directly here, the one place payload
// content is trusted over a re-fetch.
type Renderer struct {
	shopName string
	zone     *time.Location
}

func NewRenderer(shopName string, zone *time.Location) *Renderer {
	if shopName == "" {
		shopName = "POS"
	}
	if zone == nil {
		zone = time.UTC
	}
	return &Renderer{shopName: shopName, zone: zone}
}

// Render builds the receipt text for a confirmed order.
func (r *Renderer) Render(evt bus.Envelope) string {
	var b strings.Builder
	rule := strings.Repeat("-", lineWidth)

	b.WriteString(center(r.shopName) + "\n")
	b.WriteString(rule + "\n")
	if evt.OrderAlias != "" {
		b.WriteString(fmt.Sprintf("Order:   %s\n", evt.OrderAlias))
	} else if evt.OrderID != 0 {
		b.WriteString(fmt.Sprintf("Order:   #%d\n", evt.OrderID))
	}
	if evt.StationID != "" {
		b.WriteString(fmt.Sprintf("Station: %s\n", evt.StationID))
	}
	when := evt.OccurredAt
	if when.IsZero() {
		when = time.Now()
	}
	b.WriteString(fmt.Sprintf("Date:    %s\n", when.In(r.zone).Format("2006-01-02 15:04")))
	b.WriteString(rule + "\n")

	total := decimal.Zero
	for _, item := range evt.Items {
		lineTotal := item.Price.Mul(decimal.NewFromInt(int64(item.Quantity)))
		total = total.Add(lineTotal)
		b.WriteString(itemLine(item, lineTotal))
		for _, style := range sortedStyles(item.CookingPreferences) {
			b.WriteString(fmt.Sprintf("    %s x%d\n", style, item.CookingPreferences[style]))
		}
		if item.Notes != "" {
			b.WriteString(fmt.Sprintf("    note: %s\n", item.Notes))
		}
	}

	b.WriteString(rule + "\n")
	b.WriteString(padBetween("TOTAL", total.StringFixed(2)) + "\n")
	return b.String()
}

func itemLine(item backend.OrderItem, lineTotal decimal.Decimal) string {
	name := item.ProductName
	if name == "" {
		name = fmt.Sprintf("product %d", item.ProductID)
	}
	left := fmt.Sprintf("%dx %s", item.Quantity, name)
	return padBetween(left, lineTotal.StringFixed(2)) + "\n"
}

func padBetween(left, right string) string {
	gap := lineWidth - len(left) - len(right)
	if gap < 1 {
		gap = 1
	}
	return left + strings.Repeat(" ", gap) + right
}

func center(s string) string {
	if len(s) >= lineWidth {
		return s
	}
	return strings.Repeat(" ", (lineWidth-len(s))/2) + s
}

func sortedStyles(prefs map[string]int) []string {
	if len(prefs) == 0 {
		return nil
	}
	styles := make([]string, 0, len(prefs))
	for style := range prefs {
		styles = append(styles, style)
	}
	sort.Strings(styles)
	return styles
}
