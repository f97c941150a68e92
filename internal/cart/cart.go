package cart

import (
	"sync"

	"github.com/ItsMeShrewt/posagent/pkg/backend"
	"github.com/shopspring/decimal"
)

// Line is one draft order row. Stock and the bundle/stockable flags are
// captured at add time for display; availability decisions always go through
// the reservation calculator against the live snapshot.
type Line struct {
	ProductID          int64
	ProductName        string
	UnitPrice          decimal.Decimal
	Quantity           int
	CategoryID         int64
	Notes              string
	CookingPreferences map[string]int
	StockAtAdd         int
	IsBundle           bool
	IsStockable        bool
	RequiresCooking    bool
}

// Cart is the ordered draft local to one agent. Lines are unique by product
// id; adding an existing product increments instead of duplicating.
type Cart struct {
	mu       sync.Mutex
	lines    []*Line
	index    map[int64]*Line
	onChange func(itemCount int)
}

func New() *Cart {
	return &Cart{index: map[int64]*Line{}}
}

// SetOnChange registers a callback fired after every mutation with the new
// line count. The station coordinator uses the empty/non-empty edge to drive
// claim and release.
func (c *Cart) SetOnChange(fn func(itemCount int)) {
	c.mu.Lock()
	c.onChange = fn
	c.mu.Unlock()
}

// Add inserts one unit of the product, merging into an existing line.
func (c *Cart) Add(product backend.Product, stockAtAdd int) {
	c.mu.Lock()
	if line, ok := c.index[product.ID]; ok {
		line.Quantity++
	} else {
		line := &Line{
			ProductID:       product.ID,
			ProductName:     product.Name,
			UnitPrice:       product.Price,
			Quantity:        1,
			CategoryID:      product.CategoryID,
			StockAtAdd:      stockAtAdd,
			IsBundle:        product.IsBundle,
			IsStockable:     product.IsStockable,
			RequiresCooking: product.RequiresCooking,
		}
		c.lines = append(c.lines, line)
		c.index[product.ID] = line
	}
	c.notifyLocked()
}

// Increment adds one unit to an existing line. Returns false when the
// product is not in the cart.
func (c *Cart) Increment(productID int64) bool {
	c.mu.Lock()
	line, ok := c.index[productID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	line.Quantity++
	c.notifyLocked()
	return true
}

// Decrement removes one unit, dropping the line when it reaches zero.
func (c *Cart) Decrement(productID int64) bool {
	c.mu.Lock()
	line, ok := c.index[productID]
	if !ok {
		c.mu.Unlock()
		return false
	}
	line.Quantity--
	if line.Quantity <= 0 {
		c.removeLocked(productID)
	}
	c.notifyLocked()
	return true
}

// Remove drops the whole line.
func (c *Cart) Remove(productID int64) bool {
	c.mu.Lock()
	if _, ok := c.index[productID]; !ok {
		c.mu.Unlock()
		return false
	}
	c.removeLocked(productID)
	c.notifyLocked()
	return true
}

// Clear empties the cart.
func (c *Cart) Clear() {
	c.mu.Lock()
	c.lines = nil
	c.index = map[int64]*Line{}
	c.notifyLocked()
}

// SetNotes attaches free-text notes to a line.
func (c *Cart) SetNotes(productID int64, notes string) bool {
	c.mu.Lock()
	line, ok := c.index[productID]
	if ok {
		line.Notes = notes
	}
	c.mu.Unlock()
	return ok
}

// SetCookingPreferences replaces the per-style breakdown for a line.
func (c *Cart) SetCookingPreferences(productID int64, prefs map[string]int) bool {
	c.mu.Lock()
	line, ok := c.index[productID]
	if ok {
		copied := make(map[string]int, len(prefs))
		for style, count := range prefs {
			copied[style] = count
		}
		line.CookingPreferences = copied
	}
	c.mu.Unlock()
	return ok
}

// SetCookingStyle selects a single style, the quantity-one convenience.
func (c *Cart) SetCookingStyle(productID int64, style string) bool {
	return c.SetCookingPreferences(productID, map[string]int{style: 1})
}

// Quantity returns the cart quantity for a product, zero when absent.
func (c *Cart) Quantity(productID int64) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if line, ok := c.index[productID]; ok {
		return line.Quantity
	}
	return 0
}

// Lines returns a copy of the draft in insertion order.
func (c *Cart) Lines() []Line {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Line, 0, len(c.lines))
	for _, line := range c.lines {
		copied := *line
		if line.CookingPreferences != nil {
			copied.CookingPreferences = make(map[string]int, len(line.CookingPreferences))
			for style, count := range line.CookingPreferences {
				copied.CookingPreferences[style] = count
			}
		}
		out = append(out, copied)
	}
	return out
}

// IsEmpty reports whether the draft holds no lines.
func (c *Cart) IsEmpty() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.lines) == 0
}

// Subtotal sums quantity times unit price across the draft.
func (c *Cart) Subtotal() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	total := decimal.Zero
	for _, line := range c.lines {
		total = total.Add(line.UnitPrice.Mul(decimal.NewFromInt(int64(line.Quantity))))
	}
	return total
}

// notifyLocked fires the change callback outside the lock.
func (c *Cart) notifyLocked() {
	fn := c.onChange
	count := len(c.lines)
	c.mu.Unlock()
	if fn != nil {
		fn(count)
	}
}

func (c *Cart) removeLocked(productID int64) {
	delete(c.index, productID)
	for i, line := range c.lines {
		if line.ProductID == productID {
			c.lines = append(c.lines[:i], c.lines[i+1:]...)
			break
		}
	}
}
