package cart

import (
	"testing"

	"github.com/ItsMeShrewt/posagent/pkg/backend"
	"github.com/shopspring/decimal"
)

func silog() backend.Product {
	return backend.Product{ID: 1, Name: "Silog", Price: decimal.NewFromInt(85), CategoryID: 2, IsStockable: true}
}

func TestAddMergesByProduct(t *testing.T) {
	c := New()
	c.Add(silog(), 5)
	c.Add(silog(), 5)

	lines := c.Lines()
	if len(lines) != 1 {
		t.Fatalf("expected one merged line, got %d", len(lines))
	}
	if lines[0].Quantity != 2 {
		t.Fatalf("expected quantity 2, got %d", lines[0].Quantity)
	}
	if lines[0].StockAtAdd != 5 {
		t.Fatalf("expected add-time stock snapshot 5, got %d", lines[0].StockAtAdd)
	}
}

func TestDecrementRemovesAtZero(t *testing.T) {
	c := New()
	c.Add(silog(), 5)
	if !c.Decrement(1) {
		t.Fatal("decrement should succeed")
	}
	if !c.IsEmpty() {
		t.Fatal("cart should be empty after decrementing the last unit")
	}
	if c.Decrement(1) {
		t.Fatal("decrement on an absent line should fail")
	}
}

func TestClearAndRemove(t *testing.T) {
	c := New()
	c.Add(silog(), 5)
	c.Add(backend.Product{ID: 2, Name: "Coffee", Price: decimal.NewFromInt(40)}, 0)

	if !c.Remove(1) {
		t.Fatal("remove should succeed")
	}
	if c.Quantity(1) != 0 {
		t.Fatal("removed line should report zero quantity")
	}
	c.Clear()
	if !c.IsEmpty() {
		t.Fatal("cart should be empty after clear")
	}
}

func TestSubtotal(t *testing.T) {
	c := New()
	c.Add(silog(), 5)
	c.Increment(1)
	c.Add(backend.Product{ID: 2, Name: "Coffee", Price: decimal.NewFromFloat(40.50)}, 0)

	want := decimal.NewFromFloat(210.50)
	if got := c.Subtotal(); !got.Equal(want) {
		t.Fatalf("expected subtotal %s, got %s", want, got)
	}
}

func TestCookingPreferenceHelpers(t *testing.T) {
	c := New()
	c.Add(backend.Product{ID: 3, Name: "Egg", RequiresCooking: true, IsStockable: true}, 10)

	if !c.SetCookingStyle(3, "Sunny Side Up") {
		t.Fatal("set style should succeed")
	}
	lines := c.Lines()
	if lines[0].CookingPreferences["Sunny Side Up"] != 1 {
		t.Fatalf("unexpected prefs %v", lines[0].CookingPreferences)
	}

	prefs := map[string]int{"Boiled": 2, "Scrambled": 1}
	c.SetCookingPreferences(3, prefs)
	prefs["Boiled"] = 99 // caller mutation must not leak in
	lines = c.Lines()
	if lines[0].CookingPreferences["Boiled"] != 2 {
		t.Fatalf("preferences should be copied, got %v", lines[0].CookingPreferences)
	}
}

func TestOnChangeFiresWithLineCount(t *testing.T) {
	c := New()
	var counts []int
	c.SetOnChange(func(n int) { counts = append(counts, n) })

	c.Add(silog(), 5)
	c.Increment(1)
	c.Clear()

	want := []int{1, 1, 0}
	if len(counts) != len(want) {
		t.Fatalf("expected %d callbacks, got %v", len(want), counts)
	}
	for i := range want {
		if counts[i] != want[i] {
			t.Fatalf("expected callback counts %v, got %v", want, counts)
		}
	}
}

func TestLinesPreserveInsertionOrder(t *testing.T) {
	c := New()
	c.Add(backend.Product{ID: 9, Name: "Z"}, 0)
	c.Add(backend.Product{ID: 1, Name: "A"}, 0)
	c.Add(backend.Product{ID: 5, Name: "M"}, 0)

	lines := c.Lines()
	if lines[0].ProductID != 9 || lines[1].ProductID != 1 || lines[2].ProductID != 5 {
		t.Fatalf("unexpected order %v", lines)
	}
}
