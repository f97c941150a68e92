package reservation

import (
	"testing"

	"github.com/ItsMeShrewt/posagent/internal/cart"
	"github.com/ItsMeShrewt/posagent/internal/snapshot"
	"github.com/ItsMeShrewt/posagent/pkg/backend"
)

func snapWith(products []backend.Product, quantities map[int64]int) snapshot.Snapshot {
	snap := snapshot.Snapshot{
		Products:   make(map[int64]backend.Product, len(products)),
		Quantities: quantities,
	}
	for _, p := range products {
		snap.Products[p.ID] = p
	}
	return snap
}

func stockable(id int64) backend.Product {
	return backend.Product{ID: id, IsStockable: true}
}

func TestAvailableStock_SubtractsCartReservation(t *testing.T) {
	snap := snapWith([]backend.Product{stockable(1)}, map[int64]int{1: 5})

	lines := []cart.Line{{ProductID: 1, Quantity: 2}}
	if got := AvailableStock(snap, lines, 1); got != 3 {
		t.Fatalf("expected 3 available, got %d", got)
	}

	lines[0].Quantity = 5
	if got := AvailableStock(snap, lines, 1); got != 0 {
		t.Fatalf("expected 0 available at full reservation, got %d", got)
	}
	if CanIncrement(snap, lines, 1) {
		t.Fatal("increment must be rejected at zero availability")
	}
}

func TestAvailableStock_NeverNegative(t *testing.T) {
	snap := snapWith([]backend.Product{stockable(1)}, map[int64]int{1: 2})
	lines := []cart.Line{{ProductID: 1, Quantity: 4}}
	if got := AvailableStock(snap, lines, 1); got != 0 {
		t.Fatalf("expected clamp to 0, got %d", got)
	}
}

func TestAvailableStock_UnboundedForNonStockable(t *testing.T) {
	snap := snapWith([]backend.Product{{ID: 7, IsStockable: false}}, map[int64]int{})
	lines := []cart.Line{{ProductID: 7, Quantity: 99}}
	if got := AvailableStock(snap, lines, 7); got != Unbounded {
		t.Fatalf("expected unbounded, got %d", got)
	}
	if !CanIncrement(snap, lines, 7) {
		t.Fatal("unbounded products always accept increments")
	}
}

func TestAvailableStock_UnknownProductIsZero(t *testing.T) {
	snap := snapWith(nil, map[int64]int{})
	if got := AvailableStock(snap, nil, 42); got != 0 {
		t.Fatalf("expected 0 for unknown product, got %d", got)
	}
}

func TestBundleAvailability_MinOverComponents(t *testing.T) {
	bundle := backend.Product{
		ID:       10,
		IsBundle: true,
		BundleComponents: []backend.BundleComponent{
			{ComponentProductID: 1, RequiredQuantity: 2},
			{ComponentProductID: 2, RequiredQuantity: 1},
		},
	}
	snap := snapWith(
		[]backend.Product{bundle, stockable(1), stockable(2)},
		map[int64]int{1: 5, 2: 3},
	)

	// floor(5/2)=2 and floor(3/1)=3, so the bundle is constrained to 2.
	if got := AvailableStock(snap, nil, 10); got != 2 {
		t.Fatalf("expected bundle availability 2, got %d", got)
	}

	lines := []cart.Line{{ProductID: 10, Quantity: 2}}
	if got := AvailableStock(snap, lines, 10); got != 0 {
		t.Fatalf("expected 0 after reserving both bundles, got %d", got)
	}
	if CanIncrement(snap, lines, 10) {
		t.Fatal("third bundle must be rejected")
	}
}

func TestBundleReservation_ConstrainsComponents(t *testing.T) {
	bundle := backend.Product{
		ID:       10,
		IsBundle: true,
		BundleComponents: []backend.BundleComponent{
			{ComponentProductID: 1, RequiredQuantity: 2},
		},
	}
	snap := snapWith([]backend.Product{bundle, stockable(1)}, map[int64]int{1: 5})

	lines := []cart.Line{{ProductID: 10, Quantity: 2}}
	if got := ReservedByCart(snap, lines, 1); got != 4 {
		t.Fatalf("expected 4 units reserved through the bundle, got %d", got)
	}
	if got := AvailableStock(snap, lines, 1); got != 1 {
		t.Fatalf("expected 1 unit of the component left, got %d", got)
	}
}

func TestBundle_NonStockableComponentsAreUnconstrained(t *testing.T) {
	bundle := backend.Product{
		ID:       10,
		IsBundle: true,
		BundleComponents: []backend.BundleComponent{
			{ComponentProductID: 1, RequiredQuantity: 1},
			{ComponentProductID: 7, RequiredQuantity: 3},
		},
	}
	snap := snapWith(
		[]backend.Product{bundle, stockable(1), {ID: 7, IsStockable: false}},
		map[int64]int{1: 4},
	)
	if got := AvailableStock(snap, nil, 10); got != 4 {
		t.Fatalf("expected availability 4 from the stockable component only, got %d", got)
	}
}

func TestBundle_AllUnboundedComponents(t *testing.T) {
	bundle := backend.Product{
		ID:       10,
		IsBundle: true,
		BundleComponents: []backend.BundleComponent{
			{ComponentProductID: 7, RequiredQuantity: 1},
		},
	}
	snap := snapWith([]backend.Product{bundle, {ID: 7, IsStockable: false}}, map[int64]int{})
	if got := AvailableStock(snap, nil, 10); got != Unbounded {
		t.Fatalf("expected unbounded bundle, got %d", got)
	}
}

func TestNestedBundles_DemandAndAvailability(t *testing.T) {
	inner := backend.Product{
		ID:       20,
		IsBundle: true,
		BundleComponents: []backend.BundleComponent{
			{ComponentProductID: 1, RequiredQuantity: 2},
		},
	}
	outer := backend.Product{
		ID:       30,
		IsBundle: true,
		BundleComponents: []backend.BundleComponent{
			{ComponentProductID: 20, RequiredQuantity: 3},
		},
	}
	snap := snapWith([]backend.Product{inner, outer, stockable(1)}, map[int64]int{1: 12})

	// One outer unit consumes 3 inner units, each consuming 2 of product 1.
	lines := []cart.Line{{ProductID: 30, Quantity: 1}}
	if got := ReservedByCart(snap, lines, 1); got != 6 {
		t.Fatalf("expected nested demand 6, got %d", got)
	}
	// 12 stock yields floor(12/2)=6 inner, floor(6/3)=2 outer.
	if got := AvailableStock(snap, nil, 30); got != 2 {
		t.Fatalf("expected outer availability 2, got %d", got)
	}
}

func TestBundleCycle_FailsClosed(t *testing.T) {
	a := backend.Product{
		ID:       40,
		IsBundle: true,
		BundleComponents: []backend.BundleComponent{
			{ComponentProductID: 41, RequiredQuantity: 1},
		},
	}
	b := backend.Product{
		ID:       41,
		IsBundle: true,
		BundleComponents: []backend.BundleComponent{
			{ComponentProductID: 40, RequiredQuantity: 1},
		},
	}
	snap := snapWith([]backend.Product{a, b}, map[int64]int{})
	if got := AvailableStock(snap, nil, 40); got != 0 {
		t.Fatalf("cyclic bundle must report 0, got %d", got)
	}
	if CanIncrement(snap, nil, 40) {
		t.Fatal("cyclic bundle must reject increments")
	}
}
