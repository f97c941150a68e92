package reservation

import (
	"math"

	"github.com/ItsMeShrewt/posagent/internal/cart"
	"github.com/ItsMeShrewt/posagent/internal/snapshot"
	"github.com/ItsMeShrewt/posagent/pkg/backend"
)

// Unbounded marks products whose availability is not stock-constrained.
const Unbounded = math.MaxInt

// maxBundleDepth bounds component recursion. Bundle composition is expected
// to be a DAG; a chain deeper than this is treated as a cycle and fails
// closed to zero availability.
const maxBundleDepth = 8

// AvailableStock computes how many more units of the product could be added
// to the cart: the snapshot quantity minus everything the cart already holds,
// directly or through bundle composition. Pure over its inputs; the result
// may be stale relative to the backend, whose rejection at submission time is
// authoritative.
func AvailableStock(snap snapshot.Snapshot, lines []cart.Line, productID int64) int {
	return availableAtDepth(snap, lines, productID, 0)
}

// CanIncrement reports whether one more unit of the product fits the
// available stock. Always true for unbounded products.
func CanIncrement(snap snapshot.Snapshot, lines []cart.Line, productID int64) bool {
	avail := AvailableStock(snap, lines, productID)
	return avail == Unbounded || avail > 0
}

// ReservedByCart sums the units of the product held by the cart: direct
// lines plus every bundle line whose composition requires it, transitively.
func ReservedByCart(snap snapshot.Snapshot, lines []cart.Line, productID int64) int {
	reserved := 0
	for _, line := range lines {
		if line.ProductID == productID {
			reserved += line.Quantity
		}
		product, ok := snap.Product(line.ProductID)
		if !ok || !product.IsBundle {
			continue
		}
		perUnit := componentDemand(snap, product, productID, 0)
		reserved += line.Quantity * perUnit
	}
	return reserved
}

func availableAtDepth(snap snapshot.Snapshot, lines []cart.Line, productID int64, depth int) int {
	if depth > maxBundleDepth {
		return 0
	}
	product, ok := snap.Product(productID)
	if !ok {
		return 0
	}
	if product.IsBundle {
		return bundleAvailable(snap, lines, product, depth)
	}
	if !product.IsStockable {
		return Unbounded
	}
	avail := snap.Quantity(productID) - ReservedByCart(snap, lines, productID)
	if avail < 0 {
		return 0
	}
	return avail
}

// bundleAvailable is the minimum over components of how many whole bundle
// units each component's remaining stock can cover. Non-stockable components
// contribute no constraint; a bundle of only unbounded components is itself
// unbounded.
func bundleAvailable(snap snapshot.Snapshot, lines []cart.Line, bundle backend.Product, depth int) int {
	limit := Unbounded
	for _, component := range bundle.BundleComponents {
		if component.RequiredQuantity <= 0 {
			continue
		}
		compAvail := availableAtDepth(snap, lines, component.ComponentProductID, depth+1)
		if compAvail == Unbounded {
			continue
		}
		units := compAvail / component.RequiredQuantity
		if units < limit {
			limit = units
		}
	}
	return limit
}

// componentDemand returns how many units of the component one unit of the
// bundle consumes, walking nested bundles. Chains past the depth bound count
// as zero, matching the fail-closed availability path.
func componentDemand(snap snapshot.Snapshot, bundle backend.Product, componentID int64, depth int) int {
	if depth > maxBundleDepth {
		return 0
	}
	demand := 0
	for _, component := range bundle.BundleComponents {
		if component.RequiredQuantity <= 0 {
			continue
		}
		if component.ComponentProductID == componentID {
			demand += component.RequiredQuantity
			continue
		}
		nested, ok := snap.Product(component.ComponentProductID)
		if !ok || !nested.IsBundle {
			continue
		}
		demand += component.RequiredQuantity * componentDemand(snap, nested, componentID, depth+1)
	}
	return demand
}
