package backend

import (
	"github.com/shopspring/decimal"
)

// Product is the read-only product snapshot served by the backend.
type Product struct {
	ID               int64             `json:"id"`
	Name             string            `json:"name"`
	Price            decimal.Decimal   `json:"price"`
	CategoryID       int64             `json:"category_id"`
	IsBundle         bool              `json:"is_bundle"`
	IsStockable      bool              `json:"is_stockable"`
	RequiresCooking  bool              `json:"requires_cooking"`
	BundleComponents []BundleComponent `json:"bundle_components,omitempty"`
}

// BundleComponent names one required component of a bundle product.
type BundleComponent struct {
	ComponentProductID int64 `json:"component_product_id"`
	RequiredQuantity   int   `json:"required_quantity"`
}

// InventoryRecord is one backend inventory row; the agent sums these per product.
type InventoryRecord struct {
	ID        int64 `json:"id"`
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

type Category struct {
	ID   int64  `json:"id"`
	Name string `json:"name"`
}

// OrderItem is one submitted line of an order.
type OrderItem struct {
	ProductID          int64           `json:"product_id"`
	ProductName        string          `json:"product_name,omitempty"`
	Quantity           int             `json:"quantity" validate:"gt=0"`
	Price              decimal.Decimal `json:"price"`
	CategoryID         int64           `json:"category_id"`
	Notes              string          `json:"notes,omitempty"`
	CookingPreferences map[string]int  `json:"cookingPreferences,omitempty"`
}

// CreateOrderRequest is the POST /orders body.
type CreateOrderRequest struct {
	OrderDate  string      `json:"order_date" validate:"required"`
	OrderItems []OrderItem `json:"order_items" validate:"min=1,dive"`
	PCNumber   string      `json:"pc_number" validate:"required"`
	SessionID  string      `json:"session_id" validate:"required"`
}

// CreateOrderResponse is the created-order acknowledgement.
type CreateOrderResponse struct {
	ID      int64  `json:"id"`
	Alias   string `json:"alias"`
	Message string `json:"message"`
}

// PendingOrder is a backend-held order between submission and completion.
// It is the authoritative record the agent reconciles against.
type PendingOrder struct {
	ID        int64       `json:"id"`
	Alias     string      `json:"alias"`
	PCNumber  string      `json:"pc_number"`
	SessionID string      `json:"session_id"`
	Status    string      `json:"status"`
	Items     []OrderItem `json:"items"`
}

// IsPending reports whether the order still awaits completion or cancellation.
func (o PendingOrder) IsPending() bool {
	switch o.Status {
	case "completed", "cancelled":
		return false
	}
	return true
}

type claimRequest struct {
	PCNumber  string `json:"pc_number"`
	SessionID string `json:"session_id"`
}

// errorBody covers the error shapes the backend is known to produce.
type errorBody struct {
	Message  string `json:"message"`
	Error    string `json:"error"`
	ActivePC string `json:"active_pc"`
}
